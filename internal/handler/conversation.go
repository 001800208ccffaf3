package handler

import (
	"net/http"

	"github.com/chatcore/internal/conversation"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/model"
	"github.com/go-chi/chi/v5"
)

type ConversationHandler struct {
	svc *conversation.Service
}

func NewConversationHandler(svc *conversation.Service) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

type createPrivateRequest struct {
	UserID string `json:"user_id"`
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type membersRequest struct {
	UserIDs     []string `json:"user_ids"`
	Description string   `json:"description,omitempty"`
}

type roleRequest struct {
	Role model.Role `json:"role"`
}

type resolveRequest struct {
	Action model.JoinAction `json:"action"`
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListForUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ConversationHandler) CreatePrivate(w http.ResponseWriter, r *http.Request) {
	var req createPrivateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.CreatePrivate(r.Context(), middleware.GetUserID(r.Context()), req.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.CreateGroup(r.Context(), middleware.GetUserID(r.Context()), req.Name, req.MemberIDs)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AddMembers: 200 с группой, если добавил owner/admin; 202 с заявкой, если участник без прав.
func (h *ConversationHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	var req membersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.AddMembers(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.UserIDs, req.Description)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Request != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *ConversationHandler) RemoveMembers(w http.ResponseWriter, r *http.Request) {
	var req membersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.RemoveMembers(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.UserIDs)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ConversationHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.ChangeRole(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userId"), req.Role)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Leave: 204, если группа удалена вместе с последним участником.
func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.LeaveGroup(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ConversationHandler) ListJoinRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListJoinRequests(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ConversationHandler) ResolveJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.svc.ResolveJoinRequest(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "requestId"), req.Action)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

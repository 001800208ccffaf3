package handler

import (
	"net/http"
	"strings"

	"github.com/chatcore/internal/message"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/model"
	"github.com/go-chi/chi/v5"
)

type MessageHandler struct {
	svc *message.Service
}

func NewMessageHandler(svc *message.Service) *MessageHandler {
	return &MessageHandler{svc: svc}
}

type sendMessageRequest struct {
	Content string  `json:"content"`
	ReplyTo *string `json:"reply_to,omitempty"`
}

type attachmentRequest struct {
	Type    model.MessageType `json:"type"`
	Count   int               `json:"count"`
	ReplyTo *string           `json:"reply_to,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

type forwardRequest struct {
	ConversationIDs []string `json:"conversation_ids"`
}

type seenResponse struct {
	Marked int `json:"marked"`
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", message.DefaultPageSize)
	msgs, err := h.svc.List(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), r.URL.Query().Get("before"), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	msgs, err := h.svc.Search(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), q)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.Create(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Content, req.ReplyTo)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) SendAttachment(w http.ResponseWriter, r *http.Request) {
	var req attachmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.CreateAttachment(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Type, req.Count, req.ReplyTo)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.MarkSeen(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seenResponse{Marked: n})
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.Edit(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"), req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Delete: ?scope=self|everyone, по умолчанию self.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope := model.DeleteScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = model.DeleteForSelf
	}
	m, err := h.svc.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "messageId"), scope)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	var req reactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.React(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"), req.Emoji)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Unreact(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Pin(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Pin(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Unpin(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Forward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.svc.Forward(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "messageId"), req.ConversationIDs)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

package handler

import (
	"net/http"
	"strings"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/ws"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	hub            *ws.Hub
	allowedOrigins string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, allowedOrigins string) *WSHandler {
	h := &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// handshakeToken: браузеры не умеют ставить заголовки на WebSocket, поэтому сначала ?token=.
func handshakeToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

// ServeWS проверяет токен до апгрейда: без валидного токена соединение не поднимается.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.hub.Authenticate(r.Context(), handshakeToken(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: apperr.Public(err), Kind: string(apperr.KindAuth)})
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}
	h.hub.Register(h.hub.NewClient(conn, userID))
}

package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/chatcore/internal/logger"
)

// OnlineReader — то, что обработчику нужно от менеджера присутствия.
type OnlineReader interface {
	IsOnline(userID string) bool
	OnlineUsers() []string
}

// LastSeenReader — время последнего выхода из сети (Redis-зеркало). Может отсутствовать.
type LastSeenReader interface {
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type PresenceHandler struct {
	online   OnlineReader
	lastSeen LastSeenReader
}

func NewPresenceHandler(online OnlineReader, lastSeen LastSeenReader) *PresenceHandler {
	return &PresenceHandler{online: online, lastSeen: lastSeen}
}

type presenceStatus struct {
	UserID     string     `json:"user_id"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

const maxPresenceIDs = 100

// Statuses: GET /api/presence?ids=a,b,c.
func (h *PresenceHandler) Statuses(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	if len(ids) > maxPresenceIDs {
		ids = ids[:maxPresenceIDs]
	}

	out := make([]presenceStatus, 0, len(ids))
	for _, id := range ids {
		st := presenceStatus{UserID: id, Online: h.online.IsOnline(id)}
		if !st.Online && h.lastSeen != nil {
			at, ok, err := h.lastSeen.LastSeen(r.Context(), id)
			if err != nil {
				logger.Errorf("presence last seen %s: %v", id, err)
			} else if ok {
				st.LastSeenAt = &at
			}
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PresenceHandler) Online(w http.ResponseWriter, r *http.Request) {
	users := h.online.OnlineUsers()
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, users)
}

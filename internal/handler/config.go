package handler

import (
	"net/http"

	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/message"
)

// ConfigHandler отдаёт клиенту публичные лимиты (без авторизации).
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type clientLimits struct {
	PageSize       int     `json:"page_size"`
	MaxPageSize    int     `json:"max_page_size"`
	SearchLimit    int     `json:"search_limit"`
	MaxAttachments int     `json:"max_attachments"`
	WSMaxMessage   int64   `json:"ws_max_message_bytes"`
	WSEventRate    float64 `json:"ws_event_rate"`
	PushEnabled    bool    `json:"push_enabled"`
}

func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clientLimits{
		PageSize:       message.DefaultPageSize,
		MaxPageSize:    message.MaxPageSize,
		SearchLimit:    message.SearchLimit,
		MaxAttachments: message.MaxAttachments,
		WSMaxMessage:   h.cfg.WS.MaxMessageSize,
		WSEventRate:    h.cfg.WS.EventRate,
		PushEnabled:    h.cfg.PushServiceURL != "",
	})
}

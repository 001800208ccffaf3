package handler

import (
	"net/http"
	"strings"

	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers — всё, что монтируется в HTTP-роутер.
type Handlers struct {
	Verifier       auth.Verifier
	AllowedOrigins string
	Conversations  *ConversationHandler
	Messages       *MessageHandler
	Presence       *PresenceHandler
	Config         *ConfigHandler
	WS             *WSHandler
	// Push == nil — push-сервис не настроен, маршруты подписки не монтируются.
	Push *PushHandler
}

func corsOrigins(s string) []string {
	if strings.TrimSpace(s) == "" || strings.TrimSpace(s) == "*" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// NewRouter собирает маршруты: /health, /metrics, /ws и /api/* под Bearer-авторизацией.
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(h.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	// /ws авторизуется сам: токен приходит в query до апгрейда.
	r.Get("/ws", h.WS.ServeWS)

	r.Get("/api/config/client", h.Config.GetClientConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.Verifier))

		r.Get("/api/presence", h.Presence.Statuses)
		r.Get("/api/presence/online", h.Presence.Online)
		if h.Push != nil {
			r.Post("/api/push/subscribe", h.Push.Subscribe)
			r.Delete("/api/push/subscribe", h.Push.Unsubscribe)
		}

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", h.Conversations.List)
			r.Post("/private", h.Conversations.CreatePrivate)
			r.Post("/group", h.Conversations.CreateGroup)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversations.Get)
				r.Post("/members", h.Conversations.AddMembers)
				r.Delete("/members", h.Conversations.RemoveMembers)
				r.Put("/members/{userId}/role", h.Conversations.ChangeRole)
				r.Post("/leave", h.Conversations.Leave)
				r.Get("/join-requests", h.Conversations.ListJoinRequests)
				r.Post("/join-requests/{requestId}", h.Conversations.ResolveJoinRequest)

				r.Get("/messages", h.Messages.List)
				r.Post("/messages", h.Messages.Send)
				r.Post("/messages/attachments", h.Messages.SendAttachment)
				r.Get("/messages/search", h.Messages.Search)
				r.Post("/messages/seen", h.Messages.MarkSeen)
				r.Delete("/messages/{messageId}", h.Messages.Delete)
			})
		})

		r.Route("/api/messages/{messageId}", func(r chi.Router) {
			r.Get("/", h.Messages.Get)
			r.Patch("/", h.Messages.Edit)
			r.Put("/reaction", h.Messages.React)
			r.Delete("/reaction", h.Messages.Unreact)
			r.Post("/pin", h.Messages.Pin)
			r.Delete("/pin", h.Messages.Unpin)
			r.Post("/forward", h.Messages.Forward)
		})
	})
	return r
}

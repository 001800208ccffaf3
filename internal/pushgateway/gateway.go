// Package pushgateway — сервис Web Push: хранит подписки браузеров и рассылает
// уведомления, которые API отправляет на POST /api/notify.
package pushgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const notifyTimeout = 10 * time.Second

type Subscriptions interface {
	Add(ctx context.Context, userID string, sub model.PushSubscription) error
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

// Sender доставляет зашифрованный payload на endpoint подписки и возвращает HTTP-статус push-сервиса.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub model.PushSubscription) (int, error)
}

type subscribeRequest struct {
	UserID       string                 `json:"user_id"`
	Subscription model.PushSubscription `json:"subscription"`
}

type unsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// NotifyRequest — тело POST /api/notify.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

type Server struct {
	subs      Subscriptions
	sender    Sender
	publicKey string
}

// NewServer: sender == nil — подписки сохраняются, отправка не выполняется.
func NewServer(subs Subscriptions, sender Sender, publicKey string) *Server {
	return &Server{subs: subs, sender: sender, publicKey: publicKey}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})
	return r
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.publicKey == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.publicKey))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !req.Subscription.Valid() {
		http.Error(w, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.subs.Add(r.Context(), req.UserID, req.Subscription); err != nil {
		logger.Errorf("subscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.subs.Remove(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("unsubscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), notifyTimeout)
	defer cancel()

	subs, err := s.subs.List(ctx, req.UserID)
	if err != nil {
		logger.Errorf("notify user=%s: %v", req.UserID, err)
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	if s.sender != nil && len(subs) > 0 {
		payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
		if err != nil {
			http.Error(w, "payload encode", http.StatusInternalServerError)
			return
		}
		s.deliver(ctx, req.UserID, payload, subs)
	}
	w.WriteHeader(http.StatusNoContent)
}

// deliver отправляет на все подписки; протухшие (404/410) удаляются.
func (s *Server) deliver(ctx context.Context, userID string, payload []byte, subs []model.PushSubscription) {
	for _, sub := range subs {
		status, err := s.sender.Send(ctx, payload, sub)
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues("webpush").Inc()
			logger.Errorf("webpush %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		if status == http.StatusGone || status == http.StatusNotFound {
			if err := s.subs.Remove(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("remove stale subscription user=%s: %v", userID, err)
			}
		}
	}
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}

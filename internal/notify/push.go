package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chatcore/internal/model"
)

// PushSink вызывает микросервис пуш-уведомлений. Если URL пустой — Send no-op.
type PushSink struct {
	baseURL    string
	httpClient *http.Client
}

// NewPushSink создаёт канал. baseURL пустой — пуши отключены.
func NewPushSink(baseURL string) *PushSink {
	if baseURL == "" {
		return &PushSink{}
	}
	return &PushSink{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// pushRequest — тело POST /api/notify.
type pushRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (p *PushSink) Name() string { return "push" }

// Enabled — задан ли адрес push-сервиса.
func (p *PushSink) Enabled() bool { return p.baseURL != "" }

// Subscribe сохраняет подписку браузера для userID на push-сервисе.
func (p *PushSink) Subscribe(ctx context.Context, userID string, sub model.PushSubscription) error {
	return p.call(ctx, http.MethodPost, "/api/subscribe", map[string]any{"user_id": userID, "subscription": sub})
}

// Unsubscribe удаляет подписку по endpoint.
func (p *PushSink) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return p.call(ctx, http.MethodDelete, "/api/subscribe", map[string]string{"user_id": userID, "endpoint": endpoint})
}

func (p *PushSink) call(ctx context.Context, method, path string, payload any) error {
	if p.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push %s %s: %d", method, path, resp.StatusCode)
	}
	return nil
}

func (p *PushSink) Send(ctx context.Context, n Notification) error {
	title := "New message"
	if n.Type == TypeForward {
		title = "Forwarded message"
	}
	return p.call(ctx, http.MethodPost, "/api/notify", pushRequest{
		UserID: n.UserID,
		Title:  title,
		Body:   n.Content,
		Data: map[string]string{
			"type":            n.Type,
			"conversation_id": n.ConversationID,
			"message_id":      n.MessageID,
			"sender_id":       n.SenderID,
		},
	})
}

// Package notify доставляет уведомления о сообщениях офлайн-каналам (push, Kafka, лог).
// Доставка отвязана от вызывающего: Dispatch не блокирует и не возвращает ошибок.
package notify

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
)

const (
	TypeMessage = "message"
	TypeForward = "forward"

	previewRunes   = 30
	defaultTimeout = 5 * time.Second
)

type Notification struct {
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Preview обрезает текст до 30 символов (по рунам).
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes])
}

// Sink — один канал доставки.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{sinks: sinks, timeout: timeout}
}

// Dispatch отправляет уведомления во все каналы в отдельной горутине с собственным таймаутом.
// Ошибки каналов логируются и считаются в метриках.
func (d *Dispatcher) Dispatch(ns ...Notification) {
	if len(ns) == 0 || len(d.sinks) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		for _, n := range ns {
			for _, s := range d.sinks {
				if err := s.Send(ctx, n); err != nil {
					metrics.SideEffectFailures.WithLabelValues("notify_" + s.Name()).Inc()
					logger.Errorf("notify %s user=%s message=%s: %v", s.Name(), n.UserID, n.MessageID, err)
				}
			}
		}
	}()
}

// Wait дожидается уже запущенных отправок.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close перестаёт принимать уведомления и ждёт текущие отправки.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// LogSink пишет уведомления в лог (режим разработки).
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, n Notification) error {
	logger.Infof("notify user=%s type=%s conversation=%s from=%s: %q", n.UserID, n.Type, n.ConversationID, n.SenderID, n.Content)
	return nil
}

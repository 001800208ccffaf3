// Package linkpreview строит превью ссылок из сообщений в фоне и рассылает их в комнату диалога.
package linkpreview

import (
	"context"
	"sync"
	"time"

	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/room"
)

// PageFetcher — источник превью по URL (Fetcher в проде, заглушка в тестах).
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (model.LinkPreview, error)
}

type Enricher struct {
	fetcher PageFetcher
	cache   Cache
	pub     room.Publisher
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewEnricher(fetcher PageFetcher, cache Cache, pub room.Publisher, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Enricher{fetcher: fetcher, cache: cache, pub: pub, timeout: timeout}
}

// Enrich запускает построение превью и сразу возвращается.
// Готовые превью сохраняются за сообщением и уходят событием new_message_link_preview.
func (e *Enricher) Enrich(conversationID, messageID string, urls []string) {
	if len(urls) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		e.enrich(ctx, conversationID, messageID, urls)
	}()
}

func (e *Enricher) enrich(ctx context.Context, conversationID, messageID string, urls []string) {
	previews := make([]model.LinkPreview, 0, len(urls))
	for _, u := range urls {
		p, err := e.resolve(ctx, u)
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues("link_preview").Inc()
			logger.Errorf("link preview message=%s url=%s: %v", messageID, u, err)
			continue
		}
		previews = append(previews, p)
	}
	if len(previews) == 0 {
		return
	}
	if err := e.cache.Attach(ctx, messageID, previews); err != nil {
		metrics.SideEffectFailures.WithLabelValues("link_preview").Inc()
		logger.Errorf("link preview attach message=%s: %v", messageID, err)
	}
	e.pub.Broadcast(room.ConversationTopic(conversationID), event.NewMessageLinkPreview{
		ConversationID: conversationID,
		MessageID:      messageID,
		Previews:       previews,
	})
}

func (e *Enricher) resolve(ctx context.Context, url string) (model.LinkPreview, error) {
	if p, ok, err := e.cache.Lookup(ctx, url); err == nil && ok {
		return p, nil
	} else if err != nil {
		logger.Errorf("link preview cache lookup url=%s: %v", url, err)
	}
	p, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return model.LinkPreview{}, err
	}
	if err := e.cache.Store(ctx, p); err != nil {
		logger.Errorf("link preview cache store url=%s: %v", url, err)
	}
	return p, nil
}

// ForMessages возвращает сохранённые превью для страницы сообщений.
func (e *Enricher) ForMessages(ctx context.Context, messageIDs []string) (map[string][]model.LinkPreview, error) {
	if len(messageIDs) == 0 {
		return map[string][]model.LinkPreview{}, nil
	}
	return e.cache.ForMessages(ctx, messageIDs)
}

// Wait дожидается запущенных задач.
func (e *Enricher) Wait() { e.wg.Wait() }

// Close перестаёт принимать задачи и ждёт текущие.
func (e *Enricher) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

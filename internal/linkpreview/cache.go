package linkpreview

import (
	"context"
	"sync"

	"github.com/chatcore/internal/model"
)

// Cache хранит превью по URL и список превью каждого сообщения.
// Реализации: MemoryCache и storage/redis.PreviewCache.
type Cache interface {
	Lookup(ctx context.Context, url string) (model.LinkPreview, bool, error)
	Store(ctx context.Context, p model.LinkPreview) error
	Attach(ctx context.Context, messageID string, previews []model.LinkPreview) error
	ForMessages(ctx context.Context, messageIDs []string) (map[string][]model.LinkPreview, error)
}

type MemoryCache struct {
	mu      sync.RWMutex
	byURL   map[string]model.LinkPreview
	byMsgID map[string][]model.LinkPreview
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		byURL:   make(map[string]model.LinkPreview),
		byMsgID: make(map[string][]model.LinkPreview),
	}
}

func (c *MemoryCache) Lookup(_ context.Context, url string) (model.LinkPreview, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byURL[url]
	return p, ok, nil
}

func (c *MemoryCache) Store(_ context.Context, p model.LinkPreview) error {
	c.mu.Lock()
	c.byURL[p.URL] = p
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Attach(_ context.Context, messageID string, previews []model.LinkPreview) error {
	c.mu.Lock()
	c.byMsgID[messageID] = append([]model.LinkPreview(nil), previews...)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) ForMessages(_ context.Context, messageIDs []string) (map[string][]model.LinkPreview, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]model.LinkPreview, len(messageIDs))
	for _, id := range messageIDs {
		if ps, ok := c.byMsgID[id]; ok {
			out[id] = append([]model.LinkPreview(nil), ps...)
		}
	}
	return out, nil
}

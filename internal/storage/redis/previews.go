package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatcore/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	previewURLPrefix = "link_preview:url:"
	previewMsgPrefix = "link_preview:msg:"
)

// PreviewCache реализует linkpreview.Cache: превью по URL живут urlTTL, привязки к сообщениям — без срока.
type PreviewCache struct {
	c      *Client
	urlTTL time.Duration
}

func (c *Client) PreviewCache(urlTTL time.Duration) *PreviewCache {
	return &PreviewCache{c: c, urlTTL: urlTTL}
}

func (p *PreviewCache) Lookup(ctx context.Context, url string) (model.LinkPreview, bool, error) {
	raw, err := p.c.cli.Get(ctx, previewURLPrefix+url).Bytes()
	if err == redis.Nil {
		return model.LinkPreview{}, false, nil
	}
	if err != nil {
		return model.LinkPreview{}, false, err
	}
	var lp model.LinkPreview
	if err := json.Unmarshal(raw, &lp); err != nil {
		return model.LinkPreview{}, false, fmt.Errorf("preview decode %s: %w", url, err)
	}
	return lp, true, nil
}

func (p *PreviewCache) Store(ctx context.Context, lp model.LinkPreview) error {
	raw, err := json.Marshal(lp)
	if err != nil {
		return err
	}
	return p.c.cli.Set(ctx, previewURLPrefix+lp.URL, raw, p.urlTTL).Err()
}

func (p *PreviewCache) Attach(ctx context.Context, messageID string, previews []model.LinkPreview) error {
	raw, err := json.Marshal(previews)
	if err != nil {
		return err
	}
	return p.c.cli.Set(ctx, previewMsgPrefix+messageID, raw, 0).Err()
}

func (p *PreviewCache) ForMessages(ctx context.Context, messageIDs []string) (map[string][]model.LinkPreview, error) {
	out := make(map[string][]model.LinkPreview, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = previewMsgPrefix + id
	}
	vals, err := p.c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var list []model.LinkPreview
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, fmt.Errorf("preview decode message %s: %w", messageIDs[i], err)
		}
		out[messageIDs[i]] = list
	}
	return out, nil
}

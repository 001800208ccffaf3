package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	pushSubsPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// PushSubscriptions — подписки Web Push: список на пользователя, не больше maxSubsPerUser последних.
type PushSubscriptions struct {
	c *Client
}

func (c *Client) PushSubscriptions() *PushSubscriptions { return &PushSubscriptions{c: c} }

// Add сохраняет подписку; повторная подписка с тем же endpoint заменяет старую.
func (s *PushSubscriptions) Add(ctx context.Context, userID string, sub model.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	stale, err := s.matching(ctx, userID, sub.Endpoint)
	if err != nil {
		return err
	}
	key := pushSubsPrefix + userID
	_, err = s.c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range stale {
			pipe.LRem(ctx, key, 0, item)
		}
		pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
		pipe.Expire(ctx, key, subscriptionTTL)
		return nil
	})
	return err
}

func (s *PushSubscriptions) Remove(ctx context.Context, userID, endpoint string) error {
	stale, err := s.matching(ctx, userID, endpoint)
	if err != nil || len(stale) == 0 {
		return err
	}
	key := pushSubsPrefix + userID
	_, err = s.c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range stale {
			pipe.LRem(ctx, key, 0, item)
		}
		return nil
	})
	return err
}

// List отдаёт валидные подписки; битые записи пропускаются.
func (s *PushSubscriptions) List(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	items, err := s.c.cli.LRange(ctx, pushSubsPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.PushSubscription, 0, len(items))
	for _, item := range items {
		var sub model.PushSubscription
		if err := json.Unmarshal([]byte(item), &sub); err != nil || !sub.Valid() {
			logger.Debugf("push subscription user=%s skipped: malformed", userID)
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// matching — сырые элементы списка с данным endpoint (для LRem).
func (s *PushSubscriptions) matching(ctx context.Context, userID, endpoint string) ([]string, error) {
	items, err := s.c.cli.LRange(ctx, pushSubsPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range items {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			out = append(out, item)
		}
	}
	return out, nil
}

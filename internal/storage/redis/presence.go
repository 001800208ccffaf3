package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey   = "presence:online"
	lastSeenPrefix = "presence:last_seen:"
	lastSeenTTL    = 30 * 24 * time.Hour
)

// Presence — зеркало онлайн-статусов: множество онлайн-пользователей и время последнего выхода.
type Presence struct {
	c *Client
}

func (c *Client) Presence() *Presence { return &Presence{c: c} }

func (p *Presence) SetOnline(ctx context.Context, userID string, _ time.Time) error {
	return p.c.cli.SAdd(ctx, onlineSetKey, userID).Err()
}

func (p *Presence) SetOffline(ctx context.Context, userID string, at time.Time) error {
	_, err := p.c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, onlineSetKey, userID)
		pipe.Set(ctx, lastSeenPrefix+userID, at.UTC().Format(time.RFC3339Nano), lastSeenTTL)
		return nil
	})
	return err
}

func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.c.cli.SIsMember(ctx, onlineSetKey, userID).Result()
}

func (p *Presence) OnlineUsers(ctx context.Context) ([]string, error) {
	return p.c.cli.SMembers(ctx, onlineSetKey).Result()
}

// LastSeen возвращает время последнего выхода; ok=false, если данных нет.
func (p *Presence) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := p.c.cli.Get(ctx, lastSeenPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Reset очищает множество онлайн: после перезапуска процесса живых соединений нет.
func (p *Presence) Reset(ctx context.Context) error {
	return p.c.cli.Del(ctx, onlineSetKey).Err()
}

// Package startup — подключение к внешним зависимостям с повторами при старте процесса.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	redisstorage "github.com/chatcore/internal/storage/redis"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// sleep подменяется в тестах.
var sleep = time.Sleep

// Retry вызывает attempt, пока тот не вернёт nil или не истечёт maxWait.
// what — имя зависимости для логов ("db", "redis").
func Retry(what string, maxWait time.Duration, attempt func() error) error {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for {
		err := attempt()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s connect failed, retry in %v: %v", what, backoff, err)
		sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// ConnectDB подключается к Postgres и проверяет соединение ping-ом.
func ConnectDB(poolCfg *pgxpool.Config, maxWait time.Duration) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := Retry("db", maxWait, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping: %w", err)
		}
		pool = p
		return nil
	})
	return pool, err
}

func ConnectRedis(redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := Retry("redis", maxWait, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(ctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client, err
}

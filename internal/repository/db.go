// Package repository — хранилища чата в Postgres (pgx). Реализует интерфейсы пакета storage.
package repository

import (
	"context"
	"errors"

	"github.com/chatcore/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound совпадает с storage.ErrNotFound, чтобы сервисы не зависели от драйвера.
var ErrNotFound = storage.ErrNotFound

// querier — общее подмножество *pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// inTx выполняет fn в транзакции; коммит только при nil.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Store объединяет все хранилища одного пула.
type Store struct {
	Conversations *ConversationRepository
	Messages      *MessageRepository
	JoinRequests  *JoinRequestRepository
	Users         *UserRepository
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Conversations: NewConversationRepository(pool),
		Messages:      NewMessageRepository(pool),
		JoinRequests:  NewJoinRequestRepository(pool),
		Users:         NewUserRepository(pool),
	}
}

var (
	_ storage.ConversationStore = (*ConversationRepository)(nil)
	_ storage.MessageStore      = (*MessageRepository)(nil)
	_ storage.JoinRequestStore  = (*JoinRequestRepository)(nil)
	_ storage.UserDirectory     = (*UserRepository)(nil)
)

// Package storage описывает хранилища чата.
// Реализации: repository (Postgres через pgx) и memory (тесты, запуск без БД).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chatcore/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict — нарушение уникальности (например, второй личный диалог той же пары).
	ErrConflict = errors.New("conflict")
	// ErrDelete возвращается из функции Update, чтобы удалить документ в том же атомарном шаге.
	ErrDelete = errors.New("delete document")
)

// ConversationStore хранит диалоги вместе с участниками.
// Update выполняет read-modify-write под блокировкой документа: fn получает свежую копию,
// при ошибке fn изменения не сохраняются.
type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation) error
	Get(ctx context.Context, id string) (*model.Conversation, error)
	GetMany(ctx context.Context, ids []string) ([]model.Conversation, error)
	Update(ctx context.Context, id string, fn func(c *model.Conversation) error) (*model.Conversation, error)
	Delete(ctx context.Context, id string) error
	FindPrivate(ctx context.Context, a, b string) (*model.Conversation, error)
	FindGroup(ctx context.Context, name string, memberIDs []string) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]model.Conversation, error)
	Touch(ctx context.Context, id, messageID string, at time.Time) error
}

// MessageStore хранит сообщения, реакции и отметки о прочтении.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)
	Update(ctx context.Context, id string, fn func(m *model.Message) error) (*model.Message, error)
	// UpsertReaction перезаписывает реакцию пользователя или добавляет новую.
	UpsertReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error)
	// DeleteReaction возвращает ErrNotFound, если у пользователя нет реакции.
	DeleteReaction(ctx context.Context, messageID, userID string) (*model.Message, error)
	// MarkSeen добавляет userID в seenBy всех сообщений диалога, где его нет. Возвращает число изменённых.
	MarkSeen(ctx context.Context, conversationID, userID string) (int, error)
	CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error)
	// List — страница сообщений от новых к старым, без удалённых для viewerID.
	List(ctx context.Context, conversationID, viewerID, before string, limit int) ([]model.Message, error)
	Search(ctx context.Context, conversationID, query string, limit int) ([]model.Message, error)
	DeleteByConversation(ctx context.Context, conversationID string) error
}

type JoinRequestStore interface {
	Create(ctx context.Context, r *model.JoinRequest) error
	// Take атомарно удаляет и возвращает заявку; повторный вызов даёт ErrNotFound.
	Take(ctx context.Context, conversationID, id string) (*model.JoinRequest, error)
	ListByConversation(ctx context.Context, conversationID string) ([]model.JoinRequest, error)
	DeleteByConversation(ctx context.Context, conversationID string) error
}

// UserDirectory — внешний справочник пользователей.
type UserDirectory interface {
	Existing(ctx context.Context, ids []string) (map[string]struct{}, error)
	Brief(ctx context.Context, id string) (model.UserBrief, error)
	Briefs(ctx context.Context, ids []string) (map[string]model.UserBrief, error)
}

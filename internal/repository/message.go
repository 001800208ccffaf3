package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageCols = `id, conversation_id, sender_id, type, content, reply_to, seen_by, deleted_for,
	is_deleted, is_edited, edited_at, is_pinned, pinned_by, pinned_at, forwarded_from, attachment_count, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content, &m.ReplyTo, &m.SeenBy, &m.DeletedFor,
		&m.IsDeleted, &m.IsEdited, &m.EditedAt, &m.IsPinned, &m.PinnedBy, &m.PinnedAt, &m.ForwardedFrom, &m.AttachmentCount, &m.CreatedAt)
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("message.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, type, content, reply_to, seen_by, deleted_for,
		 is_deleted, is_edited, edited_at, is_pinned, pinned_by, pinned_at, forwarded_from, attachment_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Content, m.ReplyTo, nonNil(m.SeenBy), nonNil(m.DeletedFor),
		m.IsDeleted, m.IsEdited, m.EditedAt, m.IsPinned, m.PinnedBy, m.PinnedAt, m.ForwardedFrom, m.AttachmentCount, m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("messageRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) get(ctx context.Context, q querier, id string, lock bool) (*model.Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	m := &model.Message{}
	if err := scanMessage(q.QueryRow(ctx, query, id), m); err != nil {
		return nil, notFound(err)
	}
	if err := attachReactions(ctx, q, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("message.Get", time.Now())()
	m, err := r.get(ctx, r.pool, id, false)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("messageRepo.Get: %w", err)
	}
	return m, err
}

// Update блокирует строку сообщения; fn меняет содержимое, флаги удаления и закрепления.
// Реакции меняются только через UpsertReaction/DeleteReaction.
func (r *MessageRepository) Update(ctx context.Context, id string, fn func(m *model.Message) error) (*model.Message, error) {
	defer logger.DeferLogDuration("message.Update", time.Now())()
	var out *model.Message
	var fnErr error
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := r.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			fnErr = err
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE messages SET content = $2, seen_by = $3, deleted_for = $4, is_deleted = $5, is_edited = $6,
			 edited_at = $7, is_pinned = $8, pinned_by = $9, pinned_at = $10
			 WHERE id = $1`,
			m.ID, m.Content, nonNil(m.SeenBy), nonNil(m.DeletedFor), m.IsDeleted, m.IsEdited,
			m.EditedAt, m.IsPinned, m.PinnedBy, m.PinnedAt,
		)
		out = m
		return err
	})
	switch {
	case fnErr != nil:
		return nil, fnErr
	case errors.Is(err, ErrNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("messageRepo.Update: %w", err)
	}
	return out, nil
}

// MarkSeen добавляет userID в seen_by всех сообщений диалога, где его ещё нет.
func (r *MessageRepository) MarkSeen(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("message.MarkSeen", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET seen_by = array_append(seen_by, $2)
		 WHERE conversation_id = $1 AND NOT ($2 = ANY (seen_by))`, conversationID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.MarkSeen: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *MessageRepository) CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	defer logger.DeferLogDuration("message.CountUnread", time.Now())()
	out := make(map[string]int, len(conversationIDs))
	for _, id := range conversationIDs {
		out[id] = 0
	}
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id, COUNT(*) FROM messages
		 WHERE conversation_id = ANY($1) AND NOT ($2 = ANY (seen_by))
		 GROUP BY conversation_id`, conversationIDs, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.CountUnread query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("messageRepo.CountUnread scan: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messageRepo.CountUnread rows: %w", err)
	}
	return out, nil
}

// List — страница от новых к старым. Курсор before — id сообщения этого же диалога.
func (r *MessageRepository) List(ctx context.Context, conversationID, viewerID, before string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.List", time.Now())()
	var cursorAt *time.Time
	if before != "" {
		var at time.Time
		err := r.pool.QueryRow(ctx,
			`SELECT created_at FROM messages WHERE id = $1 AND conversation_id = $2`, before, conversationID,
		).Scan(&at)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("messageRepo.List cursor: %w", err)
		}
		cursorAt = &at
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1
		   AND ($2 = '' OR NOT ($2 = ANY (deleted_for)))
		   AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		 ORDER BY created_at DESC, id DESC
		 LIMIT $5`, conversationID, viewerID, cursorAt, before, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.List query: %w", err)
	}
	out, err := r.collect(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.List: %w", err)
	}
	return out, nil
}

// Search — полнотекстовый поиск по содержимому, ранжирование ts_rank.
func (r *MessageRepository) Search(ctx context.Context, conversationID, query string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.Search", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1 AND NOT is_deleted AND search_vector @@ plainto_tsquery('simple', $2)
		 ORDER BY ts_rank(search_vector, plainto_tsquery('simple', $2)) DESC, created_at DESC, id DESC
		 LIMIT $3`, conversationID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.Search query: %w", err)
	}
	out, err := r.collect(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.Search: %w", err)
	}
	return out, nil
}

func (r *MessageRepository) collect(ctx context.Context, rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	out := make([]model.Message, 0, 32)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ptrs := make([]*model.Message, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := attachReactions(ctx, r.pool, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MessageRepository) DeleteByConversation(ctx context.Context, conversationID string) error {
	defer logger.DeferLogDuration("message.DeleteByConversation", time.Now())()
	if _, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("messageRepo.DeleteByConversation: %w", err)
	}
	return nil
}

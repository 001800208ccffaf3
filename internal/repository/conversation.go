package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const conversationCols = `id, kind, name, created_by, last_message_id, last_activity_at, created_at, updated_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.LastMessageID, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
}

// privateKey — значение уникальной колонки private_key; для групп NULL.
func privateKey(c *model.Conversation) *string {
	if c.Kind != model.KindPrivate || len(c.Participants) != 2 {
		return nil
	}
	return model.StrPtr(model.PrivateKey(c.Participants[0].UserID, c.Participants[1].UserID))
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conversation.Create", time.Now())()
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, kind, name, created_by, private_key, last_message_id, last_activity_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.Kind, c.Name, c.CreatedBy, privateKey(c), c.LastMessageID, c.LastActivityAt, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return writeParticipants(ctx, tx, c)
	})
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("conversationRepo.Create: %w", err)
	}
	return nil
}

// writeParticipants перезаписывает состав; position хранит порядок вступления.
func writeParticipants(ctx context.Context, tx pgx.Tx, c *model.Conversation) error {
	if _, err := tx.Exec(ctx, `DELETE FROM participants WHERE conversation_id = $1`, c.ID); err != nil {
		return err
	}
	rows := make([][]any, 0, len(c.Participants))
	for i, p := range c.Participants {
		rows = append(rows, []any{c.ID, p.UserID, string(p.Role), p.JoinedAt, i})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"participants"},
		[]string{"conversation_id", "user_id", "role", "joined_at", "position"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (r *ConversationRepository) get(ctx context.Context, q querier, id string, lock bool) (*model.Conversation, error) {
	query := `SELECT ` + conversationCols + ` FROM conversations WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	c := &model.Conversation{}
	if err := scanConversation(q.QueryRow(ctx, query, id), c); err != nil {
		return nil, notFound(err)
	}
	parts, err := loadParticipants(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	c.Participants = parts[id]
	return c, nil
}

func loadParticipants(ctx context.Context, q querier, ids []string) (map[string][]model.Participant, error) {
	rows, err := q.Query(ctx,
		`SELECT conversation_id, user_id, role, joined_at FROM participants
		 WHERE conversation_id = ANY($1) ORDER BY conversation_id, position`, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]model.Participant, len(ids))
	for rows.Next() {
		var convID string
		var p model.Participant
		if err := rows.Scan(&convID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], p)
	}
	return out, rows.Err()
}

func (r *ConversationRepository) Get(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.Get", time.Now())()
	c, err := r.get(ctx, r.pool, id, false)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.Get: %w", err)
	}
	return c, nil
}

// GetMany возвращает найденные диалоги в порядке ids.
func (r *ConversationRepository) GetMany(ctx context.Context, ids []string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetMany", time.Now())()
	if len(ids) == 0 {
		return []model.Conversation{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.GetMany query: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]model.Conversation, len(ids))
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("conversationRepo.GetMany scan: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.GetMany rows: %w", err)
	}
	parts, err := loadParticipants(ctx, r.pool, ids)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.GetMany participants: %w", err)
	}
	out := make([]model.Conversation, 0, len(byID))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			continue
		}
		c.Participants = parts[id]
		out = append(out, c)
		delete(byID, id)
	}
	return out, nil
}

func (r *ConversationRepository) Update(ctx context.Context, id string, fn func(c *model.Conversation) error) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.Update", time.Now())()
	var out *model.Conversation
	var fnErr error
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		c, err := r.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			if !errors.Is(err, storage.ErrDelete) {
				fnErr = err
				return err
			}
			out = c
			_, err = tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE conversations SET name = $2, last_message_id = $3, last_activity_at = $4, updated_at = $5 WHERE id = $1`,
			c.ID, c.Name, c.LastMessageID, c.LastActivityAt, c.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if err := writeParticipants(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	switch {
	case fnErr != nil:
		return nil, fnErr
	case errors.Is(err, ErrNotFound):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("conversationRepo.Update: %w", err)
	}
	return out, nil
}

func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("conversation.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("conversationRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) FindPrivate(ctx context.Context, a, b string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindPrivate", time.Now())()
	var id string
	err := r.pool.QueryRow(ctx, `SELECT id FROM conversations WHERE private_key = $1`, model.PrivateKey(a, b)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.FindPrivate: %w", err)
	}
	return r.Get(ctx, id)
}

// FindGroup ищет группу с тем же именем и тем же множеством участников.
func (r *ConversationRepository) FindGroup(ctx context.Context, name string, memberIDs []string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindGroup", time.Now())()
	sorted := append([]string(nil), memberIDs...)
	sort.Strings(sorted)
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT c.id FROM conversations c
		 WHERE c.kind = 'group' AND c.name = $1
		   AND (SELECT array_agg(p.user_id ORDER BY p.user_id) FROM participants p WHERE p.conversation_id = c.id) = $2::text[]
		 LIMIT 1`, name, sorted,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.FindGroup: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.ListByUser", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT conversation_id FROM participants WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListByUser query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListByUser rows: %w", err)
	}
	return r.GetMany(ctx, ids)
}

// Touch сдвигает last_activity_at только вперёд.
func (r *ConversationRepository) Touch(ctx context.Context, id, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("conversation.Touch", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET last_message_id = $2, last_activity_at = $3, updated_at = $3
		 WHERE id = $1 AND last_activity_at <= $3`, id, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.Touch: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("conversationRepo.Touch exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

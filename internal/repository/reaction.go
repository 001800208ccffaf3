package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/jackc/pgx/v5"
)

// UpsertReaction хранит одну реакцию на пользователя: повторная реакция меняет эмодзи, created_at остаётся прежним.
func (r *MessageRepository) UpsertReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error) {
	defer logger.DeferLogDuration("reaction.Upsert", time.Now())()
	var out *model.Message
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := r.get(ctx, tx, messageID, true); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji`,
			messageID, userID, emoji, at,
		)
		if err != nil {
			return err
		}
		out, err = r.get(ctx, tx, messageID, false)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("reactionRepo.Upsert: %w", err)
	}
	return out, err
}

func (r *MessageRepository) DeleteReaction(ctx context.Context, messageID, userID string) (*model.Message, error) {
	defer logger.DeferLogDuration("reaction.Delete", time.Now())()
	var out *model.Message
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		out, err = r.get(ctx, tx, messageID, false)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("reactionRepo.Delete: %w", err)
	}
	return out, err
}

// attachReactions загружает реакции пачкой для всех сообщений.
func attachReactions(ctx context.Context, q querier, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
		m.Reactions = []model.Reaction{}
	}
	rows, err := q.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at FROM message_reactions
		 WHERE message_id = ANY($1) ORDER BY created_at, user_id`, ids,
	)
	if err != nil {
		return fmt.Errorf("reactions query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID string
		var rc model.Reaction
		if err := rows.Scan(&messageID, &rc.UserID, &rc.Emoji, &rc.CreatedAt); err != nil {
			return fmt.Errorf("reactions scan: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Reactions = append(m.Reactions, rc)
		}
	}
	return rows.Err()
}

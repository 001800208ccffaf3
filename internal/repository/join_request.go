package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const joinRequestCols = `id, conversation_id, requested_user_ids, actor_id, description, status, created_at`

type JoinRequestRepository struct {
	pool *pgxpool.Pool
}

func NewJoinRequestRepository(pool *pgxpool.Pool) *JoinRequestRepository {
	return &JoinRequestRepository{pool: pool}
}

func scanJoinRequest(s interface{ Scan(dest ...any) error }, jr *model.JoinRequest) error {
	return s.Scan(&jr.ID, &jr.ConversationID, &jr.RequestedUserIDs, &jr.ActorID, &jr.Description, &jr.Status, &jr.CreatedAt)
}

func (r *JoinRequestRepository) Create(ctx context.Context, jr *model.JoinRequest) error {
	defer logger.DeferLogDuration("joinRequest.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO join_requests (`+joinRequestCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		jr.ID, jr.ConversationID, jr.RequestedUserIDs, jr.ActorID, jr.Description, jr.Status, jr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("joinRequestRepo.Create: %w", err)
	}
	return nil
}

// Take удаляет заявку и возвращает её; конкурентный второй Take получит ErrNotFound.
func (r *JoinRequestRepository) Take(ctx context.Context, conversationID, id string) (*model.JoinRequest, error) {
	defer logger.DeferLogDuration("joinRequest.Take", time.Now())()
	jr := &model.JoinRequest{}
	row := r.pool.QueryRow(ctx,
		`DELETE FROM join_requests WHERE id = $1 AND conversation_id = $2 RETURNING `+joinRequestCols,
		id, conversationID,
	)
	if err := scanJoinRequest(row, jr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("joinRequestRepo.Take: %w", err)
	}
	return jr, nil
}

func (r *JoinRequestRepository) ListByConversation(ctx context.Context, conversationID string) ([]model.JoinRequest, error) {
	defer logger.DeferLogDuration("joinRequest.ListByConversation", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+joinRequestCols+` FROM join_requests WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("joinRequestRepo.ListByConversation query: %w", err)
	}
	defer rows.Close()
	out := make([]model.JoinRequest, 0, 4)
	for rows.Next() {
		var jr model.JoinRequest
		if err := scanJoinRequest(rows, &jr); err != nil {
			return nil, fmt.Errorf("joinRequestRepo.ListByConversation scan: %w", err)
		}
		out = append(out, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("joinRequestRepo.ListByConversation rows: %w", err)
	}
	return out, nil
}

func (r *JoinRequestRepository) DeleteByConversation(ctx context.Context, conversationID string) error {
	defer logger.DeferLogDuration("joinRequest.DeleteByConversation", time.Now())()
	if _, err := r.pool.Exec(ctx, `DELETE FROM join_requests WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("joinRequestRepo.DeleteByConversation: %w", err)
	}
	return nil
}

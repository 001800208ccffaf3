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

const userCols = `id, name, avatar, status`

// UserRepository — локальная копия справочника пользователей (заполняется сервисом профилей).
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.UserBrief) error {
	return s.Scan(&u.ID, &u.Name, &u.Avatar, &u.Status)
}

// Upsert создаёт или обновляет краткие данные пользователя.
func (r *UserRepository) Upsert(ctx context.Context, u model.UserBrief) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, name, avatar, status) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar, status = EXCLUDED.status`,
		u.ID, u.Name, u.Avatar, u.Status,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Upsert: %w", err)
	}
	return nil
}

func (r *UserRepository) Existing(ctx context.Context, ids []string) (map[string]struct{}, error) {
	defer logger.DeferLogDuration("user.Existing", time.Now())()
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Existing query: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("userRepo.Existing rows: %w", err)
	}
	for _, id := range found {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *UserRepository) Brief(ctx context.Context, id string) (model.UserBrief, error) {
	defer logger.DeferLogDuration("user.Brief", time.Now())()
	var u model.UserBrief
	if err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id), &u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UserBrief{}, ErrNotFound
		}
		return model.UserBrief{}, fmt.Errorf("userRepo.Brief: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Briefs(ctx context.Context, ids []string) (map[string]model.UserBrief, error) {
	defer logger.DeferLogDuration("user.Briefs", time.Now())()
	out := make(map[string]model.UserBrief, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Briefs query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u model.UserBrief
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.Briefs scan: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Briefs rows: %w", err)
	}
	return out, nil
}

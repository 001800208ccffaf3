package memory

import (
	"context"
	"sync"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
)

// Users — справочник пользователей в памяти; заполняется через Put.
type Users struct {
	mu    sync.RWMutex
	users map[string]model.UserBrief
}

func NewUsers(users ...model.UserBrief) *Users {
	u := &Users{users: make(map[string]model.UserBrief, len(users))}
	u.Put(users...)
	return u
}

func (s *Users) Put(users ...model.UserBrief) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
}

func (s *Users) Existing(_ context.Context, ids []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.users[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *Users) Brief(_ context.Context, id string) (model.UserBrief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.UserBrief{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Users) Briefs(_ context.Context, ids []string) (map[string]model.UserBrief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.UserBrief, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// Package memory — хранилища в памяти процесса (тесты и запуск с -memory).
// Каждое хранилище защищено собственным мьютексом; наружу отдаются только копии.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
)

type Conversations struct {
	mu      sync.RWMutex
	byID    map[string]*model.Conversation
	private map[string]string
}

func NewConversations() *Conversations {
	return &Conversations{
		byID:    make(map[string]*model.Conversation),
		private: make(map[string]string),
	}
}

func privateKeyOf(c *model.Conversation) (string, bool) {
	if c.Kind != model.KindPrivate || len(c.Participants) != 2 {
		return "", false
	}
	return model.PrivateKey(c.Participants[0].UserID, c.Participants[1].UserID), true
}

func (s *Conversations) Create(_ context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return storage.ErrConflict
	}
	if key, ok := privateKeyOf(c); ok {
		if _, exists := s.private[key]; exists {
			return storage.ErrConflict
		}
		s.private[key] = c.ID
	}
	s.byID[c.ID] = c.Clone()
	return nil
}

func (s *Conversations) Get(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Conversations) GetMany(_ context.Context, ids []string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.byID[id]; ok {
			out = append(out, *c.Clone())
		}
	}
	return out, nil
}

func (s *Conversations) Update(_ context.Context, id string, fn func(c *model.Conversation) error) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, storage.ErrDelete) {
			s.deleteLocked(cur)
			return next, nil
		}
		return nil, err
	}
	s.byID[id] = next
	return next.Clone(), nil
}

func (s *Conversations) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.deleteLocked(c)
	return nil
}

func (s *Conversations) deleteLocked(c *model.Conversation) {
	delete(s.byID, c.ID)
	if key, ok := privateKeyOf(c); ok {
		delete(s.private, key)
	}
}

func (s *Conversations) FindPrivate(_ context.Context, a, b string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.private[model.PrivateKey(a, b)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *Conversations) FindGroup(_ context.Context, name string, memberIDs []string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byID {
		if c.Kind == model.KindGroup && c.DisplayName() == name && c.HasSameMembers(memberIDs) {
			return c.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Conversations) ListByUser(_ context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, 8)
	for _, c := range s.byID {
		if c.IsParticipant(userID) {
			out = append(out, *c.Clone())
		}
	}
	return out, nil
}

func (s *Conversations) Touch(_ context.Context, id, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	if at.Before(c.LastActivityAt) {
		return nil
	}
	c.LastMessageID = model.StrPtr(messageID)
	c.LastActivityAt = at
	c.UpdatedAt = at
	return nil
}

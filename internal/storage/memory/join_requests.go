package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
)

type JoinRequests struct {
	mu   sync.Mutex
	byID map[string]model.JoinRequest
}

func NewJoinRequests() *JoinRequests {
	return &JoinRequests{byID: make(map[string]model.JoinRequest)}
}

func (s *JoinRequests) Create(_ context.Context, r *model.JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return storage.ErrConflict
	}
	cp := *r
	cp.RequestedUserIDs = append([]string(nil), r.RequestedUserIDs...)
	s.byID[r.ID] = cp
	return nil
}

func (s *JoinRequests) Take(_ context.Context, conversationID, id string) (*model.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok || r.ConversationID != conversationID {
		return nil, storage.ErrNotFound
	}
	delete(s.byID, id)
	return &r, nil
}

func (s *JoinRequests) ListByConversation(_ context.Context, conversationID string) ([]model.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JoinRequest, 0, 4)
	for _, r := range s.byID {
		if r.ConversationID == conversationID {
			cp := r
			cp.RequestedUserIDs = append([]string(nil), r.RequestedUserIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *JoinRequests) DeleteByConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.byID {
		if r.ConversationID == conversationID {
			delete(s.byID, id)
		}
	}
	return nil
}

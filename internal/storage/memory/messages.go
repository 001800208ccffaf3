package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/storage"
)

type Messages struct {
	mu     sync.RWMutex
	byID   map[string]*model.Message
	byConv map[string][]string
}

func NewMessages() *Messages {
	return &Messages{
		byID:   make(map[string]*model.Message),
		byConv: make(map[string][]string),
	}
}

func (s *Messages) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return storage.ErrConflict
	}
	cp := m.Clone()
	cp.Sender = nil
	cp.LinkPreviews = nil
	s.byID[m.ID] = cp
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (s *Messages) Get(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Messages) Update(_ context.Context, id string, fn func(m *model.Message) error) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.byID[id] = next
	return next.Clone(), nil
}

func (s *Messages) UpsertReaction(_ context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m.SetReaction(userID, emoji, at)
	return m.Clone(), nil
}

func (s *Messages) DeleteReaction(_ context.Context, messageID, userID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || !m.RemoveReaction(userID) {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Messages) MarkSeen(_ context.Context, conversationID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.byConv[conversationID] {
		if s.byID[id].MarkSeen(userID) {
			n++
		}
	}
	return n, nil
}

func (s *Messages) CountUnread(_ context.Context, userID string, conversationIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(conversationIDs))
	for _, cid := range conversationIDs {
		n := 0
		for _, id := range s.byConv[cid] {
			if !s.byID[id].SeenByUser(userID) {
				n++
			}
		}
		out[cid] = n
	}
	return out, nil
}

// newer — порядок страниц: сначала новые, при равном времени — больший id.
func newer(a, b *model.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *Messages) List(_ context.Context, conversationID, viewerID, before string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cursor *model.Message
	if before != "" {
		c, ok := s.byID[before]
		if !ok || c.ConversationID != conversationID {
			return nil, storage.ErrNotFound
		}
		cursor = c
	}
	ids := s.byConv[conversationID]
	all := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		m := s.byID[id]
		if viewerID != "" && m.DeletedForUser(viewerID) {
			continue
		}
		if cursor != nil && !newer(cursor, m) {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return newer(all[i], all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]model.Message, 0, len(all))
	for _, m := range all {
		out = append(out, *m.Clone())
	}
	return out, nil
}

// Search ранжирует по числу вхождений слов запроса (без учёта регистра).
func (s *Messages) Search(_ context.Context, conversationID, query string, limit int) ([]model.Message, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []model.Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	type hit struct {
		m     *model.Message
		score int
	}
	hits := make([]hit, 0, 16)
	for _, id := range s.byConv[conversationID] {
		m := s.byID[id]
		if m.IsDeleted || m.Content == nil {
			continue
		}
		text := strings.ToLower(*m.Content)
		score := 0
		for _, t := range terms {
			score += strings.Count(text, t)
		}
		if score > 0 {
			hits = append(hits, hit{m: m, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return newer(hits[i].m, hits[j].m)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.Message, 0, len(hits))
	for _, h := range hits {
		out = append(out, *h.m.Clone())
	}
	return out, nil
}

func (s *Messages) DeleteByConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byConv[conversationID] {
		delete(s.byID, id)
	}
	delete(s.byConv, conversationID)
	return nil
}

// Package presence ведёт учёт живых соединений по пользователям.
// Событие user_online уходит только на переходе 0→1 соединений, user_offline — на 1→0.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/room"
)

const (
	shardCount    = 32
	mirrorTimeout = 2 * time.Second
)

// Mirror дублирует онлайн-статус во внешнее хранилище (Redis). Ошибки только логируются.
type Mirror interface {
	SetOnline(ctx context.Context, userID string, at time.Time) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
}

type shard struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
}

// Manager — потокобезопасная мультикарта userID → множество connID.
// Создаётся явно при старте сервиса и закрывается при остановке.
type Manager struct {
	verifier auth.Verifier
	pub      room.Publisher
	mirror   Mirror
	shards   [shardCount]*shard
	conns    sync.Map // connID → userID
	online   sync.Map // userID → struct{}; для OnlineUsers
	closed   chan struct{}
	once     sync.Once
}

func NewManager(verifier auth.Verifier, pub room.Publisher, mirror Mirror) *Manager {
	m := &Manager{
		verifier: verifier,
		pub:      pub,
		mirror:   mirror,
		closed:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{users: make(map[string]map[string]struct{})}
	}
	return m
}

func (m *Manager) shardFor(userID string) *shard {
	return m.shards[xxhash.Sum64String(userID)%shardCount]
}

// Connect проверяет токен и регистрирует соединение connID за пользователем.
// При ошибке проверки возвращает apperr.Auth и ничего не меняет.
func (m *Manager) Connect(ctx context.Context, token, connID string) (string, error) {
	userID, err := m.Authenticate(ctx, token)
	if err != nil {
		return "", err
	}
	if err := m.Track(connID, userID); err != nil {
		return "", err
	}
	return userID, nil
}

// Authenticate только проверяет токен, соединение не регистрируется.
func (m *Manager) Authenticate(ctx context.Context, token string) (string, error) {
	select {
	case <-m.closed:
		return "", apperr.Auth("server is shutting down")
	default:
	}
	userID, err := m.verifier.Verify(ctx, token)
	if err != nil {
		metrics.WSAuthFailures.Inc()
		if apperr.KindOf(err) != apperr.KindAuth {
			return "", apperr.Auth("invalid token")
		}
		return "", err
	}
	return userID, nil
}

// Track регистрирует уже проверенное соединение.
// Событие и зеркало обновляются под блокировкой шарда, чтобы переходы
// одного пользователя публиковались в том порядке, в котором произошли.
func (m *Manager) Track(connID, userID string) error {
	select {
	case <-m.closed:
		return apperr.Auth("server is shutting down")
	default:
	}
	if _, loaded := m.conns.LoadOrStore(connID, userID); loaded {
		return apperr.Invalid("connection already registered")
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.users[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		sh.users[userID] = set
	}
	set[connID] = struct{}{}
	if len(set) == 1 {
		m.online.Store(userID, struct{}{})
		metrics.OnlineUsers.Inc()
		m.pub.BroadcastAll(event.UserOnline{UserID: userID})
		m.mirrorOnline(userID, true)
	}
	return nil
}

// Disconnect снимает соединение. Неизвестный или уже снятый connID — no-op.
func (m *Manager) Disconnect(connID string) {
	v, ok := m.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	userID := v.(string)

	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.users[userID]
	if !ok {
		return
	}
	if _, exists := set[connID]; !exists {
		return
	}
	delete(set, connID)
	if len(set) > 0 {
		return
	}
	delete(sh.users, userID)
	m.online.Delete(userID)
	metrics.OnlineUsers.Dec()
	m.pub.BroadcastAll(event.UserOffline{UserID: userID})
	m.mirrorOnline(userID, false)
}

func (m *Manager) mirrorOnline(userID string, online bool) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	var err error
	if online {
		err = m.mirror.SetOnline(ctx, userID, time.Now().UTC())
	} else {
		err = m.mirror.SetOffline(ctx, userID, time.Now().UTC())
	}
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("presence_mirror").Inc()
		logger.Errorf("presence mirror user=%s online=%v: %v", userID, online, err)
	}
}

func (m *Manager) IsOnline(userID string) bool {
	_, ok := m.online.Load(userID)
	return ok
}

// ConnectionCount — число живых соединений пользователя.
func (m *Manager) ConnectionCount(userID string) int {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.users[userID])
}

// UserOf возвращает владельца соединения.
func (m *Manager) UserOf(connID string) (string, bool) {
	v, ok := m.conns.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (m *Manager) OnlineUsers() []string {
	out := make([]string, 0, 64)
	m.online.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// Close перестаёт принимать новые соединения и сбрасывает состояние.
// Зеркало помечает всех оставшихся пользователей офлайн.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.closed)
		var users []string
		for _, sh := range m.shards {
			sh.mu.Lock()
			for uid := range sh.users {
				users = append(users, uid)
			}
			sh.users = make(map[string]map[string]struct{})
			sh.mu.Unlock()
		}
		m.conns.Range(func(k, _ any) bool {
			m.conns.Delete(k)
			return true
		})
		for _, uid := range users {
			m.online.Delete(uid)
			metrics.OnlineUsers.Dec()
			m.mirrorOnline(uid, false)
		}
	})
}

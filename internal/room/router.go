// Package room сопоставляет топики с живыми соединениями и рассылает события.
// Router ничего не знает о движках диалогов и сообщений: проверка членства
// приходит через MembershipChecker, а движки видят только Publisher.
package room

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
)

const (
	userPrefix         = "user:"
	conversationPrefix = "conversation:"

	membershipCheckTimeout = 5 * time.Second
)

func UserTopic(userID string) string { return userPrefix + userID }

func ConversationTopic(conversationID string) string { return conversationPrefix + conversationID }

// ConversationID извлекает id из conversation-топика.
func ConversationID(topic string) (string, bool) {
	if !strings.HasPrefix(topic, conversationPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, conversationPrefix)
	return id, id != ""
}

// Conn — живое соединение одного пользователя. Send не должен блокироваться.
type Conn interface {
	ID() string
	UserID() string
	Send(ev event.Event) bool
}

// MembershipChecker подтверждает право войти в conversation-топик.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// CheckerFunc позволяет передать функцию как MembershipChecker.
type CheckerFunc func(ctx context.Context, conversationID, userID string) (bool, error)

func (f CheckerFunc) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return f(ctx, conversationID, userID)
}

// Publisher — единственная возможность, которую движки получают от роутера.
type Publisher interface {
	Broadcast(topic string, ev event.Event)
	BroadcastToUser(userID string, ev event.Event)
	// BroadcastToUsers доставляет событие только тем соединениям топика, чьи пользователи в userIDs.
	BroadcastToUsers(topic string, userIDs []string, ev event.Event)
	BroadcastAll(ev event.Event)
}

// Evictor принудительно выводит пользователя из топика (после исключения из группы).
type Evictor interface {
	EvictUser(topic, userID string)
}

type Router struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	topics  map[string]map[string]Conn
	joined  map[string]map[string]struct{}
	checker MembershipChecker
}

func NewRouter(checker MembershipChecker) *Router {
	return &Router{
		conns:   make(map[string]Conn),
		topics:  make(map[string]map[string]Conn),
		joined:  make(map[string]map[string]struct{}),
		checker: checker,
	}
}

// Attach регистрирует соединение и подписывает его на user-топик владельца.
func (r *Router) Attach(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
	r.joinLocked(c, UserTopic(c.UserID()))
}

// Detach снимает соединение со всех топиков. Неизвестное соединение — no-op.
func (r *Router) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return
	}
	for topic := range r.joined[connID] {
		r.leaveLocked(connID, topic)
	}
	delete(r.joined, connID)
	delete(r.conns, connID)
}

// Join подписывает соединение на топик. Для conversation-топика сначала проверяется членство;
// отказ молчаливый: возвращается false, клиенту ничего не отправляется.
func (r *Router) Join(ctx context.Context, connID, topic string) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if convID, isConv := ConversationID(topic); isConv {
		ctx, cancel := context.WithTimeout(ctx, membershipCheckTimeout)
		defer cancel()
		member, err := r.checker.IsParticipant(ctx, convID, c.UserID())
		if err != nil {
			logger.Errorf("room join check conversation=%s user=%s: %v", convID, c.UserID(), err)
			return false
		}
		if !member {
			logger.Debugf("room join rejected conversation=%s user=%s", convID, c.UserID())
			return false
		}
	} else if topic != UserTopic(c.UserID()) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Соединение могло закрыться во время проверки.
	if _, still := r.conns[connID]; !still {
		return false
	}
	r.joinLocked(c, topic)
	return true
}

func (r *Router) Leave(connID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, topic)
}

// IsJoined сообщает, подписано ли соединение на топик.
func (r *Router) IsJoined(connID, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[connID][topic]
	return ok
}

func (r *Router) EvictUser(topic, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.topics[topic] {
		if c.UserID() == userID {
			r.leaveLocked(id, topic)
		}
	}
}

func (r *Router) joinLocked(c Conn, topic string) {
	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]Conn)
		r.topics[topic] = members
	}
	members[c.ID()] = c
	set, ok := r.joined[c.ID()]
	if !ok {
		set = make(map[string]struct{})
		r.joined[c.ID()] = set
	}
	set[topic] = struct{}{}
}

func (r *Router) leaveLocked(connID, topic string) {
	if members, ok := r.topics[topic]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
	if set, ok := r.joined[connID]; ok {
		delete(set, topic)
	}
}

func (r *Router) Broadcast(topic string, ev event.Event) {
	r.deliver(r.collect(topic, func(Conn) bool { return true }), ev)
}

// BroadcastExcept рассылает всем в топике, кроме соединения connID (ретрансляция набора текста).
func (r *Router) BroadcastExcept(topic, connID string, ev event.Event) {
	r.deliver(r.collect(topic, func(c Conn) bool { return c.ID() != connID }), ev)
}

func (r *Router) BroadcastToUser(userID string, ev event.Event) {
	r.Broadcast(UserTopic(userID), ev)
}

func (r *Router) BroadcastToUsers(topic string, userIDs []string, ev event.Event) {
	if len(userIDs) == 0 {
		return
	}
	allowed := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		allowed[id] = struct{}{}
	}
	r.deliver(r.collect(topic, func(c Conn) bool {
		_, ok := allowed[c.UserID()]
		return ok
	}), ev)
}

func (r *Router) BroadcastAll(ev event.Event) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	r.deliver(targets, ev)
}

// collect собирает получателей под блокировкой; отправка идёт уже без неё.
func (r *Router) collect(topic string, keep func(Conn) bool) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.topics[topic]
	targets := make([]Conn, 0, len(members))
	for _, c := range members {
		if keep(c) {
			targets = append(targets, c)
		}
	}
	return targets
}

func (r *Router) deliver(targets []Conn, ev event.Event) {
	metrics.Broadcasts.WithLabelValues(ev.Name()).Inc()
	for _, c := range targets {
		if !c.Send(ev) {
			metrics.BackpressureDrops.WithLabelValues(ev.Name()).Inc()
		}
	}
}

// Connections — число зарегистрированных соединений.
func (r *Router) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

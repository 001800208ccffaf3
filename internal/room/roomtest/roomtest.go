// Package roomtest — тестовые реализации соединения и Publisher.
package roomtest

import (
	"sync"

	"github.com/chatcore/internal/event"
)

// Conn — соединение, складывающее события в срез. Full=true имитирует переполненный буфер.
type Conn struct {
	ConnID string
	User   string
	Full   bool

	mu     sync.Mutex
	events []event.Event
}

func NewConn(id, userID string) *Conn { return &Conn{ConnID: id, User: userID} }

func (c *Conn) ID() string     { return c.ConnID }
func (c *Conn) UserID() string { return c.User }

func (c *Conn) Send(ev event.Event) bool {
	if c.Full {
		return false
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return true
}

func (c *Conn) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

// Names — имена полученных событий по порядку.
func (c *Conn) Names() []string {
	evs := c.Events()
	names := make([]string, 0, len(evs))
	for _, ev := range evs {
		names = append(names, ev.Name())
	}
	return names
}

// Delivery — одна запись Recorder: куда и что было отправлено.
type Delivery struct {
	Topic   string
	UserID  string
	UserIDs []string
	All     bool
	Event   event.Event
}

// Recorder реализует room.Publisher и room.Evictor, запоминая вызовы.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	evictions  []Delivery
}

func (r *Recorder) add(d Delivery) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
}

func (r *Recorder) Broadcast(topic string, ev event.Event) {
	r.add(Delivery{Topic: topic, Event: ev})
}

func (r *Recorder) BroadcastToUser(userID string, ev event.Event) {
	r.add(Delivery{UserID: userID, Event: ev})
}

func (r *Recorder) BroadcastToUsers(topic string, userIDs []string, ev event.Event) {
	r.add(Delivery{Topic: topic, UserIDs: append([]string(nil), userIDs...), Event: ev})
}

func (r *Recorder) BroadcastAll(ev event.Event) {
	r.add(Delivery{All: true, Event: ev})
}

func (r *Recorder) EvictUser(topic, userID string) {
	r.mu.Lock()
	r.evictions = append(r.evictions, Delivery{Topic: topic, UserID: userID})
	r.mu.Unlock()
}

func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

func (r *Recorder) Evictions() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.evictions...)
}

// Named возвращает доставки события с указанным именем.
func (r *Recorder) Named(name string) []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries() {
		if d.Event.Name() == name {
			out = append(out, d)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.evictions = nil
	r.mu.Unlock()
}

// Package ws — сокет-шлюз: рукопожатие с токеном, насосы чтения/записи и разбор входящих событий.
// Доставка исходящих событий идёт через room.Router; шлюз только регистрирует соединения.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/tracing"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const eventTimeout = 5 * time.Second

// Router — часть room.Router, нужная шлюзу.
type Router interface {
	Attach(c room.Conn)
	Detach(connID string)
	Join(ctx context.Context, connID, topic string) bool
	Leave(connID, topic string)
	IsJoined(connID, topic string) bool
	BroadcastExcept(topic, connID string, ev event.Event)
}

// Presence: Authenticate до апгрейда, Track после регистрации в хабе.
type Presence interface {
	Authenticate(ctx context.Context, token string) (string, error)
	Track(connID, userID string) error
	Disconnect(connID string)
}

// Messages — операции движка сообщений, доступные через сокет.
type Messages interface {
	Create(ctx context.Context, senderID, conversationID, content string, replyTo *string) (*model.Message, error)
	MarkSeen(ctx context.Context, conversationID, userID string) (int, error)
}

type Options struct {
	MaxConnections int
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	EventRate      float64
	EventBurst     int
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.EventRate <= 0 {
		o.EventRate = 20
	}
	if o.EventBurst <= 0 {
		o.EventBurst = int(o.EventRate) * 2
	}
	return o
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	opts     Options
	router   Router
	presence Presence
	messages Messages
	tracer   trace.Tracer

	register   chan *Client
	unregister chan *Client
	// quit закрывается в начале остановки, done — после неё.
	quit chan struct{}
	done chan struct{}
}

func NewHub(router Router, presence Presence, messages Messages, opts Options) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		opts:       opts.withDefaults(),
		router:     router,
		presence:   presence,
		messages:   messages,
		tracer:     tracing.Tracer("chatcore/ws"),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			close(h.quit)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Done закрывается, когда Run завершил остановку всех соединений.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range all {
		h.release(c)
	}
	for _, c := range all {
		c.Wait()
	}
}

// Authenticate проверяет токен до апгрейда. Присутствие меняется только в addClient.
func (h *Hub) Authenticate(ctx context.Context, token string) (string, error) {
	return h.presence.Authenticate(ctx, token)
}

func (h *Hub) NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan event.Event, h.opts.SendBufferSize),
		id:      uuid.NewString(),
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(h.opts.EventRate), h.opts.EventBurst),
		done:    make(chan struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// addClient отмечает присутствие, подписывает соединение на user-топик и только затем
// запускает насосы, чтобы первое входящее событие уже видело зарегистрированное соединение.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.opts.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConnections, c.userID)
		c.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	if err := h.presence.Track(c.id, c.userID); err != nil {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		logger.Errorf("ws presence track user=%s: %v", c.userID, err)
		c.Close()
		return
	}

	h.router.Attach(c)
	metrics.WSConnections.Inc()
	metrics.WSConnectionsTotal.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx, cancel)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.release(c)
}

func (h *Hub) release(c *Client) {
	h.router.Detach(c.id)
	h.presence.Disconnect(c.id)
	metrics.WSConnections.Dec()
	c.Close()
}

func sendError(c *Client, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.Errorf("ws internal error user=%s: %v", c.userID, err)
	}
	c.Send(event.Error{Kind: string(kind), Message: apperr.Public(err)})
}

// HandleMessage разбирает и выполняет одно входящее событие.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.InboundEvents.WithLabelValues("malformed", string(apperr.KindInvalidOperation)).Inc()
		sendError(c, apperr.Invalid("malformed event"))
		return
	}
	if !c.limiter.Allow() {
		metrics.InboundEvents.WithLabelValues(string(msg.Type), "rate_limited").Inc()
		sendError(c, apperr.Invalid("too many events"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "ws."+string(msg.Type), trace.WithAttributes(
		attribute.String("chat.user_id", c.userID),
		attribute.String("chat.conversation_id", msg.ConversationID),
	))
	defer span.End()

	err := h.dispatch(ctx, c, msg)
	metrics.ObserveOp("ws."+string(msg.Type), err)
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Public(err))
		sendError(c, err)
	}
	metrics.InboundEvents.WithLabelValues(string(msg.Type), result).Inc()
}

func (h *Hub) dispatch(ctx context.Context, c *Client, msg Inbound) error {
	switch msg.Type {
	case InJoinConversation, InLeaveConversation, InTypingStart, InTypingStop, InSendMessage, InMarkSeen:
		if msg.ConversationID == "" {
			return apperr.Invalid("conversation_id required")
		}
	default:
		return apperr.Invalid("unknown event type")
	}
	topic := room.ConversationTopic(msg.ConversationID)

	switch msg.Type {
	case InJoinConversation:
		// Отказ молчаливый: клиент просто не получает подтверждения.
		if h.router.Join(ctx, c.id, topic) {
			c.Send(event.ConversationJoined{ConversationID: msg.ConversationID})
		}
	case InLeaveConversation:
		h.router.Leave(c.id, topic)
	case InTypingStart:
		if h.router.IsJoined(c.id, topic) {
			h.router.BroadcastExcept(topic, c.id, event.UserTyping{ConversationID: msg.ConversationID, UserID: c.userID})
		}
	case InTypingStop:
		if h.router.IsJoined(c.id, topic) {
			h.router.BroadcastExcept(topic, c.id, event.UserStoppedTyping{ConversationID: msg.ConversationID, UserID: c.userID})
		}
	case InSendMessage:
		_, err := h.messages.Create(ctx, c.userID, msg.ConversationID, msg.Content, msg.ReplyTo)
		return err
	case InMarkSeen:
		_, err := h.messages.MarkSeen(ctx, msg.ConversationID, c.userID)
		return err
	}
	return nil
}

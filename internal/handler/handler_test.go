package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatcore/internal/auth"
	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/conversation"
	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/linkpreview"
	"github.com/chatcore/internal/message"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/presence"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/storage/memory"
	"github.com/chatcore/internal/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handler-test-secret"

type testServer struct {
	*httptest.Server
	presence *presence.Manager
	push     *fakeSubscriber
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs map[string][]string
}

func (f *fakeSubscriber) Subscribe(_ context.Context, userID string, sub model.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[userID] = append(f.subs[userID], sub.Endpoint)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, userID, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.subs[userID][:0]
	for _, e := range f.subs[userID] {
		if e != endpoint {
			kept = append(kept, e)
		}
	}
	f.subs[userID] = kept
	return nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	users := memory.NewUsers(
		model.UserBrief{ID: "alice", Name: "Alice"},
		model.UserBrief{ID: "bob", Name: "Bob"},
		model.UserBrief{ID: "carol", Name: "Carol"},
		model.UserBrief{ID: "dave", Name: "Dave"},
	)
	convStore := memory.NewConversations()
	msgStore := memory.NewMessages()

	router := room.NewRouter(conversation.MembershipOf(convStore))
	pm := presence.NewManager(auth.NewJWTVerifier(testSecret), router, nil)
	convSvc := conversation.NewService(convStore, memory.NewJoinRequests(), users, msgStore, router)
	dispatcher := notify.NewDispatcher(time.Second)
	enricher := linkpreview.NewEnricher(linkpreview.NewFetcher(time.Second), linkpreview.NewMemoryCache(), router, time.Second)
	msgSvc := message.NewService(msgStore, convSvc, users, router, dispatcher, enricher)

	hub := ws.NewHub(router, pm, msgSvc, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	push := &fakeSubscriber{subs: map[string][]string{}}
	cfg := &config.Config{WS: config.WSConfig{MaxMessageSize: 8192, EventRate: 20}}
	srv := httptest.NewServer(NewRouter(Handlers{
		Verifier:       auth.NewJWTVerifier(testSecret),
		AllowedOrigins: "*",
		Conversations:  NewConversationHandler(convSvc),
		Messages:       NewMessageHandler(msgSvc),
		Presence:       NewPresenceHandler(pm, nil),
		Config:         NewConfigHandler(cfg),
		WS:             NewWSHandler(hub, "*"),
		Push:           NewPushHandler(push),
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
		pm.Close()
		enricher.Close()
		dispatcher.Close()
	})
	return &testServer{Server: srv, presence: pm, push: push}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, userID, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createGroup(t *testing.T, owner string, members ...string) model.Conversation {
	t.Helper()
	resp := s.do(t, owner, http.MethodPost, "/api/conversations/group", createGroupRequest{Name: "team", MemberIDs: members})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[model.Conversation](t, resp)
}

func TestHealthAndClientConfig(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, "", http.MethodGet, "/api/config/client", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limits := decode[clientLimits](t, resp)
	assert.Equal(t, message.MaxAttachments, limits.MaxAttachments)
	assert.Equal(t, int64(8192), limits.WSMaxMessage)
	assert.False(t, limits.PushEnabled)
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t)
	conv := s.createGroup(t, "alice", "bob", "dave")
	assert.Len(t, conv.Participants, 3)

	resp := s.do(t, "carol", http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, "not_found", body.Kind)

	// Участник без прав создаёт заявку вместо добавления.
	resp = s.do(t, "bob", http.MethodPost, "/api/conversations/"+conv.ID+"/members", membersRequest{UserIDs: []string{"carol"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	added := decode[conversation.AddResult](t, resp)
	require.NotNil(t, added.Request)

	resp = s.do(t, "alice", http.MethodPost, "/api/conversations/"+conv.ID+"/join-requests/"+added.Request.ID, resolveRequest{Action: model.JoinAccept})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[model.Conversation](t, resp).Participants, 4)

	resp = s.do(t, "alice", http.MethodPut, "/api/conversations/"+conv.ID+"/members/bob/role", roleRequest{Role: model.RoleAdmin})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, "carol", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.ConversationSummary](t, resp), 1)

	resp = s.do(t, "carol", http.MethodPost, "/api/conversations/"+conv.ID+"/leave", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[model.Conversation](t, resp).Participants, 3)
}

func TestPrivateConversationIsReused(t *testing.T) {
	s := newTestServer(t)

	first := decode[model.Conversation](t, s.do(t, "alice", http.MethodPost, "/api/conversations/private", createPrivateRequest{UserID: "bob"}))
	second := decode[model.Conversation](t, s.do(t, "bob", http.MethodPost, "/api/conversations/private", createPrivateRequest{UserID: "alice"}))
	assert.Equal(t, first.ID, second.ID)

	resp := s.do(t, "alice", http.MethodPost, "/api/conversations/private", createPrivateRequest{UserID: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidBody(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/conversations/group", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestServer(t)
	conv := s.createGroup(t, "alice", "bob", "dave")
	base := "/api/conversations/" + conv.ID + "/messages"

	resp := s.do(t, "alice", http.MethodPost, base, sendMessageRequest{Content: "hello there"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[model.Message](t, resp)
	require.NotNil(t, msg.Content)
	assert.Equal(t, "hello there", *msg.Content)

	resp = s.do(t, "carol", http.MethodPost, base, sendMessageRequest{Content: "intruder"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, "bob", http.MethodPatch, "/api/messages/"+msg.ID, editMessageRequest{Content: "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPatch, "/api/messages/"+msg.ID, editMessageRequest{Content: "hello again"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.Message](t, resp).IsEdited)

	resp = s.do(t, "bob", http.MethodPut, "/api/messages/"+msg.ID+"/reaction", reactRequest{Emoji: "👍"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[model.Message](t, resp).Reactions, 1)

	resp = s.do(t, "bob", http.MethodPost, base+"/seen", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[seenResponse](t, resp).Marked)

	resp = s.do(t, "bob", http.MethodGet, base+"/search?q=again", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Message](t, resp), 1)

	resp = s.do(t, "alice", http.MethodDelete, base+"/"+msg.ID+"?scope=everyone", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.Message](t, resp).IsDeleted)

	resp = s.do(t, "bob", http.MethodGet, base+"?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]model.Message](t, resp)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsDeleted)
}

func TestAttachmentValidation(t *testing.T) {
	s := newTestServer(t)
	conv := s.createGroup(t, "alice", "bob", "dave")
	base := "/api/conversations/" + conv.ID + "/messages/attachments"

	resp := s.do(t, "alice", http.MethodPost, base, attachmentRequest{Type: model.MessageFile, Count: 11})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPost, base, attachmentRequest{Type: model.MessageMedia, Count: 3})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 3, decode[model.Message](t, resp).AttachmentCount)
}

func dial(t *testing.T, s *testServer, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// await читает события, пока не придёт нужный тип.
func await(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == typ {
			return env.Payload
		}
	}
}

func joinConversation(t *testing.T, conn *websocket.Conn, conversationID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ws.Inbound{Type: ws.InJoinConversation, ConversationID: conversationID}))
	var joined event.ConversationJoined
	require.NoError(t, json.Unmarshal(await(t, conn, event.NameConversationJoined), &joined))
	require.Equal(t, conversationID, joined.ConversationID)
}

func TestWSRejectsBadToken(t *testing.T) {
	s := newTestServer(t)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, s.presence.IsOnline("garbage"))
}

func TestWSEndToEnd(t *testing.T) {
	s := newTestServer(t)
	conv := s.createGroup(t, "alice", "bob", "dave")

	alice := dial(t, s, "alice")
	joinConversation(t, alice, conv.ID)
	assert.True(t, s.presence.IsOnline("alice"))

	bob := dial(t, s, "bob")
	var online event.UserOnline
	require.NoError(t, json.Unmarshal(await(t, alice, event.NameUserOnline), &online))
	assert.Equal(t, "bob", online.UserID)
	joinConversation(t, bob, conv.ID)

	require.NoError(t, alice.WriteJSON(ws.Inbound{Type: ws.InTypingStart, ConversationID: conv.ID}))
	var typing event.UserTyping
	require.NoError(t, json.Unmarshal(await(t, bob, event.NameUserTyping), &typing))
	assert.Equal(t, "alice", typing.UserID)

	require.NoError(t, alice.WriteJSON(ws.Inbound{Type: ws.InSendMessage, ConversationID: conv.ID, Content: "over the socket"}))
	var created event.NewMessage
	require.NoError(t, json.Unmarshal(await(t, bob, event.NameNewMessage), &created))
	require.NotNil(t, created.Message.Content)
	assert.Equal(t, "over the socket", *created.Message.Content)

	// REST-операция доходит до подписчиков сокета.
	resp := s.do(t, "bob", http.MethodPut, "/api/messages/"+created.Message.ID+"/reaction", reactRequest{Emoji: "🔥"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	await(t, alice, event.NameMessageReacted)

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "no_such_thing", "conversation_id": conv.ID}))
	var wsErr event.Error
	require.NoError(t, json.Unmarshal(await(t, alice, event.NameError), &wsErr))
	assert.Equal(t, "invalid_operation", string(wsErr.Kind))

	resp = s.do(t, "carol", http.MethodGet, "/api/presence?ids=alice,carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	statuses := decode[[]presenceStatus](t, resp)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Online)
	assert.False(t, statuses[1].Online)
}

func TestPushSubscription(t *testing.T) {
	s := newTestServer(t)
	sub := model.PushSubscription{Endpoint: "https://push.example/a", Keys: model.PushKeys{P256dh: "p", Auth: "a"}}

	resp := s.do(t, "alice", http.MethodPost, "/api/push/subscribe", pushSubscribeRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPost, "/api/push/subscribe", pushSubscribeRequest{Subscription: sub})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{sub.Endpoint}, s.push.subs["alice"])

	resp = s.do(t, "alice", http.MethodDelete, "/api/push/subscribe", pushUnsubscribeRequest{Endpoint: sub.Endpoint})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, s.push.subs["alice"])
}

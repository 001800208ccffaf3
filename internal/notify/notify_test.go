package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chatcore/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
	wait time.Duration
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, n Notification) error {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail {
		return errors.New("sink down")
	}
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

func TestPreviewTruncatesByRunes(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := "Привет! Это очень длинное сообщение для превью"
	assert.Equal(t, 30, len([]rune(Preview(long))))
}

func TestDispatchFansOutToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher(time.Second, a, b)

	d.Dispatch(Notification{UserID: "u1"}, Notification{UserID: "u2"})
	d.Wait()

	assert.Len(t, a.all(), 2)
	assert.Len(t, b.all(), 2)
}

func TestDispatchFailureIsIsolated(t *testing.T) {
	broken, ok := &recordingSink{fail: true}, &recordingSink{}
	d := NewDispatcher(time.Second, broken, ok)

	d.Dispatch(Notification{UserID: "u1"})
	d.Wait()

	assert.Len(t, ok.all(), 1)
}

func TestDispatchDoesNotBlockCaller(t *testing.T) {
	slow := &recordingSink{wait: 200 * time.Millisecond}
	d := NewDispatcher(time.Second, slow)

	start := time.Now()
	d.Dispatch(Notification{UserID: "u1"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	d.Close()
	assert.Len(t, slow.all(), 1)
}

func TestDispatchHonoursTimeout(t *testing.T) {
	slow := &recordingSink{wait: time.Second}
	d := NewDispatcher(50*time.Millisecond, slow)

	d.Dispatch(Notification{UserID: "u1"})
	d.Wait()
	assert.Empty(t, slow.all())
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	s := &recordingSink{}
	d := NewDispatcher(time.Second, s)
	d.Close()

	d.Dispatch(Notification{UserID: "u1"})
	d.Wait()
	assert.Empty(t, s.all())
}

func TestPushSinkPostsNotify(t *testing.T) {
	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewPushSink(srv.URL + "/")
	err := sink.Send(context.Background(), Notification{
		UserID:         "u1",
		Type:           TypeMessage,
		ConversationID: "c1",
		MessageID:      "m1",
		SenderID:       "u2",
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, "c1", got.Data["conversation_id"])
}

func TestPushSinkReportsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewPushSink(srv.URL).Send(context.Background(), Notification{UserID: "u1"})
	assert.Error(t, err)
}

func TestPushSinkDisabledWithoutURL(t *testing.T) {
	assert.NoError(t, NewPushSink("").Send(context.Background(), Notification{UserID: "u1"}))
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByRecipient(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w)

	require.NoError(t, sink.Send(context.Background(), Notification{UserID: "u7", Type: TypeForward, Content: "hi"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u7", string(w.msgs[0].Key))

	var decoded Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, TypeForward, decoded.Type)
	assert.Equal(t, "hi", decoded.Content)
	require.NoError(t, sink.Close())
}

func TestPushSinkSubscribeProxies(t *testing.T) {
	var (
		method string
		got    map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/subscribe", r.URL.Path)
		method = r.Method
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewPushSink(srv.URL)
	require.True(t, sink.Enabled())
	sub := model.PushSubscription{Endpoint: "https://push.example/a", Keys: model.PushKeys{P256dh: "p", Auth: "a"}}
	require.NoError(t, sink.Subscribe(context.Background(), "u1", sub))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "u1", got["user_id"])

	require.NoError(t, sink.Unsubscribe(context.Background(), "u1", sub.Endpoint))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, sub.Endpoint, got["endpoint"])
}

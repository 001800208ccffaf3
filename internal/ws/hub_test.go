package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatcore/internal/room"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPresence struct {
	mu           sync.Mutex
	tracked      []string
	disconnected []string
}

func (p *countingPresence) Authenticate(_ context.Context, token string) (string, error) {
	return token, nil
}

func (p *countingPresence) Track(connID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked = append(p.tracked, userID)
	return nil
}

func (p *countingPresence) Disconnect(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, connID)
}

func (p *countingPresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked), len(p.disconnected)
}

func TestHubTracksPresenceOnlyForAcceptedConnections(t *testing.T) {
	pres := &countingPresence{}
	h := NewHub(room.NewRouter(nil), pres, nil, Options{MaxConnections: 1})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.Authenticate(r.Context(), r.URL.Query().Get("token"))
		if !assert.NoError(t, err) {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Register(h.NewClient(conn, userID))
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url+"?token=alice", nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(url+"?token=bob", nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	assert.Error(t, err)

	tracked, disconnected := pres.counts()
	assert.Equal(t, 1, tracked)
	assert.Equal(t, 0, disconnected)
	assert.Equal(t, 1, h.Count())

	cancel()
	<-h.Done()
	_, disconnected = pres.counts()
	assert.Equal(t, 1, disconnected)
}

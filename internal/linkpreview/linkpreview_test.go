package linkpreview

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/room/roomtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractURLs(t *testing.T) {
	text := "see https://example.com/a, and http://go.dev. again https://example.com/a or ftp://nope and https:// broken"
	assert.Equal(t, []string{"https://example.com/a", "http://go.dev"}, ExtractURLs(text))
	assert.Nil(t, ExtractURLs("no links here"))
}

func TestExtractURLsCapsCount(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("https://example.com/")
		b.WriteByte(byte('a' + i))
		b.WriteByte(' ')
	}
	assert.Len(t, ExtractURLs(b.String()), maxURLs)
}

const page = `<html><head>
<title>Fallback title</title>
<meta property="og:title" content="OG Title">
<meta name="og:description" content="A description">
<meta property="og:image" content="https://img.example/x.png" />
</head><body>hi</body></html>`

func TestFetcherParsesOpenGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.UserAgent())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	p, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, model.LinkPreview{
		URL:         srv.URL,
		Title:       "OG Title",
		Description: "A description",
		Image:       "https://img.example/x.png",
	}, p)
}

func TestFetcherFallsBackToTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title> Plain page </title></head></html>`))
	}))
	defer srv.Close()

	p, err := testFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Plain page", p.Title)
	assert.Empty(t, p.Image)
}

func TestFetcherRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

// testFetcher пускает на loopback, где живёт httptest.
func testFetcher() *Fetcher {
	return newFetcher(time.Second, nil)
}

func TestFetcherRefusesPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("private address must not be dialed")
	}))
	defer srv.Close()

	_, err := NewFetcher(time.Second).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrPrivateAddress)
}

func TestIsPublic(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10", "172.16.5.4", "169.254.169.254", "::1", "fe80::1", "0.0.0.0"} {
		assert.False(t, isPublic(net.ParseIP(addr)), addr)
	}
	for _, addr := range []string{"93.184.216.34", "2606:4700::1111"} {
		assert.True(t, isPublic(net.ParseIP(addr)), addr)
	}
}

type stubFetcher struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (model.LinkPreview, error) {
	s.calls.Add(1)
	if s.fail[url] {
		return model.LinkPreview{}, errors.New("unreachable")
	}
	return model.LinkPreview{URL: url, Title: "title of " + url}, nil
}

func TestEnricherBroadcastsAndCaches(t *testing.T) {
	fetcher := &stubFetcher{fail: map[string]bool{"https://down.example": true}}
	cache := NewMemoryCache()
	rec := &roomtest.Recorder{}
	e := NewEnricher(fetcher, cache, rec, time.Second)
	defer e.Close()

	e.Enrich("c1", "m1", []string{"https://a.example", "https://down.example"})
	e.Wait()

	got := rec.Named(event.NameNewMessageLinkPreview)
	require.Len(t, got, 1)
	assert.Equal(t, room.ConversationTopic("c1"), got[0].Topic)
	ev := got[0].Event.(event.NewMessageLinkPreview)
	assert.Equal(t, "m1", ev.MessageID)
	require.Len(t, ev.Previews, 1)
	assert.Equal(t, "https://a.example", ev.Previews[0].URL)

	byMsg, err := e.ForMessages(context.Background(), []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Len(t, byMsg["m1"], 1)
	assert.NotContains(t, byMsg, "m2")

	e.Enrich("c1", "m2", []string{"https://a.example"})
	e.Wait()
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestEnricherSkipsBroadcastWhenNothingResolved(t *testing.T) {
	fetcher := &stubFetcher{fail: map[string]bool{"https://down.example": true}}
	rec := &roomtest.Recorder{}
	e := NewEnricher(fetcher, NewMemoryCache(), rec, time.Second)

	e.Enrich("c1", "m1", []string{"https://down.example"})
	e.Close()
	assert.Empty(t, rec.Deliveries())

	e.Enrich("c1", "m2", []string{"https://a.example"})
	e.Wait()
	assert.Empty(t, rec.Deliveries())
}

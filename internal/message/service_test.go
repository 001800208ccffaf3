package message

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/conversation"
	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/room/roomtest"
	"github.com/chatcore/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (f *fakeNotifier) Dispatch(ns ...notify.Notification) {
	f.mu.Lock()
	f.got = append(f.got, ns...)
	f.mu.Unlock()
}

type fakePreviews struct {
	enriched map[string][]string
	stored   map[string][]model.LinkPreview
}

func (f *fakePreviews) Enrich(_, messageID string, urls []string) {
	f.enriched[messageID] = urls
}

func (f *fakePreviews) ForMessages(_ context.Context, ids []string) (map[string][]model.LinkPreview, error) {
	out := map[string][]model.LinkPreview{}
	for _, id := range ids {
		if p, ok := f.stored[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fixture struct {
	svc      *Service
	convs    *conversation.Service
	store    *memory.Messages
	users    *memory.Users
	bus      *roomtest.Recorder
	notes    *fakeNotifier
	previews *fakePreviews
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()
	users := memory.NewUsers()
	for _, id := range userIDs {
		users.Put(model.UserBrief{ID: id, Name: gofakeit.Name()})
	}
	store := memory.NewMessages()
	bus := &roomtest.Recorder{}
	convs := conversation.NewService(memory.NewConversations(), memory.NewJoinRequests(), users, store, bus)
	f := &fixture{
		convs:    convs,
		store:    store,
		users:    users,
		bus:      bus,
		notes:    &fakeNotifier{},
		previews: &fakePreviews{enriched: map[string][]string{}, stored: map[string][]model.LinkPreview{}},
	}
	f.svc = NewService(store, convs, users, bus, f.notes, f.previews)
	// Монотонные часы: порядок страниц не зависит от разрешения системного таймера.
	base := time.Now().UTC().Add(time.Minute)
	var tick atomic.Int64
	f.svc.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) }
	return f
}

func (f *fixture) private(t *testing.T, a, b string) string {
	t.Helper()
	c, err := f.convs.CreatePrivate(context.Background(), a, b)
	require.NoError(t, err)
	return c.ID
}

func (f *fixture) send(t *testing.T, sender, convID, text string) *model.Message {
	t.Helper()
	m, err := f.svc.Create(context.Background(), sender, convID, text, nil)
	require.NoError(t, err)
	return m
}

func TestCreateBroadcastsAndNotifies(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")

	m := f.send(t, "a", conv, "hello https://example.com")

	assert.Equal(t, []string{"a"}, m.SeenBy)
	require.NotNil(t, m.Sender)
	assert.Equal(t, "a", m.Sender.ID)
	assert.NotEmpty(t, m.Sender.Name)

	created := f.bus.Named(event.NameNewMessage)
	require.Len(t, created, 1)
	assert.Equal(t, room.ConversationTopic(conv), created[0].Topic)
	assert.Equal(t, []string{"https://example.com"}, f.previews.enriched[m.ID])

	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "b", f.notes.got[0].UserID)
	assert.Equal(t, notify.TypeMessage, f.notes.got[0].Type)

	list, err := f.convs.ListForUser(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Conversation.LastMessageID)
	assert.Equal(t, m.ID, *list[0].Conversation.LastMessageID)
	assert.Equal(t, 1, list[0].UnreadCount)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, "a", "b", "x")
	conv := f.private(t, "a", "b")
	other := f.private(t, "a", "x")
	foreign := f.send(t, "a", other, "elsewhere")
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "a", conv, "   ", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	_, err = f.svc.Create(ctx, "x", conv, "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Create(ctx, "a", conv, "hi", model.StrPtr("missing"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Create(ctx, "a", conv, "hi", model.StrPtr(foreign.ID))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	first := f.send(t, "b", conv, "question")
	reply, err := f.svc.Create(ctx, "a", conv, "answer", model.StrPtr(first.ID))
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, first.ID, *reply.ReplyTo)
}

func TestCreateAttachment(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	ctx := context.Background()

	voice, err := f.svc.CreateAttachment(ctx, "a", conv, model.MessageVoice, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, voice.AttachmentCount)
	assert.Len(t, f.bus.Named(event.NameNewMessageVoice), 1)

	_, err = f.svc.CreateAttachment(ctx, "a", conv, model.MessageMedia, 11, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
	_, err = f.svc.CreateAttachment(ctx, "a", conv, model.MessageText, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	files, err := f.svc.CreateAttachment(ctx, "a", conv, model.MessageFile, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, files.AttachmentCount)
	assert.Len(t, f.bus.Named(event.NameNewMessageFile), 1)
}

func TestEditOnlyBySender(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	m := f.send(t, "a", conv, "draft")
	ctx := context.Background()

	_, err := f.svc.Edit(ctx, "b", m.ID, "hijack")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Edit(ctx, "a", "missing", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Edit(ctx, "a", m.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)

	edited, err := f.svc.Edit(ctx, "a", m.ID, "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Text())
	assert.True(t, edited.IsEdited)
	assert.NotNil(t, edited.EditedAt)
	assert.Len(t, f.bus.Named(event.NameMessageEdited), 1)

	_, err = f.svc.Delete(ctx, "a", conv, m.ID, model.DeleteForEveryone)
	require.NoError(t, err)
	_, err = f.svc.Edit(ctx, "a", m.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestDeleteForSelfKeepsContent(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	m := f.send(t, "a", conv, "keep me")
	ctx := context.Background()

	updated, err := f.svc.Delete(ctx, "b", conv, m.ID, model.DeleteForSelf)
	require.NoError(t, err)
	assert.Equal(t, "keep me", updated.Text())
	assert.Equal(t, []string{"b"}, updated.DeletedFor)

	_, err = f.svc.Delete(ctx, "b", conv, m.ID, model.DeleteForSelf)
	require.NoError(t, err)
	deleted := f.bus.Named(event.NameMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, model.DeleteForSelf, deleted[0].Event.(event.MessageDeleted).Scope)

	forB, err := f.svc.List(ctx, "b", conv, "", 0)
	require.NoError(t, err)
	assert.Empty(t, forB)
	forA, err := f.svc.List(ctx, "a", conv, "", 0)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, "keep me", forA[0].Text())
}

func TestDeleteForEveryone(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	m := f.send(t, "a", conv, "secret")
	ctx := context.Background()

	_, err := f.svc.Delete(ctx, "b", conv, m.ID, model.DeleteForEveryone)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	updated, err := f.svc.Delete(ctx, "a", conv, m.ID, model.DeleteForEveryone)
	require.NoError(t, err)
	assert.True(t, updated.IsDeleted)
	assert.Equal(t, model.Tombstone, updated.Text())

	_, err = f.svc.Delete(ctx, "a", conv, m.ID, model.DeleteForEveryone)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Delete(ctx, "a", "other", m.ID, model.DeleteForSelf)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Delete(ctx, "a", conv, m.ID, "all")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestReactOverwritesAndUnreact(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	m := f.send(t, "a", conv, "react to me")
	ctx := context.Background()

	_, err := f.svc.React(ctx, "b", m.ID, "👍")
	require.NoError(t, err)
	updated, err := f.svc.React(ctx, "b", m.ID, "🔥")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, "🔥", updated.Reactions[0].Emoji)

	_, err = f.svc.Unreact(ctx, "b", m.ID)
	require.NoError(t, err)
	_, err = f.svc.Unreact(ctx, "b", m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	reacted := f.bus.Named(event.NameMessageReacted)
	require.Len(t, reacted, 3)
	last := reacted[2].Event.(event.MessageReacted)
	assert.Equal(t, model.ReactionRemove, last.Action)
	assert.Nil(t, last.Emoji)

	_, err = f.svc.React(ctx, "b", m.ID, " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidOperation)
}

func TestPinAndUnpin(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	m := f.send(t, "a", conv, "important")
	ctx := context.Background()

	pinned, err := f.svc.Pin(ctx, "a", m.ID)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)
	_, err = f.svc.Pin(ctx, "b", m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Unpin(ctx, "b", m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	unpinned, err := f.svc.Unpin(ctx, "a", m.ID)
	require.NoError(t, err)
	assert.False(t, unpinned.IsPinned)
	assert.Nil(t, unpinned.PinnedBy)
	_, err = f.svc.Unpin(ctx, "a", m.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	assert.Len(t, f.bus.Named(event.NameMessagePinned), 1)
	assert.Len(t, f.bus.Named(event.NameMessageUnpinned), 1)
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	f.send(t, "a", conv, "one")
	f.send(t, "a", conv, "two")
	ctx := context.Background()

	n, err := f.svc.MarkSeen(ctx, conv, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.svc.MarkSeen(ctx, conv, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	seen := f.bus.Named(event.NameMessageSeen)
	require.Len(t, seen, 1)
	assert.Equal(t, 2, seen[0].Event.(event.MessageSeen).Count)
}

func TestForwardSkipsForeignConversations(t *testing.T) {
	f := newFixture(t, "u", "x", "y", "z")
	src := f.private(t, "u", "x")
	convX := f.private(t, "u", "z")
	convY := f.private(t, "y", "z")
	m := f.send(t, "u", src, "pass it on")
	f.notes.got = nil

	out, err := f.svc.Forward(context.Background(), "u", m.ID, []string{convX, convY, "missing"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, convX, out[0].ConversationID)
	assert.Equal(t, model.MessageForward, out[0].Type)
	require.NotNil(t, out[0].ForwardedFrom)
	assert.Equal(t, m.ID, *out[0].ForwardedFrom)
	assert.Equal(t, "pass it on", out[0].Text())

	forwarded := f.bus.Named(event.NameMessageForwarded)
	require.Len(t, forwarded, 1)
	assert.Equal(t, room.ConversationTopic(convX), forwarded[0].Topic)
	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "z", f.notes.got[0].UserID)
	assert.Equal(t, notify.TypeForward, f.notes.got[0].Type)
}

func TestForwardFailures(t *testing.T) {
	f := newFixture(t, "u", "x", "y", "z")
	src := f.private(t, "u", "x")
	foreign := f.private(t, "y", "z")
	m := f.send(t, "u", src, "hi")
	ctx := context.Background()

	_, err := f.svc.Forward(ctx, "u", "missing", []string{src})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Forward(ctx, "u", m.ID, []string{foreign})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Forward(ctx, "y", m.ID, []string{foreign})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

// brokenMessages отказывает в записи в один диалог.
type brokenMessages struct {
	*memory.Messages
	conversationID string
}

func (s *brokenMessages) Create(ctx context.Context, m *model.Message) error {
	if m.ConversationID == s.conversationID {
		return errors.New("disk full")
	}
	return s.Messages.Create(ctx, m)
}

func TestForwardContinuesPastFailedTarget(t *testing.T) {
	f := newFixture(t, "u", "x", "y", "z")
	src := f.private(t, "u", "x")
	bad := f.private(t, "u", "y")
	good := f.private(t, "u", "z")
	m := f.send(t, "u", src, "fan out")
	f.notes.got = nil
	f.bus.Reset()

	svc := NewService(&brokenMessages{Messages: f.store, conversationID: bad}, f.convs, f.users, f.bus, f.notes, f.previews)
	out, err := svc.Forward(context.Background(), "u", m.ID, []string{bad, good})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, good, out[0].ConversationID)

	forwarded := f.bus.Named(event.NameMessageForwarded)
	require.Len(t, forwarded, 1)
	assert.Equal(t, room.ConversationTopic(good), forwarded[0].Topic)
	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "z", f.notes.got[0].UserID)

	_, err = svc.Forward(context.Background(), "u", m.ID, []string{bad})
	assert.ErrorIs(t, err, apperr.ErrInternal)
}

func TestSearch(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	for i := 0; i < 25; i++ {
		f.send(t, "a", conv, "golang news "+strings.Repeat("go ", i%3))
	}
	hidden := f.send(t, "b", conv, "golang hidden")
	ctx := context.Background()
	_, err := f.svc.Delete(ctx, "a", conv, hidden.ID, model.DeleteForSelf)
	require.NoError(t, err)

	empty, err := f.svc.Search(ctx, "a", conv, "   ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	found, err := f.svc.Search(ctx, "a", conv, "golang")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(found), SearchLimit)
	for _, m := range found {
		assert.NotEqual(t, hidden.ID, m.ID)
	}

	_, err = f.svc.Search(ctx, "ghost", conv, "golang")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestListPagesAndAttachesPreviews(t *testing.T) {
	f := newFixture(t, "a", "b")
	conv := f.private(t, "a", "b")
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.send(t, "a", conv, gofakeit.Sentence(4)).ID)
	}
	f.previews.stored[ids[4]] = []model.LinkPreview{{URL: "https://example.com", Title: "Example"}}
	ctx := context.Background()

	page, err := f.svc.List(ctx, "b", conv, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Len(t, page[0].LinkPreviews, 1)
	require.NotNil(t, page[0].Sender)

	rest, err := f.svc.List(ctx, "b", conv, page[2].ID, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	_, err = f.svc.List(ctx, "b", conv, "missing", 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetHiddenFromOutsiders(t *testing.T) {
	f := newFixture(t, "a", "b", "x")
	conv := f.private(t, "a", "b")
	m := f.send(t, "a", conv, "private")
	ctx := context.Background()

	_, err := f.svc.Get(ctx, "x", m.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	got, err := f.svc.Get(ctx, "b", m.ID)
	require.NoError(t, err)
	assert.Equal(t, "private", got.Text())
}

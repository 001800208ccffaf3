package room

import (
	"context"
	"errors"
	"testing"

	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/room/roomtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func members(allowed map[string][]string) CheckerFunc {
	return func(_ context.Context, conversationID, userID string) (bool, error) {
		if conversationID == "broken" {
			return false, errors.New("db down")
		}
		for _, u := range allowed[conversationID] {
			if u == userID {
				return true, nil
			}
		}
		return false, nil
	}
}

func TestAttachJoinsUserTopic(t *testing.T) {
	r := NewRouter(members(nil))
	a1 := roomtest.NewConn("a1", "alice")
	a2 := roomtest.NewConn("a2", "alice")
	b := roomtest.NewConn("b1", "bob")
	r.Attach(a1)
	r.Attach(a2)
	r.Attach(b)

	r.BroadcastToUser("alice", event.GroupLeftSelf{ConversationID: "c1"})

	assert.Equal(t, []string{event.NameGroupLeftSelf}, a1.Names())
	assert.Equal(t, []string{event.NameGroupLeftSelf}, a2.Names())
	assert.Empty(t, b.Names())
}

func TestJoinConversationRequiresMembership(t *testing.T) {
	r := NewRouter(members(map[string][]string{"c1": {"alice"}}))
	a := roomtest.NewConn("a1", "alice")
	m := roomtest.NewConn("m1", "mallory")
	r.Attach(a)
	r.Attach(m)
	ctx := context.Background()

	assert.True(t, r.Join(ctx, "a1", ConversationTopic("c1")))
	assert.False(t, r.Join(ctx, "m1", ConversationTopic("c1")))
	assert.False(t, r.Join(ctx, "m1", ConversationTopic("broken")))
	assert.False(t, r.Join(ctx, "m1", UserTopic("alice")))
	assert.False(t, r.Join(ctx, "ghost", ConversationTopic("c1")))

	r.Broadcast(ConversationTopic("c1"), event.UserTyping{ConversationID: "c1", UserID: "alice"})
	assert.Len(t, a.Events(), 1)
	assert.Empty(t, m.Events(), "rejected join must not leak any event")
}

func TestBroadcastExceptAndToUsers(t *testing.T) {
	r := NewRouter(members(map[string][]string{"c1": {"alice", "bob", "carol"}}))
	ctx := context.Background()
	conns := map[string]*roomtest.Conn{
		"alice": roomtest.NewConn("a1", "alice"),
		"bob":   roomtest.NewConn("b1", "bob"),
		"carol": roomtest.NewConn("c1", "carol"),
	}
	for _, c := range conns {
		r.Attach(c)
		require.True(t, r.Join(ctx, c.ID(), ConversationTopic("c1")))
	}

	r.BroadcastExcept(ConversationTopic("c1"), "a1", event.UserTyping{ConversationID: "c1", UserID: "alice"})
	assert.Empty(t, conns["alice"].Events())
	assert.Len(t, conns["bob"].Events(), 1)
	assert.Len(t, conns["carol"].Events(), 1)

	r.BroadcastToUsers(ConversationTopic("c1"), []string{"carol"}, event.GroupJoinRequested{ConversationID: "c1"})
	assert.Len(t, conns["bob"].Events(), 1)
	assert.Equal(t, event.NameGroupJoinRequested, conns["carol"].Names()[1])
}

func TestEvictAndDetach(t *testing.T) {
	r := NewRouter(members(map[string][]string{"c1": {"alice", "bob"}}))
	ctx := context.Background()
	a := roomtest.NewConn("a1", "alice")
	b := roomtest.NewConn("b1", "bob")
	r.Attach(a)
	r.Attach(b)
	require.True(t, r.Join(ctx, "a1", ConversationTopic("c1")))
	require.True(t, r.Join(ctx, "b1", ConversationTopic("c1")))

	r.EvictUser(ConversationTopic("c1"), "bob")
	assert.False(t, r.IsJoined("b1", ConversationTopic("c1")))
	assert.True(t, r.IsJoined("b1", UserTopic("bob")))

	r.Broadcast(ConversationTopic("c1"), event.GroupDeleted{ConversationID: "c1"})
	assert.Empty(t, b.Events())

	r.Detach("a1")
	r.Detach("a1")
	assert.Equal(t, 1, r.Connections())
	r.BroadcastAll(event.UserOffline{UserID: "alice"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestSlowConnectionDoesNotBlockOthers(t *testing.T) {
	r := NewRouter(members(nil))
	slow := roomtest.NewConn("s1", "slow")
	slow.Full = true
	fast := roomtest.NewConn("f1", "fast")
	r.Attach(slow)
	r.Attach(fast)

	r.BroadcastAll(event.UserOnline{UserID: "x"})
	assert.Len(t, fast.Events(), 1)
	assert.Empty(t, slow.Events())
}

func TestConversationIDParsing(t *testing.T) {
	id, ok := ConversationID(ConversationTopic("abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = ConversationID(UserTopic("abc"))
	assert.False(t, ok)
	_, ok = ConversationID("conversation:")
	assert.False(t, ok)
}

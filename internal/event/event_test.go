package event

import (
	"encoding/json"
	"testing"

	"github.com/chatcore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUsesEventName(t *testing.T) {
	raw, err := json.Marshal(Wrap(UserOnline{UserID: "u1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_online","payload":{"user_id":"u1"}}`, string(raw))
}

func TestAttachmentEventNameFollowsMessageType(t *testing.T) {
	cases := map[model.MessageType]string{
		model.MessageFile:  NameNewMessageFile,
		model.MessageMedia: NameNewMessageMedia,
		model.MessageVoice: NameNewMessageVoice,
	}
	for typ, name := range cases {
		ev := NewAttachmentMessage{Message: &model.Message{Type: typ}}
		assert.Equal(t, name, ev.Name(), typ)
	}
}

func TestReactionRemoveSerializesNullEmoji(t *testing.T) {
	raw, err := json.Marshal(MessageReacted{
		ConversationID: "c1",
		MessageID:      "m1",
		UserID:         "u1",
		Action:         model.ReactionRemove,
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"emoji":null`)
	assert.Contains(t, string(raw), `"action":"remove"`)
}

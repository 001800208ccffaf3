package ws

// InboundType — тип события, которое присылает клиент.
type InboundType string

const (
	InJoinConversation  InboundType = "join_conversation"
	InLeaveConversation InboundType = "leave_conversation"
	InTypingStart       InboundType = "typing_start"
	InTypingStop        InboundType = "typing_stop"
	InSendMessage       InboundType = "send_message"
	InMarkSeen          InboundType = "mark_seen"
)

// Inbound — входящее сообщение клиента.
type Inbound struct {
	Type           InboundType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content,omitempty"`
	ReplyTo        *string     `json:"reply_to,omitempty"`
}

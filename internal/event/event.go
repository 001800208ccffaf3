// Package event описывает закрытый набор исходящих событий.
// Каждое событие — отдельная структура с фиксированной формой payload;
// новые варианты можно добавить только внутри пакета.
package event

import (
	"time"

	"github.com/chatcore/internal/model"
)

// Event — исходящее событие. Реализации есть только в этом пакете.
type Event interface {
	Name() string
	sealed()
}

// Envelope — форма события на проводе.
type Envelope struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

func Wrap(ev Event) Envelope { return Envelope{Type: ev.Name(), Payload: ev} }

const (
	NameUserOnline            = "user_online"
	NameUserOffline           = "user_offline"
	NameNewMessage            = "new_message"
	NameNewMessageFile        = "new_message_file"
	NameNewMessageMedia       = "new_message_media"
	NameNewMessageVoice       = "new_message_voice"
	NameNewMessageLinkPreview = "new_message_link_preview"
	NameMessageEdited         = "message_edited"
	NameMessageDeleted        = "message_deleted"
	NameMessageReacted        = "message_reacted"
	NameMessageSeen           = "message_seen"
	NameMessageForwarded      = "message_forwarded"
	NameMessagePinned         = "message_pinned"
	NameMessageUnpinned       = "message_unpinned"
	NameGroupCreated          = "group_created"
	NameGroupMemberAdded      = "group_member_added"
	NameGroupAdded            = "group_added"
	NameGroupMemberRemoved    = "group_member_removed"
	NameGroupRemoved          = "group_removed"
	NameGroupRoleChanged      = "group_role_changed"
	NameGroupMemberLeft       = "group_member_left"
	NameGroupLeftSelf         = "group_left_self"
	NameGroupDeleted          = "group_deleted"
	NameGroupJoinRequested    = "group_join_requested"
	NameGroupRequestHandled   = "group_request_handled"
	NameUserTyping            = "user_typing"
	NameUserStoppedTyping     = "user_stopped_typing"
	NameConversationJoined    = "conversation_joined"
	NameError                 = "error"
)

// --- presence ---

type UserOnline struct {
	UserID string `json:"user_id"`
}

type UserOffline struct {
	UserID string `json:"user_id"`
}

// --- messages ---

// NewMessage несёт полное сообщение с заполненным отправителем.
type NewMessage struct {
	Message *model.Message `json:"message"`
}

// NewAttachmentMessage — сообщение с вложениями; имя события зависит от типа сообщения.
type NewAttachmentMessage struct {
	Message *model.Message `json:"message"`
}

type NewMessageLinkPreview struct {
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id"`
	Previews       []model.LinkPreview `json:"previews"`
}

type MessageEdited struct {
	Message *model.Message `json:"message"`
}

type MessageDeleted struct {
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Scope          model.DeleteScope `json:"scope"`
	DeletedBy      string            `json:"deleted_by"`
}

type MessageReacted struct {
	ConversationID string               `json:"conversation_id"`
	MessageID      string               `json:"message_id"`
	UserID         string               `json:"user_id"`
	Emoji          *string              `json:"emoji"`
	Action         model.ReactionAction `json:"action"`
}

type MessageSeen struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	SeenAt         time.Time `json:"seen_at"`
	Count          int       `json:"count"`
}

type MessageForwarded struct {
	Message *model.Message `json:"message"`
}

type MessagePinned struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	PinnedBy       string    `json:"pinned_by"`
	PinnedAt       time.Time `json:"pinned_at"`
}

type MessageUnpinned struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UnpinnedBy     string `json:"unpinned_by"`
}

// --- groups ---

type GroupCreated struct {
	Conversation *model.Conversation `json:"conversation"`
	Creator      model.UserBrief     `json:"creator"`
}

type GroupMemberAdded struct {
	ConversationID string              `json:"conversation_id"`
	ActorID        string              `json:"actor_id"`
	Added          []model.Participant `json:"added"`
}

// GroupAdded уходит в user-топик каждого нового участника.
type GroupAdded struct {
	Conversation *model.Conversation `json:"conversation"`
	ActorID      string              `json:"actor_id"`
}

type GroupMemberRemoved struct {
	ConversationID string   `json:"conversation_id"`
	ActorID        string   `json:"actor_id"`
	Removed        []string `json:"removed"`
}

type GroupRemoved struct {
	ConversationID string `json:"conversation_id"`
	ActorID        string `json:"actor_id"`
}

type GroupRoleChanged struct {
	ConversationID string     `json:"conversation_id"`
	ActorID        string     `json:"actor_id"`
	UserID         string     `json:"user_id"`
	Role           model.Role `json:"role"`
}

type GroupMemberLeft struct {
	ConversationID string  `json:"conversation_id"`
	UserID         string  `json:"user_id"`
	NewOwnerID     *string `json:"new_owner_id,omitempty"`
}

type GroupLeftSelf struct {
	ConversationID string `json:"conversation_id"`
}

type GroupDeleted struct {
	ConversationID string `json:"conversation_id"`
}

type GroupJoinRequested struct {
	ConversationID string   `json:"conversation_id"`
	RequestID      string   `json:"request_id"`
	RequesterID    string   `json:"requester_id"`
	UserIDs        []string `json:"user_ids"`
	Description    string   `json:"description"`
}

type GroupRequestHandled struct {
	ConversationID string           `json:"conversation_id"`
	RequestID      string           `json:"request_id"`
	RequesterID    string           `json:"requester_id"`
	ActorID        string           `json:"actor_id"`
	Action         model.JoinAction `json:"action"`
}

// --- typing / gateway ---

type UserTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type UserStoppedTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ConversationJoined подтверждает успешный join_conversation.
type ConversationJoined struct {
	ConversationID string `json:"conversation_id"`
}

type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (UserOnline) Name() string            { return NameUserOnline }
func (UserOffline) Name() string           { return NameUserOffline }
func (NewMessage) Name() string            { return NameNewMessage }
func (NewMessageLinkPreview) Name() string { return NameNewMessageLinkPreview }
func (MessageEdited) Name() string         { return NameMessageEdited }
func (MessageDeleted) Name() string        { return NameMessageDeleted }
func (MessageReacted) Name() string        { return NameMessageReacted }
func (MessageSeen) Name() string           { return NameMessageSeen }
func (MessageForwarded) Name() string      { return NameMessageForwarded }
func (MessagePinned) Name() string         { return NameMessagePinned }
func (MessageUnpinned) Name() string       { return NameMessageUnpinned }
func (GroupCreated) Name() string          { return NameGroupCreated }
func (GroupMemberAdded) Name() string      { return NameGroupMemberAdded }
func (GroupAdded) Name() string            { return NameGroupAdded }
func (GroupMemberRemoved) Name() string    { return NameGroupMemberRemoved }
func (GroupRemoved) Name() string          { return NameGroupRemoved }
func (GroupRoleChanged) Name() string      { return NameGroupRoleChanged }
func (GroupMemberLeft) Name() string       { return NameGroupMemberLeft }
func (GroupLeftSelf) Name() string         { return NameGroupLeftSelf }
func (GroupDeleted) Name() string          { return NameGroupDeleted }
func (GroupJoinRequested) Name() string    { return NameGroupJoinRequested }
func (GroupRequestHandled) Name() string   { return NameGroupRequestHandled }
func (UserTyping) Name() string            { return NameUserTyping }
func (UserStoppedTyping) Name() string     { return NameUserStoppedTyping }
func (ConversationJoined) Name() string    { return NameConversationJoined }
func (Error) Name() string                 { return NameError }

func (e NewAttachmentMessage) Name() string {
	if e.Message == nil {
		return NameNewMessageFile
	}
	switch e.Message.Type {
	case model.MessageMedia:
		return NameNewMessageMedia
	case model.MessageVoice:
		return NameNewMessageVoice
	default:
		return NameNewMessageFile
	}
}

func (UserOnline) sealed()            {}
func (UserOffline) sealed()           {}
func (NewMessage) sealed()            {}
func (NewAttachmentMessage) sealed()  {}
func (NewMessageLinkPreview) sealed() {}
func (MessageEdited) sealed()         {}
func (MessageDeleted) sealed()        {}
func (MessageReacted) sealed()        {}
func (MessageSeen) sealed()           {}
func (MessageForwarded) sealed()      {}
func (MessagePinned) sealed()         {}
func (MessageUnpinned) sealed()       {}
func (GroupCreated) sealed()          {}
func (GroupMemberAdded) sealed()      {}
func (GroupAdded) sealed()            {}
func (GroupMemberRemoved) sealed()    {}
func (GroupRemoved) sealed()          {}
func (GroupRoleChanged) sealed()      {}
func (GroupMemberLeft) sealed()       {}
func (GroupLeftSelf) sealed()         {}
func (GroupDeleted) sealed()          {}
func (GroupJoinRequested) sealed()    {}
func (GroupRequestHandled) sealed()   {}
func (UserTyping) sealed()            {}
func (UserStoppedTyping) sealed()     {}
func (ConversationJoined) sealed()    {}
func (Error) sealed()                 {}

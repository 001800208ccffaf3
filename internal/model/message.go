package model

import "time"

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageFile    MessageType = "file"
	MessageMedia   MessageType = "media"
	MessageVoice   MessageType = "voice"
	MessageForward MessageType = "forward"
)

// IsAttachment — типы сообщений с вложениями (сам файл хранится во внешнем сервисе).
func (t MessageType) IsAttachment() bool {
	return t == MessageFile || t == MessageMedia || t == MessageVoice
}

type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// Tombstone подставляется вместо содержимого сообщения, удалённого для всех.
const Tombstone = "Message deleted"

type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	SenderID        string        `json:"sender_id"`
	Type            MessageType   `json:"type"`
	Content         *string       `json:"content,omitempty"`
	ReplyTo         *string       `json:"reply_to,omitempty"`
	Reactions       []Reaction    `json:"reactions"`
	SeenBy          []string      `json:"seen_by"`
	DeletedFor      []string      `json:"deleted_for,omitempty"`
	IsDeleted       bool          `json:"is_deleted"`
	IsEdited        bool          `json:"is_edited"`
	EditedAt        *time.Time    `json:"edited_at,omitempty"`
	IsPinned        bool          `json:"is_pinned"`
	PinnedBy        *string       `json:"pinned_by,omitempty"`
	PinnedAt        *time.Time    `json:"pinned_at,omitempty"`
	ForwardedFrom   *string       `json:"forwarded_from,omitempty"`
	AttachmentCount int           `json:"attachment_count"`
	CreatedAt       time.Time     `json:"created_at"`
	Sender          *UserBrief    `json:"sender,omitempty"`
	LinkPreviews    []LinkPreview `json:"link_previews,omitempty"`
}

// Reaction — не более одной реакции на пользователя в сообщении.
type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func (m *Message) SeenByUser(userID string) bool { return contains(m.SeenBy, userID) }

func (m *Message) DeletedForUser(userID string) bool { return contains(m.DeletedFor, userID) }

// MarkSeen добавляет пользователя в seenBy; false, если он уже там.
func (m *Message) MarkSeen(userID string) bool {
	if m.SeenByUser(userID) {
		return false
	}
	m.SeenBy = append(m.SeenBy, userID)
	return true
}

// ReactionOf возвращает индекс реакции пользователя или -1.
func (m *Message) ReactionOf(userID string) int {
	for i, r := range m.Reactions {
		if r.UserID == userID {
			return i
		}
	}
	return -1
}

// SetReaction перезаписывает эмодзи пользователя или добавляет новую запись.
func (m *Message) SetReaction(userID, emoji string, at time.Time) {
	if i := m.ReactionOf(userID); i >= 0 {
		m.Reactions[i].Emoji = emoji
		return
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
}

func (m *Message) RemoveReaction(userID string) bool {
	i := m.ReactionOf(userID)
	if i < 0 {
		return false
	}
	m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
	return true
}

// Clone копирует сообщение вместе со срезами, чтобы хранилище в памяти не отдавало общие данные.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	cp.SeenBy = append([]string(nil), m.SeenBy...)
	cp.DeletedFor = append([]string(nil), m.DeletedFor...)
	cp.LinkPreviews = append([]LinkPreview(nil), m.LinkPreviews...)
	cp.Content = clonePtr(m.Content)
	cp.ReplyTo = clonePtr(m.ReplyTo)
	cp.PinnedBy = clonePtr(m.PinnedBy)
	cp.ForwardedFrom = clonePtr(m.ForwardedFrom)
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	if m.PinnedAt != nil {
		t := *m.PinnedAt
		cp.PinnedAt = &t
	}
	if m.Sender != nil {
		s := *m.Sender
		cp.Sender = &s
	}
	return &cp
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StrPtr — удобство для опциональных строковых полей.
func StrPtr(s string) *string { return &s }

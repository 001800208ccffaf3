package model

import (
	"sort"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanManage — owner и admin могут менять состав группы и разбирать заявки.
func (r Role) CanManage() bool { return r == RoleOwner || r == RoleAdmin }

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

type Participant struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Conversation — личный диалог (ровно 2 участника, без имени) или группа (>= 3 при создании).
// Порядок Participants стабилен: по нему выбирается преемник владельца.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	Name           *string          `json:"name,omitempty"`
	CreatedBy      string           `json:"created_by"`
	Participants   []Participant    `json:"participants"`
	LastMessageID  *string          `json:"last_message_id,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ConversationSummary — элемент списка диалогов пользователя.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	UnreadCount  int          `json:"unread_count"`
}

func (c *Conversation) indexOf(userID string) int {
	for i, p := range c.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (c *Conversation) IsParticipant(userID string) bool { return c.indexOf(userID) >= 0 }

// RoleOf возвращает роль участника; ok=false, если пользователь не участник.
func (c *Conversation) RoleOf(userID string) (Role, bool) {
	i := c.indexOf(userID)
	if i < 0 {
		return "", false
	}
	return c.Participants[i].Role, true
}

func (c *Conversation) SetRole(userID string, role Role) bool {
	i := c.indexOf(userID)
	if i < 0 {
		return false
	}
	c.Participants[i].Role = role
	return true
}

// AddParticipant добавляет участника, если его ещё нет. Возвращает false для дубликата.
func (c *Conversation) AddParticipant(userID string, role Role, at time.Time) bool {
	if c.IsParticipant(userID) {
		return false
	}
	c.Participants = append(c.Participants, Participant{UserID: userID, Role: role, JoinedAt: at})
	return true
}

// RemoveParticipant удаляет участника с сохранением порядка остальных.
func (c *Conversation) RemoveParticipant(userID string) (Participant, bool) {
	i := c.indexOf(userID)
	if i < 0 {
		return Participant{}, false
	}
	p := c.Participants[i]
	c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
	return p, true
}

func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Managers — id участников с ролью owner/admin.
func (c *Conversation) Managers() []string {
	ids := make([]string, 0, 2)
	for _, p := range c.Participants {
		if p.Role.CanManage() {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func (c *Conversation) Owner() (string, bool) {
	for _, p := range c.Participants {
		if p.Role == RoleOwner {
			return p.UserID, true
		}
	}
	return "", false
}

// HasSameMembers сравнивает множество участников с ids без учёта порядка.
func (c *Conversation) HasSameMembers(ids []string) bool {
	if len(c.Participants) != len(ids) {
		return false
	}
	for _, id := range ids {
		if !c.IsParticipant(id) {
			return false
		}
	}
	return true
}

func (c *Conversation) DisplayName() string {
	if c.Name == nil {
		return ""
	}
	return *c.Name
}

func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	if c.Name != nil {
		n := *c.Name
		cp.Name = &n
	}
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		cp.LastMessageID = &id
	}
	return &cp
}

// PrivateKey — ключ пары для уникальности личного диалога: id по возрастанию через ":".
func PrivateKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// MembersKey — отсортированный список участников, используется для поиска одинаковой группы.
func MembersKey(ids []string) string {
	cp := append([]string(nil), ids...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

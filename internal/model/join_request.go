package model

import "time"

type JoinRequestStatus string

const JoinRequestPending JoinRequestStatus = "pending"

type JoinAction string

const (
	JoinAccept JoinAction = "accept"
	JoinReject JoinAction = "reject"
)

// JoinRequest — предложение добавить участников в группу от пользователя без прав owner/admin.
// Запись одноразовая: удаляется при любом решении.
type JoinRequest struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversation_id"`
	RequestedUserIDs []string          `json:"requested_user_ids"`
	ActorID          string            `json:"actor_id"`
	Description      string            `json:"description"`
	Status           JoinRequestStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

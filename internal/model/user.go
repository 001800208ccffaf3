package model

// UserBrief — краткие данные пользователя из внешнего справочника.
// Ядро ссылается на пользователей только по id.
type UserBrief struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Status string `json:"status,omitempty"`
}

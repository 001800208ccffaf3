package conversation

import (
	"context"
	"errors"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/storage"
)

// MembershipOf строит проверку членства прямо поверх хранилища.
// Роутер получает её при создании, поэтому ему не нужна ссылка на Service.
func MembershipOf(store storage.ConversationStore) room.CheckerFunc {
	return func(ctx context.Context, conversationID, userID string) (bool, error) {
		c, err := store.Get(ctx, conversationID)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return c.IsParticipant(userID), nil
	}
}

// errNeedsApproval прерывает Update, когда добавляющий не owner/admin: вместо изменения состава создаётся заявка.
var errNeedsApproval = errors.New("needs approval")

// errUnchanged прерывает Update без сохранения, если менять нечего.
var errUnchanged = errors.New("unchanged")

// storeErr переводит ошибку хранилища в apperr. Ошибки apperr из функций Update проходят как есть.
func storeErr(err error, notFound string) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(notFound)
	default:
		return apperr.Internal(err)
	}
}

// actorRole проверяет, что c — группа и actorID в ней состоит.
func actorRole(c *model.Conversation, actorID string) (model.Role, error) {
	if c.Kind != model.KindGroup {
		return "", apperr.Invalid("not a group conversation")
	}
	role, ok := c.RoleOf(actorID)
	if !ok {
		return "", apperr.Forbidden("not a participant")
	}
	return role, nil
}

func requireManager(c *model.Conversation, actorID string) error {
	role, err := actorRole(c, actorID)
	if err != nil {
		return err
	}
	if !role.CanManage() {
		return apperr.Forbidden("owner or admin role required")
	}
	return nil
}

// successor — первый admin в порядке участников, иначе первый оставшийся.
func successor(c *model.Conversation) (string, bool) {
	for _, p := range c.Participants {
		if p.Role == model.RoleAdmin {
			return p.UserID, true
		}
	}
	if len(c.Participants) == 0 {
		return "", false
	}
	return c.Participants[0].UserID, true
}

// uniqueIDs убирает пустые и повторяющиеся id, сохраняя порядок.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

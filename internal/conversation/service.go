// Package conversation — движок членства: личные диалоги, группы, роли и заявки на вступление.
// Любое изменение состава идёт через ConversationStore.Update: предусловия проверяются на свежей копии,
// а события рассылаются только после успешной записи.
package conversation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/storage"
	"github.com/google/uuid"
)

const (
	minGroupSize   = 3
	restoreTimeout = 5 * time.Second
)

// MessageIndex — то, что движку нужно от хранилища сообщений: счётчики непрочитанного и очистка удалённой группы.
type MessageIndex interface {
	CountUnread(ctx context.Context, userID string, conversationIDs []string) (map[string]int, error)
	DeleteByConversation(ctx context.Context, conversationID string) error
}

// Broadcaster — рассылка событий и принудительный выход из топика.
type Broadcaster interface {
	room.Publisher
	room.Evictor
}

// AddResult — итог AddMembers: либо обновлённая группа, либо созданная заявка.
type AddResult struct {
	Conversation *model.Conversation `json:"conversation,omitempty"`
	Request      *model.JoinRequest  `json:"join_request,omitempty"`
}

type Service struct {
	convs    storage.ConversationStore
	requests storage.JoinRequestStore
	users    storage.UserDirectory
	messages MessageIndex
	bus      Broadcaster
	now      func() time.Time
}

func NewService(convs storage.ConversationStore, requests storage.JoinRequestStore, users storage.UserDirectory, messages MessageIndex, bus Broadcaster) *Service {
	return &Service{
		convs:    convs,
		requests: requests,
		users:    users,
		messages: messages,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) missingUsers(ctx context.Context, ids []string) ([]string, error) {
	found, err := s.users.Existing(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// CreatePrivate возвращает существующий диалог пары или создаёт новый.
func (s *Service) CreatePrivate(ctx context.Context, a, b string) (conv *model.Conversation, err error) {
	defer logger.DeferLogDuration("conversation.CreatePrivate", time.Now())()
	defer func() { metrics.ObserveOp("conversation.create_private", err) }()

	if a == b {
		return nil, apperr.Invalid("cannot create a conversation with yourself")
	}
	missing, err := s.missingUsers(ctx, []string{a, b})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.NotFound("user not found")
	}

	existing, err := s.convs.FindPrivate(ctx, a, b)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal(err)
	}

	now := s.now()
	c := &model.Conversation{
		ID:        uuid.NewString(),
		Kind:      model.KindPrivate,
		CreatedBy: a,
		Participants: []model.Participant{
			{UserID: a, Role: model.RoleMember, JoinedAt: now},
			{UserID: b, Role: model.RoleMember, JoinedAt: now},
		},
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.convs.Create(ctx, c); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Параллельный запрос успел создать диалог этой пары.
			existing, ferr := s.convs.FindPrivate(ctx, a, b)
			if ferr != nil {
				return nil, apperr.Internal(ferr)
			}
			return existing, nil
		}
		return nil, apperr.Internal(err)
	}
	return c, nil
}

// CreateGroup создаёт группу с владельцем ownerID. Группа с тем же именем и тем же составом возвращается как есть.
func (s *Service) CreateGroup(ctx context.Context, ownerID, name string, memberIDs []string) (conv *model.Conversation, err error) {
	defer logger.DeferLogDuration("conversation.CreateGroup", time.Now())()
	defer func() { metrics.ObserveOp("conversation.create_group", err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid("group name is required")
	}
	ids := uniqueIDs(append([]string{ownerID}, memberIDs...))
	missing, err := s.missingUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.NotFound("user not found: " + strings.Join(missing, ", "))
	}
	if len(ids) < minGroupSize {
		return nil, apperr.Invalid("a group needs at least 3 members")
	}

	existing, err := s.convs.FindGroup(ctx, name, ids)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal(err)
	}

	now := s.now()
	c := &model.Conversation{
		ID:             uuid.NewString(),
		Kind:           model.KindGroup,
		Name:           model.StrPtr(name),
		CreatedBy:      ownerID,
		Participants:   make([]model.Participant, 0, len(ids)),
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, id := range ids {
		role := model.RoleMember
		if id == ownerID {
			role = model.RoleOwner
		}
		c.Participants = append(c.Participants, model.Participant{UserID: id, Role: role, JoinedAt: now})
	}
	if err := s.convs.Create(ctx, c); err != nil {
		return nil, apperr.Internal(err)
	}

	creator, berr := s.users.Brief(ctx, ownerID)
	if berr != nil {
		logger.Errorf("conversation.CreateGroup brief owner=%s: %v", ownerID, berr)
		creator = model.UserBrief{ID: ownerID}
	}
	ev := event.GroupCreated{Conversation: c.Clone(), Creator: creator}
	for _, id := range ids {
		s.bus.BroadcastToUser(id, ev)
	}
	return c, nil
}

// AddMembers добавляет участников, если actor — owner/admin. Иначе состав не меняется,
// а создаётся заявка, о которой узнают только owner/admin.
func (s *Service) AddMembers(ctx context.Context, actorID, conversationID string, userIDs []string, description string) (res *AddResult, err error) {
	defer logger.DeferLogDuration("conversation.AddMembers", time.Now())()
	defer func() { metrics.ObserveOp("conversation.add_members", err) }()

	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		return nil, apperr.Invalid("no users to add")
	}
	missing, err := s.missingUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.Forbidden("user not found: " + strings.Join(missing, ", "))
	}

	now := s.now()
	var (
		added    []model.Participant
		managers []string
	)
	updated, err := s.convs.Update(ctx, conversationID, func(c *model.Conversation) error {
		role, err := actorRole(c, actorID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if c.IsParticipant(id) {
				return apperr.Forbidden("user is already a participant: " + id)
			}
		}
		if !role.CanManage() {
			managers = c.Managers()
			return errNeedsApproval
		}
		added = added[:0]
		for _, id := range ids {
			c.AddParticipant(id, model.RoleMember, now)
			added = append(added, model.Participant{UserID: id, Role: model.RoleMember, JoinedAt: now})
		}
		c.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNeedsApproval) {
		req, err := s.requestJoin(ctx, actorID, conversationID, ids, description, managers)
		if err != nil {
			return nil, err
		}
		return &AddResult{Request: req}, nil
	}
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}

	s.announceAdded(updated, actorID, added)
	return &AddResult{Conversation: updated}, nil
}

func (s *Service) requestJoin(ctx context.Context, actorID, conversationID string, ids []string, description string, managers []string) (*model.JoinRequest, error) {
	req := &model.JoinRequest{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		RequestedUserIDs: ids,
		ActorID:          actorID,
		Description:      strings.TrimSpace(description),
		Status:           model.JoinRequestPending,
		CreatedAt:        s.now(),
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, apperr.Internal(err)
	}
	s.bus.BroadcastToUsers(room.ConversationTopic(conversationID), managers, event.GroupJoinRequested{
		ConversationID: conversationID,
		RequestID:      req.ID,
		RequesterID:    actorID,
		UserIDs:        ids,
		Description:    req.Description,
	})
	return req, nil
}

func (s *Service) announceAdded(c *model.Conversation, actorID string, added []model.Participant) {
	if len(added) == 0 {
		return
	}
	s.bus.Broadcast(room.ConversationTopic(c.ID), event.GroupMemberAdded{
		ConversationID: c.ID,
		ActorID:        actorID,
		Added:          added,
	})
	ev := event.GroupAdded{Conversation: c.Clone(), ActorID: actorID}
	for _, p := range added {
		s.bus.BroadcastToUser(p.UserID, ev)
	}
}

// RemoveMembers исключает участников целиком или не исключает никого.
func (s *Service) RemoveMembers(ctx context.Context, actorID, conversationID string, userIDs []string) (conv *model.Conversation, err error) {
	defer logger.DeferLogDuration("conversation.RemoveMembers", time.Now())()
	defer func() { metrics.ObserveOp("conversation.remove_members", err) }()

	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		return nil, apperr.Invalid("no users to remove")
	}
	now := s.now()
	updated, err := s.convs.Update(ctx, conversationID, func(c *model.Conversation) error {
		if err := requireManager(c, actorID); err != nil {
			return err
		}
		for _, id := range ids {
			role, ok := c.RoleOf(id)
			switch {
			case !ok:
				return apperr.NotFound("user is not a participant: " + id)
			case id == actorID:
				return apperr.Forbidden("cannot remove yourself, leave the group instead")
			case role == model.RoleOwner:
				return apperr.Forbidden("cannot remove the group owner")
			}
		}
		for _, id := range ids {
			c.RemoveParticipant(id)
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}

	topic := room.ConversationTopic(conversationID)
	for _, id := range ids {
		s.bus.EvictUser(topic, id)
	}
	s.bus.Broadcast(topic, event.GroupMemberRemoved{
		ConversationID: conversationID,
		ActorID:        actorID,
		Removed:        ids,
	})
	for _, id := range ids {
		s.bus.BroadcastToUser(id, event.GroupRemoved{ConversationID: conversationID, ActorID: actorID})
	}
	return updated, nil
}

// ChangeRole переключает участника между admin и member. Роль owner меняется только при выходе владельца.
func (s *Service) ChangeRole(ctx context.Context, actorID, conversationID, targetID string, newRole model.Role) (conv *model.Conversation, err error) {
	defer logger.DeferLogDuration("conversation.ChangeRole", time.Now())()
	defer func() { metrics.ObserveOp("conversation.change_role", err) }()

	if newRole != model.RoleAdmin && newRole != model.RoleMember {
		return nil, apperr.Invalid("role must be admin or member")
	}
	var current *model.Conversation
	updated, err := s.convs.Update(ctx, conversationID, func(c *model.Conversation) error {
		if err := requireManager(c, actorID); err != nil {
			return err
		}
		if targetID == actorID {
			return apperr.Forbidden("cannot change your own role")
		}
		role, ok := c.RoleOf(targetID)
		if !ok {
			return apperr.NotFound("user is not a participant")
		}
		if role == model.RoleOwner {
			return apperr.Forbidden("cannot change the owner's role")
		}
		if role == newRole {
			current = c.Clone()
			return errUnchanged
		}
		c.SetRole(targetID, newRole)
		c.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return current, nil
	}
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}

	s.bus.Broadcast(room.ConversationTopic(conversationID), event.GroupRoleChanged{
		ConversationID: conversationID,
		ActorID:        actorID,
		UserID:         targetID,
		Role:           newRole,
	})
	return updated, nil
}

// LeaveGroup выводит пользователя из группы. Уход владельца передаёт роль первому admin,
// а если его нет, первому оставшемуся участнику. Последний вышедший удаляет группу; тогда возвращается nil.
func (s *Service) LeaveGroup(ctx context.Context, userID, conversationID string) (conv *model.Conversation, err error) {
	defer logger.DeferLogDuration("conversation.LeaveGroup", time.Now())()
	defer func() { metrics.ObserveOp("conversation.leave_group", err) }()

	var (
		deleted  bool
		newOwner *string
	)
	updated, err := s.convs.Update(ctx, conversationID, func(c *model.Conversation) error {
		if _, err := actorRole(c, userID); err != nil {
			return err
		}
		p, _ := c.RemoveParticipant(userID)
		if len(c.Participants) == 0 {
			deleted = true
			return storage.ErrDelete
		}
		newOwner = nil
		if p.Role == model.RoleOwner {
			if id, ok := successor(c); ok {
				c.SetRole(id, model.RoleOwner)
				newOwner = model.StrPtr(id)
			}
		}
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}

	topic := room.ConversationTopic(conversationID)
	s.bus.EvictUser(topic, userID)
	if deleted {
		s.bus.BroadcastToUser(userID, event.GroupDeleted{ConversationID: conversationID})
		s.purge(ctx, conversationID)
		return nil, nil
	}
	s.bus.Broadcast(topic, event.GroupMemberLeft{
		ConversationID: conversationID,
		UserID:         userID,
		NewOwnerID:     newOwner,
	})
	s.bus.BroadcastToUser(userID, event.GroupLeftSelf{ConversationID: conversationID})
	return updated, nil
}

// purge убирает заявки и сообщения удалённой группы. Ошибки только логируются: диалога уже нет.
func (s *Service) purge(ctx context.Context, conversationID string) {
	if err := s.requests.DeleteByConversation(ctx, conversationID); err != nil {
		logger.Errorf("conversation purge requests id=%s: %v", conversationID, err)
	}
	if err := s.messages.DeleteByConversation(ctx, conversationID); err != nil {
		logger.Errorf("conversation purge messages id=%s: %v", conversationID, err)
	}
}

// ResolveJoinRequest принимает или отклоняет заявку. Заявка одноразовая: повторное решение даёт NotFound.
func (s *Service) ResolveJoinRequest(ctx context.Context, actorID, conversationID, requestID string, action model.JoinAction) (conv *model.Conversation, err error) {
	defer logger.DeferLogDuration("conversation.ResolveJoinRequest", time.Now())()
	defer func() { metrics.ObserveOp("conversation.resolve_join_request", err) }()

	if action != model.JoinAccept && action != model.JoinReject {
		return nil, apperr.Invalid("action must be accept or reject")
	}
	c, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}
	if err := requireManager(c, actorID); err != nil {
		return nil, err
	}
	req, err := s.requests.Take(ctx, conversationID, requestID)
	if err != nil {
		return nil, storeErr(err, "join request not found")
	}

	if action == model.JoinAccept {
		now := s.now()
		var added []model.Participant
		c, err = s.convs.Update(ctx, conversationID, func(c *model.Conversation) error {
			if c.Kind != model.KindGroup {
				return apperr.Invalid("not a group conversation")
			}
			added = added[:0]
			for _, id := range req.RequestedUserIDs {
				if c.AddParticipant(id, model.RoleMember, now) {
					added = append(added, model.Participant{UserID: id, Role: model.RoleMember, JoinedAt: now})
				}
			}
			if len(added) == 0 {
				return errUnchanged
			}
			c.UpdatedAt = now
			return nil
		})
		switch {
		case errors.Is(err, errUnchanged):
			if c, err = s.convs.Get(ctx, conversationID); err != nil {
				return nil, storeErr(err, "conversation not found")
			}
		case err != nil:
			s.restoreRequest(ctx, req)
			return nil, storeErr(err, "conversation not found")
		default:
			s.announceAdded(c, actorID, added)
		}
	}

	handled := event.GroupRequestHandled{
		ConversationID: conversationID,
		RequestID:      req.ID,
		RequesterID:    req.ActorID,
		ActorID:        actorID,
		Action:         action,
	}
	s.bus.BroadcastToUsers(room.ConversationTopic(conversationID), c.Managers(), handled)
	s.bus.BroadcastToUser(req.ActorID, handled)
	return c, nil
}

// restoreRequest возвращает заявку, если принять её не удалось.
func (s *Service) restoreRequest(ctx context.Context, req *model.JoinRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := s.requests.Create(ctx, req); err != nil {
		metrics.SideEffectFailures.WithLabelValues("join_request_restore").Inc()
		logger.Errorf("join request restore id=%s conversation=%s: %v", req.ID, req.ConversationID, err)
	}
}

// ListJoinRequests — ожидающие заявки группы; доступно owner/admin.
func (s *Service) ListJoinRequests(ctx context.Context, actorID, conversationID string) ([]model.JoinRequest, error) {
	defer logger.DeferLogDuration("conversation.ListJoinRequests", time.Now())()
	c, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}
	if err := requireManager(c, actorID); err != nil {
		return nil, err
	}
	list, err := s.requests.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return list, nil
}

// ListForUser — диалоги пользователя с числом непрочитанных, сначала самые свежие.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	defer logger.DeferLogDuration("conversation.ListForUser", time.Now())()
	convs, err := s.convs.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	unread, err := s.messages.CountUnread(ctx, userID, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, model.ConversationSummary{Conversation: c, UnreadCount: unread[c.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

// Get отдаёт диалог только участнику; для остальных он не существует.
func (s *Service) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	c, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}
	if !c.IsParticipant(userID) {
		return nil, apperr.NotFound("conversation not found")
	}
	return c, nil
}

func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return MembershipOf(s.convs)(ctx, conversationID, userID)
}

// Touch сдвигает указатель последнего сообщения и время активности.
func (s *Service) Touch(ctx context.Context, conversationID, messageID string, at time.Time) error {
	if err := s.convs.Touch(ctx, conversationID, messageID, at); err != nil {
		return storeErr(err, "conversation not found")
	}
	return nil
}

// OtherParticipants — участники диалога, кроме userID (адресаты уведомлений).
func (s *Service) OtherParticipants(ctx context.Context, conversationID, userID string) ([]string, error) {
	c, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, "conversation not found")
	}
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			out = append(out, p.UserID)
		}
	}
	return out, nil
}

// TargetableFor оставляет из ids только существующие диалоги, где userID — участник. Порядок ids сохраняется.
func (s *Service) TargetableFor(ctx context.Context, userID string, ids []string) ([]model.Conversation, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.convs.GetMany(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	byID := make(map[string]model.Conversation, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]model.Conversation, 0, len(found))
	for _, id := range ids {
		c, ok := byID[id]
		if ok && c.IsParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

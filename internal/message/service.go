// Package message — жизненный цикл сообщений: создание, правка, удаление, реакции,
// закрепление, прочтение, пересылка и поиск. Побочные эффекты (превью ссылок, уведомления)
// запускаются после записи и не влияют на результат операции.
package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/chatcore/internal/event"
	"github.com/chatcore/internal/linkpreview"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/metrics"
	"github.com/chatcore/internal/model"
	"github.com/chatcore/internal/notify"
	"github.com/chatcore/internal/room"
	"github.com/chatcore/internal/storage"
	"github.com/google/uuid"
)

const (
	SearchLimit     = 20
	DefaultPageSize = 19
	MaxPageSize     = 100
	MaxAttachments  = 10
)

// Conversations — то, что движку сообщений нужно от движка членства.
type Conversations interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Touch(ctx context.Context, conversationID, messageID string, at time.Time) error
	OtherParticipants(ctx context.Context, conversationID, userID string) ([]string, error)
	TargetableFor(ctx context.Context, userID string, ids []string) ([]model.Conversation, error)
}

type Notifier interface {
	Dispatch(ns ...notify.Notification)
}

// Previews — фоновое построение превью и чтение сохранённых.
type Previews interface {
	Enrich(conversationID, messageID string, urls []string)
	ForMessages(ctx context.Context, messageIDs []string) (map[string][]model.LinkPreview, error)
}

type Service struct {
	messages storage.MessageStore
	convs    Conversations
	users    storage.UserDirectory
	pub      room.Publisher
	notifier Notifier
	previews Previews
	now      func() time.Time
}

func NewService(messages storage.MessageStore, convs Conversations, users storage.UserDirectory, pub room.Publisher, notifier Notifier, previews Previews) *Service {
	return &Service{
		messages: messages,
		convs:    convs,
		users:    users,
		pub:      pub,
		notifier: notifier,
		previews: previews,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var errUnchanged = errors.New("unchanged")

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

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.Forbidden("not a participant of the conversation")
	}
	return nil
}

// load находит сообщение и проверяет, что userID — участник его диалога.
func (s *Service) load(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	if err := s.requireParticipant(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) withSender(ctx context.Context, m *model.Message) *model.Message {
	brief, err := s.users.Brief(ctx, m.SenderID)
	if err != nil {
		logger.Errorf("message sender brief user=%s: %v", m.SenderID, err)
		brief = model.UserBrief{ID: m.SenderID}
	}
	m.Sender = &brief
	return m
}

func (s *Service) replyTarget(ctx context.Context, conversationID string, replyTo *string) (*string, error) {
	if replyTo == nil || *replyTo == "" {
		return nil, nil
	}
	target, err := s.messages.Get(ctx, *replyTo)
	if err != nil || target.ConversationID != conversationID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Internal(err)
		}
		return nil, apperr.NotFound("reply message not found")
	}
	return model.StrPtr(target.ID), nil
}

// Create сохраняет текстовое сообщение; отправитель сразу считается прочитавшим его.
func (s *Service) Create(ctx context.Context, senderID, conversationID, content string, replyTo *string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.Create", time.Now())()
	defer func() { metrics.ObserveOp("message.create", err) }()

	if strings.TrimSpace(content) == "" {
		return nil, apperr.Invalid("message content is required")
	}
	if err := s.requireParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	reply, err := s.replyTarget(ctx, conversationID, replyTo)
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           model.MessageText,
		Content:        model.StrPtr(content),
		ReplyTo:        reply,
		Reactions:      []model.Reaction{},
		SeenBy:         []string{senderID},
		CreatedAt:      s.now(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, apperr.Internal(err)
	}
	s.touch(ctx, m)
	s.withSender(ctx, m)
	s.pub.Broadcast(room.ConversationTopic(conversationID), event.NewMessage{Message: m.Clone()})

	if urls := linkpreview.ExtractURLs(content); len(urls) > 0 {
		s.previews.Enrich(conversationID, m.ID, urls)
	}
	s.notifyOthers(ctx, m, notify.TypeMessage, notify.Preview(content))
	return m, nil
}

// CreateAttachment регистрирует сообщение с вложениями; сами файлы загружаются во внешний сервис.
// У голосового сообщения всегда одно вложение.
func (s *Service) CreateAttachment(ctx context.Context, senderID, conversationID string, typ model.MessageType, count int, replyTo *string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.CreateAttachment", time.Now())()
	defer func() { metrics.ObserveOp("message.create_attachment", err) }()

	if !typ.IsAttachment() {
		return nil, apperr.Invalid("unsupported attachment type")
	}
	if typ == model.MessageVoice {
		count = 1
	}
	if count < 1 || count > MaxAttachments {
		return nil, apperr.Invalid("attachment count must be between 1 and 10")
	}
	if err := s.requireParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	reply, err := s.replyTarget(ctx, conversationID, replyTo)
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        senderID,
		Type:            typ,
		ReplyTo:         reply,
		Reactions:       []model.Reaction{},
		SeenBy:          []string{senderID},
		AttachmentCount: count,
		CreatedAt:       s.now(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, apperr.Internal(err)
	}
	s.touch(ctx, m)
	s.withSender(ctx, m)
	s.pub.Broadcast(room.ConversationTopic(conversationID), event.NewAttachmentMessage{Message: m.Clone()})
	s.notifyOthers(ctx, m, notify.TypeMessage, "["+string(typ)+"]")
	return m, nil
}

// touch обновляет указатель последнего сообщения. Ошибка не отменяет уже сохранённое сообщение.
func (s *Service) touch(ctx context.Context, m *model.Message) {
	if err := s.convs.Touch(ctx, m.ConversationID, m.ID, m.CreatedAt); err != nil {
		logger.Errorf("message touch conversation=%s message=%s: %v", m.ConversationID, m.ID, err)
	}
}

func (s *Service) notifyOthers(ctx context.Context, m *model.Message, typ, preview string) {
	recipients, err := s.convs.OtherParticipants(ctx, m.ConversationID, m.SenderID)
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("notify_recipients").Inc()
		logger.Errorf("message notify recipients conversation=%s: %v", m.ConversationID, err)
		return
	}
	s.notifier.Dispatch(buildNotifications(m, typ, preview, recipients)...)
}

func buildNotifications(m *model.Message, typ, preview string, recipients []string) []notify.Notification {
	out := make([]notify.Notification, 0, len(recipients))
	for _, uid := range recipients {
		out = append(out, notify.Notification{
			UserID:         uid,
			Type:           typ,
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			SenderID:       m.SenderID,
			Content:        preview,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out
}

// Edit меняет текст; править может только отправитель и только не удалённое для всех сообщение.
func (s *Service) Edit(ctx context.Context, userID, messageID, content string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.Edit", time.Now())()
	defer func() { metrics.ObserveOp("message.edit", err) }()

	if strings.TrimSpace(content) == "" {
		return nil, apperr.Invalid("message content is required")
	}
	if _, err := s.load(ctx, userID, messageID); err != nil {
		return nil, err
	}
	updated, err := s.messages.Update(ctx, messageID, func(m *model.Message) error {
		if m.SenderID != userID {
			return apperr.Forbidden("only the sender can edit this message")
		}
		if m.IsDeleted {
			return apperr.Forbidden("message is deleted")
		}
		at := s.now()
		m.Content = model.StrPtr(content)
		m.IsEdited = true
		m.EditedAt = &at
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	s.withSender(ctx, updated)
	s.pub.Broadcast(room.ConversationTopic(updated.ConversationID), event.MessageEdited{Message: updated.Clone()})
	return updated, nil
}

// Delete: scope=self скрывает сообщение только для userID (повтор — успешный no-op),
// scope=everyone доступен отправителю и заменяет текст заглушкой.
func (s *Service) Delete(ctx context.Context, userID, conversationID, messageID string, scope model.DeleteScope) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.Delete", time.Now())()
	defer func() { metrics.ObserveOp("message.delete", err) }()

	if scope != model.DeleteForSelf && scope != model.DeleteForEveryone {
		return nil, apperr.Invalid("scope must be self or everyone")
	}
	m, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if m.ConversationID != conversationID {
		return nil, apperr.NotFound("message not found")
	}

	updated, err := s.messages.Update(ctx, messageID, func(m *model.Message) error {
		if scope == model.DeleteForSelf {
			if m.DeletedForUser(userID) {
				return errUnchanged
			}
			m.DeletedFor = append(m.DeletedFor, userID)
			return nil
		}
		if m.SenderID != userID {
			return apperr.Forbidden("only the sender can delete this message for everyone")
		}
		if m.IsDeleted {
			return apperr.Forbidden("message is already deleted")
		}
		m.IsDeleted = true
		m.Content = model.StrPtr(model.Tombstone)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return m, nil
	}
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	s.pub.Broadcast(room.ConversationTopic(conversationID), event.MessageDeleted{
		ConversationID: conversationID,
		MessageID:      messageID,
		Scope:          scope,
		DeletedBy:      userID,
	})
	return updated, nil
}

// React ставит или заменяет реакцию пользователя: на сообщение не больше одной реакции от каждого.
func (s *Service) React(ctx context.Context, userID, messageID, emoji string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.React", time.Now())()
	defer func() { metrics.ObserveOp("message.react", err) }()

	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperr.Invalid("emoji is required")
	}
	m, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, apperr.Forbidden("message is deleted")
	}
	updated, err := s.messages.UpsertReaction(ctx, messageID, userID, emoji, s.now())
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	s.pub.Broadcast(room.ConversationTopic(m.ConversationID), event.MessageReacted{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		UserID:         userID,
		Emoji:          model.StrPtr(emoji),
		Action:         model.ReactionAdd,
	})
	return updated, nil
}

func (s *Service) Unreact(ctx context.Context, userID, messageID string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.Unreact", time.Now())()
	defer func() { metrics.ObserveOp("message.unreact", err) }()

	m, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	updated, err := s.messages.DeleteReaction(ctx, messageID, userID)
	if err != nil {
		return nil, storeErr(err, "reaction not found")
	}
	s.pub.Broadcast(room.ConversationTopic(m.ConversationID), event.MessageReacted{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		UserID:         userID,
		Action:         model.ReactionRemove,
	})
	return updated, nil
}

func (s *Service) Pin(ctx context.Context, userID, messageID string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.Pin", time.Now())()
	defer func() { metrics.ObserveOp("message.pin", err) }()

	if _, err := s.load(ctx, userID, messageID); err != nil {
		return nil, err
	}
	updated, err := s.messages.Update(ctx, messageID, func(m *model.Message) error {
		if m.IsPinned {
			return apperr.Forbidden("message is already pinned")
		}
		at := s.now()
		m.IsPinned = true
		m.PinnedBy = model.StrPtr(userID)
		m.PinnedAt = &at
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	s.pub.Broadcast(room.ConversationTopic(updated.ConversationID), event.MessagePinned{
		ConversationID: updated.ConversationID,
		MessageID:      messageID,
		PinnedBy:       userID,
		PinnedAt:       *updated.PinnedAt,
	})
	return updated, nil
}

// Unpin снимает закрепление; снять может только тот, кто закрепил.
func (s *Service) Unpin(ctx context.Context, userID, messageID string) (msg *model.Message, err error) {
	defer logger.DeferLogDuration("message.Unpin", time.Now())()
	defer func() { metrics.ObserveOp("message.unpin", err) }()

	if _, err := s.load(ctx, userID, messageID); err != nil {
		return nil, err
	}
	updated, err := s.messages.Update(ctx, messageID, func(m *model.Message) error {
		if !m.IsPinned {
			return apperr.Forbidden("message is not pinned")
		}
		if m.PinnedBy == nil || *m.PinnedBy != userID {
			return apperr.Forbidden("only the user who pinned the message can unpin it")
		}
		m.IsPinned = false
		m.PinnedBy = nil
		m.PinnedAt = nil
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	s.pub.Broadcast(room.ConversationTopic(updated.ConversationID), event.MessageUnpinned{
		ConversationID: updated.ConversationID,
		MessageID:      messageID,
		UnpinnedBy:     userID,
	})
	return updated, nil
}

// MarkSeen отмечает все сообщения диалога прочитанными. Событие уходит, только если что-то изменилось.
func (s *Service) MarkSeen(ctx context.Context, conversationID, userID string) (n int, err error) {
	defer logger.DeferLogDuration("message.MarkSeen", time.Now())()
	defer func() { metrics.ObserveOp("message.mark_seen", err) }()

	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	n, err = s.messages.MarkSeen(ctx, conversationID, userID)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	if n > 0 {
		s.pub.Broadcast(room.ConversationTopic(conversationID), event.MessageSeen{
			ConversationID: conversationID,
			UserID:         userID,
			SeenAt:         s.now(),
			Count:          n,
		})
	}
	return n, nil
}

// Forward копирует сообщение в каждый доступный пользователю диалог из targetIDs.
// Недоступные и несуществующие диалоги молча пропускаются; ошибка одной цели не мешает остальным.
func (s *Service) Forward(ctx context.Context, userID, messageID string, targetIDs []string) (out []model.Message, err error) {
	defer logger.DeferLogDuration("message.Forward", time.Now())()
	defer func() { metrics.ObserveOp("message.forward", err) }()

	src, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if src.IsDeleted || src.DeletedForUser(userID) {
		return nil, apperr.Forbidden("message is deleted")
	}
	targets, err := s.convs.TargetableFor(ctx, userID, targetIDs)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(targets) == 0 {
		return nil, apperr.Forbidden("no conversation to forward to")
	}

	var (
		notes   []notify.Notification
		lastErr error
	)
	out = make([]model.Message, 0, len(targets))
	for _, target := range targets {
		m := &model.Message{
			ID:              uuid.NewString(),
			ConversationID:  target.ID,
			SenderID:        userID,
			Type:            model.MessageForward,
			Content:         src.Content,
			Reactions:       []model.Reaction{},
			SeenBy:          []string{userID},
			ForwardedFrom:   model.StrPtr(src.ID),
			AttachmentCount: src.AttachmentCount,
			CreatedAt:       s.now(),
		}
		if err := s.messages.Create(ctx, m); err != nil {
			lastErr = err
			logger.Errorf("message.Forward target=%s: %v", target.ID, err)
			continue
		}
		s.touch(ctx, m)
		s.withSender(ctx, m)
		s.pub.Broadcast(room.ConversationTopic(target.ID), event.MessageForwarded{Message: m.Clone()})

		recipients := make([]string, 0, len(target.Participants))
		for _, p := range target.Participants {
			if p.UserID != userID {
				recipients = append(recipients, p.UserID)
			}
		}
		notes = append(notes, buildNotifications(m, notify.TypeForward, notify.Preview(src.Text()), recipients)...)
		out = append(out, *m)
	}
	if len(out) == 0 {
		return nil, apperr.Internal(lastErr)
	}
	s.notifier.Dispatch(notes...)
	return out, nil
}

// Search — релевантный поиск по тексту в пределах диалога, не больше SearchLimit результатов.
// Пустой запрос даёт пустой результат.
func (s *Service) Search(ctx context.Context, userID, conversationID, query string) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.Search", time.Now())()
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.Message{}, nil
	}
	found, err := s.messages.Search(ctx, conversationID, query, SearchLimit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := found[:0]
	for _, m := range found {
		if !m.DeletedForUser(userID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// List — страница сообщений от новых к старым до сообщения before (не включая его).
func (s *Service) List(ctx context.Context, userID, conversationID, before string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.List", time.Now())()
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	page, err := s.messages.List(ctx, conversationID, userID, before, limit)
	if err != nil {
		return nil, storeErr(err, "cursor message not found")
	}
	if len(page) == 0 {
		return page, nil
	}

	ids := make([]string, 0, len(page))
	senders := make([]string, 0, len(page))
	for _, m := range page {
		ids = append(ids, m.ID)
		senders = append(senders, m.SenderID)
	}
	briefs, err := s.users.Briefs(ctx, senders)
	if err != nil {
		logger.Errorf("message.List briefs conversation=%s: %v", conversationID, err)
	}
	previews, err := s.previews.ForMessages(ctx, ids)
	if err != nil {
		logger.Errorf("message.List previews conversation=%s: %v", conversationID, err)
	}
	for i := range page {
		m := &page[i]
		if b, ok := briefs[m.SenderID]; ok {
			m.Sender = &b
		} else {
			m.Sender = &model.UserBrief{ID: m.SenderID}
		}
		m.LinkPreviews = previews[m.ID]
	}
	return page, nil
}

// Get отдаёт одно сообщение участнику диалога; скрытое для него сообщение считается отсутствующим.
func (s *Service) Get(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, storeErr(err, "message not found")
	}
	ok, err := s.convs.IsParticipant(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok || m.DeletedForUser(userID) {
		return nil, apperr.NotFound("message not found")
	}
	s.withSender(ctx, m)
	if previews, err := s.previews.ForMessages(ctx, []string{m.ID}); err == nil {
		m.LinkPreviews = previews[m.ID]
	}
	return m, nil
}

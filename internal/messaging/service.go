// Package messaging carries direct messages between users: one conversation
// per pair of users, a per-receiver unread counter, and live delivery of new
// messages, read receipts and typing indicators.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Store persists conversations and messages. Send and MarkRead must update
// messages and unread counters atomically.
type Store interface {
	Send(ctx context.Context, m *models.Message) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	FindConversation(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*models.Message, int, error)
	MarkRead(ctx context.Context, conversationID, reader uuid.UUID, at time.Time) (int, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) error
}

// Notifier delivers an event to a connected user. Delivery is best effort.
type Notifier interface {
	Dispatch(ctx context.Context, identity uuid.UUID, event string, payload any) bool
}

// SendRequest is a message from the caller to ReceiverID.
type SendRequest struct {
	ReceiverID uuid.UUID
	Content    string
	Type       models.MessageType
	FileURL    string
}

// MessagePage is one page of a conversation, newest first.
type MessagePage struct {
	Messages   []*models.Message `json:"messages"`
	Pagination models.Pagination `json:"pagination"`
}

// ReadReceipt tells a sender that the other participant read the conversation.
type ReadReceipt struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	ReadBy         uuid.UUID `json:"read_by"`
	Count          int       `json:"count"`
}

// Typing tells a participant that the other one started or stopped typing.
type Typing struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	From           uuid.UUID `json:"from"`
}

type Service struct {
	store    Store
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, notifier: notifier, log: log, now: time.Now}
}

// Send stores a message and then pushes it to the receiver.
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, req SendRequest) (*models.Message, error) {
	if req.ReceiverID == uuid.Nil {
		return nil, fmt.Errorf("%w: receiver is required", models.ErrInvalidInput)
	}
	if req.ReceiverID == senderID {
		return nil, fmt.Errorf("%w: cannot message yourself", models.ErrInvalidInput)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", models.ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > models.MaxMessageLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", models.ErrInvalidInput, models.MaxMessageLength)
	}
	kind := req.Type
	if kind == "" {
		kind = models.MessageText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", models.ErrInvalidInput, kind)
	}
	var fileURL *string
	if u := strings.TrimSpace(req.FileURL); u != "" {
		fileURL = &u
	} else if kind != models.MessageText {
		return nil, fmt.Errorf("%w: file_url is required for %s messages", models.ErrInvalidInput, kind)
	}

	m := &models.Message{
		ID:         uuid.New(),
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Content:    content,
		Type:       kind,
		FileURL:    fileURL,
		Status:     models.MessageSent,
		CreatedAt:  s.now().UTC(),
	}
	if _, err := s.store.Send(ctx, m); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.log.Info("message sent", "message_id", m.ID, "conversation_id", m.ConversationID)
	s.notifier.Dispatch(ctx, m.ReceiverID, models.EventNewMessage, m)
	return m, nil
}

// Conversations lists the caller's conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	list, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if list == nil {
		list = []*models.Conversation{}
	}
	return list, nil
}

func (s *Service) participantOf(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, models.ErrNotAuthorized
	}
	return c, nil
}

// Messages returns a page of the conversation and marks what the viewer
// received as read.
func (s *Service) Messages(ctx context.Context, conversationID, viewer uuid.UUID, page, limit int) (*MessagePage, error) {
	if _, err := s.participantOf(ctx, conversationID, viewer); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	list, total, err := s.store.ListMessages(ctx, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if list == nil {
		list = []*models.Message{}
	}
	if _, err := s.MarkRead(ctx, conversationID, viewer); err != nil {
		return nil, err
	}
	return &MessagePage{
		Messages: list,
		Pagination: models.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	}, nil
}

// MarkRead marks the conversation read for reader and sends a read receipt
// to the other participant when anything changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, reader uuid.UUID) (int, error) {
	c, err := s.participantOf(ctx, conversationID, reader)
	if err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, conversationID, reader, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if n > 0 {
		s.notifier.Dispatch(ctx, c.Other(reader), models.EventMessageRead,
			ReadReceipt{ConversationID: conversationID, ReadBy: reader, Count: n})
	}
	return n, nil
}

// UnreadCount sums the caller's unread messages over all conversations.
func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// DeleteMessage hides one of the caller's own messages.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID uuid.UUID) error {
	if err := s.store.SoftDelete(ctx, messageID, userID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

type typingPayload struct {
	To uuid.UUID `json:"to"`
}

type readPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// ClientEvent handles a frame sent by a connected user. Typing indicators
// are relayed only between users who share a conversation. Unknown events
// and malformed payloads are dropped.
func (s *Service) ClientEvent(ctx context.Context, from uuid.UUID, event string, payload json.RawMessage) {
	switch event {
	case models.EventTypingStart, models.EventTypingEnd:
		var p typingPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.To == uuid.Nil || p.To == from {
			return
		}
		c, err := s.store.FindConversation(ctx, from, p.To)
		if err != nil {
			return
		}
		s.notifier.Dispatch(ctx, p.To, event, Typing{ConversationID: c.ID, From: from})
	case models.EventMessageRead:
		var p readPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == uuid.Nil {
			return
		}
		if _, err := s.MarkRead(ctx, p.ConversationID, from); err != nil {
			s.log.Debug("read receipt dropped", "identity", from, "conversation_id", p.ConversationID, "error", err)
		}
	default:
		s.log.Debug("client event ignored", "identity", from, "event", event)
	}
}

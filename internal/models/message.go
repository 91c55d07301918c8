package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageSent MessageStatus = "sent"
	MessageRead MessageStatus = "read"
)

// MaxMessageLength bounds message content (characters).
const MaxMessageLength = 4000

type Message struct {
	ID             uuid.UUID     `json:"id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id"`
	ReceiverID     uuid.UUID     `json:"receiver_id"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	FileURL        *string       `json:"file_url,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
}

// Conversation is the thread between two users. UnreadCount is the number of
// messages the viewing participant has not read yet.
type Conversation struct {
	ID            uuid.UUID   `json:"id"`
	Participants  []uuid.UUID `json:"participants"`
	LastMessageID *uuid.UUID  `json:"last_message_id,omitempty"`
	LastMessage   *Message    `json:"last_message,omitempty"`
	LastActivity  time.Time   `json:"last_activity"`
	UnreadCount   int         `json:"unread_count"`
	CreatedAt     time.Time   `json:"created_at"`
}

// HasParticipant reports whether id takes part in the conversation.
func (c *Conversation) HasParticipant(id uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Other returns the participant that is not id.
func (c *Conversation) Other(id uuid.UUID) uuid.UUID {
	for _, p := range c.Participants {
		if p != id {
			return p
		}
	}
	return uuid.Nil
}

// ParticipantPair orders two user ids so a pair maps to one conversation.
func ParticipantPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) < 0 {
		return a, b
	}
	return b, a
}

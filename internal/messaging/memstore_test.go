package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store. Every method holds the mutex for its whole body, standing
// in for the single transaction the pgx repository uses.
// ---------------------------------------------------------------------------

type memConversation struct {
	conv    models.Conversation
	unread  map[uuid.UUID]int
	deleted map[uuid.UUID]bool
}

type memStore struct {
	mu       sync.Mutex
	convs    map[uuid.UUID]*memConversation
	byPair   map[[2]uuid.UUID]uuid.UUID
	messages map[uuid.UUID]*models.Message
	order    []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		convs:    make(map[uuid.UUID]*memConversation),
		byPair:   make(map[[2]uuid.UUID]uuid.UUID),
		messages: make(map[uuid.UUID]*models.Message),
	}
}

func (s *memStore) Send(_ context.Context, m *models.Message) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := models.ParticipantPair(m.SenderID, m.ReceiverID)
	id, ok := s.byPair[[2]uuid.UUID{a, b}]
	if !ok {
		id = uuid.New()
		s.byPair[[2]uuid.UUID{a, b}] = id
		s.convs[id] = &memConversation{
			conv:    models.Conversation{ID: id, Participants: []uuid.UUID{a, b}, CreatedAt: m.CreatedAt},
			unread:  map[uuid.UUID]int{},
			deleted: map[uuid.UUID]bool{},
		}
	}
	mc := s.convs[id]
	mc.unread[m.ReceiverID]++
	m.ConversationID = id
	cp := *m
	s.messages[m.ID] = &cp
	s.order = append(s.order, m.ID)
	mc.conv.LastMessageID = &cp.ID
	mc.conv.LastActivity = m.CreatedAt
	out := mc.conv
	return &out, nil
}

func (s *memStore) GetConversation(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := mc.conv
	return &out, nil
}

func (s *memStore) FindConversation(_ context.Context, x, y uuid.UUID) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := models.ParticipantPair(x, y)
	id, ok := s.byPair[[2]uuid.UUID{a, b}]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := s.convs[id].conv
	return &out, nil
}

func (s *memStore) ListConversations(_ context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Conversation
	for _, mc := range s.convs {
		if !mc.conv.HasParticipant(userID) {
			continue
		}
		c := mc.conv
		c.UnreadCount = mc.unread[userID]
		if c.LastMessageID != nil && !mc.deleted[*c.LastMessageID] {
			lm := *s.messages[*c.LastMessageID]
			c.LastMessage = &lm
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID uuid.UUID, limit, offset int) ([]*models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := s.convs[conversationID]
	var visible []*models.Message
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.messages[s.order[i]]
		if m.ConversationID != conversationID || (mc != nil && mc.deleted[m.ID]) {
			continue
		}
		cp := *m
		visible = append(visible, &cp)
	}
	total := len(visible)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return visible[offset:end], total, nil
}

func (s *memStore) MarkRead(_ context.Context, conversationID, reader uuid.UUID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.convs[conversationID]
	if !ok || !mc.conv.HasParticipant(reader) {
		return 0, models.ErrNotFound
	}
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.ReceiverID == reader && m.Status == models.MessageSent {
			m.Status = models.MessageRead
			readAt := at
			m.ReadAt = &readAt
			n++
		}
	}
	mc.unread[reader] = 0
	return n, nil
}

func (s *memStore) UnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, mc := range s.convs {
		total += mc.unread[userID]
	}
	return total, nil
}

func (s *memStore) SoftDelete(_ context.Context, messageID, senderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.SenderID != senderID {
		return models.ErrNotFound
	}
	mc := s.convs[m.ConversationID]
	if mc.deleted[m.ID] {
		return models.ErrNotFound
	}
	mc.deleted[m.ID] = true
	if m.Status == models.MessageSent && mc.unread[m.ReceiverID] > 0 {
		mc.unread[m.ReceiverID]--
	}
	return nil
}

var _ Store = (*memStore)(nil)

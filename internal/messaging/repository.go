package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nestview/backend/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, type, file_url, status,
	created_at, read_at`

const conversationColumns = `id, user_a, user_b, last_message_id, last_activity, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Send stores m in the conversation between its sender and receiver,
// creating the conversation on first contact, and bumps the receiver's
// unread counter. Member rows are written before the message so a concurrent
// MarkRead holding the receiver's row never misses a message it resets.
func (r *Repository) Send(ctx context.Context, m *models.Message) (*models.Conversation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	a, b := models.ParticipantPair(m.SenderID, m.ReceiverID)
	c := &models.Conversation{Participants: []uuid.UUID{a, b}, LastActivity: m.CreatedAt}
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, user_a, user_b, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_a, user_b) DO UPDATE SET last_activity = EXCLUDED.last_activity
		RETURNING id, created_at
	`, uuid.New(), a, b, m.CreatedAt).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, unread_count)
		VALUES ($1, $2, 0), ($1, $3, 1)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET unread_count = conversation_members.unread_count + EXCLUDED.unread_count
	`, c.ID, m.SenderID, m.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("bump unread: %w", err)
	}

	m.ConversationID = c.ID
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, type, file_url, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.Type, m.FileURL, m.Status, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_id = $2 WHERE id = $1`, c.ID, m.ID); err != nil {
		return nil, fmt.Errorf("set last message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	c.LastMessageID = &m.ID
	c.LastMessage = m
	return c, nil
}

func (r *Repository) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	c, err := scanConversation(r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return c, err
}

func (r *Repository) FindConversation(ctx context.Context, x, y uuid.UUID) (*models.Conversation, error) {
	a, b := models.ParticipantPair(x, y)
	c, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_a = $1 AND user_b = $2`, a, b))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return c, err
}

// ListConversations returns the user's conversations, most recent activity
// first, with the user's unread count and the last visible message.
func (r *Repository) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.user_a, c.user_b, c.last_message_id, c.last_activity, c.created_at, m.unread_count,
			lm.id, lm.sender_id, lm.receiver_id, lm.content, lm.type, lm.file_url, lm.status, lm.created_at, lm.read_at
		FROM conversation_members m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN messages lm ON lm.id = c.last_message_id AND NOT lm.deleted
		WHERE m.user_id = $1
		ORDER BY c.last_activity DESC, c.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var (
			c                  models.Conversation
			a, b               uuid.UUID
			lmID, lmFrom, lmTo *uuid.UUID
			lmContent          *string
			lmType             *string
			lmFileURL          *string
			lmStatus           *string
			lmCreated          *time.Time
			lmRead             *time.Time
		)
		err := rows.Scan(&c.ID, &a, &b, &c.LastMessageID, &c.LastActivity, &c.CreatedAt, &c.UnreadCount,
			&lmID, &lmFrom, &lmTo, &lmContent, &lmType, &lmFileURL, &lmStatus, &lmCreated, &lmRead)
		if err != nil {
			return nil, err
		}
		c.Participants = []uuid.UUID{a, b}
		if lmID != nil {
			c.LastMessage = &models.Message{
				ID:             *lmID,
				ConversationID: c.ID,
				SenderID:       *lmFrom,
				ReceiverID:     *lmTo,
				Content:        *lmContent,
				Type:           models.MessageType(*lmType),
				FileURL:        lmFileURL,
				Status:         models.MessageStatus(*lmStatus),
				CreatedAt:      *lmCreated,
				ReadAt:         lmRead,
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListMessages pages through the visible messages of a conversation, newest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*models.Message, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND NOT deleted`, conversationID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// MarkRead marks every message addressed to reader in the conversation as
// read and resets the reader's unread counter. It returns how many messages
// changed.
func (r *Repository) MarkRead(ctx context.Context, conversationID, reader uuid.UUID, at time.Time) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var unread int
	err = tx.QueryRow(ctx, `
		SELECT unread_count FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2
		FOR UPDATE
	`, conversationID, reader).Scan(&unread)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE messages SET status = 'read', read_at = $3
		WHERE conversation_id = $1 AND receiver_id = $2 AND status = 'sent'
	`, conversationID, reader, at)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	if unread != 0 {
		_, err = tx.Exec(ctx, `
			UPDATE conversation_members SET unread_count = 0
			WHERE conversation_id = $1 AND user_id = $2
		`, conversationID, reader)
		if err != nil {
			return 0, fmt.Errorf("reset unread: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM conversation_members WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

// SoftDelete hides a message sent by senderID. An unread message no longer
// counts towards the receiver's unread total.
func (r *Repository) SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		conversationID, receiverID uuid.UUID
		status                     models.MessageStatus
	)
	err = tx.QueryRow(ctx, `
		UPDATE messages SET deleted = true
		WHERE id = $1 AND sender_id = $2 AND NOT deleted
		RETURNING conversation_id, receiver_id, status
	`, messageID, senderID).Scan(&conversationID, &receiverID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == models.MessageSent {
		_, err = tx.Exec(ctx, `
			UPDATE conversation_members SET unread_count = GREATEST(unread_count - 1, 0)
			WHERE conversation_id = $1 AND user_id = $2
		`, conversationID, receiverID)
		if err != nil {
			return fmt.Errorf("decrement unread: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var a, b uuid.UUID
	if err := row.Scan(&c.ID, &a, &b, &c.LastMessageID, &c.LastActivity, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Participants = []uuid.UUID{a, b}
	return &c, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Type, &m.FileURL,
		&m.Status, &m.CreatedAt, &m.ReadAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

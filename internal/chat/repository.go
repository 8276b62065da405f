package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gastro-chat/internal/db"
)

// Repository is the durable message log. Writes are idempotent upserts keyed
// by (conversation_key, message_id), so concurrent writers may interleave.
type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) SaveMessage(ctx context.Context, msg *Message) error {
	query := r.db.Rebind(`
		INSERT INTO messages (conversation_key, message_id, direction, content, document_url, document_name, sent_at, delivery_state, simulated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_key, message_id) DO NOTHING
	`)
	_, err := r.db.Conn.ExecContext(ctx, query,
		msg.ConversationKey, msg.ID, string(msg.Direction), msg.Content,
		msg.DocumentURL, msg.DocumentName, msg.Timestamp.UnixMilli(),
		string(msg.DeliveryState), msg.Simulated,
	)
	return err
}

// GetMessages returns every message of one conversation, oldest first.
func (r *Repository) GetMessages(ctx context.Context, conversationKey string) ([]*Message, error) {
	query := r.db.Rebind(`
		SELECT conversation_key, message_id, direction, content, document_url, document_name, sent_at, delivery_state, simulated
		FROM messages
		WHERE conversation_key = ?
		ORDER BY sent_at ASC, message_id ASC
	`)
	rows, err := r.db.Conn.QueryContext(ctx, query, conversationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateStatus applies a delivery receipt. The state only moves forward; the
// returned bool reports whether anything changed. Message ids are only unique
// within a conversation, so conversationKey narrows the lookup when known.
func (r *Repository) UpdateStatus(ctx context.Context, conversationKey, messageID string, next DeliveryState) (*Message, bool, error) {
	query := `
		SELECT conversation_key, message_id, direction, content, document_url, document_name, sent_at, delivery_state, simulated
		FROM messages
		WHERE message_id = ?`
	args := []any{messageID}
	if conversationKey != "" {
		query += ` AND conversation_key = ?`
		args = append(args, conversationKey)
	}
	msg, err := scanMessage(r.db.Conn.QueryRowContext(ctx, r.db.Rebind(query), args...))
	if err != nil {
		return nil, false, err
	}

	advanced := msg.DeliveryState.Advance(next)
	if advanced == msg.DeliveryState {
		return msg, false, nil
	}

	update := r.db.Rebind(`
		UPDATE messages SET delivery_state = ?
		WHERE conversation_key = ? AND message_id = ? AND delivery_state = ?
	`)
	res, err := r.db.Conn.ExecContext(ctx, update, string(advanced), msg.ConversationKey, msg.ID, string(msg.DeliveryState))
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another receipt; report the stored row as is.
		return msg, false, nil
	}
	msg.DeliveryState = advanced
	return msg, true, nil
}

// MarkRead marks every unread received message of the conversation as read.
func (r *Repository) MarkRead(ctx context.Context, conversationKey string) (int64, error) {
	query := r.db.Rebind(`
		UPDATE messages SET delivery_state = 'read'
		WHERE conversation_key = ? AND direction = 'received' AND delivery_state IN ('sent', 'delivered')
	`)
	res, err := r.db.Conn.ExecContext(ctx, query, conversationKey)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListConversations returns every conversation key, most recent first.
func (r *Repository) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	query := `
		SELECT conversation_key, MAX(sent_at), COUNT(*)
		FROM messages
		GROUP BY conversation_key
		ORDER BY MAX(sent_at) DESC
	`
	rows, err := r.db.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []ConversationSummary{}
	for rows.Next() {
		var s ConversationSummary
		var last int64
		if err := rows.Scan(&s.ConversationKey, &last, &s.MessageCount); err != nil {
			return nil, err
		}
		s.LastMessageTime = time.UnixMilli(last).UTC()
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var direction, state string
	var sentAt int64
	err := row.Scan(&msg.ConversationKey, &msg.ID, &direction, &msg.Content,
		&msg.DocumentURL, &msg.DocumentName, &sentAt, &state, &msg.Simulated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	msg.Direction = Direction(direction)
	msg.DeliveryState = DeliveryState(state)
	msg.Timestamp = time.UnixMilli(sentAt).UTC()
	return msg, nil
}

var ErrMessageNotFound = errors.New("message not found")

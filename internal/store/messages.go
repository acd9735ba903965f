package store

import (
	"fmt"
	"time"
)

// Message is one persisted private message. Immutable after insert.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Body      string
	CreatedAt time.Time
}

// InsertMessage appends a message to the log and returns the stored record
// with its server-assigned id and timestamp. Messages are persisted whether
// or not the recipient is online; delivery is the relay's problem.
func (s *Store) InsertMessage(sender, recipient, body string) (*Message, error) {
	createdAt := time.Now().UTC()
	res, err := s.db.Exec(
		"INSERT INTO messages (sender, recipient, body, created_at) VALUES (?, ?, ?, ?)",
		sender, recipient, body, createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message id: %w", err)
	}
	return &Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		CreatedAt: createdAt,
	}, nil
}

// Conversation returns every message exchanged between a and b in either
// direction, oldest first. Ties on created_at fall back to insertion order.
// An empty conversation is a nil slice, not an error.
func (s *Store) Conversation(a, b string) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, recipient, body, created_at FROM messages
		 WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		 ORDER BY created_at ASC, id ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return result, nil
}

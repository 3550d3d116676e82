package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const chatColumns = `id, conversation_key, content, from_me, status, timestamp`

// InsertChatMessage stores a message. Re-inserting an existing ID only
// advances its status, so duplicated inbound frames are harmless.
func (db *DB) InsertChatMessage(m *ChatMessage) error {
	if m.Status == "" {
		m.Status = ChatQueued
	}
	if !m.Status.Valid() {
		return fmt.Errorf("insert chat message %s: unknown status %q", m.ID, m.Status)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chat_messages (id, conversation_key, content, from_me, status, status_rank, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			status_rank = excluded.status_rank,
			updated_at = excluded.updated_at
		WHERE excluded.status_rank > chat_messages.status_rank`,
		m.ID, m.ConversationKey, m.Content, m.FromMe, string(m.Status), m.Status.Rank(), m.Timestamp.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("insert chat message %s: %w", m.ID, err)
	}
	return nil
}

// AdvanceChatStatus moves a message forward to status. It reports false when
// the message is already at or past status; statuses never move backwards.
func (db *DB) AdvanceChatStatus(id string, status ChatStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("advance chat status %s: unknown status %q", id, status)
	}
	res, err := db.Exec(`
		UPDATE chat_messages SET status = ?, status_rank = ?, updated_at = ?
		WHERE id = ? AND status_rank < ?`,
		string(status), status.Rank(), time.Now().UnixMilli(), id, status.Rank())
	if err != nil {
		return false, fmt.Errorf("advance chat status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance chat status %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "no such message" from "already further along".
	if _, err := db.GetChatMessage(id); err != nil {
		return false, err
	}
	return false, nil
}

// GetChatMessage returns a single message by ID.
func (db *DB) GetChatMessage(id string) (*ChatMessage, error) {
	row := db.QueryRow(`SELECT `+chatColumns+` FROM chat_messages WHERE id = ?`, id)
	m, err := scanChatMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get chat message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat message %s: %w", id, err)
	}
	return m, nil
}

// ListChatMessages returns the latest messages of a conversation, oldest first.
func (db *DB) ListChatMessages(conversationKey string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryChatMessages(`
		SELECT `+chatColumns+` FROM (
			SELECT `+chatColumns+` FROM chat_messages
			WHERE conversation_key = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`, conversationKey, limit)
}

// QueuedChatMessages returns outgoing messages that were never transmitted,
// in the order they were written.
func (db *DB) QueuedChatMessages() ([]ChatMessage, error) {
	return db.queryChatMessages(`
		SELECT `+chatColumns+` FROM chat_messages
		WHERE status = ? AND from_me = 1
		ORDER BY timestamp ASC, id ASC`, string(ChatQueued))
}

func (db *DB) queryChatMessages(q string, args ...any) ([]ChatMessage, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	return msgs, nil
}

func scanChatMessage(r rowScanner) (*ChatMessage, error) {
	var (
		m      ChatMessage
		status string
		ts     int64
	)
	if err := r.Scan(&m.ID, &m.ConversationKey, &m.Content, &m.FromMe, &status, &ts); err != nil {
		return nil, err
	}
	m.Status = ChatStatus(status)
	m.Timestamp = time.UnixMilli(ts)
	return &m, nil
}

package store

import (
	"encoding/json"
	"time"
)

// DocType selects the upload handler for a document.
type DocType string

const (
	DocBooking   DocType = "booking"
	DocSchedule  DocType = "schedule"
	DocJobUpdate DocType = "jobUpdate"
	DocMessage   DocType = "message"
)

// Document is a locally persisted write awaiting upload.
type Document struct {
	ID        string          `json:"id"`
	Type      DocType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Synced    bool            `json:"synced"`
	Timestamp time.Time       `json:"timestamp"`
	// Revision increases on every put. Sync bookkeeping only applies to the
	// revision that was uploaded.
	Revision int64 `json:"revision"`

	// Bookkeeping maintained by the sync engine.
	Attempts     int        `json:"attempts,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
}

// Rejected reports whether the document was permanently rejected.
func (d *Document) Rejected() bool {
	return d.RejectedAt != nil
}

// DocumentStats summarizes the documents table.
type DocumentStats struct {
	Total    int
	Synced   int
	Unsynced int
	Rejected int
}

// ChatStatus is the delivery status of a chat message. Statuses only move forward.
type ChatStatus string

const (
	// ChatQueued is local-only: persisted but not yet transmitted.
	ChatQueued    ChatStatus = "queued"
	ChatSent      ChatStatus = "sent"
	ChatDelivered ChatStatus = "delivered"
	ChatRead      ChatStatus = "read"
)

// Rank orders statuses; unknown statuses rank below queued.
func (s ChatStatus) Rank() int {
	switch s {
	case ChatQueued:
		return 0
	case ChatSent:
		return 1
	case ChatDelivered:
		return 2
	case ChatRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s ChatStatus) Valid() bool {
	return s.Rank() >= 0
}

// ChatMessage is a single message exchanged over the real-time endpoint.
type ChatMessage struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversationKey"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
	Status          ChatStatus `json:"status"`
	FromMe          bool       `json:"-"`
}

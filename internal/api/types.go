package api

import (
	"encoding/json"
	"time"

	"github.com/imaryza/isync/internal/store"
	intsync "github.com/imaryza/isync/internal/sync"
)

// Empty is the request and response of calls without arguments or results.
type Empty struct{}

// Document is the wire form of a stored document. Payload is JSON text so
// large numbers survive the round trip.
type Document struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Payload      string     `json:"payload"`
	Revision     int64      `json:"revision"`
	Synced       bool       `json:"synced"`
	Timestamp    time.Time  `json:"timestamp"`
	Attempts     int        `json:"attempts,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	RejectedAt   *time.Time `json:"rejectedAt,omitempty"`
	RejectReason string     `json:"rejectReason,omitempty"`
}

func documentFromStore(d *store.Document) Document {
	return Document{
		ID:           d.ID,
		Type:         string(d.Type),
		Payload:      string(d.Payload),
		Revision:     d.Revision,
		Synced:       d.Synced,
		Timestamp:    d.Timestamp,
		Attempts:     d.Attempts,
		LastError:    d.LastError,
		RejectedAt:   d.RejectedAt,
		RejectReason: d.RejectReason,
	}
}

type SaveDocumentRequest struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type ListDocumentsRequest struct {
	Type string `json:"type,omitempty"`
}

type DocumentList struct {
	Documents []Document `json:"documents"`
}

type RequeueRequest struct {
	ID string `json:"id"`
}

// PassResult is the wire form of a completed sync pass.
type PassResult struct {
	Started    time.Time `json:"started"`
	DurationMs int64     `json:"durationMs"`
	Considered int       `json:"considered"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Rejected   int       `json:"rejected"`
	// Unauthorized means the backend refused the credentials and the pass
	// stopped before reaching every document.
	Unauthorized bool `json:"unauthorized,omitempty"`
}

func passFromEngine(r intsync.PassResult) PassResult {
	return PassResult{
		Started:    r.Started,
		DurationMs: r.Duration.Milliseconds(),
		Considered: r.Considered,
		Synced:     r.Synced,
		Failed:     r.Failed,
		Rejected:   r.Rejected,

		Unauthorized: r.Unauthorized,
	}
}

// Message is the wire form of a chat message.
type Message struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
	FromMe          bool      `json:"fromMe"`
}

func messageFromStore(m *store.ChatMessage) Message {
	return Message{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		Status:          string(m.Status),
		FromMe:          m.FromMe,
	}
}

type SendMessageRequest struct {
	ConversationKey string `json:"conversationKey"`
	Content         string `json:"content"`
}

type ListMessagesRequest struct {
	ConversationKey string `json:"conversationKey"`
	Limit           int    `json:"limit,omitempty"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
}

type MarkReadRequest struct {
	ConversationKey string `json:"conversationKey"`
}

// LinkState is the real-time connection state.
type LinkState struct {
	Phase              string `json:"phase"`
	Pending            int    `json:"pending"`
	ReconnectScheduled bool   `json:"reconnectScheduled"`
}

type LastPass struct {
	At     time.Time `json:"at"`
	Synced int       `json:"synced"`
	Failed int       `json:"failed"`
}

type DocumentCounts struct {
	Total    int `json:"total"`
	Synced   int `json:"synced"`
	Unsynced int `json:"unsynced"`
	Rejected int `json:"rejected"`
}

// StatusResponse describes the daemon.
type StatusResponse struct {
	Session     string         `json:"session"`
	StartedAt   time.Time      `json:"startedAt"`
	UptimeMs    int64          `json:"uptimeMs"`
	Link        LinkState      `json:"link"`
	Documents   DocumentCounts `json:"documents"`
	LastPass    *LastPass      `json:"lastPass,omitempty"`
	TokenExpiry *time.Time     `json:"tokenExpiry,omitempty"`
}

type WatchRequest struct {
	// Prefix filters event kinds, e.g. "sync." or "message.". Empty means all.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event delivered by WatchEvents.
type Event struct {
	Session   string          `json:"session"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

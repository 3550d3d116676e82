// Package outbox records outgoing chat messages and tracks their delivery
// status as the transport and the remote peer report progress.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/router"
	"github.com/imaryza/isync/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned when asked to send blank content.
var ErrEmptyMessage = errors.New("message content is empty")

// Transport accepts messages for transmission, queueing them while offline.
type Transport interface {
	Send(ctx context.Context, msg store.ChatMessage) error
}

// ReadMarker reports read conversations to the backend.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationKey string) error
}

// StatusChange is the payload of message.status_changed events.
type StatusChange struct {
	ID              string
	ConversationKey string
	Status          store.ChatStatus
}

// Sender persists outgoing messages before handing them to the transport and
// applies delivery progress to the stored copies.
type Sender struct {
	db        *store.DB
	transport Transport
	marker    ReadMarker
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewSender creates a new chat sender.
func NewSender(db *store.DB, t Transport, marker ReadMarker, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:        db,
		transport: t,
		marker:    marker,
		bus:       b,
		logger:    logger.Named("outbox"),
	}
}

// Send stores a new queued message and passes it to the transport. The
// message survives a restart even if the transport never transmits it, so a
// transport that refuses the hand-off (closed after Disconnect) is not an
// error: the message stays queued and goes out on the next resume.
func (s *Sender) Send(ctx context.Context, conversationKey, content string) (*store.ChatMessage, error) {
	if conversationKey == "" {
		return nil, fmt.Errorf("send: empty conversation key")
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	msg := &store.ChatMessage{
		ID:              uuid.NewString(),
		ConversationKey: conversationKey,
		Content:         content,
		Timestamp:       time.Now().UTC(),
		Status:          store.ChatQueued,
		FromMe:          true,
	}
	if err := s.db.InsertChatMessage(msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.bus.Emit(bus.KindMessageQueued, *msg)

	if err := s.transport.Send(ctx, *msg); err != nil {
		s.logger.Warn("message stored but not handed to transport", zap.String("id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// Resume hands every stored queued message back to the transport, oldest
// first. It is called once at startup since the transport queue is not
// persisted.
func (s *Sender) Resume(ctx context.Context) (int, error) {
	return s.ResumeTo(ctx, s.transport)
}

// ResumeTo is Resume against t instead of the sender's own transport, for
// callers that are swapping the transport underneath the sender.
func (s *Sender) ResumeTo(ctx context.Context, t Transport) (int, error) {
	queued, err := s.db.QueuedChatMessages()
	if err != nil {
		return 0, fmt.Errorf("load queued messages: %w", err)
	}
	for i, msg := range queued {
		if err := t.Send(ctx, msg); err != nil {
			return i, fmt.Errorf("resume message %s: %w", msg.ID, err)
		}
	}
	if len(queued) > 0 {
		s.logger.Info("resumed queued messages", zap.Int("count", len(queued)))
	}
	return len(queued), nil
}

// OnSent records a successful transmission.
func (s *Sender) OnSent(msg store.ChatMessage) {
	if s.advance(msg.ID, msg.ConversationKey, store.ChatSent) {
		s.bus.Emit(bus.KindMessageSent, StatusChange{ID: msg.ID, ConversationKey: msg.ConversationKey, Status: store.ChatSent})
	}
}

// MarkRead reports a conversation as read.
func (s *Sender) MarkRead(ctx context.Context, conversationKey string) error {
	if s.marker == nil {
		return errors.New("mark read: no backend configured")
	}
	return s.marker.MarkRead(ctx, conversationKey)
}

// OnMessage stores a message received from the peer.
func (s *Sender) OnMessage(msg store.ChatMessage) {
	msg.FromMe = false
	if err := s.db.InsertChatMessage(&msg); err != nil {
		s.logger.Error("failed to store inbound message", zap.String("id", msg.ID), zap.Error(err))
	}
}

// OnReceipt applies a delivery or read receipt. Receipts that would move a
// message backwards are ignored.
func (s *Sender) OnReceipt(r router.Receipt) {
	s.advance(r.ID, r.ConversationKey, r.Status)
}

// OnFrame ignores frames the sender has no use for.
func (s *Sender) OnFrame(router.Frame) {}

func (s *Sender) advance(id, conversationKey string, st store.ChatStatus) bool {
	changed, err := s.db.AdvanceChatStatus(id, st)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("status update for unknown message", zap.String("id", id), zap.String("status", string(st)))
		return false
	}
	if err != nil {
		s.logger.Error("failed to advance status", zap.String("id", id), zap.Error(err))
		return false
	}
	if !changed {
		return false
	}
	s.bus.Emit(bus.KindMessageStatusChanged, StatusChange{ID: id, ConversationKey: conversationKey, Status: st})
	return true
}

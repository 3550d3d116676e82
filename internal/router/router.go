// Package router classifies inbound real-time frames and fans them out to
// registered observers. It buffers nothing: observers are called on the
// caller's goroutine, in registration order, in the order frames arrive.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imaryza/isync/internal/store"
)

// ErrMalformedFrame is returned by Route for frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType classifies an inbound frame.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameReceipt FrameType = "receipt"
	FrameTyping  FrameType = "typing"
	FrameUnknown FrameType = "unknown"
)

// Frame is a decoded inbound frame that is neither a message nor a receipt.
type Frame struct {
	Type FrameType
	Raw  json.RawMessage
}

// Receipt reports delivery progress of a previously sent message.
type Receipt struct {
	ID              string           `json:"id"`
	ConversationKey string           `json:"conversationKey,omitempty"`
	Status          store.ChatStatus `json:"status"`
}

// Observer receives routed frames. Implementations must return quickly;
// long work belongs on another goroutine.
type Observer interface {
	OnMessage(msg store.ChatMessage)
	OnReceipt(r Receipt)
	OnFrame(f Frame)
}

// ObserverFuncs adapts optional functions to the Observer interface.
type ObserverFuncs struct {
	Message func(store.ChatMessage)
	Receipt func(Receipt)
	Frame   func(Frame)
}

func (o ObserverFuncs) OnMessage(msg store.ChatMessage) {
	if o.Message != nil {
		o.Message(msg)
	}
}

func (o ObserverFuncs) OnReceipt(r Receipt) {
	if o.Receipt != nil {
		o.Receipt(r)
	}
}

func (o ObserverFuncs) OnFrame(f Frame) {
	if o.Frame != nil {
		o.Frame(f)
	}
}

// Router fans frames out to observers.
type Router struct {
	mu        sync.RWMutex
	observers []observerEntry
	next      int
}

type observerEntry struct {
	id  int
	obs Observer
}

// New creates an empty router.
func New() *Router {
	return &Router{}
}

// Subscribe registers an observer and returns a function that removes it.
func (r *Router) Subscribe(obs Observer) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.observers = append(r.observers, observerEntry{id: id, obs: obs})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.observers {
			if e.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

// Route decodes a raw frame and notifies every observer. Undecodable frames
// return an error wrapping ErrMalformedFrame and notify nobody.
func (r *Router) Route(raw []byte) error {
	kind, msg, receipt, err := decode(raw)
	if err != nil {
		return err
	}

	r.mu.RLock()
	observers := make([]Observer, len(r.observers))
	for i, e := range r.observers {
		observers[i] = e.obs
	}
	r.mu.RUnlock()

	for _, obs := range observers {
		switch kind {
		case FrameMessage:
			obs.OnMessage(msg)
		case FrameReceipt:
			obs.OnReceipt(receipt)
		default:
			obs.OnFrame(Frame{Type: kind, Raw: json.RawMessage(raw)})
		}
	}
	return nil
}

// wireFrame accepts both the typed envelope and the bare message objects the
// mobile clients exchange (bookingId instead of conversationKey, no type).
type wireFrame struct {
	Type            string     `json:"type"`
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversationKey"`
	BookingID       string     `json:"bookingId"`
	Content         *string    `json:"content"`
	Timestamp       *time.Time `json:"timestamp"`
	Status          string     `json:"status"`
}

func decode(raw []byte) (FrameType, store.ChatMessage, Receipt, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", store.ChatMessage{}, Receipt{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind := classify(w)
	key := w.ConversationKey
	if key == "" {
		key = w.BookingID
	}

	switch kind {
	case FrameMessage:
		if w.ID == "" || w.Content == nil {
			return "", store.ChatMessage{}, Receipt{}, fmt.Errorf("%w: message without id or content", ErrMalformedFrame)
		}
		msg := store.ChatMessage{
			ID:              w.ID,
			ConversationKey: key,
			Content:         *w.Content,
			Status:          store.ChatDelivered,
		}
		if w.Timestamp != nil {
			msg.Timestamp = *w.Timestamp
		} else {
			msg.Timestamp = time.Now()
		}
		if s := store.ChatStatus(w.Status); s.Valid() && s.Rank() > msg.Status.Rank() {
			msg.Status = s
		}
		return kind, msg, Receipt{}, nil
	case FrameReceipt:
		status := store.ChatStatus(w.Status)
		if w.ID == "" || !status.Valid() || status == store.ChatQueued {
			return "", store.ChatMessage{}, Receipt{}, fmt.Errorf("%w: receipt needs id and a delivery status", ErrMalformedFrame)
		}
		return kind, store.ChatMessage{}, Receipt{ID: w.ID, ConversationKey: key, Status: status}, nil
	default:
		return kind, store.ChatMessage{}, Receipt{}, nil
	}
}

func classify(w wireFrame) FrameType {
	switch FrameType(w.Type) {
	case FrameMessage, FrameReceipt, FrameTyping:
		return FrameType(w.Type)
	case "":
		if w.Content != nil {
			return FrameMessage
		}
		if w.ID != "" && w.Status != "" {
			return FrameReceipt
		}
	}
	return FrameUnknown
}

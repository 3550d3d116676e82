package daemon

import (
	"context"
	"sync"

	"github.com/imaryza/isync/internal/outbox"
	"github.com/imaryza/isync/internal/status"
	"github.com/imaryza/isync/internal/store"
	"github.com/imaryza/isync/internal/transport"
	"go.uber.org/zap"
)

// Link owns the daemon's transport client. A disconnected client cannot be
// reused, so Connect after Disconnect builds a fresh one and hands it the
// messages still stored as queued.
type Link struct {
	build  func() *transport.Client
	resume func(ctx context.Context, t outbox.Transport) (int, error)
	logger *zap.Logger

	// gate is held exclusively while stored messages are handed to a client.
	// Send waits for it so a new message cannot overtake the resumed ones.
	gate sync.RWMutex

	mu     sync.Mutex
	client *transport.Client
	// resumed holds the ids handed over by the last resume. A Send for one
	// of them that was waiting on the gate is already in the client's queue.
	resumed map[string]struct{}
	closed  bool
}

// NewLink creates a link around a client built by build.
func NewLink(build func() *transport.Client, logger *zap.Logger) *Link {
	return &Link{build: build, logger: logger, client: build()}
}

func (l *Link) current() *transport.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

// Send implements outbox.Transport.
func (l *Link) Send(ctx context.Context, msg store.ChatMessage) error {
	l.gate.RLock()
	defer l.gate.RUnlock()

	l.mu.Lock()
	c := l.client
	_, handed := l.resumed[msg.ID]
	l.mu.Unlock()
	if handed {
		return nil
	}
	return c.Send(ctx, msg)
}

// ResumeQueued hands every stored queued message to the current client.
func (l *Link) ResumeQueued(ctx context.Context) (int, error) {
	l.gate.Lock()
	defer l.gate.Unlock()
	return l.resumeInto(ctx, l.current())
}

// Connect connects the current client, replacing it first if it was closed.
func (l *Link) Connect(ctx context.Context) error {
	l.gate.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.gate.Unlock()
		return transport.ErrClosed
	}
	fresh := false
	if l.client.State().Phase == status.Closing {
		l.client = l.build()
		fresh = true
	}
	c := l.client
	l.mu.Unlock()

	if fresh {
		if n, err := l.resumeInto(ctx, c); err != nil {
			l.logger.Warn("resume after reconnect", zap.Int("resumed", n), zap.Error(err))
		}
	}
	l.gate.Unlock()
	return c.Connect(ctx)
}

// resumeInto must be called with the gate held.
func (l *Link) resumeInto(ctx context.Context, c *transport.Client) (int, error) {
	if l.resume == nil {
		return 0, nil
	}
	h := &handoff{client: c, ids: make(map[string]struct{})}
	n, err := l.resume(ctx, h)
	l.mu.Lock()
	l.resumed = h.ids
	l.mu.Unlock()
	return n, err
}

// Disconnect closes the current client.
func (l *Link) Disconnect() error {
	return l.current().Disconnect()
}

// Close disconnects for good; later Connect calls fail with
// transport.ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	c := l.client
	l.mu.Unlock()
	return c.Disconnect()
}

// State reports the current client's state.
func (l *Link) State() transport.State {
	return l.current().State()
}

// handoff passes resumed messages straight to one client and remembers them.
type handoff struct {
	client *transport.Client
	ids    map[string]struct{}
}

func (h *handoff) Send(ctx context.Context, msg store.ChatMessage) error {
	if err := h.client.Send(ctx, msg); err != nil {
		return err
	}
	h.ids[msg.ID] = struct{}{}
	return nil
}

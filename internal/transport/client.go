// Package transport maintains one logical connection to the real-time chat
// endpoint. It owns the reconnect policy and the outbound FIFO queue; inbound
// frames are handed to a FrameHandler on the read goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/status"
	"github.com/imaryza/isync/internal/store"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a client after Disconnect.
var ErrClosed = errors.New("transport: client closed")

const (
	defaultSendTimeout = 10 * time.Second
	defaultDialTimeout = 15 * time.Second
	// fallbackDelay is used when the backoff strategy gives up; the client
	// itself never stops reconnecting.
	fallbackDelay = 5 * time.Second
)

// Conn is an established bidirectional connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections to the real-time endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// FrameHandler consumes inbound frames.
type FrameHandler interface {
	Route(raw []byte) error
}

// TokenSource supplies the credential embedded in the connection URL.
type TokenSource interface {
	Token() (string, error)
}

// Options configures a Client.
type Options struct {
	Endpoint    Endpoint
	Tokens      TokenSource
	Dialer      Dialer
	Handler     FrameHandler
	Backoff     backoff.BackOff
	SendTimeout time.Duration
	DialTimeout time.Duration
	// OnSent is called after each successful transmission, in send order.
	OnSent func(store.ChatMessage)
	Bus    *bus.Bus
	Logger *zap.Logger
}

// State is a snapshot of the client's connection state.
type State struct {
	Phase              status.Phase
	Pending            int
	ReconnectScheduled bool
}

// Client is a reconnecting real-time connection with an outbound queue.
// It is safe for concurrent use.
type Client struct {
	opts    Options
	machine *status.Machine
	logger  *zap.Logger

	// mu guards everything below plus the backoff strategy.
	mu      sync.Mutex
	conn    Conn
	pending []store.ChatMessage
	timer   *time.Timer
	closed  bool

	// sendMu serializes transmissions so queued messages keep FIFO order.
	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected client. Nothing happens until Connect.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff(DefaultPolicy())
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		machine: status.NewMachine(opts.Bus, "transport"),
		logger:  opts.Logger.Named("transport"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current phase and queue length.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Phase:              c.machine.Current(),
		Pending:            len(c.pending),
		ReconnectScheduled: c.timer != nil,
	}
}

// Pending returns a copy of the outbound queue in transmission order.
func (c *Client) Pending() []store.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.ChatMessage(nil), c.pending...)
}

// Connect dials the endpoint if the client is disconnected; it is a no-op
// while connecting or connected. A failed dial schedules a reconnect and
// returns the dial error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, err := c.machine.TransitionFrom([]status.Phase{status.Disconnected}, status.Connecting); err != nil {
		c.mu.Unlock()
		return nil
	}
	// A manual connect supersedes a scheduled one.
	c.stopTimerLocked()
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		_, terr := c.machine.TransitionFrom([]status.Phase{status.Connecting}, status.Disconnected)
		c.mu.Unlock()
		if terr != nil {
			// Disconnect won the race.
			return ErrClosed
		}
		c.logger.Warn("dial failed", zap.Error(err))
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if _, err := c.machine.TransitionFrom([]status.Phase{status.Connecting}, status.Connected); err != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.opts.Backoff.Reset()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.endpointURLForLog()))
	go c.readLoop(conn)

	c.drain(c.ctx)
	return nil
}

// Send transmits msg immediately when connected and nothing is queued ahead
// of it; otherwise, or when transmission fails, msg is queued. Transient
// failures are not returned to the caller.
func (c *Client) Send(ctx context.Context, msg store.ChatMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil || len(c.pending) > 0 {
		c.pending = append(c.pending, msg)
		queued := len(c.pending)
		c.mu.Unlock()
		c.logger.Debug("message queued", zap.String("id", msg.ID), zap.Int("pending", queued))
		if conn != nil {
			c.drainLocked(ctx)
		}
		return nil
	}
	c.mu.Unlock()

	if err := c.write(ctx, conn, msg); err != nil {
		c.logger.Warn("send failed, queueing", zap.String("id", msg.ID), zap.Error(err))
		c.mu.Lock()
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return nil
	}
	c.sent(msg)
	return nil
}

// Disconnect closes the connection, cancels any scheduled reconnect and waits
// for background goroutines. The client cannot be reused afterwards.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	if err := c.machine.Transition(status.Closing); err != nil {
		c.logger.Warn("closing transition", zap.Error(err))
	}
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	c.logger.Info("disconnected", zap.Int("pending", len(c.Pending())))
	return err
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	if c.opts.Dialer == nil {
		return nil, errors.New("transport: no dialer configured")
	}
	token := ""
	if c.opts.Tokens != nil {
		t, err := c.opts.Tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		token = t
	}
	url, err := c.opts.Endpoint.URL(token)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	return c.opts.Dialer.Dial(dialCtx, url)
}

func (c *Client) readLoop(conn Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.Read(c.ctx)
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		if c.opts.Handler == nil {
			continue
		}
		if err := c.opts.Handler.Route(data); err != nil {
			c.logger.Warn("dropping inbound frame", zap.Error(err), zap.Int("bytes", len(data)))
		}
	}
}

// handleClose reacts to a connection ending without a caller-initiated
// disconnect by scheduling exactly one reconnect.
func (c *Client) handleClose(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closing := c.closed
	if !closing {
		if _, err := c.machine.TransitionFrom([]status.Phase{status.Connected}, status.Disconnected); err != nil {
			c.logger.Warn("disconnect transition", zap.Error(err))
		}
	}
	c.mu.Unlock()

	_ = conn.Close()
	if closing {
		return
	}
	c.logger.Warn("connection closed by remote", zap.Error(cause))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil {
		return
	}
	delay := c.opts.Backoff.NextBackOff()
	if delay == backoff.Stop || delay < 0 {
		delay = fallbackDelay
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() { c.reconnect(t) })
	c.timer = t
	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
}

// reconnect runs when timer t fires. A timer that is no longer the scheduled
// one was superseded by a manual Connect or a newer schedule and does nothing.
func (c *Client) reconnect(t *time.Timer) {
	c.mu.Lock()
	if c.closed || c.timer != t {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	if err := c.Connect(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) drain(ctx context.Context) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.drainLocked(ctx)
}

// drainLocked transmits queued messages in order and stops at the first
// failure, leaving the rest queued. Callers hold sendMu, so nothing else
// appends to or removes from the queue meanwhile.
func (c *Client) drainLocked(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.closed || c.conn == nil || len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		msg := c.pending[0]
		c.mu.Unlock()

		if err := c.write(ctx, conn, msg); err != nil {
			c.logger.Warn("drain stopped", zap.String("id", msg.ID), zap.Error(err))
			return
		}

		c.mu.Lock()
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.sent(msg)
	}
}

// outboundFrame is the wire shape of a chat message.
type outboundFrame struct {
	Type            string    `json:"type"`
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
}

func encodeMessage(msg store.ChatMessage) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:            "message",
		ID:              msg.ID,
		ConversationKey: msg.ConversationKey,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
	})
}

func (c *Client) write(ctx context.Context, conn Conn, msg store.ChatMessage) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

func (c *Client) sent(msg store.ChatMessage) {
	if c.opts.OnSent != nil {
		c.opts.OnSent(msg)
	}
}

func (c *Client) endpointURLForLog() string {
	u, err := c.opts.Endpoint.URL("")
	if err != nil {
		return c.opts.Endpoint.BaseURL
	}
	return redactToken(u)
}

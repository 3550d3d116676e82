package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/imaryza/isync/internal/outbox"
	"github.com/imaryza/isync/internal/status"
	"github.com/imaryza/isync/internal/store"
	"github.com/imaryza/isync/internal/transport"
	"go.uber.org/zap"
)

type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *idleConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *idleConn) Write(context.Context, []byte) error { return nil }

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type idleDialer struct{}

func (idleDialer) Dial(context.Context, string) (transport.Conn, error) {
	return &idleConn{closed: make(chan struct{})}, nil
}

func TestLinkRebuildsClosedClient(t *testing.T) {
	builds := 0
	link := NewLink(func() *transport.Client {
		builds++
		return transport.New(transport.Options{
			Endpoint: transport.Endpoint{BaseURL: "ws://example.invalid", Path: "/chat"},
			Dialer:   idleDialer{},
		})
	}, zap.NewNop())
	resumed := 0
	link.resume = func(context.Context, outbox.Transport) (int, error) {
		resumed++
		return 0, nil
	}

	ctx := context.Background()
	if err := link.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := link.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if link.State().Phase != status.Closing {
		t.Fatalf("phase = %s", link.State().Phase)
	}

	if err := link.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if link.State().Phase != status.Connected {
		t.Fatalf("phase after reconnect = %s", link.State().Phase)
	}
	if builds != 2 || resumed != 1 {
		t.Fatalf("builds = %d, resumed = %d", builds, resumed)
	}

	if err := link.Close(); err != nil {
		t.Fatal(err)
	}
	if err := link.Connect(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Connect after Close = %v", err)
	}
}

type downDialer struct{}

func (downDialer) Dial(context.Context, string) (transport.Conn, error) {
	return nil, errors.New("network unreachable")
}

func TestLinkSendDuringResumeKeepsOrderWithoutDuplicates(t *testing.T) {
	link := NewLink(func() *transport.Client {
		return transport.New(transport.Options{
			Endpoint: transport.Endpoint{BaseURL: "ws://example.invalid", Path: "/chat"},
			Dialer:   downDialer{},
			Backoff:  backoff.NewConstantBackOff(time.Hour),
		})
	}, zap.NewNop())
	t.Cleanup(func() { _ = link.Close() })

	stored := []store.ChatMessage{{ID: "q1"}, {ID: "q2"}}
	var wg sync.WaitGroup
	link.resume = func(ctx context.Context, tr outbox.Transport) (int, error) {
		// q2 was stored by a send that has not reached the link yet; q3 is
		// sent while the queued messages are being handed over.
		for _, id := range []string{"q2", "q3"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := link.Send(ctx, store.ChatMessage{ID: id}); err != nil {
					t.Error(err)
				}
			}(id)
		}
		time.Sleep(20 * time.Millisecond)
		for i, msg := range stored {
			if err := tr.Send(ctx, msg); err != nil {
				return i, err
			}
		}
		return len(stored), nil
	}

	if err := link.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := link.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded with the network down")
	}
	wg.Wait()

	var ids []string
	for _, m := range link.current().Pending() {
		ids = append(ids, m.ID)
	}
	want := []string{"q1", "q2", "q3"}
	if len(ids) != len(want) {
		t.Fatalf("pending = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("pending = %v, want %v", ids, want)
		}
	}
}

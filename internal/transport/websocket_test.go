package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/imaryza/isync/internal/router"
	"github.com/imaryza/isync/internal/store"
)

func TestWebSocketRoundTrip(t *testing.T) {
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		// Echo back as an inbound delivered message.
		_ = conn.Write(ctx, websocket.MessageText, data)
		conn.Read(ctx)
	}))
	defer srv.Close()

	r := router.New()
	got := make(chan store.ChatMessage, 1)
	r.Subscribe(router.ObserverFuncs{Message: func(m store.ChatMessage) { got <- m }})

	c := New(Options{
		Endpoint: Endpoint{BaseURL: srv.URL, Path: "/chat"},
		Tokens:   staticToken("jwt-1"),
		Dialer:   WebSocketDialer{},
		Handler:  r,
	})
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tok := <-tokens; tok != "jwt-1" {
		t.Fatalf("server saw token %q", tok)
	}
	if err := c.Send(ctx, chatMsg("m1")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-got:
		if m.ID != "m1" || m.Content != "hello m1" || m.Status != store.ChatDelivered {
			t.Fatalf("echoed message = %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("no echo received")
	}
}

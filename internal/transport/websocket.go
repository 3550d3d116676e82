package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketDialer dials the endpoint over websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps inbound frame size in bytes; zero keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", redactToken(url), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", redactToken(url), err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

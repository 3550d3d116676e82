package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint locates the real-time chat endpoint. The token travels as the
// "token" query parameter and the conversation key, when set, as "booking".
type Endpoint struct {
	BaseURL         string
	Path            string
	ConversationKey string
}

// URL builds the websocket URL for token. http and https base URLs are
// mapped to ws and wss.
func (e Endpoint) URL(token string) (string, error) {
	if e.BaseURL == "" {
		return "", fmt.Errorf("transport: empty base url")
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(e.Path, "/")

	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if e.ConversationKey != "" {
		q.Set("booking", e.ConversationKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactToken hides the token query parameter so URLs can be logged.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

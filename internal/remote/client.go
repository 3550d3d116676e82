// Package remote talks to the backend REST API on behalf of the sync engine
// and the chat sender.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imaryza/isync/internal/store"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// Client uploads documents to the backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// New creates a client for baseURL. A zero timeout means 30s.
func New(baseURL string, timeout time.Duration, tokens TokenSource, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger.Named("remote"),
	}
}

// Route returns the API path a document of the given type is posted to.
func Route(doc store.Document) (string, error) {
	switch doc.Type {
	case store.DocBooking:
		return "/bookings", nil
	case store.DocSchedule:
		return "/staff/schedule", nil
	case store.DocJobUpdate:
		var body struct {
			JobID string `json:"jobId"`
		}
		if len(doc.Payload) > 0 {
			if err := json.Unmarshal(doc.Payload, &body); err != nil {
				return "", fmt.Errorf("decode job update %s: %w", doc.ID, err)
			}
		}
		jobID := body.JobID
		if jobID == "" {
			jobID = doc.ID
		}
		return "/staff/jobs/" + url.PathEscape(jobID) + "/updates", nil
	case store.DocMessage:
		return "/chat/messages", nil
	}
	return "", fmt.Errorf("no route for document type %q", doc.Type)
}

// Upload posts the document payload to its route. The document id is sent as
// the idempotency key so a retried upload is not applied twice.
func (c *Client) Upload(ctx context.Context, doc store.Document) error {
	path, err := Route(doc)
	if err != nil {
		return &RejectedError{Op: "upload " + doc.ID, Body: err.Error()}
	}
	payload := doc.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return c.post(ctx, "upload "+string(doc.Type), path, doc.ID, payload)
}

// MarkRead tells the backend the staff member has read a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationKey string) error {
	if conversationKey == "" {
		return fmt.Errorf("mark read: empty conversation key")
	}
	path := "/staff/chat/" + url.PathEscape(conversationKey) + "/read"
	return c.post(ctx, "mark read", path, "", nil)
}

func (c *Client) post(ctx context.Context, op, path, idempotencyKey string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	correlationID := uuid.NewString()
	req.Header.Set("X-Correlation-ID", correlationID)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return &AuthError{Op: op, Err: fmt.Errorf("token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	c.logger.Debug("request finished",
		zap.String("op", op),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("correlation_id", correlationID),
		zap.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(snippet)))}
	case retryableStatus(resp.StatusCode):
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(snippet)))}
	default:
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
}

// Handlers returns upload handlers for every document type, keyed by type.
func (c *Client) Handlers() map[store.DocType]func(context.Context, store.Document) error {
	return map[store.DocType]func(context.Context, store.Document) error{
		store.DocBooking:   c.Upload,
		store.DocSchedule:  c.Upload,
		store.DocJobUpdate: c.Upload,
		store.DocMessage:   c.Upload,
	}
}

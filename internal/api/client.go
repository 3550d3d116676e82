package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client of the control service.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

// Ping reports whether the daemon is serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon not serving: %s", resp.Status)
	}
	return nil
}

func (c *Client) SaveDocument(ctx context.Context, req SaveDocumentRequest) (*Document, error) {
	var out Document
	if err := c.call(ctx, "SaveDocument", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListUnsynced(ctx context.Context, docType string) ([]Document, error) {
	var out DocumentList
	if err := c.call(ctx, "ListUnsynced", ListDocumentsRequest{Type: docType}, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) ListRejected(ctx context.Context) ([]Document, error) {
	var out DocumentList
	if err := c.call(ctx, "ListRejected", Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) Requeue(ctx context.Context, id string) error {
	return c.call(ctx, "Requeue", RequeueRequest{ID: id}, nil)
}

func (c *Client) TriggerSync(ctx context.Context) error {
	return c.call(ctx, "TriggerSync", Empty{}, nil)
}

func (c *Client) RunSync(ctx context.Context) (*PassResult, error) {
	var out PassResult
	if err := c.call(ctx, "RunSync", Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationKey, content string) (*Message, error) {
	var out Message
	if err := c.call(ctx, "SendMessage", SendMessageRequest{ConversationKey: conversationKey, Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationKey string, limit int) ([]Message, error) {
	var out MessageList
	if err := c.call(ctx, "ListMessages", ListMessagesRequest{ConversationKey: conversationKey, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationKey string) error {
	return c.call(ctx, "MarkRead", MarkReadRequest{ConversationKey: conversationKey}, nil)
}

func (c *Client) Connect(ctx context.Context) (*LinkState, error) {
	var out LinkState
	if err := c.call(ctx, "Connect", Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Disconnect(ctx context.Context) (*LinkState, error) {
	var out LinkState
	if err := c.call(ctx, "Disconnect", Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.call(ctx, "Status", Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchEvents streams events whose kind starts with prefix to fn until ctx is
// done, the daemon ends the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	in, err := encode(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

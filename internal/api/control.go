// Package api implements the daemon control service that isyncctl talks to
// over the session's unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/outbox"
	"github.com/imaryza/isync/internal/store"
	intsync "github.com/imaryza/isync/internal/sync"
	"github.com/imaryza/isync/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultMessageLimit = 50

// Syncer runs sync passes.
type Syncer interface {
	TriggerSync()
	RunPass(ctx context.Context) (intsync.PassResult, error)
	Registered(t store.DocType) bool
}

// ChatSender sends chat messages and read markers.
type ChatSender interface {
	Send(ctx context.Context, conversationKey, content string) (*store.ChatMessage, error)
	MarkRead(ctx context.Context, conversationKey string) error
}

// Link controls the real-time connection.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() transport.State
}

// Deps are the collaborators of the control service.
type Deps struct {
	Session     string
	DB          *store.DB
	Syncer      Syncer
	Sender      ChatSender
	Link        Link
	Bus         *bus.Bus
	Reconciler  *intsync.Reconciler
	TokenExpiry func() time.Time
	Logger      *zap.Logger
}

// Control implements ControlServer.
type Control struct {
	Deps
	startedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewControl creates the control service.
func NewControl(d Deps) *Control {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	return &Control{Deps: d, startedAt: time.Now(), done: make(chan struct{})}
}

// Close ends open event streams so the server can stop gracefully.
func (c *Control) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

var _ ControlServer = (*Control)(nil)

func (c *Control) SaveDocument(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SaveDocumentRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.Type == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "document type is required")
	}
	if req.Payload != "" && !json.Valid([]byte(req.Payload)) {
		return nil, grpcstatus.Error(codes.InvalidArgument, "payload is not valid JSON")
	}

	doc := &store.Document{ID: req.ID, Type: store.DocType(req.Type), Payload: json.RawMessage(req.Payload)}
	if err := c.DB.PutDocument(doc); err != nil {
		return nil, toStatus(err, "save document")
	}
	if !c.Syncer.Registered(doc.Type) {
		c.Logger.Warn("saved document has no upload handler and will be rejected",
			zap.String("id", doc.ID), zap.String("type", string(doc.Type)))
	}
	c.Bus.Emit(bus.KindDocumentSaved, documentFromStore(doc))
	return encode(documentFromStore(doc))
}

func (c *Control) ListUnsynced(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListDocumentsRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	var types []store.DocType
	if req.Type != "" {
		types = append(types, store.DocType(req.Type))
	}
	docs, err := c.DB.QueryUnsynced(types...)
	if err != nil {
		return nil, toStatus(err, "list unsynced")
	}
	return encode(documentList(docs))
}

func (c *Control) ListRejected(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	docs, err := c.DB.ListRejected()
	if err != nil {
		return nil, toStatus(err, "list rejected")
	}
	return encode(documentList(docs))
}

func (c *Control) Requeue(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RequeueRequest
	if err := decode(in, &req); err != nil || req.ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "document id is required")
	}
	if err := c.DB.Requeue(req.ID); err != nil {
		return nil, toStatus(err, "requeue")
	}
	c.Syncer.TriggerSync()
	return encode(Empty{})
}

func (c *Control) TriggerSync(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	c.Syncer.TriggerSync()
	return encode(Empty{})
}

func (c *Control) RunSync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := c.Syncer.RunPass(ctx)
	if err != nil {
		return nil, toStatus(err, "run sync")
	}
	return encode(passFromEngine(res))
}

func (c *Control) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendMessageRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.ConversationKey == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation key is required")
	}
	msg, err := c.Sender.Send(ctx, req.ConversationKey, req.Content)
	if err != nil {
		return nil, toStatus(err, "send message")
	}
	return encode(messageFromStore(msg))
}

func (c *Control) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListMessagesRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.ConversationKey == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation key is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	msgs, err := c.DB.ListChatMessages(req.ConversationKey, limit)
	if err != nil {
		return nil, toStatus(err, "list messages")
	}
	out := MessageList{Messages: make([]Message, 0, len(msgs))}
	for i := range msgs {
		out.Messages = append(out.Messages, messageFromStore(&msgs[i]))
	}
	return encode(out)
}

func (c *Control) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkReadRequest
	if err := decode(in, &req); err != nil || req.ConversationKey == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation key is required")
	}
	if err := c.Sender.MarkRead(ctx, req.ConversationKey); err != nil {
		return nil, toStatus(err, "mark read")
	}
	return encode(Empty{})
}

func (c *Control) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := c.Link.Connect(ctx); err != nil {
		// A failed dial has already scheduled a retry; report state, not failure.
		c.Logger.Warn("connect failed", zap.Error(err))
		if errors.Is(err, transport.ErrClosed) {
			return nil, toStatus(err, "connect")
		}
	}
	return encode(linkState(c.Link.State()))
}

func (c *Control) Disconnect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := c.Link.Disconnect(); err != nil {
		c.Logger.Warn("disconnect", zap.Error(err))
	}
	return encode(linkState(c.Link.State()))
}

func (c *Control) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := c.DB.DocumentStats()
	if err != nil {
		return nil, toStatus(err, "document stats")
	}
	resp := StatusResponse{
		Session:   c.Session,
		StartedAt: c.startedAt,
		UptimeMs:  time.Since(c.startedAt).Milliseconds(),
		Link:      linkState(c.Link.State()),
		Documents: DocumentCounts{
			Total:    stats.Total,
			Synced:   stats.Synced,
			Unsynced: stats.Unsynced,
			Rejected: stats.Rejected,
		},
	}
	if c.Reconciler != nil {
		if last, ok, err := c.Reconciler.LastPass(); err == nil && ok {
			resp.LastPass = &LastPass{At: last.At, Synced: last.Synced, Failed: last.Failed}
		}
	}
	if c.TokenExpiry != nil {
		if exp := c.TokenExpiry(); !exp.IsZero() {
			resp.TokenExpiry = &exp
		}
	}
	return encode(resp)
}

func (c *Control) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	ch, unsub := c.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out := Event{Session: c.Session, Kind: evt.Kind, Timestamp: evt.Timestamp}
			if evt.Payload != nil {
				data, err := json.Marshal(evt.Payload)
				if err != nil {
					c.Logger.Debug("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				} else {
					out.Payload = data
				}
			}
			msg, err := encode(out)
			if err != nil {
				return grpcstatus.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-c.done:
			return nil
		}
	}
}

func documentList(docs []store.Document) DocumentList {
	out := DocumentList{Documents: make([]Document, 0, len(docs))}
	for i := range docs {
		out.Documents = append(out.Documents, documentFromStore(&docs[i]))
	}
	return out
}

func linkState(s transport.State) LinkState {
	return LinkState{Phase: string(s.Phase), Pending: s.Pending, ReconnectScheduled: s.ReconnectScheduled}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error, op string) error {
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, store.ErrTypeChanged):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, transport.ErrClosed), errors.Is(err, intsync.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

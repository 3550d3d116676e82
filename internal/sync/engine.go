package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/status"
	"github.com/imaryza/isync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrStopped is returned by RunPass once the engine has been stopped.
var ErrStopped = errors.New("sync engine stopped")

const (
	passKey         = "pass"
	defaultInterval = 30 * time.Second
	// maxFollowUps bounds the extra passes run for documents rewritten while
	// their previous revision was uploading.
	maxFollowUps = 3
)

// Handler uploads one document. A nil error means the backend accepted it.
// Errors wrapped with Permanent reject the document instead of retrying it.
type Handler func(ctx context.Context, doc store.Document) error

// PassResult summarizes one sync pass.
type PassResult struct {
	Started    time.Time
	Duration   time.Duration
	Considered int
	Synced     int
	Failed     int
	Rejected   int
	// Superseded counts uploads whose document was rewritten meanwhile; the
	// newer revision stays unsynced and is picked up by a follow-up pass.
	Superseded int
	// Unauthorized is set when the backend refused the credentials and the
	// pass stopped early.
	Unauthorized bool
}

func (r *PassResult) add(o PassResult) {
	r.Considered += o.Considered
	r.Synced += o.Synced
	r.Failed += o.Failed
	r.Rejected += o.Rejected
	r.Superseded = o.Superseded
	r.Unauthorized = o.Unauthorized
}

// DocumentOutcome is the payload of per-document sync events.
type DocumentOutcome struct {
	ID    string
	Type  store.DocType
	Error string
}

// Engine uploads unsynced documents through per-type handlers. At most one
// pass runs at a time; triggers that arrive during a pass join it.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	rec      *Reconciler
	interval time.Duration

	group singleflight.Group

	mu       stdsync.RWMutex
	handlers map[store.DocType]Handler
	stopped  bool
	passes   stdsync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a sync engine. interval is the periodic trigger period
// used by Start; zero means 30s.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		db:       db,
		bus:      b,
		logger:   logger.Named("sync"),
		rec:      NewReconciler(db, logger),
		interval: interval,
		handlers: make(map[store.DocType]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register installs the upload handler for a document type, replacing any
// previous one.
func (e *Engine) Register(t store.DocType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// Registered reports whether a handler exists for t.
func (e *Engine) Registered(t store.DocType) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[t] != nil
}

// Reconciler returns the checkpoint recorder used by the engine.
func (e *Engine) Reconciler() *Reconciler {
	return e.rec
}

// TriggerSync starts a pass in the background unless one is already running,
// in which case the trigger collapses into it. It never blocks or fails.
func (e *Engine) TriggerSync() {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return
	}
	e.group.DoChan(passKey, e.flight)
}

// RunPass runs a pass, or joins the running one, and waits for its result.
// The pass itself belongs to the engine: when ctx ends first RunPass returns
// ctx.Err() and the pass carries on over its snapshot.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	ch := e.group.DoChan(passKey, e.flight)
	select {
	case r := <-ch:
		res, _ := r.Val.(PassResult)
		return res, r.Err
	case <-ctx.Done():
		return PassResult{}, ctx.Err()
	}
}

// flight is the body shared by every caller of one single-flight pass. It
// re-runs the pass when uploads were superseded so rewritten documents do not
// wait for the next trigger.
func (e *Engine) flight() (any, error) {
	res, err := e.runPass()
	for i := 0; err == nil && res.Superseded > 0 && !res.Unauthorized && i < maxFollowUps; i++ {
		e.logger.Debug("documents rewritten during upload, running follow-up pass", zap.Int("superseded", res.Superseded))
		var next PassResult
		next, err = e.runPass()
		res.add(next)
	}
	if err != nil && !errors.Is(err, ErrStopped) {
		e.logger.Error("sync pass failed", zap.Error(err))
	}
	if !res.Started.IsZero() {
		res.Duration = time.Since(res.Started)
	}
	return res, err
}

// Start launches the periodic trigger. Passes also run once at start, when
// the transport reaches Connected and when a document is saved.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.done = make(chan struct{})

	var transportCh, docCh <-chan bus.Event
	unsubs := []func(){cancel}
	if e.bus != nil {
		var unsub func()
		transportCh, unsub = e.bus.Subscribe("transport.", 16)
		unsubs = append(unsubs, unsub)
		docCh, unsub = e.bus.Subscribe("document.", 64)
		unsubs = append(unsubs, unsub)
	}
	ticker := time.NewTicker(e.interval)

	go func() {
		defer close(e.done)
		defer ticker.Stop()
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()

		e.TriggerSync()
		for {
			select {
			case <-ticker.C:
				e.TriggerSync()
			case evt := <-transportCh:
				if pc, ok := evt.Payload.(status.PhaseChange); ok && pc.To == status.Connected {
					e.logger.Debug("connectivity regained, triggering sync")
					e.TriggerSync()
				}
			case <-docCh:
				e.TriggerSync()
			case <-ctx.Done():
				return
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the periodic trigger and refuses new passes. Shutdown is the only
// thing that cuts a running pass short: its upload is cancelled, the pass ends
// before the next document, and Stop waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	if e.done != nil {
		<-e.done
	}
	e.passes.Wait()
}

func (e *Engine) runPass() (PassResult, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return PassResult{}, ErrStopped
	}
	e.passes.Add(1)
	e.mu.Unlock()
	defer e.passes.Done()

	res := PassResult{Started: time.Now()}
	e.bus.Emit(bus.KindSyncPassStarted, nil)

	docs, err := e.db.QueryUnsynced()
	if err != nil {
		return res, fmt.Errorf("snapshot unsynced documents: %w", err)
	}
	res.Considered = len(docs)

	for i, doc := range docs {
		if e.ctx.Err() != nil {
			e.logger.Info("sync pass interrupted by shutdown", zap.Int("remaining", len(docs)-i))
			break
		}
		if !e.syncDocument(doc, &res) {
			e.logger.Warn("backend refused credentials, pass stopped until the token changes",
				zap.Int("remaining", len(docs)-i-1))
			res.Unauthorized = true
			break
		}
	}

	res.Duration = time.Since(res.Started)
	if err := e.rec.RecordPass(res); err != nil {
		e.logger.Warn("failed to record pass checkpoint", zap.Error(err))
	}
	e.bus.Emit(bus.KindSyncPassFinished, res)
	if res.Considered > 0 {
		e.logger.Info("sync pass finished",
			zap.Int("considered", res.Considered),
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
			zap.Int("rejected", res.Rejected),
			zap.Int("superseded", res.Superseded),
			zap.Duration("elapsed", res.Duration),
		)
	}
	return res, nil
}

// syncDocument uploads one document and records the outcome against the
// revision that was uploaded. It returns false when the failure concerns the
// credentials rather than the document, so the rest of the pass is pointless.
func (e *Engine) syncDocument(doc store.Document, res *PassResult) bool {
	e.mu.RLock()
	h := e.handlers[doc.Type]
	e.mu.RUnlock()

	if h == nil {
		e.reject(doc, fmt.Sprintf("no upload handler for type %q", doc.Type), res)
		return true
	}

	if err := callHandler(e.ctx, h, doc); err != nil {
		if e.ctx.Err() != nil {
			// Shutdown, not the document's fault.
			return true
		}
		if isPermanent(err) {
			e.reject(doc, err.Error(), res)
			return true
		}
		res.Failed++
		if rerr := e.db.RecordAttempt(doc.ID, doc.Revision, err); rerr != nil {
			e.logger.Error("failed to record attempt", zap.String("id", doc.ID), zap.Error(rerr))
		}
		e.logger.Warn("document upload failed", zap.String("id", doc.ID), zap.String("type", string(doc.Type)), zap.Error(err))
		e.bus.Emit(bus.KindSyncDocumentFailed, DocumentOutcome{ID: doc.ID, Type: doc.Type, Error: err.Error()})
		return !isAuthFailure(err)
	}

	if err := e.db.MarkSynced(doc.ID, doc.Revision); err != nil {
		if errors.Is(err, store.ErrSuperseded) {
			res.Superseded++
			e.logger.Debug("document rewritten during upload", zap.String("id", doc.ID), zap.Int64("revision", doc.Revision))
			return true
		}
		// Uploaded but not recorded: the next pass re-uploads under the same
		// idempotency key.
		res.Failed++
		e.logger.Error("failed to mark synced", zap.String("id", doc.ID), zap.Error(err))
		return true
	}
	res.Synced++
	e.bus.Emit(bus.KindSyncDocumentSynced, DocumentOutcome{ID: doc.ID, Type: doc.Type})
	return true
}

func (e *Engine) reject(doc store.Document, reason string, res *PassResult) {
	if err := e.db.MarkRejected(doc.ID, doc.Revision, reason); err != nil {
		if errors.Is(err, store.ErrSuperseded) {
			res.Superseded++
			return
		}
		e.logger.Error("failed to mark rejected", zap.String("id", doc.ID), zap.Error(err))
	}
	res.Rejected++
	e.logger.Warn("document rejected", zap.String("id", doc.ID), zap.String("type", string(doc.Type)), zap.String("reason", reason))
	e.bus.Emit(bus.KindSyncDocumentRejected, DocumentOutcome{ID: doc.ID, Type: doc.Type, Error: reason})
}

func callHandler(ctx context.Context, h Handler, doc store.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, doc)
}

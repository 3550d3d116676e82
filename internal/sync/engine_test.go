package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/status"
	"github.com/imaryza/isync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func putDoc(t *testing.T, db *store.DB, id string, typ store.DocType) {
	t.Helper()
	if err := db.PutDocument(&store.Document{ID: id, Type: typ, Payload: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatal(err)
	}
}

// counter records handler invocations per document id.
type counter struct {
	mu    stdsync.Mutex
	calls map[string]int
}

func newCounter() *counter { return &counter{calls: make(map[string]int)} }

func (c *counter) handler(fail func(id string) error, delay time.Duration) Handler {
	return func(ctx context.Context, doc store.Document) error {
		c.mu.Lock()
		c.calls[doc.ID]++
		c.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if fail != nil {
			return fail(doc.ID)
		}
		return nil
	}
}

func (c *counter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func unsyncedCount(t *testing.T, db *store.DB) int {
	t.Helper()
	docs, err := db.QueryUnsynced()
	if err != nil {
		t.Fatal(err)
	}
	return len(docs)
}

func TestRunPassIsIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, 0)
	c := newCounter()
	e.Register(store.DocBooking, c.handler(nil, 0))
	e.Register(store.DocSchedule, c.handler(nil, 0))

	putDoc(t, db, "a", store.DocBooking)
	putDoc(t, db, "b", store.DocSchedule)
	putDoc(t, db, "c", store.DocBooking)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Considered != 3 || res.Synced != 3 {
		t.Fatalf("first pass = %+v", res)
	}

	res, err = e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Considered != 0 {
		t.Fatalf("second pass considered %d documents", res.Considered)
	}
	for _, id := range []string{"a", "b", "c"} {
		if n := c.count(id); n != 1 {
			t.Errorf("handler called %d times for %s", n, id)
		}
	}
}

func TestTriggerSyncIsSingleFlight(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, 0)
	defer e.Stop()
	c := newCounter()
	e.Register(store.DocBooking, c.handler(nil, 500*time.Millisecond))

	putDoc(t, db, "a", store.DocBooking)

	e.TriggerSync()
	time.Sleep(5 * time.Millisecond)
	e.TriggerSync()

	waitFor(t, "document synced", func() bool { return unsyncedCount(t, db) == 0 })
	time.Sleep(100 * time.Millisecond)
	if n := c.count("a"); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
}

func TestRunPassJoinsRunningPass(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), nil, 0)
	c := newCounter()
	e.Register(store.DocBooking, c.handler(nil, 200*time.Millisecond))
	putDoc(t, db, "a", store.DocBooking)

	var wg stdsync.WaitGroup
	results := make([]PassResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = e.RunPass(context.Background())
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if c.count("a") != 1 {
		t.Fatalf("handler called %d times", c.count("a"))
	}
	if results[0].Synced != 1 || results[1].Synced != 1 {
		t.Fatalf("joined caller did not share result: %+v", results)
	}
}

func TestFailureIsolation(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe("sync.document_", 16)
	defer unsub()

	e := NewEngine(db, b, nil, 0)
	c := newCounter()
	e.Register(store.DocBooking, c.handler(func(id string) error {
		if id == "b" {
			return errors.New("503 service unavailable")
		}
		return nil
	}, 0))

	putDoc(t, db, "a", store.DocBooking)
	putDoc(t, db, "b", store.DocBooking)
	putDoc(t, db, "c", store.DocBooking)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 2 || res.Failed != 1 {
		t.Fatalf("pass = %+v", res)
	}

	docs, err := db.QueryUnsynced()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("unsynced = %+v", docs)
	}
	if docs[0].Attempts != 1 || docs[0].LastError == "" {
		t.Errorf("attempt not recorded: %+v", docs[0])
	}

	kinds := map[string]int{}
	for len(events) > 0 {
		kinds[(<-events).Kind]++
	}
	if kinds[bus.KindSyncDocumentSynced] != 2 || kinds[bus.KindSyncDocumentFailed] != 1 {
		t.Errorf("events = %v", kinds)
	}

	// Retried on the next pass.
	if _, err := e.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.count("b") != 2 {
		t.Errorf("failed document not retried: %d calls", c.count("b"))
	}
}

func TestPermanentFailureRejects(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	c := newCounter()
	e.Register(store.DocBooking, c.handler(func(string) error {
		return Permanent(errors.New("slot no longer exists"))
	}, 0))
	putDoc(t, db, "a", store.DocBooking)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 1 {
		t.Fatalf("pass = %+v", res)
	}
	if unsyncedCount(t, db) != 0 {
		t.Fatal("rejected document still pending")
	}
	doc, err := db.GetDocument("a")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Synced || !doc.Rejected() || doc.RejectReason != "slot no longer exists" {
		t.Fatalf("doc = %+v", doc)
	}

	if _, err := e.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.count("a") != 1 {
		t.Fatal("rejected document was retried")
	}
}

func TestUnregisteredTypeRejected(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	e.Register(store.DocBooking, newCounter().handler(nil, 0))
	putDoc(t, db, "m", store.DocMessage)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 1 {
		t.Fatalf("pass = %+v", res)
	}
	rejected, err := db.ListRejected()
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 1 || rejected[0].RejectReason != `no upload handler for type "message"` {
		t.Fatalf("rejected = %+v", rejected)
	}

	// Once a handler exists the document can be requeued and synced.
	c := newCounter()
	e.Register(store.DocMessage, c.handler(nil, 0))
	if err := db.Requeue("m"); err != nil {
		t.Fatal(err)
	}
	if res, _ := e.RunPass(context.Background()); res.Synced != 1 {
		t.Fatalf("requeued pass = %+v", res)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	e.Register(store.DocBooking, func(ctx context.Context, doc store.Document) error {
		if doc.ID == "a" {
			panic("boom")
		}
		return nil
	})
	putDoc(t, db, "a", store.DocBooking)
	putDoc(t, db, "b", store.DocBooking)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 1 || res.Failed != 1 {
		t.Fatalf("pass = %+v", res)
	}
}

func TestRunPassRecordsCheckpoints(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	if _, ok, err := e.Reconciler().LastPass(); err != nil || ok {
		t.Fatalf("LastPass before any pass: ok=%v err=%v", ok, err)
	}

	e.Register(store.DocBooking, newCounter().handler(func(id string) error {
		if id == "b" {
			return errors.New("timeout")
		}
		return nil
	}, 0))
	putDoc(t, db, "a", store.DocBooking)
	putDoc(t, db, "b", store.DocBooking)
	if _, err := e.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	last, ok, err := e.Reconciler().LastPass()
	if err != nil || !ok {
		t.Fatalf("LastPass: ok=%v err=%v", ok, err)
	}
	if last.Synced != 1 || last.Failed != 1 || last.At.IsZero() {
		t.Fatalf("last = %+v", last)
	}
}

func TestStartTriggersOnConnectivity(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, nil, time.Hour)
	c := newCounter()
	e.Register(store.DocBooking, c.handler(nil, 0))
	putDoc(t, db, "a", store.DocBooking)

	e.Start(context.Background())
	defer e.Stop()
	waitFor(t, "initial pass", func() bool { return unsyncedCount(t, db) == 0 })

	putDoc(t, db, "b", store.DocBooking)
	b.Emit(bus.KindTransportPhase, status.PhaseChange{Source: "transport", From: status.Connecting, To: status.Connected})
	waitFor(t, "pass on connect", func() bool { return unsyncedCount(t, db) == 0 })

	putDoc(t, db, "c", store.DocBooking)
	b.Emit(bus.KindDocumentSaved, "c")
	waitFor(t, "pass on save", func() bool { return unsyncedCount(t, db) == 0 })
}

func TestStopRejectsFurtherPasses(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	e.Stop()
	if _, err := e.RunPass(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("RunPass after Stop = %v", err)
	}
	e.TriggerSync()
}

func TestRewriteDuringUploadIsUploadedToo(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)

	var mu stdsync.Mutex
	var uploaded []string
	e.Register(store.DocBooking, func(ctx context.Context, doc store.Document) error {
		mu.Lock()
		uploaded = append(uploaded, string(doc.Payload))
		first := len(uploaded) == 1
		mu.Unlock()
		if first {
			// The user edits the booking while the first version is in flight.
			if err := db.PutDocument(&store.Document{ID: doc.ID, Type: doc.Type, Payload: json.RawMessage(`{"n":2}`)}); err != nil {
				t.Error(err)
			}
		}
		return nil
	})
	putDoc(t, db, "b1", store.DocBooking)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(uploaded) != 2 || uploaded[0] != `{"n":1}` || uploaded[1] != `{"n":2}` {
		t.Fatalf("uploaded = %v, want both revisions in order", uploaded)
	}
	if res.Synced != 1 {
		t.Errorf("pass = %+v, want the rewritten revision synced", res)
	}
	doc, err := db.GetDocument("b1")
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Synced || string(doc.Payload) != `{"n":2}` || doc.Revision != 2 {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestRejectionOfOldRevisionKeepsRewrite(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)

	calls := 0
	e.Register(store.DocBooking, func(ctx context.Context, doc store.Document) error {
		calls++
		if calls == 1 {
			if err := db.PutDocument(&store.Document{ID: doc.ID, Type: doc.Type, Payload: json.RawMessage(`{"n":2}`)}); err != nil {
				t.Error(err)
			}
			return Permanent(errors.New("HTTP 422"))
		}
		return nil
	})
	putDoc(t, db, "b1", store.DocBooking)

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 0 || res.Synced != 1 {
		t.Fatalf("pass = %+v", res)
	}
	doc, err := db.GetDocument("b1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Rejected() || !doc.Synced {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestCallerCancellationDoesNotCutPass(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newCounter()
	e.Register(store.DocBooking, func(hctx context.Context, doc store.Document) error {
		if doc.ID == "d1" {
			cancel()
		}
		return c.handler(nil, 10*time.Millisecond)(hctx, doc)
	})
	for _, id := range []string{"d1", "d2", "d3"} {
		putDoc(t, db, id, store.DocBooking)
	}

	if _, err := e.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("RunPass = %v", err)
	}
	waitFor(t, "pass to finish its snapshot", func() bool { return unsyncedCount(t, db) == 0 })
	for _, id := range []string{"d1", "d2", "d3"} {
		if n := c.count(id); n != 1 {
			t.Errorf("%s uploaded %d times, want 1", id, n)
		}
	}
}

func TestRunPassJoiningTriggeredPassReturnsOnDeadline(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)
	defer e.Stop()
	c := newCounter()
	e.Register(store.DocBooking, c.handler(nil, 300*time.Millisecond))
	putDoc(t, db, "a", store.DocBooking)
	putDoc(t, db, "b", store.DocBooking)

	e.TriggerSync()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := e.RunPass(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunPass = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("RunPass waited %s past its deadline", elapsed)
	}

	waitFor(t, "triggered pass to finish", func() bool { return unsyncedCount(t, db) == 0 })
	if c.count("a") != 1 || c.count("b") != 1 {
		t.Fatalf("calls a=%d b=%d", c.count("a"), c.count("b"))
	}
}

type unauthorized struct{}

func (unauthorized) Error() string     { return "HTTP 401" }
func (unauthorized) AuthFailure() bool { return true }

func TestAuthFailureStopsPassWithoutRejecting(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, 0)

	var mu stdsync.Mutex
	tokenValid := false
	c := newCounter()
	e.Register(store.DocBooking, c.handler(func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if !tokenValid {
			return fmt.Errorf("upload booking: %w", unauthorized{})
		}
		return nil
	}, 0))
	for _, id := range []string{"a", "b", "c"} {
		putDoc(t, db, id, store.DocBooking)
	}

	res, err := e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unauthorized || res.Failed != 1 || res.Rejected != 0 {
		t.Fatalf("pass = %+v", res)
	}
	if c.count("b") != 0 || c.count("c") != 0 {
		t.Fatal("pass kept uploading after the credentials were refused")
	}
	if n := unsyncedCount(t, db); n != 3 {
		t.Fatalf("unsynced = %d, want 3", n)
	}

	mu.Lock()
	tokenValid = true
	mu.Unlock()
	res, err = e.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 3 {
		t.Fatalf("pass after token refresh = %+v", res)
	}
}

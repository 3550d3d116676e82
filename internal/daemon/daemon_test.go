package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/imaryza/isync/internal/api"
	"github.com/imaryza/isync/internal/config"
	"github.com/imaryza/isync/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// backend fakes the REST API and the chat websocket.
type backend struct {
	mu      sync.Mutex
	uploads map[string]string // idempotency key -> path
	frames  []map[string]any
	tokens  []string

	rest *httptest.Server
	ws   *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{uploads: make(map[string]string)}
	b.rest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.uploads[r.Header.Get("Idempotency-Key")] = r.URL.Path
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	b.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.tokens = append(b.tokens, r.URL.Query().Get("token"))
		b.mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			b.mu.Lock()
			b.frames = append(b.frames, frame)
			b.mu.Unlock()
			receipt, _ := json.Marshal(map[string]any{
				"type":   "receipt",
				"id":     frame["id"],
				"status": "delivered",
			})
			if err := conn.Write(ctx, websocket.MessageText, receipt); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		b.ws.Close()
		b.rest.Close()
	})
	return b
}

func (b *backend) uploadPath(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uploads[key]
}

func (b *backend) frameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// shortHome keeps socket paths under the 104-char Unix socket limit on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "isync-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("ISYNC_HOME", dir)
	return dir
}

func testConfig(b *backend) *config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = b.rest.URL
	cfg.Realtime.URL = b.ws.URL
	cfg.Realtime.AutoConnect = true
	cfg.Realtime.Reconnect.Policy = "fixed"
	cfg.Realtime.Reconnect.InitialInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Sync.Interval = config.Duration{Duration: time.Hour}
	cfg.Log.Level = "debug"
	return cfg
}

func writeToken(t *testing.T, name, token string) {
	t.Helper()
	if err := os.MkdirAll(session.Dir(name), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(session.TokenPath(name), []byte(token), 0600); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonEndToEnd(t *testing.T) {
	shortHome(t)
	be := newBackend(t)
	writeToken(t, "test", "tok-1")

	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{SessionName: "test", Config: testConfig(be)}),
	)
	app.RequireStart()
	defer app.RequireStop()

	client, err := api.Dial(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitFor(t, "daemon serving", func() bool { return client.Ping(ctx) == nil })

	doc, err := client.SaveDocument(ctx, api.SaveDocumentRequest{Type: "booking", Payload: `{"slot":"09:00"}`})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	// A save landing during the startup pass collapses into it, so keep triggering.
	waitFor(t, "document upload", func() bool {
		if be.uploadPath(doc.ID) == "/bookings" {
			return true
		}
		_ = client.TriggerSync(ctx)
		return false
	})
	waitFor(t, "document marked synced", func() bool {
		docs, err := client.ListUnsynced(ctx, "")
		return err == nil && len(docs) == 0
	})

	// Sending a chat message reaches the websocket and the receipt comes back.
	msg, err := client.SendMessage(ctx, "bk-1", "on my way")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "frame on websocket", func() bool { return be.frameCount() == 1 })
	waitFor(t, "delivered receipt applied", func() bool {
		msgs, err := client.ListMessages(ctx, "bk-1", 10)
		return err == nil && len(msgs) == 1 && msgs[0].ID == msg.ID && msgs[0].Status == "delivered"
	})

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Session != "test" || st.Link.Phase != "CONNECTED" || st.Documents.Synced != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.LastPass == nil {
		t.Error("status has no last pass")
	}

	be.mu.Lock()
	if len(be.tokens) == 0 || be.tokens[0] != "tok-1" {
		t.Errorf("websocket tokens = %v", be.tokens)
	}
	be.mu.Unlock()

	err = client.Requeue(ctx, "missing")
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("Requeue(missing) = %v, want NotFound", err)
	}
}

func TestDaemonDisconnectAndReconnect(t *testing.T) {
	shortHome(t)
	be := newBackend(t)
	writeToken(t, "test", "tok-1")

	app := fxtest.New(t, fx.NopLogger, Module(Params{SessionName: "test", Config: testConfig(be)}))
	app.RequireStart()
	defer app.RequireStop()

	client, err := api.Dial(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	waitFor(t, "connected", func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Link.Phase == "CONNECTED"
	})

	state, err := client.Disconnect(ctx)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if state.Phase != "CLOSING" {
		t.Fatalf("phase after disconnect = %s", state.Phase)
	}

	// Messages sent while disconnected stay queued and go out on connect.
	if _, err := client.SendMessage(ctx, "bk-1", "later"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if be.frameCount() != 0 {
		t.Fatal("message sent while disconnected")
	}

	if _, err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "queued message flushed", func() bool { return be.frameCount() == 1 })
}

func TestEventsAreStreamed(t *testing.T) {
	shortHome(t)
	be := newBackend(t)

	app := fxtest.New(t, fx.NopLogger, Module(Params{SessionName: "test", Config: testConfig(be)}))
	app.RequireStart()
	defer app.RequireStop()

	client, err := api.Dial(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitFor(t, "daemon serving", func() bool { return client.Ping(ctx) == nil })

	events := make(chan api.Event, 16)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		_ = client.WatchEvents(watchCtx, "document.", func(e api.Event) error {
			events <- e
			return nil
		})
	}()

	// The stream is established asynchronously; keep saving until an event arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-events:
			if e.Kind != "document.saved" || e.Session != "test" || len(e.Payload) == 0 {
				t.Fatalf("event = %+v", e)
			}
			return
		case <-tick.C:
			if _, err := client.SaveDocument(ctx, api.SaveDocumentRequest{Type: "schedule", Payload: `{}`}); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no event streamed")
		}
	}
}

func TestSecondDaemonRefusedByLock(t *testing.T) {
	home := shortHome(t)
	be := newBackend(t)
	cfg := testConfig(be)
	cfg.Realtime.AutoConnect = false

	first := fxtest.New(t, fx.NopLogger, Module(Params{SessionName: "test", Config: cfg}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "other.sock"),
		Config:      cfg,
	}))
	if second.Err() == nil {
		t.Fatal("second daemon started on a locked session")
	}
}

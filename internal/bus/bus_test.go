package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindTransportPhase, Timestamp: time.Now(), Payload: "CONNECTED"})

	select {
	case evt := <-ch:
		if evt.Kind != KindTransportPhase {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTransportPhase)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Emit(KindChatMessage, nil)
	b.Emit(KindSyncPassStarted, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindSyncPassStarted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSyncPassStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the chat event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	before := time.Now()
	b.Emit(KindDocumentSaved, "b1")
	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v before publish time %v", evt.Timestamp, before)
	}
	if evt.Payload != "b1" {
		t.Errorf("payload = %v, want b1", evt.Payload)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()
	unsub()

	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	b.Emit(KindChatFrame, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Emit(KindMessageQueued, nil)
	// This should be dropped (non-blocking).
	b.Emit(KindMessageSent, nil)

	evt := <-ch
	if evt.Kind != KindMessageQueued {
		t.Errorf("got %q, want %s", evt.Kind, KindMessageQueued)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(KindSyncPassStarted, nil)
}

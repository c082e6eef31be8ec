package replay

import (
	"testing"
	"time"
)

func TestSubscriberAppendsAndBoundsBuffers(t *testing.T) {
	store := NewStore(3, time.Hour)
	sub := store.Subscriber()

	sub.OnStart("e1")
	for i := 0; i < 5; i++ {
		sub.OnData("e1", []byte("chunk"), false)
	}

	entries := store.GetLatestBuffers("e1", 10)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (bounded by maxBuffers)", len(entries))
	}
	if entries[0].Sequence != 2 {
		t.Fatalf("expected oldest surviving sequence 2, got %d", entries[0].Sequence)
	}
}

func TestGetBuffersFromSequence(t *testing.T) {
	store := NewStore(100, time.Hour)
	sub := store.Subscriber()
	sub.OnStart("e1")
	for i := 0; i < 5; i++ {
		sub.OnData("e1", []byte("x"), false)
	}

	entries := store.GetBuffersFromSequence("e1", 3, 0)
	if len(entries) != 2 {
		t.Fatalf("got %d entries from sequence 3, want 2", len(entries))
	}
	if entries[0].Sequence != 3 {
		t.Fatalf("first entry sequence = %d, want 3", entries[0].Sequence)
	}
}

func TestStreamStateReflectsActivity(t *testing.T) {
	store := NewStore(10, time.Hour)
	sub := store.Subscriber()
	sub.OnStart("e1")

	state, ok := store.GetStreamState("e1")
	if !ok || !state.IsActive {
		t.Fatalf("expected active stream after OnStart, got %+v ok=%v", state, ok)
	}

	sub.OnData("e1", []byte("hello"), false)
	code := 0
	sub.OnEnd("e1", &code)

	state, ok = store.GetStreamState("e1")
	if !ok || state.IsActive {
		t.Fatalf("expected inactive stream after OnEnd, got %+v", state)
	}
	if state.TotalBytesReceived != 5 {
		t.Fatalf("total bytes = %d, want 5", state.TotalBytesReceived)
	}
}

func TestOnErrorMarksStreamInactive(t *testing.T) {
	store := NewStore(10, time.Hour)
	sub := store.Subscriber()
	sub.OnStart("e1")
	sub.OnError("e1", errBoom)

	state, _ := store.GetStreamState("e1")
	if state.IsActive {
		t.Fatal("expected stream inactive after OnError")
	}
}

func TestUnknownExecutionReturnsNoEntries(t *testing.T) {
	store := NewStore(10, time.Hour)
	if entries := store.GetLatestBuffers("nope", 5); entries != nil {
		t.Fatalf("expected nil entries for unknown execution, got %v", entries)
	}
	if _, ok := store.GetStreamState("nope"); ok {
		t.Fatal("expected ok=false for unknown execution")
	}
}

func TestSweepReclaimsExpiredInactiveStreams(t *testing.T) {
	store := NewStore(10, 10*time.Millisecond)
	sub := store.Subscriber()
	sub.OnStart("e1")
	sub.OnEnd("e1", nil)

	time.Sleep(30 * time.Millisecond)
	store.sweep()

	if _, ok := store.GetStreamState("e1"); ok {
		t.Fatal("expected expired stream to be reclaimed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	store := NewStore(10, time.Hour)
	store.StartSweeper()
	store.Stop()
	store.Stop()
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}

package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestBusRingKeepsRecent(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{RequestID: string(rune('a' + i))})
	}

	_, _, recent := b.Subscribe()
	if len(recent) != 3 {
		t.Fatalf("ring should hold 3 events, got %d", len(recent))
	}
	if recent[0].RequestID != "c" || recent[2].RequestID != "e" {
		t.Fatalf("unexpected ring order: %v", recent)
	}
}

func TestBusDeliversToSubscriber(t *testing.T) {
	b := NewBus(10)
	id, ch, _ := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Publish(Event{RequestID: "r1", AccountID: "a1"})

	select {
	case e := <-ch:
		if e.RequestID != "r1" || e.AccountID != "a1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Fatal("publish should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRecorderRoundTripAndRetention(t *testing.T) {
	r, err := NewRecorder(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	ctx := context.Background()
	old := &Event{
		RequestID: "old", KeyID: "k", AccountID: "a", Model: "claude-sonnet-4",
		Persona: "cc", InputTokens: 100, OutputTokens: 10,
		Timestamp: time.Now().Add(-48 * time.Hour),
	}
	recent := &Event{
		RequestID: "recent", KeyID: "k", AccountID: "a", Model: "claude-sonnet-4",
		Persona: "aws", InputTokens: 200, OutputTokens: 20,
		Timestamp: time.Now(),
	}
	if err := r.Record(ctx, old); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := r.Record(ctx, recent); err != nil {
		t.Fatalf("record recent: %v", err)
	}

	n, err := r.PurgeBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d events, want 1", n)
	}
}

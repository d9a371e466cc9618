package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"muse/api/internal/store"
)

func setupTestStream(t *testing.T, maxLen int64) (*RedisStream, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	stream, err := NewRedisStream("redis://"+s.Addr(), "muse:activity", maxLen)
	if err != nil {
		t.Fatalf("failed to create redis stream: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })
	return stream, s
}

func TestNewRedisStreamRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStream("not-a-url", "muse:activity", 0); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisStreamEmitAndRecent(t *testing.T) {
	stream, _ := setupTestStream(t, 0)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := stream.Emit(ctx, Event{Type: SuggestionProposed, ProjectID: "p1", SuggestionID: "sug_1", ActorID: "agent", At: at}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := stream.Emit(ctx, Event{Type: SuggestionAccepted, ProjectID: "p1", SuggestionID: "sug_1", Payload: map[string]any{"tool": "create_entity"}, At: at}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	events, err := stream.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != SuggestionAccepted {
		t.Errorf("expected newest event first, got %s", events[0].Type)
	}
	if events[0].Payload["tool"] != "create_entity" {
		t.Errorf("expected payload to round trip, got %#v", events[0].Payload)
	}
	if !events[1].At.Equal(at) {
		t.Errorf("expected timestamp %v, got %v", at, events[1].At)
	}
	if events[1].ActorID != "agent" {
		t.Errorf("expected actor agent, got %q", events[1].ActorID)
	}
}

func TestRedisStreamIsCapped(t *testing.T) {
	stream, s := setupTestStream(t, 5)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := stream.Emit(ctx, Event{Type: SuggestionPreflight, SuggestionID: "sug_1"}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	entries, err := s.Stream("muse:activity")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) >= 50 {
		t.Errorf("expected stream to be trimmed, got %d entries", len(entries))
	}
}

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("sink down") }

func TestNotifierSwallowsSinkErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mem := store.NewMemStore()
	n := NewNotifier(zap.New(core), failingSink{}, NewAuditLog(mem))

	n.Notify(context.Background(), Event{Type: SuggestionRejected, ProjectID: "p1", SuggestionID: "sug_9", ActorID: "u1"})

	if logs.FilterMessage("activity emit failed").Len() != 1 {
		t.Fatalf("expected one warning, got %d", logs.Len())
	}
	events, err := mem.ListAuditEvents(context.Background(), "sug_9")
	if err != nil {
		t.Fatalf("ListAuditEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != SuggestionRejected {
		t.Fatalf("expected the audit sink to still receive the event, got %#v", events)
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), Event{Type: SuggestionProposed})
}

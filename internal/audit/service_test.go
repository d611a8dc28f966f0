package audit

import (
	"context"
	"testing"
	"time"

	"coldcaller-telephony/internal/events"
)

func TestService_AppendRequiresTypeAndAction(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeAdminAction}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{Action: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogAdminAction(context.Background(), "u", "admin", "1.2.3.4", "setActive", "cfg-1", "activated"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].ConfigID != "cfg-1" {
		t.Fatalf("expected ip and config captured: %+v", evs[0])
	}
	if evs[0].Type != EventTypeAdminAction || evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected event %+v", evs[0])
	}
}

func TestMemoryRepo_RecentNewestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	for _, a := range []string{"a", "b", "c"} {
		_ = repo.Append(context.Background(), Event{Type: EventTypeCall, Action: a})
	}
	got, _ := repo.Recent(context.Background(), 2)
	if len(got) != 2 || got[0].Action != "c" || got[1].Action != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestRecorder_PersistsBusNotifications(t *testing.T) {
	repo := NewMemoryRepo()
	rec := NewRecorder(NewService(repo), nil, 8)
	bus := events.NewBus(nil)
	rec.Attach(bus)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(events.New(events.ConfigurationCreated, "cfg-1", at, map[string]any{"id": "cfg-1"}))
	bus.Publish(events.New(events.TimerUpdate, "sess-1", at, map[string]any{"durationMs": 1000}))
	bus.Publish(events.New(events.CallEnded, "sess-1", at, map[string]any{"reason": "hangup"}))
	bus.Publish(events.New(events.RecoveryFailed, "cfg-1", at, nil))
	rec.Close()

	// After Close the recorder is unsubscribed.
	bus.Publish(events.New(events.CallStarted, "sess-2", at, nil))

	evs := repo.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 persisted events, got %d: %+v", len(evs), evs)
	}
	if evs[0].Type != EventTypeConfiguration || evs[0].ConfigID != "cfg-1" {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[1].Type != EventTypeCall || evs[1].SessionID != "sess-1" || evs[1].Message != "hangup" {
		t.Fatalf("unexpected call event %+v", evs[1])
	}
	if evs[1].Metadata != `{"reason":"hangup"}` {
		t.Fatalf("unexpected metadata %q", evs[1].Metadata)
	}
	if evs[2].Type != EventTypeMonitoring || !evs[2].CreatedAt.Equal(at) {
		t.Fatalf("unexpected monitoring event %+v", evs[2])
	}
}

package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"lead_router_backend/internal/events"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"
)

type captureBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *captureBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
}

func (b *captureBus) PublishSync(ctx context.Context, event events.Event) error {
	b.Publish(ctx, event)
	return nil
}

func (b *captureBus) Subscribe(string, events.Handler) {}

func TestAppendStampsAndPublishes(t *testing.T) {
	bus := &captureBus{}
	log := NewLog(kvstore.NewMemoryStore(), kvstore.NewKeys("t"), bus, logger.Nop())
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	log.SetClock(func() time.Time { return fixed })

	rec, err := log.Append(context.Background(), Record{
		ContactID:  "c1",
		SourceFlow: "seller",
		TargetFlow: "buyer",
		Confidence: 0.9,
		Decision:   DecisionAccepted,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID == "" || !rec.At.Equal(fixed) {
		t.Fatalf("expected id and timestamp to be stamped, got %+v", rec)
	}

	if len(bus.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(bus.published))
	}
	evt, ok := bus.published[0].(events.HandoffRecorded)
	if !ok || evt.RecordID != rec.ID || evt.Decision != "accepted" {
		t.Fatalf("unexpected event %+v", bus.published[0])
	}
}

func TestListSkipsCorruptEntries(t *testing.T) {
	store := kvstore.NewMemoryStore()
	keys := kvstore.NewKeys("t")
	log := NewLog(store, keys, nil, logger.Nop())
	ctx := context.Background()

	_, _ = log.Append(ctx, Record{ContactID: "c1", SourceFlow: "a", TargetFlow: "b", Decision: DecisionAccepted})
	_ = store.Append(ctx, keys.Handoffs("c1"), []byte("{not json"), RecordTTL)
	_, _ = log.Append(ctx, Record{ContactID: "c1", SourceFlow: "b", TargetFlow: "a", Decision: DecisionRejectedCircular})

	records, err := log.List(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 decodable records, got %d", len(records))
	}
	if records[1].Decision != DecisionRejectedCircular {
		t.Fatalf("expected oldest-first order, got %+v", records)
	}
}

func TestWindowHelpers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		{SourceFlow: "a", TargetFlow: "b", Decision: DecisionAccepted, At: now.Add(-2 * time.Hour)},
		{SourceFlow: "b", TargetFlow: "a", Decision: DecisionAccepted, At: now.Add(-40 * time.Minute)},
		{SourceFlow: "a", TargetFlow: "b", Decision: DecisionRejectedCircular, At: now.Add(-10 * time.Minute)},
		{SourceFlow: "a", TargetFlow: "b", Decision: DecisionAccepted, At: now.Add(-5 * time.Minute)},
	}

	if got := CountAcceptedSince(records, now.Add(-time.Hour)); got != 2 {
		t.Fatalf("expected 2 accepted in last hour, got %d", got)
	}

	last, ok := LastAccepted(records, "a", "b")
	if !ok || !last.At.Equal(now.Add(-5*time.Minute)) {
		t.Fatalf("expected latest accepted a->b, got %+v ok=%v", last, ok)
	}
	if _, ok := LastAccepted(records, "b", "c"); ok {
		t.Fatalf("expected no record for unseen pair")
	}
}

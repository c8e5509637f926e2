package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

func TestContextCascadeSummarizerFoldsEventsByCorrID(t *testing.T) {
	store := storage.New()
	eventBus := bus.New(store, alog.NewFromEnv("task-test"), 0)
	ctx := context.Background()

	if _, err := eventBus.Publish(ctx, core.Event{Kind: "actions.submitted", CorrID: "corr-1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := eventBus.Publish(ctx, core.Event{Kind: "actions.completed", CorrID: "corr-1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	task := NewContextCascadeSummarizer(store, eventBus, time.Second)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	items, err := store.ListMemoryItems(ctx, "episodic_summary", 0)
	if err != nil {
		t.Fatalf("list memory items: %v", err)
	}
	if len(items) != 1 || items[0].Key != "corr-1" {
		t.Fatalf("expected one episodic_summary for corr-1, got %+v", items)
	}

	if err := task.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	again, err := store.ListMemoryItems(ctx, "episodic_summary", 0)
	if err != nil {
		t.Fatalf("list memory items: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected no new summaries on a no-op second run, got %+v", again)
	}
}

func TestMemoryRecentPublisherEmitsSnapshotAndPatch(t *testing.T) {
	store := storage.New()
	eventBus := bus.New(store, alog.NewFromEnv("task-test"), 0)
	ctx := context.Background()

	if _, err := store.PutMemoryItem(ctx, core.MemoryItem{Lane: "episodic", Text: "a"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	sub := eventBus.Subscribe("")
	defer sub.Close()

	task := NewMemoryRecentPublisher(store, eventBus, time.Second)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	var gotSnapshot, gotPatch bool
	deadline := time.After(time.Second)
	for !gotSnapshot || !gotPatch {
		select {
		case ev := <-sub.Events:
			switch ev.Kind {
			case "memory.snapshot":
				gotSnapshot = true
			case "memory.patch":
				gotPatch = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot=%v patch=%v", gotSnapshot, gotPatch)
		}
	}
}

func TestDailyBriefGeneratorPublishesAndStores(t *testing.T) {
	store := storage.New()
	eventBus := bus.New(store, alog.NewFromEnv("task-test"), 0)
	ctx := context.Background()

	if _, err := store.AppendContribution(ctx, core.Contribution{Subject: "local", Kind: "task.complete", Qty: 1, Unit: "count"}); err != nil {
		t.Fatalf("append contribution: %v", err)
	}

	task := NewDailyBriefGenerator(store, eventBus, time.Hour)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	items, err := store.ListMemoryItems(ctx, "brief", 0)
	if err != nil {
		t.Fatalf("list memory items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one brief memory item, got %d", len(items))
	}
}

func TestLedgerSyncRollsUpContributions(t *testing.T) {
	store := storage.New()
	ctx := context.Background()
	if _, err := store.AppendContribution(ctx, core.Contribution{Subject: "local", Kind: "task.submit", Qty: 2, Unit: "count"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	task := NewLedgerSync(store, time.Second)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	items, err := store.ListMemoryItems(ctx, "economy_rollup", 0)
	if err != nil {
		t.Fatalf("list memory items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one rollup item, got %d", len(items))
	}
}

type countingGCRecorder struct {
	expired int
	evicted int
}

func (r *countingGCRecorder) AddExpired(n int) { r.expired += n }
func (r *countingGCRecorder) AddEvicted(n int) { r.evicted += n }

func TestMemoryGCReportsExpiredCount(t *testing.T) {
	store := storage.New()
	ctx := context.Background()
	if _, err := store.PutMemoryItem(ctx, core.MemoryItem{
		Lane:       "episodic",
		Durability: core.DurabilityShort,
		TTLSeconds: 1,
		CreatedAt:  time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	recorder := &countingGCRecorder{}
	task := NewMemoryGC(store, recorder, time.Second)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if recorder.expired != 1 {
		t.Fatalf("expected 1 expired item recorded, got %d", recorder.expired)
	}
}

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/internal/app/workingset"
)

// DefaultContextCascadeInterval matches ARW_CONTEXT_CASCADE_INTERVAL_SECS's
// documented default of 300s.
const DefaultContextCascadeInterval = 300 * time.Second

// DefaultDailyBriefInterval matches ARW_DAILY_BRIEF_INTERVAL_SECS's
// documented default of 86400s.
const DefaultDailyBriefInterval = 24 * time.Hour

// DefaultMemoryGCInterval matches ARW_MEMORY_GC_INTERVAL_SECS's documented
// default of 60s.
const DefaultMemoryGCInterval = 60 * time.Second

// DefaultMemoryRecentInterval is the "short interval" §4.9 calls for, for
// republishing the /state/memory read model.
const DefaultMemoryRecentInterval = 5 * time.Second

// DefaultLedgerSyncInterval rolls up contribution rows on a moderate cadence.
const DefaultLedgerSyncInterval = 30 * time.Second

// MemoryGCRecorder lets the composition root observe GC counts for the
// arw_memory_gc_{expired,evicted}_total metrics once the metrics registry is
// wired; a nil recorder is a no-op.
type MemoryGCRecorder interface {
	AddExpired(n int)
	AddEvicted(n int)
}

// NewContextCascadeSummarizer folds events published since its last run,
// grouped by correlation id, into an episodic_summary memory item per
// corr_id and publishes context.cascade.updated.
func NewContextCascadeSummarizer(store storage.Store, eventBus *bus.Bus, interval time.Duration) PeriodicTask {
	if interval <= 0 {
		interval = DefaultContextCascadeInterval
	}
	var lastID int64
	var mu sync.Mutex

	run := func(ctx context.Context) error {
		mu.Lock()
		since := lastID
		mu.Unlock()

		events, err := store.ListEventsSince(ctx, since, 2000)
		if err != nil {
			return fmt.Errorf("list events since %d: %w", since, err)
		}
		if len(events) == 0 {
			return nil
		}

		byCorr := make(map[string][]core.Event)
		maxID := since
		for _, ev := range events {
			if ev.ID > maxID {
				maxID = ev.ID
			}
			if ev.CorrID == "" {
				continue
			}
			byCorr[ev.CorrID] = append(byCorr[ev.CorrID], ev)
		}

		corrIDs := make([]string, 0, len(byCorr))
		for corrID := range byCorr {
			corrIDs = append(corrIDs, corrID)
		}
		sort.Strings(corrIDs)

		for _, corrID := range corrIDs {
			evs := byCorr[corrID]
			kinds := make([]string, len(evs))
			for i, ev := range evs {
				kinds[i] = ev.Kind
			}
			text := fmt.Sprintf("corr %s: %d events (%v)", corrID, len(evs), kinds)
			item := core.MemoryItem{
				Lane:       "episodic_summary",
				Kind:       "episodic_summary",
				Key:        corrID,
				Text:       text,
				Durability: core.DurabilityShort,
				CreatedAt:  time.Now(),
			}
			if _, err := store.PutMemoryItem(ctx, item); err != nil {
				return fmt.Errorf("put episodic_summary for %s: %w", corrID, err)
			}
			payload, _ := json.Marshal(map[string]any{"corr_id": corrID, "count": len(evs)})
			if _, err := eventBus.Publish(ctx, core.Event{Kind: "context.cascade.updated", Payload: payload, CorrID: corrID}); err != nil {
				return fmt.Errorf("publish context.cascade.updated: %w", err)
			}
		}

		mu.Lock()
		lastID = maxID
		mu.Unlock()
		return nil
	}

	return PeriodicTask{Name: "context_cascade_summarizer", Interval: interval, Run: run}
}

// NewMemoryRecentPublisher republishes memory.snapshot (full recent set per
// default lane) and memory.patch (newly-seen ids since the prior run) for
// /state/memory subscribers.
func NewMemoryRecentPublisher(store storage.Store, eventBus *bus.Bus, interval time.Duration) PeriodicTask {
	if interval <= 0 {
		interval = DefaultMemoryRecentInterval
	}
	seen := make(map[string]struct{})
	var mu sync.Mutex

	run := func(ctx context.Context) error {
		var snapshot []core.MemoryItem
		for _, lane := range workingset.DefaultLanes {
			items, err := store.ListMemoryItems(ctx, lane, 20)
			if err != nil {
				return fmt.Errorf("list memory items for lane %s: %w", lane, err)
			}
			snapshot = append(snapshot, items...)
		}

		snapshotPayload, err := json.Marshal(map[string]any{"items": snapshot})
		if err != nil {
			return err
		}
		if _, err := eventBus.Publish(ctx, core.Event{Kind: "memory.snapshot", Payload: snapshotPayload}); err != nil {
			return fmt.Errorf("publish memory.snapshot: %w", err)
		}

		mu.Lock()
		var added []core.MemoryItem
		for _, item := range snapshot {
			if _, ok := seen[item.ID]; !ok {
				seen[item.ID] = struct{}{}
				added = append(added, item)
			}
		}
		mu.Unlock()

		if len(added) == 0 {
			return nil
		}
		patchPayload, err := json.Marshal(map[string]any{"added": added})
		if err != nil {
			return err
		}
		_, err = eventBus.Publish(ctx, core.Event{Kind: "memory.patch", Payload: patchPayload})
		return err
	}

	return PeriodicTask{Name: "memory_recent_publisher", Interval: interval, Run: run}
}

// NewDailyBriefGenerator aggregates every contribution and egress ledger row
// in the store (it does not filter to the current day) into a brief memory
// item and publishes brief.daily.published.
func NewDailyBriefGenerator(store storage.Store, eventBus *bus.Bus, interval time.Duration) PeriodicTask {
	if interval <= 0 {
		interval = DefaultDailyBriefInterval
	}

	run := func(ctx context.Context) error {
		contributions, err := store.ListContributions(ctx, "", 0)
		if err != nil {
			return fmt.Errorf("list contributions: %w", err)
		}
		egress, err := store.ListEgressRows(ctx, 0)
		if err != nil {
			return fmt.Errorf("list egress rows: %w", err)
		}

		byKind := make(map[string]float64)
		for _, c := range contributions {
			byKind[c.Kind] += c.Qty
		}
		byDecision := make(map[string]int)
		for _, row := range egress {
			byDecision[string(row.Decision)]++
		}

		value, err := json.Marshal(map[string]any{
			"contributions_by_kind": byKind,
			"egress_by_decision":    byDecision,
			"generated_at":          time.Now(),
		})
		if err != nil {
			return err
		}
		item := core.MemoryItem{
			Lane:       "brief",
			Kind:       "daily_brief",
			Value:      value,
			Text:       fmt.Sprintf("daily brief: %d contributions, %d egress rows", len(contributions), len(egress)),
			Durability: core.DurabilityLong,
			CreatedAt:  time.Now(),
		}
		if _, err := store.PutMemoryItem(ctx, item); err != nil {
			return fmt.Errorf("put daily_brief: %w", err)
		}

		payload, _ := json.Marshal(map[string]any{"contributions": len(contributions), "egress_rows": len(egress)})
		_, err = eventBus.Publish(ctx, core.Event{Kind: "brief.daily.published", Payload: payload})
		return err
	}

	return PeriodicTask{Name: "daily_brief_generator", Interval: interval, Run: run}
}

// RollupContributions rolls up every contribution row into per-kind totals
// and stores the result as a memory item rather than publishing a new event
// kind, since §6 names no dedicated topic for it. Shared by the ticker-driven
// NewLedgerSync and the Postgres LISTEN/NOTIFY-driven LedgerNotifyService so
// both paths compute the rollup identically.
func RollupContributions(ctx context.Context, store storage.Store) error {
	contributions, err := store.ListContributions(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("list contributions: %w", err)
	}
	totals := make(map[string]float64)
	for _, c := range contributions {
		totals[c.Kind] += c.Qty
	}
	value, err := json.Marshal(totals)
	if err != nil {
		return err
	}
	item := core.MemoryItem{
		Lane:       "economy_rollup",
		Kind:       "ledger_rollup",
		Value:      value,
		Durability: core.DurabilityShort,
		CreatedAt:  time.Now(),
	}
	_, err = store.PutMemoryItem(ctx, item)
	return err
}

// NewLedgerSync rolls up contribution rows on a fixed cadence. This is the
// in-memory-store path; the Postgres-backed store instead drives the same
// rollup off real LISTEN/NOTIFY wakeups via LedgerNotifyService, so this
// ticker only ever gets registered when no Postgres connection is available
// to notify on.
func NewLedgerSync(store storage.Store, interval time.Duration) PeriodicTask {
	if interval <= 0 {
		interval = DefaultLedgerSyncInterval
	}
	return PeriodicTask{Name: "ledger_sync", Interval: interval, Run: func(ctx context.Context) error {
		return RollupContributions(ctx, store)
	}}
}

// NewMemoryGC calls DeleteExpired and reports counts to recorder
// (arw_memory_gc_{expired,evicted}_total once wired). A nil recorder is a
// no-op; this task only ever reports expirations, since the in-memory/
// Postgres stores expire eagerly rather than via separate LRU eviction.
func NewMemoryGC(store storage.Store, recorder MemoryGCRecorder, interval time.Duration) PeriodicTask {
	if interval <= 0 {
		interval = DefaultMemoryGCInterval
	}

	run := func(ctx context.Context) error {
		expired, err := store.DeleteExpired(ctx)
		if err != nil {
			return fmt.Errorf("delete expired memory: %w", err)
		}
		if recorder != nil && expired > 0 {
			recorder.AddExpired(expired)
		}
		return nil
	}

	return PeriodicTask{Name: "memory_gc", Interval: interval, Run: run}
}

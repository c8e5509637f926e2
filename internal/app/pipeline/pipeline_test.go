package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/policy"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/internal/app/toolcache"
)

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, storage.Store) {
	t.Helper()
	store := storage.New()
	pol := policy.New([]policy.Rule{{Prefix: "", Allow: true}})
	leases := policy.NewLeaseAuthorizer(store, nil)
	eventBus := bus.New(store, alog.NewFromEnv("pipeline-test"), 0)
	cacheStore, err := toolcache.NewStore(16, time.Minute, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new cache store: %v", err)
	}
	tools := NewToolRegistry(nil, "env1", nil, nil)
	p := New(store, pol, leases, eventBus, toolcache.New(cacheStore), tools, alog.NewFromEnv("pipeline-test"), cfg)
	return p, store
}

func TestSubmitCreatesQueuedAction(t *testing.T) {
	p, store := newTestPipeline(t, Config{})
	result, err := p.Submit(context.Background(), SubmitRequest{Kind: "demo.echo", Input: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	action, err := store.GetAction(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.State != "queued" {
		t.Fatalf("expected queued state, got %q", action.State)
	}
}

func TestSubmitIdempotentKeyReuses(t *testing.T) {
	p, _ := newTestPipeline(t, Config{})
	ctx := context.Background()
	first, err := p.Submit(ctx, SubmitRequest{Kind: "demo.echo", Input: json.RawMessage(`{}`), IdemKey: "key1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := p.Submit(ctx, SubmitRequest{Kind: "demo.echo", Input: json.RawMessage(`{}`), IdemKey: "key1"})
	if err != nil {
		t.Fatalf("submit again: %v", err)
	}
	if !second.Reused || second.ID != first.ID {
		t.Fatalf("expected reused action, got %+v", second)
	}
}

func TestSubmitQueueFullDenied(t *testing.T) {
	p, _ := newTestPipeline(t, Config{QueueMax: 1})
	ctx := context.Background()
	if _, err := p.Submit(ctx, SubmitRequest{Kind: "demo.echo", Input: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := p.Submit(ctx, SubmitRequest{Kind: "demo.echo", Input: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("expected queue full error")
	}
}

func TestWorkerLoopCompletesDemoEcho(t *testing.T) {
	p, store := newTestPipeline(t, Config{NumWorkers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := p.Submit(ctx, SubmitRequest{Kind: "demo.echo", Input: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		action, err := store.GetAction(ctx, result.ID)
		if err != nil {
			t.Fatalf("get action: %v", err)
		}
		if action.State == "completed" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("action did not complete in time")
}

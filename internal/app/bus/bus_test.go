package bus

import (
	"context"
	"testing"
	"time"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	return New(storage.New(), alog.NewFromEnv("bus-test"), capacity)
}

func TestPublishSubscribeDelivers(t *testing.T) {
	b := newTestBus(t, 0)
	sub := b.Subscribe("action.")
	defer sub.Close()

	_, err := b.Publish(context.Background(), eventOf(t, "action.completed"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events:
		if got.Kind != "action.completed" {
			t.Fatalf("unexpected kind: %q", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribePrefixFiltersNonMatching(t *testing.T) {
	b := newTestBus(t, 0)
	sub := b.Subscribe("memory.")
	defer sub.Close()

	if _, err := b.Publish(context.Background(), eventOf(t, "action.completed")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberLagsInsteadOfBlocking(t *testing.T) {
	b := newTestBus(t, 1)
	sub := b.Subscribe("")
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, eventOf(t, "x")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if lag := sub.Lag(); lag == 0 {
		t.Fatalf("expected non-zero lag for unconsumed slow subscriber, got 0")
	}
}

func TestSinceReplaysDurableEvents(t *testing.T) {
	b := newTestBus(t, 0)
	ctx := context.Background()
	first, err := b.Publish(ctx, eventOf(t, "action.completed"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, eventOf(t, "action.failed")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	replayed, err := b.Since(ctx, first.ID, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(replayed) != 1 || replayed[0].Kind != "action.failed" {
		t.Fatalf("unexpected replay: %+v", replayed)
	}
}

func eventOf(t *testing.T, kind string) core.Event {
	t.Helper()
	return core.Event{Kind: kind, Payload: []byte(`{}`)}
}

package streamapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

// flushRecorder captures writes as they happen so the test can observe
// frames emitted before the handler returns.
type flushRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    strings.Builder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{header: make(http.Header)}
}

func (f *flushRecorder) Header() http.Header { return f.header }

func (f *flushRecorder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *flushRecorder) WriteHeader(status int) { f.status = status }

func (f *flushRecorder) Flush() {}

func (f *flushRecorder) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestSSEHandlerReplaysHistoricalEvents(t *testing.T) {
	store := storage.New()
	b := bus.New(store, alog.NewFromEnv("sse-test"), 0)
	ctx := context.Background()
	if _, err := b.Publish(ctx, core.Event{Kind: "actions.submitted", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	handler := NewSSEHandler(b)
	reqCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events?replay=10", nil).WithContext(reqCtx)
	rec := newFlushRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(rec.String(), "actions.submitted") {
		t.Fatalf("expected replayed event in output, got %q", rec.String())
	}
}

func TestSSEHandlerFiltersByPrefix(t *testing.T) {
	store := storage.New()
	b := bus.New(store, alog.NewFromEnv("sse-test"), 0)
	ctx := context.Background()
	if _, err := b.Publish(ctx, core.Event{Kind: "memory.snapshot", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, core.Event{Kind: "actions.submitted", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	handler := NewSSEHandler(b)
	reqCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events?replay=10&prefix=actions.", nil).WithContext(reqCtx)
	rec := newFlushRecorder()
	handler.ServeHTTP(rec, req)

	out := rec.String()
	if strings.Contains(out, "memory.snapshot") {
		t.Fatalf("expected memory.snapshot filtered out, got %q", out)
	}
	if !strings.Contains(out, "actions.submitted") {
		t.Fatalf("expected actions.submitted in output, got %q", out)
	}
}

func TestSSEHandlerDisabledReturns501(t *testing.T) {
	handler := NewSSEHandler(nil)
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestSSEHandlerLiveTailDelivers(t *testing.T) {
	store := storage.New()
	b := bus.New(store, alog.NewFromEnv("sse-test"), 0)

	handler := NewSSEHandler(b)
	reqCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(reqCtx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := b.Publish(context.Background(), core.Event{Kind: "actions.running", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	<-done
	if !strings.Contains(rec.String(), "actions.running") {
		t.Fatalf("expected live event in output, got %q", rec.String())
	}
}

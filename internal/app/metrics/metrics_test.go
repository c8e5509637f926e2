package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsRouteMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/actions/abc123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !counterGreaterOrEqual(t, "arw_route_hits_total", map[string]string{"path": "/actions/:id"}, 1) {
		t.Fatal("expected route hit counter to increment for canonicalized path")
	}
	if !histogramCountGreaterOrEqual(t, "arw_route_latency_seconds", map[string]string{"path": "/actions/:id"}, 1) {
		t.Fatal("expected route latency histogram to record a sample")
	}
}

func TestInstrumentHandlerRecordsErrorsOn4xxAnd5xx(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/actions/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !counterGreaterOrEqual(t, "arw_route_errors_total", map[string]string{"path": "/actions/:id"}, 1) {
		t.Fatal("expected route error counter to increment on 404")
	}
}

func TestInstrumentHandler_MetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected /metrics path to pass through to handler")
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct{ input, expected string }{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/actions", "/actions"},
		{"/actions/", "/actions"},
		{"/actions/abc", "/actions/:id"},
		{"/actions/abc/state", "/actions/:id/state"},
		{"/events", "/events"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := canonicalPath(tt.input); got != tt.expected {
				t.Errorf("canonicalPath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusNotFound)
	if sr.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", sr.status)
	}

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2, status: 0}
	if _, err := sr2.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sr2.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", sr2.status)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	h := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics response")
	}
}

func TestProcessSamplerSamplesOnStart(t *testing.T) {
	sampler, err := NewProcessSampler(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("new process sampler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sampler.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sampler.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	if !gaugeGreaterOrEqual(t, "arw_process_rss_bytes", nil, 1) {
		t.Fatal("expected rss gauge to be sampled to a positive value")
	}
}

func counterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				if metric.GetCounter().GetValue() >= min {
					return true
				}
			}
		}
	}
	return false
}

func gaugeGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				if metric.GetGauge().GetValue() >= min {
					return true
				}
			}
		}
	}
	return false
}

func histogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				if metric.GetHistogram().GetSampleCount() >= min {
					return true
				}
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// Package metrics exposes the runtime's Prometheus collectors on a
// dedicated registry, the same pattern the teacher's pkg/metrics uses
// (never register onto the global default registry).
package metrics

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	// Registry holds every collector this package registers.
	Registry = prometheus.NewRegistry()

	BusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "bus", Name: "published_total",
		Help: "Total events published to the bus.",
	})
	BusDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "bus", Name: "delivered_total",
		Help: "Total event deliveries to subscribers.",
	})
	BusReceivers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "bus", Name: "receivers_total",
		Help: "Total subscriber receive operations.",
	})
	BusLagged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "bus", Name: "lagged_total",
		Help: "Total deliveries dropped because a subscriber fell behind.",
	})
	BusNoReceivers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "bus", Name: "no_receivers_total",
		Help: "Total publishes with zero active subscribers.",
	})

	WorkersConfigured = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "workers", Name: "configured",
		Help: "Configured worker pool size.",
	})
	WorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "workers", Name: "busy",
		Help: "Workers currently executing an action.",
	})

	ActionsQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Name: "actions_queue_depth",
		Help: "Current depth of the actions queue.",
	})

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arw", Name: "events_total",
		Help: "Total events published, by kind.",
	}, []string{"kind"})

	RouteHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "route", Name: "hits_total",
		Help: "Total requests handled, by route.",
	}, []string{"path"})
	RouteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "route", Name: "errors_total",
		Help: "Total requests that resulted in a 4xx/5xx, by route.",
	}, []string{"path"})
	RouteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arw", Subsystem: "route", Name: "latency_seconds",
		Help:    "Route handling latency.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"path"})

	ToolCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "hits_total",
		Help: "Tool cache hits.",
	})
	ToolCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "miss_total",
		Help: "Tool cache misses.",
	})
	ToolCacheCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "coalesced_total",
		Help: "Tool cache lookups coalesced behind an in-flight compute.",
	})
	ToolCacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "errors_total",
		Help: "Tool cache compute errors.",
	})
	ToolCacheBypass = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "bypass_total",
		Help: "Tool invocations that bypassed the cache (not cacheable).",
	})
	ToolCachePayloadTooLarge = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "payload_too_large_total",
		Help: "Tool cache puts rejected for exceeding the payload size limit.",
	})
	ToolCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "entries",
		Help: "Current number of entries held in the tool cache index.",
	})
	ToolCacheStampedeSuppressionRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "tool_cache", Name: "stampede_suppression_rate",
		Help: "Fraction of lookups coalesced rather than recomputed, coalesced / (miss + coalesced) since process start.",
	})

	MemoryGCExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "memory_gc", Name: "expired_total",
		Help: "Memory items removed by TTL expiry.",
	})
	MemoryGCEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arw", Subsystem: "memory_gc", Name: "evicted_total",
		Help: "Memory items removed by capacity eviction.",
	})

	SafeModeActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "safe_mode", Name: "active",
		Help: "1 when the runtime is in safe mode, else 0.",
	})
	SafeModeUntilMS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "safe_mode", Name: "until_ms",
		Help: "Unix millis when the current safe-mode window ends, 0 if inactive.",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "process", Name: "cpu_percent",
		Help: "Process CPU utilization percent, sampled periodically.",
	})
	ProcessRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "process", Name: "rss_bytes",
		Help: "Process resident set size in bytes.",
	})
	ProcessOpenFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arw", Subsystem: "process", Name: "open_fds",
		Help: "Open file descriptor count for this process.",
	})
)

func init() {
	Registry.MustRegister(
		BusPublished, BusDelivered, BusReceivers, BusLagged, BusNoReceivers,
		WorkersConfigured, WorkersBusy, ActionsQueueDepth, EventsTotal,
		RouteHits, RouteErrors, RouteLatency,
		ToolCacheHits, ToolCacheMiss, ToolCacheCoalesced, ToolCacheErrors,
		ToolCacheBypass, ToolCachePayloadTooLarge, ToolCacheEntries,
		ToolCacheStampedeSuppressionRate,
		MemoryGCExpired, MemoryGCEvicted,
		SafeModeActive, SafeModeUntilMS,
		ProcessCPUPercent, ProcessRSSBytes, ProcessOpenFDs,
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// MemoryGCRecorder adapts the memory-GC periodic task's expired/evicted
// counts onto arw_memory_gc_{expired,evicted}_total. Satisfies
// supervisor.MemoryGCRecorder without either package importing the other.
type MemoryGCRecorder struct{}

func (MemoryGCRecorder) AddExpired(n int) { MemoryGCExpired.Add(float64(n)) }
func (MemoryGCRecorder) AddEvicted(n int) { MemoryGCEvicted.Add(float64(n)) }

// InstrumentHandler wraps next with arw_route_{hits,errors}_total and
// arw_route_latency_seconds, keyed by the request's canonical path.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		path := canonicalPath(r.URL.Path)
		RouteHits.WithLabelValues(path).Inc()
		if rec.status >= 400 {
			RouteErrors.WithLabelValues(path).Inc()
		}
		RouteLatency.WithLabelValues(path).Observe(duration.Seconds())
	})
}

// ProcessSampler periodically refreshes the arw_process_* gauges from
// gopsutil, grounded on the teacher's use of gopsutil for its own
// system-status endpoint; one sampler per process.
type ProcessSampler struct {
	interval time.Duration
	proc     *process.Process

	stop chan struct{}
	done chan struct{}
}

// NewProcessSampler builds a sampler for the current process. interval<=0
// defaults to 15s.
func NewProcessSampler(interval time.Duration) (*ProcessSampler, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{interval: interval, proc: proc}, nil
}

func (s *ProcessSampler) Name() string { return "metrics_process_sampler" }

func (s *ProcessSampler) Start(ctx context.Context) error {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

func (s *ProcessSampler) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *ProcessSampler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *ProcessSampler) sampleOnce() {
	if pct, err := s.proc.CPUPercent(); err == nil {
		ProcessCPUPercent.Set(pct)
	}
	if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
		ProcessRSSBytes.Set(float64(info.RSS))
	}
	if fds, err := s.proc.NumFDs(); err == nil {
		ProcessOpenFDs.Set(float64(fds))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters (action/event ids) so route
// labels stay low-cardinality.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "actions":
		if len(parts) == 1 {
			return "/actions"
		}
		if len(parts) == 2 {
			return "/actions/:id"
		}
		return "/actions/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}

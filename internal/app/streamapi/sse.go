package streamapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
)

const keepAliveInterval = 15 * time.Second

// SSEHandler serves /events: an optional historical replay followed by a
// live, prefix-filtered tail of the bus, per §4.8's SSE pipeline.
type SSEHandler struct {
	bus *bus.Bus
	ids *idCache
}

// NewSSEHandler wraps b. A nil bus serves 501 to every request (kernel
// disabled).
func NewSSEHandler(b *bus.Bus) *SSEHandler {
	return &SSEHandler{bus: b, ids: newIDCache(4096)}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "kernel store is disabled", http.StatusNotImplemented)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	prefix := r.URL.Query().Get("prefix")
	replay, _ := strconv.Atoi(r.URL.Query().Get("replay"))
	after := parseAfter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if after > 0 || replay > 0 {
		limit := replay
		if limit <= 0 {
			limit = 100
		}
		historical, err := h.bus.Since(r.Context(), after, limit)
		if err == nil {
			for _, event := range historical {
				if prefix != "" && !hasPrefix(event.Kind, prefix) {
					continue
				}
				writeFrame(w, h.ids.stableID(event), event)
			}
			flusher.Flush()
		}
	}

	sub := h.bus.Subscribe(prefix)
	defer sub.Close()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			writeFrame(w, h.ids.stableID(event), event)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, id string, event core.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", event.Kind, id, payload)
}

func parseAfter(r *http.Request) int64 {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func hasPrefix(kind, prefix string) bool {
	if len(prefix) > len(kind) {
		return false
	}
	return kind[:len(prefix)] == prefix
}

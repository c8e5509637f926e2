// Package streamapi mirrors the internal event bus onto outbound transports:
// an SSE handler for browsers/curl and a hand-registered gRPC service for
// typed clients. The SSE handler stamps each frame with a stable outbound
// event id; the gRPC stream sends events as stored, with their durable ids.
package streamapi

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arwlocal/runtime/internal/app/core"
)

// idCache memoizes outbound ids so the same envelope reported on multiple
// paths (SSE replay and live tail) gets the same stable id.
type idCache struct {
	cache *lru.Cache[int64, string]
}

func newIDCache(size int) *idCache {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[int64, string](size)
	return &idCache{cache: c}
}

// stableID computes id = hex(first 8 bytes of SHA-256(time || kind || payload)),
// memoized by the event's durable id so repeated lookups are cheap.
func (c *idCache) stableID(event core.Event) string {
	if v, ok := c.cache.Get(event.ID); ok {
		return v
	}
	h := sha256.New()
	h.Write([]byte(event.Time.UTC().Format("2006-01-02T15:04:05.000Z")))
	h.Write([]byte(event.Kind))
	h.Write(event.Payload)
	sum := h.Sum(nil)
	id := hex.EncodeToString(sum[:8])
	c.cache.Add(event.ID, id)
	return id
}

// cursorFromEvent renders a durable event id as the "after" cursor value.
func cursorFromEvent(id int64) string {
	return strconv.FormatInt(id, 10)
}

package toolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Outcome classifies one Resolve call for the accounting side channel.
type Outcome string

const (
	OutcomeHit        Outcome = "hit"
	OutcomeMiss       Outcome = "miss"
	OutcomeCoalesced  Outcome = "coalesced"
	OutcomeNotCache   Outcome = "not_cacheable"
	OutcomeError      Outcome = "error"
	OutcomeStaleError Outcome = "stale_error"
)

// Accounting tallies Resolve outcomes and the latency/payload savings they
// represent, so the stampede-suppression rate (coalesced / (miss +
// coalesced)) and the rolling savings averages can be computed per P5.
type Accounting struct {
	Hits            atomic.Int64
	Misses          atomic.Int64
	Coalesced       atomic.Int64
	Errors          atomic.Int64
	Bypass          atomic.Int64
	PayloadTooLarge atomic.Int64
	StaleError      atomic.Int64

	payloadBytesSum    atomic.Int64
	latencySavedSumMS  atomic.Int64
	latencySavedCount  atomic.Int64
	latencySavedLastMS atomic.Int64

	mu            sync.Mutex
	maxHitAgeSecs float64
}

// recordHit folds one cache hit's sidecar metrics into the rolling
// accounting: payload bytes served, latency saved (miss cost minus this
// lookup's own cost), and the entry's age.
func (a *Accounting) recordHit(payloadBytes int, latencySavedMS int64, ageSecs float64) {
	a.payloadBytesSum.Add(int64(payloadBytes))
	a.latencySavedSumMS.Add(latencySavedMS)
	a.latencySavedCount.Add(1)
	a.latencySavedLastMS.Store(latencySavedMS)
	a.mu.Lock()
	if ageSecs > a.maxHitAgeSecs {
		a.maxHitAgeSecs = ageSecs
	}
	a.mu.Unlock()
}

// Snapshot returns the accounting counters and derived rates/averages for
// the tool-cache metrics bridge.
type Snapshot struct {
	Hits, Misses, Coalesced, Errors, Bypass, PayloadTooLarge, StaleError int64
	PayloadBytesSum                                                     int64
	AvgLatencySavedMS, LastLatencySavedMS, MaxHitAgeSecs                float64
	StampedeSuppressionRate                                             float64
}

func (a *Accounting) Snapshot() Snapshot {
	hits := a.Hits.Load()
	misses := a.Misses.Load()
	coalesced := a.Coalesced.Load()
	savedCount := a.latencySavedCount.Load()

	snap := Snapshot{
		Hits: hits, Misses: misses, Coalesced: coalesced,
		Errors: a.Errors.Load(), Bypass: a.Bypass.Load(),
		PayloadTooLarge: a.PayloadTooLarge.Load(), StaleError: a.StaleError.Load(),
		PayloadBytesSum:    a.payloadBytesSum.Load(),
		LastLatencySavedMS: float64(a.latencySavedLastMS.Load()),
	}
	if savedCount > 0 {
		snap.AvgLatencySavedMS = float64(a.latencySavedSumMS.Load()) / float64(savedCount)
	}
	if misses+coalesced > 0 {
		snap.StampedeSuppressionRate = float64(coalesced) / float64(misses+coalesced)
	}
	a.mu.Lock()
	snap.MaxHitAgeSecs = a.maxHitAgeSecs
	a.mu.Unlock()
	return snap
}

// Compute is invoked by Resolve on a cache miss to produce the value that
// will be cached under its returned digest.
type Compute func(ctx context.Context) (json.RawMessage, error)

// Result is everything Resolve learns about one lookup: the value, the
// outcome classification, and the fields the tool.cache event and the
// savings-accounting metrics need.
type Result struct {
	Value     json.RawMessage
	Outcome   Outcome
	Digest    string
	Cached    bool
	ElapsedMS int64
	AgeSecs   float64
	Reason    string
}

// Cache combines the fingerprint index (Store), a singleflight group for
// request coalescing, and the accounting side channel.
type Cache struct {
	store      *Store
	group      singleflight.Group
	Accounting Accounting

	mu       sync.Mutex
	inFlight map[string]bool
}

// New wraps store with single-flight coalescing.
func New(store *Store) *Cache {
	return &Cache{store: store, inFlight: make(map[string]bool)}
}

// StoreLen reports the number of live entries held in the underlying
// index, for the arw_tool_cache_entries gauge.
func (c *Cache) StoreLen() int { return c.store.Len() }

// Resolve looks up fingerprint; on hit it returns the cached value
// directly. On miss, concurrent callers sharing fingerprint coalesce onto a
// single compute invocation via singleflight, for request deduplication.
// Miss-vs-coalesced accounting is decided independently by claim/release
// (see below), not by singleflight's shared flag.
func (c *Cache) Resolve(ctx context.Context, fingerprint string, compute Compute) (Result, error) {
	lookupStart := time.Now()
	if entry, stale, lookupErr := c.store.Lookup(fingerprint); lookupErr == nil {
		latencySaved := entry.MissElapsedMS - time.Since(lookupStart).Milliseconds()
		c.Accounting.Hits.Add(1)
		c.Accounting.recordHit(entry.PayloadBytes, latencySaved, entry.AgeSecs)
		return Result{
			Value: entry.Value, Outcome: OutcomeHit, Digest: entry.Digest,
			Cached: true, AgeSecs: entry.AgeSecs,
		}, nil
	} else if stale {
		c.Accounting.StaleError.Add(1)
	}

	type computed struct {
		value     json.RawMessage
		digest    string
		elapsedMS int64
	}

	// isProducer is decided by our own flag, set before entering the
	// singleflight group, not by the group's "shared" return value: shared
	// only tells us a call was deduplicated, not which caller is the one
	// that should be billed as the miss. Exactly one caller per in-flight
	// window claims the fingerprint; everyone else is coalesced.
	isProducer := c.claim(fingerprint)

	start := time.Now()
	raw, err, _ := c.group.Do(fingerprint, func() (any, error) {
		computeStart := time.Now()
		val, computeErr := compute(ctx)
		elapsedMS := time.Since(computeStart).Milliseconds()
		if computeErr != nil {
			return nil, computeErr
		}
		digest := contentDigest(val)
		if putErr := c.store.Put(fingerprint, digest, val, elapsedMS); putErr != nil {
			return nil, putErr
		}
		return computed{value: val, digest: digest, elapsedMS: elapsedMS}, nil
	})
	if isProducer {
		c.release(fingerprint)
	}
	totalElapsedMS := time.Since(start).Milliseconds()
	if err != nil {
		if err == ErrPayloadTooLarge {
			c.Accounting.PayloadTooLarge.Add(1)
			return Result{Outcome: OutcomeError, Reason: "payload_too_large", ElapsedMS: totalElapsedMS}, err
		}
		c.Accounting.Errors.Add(1)
		return Result{Outcome: OutcomeError, Reason: err.Error(), ElapsedMS: totalElapsedMS}, err
	}
	res := raw.(computed)
	if !isProducer {
		c.Accounting.Coalesced.Add(1)
		return Result{Value: res.value, Outcome: OutcomeCoalesced, Digest: res.digest, ElapsedMS: totalElapsedMS}, nil
	}
	c.Accounting.Misses.Add(1)
	return Result{Value: res.value, Outcome: OutcomeMiss, Digest: res.digest, ElapsedMS: totalElapsedMS}, nil
}

// claim registers this caller as the producer for fingerprint if no other
// caller currently holds that claim, returning true when it succeeds. The
// claim stays held until release, which only the producer calls, after its
// own group.Do returns — so every caller that arrives while a compute is
// in flight for fingerprint sees claim return false and is counted as
// coalesced, regardless of singleflight's internal scheduling.
func (c *Cache) claim(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[fingerprint] {
		return false
	}
	c.inFlight[fingerprint] = true
	return true
}

func (c *Cache) release(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, fingerprint)
}

// contentDigest is the blob's own content address (distinct from the
// fingerprint, which addresses the request rather than the response).
func contentDigest(value json.RawMessage) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

package toolcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrMiss is returned by Store.Lookup when no (non-expired) entry exists
// for the fingerprint.
var ErrMiss = errors.New("toolcache: miss")

// ErrPayloadTooLarge is returned by Store.Put when value exceeds the
// store's maxPayloadBytes limit; the caller must count it separately from
// a plain compute error.
var ErrPayloadTooLarge = errors.New("toolcache: payload too large")

// indexEntry is the in-memory record mapping a fingerprint to its
// content digest, wrapped with a TTL and layered over
// hashicorp/golang-lru/v2's eviction order.
// payloadBytes/missElapsedMS feed the savings-accounting side channel: a
// hit's latency saved is missElapsedMS minus the hit's own lookup cost.
type indexEntry struct {
	digest        string
	expiresAt     time.Time
	createdAt     time.Time
	payloadBytes  int
	missElapsedMS int64
}

// Entry is the hydrated result of a cache hit, carrying the sidecar
// metrics recorded alongside the value at Put time.
type Entry struct {
	Value         json.RawMessage
	Digest        string
	PayloadBytes  int
	MissElapsedMS int64
	AgeSecs       float64
}

// Store is the in-memory LRU-with-TTL fingerprint index, backed by a
// content-addressed blob directory on disk. Capacity 0 disables the cache
// entirely (Lookup always misses, Put is a no-op).
type Store struct {
	mu              sync.Mutex
	index           *lru.Cache[string, indexEntry]
	ttl             time.Duration
	blobDir         string
	disabled        bool
	maxPayloadBytes int
}

// NewStore creates a Store with capacity entries (0 disables caching),
// ttl per entry, and blobDir as the on-disk content-addressed store root
// (<state>/tools/by-digest/<digest>.json). maxPayloadBytes <= 0 disables
// the payload size guard.
func NewStore(capacity int, ttl time.Duration, blobDir string, maxPayloadBytes int) (*Store, error) {
	if capacity <= 0 {
		return &Store{disabled: true}, nil
	}
	idx, err := lru.New[string, indexEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("toolcache: new lru: %w", err)
	}
	if blobDir != "" {
		if err := os.MkdirAll(blobDir, 0o755); err != nil {
			return nil, fmt.Errorf("toolcache: create blob dir: %w", err)
		}
	}
	return &Store{index: idx, ttl: ttl, blobDir: blobDir, maxPayloadBytes: maxPayloadBytes}, nil
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.blobDir, digest+".json")
}

// Put stores value under digest (idempotent: re-writing the same digest
// with the same bytes is a cheap no-op write) and indexes fingerprint ->
// digest with the store's TTL, recording missElapsedMS and the payload
// size for the accounting side channel. Returns ErrPayloadTooLarge without
// writing anything when value exceeds the store's configured limit.
func (s *Store) Put(fingerprint, digest string, value json.RawMessage, missElapsedMS int64) error {
	if s.disabled {
		return nil
	}
	if s.maxPayloadBytes > 0 && len(value) > s.maxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if s.blobDir != "" {
		if err := os.WriteFile(s.blobPath(digest), value, 0o644); err != nil {
			return fmt.Errorf("toolcache: write blob: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Add(fingerprint, indexEntry{
		digest:        digest,
		expiresAt:     time.Now().Add(s.ttl),
		createdAt:     time.Now(),
		payloadBytes:  len(value),
		missElapsedMS: missElapsedMS,
	})
	return nil
}

// Lookup resolves fingerprint to its cached entry. An expired index entry
// is invalidated and reported as a plain ErrMiss. A stale index entry
// (whose blob is missing/undecodable) is invalidated and reported as
// ErrMiss with stale=true so the caller can count it as an error rather
// than a clean miss.
func (s *Store) Lookup(fingerprint string) (entry Entry, stale bool, err error) {
	if s.disabled {
		return Entry{}, false, ErrMiss
	}
	s.mu.Lock()
	idxEntry, ok := s.index.Get(fingerprint)
	s.mu.Unlock()
	if !ok {
		return Entry{}, false, ErrMiss
	}
	if time.Now().After(idxEntry.expiresAt) {
		s.invalidate(fingerprint)
		return Entry{}, false, ErrMiss
	}
	if s.blobDir == "" {
		return Entry{}, false, ErrMiss
	}
	data, err := os.ReadFile(s.blobPath(idxEntry.digest))
	if err != nil {
		s.invalidate(fingerprint)
		return Entry{}, true, ErrMiss
	}
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		s.invalidate(fingerprint)
		return Entry{}, true, ErrMiss
	}
	return Entry{
		Value:         data,
		Digest:        idxEntry.digest,
		PayloadBytes:  idxEntry.payloadBytes,
		MissElapsedMS: idxEntry.missElapsedMS,
		AgeSecs:       time.Since(idxEntry.createdAt).Seconds(),
	}, false, nil
}

func (s *Store) invalidate(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Remove(fingerprint)
}

// Len reports the number of live index entries, for metrics.
func (s *Store) Len() int {
	if s.disabled {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arwlocal/runtime/internal/app/core"
)

// MemStore is the in-memory Store implementation used by default
// (ARW_STATE_DRIVER=memory) and in tests. All methods are safe for
// concurrent use; every read returns a defensive copy so callers can
// mutate the result without racing the store.
type MemStore struct {
	mu sync.RWMutex

	actions    map[string]core.Action
	actionsByK map[string]string // idem key -> action id
	queue      []string          // queued action ids, FIFO

	events   []core.Event
	nextEvID int64

	leases map[string]core.Lease

	memory     map[string]core.MemoryItem
	dedupe     map[string]string // lane|hash -> item id

	egress []core.EgressRow
	nextEg int64

	contrib   []core.Contribution
	nextContr int64
}

// New returns an empty in-memory Store.
func New() *MemStore {
	return &MemStore{
		actions:    make(map[string]core.Action),
		actionsByK: make(map[string]string),
		leases:     make(map[string]core.Lease),
		memory:     make(map[string]core.MemoryItem),
		dedupe:     make(map[string]string),
	}
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String())
}

// --- actions ---

func (s *MemStore) CreateAction(ctx context.Context, action core.Action) (core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if action.IdemKey != "" {
		if existingID, ok := s.actionsByK[action.IdemKey]; ok {
			return s.actions[existingID], nil
		}
	}

	if action.ID == "" {
		action.ID = newID("act")
	}
	now := time.Now().UTC()
	action.State = core.ActionQueued
	action.CreatedAt = now
	action.UpdatedAt = now

	s.actions[action.ID] = action
	if action.IdemKey != "" {
		s.actionsByK[action.IdemKey] = action.ID
	}
	s.queue = append(s.queue, action.ID)
	return action, nil
}

func (s *MemStore) GetAction(ctx context.Context, id string) (core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return core.Action{}, ErrNotFound
	}
	return a, nil
}

func (s *MemStore) ListActions(ctx context.Context, state core.ActionState, limit int) ([]core.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Action, 0, len(s.actions))
	for _, a := range s.actions {
		if state != "" && a.State != state {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DequeueNext(ctx context.Context) (core.Action, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		a, ok := s.actions[id]
		if !ok || a.State != core.ActionQueued {
			continue
		}
		a.State = core.ActionRunning
		a.UpdatedAt = time.Now().UTC()
		s.actions[id] = a
		return a, true, nil
	}
	return core.Action{}, false, nil
}

func (s *MemStore) CompleteAction(ctx context.Context, id string, output []byte) (core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return core.Action{}, ErrNotFound
	}
	a.State = core.ActionCompleted
	a.Output = output
	a.UpdatedAt = time.Now().UTC()
	s.actions[id] = a
	return a, nil
}

func (s *MemStore) FailAction(ctx context.Context, id string, errMsg string) (core.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return core.Action{}, ErrNotFound
	}
	a.State = core.ActionFailed
	a.Error = errMsg
	a.UpdatedAt = time.Now().UTC()
	s.actions[id] = a
	return a, nil
}

func (s *MemStore) QueueDepth(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	depth := 0
	for _, id := range s.queue {
		if a, ok := s.actions[id]; ok && a.State == core.ActionQueued {
			depth++
		}
	}
	return depth, nil
}

// --- events ---

func (s *MemStore) AppendEvent(ctx context.Context, event core.Event) (core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvID++
	event.ID = s.nextEvID
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	s.events = append(s.events, event)
	return event, nil
}

func (s *MemStore) ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Event, 0)
	for _, e := range s.events {
		if e.ID <= sinceID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) LatestEventID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextEvID, nil
}

// --- leases ---

func (s *MemStore) PutLease(ctx context.Context, lease core.Lease) (core.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease.ID == "" {
		lease.ID = newID("lease")
	}
	s.leases[lease.ID] = lease
	return lease, nil
}

func (s *MemStore) GetLease(ctx context.Context, id string) (core.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[id]
	if !ok {
		return core.Lease{}, ErrNotFound
	}
	return l, nil
}

func (s *MemStore) ListLeasesForSubject(ctx context.Context, subject string) ([]core.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Lease, 0)
	for _, l := range s.leases {
		if l.Subject == subject {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemStore) RevokeLease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
	return nil
}

// --- memory items ---

func dedupeKey(lane, hash string) string { return lane + "|" + hash }

func (s *MemStore) PutMemoryItem(ctx context.Context, item core.MemoryItem) (core.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = newID("mem")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.memory[item.ID] = item
	if item.DedupeHash != "" {
		s.dedupe[dedupeKey(item.Lane, item.DedupeHash)] = item.ID
	}
	return item, nil
}

func (s *MemStore) GetMemoryItem(ctx context.Context, id string) (core.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memory[id]
	if !ok {
		return core.MemoryItem{}, ErrNotFound
	}
	return m, nil
}

func (s *MemStore) ListMemoryItems(ctx context.Context, lane string, limit int) ([]core.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.MemoryItem, 0)
	for _, m := range s.memory {
		if lane != "" && m.Lane != lane {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) FindByDedupeHash(ctx context.Context, lane, hash string) (core.MemoryItem, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.dedupe[dedupeKey(lane, hash)]
	if !ok {
		return core.MemoryItem{}, false, nil
	}
	m, ok := s.memory[id]
	return m, ok, nil
}

func (s *MemStore) DeleteExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	removed := 0
	for id, m := range s.memory {
		if m.TTLSeconds <= 0 {
			continue
		}
		if now.Sub(m.CreatedAt) > time.Duration(m.TTLSeconds)*time.Second {
			delete(s.memory, id)
			if m.DedupeHash != "" {
				delete(s.dedupe, dedupeKey(m.Lane, m.DedupeHash))
			}
			removed++
		}
	}
	return removed, nil
}

// --- egress ledger ---

func (s *MemStore) AppendEgressRow(ctx context.Context, row core.EgressRow) (core.EgressRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEg++
	row.ID = s.nextEg
	if row.Time.IsZero() {
		row.Time = time.Now().UTC()
	}
	s.egress = append(s.egress, row)
	return row, nil
}

func (s *MemStore) ListEgressRows(ctx context.Context, limit int) ([]core.EgressRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.EgressRow, len(s.egress))
	copy(out, s.egress)
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- contributions ---

func (s *MemStore) AppendContribution(ctx context.Context, c core.Contribution) (core.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextContr++
	c.ID = s.nextContr
	if c.Time.IsZero() {
		c.Time = time.Now().UTC()
	}
	s.contrib = append(s.contrib, c)
	return c, nil
}

func (s *MemStore) ListContributions(ctx context.Context, subject string, limit int) ([]core.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Contribution, 0)
	for _, c := range s.contrib {
		if subject != "" && c.Subject != subject {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)

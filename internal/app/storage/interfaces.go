// Package storage defines the persistence contract for actions, events,
// leases, memory items, egress ledger rows, and contribution rows, and
// ships two implementations: an in-memory store for single-node/dev use
// and a Postgres-backed store (internal/app/storage/postgres) for the
// durable-queue case where FOR UPDATE SKIP LOCKED dequeue matters.
package storage

import (
	"context"
	"errors"

	"github.com/arwlocal/runtime/internal/app/core"
)

// ErrNotFound is returned by Get-style lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrIdemConflict names an idempotency-key conflict. Neither built-in store
// returns it: CreateAction returns the existing action for a known key
// whatever its input.
var ErrIdemConflict = errors.New("storage: idempotency key conflict")

// ActionStore persists the Kernel Store's action queue and state machine.
type ActionStore interface {
	// CreateAction inserts a new queued action. If idemKey is non-empty and
	// an action already exists under it, the existing action is returned
	// instead of inserting a duplicate (idempotent submit).
	CreateAction(ctx context.Context, action core.Action) (core.Action, error)
	GetAction(ctx context.Context, id string) (core.Action, error)
	ListActions(ctx context.Context, state core.ActionState, limit int) ([]core.Action, error)

	// DequeueNext atomically claims the oldest queued action and marks it
	// running, returning ok=false when the queue is empty. Implementations
	// must guarantee at most one caller ever claims a given action (P1).
	DequeueNext(ctx context.Context) (action core.Action, ok bool, err error)

	// CompleteAction transitions a running action to completed with output.
	CompleteAction(ctx context.Context, id string, output []byte) (core.Action, error)
	// FailAction transitions a running action to failed with an error string.
	FailAction(ctx context.Context, id string, errMsg string) (core.Action, error)

	QueueDepth(ctx context.Context) (int, error)
}

// EventStore persists the append-only event log backing bus replay and the
// /events history endpoint.
type EventStore interface {
	AppendEvent(ctx context.Context, event core.Event) (core.Event, error)
	ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]core.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// LeaseStore persists capability leases granted to subjects.
type LeaseStore interface {
	PutLease(ctx context.Context, lease core.Lease) (core.Lease, error)
	GetLease(ctx context.Context, id string) (core.Lease, error)
	ListLeasesForSubject(ctx context.Context, subject string) ([]core.Lease, error)
	RevokeLease(ctx context.Context, id string) error
}

// MemoryStore persists working-set memory items across retrieval lanes.
type MemoryStore interface {
	PutMemoryItem(ctx context.Context, item core.MemoryItem) (core.MemoryItem, error)
	GetMemoryItem(ctx context.Context, id string) (core.MemoryItem, error)
	ListMemoryItems(ctx context.Context, lane string, limit int) ([]core.MemoryItem, error)
	// FindByDedupeHash supports write-time deduplication within a lane.
	FindByDedupeHash(ctx context.Context, lane, hash string) (core.MemoryItem, bool, error)
	DeleteExpired(ctx context.Context) (int, error)
}

// EgressLedgerStore persists the append-only egress decision ledger.
type EgressLedgerStore interface {
	AppendEgressRow(ctx context.Context, row core.EgressRow) (core.EgressRow, error)
	ListEgressRows(ctx context.Context, limit int) ([]core.EgressRow, error)
}

// ContributionStore persists accounting rows for the economy/ledger-sync
// periodic task.
type ContributionStore interface {
	AppendContribution(ctx context.Context, c core.Contribution) (core.Contribution, error)
	ListContributions(ctx context.Context, subject string, limit int) ([]core.Contribution, error)
}

// Store aggregates every persistence concern the runtime depends on. A
// single backing implementation (memory.Store or postgres.Store) satisfies
// all of them so the composition root wires exactly one Store.
type Store interface {
	ActionStore
	EventStore
	LeaseStore
	MemoryStore
	EgressLedgerStore
	ContributionStore
}

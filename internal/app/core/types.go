// Package core holds the shared record types passed between every component
// of the runtime (actions, events, leases, memory items, egress rows). It is
// a leaf package: it imports nothing from the rest of internal/app so that
// storage, bus, policy, pipeline, and the HTTP/gRPC surfaces can all depend
// on it without cycles.
package core

import (
	"encoding/json"
	"time"
)

// ActionState is a position in the action state machine. Transitions only
// ever move queued -> running -> {completed, failed}.
type ActionState string

const (
	ActionQueued    ActionState = "queued"
	ActionRunning   ActionState = "running"
	ActionCompleted ActionState = "completed"
	ActionFailed    ActionState = "failed"
)

// Action is a durable, typed tool invocation request.
type Action struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Input     json.RawMessage `json:"input"`
	IdemKey   string          `json:"idem_key,omitempty"`
	State     ActionState     `json:"state"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is a durable row backing the bus's replay ring and /events history.
type Event struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	CorrID  string          `json:"corr_id,omitempty"`
}

// Lease grants a capability to a subject until TTLUntil.
type Lease struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Capability string    `json:"capability"`
	Scope      string    `json:"scope,omitempty"`
	TTLUntil   time.Time `json:"ttl_until"`
}

// Valid reports whether the lease has not yet expired.
func (l Lease) Valid(now time.Time) bool {
	return now.Before(l.TTLUntil)
}

// Memory durability/privacy enums.
const (
	DurabilityVolatile = "volatile"
	DurabilityShort    = "short"
	DurabilityLong     = "long"

	PrivacyPrivate = "private"
	PrivacyProject = "project"
	PrivacyInternal = "internal"
)

// MemoryItem is one row in a retrieval lane.
type MemoryItem struct {
	ID         string          `json:"id"`
	Lane       string          `json:"lane"`
	Kind       string          `json:"kind,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Text       string          `json:"text,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Score      float64         `json:"score,omitempty"`
	Prob       float64         `json:"prob,omitempty"`
	Durability string          `json:"durability,omitempty"`
	Privacy    string          `json:"privacy,omitempty"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
	ProjectID  string          `json:"project_id,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	PersonaID  string          `json:"persona_id,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	DedupeHash string          `json:"-"`
}

// EgressDecision is the verdict recorded for one proxy request.
type EgressDecision string

const (
	EgressAllow EgressDecision = "allow"
	EgressDeny  EgressDecision = "deny"
	EgressError EgressDecision = "error"
)

// EgressRow is one append-only ledger entry.
type EgressRow struct {
	ID        int64          `json:"id"`
	Decision  EgressDecision `json:"decision"`
	Reason    string         `json:"reason"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Protocol  string         `json:"protocol"`
	BytesIn   int64          `json:"bytes_in"`
	BytesOut  int64          `json:"bytes_out"`
	CorrID    string         `json:"corr_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Posture   string         `json:"posture"`
	Time      time.Time      `json:"time"`
}

// Descriptor advertises a running component's identity, as collected by
// system.Manager.Descriptors.
type Descriptor struct {
	Name  string `json:"name"`
	Layer string `json:"layer"`
	Notes string `json:"notes,omitempty"`
}

// Contribution is a simple accounting row (task.submit, task.complete, ...).
type Contribution struct {
	ID      int64     `json:"id"`
	Subject string    `json:"subject"`
	Kind    string    `json:"kind"`
	Qty     float64   `json:"qty"`
	Unit    string    `json:"unit"`
	Time    time.Time `json:"time"`
}

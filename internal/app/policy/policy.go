// Package policy implements the capability-based policy engine: a pure
// (action_kind) -> Decision evaluator backed by an in-process allow/deny
// rule list (given to New, replaced by SetRules) plus the fixed
// capability-prefix satisfaction rules.
package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

// Decision is the evaluator's verdict for one action kind.
type Decision struct {
	Allow             bool
	RequireCapability string
	Explain           map[string]any
}

// Rule binds an action-kind prefix to a verdict. Rules are evaluated in
// order; the first match wins. An empty Prefix matches every kind (use it
// as the default/fallback rule).
type Rule struct {
	Prefix            string
	Allow             bool
	RequireCapability string
	Reason            string
}

// Engine evaluates action kinds against a rule list guarded by a single
// RWMutex, so a rule reload (SetRules) never races an in-flight Evaluate.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// New returns an Engine seeded with rules. Call SetRules to hot-reload.
func New(rules []Rule) *Engine {
	e := &Engine{}
	e.SetRules(rules)
	return e
}

// SetRules atomically replaces the rule list.
func (e *Engine) SetRules(rules []Rule) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	e.mu.Lock()
	e.rules = cp
	e.mu.Unlock()
}

// Evaluate returns the decision for kind. The core treats this as pure: it
// never blocks and never consults the lease store itself.
func (e *Engine) Evaluate(kind string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Prefix == "" || strings.HasPrefix(kind, r.Prefix) {
			explain := map[string]any{"rule": r.Prefix, "reason": r.Reason}
			return Decision{Allow: r.Allow, RequireCapability: r.RequireCapability, Explain: explain}
		}
	}
	return Decision{Allow: false, RequireCapability: kind, Explain: map[string]any{"reason": "no matching rule"}}
}

// CapabilitySatisfies reports whether held (a lease's Capability) satisfies a
// request for required, per the partially ordered capability rules: net:http
// is satisfied by net:http, net:https, or io:egress; fs:* is satisfied by any
// capability with an "fs" prefix; otherwise an exact match is required.
func CapabilitySatisfies(held, required string) bool {
	if held == required {
		return true
	}
	switch required {
	case "net:http":
		switch held {
		case "net:https", "io:egress":
			return true
		}
		return false
	}
	if strings.HasSuffix(required, ":*") {
		prefix := strings.TrimSuffix(required, ":*")
		return strings.HasPrefix(held, prefix)
	}
	return false
}

// LeaseAuthorizer consults a LeaseStore to find a valid lease satisfying a
// required capability for a subject, used by callers that observe
// Decision.Allow=false with a RequireCapability.
type LeaseAuthorizer struct {
	leases storage.LeaseStore
	clock  func() time.Time
}

// NewLeaseAuthorizer wraps a LeaseStore. A nil clock defaults to time.Now.
func NewLeaseAuthorizer(leases storage.LeaseStore, clock func() time.Time) *LeaseAuthorizer {
	if clock == nil {
		clock = time.Now
	}
	return &LeaseAuthorizer{leases: leases, clock: clock}
}

// FindValidLease returns the first lease for subject whose capability
// satisfies required and has not expired.
func (a *LeaseAuthorizer) FindValidLease(ctx context.Context, subject, required string) (core.Lease, bool, error) {
	leases, err := a.leases.ListLeasesForSubject(ctx, subject)
	if err != nil {
		return core.Lease{}, false, err
	}
	now := a.clock()
	for _, l := range leases {
		if !l.Valid(now) {
			continue
		}
		if CapabilitySatisfies(l.Capability, required) {
			return l, true, nil
		}
	}
	return core.Lease{}, false, nil
}

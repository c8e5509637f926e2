// Package pipeline implements the action pipeline (C7): submit ->
// policy/lease evaluation -> idempotent dedupe -> queue admission -> worker
// dispatch -> tool cache lookup -> tool execution with egress policy ->
// result persistence -> event emission. The worker pool's buffered-poll/
// backoff shape is generalized from the teacher's dispatcher idiom
// (buffered channel, bounded worker goroutines, non-blocking drop on a full
// queue) re-expressed against core.Action instead of blockchain events.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/apperr"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/metrics"
	"github.com/arwlocal/runtime/internal/app/policy"
	"github.com/arwlocal/runtime/internal/app/storage"
	"github.com/arwlocal/runtime/internal/app/toolcache"
)

// SubmitRequest is the caller-supplied action submission.
type SubmitRequest struct {
	Kind    string
	Input   json.RawMessage
	IdemKey string
}

// SubmitResult mirrors the HTTP/gRPC submit response envelope.
type SubmitResult struct {
	ID     string `json:"id"`
	Reused bool   `json:"reused,omitempty"`
	Staged bool   `json:"staged,omitempty"`
}

// QueueMaxDefault is the queue admission cap New applies when Config.QueueMax
// is 0, so a zero QueueMax does not disable the check; a negative one does.
const QueueMaxDefault = 1024

// Pipeline owns action submission, queue admission, and the worker pool
// that drains the queue.
type Pipeline struct {
	store    storage.Store
	policy   *policy.Engine
	leases   *policy.LeaseAuthorizer
	eventBus *bus.Bus
	cache    *toolcache.Cache
	tools    *ToolRegistry
	log      *alog.Logger

	queueMax     int
	numWorkers   int
	ledgerEnable bool
	posture      string

	stop   chan struct{}
	done   chan struct{}
}

// Config configures queue admission and worker concurrency.
type Config struct {
	QueueMax     int
	NumWorkers   int
	LedgerEnable bool
	Posture      string
}

// New builds a Pipeline. A zero Config uses QueueMaxDefault and 4 workers.
func New(store storage.Store, pol *policy.Engine, leases *policy.LeaseAuthorizer, eventBus *bus.Bus, cache *toolcache.Cache, tools *ToolRegistry, log *alog.Logger, cfg Config) *Pipeline {
	if cfg.QueueMax == 0 {
		cfg.QueueMax = QueueMaxDefault
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	return &Pipeline{
		store:        store,
		policy:       pol,
		leases:       leases,
		eventBus:     eventBus,
		cache:        cache,
		tools:        tools,
		log:          log,
		queueMax:     cfg.QueueMax,
		numWorkers:   cfg.NumWorkers,
		ledgerEnable: cfg.LedgerEnable,
		posture:      cfg.Posture,
	}
}

// Submit runs the submit(req) sequence from §4.7: policy/lease gate,
// idempotent dedupe, queue admission, and persistence.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	decision := p.policy.Evaluate(req.Kind)
	if !decision.Allow {
		cap := decision.RequireCapability
		if _, ok, err := p.leaseOK(ctx, cap); err != nil {
			return SubmitResult{}, apperr.Internal(err)
		} else if !ok {
			p.publish(ctx, "policy.decision", map[string]any{"kind": req.Kind, "require_capability": cap, "explain": decision.Explain}, "")
			return SubmitResult{}, apperr.PolicyDenied(cap, decision.Explain)
		}
	}

	if req.IdemKey != "" {
		existing, err := p.findByIdemKey(ctx, req.IdemKey)
		if err == nil {
			return SubmitResult{ID: existing.ID, Reused: true}, nil
		}
	}

	if p.queueMax > 0 {
		depth, err := p.store.QueueDepth(ctx)
		if err != nil {
			return SubmitResult{}, apperr.Internal(err)
		}
		metrics.ActionsQueueDepth.Set(float64(depth))
		if depth >= p.queueMax {
			return SubmitResult{}, apperr.QueueFull(p.queueMax, depth)
		}
	}

	action, err := p.store.CreateAction(ctx, core.Action{Kind: req.Kind, Input: req.Input, IdemKey: req.IdemKey})
	if err != nil {
		return SubmitResult{}, apperr.Internal(err)
	}
	p.publish(ctx, "actions.submitted", map[string]any{"id": action.ID, "kind": action.Kind}, "")
	p.appendContribution(ctx, "task.submit", 1)
	return SubmitResult{ID: action.ID}, nil
}

func (p *Pipeline) leaseOK(ctx context.Context, capability string) (core.Lease, bool, error) {
	if p.leases == nil || capability == "" {
		return core.Lease{}, false, nil
	}
	return p.leases.FindValidLease(ctx, "local", capability)
}

func (p *Pipeline) findByIdemKey(ctx context.Context, idemKey string) (core.Action, error) {
	actions, err := p.store.ListActions(ctx, "", 0)
	if err != nil {
		return core.Action{}, err
	}
	for _, a := range actions {
		if a.IdemKey == idemKey {
			return a, nil
		}
	}
	return core.Action{}, storage.ErrNotFound
}

// Start launches the worker pool. Each worker polls DequeueNext, sleeping
// ~200ms when empty and backing off ~500ms on error, matching the
// teacher's poll/backoff dispatcher idiom.
func (p *Pipeline) Start(ctx context.Context) error {
	p.stop = make(chan struct{})
	p.done = make(chan struct{}, p.numWorkers)
	metrics.WorkersConfigured.Set(float64(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		go p.workerLoop(ctx)
	}
	return nil
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	for i := 0; i < p.numWorkers; i++ {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	defer func() { p.done <- struct{}{} }()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		action, ok, err := p.store.DequeueNext(ctx)
		if err != nil {
			p.log.WithError(err).Warn("dequeue action")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if depth, err := p.store.QueueDepth(ctx); err == nil {
			metrics.ActionsQueueDepth.Set(float64(depth))
		}
		p.runAction(ctx, action)
	}
}

func (p *Pipeline) runAction(ctx context.Context, action core.Action) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	p.publish(ctx, "actions.running", map[string]any{"id": action.ID, "kind": action.Kind}, "")

	output, runErr := p.dispatch(ctx, action)
	if runErr != nil {
		failed, err := p.store.FailAction(ctx, action.ID, runErr.Error())
		if err != nil {
			p.log.WithError(err).Error("persist failed action")
			return
		}
		p.publish(ctx, "actions.failed", map[string]any{"id": failed.ID, "error": failed.Error}, "")
		p.appendContribution(ctx, "task.complete", 1)
		return
	}

	completed, err := p.store.CompleteAction(ctx, action.ID, output)
	if err != nil {
		p.log.WithError(err).Error("persist completed action")
		return
	}
	p.publish(ctx, "actions.completed", map[string]any{"id": completed.ID, "output": json.RawMessage(completed.Output)}, "")
	p.appendContribution(ctx, "task.complete", 1)
}

// dispatch routes by kind per §4.7's worker loop: network/filesystem/app
// kinds require specific capabilities and publish side-effect events;
// every other kind goes through the content-addressed tool cache.
func (p *Pipeline) dispatch(ctx context.Context, action core.Action) (json.RawMessage, error) {
	switch action.Kind {
	case "net.http.get":
		return p.runNetHTTPGet(ctx, action)
	case "fs.patch":
		return p.runWithLeaseGate(ctx, action, "fs.", "fs", "fs:patch", "projects.file.written")
	case "app.vscode.open":
		return p.runWithLeaseGate(ctx, action, "app.vscode.", "io:app:vscode", "io:app", "apps.vscode.opened")
	default:
		return p.runCacheable(ctx, action)
	}
}

func (p *Pipeline) runNetHTTPGet(ctx context.Context, action core.Action) (json.RawMessage, error) {
	decision := p.policy.Evaluate("net.http.")
	if !decision.Allow {
		if _, ok, err := p.leaseEither(ctx, "net:http", "io:egress"); err != nil || !ok {
			p.recordEgress(ctx, core.EgressDeny, "no_lease", "", 0, 0, action.ID)
			return json.RawMessage(`{"error":"lease required: net:http or io:egress"}`), nil
		}
	}
	result, err := p.tools.Run(ctx, "http.fetch", action.Input)
	if err != nil {
		if denied, ok := apperr.As(err); ok && denied.Code == apperr.CodeEgressDenied {
			reason, _ := denied.Details["reason"].(string)
			host, _ := denied.Details["dest_host"].(string)
			port, _ := denied.Details["dest_port"].(int)
			p.recordEgress(ctx, core.EgressDeny, reason, host, port, 0, action.ID)
			return json.RawMessage(fmt.Sprintf(`{"error":"egress_denied","reason":%q}`, reason)), nil
		}
		p.recordEgress(ctx, core.EgressError, "connect", "", 0, 0, action.ID)
		return json.RawMessage(fmt.Sprintf(`{"error":"runtime","detail":%q}`, err.Error())), nil
	}

	var fetched httpFetchResult
	_ = json.Unmarshal(result, &fetched)
	p.recordEgress(ctx, core.EgressAllow, "ok", fetched.Host, fetched.Port, fetched.BytesIn, action.ID)
	return result, nil
}

// recordEgress appends an egress ledger row and publishes
// egress.ledger.appended, mirroring the proxy gateway's recordDecision so
// the net.http.get worker path and the forward proxy share one ledger
// shape. corrID is the action ID, since worker-dispatched tool calls have
// no inbound request correlation header to thread through.
func (p *Pipeline) recordEgress(ctx context.Context, decision core.EgressDecision, reason, host string, port int, bytesIn int64, corrID string) {
	row := core.EgressRow{
		Decision: decision,
		Reason:   reason,
		Host:     host,
		Port:     port,
		Protocol: "http",
		BytesIn:  bytesIn,
		CorrID:   corrID,
		Posture:  p.posture,
		Time:     time.Now().UTC(),
	}
	if p.ledgerEnable {
		stored, err := p.store.AppendEgressRow(ctx, row)
		if err == nil {
			row = stored
		} else {
			p.log.WithError(err).Warn("append egress ledger row")
		}
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return
	}
	if p.eventBus == nil {
		return
	}
	if _, err := p.eventBus.Publish(ctx, core.Event{Kind: "egress.ledger.appended", Payload: payload, CorrID: corrID}); err != nil {
		p.log.WithError(err).Warn("publish egress.ledger.appended")
	}
}

func (p *Pipeline) runWithLeaseGate(ctx context.Context, action core.Action, policyPrefix, capA, capB, publishKind string) (json.RawMessage, error) {
	decision := p.policy.Evaluate(policyPrefix)
	if !decision.Allow {
		if _, ok, err := p.leaseEither(ctx, capA, capB); err != nil || !ok {
			return nil, fmt.Errorf("lease required: %s or %s", capA, capB)
		}
	}
	result, err := p.tools.Run(ctx, action.Kind, action.Input)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, publishKind, map[string]any{"id": action.ID}, "")
	return result, nil
}

func (p *Pipeline) leaseEither(ctx context.Context, a, b string) (core.Lease, bool, error) {
	if lease, ok, err := p.leaseOK(ctx, a); ok || err != nil {
		return lease, ok, err
	}
	return p.leaseOK(ctx, b)
}

func (p *Pipeline) runCacheable(ctx context.Context, action core.Action) (json.RawMessage, error) {
	start := time.Now()
	cacheable := p.tools.Cacheable(action.Kind)
	if !cacheable {
		metrics.ToolCacheBypass.Inc()
		p.cache.Accounting.Bypass.Add(1)
		value, err := p.tools.Run(ctx, action.Kind, action.Input)
		p.publishToolCache(ctx, action, "", toolcache.Result{Outcome: toolcache.OutcomeNotCache}, time.Since(start).Milliseconds())
		return value, err
	}

	fingerprint, err := toolcache.Fingerprint(action.Kind, p.tools.Version(action.Kind), action.Input, p.tools.EnvSignature())
	if err != nil {
		return nil, err
	}
	result, err := p.cache.Resolve(ctx, fingerprint, func(ctx context.Context) (json.RawMessage, error) {
		return p.tools.Run(ctx, action.Kind, action.Input)
	})
	elapsedMS := time.Since(start).Milliseconds()
	if err != nil {
		if err == toolcache.ErrPayloadTooLarge {
			metrics.ToolCachePayloadTooLarge.Inc()
		} else {
			metrics.ToolCacheErrors.Inc()
		}
		p.publishToolCache(ctx, action, fingerprint, result, elapsedMS)
		return nil, err
	}
	switch result.Outcome {
	case toolcache.OutcomeHit:
		metrics.ToolCacheHits.Inc()
	case toolcache.OutcomeMiss:
		metrics.ToolCacheMiss.Inc()
	case toolcache.OutcomeCoalesced:
		metrics.ToolCacheCoalesced.Inc()
	}
	metrics.ToolCacheEntries.Set(float64(p.cache.StoreLen()))
	snap := p.cache.Accounting.Snapshot()
	metrics.ToolCacheStampedeSuppressionRate.Set(snap.StampedeSuppressionRate)
	p.publishToolCache(ctx, action, fingerprint, result, elapsedMS)
	return result.Value, nil
}

// publishToolCache emits the tool.cache event shape §4.4 requires:
// {action_id, tool, outcome, elapsed_ms, key, digest?, cached, age_secs?, reason?}.
// key is the cache fingerprint (empty for the not-cacheable bypass path,
// which never computes one).
func (p *Pipeline) publishToolCache(ctx context.Context, action core.Action, key string, result toolcache.Result, elapsedMS int64) {
	payload := map[string]any{
		"action_id":  action.ID,
		"tool":       action.Kind,
		"outcome":    string(result.Outcome),
		"elapsed_ms": elapsedMS,
		"key":        key,
		"cached":     result.Cached,
	}
	if result.Digest != "" {
		payload["digest"] = result.Digest
	}
	if result.Cached {
		payload["age_secs"] = result.AgeSecs
	}
	if result.Reason != "" {
		payload["reason"] = result.Reason
	}
	p.publish(ctx, "tool.cache", payload, "")
}

func (p *Pipeline) publish(ctx context.Context, kind string, payload map[string]any, corrID string) {
	if p.eventBus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := p.eventBus.Publish(ctx, core.Event{Kind: kind, Payload: raw, CorrID: corrID}); err != nil {
		p.log.WithError(err).Warn("publish event")
	}
}

func (p *Pipeline) appendContribution(ctx context.Context, kind string, qty float64) {
	if _, err := p.store.AppendContribution(ctx, core.Contribution{Subject: "local", Kind: kind, Qty: qty, Unit: "count"}); err != nil {
		p.log.WithError(err).Warn("append contribution")
	}
}

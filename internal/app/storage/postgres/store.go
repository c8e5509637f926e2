// Package postgres is the durable Store backend (ARW_STATE_DRIVER=postgres).
// It uses SELECT ... FOR UPDATE SKIP LOCKED to hand each queued action to at
// most one worker even when several worker-pool goroutines (or processes)
// poll the same table concurrently, which is the invariant the in-memory
// store gets for free from a single mutex.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

// Store is the sqlx-backed Store implementation.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and verifies reachability. Callers are expected to
// have already run migrations (see Migrate).
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func newID(prefix string) string { return fmt.Sprintf("%s_%s", prefix, uuid.New().String()) }

// --- actions ---

func (s *Store) CreateAction(ctx context.Context, a core.Action) (core.Action, error) {
	if a.IdemKey != "" {
		var existing core.Action
		err := s.db.GetContext(ctx, &existing,
			`SELECT id, kind, input, idem_key, state, output, error, created_at, updated_at
			   FROM actions WHERE idem_key = $1`, a.IdemKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return core.Action{}, fmt.Errorf("postgres: lookup idem key: %w", err)
		}
	}
	if a.ID == "" {
		a.ID = newID("act")
	}
	now := time.Now().UTC()
	a.State = core.ActionQueued
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id, kind, input, idem_key, state, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		a.ID, a.Kind, []byte(a.Input), a.IdemKey, a.State, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return core.Action{}, fmt.Errorf("postgres: insert action: %w", err)
	}
	return a, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (core.Action, error) {
	var a core.Action
	err := s.db.GetContext(ctx, &a,
		`SELECT id, kind, input, COALESCE(idem_key, '') AS idem_key, state, output, error, created_at, updated_at
		   FROM actions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Action{}, storage.ErrNotFound
	}
	if err != nil {
		return core.Action{}, fmt.Errorf("postgres: get action: %w", err)
	}
	return a, nil
}

func (s *Store) ListActions(ctx context.Context, state core.ActionState, limit int) ([]core.Action, error) {
	var rows []core.Action
	var err error
	if state == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, kind, input, COALESCE(idem_key, '') AS idem_key, state, output, error, created_at, updated_at
			   FROM actions ORDER BY created_at ASC LIMIT $1`, limitOrAll(limit))
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, kind, input, COALESCE(idem_key, '') AS idem_key, state, output, error, created_at, updated_at
			   FROM actions WHERE state = $1 ORDER BY created_at ASC LIMIT $2`, state, limitOrAll(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	return rows, nil
}

// DequeueNext claims the oldest queued row with FOR UPDATE SKIP LOCKED so
// concurrent pollers never hand out the same action twice.
func (s *Store) DequeueNext(ctx context.Context) (core.Action, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Action{}, false, fmt.Errorf("postgres: begin dequeue tx: %w", err)
	}
	defer tx.Rollback()

	var a core.Action
	err = tx.GetContext(ctx, &a,
		`SELECT id, kind, input, COALESCE(idem_key, '') AS idem_key, state, output, error, created_at, updated_at
		   FROM actions
		  WHERE state = 'queued'
		  ORDER BY created_at ASC
		  FOR UPDATE SKIP LOCKED
		  LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Action{}, false, nil
	}
	if err != nil {
		return core.Action{}, false, fmt.Errorf("postgres: dequeue select: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE actions SET state = 'running', updated_at = $2 WHERE id = $1`, a.ID, now); err != nil {
		return core.Action{}, false, fmt.Errorf("postgres: dequeue update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Action{}, false, fmt.Errorf("postgres: dequeue commit: %w", err)
	}
	a.State = core.ActionRunning
	a.UpdatedAt = now
	return a, true, nil
}

func (s *Store) CompleteAction(ctx context.Context, id string, output []byte) (core.Action, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = 'completed', output = $2, updated_at = $3 WHERE id = $1`,
		id, output, now)
	if err != nil {
		return core.Action{}, fmt.Errorf("postgres: complete action: %w", err)
	}
	return s.GetAction(ctx, id)
}

func (s *Store) FailAction(ctx context.Context, id string, errMsg string) (core.Action, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = 'failed', error = $2, updated_at = $3 WHERE id = $1`,
		id, errMsg, now)
	if err != nil {
		return core.Action{}, fmt.Errorf("postgres: fail action: %w", err)
	}
	return s.GetAction(ctx, id)
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.GetContext(ctx, &depth, `SELECT count(*) FROM actions WHERE state = 'queued'`)
	if err != nil {
		return 0, fmt.Errorf("postgres: queue depth: %w", err)
	}
	return depth, nil
}

// --- events ---

func (s *Store) AppendEvent(ctx context.Context, e core.Event) (core.Event, error) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	err := s.db.GetContext(ctx, &e.ID,
		`INSERT INTO events (time, kind, payload, corr_id) VALUES ($1, $2, $3, NULLIF($4, '')) RETURNING id`,
		e.Time, e.Kind, []byte(e.Payload), e.CorrID)
	if err != nil {
		return core.Event{}, fmt.Errorf("postgres: append event: %w", err)
	}
	return e, nil
}

func (s *Store) ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]core.Event, error) {
	var rows []core.Event
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, time, kind, payload, COALESCE(corr_id, '') AS corr_id
		   FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`, sinceID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return rows, nil
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT COALESCE(max(id), 0) FROM events`)
	if err != nil {
		return 0, fmt.Errorf("postgres: latest event id: %w", err)
	}
	return id, nil
}

// --- leases ---

func (s *Store) PutLease(ctx context.Context, l core.Lease) (core.Lease, error) {
	if l.ID == "" {
		l.ID = newID("lease")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (id, subject, capability, scope, ttl_until)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET ttl_until = EXCLUDED.ttl_until`,
		l.ID, l.Subject, l.Capability, l.Scope, l.TTLUntil)
	if err != nil {
		return core.Lease{}, fmt.Errorf("postgres: put lease: %w", err)
	}
	return l, nil
}

func (s *Store) GetLease(ctx context.Context, id string) (core.Lease, error) {
	var l core.Lease
	err := s.db.GetContext(ctx, &l,
		`SELECT id, subject, capability, COALESCE(scope, '') AS scope, ttl_until FROM leases WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Lease{}, storage.ErrNotFound
	}
	if err != nil {
		return core.Lease{}, fmt.Errorf("postgres: get lease: %w", err)
	}
	return l, nil
}

func (s *Store) ListLeasesForSubject(ctx context.Context, subject string) ([]core.Lease, error) {
	var rows []core.Lease
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, subject, capability, COALESCE(scope, '') AS scope, ttl_until FROM leases WHERE subject = $1`, subject)
	if err != nil {
		return nil, fmt.Errorf("postgres: list leases: %w", err)
	}
	return rows, nil
}

func (s *Store) RevokeLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: revoke lease: %w", err)
	}
	return nil
}

// --- memory items ---

func (s *Store) PutMemoryItem(ctx context.Context, m core.MemoryItem) (core.MemoryItem, error) {
	if m.ID == "" {
		m.ID = newID("mem")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return core.MemoryItem{}, fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_items
		   (id, lane, kind, key, value, text, tags, score, prob, durability, privacy,
		    ttl_seconds, project_id, agent_id, persona_id, metadata, created_at, dedupe_hash)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NULLIF($18,''))
		 ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, score = EXCLUDED.score`,
		m.ID, m.Lane, m.Kind, m.Key, []byte(m.Value), m.Text, pqArray(m.Tags), m.Score, m.Prob,
		m.Durability, m.Privacy, m.TTLSeconds, m.ProjectID, m.AgentID, m.PersonaID, meta, m.CreatedAt, m.DedupeHash)
	if err != nil {
		return core.MemoryItem{}, fmt.Errorf("postgres: put memory item: %w", err)
	}
	return m, nil
}

func (s *Store) GetMemoryItem(ctx context.Context, id string) (core.MemoryItem, error) {
	row, ok, err := s.scanMemoryItem(ctx, `id = $1`, id)
	if err != nil {
		return core.MemoryItem{}, err
	}
	if !ok {
		return core.MemoryItem{}, storage.ErrNotFound
	}
	return row, nil
}

func (s *Store) ListMemoryItems(ctx context.Context, lane string, limit int) ([]core.MemoryItem, error) {
	query := `SELECT id, lane, kind, key, value, text, tags, score, prob, durability, privacy,
	                 ttl_seconds, project_id, agent_id, persona_id, metadata, created_at, COALESCE(dedupe_hash,'') AS dedupe_hash
	            FROM memory_items`
	args := []any{}
	if lane != "" {
		query += ` WHERE lane = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{lane, limitOrAll(limit)}
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = []any{limitOrAll(limit)}
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memory items: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func (s *Store) FindByDedupeHash(ctx context.Context, lane, hash string) (core.MemoryItem, bool, error) {
	return s.scanMemoryItem(ctx, `lane = $1 AND dedupe_hash = $2`, lane, hash)
}

func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_items WHERE ttl_seconds > 0 AND created_at + (ttl_seconds || ' seconds')::interval < now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- egress ledger ---

func (s *Store) AppendEgressRow(ctx context.Context, r core.EgressRow) (core.EgressRow, error) {
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	err := s.db.GetContext(ctx, &r.ID,
		`INSERT INTO egress_rows (decision, reason, host, port, protocol, bytes_in, bytes_out, corr_id, project_id, posture, time)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		r.Decision, r.Reason, r.Host, r.Port, r.Protocol, r.BytesIn, r.BytesOut, r.CorrID, r.ProjectID, r.Posture, r.Time)
	if err != nil {
		return core.EgressRow{}, fmt.Errorf("postgres: append egress row: %w", err)
	}
	return r, nil
}

func (s *Store) ListEgressRows(ctx context.Context, limit int) ([]core.EgressRow, error) {
	var rows []core.EgressRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, decision, reason, host, port, protocol, bytes_in, bytes_out,
		        COALESCE(corr_id,'') AS corr_id, COALESCE(project_id,'') AS project_id, posture, time
		   FROM egress_rows ORDER BY time DESC LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list egress rows: %w", err)
	}
	return rows, nil
}

// --- contributions ---

func (s *Store) AppendContribution(ctx context.Context, c core.Contribution) (core.Contribution, error) {
	if c.Time.IsZero() {
		c.Time = time.Now().UTC()
	}
	err := s.db.GetContext(ctx, &c.ID,
		`INSERT INTO contributions (subject, kind, qty, unit, time) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		c.Subject, c.Kind, c.Qty, c.Unit, c.Time)
	if err != nil {
		return core.Contribution{}, fmt.Errorf("postgres: append contribution: %w", err)
	}
	// Wake any LedgerNotifyService listening on this channel instead of
	// waiting for the next ticker, per §4.9's Postgres LISTEN/NOTIFY note.
	if _, notifyErr := s.db.ExecContext(ctx, `SELECT pg_notify('contribution_ingested', $1)`, c.Kind); notifyErr != nil {
		return core.Contribution{}, fmt.Errorf("postgres: notify contribution: %w", notifyErr)
	}
	return c, nil
}

func (s *Store) ListContributions(ctx context.Context, subject string, limit int) ([]core.Contribution, error) {
	var rows []core.Contribution
	var err error
	if subject == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, subject, kind, qty, unit, time FROM contributions ORDER BY time DESC LIMIT $1`, limitOrAll(limit))
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, subject, kind, qty, unit, time FROM contributions WHERE subject = $1 ORDER BY time DESC LIMIT $2`,
			subject, limitOrAll(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list contributions: %w", err)
	}
	return rows, nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 10000
	}
	return limit
}

var _ storage.Store = (*Store)(nil)

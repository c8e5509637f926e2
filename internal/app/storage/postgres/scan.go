package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/arwlocal/runtime/internal/app/core"
)

// pqArray adapts a []string to the driver.Valuer the lib/pq text[] column
// type expects; memory_items.tags is declared text[] in the migration.
func pqArray(tags []string) any { return pq.Array(tags) }

// scanMemoryItem runs a single-row query with the given WHERE clause and
// manually decodes the tags array and metadata jsonb column, since
// core.MemoryItem's []string/map[string]any fields don't map onto sqlx's
// struct-tag scanning for array/jsonb columns.
func (s *Store) scanMemoryItem(ctx context.Context, where string, args ...any) (core.MemoryItem, bool, error) {
	query := fmt.Sprintf(`SELECT id, lane, kind, key, value, text, tags, score, prob, durability, privacy,
	                 ttl_seconds, project_id, agent_id, persona_id, metadata, created_at, COALESCE(dedupe_hash,'') AS dedupe_hash
	            FROM memory_items WHERE %s LIMIT 1`, where)
	row := s.db.QueryRowxContext(ctx, query, args...)
	item, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MemoryItem{}, false, nil
	}
	if err != nil {
		return core.MemoryItem{}, false, fmt.Errorf("postgres: scan memory item: %w", err)
	}
	return item, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner) (core.MemoryItem, error) {
	var m core.MemoryItem
	var value, metadata []byte
	var tags pq.StringArray
	if err := row.Scan(&m.ID, &m.Lane, &m.Kind, &m.Key, &value, &m.Text, &tags, &m.Score, &m.Prob,
		&m.Durability, &m.Privacy, &m.TTLSeconds, &m.ProjectID, &m.AgentID, &m.PersonaID,
		&metadata, &m.CreatedAt, &m.DedupeHash); err != nil {
		return core.MemoryItem{}, err
	}
	m.Value = value
	m.Tags = []string(tags)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &m.Metadata)
	}
	return m, nil
}

func scanMemoryRows(rows *sqlx.Rows) ([]core.MemoryItem, error) {
	out := make([]core.MemoryItem, 0)
	for rows.Next() {
		item, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	errs "github.com/xtxerr/beacon/internal/errors"
)

// Metastore is the DuckDB-backed Store implementation.
//
// Metastore is safe for concurrent use.
type Metastore struct {
	db *sql.DB
}

// OpenMetastore opens (or creates) the metastore at path. An empty path
// opens an in-memory database, useful for tests.
func OpenMetastore(path string) (*Metastore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metastore: %w", err)
	}

	// agent is null until registration completes; such rows are
	// invisible to reads and swept later.
	_, err = db.ExecContext(ctx, `
		create table if not exists agent_rollup (
			agent_rollup_id varchar primary key,
			parent_agent_rollup_id varchar,
			agent boolean,
			last_capture_time bigint
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create agent_rollup table: %w", err)
	}

	return &Metastore{db: db}, nil
}

// Close closes the metastore.
func (m *Metastore) Close() error {
	return m.db.Close()
}

// UpsertRollup writes or repairs one row, preserving any recorded capture
// time.
func (m *Metastore) UpsertRollup(ctx context.Context, agentRollupID, parentAgentRollupID string, agent bool) error {
	_, err := m.db.ExecContext(ctx, `
		insert into agent_rollup (agent_rollup_id, parent_agent_rollup_id, agent)
		values (?, ?, ?)
		on conflict (agent_rollup_id) do update set
			parent_agent_rollup_id = excluded.parent_agent_rollup_id,
			agent = excluded.agent
	`, agentRollupID, nullable(parentAgentRollupID), agent)
	if err != nil {
		return errs.Wrapf(err, "upsert agent rollup %q", agentRollupID)
	}
	return nil
}

// UpsertLastCaptureTime records a capture time, creating an incomplete row
// if the id was never registered.
func (m *Metastore) UpsertLastCaptureTime(ctx context.Context, agentRollupID string, captureTime int64) error {
	_, err := m.db.ExecContext(ctx, `
		insert into agent_rollup (agent_rollup_id, last_capture_time)
		values (?, ?)
		on conflict (agent_rollup_id) do update set
			last_capture_time = excluded.last_capture_time
	`, agentRollupID, captureTime)
	if err != nil {
		return errs.Wrapf(err, "update last capture time for %q", agentRollupID)
	}
	return nil
}

// ReadParentID returns the parent of an id; false when the row is missing
// or has no parent recorded.
func (m *Metastore) ReadParentID(ctx context.Context, agentRollupID string) (string, bool, error) {
	var parent sql.NullString
	err := m.db.QueryRowContext(ctx, `
		select parent_agent_rollup_id from agent_rollup where agent_rollup_id = ?
	`, agentRollupID).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrapf(err, "read parent of %q", agentRollupID)
	}
	if !parent.Valid {
		return "", false, nil
	}
	return parent.String, true, nil
}

// ReadRows returns every row, complete or not.
func (m *Metastore) ReadRows(ctx context.Context) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, `
		select agent_rollup_id, parent_agent_rollup_id, agent, last_capture_time
		from agent_rollup
	`)
	if err != nil {
		return nil, errs.Wrap(err, "read agent rollups")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r           Record
			parent      sql.NullString
			agent       sql.NullBool
			captureTime sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &parent, &agent, &captureTime); err != nil {
			return nil, errs.Wrap(err, "scan agent rollup row")
		}
		r.ParentID = parent.String
		r.Complete = agent.Valid
		r.Agent = agent.Bool
		r.LastCaptureTime = captureTime.Int64
		records = append(records, r)
	}
	return records, rows.Err()
}

// ReadIsAgent reports whether the id is a registered leaf agent.
func (m *Metastore) ReadIsAgent(ctx context.Context, agentRollupID string) (bool, error) {
	var agent sql.NullBool
	err := m.db.QueryRowContext(ctx, `
		select agent from agent_rollup where agent_rollup_id = ?
	`, agentRollupID).Scan(&agent)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrapf(err, "read agent flag of %q", agentRollupID)
	}
	return agent.Valid && agent.Bool, nil
}

// DeleteIncomplete removes a row only if its registration never completed.
func (m *Metastore) DeleteIncomplete(ctx context.Context, agentRollupID string) error {
	_, err := m.db.ExecContext(ctx, `
		delete from agent_rollup where agent_rollup_id = ? and agent is null
	`, agentRollupID)
	if err != nil {
		return errs.Wrapf(err, "delete incomplete row %q", agentRollupID)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

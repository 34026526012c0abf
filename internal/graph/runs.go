package graph

import (
	"context"
	"database/sql"
	"time"

	"github.com/matijazezelj/relgraph/pkg/models"
)

// BackfillRun is the audit record of one backfill execution.
type BackfillRun struct {
	ID              string          `json:"id"`
	EdgeType        models.EdgeType `json:"edge_type,omitempty"`
	DryRun          bool            `json:"dry_run"`
	State           string          `json:"state"`
	RelationalCount int             `json:"relational_count"`
	GraphBefore     int             `json:"graph_before"`
	GraphAfter      int             `json:"graph_after"`
	Migrated        int             `json:"migrated"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// RecordBackfillRun inserts a new run record.
func (s *SQLStore) RecordBackfillRun(ctx context.Context, run BackfillRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_runs (id, edge_type, dry_run, state, started_at) VALUES ($1, $2, $3, $4, $5)
	`, run.ID, string(run.EdgeType), run.DryRun, run.State, run.StartedAt.UnixMicro())
	return backendErr(backendRelational, "record backfill run", err)
}

// UpdateBackfillRun stores the run's current state and counters.
func (s *SQLStore) UpdateBackfillRun(ctx context.Context, run BackfillRun) error {
	var finishedAt *int64
	if run.FinishedAt != nil {
		us := run.FinishedAt.UnixMicro()
		finishedAt = &us
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs
		SET state = $1, relational_count = $2, graph_before = $3, graph_after = $4,
		    migrated = $5, finished_at = $6, error = $7
		WHERE id = $8
	`, run.State, run.RelationalCount, run.GraphBefore, run.GraphAfter,
		run.Migrated, finishedAt, run.Error, run.ID)
	return backendErr(backendRelational, "update backfill run", err)
}

// ListBackfillRuns returns the most recent runs, up to limit.
func (s *SQLStore) ListBackfillRuns(ctx context.Context, limit int) ([]BackfillRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, edge_type, dry_run, state, relational_count, graph_before, graph_after,
		       migrated, started_at, finished_at, error
		FROM backfill_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, backendErr(backendRelational, "list backfill runs", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var runs []BackfillRun
	for rows.Next() {
		var r BackfillRun
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.EdgeType, &r.DryRun, &r.State, &r.RelationalCount,
			&r.GraphBefore, &r.GraphAfter, &r.Migrated, &startedAt, &finishedAt, &r.Error); err != nil {
			return nil, backendErr(backendRelational, "list backfill runs", err)
		}
		r.StartedAt = models.MicrosToTime(startedAt)
		if finishedAt.Valid {
			t := models.MicrosToTime(finishedAt.Int64)
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

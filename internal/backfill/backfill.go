// Package backfill populates the graph store from the relational store of
// record. It is safe to re-run: every write is a merge.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matijazezelj/relgraph/internal/alert"
	"github.com/matijazezelj/relgraph/internal/graph"
	"github.com/matijazezelj/relgraph/pkg/models"
)

// State is a step of a backfill run.
type State string

const (
	StateCounting  State = "counting"
	StateMigrating State = "migrating"
	StateVerifying State = "verifying"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Defaults for Options.
const (
	DefaultBatchSize     = 1000
	DefaultProgressEvery = 10000
	defaultMaxRetries    = 5
)

// Source is the relational side of a backfill.
type Source interface {
	CountEdges(ctx context.Context, edgeType models.EdgeType) (int, error)
	ScanEdges(ctx context.Context, after *models.Edge, edgeType models.EdgeType, limit int) ([]models.Edge, error)
}

// Target is the graph side of a backfill.
type Target interface {
	CountEdges(ctx context.Context, edgeType models.EdgeType) (int, error)
	MergeEdges(ctx context.Context, edges []models.Edge) error
}

// RunLog persists the audit record of each run.
type RunLog interface {
	RecordBackfillRun(ctx context.Context, run graph.BackfillRun) error
	UpdateBackfillRun(ctx context.Context, run graph.BackfillRun) error
}

// Options configures a run.
type Options struct {
	BatchSize     int
	DryRun        bool
	EdgeType      models.EdgeType // empty migrates every type
	ProgressEvery int

	// Backoff returns the retry policy for a single batch write. Nil uses an
	// exponential policy capped at a few retries.
	Backoff func() backoff.BackOff
}

// Result summarizes a finished run.
type Result struct {
	RunID           string        `json:"run_id"`
	State           State         `json:"state"`
	DryRun          bool          `json:"dry_run"`
	RelationalCount int           `json:"relational_count"`
	GraphBefore     int           `json:"graph_before"`
	GraphAfter      int           `json:"graph_after"`
	Fetched         int           `json:"fetched"`
	Migrated        int           `json:"migrated"`
	Batches         int           `json:"batches"`
	Verified        bool          `json:"verified"`
	Duration        time.Duration `json:"duration"`
}

// Migrator runs the Counting, Migrating and Verifying steps in order.
// Failed is reachable from any of them.
type Migrator struct {
	source  Source
	target  Target
	runs    RunLog
	alerter alert.Alerter
	opts    Options
	logger  *slog.Logger
}

// New creates a Migrator. runs and alerter may be nil.
func New(source Source, target Target, runs RunLog, alerter alert.Alerter, opts Options, logger *slog.Logger) *Migrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return backoff.WithMaxRetries(b, defaultMaxRetries)
		}
	}
	return &Migrator{source: source, target: target, runs: runs, alerter: alerter, opts: opts, logger: logger}
}

// Run executes one backfill. A verification mismatch is reported but does
// not fail the run.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString(), DryRun: m.opts.DryRun}
	run := graph.BackfillRun{
		ID:        res.RunID,
		EdgeType:  m.opts.EdgeType,
		DryRun:    m.opts.DryRun,
		State:     string(StateCounting),
		StartedAt: start.UTC(),
	}
	if m.runs != nil {
		if err := m.runs.RecordBackfillRun(ctx, run); err != nil {
			return nil, fmt.Errorf("recording backfill run: %w", err)
		}
	}

	log := m.logger.With("run_id", res.RunID, "edge_type", m.edgeTypeLabel(), "dry_run", m.opts.DryRun)
	log.Info("backfill started", "batch_size", m.opts.BatchSize)

	fail := func(state State, err error) (*Result, error) {
		res.State = StateFailed
		res.Duration = time.Since(start)
		log.Error("backfill failed", "state", state, "error", err)
		m.finish(ctx, &run, res, err)
		return res, fmt.Errorf("backfill %s: %w", state, err)
	}

	// Counting
	res.State = StateCounting
	var err error
	if res.RelationalCount, err = m.source.CountEdges(ctx, m.opts.EdgeType); err != nil {
		return fail(StateCounting, fmt.Errorf("counting relational edges: %w", err))
	}
	if res.GraphBefore, err = m.target.CountEdges(ctx, m.opts.EdgeType); err != nil {
		return fail(StateCounting, fmt.Errorf("counting graph edges: %w", err))
	}
	log.Info("backfill counted", "relational_count", res.RelationalCount, "graph_before", res.GraphBefore)

	// Migrating
	res.State = StateMigrating
	m.update(ctx, &run, res)
	if err := m.migrate(ctx, res, log); err != nil {
		return fail(StateMigrating, err)
	}

	// Verifying
	res.State = StateVerifying
	m.update(ctx, &run, res)
	if res.GraphAfter, err = m.target.CountEdges(ctx, m.opts.EdgeType); err != nil {
		return fail(StateVerifying, fmt.Errorf("recounting graph edges: %w", err))
	}
	m.verify(ctx, res, log)

	res.State = StateDone
	res.Duration = time.Since(start)
	m.finish(ctx, &run, res, nil)
	log.Info("backfill completed",
		"fetched", res.Fetched, "migrated", res.Migrated, "batches", res.Batches,
		"graph_after", res.GraphAfter, "verified", res.Verified, "duration", res.Duration.String())
	return res, nil
}

// migrate walks the relational store in creation order with a keyset cursor
// and merges each batch into the graph store.
func (m *Migrator) migrate(ctx context.Context, res *Result, log *slog.Logger) error {
	var cursor *models.Edge
	nextReport := m.opts.ProgressEvery

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := m.source.ScanEdges(ctx, cursor, m.opts.EdgeType, m.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("fetching batch %d: %w", res.Batches+1, err)
		}
		if len(batch) == 0 {
			return nil
		}
		res.Batches++
		res.Fetched += len(batch)

		if !m.opts.DryRun {
			if err := m.writeBatch(ctx, batch); err != nil {
				return fmt.Errorf("writing batch %d: %w", res.Batches, err)
			}
			res.Migrated += len(batch)
		}

		if res.Fetched >= nextReport {
			log.Info("backfill progress",
				"event", "backfill_progress", "fetched", res.Fetched, "migrated", res.Migrated,
				"total", res.RelationalCount, "batches", res.Batches)
			for nextReport <= res.Fetched {
				nextReport += m.opts.ProgressEvery
			}
		}

		last := batch[len(batch)-1]
		cursor = &last
		if len(batch) < m.opts.BatchSize {
			return nil
		}
	}
}

func (m *Migrator) writeBatch(ctx context.Context, batch []models.Edge) error {
	attempt := 0
	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		err := m.target.MergeEdges(ctx, batch)
		if err != nil {
			m.logger.Warn("batch write failed, retrying", "attempt", attempt, "size", len(batch), "error", err)
		}
		return err
	}, backoff.WithContext(m.opts.Backoff(), ctx))
}

// verify compares the graph count against the relational count. Edges that
// already existed in the graph before the run may or may not overlap with
// the migrated ones, so any count in [relational, relational+before] is
// consistent.
func (m *Migrator) verify(ctx context.Context, res *Result, log *slog.Logger) {
	if m.opts.DryRun {
		res.Verified = res.GraphAfter == res.GraphBefore
		log.Info("backfill dry run verified no graph writes", "graph_after", res.GraphAfter, "unchanged", res.Verified)
		return
	}

	lo := res.RelationalCount
	hi := res.RelationalCount + res.GraphBefore
	res.Verified = res.GraphAfter >= lo && res.GraphAfter <= hi
	if res.Verified {
		log.Info("backfill verified", "graph_after", res.GraphAfter, "expected_max", hi)
		return
	}

	log.Warn("backfill verification mismatch",
		"event", "backfill_verify_mismatch", "graph_after", res.GraphAfter,
		"relational_count", res.RelationalCount, "graph_before", res.GraphBefore, "expected_max", hi)
	if m.alerter == nil {
		return
	}
	err := m.alerter.Send(ctx, alert.Event{
		Source:    "relgraph-backfill",
		EventType: alert.EventBackfillVerifyMismatch,
		Severity:  alert.SeverityWarning,
		Subject:   res.RunID,
		Details: map[string]string{
			"edge_type":        m.edgeTypeLabel(),
			"relational_count": strconv.Itoa(res.RelationalCount),
			"graph_before":     strconv.Itoa(res.GraphBefore),
			"graph_after":      strconv.Itoa(res.GraphAfter),
		},
		Message:   fmt.Sprintf("graph has %d edges after backfill, expected between %d and %d", res.GraphAfter, lo, hi),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Warn("sending alert failed", "error", err)
	}
}

func (m *Migrator) update(ctx context.Context, run *graph.BackfillRun, res *Result) {
	if m.runs == nil {
		return
	}
	run.State = string(res.State)
	run.RelationalCount = res.RelationalCount
	run.GraphBefore = res.GraphBefore
	run.GraphAfter = res.GraphAfter
	run.Migrated = res.Migrated
	if err := m.runs.UpdateBackfillRun(ctx, *run); err != nil {
		m.logger.Warn("updating backfill run failed", "run_id", run.ID, "error", err)
	}
}

func (m *Migrator) finish(ctx context.Context, run *graph.BackfillRun, res *Result, runErr error) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	if runErr != nil {
		run.Error = runErr.Error()
		if m.alerter != nil && !errors.Is(runErr, context.Canceled) {
			_ = m.alerter.Send(context.WithoutCancel(ctx), alert.Event{
				Source:    "relgraph-backfill",
				EventType: alert.EventBackfillFailed,
				Severity:  alert.SeverityWarning,
				Subject:   res.RunID,
				Message:   runErr.Error(),
				Timestamp: now,
			})
		}
	}
	m.update(context.WithoutCancel(ctx), run, res)
}

func (m *Migrator) edgeTypeLabel() string {
	if m.opts.EdgeType == "" {
		return "all"
	}
	return string(m.opts.EdgeType)
}

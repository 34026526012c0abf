package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/matijazezelj/relgraph/pkg/models"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval  = 30 * time.Second
	DefaultReconcileBatchSize = 500
	minReconcileInterval      = time.Second
)

// GapLedger is the relational side of reconciliation: the gap ledger plus
// point reads of the truth.
type GapLedger interface {
	ListGaps(ctx context.Context, limit int) ([]Gap, error)
	ClearGap(ctx context.Context, g Gap) error
	GapCount(ctx context.Context) (int, error)
	GetEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error)
}

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Scanned int `json:"scanned"`
	Healed  int `json:"healed"`
	Failed  int `json:"failed"`
}

// Reconciler drains the gap ledger on a fixed interval, converging the graph
// store to the relational truth for every recorded triple. A gap recorded at
// time t is healed within one interval of t unless the graph store stays down.
type Reconciler struct {
	ledger    GapLedger
	graph     Repository
	interval  time.Duration
	batchSize int
	metrics   *Metrics
	logger    *slog.Logger
	running   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewReconciler creates a reconciler. The interval string is parsed with
// time.ParseDuration (e.g. "30s", "5m").
func NewReconciler(ledger GapLedger, graph Repository, interval string, batchSize int, metrics *Metrics, logger *slog.Logger) (*Reconciler, error) {
	d := DefaultReconcileInterval
	if interval != "" {
		var err error
		d, err = time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid reconcile interval %q: %w (use Go duration format: 30s, 5m, etc.)", interval, err)
		}
	}
	if d < minReconcileInterval {
		return nil, fmt.Errorf("reconcile interval must be at least %s, got %s", minReconcileInterval, d)
	}
	if batchSize <= 0 {
		batchSize = DefaultReconcileBatchSize
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Reconciler{
		ledger:    ledger,
		graph:     graph,
		interval:  d,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Interval returns the reconcile period.
func (r *Reconciler) Interval() time.Duration {
	return r.interval
}

// RunOnce drains up to one batch of gaps. Gaps that fail to heal stay in the
// ledger for the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if !r.running.CompareAndSwap(false, true) {
		return res, fmt.Errorf("reconcile already running")
	}
	defer r.running.Store(false)

	gaps, err := r.ledger.ListGaps(ctx, r.batchSize)
	if err != nil {
		return res, fmt.Errorf("listing gaps: %w", err)
	}

	for _, g := range gaps {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		if err := r.heal(ctx, g); err != nil {
			res.Failed++
			r.logger.Warn("gap not healed", "edge", g.Key.String(), "error", err)
			continue
		}
		res.Healed++
		r.metrics.GapsHealed.Inc()
	}

	if n, err := r.ledger.GapCount(ctx); err == nil {
		r.metrics.GapsOutstanding.Set(float64(n))
	}
	return res, nil
}

// heal makes the graph store agree with the relational store about g.Key.
func (r *Reconciler) heal(ctx context.Context, g Gap) error {
	truth, err := r.ledger.GetEdge(ctx, g.Key)
	if err != nil {
		return fmt.Errorf("reading relational edge: %w", err)
	}

	action := "deleted"
	if truth != nil {
		action = "merged"
		err = r.graph.CreateEdge(ctx, *truth)
	} else {
		err = r.graph.DeleteEdge(ctx, g.Key)
	}
	if err != nil {
		return fmt.Errorf("applying to graph: %w", err)
	}

	if err := r.ledger.ClearGap(ctx, g); err != nil {
		return fmt.Errorf("clearing gap: %w", err)
	}
	r.logger.Info("sync gap healed", "event", "gap_healed", "edge", g.Key.String(), "action", action)
	return nil
}

// Start begins the reconcile loop. Call Stop() to terminate.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("reconciler started", "interval", r.interval.String(), "batch_size", r.batchSize)

		for {
			select {
			case <-ticker.C:
				res, err := r.RunOnce(ctx)
				if err != nil {
					r.logger.Error("reconcile pass failed", "error", err)
					continue
				}
				if res.Scanned > 0 {
					r.logger.Info("reconcile pass completed",
						"scanned", res.Scanned, "healed", res.Healed, "failed", res.Failed)
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the reconciler and waits for it to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/matijazezelj/relgraph/internal/alert"
	"github.com/matijazezelj/relgraph/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default bounds for backend calls made by DualStore.
const (
	DefaultCallTimeout         = 250 * time.Millisecond
	DefaultCompensationTimeout = 2 * time.Second
)

// DualOptions configures the write policy of a DualStore.
type DualOptions struct {
	// Strict reverts the relational write when the graph write fails.
	Strict bool

	// CallTimeout bounds every individual backend call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// CompensationTimeout bounds the strict-mode reversal, which runs
	// detached from the caller's context.
	CompensationTimeout time.Duration
}

// DualStore composes the store of record and the graph store. Writes go to
// the relational store first and are then mirrored to the graph store, in
// that order. Reads prefer the graph store and fall back to the relational
// store when it fails.
type DualStore struct {
	rel     RecordStore
	graph   Repository
	opts    DualOptions
	metrics *Metrics
	alerter alert.Alerter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewDualStore creates a DualStore. metrics and alerter may be nil.
func NewDualStore(rel RecordStore, graph Repository, opts DualOptions, metrics *Metrics, alerter alert.Alerter, logger *slog.Logger) *DualStore {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = DefaultCompensationTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &DualStore{
		rel:     rel,
		graph:   graph,
		opts:    opts,
		metrics: metrics,
		alerter: alerter,
		logger:  logger,
		tracer:  otel.Tracer("github.com/matijazezelj/relgraph/internal/graph"),
	}
}

// Strict reports whether the store runs in strict mode.
func (d *DualStore) Strict() bool {
	return d.opts.Strict
}

// CreateEdge writes the edge to the relational store, then mirrors the
// stored copy (with its original created_at) to the graph store.
func (d *DualStore) CreateEdge(ctx context.Context, edge models.Edge) error {
	ctx, span := d.startSpan(ctx, "graph.CreateEdge", edge.Key())
	defer span.End()

	var (
		stored  models.Edge
		created bool
	)
	err := d.call(ctx, backendRelational, "create", func(cctx context.Context) error {
		var err error
		stored, created, err = d.rel.InsertEdge(cctx, edge)
		return err
	})
	if err != nil {
		return spanErr(span, err)
	}

	if err := ctx.Err(); err != nil {
		d.recordGap(context.WithoutCancel(ctx), stored.Key(), "cancelled before graph write")
		return spanErr(span, err)
	}

	err = d.call(ctx, backendGraph, "create", func(cctx context.Context) error {
		return d.graph.CreateEdge(cctx, stored)
	})
	if err == nil {
		return nil
	}
	return spanErr(span, d.graphWriteFailed(ctx, "create", stored.Key(), err, created, func(cctx context.Context) error {
		_, err := d.rel.RemoveEdge(cctx, stored.Key())
		return err
	}))
}

// DeleteEdge removes the edge from the relational store, then from the graph store.
func (d *DualStore) DeleteEdge(ctx context.Context, key models.EdgeKey) error {
	ctx, span := d.startSpan(ctx, "graph.DeleteEdge", key)
	defer span.End()

	var removed *models.Edge
	err := d.call(ctx, backendRelational, "delete", func(cctx context.Context) error {
		var err error
		removed, err = d.rel.RemoveEdge(cctx, key)
		return err
	})
	if err != nil {
		return spanErr(span, err)
	}

	if err := ctx.Err(); err != nil {
		d.recordGap(context.WithoutCancel(ctx), key, "cancelled before graph write")
		return spanErr(span, err)
	}

	err = d.call(ctx, backendGraph, "delete", func(cctx context.Context) error {
		return d.graph.DeleteEdge(cctx, key)
	})
	if err == nil {
		return nil
	}
	return spanErr(span, d.graphWriteFailed(ctx, "delete", key, err, removed != nil, func(cctx context.Context) error {
		_, _, err := d.rel.InsertEdge(cctx, *removed)
		return err
	}))
}

// graphWriteFailed applies the write policy after the relational write
// committed and the graph write failed. changed reports whether the
// relational write modified anything; revert undoes it.
func (d *DualStore) graphWriteFailed(ctx context.Context, op string, key models.EdgeKey, graphErr error, changed bool, revert func(context.Context) error) error {
	d.metrics.GraphWriteFailures.WithLabelValues(op).Inc()

	if !d.opts.Strict {
		d.logger.Warn("graph write failed",
			"event", "graph_write_failure", "op", op, "edge", key.String(), "strict", false, "error", graphErr)
		d.recordGap(context.WithoutCancel(ctx), key, "graph write failed")
		return nil
	}

	if err := ctx.Err(); err != nil {
		// cancelled: compensation is not initiated
		d.logger.Warn("graph write failed on a cancelled request",
			"event", "graph_write_failure", "op", op, "edge", key.String(), "strict", true, "error", graphErr)
		d.recordGap(context.WithoutCancel(ctx), key, "cancelled before compensation")
		return fmt.Errorf("%w: %s %s: %w", ErrGraphWrite, op, key, err)
	}

	if !changed {
		// relational state predates this call; only the graph may lag
		d.logger.Warn("graph write failed, relational store unchanged",
			"event", "graph_write_failure", "op", op, "edge", key.String(), "strict", true, "error", graphErr)
		d.recordGap(ctx, key, "graph write failed")
		return fmt.Errorf("%w: %s %s: %w", ErrGraphWrite, op, key, graphErr)
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CompensationTimeout)
	defer cancel()

	if err := revert(cctx); err != nil {
		d.metrics.Compensations.WithLabelValues(op, "failed").Inc()
		d.metrics.ConsistencyViolations.Inc()
		d.logger.Error("graph write and compensation both failed; stores may have diverged",
			"event", "consistency_violation", "op", op, "edge", key.String(),
			"graph_error", graphErr, "compensation_error", err)
		d.recordGap(cctx, key, "compensation failed")
		d.raise(cctx, op, key, graphErr, err)
		return fmt.Errorf("%w: %s %s: %w", ErrConsistencyViolation, op, key, multierror.Append(graphErr, err))
	}

	d.metrics.Compensations.WithLabelValues(op, "reverted").Inc()
	d.logger.Warn("graph write failed, relational write reverted",
		"event", "compensation_applied", "op", op, "edge", key.String(), "error", graphErr)
	// a timed-out graph write may still have committed server-side
	d.recordGap(context.WithoutCancel(ctx), key, "graph outcome unknown after compensation")
	return fmt.Errorf("%w: %s %s: %w", ErrGraphWrite, op, key, graphErr)
}

func (d *DualStore) recordGap(ctx context.Context, key models.EdgeKey, reason string) {
	cctx, cancel := context.WithTimeout(ctx, d.opts.CompensationTimeout)
	defer cancel()
	if err := d.rel.RecordGap(cctx, key); err != nil {
		d.logger.Error("recording sync gap failed; backfill required to heal",
			"edge", key.String(), "reason", reason, "error", err)
		return
	}
	d.metrics.GapsRecorded.Inc()
	d.logger.Debug("sync gap recorded", "edge", key.String(), "reason", reason)
}

func (d *DualStore) raise(ctx context.Context, op string, key models.EdgeKey, graphErr, compErr error) {
	if d.alerter == nil {
		return
	}
	err := d.alerter.Send(ctx, alert.Event{
		Source:    "relgraph",
		EventType: alert.EventConsistencyViolation,
		Severity:  alert.SeverityCritical,
		Subject:   key.String(),
		Details: map[string]string{
			"op":                 op,
			"graph_error":        graphErr.Error(),
			"compensation_error": compErr.Error(),
		},
		Message:   fmt.Sprintf("%s of %s: graph write and compensation failed", op, key),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn("sending alert failed", "event_type", alert.EventConsistencyViolation, "error", err)
	}
}

// HasEdge checks the graph store, falling back to the relational store.
func (d *DualStore) HasEdge(ctx context.Context, key models.EdgeKey) (bool, error) {
	return readWithFallback(ctx, d, "has_edge", func(ctx context.Context, r Repository) (bool, error) {
		return r.HasEdge(ctx, key)
	})
}

// GetEdge reads the edge from the graph store, falling back to the relational store.
func (d *DualStore) GetEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error) {
	return readWithFallback(ctx, d, "get_edge", func(ctx context.Context, r Repository) (*models.Edge, error) {
		return r.GetEdge(ctx, key)
	})
}

func (d *DualStore) ListFollowers(ctx context.Context, userID string, page Page) (*models.EdgePage, error) {
	return readWithFallback(ctx, d, "list_followers", func(ctx context.Context, r Repository) (*models.EdgePage, error) {
		return r.ListFollowers(ctx, userID, page)
	})
}

func (d *DualStore) ListFollowing(ctx context.Context, userID string, page Page) (*models.EdgePage, error) {
	return readWithFallback(ctx, d, "list_following", func(ctx context.Context, r Repository) (*models.EdgePage, error) {
		return r.ListFollowing(ctx, userID, page)
	})
}

func (d *DualStore) BatchCheckFollowing(ctx context.Context, fromID string, toIDs []string) (map[string]bool, error) {
	if len(toIDs) > MaxBatchCheck {
		return nil, ErrBatchTooLarge
	}
	return readWithFallback(ctx, d, "batch_check_following", func(ctx context.Context, r Repository) (map[string]bool, error) {
		return r.BatchCheckFollowing(ctx, fromID, toIDs)
	})
}

func (d *DualStore) GraphStats(ctx context.Context, userID string) (*models.GraphStats, error) {
	return readWithFallback(ctx, d, "graph_stats", func(ctx context.Context, r Repository) (*models.GraphStats, error) {
		return r.GraphStats(ctx, userID)
	})
}

// readWithFallback runs fn against the graph store and, if that fails, against
// the relational store. Both failing yields an error matching ErrBackend.
func readWithFallback[T any](ctx context.Context, d *DualStore, op string, fn func(context.Context, Repository) (T, error)) (T, error) {
	ctx, span := d.tracer.Start(ctx, "graph.read", trace.WithAttributes(attribute.String("relgraph.op", op)))
	defer span.End()

	var v T
	graphErr := d.call(ctx, backendGraph, op, func(cctx context.Context) error {
		var err error
		v, err = fn(cctx, d.graph)
		return err
	})
	if graphErr == nil {
		d.servedBy(span, op, backendGraph)
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, spanErr(span, err)
	}

	d.logger.Warn("graph read failed, falling back to relational store",
		"event", "graph_read_fallback", "op", op, "error", graphErr)

	relErr := d.call(ctx, backendRelational, op, func(cctx context.Context) error {
		var err error
		v, err = fn(cctx, d.rel)
		return err
	})
	if relErr != nil {
		var zero T
		return zero, spanErr(span, fmt.Errorf("%s on both backends: %w", op, multierror.Append(graphErr, relErr)))
	}
	d.servedBy(span, op, backendRelational)
	return v, nil
}

func (d *DualStore) servedBy(span trace.Span, op, path string) {
	d.metrics.ReadPath.WithLabelValues(op, path).Inc()
	span.SetAttributes(attribute.String("relgraph.path", path))
	d.logger.Debug("read served", "op", op, "path", path)
}

// call runs fn bounded by the per-call timeout and records its latency.
func (d *DualStore) call(ctx context.Context, backend, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	d.metrics.BackendLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrBackend) && !errors.Is(err, ErrBatchTooLarge) {
		err = backendErr(backend, op, err)
	}
	return err
}

func (d *DualStore) startSpan(ctx context.Context, name string, key models.EdgeKey) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("relgraph.edge_type", string(key.Type)),
		attribute.Bool("relgraph.strict", d.opts.Strict),
	))
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Ping checks the relational store, which alone decides availability.
func (d *DualStore) Ping(ctx context.Context) error {
	return d.rel.Ping(ctx)
}

// Health pings both backends.
func (d *DualStore) Health(ctx context.Context) Health {
	return CheckHealth(ctx, d.rel, d.graph, d.opts.CallTimeout)
}

// Close closes both stores.
func (d *DualStore) Close() error {
	var errs *multierror.Error
	if err := d.rel.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing relational store: %w", err))
	}
	if err := d.graph.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing graph store: %w", err))
	}
	return errs.ErrorOrNil()
}

// BackendHealth is the result of pinging one backend.
type BackendHealth struct {
	Healthy bool   `json:"healthy"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health reports each backend separately. Healthy follows the relational
// backend only; reads survive a degraded graph store through fallback.
type Health struct {
	Healthy    bool           `json:"healthy"`
	Relational BackendHealth  `json:"relational"`
	Graph      *BackendHealth `json:"graph,omitempty"`
}

// CheckHealth pings rel and, when non-nil, graph.
func CheckHealth(ctx context.Context, rel, graph Repository, timeout time.Duration) Health {
	h := Health{Relational: ping(ctx, rel, timeout)}
	h.Healthy = h.Relational.Healthy
	if graph != nil {
		gh := ping(ctx, graph, timeout)
		h.Graph = &gh
	}
	return h
}

func ping(ctx context.Context, r Repository, timeout time.Duration) BackendHealth {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := r.Ping(cctx); err != nil {
		return BackendHealth{Error: err.Error()}
	}
	return BackendHealth{Healthy: true, Latency: time.Since(start).Round(time.Microsecond).String()}
}

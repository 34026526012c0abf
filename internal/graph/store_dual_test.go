package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/matijazezelj/relgraph/internal/alert"
	"github.com/matijazezelj/relgraph/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errInjected = errors.New("injected failure")

// flakyRepo wraps a Repository and fails reads or writes on demand.
type flakyRepo struct {
	Repository
	failWrites bool
	failReads  bool
	closeErr   error
	// lateCommit applies writes and then reports a deadline miss, like a
	// Bolt call that commits after the client gave up.
	lateCommit bool
}

func (f *flakyRepo) CreateEdge(ctx context.Context, e models.Edge) error {
	if f.failWrites {
		return errInjected
	}
	if err := f.Repository.CreateEdge(ctx, e); err != nil {
		return err
	}
	if f.lateCommit {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *flakyRepo) DeleteEdge(ctx context.Context, k models.EdgeKey) error {
	if f.failWrites {
		return errInjected
	}
	if err := f.Repository.DeleteEdge(ctx, k); err != nil {
		return err
	}
	if f.lateCommit {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *flakyRepo) HasEdge(ctx context.Context, k models.EdgeKey) (bool, error) {
	if f.failReads {
		return false, errInjected
	}
	return f.Repository.HasEdge(ctx, k)
}

func (f *flakyRepo) GetEdge(ctx context.Context, k models.EdgeKey) (*models.Edge, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Repository.GetEdge(ctx, k)
}

func (f *flakyRepo) ListFollowers(ctx context.Context, id string, p Page) (*models.EdgePage, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Repository.ListFollowers(ctx, id, p)
}

func (f *flakyRepo) ListFollowing(ctx context.Context, id string, p Page) (*models.EdgePage, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Repository.ListFollowing(ctx, id, p)
}

func (f *flakyRepo) BatchCheckFollowing(ctx context.Context, from string, to []string) (map[string]bool, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Repository.BatchCheckFollowing(ctx, from, to)
}

func (f *flakyRepo) GraphStats(ctx context.Context, id string) (*models.GraphStats, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Repository.GraphStats(ctx, id)
}

func (f *flakyRepo) Ping(ctx context.Context) error {
	if f.failReads {
		return errInjected
	}
	return f.Repository.Ping(ctx)
}

func (f *flakyRepo) Close() error {
	if f.closeErr != nil {
		return f.closeErr
	}
	return f.Repository.Close()
}

// flakyRecordStore wraps the relational store to break compensation or
// to cancel the caller right after the relational write.
type flakyRecordStore struct {
	*SQLStore
	failRemove bool
	afterWrite func()
	failPing   bool
}

func (f *flakyRecordStore) InsertEdge(ctx context.Context, e models.Edge) (models.Edge, bool, error) {
	stored, created, err := f.SQLStore.InsertEdge(ctx, e)
	if f.afterWrite != nil {
		f.afterWrite()
	}
	return stored, created, err
}

func (f *flakyRecordStore) RemoveEdge(ctx context.Context, k models.EdgeKey) (*models.Edge, error) {
	if f.failRemove {
		return nil, errInjected
	}
	return f.SQLStore.RemoveEdge(ctx, k)
}

func (f *flakyRecordStore) Ping(ctx context.Context) error {
	if f.failPing {
		return errInjected
	}
	return f.SQLStore.Ping(ctx)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recordingAlerter) Name() string { return "recording" }

func (r *recordingAlerter) Send(_ context.Context, e alert.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type dualFixture struct {
	dual    *DualStore
	rel     *flakyRecordStore
	graph   *flakyRepo
	metrics *Metrics
	alerts  *recordingAlerter
}

func newDualFixture(t *testing.T, strict bool) *dualFixture {
	t.Helper()
	f := &dualFixture{
		rel:     &flakyRecordStore{SQLStore: newTestStore(t)},
		graph:   &flakyRepo{Repository: newTestStore(t)},
		metrics: NewMetrics(prometheus.NewRegistry()),
		alerts:  &recordingAlerter{},
	}
	f.dual = NewDualStore(f.rel, f.graph, DualOptions{Strict: strict}, f.metrics, f.alerts, testLogger())
	return f
}

func followKey(from, to string) models.EdgeKey {
	return models.EdgeKey{FromID: from, ToID: to, Type: models.EdgeFollow}
}

func hasEdge(t *testing.T, r Repository, key models.EdgeKey) bool {
	t.Helper()
	ok, err := r.HasEdge(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func gapCount(t *testing.T, s *SQLStore) int {
	t.Helper()
	n, err := s.GapCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestDualStore_CreateWritesBothStores(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()

	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0)); err != nil {
		t.Fatal(err)
	}
	relEdge, _ := f.rel.GetEdge(ctx, followKey("a", "b"))
	graphEdge, _ := f.graph.GetEdge(ctx, followKey("a", "b"))
	if relEdge == nil || graphEdge == nil {
		t.Fatalf("edge missing: relational=%v graph=%v", relEdge, graphEdge)
	}
	if !relEdge.CreatedAt.Equal(graphEdge.CreatedAt) {
		t.Errorf("created_at differs: %v vs %v", relEdge.CreatedAt, graphEdge.CreatedAt)
	}
	if gapCount(t, f.rel.SQLStore) != 0 {
		t.Error("no gap expected on success")
	}
}

func TestDualStore_RepeatCreateMirrorsOriginalTimestamp(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()

	mustCreate(t, f.rel, makeEdge("a", "b", models.EdgeFollow, 0))
	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 3600e9)); err != nil {
		t.Fatal(err)
	}
	graphEdge, _ := f.graph.GetEdge(ctx, followKey("a", "b"))
	if graphEdge == nil || !graphEdge.CreatedAt.Equal(baseTime) {
		t.Errorf("graph edge = %+v, want original created_at %v", graphEdge, baseTime)
	}
}

func TestDualStore_NonStrictGraphFailureRecordsGap(t *testing.T) {
	f := newDualFixture(t, false)
	f.graph.failWrites = true
	ctx := context.Background()

	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0)); err != nil {
		t.Fatalf("best-effort mode should report success: %v", err)
	}
	if !hasEdge(t, f.rel, followKey("a", "b")) {
		t.Error("relational store should keep the edge")
	}
	if hasEdge(t, f.graph.Repository, followKey("a", "b")) {
		t.Error("graph store should not have the edge")
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Error("graph write failure should be recorded as a gap")
	}
	if got := testutil.ToFloat64(f.metrics.GraphWriteFailures.WithLabelValues("create")); got != 1 {
		t.Errorf("graph write failures = %v, want 1", got)
	}
}

func TestDualStore_StrictCreateFailureReverts(t *testing.T) {
	f := newDualFixture(t, true)
	f.graph.failWrites = true
	ctx := context.Background()

	err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0))
	if !errors.Is(err, ErrGraphWrite) {
		t.Fatalf("err = %v, want ErrGraphWrite", err)
	}
	if errors.Is(err, ErrConsistencyViolation) {
		t.Error("a successful compensation is not a consistency violation")
	}
	f.graph.failWrites = false
	if hasEdge(t, f.dual, followKey("a", "b")) || hasEdge(t, f.rel, followKey("a", "b")) {
		t.Error("neither store should contain the edge after a reverted create")
	}
	if got := testutil.ToFloat64(f.metrics.Compensations.WithLabelValues("create", "reverted")); got != 1 {
		t.Errorf("compensations = %v, want 1", got)
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Error("a reverted write should leave a gap so the reconciler settles the graph side")
	}
}

func TestDualStore_StrictDeleteFailureRestoresEdge(t *testing.T) {
	f := newDualFixture(t, true)
	ctx := context.Background()
	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeBlock, 0)); err != nil {
		t.Fatal(err)
	}

	f.graph.failWrites = true
	key := models.EdgeKey{FromID: "a", ToID: "b", Type: models.EdgeBlock}
	if err := f.dual.DeleteEdge(ctx, key); !errors.Is(err, ErrGraphWrite) {
		t.Fatalf("err = %v, want ErrGraphWrite", err)
	}

	restored, err := f.rel.GetEdge(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if restored == nil || !restored.CreatedAt.Equal(baseTime) {
		t.Errorf("restored edge = %+v, want original created_at %v", restored, baseTime)
	}
}

func TestDualStore_StrictLateGraphCommitIsReconciled(t *testing.T) {
	f := newDualFixture(t, true)
	f.graph.lateCommit = true
	ctx := context.Background()
	key := followKey("a", "b")

	err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0))
	if !errors.Is(err, ErrGraphWrite) {
		t.Fatalf("err = %v, want ErrGraphWrite", err)
	}
	if hasEdge(t, f.rel, key) {
		t.Fatal("relational create should have been reverted")
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Fatal("the triple should be recorded for the reconciler")
	}

	f.graph.lateCommit = false
	r, err := NewReconciler(f.rel.SQLStore, f.graph, "1s", 10, f.metrics, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if hasEdge(t, f.graph.Repository, key) {
		t.Error("graph store should drop the late-committed edge")
	}
	if gapCount(t, f.rel.SQLStore) != 0 {
		t.Error("gap should be cleared once healed")
	}
}

func TestDualStore_StrictLateGraphDeleteIsReconciled(t *testing.T) {
	f := newDualFixture(t, true)
	ctx := context.Background()
	key := followKey("a", "b")
	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0)); err != nil {
		t.Fatal(err)
	}

	f.graph.lateCommit = true
	if err := f.dual.DeleteEdge(ctx, key); !errors.Is(err, ErrGraphWrite) {
		t.Fatalf("err = %v, want ErrGraphWrite", err)
	}
	if !hasEdge(t, f.rel, key) {
		t.Fatal("relational delete should have been reverted")
	}

	f.graph.lateCommit = false
	r, err := NewReconciler(f.rel.SQLStore, f.graph, "1s", 10, f.metrics, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if !hasEdge(t, f.graph.Repository, key) {
		t.Error("graph store should get the edge back")
	}
}

func TestDualStore_StrictCompensationFailureIsConsistencyViolation(t *testing.T) {
	f := newDualFixture(t, true)
	f.graph.failWrites = true
	f.rel.failRemove = true
	ctx := context.Background()

	err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0))
	if !errors.Is(err, ErrConsistencyViolation) {
		t.Fatalf("err = %v, want ErrConsistencyViolation", err)
	}
	if !errors.Is(err, errInjected) {
		t.Error("consistency violation should carry the underlying failures")
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].EventType != alert.EventConsistencyViolation {
		t.Errorf("alerts = %+v, want one consistency_violation", f.alerts.events)
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Error("diverged triple should be recorded for repair")
	}
	if got := testutil.ToFloat64(f.metrics.ConsistencyViolations); got != 1 {
		t.Errorf("consistency violations = %v, want 1", got)
	}
}

func TestDualStore_StrictNothingToRevert(t *testing.T) {
	f := newDualFixture(t, true)
	ctx := context.Background()
	mustCreate(t, f.rel, makeEdge("a", "b", models.EdgeFollow, 0))
	f.graph.failWrites = true

	err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0))
	if !errors.Is(err, ErrGraphWrite) {
		t.Fatalf("err = %v, want ErrGraphWrite", err)
	}
	if !hasEdge(t, f.rel, followKey("a", "b")) {
		t.Error("pre-existing relational edge must not be removed")
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Error("graph lag should be recorded as a gap")
	}
}

func TestDualStore_CancelledAfterRelationalWrite(t *testing.T) {
	f := newDualFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	f.rel.afterWrite = cancel

	err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !hasEdge(t, f.rel, followKey("a", "b")) {
		t.Error("committed relational write is not rolled back by cancellation")
	}
	if hasEdge(t, f.graph.Repository, followKey("a", "b")) {
		t.Error("graph write should not be initiated after cancellation")
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Error("skipped graph write should be recorded as a gap")
	}
}

func TestDualStore_ReadFallback(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()
	for _, e := range []models.Edge{
		makeEdge("a", "b", models.EdgeFollow, 0),
		makeEdge("c", "b", models.EdgeFollow, 1e9),
		makeEdge("b", "a", models.EdgeMute, 0),
	} {
		if err := f.dual.CreateEdge(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	f.graph.failReads = true

	ok, err := f.dual.HasEdge(ctx, followKey("a", "b"))
	if err != nil || !ok {
		t.Errorf("HasEdge = %v, %v; want true via fallback", ok, err)
	}
	page, err := f.dual.ListFollowers(ctx, "b", Page{})
	if err != nil {
		t.Fatal(err)
	}
	direct, _ := f.rel.ListFollowers(ctx, "b", Page{})
	if len(page.UserIDs) != 2 || page.UserIDs[0] != direct.UserIDs[0] || page.UserIDs[1] != direct.UserIDs[1] {
		t.Errorf("fallback page %v differs from relational %v", page.UserIDs, direct.UserIDs)
	}
	batch, err := f.dual.BatchCheckFollowing(ctx, "a", []string{"b", "c"})
	if err != nil || !batch["b"] || batch["c"] {
		t.Errorf("batch = %v, %v", batch, err)
	}
	stats, err := f.dual.GraphStats(ctx, "b")
	if err != nil || stats.FollowersCount != 2 || stats.MutedCount != 1 {
		t.Errorf("stats = %+v, %v", stats, err)
	}

	if got := testutil.ToFloat64(f.metrics.ReadPath.WithLabelValues("has_edge", "relational")); got != 1 {
		t.Errorf("relational reads = %v, want 1", got)
	}
}

func TestDualStore_PaginationStable(t *testing.T) {
	t.Run("graph", func(t *testing.T) {
		assertStablePaging(t, newDualFixture(t, false).dual)
	})
	t.Run("relational fallback", func(t *testing.T) {
		f := newDualFixture(t, false)
		f.graph.failReads = true
		assertStablePaging(t, f.dual)
	})
}

func TestDualStore_ReadPrefersGraph(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()
	// only the graph knows this edge, so a true answer proves the fast path
	mustCreate(t, f.graph.Repository, makeEdge("a", "b", models.EdgeFollow, 0))

	ok, err := f.dual.HasEdge(ctx, followKey("a", "b"))
	if err != nil || !ok {
		t.Errorf("HasEdge = %v, %v; want graph answer true", ok, err)
	}
	if got := testutil.ToFloat64(f.metrics.ReadPath.WithLabelValues("has_edge", "graph")); got != 1 {
		t.Errorf("graph reads = %v, want 1", got)
	}
}

func TestDualStore_BothBackendsFail(t *testing.T) {
	f := newDualFixture(t, false)
	f.graph.failReads = true
	_ = f.rel.SQLStore.Close()

	_, err := f.dual.HasEdge(context.Background(), followKey("a", "b"))
	if !errors.Is(err, ErrBackend) {
		t.Errorf("err = %v, want ErrBackend", err)
	}
}

func TestDualStore_BatchTooLargeSkipsBackends(t *testing.T) {
	f := newDualFixture(t, false)
	ids := make([]string, MaxBatchCheck+1)
	if _, err := f.dual.BatchCheckFollowing(context.Background(), "a", ids); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

func TestDualStore_Health(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()

	h := f.dual.Health(ctx)
	if !h.Healthy || !h.Relational.Healthy || h.Graph == nil || !h.Graph.Healthy {
		t.Errorf("health = %+v, want all healthy", h)
	}

	f.graph.failReads = true
	h = f.dual.Health(ctx)
	if !h.Healthy {
		t.Error("a degraded graph store should not make the service unhealthy")
	}
	if h.Graph.Healthy || h.Graph.Error == "" {
		t.Errorf("graph health = %+v, want unhealthy with error", h.Graph)
	}

	f.rel.failPing = true
	if h = f.dual.Health(ctx); h.Healthy {
		t.Error("relational failure should make the service unhealthy")
	}
}

func TestDualStore_CloseAggregatesErrors(t *testing.T) {
	f := newDualFixture(t, false)
	f.graph.closeErr = errInjected

	err := f.dual.Close()
	if !errors.Is(err, errInjected) {
		t.Errorf("err = %v, want injected close error", err)
	}
}

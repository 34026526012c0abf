package graph

import (
	"context"
	"testing"
	"time"

	"github.com/matijazezelj/relgraph/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewReconciler_Interval(t *testing.T) {
	tests := []struct {
		interval string
		want     time.Duration
		wantErr  bool
	}{
		{"", DefaultReconcileInterval, false},
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"500ms", 0, true}, // below the 1s minimum
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.interval, func(t *testing.T) {
			r, err := NewReconciler(nil, nil, tt.interval, 0, nil, testLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewReconciler(%q) error = %v, wantErr %v", tt.interval, err, tt.wantErr)
			}
			if err == nil && r.Interval() != tt.want {
				t.Errorf("interval = %s, want %s", r.Interval(), tt.want)
			}
		})
	}
}

func TestReconciler_HealsCreateAndDeleteGaps(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()

	// the graph already has an edge that was deleted relationally during an outage
	if err := f.dual.CreateEdge(ctx, makeEdge("x", "y", models.EdgeMute, 0)); err != nil {
		t.Fatal(err)
	}
	f.graph.failWrites = true
	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0)); err != nil {
		t.Fatal(err)
	}
	muteKey := models.EdgeKey{FromID: "x", ToID: "y", Type: models.EdgeMute}
	if err := f.dual.DeleteEdge(ctx, muteKey); err != nil {
		t.Fatal(err)
	}
	if gapCount(t, f.rel.SQLStore) != 2 {
		t.Fatalf("expected 2 gaps before reconcile")
	}

	f.graph.failWrites = false
	r, err := NewReconciler(f.rel.SQLStore, f.graph, "1s", 10, f.metrics, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 2 || res.Healed != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 scanned and healed", res)
	}

	graphEdge, _ := f.graph.GetEdge(ctx, followKey("a", "b"))
	if graphEdge == nil || !graphEdge.CreatedAt.Equal(baseTime) {
		t.Errorf("graph edge = %+v, want healed with original created_at", graphEdge)
	}
	if hasEdge(t, f.graph.Repository, muteKey) {
		t.Error("deleted edge should be removed from the graph")
	}
	if gapCount(t, f.rel.SQLStore) != 0 {
		t.Error("healed gaps should be cleared")
	}
	if got := testutil.ToFloat64(f.metrics.GapsHealed); got != 2 {
		t.Errorf("healed metric = %v, want 2", got)
	}
}

func TestReconciler_KeepsGapWhileGraphDown(t *testing.T) {
	f := newDualFixture(t, false)
	ctx := context.Background()
	f.graph.failWrites = true
	if err := f.dual.CreateEdge(ctx, makeEdge("a", "b", models.EdgeFollow, 0)); err != nil {
		t.Fatal(err)
	}

	r, err := NewReconciler(f.rel.SQLStore, f.graph, "1s", 10, f.metrics, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Healed != 0 {
		t.Errorf("result = %+v, want 1 failed", res)
	}
	if gapCount(t, f.rel.SQLStore) != 1 {
		t.Error("unhealed gap must stay in the ledger")
	}
	if got := testutil.ToFloat64(f.metrics.GapsOutstanding); got != 1 {
		t.Errorf("outstanding gauge = %v, want 1", got)
	}
}

func TestReconciler_StartStop(t *testing.T) {
	store := newTestStore(t)
	r, err := NewReconciler(store, newTestStore(t), "1s", 10, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.Start(context.Background())
	r.Stop()
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matijazezelj/relgraph/pkg/models"
)

// Listing and batch limits shared by every backend.
const (
	DefaultPageLimit = 1000
	MaxPageLimit     = 10000
	MaxBatchCheck    = 100
)

var (
	// ErrBatchTooLarge is returned when a batch check names more than MaxBatchCheck ids.
	ErrBatchTooLarge = fmt.Errorf("batch check accepts at most %d ids", MaxBatchCheck)

	// ErrBackend marks a failed backend call (timeout, connection loss, bad data).
	ErrBackend = errors.New("backend unavailable")

	// ErrGraphWrite is returned in strict mode when the graph write failed and the
	// relational write was reverted.
	ErrGraphWrite = errors.New("graph write failed")

	// ErrConsistencyViolation is returned in strict mode when the graph write failed
	// and reverting the relational write failed too.
	ErrConsistencyViolation = errors.New("consistency violation: stores may have diverged")
)

// Repository is the contract every edge backend satisfies.
type Repository interface {
	// CreateEdge merges the edge. Creating an existing edge is a no-op that
	// keeps the original created_at. A zero CreatedAt means now.
	CreateEdge(ctx context.Context, edge models.Edge) error

	// DeleteEdge removes the edge. Deleting a missing edge succeeds.
	DeleteEdge(ctx context.Context, key models.EdgeKey) error

	// HasEdge reports whether the edge exists.
	HasEdge(ctx context.Context, key models.EdgeKey) (bool, error)

	// GetEdge returns the edge, or nil if it does not exist.
	GetEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error)

	// ListFollowers returns users following userID, oldest edge first.
	ListFollowers(ctx context.Context, userID string, page Page) (*models.EdgePage, error)

	// ListFollowing returns users userID follows, oldest edge first.
	ListFollowing(ctx context.Context, userID string, page Page) (*models.EdgePage, error)

	// BatchCheckFollowing reports, for every id in toIDs, whether fromID follows it.
	// The result has exactly one entry per distinct requested id.
	BatchCheckFollowing(ctx context.Context, fromID string, toIDs []string) (map[string]bool, error)

	// GraphStats returns the four edge counts for userID.
	GraphStats(ctx context.Context, userID string) (*models.GraphStats, error)

	// Ping performs a trivial round trip.
	Ping(ctx context.Context) error

	// Close releases the backend's connection pool.
	Close() error
}

// RecordStore is the store of record as seen by the dual-write path. Its
// mutations report what they changed so that a failed mirror write can be
// compensated precisely.
type RecordStore interface {
	Repository

	// InsertEdge inserts the edge if absent and returns the stored edge and
	// whether this call created it.
	InsertEdge(ctx context.Context, edge models.Edge) (models.Edge, bool, error)

	// RemoveEdge deletes the edge and returns what was removed, or nil.
	RemoveEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error)

	// RecordGap notes that the graph store may disagree about key.
	RecordGap(ctx context.Context, key models.EdgeKey) error
}

// Page selects a window of a neighbor listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum limit and floors the offset at zero.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// BackendError wraps a failed call against one backend.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes every BackendError match ErrBackend.
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

func backendErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}

// newPage builds an EdgePage and derives HasMore from the window.
func newPage(ids []string, total int, page Page) *models.EdgePage {
	if ids == nil {
		ids = []string{}
	}
	return &models.EdgePage{
		UserIDs:    ids,
		TotalCount: total,
		HasMore:    page.Offset+len(ids) < total,
	}
}

// dedupe returns the distinct ids in order of first appearance.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func stampEdge(e models.Edge) models.Edge {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	return e
}

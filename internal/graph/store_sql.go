package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/matijazezelj/relgraph/pkg/models"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

// Relational drivers accepted by NewSQLStore.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const backendRelational = "relational"

// SQLStore implements RecordStore on a relational database. It is the store
// of record: every edge exists here first.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens a relational store. For SQLite, dsn is a file path or
// ":memory:"; for PostgreSQL it is a connection URL.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		memory := strings.HasPrefix(dsn, ":memory:")
		if !memory {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if memory {
			// every connection to :memory: is a separate database
			db.SetMaxOpenConns(1)
		}
		return &SQLStore{db: db, driver: driver}, nil
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		return &SQLStore{db: db, driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported relational driver %q (use: sqlite, postgres)", driver)
	}
}

// Init applies pending schema migrations.
func (s *SQLStore) Init(ctx context.Context) error {
	return s.Migrate(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return backendErr(backendRelational, "ping", s.db.PingContext(ctx))
}

// CreateEdge inserts the edge unless it already exists.
func (s *SQLStore) CreateEdge(ctx context.Context, edge models.Edge) error {
	_, _, err := s.InsertEdge(ctx, edge)
	return err
}

// InsertEdge inserts the edge if absent. When the edge already exists the
// stored copy, with its original created_at, is returned.
func (s *SQLStore) InsertEdge(ctx context.Context, edge models.Edge) (models.Edge, bool, error) {
	edge = stampEdge(edge)

	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO edges (edge_type, from_user_id, to_user_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (edge_type, from_user_id, to_user_id) DO NOTHING
		RETURNING created_at
	`, string(edge.Type), edge.FromID, edge.ToID, edge.CreatedAt.UnixMicro()).Scan(&createdAt)
	if err == nil {
		edge.CreatedAt = models.MicrosToTime(createdAt)
		return edge, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return edge, false, backendErr(backendRelational, "insert edge", err)
	}

	existing, err := s.GetEdge(ctx, edge.Key())
	if err != nil {
		return edge, false, err
	}
	if existing == nil {
		// deleted concurrently after the conflict; last writer wins
		return edge, false, nil
	}
	return *existing, false, nil
}

// DeleteEdge removes the edge if present.
func (s *SQLStore) DeleteEdge(ctx context.Context, key models.EdgeKey) error {
	_, err := s.RemoveEdge(ctx, key)
	return err
}

// RemoveEdge deletes the edge and returns the removed row, or nil if there was none.
func (s *SQLStore) RemoveEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM edges
		WHERE edge_type = $1 AND from_user_id = $2 AND to_user_id = $3
		RETURNING created_at
	`, string(key.Type), key.FromID, key.ToID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr(backendRelational, "delete edge", err)
	}
	return &models.Edge{FromID: key.FromID, ToID: key.ToID, Type: key.Type, CreatedAt: models.MicrosToTime(createdAt)}, nil
}

// HasEdge reports whether the edge exists.
func (s *SQLStore) HasEdge(ctx context.Context, key models.EdgeKey) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM edges WHERE edge_type = $1 AND from_user_id = $2 AND to_user_id = $3)
	`, string(key.Type), key.FromID, key.ToID).Scan(&exists)
	if err != nil {
		return false, backendErr(backendRelational, "check edge", err)
	}
	return exists, nil
}

// GetEdge returns a single edge, or nil if it does not exist.
func (s *SQLStore) GetEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM edges WHERE edge_type = $1 AND from_user_id = $2 AND to_user_id = $3
	`, string(key.Type), key.FromID, key.ToID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr(backendRelational, "get edge", err)
	}
	return &models.Edge{FromID: key.FromID, ToID: key.ToID, Type: key.Type, CreatedAt: models.MicrosToTime(createdAt)}, nil
}

// ListFollowers returns a page of users following userID.
func (s *SQLStore) ListFollowers(ctx context.Context, userID string, page Page) (*models.EdgePage, error) {
	return s.listNeighbors(ctx, "to_user_id", "from_user_id", userID, page)
}

// ListFollowing returns a page of users that userID follows.
func (s *SQLStore) ListFollowing(ctx context.Context, userID string, page Page) (*models.EdgePage, error) {
	return s.listNeighbors(ctx, "from_user_id", "to_user_id", userID, page)
}

// listNeighbors pages over follow edges where matchCol = userID, returning selectCol.
// Column names are fixed by the callers above.
func (s *SQLStore) listNeighbors(ctx context.Context, matchCol, selectCol, userID string, page Page) (*models.EdgePage, error) {
	page = page.Normalize()

	total, err := s.count(ctx, "count neighbors",
		`SELECT COUNT(*) FROM edges WHERE edge_type = $1 AND `+matchCol+` = $2`,
		string(models.EdgeFollow), userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectCol+` FROM edges
		WHERE edge_type = $1 AND `+matchCol+` = $2
		ORDER BY created_at, `+selectCol+`
		LIMIT $3 OFFSET $4
	`, string(models.EdgeFollow), userID, page.Limit, page.Offset)
	if err != nil {
		return nil, backendErr(backendRelational, "list neighbors", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	ids := make([]string, 0, min(page.Limit, total))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, backendErr(backendRelational, "list neighbors", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr(backendRelational, "list neighbors", err)
	}
	return newPage(ids, total, page), nil
}

// BatchCheckFollowing checks up to MaxBatchCheck follow edges from fromID in one query.
func (s *SQLStore) BatchCheckFollowing(ctx context.Context, fromID string, toIDs []string) (map[string]bool, error) {
	if len(toIDs) > MaxBatchCheck {
		return nil, ErrBatchTooLarge
	}
	ids := dedupe(toIDs)
	result := make(map[string]bool, len(ids))
	for _, id := range ids {
		result[id] = false
	}
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, string(models.EdgeFollow), fromID)
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+3)
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_user_id FROM edges
		WHERE edge_type = $1 AND from_user_id = $2 AND to_user_id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return nil, backendErr(backendRelational, "batch check", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, backendErr(backendRelational, "batch check", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr(backendRelational, "batch check", err)
	}
	return result, nil
}

// GraphStats runs the four per-user counts concurrently.
func (s *SQLStore) GraphStats(ctx context.Context, userID string) (*models.GraphStats, error) {
	stats := &models.GraphStats{UserID: userID}
	g, gctx := errgroup.WithContext(ctx)

	counts := []struct {
		dst      *int
		edgeType models.EdgeType
		column   string
	}{
		{&stats.FollowersCount, models.EdgeFollow, "to_user_id"},
		{&stats.FollowingCount, models.EdgeFollow, "from_user_id"},
		{&stats.MutedCount, models.EdgeMute, "from_user_id"},
		{&stats.BlockedCount, models.EdgeBlock, "from_user_id"},
	}
	for _, c := range counts {
		g.Go(func() error {
			n, err := s.count(gctx, "graph stats",
				`SELECT COUNT(*) FROM edges WHERE edge_type = $1 AND `+c.column+` = $2`,
				string(c.edgeType), userID)
			*c.dst = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// CountEdges returns the number of edges of edgeType, or of all types when edgeType is empty.
func (s *SQLStore) CountEdges(ctx context.Context, edgeType models.EdgeType) (int, error) {
	if edgeType == "" {
		return s.count(ctx, "count edges", `SELECT COUNT(*) FROM edges`)
	}
	return s.count(ctx, "count edges", `SELECT COUNT(*) FROM edges WHERE edge_type = $1`, string(edgeType))
}

// EdgeCountByType returns edge counts grouped by type.
func (s *SQLStore) EdgeCountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT edge_type, COUNT(*) FROM edges GROUP BY edge_type ORDER BY edge_type`)
	if err != nil {
		return nil, backendErr(backendRelational, "count by type", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return nil, backendErr(backendRelational, "count by type", err)
		}
		counts[t] = c
	}
	return counts, rows.Err()
}

// ScanEdges returns up to limit edges ordered by creation time, starting
// strictly after the cursor edge (nil starts from the beginning). An empty
// edgeType scans all types.
func (s *SQLStore) ScanEdges(ctx context.Context, after *models.Edge, edgeType models.EdgeType, limit int) ([]models.Edge, error) {
	query := `SELECT edge_type, from_user_id, to_user_id, created_at FROM edges WHERE 1=1`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if edgeType != "" {
		query += ` AND edge_type = ` + next(string(edgeType))
	}
	if after != nil {
		query += ` AND (created_at, edge_type, from_user_id, to_user_id) > (` +
			next(after.CreatedAt.UnixMicro()) + `, ` + next(string(after.Type)) + `, ` +
			next(after.FromID) + `, ` + next(after.ToID) + `)`
	}
	query += ` ORDER BY created_at, edge_type, from_user_id, to_user_id LIMIT ` + next(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backendErr(backendRelational, "scan edges", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	edges := make([]models.Edge, 0, limit)
	for rows.Next() {
		var e models.Edge
		var createdAt int64
		if err := rows.Scan(&e.Type, &e.FromID, &e.ToID, &createdAt); err != nil {
			return nil, backendErr(backendRelational, "scan edges", err)
		}
		e.CreatedAt = models.MicrosToTime(createdAt)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr(backendRelational, "scan edges", err)
	}
	return edges, nil
}

func (s *SQLStore) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, backendErr(backendRelational, op, err)
	}
	return n, nil
}

// Gap is a triple the graph store may disagree about.
type Gap struct {
	Key        models.EdgeKey `json:"key"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// RecordGap adds key to the gap ledger, refreshing its timestamp if already present.
func (s *SQLStore) RecordGap(ctx context.Context, key models.EdgeKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_sync_gaps (edge_type, from_user_id, to_user_id, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (edge_type, from_user_id, to_user_id) DO UPDATE SET recorded_at = excluded.recorded_at
	`, string(key.Type), key.FromID, key.ToID, time.Now().UnixMicro())
	return backendErr(backendRelational, "record gap", err)
}

// ListGaps returns the oldest recorded gaps, up to limit.
func (s *SQLStore) ListGaps(ctx context.Context, limit int) ([]Gap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_type, from_user_id, to_user_id, recorded_at
		FROM graph_sync_gaps ORDER BY recorded_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, backendErr(backendRelational, "list gaps", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var gaps []Gap
	for rows.Next() {
		var g Gap
		var recordedAt int64
		if err := rows.Scan(&g.Key.Type, &g.Key.FromID, &g.Key.ToID, &recordedAt); err != nil {
			return nil, backendErr(backendRelational, "list gaps", err)
		}
		g.RecordedAt = models.MicrosToTime(recordedAt)
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// ClearGap removes a healed gap unless it was recorded again after g was read.
func (s *SQLStore) ClearGap(ctx context.Context, g Gap) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM graph_sync_gaps
		WHERE edge_type = $1 AND from_user_id = $2 AND to_user_id = $3 AND recorded_at <= $4
	`, string(g.Key.Type), g.Key.FromID, g.Key.ToID, g.RecordedAt.UnixMicro())
	return backendErr(backendRelational, "clear gap", err)
}

// GapCount returns the number of outstanding gaps.
func (s *SQLStore) GapCount(ctx context.Context) (int, error) {
	return s.count(ctx, "count gaps", `SELECT COUNT(*) FROM graph_sync_gaps`)
}

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/matijazezelj/relgraph/pkg/models"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"
)

// Graph database flavors. They differ only in schema DDL.
const (
	FlavorNeo4j    = "neo4j"
	FlavorMemgraph = "memgraph"
)

const backendGraph = "graph"

// GraphOptions configures the Bolt connection.
type GraphOptions struct {
	URI      string
	Username string
	Password string
	Database string
	Flavor   string
}

// GraphStore implements Repository on a graph database reached over Bolt
// (Neo4j or Memgraph). Users are (:User {id}) nodes and edges are FOLLOWS,
// MUTES and BLOCKS relationships carrying created_at in Unix microseconds.
type GraphStore struct {
	driver     neo4j.DriverWithContext
	newSession sessionFactory
	flavor     string
	logger     *slog.Logger
}

// NewGraphStore creates the driver and its connection pool. It does not
// contact the server; use Ping to check reachability.
func NewGraphStore(opts GraphOptions, logger *slog.Logger) (*GraphStore, error) {
	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("creating graph driver: %w", err)
	}

	flavor := opts.Flavor
	if flavor == "" {
		flavor = FlavorNeo4j
	}

	return &GraphStore{
		driver:     driver,
		newSession: newNeo4jSessionFactory(driver, opts.Database),
		flavor:     flavor,
		logger:     logger,
	}, nil
}

// Driver returns the underlying driver.
func (g *GraphStore) Driver() neo4j.DriverWithContext {
	return g.driver
}

// Close closes the driver's connection pool.
func (g *GraphStore) Close() error {
	if g.driver == nil {
		return nil
	}
	return g.driver.Close(context.Background())
}

// EnsureSchema creates the unique constraint (and index) on User.id.
func (g *GraphStore) EnsureSchema(ctx context.Context) error {
	var stmts []string
	switch g.flavor {
	case FlavorMemgraph:
		stmts = []string{
			"CREATE INDEX ON :User(id)",
			"CREATE CONSTRAINT ON (u:User) ASSERT u.id IS UNIQUE",
		}
	default:
		stmts = []string{
			"CREATE CONSTRAINT user_id_unique IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
		}
	}
	for _, cypher := range stmts {
		if _, err := g.run(ctx, true, "ensure schema", cypher, nil); err != nil {
			if g.flavor == FlavorMemgraph && strings.Contains(strings.ToLower(err.Error()), "already exists") {
				continue
			}
			return err
		}
	}
	return nil
}

// Ping runs a trivial query.
func (g *GraphStore) Ping(ctx context.Context) error {
	_, err := g.run(ctx, false, "ping", "RETURN 1 AS ok", nil)
	return err
}

// CreateEdge merges both user nodes and the relationship. created_at is set
// only when the relationship is new.
func (g *GraphStore) CreateEdge(ctx context.Context, edge models.Edge) error {
	edge = stampEdge(edge)
	cypher := fmt.Sprintf(`
		MERGE (a:User {id: $fromID})
		MERGE (b:User {id: $toID})
		MERGE (a)-[r:%s]->(b)
		ON CREATE SET r.created_at = $createdAt
	`, edge.Type.RelLabel())

	_, err := g.run(ctx, true, "create edge", cypher, map[string]any{
		"fromID":    edge.FromID,
		"toID":      edge.ToID,
		"createdAt": edge.CreatedAt.UnixMicro(),
	})
	return err
}

// DeleteEdge removes the relationship if present. User nodes are kept.
func (g *GraphStore) DeleteEdge(ctx context.Context, key models.EdgeKey) error {
	cypher := fmt.Sprintf(`
		MATCH (:User {id: $fromID})-[r:%s]->(:User {id: $toID})
		DELETE r
	`, key.Type.RelLabel())

	_, err := g.run(ctx, true, "delete edge", cypher, map[string]any{
		"fromID": key.FromID,
		"toID":   key.ToID,
	})
	return err
}

// HasEdge checks for the relationship with a direct pattern match.
func (g *GraphStore) HasEdge(ctx context.Context, key models.EdgeKey) (bool, error) {
	cypher := fmt.Sprintf(`
		MATCH (:User {id: $fromID})-[r:%s]->(:User {id: $toID})
		RETURN count(r) AS total
	`, key.Type.RelLabel())

	n, err := g.count(ctx, "check edge", cypher, map[string]any{"fromID": key.FromID, "toID": key.ToID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetEdge returns the relationship, or nil if absent.
func (g *GraphStore) GetEdge(ctx context.Context, key models.EdgeKey) (*models.Edge, error) {
	cypher := fmt.Sprintf(`
		MATCH (:User {id: $fromID})-[r:%s]->(:User {id: $toID})
		RETURN r.created_at AS created_at
	`, key.Type.RelLabel())

	records, err := g.run(ctx, false, "get edge", cypher, map[string]any{"fromID": key.FromID, "toID": key.ToID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	createdAt, _ := records[0].Get("created_at")
	return &models.Edge{
		FromID:    key.FromID,
		ToID:      key.ToID,
		Type:      key.Type,
		CreatedAt: models.MicrosToTime(toInt64(createdAt)),
	}, nil
}

// ListFollowers expands incoming FOLLOWS relationships of userID.
func (g *GraphStore) ListFollowers(ctx context.Context, userID string, page Page) (*models.EdgePage, error) {
	return g.listNeighbors(ctx, "(u:User {id: $id})<-[r:FOLLOWS]-(n:User)", userID, page)
}

// ListFollowing expands outgoing FOLLOWS relationships of userID.
func (g *GraphStore) ListFollowing(ctx context.Context, userID string, page Page) (*models.EdgePage, error) {
	return g.listNeighbors(ctx, "(u:User {id: $id})-[r:FOLLOWS]->(n:User)", userID, page)
}

func (g *GraphStore) listNeighbors(ctx context.Context, pattern, userID string, page Page) (*models.EdgePage, error) {
	page = page.Normalize()

	total, err := g.count(ctx, "count neighbors",
		"MATCH "+pattern+" RETURN count(r) AS total",
		map[string]any{"id": userID})
	if err != nil {
		return nil, err
	}

	records, err := g.run(ctx, false, "list neighbors", `
		MATCH `+pattern+`
		RETURN n.id AS id
		ORDER BY r.created_at, n.id
		SKIP $skip LIMIT $limit
	`, map[string]any{"id": userID, "skip": int64(page.Offset), "limit": int64(page.Limit)})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, getRecordString(rec, "id"))
	}
	return newPage(ids, total, page), nil
}

// BatchCheckFollowing intersects fromID's outgoing FOLLOWS relationships with toIDs.
func (g *GraphStore) BatchCheckFollowing(ctx context.Context, fromID string, toIDs []string) (map[string]bool, error) {
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

	records, err := g.run(ctx, false, "batch check", `
		MATCH (:User {id: $fromID})-[:FOLLOWS]->(b:User)
		WHERE b.id IN $ids
		RETURN b.id AS id
	`, map[string]any{"fromID": fromID, "ids": ids})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if id := getRecordString(rec, "id"); id != "" {
			if _, requested := result[id]; requested {
				result[id] = true
			}
		}
	}
	return result, nil
}

// GraphStats runs the four per-user counts concurrently, one session each.
func (g *GraphStore) GraphStats(ctx context.Context, userID string) (*models.GraphStats, error) {
	stats := &models.GraphStats{UserID: userID}
	eg, gctx := errgroup.WithContext(ctx)

	counts := []struct {
		dst     *int
		pattern string
	}{
		{&stats.FollowersCount, "(:User {id: $id})<-[r:FOLLOWS]-()"},
		{&stats.FollowingCount, "(:User {id: $id})-[r:FOLLOWS]->()"},
		{&stats.MutedCount, "(:User {id: $id})-[r:MUTES]->()"},
		{&stats.BlockedCount, "(:User {id: $id})-[r:BLOCKS]->()"},
	}
	for _, c := range counts {
		eg.Go(func() error {
			n, err := g.count(gctx, "graph stats", "MATCH "+c.pattern+" RETURN count(r) AS total", map[string]any{"id": userID})
			*c.dst = n
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// CountEdges counts relationships of edgeType, or of every type when empty.
func (g *GraphStore) CountEdges(ctx context.Context, edgeType models.EdgeType) (int, error) {
	types := models.EdgeTypes
	if edgeType != "" {
		types = []models.EdgeType{edgeType}
	}
	total := 0
	for _, t := range types {
		n, err := g.count(ctx, "count edges", fmt.Sprintf("MATCH ()-[r:%s]->() RETURN count(r) AS total", t.RelLabel()), nil)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// MergeEdges merges a batch of edges, one UNWIND query per edge type.
// Existing relationships keep their created_at.
func (g *GraphStore) MergeEdges(ctx context.Context, edges []models.Edge) error {
	byType := make(map[models.EdgeType][]map[string]any)
	for _, e := range edges {
		e = stampEdge(e)
		byType[e.Type] = append(byType[e.Type], map[string]any{
			"fromID":    e.FromID,
			"toID":      e.ToID,
			"createdAt": e.CreatedAt.UnixMicro(),
		})
	}

	for _, t := range models.EdgeTypes {
		batch := byType[t]
		if len(batch) == 0 {
			continue
		}
		cypher := fmt.Sprintf(`
			UNWIND $edges AS e
			MERGE (a:User {id: e.fromID})
			MERGE (b:User {id: e.toID})
			MERGE (a)-[r:%s]->(b)
			ON CREATE SET r.created_at = e.createdAt
		`, t.RelLabel())
		if _, err := g.run(ctx, true, "merge edges", cypher, map[string]any{"edges": batch}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAllEdges removes every relationship of edgeType in chunks of batchSize
// and returns how many were deleted.
func (g *GraphStore) DeleteAllEdges(ctx context.Context, edgeType models.EdgeType, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultPageLimit
	}
	cypher := fmt.Sprintf(`
		MATCH ()-[r:%s]->()
		WITH r LIMIT $batch
		DELETE r
		RETURN count(r) AS total
	`, edgeType.RelLabel())

	deleted := 0
	for {
		n, err := g.countWrite(ctx, "delete all edges", cypher, map[string]any{"batch": int64(batchSize)})
		if err != nil {
			return deleted, err
		}
		deleted += n
		if n < batchSize {
			return deleted, nil
		}
	}
}

// run executes one auto-commit query and collects every record. Errors
// surfaced while streaming are returned as backend errors too.
func (g *GraphStore) run(ctx context.Context, write bool, op, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := g.newSession(ctx, write)
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, backendErr(backendGraph, op, err)
	}

	var records []*neo4j.Record
	for result.Next(ctx) {
		records = append(records, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, backendErr(backendGraph, op, err)
	}
	return records, nil
}

func (g *GraphStore) count(ctx context.Context, op, cypher string, params map[string]any) (int, error) {
	return g.countMode(ctx, false, op, cypher, params)
}

func (g *GraphStore) countWrite(ctx context.Context, op, cypher string, params map[string]any) (int, error) {
	return g.countMode(ctx, true, op, cypher, params)
}

func (g *GraphStore) countMode(ctx context.Context, write bool, op, cypher string, params map[string]any) (int, error) {
	records, err := g.run(ctx, write, op, cypher, params)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	v, _ := records[0].Get("total")
	return int(toInt64(v)), nil
}

func getRecordString(record *neo4j.Record, key string) string {
	if record == nil {
		return ""
	}
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	return toString(v)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

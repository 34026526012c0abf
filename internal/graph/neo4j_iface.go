package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// resultIterator abstracts the subset of neo4j.ResultWithContext we use.
type resultIterator interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// sessionRunner abstracts the subset of neo4j.SessionWithContext we use.
type sessionRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (resultIterator, error)
	Close(ctx context.Context) error
}

// sessionFactory opens a session in read or write access mode.
type sessionFactory func(ctx context.Context, write bool) sessionRunner

// neo4jSessionAdapter wraps a real neo4j.SessionWithContext to implement sessionRunner.
type neo4jSessionAdapter struct {
	session neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (resultIterator, error) {
	return a.session.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.session.Close(ctx)
}

// newNeo4jSessionFactory returns a sessionFactory backed by a real driver.
// Read sessions may be routed to followers in a cluster.
func newNeo4jSessionFactory(driver neo4j.DriverWithContext, database string) sessionFactory {
	return func(ctx context.Context, write bool) sessionRunner {
		mode := neo4j.AccessModeRead
		if write {
			mode = neo4j.AccessModeWrite
		}
		return &neo4jSessionAdapter{session: driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   mode,
			DatabaseName: database,
		})}
	}
}

package graph

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// mockRunCall records a single Run invocation.
type mockRunCall struct {
	cypher string
	params map[string]any
	write  bool
}

// mockSession implements sessionRunner for testing. It is shared by every
// session the factory hands out, so calls are guarded.
type mockSession struct {
	mu      sync.Mutex
	calls   []mockRunCall
	write   bool
	runFunc func(cypher string, params map[string]any) (resultIterator, error)
	closed  int
}

func (m *mockSession) Run(_ context.Context, cypher string, params map[string]any) (resultIterator, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockRunCall{cypher: cypher, params: params, write: m.write})
	runFunc := m.runFunc
	m.mu.Unlock()
	if runFunc != nil {
		return runFunc(cypher, params)
	}
	return &mockResult{}, nil
}

func (m *mockSession) Close(_ context.Context) error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockSession) callsContaining(fragment string) []mockRunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockRunCall
	for _, c := range m.calls {
		if strings.Contains(c.cypher, fragment) {
			out = append(out, c)
		}
	}
	return out
}

// mockResult implements resultIterator for testing.
type mockResult struct {
	records []*neo4j.Record
	index   int
	err     error
}

func (m *mockResult) Next(_ context.Context) bool {
	if m.index < len(m.records) {
		m.index++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	if m.index > 0 && m.index <= len(m.records) {
		return m.records[m.index-1]
	}
	return nil
}

func (m *mockResult) Err() error {
	return m.err
}

// makeRecord creates a *neo4j.Record from key-value pairs.
func makeRecord(kv map[string]any) *neo4j.Record {
	keys := make([]string, 0, len(kv))
	values := make([]any, 0, len(kv))
	for k, v := range kv {
		keys = append(keys, k)
		values = append(values, v)
	}
	return &neo4j.Record{Keys: keys, Values: values}
}

func totalResult(n int64) *mockResult {
	return &mockResult{records: []*neo4j.Record{makeRecord(map[string]any{"total": n})}}
}

func idResult(ids ...string) *mockResult {
	r := &mockResult{}
	for _, id := range ids {
		r.records = append(r.records, makeRecord(map[string]any{"id": id}))
	}
	return r
}

// mockSessionFactory returns a sessionFactory that always returns the given
// session, tagging subsequent calls with the requested access mode.
func mockSessionFactory(session *mockSession) sessionFactory {
	return func(_ context.Context, write bool) sessionRunner {
		session.mu.Lock()
		session.write = write
		session.mu.Unlock()
		return session
	}
}

// failSessionFactory returns a sessionFactory whose Run always fails.
func failSessionFactory(err error) sessionFactory {
	return func(_ context.Context, _ bool) sessionRunner {
		return &mockSession{
			runFunc: func(_ string, _ map[string]any) (resultIterator, error) {
				return nil, err
			},
		}
	}
}

func newMockGraphStore(session *mockSession) *GraphStore {
	return &GraphStore{
		newSession: mockSessionFactory(session),
		flavor:     FlavorNeo4j,
		logger:     testLogger(),
	}
}

// mockDriver implements neo4j.DriverWithContext for testing Close.
type mockDriver struct {
	closed   bool
	closeErr error
}

func (d *mockDriver) Close(_ context.Context) error {
	d.closed = true
	return d.closeErr
}

func (d *mockDriver) ExecuteQueryBookmarkManager() neo4j.BookmarkManager { return nil }
func (d *mockDriver) IsEncrypted() bool                                  { return false }
func (d *mockDriver) Target() url.URL                                    { return url.URL{} }
func (d *mockDriver) NewSession(_ context.Context, _ neo4j.SessionConfig) neo4j.SessionWithContext {
	return nil
}
func (d *mockDriver) VerifyAuthentication(_ context.Context, _ *neo4j.AuthToken) error { return nil }
func (d *mockDriver) VerifyConnectivity(_ context.Context) error                       { return nil }
func (d *mockDriver) GetServerInfo(_ context.Context) (neo4j.ServerInfo, error) {
	return nil, fmt.Errorf("not implemented")
}

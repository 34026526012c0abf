package graph

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationState describes one schema migration.
type MigrationState struct {
	Version int64
	Path    string
	Applied bool
}

func (s *SQLStore) migrationProvider() (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	dialect := goose.DialectSQLite3
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}
	return goose.NewProvider(dialect, s.db, fsys)
}

// Migrate applies all pending migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	p, err := s.migrationProvider()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// MigrationStatus reports every known migration and whether it is applied.
func (s *SQLStore) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	p, err := s.migrationProvider()
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading migration status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, MigrationState{
			Version: st.Source.Version,
			Path:    st.Source.Path,
			Applied: st.State == goose.StateApplied,
		})
	}
	return out, nil
}

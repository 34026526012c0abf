package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/matijazezelj/relgraph/internal/backfill"
	"github.com/matijazezelj/relgraph/internal/config"
	"github.com/matijazezelj/relgraph/internal/graph"
	"github.com/matijazezelj/relgraph/pkg/models"
)

// --- backfill ---

func backfillCmd() *cobra.Command {
	var edgeType string
	var dryRun bool
	var batchSize int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Copy edges from the relational store into the graph store",
		Long: `Copy every edge of the relational store of record into the graph store.

Writes are merges, so the command can be re-run to heal a stale graph store.
Batch size and dry-run default to backfill.batch_size and backfill.dry_run,
which can also be set with RELGRAPH_BACKFILL_BATCH_SIZE and
RELGRAPH_BACKFILL_DRY_RUN.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var t models.EdgeType
			if edgeType != "" {
				var err error
				if t, err = models.ParseEdgeType(edgeType); err != nil {
					return err
				}
			}

			st, err := openStack(cmd.Context(), nil, func(c *config.Config) {
				if cmd.Flags().Changed("dry-run") {
					c.Backfill.DryRun = dryRun
				}
				if cmd.Flags().Changed("batch-size") {
					c.Backfill.BatchSize = batchSize
				}
			})
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck // best-effort cleanup
			if err := st.requireGraph(); err != nil {
				return err
			}

			m := backfill.New(st.rel, st.graph, st.rel, st.alerter, backfill.Options{
				BatchSize:     st.cfg.Backfill.BatchSize,
				DryRun:        st.cfg.Backfill.DryRun,
				EdgeType:      t,
				ProgressEvery: st.cfg.Backfill.ProgressEvery,
			}, logger)
			res, err := m.Run(cmd.Context())
			if res != nil {
				printBackfillResult(cmd, res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&edgeType, "type", "", "only migrate this edge type (follow, mute, block)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count and fetch batches without writing to the graph store")
	cmd.Flags().IntVar(&batchSize, "batch-size", backfill.DefaultBatchSize, "edges per batch")
	return cmd
}

func printBackfillResult(cmd *cobra.Command, res *backfill.Result) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", res.State)
	_, _ = fmt.Fprintf(w, "Dry run:\t%v\n", res.DryRun)
	_, _ = fmt.Fprintf(w, "Relational edges:\t%d\n", res.RelationalCount)
	_, _ = fmt.Fprintf(w, "Graph before:\t%d\n", res.GraphBefore)
	_, _ = fmt.Fprintf(w, "Graph after:\t%d\n", res.GraphAfter)
	_, _ = fmt.Fprintf(w, "Migrated:\t%d in %d batches\n", res.Migrated, res.Batches)
	_, _ = fmt.Fprintf(w, "Verified:\t%v\n", res.Verified)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", res.Duration.Round(time.Millisecond))
	_ = w.Flush()
}

// --- reconcile ---

func reconcileCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Heal recorded graph store gaps once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck // best-effort cleanup
			if err := st.requireGraph(); err != nil {
				return err
			}

			if batchSize <= 0 {
				batchSize = st.cfg.Reconcile.BatchSize
			}
			r, err := graph.NewReconciler(st.rel, st.graph, st.cfg.Reconcile.Interval, batchSize, st.metrics, logger)
			if err != nil {
				return err
			}
			res, err := r.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			left, _ := st.rel.GapCount(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d gaps: %d healed, %d failed, %d outstanding\n",
				res.Scanned, res.Healed, res.Failed, left)
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "gaps to heal (default from config)")
	return cmd
}

// --- graph ---

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Graph store maintenance",
	}
	cmd.AddCommand(graphResetCmd(), graphStatusCmd())
	return cmd
}

func graphResetCmd() *cobra.Command {
	var edgeType string
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete edges from the graph store so a backfill can rebuild them",
		Long: `Delete relationships from the graph store. The relational store is not
touched; run "relgraph backfill" afterwards to rebuild the projection.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var t models.EdgeType
			if edgeType != "" {
				var err error
				if t, err = models.ParseEdgeType(edgeType); err != nil {
					return err
				}
			}
			if !yes {
				return fmt.Errorf("refusing to delete graph edges without --yes")
			}

			st, err := openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck // best-effort cleanup
			if err := st.requireGraph(); err != nil {
				return err
			}

			n, err := st.graph.DeleteAllEdges(cmd.Context(), t, 10000)
			if err != nil {
				return err
			}
			label := string(t)
			if label == "" {
				label = "all"
			}
			logger.Info("graph store reset", "edge_type", label, "deleted", n)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d %s edges from the graph store\n", n, label)
			return nil
		},
	}

	cmd.Flags().StringVar(&edgeType, "type", "", "only delete this edge type (default: all)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}

func graphStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare edge counts between the two stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck // best-effort cleanup
			if err := st.requireGraph(); err != nil {
				return err
			}
			ctx := cmd.Context()

			h := st.dual.Health(ctx)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "Relational healthy:\t%v\n", h.Relational.Healthy)
			if h.Graph != nil {
				_, _ = fmt.Fprintf(w, "Graph healthy:\t%v\t%s\n", h.Graph.Healthy, h.Graph.Error)
			}
			_, _ = fmt.Fprintln(w, "\nTYPE\tRELATIONAL\tGRAPH")
			for _, t := range models.EdgeTypes {
				rel, err := st.rel.CountEdges(ctx, t)
				if err != nil {
					return err
				}
				graphCount := "unavailable"
				if n, err := st.graph.CountEdges(ctx, t); err == nil {
					graphCount = fmt.Sprint(n)
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", t, rel, graphCount)
			}
			gaps, _ := st.rel.GapCount(ctx)
			_, _ = fmt.Fprintf(w, "\nOutstanding gaps:\t%d\n", gaps)
			return w.Flush()
		},
	}
}

// --- db ---

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Relational store management",
	}
	cmd.AddCommand(dbMigrateCmd(), dbStatusCmd(), dbStatsCmd())
	return cmd
}

// openRelationalRaw opens the store of record without migrating it.
func openRelationalRaw() (*graph.SQLStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := graph.NewSQLStore(cfg.Storage.Relational.Driver, cfg.Storage.Relational.DSN)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func dbMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openRelationalRaw()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func dbStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema migration status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openRelationalRaw()
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			states, err := store.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "VERSION\tMIGRATION\tSTATE")
			for _, s := range states {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				_, _ = fmt.Fprintf(w, "%05d\t%s\t%s\n", s.Version, s.Path, state)
			}
			return w.Flush()
		},
	}
}

func dbStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show relational store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openRelational(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			location := cfg.Storage.Relational.DSN
			if cfg.Storage.Relational.Driver == "sqlite" {
				size := "unknown"
				if info, err := os.Stat(location); err == nil {
					size = formatBytes(info.Size())
				}
				location = fmt.Sprintf("%s (%s)", location, size)
			} else {
				location = cfg.Redacted().Storage.Relational.DSN
			}

			total, err := store.CountEdges(ctx, "")
			if err != nil {
				return err
			}
			byType, _ := store.EdgeCountByType(ctx)
			gaps, _ := store.GapCount(ctx)
			runs, _ := store.ListBackfillRuns(ctx, 5)

			_, _ = fmt.Fprintf(out, "Database: %s %s\n\n", cfg.Storage.Relational.Driver, location)
			_, _ = fmt.Fprintf(out, "Edges: %d\n", total)
			for _, t := range models.EdgeTypes {
				_, _ = fmt.Fprintf(out, "  %-20s %d\n", t, byType[string(t)])
			}
			_, _ = fmt.Fprintf(out, "\nOutstanding graph gaps: %d\n", gaps)

			_, _ = fmt.Fprintf(out, "\nRecent backfill runs: %d\n", len(runs))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, r := range runs {
				typ := string(r.EdgeType)
				if typ == "" {
					typ = "all"
				}
				_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\tdry_run=%v\tmigrated=%d\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.State, typ, r.DryRun, r.Migrated, r.Error)
			}
			return w.Flush()
		},
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

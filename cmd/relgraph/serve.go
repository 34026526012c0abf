package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/matijazezelj/relgraph/internal/config"
	"github.com/matijazezelj/relgraph/internal/events"
	"github.com/matijazezelj/relgraph/internal/graph"
	"github.com/matijazezelj/relgraph/internal/server"
	"github.com/matijazezelj/relgraph/internal/service"
)

func serveCmd() *cobra.Command {
	var listen string
	var strict bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relationship API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStack(ctx, prometheus.DefaultRegisterer, func(c *config.Config) {
				if cmd.Flags().Changed("strict") {
					c.Storage.Strict = strict
				}
			})
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck // best-effort cleanup
			cfg := st.cfg

			if listen == "" {
				listen = cfg.Server.Listen
			}

			shutdownTracer, err := initTracer(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(sctx); err != nil {
					logger.Warn("flushing traces failed", "error", err)
				}
			}()

			var publisher events.Publisher = events.Nop{}
			if cfg.Events.NATSURL != "" {
				pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
				if err != nil {
					logger.Warn("edge events disabled, NATS unavailable", "url", cfg.Events.NATSURL, "error", err)
				} else {
					publisher = pub
					defer pub.Close() //nolint:errcheck // best-effort cleanup
					logger.Info("publishing edge events", "url", cfg.Events.NATSURL, "prefix", cfg.Events.SubjectPrefix)
				}
			}

			if st.dual != nil {
				logger.Info("dual-write enabled", "strict", st.dual.Strict(), "call_timeout", cfg.Storage.CallTimeout.String())
				if cfg.Reconcile.Enabled {
					rec, err := graph.NewReconciler(st.rel, st.graph, cfg.Reconcile.Interval, cfg.Reconcile.BatchSize, st.metrics, logger)
					if err != nil {
						return err
					}
					rec.Start(ctx)
					defer rec.Stop()
				}
			}

			svc := service.New(st.repo(), publisher, logger)
			srv := server.New(svc, server.Options{
				Listen:    listen,
				RateLimit: cfg.Server.RateLimit,
				RateBurst: cfg.Server.RateBurst,
				Gatherer:  prometheus.DefaultGatherer,
			}, logger)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("server shutdown", "error", err)
				}
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config or :8080)")
	cmd.Flags().BoolVar(&strict, "strict", false, "revert relational writes when the graph write fails (overrides storage.strict)")
	return cmd
}

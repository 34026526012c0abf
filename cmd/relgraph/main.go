package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/matijazezelj/relgraph/internal/alert"
	"github.com/matijazezelj/relgraph/internal/config"
	"github.com/matijazezelj/relgraph/internal/graph"
)

var (
	version   = "dev"
	cfgFile   string
	logFormat string
	logLevel  string
	logger    = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relgraph",
		Short: "relgraph: social relationship graph service",
		Long:  "Stores follow, mute and block edges in a relational store of record mirrored into a graph database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./relgraph.yaml)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(),
		backfillCmd(),
		reconcileCmd(),
		edgesCmd(),
		importCmd(),
		exportCmd(),
		graphCmd(),
		dbCmd(),
		configCmd(),
		versionCmd(),
		completionCmd(),
	)
	return root
}

// stack is the storage wiring shared by the commands.
type stack struct {
	cfg     *config.Config
	rel     *graph.SQLStore
	graph   *graph.GraphStore // nil when the graph store is disabled
	dual    *graph.DualStore  // nil when the graph store is disabled
	metrics *graph.Metrics
	alerter *alert.Multi
}

// repo is what the service layer should talk to.
func (s *stack) repo() graph.Repository {
	if s.dual != nil {
		return s.dual
	}
	return s.rel
}

func (s *stack) Close() error {
	if s.dual != nil {
		return s.dual.Close()
	}
	return s.rel.Close()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openRelational opens the store of record and applies pending migrations.
func openRelational(ctx context.Context, cfg *config.Config) (*graph.SQLStore, error) {
	store, err := graph.NewSQLStore(cfg.Storage.Relational.Driver, cfg.Storage.Relational.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return store, nil
}

// openGraph creates the graph store and makes sure its schema exists. An
// unreachable server is logged, not fatal: reads fall back and gaps are
// healed once it returns.
func openGraph(ctx context.Context, cfg *config.Config) (*graph.GraphStore, error) {
	g, err := graph.NewGraphStore(graph.GraphOptions{
		URI:      cfg.Storage.Graph.URI,
		Username: cfg.Storage.Graph.Username,
		Password: cfg.Storage.Graph.Password,
		Database: cfg.Storage.Graph.Database,
		Flavor:   cfg.Storage.Graph.Flavor,
	}, logger)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := g.EnsureSchema(sctx); err != nil {
		logger.Warn("graph store unavailable, continuing degraded", "uri", cfg.Storage.Graph.URI, "error", err)
	} else {
		logger.Info("graph store connected", "uri", cfg.Storage.Graph.URI, "flavor", cfg.Storage.Graph.Flavor)
	}
	return g, nil
}

func buildAlerter(cfg *config.Config) *alert.Multi {
	var alerters []alert.Alerter
	if cfg.Alerts.Stdout.Enabled {
		alerters = append(alerters, alert.NewStdoutAlerter())
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Headers))
	}
	return alert.NewMulti(alerters...)
}

// openStack opens both stores and composes them. reg receives the storage
// metrics; nil keeps them private. overrides apply command-line flags on top
// of the loaded configuration.
func openStack(ctx context.Context, reg prometheus.Registerer, overrides ...func(*config.Config)) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	rel, err := openRelational(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st := &stack{
		cfg:     cfg,
		rel:     rel,
		metrics: graph.NewMetrics(reg),
		alerter: buildAlerter(cfg),
	}
	if !cfg.Storage.Graph.Enabled {
		logger.Info("graph store disabled, serving from the relational store only")
		return st, nil
	}

	g, err := openGraph(ctx, cfg)
	if err != nil {
		_ = rel.Close()
		return nil, err
	}
	st.graph = g
	st.dual = graph.NewDualStore(rel, g, graph.DualOptions{
		Strict:              cfg.Storage.Strict,
		CallTimeout:         cfg.Storage.CallTimeout,
		CompensationTimeout: cfg.Storage.CompensationTimeout,
	}, st.metrics, st.alerter, logger)
	return st, nil
}

// requireGraph fails commands that only make sense with a graph store.
func (s *stack) requireGraph() error {
	if s.graph == nil {
		return fmt.Errorf("the graph store is disabled (storage.graph.enabled=false)")
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "relgraph %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for relgraph.

To load completions:

Bash:
  $ source <(relgraph completion bash)

Zsh:
  $ relgraph completion zsh > "${fpath[1]}/_relgraph"

Fish:
  $ relgraph completion fish > ~/.config/fish/completions/relgraph.fish

PowerShell:
  PS> relgraph completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}

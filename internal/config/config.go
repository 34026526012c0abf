package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RELGRAPH_STORAGE_STRICT.
const EnvPrefix = "RELGRAPH"

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Backfill  BackfillConfig  `mapstructure:"backfill" yaml:"backfill"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Alerts    AlertsConfig    `mapstructure:"alerts" yaml:"alerts"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

type StorageConfig struct {
	Relational RelationalConfig `mapstructure:"relational" yaml:"relational"`
	Graph      GraphConfig      `mapstructure:"graph" yaml:"graph"`
	// Strict reverts the relational write when the graph write fails.
	Strict              bool          `mapstructure:"strict" yaml:"strict"`
	CallTimeout         time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout" yaml:"compensation_timeout"`
}

type RelationalConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type GraphConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	URI      string `mapstructure:"uri" yaml:"uri"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	Flavor   string `mapstructure:"flavor" yaml:"flavor"`
}

type ServerConfig struct {
	Listen    string  `mapstructure:"listen" yaml:"listen"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type BackfillConfig struct {
	BatchSize     int  `mapstructure:"batch_size" yaml:"batch_size"`
	DryRun        bool `mapstructure:"dry_run" yaml:"dry_run"`
	ProgressEvery int  `mapstructure:"progress_every" yaml:"progress_every"`
}

type ReconcileConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Interval  string `mapstructure:"interval" yaml:"interval"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

type AlertsConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Stdout  StdoutConfig  `mapstructure:"stdout" yaml:"stdout"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled" yaml:"enabled"`
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
}

type StdoutConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	Insecure     bool   `mapstructure:"insecure" yaml:"insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.relational.driver", "sqlite")
	v.SetDefault("storage.relational.dsn", "./data/relgraph.db")
	v.SetDefault("storage.graph.enabled", true)
	v.SetDefault("storage.graph.uri", "bolt://localhost:7687")
	v.SetDefault("storage.graph.username", "")
	v.SetDefault("storage.graph.password", "")
	v.SetDefault("storage.graph.database", "")
	v.SetDefault("storage.graph.flavor", "neo4j")
	v.SetDefault("storage.strict", false)
	v.SetDefault("storage.call_timeout", "250ms")
	v.SetDefault("storage.compensation_timeout", "2s")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("backfill.batch_size", 1000)
	v.SetDefault("backfill.dry_run", false)
	v.SetDefault("backfill.progress_every", 10000)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "30s")
	v.SetDefault("reconcile.batch_size", 500)
	v.SetDefault("alerts.stdout.enabled", true)
	v.SetDefault("alerts.webhook.enabled", false)
	v.SetDefault("alerts.webhook.url", "")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "relgraph.edges")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "relgraph")
	v.SetDefault("telemetry.insecure", true)
}

// Load reads the configuration from an optional .env file, the config file
// and RELGRAPH_* environment variables, in increasing precedence.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".relgraph"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("relgraph")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSecrets resolves ${VAR} references in credential fields.
func (c *Config) expandSecrets() {
	c.Storage.Relational.DSN = os.ExpandEnv(c.Storage.Relational.DSN)
	c.Storage.Graph.Password = os.ExpandEnv(c.Storage.Graph.Password)
	c.Alerts.Webhook.URL = os.ExpandEnv(c.Alerts.Webhook.URL)
	for k, val := range c.Alerts.Webhook.Headers {
		c.Alerts.Webhook.Headers[k] = os.ExpandEnv(val)
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Storage.Relational.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.relational.driver %q: use sqlite or postgres", c.Storage.Relational.Driver)
	}
	if c.Storage.Relational.DSN == "" {
		return errors.New("storage.relational.dsn is required")
	}
	if c.Storage.Graph.Enabled {
		switch c.Storage.Graph.Flavor {
		case "neo4j", "memgraph":
		default:
			return fmt.Errorf("storage.graph.flavor %q: use neo4j or memgraph", c.Storage.Graph.Flavor)
		}
		if c.Storage.Graph.URI == "" {
			return errors.New("storage.graph.uri is required when the graph store is enabled")
		}
	}
	if c.Storage.CallTimeout < 0 || c.Storage.CompensationTimeout < 0 {
		return errors.New("storage timeouts must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be positive, got %d", c.Backfill.BatchSize)
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile.batch_size must be positive, got %d", c.Reconcile.BatchSize)
	}
	if c.Reconcile.Interval != "" {
		d, err := time.ParseDuration(c.Reconcile.Interval)
		if err != nil {
			return fmt.Errorf("reconcile.interval %q: %w (use Go duration format: 30s, 5m, etc.)", c.Reconcile.Interval, err)
		}
		if d < time.Second {
			return fmt.Errorf("reconcile.interval must be at least 1s, got %s", d)
		}
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		return errors.New("alerts.webhook.url is required when the webhook is enabled")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Storage.Graph.Password != "" {
		c.Storage.Graph.Password = "********"
	}
	if u, err := url.Parse(c.Storage.Relational.DSN); err == nil && u.User != nil {
		c.Storage.Relational.DSN = u.Redacted()
	}
	if len(c.Alerts.Webhook.Headers) > 0 {
		h := make(map[string]string, len(c.Alerts.Webhook.Headers))
		for k := range c.Alerts.Webhook.Headers {
			h[k] = "********"
		}
		c.Alerts.Webhook.Headers = h
	}
	return c
}

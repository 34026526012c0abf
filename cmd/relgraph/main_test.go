package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"Error", slog.LevelError, false},
		{"invalid", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q) expected error", tt.input)
			}
		} else {
			if err != nil {
				t.Errorf("parseLogLevel(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.input); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&buf)
	cmd.Run(cmd, nil)

	if !strings.HasPrefix(buf.String(), "relgraph ") {
		t.Errorf("version output = %q, want relgraph prefix", buf.String())
	}
}

func TestCompletionCmd(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			root := &cobra.Command{Use: "relgraph"}
			root.AddCommand(completionCmd())
			var buf bytes.Buffer
			root.SetOut(&buf)
			root.SetArgs([]string{"completion", shell})

			if err := root.Execute(); err != nil {
				t.Fatalf("completion %s error: %v", shell, err)
			}
			if buf.Len() == 0 {
				t.Errorf("completion %s produced no output", shell)
			}
		})
	}
}

func TestCompletionCmd_InvalidShell(t *testing.T) {
	root := &cobra.Command{Use: "relgraph"}
	root.AddCommand(completionCmd())
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"completion", "invalid"})

	if err := root.Execute(); err == nil {
		t.Error("expected error for invalid shell")
	}
}

// setupConfig writes a config for a relational-only stack on a temp SQLite
// file and returns its path.
func setupConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relgraph.yaml")
	doc := `storage:
  relational:
    driver: sqlite
    dsn: ` + filepath.Join(dir, "relgraph.db") + `
  graph:
    enabled: false
    password: hunter2
alerts:
  stdout:
    enabled: false
` + extra
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cfgFile = "" })
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", cfg, "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestConfigShow_Redacts(t *testing.T) {
	cfg := setupConfig(t, "")
	out, err := run(t, cfg, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("config show leaked the graph password:\n%s", out)
	}
	if !strings.Contains(out, "relgraph.db") {
		t.Errorf("config show missing relational dsn:\n%s", out)
	}
}

func TestConfigShow_MissingFile(t *testing.T) {
	t.Cleanup(func() { cfgFile = "" })
	if _, err := run(t, filepath.Join(t.TempDir(), "nope.yaml"), "config", "show"); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestEdgesLifecycle(t *testing.T) {
	cfg := setupConfig(t, "")
	a, b := uuid.NewString(), uuid.NewString()

	if _, err := run(t, cfg, "edges", "create", "follow", a, b); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := run(t, cfg, "edges", "check", "follow", a, b)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "true" {
		t.Errorf("check = %q, want true", out)
	}

	out, err = run(t, cfg, "edges", "followers", b)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, a) || !strings.Contains(out, "1 of 1") {
		t.Errorf("followers output = %q", out)
	}

	out, err = run(t, cfg, "edges", "stats", a)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Following:") {
		t.Errorf("stats output = %q", out)
	}

	if _, err := run(t, cfg, "edges", "delete", "follow", a, b); err != nil {
		t.Fatalf("delete: %v", err)
	}
	out, _ = run(t, cfg, "edges", "check", "follow", a, b)
	if strings.TrimSpace(out) != "false" {
		t.Errorf("check after delete = %q, want false", out)
	}
}

func TestEdgesCreate_InvalidInput(t *testing.T) {
	cfg := setupConfig(t, "")
	if _, err := run(t, cfg, "edges", "create", "friend", uuid.NewString(), uuid.NewString()); err == nil {
		t.Error("expected error for unknown edge type")
	}
	if _, err := run(t, cfg, "edges", "create", "follow", "not-a-uuid", uuid.NewString()); err == nil {
		t.Error("expected error for invalid user id")
	}
}

func TestImportExport(t *testing.T) {
	cfg := setupConfig(t, "")
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()
	fixture := filepath.Join(t.TempDir(), "edges.yaml")
	doc := "edges:\n  follow:\n    - [" + a + ", " + b + "]\n    - {from: " + b + ", to: " + c + "}\n  block:\n    - [" + c + ", " + a + "]\n"
	if err := os.WriteFile(fixture, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, cfg, "import", fixture)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Imported 3 of 3 edges (0 failed)") {
		t.Errorf("import output = %q", out)
	}

	out, err = run(t, cfg, "export", "--type", "follow")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, a) || !strings.Contains(out, c) || strings.Contains(out, "block") {
		t.Errorf("follow export = %q", out)
	}

	dot := filepath.Join(t.TempDir(), "graph.dot")
	if _, err := run(t, cfg, "export", "--format", "dot", "-o", dot); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(dot)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(raw), "digraph relgraph {") {
		t.Errorf("dot export = %q", raw)
	}

	if _, err := run(t, cfg, "export", "--format", "csv"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestGraphReset_RequiresYes(t *testing.T) {
	cfg := setupConfig(t, "")
	_, err := run(t, cfg, "graph", "reset")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("err = %v, want refusal without --yes", err)
	}
}

func TestGraphCommands_RequireGraphStore(t *testing.T) {
	cfg := setupConfig(t, "")
	for _, args := range [][]string{
		{"backfill"},
		{"reconcile"},
		{"graph", "reset", "--yes"},
		{"graph", "status"},
	} {
		_, err := run(t, cfg, args...)
		if err == nil || !strings.Contains(err.Error(), "graph store is disabled") {
			t.Errorf("%v: err = %v, want graph store disabled", args, err)
		}
	}
}

func TestBackfill_InvalidType(t *testing.T) {
	cfg := setupConfig(t, "")
	if _, err := run(t, cfg, "backfill", "--type", "friend"); err == nil {
		t.Error("expected error for unknown edge type")
	}
}

func TestDBCommands(t *testing.T) {
	cfg := setupConfig(t, "")

	out, err := run(t, cfg, "db", "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "pending") || strings.Contains(out, "applied") {
		t.Errorf("status before migrate = %q", out)
	}

	out, err = run(t, cfg, "db", "migrate")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("migrate output = %q", out)
	}

	out, err = run(t, cfg, "db", "status")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "pending") || !strings.Contains(out, "00001") {
		t.Errorf("status after migrate = %q", out)
	}

	if _, err := run(t, cfg, "edges", "create", "mute", uuid.NewString(), uuid.NewString()); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, cfg, "db", "stats")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Edges: 1", "mute", "Outstanding graph gaps: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

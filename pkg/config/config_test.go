package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/errand/pkg/config"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"ERRAND_MODEL", "ERRAND_API_KEY", "OPENAI_API_KEY", "ERRAND_BASE_URL",
		"ERRAND_DB_PATH", "ERRAND_MAX_ITERATIONS", "ERRAND_DEADLINE",
		"ERRAND_TOOL_TIMEOUT", "ERRAND_BUS", "ERRAND_NATS_URL", "ERRAND_LISTEN",
		"ERRAND_LOG_DIR", "ERRAND_LOG_LEVEL", "ERRAND_USE_TOON",
	} {
		t.Setenv(key, "")
	}
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Runner.MaxIterations != 3 {
		t.Errorf("max iterations = %d, want 3", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.Deadline != 20*time.Second {
		t.Errorf("deadline = %v, want 20s", cfg.Runner.Deadline)
	}
	if cfg.Runner.ToolTimeout != 10*time.Second {
		t.Errorf("tool timeout = %v, want 10s", cfg.Runner.ToolTimeout)
	}
	if cfg.Runner.MaxParallelTools != 5 {
		t.Errorf("max parallel = %d, want 5", cfg.Runner.MaxParallelTools)
	}
	if cfg.Bus.Kind != "memory" {
		t.Errorf("bus kind = %q, want memory", cfg.Bus.Kind)
	}
	if got := cfg.Encoding.PayloadFormat(); got != "toon" {
		t.Errorf("payload format = %q, want toon", got)
	}
}

func TestLoadLayersUserThenProject(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".errand", "config.yaml"), `
runner:
  max_iterations: 4
  deadline: 45s
model:
  model: user-model
bus:
  kind: nats
  url: nats://example:4222
`)

	project := t.TempDir()
	writeFile(t, filepath.Join(project, ".errand", "config.yaml"), `
model:
  model: project-model
runner:
  tool_timeouts:
    list_todos: 2s
`)
	chdir(t, project)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxIterations != 4 {
		t.Errorf("max iterations = %d, want 4 from user config", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.Deadline != 45*time.Second {
		t.Errorf("deadline = %v, want 45s", cfg.Runner.Deadline)
	}
	if cfg.Model.Model != "project-model" {
		t.Errorf("model = %q, want project-model", cfg.Model.Model)
	}
	if cfg.Bus.Kind != "nats" || cfg.Bus.URL != "nats://example:4222" {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if cfg.Runner.ToolTimeouts["list_todos"] != 2*time.Second {
		t.Errorf("tool timeouts = %v", cfg.Runner.ToolTimeouts)
	}
	// Untouched sections keep their defaults.
	if cfg.Runner.ToolTimeout != 10*time.Second {
		t.Errorf("tool timeout = %v, want default", cfg.Runner.ToolTimeout)
	}
}

func TestLoadExplicitFalseOverridesDefault(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
encoding:
  attach_payload: false
telemetry:
  metrics: false
`)

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Encoding.AttachPayload {
		t.Error("attach_payload should be false")
	}
	if cfg.Telemetry.Metrics {
		t.Error("metrics should be false")
	}
	if got := cfg.Encoding.PayloadFormat(); got != "none" {
		t.Errorf("payload format = %q, want none", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	chdir(t, t.TempDir())
	t.Setenv("ERRAND_MODEL", "env-model")
	t.Setenv("ERRAND_MAX_ITERATIONS", "5")
	t.Setenv("ERRAND_DEADLINE", "3s")
	t.Setenv("ERRAND_TOOL_TIMEOUT", "500ms")
	t.Setenv("ERRAND_LISTEN", ":9999")
	t.Setenv("ERRAND_USE_TOON", "off")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Model != "env-model" {
		t.Errorf("model = %q", cfg.Model.Model)
	}
	if cfg.Runner.MaxIterations != 5 {
		t.Errorf("max iterations = %d", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.Deadline != 3*time.Second || cfg.Runner.ToolTimeout != 500*time.Millisecond {
		t.Errorf("durations = %v / %v", cfg.Runner.Deadline, cfg.Runner.ToolTimeout)
	}
	if cfg.Server.Listen != ":9999" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Encoding.UseToon {
		t.Error("use_toon should be disabled by env")
	}
	if cfg.Model.APIKey != "sk-fallback" {
		t.Errorf("api key = %q, want OPENAI_API_KEY fallback", cfg.Model.APIKey)
	}

	t.Setenv("ERRAND_API_KEY", "sk-errand")
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.APIKey != "sk-errand" {
		t.Errorf("api key = %q, want ERRAND_API_KEY", cfg.Model.APIKey)
	}
}

func TestConfigEnvFile(t *testing.T) {
	home := isolate(t)
	chdir(t, t.TempDir())
	writeFile(t, filepath.Join(home, ".errand", "config.env"), `
# comment
export ERRAND_MODEL="file-model"
ERRAND_LOG_LEVEL=debug
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Model != "file-model" {
		t.Errorf("model = %q", cfg.Model.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}

	t.Setenv("ERRAND_MODEL", "process-model")
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Model != "process-model" {
		t.Errorf("process env should win, got %q", cfg.Model.Model)
	}
}

func TestLoadErrors(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		code    errandErrors.ErrorCode
	}{
		{"malformed yaml", "runner: [unterminated", errandErrors.ErrCodeConfigParse},
		{"unknown key", "runner:\n  max_iteration: 2\n", errandErrors.ErrCodeConfigParse},
		{"iterations above ceiling", "runner:\n  max_iterations: 6\n", errandErrors.ErrCodeConfigInvalid},
		{"zero iterations", "runner:\n  max_iterations: 0\n", errandErrors.ErrCodeConfigInvalid},
		{"negative deadline", "runner:\n  deadline: -1s\n", errandErrors.ErrCodeConfigInvalid},
		{"unknown bus", "bus:\n  kind: kafka\n", errandErrors.ErrCodeConfigInvalid},
		{"empty model", "model:\n  model: \"\"\n", errandErrors.ErrCodeConfigInvalid},
		{"bad level", "logging:\n  level: loud\n", errandErrors.ErrCodeConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			writeFile(t, path, tt.content)
			_, err := config.LoadFromPath(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errandErrors.GetCode(err); got != tt.code {
				t.Fatalf("code = %s, want %s (%v)", got, tt.code, err)
			}
		})
	}

	_, err := config.LoadFromPath(filepath.Join(dir, "missing.yaml"))
	if !errandErrors.IsCode(err, errandErrors.ErrCodeConfigLoad) {
		t.Fatalf("missing file: got %v, want CONFIG_LOAD", err)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "storage:\n  path: ~/data/errand.db\n")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if want := filepath.Join(home, "data", "errand.db"); cfg.Storage.Path != want {
		t.Errorf("storage path = %q, want %q", cfg.Storage.Path, want)
	}
}

package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config. A missing
// file is reported as-is so callers can test it with os.IsNotExist.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var override Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&override); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errandErrors.Wrap(err, errandErrors.ErrCodeConfigParse, "parsing YAML").
			WithContext("path", path)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errandErrors.Wrap(err, errandErrors.ErrCodeConfigParse, "parsing YAML").
			WithContext("path", path)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values leave base untouched
// except where raw shows the key was written explicitly (booleans and
// numbers whose zero is meaningful).
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if fieldSet(raw, "runner", "max_iterations") {
		base.Runner.MaxIterations = override.Runner.MaxIterations
	}
	if override.Runner.Deadline != 0 {
		base.Runner.Deadline = override.Runner.Deadline
	}
	if override.Runner.ToolTimeout != 0 {
		base.Runner.ToolTimeout = override.Runner.ToolTimeout
	}
	for name, d := range override.Runner.ToolTimeouts {
		if base.Runner.ToolTimeouts == nil {
			base.Runner.ToolTimeouts = make(map[string]time.Duration)
		}
		base.Runner.ToolTimeouts[name] = d
	}
	if fieldSet(raw, "runner", "max_parallel_tools") {
		base.Runner.MaxParallelTools = override.Runner.MaxParallelTools
	}
	if fieldSet(raw, "runner", "progress_buffer") {
		base.Runner.ProgressBuffer = override.Runner.ProgressBuffer
	}
	if strings.TrimSpace(override.Runner.SystemPrompt) != "" {
		base.Runner.SystemPrompt = override.Runner.SystemPrompt
	}

	if override.Model.BaseURL != "" {
		base.Model.BaseURL = override.Model.BaseURL
	}
	if override.Model.APIKey != "" {
		base.Model.APIKey = override.Model.APIKey
	}
	if fieldSet(raw, "model", "model") {
		base.Model.Model = override.Model.Model
	}
	if fieldSet(raw, "model", "temperature") {
		base.Model.Temperature = override.Model.Temperature
	}
	if override.Model.Timeout != 0 {
		base.Model.Timeout = override.Model.Timeout
	}
	if fieldSet(raw, "model", "requests_per_second") {
		base.Model.RequestsPerSecond = override.Model.RequestsPerSecond
	}
	if override.Model.Burst != 0 {
		base.Model.Burst = override.Model.Burst
	}
	if fieldSet(raw, "model", "max_retries") {
		base.Model.MaxRetries = override.Model.MaxRetries
	}
	if override.Model.CircuitBreaker.MaxFailures != 0 {
		base.Model.CircuitBreaker.MaxFailures = override.Model.CircuitBreaker.MaxFailures
	}
	if override.Model.CircuitBreaker.ResetTimeout != 0 {
		base.Model.CircuitBreaker.ResetTimeout = override.Model.CircuitBreaker.ResetTimeout
	}

	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}

	if fieldSet(raw, "bus", "kind") {
		base.Bus.Kind = strings.ToLower(strings.TrimSpace(override.Bus.Kind))
	}
	if override.Bus.URL != "" {
		base.Bus.URL = override.Bus.URL
	}
	if override.Bus.Prefix != "" {
		base.Bus.Prefix = override.Bus.Prefix
	}
	if fieldSet(raw, "bus", "persist_runs") {
		base.Bus.PersistRuns = override.Bus.PersistRuns
	}
	if override.Bus.RetainFor != 0 {
		base.Bus.RetainFor = override.Bus.RetainFor
	}

	if override.Server.Listen != "" {
		base.Server.Listen = override.Server.Listen
	}
	if override.Server.Heartbeat != 0 {
		base.Server.Heartbeat = override.Server.Heartbeat
	}
	if len(override.Server.AllowedOrigins) > 0 {
		base.Server.AllowedOrigins = append([]string(nil), override.Server.AllowedOrigins...)
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if fieldSet(raw, "logging", "level") {
		base.Logging.Level = strings.ToLower(strings.TrimSpace(override.Logging.Level))
	}

	if fieldSet(raw, "telemetry", "metrics") {
		base.Telemetry.Metrics = override.Telemetry.Metrics
	}
	if fieldSet(raw, "telemetry", "tracing") {
		base.Telemetry.Tracing = override.Telemetry.Tracing
	}

	if fieldSet(raw, "encoding", "use_toon") {
		base.Encoding.UseToon = override.Encoding.UseToon
	}
	if fieldSet(raw, "encoding", "attach_payload") {
		base.Encoding.AttachPayload = override.Encoding.AttachPayload
	}
}

// fieldSet reports whether the YAML document explicitly contains path.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

// loadError keeps a parse error's code and tags anything else as a load
// failure.
func loadError(err error, msg, path string) error {
	if e, ok := errandErrors.As(err); ok {
		return e
	}
	return errandErrors.Wrap(err, errandErrors.ErrCodeConfigLoad, msg).WithContext("path", path)
}

// loadConfigEnvVars reads KEY=value pairs from ~/.errand/config.env.
func loadConfigEnvVars() map[string]string {
	home := homeDir()
	if home == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(home, DirName, "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}

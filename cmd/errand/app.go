package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/odvcencio/errand/pkg/bus"
	"github.com/odvcencio/errand/pkg/config"
	"github.com/odvcencio/errand/pkg/encoding/toon"
	"github.com/odvcencio/errand/pkg/logging"
	"github.com/odvcencio/errand/pkg/model"
	"github.com/odvcencio/errand/pkg/progress"
	"github.com/odvcencio/errand/pkg/storage"
	"github.com/odvcencio/errand/pkg/telemetry"
	"github.com/odvcencio/errand/pkg/tool"
	"github.com/odvcencio/errand/pkg/tool/todo"
	"github.com/odvcencio/errand/pkg/toolrunner"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *storage.Store
	registry *tool.Registry
	hub      *telemetry.Hub
	gatherer *prometheus.Registry
	metrics  *telemetry.Metrics
	bus      bus.MessageBus
	queue    *progress.Queue
	runner   *toolrunner.Runner
	tracer   *telemetry.TracerProvider
}

type appOptions struct {
	// withModel builds the model client and runner; todos does not need them.
	withModel bool
	// extraSink receives progress in addition to the bus and hub.
	extraSink progress.Sink
	// traceOut receives spans when tracing is enabled; nil means stderr.
	traceOut io.Writer
}

// newApp wires storage, tools, telemetry, transport and the runner from cfg.
// Partially built apps are closed before an error is returned.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	a.logger, err = logging.NewLogger(cfg.Logging.Dir, ulid.Make().String())
	if err != nil {
		// Logging is best effort; a read-only home must not stop a run.
		a.logger = logging.Nop()
	}
	a.logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.store, err = storage.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.hub = telemetry.NewHub()
	a.store.AddObserver(storage.ObserverFunc(func(e storage.Event) {
		switch e.Type {
		case storage.EventTodoCreated, storage.EventTodoUpdated, storage.EventTodoDeleted:
			a.hub.Publish(telemetry.Event{
				Type: telemetry.EventTodoChanged,
				Data: map[string]any{"change": string(e.Type), "id": e.EntityID},
			})
		}
	}))

	if cfg.Telemetry.Metrics {
		a.gatherer = prometheus.NewRegistry()
		a.gatherer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = telemetry.NewMetrics(a.gatherer)
	}

	if cfg.Telemetry.Tracing {
		out := opts.traceOut
		if out == nil {
			out = os.Stderr
		}
		a.tracer, err = telemetry.NewTracerProvider("errand", version, out)
		if err != nil {
			return nil, err
		}
	}

	a.registry = tool.NewRegistry()
	if err := todo.Register(a.registry, a.store); err != nil {
		return nil, err
	}
	a.registry.Use(
		tool.PanicRecovery(a.logger),
		tool.Timeout(0, cfg.Runner.ToolTimeouts),
		tool.Telemetry(a.metrics, a.hub),
		tool.Logging(a.logger),
	)

	a.bus, err = bus.New(ctx, bus.Config{
		Kind:        cfg.Bus.Kind,
		URL:         cfg.Bus.URL,
		Name:        "errand",
		Timeout:     10 * time.Second,
		PersistRuns: cfg.Bus.PersistRuns,
		RetainFor:   cfg.Bus.RetainFor,
		Prefix:      cfg.Bus.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	sinks := []progress.Sink{
		progress.BusSink{Bus: a.bus, Prefix: cfg.Bus.Prefix},
		progress.HubSink{Hub: a.hub},
	}
	if opts.extraSink != nil {
		sinks = append(sinks, opts.extraSink)
	}
	queueOpts := []progress.QueueOption{progress.WithBuffer(cfg.Runner.ProgressBuffer)}
	if a.metrics != nil {
		queueOpts = append(queueOpts, progress.WithDropCounter(a.metrics))
	}
	a.queue = progress.NewQueue(progress.Multi(sinks...), queueOpts...)

	if !opts.withModel {
		return a, nil
	}
	if !cfg.HasAPIKey() {
		return nil, withExitCode(errors.New("no model API key configured (set ERRAND_API_KEY or OPENAI_API_KEY)"), exitConfig)
	}

	format, err := toon.ParseFormat(cfg.Encoding.PayloadFormat())
	if err != nil {
		return nil, err
	}
	retry := model.DefaultRetryConfig()
	retry.MaxRetries = cfg.Model.MaxRetries
	client := model.NewHTTPClient(model.Options{
		APIKey:            cfg.Model.APIKey,
		BaseURL:           cfg.Model.BaseURL,
		Timeout:           cfg.Model.Timeout,
		RequestsPerSecond: cfg.Model.RequestsPerSecond,
		Burst:             cfg.Model.Burst,
		Retry:             &retry,
		CircuitBreaker: &model.CircuitBreakerConfig{
			MaxFailures:  uint32(max(cfg.Model.CircuitBreaker.MaxFailures, 1)),
			ResetTimeout: cfg.Model.CircuitBreaker.ResetTimeout,
		},
		Logger: a.logger,
	})

	a.runner, err = toolrunner.New(toolrunner.Config{
		Model:                client,
		Registry:             a.registry,
		ModelName:            cfg.Model.Model,
		SystemPrompt:         cfg.Runner.SystemPrompt,
		Temperature:          cfg.Model.Temperature,
		DefaultMaxIterations: cfg.Runner.MaxIterations,
		Deadline:             cfg.Runner.Deadline,
		ToolTimeout:          cfg.Runner.ToolTimeout,
		MaxParallelTools:     cfg.Runner.MaxParallelTools,
		Codec:                toon.New(format),
		Emitter:              a.queue,
		Logger:               a.logger,
		Metrics:              a.metrics,
		Hub:                  a.hub,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close flushes progress and releases resources in reverse order of creation.
func (a *app) close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.queue != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = a.queue.Close(flushCtx)
		cancel()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

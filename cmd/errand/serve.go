package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/errand/pkg/api"
	"github.com/odvcencio/errand/pkg/logging"
)

func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	listen := fs.String("listen", "", "address to listen on (default from config)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{withModel: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	serverCfg := api.ServerConfig{
		Address:        cfg.Server.Listen,
		Runner:         a.runner,
		Store:          a.store,
		Hub:            a.hub,
		Logger:         a.logger,
		Heartbeat:      cfg.Server.Heartbeat,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ProgressBuffer: cfg.Runner.ProgressBuffer,
	}
	if a.gatherer != nil {
		serverCfg.Gatherer = a.gatherer
	}
	srv := api.NewServer(serverCfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	a.logger.Info(logging.CategoryAPI, "server_started", "listening on "+cfg.Server.Listen, map[string]any{
		"listen": cfg.Server.Listen,
		"bus":    cfg.Bus.Kind,
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.Deadline+5*time.Second)
	defer cancel()
	a.logger.Info(logging.CategoryAPI, "server_stopping", "", nil)
	return srv.Shutdown(shutdownCtx)
}

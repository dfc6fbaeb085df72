package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/ent0n29/voicememory/internal/app"
)

const retentionInterval = 24 * time.Hour

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the memory HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "Listen address",
				Sources: cli.EnvVars("BIND_ADDR"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("bind") {
				cfg.BindAddr = cmd.String("bind")
			}
			logger := newLogger(cfg, cmd.Root().ErrWriter)
			res, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					logger.Warn("cleanup failed", "err", err)
				}
			}()
			return serve(ctx, res, logger)
		},
	}
}

func serve(ctx context.Context, res *app.BuildResult, logger *log.Logger) error {
	cfg := res.Config
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	res.Sessions.StartJanitor(runCtx, 5*time.Second)
	if cfg.MemoryRetentionDays > 0 {
		go runRetention(runCtx, res, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// runRetention soft-deletes turns past the retention window once a day,
// keeping turns that produced facts.
func runRetention(ctx context.Context, res *app.BuildResult, logger *log.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		if _, err := res.Memory.CleanupOldSessions(ctx, res.Config.MemoryRetentionDays, true); err != nil {
			logger.Warn("retention pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/ent0n29/voicememory/internal/app"
	"github.com/ent0n29/voicememory/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "voicememory",
		Usage: "Long-term memory for a voice assistant",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "SQLite database file",
				Sources: cli.EnvVars("MEMORY_DB_PATH"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection string; replaces SQLite when set",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "vector-backend",
				Usage:   "chromem, qdrant, pgvector or none",
				Sources: cli.EnvVars("VECTOR_BACKEND"),
			},
			&cli.StringFlag{
				Name:    "llm",
				Usage:   "Classifier provider: mock, anthropic, openai or ollama",
				Sources: cli.EnvVars("LLM_PROVIDER"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text, json or logfmt",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			rememberCommand(),
			recallCommand(),
			factsCommand(),
			historyCommand(),
			sessionsCommand(),
			statsCommand(),
			cleanupCommand(),
		},
	}
}

// loadConfig reads the environment, then applies the global flags on top.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	overrides := []struct {
		flag  string
		dst   *string
		lower bool
	}{
		{"db-path", &cfg.MemoryDBPath, false},
		{"database-url", &cfg.DatabaseURL, false},
		{"vector-backend", &cfg.VectorBackend, true},
		{"llm", &cfg.LLMProvider, true},
		{"log-level", &cfg.LogLevel, true},
		{"log-format", &cfg.LogFormat, true},
	}
	for _, o := range overrides {
		if !cmd.IsSet(o.flag) {
			continue
		}
		v := strings.TrimSpace(cmd.String(o.flag))
		if o.lower {
			v = strings.ToLower(v)
		}
		*o.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{ReportTimestamp: true})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}

// withApp builds the service for a one-shot command and tears it down after.
func withApp(ctx context.Context, cmd *cli.Command, fn func(*app.BuildResult) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
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
	return fn(res)
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

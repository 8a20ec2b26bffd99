// Command crosstalk runs an automated capture batch against the
// conversational UIs in a YAML config.
//
// Usage:
//
//	crosstalk -config targets.yaml -input prompts.csv
//	crosstalk -config targets.yaml -input prompts.jsonl -limit 5
//	crosstalk -config targets.yaml -input prompts.csv -targets copilot,gemini
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/crosstalk"
	"github.com/hazyhaar/crosstalk/idgen"
)

func main() {
	configPath := flag.String("config", "", "path to crosstalk.yaml config file")
	inputPath := flag.String("input", "", "path to input rows (.csv or .jsonl)")
	limit := flag.Int("limit", 0, "process only the first N rows (0 = all)")
	targets := flag.String("targets", "", "comma-separated target IDs to query (default: all)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *inputPath, *limit, *targets); err != nil {
		logger.Error("crosstalk: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, inputPath string, limit int, targetFilter string) error {
	if configPath == "" || inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: crosstalk -config <file> -input <file> [-limit N] [-targets a,b]")
		os.Exit(1)
	}

	cfg, err := crosstalk.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if targetFilter != "" {
		keep := make(map[string]bool)
		for _, id := range strings.Split(targetFilter, ",") {
			keep[strings.TrimSpace(id)] = true
		}
		var filtered []crosstalk.TargetConfig
		for _, t := range cfg.Targets {
			if keep[t.ID] {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("no configured target matches -targets %q", targetFilter)
		}
		cfg.Targets = filtered
	}

	rows, err := crosstalk.LoadRows(inputPath, limit)
	if err != nil {
		return fmt.Errorf("load input: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no input rows in %s", inputPath)
	}

	runID := idgen.RunID()
	// Each run gets its own output directory so re-runs never clobber an
	// earlier run's screenshots or CSV.
	cfg.Output.Dir = filepath.Join(cfg.Output.Dir, runID)
	logger.Info("crosstalk: starting run",
		"run_id", runID,
		"output_dir", cfg.Output.Dir,
		"rows", len(rows),
		"targets", len(cfg.Targets))

	sinks, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}

	eng := crosstalk.New(cfg, logger, sinks...)
	runErr := eng.Run(ctx, rows)

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Warn("crosstalk: sink close", "error", err)
		}
	}
	return runErr
}

func buildSinks(cfg *crosstalk.Config, logger *slog.Logger) ([]crosstalk.Sink, error) {
	var sinks []crosstalk.Sink

	if cfg.Output.CSVName != "" {
		path := filepath.Join(cfg.Output.Dir, cfg.Output.CSVName)
		sinks = append(sinks, crosstalk.NewCSVSink(path, logger, cfg.Output.LockRetries, cfg.Output.LockRetryDelay))
	}
	if cfg.Output.SQLitePath != "" {
		s, err := crosstalk.NewSQLiteSink(cfg.Output.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Output.JSONLPath != "" {
		s, err := crosstalk.NewJSONLSink(cfg.Output.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, crosstalk.NewJSONLWriterSink(os.Stdout))
	}
	return sinks, nil
}

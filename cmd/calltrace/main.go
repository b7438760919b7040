// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/calltrace/pkg/config"
	"github.com/mbeema/calltrace/pkg/export"
	"github.com/mbeema/calltrace/pkg/journal"
	"github.com/mbeema/calltrace/pkg/tracker"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		logLevel    string
		dumpPath    string
		runDemo     bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&dumpPath, "dump", "", "pretty-print a journal file as call trees")
	flag.BoolVar(&runDemo, "demo", false, "run an instrumented sample workload")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("calltrace %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if dumpPath != "" {
		if err := dump(dumpPath); err != nil {
			fmt.Fprintf(os.Stderr, "dump failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !runDemo {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := demo(cfg, logger); err != nil {
		logger.Fatal("demo failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/calltrace.yaml",
		"/etc/calltrace/calltrace.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

// demo runs a small instrumented workload through the full pipeline: nested
// same-goroutine calls plus a parallel fan-out, flushed to the configured
// journal targets (and OTLP when enabled).
func demo(cfg *config.Config, logger *zap.Logger) error {
	targets := make([]journal.Target, 0, len(cfg.Journal.Targets))
	for _, t := range cfg.Journal.Targets {
		targets = append(targets, journal.Target{Name: t.Name, Directory: t.Directory})
	}

	writer, err := journal.NewWriter(targets, journal.Options{
		Attempts:   cfg.Journal.RetryAttempts,
		RetryDelay: cfg.Journal.RetryDelay,
		DatePrefix: cfg.Journal.DatePrefix,
	}, logger)
	if err != nil {
		return err
	}

	reporters := []tracker.Reporter{writer}
	if cfg.Exporters.OTLP.Enabled {
		exp, err := export.NewOTLPExporter(&cfg.Exporters.OTLP, cfg.ServiceName, logger)
		if err != nil {
			logger.Warn("OTLP exporter unavailable", zap.Error(err))
		} else {
			defer exp.Shutdown(context.Background())
			reporters = append(reporters, export.NewReporter(exp, logger))
		}
	}

	collector, err := tracker.NewCollector(tracker.MultiReporter(reporters...), tracker.WithLogger(logger))
	if err != nil {
		return err
	}

	root, err := tracker.OpenNamed(collector, "DemoService", "HandleRequest")
	if err != nil {
		return err
	}
	root.AddMetadata("request.id", "demo-1")

	// Nested same-goroutine call.
	validate, err := tracker.OpenChildNamed(root, "DemoService", "Validate")
	if err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	if err := validate.Close(); err != nil {
		return err
	}

	// Parallel fan-out under the root.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child, err := tracker.OpenChildNamed(root, "DemoWorker", "Process")
			if err != nil {
				logger.Error("open child failed", zap.Error(err))
				return
			}
			child.AddMetadata("worker", fmt.Sprintf("%d", i))
			time.Sleep(time.Duration(2+i) * time.Millisecond)
			if err := child.Close(); err != nil {
				logger.Error("close child failed", zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	if err := root.Close(); err != nil {
		return err
	}

	for _, t := range cfg.Journal.Targets {
		logger.Info("journal written",
			zap.String("name", t.Name),
			zap.String("directory", t.Directory),
		)
	}
	return nil
}

// dumpSpan mirrors the persisted span shape.
type dumpSpan struct {
	ClassName   string            `json:"className"`
	MethodName  string            `json:"methodName"`
	StartTime   string            `json:"startTime"`
	ExecutionMS *float64          `json:"executionTime"`
	Metadata    map[string]string `json:"metadata"`
	SubMethods  []dumpSpan        `json:"subMethods"`
}

// dump pretty-prints a journal file: one block per batch, call trees
// indented by depth.
func dump(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var batches [][]dumpSpan
	if err := json.Unmarshal(data, &batches); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for i, batch := range batches {
		fmt.Printf("batch %d (%d roots)\n", i+1, len(batch))
		for _, root := range batch {
			printSpan(root, 1)
		}
	}
	return nil
}

func printSpan(s dumpSpan, depth int) {
	indent := strings.Repeat("  ", depth)
	dur := "-"
	if s.ExecutionMS != nil {
		dur = fmt.Sprintf("%.2fms", *s.ExecutionMS)
	}
	fmt.Printf("%s%s.%s %s %s\n", indent, s.ClassName, s.MethodName, dur, formatMeta(s.Metadata))
	for _, child := range s.SubMethods {
		printSpan(child, depth+1)
	}
}

func formatMeta(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

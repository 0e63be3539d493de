// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// photonring-read prints the detector's kernel log lines as events, live
// from /dev/kmsg or from a saved dmesg or kern.log file. With -config, each
// logged registration is also checked against that file's detection rules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/export"
	"github.com/mbeema/photonring/pkg/kmsg"
	"github.com/mbeema/photonring/pkg/logs"
	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var (
		path       string
		follow     bool
		fromEnd    bool
		format     string
		journalDir string
		configPath string
		debug      bool
	)

	flag.StringVar(&path, "path", kmsg.DefaultPath, "kernel log device, dmesg dump or kern.log")
	flag.BoolVar(&follow, "follow", false, "keep reading new lines")
	flag.BoolVar(&fromEnd, "from-end", false, "with -follow, skip lines already in the log")
	flag.StringVar(&format, "format", "text", "output format (text, json)")
	flag.StringVar(&journalDir, "journal", "", "also append events to the JSONL journal in this directory")
	flag.StringVar(&configPath, "config", "", "recheck registrations against the detection rules in this config")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(level)
	logCfg.Encoding = "console"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if format != "text" && format != "json" {
		logger.Fatal("format must be 'text' or 'json'", zap.String("format", format))
	}

	exporters := []export.Exporter{export.NewStdoutExporter(format)}
	if journalDir != "" {
		jcfg := config.DefaultConfig().Alerts.Journal
		jcfg.Enabled = true
		jcfg.Dir = journalDir
		j, err := export.NewJournalExporter(&jcfg)
		if err != nil {
			logger.Fatal("failed to open journal", zap.Error(err))
		}
		exporters = append(exporters, j)
	}

	var recheck *logs.Rechecker
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.String("path", configPath), zap.Error(err))
		}
		rules, err := cfg.Rules()
		if err != nil {
			logger.Fatal("invalid detection rules", zap.Error(err))
		}
		engine, err := detect.NewEngine(rules...)
		if err != nil {
			logger.Fatal("invalid detection rules", zap.Error(err))
		}
		recheck = logs.NewRechecker(engine)
		logger.Debug("rechecking registrations", zap.Int("rules", len(engine.Rules())))
	}

	var boot time.Time
	if secs, err := host.BootTime(); err == nil {
		boot = time.Unix(int64(secs), 0)
	} else {
		logger.Warn("boot time unknown, stamping events with read time", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		dedup logs.Deduper
		seq   uint64
	)
	handle := func(r *logs.LogRecord) {
		if !dedup.Fresh(r) {
			return
		}
		seq++
		batch := []*alert.Event{r.Event(seq, boot)}
		if recheck != nil {
			for _, ev := range recheck.Recheck(r, boot) {
				seq++
				ev.Seq = seq
				batch = append(batch, ev)
			}
		}
		for _, exp := range exporters {
			if err := exp.ExportEvents(ctx, batch); err != nil {
				logger.Warn("export failed", zap.String("exporter", exp.Name()), zap.Error(err))
			}
		}
	}

	if err := read(ctx, path, follow, fromEnd, handle, logger); err != nil {
		logger.Error("read failed", zap.String("path", path), zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, exp := range exporters {
		if err := exp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("exporter shutdown failed", zap.String("exporter", exp.Name()), zap.Error(err))
		}
	}
	logger.Debug("done", zap.Uint64("events", seq))
}

// read picks the reader for path: character devices are read as
// /dev/kmsg, anything else as a text log.
func read(ctx context.Context, path string, follow, fromEnd bool, fn func(*logs.LogRecord), logger *zap.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	parser := logs.NewParser()

	if info.Mode()&os.ModeCharDevice != 0 {
		return logs.ReadKmsg(ctx, path, follow, fromEnd, parser, fn)
	}

	tailer, err := logs.NewTailer(path, !fromEnd, parser, logger)
	if err != nil {
		return err
	}
	defer tailer.Stop()
	tailer.OnLog(fn)

	if !follow {
		if fromEnd {
			return errors.New("-from-end only applies with -follow")
		}
		return tailer.ReadOnce()
	}
	tailer.Run(ctx, nil)
	return nil
}

// beacond is the rollup backend daemon: it owns the live interval
// buffers, the agent hierarchy metastore, and the background writer that
// persists completed intervals as durable rollups.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/beacon/internal/cluster"
	"github.com/xtxerr/beacon/internal/config"
	"github.com/xtxerr/beacon/internal/hierarchy"
	"github.com/xtxerr/beacon/internal/live"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "rollup data directory (overrides config)")
	dbPath := flag.String("db", "", "metastore database path (overrides config)")
	debug := flag.Bool("debug", false, "debug logging")
	jsonLog := flag.Bool("json-log", false, "JSON log output")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("beacond", Version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logging.Init(level, *jsonLog)
	log := logging.Component("main")
	log.Info("beacond starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("no config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *dbPath != "" {
		cfg.Metastore.Path = *dbPath
	}

	metastore, err := hierarchy.OpenMetastore(cfg.Metastore.Path)
	if err != nil {
		log.Error("open metastore", "error", err)
		os.Exit(1)
	}
	defer metastore.Close()
	log.Info("metastore open", "path", cfg.Metastore.Path)

	clusterMgr := cluster.NewManager()
	resolver := hierarchy.NewResolver(metastore, clusterMgr)

	store, err := storage.Open(storage.Config{
		DataDir:         cfg.DataDir,
		RollupThreshold: cfg.Rollup.Threshold,
		MemoryLimit:     cfg.Query.MemoryLimit,
	})
	if err != nil {
		log.Error("open rollup store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("rollup store open", "data_dir", cfg.DataDir)

	buffers := live.NewBufferSet(0)
	writer := storage.NewWriter(storage.WriterConfig{
		DataDir:        cfg.DataDir,
		FlushInterval:  cfg.Writer.FlushInterval,
		RollupInterval: cfg.Rollup.Interval,
	}, buffers, resolver)

	retention := storage.NewRetention(cfg.DataDir, storage.RetentionPolicy{
		Level0: cfg.Retention.Level0,
		Level1: cfg.Retention.Level1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(done)
	}()
	go retention.Run(ctx, cfg.Writer.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.Writer.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := resolver.SweepIncomplete(ctx, 24*time.Hour); err != nil {
					log.Warn("hierarchy sweep", "error", err)
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	// Stop the writer first; its final flush persists the remaining live
	// intervals before the stores close.
	cancel()
	<-done
	log.Info("beacond stopped")
}

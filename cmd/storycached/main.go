package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wanderstory/storycache/pkg/cache"
	"github.com/wanderstory/storycache/pkg/logx"
	"github.com/wanderstory/storycache/pkg/metrics"
	"github.com/wanderstory/storycache/pkg/mqtt"
	"github.com/wanderstory/storycache/pkg/persist"
	"github.com/wanderstory/storycache/pkg/pidfile"
	"github.com/wanderstory/storycache/pkg/prewarm"
	"github.com/wanderstory/storycache/pkg/seed"
)

const (
	AppName    = "storycached"
	AppVersion = "1.0.0"
)

var (
	configPath = flag.String("config", "/etc/storycache/config.json", "Path to JSON configuration file")
	pidPath    = flag.String("pid-file", "/tmp/storycached.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
)

// DaemonConfig aggregates the per-component configuration sections
type DaemonConfig struct {
	LogLevel          string          `json:"log_level"`
	MetricsListenAddr string          `json:"metrics_listen_addr"`
	SeedOnFirstRun    bool            `json:"seed_on_first_run"`
	PrewarmIntervalS  int             `json:"prewarm_interval_seconds"`
	Cache             *cache.Config   `json:"cache"`
	Persistence       *persist.Config `json:"persistence"`
	Seed              *seed.Config    `json:"seed"`
	MQTT              *mqtt.Config    `json:"mqtt"`
}

func defaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		LogLevel:          "info",
		MetricsListenAddr: "127.0.0.1:9465",
		PrewarmIntervalS:  3600,
		Cache:             cache.DefaultConfig(),
		Persistence:       persist.DefaultConfig(),
		Seed:              seed.DefaultConfig(),
		MQTT:              mqtt.DefaultConfig(),
	}
}

func loadConfig(path string) (*DaemonConfig, error) {
	cfg := defaultDaemonConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Acquire(); err != nil {
		logger.Error("pid_file_acquire_failed", "error", err, "path", pidFile.Path())
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			logger.Warn("pid_file_release_failed", "error", err)
		}
	}()

	logger.Info("starting_storycached", "version", AppVersion, "pid", os.Getpid(), "config", *configPath)

	engine, err := cache.New(cfg.Cache, logger.WithComponent("cache"))
	if err != nil {
		logger.Error("cache_init_failed", "error", err)
		os.Exit(1)
	}

	cacheMetrics := metrics.New()
	engine.SetObserver(cacheMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: reload the snapshot, then attach write-behind. Missing
	// or broken storage degrades to a pure in-memory cache.
	var store *persist.Store
	if cfg.Persistence != nil && cfg.Persistence.Path != "" {
		store, err = persist.Open(cfg.Persistence, logger.WithComponent("persist"))
		if err != nil {
			logger.Warn("persistence_unavailable", "error", err)
		} else {
			if entries, err := store.LoadAll(); err != nil {
				logger.Warn("snapshot_reload_failed", "error", err)
			} else if len(entries) > 0 {
				engine.Seed(entries)
			}
			engine.SetPersister(store)
			defer store.Close()
		}
	}

	// First-run warm start from the shipped seed database
	if cfg.SeedOnFirstRun && engine.Stats().TotalEntries == 0 {
		importer, err := seed.NewImporter(cfg.Seed, logger.WithComponent("seed"))
		if err != nil {
			logger.Warn("seed_database_unavailable", "error", err)
		} else {
			if _, err := importer.Import(engine); err != nil {
				logger.Warn("seed_import_failed", "error", err)
			}
			importer.Close()
		}
	}

	go engine.RunSweeper(ctx)

	// Pre-warm trend tracking over region popularity
	tracker := prewarm.NewTracker(nil, logger.WithComponent("prewarm"))
	go func() {
		interval := time.Duration(cfg.PrewarmIntervalS) * time.Second
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tracker.Observe(engine.RegionPopularity())
				for _, trend := range tracker.TopRising(5) {
					logger.Info("region_rising",
						"region", trend.Region.String(),
						"popularity", trend.Popularity,
						"slope_per_hour", trend.Slope,
						"confidence", trend.Confidence,
					)
				}
			}
		}
	}()

	publisher := mqtt.NewPublisher(cfg.MQTT, logger.WithComponent("mqtt"))
	if err := publisher.Connect(); err != nil {
		logger.Warn("mqtt_connect_failed", "error", err)
	} else {
		go publisher.Run(ctx, engine)
		defer publisher.Disconnect()
	}

	var metricsServer *http.Server
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", cacheMetrics.Handler())
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(engine.Stats()); err != nil {
				logger.Warn("stats_encode_failed", "error", err)
			}
		})
		metricsServer = &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics_listening", "addr", cfg.MetricsListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_server_failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting_down", "signal", sig.String())

	cancel()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics_shutdown_failed", "error", err)
		}
	}
}

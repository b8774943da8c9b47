// Package main provides the Nova plugin host entry point
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nova-desk/nova/internal/api"
	"github.com/nova-desk/nova/internal/config"
	"github.com/nova-desk/nova/internal/eventbus"
	"github.com/nova-desk/nova/internal/history"
	"github.com/nova-desk/nova/internal/logging"
	"github.com/nova-desk/nova/internal/manifest"
	"github.com/nova-desk/nova/internal/plugin"
	"github.com/nova-desk/nova/internal/state"
)

const (
	version        = "0.1.0"
	hostLogBuffer  = 2000
	shutdownPeriod = 10 * time.Second
)

func main() {
	configPath := flag.String("config", getEnv("NOVA_CONFIG", config.DefaultPath), "path to the host configuration file")
	printSchema := flag.Bool("schema", false, "print the plugin manifest JSON schema and exit")
	flag.Parse()

	if *printSchema {
		data, err := manifest.Schema()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to generate schema:", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	// Initialize structured logging
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(os.Getenv("LOG_LEVEL")))
	hostLogs := logging.NewRingBuffer(hostLogBuffer)
	logger := slog.New(logging.NewStreamHandler(hostLogs, os.Stdout, level))
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "path", configPath, "error", err)
		return 1
	}
	level.Set(logging.ParseLevel(cfg.LogLevel()))

	slog.Info("Starting Nova host",
		"version", version,
		"config", configPath,
		"plugins_dir", cfg.Paths.PluginsDir,
		"worker", cfg.Paths.WorkerBinary,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.Paths.PluginsDir, 0755); err != nil {
		slog.Error("Failed to create plugins directory", "error", err)
		return 1
	}

	// History database
	db, err := history.Open(history.DefaultConfig(cfg.Paths.HistoryDB), logger)
	if err != nil {
		slog.Error("Failed to open history database", "error", err)
		return 1
	}
	defer db.Close()

	historyStore, err := history.NewStore(ctx, db)
	if err != nil {
		slog.Error("Failed to prepare history store", "error", err)
		return 1
	}

	// Embedded event bus
	bus, err := eventbus.New(eventbus.Config{}, logger)
	if err != nil {
		slog.Error("Failed to start event bus", "error", err)
		return 1
	}
	defer bus.Close()

	resources := api.NewResourceCache(cfg.Paths.PluginsDir)

	manager := plugin.NewManager(plugin.Options{
		PluginsDir:   cfg.Paths.PluginsDir,
		WorkerBinary: cfg.Paths.WorkerBinary,
		SocketDir:    cfg.Paths.SocketDir,
		States:       state.NewStore(cfg.Paths.StateFile, logger),
		Notifier:     plugin.Notifiers{bus, historyStore, settingsCleaner{cfg: cfg}},
		Resources:    resources,
		Settings:     cfg,
		Timings:      cfg.Timings(),
		Logger:       logger,
	})

	cfg.OnChange(func(c *config.Config) {
		level.Set(logging.ParseLevel(c.LogLevel()))
		manager.SetTimings(c.Timings())
		slog.Info("Configuration reloaded", "level", c.LogLevel())
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("Configuration hot reload disabled", "error", err)
	}
	defer cfg.Close()

	var server *http.Server
	if cfg.API.Enabled {
		hub := api.NewHub(api.OriginMatcher(cfg.API.AllowedOrigins), logger)
		if err := hub.Attach(bus); err != nil {
			slog.Error("Failed to attach websocket hub", "error", err)
			return 1
		}
		go hub.Run(ctx)

		apiServer := api.NewServer(api.Options{
			Plugins:        manager,
			History:        historyStore,
			Settings:       cfg,
			HostLogs:       hostLogs,
			Resources:      resources,
			Hub:            hub,
			AllowedOrigins: cfg.API.AllowedOrigins,
			Logger:         logger,
		})

		server = &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           apiServer.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			slog.Info("API server starting", "address", cfg.API.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("API server error", "error", err)
				cancel()
			}
		}()
	}

	manager.LoadAll()
	slog.Info("Plugins loaded", "loaded", manager.LoadedCount(), "active", manager.ActiveCount())

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Shutting down after server failure")
	}

	// Close runs StopAll before releasing the channels
	manager.Close()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
	}
	cancel()

	slog.Info("Nova host stopped")
	return 0
}

// settingsCleaner drops configured setting values of deleted plugins
type settingsCleaner struct {
	cfg *config.Config
}

func (s settingsCleaner) PluginEvent(e plugin.Event) {
	if e.Type != plugin.EventDeleted {
		return
	}
	if err := s.cfg.RemovePlugin(e.PluginID); err != nil {
		slog.Warn("Failed to remove plugin settings", "id", e.PluginID, "error", err)
	}
}

func (settingsCleaner) PluginData(string, string, json.RawMessage) {}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

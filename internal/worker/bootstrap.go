package worker

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nova-desk/nova/internal/bridge"
	"github.com/nova-desk/nova/internal/manifest"
)

const (
	// DefaultStartDelay gives the bridge time to connect before the plugin runs
	DefaultStartDelay = 250 * time.Millisecond
	// DefaultQuitGrace is how long a stopping plugin gets to unwind
	DefaultQuitGrace = 400 * time.Millisecond
)

// Options configures Run
type Options struct {
	Loader     Loader
	SocketDir  string
	StartDelay time.Duration
	QuitGrace  time.Duration
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Loader == nil {
		o.Loader = &WasmLoader{Logger: o.Logger}
	}
	if o.SocketDir == "" {
		o.SocketDir = bridge.SocketDir()
	}
	if o.StartDelay == 0 {
		o.StartDelay = DefaultStartDelay
	}
	if o.QuitGrace == 0 {
		o.QuitGrace = DefaultQuitGrace
	}
}

// Run is the worker process body. args are the three positional arguments
// plugin id, plugins directory and channel name. It returns the process exit
// code once the plugin has finished or been stopped.
func Run(ctx context.Context, args []string, opts Options) int {
	opts.defaults()
	logger := opts.Logger.With("component", "worker")

	if len(args) != 3 {
		logger.Error("Usage: nova-worker <plugin_id> <plugins_dir> <channel_name>", "args", len(args))
		return ExitUsage
	}
	pluginID, pluginsDir, channel := args[0], args[1], args[2]
	logger = logger.With("id", pluginID)

	m, err := manifest.Load(filepath.Join(pluginsDir, pluginID))
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			logger.Error("Plugin manifest not found", "dir", pluginsDir)
			return ExitManifestMissing
		}
		logger.Error("Plugin manifest invalid", "error", err)
		return ExitManifestInvalid
	}
	if m.ID != pluginID {
		logger.Error("Plugin manifest declares a different id", "declared", m.ID)
		return ExitManifestInvalid
	}

	wb := bridge.NewWorker(opts.SocketDir, channel, opts.Logger)
	defer wb.Close()

	plugin, err := opts.Loader.Load(ctx, m, wb)
	if err != nil {
		if errors.Is(err, ErrModuleNotFound) {
			logger.Error("Plugin entry module missing", "entry", m.Entry, "error", err)
			return ExitEntryMissing
		}
		logger.Error("Failed to load plugin entry", "entry", m.Entry, "error", err)
		return ExitEntryLoadFailure
	}
	defer func() {
		if err := plugin.Close(context.Background()); err != nil {
			logger.Debug("Failed to close plugin", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopCh := make(chan struct{})
	wb.OnStop(func() {
		plugin.Stop()
		close(stopCh)
	})
	wb.Start(runCtx)

	delay := time.NewTimer(opts.StartDelay)
	select {
	case <-delay.C:
	case <-stopCh:
		delay.Stop()
		logger.Info("Stopped before start")
		return ExitOK
	case <-ctx.Done():
		delay.Stop()
		plugin.Stop()
		return ExitOK
	}

	done := make(chan error, 1)
	go func() {
		done <- plugin.Start(runCtx)
	}()
	logger.Info("Plugin started", "entry", m.Entry)

	select {
	case err := <-done:
		logResult(logger, err)
	case <-stopCh:
		waitGrace(logger, done, opts.QuitGrace)
	case <-ctx.Done():
		plugin.Stop()
		waitGrace(logger, done, opts.QuitGrace)
	}

	return ExitOK
}

func waitGrace(logger *slog.Logger, done <-chan error, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		logResult(logger, err)
	case <-timer.C:
		logger.Warn("Plugin did not stop within grace period", "grace", grace)
	}
}

func logResult(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("Plugin start failed", "error", err)
		return
	}
	logger.Info("Plugin finished")
}

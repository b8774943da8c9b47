// Package main provides the plugin worker entry point. The host starts one
// worker per running plugin:
//
//	nova-worker <plugin_id> <plugins_dir> <channel_name>
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nova-desk/nova/internal/logging"
	"github.com/nova-desk/nova/internal/worker"
)

func main() {
	// The host captures stderr line by line
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := worker.Run(ctx, os.Args[1:], worker.Options{Logger: logger})
	stop()
	os.Exit(code)
}

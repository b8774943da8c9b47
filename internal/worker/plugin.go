// Package worker runs one plugin inside an isolated worker process. The
// host never executes plugin code itself; it spawns nova-worker, which loads
// the plugin entry module and bridges it back to the host over the channel.
package worker

import (
	"context"
	"errors"

	"github.com/nova-desk/nova/internal/manifest"
)

// Exit codes reported by Run
const (
	ExitOK               = 0
	ExitUsage            = 1
	ExitManifestMissing  = 2
	ExitManifestInvalid  = 3
	ExitEntryMissing     = 4
	ExitEntryLoadFailure = 5
)

var (
	// ErrModuleNotFound means the entry module file does not exist
	ErrModuleNotFound = errors.New("entry module not found")
	// ErrSymbolNotFound means the entry module does not export the entry symbol
	ErrSymbolNotFound = errors.New("entry symbol not exported")
)

// Host is the channel a plugin uses to talk to the host process
type Host interface {
	SendData(key string, value interface{}) error
	SendEvent(name string, data interface{}) error
}

// Plugin is the worker side of a loaded plugin
type Plugin interface {
	// Start runs the plugin's logic and blocks until it returns
	Start(ctx context.Context) error

	// Stop asks the plugin to unwind; it does not wait
	Stop()

	// Close releases the plugin's resources
	Close(ctx context.Context) error
}

// Loader resolves a manifest's entry into a runnable Plugin
type Loader interface {
	Load(ctx context.Context, m *manifest.Manifest, host Host) (Plugin, error)
}

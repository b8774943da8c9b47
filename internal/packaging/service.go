// Package packaging imports and exports plugin archives and scaffolds new
// plugin directories.
package packaging

import (
	"errors"
	"log/slog"

	"github.com/nova-desk/nova/internal/manifest"
)

var (
	ErrNoManifest     = errors.New("no manifest in archive")
	ErrNotInSubdir    = errors.New("manifest not inside a plugin directory")
	ErrAlreadyExists  = errors.New("plugin already exists")
	ErrInvalidArchive = errors.New("invalid archive")
	ErrInvalidID      = manifest.ErrInvalidID
	ErrPluginNotFound = errors.New("plugin directory not found")
	ErrExtractFailed  = errors.New("extraction failed")
)

// ImportError is returned by Import. Its message is the user-facing reason.
type ImportError struct {
	Reason string
	Err    error
}

func (e *ImportError) Error() string { return e.Reason }

func (e *ImportError) Unwrap() error { return e.Err }

// ExportError is returned by Export
type ExportError struct {
	Reason string
	Err    error
}

func (e *ExportError) Error() string { return e.Reason }

func (e *ExportError) Unwrap() error { return e.Err }

// Service manages plugin packages under one plugins root
type Service struct {
	pluginsDir string
	logger     *slog.Logger
}

// NewService creates a packaging service for pluginsDir
func NewService(pluginsDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pluginsDir: pluginsDir,
		logger:     logger.With("component", "packaging"),
	}
}

// PluginsDir returns the plugins root
func (s *Service) PluginsDir() string {
	return s.pluginsDir
}

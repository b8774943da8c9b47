package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded is returned for operations on a plugin without a record
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrStartTimeout is returned when the worker process does not start in time
	ErrStartTimeout = errors.New("worker process did not start in time")

	// ErrUnknownSetting is returned for a key the manifest does not declare
	ErrUnknownSetting = errors.New("unknown setting")
)

// LoadError reports why a plugin could not be loaded
type LoadError struct {
	ID  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin '%s': %v", e.ID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// StartError reports why a worker could not be started
type StartError struct {
	ID  string
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start plugin '%s': %v", e.ID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// DeleteError reports a failure to remove plugin files. The record and the
// persisted state are already gone when it is returned.
type DeleteError struct {
	ID  string
	Dir string
	Err error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("Failed to remove plugin files: %v", e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

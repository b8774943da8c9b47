// Package plugin supervises plugin worker processes. The Manager owns one
// record per loaded plugin, spawns a worker for each started plugin, relays
// bridge data to the host-side instance and restarts crashed workers.
// Plugin code never runs inside the host process.
package plugin

import (
	"encoding/json"
	"time"

	"github.com/nova-desk/nova/internal/manifest"
	"github.com/nova-desk/nova/internal/state"
)

// Phase is the supervision state of a loaded plugin
type Phase string

const (
	PhaseLoaded   Phase = "loaded"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseCrashed  Phase = "crashed" // waiting for an automatic restart
	PhaseFailed   Phase = "failed"  // gave up restarting
)

// EventType names a lifecycle notification
type EventType string

const (
	EventLoaded   EventType = "loaded"
	EventStarted  EventType = "started"
	EventStopped  EventType = "stopped"
	EventCrashed  EventType = "crashed"
	EventFailed   EventType = "failed"
	EventDeleted  EventType = "deleted"
	EventImported EventType = "imported"
)

// Event is a lifecycle notification emitted by the Manager
type Event struct {
	PluginID     string    `json:"plugin_id"`
	Type         EventType `json:"type"`
	Message      string    `json:"message,omitempty"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code,omitempty"`
	Time         time.Time `json:"time"`
}

// Notifier receives lifecycle events and relayed plugin data. Calls are made
// outside the Manager's lock and may come from any goroutine.
type Notifier interface {
	PluginEvent(e Event)
	PluginData(pluginID, key string, value json.RawMessage)
}

// Notifiers fans notifications out to several notifiers in order
type Notifiers []Notifier

func (ns Notifiers) PluginEvent(e Event) {
	for _, n := range ns {
		if n != nil {
			n.PluginEvent(e)
		}
	}
}

func (ns Notifiers) PluginData(pluginID, key string, value json.RawMessage) {
	for _, n := range ns {
		if n != nil {
			n.PluginData(pluginID, key, value)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) PluginEvent(Event)                          {}
func (nopNotifier) PluginData(string, string, json.RawMessage) {}

// CommandSender lets a host-side instance reach its worker
type CommandSender interface {
	SendCommand(cmd string, data interface{}) error
}

// Instance is the host-side handle of a loaded plugin, owned by the UI
// collaborator. It only ever sees data relayed from the worker.
type Instance interface {
	// OnData receives one data message from the worker
	OnData(key string, value json.RawMessage)

	// Close is called when the record is discarded
	Close()
}

// InstanceFactory creates host-side instances during Load
type InstanceFactory interface {
	NewInstance(m *manifest.Manifest, sender CommandSender) (Instance, error)
}

// InstanceFactoryFunc adapts a function to InstanceFactory
type InstanceFactoryFunc func(m *manifest.Manifest, sender CommandSender) (Instance, error)

func (f InstanceFactoryFunc) NewInstance(m *manifest.Manifest, sender CommandSender) (Instance, error) {
	return f(m, sender)
}

type nopInstance struct{}

func (nopInstance) OnData(string, json.RawMessage) {}
func (nopInstance) Close()                         {}

// ResourceCache is an external cache (icons, styles) the Manager refreshes
// after the set of plugins changes. The Manager never owns it.
type ResourceCache interface {
	Get(key string) (interface{}, bool)
	Invalidate()
}

// SettingsSource resolves configured values for plugin settings
type SettingsSource interface {
	PluginSetting(pluginID, key string) (interface{}, bool)
}

// Descriptor is the minimal listing entry handed to the UI
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// PluginStatus represents the runtime status of a loaded plugin
type PluginStatus struct {
	Manifest     *manifest.Manifest `json:"manifest"`
	Phase        Phase              `json:"phase"`
	Active       bool               `json:"active"`
	Connected    bool               `json:"connected"`
	Channel      string             `json:"channel"`
	PID          int                `json:"pid,omitempty"`
	RestartCount int                `json:"restart_count"`
	LastError    string             `json:"last_error,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	State        state.PluginState  `json:"state"`
}

// Package config provides configuration management for the Nova host
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nova-desk/nova/internal/plugin"
	"github.com/nova-desk/nova/internal/state"
)

// DefaultPath is the config file used when neither -config nor NOVA_CONFIG is set
const DefaultPath = "nova.yaml"

// Config represents the host configuration
type Config struct {
	Version    string           `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
	Plugins    PluginsConfig    `yaml:"plugins,omitempty"`

	// Internal fields
	mu       sync.RWMutex      `yaml:"-"`
	path     string            `yaml:"-"`
	watchers []func(*Config)   `yaml:"-"`
	watcher  *fsnotify.Watcher `yaml:"-"`
}

// PathsConfig holds filesystem locations
type PathsConfig struct {
	PluginsDir   string `yaml:"plugins_dir" validate:"required"`
	StateFile    string `yaml:"state_file" validate:"required"`
	HistoryDB    string `yaml:"history_db" validate:"required"`
	WorkerBinary string `yaml:"worker_binary" validate:"required"`
	SocketDir    string `yaml:"socket_dir,omitempty"`
}

// SupervisorConfig holds worker supervision timings. Zero values take the
// defaults.
type SupervisorConfig struct {
	MaxRestarts      int           `yaml:"max_restarts" validate:"gte=0"`
	RestartDelay     time.Duration `yaml:"restart_delay" validate:"gte=0"`
	KillGrace        time.Duration `yaml:"kill_grace" validate:"gte=0"`
	StartTimeout     time.Duration `yaml:"start_timeout" validate:"gte=0"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	ShutdownKillWait time.Duration `yaml:"shutdown_kill_wait" validate:"gte=0"`
}

// APIConfig holds control API settings
type APIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen" validate:"required,hostname_port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// PluginsConfig maps plugin id to its setting values
type PluginsConfig map[string]map[string]interface{}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{API: APIConfig{Enabled: true}}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{API: APIConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg, nil
}

// LoadOrDefault loads path, or returns defaults bound to path when the file
// does not exist yet
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = &Config{API: APIConfig{Enabled: true}}
	cfg.path = path
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg, nil
}

// Validate checks field ranges and that the API only listens on loopback
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	host, _, err := net.SplitHostPort(c.API.Listen)
	if err != nil {
		return fmt.Errorf("invalid config: api.listen: %w", err)
	}
	if !isLoopback(host) {
		return fmt.Errorf("invalid config: api.listen must be a loopback address, got '%s'", host)
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Version:    c.Version,
		Paths:      c.Paths,
		Supervisor: c.Supervisor,
		API:        c.API,
		Logging:    c.Logging,
		Plugins:    c.Plugins,
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Nova host configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration when its file changes. The directory is
// watched so atomic replacements are seen too.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	c.mu.Lock()
	path := c.path
	c.watcher = watcher
	c.mu.Unlock()

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(filepath.Dir(target))
}

// Close stops watching the config file
func (c *Config) Close() error {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		slog.Error("Ignoring invalid config change", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.Paths = newCfg.Paths
	c.Supervisor = newCfg.Supervisor
	c.API = newCfg.API
	c.Logging = newCfg.Logging
	c.Plugins = newCfg.Plugins
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Timings returns the supervisor settings as manager timings
func (c *Config) Timings() plugin.Timings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.Supervisor
	t := plugin.DefaultTimings()
	t.MaxRestarts = s.MaxRestarts
	t.RestartDelay = s.RestartDelay
	t.KillGrace = s.KillGrace
	t.StartTimeout = s.StartTimeout
	t.ShutdownTimeout = s.ShutdownTimeout
	t.ShutdownKillWait = s.ShutdownKillWait
	return t
}

// LogLevel returns the configured log level string
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Level
}

// PluginSetting returns the configured value of one plugin setting
func (c *Config) PluginSetting(pluginID, key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values, ok := c.Plugins[pluginID]
	if !ok {
		return nil, false
	}
	v, ok := values[key]
	return v, ok
}

// SetPluginSetting stores a plugin setting value and saves the file
func (c *Config) SetPluginSetting(pluginID, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Plugins == nil {
		c.Plugins = make(PluginsConfig)
	}
	if c.Plugins[pluginID] == nil {
		c.Plugins[pluginID] = make(map[string]interface{})
	}
	c.Plugins[pluginID][key] = value
	return c.saveUnlocked()
}

// RemovePlugin drops every stored setting of a plugin and saves the file
func (c *Config) RemovePlugin(pluginID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.Plugins[pluginID]; !ok {
		return nil
	}
	delete(c.Plugins, pluginID)
	return c.saveUnlocked()
}

// applyEnv applies environment overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("NOVA_PLUGINS_DIR"); v != "" {
		c.Paths.PluginsDir = v
	}
	if v := os.Getenv("NOVA_WORKER_BINARY"); v != "" {
		c.Paths.WorkerBinary = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Paths.PluginsDir == "" {
		c.Paths.PluginsDir = "plugins"
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = filepath.Join(c.Paths.PluginsDir, state.FileName)
	}
	if c.Paths.HistoryDB == "" {
		c.Paths.HistoryDB = filepath.Join("data", "nova.db")
	}
	if c.Paths.WorkerBinary == "" {
		c.Paths.WorkerBinary = defaultWorkerBinary()
	}

	d := plugin.DefaultTimings()
	if c.Supervisor.MaxRestarts == 0 {
		c.Supervisor.MaxRestarts = d.MaxRestarts
	}
	if c.Supervisor.RestartDelay == 0 {
		c.Supervisor.RestartDelay = d.RestartDelay
	}
	if c.Supervisor.KillGrace == 0 {
		c.Supervisor.KillGrace = d.KillGrace
	}
	if c.Supervisor.StartTimeout == 0 {
		c.Supervisor.StartTimeout = d.StartTimeout
	}
	if c.Supervisor.ShutdownTimeout == 0 {
		c.Supervisor.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Supervisor.ShutdownKillWait == 0 {
		c.Supervisor.ShutdownKillWait = d.ShutdownKillWait
	}

	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:7410"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// defaultWorkerBinary is nova-worker next to the running executable
func defaultWorkerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "nova-worker"
	}
	return filepath.Join(filepath.Dir(exe), "nova-worker")
}

var _ plugin.SettingsSource = (*Config)(nil)

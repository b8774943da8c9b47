package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nova-desk/nova/internal/bridge"
	"github.com/nova-desk/nova/internal/logging"
	"github.com/nova-desk/nova/internal/manifest"
	"github.com/nova-desk/nova/internal/packaging"
	"github.com/nova-desk/nova/internal/state"
)

// logBufferSize is how many worker output lines are kept per plugin
const logBufferSize = 1000

// Timings holds the supervision constants
type Timings struct {
	MaxRestarts      int
	RestartDelay     time.Duration
	KillGrace        time.Duration
	StartTimeout     time.Duration
	ShutdownTimeout  time.Duration
	ShutdownKillWait time.Duration
	ReloadWait       time.Duration
}

// DefaultTimings returns the standard supervision constants
func DefaultTimings() Timings {
	return Timings{
		MaxRestarts:      3,
		RestartDelay:     2 * time.Second,
		KillGrace:        2 * time.Second,
		StartTimeout:     3 * time.Second,
		ShutdownTimeout:  2500 * time.Millisecond,
		ShutdownKillWait: time.Second,
		ReloadWait:       1500 * time.Millisecond,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.MaxRestarts <= 0 {
		t.MaxRestarts = d.MaxRestarts
	}
	if t.RestartDelay <= 0 {
		t.RestartDelay = d.RestartDelay
	}
	if t.KillGrace <= 0 {
		t.KillGrace = d.KillGrace
	}
	if t.StartTimeout <= 0 {
		t.StartTimeout = d.StartTimeout
	}
	if t.ShutdownTimeout <= 0 {
		t.ShutdownTimeout = d.ShutdownTimeout
	}
	if t.ShutdownKillWait <= 0 {
		t.ShutdownKillWait = d.ShutdownKillWait
	}
	if t.ReloadWait <= 0 {
		t.ReloadWait = d.ReloadWait
	}
	return t
}

// Options configures a Manager
type Options struct {
	PluginsDir   string
	WorkerBinary string
	// SocketDir is where channel sockets are created; defaults to bridge.SocketDir()
	SocketDir string
	States    *state.Store
	Spawner   Spawner
	Instances InstanceFactory
	Notifier  Notifier
	Resources ResourceCache
	Settings  SettingsSource
	Timings   Timings
	Logger    *slog.Logger
}

// Manager handles plugin discovery, worker supervision and packaging
type Manager struct {
	pluginsDir   string
	workerBinary string
	socketDir    string

	states    *state.Store
	spawner   Spawner
	instances InstanceFactory
	notifier  Notifier
	resources ResourceCache
	settings  SettingsSource
	packages  *packaging.Service
	logger    *slog.Logger

	// removeAll deletes plugin directories
	removeAll func(string) error

	records map[string]*record
	// intentional maps a plugin id to the generation being stopped on purpose
	intentional  map[string]int
	nextGen      int
	shuttingDown bool
	timings      Timings

	mu sync.RWMutex
}

// record is the Manager's bookkeeping for one loaded plugin
type record struct {
	manifest *manifest.Manifest
	instance Instance
	host     *bridge.Host
	channel  string

	phase Phase
	gen   int
	// spawned is set once the current host has been handed to a worker
	spawned     bool
	pendingStop bool

	proc   Process
	pid    int
	exited chan struct{}

	killTimer    *time.Timer
	restartTimer *time.Timer

	restartCount int
	startedAt    *time.Time
	lastError    string

	logs *logging.RingBuffer
}

// NewManager creates a new plugin manager
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "plugin-manager")

	pluginsDir := opts.PluginsDir
	if abs, err := filepath.Abs(pluginsDir); err == nil {
		pluginsDir = abs
	}
	// Workers run with the plugin directory as working dir
	workerBinary := opts.WorkerBinary
	if strings.ContainsRune(workerBinary, filepath.Separator) {
		if abs, err := filepath.Abs(workerBinary); err == nil {
			workerBinary = abs
		}
	}
	socketDir := opts.SocketDir
	if socketDir == "" {
		socketDir = bridge.SocketDir()
	}

	m := &Manager{
		pluginsDir:   pluginsDir,
		workerBinary: workerBinary,
		socketDir:    socketDir,
		states:       opts.States,
		spawner:      opts.Spawner,
		instances:    opts.Instances,
		notifier:     opts.Notifier,
		resources:    opts.Resources,
		settings:     opts.Settings,
		packages:     packaging.NewService(pluginsDir, opts.Logger),
		logger:       logger,
		removeAll:    os.RemoveAll,
		records:      make(map[string]*record),
		intentional:  make(map[string]int),
		timings:      opts.Timings.withDefaults(),
	}
	if m.states == nil {
		m.states = state.NewStore(filepath.Join(pluginsDir, state.FileName), opts.Logger)
	}
	if m.spawner == nil {
		m.spawner = ExecSpawner{}
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	return m
}

// PluginsDir returns the absolute plugins root
func (m *Manager) PluginsDir() string {
	return m.pluginsDir
}

// SetTimings replaces the supervision constants for future operations
func (m *Manager) SetTimings(t Timings) {
	m.mu.Lock()
	m.timings = t.withDefaults()
	m.mu.Unlock()
}

// ============================================================================
// Discovery and loading
// ============================================================================

// Discover scans the plugins root and returns every valid manifest
func (m *Manager) Discover() []*manifest.Manifest {
	return manifest.Discover(m.pluginsDir, m.logger)
}

// Manifests is Discover; manifests are never cached
func (m *Manager) Manifests() []*manifest.Manifest {
	return m.Discover()
}

// Load creates the record for a plugin. Loading an already loaded plugin
// succeeds without side effects.
func (m *Manager) Load(id string) error {
	if err := manifest.CheckID(id); err != nil {
		return m.loadFailed(id, err)
	}
	if m.IsLoaded(id) {
		return nil
	}

	man, err := manifest.Find(m.pluginsDir, id, m.logger)
	if err != nil {
		return m.loadFailed(id, err)
	}
	if _, err := os.Stat(man.ModulePath()); err != nil {
		return m.loadFailed(id, fmt.Errorf("entry module %s: %w", filepath.Base(man.ModulePath()), err))
	}

	rec := &record{
		manifest: man,
		phase:    PhaseLoaded,
		exited:   closedChan(),
		logs:     logging.NewRingBuffer(logBufferSize),
	}

	channel := bridge.NewChannelName(id)
	host, err := bridge.Listen(m.socketDir, channel, &bridgeHandler{m: m, id: id, rec: rec, channel: channel}, m.logger)
	if err != nil {
		return m.loadFailed(id, err)
	}

	inst, err := m.newInstance(man)
	if err != nil {
		_ = host.Close()
		return m.loadFailed(id, err)
	}

	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		_ = host.Close()
		closeInstance(m.logger, id, inst)
		return nil
	}
	rec.host = host
	rec.channel = channel
	rec.instance = inst
	m.records[id] = rec
	m.mu.Unlock()

	m.logger.Info("Plugin loaded", "id", id, "version", man.Version, "channel", channel)
	m.emit(Event{PluginID: id, Type: EventLoaded})
	return nil
}

func (m *Manager) loadFailed(id string, err error) error {
	m.logger.Error("Failed to load plugin", "id", id, "error", err)
	return &LoadError{ID: id, Err: err}
}

func (m *Manager) newInstance(man *manifest.Manifest) (inst Instance, err error) {
	if m.instances == nil {
		return nopInstance{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("instance constructor panicked: %v", r)
		}
	}()
	inst, err = m.instances.NewInstance(man, &commandSender{m: m, id: man.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	if inst == nil {
		inst = nopInstance{}
	}
	return inst, nil
}

// LoadAll loads every discovered plugin and starts the enabled ones
func (m *Manager) LoadAll() {
	for _, man := range m.Discover() {
		if err := m.Load(man.ID); err != nil {
			continue
		}
		if !m.states.Get(man.ID).Enabled {
			m.logger.Debug("Plugin disabled, skipping start", "id", man.ID)
			continue
		}
		if err := m.Start(man.ID); err != nil {
			m.logger.Warn("Failed to start plugin", "id", man.ID, "error", err)
		}
	}
}

// ============================================================================
// Starting and stopping
// ============================================================================

// Start spawns a worker for a loaded plugin and resets its restart count.
// Starting an active plugin succeeds without side effects.
func (m *Manager) Start(id string) error {
	return m.start(id, true)
}

func (m *Manager) start(id string, manual bool) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Error("Cannot start unloaded plugin", "id", id)
		return fmt.Errorf("%s: %w", id, ErrNotLoaded)
	}
	switch rec.phase {
	case PhaseRunning, PhaseStarting:
		m.mu.Unlock()
		return nil
	case PhaseStopping:
		// The previous generation must be reaped first
		exited, wait := rec.exited, m.timings.KillGrace+m.timings.ShutdownKillWait
		m.mu.Unlock()
		if !waitClosed(exited, wait) {
			return &StartError{ID: id, Err: errors.New("previous worker is still stopping")}
		}
		return m.start(id, manual)
	}
	if manual {
		rec.restartCount = 0
		stopTimer(&rec.restartTimer)
	}

	var stale *bridge.Host
	if rec.spawned || rec.host == nil {
		old, err := m.rebindLocked(id, rec)
		if err != nil {
			m.mu.Unlock()
			m.logger.Error("Failed to bind channel", "id", id, "error", err)
			return &StartError{ID: id, Err: err}
		}
		stale = old
	}

	m.nextGen++
	gen := m.nextGen
	rec.gen = gen
	rec.phase = PhaseStarting
	rec.spawned = true
	rec.pendingStop = false
	rec.lastError = ""
	exited := make(chan struct{})
	rec.exited = exited
	spec := m.spawnSpecLocked(id, rec)
	timeout := m.timings.StartTimeout
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	proc, err := m.spawn(spec, timeout)

	m.mu.Lock()
	live := m.records[id] == rec && rec.gen == gen
	if err != nil {
		if live {
			rec.phase = PhaseStopped
			rec.lastError = err.Error()
		}
		if g, ok := m.intentional[id]; ok && g == gen {
			delete(m.intentional, id)
		}
		m.mu.Unlock()
		close(exited)
		m.logger.Error("Failed to start worker process", "id", id, "error", err)
		return &StartError{ID: id, Err: err}
	}
	if !live {
		m.mu.Unlock()
		m.logger.Warn("Plugin unloaded while starting, killing worker", "id", id)
		_ = proc.Kill()
		go func() {
			_, _ = proc.Wait()
			close(exited)
		}()
		return &StartError{ID: id, Err: ErrNotLoaded}
	}

	now := time.Now()
	rec.proc = proc
	rec.pid = proc.Pid()
	rec.phase = PhaseRunning
	rec.startedAt = &now
	restarts := rec.restartCount
	channel := rec.channel

	go m.monitor(id, rec, gen, proc, exited, spec.Output)

	var stopNow func()
	if rec.pendingStop {
		rec.pendingStop = false
		stopNow = m.beginStopLocked(id, rec)
	}
	m.mu.Unlock()

	m.states.RecordRun(id)
	m.logger.Info("Plugin started", "id", id, "pid", proc.Pid(), "channel", channel)
	m.emit(Event{PluginID: id, Type: EventStarted, RestartCount: restarts})

	if stopNow != nil {
		stopNow()
	}
	return nil
}

// rebindLocked gives the record a fresh channel so no earlier worker can
// reach the new generation. It returns the previous host for closing.
func (m *Manager) rebindLocked(id string, rec *record) (*bridge.Host, error) {
	channel := bridge.NewChannelName(id)
	host, err := bridge.Listen(m.socketDir, channel, &bridgeHandler{m: m, id: id, rec: rec, channel: channel}, m.logger)
	if err != nil {
		return nil, err
	}
	old := rec.host
	rec.host = host
	rec.channel = channel
	rec.spawned = false
	return old, nil
}

func (m *Manager) spawnSpecLocked(id string, rec *record) SpawnSpec {
	logger := m.logger
	output := logging.NewLineWriter(rec.logs, id, func(line string) {
		logger.Debug("Worker output", "id", id, "line", line)
	})
	return SpawnSpec{
		Path: m.workerBinary,
		Args: []string{id, m.pluginsDir, rec.channel},
		Dir:  rec.manifest.Dir,
		Env: []string{
			"NOVA_PLUGIN_ID=" + id,
			"NOVA_PLUGIN_DIR=" + rec.manifest.Dir,
			bridge.SocketDirEnv + "=" + m.socketDir,
		},
		Output: output,
	}
}

// spawn waits up to timeout for the OS to report the process started. A
// process that starts after the deadline is killed.
func (m *Manager) spawn(spec SpawnSpec, timeout time.Duration) (Process, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		proc Process
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		proc, err := m.spawner.Spawn(ctx, spec)
		ch <- result{proc, err}
	}()

	select {
	case r := <-ch:
		return r.proc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.proc != nil {
				_ = r.proc.Kill()
				_, _ = r.proc.Wait()
			}
		}()
		return nil, ErrStartTimeout
	}
}

// Stop asks a running worker to exit. It returns immediately; a forced kill
// follows if the worker has not exited after the kill grace period.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotLoaded)
	}
	stopTimer(&rec.restartTimer)

	switch rec.phase {
	case PhaseStarting:
		m.intentional[id] = rec.gen
		rec.pendingStop = true
		m.mu.Unlock()
	case PhaseRunning:
		signal := m.beginStopLocked(id, rec)
		m.mu.Unlock()
		signal()
	case PhaseCrashed:
		rec.phase = PhaseStopped
		m.mu.Unlock()
		m.logger.Info("Pending restart cancelled", "id", id)
	default:
		m.mu.Unlock()
	}
	return nil
}

// beginStopLocked marks the generation as intentionally stopped before any
// signal is sent and arms the kill timer. The returned func sends the stop
// command and terminates the process; call it without holding the lock.
func (m *Manager) beginStopLocked(id string, rec *record) func() {
	m.intentional[id] = rec.gen
	rec.phase = PhaseStopping

	proc, host, exited := rec.proc, rec.host, rec.exited
	logger := m.logger
	stopTimer(&rec.killTimer)
	rec.killTimer = time.AfterFunc(m.timings.KillGrace, func() {
		select {
		case <-exited:
			return
		default:
		}
		logger.Warn("Worker ignored terminate, killing", "id", id)
		if err := proc.Kill(); err != nil {
			logger.Debug("Kill failed", "id", id, "error", err)
		}
	})

	return func() {
		logger.Info("Stopping plugin", "id", id)
		if host != nil && host.Connected() {
			if err := host.SendCommand(bridge.CommandStop, nil); err != nil {
				logger.Debug("Failed to send stop command", "id", id, "error", err)
			}
		}
		if err := proc.Terminate(); err != nil {
			logger.Debug("Terminate failed", "id", id, "error", err)
		}
	}
}

type pendingExit struct {
	id     string
	rec    *record
	exited <-chan struct{}
}

// StopAll stops every worker and blocks until each has exited, killing any
// that outlive the shutdown timeout. Automatic restarts are disabled.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.shuttingDown = true
	timings := m.timings

	var signals []func()
	var waits []pendingExit
	for id, rec := range m.records {
		stopTimer(&rec.restartTimer)
		switch rec.phase {
		case PhaseRunning:
			signals = append(signals, m.beginStopLocked(id, rec))
			waits = append(waits, pendingExit{id, rec, rec.exited})
		case PhaseStarting:
			m.intentional[id] = rec.gen
			rec.pendingStop = true
			waits = append(waits, pendingExit{id, rec, rec.exited})
		case PhaseStopping:
			waits = append(waits, pendingExit{id, rec, rec.exited})
		case PhaseCrashed:
			rec.phase = PhaseStopped
		}
	}
	m.mu.Unlock()

	for _, signal := range signals {
		signal()
	}

	var wg sync.WaitGroup
	for _, w := range waits {
		wg.Add(1)
		go func(w pendingExit) {
			defer wg.Done()
			if waitClosed(w.exited, timings.ShutdownTimeout) {
				return
			}
			m.mu.RLock()
			proc := w.rec.proc
			m.mu.RUnlock()
			if proc != nil {
				m.logger.Warn("Worker did not stop in time, killing", "id", w.id)
				_ = proc.Kill()
			}
			waitClosed(w.exited, timings.ShutdownKillWait)
		}(w)
	}
	wg.Wait()

	m.logger.Debug("All plugins stopped", "count", len(waits))
}

// Close stops every worker and releases all records
func (m *Manager) Close() {
	m.StopAll()

	m.mu.Lock()
	records := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()

	for id, rec := range records {
		m.release(id, rec)
	}
}

// stopAndWait stops a plugin and waits up to d for its worker to exit
func (m *Manager) stopAndWait(id string, d time.Duration) {
	_ = m.Stop(id)

	m.mu.RLock()
	rec, ok := m.records[id]
	var exited <-chan struct{}
	if ok {
		exited = rec.exited
	}
	m.mu.RUnlock()

	if ok && !waitClosed(exited, d) {
		m.logger.Warn("Worker still running after stop", "id", id, "waited", d)
	}
}

// unload removes a record and releases its bridge and instance. A worker
// still alive at this point is killed.
func (m *Manager) unload(id string) *record {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, id)
	stopTimer(&rec.restartTimer)
	proc := rec.proc
	if proc != nil {
		m.intentional[id] = rec.gen
	}
	m.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	m.release(id, rec)
	return rec
}

func (m *Manager) release(id string, rec *record) {
	if rec.host != nil {
		if err := rec.host.Close(); err != nil {
			m.logger.Debug("Failed to close channel", "id", id, "error", err)
		}
	}
	if rec.instance != nil {
		closeInstance(m.logger, id, rec.instance)
	}
}

// ============================================================================
// Reload and delete
// ============================================================================

// Reload discards the record and loads the plugin again with a fresh
// channel, restarting it if it was running.
func (m *Manager) Reload(id string) error {
	m.mu.RLock()
	rec, loaded := m.records[id]
	wasActive := loaded && (rec.phase == PhaseRunning || rec.phase == PhaseStarting)
	wait := m.timings.ReloadWait
	m.mu.RUnlock()

	if loaded {
		if wasActive {
			m.stopAndWait(id, wait)
		}
		m.unload(id)
	}

	if err := m.Load(id); err != nil {
		return err
	}
	m.invalidate()
	m.logger.Info("Plugin reloaded", "id", id)

	if wasActive {
		return m.Start(id)
	}
	return nil
}

// Delete stops and unloads a plugin, removes its persisted state and deletes
// its directory. A *DeleteError means only the file removal failed.
func (m *Manager) Delete(id string) error {
	if err := manifest.CheckID(id); err != nil {
		m.logger.Error("Refusing to delete plugin", "id", id, "error", err)
		return err
	}

	m.mu.RLock()
	rec, loaded := m.records[id]
	var dir string
	if loaded {
		dir = rec.manifest.Dir
	}
	wait := m.timings.ReloadWait
	m.mu.RUnlock()

	if loaded {
		m.stopAndWait(id, wait)
		m.unload(id)
	}
	m.states.Remove(id)

	if dir == "" {
		dir = filepath.Join(m.pluginsDir, id)
	}
	if err := m.removeAll(dir); err != nil {
		m.logger.Error("Failed to remove plugin files", "id", id, "dir", dir, "error", err)
		m.invalidate()
		return &DeleteError{ID: id, Dir: dir, Err: err}
	}

	m.invalidate()
	m.logger.Info("Plugin deleted", "id", id)
	m.emit(Event{PluginID: id, Type: EventDeleted})
	return nil
}

// ============================================================================
// Packaging
// ============================================================================

// Import installs a plugin archive, then loads and starts it
func (m *Manager) Import(zipPath string) (string, error) {
	id, err := m.packages.Import(zipPath)
	if err != nil {
		return "", err
	}
	m.invalidate()
	m.emit(Event{PluginID: id, Type: EventImported})

	if err := m.Load(id); err != nil {
		return id, err
	}
	if err := m.Start(id); err != nil {
		return id, err
	}
	return id, nil
}

// Export zips a plugin directory into outDir/{id}.zip
func (m *Manager) Export(id, outDir string) (string, error) {
	if err := manifest.CheckID(id); err != nil {
		return "", err
	}
	return m.packages.Export(id, outDir)
}

// Scaffold creates a new plugin directory from the starter template
func (m *Manager) Scaffold(t packaging.Template) (string, error) {
	return m.packages.Scaffold(t)
}

// ============================================================================
// Queries
// ============================================================================

// IsActive reports whether the plugin's worker is running
func (m *Manager) IsActive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return ok && rec.phase == PhaseRunning
}

// IsLoaded reports whether a record exists for the plugin
func (m *Manager) IsLoaded(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok
}

// LoadedCount returns the number of loaded plugins
func (m *Manager) LoadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// ActiveCount returns the number of running plugins
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.phase == PhaseRunning {
			n++
		}
	}
	return n
}

// RestartCount returns the consecutive crash count of a loaded plugin
func (m *Manager) RestartCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[id]; ok {
		return rec.restartCount
	}
	return 0
}

// Channel returns the current channel name of a loaded plugin
func (m *Manager) Channel(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[id]; ok {
		return rec.channel
	}
	return ""
}

// Status returns the runtime status of one loaded plugin
func (m *Manager) Status(id string) (PluginStatus, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.RUnlock()
		return PluginStatus{}, fmt.Errorf("%s: %w", id, ErrNotLoaded)
	}
	status := statusLocked(rec)
	m.mu.RUnlock()

	status.State = m.states.Get(id)
	return status, nil
}

// Snapshot returns the status of every loaded plugin, sorted by id
func (m *Manager) Snapshot() []PluginStatus {
	m.mu.RLock()
	result := make([]PluginStatus, 0, len(m.records))
	for _, rec := range m.records {
		result = append(result, statusLocked(rec))
	}
	m.mu.RUnlock()

	for i := range result {
		result[i].State = m.states.Get(result[i].Manifest.ID)
	}
	sortStatuses(result)
	return result
}

func statusLocked(rec *record) PluginStatus {
	s := PluginStatus{
		Manifest:     rec.manifest,
		Phase:        rec.phase,
		Active:       rec.phase == PhaseRunning,
		Channel:      rec.channel,
		PID:          rec.pid,
		RestartCount: rec.restartCount,
		LastError:    rec.lastError,
	}
	if rec.host != nil {
		s.Connected = rec.host.Connected()
	}
	if rec.startedAt != nil {
		t := *rec.startedAt
		s.StartedAt = &t
	}
	return s
}

// Descriptors returns id, name and icon for every discovered plugin
func (m *Manager) Descriptors() []Descriptor {
	manifests := m.Discover()
	result := make([]Descriptor, 0, len(manifests))
	for _, man := range manifests {
		result = append(result, Descriptor{ID: man.ID, Name: man.Name, Icon: man.Icon})
	}
	return result
}

// Logs returns the last n lines of worker output for a loaded plugin
func (m *Manager) Logs(id string, n int) ([]logging.LogEntry, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotLoaded)
	}
	return rec.logs.GetRecent(n), nil
}

// SendCommand sends a command to the plugin's connected worker
func (m *Manager) SendCommand(id, cmd string, data interface{}) error {
	if err := manifest.CheckID(id); err != nil {
		return err
	}
	m.mu.RLock()
	rec, ok := m.records[id]
	var host *bridge.Host
	if ok {
		host = rec.host
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotLoaded)
	}
	return host.SendCommand(cmd, data)
}

// Settings returns the settings a plugin declares in its manifest
func (m *Manager) Settings(id string) ([]manifest.PluginSetting, error) {
	man, err := m.manifestFor(id)
	if err != nil {
		return nil, err
	}
	return man.Settings, nil
}

// SettingValue resolves a setting from configuration, falling back to the
// manifest default
func (m *Manager) SettingValue(id, key string) (interface{}, error) {
	man, err := m.manifestFor(id)
	if err != nil {
		return nil, err
	}
	setting, ok := man.Setting(key)
	if !ok {
		return nil, fmt.Errorf("plugin '%s' setting '%s': %w", id, key, ErrUnknownSetting)
	}
	if m.settings != nil {
		if v, ok := m.settings.PluginSetting(id, key); ok {
			return v, nil
		}
	}
	return setting.Default, nil
}

func (m *Manager) manifestFor(id string) (*manifest.Manifest, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if ok {
		return rec.manifest, nil
	}
	return manifest.Find(m.pluginsDir, id, m.logger)
}

// ============================================================================
// Persisted state
// ============================================================================

// State returns the persisted state of a plugin, creating it if needed
func (m *Manager) State(id string) state.PluginState {
	return m.states.Get(id)
}

// Favorite reports whether the plugin is pinned in navigation
func (m *Manager) Favorite(id string) bool {
	return m.states.Get(id).Favorite
}

// SetFavorite pins or unpins the plugin
func (m *Manager) SetFavorite(id string, value bool) {
	m.states.SetFavorite(id, value)
}

// Enabled reports whether the plugin starts with the host
func (m *Manager) Enabled(id string) bool {
	return m.states.Get(id).Enabled
}

// SetEnabled changes whether the plugin starts with the host
func (m *Manager) SetEnabled(id string, value bool) {
	m.states.SetEnabled(id, value)
}

// ============================================================================
// Helpers
// ============================================================================

func (m *Manager) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.notifier.PluginEvent(e)
}

func (m *Manager) invalidate() {
	if m.resources != nil {
		m.resources.Invalidate()
	}
}

// commandSender routes instance commands to whichever channel is current
type commandSender struct {
	m  *Manager
	id string
}

func (s *commandSender) SendCommand(cmd string, data interface{}) error {
	return s.m.SendCommand(s.id, cmd, data)
}

func closeInstance(logger *slog.Logger, id string, inst Instance) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Plugin instance panicked on close", "id", id, "panic", r)
		}
	}()
	inst.Close()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func sortStatuses(s []PluginStatus) {
	sort.Slice(s, func(i, j int) bool { return s[i].Manifest.ID < s[j].Manifest.ID })
}

// liveInstance returns the instance if rec is still the current record and
// channel is its current channel
func (m *Manager) liveInstance(id string, rec *record, channel string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.records[id] != rec || rec.channel != channel {
		return nil, false
	}
	return rec.instance, true
}

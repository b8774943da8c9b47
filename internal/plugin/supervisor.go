package plugin

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nova-desk/nova/internal/bridge"
)

// monitor waits for one generation's worker to exit
func (m *Manager) monitor(id string, rec *record, gen int, proc Process, exited chan struct{}, output io.Writer) {
	code, err := proc.Wait()
	if f, ok := output.(interface{ Flush() }); ok {
		f.Flush()
	}
	if err != nil {
		m.logger.Debug("Wait on worker failed", "id", id, "error", err)
	}
	m.handleExit(id, rec, gen, code, exited)
}

// handleExit classifies a worker exit. An exit is a crash when the
// generation was running and not stopped intentionally, whatever the exit
// code says.
func (m *Manager) handleExit(id string, rec *record, gen, code int, exited chan struct{}) {
	m.mu.Lock()

	intentional := false
	if g, ok := m.intentional[id]; ok && g == gen {
		delete(m.intentional, id)
		intentional = true
	}

	if m.records[id] != rec || rec.gen != gen {
		m.mu.Unlock()
		close(exited)
		m.logger.Debug("Stale worker exited", "id", id, "exit_code", code)
		return
	}

	wasRunning := rec.phase == PhaseRunning
	rec.proc = nil
	rec.pid = 0
	rec.startedAt = nil
	stopTimer(&rec.killTimer)

	var events []Event
	crashed := false

	switch {
	case intentional || rec.phase == PhaseStopping:
		rec.phase = PhaseStopped
		events = append(events, Event{PluginID: id, Type: EventStopped, ExitCode: code, RestartCount: rec.restartCount})
		m.logger.Info("Plugin stopped", "id", id, "exit_code", code)

	case wasRunning:
		crashed = true
		rec.restartCount++
		n := rec.restartCount
		limit := m.timings.MaxRestarts
		msg := fmt.Sprintf("Plugin '%s' crashed (exit_code=%d, attempt %d/%d)", id, code, n, limit)
		rec.lastError = msg
		events = append(events, Event{PluginID: id, Type: EventCrashed, Message: msg, ExitCode: code, RestartCount: n})
		m.logger.Warn("Plugin crashed", "id", id, "exit_code", code, "attempt", n, "max", limit)

		// n is compared here because a later start may reset the record's counter
		if n <= limit && !m.shuttingDown {
			rec.phase = PhaseCrashed
			delay := m.timings.RestartDelay
			rec.restartTimer = time.AfterFunc(delay, func() { m.autoRestart(id, rec, n) })
			m.logger.Info("Scheduling restart", "id", id, "delay", delay)
		} else {
			rec.phase = PhaseFailed
			failMsg := fmt.Sprintf("Plugin '%s' crashed too many times; giving up", id)
			rec.lastError = failMsg
			events = append(events, Event{PluginID: id, Type: EventFailed, Message: failMsg, ExitCode: code, RestartCount: n})
			m.logger.Error("Plugin exceeded max restarts, giving up", "id", id, "restarts", n)
		}

	default:
		rec.phase = PhaseStopped
	}
	m.mu.Unlock()
	close(exited)

	if crashed {
		m.states.RecordCrash(id)
	}
	for _, e := range events {
		m.emit(e)
	}
}

// autoRestart fires from a restart timer. It does nothing when the record
// was replaced or removed, the plugin was started or stopped in the
// meantime, or the host is shutting down.
func (m *Manager) autoRestart(id string, rec *record, attempt int) {
	m.mu.Lock()
	if m.records[id] != rec || m.shuttingDown || rec.phase != PhaseCrashed || rec.restartCount != attempt {
		m.mu.Unlock()
		return
	}
	rec.restartTimer = nil
	m.mu.Unlock()

	m.logger.Info("Restarting crashed plugin", "id", id, "attempt", attempt)
	if err := m.start(id, false); err != nil {
		m.logger.Error("Automatic restart failed", "id", id, "error", err)
	}
}

// bridgeHandler relays one channel's messages. It is tied to the record and
// channel it was created for and ignores traffic once either is replaced.
type bridgeHandler struct {
	m       *Manager
	id      string
	rec     *record
	channel string
}

func (h *bridgeHandler) OnData(key string, value json.RawMessage) {
	inst, ok := h.m.liveInstance(h.id, h.rec, h.channel)
	if !ok {
		return
	}
	h.deliver(inst, key, value)
	h.m.notifier.PluginData(h.id, key, value)
}

func (h *bridgeHandler) deliver(inst Instance, key string, value json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.m.logger.Error("Plugin instance panicked handling data", "id", h.id, "key", key, "panic", r)
		}
	}()
	inst.OnData(key, value)
}

func (h *bridgeHandler) OnEvent(name string, data json.RawMessage) {
	if name == bridge.EventReady {
		h.m.logger.Debug("Worker ready", "id", h.id, "data", string(data))
		return
	}
	h.m.logger.Debug("Worker event", "id", h.id, "name", name)
}

func (h *bridgeHandler) OnDisconnect() {
	h.m.mu.RLock()
	live := h.m.records[h.id] == h.rec && h.rec.channel == h.channel
	running := live && h.rec.phase == PhaseRunning
	g, marked := h.m.intentional[h.id]
	intentional := marked && g == h.rec.gen
	h.m.mu.RUnlock()

	if running && !intentional {
		h.m.logger.Warn("Worker IPC dropped unexpectedly", "id", h.id, "channel", h.channel)
	}
}

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const writeTimeout = 2 * time.Second

// Handler receives messages relayed by a Host. Calls for one Host are made
// sequentially from its read goroutine, in arrival order.
type Handler interface {
	OnData(key string, value json.RawMessage)
	OnEvent(name string, data json.RawMessage)
	OnDisconnect()
}

// Host is the listening end of a channel. It accepts exactly one worker
// connection; the socket is removed as soon as that connection is accepted.
type Host struct {
	channel string
	address string
	handler Handler
	logger  *slog.Logger

	listener net.Listener
	conn     net.Conn
	closed   bool
	mu       sync.Mutex

	done chan struct{}
}

// Listen creates the channel socket in dir and starts waiting for a worker.
// A channel whose socket already exists is refused.
func Listen(dir, channel string, handler Handler, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	address := Address(dir, channel)

	if _, err := os.Lstat(address); err == nil {
		return nil, fmt.Errorf("channel %s already in use", channel)
	}

	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on channel %s: %w", channel, err)
	}
	if err := os.Chmod(address, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to restrict channel %s: %w", channel, err)
	}

	h := &Host{
		channel:  channel,
		address:  address,
		handler:  handler,
		logger:   logger.With("component", "host-bridge", "channel", channel),
		listener: ln,
		done:     make(chan struct{}),
	}

	go h.acceptLoop()

	h.logger.Debug("Channel listening", "address", address)
	return h, nil
}

// Channel returns the channel name this host is bound to
func (h *Host) Channel() string {
	return h.channel
}

// Connected reports whether a worker is currently attached
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Done is closed once the host stops reading, after disconnect or Close
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// SendCommand writes a command to the connected worker
func (h *Host) SendCommand(cmd string, data interface{}) error {
	msg, err := CommandMessage(cmd, data)
	if err != nil {
		return err
	}
	line, err := Encode(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		h.logger.Warn("Cannot send command, no worker connected", "cmd", cmd)
		return ErrNotConnected
	}

	_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := h.conn.Write(line); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

// Close stops listening and drops any connected worker. It does not wait for
// in-flight handler calls.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	if h.listener != nil {
		if err := h.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		h.listener = nil
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		h.conn = nil
	}
	return errors.Join(errs...)
}

func (h *Host) acceptLoop() {
	defer close(h.done)

	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return
	}

	conn, err := ln.Accept()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			h.logger.Warn("Failed to accept worker connection", "error", err)
		}
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conn = conn
	// Only one connection per generation
	_ = h.listener.Close()
	h.listener = nil
	h.mu.Unlock()

	h.logger.Debug("Worker connected")

	err = ReadMessages(conn, h.logger, h.route)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		h.logger.Debug("Channel read ended", "error", err)
	}

	h.mu.Lock()
	wasClosed := h.closed
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	_ = conn.Close()

	if !wasClosed {
		h.logger.Debug("Worker disconnected")
		h.handler.OnDisconnect()
	}
}

func (h *Host) route(msg Message) {
	switch msg.Type {
	case TypeData:
		h.handler.OnData(msg.Key, msg.Value)
	case TypeEvent:
		if msg.Name == EventReady {
			h.logger.Info("Worker ready")
		}
		h.handler.OnEvent(msg.Name, msg.Data)
	default:
		h.logger.Debug("Ignoring message", "type", msg.Type)
	}
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// RetryInterval is how often a worker retries dialing the host
const RetryInterval = 300 * time.Millisecond

// Worker is the dialing end of a channel. Send methods are safe to call
// from any goroutine.
type Worker struct {
	channel string
	address string
	logger  *slog.Logger
	retry   time.Duration

	conn   net.Conn
	closed bool
	mu     sync.Mutex

	onStop    func()
	stopOnce  sync.Once
	stopped   chan struct{}
	connected chan struct{}
}

// NewWorker prepares a worker bridge for channel inside dir
func NewWorker(dir, channel string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		channel:   channel,
		address:   Address(dir, channel),
		logger:    logger.With("component", "worker-bridge", "channel", channel),
		retry:     RetryInterval,
		stopped:   make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// OnStop registers the hook run once when the host asks the worker to
// stop or goes away. It must be set before Start.
func (w *Worker) OnStop(fn func()) {
	w.onStop = fn
}

// Start dials the host in the background and serves the connection
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Connected is closed once the ready event has been sent
func (w *Worker) Connected() <-chan struct{} {
	return w.connected
}

// Stopped is closed after the stop hook has run
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

// SendData pushes a key/value pair to the host
func (w *Worker) SendData(key string, value interface{}) error {
	msg, err := DataMessage(key, value)
	if err != nil {
		return err
	}
	return w.send(msg)
}

// SendEvent pushes a named event to the host
func (w *Worker) SendEvent(name string, data interface{}) error {
	msg, err := EventMessage(name, data)
	if err != nil {
		return err
	}
	return w.send(msg)
}

// Close drops the connection without running the stop hook
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *Worker) send(msg Message) error {
	line, err := Encode(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		w.logger.Debug("Dropping message, not connected", "type", msg.Type)
		return ErrNotConnected
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := w.conn.Write(line); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	conn, err := w.dial(ctx)
	if err != nil {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.mu.Unlock()

	w.logger.Debug("Connected to host")
	if err := w.SendEvent(EventReady, map[string]int{"pid": os.Getpid()}); err != nil {
		w.logger.Warn("Failed to send ready event", "error", err)
	}
	close(w.connected)

	err = ReadMessages(conn, w.logger, func(msg Message) {
		if msg.Type == TypeCommand && msg.Cmd == CommandStop {
			w.logger.Info("Stop requested by host")
			w.triggerStop()
			return
		}
		w.logger.Debug("Ignoring message", "type", msg.Type, "cmd", msg.Cmd)
	})

	w.mu.Lock()
	closed := w.closed
	w.conn = nil
	w.mu.Unlock()
	_ = conn.Close()

	if !closed {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			w.logger.Warn("Host connection failed", "error", err)
		} else {
			w.logger.Info("Host disconnected")
		}
		w.triggerStop()
	}
}

// dial retries until the host socket accepts or ctx ends
func (w *Worker) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", w.address)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			w.logger.Debug("Host not listening yet", "address", w.address)
		} else {
			w.logger.Warn("Failed to connect to host", "address", w.address, "error", err)
		}

		timer := time.NewTimer(w.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) triggerStop() {
	w.stopOnce.Do(func() {
		if w.onStop != nil {
			w.onStop()
		}
		close(w.stopped)
	})
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"
)

// recordingHandler captures everything a Host relays
type recordingHandler struct {
	mu           sync.Mutex
	data         []string
	events       []string
	dataCh       chan struct{}
	eventCh      chan string
	disconnected chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		dataCh:       make(chan struct{}, 100),
		eventCh:      make(chan string, 100),
		disconnected: make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnData(key string, value json.RawMessage) {
	h.mu.Lock()
	h.data = append(h.data, key+"="+string(value))
	h.mu.Unlock()
	h.dataCh <- struct{}{}
}

func (h *recordingHandler) OnEvent(name string, data json.RawMessage) {
	h.mu.Lock()
	h.events = append(h.events, name)
	h.mu.Unlock()
	h.eventCh <- name
}

func (h *recordingHandler) OnDisconnect() {
	h.disconnected <- struct{}{}
}

func (h *recordingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.data...)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

func waitEvent(t *testing.T, h *recordingHandler, name string) {
	t.Helper()
	select {
	case got := <-h.eventCh:
		if got != name {
			t.Fatalf("Expected event %s, got %s", name, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Timed out waiting for event %s", name)
	}
}

func TestBridge_ReadyAndOrderedData(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	host, err := Listen(dir, "nova_demo_00000001", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewWorker(dir, "nova_demo_00000001", testLogger())
	worker.Start(ctx)
	defer worker.Close()

	waitFor(t, worker.Connected(), "worker connection")
	waitEvent(t, handler, EventReady)

	if !host.Connected() {
		t.Error("Expected host to report a connected worker")
	}

	if err := worker.SendData("time", "12:30:00"); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if err := worker.SendData("time", "12:30:01"); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	waitFor(t, handler.dataCh, "first data message")
	waitFor(t, handler.dataCh, "second data message")

	got := handler.received()
	expected := []string{`time="12:30:00"`, `time="12:30:01"`}
	if len(got) != 2 || got[0] != expected[0] || got[1] != expected[1] {
		t.Errorf("Expected %v exactly once and in order, got %v", expected, got)
	}
}

func TestBridge_ConcurrentSendsArriveIntact(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	host, err := Listen(dir, "nova_demo_00000002", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(dir, "nova_demo_00000002", testLogger())
	worker.Start(ctx)
	defer worker.Close()
	waitFor(t, worker.Connected(), "worker connection")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = worker.SendData("n", n*100+j)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		waitFor(t, handler.dataCh, "data message")
	}
	if len(handler.received()) != 50 {
		t.Errorf("Expected 50 messages, got %d", len(handler.received()))
	}
}

func TestBridge_StopCommand(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	host, err := Listen(dir, "nova_demo_00000003", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCalls := 0
	var mu sync.Mutex
	worker := NewWorker(dir, "nova_demo_00000003", testLogger())
	worker.OnStop(func() {
		mu.Lock()
		stopCalls++
		mu.Unlock()
	})
	worker.Start(ctx)
	waitEvent(t, handler, EventReady)

	if err := host.SendCommand(CommandStop, nil); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	waitFor(t, worker.Stopped(), "worker stop")

	// A later disconnect must not run the hook again
	host.Close()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if stopCalls != 1 {
		t.Errorf("Expected stop hook once, got %d", stopCalls)
	}
}

func TestBridge_HostGoneStopsWorker(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	host, err := Listen(dir, "nova_demo_00000004", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(dir, "nova_demo_00000004", testLogger())
	worker.Start(ctx)
	waitFor(t, worker.Connected(), "worker connection")

	host.Close()
	waitFor(t, worker.Stopped(), "worker stop after host close")
}

func TestBridge_WorkerGoneNotifiesHost(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	host, err := Listen(dir, "nova_demo_00000005", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(dir, "nova_demo_00000005", testLogger())
	worker.Start(ctx)
	waitEvent(t, handler, EventReady)

	worker.Close()
	waitFor(t, handler.disconnected, "host disconnect notification")

	if host.Connected() {
		t.Error("Expected host to report no worker after disconnect")
	}
	if err := host.SendCommand(CommandStop, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestBridge_WorkerRetriesUntilHostListens(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(dir, "nova_demo_00000006", testLogger())
	worker.retry = 20 * time.Millisecond
	worker.Start(ctx)

	if err := worker.SendData("early", 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before connecting, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	host, err := Listen(dir, "nova_demo_00000006", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()
	defer worker.Close()

	waitEvent(t, handler, EventReady)
}

func TestBridge_OneConnectionPerGeneration(t *testing.T) {
	dir := t.TempDir()
	handler := newRecordingHandler()

	host, err := Listen(dir, "nova_demo_00000007", handler, testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(dir, "nova_demo_00000007", testLogger())
	worker.Start(ctx)
	defer worker.Close()
	waitEvent(t, handler, EventReady)

	// The socket is gone once the first worker is attached
	if _, err := net.Dial("unix", Address(dir, "nova_demo_00000007")); err == nil {
		t.Error("Expected a second dial to fail")
	}
	if _, err := os.Stat(Address(dir, "nova_demo_00000007")); !os.IsNotExist(err) {
		t.Errorf("Expected socket file removed, got %v", err)
	}
}

func TestListen_RefusesExistingChannel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Address(dir, "nova_demo_00000008"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Listen(dir, "nova_demo_00000008", newRecordingHandler(), testLogger()); err == nil {
		t.Error("Expected Listen to refuse an existing channel address")
	}
}

func TestHost_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	host, err := Listen(dir, "nova_demo_00000009", newRecordingHandler(), testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	if err := host.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := host.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	waitFor(t, host.Done(), "host done")

	if host.Channel() != "nova_demo_00000009" {
		t.Errorf("Unexpected channel %s", host.Channel())
	}
}

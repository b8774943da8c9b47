package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nova-desk/nova/internal/bridge"
	"github.com/nova-desk/nova/internal/manifest"
)

const demoDescriptor = `{
	"id": "demo",
	"name": "Demo",
	"version": "1.0.0",
	"description": "Demo plugin",
	"author": "Nova",
	"entry": "plugin_main.Plugin"
}`

func writeDemoPlugin(t *testing.T, module []byte) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "demo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(demoDescriptor), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin_main.wasm"), module, 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

// fakePlugin blocks in Start until stopped
type fakePlugin struct {
	stop     chan struct{}
	startErr error
	started  chan struct{}
	closed   bool
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{stop: make(chan struct{}), started: make(chan struct{})}
}

func (p *fakePlugin) Start(ctx context.Context) error {
	close(p.started)
	if p.startErr != nil {
		return p.startErr
	}
	select {
	case <-p.stop:
	case <-ctx.Done():
	}
	return nil
}

func (p *fakePlugin) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

func (p *fakePlugin) Close(ctx context.Context) error {
	p.closed = true
	return nil
}

type fakeLoader struct {
	plugin *fakePlugin
	err    error
	host   Host
}

func (l *fakeLoader) Load(ctx context.Context, m *manifest.Manifest, host Host) (Plugin, error) {
	l.host = host
	if l.err != nil {
		return nil, l.err
	}
	return l.plugin, nil
}

// hostHandler is a minimal bridge.Handler for driving a worker from tests
type hostHandler struct {
	ready chan struct{}
	data  chan string
}

func newHostHandler() *hostHandler {
	return &hostHandler{ready: make(chan struct{}, 1), data: make(chan string, 10)}
}

func (h *hostHandler) OnData(key string, value json.RawMessage) {
	h.data <- key + "=" + string(value)
}

func (h *hostHandler) OnEvent(name string, data json.RawMessage) {
	if name == bridge.EventReady {
		h.ready <- struct{}{}
	}
}

func (h *hostHandler) OnDisconnect() {}

func TestRun_ExitCodes(t *testing.T) {
	root := writeDemoPlugin(t, wasmEmpty)

	tests := []struct {
		name     string
		args     []string
		loader   Loader
		expected int
	}{
		{"wrong arg count", []string{"demo"}, &fakeLoader{}, ExitUsage},
		{"missing manifest", []string{"other", root, "nova_other_1"}, &fakeLoader{}, ExitManifestMissing},
		{"missing entry module", []string{"demo", root, "nova_demo_1"}, &fakeLoader{err: ErrModuleNotFound}, ExitEntryMissing},
		{"entry load failure", []string{"demo", root, "nova_demo_1"}, &fakeLoader{err: errors.New("boom")}, ExitEntryLoadFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := Run(context.Background(), tt.args, Options{
				Loader:    tt.loader,
				SocketDir: t.TempDir(),
				Logger:    quietLogger(),
			})
			if code != tt.expected {
				t.Errorf("Expected exit code %d, got %d", tt.expected, code)
			}
		})
	}
}

func TestRun_InvalidManifest(t *testing.T) {
	root := writeDemoPlugin(t, wasmEmpty)
	bad := `{"id": "demo", "name": "Demo"}`
	if err := os.WriteFile(filepath.Join(root, "demo", manifest.FileName), []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}

	code := Run(context.Background(), []string{"demo", root, "nova_demo_1"}, Options{
		Loader: &fakeLoader{plugin: newFakePlugin()},
		Logger: quietLogger(),
	})
	if code != ExitManifestInvalid {
		t.Errorf("Expected exit code %d, got %d", ExitManifestInvalid, code)
	}
}

func TestRun_ExitsWhenPluginReturns(t *testing.T) {
	root := writeDemoPlugin(t, wasmEmpty)
	plugin := newFakePlugin()
	plugin.startErr = errors.New("plugin blew up")
	loader := &fakeLoader{plugin: plugin}

	code := Run(context.Background(), []string{"demo", root, "nova_demo_1"}, Options{
		Loader:     loader,
		SocketDir:  t.TempDir(),
		StartDelay: time.Millisecond,
		Logger:     quietLogger(),
	})
	if code != ExitOK {
		t.Errorf("Expected clean exit after plugin failure, got %d", code)
	}
	if !plugin.closed {
		t.Error("Expected plugin to be closed")
	}
}

func TestRun_StopCommand(t *testing.T) {
	root := writeDemoPlugin(t, wasmEmpty)
	socketDir := t.TempDir()
	handler := newHostHandler()

	host, err := bridge.Listen(socketDir, "nova_demo_2", handler, quietLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	plugin := newFakePlugin()
	exit := make(chan int, 1)
	go func() {
		exit <- Run(context.Background(), []string{"demo", root, "nova_demo_2"}, Options{
			Loader:     &fakeLoader{plugin: plugin},
			SocketDir:  socketDir,
			StartDelay: 10 * time.Millisecond,
			Logger:     quietLogger(),
		})
	}()

	select {
	case <-handler.ready:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for ready event")
	}
	<-plugin.started

	if err := host.SendCommand(bridge.CommandStop, nil); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	select {
	case code := <-exit:
		if code != ExitOK {
			t.Errorf("Expected exit code 0, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Worker did not exit after stop")
	}
}

func TestRun_GraceExpiresForStubbornPlugin(t *testing.T) {
	root := writeDemoPlugin(t, wasmEmpty)
	socketDir := t.TempDir()
	handler := newHostHandler()

	host, err := bridge.Listen(socketDir, "nova_demo_3", handler, quietLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	// stubborn ignores Stop and only returns on context cancel
	stubborn := &stubbornPlugin{started: make(chan struct{})}
	exit := make(chan int, 1)
	go func() {
		exit <- Run(context.Background(), []string{"demo", root, "nova_demo_3"}, Options{
			Loader:     &stubbornLoader{plugin: stubborn},
			SocketDir:  socketDir,
			StartDelay: 10 * time.Millisecond,
			QuitGrace:  50 * time.Millisecond,
			Logger:     quietLogger(),
		})
	}()

	<-handler.ready
	<-stubborn.started
	host.Close()

	select {
	case <-exit:
	case <-time.After(3 * time.Second):
		t.Fatal("Worker did not exit after grace period")
	}
}

type stubbornPlugin struct {
	started chan struct{}
}

func (p *stubbornPlugin) Start(ctx context.Context) error {
	close(p.started)
	<-ctx.Done()
	return ctx.Err()
}

func (p *stubbornPlugin) Stop()                           {}
func (p *stubbornPlugin) Close(ctx context.Context) error { return nil }

type stubbornLoader struct {
	plugin *stubbornPlugin
}

func (l *stubbornLoader) Load(ctx context.Context, m *manifest.Manifest, host Host) (Plugin, error) {
	return l.plugin, nil
}

func TestRun_WasmPluginSendsData(t *testing.T) {
	root := writeDemoPlugin(t, wasmSendData)
	socketDir := t.TempDir()
	handler := newHostHandler()

	host, err := bridge.Listen(socketDir, "nova_demo_4", handler, quietLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer host.Close()

	exit := make(chan int, 1)
	go func() {
		exit <- Run(context.Background(), []string{"demo", root, "nova_demo_4"}, Options{
			SocketDir:  socketDir,
			StartDelay: 200 * time.Millisecond,
			Logger:     quietLogger(),
		})
	}()

	select {
	case got := <-handler.data:
		if got != `time="a"` {
			t.Errorf(`Expected time="a", got %s`, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for data from wasm plugin")
	}

	select {
	case code := <-exit:
		if code != ExitOK {
			t.Errorf("Expected exit code 0, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not exit after plugin returned")
	}
}

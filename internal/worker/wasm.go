package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/nova-desk/nova/internal/manifest"
)

// HostModule is the import module name guests use for host functions
const HostModule = "nova"

// WasmLoader loads entry modules compiled to WebAssembly. The entry
// "module.Symbol" resolves to {plugin dir}/module.wasm exporting Symbol.
type WasmLoader struct {
	Logger *slog.Logger
	// Output receives guest stdout and stderr; defaults to os.Stderr
	Output io.Writer
}

// Load compiles and instantiates the plugin's entry module
func (l *WasmLoader) Load(ctx context.Context, m *manifest.Manifest, host Host) (Plugin, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	output := l.Output
	if output == nil {
		output = os.Stderr
	}

	path := m.ModulePath()
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrModuleNotFound)
		}
		return nil, fmt.Errorf("failed to read entry module: %w", err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	p := &wasmPlugin{
		id:      m.ID,
		symbol:  m.EntrySymbol(),
		runtime: rt,
		host:    host,
		logger:  logger.With("plugin", m.ID),
		stopCh:  make(chan struct{}),
	}

	if err := p.registerHostFunctions(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to compile entry module: %w", err)
	}
	if _, ok := compiled.ExportedFunctions()[p.symbol]; !ok {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%s: %w", p.symbol, ErrSymbolNotFound)
	}

	cfg := wazero.NewModuleConfig().
		WithName(m.ID).
		WithStdout(output).
		WithStderr(output).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithStartFunctions()

	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate entry module: %w", err)
	}

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("failed to call _initialize: %w", err)
		}
	}

	p.module = mod
	return p, nil
}

type wasmPlugin struct {
	id      string
	symbol  string
	runtime wazero.Runtime
	module  api.Module
	host    Host
	logger  *slog.Logger

	running  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Start calls the entry symbol; guests poll running() to know when to return
func (p *wasmPlugin) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return nil
	}
	fn := p.module.ExportedFunction(p.symbol)
	if fn == nil {
		return fmt.Errorf("%s: %w", p.symbol, ErrSymbolNotFound)
	}

	p.running.Store(true)
	defer p.running.Store(false)

	if _, err := fn.Call(ctx); err != nil {
		var exitErr interface{ ExitCode() uint32 }
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return nil
		}
		return fmt.Errorf("plugin %s failed: %w", p.id, err)
	}
	return nil
}

func (p *wasmPlugin) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.running.Store(false)
		close(p.stopCh)
	})
}

func (p *wasmPlugin) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func (p *wasmPlugin) registerHostFunctions(ctx context.Context) error {
	builder := p.runtime.NewHostModuleBuilder(HostModule)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) {
			key, ok := readString(m, keyPtr, keyLen)
			if !ok {
				p.logger.Warn("Guest passed invalid key pointer")
				return
			}
			value, ok := readBytes(m, valPtr, valLen)
			if !ok {
				p.logger.Warn("Guest passed invalid value pointer", "key", key)
				return
			}
			if err := p.host.SendData(key, jsonOrString(value)); err != nil {
				p.logger.Debug("Failed to send data", "key", key, "error", err)
			}
		}).
		Export("send_data")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, namePtr, nameLen, dataPtr, dataLen uint32) {
			name, ok := readString(m, namePtr, nameLen)
			if !ok {
				p.logger.Warn("Guest passed invalid event name pointer")
				return
			}
			var data interface{}
			if dataLen > 0 {
				raw, ok := readBytes(m, dataPtr, dataLen)
				if !ok {
					p.logger.Warn("Guest passed invalid event data pointer", "name", name)
					return
				}
				data = jsonOrString(raw)
			}
			if err := p.host.SendEvent(name, data); err != nil {
				p.logger.Debug("Failed to send event", "name", name, "error", err)
			}
		}).
		Export("send_event")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint32 {
			if p.running.Load() {
				return 1
			}
			return 0
		}).
		Export("running")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ms uint32) {
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-p.stopCh:
			case <-ctx.Done():
			}
		}).
		Export("sleep_ms")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			msg, ok := readString(m, ptr, length)
			if !ok {
				return
			}
			p.logger.Info("Plugin log", "msg", msg)
		}).
		Export("log")

	_, err := builder.Instantiate(ctx)
	return err
}

func readBytes(m api.Module, ptr, length uint32) ([]byte, bool) {
	mem := m.Memory()
	if mem == nil {
		return nil, false
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	// The view aliases guest memory
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	b, ok := readBytes(m, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// jsonOrString forwards valid JSON untouched and wraps anything else as a string
func jsonOrString(b []byte) interface{} {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}

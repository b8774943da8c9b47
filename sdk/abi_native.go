//go:build !wasip1

package sdk

import (
	"sync"
	"time"
)

// Native builds record calls so plugin code can be exercised in tests

// Call is one recorded SDK call
type Call struct {
	Kind string
	Name string
	Data []byte
}

var native = struct {
	mu      sync.Mutex
	calls   []Call
	running bool
}{running: true}

// Calls returns the calls recorded since the last Reset
func Calls() []Call {
	native.mu.Lock()
	defer native.mu.Unlock()
	return append([]Call(nil), native.calls...)
}

// Reset clears recorded calls and marks the plugin running
func Reset() {
	native.mu.Lock()
	native.calls = nil
	native.running = true
	native.mu.Unlock()
}

// SetRunning sets what Running reports
func SetRunning(v bool) {
	native.mu.Lock()
	native.running = v
	native.mu.Unlock()
}

func record(c Call) {
	native.mu.Lock()
	native.calls = append(native.calls, c)
	native.mu.Unlock()
}

func sendData(key string, value []byte) {
	record(Call{Kind: "data", Name: key, Data: value})
}

func sendEvent(name string, data []byte) {
	record(Call{Kind: "event", Name: name, Data: data})
}

func running() bool {
	native.mu.Lock()
	defer native.mu.Unlock()
	return native.running
}

func sleepMillis(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func logLine(msg string) {
	record(Call{Kind: "log", Name: msg})
}

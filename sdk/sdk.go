package sdk

import (
	"encoding/json"
	"fmt"
	"time"
)

// SendData relays a keyed value to the host UI. value is JSON encoded;
// values that cannot be encoded are sent as their printed form.
func SendData(key string, value interface{}) {
	sendData(key, encode(value))
}

// SendEvent sends a named event with optional data
func SendEvent(name string, data interface{}) {
	var payload []byte
	if data != nil {
		payload = encode(data)
	}
	sendEvent(name, payload)
}

// Running reports whether the plugin should keep working
func Running() bool {
	return running()
}

// Sleep pauses the plugin for d, returning early if the host stops it
func Sleep(d time.Duration) {
	ms := d.Milliseconds()
	if ms <= 0 {
		return
	}
	if ms > int64(^uint32(0)) {
		ms = int64(^uint32(0))
	}
	sleepMillis(uint32(ms))
}

// Log writes a line to the worker log
func Log(msg string) {
	logLine(msg)
}

// Logf formats and writes a line to the worker log
func Logf(format string, args ...interface{}) {
	logLine(fmt.Sprintf(format, args...))
}

func encode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	return b
}

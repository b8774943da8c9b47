//go:build !wasip1

package sdk

import (
	"testing"
	"time"
)

func TestSendData(t *testing.T) {
	Reset()
	SendData("time", "12:00:00")
	SendData("count", 3)
	SendData("bad", func() {})

	calls := Calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(calls))
	}
	if calls[0].Kind != "data" || calls[0].Name != "time" || string(calls[0].Data) != `"12:00:00"` {
		t.Errorf("Unexpected call %+v", calls[0])
	}
	if string(calls[1].Data) != "3" {
		t.Errorf("Expected 3, got %s", calls[1].Data)
	}
	if len(calls[2].Data) == 0 || calls[2].Data[0] != '"' {
		t.Errorf("Expected unencodable value sent as a string, got %s", calls[2].Data)
	}
}

func TestSendEvent(t *testing.T) {
	Reset()
	SendEvent("ready", nil)
	SendEvent("widget", map[string]string{"title": "Clock"})

	calls := Calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 calls, got %d", len(calls))
	}
	if calls[0].Data != nil {
		t.Errorf("Expected no payload, got %s", calls[0].Data)
	}
	if string(calls[1].Data) != `{"title":"Clock"}` {
		t.Errorf("Unexpected payload %s", calls[1].Data)
	}
}

func TestRunningAndSleep(t *testing.T) {
	Reset()
	if !Running() {
		t.Error("Expected running after reset")
	}
	SetRunning(false)
	if Running() {
		t.Error("Expected stopped")
	}

	start := time.Now()
	Sleep(0)
	Sleep(-time.Second)
	Sleep(10 * time.Millisecond)
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Expected Sleep to pause")
	}
}

func TestLog(t *testing.T) {
	Reset()
	Logf("tick %d", 7)
	calls := Calls()
	if len(calls) != 1 || calls[0].Kind != "log" || calls[0].Name != "tick 7" {
		t.Errorf("Unexpected calls %+v", calls)
	}
}

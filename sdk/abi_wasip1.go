//go:build wasip1

package sdk

import "unsafe"

//go:wasmimport nova send_data
func hostSendData(keyPtr, keyLen, valuePtr, valueLen uint32)

//go:wasmimport nova send_event
func hostSendEvent(namePtr, nameLen, dataPtr, dataLen uint32)

//go:wasmimport nova running
func hostRunning() uint32

//go:wasmimport nova sleep_ms
func hostSleepMillis(ms uint32)

//go:wasmimport nova log
func hostLog(ptr, length uint32)

func stringRef(s string) (uint32, uint32) {
	if len(s) == 0 {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(unsafe.StringData(s)))), uint32(len(s))
}

func bytesRef(b []byte) (uint32, uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}

func sendData(key string, value []byte) {
	kp, kl := stringRef(key)
	vp, vl := bytesRef(value)
	hostSendData(kp, kl, vp, vl)
}

func sendEvent(name string, data []byte) {
	np, nl := stringRef(name)
	dp, dl := bytesRef(data)
	hostSendEvent(np, nl, dp, dl)
}

func running() bool {
	return hostRunning() != 0
}

func sleepMillis(ms uint32) {
	hostSleepMillis(ms)
}

func logLine(msg string) {
	p, l := stringRef(msg)
	hostLog(p, l)
}

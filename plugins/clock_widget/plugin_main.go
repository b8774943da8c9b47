//go:build wasip1

// Clock Widget sends the local time to its card once a second.
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o plugin_main.wasm .
package main

import (
	"time"

	"github.com/nova-desk/nova/sdk"
)

func main() {}

// Plugin is the worker loop
//
//go:wasmexport Plugin
func Plugin() {
	sdk.SendEvent("widget", map[string]interface{}{
		"title": "Clock",
		"keys":  []string{"time"},
	})

	for sdk.Running() {
		sdk.SendData("time", time.Now().Format("15:04:05"))
		sdk.Sleep(time.Second)
	}
	sdk.Log("Clock stopped")
}

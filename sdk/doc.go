// Package sdk is the guest side of the Nova plugin ABI. Plugins are built
// for GOOS=wasip1 GOARCH=wasm in reactor mode and export their entry
// symbol with //go:wasmexport. The worker supplies the host module "nova":
//
//	send_data(key_ptr, key_len, value_ptr, value_len)
//	send_event(name_ptr, name_len, data_ptr, data_len)
//	running() -> 1 while the host has not asked the plugin to stop
//	sleep_ms(ms), returning early on stop
//	log(msg_ptr, msg_len)
//
// Values are JSON encoded before crossing the boundary. Outside wasip1 the
// functions are no-ops so plugin code can be unit tested natively.
package sdk

package pluginsdk

// LogToHost logs a message from a WASM plugin to the host.
//
//go:wasm-module env
//export host_log
func LogToHost(string) {}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/axisml/pluginhost/pkg/pluginsdk"
)

// wasm export names forming the plugin contract.
const (
	wasmEntryPoint  = "register"
	wasmExecuteFn   = "execute"
	wasmAllocFn     = "alloc"
	wasmConfigureFn = "configure"
)

// wasmHandle runs a plugin compiled to WebAssembly. Every handle owns its
// own wazero runtime, so loads never share symbols and Close tears down the
// whole module namespace.
type wasmHandle struct {
	runtime  wazero.Runtime
	module   api.Module
	alloc    api.Function
	execute  api.Function
	configFn api.Function // nil when the plugin has no configure export

	manifest Manifest
	name     string

	// wasm modules are single-threaded; serialize all guest calls.
	mu     sync.Mutex
	config map[string]any
}

// loadWASMPlugin compiles and instantiates the module in a fresh runtime,
// then calls its register entry point to obtain the manifest.
func loadWASMPlugin(
	ctx context.Context,
	name string,
	data []byte,
	config map[string]any,
) (Handle, error) {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	if err := instantiateHostModule(ctx, rt, name); err != nil {
		_ = rt.Close(ctx)

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	if _, ok := compiled.ExportedFunctions()[wasmEntryPoint]; !ok {
		_ = rt.Close(ctx)

		return nil, &LoadError{Plugin: name, Kind: MissingEntryPoint}
	}

	// Don't run any start functions; registration is explicit.
	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	module, err := rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	h := &wasmHandle{
		runtime:  rt,
		module:   module,
		alloc:    module.ExportedFunction(wasmAllocFn),
		execute:  module.ExportedFunction(wasmExecuteFn),
		configFn: module.ExportedFunction(wasmConfigureFn),
		name:     name,
		config:   config,
	}
	if h.alloc == nil || h.execute == nil {
		_ = rt.Close(ctx)

		return nil, &LoadError{
			Plugin: name,
			Kind:   InitFailure,
			Err:    errors.New("plugin must export alloc and execute"),
		}
	}

	registerFn := module.ExportedFunction(wasmEntryPoint)
	results, err := registerFn.Call(ctx)
	if err != nil || len(results) == 0 {
		_ = rt.Close(ctx)
		if err == nil {
			err = errors.New("register returned no result")
		}

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	manifestBytes, err := h.readPacked(results[0])
	if err != nil {
		_ = rt.Close(ctx)

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	if err := json.Unmarshal(manifestBytes, &h.manifest); err != nil {
		_ = rt.Close(ctx)

		return nil, &LoadError{
			Plugin: name,
			Kind:   InitFailure,
			Err:    fmt.Errorf("invalid manifest: %w", err),
		}
	}

	return h, nil
}

// validateWASM compiles the artifact and checks the entry point without
// instantiating or running anything.
func validateWASM(name string, data []byte) error {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}
	if _, ok := compiled.ExportedFunctions()[wasmEntryPoint]; !ok {
		return &LoadError{Plugin: name, Kind: MissingEntryPoint}
	}

	return nil
}

// instantiateHostModule builds the env module the guest imports from.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, name string) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			data, ok := m.Memory().Read(ptr, length)
			if !ok {
				log.Error().
					Str("plugin", name).
					Msg("failed to read memory in host_log")

				return
			}
			log.Debug().
				Str("event", "plugin_log").
				Str("plugin", name).
				Str("msg", string(data)).
				Msg("plugin log message")
		}).
		Export("host_log").
		Instantiate(ctx)

	return err
}

func (h *wasmHandle) Manifest() Manifest { return h.manifest }

// Execute marshals the action envelope into guest memory, runs the exported
// execute function, and decodes the JSON it returns.
func (h *wasmHandle) Execute(
	ctx context.Context,
	action string,
	params map[string]any,
) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	envelope, err := json.Marshal(map[string]any{
		"action": action,
		"params": params,
		"config": h.config,
	})
	if err != nil {
		return nil, fmt.Errorf("encode action envelope: %w", err)
	}

	ptr, err := h.writeGuest(ctx, envelope)
	if err != nil {
		return nil, err
	}

	results, err := h.execute.Call(ctx, pluginsdk.PackResult(ptr, uint32(len(envelope))))
	if err != nil {
		return nil, fmt.Errorf("plugin execution error: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("plugin returned no result")
	}

	resp, err := h.readPacked(results[0])
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return nil, fmt.Errorf("decode plugin result: %w", err)
	}

	// Plugins report their own failures as {"error": "..."}.
	if obj, ok := decoded.(map[string]any); ok {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
	}

	return decoded, nil
}

// Configure re-delivers configuration through the optional configure export.
func (h *wasmHandle) Configure(ctx context.Context, config map[string]any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.config = config
	if h.configFn == nil {
		return false
	}

	data, err := json.Marshal(config)
	if err != nil {
		return false
	}

	ptr, err := h.writeGuest(ctx, data)
	if err != nil {
		return false
	}

	results, err := h.configFn.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil || len(results) == 0 {
		return false
	}

	return api.DecodeI32(results[0]) != 0
}

// Close tears down the runtime and with it the module instance.
func (h *wasmHandle) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// writeGuest allocates guest memory via the wasm alloc export and copies
// data into it, returning the guest pointer.
func (h *wasmHandle) writeGuest(ctx context.Context, data []byte) (uint32, error) {
	results, err := h.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, errors.New("alloc returned no results")
	}

	// alloc returns a packed u64 ptr<<32|len; the high 32 bits are the ptr.
	ptr, _ := pluginsdk.UnpackResult(results[0])
	if !h.module.Memory().Write(ptr, data) {
		return 0, errors.New("memory write failed: bounds exceeded")
	}

	return ptr, nil
}

// readPacked reads the guest buffer addressed by a packed ptr<<32|len value.
func (h *wasmHandle) readPacked(packed uint64) ([]byte, error) {
	ptr, length := pluginsdk.UnpackResult(packed)
	data, ok := h.module.Memory().Read(ptr, length)
	if !ok {
		return nil, errors.New("memory read failed: bounds exceeded")
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

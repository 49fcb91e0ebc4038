package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Handle is the live, in-process representation of a loaded plugin. A Handle
// only exists while its plugin is enabled.
type Handle interface {
	// Manifest returns the metadata the plugin declared at registration.
	Manifest() Manifest

	// Execute invokes a declared action with caller-supplied parameters.
	// Errors raised by plugin code are returned, never propagated as panics.
	Execute(ctx context.Context, action string, params map[string]any) (any, error)

	// Configure delivers updated configuration to the running plugin.
	// It returns false when the plugin does not support live
	// reconfiguration; the caller then falls back to a reload cycle.
	Configure(ctx context.Context, config map[string]any) bool

	// Close releases the plugin's resources.
	Close(ctx context.Context) error
}

// Loader resolves a plugin artifact into a Handle. Load failures are
// *LoadError values classifying a missing entry point vs. an init failure.
type Loader interface {
	Load(ctx context.Context, name, path string, config map[string]any) (Handle, error)

	// Validate checks artifact shape without executing any plugin code.
	Validate(filename string, data []byte) error
}

// artifactExts lists the supported artifact types in resolution order.
var artifactExts = []string{".wasm", ".lua"}

// EngineLoader is the production Loader. It picks the engine from the
// artifact extension: wazero for .wasm, gopher-lua for .lua.
type EngineLoader struct {
	fs afero.Fs
}

// NewEngineLoader returns a loader reading artifacts through fs.
func NewEngineLoader(fs afero.Fs) *EngineLoader {
	return &EngineLoader{fs: fs}
}

// Load reads the artifact and instantiates it in a fresh namespace: a new
// wazero runtime per wasm handle, a private LState per lua handle.
func (l *EngineLoader) Load(
	ctx context.Context,
	name, path string,
	config map[string]any,
) (Handle, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	switch filepath.Ext(path) {
	case ".wasm":
		return loadWASMPlugin(ctx, name, data, config)
	case ".lua":
		return loadLuaPlugin(name, data, config)
	default:
		return nil, &LoadError{
			Plugin: name,
			Kind:   InitFailure,
			Err:    fmt.Errorf("unsupported artifact type %q", filepath.Ext(path)),
		}
	}
}

// Validate compiles or parses the artifact without running it.
func (l *EngineLoader) Validate(filename string, data []byte) error {
	name := pluginNameFromFile(filename)
	switch filepath.Ext(filename) {
	case ".wasm":
		return validateWASM(name, data)
	case ".lua":
		return validateLua(name, data)
	default:
		return &LoadError{
			Plugin: name,
			Kind:   InitFailure,
			Err:    fmt.Errorf("unsupported artifact type %q", filepath.Ext(filename)),
		}
	}
}

func pluginNameFromFile(filename string) string {
	base := filepath.Base(filename)

	return base[:len(base)-len(filepath.Ext(base))]
}

// liveHandle wraps a Handle with in-flight reference counting so disable and
// unload can drain rather than kill: retirement hides the handle from new
// callers immediately while invocations already started run to completion.
type liveHandle struct {
	handle Handle

	mu      sync.Mutex
	refs    int
	retired bool
	idle    chan struct{} // closed once retired with zero refs
}

func newLiveHandle(h Handle) *liveHandle {
	return &liveHandle{handle: h, idle: make(chan struct{})}
}

// acquire registers an in-flight invocation. It fails once retired.
func (lh *liveHandle) acquire() bool {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	if lh.retired {
		return false
	}
	lh.refs++

	return true
}

// release balances a successful acquire.
func (lh *liveHandle) release() {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	lh.refs--
	if lh.retired && lh.refs == 0 {
		close(lh.idle)
	}
}

// retire blocks new invocations, waits up to grace for in-flight ones, then
// closes the underlying handle. When the grace period expires with calls
// still running, closing is deferred until the last one releases.
func (lh *liveHandle) retire(ctx context.Context, grace time.Duration) {
	lh.mu.Lock()
	if lh.retired {
		lh.mu.Unlock()

		return
	}
	lh.retired = true
	drained := lh.refs == 0
	if drained {
		close(lh.idle)
	}
	lh.mu.Unlock()

	if drained {
		_ = lh.handle.Close(ctx)

		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-lh.idle:
		_ = lh.handle.Close(ctx)
	case <-timer.C:
		// Close once the stragglers finish; never interrupt running code.
		go func() {
			<-lh.idle
			_ = lh.handle.Close(context.Background())
		}()
	}
}

package runtime

import (
	"context"
	"time"

	"github.com/spf13/afero"
)

// Defaults applied by New when Options fields are zero.
const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxFetchSize = 16 << 20 // 16 MiB
)

// Options configures a Runtime.
type Options struct {
	// Fs is the filesystem holding artifacts and config. Defaults to the
	// OS filesystem; tests use afero.NewMemMapFs.
	Fs afero.Fs

	// PluginDir is where artifacts and per-plugin config files live.
	PluginDir string

	// ConfigPath is the enabled-map JSON file.
	ConfigPath string

	// FetchTimeout bounds install-from-url network calls.
	FetchTimeout time.Duration

	// MaxFetchSize caps downloaded artifact size in bytes.
	MaxFetchSize int64
}

// Runtime wires the plugin runtime together and exposes the invocation
// surface consumed by the CLI and by embedding code. Authorization is the
// caller's concern; every operation here is assumed already authorized.
type Runtime struct {
	store      *ConfigStore
	registry   *Registry
	hooks      *HookBus
	dispatcher *Dispatcher
	installer  *Installer
}

// New builds a Runtime from options.
func New(opts Options) *Runtime {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MaxFetchSize <= 0 {
		opts.MaxFetchSize = DefaultMaxFetchSize
	}

	store := NewConfigStore(opts.Fs, opts.ConfigPath)
	loader := NewEngineLoader(opts.Fs)
	registry := NewRegistry(store, loader, opts.Fs, opts.PluginDir)
	dispatcher := NewDispatcher(registry)
	hooks := NewHookBus(registry, dispatcher)
	installer := NewInstaller(registry, opts.FetchTimeout, opts.MaxFetchSize)

	return &Runtime{
		store:      store,
		registry:   registry,
		hooks:      hooks,
		dispatcher: dispatcher,
		installer:  installer,
	}
}

// LoadAll loads every plugin marked enabled in the persisted config and
// returns the per-name outcome.
func (rt *Runtime) LoadAll(ctx context.Context) map[string]bool {
	return rt.registry.LoadAll(ctx)
}

// Enable loads the plugin and persists the intent.
func (rt *Runtime) Enable(ctx context.Context, name string) error {
	return rt.registry.Enable(ctx, name)
}

// Disable retires the plugin's handle and persists the intent. Hook
// bindings survive a disable; triggers record them as plugin-disabled.
func (rt *Runtime) Disable(ctx context.Context, name string) error {
	return rt.registry.Disable(ctx, name)
}

// Unload removes the plugin entirely, including its hook bindings.
func (rt *Runtime) Unload(ctx context.Context, name string) error {
	if err := rt.registry.Unload(ctx, name); err != nil {
		return err
	}
	rt.hooks.RemovePlugin(name)

	return nil
}

// UpdateConfig merges and persists plugin configuration.
func (rt *Runtime) UpdateConfig(ctx context.Context, name string, config map[string]any) error {
	return rt.registry.UpdateConfig(ctx, name, config)
}

// ListPlugins returns all registered plugins with counts.
func (rt *Runtime) ListPlugins() ListResponse {
	infos := rt.registry.List()

	resp := ListResponse{Plugins: make(map[string]PluginInfo, len(infos))}
	for _, info := range infos {
		resp.Plugins[info.Name] = info
		resp.TotalCount++
		if info.Enabled {
			resp.EnabledCount++
		} else {
			resp.DisabledCount++
		}
	}

	return resp
}

// GetInfo returns one plugin's full descriptor and state.
func (rt *Runtime) GetInfo(name string) (PluginInfo, error) {
	return rt.registry.GetInfo(name)
}

// GetStatus returns one plugin's compact status.
func (rt *Runtime) GetStatus(name string) (PluginStatus, error) {
	return rt.registry.GetStatus(name)
}

// ExecuteAction dispatches a single plugin action.
func (rt *Runtime) ExecuteAction(
	ctx context.Context,
	plugin, action string,
	params map[string]any,
) (ActionInvocationResult, error) {
	return rt.dispatcher.Execute(ctx, plugin, action, params)
}

// RegisterHook binds a plugin action to a named extension point.
func (rt *Runtime) RegisterHook(hook, plugin, action string) error {
	return rt.hooks.Register(hook, plugin, action)
}

// TriggerHook fans parameters out to every binding on the hook.
func (rt *Runtime) TriggerHook(
	ctx context.Context,
	hook string,
	params map[string]any,
) ([]HookResult, error) {
	return rt.hooks.Trigger(ctx, hook, params)
}

// InstallFromBytes installs a plugin from in-memory source.
func (rt *Runtime) InstallFromBytes(
	ctx context.Context,
	name string,
	data []byte,
	autoEnable bool,
) (InstallResponse, error) {
	return rt.installer.InstallFromBytes(ctx, name, data, autoEnable)
}

// InstallFromURL fetches and installs a plugin artifact.
func (rt *Runtime) InstallFromURL(
	ctx context.Context,
	url string,
	autoEnable bool,
) (InstallResponse, error) {
	return rt.installer.InstallFromURL(ctx, url, autoEnable)
}

// Shutdown retires every live handle without touching the persisted enabled
// map, so the same set loads on the next start.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.registry.CloseAll(ctx)
}

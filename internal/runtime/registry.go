package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// defaultGrace bounds how long handle retirement waits for in-flight
// invocations before deferring the close to the last caller.
const defaultGrace = 5 * time.Second

// entry pairs a descriptor with its runtime state and, while enabled, a live
// handle. opMu serializes lifecycle mutations per plugin name; stMu guards
// the fields themselves so reads never wait behind a slow load.
type entry struct {
	opMu sync.Mutex

	stMu   sync.RWMutex
	desc   Descriptor
	state  RuntimeState
	handle *liveHandle
}

func (e *entry) setStatus(s Status) {
	e.stMu.Lock()
	e.state.Status = s
	e.stMu.Unlock()
}

func (e *entry) snapshotInfo() PluginInfo {
	e.stMu.RLock()
	defer e.stMu.RUnlock()

	return PluginInfo{
		Name:             e.desc.Name,
		Version:          e.desc.Version,
		Description:      e.desc.Description,
		Author:           e.desc.Author,
		Status:           e.state.Status,
		Enabled:          e.state.Status == StatusEnabled,
		LoadedAt:         e.state.LoadedAt,
		FilePath:         e.desc.FilePath,
		Config:           copyConfig(e.desc.Config),
		LastError:        e.state.LastError,
		AvailableActions: append([]string(nil), e.desc.AvailableActions...),
		ConfigSchema:     copyConfig(e.desc.ConfigSchema),
	}
}

// Registry is the in-memory table of plugin descriptors, runtime states and
// live handles. All lifecycle mutation funnels through it; the persisted
// enabled map in ConfigStore is written through on every mutating call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store  *ConfigStore
	loader Loader
	fs     afero.Fs
	dir    string
	grace  time.Duration
}

// NewRegistry returns a registry storing artifacts under dir.
func NewRegistry(store *ConfigStore, loader Loader, fs afero.Fs, dir string) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		loader:  loader,
		fs:      fs,
		dir:     dir,
		grace:   defaultGrace,
	}
}

func (r *Registry) getEntry(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]

	return e, ok
}

// ensureEntry registers a descriptor-only entry for name. Existing entries
// are returned as-is.
func (r *Registry) ensureEntry(name, path string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		return e
	}

	e := &entry{
		desc:  Descriptor{Name: name, FilePath: path, Config: make(map[string]any)},
		state: RuntimeState{Status: StatusDisabled},
	}
	r.entries[name] = e

	return e
}

// resolveArtifact finds the artifact file for name under the plugin dir.
func (r *Registry) resolveArtifact(name string) (string, bool) {
	for _, ext := range artifactExts {
		path := filepath.Join(r.dir, name+ext)
		if ok, err := afero.Exists(r.fs, path); err == nil && ok {
			return path, true
		}
	}

	return "", false
}

// current reports whether e is still the registered entry for name. Stale
// entries can be observed by goroutines that resolved the name before an
// unload or reinstall completed.
func (r *Registry) current(name string, e *entry) bool {
	cur, ok := r.getEntry(name)

	return ok && cur == e
}

// LoadAll reads the persisted enabled map and attempts a load for every name
// marked enabled. Failures are isolated per plugin; the returned map records
// per-name success. Disabled names with an artifact on disk are registered
// without loading so list reflects them.
func (r *Registry) LoadAll(ctx context.Context) map[string]bool {
	enabled, err := r.store.Load()
	if err != nil {
		log.Warn().
			Str("event", "plugin_config_unavailable").
			Err(err).
			Msg("starting with empty plugin config")
	}

	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]bool)
	for _, name := range names {
		if !enabled[name] {
			if path, ok := r.resolveArtifact(name); ok {
				r.ensureEntry(name, path)
			}

			continue
		}

		loadErr := r.Enable(ctx, name)
		results[name] = loadErr == nil
		if loadErr != nil {
			log.Error().
				Str("event", "plugin_load_failed").
				Str("plugin", name).
				Err(loadErr).
				Msg("plugin failed to load")
		} else {
			log.Info().
				Str("event", "plugin_loaded").
				Str("plugin", name).
				Msg("loaded plugin")
		}
	}

	return results
}

// Enable marks the plugin enabled in the persisted config and loads it. The
// config intent persists even when the load fails: "should run" and "is
// running" are tracked separately.
func (r *Registry) Enable(ctx context.Context, name string) error {
	e, ok := r.getEntry(name)
	if !ok {
		path, found := r.resolveArtifact(name)
		if !found {
			return fmt.Errorf("enable %s: %w", name, ErrNotFound)
		}
		e = r.ensureEntry(name, path)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !r.current(name, e) {
		return fmt.Errorf("enable %s: %w", name, ErrNotFound)
	}

	e.stMu.RLock()
	already := e.state.Status == StatusEnabled
	e.stMu.RUnlock()
	if already {
		return nil
	}

	if err := r.store.Set(name, true); err != nil {
		return fmt.Errorf("persist enable for %s: %w", name, err)
	}

	return r.loadLocked(ctx, e)
}

// loadLocked performs the loading to enabled-or-errored transition. Callers
// hold e.opMu. A panic anywhere in the load path leaves the plugin errored,
// never stuck in loading.
func (r *Registry) loadLocked(ctx context.Context, e *entry) (err error) {
	e.stMu.RLock()
	name := e.desc.Name
	path := e.desc.FilePath
	e.stMu.RUnlock()

	e.setStatus(StatusLoading)

	defer func() {
		if p := recover(); p != nil {
			err = &LoadError{Plugin: name, Kind: InitFailure, Err: fmt.Errorf("panic: %v", p)}
		}
		if err != nil {
			e.stMu.Lock()
			e.state.Status = StatusErrored
			e.state.LastError = err.Error()
			e.handle = nil
			e.stMu.Unlock()
		}
	}()

	config := r.readPluginConfig(e)

	h, err := r.loader.Load(ctx, name, path, config)
	if err != nil {
		return err
	}

	m := h.Manifest()
	now := time.Now()

	e.stMu.Lock()
	e.desc.Version = m.Version
	e.desc.Description = m.Description
	e.desc.Author = m.Author
	e.desc.AvailableActions = append([]string(nil), m.Actions...)
	e.desc.ConfigSchema = m.ConfigSchema
	e.desc.Config = config
	e.handle = newLiveHandle(h)
	e.state.Status = StatusEnabled
	e.state.LoadedAt = now
	e.state.EnabledSince = now
	e.state.LastError = ""
	e.stMu.Unlock()

	return nil
}

// Disable marks the plugin disabled in the persisted config and retires its
// live handle, draining in-flight invocations rather than interrupting them.
func (r *Registry) Disable(ctx context.Context, name string) error {
	e, ok := r.getEntry(name)
	if !ok {
		return fmt.Errorf("disable %s: %w", name, ErrNotFound)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !r.current(name, e) {
		return fmt.Errorf("disable %s: %w", name, ErrNotFound)
	}

	if err := r.store.Set(name, false); err != nil {
		return fmt.Errorf("persist disable for %s: %w", name, err)
	}

	r.retireLocked(ctx, e)

	e.stMu.Lock()
	e.state.Status = StatusDisabled
	e.state.LoadedAt = time.Time{}
	e.state.EnabledSince = time.Time{}
	e.stMu.Unlock()

	log.Info().
		Str("event", "plugin_disabled").
		Str("plugin", name).
		Msg("disabled plugin")

	return nil
}

// retireLocked hides the handle from new invocations and waits out the
// grace period. Callers hold e.opMu.
func (r *Registry) retireLocked(ctx context.Context, e *entry) {
	e.stMu.Lock()
	lh := e.handle
	e.handle = nil
	if lh != nil {
		e.state.Status = StatusDisabling
	}
	e.stMu.Unlock()

	if lh != nil {
		lh.retire(ctx, r.grace)
	}
}

// Unload disables the plugin and removes its descriptor, runtime state,
// artifact and per-plugin config entirely. The name reads as unregistered
// afterwards and must be re-installed to return.
func (r *Registry) Unload(ctx context.Context, name string) error {
	e, ok := r.getEntry(name)
	if !ok {
		return fmt.Errorf("unload %s: %w", name, ErrNotFound)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !r.current(name, e) {
		return fmt.Errorf("unload %s: %w", name, ErrNotFound)
	}

	if err := r.store.Delete(name); err != nil {
		return fmt.Errorf("remove config entry for %s: %w", name, err)
	}

	r.retireLocked(ctx, e)

	e.stMu.Lock()
	path := e.desc.FilePath
	e.state.Status = StatusUnloaded
	e.stMu.Unlock()

	_ = r.fs.Remove(path)
	_ = r.fs.Remove(r.pluginConfigPath(name))

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()

	log.Info().
		Str("event", "plugin_unloaded").
		Str("plugin", name).
		Msg("unloaded plugin")

	return nil
}

// Install writes the artifact to its deterministic path under the plugin
// dir, replaces any existing descriptor atomically (old handle fully retired
// before the new one is visible), and loads immediately when autoEnable is
// set. Source shape is validated before any plugin code can run.
func (r *Registry) Install(
	ctx context.Context,
	name string,
	source []byte,
	autoEnable bool,
) (Descriptor, error) {
	if err := validatePluginName(name); err != nil {
		return Descriptor{}, err
	}

	ext := sniffArtifactExt(source)
	filename := name + ext
	if err := r.loader.Validate(filename, source); err != nil {
		return Descriptor{}, err
	}

	path := filepath.Join(r.dir, filename)
	e := r.ensureEntry(name, path)

	e.opMu.Lock()
	// An unload or reinstall can win the lock first and drop this entry from
	// the map; proceeding on it would leave the plugin invisible to reads.
	for !r.current(name, e) {
		e.opMu.Unlock()
		e = r.ensureEntry(name, path)
		e.opMu.Lock()
	}
	defer e.opMu.Unlock()

	// Reinstall under the same name: fully retire the previous handle first.
	r.retireLocked(ctx, e)

	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return Descriptor{}, fmt.Errorf("create plugin directory: %w", err)
	}
	if err := afero.WriteFile(r.fs, path, source, 0o644); err != nil {
		return Descriptor{}, fmt.Errorf("write plugin artifact: %w", err)
	}
	// A stale artifact of the other engine type would shadow future resolves.
	for _, other := range artifactExts {
		if other != ext {
			_ = r.fs.Remove(filepath.Join(r.dir, name+other))
		}
	}

	e.stMu.Lock()
	e.desc = Descriptor{Name: name, FilePath: path, Config: make(map[string]any)}
	e.state = RuntimeState{Status: StatusDisabled}
	e.stMu.Unlock()

	if err := r.store.Set(name, autoEnable); err != nil {
		return Descriptor{}, fmt.Errorf("persist install for %s: %w", name, err)
	}

	log.Info().
		Str("event", "plugin_installed").
		Str("plugin", name).
		Str("path", path).
		Bool("auto_enable", autoEnable).
		Msg("installed plugin")

	if autoEnable {
		if err := r.loadLocked(ctx, e); err != nil {
			return Descriptor{}, err
		}
	}

	e.stMu.RLock()
	desc := e.desc
	desc.AvailableActions = append([]string(nil), e.desc.AvailableActions...)
	desc.Config = copyConfig(e.desc.Config)
	e.stMu.RUnlock()

	return desc, nil
}

// UpdateConfig merges new configuration into the descriptor and persists it.
// An enabled plugin gets the update delivered live when it supports
// reconfiguration, otherwise through a disable+enable cycle.
func (r *Registry) UpdateConfig(ctx context.Context, name string, config map[string]any) error {
	e, ok := r.getEntry(name)
	if !ok {
		return fmt.Errorf("update config for %s: %w", name, ErrNotFound)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !r.current(name, e) {
		return fmt.Errorf("update config for %s: %w", name, ErrNotFound)
	}

	e.stMu.Lock()
	if e.desc.Config == nil {
		e.desc.Config = make(map[string]any)
	}
	for k, v := range config {
		e.desc.Config[k] = v
	}
	merged := copyConfig(e.desc.Config)
	lh := e.handle
	e.stMu.Unlock()

	if err := r.writePluginConfig(name, merged); err != nil {
		return err
	}

	if lh == nil {
		return nil
	}

	if lh.handle.Configure(ctx, merged) {
		log.Debug().
			Str("event", "plugin_reconfigured").
			Str("plugin", name).
			Msg("delivered config to live handle")

		return nil
	}

	// No live reconfiguration support: reload.
	r.retireLocked(ctx, e)

	return r.loadLocked(ctx, e)
}

// List returns a snapshot of every registered plugin, sorted by name.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.snapshotInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// GetInfo returns the full read-model for one plugin.
func (r *Registry) GetInfo(name string) (PluginInfo, error) {
	e, ok := r.getEntry(name)
	if !ok {
		return PluginInfo{}, fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}

	return e.snapshotInfo(), nil
}

// GetStatus returns the compact status record for one plugin.
func (r *Registry) GetStatus(name string) (PluginStatus, error) {
	e, ok := r.getEntry(name)
	if !ok {
		return PluginStatus{}, fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}

	e.stMu.RLock()
	defer e.stMu.RUnlock()

	st := PluginStatus{
		Name:      e.desc.Name,
		Status:    e.state.Status,
		Enabled:   e.state.Status == StatusEnabled,
		LastError: e.state.LastError,
	}
	if st.Enabled && !e.state.EnabledSince.IsZero() {
		st.Uptime = time.Since(e.state.EnabledSince).Seconds()
	}

	return st, nil
}

// IsEnabled reports whether name currently has a live handle.
func (r *Registry) IsEnabled(name string) bool {
	e, ok := r.getEntry(name)
	if !ok {
		return false
	}

	e.stMu.RLock()
	defer e.stMu.RUnlock()

	return e.state.Status == StatusEnabled && e.handle != nil
}

// Acquire resolves the live handle for an invocation, pinning it against
// retirement until Release is called on it.
func (r *Registry) Acquire(name string) (*liveHandle, Descriptor, error) {
	e, ok := r.getEntry(name)
	if !ok {
		return nil, Descriptor{}, fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}

	e.stMu.RLock()
	lh := e.handle
	desc := e.desc
	desc.AvailableActions = append([]string(nil), e.desc.AvailableActions...)
	desc.Config = copyConfig(e.desc.Config)
	e.stMu.RUnlock()

	if lh == nil || !lh.acquire() {
		return nil, Descriptor{}, fmt.Errorf("plugin %s: %w", name, ErrNotEnabled)
	}

	return lh, desc, nil
}

// RecordError notes an execution failure on the plugin's runtime state.
func (r *Registry) RecordError(name, msg string) {
	e, ok := r.getEntry(name)
	if !ok {
		return
	}

	e.stMu.Lock()
	e.state.LastError = msg
	e.stMu.Unlock()
}

// CloseAll retires every live handle without writing the persisted config,
// leaving the enabled intent intact for the next start.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.opMu.Lock()
		r.retireLocked(ctx, e)
		e.stMu.Lock()
		if e.state.Status == StatusDisabling || e.state.Status == StatusEnabled {
			e.state.Status = StatusDisabled
			e.state.LoadedAt = time.Time{}
			e.state.EnabledSince = time.Time{}
		}
		e.stMu.Unlock()
		e.opMu.Unlock()
	}
}

// pluginConfigPath is the per-plugin config file kept beside the artifact.
func (r *Registry) pluginConfigPath(name string) string {
	return filepath.Join(r.dir, name+".config.json")
}

// readPluginConfig merges the persisted per-plugin config file over the
// descriptor's in-memory config.
func (r *Registry) readPluginConfig(e *entry) map[string]any {
	e.stMu.RLock()
	name := e.desc.Name
	config := copyConfig(e.desc.Config)
	e.stMu.RUnlock()

	if config == nil {
		config = make(map[string]any)
	}

	data, err := afero.ReadFile(r.fs, r.pluginConfigPath(name))
	if err != nil {
		return config
	}

	var fromFile map[string]any
	if err := json.Unmarshal(data, &fromFile); err != nil {
		log.Warn().
			Str("event", "plugin_config_malformed").
			Str("plugin", name).
			Err(err).
			Msg("ignoring malformed plugin config file")

		return config
	}

	for k, v := range fromFile {
		config[k] = v
	}

	return config
}

func (r *Registry) writePluginConfig(name string, config map[string]any) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config for %s: %w", name, err)
	}
	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create plugin directory: %w", err)
	}
	if err := afero.WriteFile(r.fs, r.pluginConfigPath(name), data, 0o644); err != nil {
		return fmt.Errorf("write config for %s: %w", name, err)
	}

	return nil
}

// validatePluginName rejects names that would resolve outside the plugin
// directory. The artifact path is keyed by name; a name is a single path
// element, never a path.
func validatePluginName(name string) error {
	if name == "" {
		return fmt.Errorf("plugin name must not be empty")
	}
	if name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("invalid plugin name %q", name)
	}

	return nil
}

// sniffArtifactExt picks the artifact type from content: wasm binaries carry
// the "\0asm" magic, everything else is treated as a lua script.
func sniffArtifactExt(data []byte) string {
	if bytes.HasPrefix(data, []byte("\x00asm")) {
		return ".wasm"
	}

	return ".lua"
}

func copyConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandle implements Handle for registry tests.
type stubHandle struct {
	manifest  Manifest
	execFn    func(action string, params map[string]any) (any, error)
	liveCfg   bool
	mu        sync.Mutex
	closed    bool
	lastCfg   map[string]any
	execCount int
}

func (h *stubHandle) Manifest() Manifest { return h.manifest }

func (h *stubHandle) Execute(_ context.Context, action string, params map[string]any) (any, error) {
	h.mu.Lock()
	h.execCount++
	h.mu.Unlock()

	if h.execFn != nil {
		return h.execFn(action, params)
	}

	return map[string]any{"action": action}, nil
}

func (h *stubHandle) Configure(_ context.Context, config map[string]any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCfg = config

	return h.liveCfg
}

func (h *stubHandle) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true

	return nil
}

func (h *stubHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// stubLoader implements Loader, producing stubHandles and tracking loads.
type stubLoader struct {
	mu       sync.Mutex
	loads    int
	delay    time.Duration
	failFor  map[string]error
	panicFor map[string]bool
	handles  []*stubHandle
	manifest Manifest
}

func newStubLoader() *stubLoader {
	return &stubLoader{
		failFor:  make(map[string]error),
		panicFor: make(map[string]bool),
		manifest: Manifest{
			Version:     "1.0.0",
			Description: "test plugin",
			Author:      "tests",
			Actions:     []string{"handle_message", "report"},
		},
	}
}

func (l *stubLoader) Load(
	_ context.Context,
	name, _ string,
	_ map[string]any,
) (Handle, error) {
	l.mu.Lock()
	l.loads++
	delay := l.delay
	failErr := l.failFor[name]
	shouldPanic := l.panicFor[name]
	l.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldPanic {
		panic("entry point exploded")
	}
	if failErr != nil {
		return nil, failErr
	}

	h := &stubHandle{manifest: l.manifest}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()

	return h, nil
}

func (l *stubLoader) Validate(_ string, _ []byte) error { return nil }

func (l *stubLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.loads
}

func (l *stubLoader) lastHandle() *stubHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}

	return l.handles[len(l.handles)-1]
}

func newTestRegistry(t *testing.T, loader Loader) (*Registry, *ConfigStore, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	store := NewConfigStore(fs, "plugins/config.json")
	reg := NewRegistry(store, loader, fs, "plugins")
	reg.grace = 100 * time.Millisecond

	return reg, store, fs
}

func writeArtifact(t *testing.T, fs afero.Fs, name string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "plugins/"+name+".lua", []byte("-- stub"), 0o644))
}

func TestEnableLoadsPlugin(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, store, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	require.NoError(t, reg.Enable(context.Background(), "weather"))

	st, err := reg.GetStatus("weather")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, st.Status)
	assert.True(t, st.Enabled)
	assert.Empty(t, st.LastError)

	enabled, err := store.Load()
	require.NoError(t, err)
	assert.True(t, enabled["weather"])

	info, err := reg.GetInfo("weather")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, []string{"handle_message", "report"}, info.AvailableActions)
	assert.False(t, info.LoadedAt.IsZero())
}

func TestEnableUnknownPlugin(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, newStubLoader())

	err := reg.Enable(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnableIdempotent(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	require.NoError(t, reg.Enable(context.Background(), "weather"))
	require.NoError(t, reg.Enable(context.Background(), "weather"))

	assert.Equal(t, 1, loader.loadCount(), "second enable on a running plugin must be a no-op")
}

func TestConcurrentEnableSingleHandle(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	loader.delay = 20 * time.Millisecond
	reg, _, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_ = reg.Enable(context.Background(), "weather")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, loader.loadCount(), "concurrent enables must install exactly one handle")
	st, err := reg.GetStatus("weather")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, st.Status)
}

func TestEnableFailureLeavesConfigIntent(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	loader.failFor["broken"] = &LoadError{Plugin: "broken", Kind: InitFailure, Err: errors.New("boom")}
	reg, store, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "broken")

	err := reg.Enable(context.Background(), "broken")
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, InitFailure, loadErr.Kind)

	st, err := reg.GetStatus("broken")
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, st.Status)
	assert.NotEmpty(t, st.LastError)

	// "should run" persists independently of "is running".
	enabled, err := store.Load()
	require.NoError(t, err)
	assert.True(t, enabled["broken"])
}

func TestPanicDuringLoadEndsErrored(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	loader.panicFor["volatile"] = true
	reg, _, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "volatile")

	err := reg.Enable(context.Background(), "volatile")
	require.Error(t, err)

	st, stErr := reg.GetStatus("volatile")
	require.NoError(t, stErr)
	assert.Equal(t, StatusErrored, st.Status, "a crash mid-transition must not leave the plugin loading")
	assert.Contains(t, st.LastError, "panic")
}

func TestDisableRetiresHandle(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, store, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	require.NoError(t, reg.Enable(context.Background(), "weather"))
	h := loader.lastHandle()
	require.NotNil(t, h)

	require.NoError(t, reg.Disable(context.Background(), "weather"))

	st, err := reg.GetStatus("weather")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, st.Status)
	assert.True(t, h.isClosed(), "disable must release the handle")

	enabled, err := store.Load()
	require.NoError(t, err)
	assert.False(t, enabled["weather"])

	assert.False(t, reg.IsEnabled("weather"))
}

func TestDisableUnknownPlugin(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, newStubLoader())

	err := reg.Disable(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisableThenEnableRestores(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	require.NoError(t, reg.Enable(context.Background(), "weather"))
	require.NoError(t, reg.Disable(context.Background(), "weather"))
	require.NoError(t, reg.Enable(context.Background(), "weather"))

	st, err := reg.GetStatus("weather")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, st.Status)
	assert.Equal(t, 2, loader.loadCount())
}

func TestDisableThenEnableBrokenArtifact(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	require.NoError(t, reg.Enable(context.Background(), "weather"))
	require.NoError(t, reg.Disable(context.Background(), "weather"))

	// The artifact breaks between disable and re-enable.
	loader.mu.Lock()
	loader.failFor["weather"] = &LoadError{Plugin: "weather", Kind: InitFailure, Err: errors.New("corrupt")}
	loader.mu.Unlock()

	err := reg.Enable(context.Background(), "weather")
	require.Error(t, err)

	st, stErr := reg.GetStatus("weather")
	require.NoError(t, stErr)
	assert.Equal(t, StatusErrored, st.Status)
	assert.NotEmpty(t, st.LastError)
}

func TestUnloadRemovesEverything(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, store, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")

	require.NoError(t, reg.Enable(context.Background(), "weather"))
	require.NoError(t, reg.Unload(context.Background(), "weather"))

	_, err := reg.GetStatus("weather")
	assert.ErrorIs(t, err, ErrNotFound)

	enabled, loadErr := store.Load()
	require.NoError(t, loadErr)
	_, present := enabled["weather"]
	assert.False(t, present, "unload must remove the config entry")

	exists, fsErr := afero.Exists(fs, "plugins/weather.lua")
	require.NoError(t, fsErr)
	assert.False(t, exists, "unload must remove the artifact")
}

func TestInstallWithoutAutoEnable(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, store, _ := newTestRegistry(t, loader)

	desc, err := reg.Install(context.Background(), "notes", []byte("-- notes plugin"), false)
	require.NoError(t, err)
	assert.Equal(t, "notes", desc.Name)
	assert.Equal(t, "plugins/notes.lua", desc.FilePath)

	// Configured but not running: no handle was created.
	assert.Equal(t, 0, loader.loadCount())
	st, err := reg.GetStatus("notes")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, st.Status)

	enabled, err := store.Load()
	require.NoError(t, err)
	v, present := enabled["notes"]
	assert.True(t, present)
	assert.False(t, v)
}

func TestInstallAutoEnable(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	desc, err := reg.Install(context.Background(), "notes", []byte("-- notes plugin"), true)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", desc.Version, "auto-enable must surface manifest metadata")

	st, err := reg.GetStatus("notes")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, st.Status)
}

func TestInstallRejectsPathTraversalNames(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	fs := afero.NewMemMapFs()
	store := NewConfigStore(fs, "/data/plugins/config.json")
	reg := NewRegistry(store, loader, fs, "/data/plugins")

	names := []string{
		"../../etc/evil",
		"..",
		".",
		"nested/name",
		`back\slash`,
		"/absolute",
		"",
	}
	for _, name := range names {
		_, err := reg.Install(context.Background(), name, []byte("-- payload"), false)
		assert.Error(t, err, "name %q must be rejected", name)
	}

	// Nothing escaped the plugin directory.
	exists, err := afero.Exists(fs, "/etc/evil.lua")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(fs, "/data/etc/evil.lua")
	require.NoError(t, err)
	assert.False(t, exists)

	enabled, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestInstallConcurrentWithUnloadStaysVisible(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, store, _ := newTestRegistry(t, loader)

	// Hold the per-name lock the way an in-progress unload does.
	stale := reg.ensureEntry("notes", "plugins/notes.lua")
	stale.opMu.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := reg.Install(context.Background(), "notes", []byte("-- notes"), false)
		done <- err
	}()

	// Let install queue up behind the lock, then drop the entry from the map
	// before releasing, exactly as unload's critical section does.
	time.Sleep(50 * time.Millisecond)
	reg.mu.Lock()
	delete(reg.entries, "notes")
	reg.mu.Unlock()
	stale.opMu.Unlock()

	require.NoError(t, <-done)

	// The installed plugin is visible to reads, not stranded on a stale entry.
	st, err := reg.GetStatus("notes")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, st.Status)
	require.Len(t, reg.List(), 1)

	enabled, err := store.Load()
	require.NoError(t, err)
	_, present := enabled["notes"]
	assert.True(t, present)
}

func TestReinstallRetiresOldHandleFirst(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	_, err := reg.Install(context.Background(), "notes", []byte("-- v1"), true)
	require.NoError(t, err)
	old := loader.lastHandle()
	require.NotNil(t, old)

	_, err = reg.Install(context.Background(), "notes", []byte("-- v2"), true)
	require.NoError(t, err)

	assert.True(t, old.isClosed(), "old handle must be fully retired before the new one is visible")
	assert.Equal(t, 2, loader.loadCount())
}

func TestReinstallAfterUnloadIsFresh(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	first, err := reg.Install(context.Background(), "notes", []byte("-- v1"), true)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateConfig(context.Background(), "notes", map[string]any{"units": "metric"}))
	require.NoError(t, reg.Unload(context.Background(), "notes"))

	second, err := reg.Install(context.Background(), "notes", []byte("-- v1"), true)
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.FilePath, second.FilePath)
	assert.Empty(t, second.Config, "no residual config may leak from the previous install")
}

func TestLoadAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	loader.failFor["broken"] = &LoadError{Plugin: "broken", Kind: InitFailure, Err: errors.New("entry point raised")}
	reg, store, fs := newTestRegistry(t, loader)
	writeArtifact(t, fs, "weather")
	writeArtifact(t, fs, "broken")
	require.NoError(t, store.Save(map[string]bool{"weather": true, "broken": true}))

	results := reg.LoadAll(context.Background())
	assert.Equal(t, map[string]bool{"weather": true, "broken": false}, results)

	weather, err := reg.GetStatus("weather")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, weather.Status)

	broken, err := reg.GetStatus("broken")
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, broken.Status)
	assert.NotEmpty(t, broken.LastError)
}

func TestLoadAllMissingConfig(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, newStubLoader())

	results := reg.LoadAll(context.Background())
	assert.Empty(t, results, "missing config starts with zero plugins, not an error")
}

func TestLoadAllRegistersDisabledPlugins(t *testing.T) {
	t.Parallel()

	reg, store, fs := newTestRegistry(t, newStubLoader())
	writeArtifact(t, fs, "notes")
	require.NoError(t, store.Save(map[string]bool{"notes": false}))

	results := reg.LoadAll(context.Background())
	assert.Empty(t, results)

	st, err := reg.GetStatus("notes")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, st.Status)
}

func TestUpdateConfigLiveReconfiguration(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	_, err := reg.Install(context.Background(), "weather", []byte("-- v1"), true)
	require.NoError(t, err)

	h := loader.lastHandle()
	require.NotNil(t, h)
	h.mu.Lock()
	h.liveCfg = true
	h.mu.Unlock()

	require.NoError(t, reg.UpdateConfig(context.Background(), "weather", map[string]any{"units": "metric"}))

	assert.Equal(t, 1, loader.loadCount(), "live reconfiguration must not reload")
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "metric", h.lastCfg["units"])
}

func TestUpdateConfigFallsBackToReload(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	_, err := reg.Install(context.Background(), "weather", []byte("-- v1"), true)
	require.NoError(t, err)
	old := loader.lastHandle()

	require.NoError(t, reg.UpdateConfig(context.Background(), "weather", map[string]any{"units": "metric"}))

	assert.Equal(t, 2, loader.loadCount(), "without live reconfiguration the plugin reloads")
	assert.True(t, old.isClosed())

	st, err := reg.GetStatus("weather")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, st.Status)
}

func TestUpdateConfigWhileDisabled(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	_, err := reg.Install(context.Background(), "weather", []byte("-- v1"), false)
	require.NoError(t, err)

	require.NoError(t, reg.UpdateConfig(context.Background(), "weather", map[string]any{"units": "metric"}))
	assert.Equal(t, 0, loader.loadCount())

	// Config reaches the plugin on the next enable.
	require.NoError(t, reg.Enable(context.Background(), "weather"))
	info, err := reg.GetInfo("weather")
	require.NoError(t, err)
	assert.Equal(t, "metric", info.Config["units"])
}

func TestListCounts(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	_, err := reg.Install(context.Background(), "weather", []byte("-- a"), true)
	require.NoError(t, err)
	_, err = reg.Install(context.Background(), "notes", []byte("-- b"), false)
	require.NoError(t, err)

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "notes", infos[0].Name)
	assert.Equal(t, "weather", infos[1].Name)
	assert.False(t, infos[0].Enabled)
	assert.True(t, infos[1].Enabled)
}

func TestDrainAllowsInFlightInvocationToFinish(t *testing.T) {
	t.Parallel()

	loader := newStubLoader()
	reg, _, _ := newTestRegistry(t, loader)

	_, err := reg.Install(context.Background(), "slow", []byte("-- slow"), true)
	require.NoError(t, err)

	started := make(chan struct{})
	finish := make(chan struct{})
	h := loader.lastHandle()
	h.execFn = func(string, map[string]any) (any, error) {
		close(started)
		<-finish

		return "done", nil
	}

	lh, _, err := reg.Acquire("slow")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, execErr := lh.handle.Execute(context.Background(), "report", nil)
		lh.release()
		done <- execErr
	}()
	<-started

	disabled := make(chan struct{})
	go func() {
		_ = reg.Disable(context.Background(), "slow")
		close(disabled)
	}()

	// New invocations fail immediately once retirement begins.
	assert.Eventually(t, func() bool {
		_, _, acqErr := reg.Acquire("slow")

		return errors.Is(acqErr, ErrNotEnabled)
	}, time.Second, 5*time.Millisecond)

	close(finish)
	require.NoError(t, <-done, "in-flight invocation must be allowed to finish")
	<-disabled
	assert.Eventually(t, h.isClosed, time.Second, 5*time.Millisecond,
		"handle closes once the last invocation releases it")
}

package runtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")

	enabled, err := store.Load()
	assert.ErrorIs(t, err, ErrConfigUnavailable)
	assert.Empty(t, enabled)
}

func TestConfigStoreLoadMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "not json at all"},
		{name: "json array", content: `["weather"]`},
		{name: "truncated object", content: `{"weather": tr`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "plugins/config.json", []byte(tt.content), 0o644))

			store := NewConfigStore(fs, "plugins/config.json")
			enabled, err := store.Load()
			assert.ErrorIs(t, err, ErrConfigUnavailable)
			assert.Empty(t, enabled)
		})
	}
}

func TestConfigStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")

	want := map[string]bool{"weather": true, "broken": true, "notes": false}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConfigStoreSetPreservesOtherEntries(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")
	require.NoError(t, store.Save(map[string]bool{"weather": true, "notes": false}))

	require.NoError(t, store.Set("notes", true))
	require.NoError(t, store.Set("search", false))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"weather": true, "notes": true, "search": false}, got)
}

func TestConfigStoreSetCreatesFile(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")
	require.NoError(t, store.Set("weather", true))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"weather": true}, got)
}

func TestConfigStoreDelete(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")
	require.NoError(t, store.Save(map[string]bool{"weather": true, "notes": false}))

	require.NoError(t, store.Delete("weather"))
	require.NoError(t, store.Delete("never-existed"))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"notes": false}, got)
}

func TestConfigStoreConcurrentSets(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			_ = store.Set(fmt.Sprintf("plugin-%02d", i), i%2 == 0)
		}(i)
	}
	wg.Wait()

	got, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, got, writers, "no concurrent Set may lose another name's update")
	for i := 0; i < writers; i++ {
		assert.Equal(t, i%2 == 0, got[fmt.Sprintf("plugin-%02d", i)])
	}
}

func TestConfigStoreEscapedNames(t *testing.T) {
	t.Parallel()

	store := NewConfigStore(afero.NewMemMapFs(), "plugins/config.json")
	require.NoError(t, store.Set("weather.v2", true))
	require.NoError(t, store.Set("notes*beta", false))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"weather.v2": true, "notes*beta": false}, got)
}

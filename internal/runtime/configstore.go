package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConfigStore persists the plugin-name to enabled-flag map as a flat JSON
// object. It is the single source of truth for what should load; all writes
// funnel through its mutex so concurrent Sets on different names never lose
// each other's update.
type ConfigStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

// NewConfigStore returns a store backed by the given filesystem and path.
func NewConfigStore(fs afero.Fs, path string) *ConfigStore {
	return &ConfigStore{fs: fs, path: path}
}

// Load reads the persisted map. A missing or malformed file yields an empty
// map together with ErrConfigUnavailable; the runtime starts with zero
// plugins rather than failing to boot.
func (s *ConfigStore) Load() (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

func (s *ConfigStore) loadLocked() (map[string]bool, error) {
	enabled := make(map[string]bool)

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().
				Str("event", "config_read_failed").
				Str("path", s.path).
				Err(err).
				Msg("plugin config unreadable, assuming empty")
		}

		return enabled, ErrConfigUnavailable
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		log.Warn().
			Str("event", "config_malformed").
			Str("path", s.path).
			Msg("plugin config is not a JSON object, assuming empty")

		return enabled, ErrConfigUnavailable
	}

	parsed.ForEach(func(key, value gjson.Result) bool {
		enabled[key.String()] = value.Bool()

		return true
	})

	return enabled, nil
}

// Save replaces the persisted map wholesale.
func (s *ConfigStore) Save(enabled map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	data := []byte("{}")
	for _, name := range names {
		var err error
		data, err = sjson.SetBytes(data, escapeKey(name), enabled[name])
		if err != nil {
			return fmt.Errorf("encode plugin config: %w", err)
		}
	}

	return s.writeLocked(data)
}

// Set updates a single plugin's enabled flag, preserving all other entries.
func (s *ConfigStore) Set(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.rawLocked()
	if err != nil {
		return err
	}

	data, err = sjson.SetBytes(data, escapeKey(name), enabled)
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}

	return s.writeLocked(data)
}

// Delete removes a plugin's entry entirely. Unknown names are a no-op.
func (s *ConfigStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.rawLocked()
	if err != nil {
		return err
	}

	data, err = sjson.DeleteBytes(data, escapeKey(name))
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}

	return s.writeLocked(data)
}

// rawLocked returns the current file content, falling back to an empty
// object when the file is missing or malformed.
func (s *ConfigStore) rawLocked() ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil || !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return []byte("{}"), nil
	}

	return data, nil
}

// writeLocked writes through a temp file and rename so readers never see a
// torn file.
func (s *ConfigStore) writeLocked(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write plugin config: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace plugin config: %w", err)
	}

	return nil
}

// escapeKey protects plugin names containing sjson path syntax.
func escapeKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, name[i])
	}

	return string(out)
}

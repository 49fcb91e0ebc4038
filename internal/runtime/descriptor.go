package runtime

import (
	"time"
)

// Status is the lifecycle state of a plugin name.
type Status string

// Lifecycle states. Loading and disabling are transient and only held for
// the duration of a mutating call.
const (
	StatusDisabled  Status = "installed-disabled"
	StatusLoading   Status = "loading"
	StatusEnabled   Status = "enabled"
	StatusErrored   Status = "errored"
	StatusDisabling Status = "disabling"
	StatusUnloaded  Status = "unloaded"
)

// Manifest is the metadata a plugin declares from its register entry point.
type Manifest struct {
	Version      string         `json:"version"`
	Description  string         `json:"description"`
	Author       string         `json:"author"`
	Actions      []string       `json:"actions"`
	ConfigSchema map[string]any `json:"config_schema"`
}

// Descriptor is the durable identity and metadata record for one plugin,
// independent of whether it is currently loaded.
type Descriptor struct {
	Name             string         `json:"name"`
	Version          string         `json:"version"`
	Description      string         `json:"description"`
	Author           string         `json:"author"`
	FilePath         string         `json:"file_path"`
	Config           map[string]any `json:"config"`
	ConfigSchema     map[string]any `json:"config_schema"`
	AvailableActions []string       `json:"available_actions"`
}

// HasAction reports whether the plugin declared the given action.
func (d *Descriptor) HasAction(action string) bool {
	for _, a := range d.AvailableActions {
		if a == action {
			return true
		}
	}

	return false
}

// RuntimeState is the mutable lifecycle record paired with a Descriptor.
type RuntimeState struct {
	Status       Status    `json:"status"`
	LoadedAt     time.Time `json:"loaded_at"`
	EnabledSince time.Time `json:"enabled_since"`
	LastError    string    `json:"last_error"`
}

// ActionInvocationResult is produced fresh for every action dispatch and
// never stored beyond the response.
type ActionInvocationResult struct {
	InvocationID  string        `json:"invocation_id"`
	Success       bool          `json:"success"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PluginInfo is the full read-model for one plugin.
type PluginInfo struct {
	Name             string         `json:"name"`
	Version          string         `json:"version"`
	Description      string         `json:"description"`
	Author           string         `json:"author"`
	Status           Status         `json:"status"`
	Enabled          bool           `json:"enabled"`
	LoadedAt         time.Time      `json:"loaded_at"`
	FilePath         string         `json:"file_path"`
	Config           map[string]any `json:"config"`
	LastError        string         `json:"last_error,omitempty"`
	AvailableActions []string       `json:"available_actions"`
	ConfigSchema     map[string]any `json:"config_schema"`
}

// PluginStatus is the compact status read-model.
type PluginStatus struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	Enabled   bool    `json:"enabled"`
	LastError string  `json:"last_error,omitempty"`
	Uptime    float64 `json:"uptime,omitempty"` // seconds since enabled
}

// ListResponse is the aggregate returned by the list operation.
type ListResponse struct {
	Plugins       map[string]PluginInfo `json:"plugins"`
	TotalCount    int                   `json:"total_count"`
	EnabledCount  int                   `json:"enabled_count"`
	DisabledCount int                   `json:"disabled_count"`
}

// InstallResponse confirms a completed install.
type InstallResponse struct {
	Descriptor  Descriptor `json:"descriptor"`
	InstalledAt time.Time  `json:"installed_at"`
}

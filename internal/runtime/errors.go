// Package runtime implements the plugin runtime: discovery, loading,
// lifecycle state, hook fan-out and action dispatch.
package runtime

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by runtime operations.
var (
	// ErrConfigUnavailable signals a missing or corrupt enabled-plugins file.
	// Callers receive an empty mapping alongside it; startup proceeds.
	ErrConfigUnavailable = errors.New("plugin config unavailable")

	// ErrNotFound means the plugin name is not registered.
	ErrNotFound = errors.New("plugin not found")

	// ErrNotEnabled means the plugin is registered but has no live handle.
	ErrNotEnabled = errors.New("plugin not enabled")

	// ErrUnknownAction means the action is not in the plugin's declared set.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUnknownPlugin rejects hook registration for a plugin that is not
	// currently enabled.
	ErrUnknownPlugin = errors.New("unknown or disabled plugin")

	// ErrNoBindings means a hook was triggered with nothing registered on it.
	ErrNoBindings = errors.New("no bindings for hook")

	// ErrPluginDisabled marks a hook binding whose target plugin has been
	// disabled since registration.
	ErrPluginDisabled = errors.New("plugin disabled")
)

// LoadErrorKind classifies why a plugin artifact failed to load.
type LoadErrorKind string

const (
	// MissingEntryPoint means the artifact does not expose the register
	// entry point.
	MissingEntryPoint LoadErrorKind = "missing_entry_point"

	// InitFailure means the artifact failed to compile, instantiate, or its
	// register call raised.
	InitFailure LoadErrorKind = "init_failure"
)

// LoadError reports a plugin initialization failure. It is never fatal to
// the host; the plugin is left errored.
type LoadError struct {
	Plugin string
	Kind   LoadErrorKind
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load plugin %s: %s: %v", e.Plugin, e.Kind, e.Err)
	}

	return fmt.Sprintf("load plugin %s: %s", e.Plugin, e.Kind)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FetchError reports that a remote plugin source could not be retrieved.
// Distinct from LoadError so callers can tell network trouble from a bad
// artifact.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch plugin from %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

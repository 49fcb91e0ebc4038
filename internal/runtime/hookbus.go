package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// statusReader is what the hook bus needs from the registry.
type statusReader interface {
	IsEnabled(name string) bool
}

// actionExecutor is what the hook bus needs from the dispatcher.
type actionExecutor interface {
	Execute(ctx context.Context, plugin, action string, params map[string]any) (ActionInvocationResult, error)
}

// HookBinding ties a named extension point to a plugin action.
type HookBinding struct {
	Hook   string `json:"hook_name"`
	Plugin string `json:"plugin_name"`
	Action string `json:"callback_action"`
}

// HookResult is one binding's outcome within a trigger.
type HookResult struct {
	Plugin string `json:"plugin_name"`
	Action string `json:"callback_action"`
	ActionInvocationResult
}

// HookBus maintains named extension points. Plugins register interest; a
// trigger fans out to every binding in registration order and aggregates
// the per-binding results.
type HookBus struct {
	mu       sync.RWMutex
	bindings map[string][]HookBinding

	status   statusReader
	executor actionExecutor
}

// NewHookBus returns an empty bus.
func NewHookBus(status statusReader, executor actionExecutor) *HookBus {
	return &HookBus{
		bindings: make(map[string][]HookBinding),
		status:   status,
		executor: executor,
	}
}

// Register binds (hook, plugin, action). The plugin must currently be
// enabled. Re-registering an existing triple is idempotent.
func (b *HookBus) Register(hook, plugin, action string) error {
	if !b.status.IsEnabled(plugin) {
		return fmt.Errorf("register hook %s for %s: %w", hook, plugin, ErrUnknownPlugin)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	binding := HookBinding{Hook: hook, Plugin: plugin, Action: action}
	for _, existing := range b.bindings[hook] {
		if existing == binding {
			return nil
		}
	}
	b.bindings[hook] = append(b.bindings[hook], binding)

	log.Info().
		Str("event", "hook_registered").
		Str("hook", hook).
		Str("plugin", plugin).
		Str("action", action).
		Msg("registered hook binding")

	return nil
}

// RemovePlugin drops every binding targeting the plugin. Called on unload.
func (b *HookBus) RemovePlugin(plugin string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for hook, bindings := range b.bindings {
		kept := bindings[:0]
		for _, binding := range bindings {
			if binding.Plugin != plugin {
				kept = append(kept, binding)
			}
		}
		if len(kept) == 0 {
			delete(b.bindings, hook)
		} else {
			b.bindings[hook] = kept
		}
	}
}

// Bindings returns a snapshot of the bindings for one hook.
func (b *HookBus) Bindings(hook string) []HookBinding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]HookBinding(nil), b.bindings[hook]...)
}

// Trigger fans the parameters out to every binding registered on the hook.
// With no bindings it fails ErrNoBindings, distinguishable from "all
// bindings failed". Results keep registration order. A binding whose plugin
// has since been disabled is recorded with a plugin-disabled error, never
// silently dropped.
func (b *HookBus) Trigger(
	ctx context.Context,
	hook string,
	params map[string]any,
) ([]HookResult, error) {
	bindings := b.Bindings(hook)
	if len(bindings) == 0 {
		return nil, fmt.Errorf("trigger hook %s: %w", hook, ErrNoBindings)
	}

	results := make([]HookResult, 0, len(bindings))
	for _, binding := range bindings {
		results = append(results, b.invokeBinding(ctx, binding, params))
	}

	log.Debug().
		Str("event", "hook_triggered").
		Str("hook", hook).
		Int("bindings", len(bindings)).
		Msg("triggered hook")

	return results, nil
}

func (b *HookBus) invokeBinding(
	ctx context.Context,
	binding HookBinding,
	params map[string]any,
) HookResult {
	if !b.status.IsEnabled(binding.Plugin) {
		return HookResult{
			Plugin: binding.Plugin,
			Action: binding.Action,
			ActionInvocationResult: ActionInvocationResult{
				InvocationID: uuid.NewString(),
				Error:        ErrPluginDisabled.Error(),
				Timestamp:    time.Now(),
			},
		}
	}

	res, err := b.executor.Execute(ctx, binding.Plugin, binding.Action, params)
	if err != nil {
		// The plugin raced into disablement between the check and the call.
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}

	return HookResult{
		Plugin:                 binding.Plugin,
		Action:                 binding.Action,
		ActionInvocationResult: res,
	}
}

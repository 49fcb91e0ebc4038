package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axisml/pluginhost/internal/logging"
)

// handleResolver is what the dispatcher needs from the registry.
type handleResolver interface {
	Acquire(name string) (*liveHandle, Descriptor, error)
	RecordError(name, msg string)
}

// Dispatcher invokes a single named action on a single plugin, measuring
// wall-clock latency and capturing failures. Plugin code is a catch
// boundary: a misbehaving plugin can fail its own invocation but never the
// host or another plugin's call.
type Dispatcher struct {
	resolver handleResolver
}

// NewDispatcher returns a dispatcher resolving handles through resolver.
func NewDispatcher(resolver handleResolver) *Dispatcher {
	return &Dispatcher{resolver: resolver}
}

// Execute runs the action with the given parameters. The returned error is
// non-nil only for pre-invocation failures (ErrNotFound, ErrNotEnabled,
// ErrUnknownAction); failures raised by plugin code come back as a result
// with success=false and the error never leaves the invocation boundary.
func (d *Dispatcher) Execute(
	ctx context.Context,
	plugin, action string,
	params map[string]any,
) (ActionInvocationResult, error) {
	res := ActionInvocationResult{
		InvocationID: uuid.NewString(),
		Timestamp:    time.Now(),
	}

	lh, desc, err := d.resolver.Acquire(plugin)
	if err != nil {
		res.Error = err.Error()

		return res, err
	}
	defer lh.release()

	if !desc.HasAction(action) {
		err := fmt.Errorf("plugin %s action %s: %w", plugin, action, ErrUnknownAction)
		res.Error = err.Error()

		return res, err
	}

	start := time.Now()
	value, execErr := d.invoke(ctx, lh.handle, action, params)
	res.ExecutionTime = time.Since(start)

	if execErr != nil {
		res.Error = execErr.Error()
		d.resolver.RecordError(plugin, execErr.Error())
		logging.LogInvocation(plugin, action, res.ExecutionTime, false, execErr)

		return res, nil
	}

	res.Success = true
	res.Result = value
	logging.LogInvocation(plugin, action, res.ExecutionTime, true, nil)

	return res, nil
}

// invoke is the panic boundary around plugin code.
func (d *Dispatcher) invoke(
	ctx context.Context,
	h Handle,
	action string,
	params map[string]any,
) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			value = nil
			err = fmt.Errorf("plugin panic: %v", p)
		}
	}()

	return h.Execute(ctx, action, params)
}

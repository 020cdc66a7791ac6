// Package destinations provides the pluggable collaborators that perform
// side-effecting operations on behalf of the execution core: HTTP fetches,
// native in-process handlers, legacy plugin code, and a mock for dry runs.
// Each implements hogpipe.DestinationExecutor and owns its own timeout and
// backoff policy; the core only selects among them.
package destinations

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/hogpipe"
)

// NativeHandler is a platform-authored, non-interpreted function body.
type NativeHandler func(ctx context.Context, req *hogpipe.DestinationRequest) (*hogpipe.DestinationResponse, error)

// NativeRegistry dispatches to in-process handlers registered by name.
// Native functions bypass the general interpreter but still pass through
// the same filter, step-count, and health gating in the executor.
type NativeRegistry struct {
	mu       sync.RWMutex
	handlers map[string]NativeHandler
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{handlers: map[string]NativeHandler{}}
}

// Register adds a handler under the given name, replacing any existing one.
func (r *NativeRegistry) Register(name string, handler NativeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Execute dispatches to the handler named by the function's program field.
func (r *NativeRegistry) Execute(ctx context.Context, req *hogpipe.DestinationRequest) (*hogpipe.DestinationResponse, error) {
	if req.Function == nil {
		return nil, fmt.Errorf("native dispatch requires a function")
	}
	r.mu.RLock()
	handler, ok := r.handlers[req.Function.Program]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no native handler registered for %q", req.Function.Program)
	}
	return handler(ctx, req)
}

// LegacyPluginExecutor adapts the legacy plugin runtime behind the
// DestinationExecutor interface. The hook receives the plugin identifier
// and the trigger globals and returns the plugin's raw result.
type LegacyPluginExecutor struct {
	Hook func(ctx context.Context, pluginID string, globals *hogpipe.TriggerGlobals) (interface{}, error)
}

// Execute invokes the legacy plugin hook for the requested function.
func (e *LegacyPluginExecutor) Execute(ctx context.Context, req *hogpipe.DestinationRequest) (*hogpipe.DestinationResponse, error) {
	if e.Hook == nil {
		return nil, fmt.Errorf("no legacy plugin hook configured")
	}
	if req.Function == nil {
		return nil, fmt.Errorf("legacy plugin dispatch requires a function")
	}
	result, err := e.Hook(ctx, req.Function.Program, req.Invocation.Globals)
	if err != nil {
		return nil, err
	}
	return &hogpipe.DestinationResponse{Body: result}, nil
}

// RecordedCall is one call captured by the MockExecutor.
type RecordedCall struct {
	Name string
	Args []interface{}
}

// MockExecutor records calls instead of performing them, for test and
// dry-run invocation via the API.
type MockExecutor struct {
	mu       sync.Mutex
	calls    []RecordedCall
	Response *hogpipe.DestinationResponse
	Err      error
}

// Execute records the call and returns the configured response.
func (e *MockExecutor) Execute(ctx context.Context, req *hogpipe.DestinationRequest) (*hogpipe.DestinationResponse, error) {
	e.mu.Lock()
	e.calls = append(e.calls, RecordedCall{Name: req.Name, Args: req.Args})
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Response != nil {
		return e.Response, nil
	}
	return &hogpipe.DestinationResponse{Status: 200, Body: "mocked"}, nil
}

// Calls returns the recorded calls in order.
func (e *MockExecutor) Calls() []RecordedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := make([]RecordedCall, len(e.calls))
	copy(calls, e.calls)
	return calls
}

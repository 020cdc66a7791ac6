// Package execute runs a single Hog function's compiled program to
// completion, enforcing the async step budget and the filter and health
// gates. Nothing in this package raises past its boundary: every path
// returns a structured InvocationResult the caller inspects.
package execute

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/eval"
	"github.com/deepnoodle-ai/hogpipe/filters"
	"github.com/deepnoodle-ai/hogpipe/slogger"
	"github.com/deepnoodle-ai/hogpipe/watcher"
	"github.com/gobwas/glob"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
)

// DefaultMaxAsyncSteps caps external calls per invocation unless overridden.
const DefaultMaxAsyncSteps = 5

// HealthSource provides cached health states for the hot execution path.
// The watcher implements it.
type HealthSource interface {
	CachedState(functionID string) watcher.HealthState
}

// MockFunction simulates an async call during test/dry-run invocations.
type MockFunction func(args []interface{}) interface{}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Manager hogpipe.Manager
	Health  HealthSource
	Filters *filters.Matcher
	Logger  slogger.Logger

	// AsyncExecutors maps async function names (such as "fetch") to the
	// collaborator that performs them.
	AsyncExecutors map[string]hogpipe.DestinationExecutor

	// KindExecutors maps function kinds that bypass the interpreter
	// (legacy_plugin, native) to their dedicated collaborator.
	KindExecutors map[hogpipe.FunctionKind]hogpipe.DestinationExecutor

	// MaxAsyncSteps is the default per-invocation budget of external calls.
	MaxAsyncSteps int

	Now func() time.Time
}

// ExecuteOptions carries per-call execution flags.
type ExecuteOptions struct {
	// AllowedAsyncFunctions is a glob whitelist of permitted async function
	// names. Empty disables all async calls, which is how "filters only"
	// contexts run.
	AllowedAsyncFunctions []string

	// MaxAsyncSteps overrides the executor default when positive.
	MaxAsyncSteps int

	// Mocks simulates async calls instead of performing them. Non-nil
	// marks the invocation as a dry run.
	Mocks map[string]MockFunction

	// InputOverrides is caller-supplied configuration merged over the
	// function's declared input defaults.
	InputOverrides map[string]interface{}
}

// Executor runs Hog functions.
type Executor struct {
	manager       hogpipe.Manager
	health        HealthSource
	filters       *filters.Matcher
	logger        slogger.Logger
	asyncExecs    map[string]hogpipe.DestinationExecutor
	kindExecs     map[hogpipe.FunctionKind]hogpipe.DestinationExecutor
	maxAsyncSteps int
	now           func() time.Time
	programs      sync.Map // cache key -> *compiler.Code
}

// NewExecutor creates an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Filters == nil {
		opts.Filters = filters.NewMatcher(filters.MatcherOptions{Logger: opts.Logger})
	}
	if opts.MaxAsyncSteps <= 0 {
		opts.MaxAsyncSteps = DefaultMaxAsyncSteps
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		manager:       opts.Manager,
		health:        opts.Health,
		filters:       opts.Filters,
		logger:        opts.Logger,
		asyncExecs:    opts.AsyncExecutors,
		kindExecs:     opts.KindExecutors,
		maxAsyncSteps: opts.MaxAsyncSteps,
		now:           opts.Now,
	}, nil
}

// Execute runs one invocation to completion. Interpreter and destination
// errors are captured on the result, never returned; the error return is
// reserved for caller mistakes such as unknown function ids.
func (e *Executor) Execute(ctx context.Context, inv *hogpipe.Invocation, opts ExecuteOptions) (*hogpipe.InvocationResult, error) {
	fn, err := e.manager.FetchFunction(ctx, inv.FunctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load function %s: %w", inv.FunctionID, err)
	}
	if fn.TeamID != inv.TeamID || fn.Deleted {
		return nil, fmt.Errorf("function %s: %w", inv.FunctionID, hogpipe.ErrNotFound)
	}
	return e.ExecuteFunction(ctx, inv, fn, opts)
}

// ExecuteFunction runs one invocation against an already-resolved function.
func (e *Executor) ExecuteFunction(ctx context.Context, inv *hogpipe.Invocation, fn *hogpipe.HogFunction, opts ExecuteOptions) (*hogpipe.InvocationResult, error) {
	result := hogpipe.NewInvocationResult(inv)
	started := e.now()
	defer func() {
		result.SyncDuration = e.now().Sub(started) - result.AsyncDuration
		result.Logs = inv.Logs
	}()

	if !fn.Enabled {
		inv.Log(hogpipe.LogLevelInfo, "Function is disabled, skipping")
		result.Status = hogpipe.StatusSkipped
		return result, nil
	}

	// Health gate: functions the watcher has disabled never execute.
	if e.health != nil {
		switch e.health.CachedState(fn.ID) {
		case watcher.StateDisabledPermanently:
			inv.Log(hogpipe.LogLevelWarn, "Function is disabled permanently, skipping")
			result.Count(hogpipe.MetricDisabledPermanently)
			result.Status = hogpipe.StatusSkipped
			return result, nil
		case watcher.StateDisabledForPeriod:
			inv.Log(hogpipe.LogLevelWarn, "Function is disabled temporarily, skipping")
			result.Count(hogpipe.MetricDisabledTemporarily)
			result.Status = hogpipe.StatusSkipped
			return result, nil
		}
	}

	inputs, err := resolveInputs(fn, opts.InputOverrides)
	if err != nil {
		result.AddError(err.Error(), false)
		result.Count(hogpipe.MetricFailed)
		return result, nil
	}

	// Filtering happens before any side-effecting call: unmatched triggers
	// never reach rate limiting, async calls, or health accounting.
	globals := filters.GlobalsFromTrigger(inv.Globals)
	match := e.filters.Match(ctx, fn.Filter, globals)
	inv.Logs = append(inv.Logs, match.Logs...)
	if match.Error != nil {
		result.Count(hogpipe.MetricFilteringFailed)
		result.Status = hogpipe.StatusFiltered
		return result, nil
	}
	if !match.Match {
		inv.Log(hogpipe.LogLevelDebug, "Event filtered out by function filter")
		result.Count(hogpipe.MetricFiltered)
		result.Status = hogpipe.StatusFiltered
		return result, nil
	}

	switch fn.Kind {
	case hogpipe.KindDestination, hogpipe.KindInternalDestination, hogpipe.KindEmail:
		e.runProgram(ctx, inv, fn, inputs, globals, opts, result)
	case hogpipe.KindLegacyPlugin, hogpipe.KindNative:
		e.runDelegated(ctx, inv, fn, result)
	case hogpipe.KindTransformation:
		result.AddError("transformation functions run through ExecuteTransformations", false)
	default:
		result.AddError(fmt.Sprintf("unknown function kind %q", fn.Kind), false)
	}

	if result.Failed() {
		result.Count(hogpipe.MetricFailed)
	} else if result.Status == hogpipe.StatusOK {
		result.Count(hogpipe.MetricSucceeded)
	}
	return result, nil
}

// runDelegated dispatches legacy-plugin and native functions to their
// collaborator. They bypass the interpreter but were already subject to the
// same filter and health gating.
func (e *Executor) runDelegated(ctx context.Context, inv *hogpipe.Invocation, fn *hogpipe.HogFunction, result *hogpipe.InvocationResult) {
	executor, ok := e.kindExecs[fn.Kind]
	if !ok {
		result.AddError(fmt.Sprintf("no executor registered for kind %q", fn.Kind), false)
		return
	}
	started := e.now()
	resp, err := executor.Execute(ctx, &hogpipe.DestinationRequest{
		Invocation: inv,
		Function:   fn,
	})
	result.AsyncDuration += e.now().Sub(started)
	if err != nil {
		inv.Log(hogpipe.LogLevelError, "Function delegate failed: %s", err)
		result.AddError(err.Error(), false)
		return
	}
	inv.Log(hogpipe.LogLevelInfo, "Function completed")
	result.ExecResult = resp
}

// runProgram evaluates the function's compiled program with async host
// functions installed per the whitelist.
func (e *Executor) runProgram(ctx context.Context, inv *hogpipe.Invocation, fn *hogpipe.HogFunction, inputs map[string]interface{}, globals filters.Globals, opts ExecuteOptions, result *hogpipe.InvocationResult) {
	maxSteps := e.maxAsyncSteps
	if opts.MaxAsyncSteps > 0 {
		maxSteps = opts.MaxAsyncSteps
	}

	programGlobals := map[string]any{"inputs": inputs}
	for name, value := range globals {
		programGlobals[name] = value
	}

	budget := &stepBudget{max: maxSteps}
	for name := range e.asyncExecs {
		programGlobals[name] = e.asyncBuiltin(name, inv, fn, opts, budget, result)
	}
	for name := range opts.Mocks {
		if _, registered := e.asyncExecs[name]; !registered {
			programGlobals[name] = e.asyncBuiltin(name, inv, fn, opts, budget, result)
		}
	}
	if fn.Kind == hogpipe.KindDestination || fn.Kind == hogpipe.KindInternalDestination {
		programGlobals["enqueue"] = e.enqueueBuiltin(inv, result)
	}

	code, err := e.compiled(ctx, fn.Program, eval.GlobalNames(programGlobals))
	if err != nil {
		inv.Log(hogpipe.LogLevelError, "Function program is invalid: %s", err)
		result.AddError(err.Error(), false)
		return
	}

	value, err := eval.Run(ctx, code, programGlobals)
	if err != nil {
		if budget.exceeded {
			inv.Log(hogpipe.LogLevelError, "Function exceeded maximum async steps (%d)", maxSteps)
			result.Count(hogpipe.MetricMaxAsyncStepsReached)
			result.AddError(hogpipe.ErrMaxAsyncSteps.Error(), true)
			return
		}
		inv.Log(hogpipe.LogLevelError, "Function failed: %s", err)
		result.AddError(err.Error(), false)
		return
	}
	inv.Log(hogpipe.LogLevelInfo, "Function completed")
	result.ExecResult = value
}

type stepBudget struct {
	exceeded bool
	max      int
}

// asyncBuiltin wraps one async function name as a host builtin that counts
// steps, enforces the whitelist, and dispatches to the collaborator or a
// mock.
func (e *Executor) asyncBuiltin(name string, inv *hogpipe.Invocation, fn *hogpipe.HogFunction, opts ExecuteOptions, budget *stepBudget, result *hogpipe.InvocationResult) *object.Builtin {
	allowed := matchesAny(name, opts.AllowedAsyncFunctions)
	return object.NewBuiltin(name, func(ctx context.Context, args ...object.Object) object.Object {
		if !allowed {
			if opts.Mocks != nil {
				inv.Log(hogpipe.LogLevelWarn, "Async function '%s' is not permitted here, ignoring", name)
				return object.Nil
			}
			return object.Errorf("async function %q is not permitted", name)
		}
		if inv.AsyncStepCount >= budget.max {
			budget.exceeded = true
			return object.Errorf("%s", hogpipe.ErrMaxAsyncSteps.Error())
		}
		inv.AsyncStepCount++

		goArgs := make([]interface{}, len(args))
		for i, arg := range args {
			goArgs[i] = arg.Interface()
		}

		if mock, ok := opts.Mocks[name]; ok {
			inv.Log(hogpipe.LogLevelInfo, "Async function '%s' was mocked", name)
			return object.FromGoType(mock(goArgs))
		}

		executor := e.asyncExecs[name]
		if executor == nil {
			return object.Errorf("async function %q has no executor", name)
		}
		started := e.now()
		resp, err := executor.Execute(ctx, &hogpipe.DestinationRequest{
			Invocation: inv,
			Function:   fn,
			Name:       name,
			Args:       goArgs,
		})
		result.AsyncDuration += e.now().Sub(started)
		if err != nil {
			return object.Errorf("%s failed: %s", name, err.Error())
		}
		inv.Log(hogpipe.LogLevelInfo, "Async function '%s' completed", name)
		headers := make(map[string]interface{}, len(resp.Headers))
		for key, value := range resp.Headers {
			headers[key] = value
		}
		return object.FromGoType(map[string]interface{}{
			"status":  resp.Status,
			"body":    resp.Body,
			"headers": headers,
		})
	})
}

// enqueueBuiltin lets destination programs fan out: enqueue(functionID,
// variables) queues an independent sub-invocation subject to the same
// filter and step-count rules when it later executes.
func (e *Executor) enqueueBuiltin(inv *hogpipe.Invocation, result *hogpipe.InvocationResult) *object.Builtin {
	return object.NewBuiltin("enqueue", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 1 {
			return object.Errorf("enqueue requires a function id")
		}
		functionID, ok := args[0].Interface().(string)
		if !ok || functionID == "" {
			return object.Errorf("enqueue function id must be a non-empty string")
		}
		globals := *inv.Globals
		if len(args) > 1 {
			if variables, ok := args[1].Interface().(map[string]interface{}); ok {
				globals.Variables = variables
			}
		}
		sub := hogpipe.NewInvocation(hogpipe.InvocationOptions{
			TeamID:     inv.TeamID,
			FunctionID: functionID,
			Globals:    &globals,
		})
		result.Queued = append(result.Queued, sub)
		inv.Log(hogpipe.LogLevelDebug, "Queued sub-invocation of function %s", functionID)
		return object.Nil
	})
}

func (e *Executor) compiled(ctx context.Context, source string, globalNames []string) (*compiler.Code, error) {
	key := source + "\x00" + strings.Join(globalNames, ",")
	if cached, ok := e.programs.Load(key); ok {
		return cached.(*compiler.Code), nil
	}
	code, err := eval.Compile(ctx, source, globalNames)
	if err != nil {
		return nil, err
	}
	e.programs.Store(key, code)
	return code, nil
}

// resolveInputs merges declared defaults with caller overrides. Secrets are
// resolved here and never echoed into logs or results.
func resolveInputs(fn *hogpipe.HogFunction, overrides map[string]interface{}) (map[string]interface{}, error) {
	inputs := map[string]interface{}{}
	for _, field := range fn.Inputs {
		if field.Default != nil {
			inputs[field.Name] = field.Default
		}
	}
	for name, value := range overrides {
		inputs[name] = value
	}
	for _, field := range fn.Inputs {
		if !field.Required {
			continue
		}
		if _, ok := inputs[field.Name]; !ok {
			return nil, fmt.Errorf("required input %q is missing", field.Name)
		}
	}
	return inputs, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		matcher, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		if matcher.Match(name) {
			return true
		}
	}
	return false
}

// Package flows sequences multi-action Hog flows. The executor runs exactly
// one action per pass and hands ownership to the checkpointer between
// passes, so a suspended flow can be resumed by any worker holding the
// invocation id. Message construction belongs to the destination
// collaborators; this package only sequences actions and propagates
// variables.
package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/execute"
	"github.com/deepnoodle-ai/hogpipe/filters"
	"github.com/deepnoodle-ai/hogpipe/slogger"
)

// DefaultMaxActionVisits bounds how often a single action may run within one
// flow invocation before the flow is declared errored.
const DefaultMaxActionVisits = 25

// FlowExecutorOptions configures a FlowExecutor.
type FlowExecutorOptions struct {
	Manager     hogpipe.Manager
	Functions   *execute.Executor
	Filters     *filters.Matcher
	Checkpoints Checkpointer
	Logger      slogger.Logger

	// MaxActionVisits overrides the per-action revisit bound when positive.
	MaxActionVisits int

	Now func() time.Time
}

// FlowExecutor advances flow invocations one action at a time.
type FlowExecutor struct {
	manager     hogpipe.Manager
	functions   *execute.Executor
	filters     *filters.Matcher
	checkpoints Checkpointer
	logger      slogger.Logger
	maxVisits   int
	now         func() time.Time
}

// NewFlowExecutor creates a FlowExecutor.
func NewFlowExecutor(opts FlowExecutorOptions) (*FlowExecutor, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if opts.Functions == nil {
		return nil, fmt.Errorf("function executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Filters == nil {
		opts.Filters = filters.NewMatcher(filters.MatcherOptions{Logger: opts.Logger})
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpointer()
	}
	if opts.MaxActionVisits <= 0 {
		opts.MaxActionVisits = DefaultMaxActionVisits
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &FlowExecutor{
		manager:     opts.Manager,
		functions:   opts.Functions,
		filters:     opts.Filters,
		checkpoints: opts.Checkpoints,
		logger:      opts.Logger,
		maxVisits:   opts.MaxActionVisits,
		now:         opts.Now,
	}, nil
}

// Resume reconstructs a suspended flow invocation from its checkpoint. The
// caller then drives it with ExecuteCurrentAction or Run.
func (e *FlowExecutor) Resume(ctx context.Context, invocationID string) (*hogpipe.Invocation, error) {
	checkpoint, err := e.checkpoints.Load(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	inv := hogpipe.NewInvocation(hogpipe.InvocationOptions{
		ID:      checkpoint.InvocationID,
		TeamID:  checkpoint.TeamID,
		FlowID:  checkpoint.FlowID,
		Globals: checkpoint.Globals,
	})
	inv.Flow = checkpoint.State
	return inv, nil
}

// ExecuteCurrentAction runs exactly one flow action to completion or
// suspension. A non-terminal result carries the next action pointer and has
// been checkpointed; the caller decides when to take the next pass.
func (e *FlowExecutor) ExecuteCurrentAction(ctx context.Context, inv *hogpipe.Invocation, opts execute.ExecuteOptions) (*hogpipe.InvocationResult, error) {
	result := hogpipe.NewInvocationResult(inv)
	started := e.now()
	defer func() {
		result.SyncDuration = e.now().Sub(started) - result.AsyncDuration
		result.Logs = inv.Logs
	}()

	flow, err := e.manager.GetHogFlow(ctx, inv.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", inv.FlowID, err)
	}
	if flow.TeamID != inv.TeamID {
		return nil, fmt.Errorf("flow %s: %w", inv.FlowID, hogpipe.ErrNotFound)
	}
	if !flow.Enabled {
		inv.Log(hogpipe.LogLevelInfo, "Flow is disabled, skipping")
		result.Status = hogpipe.StatusSkipped
		return result, nil
	}

	if inv.Flow == nil {
		entered, err := e.enterFlow(ctx, inv, flow, result)
		if err != nil || !entered {
			return result, err
		}
	}
	state := inv.Flow

	action, ok := flow.Action(state.CurrentActionID)
	if !ok {
		return e.errored(ctx, inv, result, fmt.Sprintf("flow action %q does not exist", state.CurrentActionID))
	}
	state.VisitedActions[action.ID]++
	if state.VisitedActions[action.ID] > e.maxVisits {
		return e.errored(ctx, inv, result, fmt.Sprintf("flow action %q exceeded %d visits", action.ID, e.maxVisits))
	}

	if action.Filter != "" {
		match := e.filters.Match(ctx, action.Filter, e.flowGlobals(inv))
		inv.Logs = append(inv.Logs, match.Logs...)
		if match.Error != nil {
			result.Count(hogpipe.MetricFilteringFailed)
			return e.errored(ctx, inv, result, fmt.Sprintf("flow action %q filter failed: %s", action.ID, match.Error))
		}
		if !match.Match {
			inv.Log(hogpipe.LogLevelDebug, "Flow action '%s' filtered out, advancing", action.Name)
			return e.advance(ctx, inv, flow, action, result)
		}
	}

	switch action.Kind {
	case hogpipe.FlowActionFunction:
		if err := e.runFunctionAction(ctx, inv, action, opts, result); err != nil {
			return e.errored(ctx, inv, result, err.Error())
		}
		return e.advance(ctx, inv, flow, action, result)

	case hogpipe.FlowActionDelay:
		return e.suspend(ctx, inv, flow, action, result)

	case hogpipe.FlowActionConditional:
		// Routing happens entirely through the edge conditions.
		return e.advance(ctx, inv, flow, action, result)

	case hogpipe.FlowActionExit:
		inv.Log(hogpipe.LogLevelInfo, "Flow exited at action '%s'", action.Name)
		return e.finished(ctx, inv, result)

	default:
		return e.errored(ctx, inv, result, fmt.Sprintf("unknown flow action kind %q", action.Kind))
	}
}

// Run drives ExecuteCurrentAction until the flow finishes, errors, or
// suspends. Suspended flows return with StatusSuspended and a wake time;
// callers re-enter later via Resume. The returned result carries everything
// the passes produced: queued sub-invocations, metrics, and durations are
// folded together rather than reporting the final pass alone.
func (e *FlowExecutor) Run(ctx context.Context, inv *hogpipe.Invocation, opts execute.ExecuteOptions) (*hogpipe.InvocationResult, error) {
	var queued []*hogpipe.Invocation
	metrics := map[string]int{}
	var syncTotal, asyncTotal time.Duration
	for {
		result, err := e.ExecuteCurrentAction(ctx, inv, opts)
		if err != nil {
			return nil, err
		}
		queued = append(queued, result.Queued...)
		for name, count := range result.Metrics {
			metrics[name] += count
		}
		syncTotal += result.SyncDuration
		asyncTotal += result.AsyncDuration
		if result.Status != hogpipe.StatusOK || result.NextActionID == "" {
			result.Queued = queued
			result.Metrics = metrics
			result.SyncDuration = syncTotal
			result.AsyncDuration = asyncTotal
			return result, nil
		}
	}
}

// enterFlow initializes flow state on the first pass: trigger filter, entry
// action, seed variables. Returns false when the pass is already terminal.
func (e *FlowExecutor) enterFlow(ctx context.Context, inv *hogpipe.Invocation, flow *hogpipe.HogFlow, result *hogpipe.InvocationResult) (bool, error) {
	variables := map[string]interface{}{}
	for name, value := range flow.Variables {
		variables[name] = value
	}
	if inv.Globals != nil {
		for name, value := range inv.Globals.Variables {
			variables[name] = value
		}
	}
	inv.Flow = &hogpipe.FlowState{
		Variables:      variables,
		VisitedActions: map[string]int{},
	}

	match := e.filters.Match(ctx, flow.Trigger, e.flowGlobals(inv))
	inv.Logs = append(inv.Logs, match.Logs...)
	if match.Error != nil {
		result.Count(hogpipe.MetricFilteringFailed)
		result.Status = hogpipe.StatusFiltered
		return false, nil
	}
	if !match.Match {
		inv.Log(hogpipe.LogLevelDebug, "Trigger filtered out by flow filter")
		result.Count(hogpipe.MetricFiltered)
		result.Status = hogpipe.StatusFiltered
		return false, nil
	}

	first, ok := flow.FirstAction()
	if !ok {
		_, err := e.finished(ctx, inv, result)
		return false, err
	}
	inv.Flow.CurrentActionID = first.ID
	return true, nil
}

// runFunctionAction invokes the referenced Hog function with the flow's
// variables in scope and captures its result as a flow variable named after
// the action.
func (e *FlowExecutor) runFunctionAction(ctx context.Context, inv *hogpipe.Invocation, action *hogpipe.FlowAction, opts execute.ExecuteOptions, result *hogpipe.InvocationResult) error {
	if action.FunctionID == "" {
		return fmt.Errorf("flow action %q does not reference a function", action.ID)
	}

	globals := hogpipe.TriggerGlobals{Variables: inv.Flow.Variables}
	if inv.Globals != nil {
		globals.Event = inv.Globals.Event
		globals.Person = inv.Globals.Person
		globals.Groups = inv.Globals.Groups
		globals.Project = inv.Globals.Project
	}
	sub := hogpipe.NewInvocation(hogpipe.InvocationOptions{
		TeamID:     inv.TeamID,
		FunctionID: action.FunctionID,
		Globals:    &globals,
	})

	if len(action.Inputs) > 0 {
		merged := map[string]interface{}{}
		for name, value := range action.Inputs {
			merged[name] = value
		}
		for name, value := range opts.InputOverrides {
			merged[name] = value
		}
		opts.InputOverrides = merged
	}

	subResult, err := e.functions.Execute(ctx, sub, opts)
	if err != nil {
		return fmt.Errorf("flow action %q: %w", action.ID, err)
	}
	inv.Logs = append(inv.Logs, subResult.Logs...)
	for name, count := range subResult.Metrics {
		result.Metrics[name] += count
	}
	result.Queued = append(result.Queued, subResult.Queued...)
	result.AsyncDuration += subResult.AsyncDuration
	inv.AsyncStepCount += sub.AsyncStepCount

	if subResult.Failed() {
		return fmt.Errorf("flow action %q failed: %s", action.ID, subResult.Errors[0].Message)
	}
	if subResult.ExecResult != nil {
		inv.Flow.Variables[action.ID] = subResult.ExecResult
	}
	inv.Log(hogpipe.LogLevelInfo, "Flow action '%s' completed", action.Name)
	return nil
}

// advance selects the next action via the current action's edges and
// checkpoints the invocation. No matching edge means the flow is finished.
func (e *FlowExecutor) advance(ctx context.Context, inv *hogpipe.Invocation, flow *hogpipe.HogFlow, action *hogpipe.FlowAction, result *hogpipe.InvocationResult) (*hogpipe.InvocationResult, error) {
	nextID, err := e.chooseNext(ctx, inv, action)
	if err != nil {
		return e.errored(ctx, inv, result, err.Error())
	}
	if nextID == "" {
		return e.finished(ctx, inv, result)
	}
	if _, ok := flow.Action(nextID); !ok {
		return e.errored(ctx, inv, result, fmt.Sprintf("flow action %q routes to unknown action %q", action.ID, nextID))
	}
	inv.Flow.CurrentActionID = nextID
	result.NextActionID = nextID
	if err := e.checkpoint(ctx, inv); err != nil {
		return nil, err
	}
	return result, nil
}

// chooseNext evaluates the action's edges in order: an empty condition takes
// the edge unconditionally, otherwise the condition is evaluated over the
// flow globals. A condition that fails to evaluate errors the flow.
func (e *FlowExecutor) chooseNext(ctx context.Context, inv *hogpipe.Invocation, action *hogpipe.FlowAction) (string, error) {
	globals := e.flowGlobals(inv)
	for _, edge := range action.Next {
		if edge.Condition == "" {
			return edge.ActionID, nil
		}
		match := e.filters.Match(ctx, edge.Condition, globals)
		inv.Logs = append(inv.Logs, match.Logs...)
		if match.Error != nil {
			return "", fmt.Errorf("flow action %q edge condition failed: %s", action.ID, match.Error)
		}
		if match.Match {
			return edge.ActionID, nil
		}
	}
	return "", nil
}

// suspend records the wake time, moves the pointer past the delay action,
// and checkpoints so another worker can resume after the delay elapses.
func (e *FlowExecutor) suspend(ctx context.Context, inv *hogpipe.Invocation, flow *hogpipe.HogFlow, action *hogpipe.FlowAction, result *hogpipe.InvocationResult) (*hogpipe.InvocationResult, error) {
	nextID, err := e.chooseNext(ctx, inv, action)
	if err != nil {
		return e.errored(ctx, inv, result, err.Error())
	}
	if nextID == "" {
		// A trailing delay has nothing to wake up for.
		return e.finished(ctx, inv, result)
	}
	if _, ok := flow.Action(nextID); !ok {
		return e.errored(ctx, inv, result, fmt.Sprintf("flow action %q routes to unknown action %q", action.ID, nextID))
	}

	wakeAt := e.now().Add(time.Duration(action.DelaySeconds * float64(time.Second)))
	inv.Flow.CurrentActionID = nextID
	inv.Flow.ScheduledWakeAt = wakeAt
	if err := e.checkpoint(ctx, inv); err != nil {
		return nil, err
	}

	inv.Log(hogpipe.LogLevelInfo, "Flow suspended at action '%s' until %s", action.Name, wakeAt.Format(time.RFC3339))
	result.Status = hogpipe.StatusSuspended
	result.NextActionID = nextID
	result.WakeAt = wakeAt
	return result, nil
}

func (e *FlowExecutor) checkpoint(ctx context.Context, inv *hogpipe.Invocation) error {
	err := e.checkpoints.Save(ctx, &Checkpoint{
		InvocationID: inv.ID,
		TeamID:       inv.TeamID,
		FlowID:       inv.FlowID,
		Globals:      inv.Globals,
		State:        inv.Flow,
		UpdatedAt:    e.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to checkpoint invocation %s: %w", inv.ID, err)
	}
	return nil
}

func (e *FlowExecutor) finished(ctx context.Context, inv *hogpipe.Invocation, result *hogpipe.InvocationResult) (*hogpipe.InvocationResult, error) {
	if err := e.checkpoints.Delete(ctx, inv.ID); err != nil {
		e.logger.Warn("failed to delete flow checkpoint", "invocation_id", inv.ID, "error", err)
	}
	inv.Log(hogpipe.LogLevelInfo, "Flow finished")
	result.Status = hogpipe.StatusOK
	result.NextActionID = ""
	result.Count(hogpipe.MetricSucceeded)
	return result, nil
}

func (e *FlowExecutor) errored(ctx context.Context, inv *hogpipe.Invocation, result *hogpipe.InvocationResult, message string) (*hogpipe.InvocationResult, error) {
	if err := e.checkpoints.Delete(ctx, inv.ID); err != nil {
		e.logger.Warn("failed to delete flow checkpoint", "invocation_id", inv.ID, "error", err)
	}
	inv.Log(hogpipe.LogLevelError, "Flow errored: %s", message)
	result.AddError(message, false)
	result.Count(hogpipe.MetricFailed)
	result.NextActionID = ""
	return result, nil
}

// flowGlobals projects the trigger context plus the flow's live variables
// into filter globals.
func (e *FlowExecutor) flowGlobals(inv *hogpipe.Invocation) filters.Globals {
	merged := hogpipe.TriggerGlobals{}
	if inv.Globals != nil {
		merged = *inv.Globals
	}
	if inv.Flow != nil && len(inv.Flow.Variables) > 0 {
		merged.Variables = inv.Flow.Variables
	}
	return filters.GlobalsFromTrigger(&merged)
}

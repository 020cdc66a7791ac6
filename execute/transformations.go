package execute

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/eval"
	"github.com/deepnoodle-ai/hogpipe/filters"
	"github.com/spf13/cast"
)

// Event property keys recording transformation outcomes for downstream
// visibility.
const (
	TransformationsSucceeded = "$transformations_succeeded"
	TransformationsFailed    = "$transformations_failed"
	TransformationsSkipped   = "$transformations_skipped"
)

// TransformationResult is the outcome of threading one event through a
// team's transformation functions.
type TransformationResult struct {
	Event     *hogpipe.Event
	Succeeded []string
	Failed    []string
	Skipped   []string
	Logs      []hogpipe.LogEntry
	Metrics   map[string]int
}

// ExecuteTransformations threads a mutable event through the team's
// transformation functions in declared order. A transformation may rewrite
// the event name, distinct id, or properties. A missing or invalid
// properties object is a hard failure for that transformation: it is
// skipped, the failure recorded, and processing continues with the next
// one. Outcomes are annotated on the event's properties.
func (e *Executor) ExecuteTransformations(ctx context.Context, teamID int, event *hogpipe.Event, opts ExecuteOptions) (*TransformationResult, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	functions, err := e.manager.GetFunctionsForTeam(ctx, teamID, []hogpipe.FunctionKind{hogpipe.KindTransformation})
	if err != nil {
		return nil, fmt.Errorf("failed to load transformations for team %d: %w", teamID, err)
	}

	result := &TransformationResult{Event: event, Metrics: map[string]int{}}
	log := func(level hogpipe.LogLevel, format string, args ...interface{}) {
		result.Logs = append(result.Logs, hogpipe.LogEntry{
			Level:     level,
			Message:   fmt.Sprintf(format, args...),
			Timestamp: e.now(),
		})
	}

	for _, fn := range functions {
		if !fn.Enabled || fn.Deleted {
			continue
		}
		if e.health != nil && e.health.CachedState(fn.ID).Disabled() {
			result.Skipped = append(result.Skipped, fn.Name)
			log(hogpipe.LogLevelWarn, "Transformation '%s' is disabled by the watcher, skipping", fn.Name)
			continue
		}

		globals := filters.GlobalsFromTrigger(&hogpipe.TriggerGlobals{Event: event})
		match := e.filters.Match(ctx, fn.Filter, globals)
		result.Logs = append(result.Logs, match.Logs...)
		if match.Error != nil {
			result.Metrics[hogpipe.MetricFilteringFailed]++
			result.Skipped = append(result.Skipped, fn.Name)
			continue
		}
		if !match.Match {
			result.Skipped = append(result.Skipped, fn.Name)
			log(hogpipe.LogLevelDebug, "Transformation '%s' filtered out", fn.Name)
			continue
		}

		payload, err := e.runTransformation(ctx, fn, globals)
		if err != nil {
			result.Failed = append(result.Failed, fn.Name)
			result.Metrics[hogpipe.MetricFailed]++
			log(hogpipe.LogLevelError, "Transformation '%s' failed: %s", fn.Name, err)
			continue
		}
		applyTransformation(event, payload)
		result.Succeeded = append(result.Succeeded, fn.Name)
		result.Metrics[hogpipe.MetricSucceeded]++
		log(hogpipe.LogLevelDebug, "Transformation '%s' succeeded", fn.Name)
	}

	annotate(event, TransformationsSucceeded, result.Succeeded)
	annotate(event, TransformationsFailed, result.Failed)
	annotate(event, TransformationsSkipped, result.Skipped)
	return result, nil
}

// runTransformation evaluates one transformation and validates its return
// payload. Transformations never perform async calls.
func (e *Executor) runTransformation(ctx context.Context, fn *hogpipe.HogFunction, globals filters.Globals) (map[string]interface{}, error) {
	programGlobals := map[string]any{"inputs": map[string]interface{}{}}
	for name, value := range globals {
		programGlobals[name] = value
	}
	code, err := e.compiled(ctx, fn.Program, eval.GlobalNames(programGlobals))
	if err != nil {
		return nil, fmt.Errorf("invalid program: %w", err)
	}
	value, err := eval.Run(ctx, code, programGlobals)
	if err != nil {
		return nil, err
	}
	payload, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transformation must return an event object")
	}
	properties, ok := payload["properties"].(map[string]interface{})
	if !ok || properties == nil {
		return nil, fmt.Errorf("transformation result is missing a valid properties object")
	}
	return payload, nil
}

func applyTransformation(event *hogpipe.Event, payload map[string]interface{}) {
	if name := cast.ToString(payload["event"]); name != "" {
		event.Name = name
	}
	if distinctID := cast.ToString(payload["distinct_id"]); distinctID != "" {
		event.DistinctID = distinctID
	}
	event.Properties = payload["properties"].(map[string]interface{})
}

func annotate(event *hogpipe.Event, key string, names []string) {
	if len(names) == 0 {
		return
	}
	if event.Properties == nil {
		event.Properties = map[string]interface{}{}
	}
	event.Properties[key] = names
}

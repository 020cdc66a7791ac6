package hogpipe

import "time"

// InvocationStatus is the terminal classification of one execution pass.
type InvocationStatus string

const (
	// StatusOK means the pass completed successfully.
	StatusOK InvocationStatus = "ok"

	// StatusError means the pass failed; Errors holds the details.
	StatusError InvocationStatus = "error"

	// StatusFiltered means the trigger did not match the filter; nothing
	// was executed.
	StatusFiltered InvocationStatus = "filtered"

	// StatusSkipped means the function was not run for a reason other than
	// filtering, such as being disabled by the health watcher.
	StatusSkipped InvocationStatus = "skipped"

	// StatusSuspended means a flow pass stopped at a suspension point and
	// will be resumed later.
	StatusSuspended InvocationStatus = "suspended"
)

// Metric names emitted on invocation results. Callers flush these to the
// monitoring sink keyed by team and function.
const (
	MetricSucceeded            = "succeeded"
	MetricFailed               = "failed"
	MetricFiltered             = "filtered"
	MetricFilteringFailed      = "filtering_failed"
	MetricDisabledTemporarily  = "disabled_temporarily"
	MetricDisabledPermanently  = "disabled_permanently"
	MetricMaxAsyncStepsReached = "max_async_steps_reached"
)

// InvocationError is one structured error captured during a pass. Errors are
// attached to the result; they never raise past the executor boundary.
type InvocationError struct {
	Message string `json:"message"`
	// Fatal marks the invocation as not retryable, e.g. an exceeded async
	// step budget.
	Fatal bool `json:"fatal,omitempty"`
}

func (e InvocationError) Error() string { return e.Message }

// InvocationResult is the output of one execution pass.
type InvocationResult struct {
	Invocation *Invocation       `json:"invocation"`
	Status     InvocationStatus  `json:"status"`
	Logs       []LogEntry        `json:"logs,omitempty"`
	Errors     []InvocationError `json:"errors,omitempty"`

	// ExecResult is the function's return value, e.g. an HTTP response
	// description or a transformed event.
	ExecResult interface{} `json:"exec_result,omitempty"`

	// Metrics holds named counters such as "filtered" or "succeeded".
	Metrics map[string]int `json:"metrics,omitempty"`

	// Queued holds sub-invocations produced by a fan-out, each independently
	// subject to the same filter and step-count rules.
	Queued []*Invocation `json:"queued,omitempty"`

	// NextActionID and WakeAt are set for flow passes that have not reached
	// a terminal state.
	NextActionID string    `json:"next_action_id,omitempty"`
	WakeAt       time.Time `json:"wake_at,omitzero"`

	// Durations observed during the pass, fed to the health watcher.
	SyncDuration  time.Duration `json:"-"`
	AsyncDuration time.Duration `json:"-"`
}

// NewInvocationResult creates an empty result for the given invocation.
func NewInvocationResult(inv *Invocation) *InvocationResult {
	return &InvocationResult{
		Invocation: inv,
		Status:     StatusOK,
		Metrics:    map[string]int{},
	}
}

// Count increments the named metric counter.
func (r *InvocationResult) Count(name string) {
	if r.Metrics == nil {
		r.Metrics = map[string]int{}
	}
	r.Metrics[name]++
}

// AddError records a structured error and marks the result failed.
func (r *InvocationResult) AddError(message string, fatal bool) {
	r.Errors = append(r.Errors, InvocationError{Message: message, Fatal: fatal})
	r.Status = StatusError
}

// Failed reports whether the pass recorded any errors.
func (r *InvocationResult) Failed() bool {
	return len(r.Errors) > 0
}

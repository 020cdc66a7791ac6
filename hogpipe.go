package hogpipe

import (
	"context"
	"errors"
)

// FunctionKind identifies how a Hog function is executed. The set is closed:
// the executor selects a handler with a single switch over this tag.
type FunctionKind string

const (
	KindDestination         FunctionKind = "destination"
	KindInternalDestination FunctionKind = "internal_destination"
	KindTransformation      FunctionKind = "transformation"
	KindEmail               FunctionKind = "email"
	KindLegacyPlugin        FunctionKind = "legacy_plugin"
	KindNative              FunctionKind = "native"
)

var (
	// ErrNotFound indicates a function or flow lookup miss, including team
	// mismatches. A lookup never silently substitutes another tenant's
	// definition.
	ErrNotFound = errors.New("not found")

	// ErrMaxAsyncSteps indicates an invocation performed more external calls
	// than its configured budget. This is terminal for the invocation and is
	// never retried.
	ErrMaxAsyncSteps = errors.New("exceeded maximum async steps")
)

// InputField declares one input accepted by a Hog function. Secret inputs
// are resolved server-side and are never echoed back in logs or results.
type InputField struct {
	Name     string      `json:"name"`
	Type     string      `json:"type,omitempty"`
	Required bool        `json:"required,omitempty"`
	Secret   bool        `json:"secret,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// HogFunction is a tenant-authored compiled script with declared inputs, a
// filter, and a kind tag. Definitions are sourced from the Manager service
// and are immutable from the executor's point of view.
type HogFunction struct {
	ID          string       `json:"id"`
	TeamID      int          `json:"team_id"`
	Name        string       `json:"name"`
	Kind        FunctionKind `json:"kind"`
	Program     string       `json:"program"`
	Filter      string       `json:"filter,omitempty"`
	Inputs      []InputField `json:"inputs,omitempty"`
	Enabled     bool         `json:"enabled"`
	Deleted     bool         `json:"deleted,omitempty"`
	AutoDisable bool         `json:"auto_disable,omitempty"`
	Order       int          `json:"order,omitempty"`
}

// FlowActionKind identifies what a flow action does when executed.
type FlowActionKind string

const (
	FlowActionFunction    FlowActionKind = "function"
	FlowActionDelay       FlowActionKind = "delay"
	FlowActionConditional FlowActionKind = "conditional"
	FlowActionExit        FlowActionKind = "exit"
)

// FlowEdge connects a flow action to a possible successor. An empty
// Condition is unconditional; otherwise the condition is a compiled boolean
// expression over the flow's variables.
type FlowEdge struct {
	ActionID  string `json:"action_id"`
	Condition string `json:"condition,omitempty"`
}

// FlowAction is one named step in a Hog flow.
type FlowAction struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Kind         FlowActionKind         `json:"kind"`
	FunctionID   string                 `json:"function_id,omitempty"`
	DelaySeconds float64                `json:"delay_seconds,omitempty"`
	Filter       string                 `json:"filter,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Next         []FlowEdge             `json:"next,omitempty"`
}

// HogFlow is a directed sequence of named actions. Each action may itself
// invoke a Hog function.
type HogFlow struct {
	ID        string                 `json:"id"`
	TeamID    int                    `json:"team_id"`
	Name      string                 `json:"name"`
	Trigger   string                 `json:"trigger,omitempty"`
	Actions   []*FlowAction          `json:"actions"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	Enabled   bool                   `json:"enabled"`
}

// Action returns the flow action with the given id, if present.
func (f *HogFlow) Action(id string) (*FlowAction, bool) {
	for _, a := range f.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// FirstAction returns the entry action of the flow.
func (f *HogFlow) FirstAction() (*FlowAction, bool) {
	if len(f.Actions) == 0 {
		return nil, false
	}
	return f.Actions[0], true
}

// Manager provides read-only access to function and flow definitions. It is
// implemented by an external service; lookups are cached per worker and
// invalidated by a broadcast signal.
type Manager interface {
	// FetchFunction returns the function with the given id.
	FetchFunction(ctx context.Context, id string) (*HogFunction, error)

	// GetFunctionsForTeam returns a team's functions of the given kinds,
	// in their declared order.
	GetFunctionsForTeam(ctx context.Context, teamID int, kinds []FunctionKind) ([]*HogFunction, error)

	// GetHogFlow returns the flow with the given id.
	GetHogFlow(ctx context.Context, id string) (*HogFlow, error)
}

// DestinationRequest describes one side-effecting operation the interpreter
// asked for, or (for legacy_plugin and native kinds) the whole function to
// run out-of-interpreter.
type DestinationRequest struct {
	Invocation *Invocation
	Function   *HogFunction
	// Name is the async function name the program called, such as "fetch".
	// Empty when the whole function is dispatched to the collaborator.
	Name string
	Args []interface{}
}

// DestinationResponse is the outcome of a destination call.
type DestinationResponse struct {
	Status  int                    `json:"status,omitempty"`
	Body    interface{}            `json:"body,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// DestinationExecutor performs the actual side-effecting action (HTTP call,
// email, legacy plugin code, native code) on behalf of the execution core.
// Implementations own their timeout and backoff policy.
type DestinationExecutor interface {
	Execute(ctx context.Context, req *DestinationRequest) (*DestinationResponse, error)
}

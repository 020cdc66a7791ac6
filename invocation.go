package hogpipe

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogLevel classifies an invocation log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one ordered, append-only log line produced during an
// execution pass.
type LogEntry struct {
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the triggering analytics event.
type Event struct {
	UUID       string                 `json:"uuid,omitempty"`
	Name       string                 `json:"event"`
	DistinctID string                 `json:"distinct_id"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  time.Time              `json:"timestamp,omitzero"`
	URL        string                 `json:"url,omitempty"`
}

// Person is the person profile associated with the trigger, if known.
type Person struct {
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Group is one group-analytics group attached to the trigger.
type Group struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Project identifies the tenant project the trigger belongs to.
type Project struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// TriggerGlobals is the full context an invocation is evaluated against.
type TriggerGlobals struct {
	Event     *Event                 `json:"event,omitempty"`
	Person    *Person                `json:"person,omitempty"`
	Groups    map[string]*Group      `json:"groups,omitempty"`
	Project   *Project               `json:"project,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// FlowState is the flow-level portion of an invocation's state. It is the
// sole unit persisted between execution passes; resumption reconstructs an
// Invocation from it plus a new pass.
type FlowState struct {
	CurrentActionID string                 `json:"current_action_id,omitempty"`
	Variables       map[string]interface{} `json:"variables,omitempty"`
	VisitedActions  map[string]int         `json:"visited_actions,omitempty"`
	ScheduledWakeAt time.Time              `json:"scheduled_wake_at,omitzero"`
}

// Invocation is one attempt to run a function or flow against a trigger.
// It is exclusively owned by the executing worker for the duration of one
// execution pass.
type Invocation struct {
	ID         string          `json:"id"`
	TeamID     int             `json:"team_id"`
	FunctionID string          `json:"function_id,omitempty"`
	FlowID     string          `json:"flow_id,omitempty"`
	Globals    *TriggerGlobals `json:"globals,omitempty"`

	// AsyncStepCount tracks external calls made so far. It never exceeds
	// the configured maximum; exceeding it is a hard stop.
	AsyncStepCount int `json:"async_step_count"`

	Logs []LogEntry `json:"logs,omitempty"`
	Flow *FlowState `json:"flow,omitempty"`
}

// InvocationOptions configures a new Invocation.
type InvocationOptions struct {
	// ID may be supplied by the caller for idempotent retries from the API.
	// When empty a new id is generated.
	ID         string
	TeamID     int
	FunctionID string
	FlowID     string
	Globals    *TriggerGlobals
}

// NewInvocation creates an Invocation for a single trigger.
func NewInvocation(opts InvocationOptions) *Invocation {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	globals := opts.Globals
	if globals == nil {
		globals = &TriggerGlobals{}
	}
	return &Invocation{
		ID:         id,
		TeamID:     opts.TeamID,
		FunctionID: opts.FunctionID,
		FlowID:     opts.FlowID,
		Globals:    globals,
	}
}

// Log appends a formatted entry to the invocation's ordered log.
func (inv *Invocation) Log(level LogLevel, format string, args ...interface{}) {
	inv.Logs = append(inv.Logs, LogEntry{
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	})
}

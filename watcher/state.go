package watcher

import "time"

// HealthState is the derived health of a function.
type HealthState string

const (
	StateHealthy             HealthState = "healthy"
	StateDegraded            HealthState = "degraded"
	StateDisabledForPeriod   HealthState = "disabled_for_period"
	StateDisabledPermanently HealthState = "disabled_permanently"
)

// Severity orders states from healthy (0) upward. Operational listings sort
// by severity so the worst offenders come first.
func (s HealthState) Severity() int {
	switch s {
	case StateDegraded:
		return 1
	case StateDisabledForPeriod:
		return 2
	case StateDisabledPermanently:
		return 3
	default:
		return 0
	}
}

// Disabled reports whether a function in this state must not execute.
func (s HealthState) Disabled() bool {
	return s == StateDisabledForPeriod || s == StateDisabledPermanently
}

// PersistedState is the durable portion of a function's health record. It is
// only written for functions that have been disabled or administratively
// forced; healthy and degraded states are derived from the token bucket.
type PersistedState struct {
	State         HealthState `json:"state"`
	DisabledUntil time.Time   `json:"disabled_until,omitzero"`
	DisabledCount int         `json:"disabled_count,omitempty"`

	// Forced marks an administrative override; forced states are terminal
	// until an explicit reset.
	Forced bool `json:"forced,omitempty"`
}

// FunctionState is the full health record returned by the query surface.
type FunctionState struct {
	FunctionID    string      `json:"function_id"`
	State         HealthState `json:"state"`
	Tokens        float64     `json:"tokens"`
	DisabledUntil time.Time   `json:"disabled_until,omitzero"`
	DisabledCount int         `json:"disabled_count,omitempty"`
	Forced        bool        `json:"forced,omitempty"`
}

// Package filters decides whether a function, flow, or action applies to a
// given trigger. A filter is a compiled boolean expression over event,
// person, group, and variable context. Evaluation is side-effect-free:
// unmatched triggers never reach rate limiting, async calls, or health
// accounting.
package filters

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/eval"
	"github.com/deepnoodle-ai/hogpipe/slogger"
	"github.com/risor-io/risor/compiler"
)

// Globals is the context a filter is evaluated against.
type Globals map[string]any

// GlobalsFromTrigger projects trigger context into filter globals. Missing
// sections become empty values so filters never fail on absent context.
func GlobalsFromTrigger(g *hogpipe.TriggerGlobals) Globals {
	globals := Globals{
		"event":     map[string]any{},
		"person":    map[string]any{},
		"groups":    map[string]any{},
		"project":   map[string]any{},
		"variables": map[string]any{},
	}
	if g == nil {
		return globals
	}
	if g.Event != nil {
		globals["event"] = map[string]any{
			"uuid":        g.Event.UUID,
			"event":       g.Event.Name,
			"distinct_id": g.Event.DistinctID,
			"properties":  orEmpty(g.Event.Properties),
		}
	}
	if g.Person != nil {
		globals["person"] = map[string]any{
			"id":         g.Person.ID,
			"properties": orEmpty(g.Person.Properties),
		}
	}
	if len(g.Groups) > 0 {
		groups := map[string]any{}
		for key, group := range g.Groups {
			groups[key] = map[string]any{
				"id":         group.ID,
				"type":       group.Type,
				"properties": orEmpty(group.Properties),
			}
		}
		globals["groups"] = groups
	}
	if g.Project != nil {
		globals["project"] = map[string]any{
			"id":   g.Project.ID,
			"name": g.Project.Name,
			"url":  g.Project.URL,
		}
	}
	if len(g.Variables) > 0 {
		globals["variables"] = g.Variables
	}
	return globals
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// MatchResult is the outcome of a filter evaluation. A failing filter is a
// non-match with Error set; the caller is responsible for emitting the
// corresponding failure metric rather than halting the batch.
type MatchResult struct {
	Match bool
	Logs  []hogpipe.LogEntry
	Error error
}

// MatcherOptions configures a Matcher.
type MatcherOptions struct {
	Logger slogger.Logger
}

// Matcher evaluates filters, caching compiled expressions by source.
type Matcher struct {
	logger slogger.Logger
	cache  sync.Map // filter source -> *compiler.Code
}

// NewMatcher creates a Matcher.
func NewMatcher(opts MatcherOptions) *Matcher {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Matcher{logger: opts.Logger}
}

// Match evaluates the given filter source against the globals. An empty
// filter always matches. Malformed or failing filters surface as a
// non-match with Error set; Match never panics for well-formed input.
func (m *Matcher) Match(ctx context.Context, source string, globals Globals) (result MatchResult) {
	if source == "" {
		return MatchResult{Match: true}
	}

	defer func() {
		if r := recover(); r != nil {
			result = m.failure(fmt.Errorf("filter evaluation panicked: %v", r))
		}
	}()

	code, err := m.compiled(ctx, source, globals)
	if err != nil {
		return m.failure(fmt.Errorf("invalid filter: %w", err))
	}
	match, err := eval.RunBool(ctx, code, globals)
	if err != nil {
		// A filter that indexes context the trigger never supplied reads as
		// falsy, the same as a present-but-different value.
		if eval.IsMissingKey(err) {
			return MatchResult{Match: false}
		}
		return m.failure(fmt.Errorf("filter evaluation failed: %w", err))
	}
	return MatchResult{Match: match}
}

func (m *Matcher) compiled(ctx context.Context, source string, globals Globals) (*compiler.Code, error) {
	if cached, ok := m.cache.Load(source); ok {
		return cached.(*compiler.Code), nil
	}
	code, err := eval.Compile(ctx, source, eval.GlobalNames(globals))
	if err != nil {
		return nil, err
	}
	m.cache.Store(source, code)
	return code, nil
}

func (m *Matcher) failure(err error) MatchResult {
	m.logger.Warn("filter did not evaluate cleanly", "error", err)
	return MatchResult{
		Match: false,
		Error: err,
		Logs: []hogpipe.LogEntry{
			{Level: hogpipe.LogLevelError, Message: err.Error()},
		},
	}
}

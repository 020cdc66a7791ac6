package flows

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/execute"
	"github.com/stretchr/testify/require"
)

type fixtureManager struct {
	flows     map[string]*hogpipe.HogFlow
	functions map[string]*hogpipe.HogFunction
}

func (m *fixtureManager) FetchFunction(ctx context.Context, id string) (*hogpipe.HogFunction, error) {
	fn, ok := m.functions[id]
	if !ok {
		return nil, hogpipe.ErrNotFound
	}
	return fn, nil
}

func (m *fixtureManager) GetFunctionsForTeam(ctx context.Context, teamID int, kinds []hogpipe.FunctionKind) ([]*hogpipe.HogFunction, error) {
	return nil, nil
}

func (m *fixtureManager) GetHogFlow(ctx context.Context, id string) (*hogpipe.HogFlow, error) {
	flow, ok := m.flows[id]
	if !ok {
		return nil, hogpipe.ErrNotFound
	}
	return flow, nil
}

type flowFixture struct {
	executor    *FlowExecutor
	checkpoints *MemoryCheckpointer
	clock       *time.Time
}

func newFlowFixture(t *testing.T, manager *fixtureManager) *flowFixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	functions, err := execute.NewExecutor(execute.ExecutorOptions{
		Manager: manager,
		Now:     func() time.Time { return *clock },
	})
	require.NoError(t, err)
	checkpoints := NewMemoryCheckpointer()
	executor, err := NewFlowExecutor(FlowExecutorOptions{
		Manager:     manager,
		Functions:   functions,
		Checkpoints: checkpoints,
		Now:         func() time.Time { return *clock },
	})
	require.NoError(t, err)
	return &flowFixture{executor: executor, checkpoints: checkpoints, clock: clock}
}

func stepFunction(id, program string) *hogpipe.HogFunction {
	return &hogpipe.HogFunction{
		ID:      id,
		TeamID:  1,
		Name:    id,
		Kind:    hogpipe.KindDestination,
		Program: program,
		Enabled: true,
	}
}

func flowInvocation(flowID string) *hogpipe.Invocation {
	return hogpipe.NewInvocation(hogpipe.InvocationOptions{
		TeamID: 1,
		FlowID: flowID,
		Globals: &hogpipe.TriggerGlobals{
			Event: &hogpipe.Event{Name: "$pageview", DistinctID: "user-1"},
		},
	})
}

func TestFlowRunsToCompletion(t *testing.T) {
	manager := &fixtureManager{
		functions: map[string]*hogpipe.HogFunction{
			"fn-greet": stepFunction("fn-greet", `"hello"`),
		},
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "welcome", Enabled: true,
				Actions: []*hogpipe.FlowAction{
					{ID: "greet", Name: "greet", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-greet",
						Next: []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	inv := flowInvocation("flow-1")
	result, err := fixture.executor.Run(context.Background(), inv, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusOK, result.Status)
	require.Empty(t, result.NextActionID)
	require.Equal(t, "hello", inv.Flow.Variables["greet"])

	// Terminal flows leave no checkpoint behind.
	_, err = fixture.checkpoints.Load(context.Background(), inv.ID)
	require.ErrorIs(t, err, hogpipe.ErrNotFound)
}

func TestFlowRunGathersResultsAcrossActions(t *testing.T) {
	manager := &fixtureManager{
		functions: map[string]*hogpipe.HogFunction{
			"fn-fanout": stepFunction("fn-fanout", "enqueue(\"fn-child\")\n\"queued\""),
		},
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "fan out", Enabled: true,
				Actions: []*hogpipe.FlowAction{
					{ID: "fanout", Name: "fanout", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-fanout",
						Next: []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	inv := flowInvocation("flow-1")
	result, err := fixture.executor.Run(context.Background(), inv, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusOK, result.Status)

	// Work produced by earlier actions survives into the final result: the
	// sub-invocation queued by the first action and its success metric.
	require.Len(t, result.Queued, 1)
	require.Equal(t, "fn-child", result.Queued[0].FunctionID)
	require.Equal(t, 2, result.Metrics[hogpipe.MetricSucceeded])
}

func TestFlowSuspendAndResume(t *testing.T) {
	manager := &fixtureManager{
		functions: map[string]*hogpipe.HogFunction{
			"fn-after": stepFunction("fn-after", `"sent"`),
		},
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "drip", Enabled: true,
				Actions: []*hogpipe.FlowAction{
					{ID: "wait", Name: "wait a day", Kind: hogpipe.FlowActionDelay, DelaySeconds: 86400,
						Next: []hogpipe.FlowEdge{{ActionID: "send"}}},
					{ID: "send", Name: "send", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-after",
						Next: []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	inv := flowInvocation("flow-1")
	result, err := fixture.executor.Run(context.Background(), inv, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusSuspended, result.Status)
	require.Equal(t, "send", result.NextActionID)
	require.Equal(t, fixture.clock.Add(24*time.Hour), result.WakeAt)

	// The delay elapses and a different pass resumes from the checkpoint.
	*fixture.clock = fixture.clock.Add(24 * time.Hour)
	resumed, err := fixture.executor.Resume(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, inv.ID, resumed.ID)
	require.Equal(t, "send", resumed.Flow.CurrentActionID)

	result, err = fixture.executor.Run(context.Background(), resumed, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusOK, result.Status)
	require.Equal(t, "sent", resumed.Flow.Variables["send"])
}

func TestFlowConditionalBranching(t *testing.T) {
	manager := &fixtureManager{
		functions: map[string]*hogpipe.HogFunction{
			"fn-pro":  stepFunction("fn-pro", `"pro path"`),
			"fn-free": stepFunction("fn-free", `"free path"`),
		},
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "branch", Enabled: true,
				Variables: map[string]interface{}{"plan": "pro"},
				Actions: []*hogpipe.FlowAction{
					{ID: "route", Name: "route", Kind: hogpipe.FlowActionConditional,
						Next: []hogpipe.FlowEdge{
							{ActionID: "pro", Condition: `variables["plan"] == "pro"`},
							{ActionID: "free"},
						}},
					{ID: "pro", Name: "pro", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-pro",
						Next: []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "free", Name: "free", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-free",
						Next: []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	inv := flowInvocation("flow-1")
	_, err := fixture.executor.Run(context.Background(), inv, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, "pro path", inv.Flow.Variables["pro"])
	require.NotContains(t, inv.Flow.Variables, "free")
}

func TestFlowTriggerFilter(t *testing.T) {
	manager := &fixtureManager{
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "signups only", Enabled: true,
				Trigger: `event["event"] == "signup"`,
				Actions: []*hogpipe.FlowAction{
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	result, err := fixture.executor.ExecuteCurrentAction(context.Background(), flowInvocation("flow-1"), execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusFiltered, result.Status)
	require.Equal(t, 1, result.Metrics[hogpipe.MetricFiltered])
}

func TestFlowActionFilterSkipsToNext(t *testing.T) {
	manager := &fixtureManager{
		functions: map[string]*hogpipe.HogFunction{
			"fn-email": stepFunction("fn-email", `"emailed"`),
		},
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "optional email", Enabled: true,
				Actions: []*hogpipe.FlowAction{
					{ID: "email", Name: "email", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-email",
						Filter: `variables["wants_email"] == true`,
						Next:   []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	inv := flowInvocation("flow-1")
	result, err := fixture.executor.Run(context.Background(), inv, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusOK, result.Status)
	// The filtered action was skipped, not run.
	require.NotContains(t, inv.Flow.Variables, "email")
}

func TestFlowFailedActionErrors(t *testing.T) {
	manager := &fixtureManager{
		functions: map[string]*hogpipe.HogFunction{
			"fn-broken": stepFunction("fn-broken", `no_such_thing()`),
		},
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "fragile", Enabled: true,
				Actions: []*hogpipe.FlowAction{
					{ID: "boom", Name: "boom", Kind: hogpipe.FlowActionFunction, FunctionID: "fn-broken",
						Next: []hogpipe.FlowEdge{{ActionID: "done"}}},
					{ID: "done", Name: "done", Kind: hogpipe.FlowActionExit},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	inv := flowInvocation("flow-1")
	result, err := fixture.executor.Run(context.Background(), inv, execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusError, result.Status)
	require.NotEmpty(t, result.Errors)

	// An errored flow is terminal: its checkpoint is gone.
	_, err = fixture.checkpoints.Load(context.Background(), inv.ID)
	require.ErrorIs(t, err, hogpipe.ErrNotFound)
}

func TestFlowLoopGuard(t *testing.T) {
	manager := &fixtureManager{
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {
				ID: "flow-1", TeamID: 1, Name: "cycle", Enabled: true,
				Actions: []*hogpipe.FlowAction{
					{ID: "a", Name: "a", Kind: hogpipe.FlowActionConditional,
						Next: []hogpipe.FlowEdge{{ActionID: "b"}}},
					{ID: "b", Name: "b", Kind: hogpipe.FlowActionConditional,
						Next: []hogpipe.FlowEdge{{ActionID: "a"}}},
				},
			},
		},
	}
	fixture := newFlowFixture(t, manager)

	result, err := fixture.executor.Run(context.Background(), flowInvocation("flow-1"), execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusError, result.Status)
	require.Contains(t, result.Errors[0].Message, "visits")
}

func TestFlowTeamMismatchIsNotFound(t *testing.T) {
	manager := &fixtureManager{
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {ID: "flow-1", TeamID: 2, Enabled: true},
		},
	}
	fixture := newFlowFixture(t, manager)

	_, err := fixture.executor.ExecuteCurrentAction(context.Background(), flowInvocation("flow-1"), execute.ExecuteOptions{})
	require.ErrorIs(t, err, hogpipe.ErrNotFound)
}

func TestDisabledFlowIsSkipped(t *testing.T) {
	manager := &fixtureManager{
		flows: map[string]*hogpipe.HogFlow{
			"flow-1": {ID: "flow-1", TeamID: 1, Enabled: false},
		},
	}
	fixture := newFlowFixture(t, manager)

	result, err := fixture.executor.ExecuteCurrentAction(context.Background(), flowInvocation("flow-1"), execute.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, hogpipe.StatusSkipped, result.Status)
}

func TestCheckpointRoundTrip(t *testing.T) {
	checkpoints := NewMemoryCheckpointer()
	ctx := context.Background()

	err := checkpoints.Save(ctx, &Checkpoint{
		InvocationID: "inv-1",
		TeamID:       1,
		FlowID:       "flow-1",
		State: &hogpipe.FlowState{
			CurrentActionID: "send",
			Variables:       map[string]interface{}{"plan": "pro"},
		},
	})
	require.NoError(t, err)

	loaded, err := checkpoints.Load(ctx, "inv-1")
	require.NoError(t, err)
	require.Equal(t, "send", loaded.State.CurrentActionID)

	require.NoError(t, checkpoints.Delete(ctx, "inv-1"))
	_, err = checkpoints.Load(ctx, "inv-1")
	require.ErrorIs(t, err, hogpipe.ErrNotFound)
}

func TestCheckpointRequiresInvocationID(t *testing.T) {
	checkpoints := NewMemoryCheckpointer()
	err := checkpoints.Save(context.Background(), &Checkpoint{FlowID: "flow-1"})
	require.Error(t, err)
}

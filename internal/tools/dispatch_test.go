package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnv struct {
	name     string
	aliases  map[string]string
	autoplay func(calls []Call) []Call
}

func (s *stubEnv) Name() string { return s.name }

func (s *stubEnv) BuildContext(ctx context.Context) (string, error) { return "active", nil }

func (s *stubEnv) ResolveAlias(name string) (string, bool) {
	native, ok := s.aliases[name]
	return native, ok
}

func (s *stubEnv) Autoplay(ctx context.Context, calls []Call) []Call {
	if s.autoplay == nil {
		return nil
	}
	return s.autoplay(calls)
}

func (s *stubEnv) TurnHint(ctx context.Context) string { return "" }

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its arguments",
		Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": args}, nil
		},
	}
}

func newDispatcher(t *testing.T, enabled []string, toolNames ...string) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, name := range toolNames {
		require.NoError(t, reg.Register(echoTool(name)))
	}
	return &Dispatcher{
		Registry: reg,
		Enabled:  enabled,
		Outcomes: NewOutcomeLog(nil),
	}
}

func TestDispatchAllowlist(t *testing.T) {
	d := newDispatcher(t, []string{"remember"}, "remember", "recall")

	res := d.Dispatch(context.Background(), []Call{
		{ID: "1", Name: "remember", Args: map[string]interface{}{"a": 1.0}},
		{ID: "2", Name: "recall"},
	})

	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].OK)
	assert.False(t, res.Results[1].OK)
	assert.Equal(t, "Tool not enabled", res.Results[1].Error)
}

func TestDispatchAliasRoutesIntoAllowlist(t *testing.T) {
	d := newDispatcher(t, []string{"rpg"}, "rpg")
	d.Environment = &stubEnv{name: "arena", aliases: map[string]string{"game": "rpg"}}

	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "game"}})
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].OK)
	assert.Equal(t, "rpg", res.Results[0].Name, "dispatched under the resolved name")
}

func TestDispatchAliasDoesNotBypassAllowlist(t *testing.T) {
	// Resolved name not in the allowlist: routing must not help.
	d := newDispatcher(t, []string{"remember"}, "rpg", "remember")
	d.Environment = &stubEnv{name: "arena", aliases: map[string]string{"game": "rpg"}}

	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "game"}})
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].OK)
	assert.Equal(t, "Tool not enabled", res.Results[0].Error)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newDispatcher(t, []string{"ghost"})
	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "ghost"}})
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].OK)
	assert.Contains(t, res.Results[0].Error, "Unknown tool")
}

func TestDispatchCapTruncates(t *testing.T) {
	d := newDispatcher(t, []string{"remember"}, "remember")
	var calls []Call
	for i := 0; i < 15; i++ {
		calls = append(calls, Call{ID: fmt.Sprintf("%d", i), Name: "remember"})
	}

	res := d.Dispatch(context.Background(), calls)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Results, MaxCallsPerCycle)
}

func TestDispatchPerCallTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Tool{
		Name:        "slow",
		Description: "sleeps past the budget",
		Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	d := &Dispatcher{
		Registry: reg,
		Enabled:  []string{"slow"},
		Outcomes: NewOutcomeLog(nil),
		Budget:   100 * time.Millisecond,
	}

	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "slow"}})
	require.Len(t, res.Results, 1)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "Tool timed out: slow", res.Results[0].Error)
}

func TestDispatchBudgetSkipsRemaining(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Tool{
		Name:        "slow",
		Description: "burns the phase budget",
		Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, reg.Register(echoTool("fast")))
	d := &Dispatcher{
		Registry: reg,
		Enabled:  []string{"slow", "fast"},
		Outcomes: NewOutcomeLog(nil),
		Budget:   50 * time.Millisecond,
	}

	res := d.Dispatch(context.Background(), []Call{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
	})
	assert.True(t, res.TimedOut)
	assert.Len(t, res.Results, 1, "remaining calls skipped once the budget is gone")
}

func TestDispatchCapabilityGuard(t *testing.T) {
	d := newDispatcher(t, []string{"gamemaster"}, "gamemaster")
	d.Guards = map[string]func() bool{"gamemaster": func() bool { return false }}

	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "gamemaster"}})
	require.Len(t, res.Results, 1)
	assert.Equal(t, "tool not available", res.Results[0].Error)

	d.Guards["gamemaster"] = func() bool { return true }
	res = d.Dispatch(context.Background(), []Call{{ID: "1", Name: "gamemaster"}})
	assert.True(t, res.Results[0].OK)
}

func TestAutoplaySingleInjectedAppends(t *testing.T) {
	d := newDispatcher(t, []string{"remember", "endturn"}, "remember", "endturn")
	d.Environment = &stubEnv{
		name: "arena",
		autoplay: func(calls []Call) []Call {
			return []Call{{ID: "auto", Name: "endturn"}}
		},
	}

	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "remember"}})
	require.Len(t, res.Results, 2)
	assert.Equal(t, "remember", res.Results[0].Name)
	assert.Equal(t, "endturn", res.Results[1].Name)
}

func TestAutoplayMultipleInjectedPrependsSetup(t *testing.T) {
	d := newDispatcher(t, []string{"remember", "move", "endturn"}, "remember", "move", "endturn")
	d.Environment = &stubEnv{
		name: "arena",
		autoplay: func(calls []Call) []Call {
			return []Call{
				{ID: "a1", Name: "move"},
				{ID: "a2", Name: "move"},
				{ID: "a3", Name: "endturn"},
			}
		},
	}

	res := d.Dispatch(context.Background(), []Call{{ID: "1", Name: "remember"}})
	require.Len(t, res.Results, 4)
	assert.Equal(t, "move", res.Results[0].Name)
	assert.Equal(t, "move", res.Results[1].Name)
	assert.Equal(t, "remember", res.Results[2].Name)
	assert.Equal(t, "endturn", res.Results[3].Name)
}

func TestOutcomeLogCapAndGoalExtraction(t *testing.T) {
	l := NewOutcomeLog(nil)
	for i := 0; i < 70; i++ {
		l.Append(Outcome{Tool: fmt.Sprintf("t%d", i), Success: true, Timestamp: time.Now()})
	}
	assert.Equal(t, OutcomeLogCap, l.Len())
	last := l.Last(1)
	assert.Equal(t, "t69", last[0].Tool)

	assert.Equal(t, "g1", extractGoalID(map[string]interface{}{"goalId": "g1"}, nil))
	assert.Equal(t, "g2", extractGoalID(nil, map[string]interface{}{"goalId": "g2"}))
	assert.Equal(t, "g3", extractGoalID(nil, map[string]interface{}{
		"result": map[string]interface{}{"goalId": "g3"},
	}))
	assert.Equal(t, "", extractGoalID(map[string]interface{}{}, "plain"))
}

func TestRegistryInsertionOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Register(echoTool(name)))
	}
	assert.Equal(t, []string{"c", "a", "b"}, reg.Names())

	// Re-registering keeps the original position.
	require.NoError(t, reg.Register(echoTool("a")))
	assert.Equal(t, []string{"c", "a", "b"}, reg.Names())

	assert.Error(t, reg.Register(&Tool{Name: ""}))
	assert.Error(t, reg.Register(&Tool{Name: "nohandler"}))
}

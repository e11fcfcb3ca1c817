package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/backend/internal/metrics"
)

// Dispatch limits.
const (
	MaxCallsPerCycle = 10
	PhaseBudget      = 30 * time.Second
)

// Call is one tool invocation requested by the model (or injected by the
// active environment).
type Call struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Result is the captured outcome of one call.
type Result struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	OK         bool        `json:"ok"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// Environment is the turn-claiming collaborator around the dispatcher.
// At most one environment claims a cycle: the first whose BuildContext
// returns a non-empty block.
type Environment interface {
	Name() string
	// BuildContext renders the environment's view for the prompt. Empty
	// means the environment is not claiming this turn.
	BuildContext(ctx context.Context) (string, error)
	// ResolveAlias maps well-known misnames to the environment's native
	// tool name (e.g. "game" -> "rpg").
	ResolveAlias(name string) (string, bool)
	// Autoplay inspects the model's calls; when no action was taken it
	// returns the calls to inject for this turn.
	Autoplay(ctx context.Context, modelCalls []Call) []Call
	// TurnHint reports the scheduling posture: "my_turn", "waiting", or "".
	TurnHint(ctx context.Context) string
}

// Dispatcher executes one cycle's tool phase.
type Dispatcher struct {
	Registry    *Registry
	Enabled     []string                 // allowlist from agent config
	Environment Environment              // active environment, may be nil
	Guards      map[string]func() bool   // capability predicates by tool name
	Outcomes    *OutcomeLog              // bounded attempt log
	MaxCalls    int                      // defaults to MaxCallsPerCycle
	Budget      time.Duration            // defaults to PhaseBudget
}

// DispatchResult is the tool phase summary handed back to the cycle.
type DispatchResult struct {
	Results   []Result `json:"results"`
	Truncated bool     `json:"truncated"`
	TimedOut  bool     `json:"timedOut"`
}

func (d *Dispatcher) maxCalls() int {
	if d.MaxCalls > 0 {
		return d.MaxCalls
	}
	return MaxCallsPerCycle
}

func (d *Dispatcher) budget() time.Duration {
	if d.Budget > 0 {
		return d.Budget
	}
	return PhaseBudget
}

func (d *Dispatcher) enabled(name string) bool {
	for _, e := range d.Enabled {
		if e == name {
			return true
		}
	}
	return false
}

// route applies environment alias rewriting. A call is dispatchable when
// its resolved name is allowlisted, even if the alias itself is not.
func (d *Dispatcher) route(name string) string {
	if d.Environment == nil {
		return name
	}
	if native, ok := d.Environment.ResolveAlias(name); ok {
		return native
	}
	return name
}

// Dispatch runs the model's calls plus any environment auto-play under
// the cycle budgets. Injection order: a single injected call is
// appended; with several, all but the last are prepended as setup moves
// and the last appended as the turn-closer.
func (d *Dispatcher) Dispatch(ctx context.Context, modelCalls []Call) *DispatchResult {
	calls := modelCalls
	if d.Environment != nil {
		if injected := d.Environment.Autoplay(ctx, modelCalls); len(injected) > 0 {
			if len(injected) == 1 {
				calls = append(append([]Call(nil), modelCalls...), injected[0])
			} else {
				combined := append([]Call(nil), injected[:len(injected)-1]...)
				combined = append(combined, modelCalls...)
				combined = append(combined, injected[len(injected)-1])
				calls = combined
			}
		}
	}

	res := &DispatchResult{}
	if len(calls) > d.maxCalls() {
		calls = calls[:d.maxCalls()]
		res.Truncated = true
	}

	deadline := time.Now().Add(d.budget())
	for _, call := range calls {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.TimedOut = true
			break
		}
		res.Results = append(res.Results, d.dispatchOne(ctx, call, remaining, res))
	}
	return res
}

func (d *Dispatcher) dispatchOne(ctx context.Context, call Call, remaining time.Duration, res *DispatchResult) Result {
	start := time.Now()
	name := d.route(call.Name)

	fail := func(msg string) Result {
		d.record(name, false, call.Args, nil)
		metrics.ToolDispatches.WithLabelValues(name, "rejected").Inc()
		return Result{ID: call.ID, Name: name, OK: false, Error: msg, DurationMs: time.Since(start).Milliseconds()}
	}

	if !d.enabled(name) {
		return fail("Tool not enabled")
	}
	if guard, ok := d.Guards[name]; ok && !guard() {
		return fail("tool not available")
	}
	tool, ok := d.Registry.Get(name)
	if !ok {
		return fail(fmt.Sprintf("Unknown tool: %s", name))
	}

	callCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := tool.Execute(callCtx, call.ID, call.Args)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		duration := time.Since(start).Milliseconds()
		if o.err != nil {
			d.record(name, false, call.Args, nil)
			metrics.ToolDispatches.WithLabelValues(name, "error").Inc()
			return Result{ID: call.ID, Name: name, OK: false, Error: o.err.Error(), DurationMs: duration}
		}
		d.record(name, true, call.Args, o.value)
		metrics.ToolDispatches.WithLabelValues(name, "ok").Inc()
		return Result{ID: call.ID, Name: name, OK: true, Result: o.value, DurationMs: duration}
	case <-callCtx.Done():
		res.TimedOut = true
		d.record(name, false, call.Args, nil)
		metrics.ToolDispatches.WithLabelValues(name, "timeout").Inc()
		return Result{
			ID:         call.ID,
			Name:       name,
			OK:         false,
			Error:      fmt.Sprintf("Tool timed out: %s", name),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
}

func (d *Dispatcher) record(tool string, success bool, args map[string]interface{}, result interface{}) {
	if d.Outcomes == nil {
		return
	}
	d.Outcomes.Append(Outcome{
		Tool:      tool,
		Success:   success,
		Timestamp: time.Now().UTC(),
		GoalID:    extractGoalID(args, result),
	})
}

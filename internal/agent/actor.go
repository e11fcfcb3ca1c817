package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/backend/internal/events"
	"github.com/agentmesh/backend/internal/llm"
	"github.com/agentmesh/backend/internal/memory"
	"github.com/agentmesh/backend/internal/metrics"
	"github.com/agentmesh/backend/internal/state"
	"github.com/agentmesh/backend/internal/tools"
	"github.com/agentmesh/backend/pkg/plugins"
)

// Cycle modes.
const (
	ModeThink        = "think"
	ModeHousekeeping = "housekeeping"
	ModeReflection   = "reflection"
)

// thinkRuns is how many think cycles run before a housekeeping pass.
const thinkRuns = 5

// ErrAgentExists is surfaced when creating an agent whose name is taken.
var ErrAgentExists = memory.ErrAgentExists

// DeliverFunc posts a validated record to another agent's inbox, usually
// through the relay.
type DeliverFunc func(ctx context.Context, recipientDID string, record memory.Record) error

// Actor is one agent: a single-writer entity owning its identity,
// config, session, memory handle, and loop state. All mutations run
// under mu, serial with respect to this actor.
type Actor struct {
	Name       string
	State      *state.Store
	Backend    memory.Backend
	Emitter    *events.Emitter
	LLM        llm.Client
	Extensions *plugins.Registry
	Deliver    DeliverFunc

	mu        sync.Mutex
	inited    bool
	identity  *Identity
	memory    *memory.Store
	config    Config
	session   *Session
	outcomes  *tools.OutcomeLog
	loaded    []plugins.Extension
	traceID   string
	lastTrace *llm.RunResult

	// Prompt-phase tool exposure controls.
	SuppressedTools []string
	PhaseWhitelist  []string

	sched  *Scheduler
	logger *slog.Logger
}

// New builds an actor. Init is lazy: identity and stores materialize on
// first observation (or on Create).
func New(name string, st *state.Store, backend memory.Backend, emitter *events.Emitter, client llm.Client, extensions *plugins.Registry) *Actor {
	a := &Actor{
		Name:       name,
		State:      st,
		Backend:    backend,
		Emitter:    emitter,
		LLM:        client,
		Extensions: extensions,
		logger:     slog.Default().With("agent", name),
	}
	a.sched = NewScheduler(a)
	return a
}

// ensureInit materializes identity, the memory handle, config, session,
// and the outcome log. Idempotent; callers hold mu.
func (a *Actor) ensureInit() error {
	if a.inited {
		return nil
	}
	identity, err := LoadOrCreateIdentity(a.State)
	if err != nil {
		return err
	}
	a.identity = identity
	a.memory = memory.NewStore(a.Backend, identity.DID, identity.Encryption)

	if _, err := a.State.Get(state.KeyConfig, &a.config); err != nil {
		return err
	}
	if a.config.Name == "" {
		a.config.Name = a.Name
	}
	a.config.Normalize()

	if a.session, err = LoadSession(a.State); err != nil {
		return err
	}

	var persisted []tools.Outcome
	if _, err := a.State.Get(state.KeyActionOutcomes, &persisted); err != nil {
		return err
	}
	a.outcomes = tools.NewOutcomeLog(persisted)

	a.loaded = a.selectExtensions()
	a.inited = true
	return nil
}

// Create registers the agent (name uniqueness enforced by the shared
// agents table), persists its config, and starts the loop.
func (a *Actor) Create(cfg Config) (*Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	if err := a.Backend.CreateAgent(&memory.AgentRow{
		Name:      a.Name,
		DID:       a.identity.DID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	cfg.Name = a.Name
	cfg.Normalize()
	a.config = cfg
	if err := a.saveConfig(); err != nil {
		return nil, err
	}
	if err := a.startLocked(); err != nil {
		return nil, err
	}
	return a.identity, nil
}

func (a *Actor) saveConfig() error {
	return a.State.Put(state.KeyConfig, &a.config)
}

// Identity returns the actor identity, initializing on first touch.
func (a *Actor) Identity() (*Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	return a.identity, nil
}

// Memory returns the actor's bound memory store.
func (a *Actor) Memory() (*memory.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	return a.memory, nil
}

// Config returns a copy of the current config.
func (a *Actor) Config() (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return Config{}, err
	}
	return a.config, nil
}

// PatchConfig merges a partial update and persists. Unknown fields are
// ignored by the JSON round-trip.
func (a *Actor) PatchConfig(patch map[string]interface{}) (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return Config{}, err
	}
	merged, err := json.Marshal(a.config)
	if err != nil {
		return Config{}, err
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(merged, &asMap); err != nil {
		return Config{}, err
	}
	for k, v := range patch {
		asMap[k] = v
	}
	buf, err := json.Marshal(asMap)
	if err != nil {
		return Config{}, err
	}
	var next Config
	if err := json.Unmarshal(buf, &next); err != nil {
		return Config{}, fmt.Errorf("agent: bad config patch: %w", err)
	}
	next.Name = a.Name
	next.Normalize()
	a.config = next
	if contains(patch, "extensions") {
		if err := a.State.Put(state.KeyExtensionsReload, true); err != nil {
			return Config{}, err
		}
	}
	return a.config, a.saveConfig()
}

func contains(m map[string]interface{}, key string) bool {
	_, ok := m[key]
	return ok
}

// DeliverInbox validates nothing (callers validate at ingress), queues
// the record, and may interrupt the timer for prompt delivery.
func (a *Actor) DeliverInbox(record memory.Record) error {
	a.mu.Lock()
	if err := a.ensureInit(); err != nil {
		a.mu.Unlock()
		return err
	}
	err := pushInbox(a.State, record)
	did := a.identity.DID
	a.mu.Unlock()
	if err != nil {
		return err
	}
	var queue []InboxMessage
	if _, qerr := a.State.Get(state.KeyPendingEvents, &queue); qerr == nil {
		metrics.InboxDepth.WithLabelValues(a.Name).Set(float64(len(queue)))
	}
	a.Emitter.Emit(events.NewTraceID(), "inbox.received", did, "", nil)
	a.sched.Interrupt()
	return nil
}

// InboxSnapshot returns the pending queue without draining it.
func (a *Actor) InboxSnapshot() ([]InboxMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	return loadInbox(a.State)
}

// Scheduler exposes the actor's timer chain.
func (a *Actor) Scheduler() *Scheduler { return a.sched }

// StartLoop marks the loop running and schedules an immediate cycle.
func (a *Actor) StartLoop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return err
	}
	return a.startLocked()
}

func (a *Actor) startLocked() error {
	if err := a.State.Put(state.KeyLoopRunning, true); err != nil {
		return err
	}
	var count int
	if found, _ := a.State.Get(state.KeyLoopCount, &count); !found {
		if err := a.State.Put(state.KeyLoopCount, 0); err != nil {
			return err
		}
	}
	a.sched.Start()
	return nil
}

// StopLoop clears the running flag and the pending timer. In-flight
// cycles complete.
func (a *Actor) StopLoop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return err
	}
	if err := a.State.Put(state.KeyLoopRunning, false); err != nil {
		return err
	}
	a.sched.Stop()
	return nil
}

// LoopStatus reports the persisted loop state.
func (a *Actor) LoopStatus() (map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	var running bool
	var count int
	var mode string
	var lastAt string
	a.State.Get(state.KeyLoopRunning, &running)
	a.State.Get(state.KeyLoopCount, &count)
	if found, _ := a.State.Get(state.KeyAlarmMode, &mode); !found {
		mode = ModeThink
	}
	a.State.Get(state.KeyLastAlarmAt, &lastAt)
	return map[string]interface{}{
		"loopRunning": running,
		"loopCount":   count,
		"mode":        mode,
		"lastAlarmAt": lastAt,
		"nextCycleIn": a.sched.UntilNext().Seconds(),
	}, nil
}

// Trace returns the last think-loop transcript for the trace endpoint.
func (a *Actor) Trace() *llm.RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTrace
}

// Document returns the named public document (profile or character),
// nil when unset.
func (a *Actor) Document(key string) (map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	found, err := a.State.Get(key, &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return doc, nil
}

// PutDocument replaces the named public document.
func (a *Actor) PutDocument(key string, doc map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return err
	}
	return a.State.Put(key, doc)
}

// Observations returns the last observe-phase snapshot.
func (a *Actor) Observations() (map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	var obs map[string]interface{}
	a.State.Get(state.KeyLastObservations, &obs)
	return obs, nil
}

// selectExtensions resolves the config's extension list against the
// process registry. Callers hold mu.
func (a *Actor) selectExtensions() []plugins.Extension {
	if a.Extensions == nil {
		return nil
	}
	return a.Extensions.Select(a.config.Extensions)
}

// buildDispatcher assembles the per-cycle tool surface: core tools plus
// extension tools, the first claiming environment, and guards.
func (a *Actor) buildDispatcher(ctx context.Context) (*tools.Dispatcher, *tools.Registry, string) {
	registry := tools.NewRegistry()
	for _, t := range a.coreTools() {
		registry.Register(t)
	}

	var claimed tools.Environment
	var envContext string
	guards := map[string]func() bool{}
	for _, ext := range a.loaded {
		for _, t := range ext.Tools() {
			registry.Register(t)
		}
		env := ext.Environment()
		if env == nil || claimed != nil {
			continue
		}
		block, err := env.BuildContext(ctx)
		if err != nil {
			a.logger.Warn("environment context failed", "env", env.Name(), "error", err)
			continue
		}
		if block != "" {
			claimed = env
			envContext = block
		}
	}
	if g, ok := claimed.(interface{ GameMasterGuard() func() bool }); ok {
		guards["gamemaster"] = g.GameMasterGuard()
	}

	return &tools.Dispatcher{
		Registry:    registry,
		Enabled:     a.config.EnabledTools,
		Environment: claimed,
		Guards:      guards,
		Outcomes:    a.outcomes,
	}, registry, envContext
}

// cycleOutcome carries one cycle's results to the scheduler.
type cycleOutcome struct {
	NextInterval time.Duration
	Skipped      bool
}

// RunCycle executes one tick of the cycle chain and reports the next
// interval. Never returns an error: failures are categorized into
// backoff.
func (a *Actor) RunCycle(ctx context.Context) cycleOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.traceID = events.NewTraceID()
	start := time.Now()

	var running bool
	a.State.Get(state.KeyLoopRunning, &running)
	if !running {
		a.Emitter.Emit(a.traceID, "cycle.skipped", "", "", map[string]interface{}{"agent": a.Name})
		return cycleOutcome{Skipped: true}
	}

	var cycleErrs []CycleError
	fail := func(phase string, err error) {
		if err == nil {
			return
		}
		cycleErrs = append(cycleErrs, CycleError{Phase: phase, Message: err.Error()})
		a.Emitter.Emit(a.traceID, "loop.error", a.did(), "", map[string]interface{}{
			"phase": phase,
			"error": err.Error(),
		})
	}

	if err := a.ensureInit(); err != nil {
		fail("init", err)
		return a.finishCycle(start, ModeThink, cycleErrs, "")
	}

	a.reloadExtensionsIfFlagged()
	showHint := a.extensibilityHintDue()

	a.config.Normalize()

	mode, counter := a.currentMode()
	a.Emitter.Emit(a.traceID, "cycle.start", a.identity.DID, "", map[string]interface{}{
		"mode": mode, "counter": counter,
	})

	intervalReason := ""
	switch mode {
	case ModeHousekeeping:
		fail(ModeHousekeeping, a.runHousekeeping())
	case ModeReflection:
		fail(ModeReflection, a.runReflection(ctx))
	default:
		intervalReason = a.runThink(ctx, showHint, fail)
	}

	a.advanceMode(mode, counter)
	var count int
	a.State.Get(state.KeyLoopCount, &count)
	a.State.Put(state.KeyLoopCount, count+1)
	a.State.Put(state.KeyLastAlarmAt, time.Now().UTC().Format(time.RFC3339Nano))
	a.State.Put(state.KeyActionOutcomes, a.outcomes.All())

	metrics.CyclesTotal.WithLabelValues(a.Name, mode).Inc()
	metrics.CycleDuration.WithLabelValues(a.Name).Observe(time.Since(start).Seconds())

	return a.finishCycle(start, mode, cycleErrs, intervalReason)
}

// DID returns the actor's DID, empty before first initialization.
func (a *Actor) DID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.did()
}

func (a *Actor) did() string {
	if a.identity == nil {
		return ""
	}
	return a.identity.DID
}

// finishCycle computes backoff and the next interval, and emits
// cycle.end. Callers hold mu.
func (a *Actor) finishCycle(start time.Time, mode string, cycleErrs []CycleError, intervalReason string) cycleOutcome {
	var backoff Backoff
	a.State.Get(state.KeyErrorBackoff, &backoff)

	next := a.config.LoopInterval()
	if next <= 0 {
		next = MinLoopInterval
	}
	category := SelectCategory(cycleErrs)
	if category != "" {
		backoff.Advance(category)
		next = backoff.Interval()
		metrics.CycleErrors.WithLabelValues(a.Name, category).Inc()
	} else {
		backoff.Clear()
	}
	a.State.Put(state.KeyErrorBackoff, &backoff)

	switch intervalReason {
	case "my_turn":
		if next > 15*time.Second {
			next = 15 * time.Second
		}
	case "waiting":
		if next > 45*time.Second {
			next = 45 * time.Second
		}
	}

	a.Emitter.Emit(a.traceID, "cycle.end", a.did(), "", map[string]interface{}{
		"mode":           mode,
		"durationMs":     time.Since(start).Milliseconds(),
		"errors":         len(cycleErrs),
		"category":       category,
		"streak":         backoff.Streak,
		"nextIntervalMs": next.Milliseconds(),
		"intervalReason": intervalReason,
	})
	return cycleOutcome{NextInterval: next}
}

// currentMode reads the stored alarm mode and counter.
func (a *Actor) currentMode() (string, int) {
	mode := ModeThink
	counter := 0
	a.State.Get(state.KeyAlarmMode, &mode)
	a.State.Get(state.KeyAlarmModeCounter, &counter)
	if mode == "" {
		mode = ModeThink
	}
	return mode, counter
}

// advanceMode rotates think x5 -> housekeeping -> reflection -> think.
func (a *Actor) advanceMode(mode string, counter int) {
	nextMode := ModeThink
	nextCounter := 0
	switch mode {
	case ModeThink:
		counter++
		if counter >= thinkRuns {
			nextMode = ModeHousekeeping
		} else {
			nextMode = ModeThink
			nextCounter = counter
		}
	case ModeHousekeeping:
		nextMode = ModeReflection
	case ModeReflection:
		nextMode = ModeThink
	}
	a.State.Put(state.KeyAlarmMode, nextMode)
	a.State.Put(state.KeyAlarmModeCounter, nextCounter)
}

// reloadExtensionsIfFlagged re-resolves the extension selection when a
// config change flagged it.
func (a *Actor) reloadExtensionsIfFlagged() {
	var flagged bool
	if found, _ := a.State.Get(state.KeyExtensionsReload, &flagged); !found || !flagged {
		return
	}
	a.loaded = a.selectExtensions()
	a.State.Put(state.KeyExtensionsReload, false)
	for _, ext := range a.loaded {
		a.bumpExtensionMetric(ext.Name(), "reloads")
	}
	a.logger.Info("extensions reloaded", "count", len(a.loaded))
}

// extensibilityHintDue reports whether the one-time no-extensions hint
// should be shown, marking it shown as a side effect.
func (a *Actor) extensibilityHintDue() bool {
	if len(a.loaded) > 0 {
		return false
	}
	var shown bool
	a.State.Get(state.KeyExtensionsHint, &shown)
	if shown {
		return false
	}
	a.State.Put(state.KeyExtensionsHint, true)
	return true
}

func (a *Actor) bumpExtensionMetric(name, field string) {
	key := state.ExtensionMetricPrefix + name
	counts := map[string]int{}
	a.State.Get(key, &counts)
	counts[field]++
	a.State.Put(key, counts)
}

// observe drains the inbox and snapshots the actor's surroundings.
func (a *Actor) observe(envContext string) (map[string]interface{}, []InboxMessage, error) {
	inbox, err := drainInbox(a.State)
	if err != nil {
		return nil, nil, err
	}
	metrics.InboxDepth.WithLabelValues(a.Name).Set(0)

	recent, err := a.memory.List(memory.ListOptions{Limit: 5})
	if err != nil {
		return nil, nil, err
	}
	obs := map[string]interface{}{
		"time":          time.Now().UTC().Format(time.RFC3339Nano),
		"inbox":         inbox,
		"recentRecords": len(recent),
		"activeGoals":   len(a.config.ActiveGoals()),
	}
	if envContext != "" {
		obs["environment"] = true
	}
	a.State.Put(state.KeyLastObservations, obs)
	return obs, inbox, nil
}

// runThink executes observe -> think -> act -> reflect. In passive loop
// mode the model call is skipped but act still runs so environment
// auto-play can progress. Returns the interval reason from the
// environment turn hint.
func (a *Actor) runThink(ctx context.Context, showHint bool, fail func(string, error)) string {
	dispatcher, registry, envContext := a.buildDispatcher(ctx)

	intervalReason := ""
	if dispatcher.Environment != nil {
		intervalReason = dispatcher.Environment.TurnHint(ctx)
	}

	obs, inbox, err := a.observe(envContext)
	if err != nil {
		fail("observe", err)
		return intervalReason
	}

	if a.config.LoopMode == LoopPassive {
		// No model call; auto-play only.
		batch := dispatcher.Dispatch(ctx, nil)
		a.recordActErrors(batch, fail)
		fail("reflect", SaveSession(a.State, a.memory, a.session))
		return intervalReason
	}

	in := &promptInput{
		Config:       &a.config,
		Goals:        a.config.ActiveGoals(),
		Completed:    a.config.CompletedGoals(),
		Outcomes:     a.outcomes.Last(5),
		Observations: obs,
		EnvContext:   envContext,
		InboxCount:   len(inbox),
		EnabledTools: a.config.EnabledTools,
		ShowHint:     showHint,
	}
	system := buildSystemPrompt(in)
	userMsg := buildUserMessage(in)

	loop := &llm.Loop{
		Client: a.LLM,
		Models: llm.FallbackChain(a.config.Model, a.config.FastModel),
		Tools:  exposedTools(registry.List(), a.SuppressedTools, a.PhaseWhitelist),
		Exec: func(ctx context.Context, calls []tools.Call) *tools.DispatchResult {
			batch := dispatcher.Dispatch(ctx, calls)
			a.recordActErrors(batch, fail)
			return batch
		},
	}

	history := append([]llm.Message(nil), a.session.Messages...)
	history = append(history, llm.Message{Role: "user", Content: userMsg})

	result, err := loop.Run(ctx, system, history)
	a.lastTrace = result
	if err != nil {
		fail("think", err)
	}
	a.session.Append(llm.Message{Role: "user", Content: userMsg})
	if result != nil && result.Final != "" {
		a.session.Append(llm.Message{Role: "assistant", Content: result.Final})
	}

	fail("reflect", SaveSession(a.State, a.memory, a.session))
	return intervalReason
}

// recordActErrors lifts failed tool results into cycle errors so the
// act phase participates in backoff categorization.
func (a *Actor) recordActErrors(batch *tools.DispatchResult, fail func(string, error)) {
	if batch == nil {
		return
	}
	for _, r := range batch.Results {
		if !r.OK {
			fail("act", errors.New(r.Error))
		}
	}
}

// runHousekeeping prunes stale completed goals into the durable archive.
// No model call.
func (a *Actor) runHousekeeping() error {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	pruned := a.config.PruneCompleted(cutoff)
	if len(pruned) > 0 {
		var archive []Goal
		a.State.Get(state.KeyGoalsArchive, &archive)
		archive = append(archive, pruned...)
		if err := a.State.Put(state.KeyGoalsArchive, archive); err != nil {
			return err
		}
		if err := a.saveConfig(); err != nil {
			return err
		}
		a.logger.Info("pruned completed goals", "count", len(pruned))
	}
	return a.State.Put(state.KeyActionOutcomes, a.outcomes.All())
}

// runReflection resets the conversation window and asks the model to
// assess the last ten outcomes, optionally returning an updated goals
// list as JSON.
func (a *Actor) runReflection(ctx context.Context) error {
	outcomes := a.outcomes.Last(10)
	summary, _ := json.Marshal(outcomes)

	prompt := fmt.Sprintf(
		"Reflect on your last %d tool outcomes: %s\n"+
			"Summarize what worked and what did not. If your goals should "+
			"change, reply with a JSON object {\"goals\": [...]} using the "+
			"existing goal shape; otherwise reply in prose.",
		len(outcomes), summary)

	a.session.Reset()

	if a.config.LoopMode == LoopPassive || a.LLM == nil {
		return SaveSession(a.State, a.memory, a.session)
	}

	loop := &llm.Loop{
		Client: a.LLM,
		Models: llm.FallbackChain(a.config.FastModel, a.config.Model),
	}
	result, err := loop.Run(ctx, buildSystemPrompt(&promptInput{Config: &a.config}),
		[]llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return err
	}

	if goals, ok := parseGoalsUpdate(result.Final); ok {
		a.config.Goals = goals
		if err := a.saveConfig(); err != nil {
			return err
		}
	}
	if err := a.State.Put(state.KeyLastReflection, result.Final); err != nil {
		return err
	}
	a.session.Append(llm.Message{Role: "assistant", Content: result.Final})
	return SaveSession(a.State, a.memory, a.session)
}

// parseGoalsUpdate accepts an optional {"goals":[...]} reflection reply.
func parseGoalsUpdate(text string) ([]Goal, bool) {
	var payload struct {
		Goals []Goal `json:"goals"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil || payload.Goals == nil {
		return nil, false
	}
	return payload.Goals, true
}

// Prompt runs a one-off user prompt through the think machinery without
// waiting for the next cycle.
func (a *Actor) Prompt(ctx context.Context, text string) (*llm.RunResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	dispatcher, registry, _ := a.buildDispatcher(ctx)
	loop := &llm.Loop{
		Client: a.LLM,
		Models: llm.FallbackChain(a.config.Model, a.config.FastModel),
		Tools:  exposedTools(registry.List(), a.SuppressedTools, a.PhaseWhitelist),
		Exec: func(ctx context.Context, calls []tools.Call) *tools.DispatchResult {
			return dispatcher.Dispatch(ctx, calls)
		},
	}
	history := append([]llm.Message(nil), a.session.Messages...)
	history = append(history, llm.Message{Role: "user", Content: text})
	result, err := loop.Run(ctx, buildSystemPrompt(&promptInput{Config: &a.config}), history)
	if err != nil {
		return result, err
	}
	a.lastTrace = result
	a.session.Append(llm.Message{Role: "user", Content: text})
	if result.Final != "" {
		a.session.Append(llm.Message{Role: "assistant", Content: result.Final})
	}
	return result, SaveSession(a.State, a.memory, a.session)
}

// Execute dispatches externally supplied tool calls (the external-brain
// path) through the same allowlist and budgets as a cycle.
func (a *Actor) Execute(ctx context.Context, calls []tools.Call) (*tools.DispatchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureInit(); err != nil {
		return nil, err
	}
	dispatcher, _, _ := a.buildDispatcher(ctx)
	return dispatcher.Dispatch(ctx, calls), nil
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/agentmesh/backend/internal/tools"
)

// LoopTimeout bounds one full agentic loop (all completion rounds plus
// tool execution in between).
const LoopTimeout = 25 * time.Second

// HistoryWindow is how many trailing conversation messages ride along
// with the system prompt on each completion.
const HistoryWindow = 12

// Built-in tail of the fallback chain. The configured primary and fast
// models are tried first.
var defaultFallbacks = []string{
	"google/gemini-3-flash-preview",
	"moonshotai/kimi-k2.5",
}

// FallbackChain builds the deduplicated model order for a loop run.
func FallbackChain(primary, fast string) []string {
	seen := make(map[string]bool)
	var chain []string
	for _, m := range append([]string{primary, fast}, defaultFallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}

// Step records one completion round for the cycle trace.
type Step struct {
	Model      string   `json:"model"`
	DurationMs int64    `json:"durationMs"`
	ToolCalls  []string `json:"toolCalls,omitempty"`
	Content    string   `json:"content,omitempty"`
}

// RunResult is the outcome of one agentic loop.
type RunResult struct {
	Final      string       `json:"final"`
	ModelUsed  string       `json:"modelUsed"`
	Steps      []Step       `json:"steps"`
	ToolRounds int          `json:"toolRounds"`
	Transcript []Message             `json:"-"`
	Tools      *tools.DispatchResult `json:"-"` // last dispatched batch, nil when no tools ran
}

// Executor bridges model tool calls to the dispatcher.
type Executor func(ctx context.Context, calls []tools.Call) *tools.DispatchResult

// Loop runs the think-act conversation: complete, execute requested
// tools, feed results back, repeat until the model answers in prose or
// a budget runs out.
type Loop struct {
	Client  Client
	Models  []string // fallback order, see FallbackChain
	Tools   []*tools.Tool
	Exec    Executor
	Timeout time.Duration // defaults to LoopTimeout
	Logger  *log.Logger
}

func (l *Loop) logger() *log.Logger {
	if l.Logger == nil {
		l.Logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return l.Logger
}

// complete walks the fallback chain. Only transient upstream failures
// advance it; a 400-class error from the first model is final.
func (l *Loop) complete(ctx context.Context, messages []Message) (*Response, error) {
	if len(l.Models) == 0 {
		return nil, errors.New("llm: no models configured")
	}
	var lastErr error
	for i, model := range l.Models {
		resp, err := l.Client.Complete(ctx, &Request{Model: model, Messages: messages, Tools: l.Tools})
		if err == nil {
			if i > 0 {
				l.logger().Printf("fell back to %s after %d failure(s)", model, i)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !FallbackEligible(err) {
			return nil, err
		}
		l.logger().Printf("model %s failed, trying next: %v", model, err)
		lastErr = err
	}
	return nil, lastErr
}

// trim keeps the system prompt plus the last HistoryWindow messages.
func trim(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	head := 0
	if messages[0].Role == "system" {
		head = 1
	}
	tail := messages[head:]
	if len(tail) > HistoryWindow {
		tail = tail[len(tail)-HistoryWindow:]
	}
	return append(messages[:head:head], tail...)
}

// Run executes the loop. system is prepended as the system message;
// history is the prior conversation (untrimmed; Run applies the
// window).
func (l *Loop) Run(ctx context.Context, system string, history []Message) (*RunResult, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = LoopTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transcript := append([]Message{{Role: "system", Content: system}}, history...)
	result := &RunResult{}

	for {
		start := time.Now()
		resp, err := l.complete(ctx, trim(transcript))
		if err != nil {
			result.Transcript = transcript
			return result, err
		}
		transcript = append(transcript, resp.Message)

		step := Step{
			Model:      resp.Model,
			DurationMs: time.Since(start).Milliseconds(),
			Content:    resp.Message.Content,
		}
		for _, tc := range resp.Message.ToolCalls {
			step.ToolCalls = append(step.ToolCalls, tc.Name)
		}
		result.Steps = append(result.Steps, step)
		result.ModelUsed = resp.Model

		if len(resp.Message.ToolCalls) == 0 || l.Exec == nil {
			result.Final = resp.Message.Content
			result.Transcript = transcript
			return result, nil
		}

		calls := make([]tools.Call, 0, len(resp.Message.ToolCalls))
		for _, tc := range resp.Message.ToolCalls {
			calls = append(calls, tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments})
		}
		batch := l.Exec(ctx, calls)
		result.Tools = batch
		result.ToolRounds++
		for _, r := range batch.Results {
			transcript = append(transcript, toolResultMessage(r))
		}

		if ctx.Err() != nil {
			result.Final = resp.Message.Content
			result.Transcript = transcript
			return result, ctx.Err()
		}
	}
}

func toolResultMessage(r tools.Result) Message {
	content := r.Error
	if r.OK {
		content = stringifyResult(r.Result)
	}
	return Message{Role: "tool", ToolCallID: r.ID, Name: r.Name, Content: content}
}

func stringifyResult(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "ok"
	case string:
		return t
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return "ok"
		}
		return string(buf)
	}
}

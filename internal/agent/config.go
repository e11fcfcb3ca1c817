package agent

import (
	"time"
)

// Loop modes.
const (
	LoopAutonomous = "autonomous"
	LoopPassive    = "passive"
)

// MinLoopInterval is the floor applied to configured loop intervals.
const MinLoopInterval = 5 * time.Second

// Goal is one tracked objective.
type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"` // pending | in_progress | blocked | completed | cancelled
	Progress    float64    `json:"progress"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Config is the per-agent configuration document.
type Config struct {
	Name              string   `json:"name"`
	Personality       string   `json:"personality"`
	Specialty         string   `json:"specialty,omitempty"`
	Model             string   `json:"model,omitempty"`
	FastModel         string   `json:"fastModel,omitempty"`
	LoopIntervalMs    int      `json:"loopIntervalMs"`
	MaxCompletedGoals int      `json:"maxCompletedGoals"`
	Goals             []Goal   `json:"goals"`
	EnabledTools      []string `json:"enabledTools"`
	Extensions        []string `json:"extensions,omitempty"`
	LoopMode          string   `json:"loopMode"`
	WebhookURL        string   `json:"webhookUrl,omitempty"`
}

// Normalize applies defaults and clamps in place.
func (c *Config) Normalize() {
	if c.LoopIntervalMs < int(MinLoopInterval/time.Millisecond) {
		c.LoopIntervalMs = int(MinLoopInterval / time.Millisecond)
	}
	if c.MaxCompletedGoals <= 0 {
		c.MaxCompletedGoals = 3
	}
	if c.LoopMode != LoopPassive {
		c.LoopMode = LoopAutonomous
	}
}

// LoopInterval returns the clamped interval as a duration.
func (c *Config) LoopInterval() time.Duration {
	return time.Duration(c.LoopIntervalMs) * time.Millisecond
}

// ActiveGoals returns goals still being worked (pending, in_progress,
// blocked), highest priority first on ties of insertion order.
func (c *Config) ActiveGoals() []Goal {
	var out []Goal
	for _, g := range c.Goals {
		switch g.Status {
		case "completed", "cancelled":
		default:
			out = append(out, g)
		}
	}
	return out
}

// CompletedGoals returns completed goals, most recent completions first.
func (c *Config) CompletedGoals() []Goal {
	var out []Goal
	for _, g := range c.Goals {
		if g.Status == "completed" {
			out = append(out, g)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// PruneCompleted removes completed goals that finished before cutoff or
// that exceed the retention count, returning the pruned goals for the
// durable archive.
func (c *Config) PruneCompleted(cutoff time.Time) []Goal {
	var kept []Goal
	var pruned []Goal
	completedKept := 0
	// Walk newest completions first so retention keeps the most recent.
	byRecency := make([]int, len(c.Goals))
	for i := range c.Goals {
		byRecency[i] = len(c.Goals) - 1 - i
	}
	keepIdx := make(map[int]bool)
	for _, i := range byRecency {
		g := c.Goals[i]
		if g.Status != "completed" {
			keepIdx[i] = true
			continue
		}
		old := g.CompletedAt != nil && g.CompletedAt.Before(cutoff)
		if old || completedKept >= c.MaxCompletedGoals {
			continue
		}
		completedKept++
		keepIdx[i] = true
	}
	for i, g := range c.Goals {
		if keepIdx[i] {
			kept = append(kept, g)
		} else {
			pruned = append(pruned, g)
		}
	}
	c.Goals = kept
	return pruned
}

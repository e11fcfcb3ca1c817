package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/backend/internal/tools"
)

// extensibilityHint is shown once to agents that start with no
// extensions loaded.
const extensibilityHint = "You currently have no extensions loaded. " +
	"Extensions add tools and environments to your cycles; ask your " +
	"operator to enable one if your goals need capabilities you lack."

// promptInput gathers everything the prompt builder renders.
type promptInput struct {
	Config       *Config
	Goals        []Goal
	Completed    []Goal
	Outcomes     []tools.Outcome
	Observations map[string]interface{}
	EnvContext   string
	InboxCount   int
	EnabledTools []string
	ShowHint     bool
}

// buildSystemPrompt renders the personality plus the one-time
// extensibility hint.
func buildSystemPrompt(in *promptInput) string {
	var b strings.Builder
	personality := in.Config.Personality
	if personality == "" {
		personality = "You are " + in.Config.Name + ", an autonomous agent."
	}
	b.WriteString(personality)
	if in.Config.Specialty != "" {
		b.WriteString("\nSpecialty: ")
		b.WriteString(in.Config.Specialty)
	}
	if in.ShowHint {
		b.WriteString("\n\n")
		b.WriteString(extensibilityHint)
	}
	return b.String()
}

// buildUserMessage renders the cycle's working context: goals, recent
// outcomes, observations, environment block, inbox nudge, tool list, and
// the standing instructions.
func buildUserMessage(in *promptInput) string {
	var b strings.Builder

	if len(in.Goals) > 0 {
		b.WriteString("Active goals:\n")
		for _, g := range in.Goals {
			fmt.Fprintf(&b, "- [%s] %s (priority %d, progress %.0f%%)\n",
				g.Status, g.Description, g.Priority, g.Progress*100)
		}
	} else {
		b.WriteString("You have no active goals.\n")
	}
	if max := in.Config.MaxCompletedGoals; max > 0 && len(in.Completed) > 0 {
		recent := in.Completed
		if len(recent) > max {
			recent = recent[:max]
		}
		b.WriteString("Recently completed:\n")
		for _, g := range recent {
			fmt.Fprintf(&b, "- %s\n", g.Description)
		}
	}

	if len(in.Outcomes) > 0 {
		b.WriteString("\nRecent tool outcomes:\n")
		last := in.Outcomes
		if len(last) > 5 {
			last = last[len(last)-5:]
		}
		for _, o := range last {
			status := "ok"
			if !o.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "- %s: %s\n", o.Tool, status)
		}
	}

	if len(in.Observations) > 0 {
		if buf, err := json.Marshal(in.Observations); err == nil {
			b.WriteString("\nObservations: ")
			b.Write(buf)
			b.WriteString("\n")
		}
	}

	if in.EnvContext != "" {
		b.WriteString("\n")
		b.WriteString(in.EnvContext)
		b.WriteString("\n")
	}

	if in.InboxCount > 0 {
		fmt.Fprintf(&b, "\nYou have %d unread inbox message(s) in your observations. Respond to them.\n", in.InboxCount)
	}

	if len(in.EnabledTools) > 0 {
		b.WriteString("\nEnabled tools: ")
		b.WriteString(strings.Join(in.EnabledTools, ", "))
		b.WriteString("\n")
	}

	b.WriteString("\nWork toward your goals. Always use at least one tool this cycle. " +
		"If you are stuck, report it with the notify tool.")
	return b.String()
}

// exposedTools filters the registry's tool definitions for the model:
// suppressed names are removed, and when a phase whitelist is present
// only whitelisted names survive (the whitelist wins).
func exposedTools(all []*tools.Tool, suppressed, whitelist []string) []*tools.Tool {
	drop := make(map[string]bool, len(suppressed))
	for _, n := range suppressed {
		drop[n] = true
	}
	var allow map[string]bool
	if len(whitelist) > 0 {
		allow = make(map[string]bool, len(whitelist))
		for _, n := range whitelist {
			allow[n] = true
		}
	}
	var out []*tools.Tool
	for _, t := range all {
		if allow != nil {
			if allow[t.Name] {
				out = append(out, t)
			}
			continue
		}
		if !drop[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

package agent

import (
	"strings"
	"time"
)

// Error categories, in selection priority order.
const (
	CategoryPersistent = "persistent"
	CategoryTransient  = "transient"
	CategoryGame       = "game"
	CategoryUnknown    = "unknown"
)

// Backoff tier tables. Transient and persistent saturate at the last
// entry; game is a fixed retry cadence.
var (
	transientTiers  = []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}
	persistentTiers = []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}
	gameInterval    = 15 * time.Second
	unknownInterval = 60 * time.Second
)

// Backoff is the persisted consecutive-error state.
type Backoff struct {
	Category string `json:"category"`
	Streak   int    `json:"streak"`
}

// CycleError is one captured phase failure.
type CycleError struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// Categorize classifies one error by message heuristics and phase.
func Categorize(phase, message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "rate limit"),
		strings.Contains(m, "429"),
		strings.Contains(m, "too many requests"):
		return CategoryTransient
	case strings.Contains(m, "timeout"),
		strings.Contains(m, "timed out"),
		strings.Contains(m, "aborterror"):
		return CategoryTransient
	case strings.Contains(m, "config"):
		return CategoryPersistent
	case phase == "act" && strings.Contains(m, "game"):
		return CategoryGame
	}
	return CategoryPersistent
}

// categoryPriority orders category selection when a cycle had several
// errors.
var categoryPriority = []string{CategoryPersistent, CategoryTransient, CategoryGame, CategoryUnknown}

// SelectCategory picks the single backoff category for a cycle's errors.
func SelectCategory(errs []CycleError) string {
	if len(errs) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(errs))
	for _, e := range errs {
		seen[Categorize(e.Phase, e.Message)] = true
	}
	for _, c := range categoryPriority {
		if seen[c] {
			return c
		}
	}
	return CategoryUnknown
}

// Advance updates the streak for a new error cycle of the given
// category. A category change resets the streak.
func (b *Backoff) Advance(category string) {
	if b.Category != category {
		b.Category = category
		b.Streak = 0
	}
	b.Streak++
}

// Clear resets the state after a successful cycle.
func (b *Backoff) Clear() {
	b.Category = ""
	b.Streak = 0
}

// Interval returns the tiered next interval for the current state.
func (b *Backoff) Interval() time.Duration {
	tier := func(tiers []time.Duration) time.Duration {
		i := b.Streak - 1
		if i < 0 {
			i = 0
		}
		if i >= len(tiers) {
			i = len(tiers) - 1
		}
		return tiers[i]
	}
	switch b.Category {
	case CategoryTransient:
		return tier(transientTiers)
	case CategoryPersistent:
		return tier(persistentTiers)
	case CategoryGame:
		return gameInterval
	}
	return unknownInterval
}

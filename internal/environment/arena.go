// Package environment provides turn-claiming environments that plug into
// the tool dispatcher. The arena is a minimal turn-based environment:
// agents join, act in rotation, and the environment nudges the schedule
// (my_turn / waiting) and auto-plays a pass when the model stalls.
package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/backend/internal/tools"
)

// ArenaState is the shared game table. One instance serves every agent
// in the process; per-agent views are created with ViewFor.
type ArenaState struct {
	mu      sync.Mutex
	players []string
	turnIdx int
	round   int
	log     []ArenaMove
	started time.Time
}

// ArenaMove is one recorded action.
type ArenaMove struct {
	DID    string    `json:"did"`
	Action string    `json:"action"`
	Round  int       `json:"round"`
	At     time.Time `json:"at"`
}

var ErrNotYourTurn = errors.New("environment: not your turn")

// NewArenaState creates an empty table.
func NewArenaState() *ArenaState {
	return &ArenaState{started: time.Now().UTC()}
}

// Join registers a player. Joining twice is a no-op.
func (a *ArenaState) Join(did string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.players {
		if p == did {
			return
		}
	}
	a.players = append(a.players, did)
}

// CurrentTurn returns the DID whose turn it is, or "" when empty.
func (a *ArenaState) CurrentTurn() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.players) == 0 {
		return ""
	}
	return a.players[a.turnIdx%len(a.players)]
}

// Act records an action for did and advances the turn when the action is
// a turn-ender ("pass" or "endturn").
func (a *ArenaState) Act(did, action string) (*ArenaMove, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.players) == 0 || a.players[a.turnIdx%len(a.players)] != did {
		return nil, ErrNotYourTurn
	}
	move := ArenaMove{DID: did, Action: action, Round: a.round, At: time.Now().UTC()}
	a.log = append(a.log, move)
	if action == "pass" || action == "endturn" {
		a.turnIdx++
		if a.turnIdx%len(a.players) == 0 {
			a.round++
		}
	}
	return &move, nil
}

// Snapshot renders the table for prompts.
func (a *ArenaState) Snapshot() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	recent := a.log
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	current := ""
	if len(a.players) > 0 {
		current = a.players[a.turnIdx%len(a.players)]
	}
	return map[string]interface{}{
		"players":     append([]string(nil), a.players...),
		"currentTurn": current,
		"round":       a.round,
		"recentMoves": recent,
	}
}

// Arena is one agent's view of the shared state. It implements
// tools.Environment and the extension contract (Name/Version/Tools/
// Environment), so it can be registered as a plugin.
type Arena struct {
	state      *ArenaState
	did        string
	gameMaster func() bool // role predicate for the gamemaster tool
}

// ViewFor binds the shared state to one agent. gameMaster gates the
// sensitive table-control tool; nil means never available.
func (a *ArenaState) ViewFor(did string, gameMaster func() bool) *Arena {
	if gameMaster == nil {
		gameMaster = func() bool { return false }
	}
	return &Arena{state: a, did: did, gameMaster: gameMaster}
}

func (e *Arena) Name() string    { return "arena" }
func (e *Arena) Version() string { return "1.0.0" }

// Environment returns the turn-claiming view.
func (e *Arena) Environment() tools.Environment { return e }

// BuildContext claims the turn only when this agent has joined the
// table.
func (e *Arena) BuildContext(ctx context.Context) (string, error) {
	snap := e.state.Snapshot()
	joined := false
	for _, p := range snap["players"].([]string) {
		if p == e.did {
			joined = true
			break
		}
	}
	if !joined {
		return "", nil
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return "Arena state: " + string(buf), nil
}

// ResolveAlias rewrites the well-known misnames of the arena tool.
func (e *Arena) ResolveAlias(name string) (string, bool) {
	switch name {
	case "game", "play":
		return "rpg", true
	}
	return "", false
}

// Autoplay injects a pass when it is this agent's turn and the model
// took no arena action.
func (e *Arena) Autoplay(ctx context.Context, modelCalls []tools.Call) []tools.Call {
	if e.state.CurrentTurn() != e.did {
		return nil
	}
	for _, c := range modelCalls {
		name := c.Name
		if native, ok := e.ResolveAlias(name); ok {
			name = native
		}
		if name == "rpg" {
			return nil
		}
	}
	return []tools.Call{{
		ID:   uuid.NewString(),
		Name: "rpg",
		Args: map[string]interface{}{"action": "pass"},
	}}
}

// TurnHint drives the scheduler clamps.
func (e *Arena) TurnHint(ctx context.Context) string {
	current := e.state.CurrentTurn()
	if current == "" {
		return ""
	}
	if current == e.did {
		return "my_turn"
	}
	return "waiting"
}

// GameMasterGuard exposes the role predicate for the dispatcher's guard
// table.
func (e *Arena) GameMasterGuard() func() bool { return e.gameMaster }

// Tools contributes the arena tools for this agent's cycles.
func (e *Arena) Tools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "rpg",
			Description: "Take an action in the arena. Use action \"pass\" to end your turn.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"action":{"type":"string"}},"required":["action"]}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				action, _ := args["action"].(string)
				if action == "" {
					return nil, fmt.Errorf("action is required")
				}
				move, err := e.state.Act(e.did, action)
				if err != nil {
					// Surfaces as a game-category cycle error.
					return nil, fmt.Errorf("game: %w", err)
				}
				return map[string]interface{}{"move": move, "state": e.state.Snapshot()}, nil
			},
		},
		{
			Name:        "gamemaster",
			Description: "Table control: admit a player to the arena.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"did":{"type":"string"}},"required":["did"]}`),
			Execute: func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error) {
				did, _ := args["did"].(string)
				if did == "" {
					return nil, fmt.Errorf("did is required")
				}
				e.state.Join(did)
				return map[string]interface{}{"joined": did}, nil
			},
		},
	}
}

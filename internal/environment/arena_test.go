package environment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/backend/internal/tools"
)

func TestArenaTurnRotation(t *testing.T) {
	state := NewArenaState()
	state.Join("did:cf:alice")
	state.Join("did:cf:bob")

	assert.Equal(t, "did:cf:alice", state.CurrentTurn())

	_, err := state.Act("did:cf:bob", "pass")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	_, err = state.Act("did:cf:alice", "attack")
	require.NoError(t, err)
	assert.Equal(t, "did:cf:alice", state.CurrentTurn(), "non-terminal action keeps the turn")

	_, err = state.Act("did:cf:alice", "pass")
	require.NoError(t, err)
	assert.Equal(t, "did:cf:bob", state.CurrentTurn())
}

func TestArenaTurnHints(t *testing.T) {
	state := NewArenaState()
	alice := state.ViewFor("did:cf:alice", nil)
	bob := state.ViewFor("did:cf:bob", nil)
	ctx := context.Background()

	assert.Equal(t, "", alice.TurnHint(ctx), "empty table gives no hint")

	state.Join("did:cf:alice")
	state.Join("did:cf:bob")
	assert.Equal(t, "my_turn", alice.TurnHint(ctx))
	assert.Equal(t, "waiting", bob.TurnHint(ctx))
}

func TestArenaBuildContextOnlyWhenJoined(t *testing.T) {
	state := NewArenaState()
	alice := state.ViewFor("did:cf:alice", nil)
	ctx := context.Background()

	block, err := alice.BuildContext(ctx)
	require.NoError(t, err)
	assert.Empty(t, block, "unjoined agents do not claim the turn")

	state.Join("did:cf:alice")
	block, err = alice.BuildContext(ctx)
	require.NoError(t, err)
	assert.Contains(t, block, "currentTurn")
}

func TestArenaAutoplay(t *testing.T) {
	state := NewArenaState()
	state.Join("did:cf:alice")
	state.Join("did:cf:bob")
	alice := state.ViewFor("did:cf:alice", nil)
	bob := state.ViewFor("did:cf:bob", nil)
	ctx := context.Background()

	injected := alice.Autoplay(ctx, nil)
	require.Len(t, injected, 1, "stalled turn injects a pass")
	assert.Equal(t, "rpg", injected[0].Name)
	assert.Equal(t, "pass", injected[0].Args["action"])

	assert.Empty(t, bob.Autoplay(ctx, nil), "no injection off-turn")

	// The aliased call counts as an arena action.
	assert.Empty(t, alice.Autoplay(ctx, []tools.Call{{Name: "game", Args: map[string]interface{}{"action": "attack"}}}))
}

func TestArenaAliases(t *testing.T) {
	alice := NewArenaState().ViewFor("did:cf:alice", nil)

	native, ok := alice.ResolveAlias("game")
	assert.True(t, ok)
	assert.Equal(t, "rpg", native)

	_, ok = alice.ResolveAlias("remember")
	assert.False(t, ok)
}

func TestArenaToolsThroughDispatcher(t *testing.T) {
	state := NewArenaState()
	state.Join("did:cf:alice")
	alice := state.ViewFor("did:cf:alice", func() bool { return true })

	reg := tools.NewRegistry()
	for _, tool := range alice.Tools() {
		require.NoError(t, reg.Register(tool))
	}
	d := &tools.Dispatcher{
		Registry:    reg,
		Enabled:     []string{"rpg", "gamemaster"},
		Environment: alice,
		Guards:      map[string]func() bool{"gamemaster": alice.GameMasterGuard()},
		Outcomes:    tools.NewOutcomeLog(nil),
	}

	res := d.Dispatch(context.Background(), []tools.Call{
		{ID: "1", Name: "gamemaster", Args: map[string]interface{}{"did": "did:cf:bob"}},
		{ID: "2", Name: "game", Args: map[string]interface{}{"action": "pass"}},
	})
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].OK)
	assert.True(t, res.Results[1].OK)
	assert.Equal(t, "did:cf:bob", state.CurrentTurn(), "pass handed the turn to bob")
}

package hex

import (
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func play(t *testing.T, g *Game, actions ...game.Action) (state game.State, terminal bool) {
	state = g.Initial()
	for _, action := range actions {
		var err error
		state, _, terminal, err = g.Apply(state, action)
		require.NoError(t, err)
	}
	return
}

func TestNew(t *testing.T) {
	g, err := New(DefaultSize)
	require.NoError(t, err)
	assert.Equal(t, "hex7x7", g.Name())
	assert.Equal(t, 2, g.NumPlayers())
	assert.Equal(t, 49, g.ActionSpaceSize())
	assert.Equal(t, 3*49, g.ObservationSize())

	_, err = New(1)
	assert.Error(t, err)
	_, err = New(20)
	assert.Error(t, err)
}

func TestFirstPlayerConnectsTopToBottom(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)
	// First at (0,0), second at (0,1), first at (1,0).
	state, terminal := play(t, g, 0, 1, 2)
	require.True(t, terminal)
	b := state.(*Board)
	assert.Equal(t, game.PlayerFirst, b.Winner())
	assert.Equal(t, 3, b.MoveNumber())
	assert.Empty(t, g.LegalActions(state))

	// The second player is to move, and has lost.
	value, finished := g.Outcome(state)
	assert.True(t, finished)
	assert.Equal(t, float32(-1), value)

	_, _, _, err = g.Apply(state, 3)
	assert.True(t, errors.Is(err, game.ErrIllegalAction))
}

func TestSecondPlayerConnectsLeftToRight(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)
	// Second player takes the middle row: cells 3, 4, 5.
	state, terminal := play(t, g, 0, 3, 1, 4, 8, 5)
	require.True(t, terminal)
	assert.Equal(t, game.PlayerSecond, state.(*Board).Winner())
	assert.Equal(t, game.PlayerFirst, state.NextPlayer())
	value, finished := g.Outcome(state)
	assert.True(t, finished)
	assert.Equal(t, float32(-1), value)
}

func TestNoDraws(t *testing.T) {
	g, err := New(4)
	require.NoError(t, err)
	state := g.Initial()
	terminal := false
	for !terminal {
		legal := g.LegalActions(state)
		require.NotEmpty(t, legal)
		state, _, terminal, err = g.Apply(state, legal[len(legal)/2])
		require.NoError(t, err)
	}
	assert.NotEqual(t, game.PlayerInvalid, state.(*Board).Winner())
}

func TestIllegalActions(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)
	state, _ := play(t, g, 4)
	assert.Len(t, g.LegalActions(state), 8)
	for _, action := range []game.Action{4, -1, 9} {
		_, _, _, err = g.Apply(state, action)
		assert.True(t, errors.Is(err, game.ErrIllegalAction), "action %d", action)
	}
}

func TestObserveAndSymmetries(t *testing.T) {
	g, err := New(3)
	require.NoError(t, err)
	state, _ := play(t, g, 0)
	obs := g.Observe(state)
	require.Len(t, obs, g.ObservationSize())
	assert.Equal(t, float32(1), obs[0])
	for idx := range 9 {
		assert.Equal(t, float32(1), obs[18+idx], "second player to move plane")
	}

	policy := make([]float32, 9)
	policy[1] = 1
	syms := g.Symmetries(obs, policy)
	require.Len(t, syms, 2)
	assert.Equal(t, obs, syms[0].Observation)
	assert.Equal(t, float32(1), syms[1].Observation[8])
	assert.Equal(t, float32(1), syms[1].Policy[7])

	// Rotating twice is the identity.
	again := g.Symmetries(syms[1].Observation, syms[1].Policy)
	assert.Equal(t, obs, again[1].Observation)
	assert.Equal(t, policy, again[1].Policy)
}

func TestString(t *testing.T) {
	g, err := New(2)
	require.NoError(t, err)
	state, _ := play(t, g, 0, 3)
	assert.Equal(t, "X . \n . O \n", g.String(state))
}

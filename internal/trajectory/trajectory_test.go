package trajectory

import (
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func returns(t *Trajectory) []float32 {
	r := make([]float32, len(t.Steps))
	for ii, step := range t.Steps {
		r[ii] = step.Return
	}
	return r
}

// singlePlayer builds a single-player trajectory with the given rewards.
func singlePlayer(rewards ...float32) *Trajectory {
	traj := New("corridor")
	for _, r := range rewards {
		traj.Steps = append(traj.Steps, Step{Player: game.PlayerFirst, Reward: r})
	}
	return traj
}

// twoPlayers builds a trajectory of numSteps alternating plies, whose model values are 0.1*ply.
// Search values are set far off, so a return bootstrapped from them would show.
func twoPlayers(numSteps int) *Trajectory {
	traj := New("tictactoe")
	for ii := range numSteps {
		traj.Steps = append(traj.Steps, Step{Player: game.PlayerNum(ii % 2), ModelValue: 0.1 * float32(ii), SearchValue: -5})
	}
	traj.FinalPlayer = game.PlayerNum(numSteps % 2)
	return traj
}

func TestNStepReturnWithoutDiscount(t *testing.T) {
	rewards := make([]float32, 10)
	rewards[9] = 1 // Reaching the goal at the 10th ply.
	traj := singlePlayer(rewards...)
	ComputeReturns(traj, 10, 1)
	assert.Equal(t, float32(1), traj.Steps[0].Return)
	for _, ret := range returns(traj) {
		assert.Equal(t, float32(1), ret)
	}
}

func TestMonteCarloReturnDiscounted(t *testing.T) {
	traj := singlePlayer(0, 0, 1)
	ComputeReturns(traj, 0, 0.5)
	assert.Equal(t, []float32{0.25, 0.5, 1}, returns(traj))
	assert.Equal(t, float32(1), traj.TotalReward(game.PlayerFirst))
}

func TestZeroSumOutcomeBroadcast(t *testing.T) {
	traj := twoPlayers(5)
	// First player made the last move and won: the second player, to move, lost.
	traj.FinalValue = -1
	ComputeReturns(traj, 0, 1)
	assert.Equal(t, []float32{1, -1, 1, -1, 1}, returns(traj))
	assert.Equal(t, float32(1), traj.Outcome(game.PlayerFirst))
	assert.Equal(t, float32(-1), traj.Outcome(game.PlayerSecond))

	// Truncated episodes are draws.
	traj.Truncated = true
	traj.FinalValue = 0.7
	ComputeReturns(traj, 0, 1)
	assert.Equal(t, []float32{0, 0, 0, 0, 0}, returns(traj))
	assert.Equal(t, float32(0), traj.Outcome(game.PlayerFirst))
}

func TestNStepTwoPlayers(t *testing.T) {
	traj := twoPlayers(5)
	traj.FinalValue = -1
	ComputeReturns(traj, 2, 1)
	// Steps 0-2 bootstrap from the model value 2 plies ahead, same player.
	// Steps 3-4 reach the end: final outcome, +1 for the first player.
	assert.InDeltaSlice(t, []float32{0.2, 0.3, 0.4, -1, 1}, returns(traj), 1e-6)

	// Odd horizon: bootstrap from the opponent's value, sign flipped.
	ComputeReturns(traj, 1, 1)
	assert.InDeltaSlice(t, []float32{-0.1, -0.2, -0.3, -0.4, 1}, returns(traj), 1e-6)
}

func TestNStepTruncatedBootstrapsFromEstimate(t *testing.T) {
	traj := singlePlayer(0, 0, 0, 0)
	traj.Truncated = true
	traj.FinalValue = 0.5
	ComputeReturns(traj, 2, 0.5)
	// The last step is one ply from the end, so the estimate is discounted only once.
	assert.InDeltaSlice(t, []float32{0, 0, 0.125, 0.25}, returns(traj), 1e-6)
}

func TestCloneAndValidate(t *testing.T) {
	traj := New("tictactoe")
	traj.Steps = []Step{{Observation: []float32{1, 0}, Policy: []float32{0.5, 0.5, 0}, Action: 1}}
	require.NoError(t, traj.Validate(3, 2))
	require.Error(t, traj.Validate(4, 2))
	require.Error(t, traj.Validate(3, 3))

	clone := traj.Clone()
	clone.Steps[0].Policy[0] = 1
	assert.Equal(t, float32(0.5), traj.Steps[0].Policy[0])
	assert.Equal(t, traj.ID, clone.ID)
}

// Package trajectory holds the data generated by one self-play episode, and the computation of
// the return targets used to train the value head.
package trajectory

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/pkg/errors"
	"slices"
)

// Step is one ply of an episode.
type Step struct {
	// Observation of the state before the action, as returned by game.Game.Observe.
	Observation []float32

	// Policy target: the search visit distribution over the full action space (illegal actions are 0).
	Policy []float32

	// Action taken, by Player.
	Action game.Action
	Player game.PlayerNum

	// Reward received by Player for taking Action.
	Reward float32

	// ModelValue is the value the model assigned to the state, for Player. It is the bootstrap
	// of n-step returns.
	ModelValue float32

	// SearchValue is the search value estimate of the state (mean Q of the root), for Player.
	// It is used as the baseline of the TD-error priorities.
	SearchValue float32

	// Return is the value target for Player, set by ComputeReturns.
	Return float32
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() Step {
	c := *s
	c.Observation = slices.Clone(s.Observation)
	c.Policy = slices.Clone(s.Policy)
	return c
}

// Trajectory is the ordered sequence of steps of one episode. It is immutable once the episode ends
// and the returns are computed.
type Trajectory struct {
	ID        uuid.UUID
	Game      string
	Iteration int
	Steps     []Step

	// Truncated is true if the episode was stopped by the move cap before the game ended.
	Truncated bool

	// FinalPlayer is the player to move on the final state, and FinalValue the value of the
	// final state for that player: the exact outcome if the game ended, otherwise (truncated)
	// the model's estimate.
	FinalPlayer game.PlayerNum
	FinalValue  float32
}

// New creates an empty trajectory with a new random ID.
func New(gameName string) *Trajectory {
	return &Trajectory{ID: uuid.New(), Game: gameName, FinalPlayer: game.PlayerFirst}
}

// Len returns the number of steps (transitions).
func (t *Trajectory) Len() int { return len(t.Steps) }

// Outcome returns the final result of the episode for the given player: the terminal outcome converted
// to the player's perspective, or 0 (a draw) if the episode was truncated.
func (t *Trajectory) Outcome(player game.PlayerNum) float32 {
	if t.Truncated {
		return 0
	}
	return game.PerspectiveValue(t.FinalValue, t.FinalPlayer, player)
}

// TotalReward returns the undiscounted sum of the rewards received by the given player,
// plus its final outcome. For single-player games this is the score of the episode.
func (t *Trajectory) TotalReward(player game.PlayerNum) float32 {
	total := t.Outcome(player)
	for _, step := range t.Steps {
		total += game.PerspectiveValue(step.Reward, step.Player, player)
	}
	return total
}

// String implements fmt.Stringer.
func (t *Trajectory) String() string {
	status := "finished"
	if t.Truncated {
		status = "truncated"
	}
	return fmt.Sprintf("trajectory %s (%s, iteration %d): %d steps, %s", t.ID, t.Game, t.Iteration, len(t.Steps), status)
}

// Clone returns a deep copy of the trajectory.
func (t *Trajectory) Clone() *Trajectory {
	c := *t
	c.Steps = make([]Step, len(t.Steps))
	for ii := range t.Steps {
		c.Steps[ii] = t.Steps[ii].Clone()
	}
	return &c
}

// Validate checks the trajectory is consistent with the given action space and observation sizes.
func (t *Trajectory) Validate(actionSpaceSize, observationSize int) error {
	for ii, step := range t.Steps {
		if len(step.Policy) != actionSpaceSize {
			return errors.Errorf("%s: step %d has policy of size %d, expected %d", t, ii, len(step.Policy), actionSpaceSize)
		}
		if len(step.Observation) != observationSize {
			return errors.Errorf("%s: step %d has observation of size %d, expected %d", t, ii, len(step.Observation), observationSize)
		}
		if step.Action < 0 || int(step.Action) >= actionSpaceSize {
			return errors.Errorf("%s: step %d has invalid action %d", t, ii, step.Action)
		}
	}
	return nil
}

// ComputeReturns back-fills the Return of every step.
//
// If nSteps <= 0 the whole episode is used (Monte-Carlo return): the discounted sum of the remaining
// rewards plus the discounted final outcome, each converted to the perspective of the step's player.
// For zero-sum board games (no intermediate rewards, gamma=1) this is the terminal outcome broadcast
// to all steps, and a truncated episode is a draw (0).
//
// If nSteps > 0, the n-step bootstrapped return is used:
//
//	G_t = Σ_{k<n} γ^k r_{t+k} + γ^n v_{t+n}
//
// where v_{t+n} is the value the model assigned to the state at step t+n. If t+n reaches the end of the episode, the
// bootstrap is the final value: the terminal outcome, or the model's estimate if truncated.
func ComputeReturns(t *Trajectory, nSteps int, gamma float32) {
	numSteps := len(t.Steps)
	if nSteps <= 0 {
		// Accumulate backwards.
		var bootstrap float32
		if !t.Truncated {
			bootstrap = t.FinalValue
		}
		value, player := bootstrap, t.FinalPlayer
		for ii := numSteps - 1; ii >= 0; ii-- {
			step := &t.Steps[ii]
			value = step.Reward + gamma*game.PerspectiveValue(value, player, step.Player)
			player = step.Player
			step.Return = value
		}
		return
	}

	for ii := range t.Steps {
		step := &t.Steps[ii]
		var ret float32
		discount := float32(1)
		end := min(ii+nSteps, numSteps)
		for jj := ii; jj < end; jj++ {
			other := &t.Steps[jj]
			ret += discount * game.PerspectiveValue(other.Reward, other.Player, step.Player)
			discount *= gamma
		}
		if ii+nSteps < numSteps {
			other := &t.Steps[ii+nSteps]
			ret += discount * game.PerspectiveValue(other.ModelValue, other.Player, step.Player)
		} else {
			ret += discount * game.PerspectiveValue(t.FinalValue, t.FinalPlayer, step.Player)
		}
		step.Return = ret
	}
}

// Package game defines the interface the training loop uses to talk to the rules of a game.
//
// The core (search, self-play, arena) never looks inside a State: it only asks the Game
// about legal actions, applies actions and reads outcomes and observations.
// Games must be deterministic given (state, action).
package game

import (
	"fmt"
	"github.com/pkg/errors"
)

// Action is the index of an action in the game's action space, that is, in the range
// [0, Game.ActionSpaceSize()).
type Action int

// PlayerNum is the index of a player: 0 for the first player, 1 for the second.
type PlayerNum int

const (
	PlayerFirst   PlayerNum = 0
	PlayerSecond  PlayerNum = 1
	PlayerInvalid PlayerNum = -1
)

// String implements fmt.Stringer.
func (p PlayerNum) String() string {
	switch p {
	case PlayerFirst:
		return "Player#0"
	case PlayerSecond:
		return "Player#1"
	default:
		return "Player#Invalid"
	}
}

// Opponent returns the other player in a two-player game.
func (p PlayerNum) Opponent() PlayerNum { return 1 - p }

// ErrIllegalAction is returned (wrapped) by Game.Apply when the action is not legal in the given state.
// It is a programming error on the caller side, and should never be retried.
var ErrIllegalAction = errors.New("illegal action")

// State is an opaque game state handle, owned by the Game that created it.
// States are immutable: Game.Apply returns a new one.
type State interface {
	// NextPlayer to act on this state. Always PlayerFirst on single-player games.
	NextPlayer() PlayerNum

	// MoveNumber is the number of actions taken so far, starting from 0.
	MoveNumber() int
}

// Symmetric is a symmetric version of an observation and its associated policy.
type Symmetric struct {
	Observation []float32
	Policy      []float32
}

// Game is the rules engine consumed by the search and training core.
type Game interface {
	// Name of the game, used for logging and checkpoint metadata.
	Name() string

	// NumPlayers is either 1 (general reward games) or 2 (alternating zero-sum games).
	NumPlayers() int

	// ActionSpaceSize is the total number of actions, legal or not. Policies are vectors of this size.
	ActionSpaceSize() int

	// ObservationSize is the length of the vectors returned by Observe.
	ObservationSize() int

	// Initial returns the starting state.
	Initial() State

	// LegalActions in the given state, in ascending order. Empty if the state is finished.
	LegalActions(state State) []Action

	// Apply the action to the state, returning the next state, the immediate reward for the
	// player who acted, and whether the next state is terminal.
	// An illegal action returns an error wrapping ErrIllegalAction.
	Apply(state State, action Action) (next State, reward float32, terminal bool, err error)

	// Outcome returns the final value of a terminal state, from the perspective of
	// state.NextPlayer(). If the state is not terminal, finished is false and value should be ignored.
	Outcome(state State) (value float32, finished bool)

	// Observe returns the observation vector fed to the model.
	Observe(state State) []float32

	// Symmetries returns symmetric versions of the observation and policy (including
	// the original as the first element).
	Symmetries(observation, policy []float32) []Symmetric

	// String returns a human-readable rendering of the state.
	String(state State) string
}

// ValidateAction returns an error wrapping ErrIllegalAction if action is not one of legal.
func ValidateAction(legal []Action, action Action) error {
	for _, a := range legal {
		if a == action {
			return nil
		}
	}
	return errors.Wrapf(ErrIllegalAction, "action %d not in legal actions %v", action, legal)
}

// PerspectiveValue converts value, seen from player `from`, to the perspective of player `to`.
// For single-player games (or when from == to) the value is unchanged.
func PerspectiveValue(value float32, from, to PlayerNum) float32 {
	if from == to {
		return value
	}
	return -value
}

// Describe returns a short description of the game, for logging.
func Describe(g Game) string {
	return fmt.Sprintf("%s (players=%d, actions=%d, observation=%d)",
		g.Name(), g.NumPlayers(), g.ActionSpaceSize(), g.ObservationSize())
}

// IdentitySymmetry returns only the original observation and policy. Games without
// symmetries can use it to implement Game.Symmetries.
func IdentitySymmetry(observation, policy []float32) []Symmetric {
	return []Symmetric{{Observation: observation, Policy: policy}}
}

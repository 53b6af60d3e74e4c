// Package corridor implements a trivial single-player game: walk from the start of a
// corridor to its end. Reaching the end gives a reward of 1.
//
// It exercises the general-reward (non zero-sum) paths of the training loop: rewards
// given by Apply, discounting and n-step returns.
package corridor

import (
	"fmt"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/pkg/errors"
	"strings"
)

// Actions.
const (
	Left  game.Action = 0
	Right game.Action = 1
)

// Game implements game.Game for a corridor of Length cells.
type Game struct {
	Length int
}

var _ game.Game = (*Game)(nil)

// Position is the corridor game.State.
type Position struct {
	Cell  int
	moves int
}

func (p *Position) NextPlayer() game.PlayerNum { return game.PlayerFirst }
func (p *Position) MoveNumber() int { return p.moves }

// New creates a corridor game with length cells.
func New(length int) (*Game, error) {
	if length < 2 {
		return nil, errors.Errorf("corridor length must be at least 2, got %d", length)
	}
	return &Game{Length: length}, nil
}

func (g *Game) Name() string { return fmt.Sprintf("corridor%d", g.Length) }
func (g *Game) NumPlayers() int { return 1 }
func (g *Game) ActionSpaceSize() int { return 2 }
func (g *Game) ObservationSize() int { return g.Length }
func (g *Game) Initial() game.State { return &Position{} }

func (g *Game) finished(p *Position) bool { return p.Cell == g.Length-1 }

// LegalActions implements game.Game.
func (g *Game) LegalActions(state game.State) []game.Action {
	p := state.(*Position)
	if g.finished(p) {
		return nil
	}
	if p.Cell == 0 {
		return []game.Action{Right}
	}
	return []game.Action{Left, Right}
}

// Apply implements game.Game.
func (g *Game) Apply(state game.State, action game.Action) (next game.State, reward float32, terminal bool, err error) {
	p := state.(*Position)
	if err = game.ValidateAction(g.LegalActions(state), action); err != nil {
		return nil, 0, false, err
	}
	np := &Position{Cell: p.Cell, moves: p.moves + 1}
	if action == Right {
		np.Cell++
	} else {
		np.Cell--
	}
	if g.finished(np) {
		return np, 1, true, nil
	}
	return np, 0, false, nil
}

// Outcome implements game.Game: all the value is collected as rewards, so the terminal value is 0.
func (g *Game) Outcome(state game.State) (value float32, finished bool) {
	return 0, g.finished(state.(*Position))
}

// Observe implements game.Game: one-hot encoding of the position.
func (g *Game) Observe(state game.State) []float32 {
	obs := make([]float32, g.Length)
	obs[state.(*Position).Cell] = 1
	return obs
}

func (g *Game) Symmetries(observation, policy []float32) []game.Symmetric {
	return game.IdentitySymmetry(observation, policy)
}

// String implements game.Game.
func (g *Game) String(state game.State) string {
	cells := []byte(strings.Repeat(".", g.Length))
	cells[state.(*Position).Cell] = '@'
	return string(cells)
}

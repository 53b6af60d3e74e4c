// Package tictactoe implements the 3x3 tic-tac-toe toy game, used to test and debug the training loop.
package tictactoe

import (
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/pkg/errors"
	"strings"
)

const NumCells = 9

// Game implements game.Game for tic-tac-toe. It is stateless.
type Game struct{}

var _ game.Game = Game{}

// Board is the tic-tac-toe game.State.
type Board struct {
	// cells hold 0 for empty, 1 for the first player (X) and 2 for the second player (O).
	cells  [NumCells]int8
	next   game.PlayerNum
	moves  int
	winner game.PlayerNum
	full   bool
}

var _ game.State = (*Board)(nil)

func (b *Board) NextPlayer() game.PlayerNum { return b.next }
func (b *Board) MoveNumber() int { return b.moves }

// Finished returns whether the board has a winner or is full.
func (b *Board) Finished() bool { return b.winner != game.PlayerInvalid || b.full }

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func (b *Board) updateStatus() {
	b.winner = game.PlayerInvalid
	for _, line := range lines {
		v := b.cells[line[0]]
		if v != 0 && v == b.cells[line[1]] && v == b.cells[line[2]] {
			b.winner = game.PlayerNum(v - 1)
			return
		}
	}
	b.full = true
	for _, v := range b.cells {
		if v == 0 {
			b.full = false
			return
		}
	}
}

// FromString creates a board from a 9 characters string (whitespace is ignored), using
// 'X' for the first player, 'O' for the second player and '.' or '_' for empty cells.
// The next player is given explicitly, so arbitrary positions can be set up.
func FromString(layout string, next game.PlayerNum) (*Board, error) {
	layout = strings.Join(strings.Fields(layout), "")
	if len(layout) != NumCells {
		return nil, errors.Errorf("tic-tac-toe layout must have 9 cells, got %q", layout)
	}
	b := &Board{next: next}
	for idx, r := range layout {
		switch r {
		case 'X', 'x':
			b.cells[idx] = 1
			b.moves++
		case 'O', 'o':
			b.cells[idx] = 2
			b.moves++
		case '.', '_':
		default:
			return nil, errors.Errorf("invalid tic-tac-toe cell %q in layout %q", r, layout)
		}
	}
	b.updateStatus()
	return b, nil
}

func (Game) Name() string { return "tictactoe" }
func (Game) NumPlayers() int { return 2 }
func (Game) ActionSpaceSize() int { return NumCells }
func (Game) ObservationSize() int { return 3 * NumCells }

// Initial implements game.Game.
func (Game) Initial() game.State {
	return &Board{winner: game.PlayerInvalid}
}

func board(state game.State) *Board {
	b, ok := state.(*Board)
	if !ok {
		panic(errors.Errorf("tic-tac-toe given incompatible state %T", state))
	}
	return b
}

// LegalActions implements game.Game.
func (Game) LegalActions(state game.State) []game.Action {
	b := board(state)
	if b.Finished() {
		return nil
	}
	actions := make([]game.Action, 0, NumCells-b.moves)
	for idx, v := range b.cells {
		if v == 0 {
			actions = append(actions, game.Action(idx))
		}
	}
	return actions
}

// Apply implements game.Game.
func (Game) Apply(state game.State, action game.Action) (next game.State, reward float32, terminal bool, err error) {
	b := board(state)
	if b.Finished() || action < 0 || action >= NumCells || b.cells[action] != 0 {
		return nil, 0, false, errors.Wrapf(game.ErrIllegalAction, "tic-tac-toe: can't play cell %d", action)
	}
	nb := &Board{cells: b.cells, next: b.next.Opponent(), moves: b.moves + 1}
	nb.cells[action] = int8(b.next) + 1
	nb.updateStatus()
	return nb, 0, nb.Finished(), nil
}

// Outcome implements game.Game.
func (Game) Outcome(state game.State) (value float32, finished bool) {
	b := board(state)
	switch {
	case b.winner == b.next:
		return 1, true
	case b.winner != game.PlayerInvalid:
		return -1, true
	case b.full:
		return 0, true
	}
	return 0, false
}

// Observe implements game.Game.
func (Game) Observe(state game.State) []float32 {
	b := board(state)
	obs := make([]float32, 3*NumCells)
	for idx, v := range b.cells {
		if v > 0 {
			obs[int(v-1)*NumCells+idx] = 1
		}
	}
	if b.next == game.PlayerSecond {
		for idx := range NumCells {
			obs[2*NumCells+idx] = 1
		}
	}
	return obs
}

// symmetries holds the 8 permutations of the dihedral group of the square.
var symmetries = func() [][NumCells]int {
	rotate := func(p [NumCells]int) (r [NumCells]int) {
		for idx := range NumCells {
			row, col := idx/3, idx%3
			r[col*3+2-row] = p[idx]
		}
		return
	}
	mirror := func(p [NumCells]int) (r [NumCells]int) {
		for idx := range NumCells {
			row, col := idx/3, idx%3
			r[row*3+2-col] = p[idx]
		}
		return
	}
	var identity [NumCells]int
	for idx := range identity {
		identity[idx] = idx
	}
	perms := make([][NumCells]int, 0, 8)
	p := identity
	for range 4 {
		perms = append(perms, p, mirror(p))
		p = rotate(p)
	}
	return perms
}()

// Symmetries implements game.Game with the 8 rotations and reflections of the board.
func (Game) Symmetries(observation, policy []float32) []game.Symmetric {
	result := make([]game.Symmetric, 0, len(symmetries))
	for _, perm := range symmetries {
		obs := make([]float32, len(observation))
		for plane := range 3 {
			for idx, src := range perm {
				obs[plane*NumCells+idx] = observation[plane*NumCells+src]
			}
		}
		pol := make([]float32, len(policy))
		for idx, src := range perm {
			pol[idx] = policy[src]
		}
		result = append(result, game.Symmetric{Observation: obs, Policy: pol})
	}
	return result
}

// String implements game.Game.
func (Game) String(state game.State) string {
	b := board(state)
	var sb strings.Builder
	for idx, v := range b.cells {
		sb.WriteByte(".XO"[v])
		if idx%3 == 2 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Package hex implements the game of Hex as a game.Game.
//
// The first player connects the top row to the bottom row, the second player connects
// the left column to the right column. Hex can't end in a draw.
package hex

import (
	"fmt"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/pkg/errors"
	"strings"
)

// Cell contents.
const (
	Empty int8 = iota
	StoneFirst
	StoneSecond
)

// DefaultSize is the board size used if none is configured.
const DefaultSize = 7

// Game implements game.Game for a Size x Size Hex board.
type Game struct {
	Size int
}

var _ game.Game = (*Game)(nil)

// New returns a Hex game of the given size.
func New(size int) (*Game, error) {
	if size < 2 || size > 19 {
		return nil, errors.Errorf("invalid Hex board size %d, it must be between 2 and 19", size)
	}
	return &Game{Size: size}, nil
}

// Board is the Hex game.State.
type Board struct {
	size   int
	cells  []int8
	next   game.PlayerNum
	moves  int
	winner game.PlayerNum
}

var _ game.State = (*Board)(nil)

// NextPlayer implements game.State.
func (b *Board) NextPlayer() game.PlayerNum { return b.next }

// MoveNumber implements game.State.
func (b *Board) MoveNumber() int { return b.moves }

// Winner returns the winner or game.PlayerInvalid if the game is not over.
func (b *Board) Winner() game.PlayerNum { return b.winner }

// At returns the contents of the cell at (row, col).
func (b *Board) At(row, col int) int8 { return b.cells[row*b.size+col] }

func (g *Game) Name() string { return fmt.Sprintf("hex%dx%d", g.Size, g.Size) }
func (g *Game) NumPlayers() int { return 2 }
func (g *Game) ActionSpaceSize() int { return g.Size * g.Size }
func (g *Game) ObservationSize() int { return 3 * g.Size * g.Size }

// Initial implements game.Game.
func (g *Game) Initial() game.State {
	return &Board{
		size:   g.Size,
		cells:  make([]int8, g.Size*g.Size),
		next:   game.PlayerFirst,
		winner: game.PlayerInvalid,
	}
}

func (g *Game) board(state game.State) *Board {
	b, ok := state.(*Board)
	if !ok || b.size != g.Size {
		panic(errors.Errorf("hex game of size %d given incompatible state %T", g.Size, state))
	}
	return b
}

// LegalActions implements game.Game: all empty cells, unless the game is over.
func (g *Game) LegalActions(state game.State) []game.Action {
	b := g.board(state)
	if b.winner != game.PlayerInvalid {
		return nil
	}
	actions := make([]game.Action, 0, len(b.cells)-b.moves)
	for idx, cell := range b.cells {
		if cell == Empty {
			actions = append(actions, game.Action(idx))
		}
	}
	return actions
}

// Apply implements game.Game. Rewards are always 0: the result of the game is given by Outcome.
func (g *Game) Apply(state game.State, action game.Action) (next game.State, reward float32, terminal bool, err error) {
	b := g.board(state)
	if b.winner != game.PlayerInvalid {
		return nil, 0, false, errors.Wrapf(game.ErrIllegalAction, "hex: action %d on a finished board", action)
	}
	if action < 0 || int(action) >= len(b.cells) || b.cells[action] != Empty {
		return nil, 0, false, errors.Wrapf(game.ErrIllegalAction, "hex: cell %d is not empty or out of the board", action)
	}
	nb := &Board{
		size:   b.size,
		cells:  make([]int8, len(b.cells)),
		next:   b.next.Opponent(),
		moves:  b.moves + 1,
		winner: game.PlayerInvalid,
	}
	copy(nb.cells, b.cells)
	stone := StoneFirst
	if b.next == game.PlayerSecond {
		stone = StoneSecond
	}
	nb.cells[action] = stone
	if nb.connects(int(action), stone) {
		nb.winner = b.next
	}
	return nb, 0, nb.winner != game.PlayerInvalid, nil
}

// neighbours of a cell in the hex grid.
func (b *Board) neighbours(idx int, fn func(n int)) {
	row, col := idx/b.size, idx%b.size
	for _, d := range [6][2]int{{-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}} {
		r, c := row+d[0], col+d[1]
		if r < 0 || r >= b.size || c < 0 || c >= b.size {
			continue
		}
		fn(r*b.size + c)
	}
}

// connects returns whether the group of stones containing idx touches both of the player's edges.
func (b *Board) connects(idx int, stone int8) bool {
	visited := make([]bool, len(b.cells))
	stack := []int{idx}
	visited[idx] = true
	var touchStart, touchEnd bool
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		row, col := cur/b.size, cur%b.size
		pos := row
		if stone == StoneSecond {
			pos = col
		}
		if pos == 0 {
			touchStart = true
		}
		if pos == b.size-1 {
			touchEnd = true
		}
		if touchStart && touchEnd {
			return true
		}
		b.neighbours(cur, func(n int) {
			if !visited[n] && b.cells[n] == stone {
				visited[n] = true
				stack = append(stack, n)
			}
		})
	}
	return false
}

// Outcome implements game.Game. The player to move on a finished board has always lost.
func (g *Game) Outcome(state game.State) (value float32, finished bool) {
	b := g.board(state)
	if b.winner == game.PlayerInvalid {
		return 0, false
	}
	if b.winner == b.next {
		return 1, true
	}
	return -1, true
}

// Observe implements game.Game: one plane per player's stones, and a plane filled with
// ones if the second player is to move.
func (g *Game) Observe(state game.State) []float32 {
	b := g.board(state)
	n := len(b.cells)
	obs := make([]float32, 3*n)
	for idx, cell := range b.cells {
		switch cell {
		case StoneFirst:
			obs[idx] = 1
		case StoneSecond:
			obs[n+idx] = 1
		}
	}
	if b.next == game.PlayerSecond {
		for idx := range n {
			obs[2*n+idx] = 1
		}
	}
	return obs
}

// Symmetries implements game.Game: Hex boards are symmetric under a 180 degrees rotation.
func (g *Game) Symmetries(observation, policy []float32) []game.Symmetric {
	n := g.Size * g.Size
	rotObs := make([]float32, len(observation))
	for plane := range 3 {
		for idx := range n {
			rotObs[plane*n+idx] = observation[plane*n+n-1-idx]
		}
	}
	rotPolicy := make([]float32, len(policy))
	for idx := range policy {
		rotPolicy[idx] = policy[n-1-idx]
	}
	return []game.Symmetric{
		{Observation: observation, Policy: policy},
		{Observation: rotObs, Policy: rotPolicy},
	}
}

// String implements game.Game, rendering the rhombus shaped board.
func (g *Game) String(state game.State) string {
	b := g.board(state)
	var sb strings.Builder
	for row := range b.size {
		sb.WriteString(strings.Repeat(" ", row))
		for col := range b.size {
			switch b.At(row, col) {
			case StoneFirst:
				sb.WriteString("X ")
			case StoneSecond:
				sb.WriteString("O ")
			default:
				sb.WriteString(". ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

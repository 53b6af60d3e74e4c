package cli

import (
	"bytes"
	"github.com/janpfeifer/hexzero/internal/arena"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/games/corridor"
	"github.com/janpfeifer/hexzero/internal/games/tictactoe"
	"github.com/janpfeifer/hexzero/internal/searchers/mcts"
	"github.com/janpfeifer/hexzero/internal/selfplay"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestFormatPolicy(t *testing.T) {
	assert.Equal(t, "[1:0.25 3:0.75]", FormatPolicy([]float32{0, 0.25, 0, 0.75}))
	assert.Equal(t, "[]", FormatPolicy(nil))
}

func TestPrintStep(t *testing.T) {
	var buf bytes.Buffer
	ui := New(&buf, false)
	g := tictactoe.Game{}
	ui.PrintStep(g, selfplay.StepInfo{
		EpisodeIdx:  3,
		State:       g.Initial(),
		Action:      4,
		Temperature: 1,
		Search:      &mcts.Result{Policy: []float32{0, 0, 0, 0, 1, 0, 0, 0, 0}, Value: 0.5, NumSimulations: 10},
	})
	out := buf.String()
	assert.Contains(t, out, "Episode-00003, move #0:")
	assert.Contains(t, out, "action:\t4 (temperature=1.00)")
	assert.Contains(t, out, "[4:1.00]")
	assert.Contains(t, out, g.String(g.Initial()))
	assert.NotContains(t, out, "\x1b[", "no colors were requested")
}

func TestPrintEpisodeEnd(t *testing.T) {
	var buf bytes.Buffer
	ui := New(&buf, false)
	traj := trajectory.New("tictactoe")
	traj.Steps = make([]trajectory.Step, 5)
	traj.FinalPlayer = game.PlayerSecond
	traj.FinalValue = -1
	ui.PrintEpisodeEnd(tictactoe.Game{}, 1, traj)
	assert.Contains(t, buf.String(), "PLAYER#0 WINS after 5 moves")

	buf.Reset()
	traj.Truncated = true
	ui.PrintEpisodeEnd(tictactoe.Game{}, 1, traj)
	assert.Contains(t, buf.String(), "TRUNCATED")

	buf.Reset()
	g, err := corridor.New(3)
	require.NoError(t, err)
	single := trajectory.New(g.Name())
	single.Steps = []trajectory.Step{{Reward: 0}, {Reward: 1}}
	ui.PrintEpisodeEnd(g, 2, single)
	assert.Contains(t, buf.String(), "Episode-00002: total reward 1.000 after 2 moves")
}

func TestPrintArenaAndHeader(t *testing.T) {
	var buf bytes.Buffer
	ui := New(&buf, true)
	ui.Header("Iteration: %d", 7)
	ui.PrintArena(&arena.Result{Wins: 3, Losses: 1, Trials: 4, Score: 0.75, Accepted: true})
	out := buf.String()
	assert.Contains(t, out, "Iteration: 7")
	assert.Contains(t, out, "accepted")
}

func TestCentered(t *testing.T) {
	ui := New(&bytes.Buffer{}, false)
	assert.Equal(t, "ab\ncd", ui.centered("ab\ncd"))
	ui.width = 10
	centered := ui.centered("ab\n\ncdef")
	lines := strings.Split(centered, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "   ab", lines[0])
	assert.Equal(t, "", lines[1])
	assert.Equal(t, "   cdef", lines[2])
}

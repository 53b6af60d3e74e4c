// Package cli implements the terminal reporting of the trainer: boards of the self-play
// episodes (with -print_steps), iteration headers and arena verdicts.
package cli

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/hexzero/internal/arena"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/selfplay"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"golang.org/x/term"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// UI prints to a writer, optionally with colors. It is safe for concurrent use: each call prints
// its block atomically.
type UI struct {
	w     io.Writer
	color bool
	width int // Terminal width, 0 if unknown.
	mu    sync.Mutex

	headerStyle, boardStyle, acceptStyle, rejectStyle, drawStyle lipgloss.Style
}

// New creates a UI that prints to w.
func New(w io.Writer, color bool) *UI {
	ui := &UI{w: w, color: color}
	if color {
		ui.headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
		ui.boardStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
		ui.acceptStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("2")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)
		ui.rejectStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("1")).
			Foreground(lipgloss.Color("15")).
			Padding(0, 2)
		ui.drawStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)
	}
	return ui
}

// NewStdout creates a UI on the standard output, with colors if it is a terminal.
func NewStdout() *UI {
	fd := int(os.Stdout.Fd())
	isTerminal := term.IsTerminal(fd)
	ui := New(os.Stdout, isTerminal)
	if isTerminal {
		ui.width, _, _ = term.GetSize(fd)
	}
	return ui
}

// Write implements io.Writer, so the UI can be used as the output of the progress lines.
func (ui *UI) Write(p []byte) (n int, err error) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	return ui.w.Write(p)
}

func (ui *UI) render(style lipgloss.Style, s string) string {
	if !ui.color {
		return s
	}
	return style.Render(s)
}

// centered indents the block to the center of the terminal, if its width is known.
func (ui *UI) centered(block string) string {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((ui.width-blockWidth)/2, 0)
	if indent == 0 {
		return block
	}
	prefix := strings.Repeat(" ", indent)
	for ii, line := range lines {
		if line != "" {
			lines[ii] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func (ui *UI) print(block string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	_, _ = fmt.Fprintln(ui.w, block)
}

// Header prints a highlighted line.
func (ui *UI) Header(format string, args ...any) {
	ui.print("\n" + ui.render(ui.headerStyle, fmt.Sprintf(format, args...)))
}

// PrintStep prints one ply of a self-play episode: the board before the action, the action
// and the search policy.
func (ui *UI) PrintStep(g game.Game, info selfplay.StepInfo) {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Episode-%05d, move #%d:\n", info.EpisodeIdx, info.State.MoveNumber())
	_, _ = fmt.Fprintf(&sb, "\tplayer:\t%s\n", info.State.NextPlayer())
	_, _ = fmt.Fprintf(&sb, "\taction:\t%d (temperature=%.2f)\n", info.Action, info.Temperature)
	if info.Search != nil {
		_, _ = fmt.Fprintf(&sb, "\tvalue:\t%.3f (root Q=%.3f, %d simulations)\n",
			info.Search.Value, info.Search.RootQ, info.Search.NumSimulations)
		_, _ = fmt.Fprintf(&sb, "\tpolicy:\t%s\n", FormatPolicy(info.Search.Policy))
	}
	sb.WriteString("\n")
	sb.WriteString(ui.centered(ui.render(ui.boardStyle, g.String(info.State))))
	sb.WriteString("\n------------------")
	ui.print(sb.String())
}

// FormatPolicy formats the non-zero probabilities of a policy as "action:prob" pairs.
func FormatPolicy(policy []float32) string {
	parts := make([]string, 0, len(policy))
	for action, prob := range policy {
		if prob > 0 {
			parts = append(parts, fmt.Sprintf("%d:%.2f", action, prob))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// PrintEpisodeEnd prints the result of an episode.
func (ui *UI) PrintEpisodeEnd(g game.Game, episodeIdx int, traj *trajectory.Trajectory) {
	name := fmt.Sprintf("Episode-%05d", episodeIdx)
	style := ui.drawStyle
	var msg string
	switch outcome := traj.Outcome(game.PlayerFirst); {
	case g.NumPlayers() == 1:
		msg = fmt.Sprintf("%s: total reward %.3f after %d moves", name, traj.TotalReward(game.PlayerFirst), traj.Len())
		if !traj.Truncated {
			style = ui.acceptStyle
		}
	case traj.Truncated:
		msg = fmt.Sprintf("%s: *** TRUNCATED after %d moves ***", name, traj.Len())
	case outcome > 0:
		msg = fmt.Sprintf("%s: *** %s WINS after %d moves ***",
			name, strings.ToUpper(game.PlayerFirst.String()), traj.Len())
		style = ui.acceptStyle
	case outcome < 0:
		msg = fmt.Sprintf("%s: *** %s WINS after %d moves ***",
			name, strings.ToUpper(game.PlayerSecond.String()), traj.Len())
		style = ui.acceptStyle
	default:
		msg = fmt.Sprintf("%s: *** DRAW after %d moves ***", name, traj.Len())
	}
	ui.print(ui.centered(ui.render(style, msg)))
}

// PrintArena prints the verdict of an arena evaluation.
func (ui *UI) PrintArena(result *arena.Result) {
	style := ui.rejectStyle
	if result.Accepted {
		style = ui.acceptStyle
	}
	ui.print("\t" + ui.render(style, "Arena: "+result.String()))
}

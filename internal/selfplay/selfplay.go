// Package selfplay runs self-play episodes: the model plays against itself (or alone, for
// single-player games) guided by MCTS, and the episodes are recorded as trajectories.
package selfplay

import (
	"context"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/searchers/mcts"
	"github.com/janpfeifer/hexzero/internal/temperature"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"runtime"
)

// Config of the episodes.
type Config struct {
	// MaxEpisodeMoves is the move cap: after that the episode is truncated (a draw). If <= 0 there is no cap.
	MaxEpisodeMoves int

	// NSteps for the n-step returns. If <= 0, the Monte-Carlo return (the final outcome for zero-sum games) is used.
	NSteps int

	// Gamma is the discount of the returns.
	Gamma float32

	// Search configuration.
	Search mcts.Config

	// Schedule of the temperature used to select the actions from the search visit counts.
	Schedule *temperature.Schedule

	// Parallelism is the number of episodes run simultaneously. If <= 0 it uses GOMAXPROCS.
	Parallelism int

	// Seed for the random number generators. If 0, episodes are not reproducible.
	Seed uint64
}

// StepInfo is passed to the OnStep callback after each ply.
type StepInfo struct {
	EpisodeIdx  int
	State       game.State // State before the action.
	Action      game.Action
	Temperature float32
	Search      *mcts.Result
}

// Runner runs self-play episodes for a Game.
type Runner struct {
	Game   game.Game
	Config Config

	// WeightUpdates is the number of training steps applied to the model so far, used by the
	// temperature schedule if configured to count weight updates.
	WeightUpdates int

	// OnStep, if set, is called after each ply. It may be called concurrently from different episodes.
	OnStep func(info StepInfo)

	// OnEpisodeEnd, if set, is called after each episode of RunEpisodes. It may be called concurrently.
	OnEpisodeEnd func(episodeIdx int, traj *trajectory.Trajectory)
}

// New creates a Runner, validating the configuration.
func New(g game.Game, config Config) (*Runner, error) {
	if err := config.Search.Validate(); err != nil {
		return nil, err
	}
	if config.Schedule == nil {
		return nil, errors.New("selfplay: temperature schedule not configured")
	}
	if config.Gamma < 0 || config.Gamma > 1 {
		return nil, errors.Errorf("selfplay: gamma must be in [0, 1], got %g", config.Gamma)
	}
	return &Runner{Game: g, Config: config}, nil
}

// Parallelism returns the number of episodes run simultaneously.
func (r *Runner) Parallelism() (parallelism int) {
	parallelism = runtime.GOMAXPROCS(0)
	if r.Config.Parallelism > 0 {
		parallelism = r.Config.Parallelism
	}
	return
}

func (r *Runner) newRNG(stream, episodeIdx int) *rand.Rand {
	if r.Config.Seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(r.Config.Seed+uint64(stream), uint64(episodeIdx)))
}

// RunEpisode plays one episode from the game's initial state, and returns its trajectory with the returns computed.
// The model is only read.
func (r *Runner) RunEpisode(ctx context.Context, model ai.Model, episodeIdx int) (*trajectory.Trajectory, error) {
	return r.runEpisode(ctx, model, episodeIdx, r.newRNG(0, episodeIdx))
}

func (r *Runner) runEpisode(ctx context.Context, model ai.Model, episodeIdx int, rng *rand.Rand) (*trajectory.Trajectory, error) {
	g := r.Game
	searcher, err := mcts.New(g, model, r.Config.Search, rng)
	if err != nil {
		return nil, err
	}
	traj := trajectory.New(g.Name())
	if r.Config.MaxEpisodeMoves > 0 {
		traj.Steps = make([]trajectory.Step, 0, r.Config.MaxEpisodeMoves)
	}
	if klog.V(1).Enabled() {
		klog.Infof("Starting episode %d (%s)", episodeIdx, traj.ID)
	}

	state := g.Initial()
	terminal := false
	for {
		if _, finished := g.Outcome(state); finished || terminal {
			break
		}
		if r.Config.MaxEpisodeMoves > 0 && len(traj.Steps) >= r.Config.MaxEpisodeMoves {
			traj.Truncated = true
			break
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		result, err := searcher.Search(ctx, state)
		if err != nil {
			return nil, errors.WithMessagef(err, "episode %d at move #%d", episodeIdx, state.MoveNumber())
		}
		schedule := r.Config.Schedule
		temp := schedule.Temperature(schedule.Counter(state.MoveNumber(), r.WeightUpdates))
		action := game.Action(temperature.Select(result.Policy, temp, rng))
		step := trajectory.Step{
			Observation: g.Observe(state),
			Policy:      result.Policy,
			Action:      action,
			Player:      state.NextPlayer(),
			ModelValue:  result.Value,
			SearchValue: result.RootQ,
		}
		var next game.State
		next, step.Reward, terminal, err = g.Apply(state, action)
		if err != nil {
			return nil, errors.WithMessagef(err, "episode %d at move #%d", episodeIdx, state.MoveNumber())
		}
		traj.Steps = append(traj.Steps, step)
		searcher.Advance(action)
		if r.OnStep != nil {
			r.OnStep(StepInfo{EpisodeIdx: episodeIdx, State: state, Action: action, Temperature: temp, Search: result})
		}
		if klog.V(2).Enabled() {
			klog.Infof("Episode %d: %s played %d at move #%d (temperature=%.2f, value=%.3f, search value=%.3f)",
				episodeIdx, step.Player, action, state.MoveNumber(), temp, step.ModelValue, step.SearchValue)
		}
		state = next
	}

	traj.FinalPlayer = state.NextPlayer()
	if traj.Truncated {
		if r.Config.NSteps > 0 {
			// Bootstrap value of the truncated state.
			_, traj.FinalValue, err = model.Infer(g.Observe(state))
			if err != nil {
				return nil, errors.WithMessagef(err, "episode %d value of truncated state", episodeIdx)
			}
		}
	} else {
		traj.FinalValue, _ = g.Outcome(state)
	}
	trajectory.ComputeReturns(traj, r.Config.NSteps, r.Config.Gamma)
	if klog.V(1).Enabled() {
		klog.Infof("Finished episode %d: %s, first player outcome %g", episodeIdx, traj, traj.Outcome(game.PlayerFirst))
	}
	return traj, nil
}

// RunEpisodes runs numEpisodes episodes in parallel using the model, which must not be changed
// while they run. Trajectories are returned in episode order, marked with the iteration.
//
// Any error aborts all episodes.
func (r *Runner) RunEpisodes(ctx context.Context, model ai.Model, numEpisodes, iteration int) ([]*trajectory.Trajectory, error) {
	trajectories := make([]*trajectory.Trajectory, numEpisodes)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.Parallelism())
	for episodeIdx := range numEpisodes {
		g.Go(func() error {
			traj, err := r.runEpisode(gCtx, model, episodeIdx, r.newRNG(iteration+1, episodeIdx))
			if err != nil {
				return errors.WithMessagef(err, "self-play episode %d of iteration %d", episodeIdx, iteration)
			}
			traj.Iteration = iteration
			trajectories[episodeIdx] = traj
			if r.OnEpisodeEnd != nil {
				r.OnEpisodeEnd(episodeIdx, traj)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Iteration %d: %d self-play episodes finished", iteration, numEpisodes)
	return trajectories, nil
}

// Package arena pits a newly trained candidate model against the incumbent, to decide whether the
// candidate should be promoted.
package arena

import (
	"context"
	"fmt"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/searchers/mcts"
	"github.com/janpfeifer/hexzero/internal/temperature"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"runtime"
	"sync"
)

// Config of the Evaluator.
type Config struct {
	// Trials is the number of games played (pitting_trials).
	Trials int

	// AcceptanceRatio is the minimum score, (wins + draws/2) / trials, for the candidate to be accepted.
	AcceptanceRatio float32

	// MaxTrialMoves is the move cap of each game, after which it is scored as a draw. If <= 0 there is no cap.
	MaxTrialMoves int

	// Temperature used to select the moves: 0 for deterministic play.
	Temperature float32

	// Search configuration. Root noise is always disabled for evaluation.
	Search mcts.Config

	// Parallelism is the number of games played simultaneously. If <= 0 it uses GOMAXPROCS.
	Parallelism int

	// Seed for the move selection, when Temperature > 0.
	Seed uint64
}

// Result of an evaluation, from the candidate's point of view.
type Result struct {
	Wins, Losses, Draws, Trials int
	Score                       float32
	Accepted                    bool
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	verdict := "rejected"
	if r.Accepted {
		verdict = "accepted"
	}
	return fmt.Sprintf("%d/%d/%d wins/losses/draws in %d trials, score=%.3f: %s",
		r.Wins, r.Losses, r.Draws, r.Trials, r.Score, verdict)
}

// Score returns the candidate's score, counting draws as half-wins, and whether it reaches the acceptance ratio.
func Score(wins, losses, draws, trials int, acceptanceRatio float32) (score float32, accept bool) {
	if trials <= 0 {
		return 0, false
	}
	score = (float32(wins) + float32(draws)/2) / float32(trials)
	return score, score >= acceptanceRatio
}

// Evaluator plays candidate vs incumbent games.
type Evaluator struct {
	Game   game.Game
	Config Config

	// OnTrialEnd, if set, is called after each game with the partial result. Calls are serialized.
	OnTrialEnd func(partial Result)
}

// New creates an Evaluator, validating the configuration.
func New(g game.Game, config Config) (*Evaluator, error) {
	if config.Trials <= 0 {
		return nil, errors.Errorf("arena: number of trials must be > 0, got %d", config.Trials)
	}
	if config.AcceptanceRatio < 0 || config.AcceptanceRatio > 1 {
		return nil, errors.Errorf("arena: acceptance ratio must be in [0, 1], got %g", config.AcceptanceRatio)
	}
	if config.Temperature < 0 {
		return nil, errors.Errorf("arena: temperature must be >= 0, got %g", config.Temperature)
	}
	config.Search.ExplorationFraction = 0
	if err := config.Search.Validate(); err != nil {
		return nil, err
	}
	if g.NumPlayers() != 1 && g.NumPlayers() != 2 {
		return nil, errors.Errorf("arena: game %s has %d players, only 1 or 2 are supported", g.Name(), g.NumPlayers())
	}
	return &Evaluator{Game: g, Config: config}, nil
}

// outcome of one trial for the candidate.
type outcome int

const (
	draw outcome = iota
	win
	loss
)

func (e *Evaluator) parallelism() (parallelism int) {
	parallelism = runtime.GOMAXPROCS(0)
	if e.Config.Parallelism > 0 {
		parallelism = e.Config.Parallelism
	}
	return
}

// Evaluate plays the configured number of trials between candidate and incumbent, alternating
// which model plays first (candidate first on even trials). Both models are only read.
func (e *Evaluator) Evaluate(ctx context.Context, candidate, incumbent ai.Model) (*Result, error) {
	result := &Result{Trials: e.Config.Trials}
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism())
	for trialIdx := range e.Config.Trials {
		g.Go(func() error {
			var o outcome
			var err error
			if e.Game.NumPlayers() == 1 {
				o, err = e.runSinglePlayerTrial(gCtx, trialIdx, candidate, incumbent)
			} else {
				o, err = e.runTrial(gCtx, trialIdx, candidate, incumbent)
			}
			if err != nil {
				return errors.WithMessagef(err, "arena trial %d", trialIdx)
			}
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case win:
				result.Wins++
			case loss:
				result.Losses++
			default:
				result.Draws++
			}
			if e.OnTrialEnd != nil {
				e.OnTrialEnd(*result)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.Score, result.Accepted = Score(result.Wins, result.Losses, result.Draws, result.Trials, e.Config.AcceptanceRatio)
	klog.V(1).Infof("Arena %s vs %s: %s", candidate, incumbent, result)
	return result, nil
}

func (e *Evaluator) newRNG(stream, trialIdx int) *rand.Rand {
	return rand.New(rand.NewPCG(e.Config.Seed+uint64(stream), uint64(trialIdx)))
}

// play a game to the end (or the move cap) with one searcher per player, and returns the final state
// and whether it was truncated.
func (e *Evaluator) play(ctx context.Context, searchers []*mcts.Searcher, rng *rand.Rand) (state game.State, truncated bool, err error) {
	g := e.Game
	state = g.Initial()
	for numMoves := 0; ; numMoves++ {
		if _, finished := g.Outcome(state); finished {
			return state, false, nil
		}
		if e.Config.MaxTrialMoves > 0 && numMoves >= e.Config.MaxTrialMoves {
			return state, true, nil
		}
		player := state.NextPlayer()
		searcher := searchers[int(player)%len(searchers)]
		result, err := searcher.Search(ctx, state)
		if err != nil {
			return nil, false, errors.WithMessagef(err, "%s at move #%d", player, state.MoveNumber())
		}
		action := game.Action(temperature.Select(result.Policy, e.Config.Temperature, rng))
		var terminal bool
		state, _, terminal, err = g.Apply(state, action)
		if err != nil {
			return nil, false, err
		}
		for _, s := range searchers {
			s.Advance(action)
		}
		if terminal {
			return state, false, nil
		}
	}
}

// runTrial plays one two-player game. On even trials the candidate plays first.
func (e *Evaluator) runTrial(ctx context.Context, trialIdx int, candidate, incumbent ai.Model) (outcome, error) {
	candidateSide := game.PlayerFirst
	if trialIdx%2 == 1 {
		candidateSide = game.PlayerSecond
	}
	models := [2]ai.Model{}
	models[candidateSide] = candidate
	models[candidateSide.Opponent()] = incumbent
	rng := e.newRNG(0, trialIdx)
	searchers := make([]*mcts.Searcher, 2)
	for ii, model := range models {
		var err error
		searchers[ii], err = mcts.New(e.Game, model, e.Config.Search, rng)
		if err != nil {
			return draw, err
		}
	}
	final, truncated, err := e.play(ctx, searchers, rng)
	if err != nil {
		return draw, err
	}
	if truncated {
		klog.V(2).Infof("Arena trial %d truncated at move #%d: draw", trialIdx, final.MoveNumber())
		return draw, nil
	}
	value, _ := e.Game.Outcome(final)
	value = game.PerspectiveValue(value, final.NextPlayer(), candidateSide)
	switch {
	case value > 0:
		return win, nil
	case value < 0:
		return loss, nil
	}
	return draw, nil
}

// runSinglePlayerTrial plays one episode with each model: the higher total reward wins.
func (e *Evaluator) runSinglePlayerTrial(ctx context.Context, trialIdx int, candidate, incumbent ai.Model) (outcome, error) {
	var scores [2]float32
	for ii, model := range []ai.Model{candidate, incumbent} {
		rng := e.newRNG(1+ii, trialIdx)
		searcher, err := mcts.New(e.Game, model, e.Config.Search, rng)
		if err != nil {
			return draw, err
		}
		scores[ii], err = e.episodeReward(ctx, searcher, rng)
		if err != nil {
			return draw, errors.WithMessagef(err, "model %s", model)
		}
	}
	switch {
	case scores[0] > scores[1]:
		return win, nil
	case scores[0] < scores[1]:
		return loss, nil
	}
	return draw, nil
}

// episodeReward plays a single-player episode and returns the sum of rewards plus the final outcome.
// A truncated episode keeps the rewards collected so far.
func (e *Evaluator) episodeReward(ctx context.Context, searcher *mcts.Searcher, rng *rand.Rand) (total float32, err error) {
	g := e.Game
	state := g.Initial()
	for numMoves := 0; e.Config.MaxTrialMoves <= 0 || numMoves < e.Config.MaxTrialMoves; numMoves++ {
		if value, finished := g.Outcome(state); finished {
			return total + value, nil
		}
		result, err := searcher.Search(ctx, state)
		if err != nil {
			return 0, err
		}
		action := game.Action(temperature.Select(result.Policy, e.Config.Temperature, rng))
		var reward float32
		state, reward, _, err = g.Apply(state, action)
		if err != nil {
			return 0, err
		}
		total += reward
		searcher.Advance(action)
	}
	return total, nil
}

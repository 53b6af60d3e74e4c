// Package trainer implements the training loop: at each iteration it generates self-play episodes
// with a frozen snapshot of the candidate model, appends them to the replay buffer, trains the
// candidate on samples of the buffer, optionally pits it against the incumbent to decide on
// its promotion, and checkpoints.
package trainer

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/arena"
	"github.com/janpfeifer/hexzero/internal/checkpoint"
	"github.com/janpfeifer/hexzero/internal/config"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/metrics"
	"github.com/janpfeifer/hexzero/internal/replay"
	"github.com/janpfeifer/hexzero/internal/selfplay"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"io"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"os"
)

// Config of the Orchestrator.
type Config struct {
	NumIterations    int
	NumEpisodes      int
	NumGradientSteps int
	BatchSize        int

	// Pitting enables the arena: the candidate is only promoted if it beats the incumbent.
	// Otherwise every candidate is promoted.
	Pitting bool

	// AugmentSymmetries replaces each training example by a random symmetric version of it.
	AugmentSymmetries bool

	// LoadModelPath, if set, is the model to resume from. The progress and the replay buffer are
	// then restored from the checkpoint directory, if present there.
	LoadModelPath string

	// Seed for the sampling of symmetries. If 0 a random seed is used.
	Seed uint64

	SelfPlay selfplay.Config
	Replay   replay.Config
	Arena    arena.Config
}

// ConfigFromDocument builds the Orchestrator configuration from a validated configuration document.
func ConfigFromDocument(doc *config.Document) (Config, error) {
	selfPlayConfig, err := doc.SelfPlayConfig()
	if err != nil {
		return Config{}, err
	}
	return Config{
		NumIterations:     doc.Args.NumSelfplayIterations,
		NumEpisodes:       doc.Args.NumEpisodes,
		NumGradientSteps:  doc.Args.NumGradientSteps,
		BatchSize:         doc.BatchSize(),
		Pitting:           doc.Args.Pitting,
		AugmentSymmetries: doc.Args.AugmentSymmetries,
		LoadModelPath:     doc.LoadModelPath(),
		Seed:              doc.Args.Seed,
		SelfPlay:          selfPlayConfig,
		Replay:            doc.ReplayConfig(),
		Arena:             doc.ArenaConfig(),
	}, nil
}

// Orchestrator runs the training loop.
type Orchestrator struct {
	Game   game.Game
	Config Config

	// Candidate is the model being trained, Incumbent the last promoted one.
	Candidate, Incumbent ai.Model

	Buffer *replay.Buffer
	Runner *selfplay.Runner

	// Arena is nil if pitting is disabled.
	Arena *arena.Evaluator

	// Checkpoints is nil if checkpoints are not saved.
	Checkpoints *checkpoint.Manager

	Metrics *metrics.Metrics

	// Progress of the run: Progress.Iteration is the last completed iteration, -1 before the first.
	Progress checkpoint.Progress

	// Out receives the progress report lines. If nil they are discarded.
	Out io.Writer

	// OnEpisodeEnd, if set, is called after each self-play episode. Calls are serialized.
	OnEpisodeEnd func(episodeIdx int, traj *trajectory.Trajectory)

	// OnIterationEnd, if set, is called after each successful iteration.
	OnIterationEnd func(result *IterationResult)

	rng *rand.Rand
}

// New creates an Orchestrator for the game, starting from the given model.
//
// checkpoints may be nil, in which case nothing is saved. If m is nil, the metrics are registered
// in a new private registry.
func New(g game.Game, model ai.Model, config Config, checkpoints *checkpoint.Manager, m *metrics.Metrics) (*Orchestrator, error) {
	if config.NumIterations < 1 {
		return nil, errors.Errorf("trainer: number of iterations must be >= 1, got %d", config.NumIterations)
	}
	if config.NumEpisodes < 1 {
		return nil, errors.Errorf("trainer: number of episodes must be >= 1, got %d", config.NumEpisodes)
	}
	if config.NumGradientSteps > 0 && config.BatchSize < 1 {
		return nil, errors.Errorf("trainer: batch size must be >= 1, got %d", config.BatchSize)
	}
	o := &Orchestrator{
		Game:        g,
		Config:      config,
		Candidate:   model,
		Incumbent:   model.Clone(),
		Checkpoints: checkpoints,
		Metrics:     m,
		Progress: checkpoint.Progress{
			RunID:         uuid.NewString(),
			Game:          g.Name(),
			Iteration:     -1,
			BestIteration: -1,
		},
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(prometheus.NewRegistry())
	}
	var err error
	o.Runner, err = selfplay.New(g, config.SelfPlay)
	if err != nil {
		return nil, err
	}
	o.Buffer, err = replay.New(config.Replay)
	if err != nil {
		return nil, err
	}
	if config.Pitting {
		o.Arena, err = arena.New(g, config.Arena)
		if err != nil {
			return nil, err
		}
	}
	seed1, seed2 := config.Seed, uint64(1)
	if seed1 == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	o.rng = rand.New(rand.NewPCG(seed1, seed2))
	return o, nil
}

func (o *Orchestrator) out() io.Writer {
	if o.Out == nil {
		return io.Discard
	}
	return o.Out
}

// Resume loads the model from Config.LoadModelPath, if set, and the progress and replay buffer from the
// checkpoint directory, if there is one there.
func (o *Orchestrator) Resume() error {
	if o.Config.LoadModelPath == "" {
		if o.Checkpoints != nil {
			if _, err := o.Checkpoints.LoadProgress(); err == nil {
				klog.Warningf("Checkpoint directory %s has a previous run, it will be overwritten: "+
					"set load_model to resume from it", o.Checkpoints.Dir)
			}
		}
		return nil
	}
	if err := o.Candidate.Load(o.Config.LoadModelPath); err != nil {
		return errors.WithMessagef(err, "failed to load model to resume from %q", o.Config.LoadModelPath)
	}
	o.Incumbent = o.Candidate.Clone()
	klog.Infof("Loaded model %s from %s", o.Candidate, o.Config.LoadModelPath)
	if o.Checkpoints == nil {
		return nil
	}

	progress, err := o.Checkpoints.LoadProgress()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			klog.Infof("No progress found in %s, starting from iteration 0", o.Checkpoints.Dir)
			return nil
		}
		return err
	}
	if progress.Game != "" && progress.Game != o.Game.Name() {
		return errors.Errorf("checkpoint in %s is for game %q, not %q", o.Checkpoints.Dir, progress.Game, o.Game.Name())
	}
	incumbent := o.Candidate.Clone()
	err = o.Checkpoints.LoadModel(incumbent, checkpoint.BestModelFile)
	switch {
	case err == nil:
		o.Incumbent = incumbent
	case errors.Is(err, checkpoint.ErrNotFound):
		klog.Warningf("No incumbent model in %s, using the loaded model", o.Checkpoints.Dir)
	default:
		return err
	}
	replayPath := o.Checkpoints.Path(checkpoint.ReplayFile)
	if _, statErr := os.Stat(replayPath); statErr == nil {
		if err = o.Buffer.Load(replayPath, progress.Iteration); err != nil {
			return errors.WithMessagef(err, "failed to restore replay buffer")
		}
	} else {
		klog.Warningf("No replay buffer in %s, starting with an empty one", o.Checkpoints.Dir)
	}
	o.Progress = *progress
	o.Runner.WeightUpdates = progress.WeightUpdates
	o.Metrics.SetBuffer(o.Buffer.Len(), o.Buffer.NumTrajectories())
	klog.Infof("Resumed run %s after iteration %d (%d weight updates, buffer %s)",
		progress.RunID, progress.Iteration, progress.WeightUpdates, o.Buffer)
	return nil
}

// Run the remaining iterations. It returns the context error if interrupted, in which case the
// interrupted iteration is not checkpointed.
func (o *Orchestrator) Run(ctx context.Context) error {
	for iteration := o.Progress.Iteration + 1; iteration < o.Config.NumIterations; iteration++ {
		_, _ = fmt.Fprintf(o.out(), "\nIteration: %d\n", iteration)
		result, err := o.RunIteration(ctx, iteration)
		if err != nil {
			return errors.WithMessagef(err, "iteration %d", iteration)
		}
		if o.OnIterationEnd != nil {
			o.OnIterationEnd(result)
		}
	}
	return nil
}

package trainer

import (
	"bytes"
	"context"
	"github.com/janpfeifer/hexzero/internal/ai/aitest"
	"github.com/janpfeifer/hexzero/internal/arena"
	"github.com/janpfeifer/hexzero/internal/checkpoint"
	"github.com/janpfeifer/hexzero/internal/config"
	"github.com/janpfeifer/hexzero/internal/games/corridor"
	"github.com/janpfeifer/hexzero/internal/games/tictactoe"
	"github.com/janpfeifer/hexzero/internal/replay"
	"github.com/janpfeifer/hexzero/internal/searchers/mcts"
	"github.com/janpfeifer/hexzero/internal/selfplay"
	"github.com/janpfeifer/hexzero/internal/temperature"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func testConfig(numIterations int) Config {
	search := mcts.DefaultConfig()
	search.NumSimulations = 4
	return Config{
		NumIterations:    numIterations,
		NumEpisodes:      2,
		NumGradientSteps: 3,
		BatchSize:        4,
		Seed:             7,
		SelfPlay: selfplay.Config{
			Gamma:       1,
			Search:      search,
			Schedule:    temperature.Constant(1),
			Parallelism: 2,
			Seed:        11,
		},
		Arena: arena.Config{
			Trials:          2,
			AcceptanceRatio: 0.5,
			Search:          search,
			Parallelism:     2,
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, model *aitest.Dummy, dir string) *Orchestrator {
	var checkpoints *checkpoint.Manager
	if dir != "" {
		var err error
		checkpoints, err = checkpoint.New(dir, 2)
		require.NoError(t, err)
	}
	o, err := New(tictactoe.Game{}, model, cfg, checkpoints, nil)
	require.NoError(t, err)
	return o
}

func TestRunAndResume(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(2)
	cfg.Pitting = true
	o := newTestOrchestrator(t, cfg, aitest.NewDummy(9), dir)
	var out bytes.Buffer
	o.Out = &out
	var numEpisodes int
	var promotions []bool
	o.OnEpisodeEnd = func(_ int, _ *trajectory.Trajectory) { numEpisodes++ }
	o.OnIterationEnd = func(result *IterationResult) { promotions = append(promotions, result.Promoted) }
	require.NoError(t, o.Resume())
	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, 4, numEpisodes)
	assert.Equal(t, []bool{true, true}, promotions)

	assert.Equal(t, 1, o.Progress.Iteration)
	assert.Equal(t, 6, o.Progress.WeightUpdates)
	assert.Equal(t, 2, o.Progress.NumAccepted)
	assert.Equal(t, 1, o.Progress.BestIteration)
	assert.Equal(t, 6, o.Candidate.(*aitest.Dummy).Version)
	assert.Equal(t, 6, o.Incumbent.(*aitest.Dummy).Version)
	assert.Equal(t, []int{0, 1}, o.Buffer.Iterations())
	assert.Equal(t, 4, o.Buffer.NumTrajectories())
	assert.Contains(t, out.String(), "Iteration: 1")
	assert.Contains(t, out.String(), "Self-play")
	assert.Contains(t, out.String(), "Training")
	assert.Contains(t, out.String(), "Arena")

	saved, err := o.Checkpoints.LoadProgress()
	require.NoError(t, err)
	assert.Equal(t, o.Progress.RunID, saved.RunID)
	assert.Equal(t, "tictactoe", saved.Game)
	assert.Equal(t, 1, saved.Iteration)

	// Resume, with one more iteration to run.
	cfg = testConfig(3)
	cfg.Pitting = true
	cfg.LoadModelPath = o.Checkpoints.Path(checkpoint.LatestModelFile)
	resumed := newTestOrchestrator(t, cfg, aitest.NewDummy(9), dir)
	require.NoError(t, resumed.Resume())
	assert.Equal(t, o.Progress.RunID, resumed.Progress.RunID)
	assert.Equal(t, 1, resumed.Progress.Iteration)
	assert.Equal(t, 6, resumed.Runner.WeightUpdates)
	assert.Equal(t, 6, resumed.Candidate.(*aitest.Dummy).Version)
	assert.Equal(t, 6, resumed.Incumbent.(*aitest.Dummy).Version)
	assert.Equal(t, o.Buffer.Len(), resumed.Buffer.Len())

	require.NoError(t, resumed.Run(context.Background()))
	assert.Equal(t, 2, resumed.Progress.Iteration)
	assert.Equal(t, 9, resumed.Progress.WeightUpdates)
	assert.Equal(t, 9, resumed.Candidate.(*aitest.Dummy).Version)
	assert.Equal(t, []int{0, 1, 2}, resumed.Buffer.Iterations())

	iterations, err := resumed.Checkpoints.Iterations()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, iterations)
}

func TestResumeWrongGame(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, testConfig(1), aitest.NewDummy(9), dir)
	require.NoError(t, o.Run(context.Background()))

	cfg := testConfig(2)
	cfg.Pitting = false
	cfg.LoadModelPath = o.Checkpoints.Path(checkpoint.LatestModelFile)
	checkpoints, err := checkpoint.New(dir, 2)
	require.NoError(t, err)
	g, err := corridor.New(5)
	require.NoError(t, err)
	other, err := New(g, aitest.NewDummy(2), cfg, checkpoints, nil)
	require.NoError(t, err)
	require.Error(t, other.Resume())
}

func TestPitting(t *testing.T) {
	// Identical players score exactly 0.5.
	for _, tc := range []struct {
		ratio    float32
		promoted bool
	}{{0.5, true}, {1.0, false}} {
		cfg := testConfig(1)
		cfg.Pitting = true
		cfg.Arena.AcceptanceRatio = tc.ratio
		o := newTestOrchestrator(t, cfg, aitest.NewDummy(9), t.TempDir())
		result, err := o.RunIteration(context.Background(), 0)
		require.NoError(t, err)
		require.NotNil(t, result.Arena)
		assert.Equal(t, float32(0.5), result.Arena.Score)
		assert.Equal(t, tc.promoted, result.Promoted)
		if tc.promoted {
			assert.Equal(t, 3, o.Candidate.(*aitest.Dummy).Version)
			assert.Equal(t, 3, o.Incumbent.(*aitest.Dummy).Version)
			assert.Equal(t, 0, o.Progress.BestIteration)
		} else {
			// Candidate reverted to the incumbent's weights, replay data kept.
			assert.Equal(t, 0, o.Candidate.(*aitest.Dummy).Version)
			assert.Equal(t, 0, o.Incumbent.(*aitest.Dummy).Version)
			assert.Equal(t, -1, o.Progress.BestIteration)
			assert.Equal(t, 1, o.Progress.NumRejected)
			assert.Equal(t, 2, o.Buffer.NumTrajectories())
		}
		assert.Equal(t, 3, o.Progress.WeightUpdates)
	}
}

func TestFailuresAbortWithoutCheckpoint(t *testing.T) {
	testErr := errors.New("inference backend down")

	t.Run("inference", func(t *testing.T) {
		dir := t.TempDir()
		checkpoints, err := checkpoint.New(dir, 0)
		require.NoError(t, err)
		o, err := New(tictactoe.Game{}, aitest.NewFailing(9, testErr), testConfig(2), checkpoints, nil)
		require.NoError(t, err)
		err = o.Run(context.Background())
		require.ErrorIs(t, err, testErr)
		assert.Contains(t, err.Error(), "iteration 0")
		_, err = checkpoints.LoadProgress()
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("training panic", func(t *testing.T) {
		dir := t.TempDir()
		checkpoints, err := checkpoint.New(dir, 0)
		require.NoError(t, err)
		model := &aitest.Panicking{Dummy: aitest.Dummy{NumActions: 9, Bias: -1}}
		o, err := New(tictactoe.Game{}, model, testConfig(2), checkpoints, nil)
		require.NoError(t, err)
		err = o.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "training exploded")
		_, err = checkpoints.LoadProgress()
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("cancelled", func(t *testing.T) {
		o := newTestOrchestrator(t, testConfig(2), aitest.NewDummy(9), "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := o.Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, -1, o.Progress.Iteration)
	})
}

func TestPrioritizedWithSymmetries(t *testing.T) {
	cfg := testConfig(1)
	cfg.AugmentSymmetries = true
	cfg.Replay = replay.Config{Prioritize: true, Alpha: 0.6, Beta: 0.4, Seed: 3}
	model := aitest.NewDummy(9)
	model.Value = 0.25
	o := newTestOrchestrator(t, cfg, model, "")
	result, err := o.RunIteration(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, result.Promoted)
	assert.Nil(t, result.Arena)
	assert.Equal(t, int64(3), model.NumTrains.Load())

	batch, err := o.Buffer.Sample(16)
	require.NoError(t, err)
	examples := o.examples(batch)
	require.Len(t, examples, 16)
	for ii, example := range examples {
		assert.Equal(t, batch.Steps[ii].Return, example.Value)
		assert.Len(t, example.Observation, tictactoe.Game{}.ObservationSize())
		var sum float32
		for _, p := range example.Policy {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestConfigFromDocument(t *testing.T) {
	doc := config.Default()
	doc.Args.NumEpisodes = 7
	doc.Args.Pitting = false
	doc.Args.LoadModel = true
	doc.Args.LoadFolderFile = []string{"/tmp/run", "best.model"}
	require.NoError(t, doc.Validate())
	c, err := ConfigFromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, 7, c.NumEpisodes)
	assert.False(t, c.Pitting)
	assert.Equal(t, "/tmp/run/best.model", c.LoadModelPath)
	assert.Equal(t, config.DefaultBatchSize, c.BatchSize)
	assert.Equal(t, doc.Args.NumMCTSSims, c.SelfPlay.Search.NumSimulations)
	assert.Equal(t, doc.Args.PittingTrials, c.Arena.Trials)

	_, err = New(tictactoe.Game{}, aitest.NewDummy(9), Config{NumIterations: 0}, nil, nil)
	require.Error(t, err)
	bad := testConfig(1)
	bad.SelfPlay.Schedule = nil
	_, err = New(tictactoe.Game{}, aitest.NewDummy(9), bad, nil, nil)
	require.Error(t, err)
}

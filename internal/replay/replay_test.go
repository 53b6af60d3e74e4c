package replay

import (
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"path/filepath"
	"testing"
)

// makeTrajectory with numSteps steps, whose observations encode (tag, step).
func makeTrajectory(tag float32, numSteps int) *trajectory.Trajectory {
	traj := trajectory.New("test")
	for ii := range numSteps {
		traj.Steps = append(traj.Steps, trajectory.Step{
			Observation: []float32{tag, float32(ii)},
			Policy:      []float32{0.25, 0.75},
			Action:      game.Action(ii % 2),
			Player:      game.PlayerNum(ii % 2),
			Reward:      0,
			ModelValue:  0.2 * float32(ii),
			SearchValue: 0.1 * float32(ii),
			Return:      1,
		})
	}
	traj.FinalValue = -1
	traj.FinalPlayer = game.PlayerNum(numSteps % 2)
	return traj
}

func newBuffer(t *testing.T, config Config) *Buffer {
	if config.Seed == 0 {
		config.Seed = 42
	}
	b, err := New(config)
	require.NoError(t, err)
	return b
}

func TestSampleEmpty(t *testing.T) {
	b := newBuffer(t, Config{})
	_, err := b.Sample(4)
	require.ErrorIs(t, err, ErrEmpty)
	_, err = b.Sample(0)
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	b := newBuffer(t, Config{MaxSize: 100, Window: 3})
	traj := makeTrajectory(7, 5)
	b.Append(traj, 0)
	want := traj.Clone()

	// Mutating the original after appending doesn't change the stored copy.
	traj.Steps[0].Observation[0] = -100

	batch, err := b.Sample(50)
	require.NoError(t, err)
	for ii, step := range batch.Steps {
		key := batch.Keys[ii]
		assert.Equal(t, want.ID, key.TrajectoryID)
		assert.Equal(t, want.Steps[key.Step], step)
		assert.Equal(t, float32(1), batch.Weights[ii])
		assert.Equal(t, 0, batch.Iterations[ii])

		// Mutating the sampled step doesn't change the buffer.
		step.Policy[0] = 1
	}
	batch, err = b.Sample(10)
	require.NoError(t, err)
	for ii, step := range batch.Steps {
		assert.Equal(t, want.Steps[batch.Keys[ii].Step], step)
	}
}

func TestWindow(t *testing.T) {
	b := newBuffer(t, Config{Window: 2})
	for iteration := range 5 {
		b.Append(makeTrajectory(float32(iteration), 3), iteration)
		b.Append(makeTrajectory(float32(iteration), 2), iteration)
		b.AdvanceWindow(iteration)
	}
	assert.Equal(t, []int{3, 4}, b.Iterations())
	assert.Equal(t, 10, b.Len())
	assert.Equal(t, 4, b.NumTrajectories())
	assert.Equal(t, 4, b.LatestIteration())

	batch, err := b.Sample(200)
	require.NoError(t, err)
	for ii, step := range batch.Steps {
		assert.GreaterOrEqual(t, batch.Iterations[ii], 3)
		assert.GreaterOrEqual(t, step.Observation[0], float32(3))
	}

	// Appends to iterations already outside the window are dropped.
	b.Append(makeTrajectory(1, 3), 1)
	assert.Equal(t, 10, b.Len())
	assert.Equal(t, []int{3, 4}, b.Iterations())
}

func TestCapacity(t *testing.T) {
	b := newBuffer(t, Config{MaxSize: 10})
	first := makeTrajectory(0, 4)
	b.Append(first, 0)
	b.Append(makeTrajectory(0, 4), 0)
	b.Append(makeTrajectory(1, 4), 1)
	assert.Equal(t, 8, b.Len())
	assert.Equal(t, 2, b.NumTrajectories())
	assert.Equal(t, []int{0, 1}, b.Iterations())
	batch, err := b.Sample(100)
	require.NoError(t, err)
	for _, key := range batch.Keys {
		assert.NotEqual(t, first.ID, key.TrajectoryID)
	}

	// Oldest iteration goes first, even within the window.
	b.Append(makeTrajectory(2, 4), 2)
	assert.Equal(t, []int{1, 2}, b.Iterations())
	assert.Equal(t, 8, b.Len())
}

func TestPrioritized(t *testing.T) {
	b := newBuffer(t, Config{Prioritize: true, Alpha: 1, Beta: 1})
	easy := makeTrajectory(0, 1)
	easy.Steps[0].Return = easy.Steps[0].SearchValue // TD-error = 0.
	hard := makeTrajectory(1, 1)
	hard.Steps[0].Return = 1 // TD-error = 1.
	b.Append(easy, 0)
	b.Append(hard, 0)

	countHard := func() int {
		batch, err := b.Sample(500)
		require.NoError(t, err)
		count := 0
		for ii, step := range batch.Steps {
			assert.Greater(t, batch.Weights[ii], float32(0))
			assert.LessOrEqual(t, batch.Weights[ii], float32(1))
			if step.Observation[0] == 1 {
				count++
			}
		}
		return count
	}
	assert.Greater(t, countHard(), 480)

	require.NoError(t, b.UpdatePriorities(
		[]Key{{TrajectoryID: easy.ID, Step: 0}, {TrajectoryID: hard.ID, Step: 0}},
		[]float32{2, 0}))
	assert.Less(t, countHard(), 20)

	require.Error(t, b.UpdatePriorities([]Key{{TrajectoryID: easy.ID}}, nil))
}

func TestPrioritizedWeights(t *testing.T) {
	b := newBuffer(t, Config{Prioritize: true, Alpha: 1, Beta: 1})
	low := makeTrajectory(0, 1)
	low.Steps[0].Return = 0.5 // TD-error = 0.5.
	high := makeTrajectory(1, 1)
	high.Steps[0].Return = 1.5 // TD-error = 1.5.
	b.Append(low, 0)
	b.Append(high, 0)
	batch, err := b.Sample(200)
	require.NoError(t, err)
	eps := b.config.PriorityEpsilon
	ratio := (0.5 + eps) / (1.5 + eps) // Weight of high relative to low.
	for ii, step := range batch.Steps {
		if step.Observation[0] == 1 {
			assert.InDelta(t, ratio, batch.Weights[ii], 1e-4)
		} else {
			assert.InDelta(t, 1, batch.Weights[ii], 1e-4)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay", "replay.parquet")
	config := Config{Window: 2, Prioritize: true, Alpha: 0.6, Beta: 0.4}
	b := newBuffer(t, config)
	var trajs []*trajectory.Trajectory
	for iteration := range 3 {
		traj := makeTrajectory(float32(iteration), 3+iteration)
		traj.Truncated = iteration == 1
		trajs = append(trajs, traj)
		b.Append(traj, iteration)
		b.AdvanceWindow(iteration)
	}
	require.NoError(t, b.UpdatePriorities([]Key{{TrajectoryID: trajs[2].ID, Step: 1}}, []float32{3}))
	require.NoError(t, b.Save(path))

	loaded := newBuffer(t, config)
	require.NoError(t, loaded.Load(path, -1))
	assert.Equal(t, b.Iterations(), loaded.Iterations())
	assert.Equal(t, b.Len(), loaded.Len())
	assert.Equal(t, 2, loaded.LatestIteration())
	for _, iteration := range []int{1, 2} {
		assert.Equal(t, b.Trajectories(iteration), loaded.Trajectories(iteration))
	}
	b.mu.RLock()
	loaded.mu.RLock()
	assert.Equal(t, b.byID[trajs[2].ID].priorities, loaded.byID[trajs[2].ID].priorities)
	loaded.mu.RUnlock()
	b.mu.RUnlock()

	// Loading with a later progress evicts by the window.
	require.NoError(t, loaded.Load(path, 3))
	assert.Equal(t, []int{2}, loaded.Iterations())
}

func TestConcurrentAppendAndSample(t *testing.T) {
	b := newBuffer(t, Config{MaxSize: 50, Window: 3})
	var g errgroup.Group
	for worker := range 4 {
		g.Go(func() error {
			for iteration := range 20 {
				b.Append(makeTrajectory(float32(worker), 1+iteration%5), iteration)
				if worker == 0 {
					b.AdvanceWindow(iteration)
				}
			}
			return nil
		})
	}
	for range 4 {
		g.Go(func() error {
			for range 50 {
				batch, err := b.Sample(8)
				if err == ErrEmpty {
					continue
				}
				if err != nil {
					return err
				}
				for _, step := range batch.Steps {
					if len(step.Observation) != 2 || len(step.Policy) != 2 {
						t.Errorf("corrupted step sampled: %+v", step)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, b.Len(), 50)
}

func TestLoadWhileSampling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.parquet")
	config := Config{Window: 3, Prioritize: true, Alpha: 0.6, Beta: 0.4}
	b := newBuffer(t, config)
	for iteration := range 3 {
		b.Append(makeTrajectory(float32(iteration), 4), iteration)
		b.AdvanceWindow(iteration)
	}
	require.NoError(t, b.Save(path))
	wantLen := b.Len()

	// Readers never observe a partially loaded buffer.
	var g errgroup.Group
	g.Go(func() error {
		for range 20 {
			if err := b.Load(path, -1); err != nil {
				return err
			}
		}
		return nil
	})
	for range 3 {
		g.Go(func() error {
			for range 200 {
				assert.Equal(t, wantLen, b.Len())
				batch, err := b.Sample(8)
				if err != nil {
					return err
				}
				assert.Len(t, batch.Steps, 8)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []int{0, 1, 2}, b.Iterations())
}

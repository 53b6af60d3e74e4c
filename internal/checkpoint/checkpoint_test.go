package checkpoint

import (
	"github.com/janpfeifer/hexzero/internal/ai/aitest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

type fakeBuffer struct {
	saved int
	err   error
}

func (b *fakeBuffer) Save(path string) error {
	if err := os.WriteFile(path, []byte("buffer"), 0o644); err != nil {
		return err
	}
	if b.err != nil {
		return b.err
	}
	b.saved++
	return nil
}

func checkNoTemporaryFiles(t *testing.T, dir string) {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(entry.Name()), entry.Name())
	}
}

func TestSaveAndResume(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	m, err := New(dir, 2)
	require.NoError(t, err)

	_, err = m.LoadProgress()
	require.ErrorIs(t, err, ErrNotFound)

	candidate, incumbent := aitest.NewDummy(3), aitest.NewDummy(3)
	buffer := &fakeBuffer{}
	for iteration := range 4 {
		candidate.Version = 10 + iteration
		incumbent.Version = iteration
		progress := &Progress{
			RunID:         "run-1",
			Game:          "tictactoe",
			Iteration:     iteration,
			WeightUpdates: 100 * (iteration + 1),
			BestIteration: iteration,
		}
		require.NoError(t, m.Save(candidate, incumbent, buffer, progress))
	}
	assert.Equal(t, 4, buffer.saved)

	// Only the 2 most recent iteration snapshots are kept.
	iterations, err := m.Iterations()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, iterations)

	progress, err := m.LoadProgress()
	require.NoError(t, err)
	assert.Equal(t, "run-1", progress.RunID)
	assert.Equal(t, 3, progress.Iteration)
	assert.Equal(t, 400, progress.WeightUpdates)
	assert.False(t, progress.UpdatedAt.IsZero())

	latest, best := aitest.NewDummy(3), aitest.NewDummy(3)
	require.NoError(t, m.LoadModel(latest, LatestModelFile))
	require.NoError(t, m.LoadModel(best, BestModelFile))
	assert.Equal(t, 13, latest.Version)
	assert.Equal(t, 3, best.Version)

	snapshot := aitest.NewDummy(3)
	require.NoError(t, m.LoadModel(snapshot, IterationModelFile(2)))
	assert.Equal(t, 12, snapshot.Version)

	// No temporary files left behind.
	checkNoTemporaryFiles(t, dir)
}

func TestBufferFailureKeepsPreviousCheckpoint(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 0)
	require.NoError(t, err)

	candidate, incumbent := aitest.NewDummy(3), aitest.NewDummy(3)
	candidate.Version, incumbent.Version = 1, 1
	require.NoError(t, m.Save(candidate, incumbent, &fakeBuffer{}, &Progress{Iteration: 0}))

	// Next iteration: models are saved fine, but the buffer fails.
	candidate.Version, incumbent.Version = 2, 2
	err = m.Save(candidate, incumbent, &fakeBuffer{err: errors.New("disk full")}, &Progress{Iteration: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	progress, err := m.LoadProgress()
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Iteration)
	latest, best := aitest.NewDummy(3), aitest.NewDummy(3)
	require.NoError(t, m.LoadModel(latest, LatestModelFile))
	require.NoError(t, m.LoadModel(best, BestModelFile))
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, 1, best.Version)
	iterations, err := m.Iterations()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, iterations)
	checkNoTemporaryFiles(t, dir)
}

func TestSaveFailureKeepsProgress(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, m.SaveProgress(&Progress{Iteration: 0}))

	failing := aitest.NewFailing(3, errors.New("disk full"))
	candidate := &failingSaver{Failing: failing}
	err = m.Save(candidate, aitest.NewDummy(3), nil, &Progress{Iteration: 1})
	require.Error(t, err)

	progress, err := m.LoadProgress()
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Iteration)
	_, err = os.Stat(m.Path(IterationModelFile(1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.Path(IterationModelFile(1)) + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

type failingSaver struct {
	*aitest.Failing
}

func (f *failingSaver) Save(path string) error {
	_ = os.WriteFile(path, []byte("partial"), 0o644)
	return f.Err
}

func TestLoadModelNotFound(t *testing.T) {
	m, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	err = m.LoadModel(aitest.NewDummy(2), BestModelFile)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = New("", 1)
	require.Error(t, err)
}

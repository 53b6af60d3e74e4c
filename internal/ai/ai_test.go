package ai_test

import (
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/ai/aitest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestSoftmax(t *testing.T) {
	probs := ai.Softmax([]float32{1000, 1000, 1000, 1000})
	assert.InDeltaSlice(t, []float32{0.25, 0.25, 0.25, 0.25}, probs, 1e-6)
	probs = ai.Softmax([]float32{0, 1})
	assert.InDelta(t, 0.7310586, probs[1], 1e-5)
	assert.Empty(t, ai.Softmax(nil))
}

func TestOneHotEncoding(t *testing.T) {
	assert.Equal(t, []float32{0, 0, 1}, ai.OneHotEncoding(3, 2))
}

func TestWithRetries(t *testing.T) {
	transient := errors.Wrap(ai.ErrTransient, "server timeout")

	// Always transient: fails after 1+2 attempts.
	failing := aitest.NewFailing(3, transient)
	model := ai.WithRetries(failing, 2, 0)
	_, _, err := model.Infer(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrTransient)
	assert.Equal(t, int64(3), failing.NumInfers.Load())

	// Transient for the first 2 calls only.
	flaky := &flakyModel{Dummy: aitest.NewDummy(3), failures: 2}
	model = ai.WithRetries(flaky, 2, 0)
	policy, _, err := model.Infer(nil)
	require.NoError(t, err)
	assert.Len(t, policy, 3)

	// Non-transient errors are not retried.
	permanent := aitest.NewFailing(3, errors.New("corrupted weights"))
	model = ai.WithRetries(permanent, 5, 0)
	_, _, err = model.Infer(nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), permanent.NumInfers.Load())

	// No retries returns the model itself.
	assert.Same(t, permanent, ai.WithRetries(permanent, 0, 0))
}

type flakyModel struct {
	*aitest.Dummy
	failures int
}

func (f *flakyModel) Infer(observation []float32) ([]float32, float32, error) {
	if f.failures > 0 {
		f.failures--
		return nil, 0, errors.Wrap(ai.ErrTransient, "flaky")
	}
	return f.Dummy.Infer(observation)
}

func TestAsBatchInferencer(t *testing.T) {
	model := aitest.NewDummy(2)
	batch := ai.AsBatchInferencer(model)
	policies, values, err := batch.InferBatch([][]float32{{1}, {2}, {3}})
	require.NoError(t, err)
	assert.Len(t, policies, 3)
	assert.Len(t, values, 3)
	assert.Equal(t, int64(3), model.NumInfers.Load())
}

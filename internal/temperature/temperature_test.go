package temperature

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"
)

func TestStepwise(t *testing.T) {
	s, err := New(Stepwise, false, []Point{{10, 0.5}, {0, 1}, {30, 0.25}})
	require.NoError(t, err)
	for _, test := range []struct {
		counter int
		want    float32
	}{
		{0, 1}, {1, 0.5}, {10, 0.5}, {11, 0.25}, {30, 0.25}, {1000, 0.25},
	} {
		assert.Equalf(t, test.want, s.Temperature(test.counter), "counter=%d", test.counter)
	}
	assert.False(t, s.ByWeightUpdate())
	assert.Equal(t, 3, s.Counter(3, 100))
}

func TestLinear(t *testing.T) {
	s, err := New(Linear, true, []Point{{0, 1}, {100, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 1, s.Temperature(-5), 1e-6)
	assert.InDelta(t, 0.75, s.Temperature(25), 1e-6)
	assert.InDelta(t, 0, s.Temperature(200), 1e-6)
	assert.Equal(t, 100, s.Counter(3, 100))
}

func TestNewErrors(t *testing.T) {
	_, err := New(Stepwise, false, nil)
	require.Error(t, err)
	_, err = New("cosine", false, []Point{{0, 1}})
	require.Error(t, err)
	_, err = New(Stepwise, false, []Point{{0, -1}})
	require.Error(t, err)
	_, err = New(Stepwise, false, []Point{{1, 1}, {1, 0}})
	require.Error(t, err)
}

func TestSelectGreedy(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	counts := []float32{3, 7, 7, 1}
	for range 10 {
		assert.Equal(t, 1, Select(counts, 0, rng))
	}
	assert.Equal(t, -1, Select(nil, 0, rng))
}

func TestSelectSampling(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	counts := []float32{0, 1, 3, 0}
	hits := make([]int, len(counts))
	const numSamples = 10_000
	for range numSamples {
		hits[Select(counts, 1, rng)]++
	}
	assert.Equal(t, 0, hits[0])
	assert.Equal(t, 0, hits[3])
	assert.InDelta(t, 0.25, float64(hits[1])/numSamples, 0.03)
	assert.InDelta(t, 0.75, float64(hits[2])/numSamples, 0.03)
}

func TestDistribution(t *testing.T) {
	assert.InDeltaSlice(t, []float32{0.1, 0.9}, Distribution([]float32{1, 3}, 0.5), 1e-6)
	assert.Nil(t, Distribution([]float32{0, 0}, 1))
}

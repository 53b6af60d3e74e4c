package parameters

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString(" a=1, b , c=x=y,,")
	assert.Equal(t, Params{"a": "1", "b": "", "c": "x=y"}, params)
	assert.Empty(t, NewFromConfigString(""))
}

func TestGetAndPop(t *testing.T) {
	params := NewFromConfigString("i=3,u=18446744073709551615,f=0.5,d=1e-3,s=hello,b,bf=false,empty=")

	i, err := GetParamOr(params, "i", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, i)
	assert.Contains(t, params, "i", "Get should not remove the key")

	i, err = PopParamOr(params, "i", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, i)
	assert.NotContains(t, params, "i")

	u, err := PopParamOr(params, "u", uint64(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), u)

	f, err := PopParamOr(params, "f", float32(0))
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), f)

	d, err := PopParamOr(params, "d", 0.0)
	require.NoError(t, err)
	assert.Equal(t, 1e-3, d)

	s, err := PopParamOr(params, "s", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	b, err := PopParamOr(params, "b", false)
	require.NoError(t, err)
	assert.True(t, b)

	b, err = PopParamOr(params, "bf", true)
	require.NoError(t, err)
	assert.False(t, b)

	// Empty values keep the default for numbers.
	i, err = PopParamOr(params, "empty", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, i)

	// Missing keys return the default.
	s, err = PopParamOr(params, "missing", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", s)

	require.NoError(t, params.CheckAllUsed())
}

func TestErrors(t *testing.T) {
	params := NewFromConfigString("i=x,b=maybe,f=y,other")
	_, err := PopParamOr(params, "i", 0)
	require.ErrorContains(t, err, `i="x"`)
	_, err = PopParamOr(params, "b", false)
	require.ErrorContains(t, err, `b="maybe"`)
	_, err = PopParamOr(params, "f", float32(0))
	require.Error(t, err)

	// Failed parameters are not removed.
	err = params.CheckAllUsed()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `["b" "f" "i" "other"]`)
}

// Package parameters handles generic configuration Params, a map[string]string that the
// user can set from the command line, e.g. "-set=num_MCTS_sims=50,pitting=false,prioritize".
package parameters

import (
	"github.com/janpfeifer/hexzero/internal/generics"
	"github.com/pkg/errors"
	"slices"
	"strconv"
	"strings"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string: comma-separated "key=value" pairs.
// A key without a value is stored with an empty value, which GetParamOr interprets as true for bools.
// Spaces around keys and values are trimmed, and empty entries are ignored.
//
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(part, "=") // Split into up to 2 parts to handle '=' in values
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		params[key] = strings.TrimSpace(value)
	}
	return params
}

// Value types supported by GetParamOr and PopParamOr.
type Value interface {
	bool | int | uint64 | float32 | float64 | string
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var parsed any
	var err error
	switch any(defaultValue).(type) {
	case string:
		parsed = value
	case int:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.Atoi(value)
	case uint64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.ParseUint(value, 10, 64)
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		var f float64
		f, err = strconv.ParseFloat(value, 32)
		parsed = float32(f)
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err = strconv.ParseFloat(value, 64)
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1": // Empty value is considered "true"
			parsed = true
		case "false", "0":
			parsed = false
		default:
			err = errors.New("invalid bool, use true/false or 1/0")
		}
	}
	if err != nil {
		return defaultValue, errors.Wrapf(err, "failed to parse configuration %s=%q to %T", key, value, defaultValue)
	}
	return parsed.(T), nil
}

// CheckAllUsed returns an error listing the parameters left in params, typically called after all known
// parameters have been popped.
func (p Params) CheckAllUsed() error {
	if len(p) == 0 {
		return nil
	}
	return errors.Errorf("unknown configuration parameters: %q", slices.Collect(generics.SortedKeys(p)))
}

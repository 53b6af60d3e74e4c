// Package gomlx implements ai.Model with GoMLX feed-forward networks (FNN) over the game
// observations, with a policy head and a value head.
//
// It runs on the pure Go "simplego" backend, so no PJRT plugin is needed. Hyperparameters are
// GoMLX context parameters, set from the configuration's net_args.
package gomlx

import (
	"fmt"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/hexzero/internal/parameters"
	"github.com/pkg/errors"
	"sync"
)

var (
	// Backend is a singleton, the same for all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec serializes the creation of executors.
	muNewExec sync.Mutex
)

// netArgsAliases maps the short names accepted in net_args to the GoMLX hyperparameter names.
var netArgsAliases = map[string]string{
	"lr":                optimizers.ParamLearningRate,
	"optimizer":         optimizers.ParamOptimizer,
	"l2":                regularizers.ParamL2,
	"l1":                regularizers.ParamL1,
	"dropout":           layers.ParamDropoutRate,
	"num_hidden_layers": fnnLayer.ParamNumHiddenLayers,
	"num_hidden_nodes":  fnnLayer.ParamNumHiddenNodes,
}

// netArgsToParams converts the net_args to Params, resolving the aliases.
// "batch_size" is skipped: it is the training batch size, read by the configuration.
func netArgsToParams(netArgs map[string]any) (parameters.Params, error) {
	params := make(parameters.Params, len(netArgs))
	for key, value := range netArgs {
		if key == "batch_size" {
			continue
		}
		if name, found := netArgsAliases[key]; found {
			key = name
		}
		if _, found := params[key]; found {
			return nil, errors.Errorf("net_args sets %q twice (directly and through an alias)", key)
		}
		params[key] = fmt.Sprint(value)
	}
	return params, nil
}

// extractParams pops the root scope hyperparameters of ctx from params, and writes them
// as context hyperparameters. The type of each hyperparameter is given by its default value.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	if err != nil {
		return err
	}
	return errors.WithMessagef(params.CheckAllUsed(), "net_args of model %s", modelName)
}

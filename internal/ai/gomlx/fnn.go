package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// ParamValueLossWeight scales the value loss relative to the policy cross-entropy.
const ParamValueLossWeight = "value_loss_weight"

// newContext creates a fresh context, initialized with hyperparameters set to their defaults.
func newContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "",
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         1e-5,
		regularizers.ParamL1:         0.0,
		ParamValueLossWeight:         1.0,

		// FNN network parameters, used by both heads.
		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  64,
		fnnLayer.ParamResidual:        true,
		fnnLayer.ParamNormalization:   "layer",
	})
	return ctx.Checked(false)
}

// forwardGraph returns the policy logits, shaped [batchSize, actionSize], and the values, shaped [batchSize].
func (m *Model) forwardGraph(ctx *context.Context, observations *Node) (policyLogits, value *Node) {
	batchSize := observations.Shape().Dim(0)
	value = fnnLayer.New(ctx.In("value"), observations, 1).Done()
	value.AssertDims(batchSize, 1)
	value = Squeeze(Tanh(value), -1)

	policyLogits = fnnLayer.New(ctx.In("policy"), observations, m.actionSize).Done()
	policyLogits.AssertDims(batchSize, m.actionSize)
	return
}

// inferGraph takes the observations as its only input, and returns the policies and values.
func (m *Model) inferGraph(ctx *context.Context, inputs []*Node) []*Node {
	policyLogits, value := m.forwardGraph(ctx, inputs[0])
	return []*Node{Softmax(policyLogits, -1), value}
}

// lossGraph takes as inputs the observations, policy labels, value labels and example weights.
// Padding examples have weight 0.
//
//	loss = Σ_e weight_e * [ value_loss_weight * (value_e - label_e)^2 + CrossEntropy(policyLabel_e, policy_e) ]
func (m *Model) lossGraph(ctx *context.Context, inputs []*Node) *Node {
	observations, policyLabels, valueLabels, weights := inputs[0], inputs[1], inputs[2], inputs[3]
	policyLogits, value := m.forwardGraph(ctx, observations)
	valueLoss := Square(Sub(value, valueLabels))
	valueLoss = MulScalar(valueLoss, context.GetParamOr(ctx, ParamValueLossWeight, 1.0))
	logPolicy := Log(AddScalar(Softmax(policyLogits, -1), 1e-7))
	crossEntropy := Neg(ReduceSum(Mul(policyLabels, logPolicy), -1))
	return ReduceAllSum(Mul(weights, Add(valueLoss, crossEntropy)))
}

// trainStepGraph returns the loss (including regularization) before the update of the weights.
func (m *Model) trainStepGraph(ctx *context.Context, inputs []*Node) *Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, true)
	loss := m.lossGraph(ctx, inputs)
	if regularization := train.GetLosses(ctx, g); regularization != nil {
		loss = Add(loss, regularization)
	}
	m.optimizer.UpdateGraph(ctx, g, loss)
	train.ExecPerStepUpdateGraphFn(ctx, g)
	return loss
}

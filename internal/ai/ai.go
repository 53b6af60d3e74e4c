// Package ai (Artificial Intelligence) defines the Model interface the search and training
// core use, independent of the model's topology.
package ai

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"slices"
)

// WinGameScore for the winning side. For the losing side it is -WinGameScore.
// We make these +1 and -1, so it's easy to put a tanh(x) on the output of the model to get a
// value from +1 to -1.
const WinGameScore = float32(1)

// SquashScore converts any score to a value between +WinGameScore and -WinGameScore
// by using then tanh(x) function -- a type of S curve.
func SquashScore(x float32) float32 {
	return math32.Tanh(x) * WinGameScore
}

// ErrTransient marks model errors that may succeed if retried, e.g. a timeout talking to
// a remote inference server. Wrap it with errors.Wrap to mark an error as transient.
var ErrTransient = errors.New("transient model error")

// Example is one training data point.
type Example struct {
	// Observation of the game state, as returned by game.Game.Observe.
	Observation []float32

	// Policy label: a probability distribution over the full action space.
	Policy []float32

	// Value label: the return target for the player to move.
	Value float32
}

// Model is the neural network (or any other function approximator) used by the search and
// trained by the orchestrator.
//
// A value represents how good the state is for the player to move: +1 represents a sure win,
// -1 a sure loss, and 0 a draw.
type Model interface {
	// Infer returns the policy (a probability distribution over the full action space, legal or not)
	// and the value of the observed state.
	Infer(observation []float32) (policy []float32, value float32, err error)

	// Train does one optimization step on the given batch of examples, scaling each example's loss
	// by its weight. It returns the training loss -- weighted mean over the batch.
	Train(examples []Example, weights []float32) (loss float32, err error)

	// Save the model weights to path.
	Save(path string) error

	// Load the model weights from path.
	Load(path string) error

	// Clone returns an independent copy of the model: training the clone doesn't affect the
	// original, and vice-versa. It is used to freeze snapshots.
	Clone() Model

	// String returns the model name.
	String() string
}

// BatchInferencer is a Model that handles batches, presumably more efficiently.
type BatchInferencer interface {
	Model

	// InferBatch is like Infer, for a batch of observations.
	InferBatch(observations [][]float32) (policies [][]float32, values []float32, err error)
}

// OneHotEncoding returns a slice of float32 with one element set to 1, and all others to 0.
func OneHotEncoding(total, selected int) (vec []float32) {
	vec = make([]float32, total)
	if total > 0 {
		vec[selected] = 1
	}
	return
}

// Softmax returns the Softmax of the given logits in a numerically stable way.
func Softmax(logits []float32) (probs []float32) {
	probs = make([]float32, len(logits))
	if len(logits) == 0 {
		return
	}
	var sum float32

	// Subtract maxValue from all logits keep the probability the same, but makes for more numerically stable
	// logits.
	maxValue := slices.Max(logits)
	for ii, value := range logits {
		probs[ii] = math32.Exp(value - maxValue)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return
}

// Package linear implements a pure Go linear policy/value model that can be used to play as well as
// training -- it defines its own gradient for that, and can be used for a simple SGD.
//
// The value head is tanh(w·x+b) and the policy head is softmax(W·x+b) over the full action space.
package linear

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"github.com/chewxy/math32"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
)

// Model is a linear model (one weight per feature + bias) for the value and for each action of the policy.
// It implements ai.Model.
type Model struct {
	observationSize, actionSize int

	// valueWeights has observationSize+1 entries, the last is the bias.
	valueWeights []float32

	// policyWeights has actionSize rows of observationSize+1 entries each, the last of each row is the bias.
	policyWeights []float32

	// LearningRate to use when training the linear model and L2Reg to use.
	LearningRate, L2Reg float32

	// GradientL2Clip clips the gradient to this l2 length before applying.
	GradientL2Clip float32

	// numTrainSteps is the number of times Train was called, used as the model version.
	numTrainSteps int

	// mu protects the weights: Train takes the write lock, Infer the read lock.
	mu sync.RWMutex
}

var _ ai.Model = (*Model)(nil)

// Hyperparameter keys read from the configuration's net_args. Other keys are ignored.
const (
	ParamLearningRate   = "lr"
	ParamL2             = "l2"
	ParamGradientL2Clip = "gradient_l2_clip"
	ParamInitScale      = "init_scale"
	ParamSeed           = "seed"
)

// New creates a linear model for the given observation and action space sizes, configured by
// the hyperparameters in netArgs. Weights are initialized with small random values.
func New(observationSize, actionSize int, netArgs map[string]any) (*Model, error) {
	if observationSize <= 0 || actionSize <= 0 {
		return nil, errors.Errorf("invalid linear model dimensions: observation=%d, actions=%d", observationSize, actionSize)
	}
	m := &Model{
		observationSize: observationSize,
		actionSize:      actionSize,
		valueWeights:    make([]float32, observationSize+1),
		policyWeights:   make([]float32, actionSize*(observationSize+1)),
		LearningRate:    0.01,
		L2Reg:           1e-4,
		GradientL2Clip:  10.0,
	}
	initScale := float32(0.01)
	seed := uint64(42)
	for key, value := range netArgs {
		var err error
		switch key {
		case ParamLearningRate:
			m.LearningRate, err = toFloat32(key, value)
		case ParamL2:
			m.L2Reg, err = toFloat32(key, value)
		case ParamGradientL2Clip:
			m.GradientL2Clip, err = toFloat32(key, value)
		case ParamInitScale:
			initScale, err = toFloat32(key, value)
		case ParamSeed:
			var f float32
			f, err = toFloat32(key, value)
			seed = uint64(f)
		default:
			klog.V(2).Infof("linear model: ignoring hyperparameter %s=%v", key, value)
		}
		if err != nil {
			return nil, err
		}
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	for ii := range m.valueWeights {
		m.valueWeights[ii] = initScale * float32(rng.NormFloat64())
	}
	for ii := range m.policyWeights {
		m.policyWeights[ii] = initScale * float32(rng.NormFloat64())
	}
	return m, nil
}

func toFloat32(key string, value any) (float32, error) {
	switch v := value.(type) {
	case float64:
		return float32(v), nil
	case float32:
		return v, nil
	case int:
		return float32(v), nil
	case int64:
		return float32(v), nil
	}
	return 0, errors.Errorf("linear model hyperparameter %q must be a number, got %T(%v)", key, value, value)
}

// String implements ai.Model.
func (m *Model) String() string {
	return fmt.Sprintf("linear(obs=%d, actions=%d)", m.observationSize, m.actionSize)
}

// NumTrainSteps returns the number of training steps applied to the model so far.
func (m *Model) NumTrainSteps() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numTrainSteps
}

func (m *Model) checkObservation(x []float32) error {
	if len(x) != m.observationSize {
		return errors.Errorf("%s: observation has %d features, expected %d", m, len(x), m.observationSize)
	}
	return nil
}

// dot of weights (with bias as the last element) and x.
func dot(weights, x []float32) float32 {
	sum := weights[len(weights)-1]
	for ii, xi := range x {
		sum += xi * weights[ii]
	}
	return sum
}

func (m *Model) policyRow(action int) []float32 {
	stride := m.observationSize + 1
	return m.policyWeights[action*stride : (action+1)*stride]
}

// lockedInfer assumes the lock is held.
func (m *Model) lockedInfer(x []float32) (policy []float32, value float32) {
	value = ai.SquashScore(dot(m.valueWeights, x))
	logits := make([]float32, m.actionSize)
	for action := range logits {
		logits[action] = dot(m.policyRow(action), x)
	}
	return ai.Softmax(logits), value
}

// Infer implements ai.Model.
func (m *Model) Infer(observation []float32) (policy []float32, value float32, err error) {
	if err = m.checkObservation(observation); err != nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, value = m.lockedInfer(observation)
	return
}

// InferBatch implements ai.BatchInferencer.
func (m *Model) InferBatch(observations [][]float32) (policies [][]float32, values []float32, err error) {
	policies = make([][]float32, len(observations))
	values = make([]float32, len(observations))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ii, x := range observations {
		if err = m.checkObservation(x); err != nil {
			return nil, nil, err
		}
		policies[ii], values[ii] = m.lockedInfer(x)
	}
	return
}

// Train implements ai.Model with one step of gradient descent. The loss is:
//
//	(1/N) * Σ_e weight_e * [ (value_e - label_e)^2 + CrossEntropy(policyLabel_e, policy_e) ] + L2Reg * |w|^2
//
// It returns the loss before the update.
func (m *Model) Train(examples []ai.Example, weights []float32) (loss float32, err error) {
	if len(examples) == 0 {
		return 0, errors.New("linear model: Train called with empty batch")
	}
	if weights != nil && len(weights) != len(examples) {
		return 0, errors.Errorf("linear model: %d examples but %d weights", len(examples), len(weights))
	}
	for ii := range examples {
		if err = m.checkObservation(examples[ii].Observation); err != nil {
			return
		}
		if len(examples[ii].Policy) != m.actionSize {
			return 0, errors.Errorf("%s: policy label has %d actions, expected %d", m, len(examples[ii].Policy), m.actionSize)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	valueGrad := make([]float32, len(m.valueWeights))
	policyGrad := make([]float32, len(m.policyWeights))
	loss = m.calculateGradient(examples, weights, valueGrad, policyGrad)

	// Clip gradient: both heads together.
	if m.GradientL2Clip > 0 {
		l2 := math32.Sqrt(sumSquares(valueGrad) + sumSquares(policyGrad))
		if l2 > m.GradientL2Clip {
			ratio := m.GradientL2Clip / l2
			klog.V(2).Infof("%s: clipping gradient l2=%g to %g", m, l2, m.GradientL2Clip)
			scale(valueGrad, ratio)
			scale(policyGrad, ratio)
		}
	}

	// Apply gradient with the learning rate.
	for ii, g := range valueGrad {
		m.valueWeights[ii] -= m.LearningRate * g
	}
	for ii, g := range policyGrad {
		m.policyWeights[ii] -= m.LearningRate * g
	}
	m.numTrainSteps++
	return loss, nil
}

// calculateGradient of the loss described in Train, and returns the loss. It assumes the lock is held.
//
//	value: v = tanh(w·x+b), d(v-z)^2/dw_i = 2*(v-z)*(1-v^2)*x_i
//	policy: p = softmax(W·x+b), dCE/dW_{a,i} = (p_a - π_a)*x_i
func (m *Model) calculateGradient(examples []ai.Example, weights []float32, valueGrad, policyGrad []float32) (loss float32) {
	N := float32(len(examples))
	bias := m.observationSize
	for exampleIdx, example := range examples {
		w := float32(1)
		if weights != nil {
			w = weights[exampleIdx]
		}
		x := example.Observation
		policy, value := m.lockedInfer(x)

		// Value head.
		diff := value - example.Value
		loss += w * diff * diff / N
		c := w * 2 * diff * (1 - value*value) / N
		for i, xi := range x {
			valueGrad[i] += c * xi
		}
		valueGrad[bias] += c

		// Policy head.
		var labelSum float32
		for action, label := range example.Policy {
			labelSum += label
			if label > 0 {
				loss -= w * label * math32.Log(max(policy[action], 1e-12)) / N
			}
		}
		stride := m.observationSize + 1
		for action, p := range policy {
			ca := w * (labelSum*p - example.Policy[action]) / N
			if ca == 0 {
				continue
			}
			row := policyGrad[action*stride : (action+1)*stride]
			for i, xi := range x {
				row[i] += ca * xi
			}
			row[bias] += ca
		}
	}

	if m.L2Reg > 0 {
		loss += m.L2Reg * (sumSquares(m.valueWeights) + sumSquares(m.policyWeights))
		for ii, v := range m.valueWeights {
			valueGrad[ii] += 2 * m.L2Reg * v
		}
		for ii, v := range m.policyWeights {
			policyGrad[ii] += 2 * m.L2Reg * v
		}
	}
	return
}

func sumSquares(vec []float32) (total float32) {
	for _, v := range vec {
		total += v * v
	}
	return
}

func scale(vec []float32, ratio float32) {
	for ii := range vec {
		vec[ii] *= ratio
	}
}

// Clone implements ai.Model.
func (m *Model) Clone() ai.Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Model{
		observationSize: m.observationSize,
		actionSize:      m.actionSize,
		valueWeights:    slices.Clone(m.valueWeights),
		policyWeights:   slices.Clone(m.policyWeights),
		LearningRate:    m.LearningRate,
		L2Reg:           m.L2Reg,
		GradientL2Clip:  m.GradientL2Clip,
		numTrainSteps:   m.numTrainSteps,
	}
}

// savedModel is the gob encoded format of the model weights.
type savedModel struct {
	ObservationSize, ActionSize int
	ValueWeights, PolicyWeights []float32
	NumTrainSteps               int
}

// Save implements ai.Model: weights are gob encoded and zstd compressed.
func (m *Model) Save(path string) error {
	m.mu.RLock()
	saved := savedModel{
		ObservationSize: m.observationSize,
		ActionSize:      m.actionSize,
		ValueWeights:    m.valueWeights,
		PolicyWeights:   m.policyWeights,
		NumTrainSteps:   m.numTrainSteps,
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		m.mu.RUnlock()
		return errors.Wrapf(err, "failed to create zstd encoder for %s", path)
	}
	err = gob.NewEncoder(enc).Encode(&saved)
	m.mu.RUnlock()
	if err != nil {
		_ = enc.Close()
		return errors.Wrapf(err, "failed to encode model %s", m)
	}
	if err = enc.Close(); err != nil {
		return errors.Wrapf(err, "failed to compress model %s", m)
	}
	if err = os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to save %s", path)
	}
	return nil
}

// Load implements ai.Model. The saved model must have the same dimensions.
func (m *Model) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open model file %s", path)
	}
	defer func() { _ = f.Close() }()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "failed to create zstd decoder for %s", path)
	}
	defer dec.Close()
	var saved savedModel
	if err = gob.NewDecoder(dec).Decode(&saved); err != nil {
		return errors.Wrapf(err, "failed to decode model file %s", path)
	}
	if saved.ObservationSize != m.observationSize || saved.ActionSize != m.actionSize {
		return errors.Errorf("model file %s has dimensions obs=%d/actions=%d, but model %s was expected",
			path, saved.ObservationSize, saved.ActionSize, m)
	}
	if len(saved.ValueWeights) != m.observationSize+1 || len(saved.PolicyWeights) != m.actionSize*(m.observationSize+1) {
		return errors.Errorf("model file %s is corrupted: unexpected number of weights", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valueWeights = saved.ValueWeights
	m.policyWeights = saved.PolicyWeights
	m.numTrainSteps = saved.NumTrainSteps
	klog.V(1).Infof("Loaded %s from %s (%d training steps)", m, path, m.numTrainSteps)
	return nil
}

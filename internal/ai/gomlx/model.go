package gomlx

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/generics"
	"github.com/janpfeifer/must"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"maps"
	"os"
	"slices"
	"sync"
)

// Model is a GoMLX FNN with a policy head and a value head over the game observations.
// It implements ai.Model and ai.BatchInferencer.
type Model struct {
	observationSize, actionSize int

	// netArgs used to create the model, kept to create clones.
	netArgs map[string]any

	ctx       *context.Context
	optimizer optimizers.Interface

	// Executors.
	inferExec, trainStepExec *context.Exec

	// numTrainSteps is the number of times Train was called.
	numTrainSteps int

	// mu "write" for training and loading, and "read" for inference.
	mu sync.RWMutex
}

var (
	_ ai.Model           = (*Model)(nil)
	_ ai.BatchInferencer = (*Model)(nil)
)

// New creates an FNN model for the given observation and action space sizes, configured by the
// hyperparameters in netArgs. Weights are randomly initialized.
//
// netArgs keys are GoMLX context hyperparameter names (e.g. "learning_rate", "fnn_num_hidden_nodes")
// or one of the short aliases "lr", "optimizer", "l2", "l1", "dropout", "num_hidden_layers" and
// "num_hidden_nodes". Unknown keys are an error.
func New(observationSize, actionSize int, netArgs map[string]any) (*Model, error) {
	m, err := newModel(observationSize, actionSize, netArgs)
	if err != nil {
		return nil, err
	}

	// Force creating the variables without race conditions first.
	if _, _, err = m.Infer(make([]float32, observationSize)); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize %s", m)
	}
	return m, nil
}

// newModel creates the model and its executors, without creating the variables.
func newModel(observationSize, actionSize int, netArgs map[string]any) (*Model, error) {
	if observationSize <= 0 || actionSize <= 0 {
		return nil, errors.Errorf("invalid fnn model dimensions: observation=%d, actions=%d", observationSize, actionSize)
	}
	m := &Model{
		observationSize: observationSize,
		actionSize:      actionSize,
		netArgs:         maps.Clone(netArgs),
		ctx:             newContext(),
	}
	params, err := netArgsToParams(netArgs)
	if err != nil {
		return nil, err
	}
	if err = extractParams("fnn", params, m.ctx); err != nil {
		return nil, err
	}

	muNewExec.Lock()
	defer muNewExec.Unlock()
	err = exceptions.TryCatch[error](func() {
		m.optimizer = optimizers.FromContext(m.ctx)
		m.inferExec = context.NewExec(backend(), m.ctx, m.inferGraph)
		m.trainStepExec = context.NewExec(backend(), m.ctx, m.trainStepGraph)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build fnn model")
	}
	return m, nil
}

// String implements ai.Model.
func (m *Model) String() string {
	return fmt.Sprintf("fnn(obs=%d, actions=%d)", m.observationSize, m.actionSize)
}

// NumTrainSteps returns the number of training steps applied to the model so far.
func (m *Model) NumTrainSteps() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numTrainSteps
}

// paddedBatchSize returns a padded batchSize for the given number of examples.
// This is important so we don't have too many different versions of the program for every different batch size.
func paddedBatchSize(numExamples int) int {
	paddedSize := 1
	for paddedSize < numExamples {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

func (m *Model) checkObservation(x []float32) error {
	if len(x) != m.observationSize {
		return errors.Errorf("%s: observation has %d features, expected %d", m, len(x), m.observationSize)
	}
	return nil
}

// createObservations returns the padded batch of observations, shaped [paddedBatchSize, observationSize].
func (m *Model) createObservations(observations [][]float32) *tensors.Tensor {
	paddedSize := paddedBatchSize(len(observations))
	t := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, m.observationSize))
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii, x := range observations {
			copy(flat[ii*m.observationSize:], x)
		}
	})
	return t
}

// Infer implements ai.Model.
func (m *Model) Infer(observation []float32) (policy []float32, value float32, err error) {
	policies, values, err := m.InferBatch([][]float32{observation})
	if err != nil {
		return nil, 0, err
	}
	return policies[0], values[0], nil
}

// InferBatch implements ai.BatchInferencer.
func (m *Model) InferBatch(observations [][]float32) (policies [][]float32, values []float32, err error) {
	if len(observations) == 0 {
		return nil, nil, nil
	}
	for _, x := range observations {
		if err = m.checkObservation(x); err != nil {
			return nil, nil, err
		}
	}
	inputs := m.createObservations(observations)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var policiesFlat []float32
	err = exceptions.TryCatch[error](func() {
		outputs := m.inferExec.Call(graph.DonateTensorBuffer(inputs, backend()))
		policiesFlat = tensors.CopyFlatData[float32](outputs[0])
		values = tensors.CopyFlatData[float32](outputs[1])
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: inference failed", m)
	}
	policies = make([][]float32, len(observations))
	for ii := range policies {
		policies[ii] = policiesFlat[ii*m.actionSize : (ii+1)*m.actionSize]
	}
	// Remove any padding:
	values = values[:len(observations)]
	return policies, values, nil
}

// createTrainInputs returns the padded observations, policy labels, value labels and weights.
// Weights are divided by the number of examples, and are 0 for the padding.
func (m *Model) createTrainInputs(examples []ai.Example, weights []float32) []*tensors.Tensor {
	observations := m.createObservations(generics.SliceMap(examples, func(e ai.Example) []float32 { return e.Observation }))
	paddedSize := observations.Shape().Dim(0)
	policyLabels := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, m.actionSize))
	tensors.MutableFlatData(policyLabels, func(flat []float32) {
		for ii, e := range examples {
			copy(flat[ii*m.actionSize:], e.Policy)
		}
	})
	valueLabels := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize))
	tensors.MutableFlatData(valueLabels, func(flat []float32) {
		for ii, e := range examples {
			flat[ii] = e.Value
		}
	})
	weightsT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize))
	tensors.MutableFlatData(weightsT, func(flat []float32) {
		n := float32(len(examples))
		for ii := range examples {
			flat[ii] = 1 / n
			if weights != nil {
				flat[ii] = weights[ii] / n
			}
		}
	})
	return []*tensors.Tensor{observations, policyLabels, valueLabels, weightsT}
}

// Train implements ai.Model with one step of the configured optimizer (adam by default). The loss is:
//
//	(1/N) * Σ_e weight_e * [ value_loss_weight * (value_e - label_e)^2 + CrossEntropy(policyLabel_e, policy_e) ] + regularization
//
// It returns the loss before the update.
func (m *Model) Train(examples []ai.Example, weights []float32) (loss float32, err error) {
	if len(examples) == 0 {
		return 0, errors.New("fnn model: Train called with empty batch")
	}
	if weights != nil && len(weights) != len(examples) {
		return 0, errors.Errorf("fnn model: %d examples but %d weights", len(examples), len(weights))
	}
	for ii := range examples {
		if err = m.checkObservation(examples[ii].Observation); err != nil {
			return
		}
		if len(examples[ii].Policy) != m.actionSize {
			return 0, errors.Errorf("%s: policy label has %d actions, expected %d", m, len(examples[ii].Policy), m.actionSize)
		}
	}
	inputs := m.createTrainInputs(examples, weights)

	m.mu.Lock()
	defer m.mu.Unlock()
	err = exceptions.TryCatch[error](func() {
		donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
			return graph.DonateTensorBuffer(t, backend())
		})
		lossT := m.trainStepExec.Call(donatedInputs...)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: training step failed", m)
	}
	m.numTrainSteps++
	return loss, nil
}

// savedVariable is the gob encoded format of one context variable. Only float32 and int64
// variables are saved, the others (e.g. the random number generator state) are reset on load.
type savedVariable struct {
	Scope, Name string
	Dimensions  []int
	Float32     []float32
	Int64       []int64
}

// savedModel is the gob encoded format of the model.
type savedModel struct {
	ObservationSize, ActionSize int
	NumTrainSteps               int
	Variables                   []savedVariable
}

// snapshotLocked copies the model variables, including the optimizer state. It assumes a lock is held.
func (m *Model) snapshotLocked() (saved savedModel, err error) {
	saved = savedModel{ObservationSize: m.observationSize, ActionSize: m.actionSize, NumTrainSteps: m.numTrainSteps}
	err = exceptions.TryCatch[error](func() {
		m.ctx.EnumerateVariables(func(v *context.Variable) {
			value := v.Value()
			if value == nil {
				return
			}
			variable := savedVariable{Scope: v.Scope(), Name: v.Name(), Dimensions: slices.Clone(value.Shape().Dimensions)}
			switch value.DType() {
			case dtypes.Float32:
				variable.Float32 = tensors.CopyFlatData[float32](value)
			case dtypes.Int64:
				variable.Int64 = tensors.CopyFlatData[int64](value)
			default:
				return
			}
			saved.Variables = append(saved.Variables, variable)
		})
	})
	return
}

// restoreLocked sets the model variables from saved, creating the ones that don't exist yet.
// It assumes the write lock is held.
func (m *Model) restoreLocked(saved savedModel) error {
	if saved.ObservationSize != m.observationSize || saved.ActionSize != m.actionSize {
		return errors.Errorf("saved model has dimensions obs=%d/actions=%d, but model %s was expected",
			saved.ObservationSize, saved.ActionSize, m)
	}
	err := exceptions.TryCatch[error](func() {
		// Validate all shapes before changing anything.
		values := make([]*tensors.Tensor, len(saved.Variables))
		for ii, variable := range saved.Variables {
			switch {
			case variable.Float32 != nil:
				values[ii] = tensors.FromFlatDataAndDimensions(variable.Float32, variable.Dimensions...)
			case variable.Int64 != nil:
				values[ii] = tensors.FromFlatDataAndDimensions(variable.Int64, variable.Dimensions...)
			default:
				continue
			}
			v := m.ctx.GetVariableByScopeAndName(variable.Scope, variable.Name)
			if v != nil && !v.Shape().Equal(values[ii].Shape()) {
				exceptions.Panicf("variable %s/%s has shape %s, saved value has shape %s",
					variable.Scope, variable.Name, v.Shape(), values[ii].Shape())
			}
		}
		for ii, variable := range saved.Variables {
			if values[ii] == nil {
				continue
			}
			if v := m.ctx.GetVariableByScopeAndName(variable.Scope, variable.Name); v != nil {
				v.SetValue(values[ii])
			} else {
				m.ctx.InAbsPath(variable.Scope).VariableWithValue(variable.Name, values[ii])
			}
		}
	})
	if err != nil {
		return err
	}
	m.numTrainSteps = saved.NumTrainSteps
	return nil
}

// Clone implements ai.Model. The clone has its own context with a copy of the variables,
// including the optimizer state.
func (m *Model) Clone() ai.Model {
	m.mu.RLock()
	saved, err := m.snapshotLocked()
	m.mu.RUnlock()
	if err != nil {
		exceptions.Panicf("failed to clone %s: %+v", m, err)
	}
	clone := must.M1(newModel(m.observationSize, m.actionSize, m.netArgs))
	must.M(clone.restoreLocked(saved))
	return clone
}

// Save implements ai.Model: variables are gob encoded and zstd compressed.
func (m *Model) Save(path string) error {
	m.mu.RLock()
	saved, err := m.snapshotLocked()
	m.mu.RUnlock()
	if err != nil {
		return errors.WithMessagef(err, "failed to read variables of %s", m)
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return errors.Wrapf(err, "failed to create zstd encoder for %s", path)
	}
	if err = gob.NewEncoder(enc).Encode(&saved); err != nil {
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

// Load implements ai.Model. The saved model must have the same dimensions and hidden layers.
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
	m.mu.Lock()
	defer m.mu.Unlock()
	if err = m.restoreLocked(saved); err != nil {
		return errors.WithMessagef(err, "loading %s", path)
	}
	klog.V(1).Infof("Loaded %s from %s (%d training steps)", m, path, m.numTrainSteps)
	return nil
}

// Package aitest provides fake models for tests.
package aitest

import (
	"fmt"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/pkg/errors"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Dummy returns a 0 value for all states, and an equal probability policy for all actions.
//
// Its Bias can be changed to make it prefer one action, and its Value to return a fixed value.
// It counts the calls to Infer and Train.
type Dummy struct {
	NumActions int
	Value      float32

	// Bias, if >= 0, is the action that receives PreferredProb probability, the rest is spread uniformly.
	Bias          int
	PreferredProb float32

	// Version is incremented at each Train call, and saved/loaded.
	Version int

	NumInfers, NumTrains atomic.Int64
}

var _ ai.Model = (*Dummy)(nil)

// NewDummy creates a Dummy model with a uniform policy over numActions and 0 value.
func NewDummy(numActions int) *Dummy {
	return &Dummy{NumActions: numActions, Bias: -1}
}

func (d *Dummy) Infer(observation []float32) (policy []float32, value float32, err error) {
	d.NumInfers.Add(1)
	policy = make([]float32, d.NumActions)
	if d.Bias >= 0 && d.NumActions > 1 {
		rest := (1 - d.PreferredProb) / float32(d.NumActions-1)
		for ii := range policy {
			policy[ii] = rest
		}
		policy[d.Bias] = d.PreferredProb
	} else {
		for ii := range policy {
			policy[ii] = 1.0 / float32(d.NumActions)
		}
	}
	return policy, d.Value, nil
}

func (d *Dummy) Train(examples []ai.Example, weights []float32) (loss float32, err error) {
	d.NumTrains.Add(1)
	d.Version++
	return 1 / float32(d.Version), nil
}

func (d *Dummy) Save(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("dummy:%d", d.Version)), 0644)
}

func (d *Dummy) Load(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to load dummy model from %s", path)
	}
	version, found := strings.CutPrefix(string(contents), "dummy:")
	if !found {
		return errors.Errorf("file %s is not a dummy model", path)
	}
	d.Version, err = strconv.Atoi(version)
	return errors.Wrapf(err, "failed to parse dummy model version in %s", path)
}

func (d *Dummy) Clone() ai.Model {
	return &Dummy{NumActions: d.NumActions, Value: d.Value, Bias: d.Bias, PreferredProb: d.PreferredProb, Version: d.Version}
}

func (d *Dummy) String() string {
	return fmt.Sprintf("dummy(v%d)", d.Version)
}

// Failing is a model whose Infer and Train always fail with Err. If FailAfter > 0, the first
// FailAfter calls to Infer succeed with a uniform policy.
type Failing struct {
	Dummy
	Err       error
	FailAfter int64
}

// NewFailing creates a model that always fails with err.
func NewFailing(numActions int, err error) *Failing {
	return &Failing{Dummy: Dummy{NumActions: numActions, Bias: -1}, Err: err}
}

func (f *Failing) Infer(observation []float32) (policy []float32, value float32, err error) {
	if f.NumInfers.Load() >= f.FailAfter {
		f.NumInfers.Add(1)
		return nil, 0, f.Err
	}
	return f.Dummy.Infer(observation)
}

func (f *Failing) Train(examples []ai.Example, weights []float32) (loss float32, err error) {
	f.NumTrains.Add(1)
	return 0, f.Err
}

func (f *Failing) Clone() ai.Model {
	return &Failing{Dummy: Dummy{NumActions: f.NumActions, Bias: -1}, Err: f.Err, FailAfter: f.FailAfter}
}

func (f *Failing) String() string { return "failing" }

// Panicking is a model whose Train panics, as some backends do on shape errors.
type Panicking struct {
	Dummy
}

func (p *Panicking) Train(examples []ai.Example, weights []float32) (loss float32, err error) {
	panic(errors.New("training exploded"))
}

func (p *Panicking) Clone() ai.Model {
	return &Panicking{Dummy: Dummy{NumActions: p.NumActions, Bias: -1}}
}

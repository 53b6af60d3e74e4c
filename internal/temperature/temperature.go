// Package temperature implements the temperature schedule used to pick actions from the search
// visit counts, and the visit-count based selection itself.
//
// Temperature (usually represented as the greek letter τ) is an exponent applied
// to the counts used in the policy distribution (π) formula. If set to zero, it will
// always take the most visited action. AlphaZero Go uses 1 for the first 30 moves.
package temperature

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/janpfeifer/hexzero/internal/generics"
	"github.com/pkg/errors"
	"math/rand/v2"
	"slices"
)

// Method of interpolation between breakpoints.
type Method string

const (
	// Stepwise returns the temperature of the first breakpoint whose threshold is >= counter.
	Stepwise Method = "stepwise"

	// Linear interpolates between the surrounding breakpoints.
	Linear Method = "linear"
)

// Point is one (threshold, temperature) breakpoint of a Schedule.
type Point struct {
	Threshold   int
	Temperature float32
}

// Schedule maps a counter (move number within an episode, or number of weight updates) to a
// temperature. A Schedule is immutable once created and safe for concurrent use.
type Schedule struct {
	method Method

	// byWeightUpdate selects the counter source: false for the move number within the episode,
	// true for the number of weight updates of the model.
	byWeightUpdate bool

	// points sorted by ascending threshold.
	points []Point
}

// New creates a Schedule. Points are sorted by threshold, and must not be empty.
func New(method Method, byWeightUpdate bool, points []Point) (*Schedule, error) {
	if len(points) == 0 {
		return nil, errors.New("temperature schedule requires at least one breakpoint")
	}
	switch method {
	case Stepwise, Linear:
	case "":
		method = Stepwise
	default:
		return nil, errors.Errorf("unknown temperature schedule method %q, valid values are %q or %q",
			method, Stepwise, Linear)
	}
	points = slices.Clone(points)
	slices.SortStableFunc(points, func(a, b Point) int { return a.Threshold - b.Threshold })
	for ii, p := range points {
		if p.Temperature < 0 || math32.IsNaN(p.Temperature) || math32.IsInf(p.Temperature, 0) {
			return nil, errors.Errorf("temperature schedule breakpoint #%d has invalid temperature %g", ii, p.Temperature)
		}
		if ii > 0 && points[ii-1].Threshold == p.Threshold {
			return nil, errors.Errorf("temperature schedule has repeated threshold %d", p.Threshold)
		}
	}
	return &Schedule{method: method, byWeightUpdate: byWeightUpdate, points: points}, nil
}

// Constant returns a Schedule that always returns the given temperature.
func Constant(temperature float32) *Schedule {
	return &Schedule{method: Stepwise, points: []Point{{Threshold: 0, Temperature: temperature}}}
}

// ByWeightUpdate returns whether the counter should be the number of weight updates, as opposed
// to the move number within the episode.
func (s *Schedule) ByWeightUpdate() bool { return s.byWeightUpdate }

// Counter selects the counter for the schedule given the move number and the number of weight updates.
func (s *Schedule) Counter(moveNumber, weightUpdates int) int {
	if s.byWeightUpdate {
		return weightUpdates
	}
	return moveNumber
}

// String implements fmt.Stringer.
func (s *Schedule) String() string {
	source := "move"
	if s.byWeightUpdate {
		source = "weight_update"
	}
	return fmt.Sprintf("%s(by %s, %v)", s.method, source, s.points)
}

// Temperature for the given counter. The result is always >= 0.
func (s *Schedule) Temperature(counter int) float32 {
	idx, _ := slices.BinarySearchFunc(s.points, counter, func(p Point, c int) int { return p.Threshold - c })
	if idx >= len(s.points) {
		// Counter exceeds all thresholds.
		return s.points[len(s.points)-1].Temperature
	}
	if s.method == Stepwise || idx == 0 || s.points[idx].Threshold == counter {
		return s.points[idx].Temperature
	}
	prev, next := s.points[idx-1], s.points[idx]
	frac := float32(counter-prev.Threshold) / float32(next.Threshold-prev.Threshold)
	return prev.Temperature + frac*(next.Temperature-prev.Temperature)
}

// Select an action index given the visit counts of the root of the search.
//
// If temperature is 0, it is greedy: the most visited action is returned, ties broken by the
// lowest index. Otherwise, it picks randomly from the distribution proportional to counts^(1/temperature).
//
// It returns -1 if counts is empty. The rng is owned by the caller.
func Select(counts []float32, temperature float32, rng *rand.Rand) int {
	if len(counts) == 0 {
		return -1
	}
	if temperature <= 0 {
		return generics.ArgMax(counts)
	}
	probs := Distribution(counts, temperature)
	if probs == nil {
		return generics.ArgMax(counts)
	}

	// Pick random action from probability distribution.
	r := rng.Float32()
	var sumProb float32
	lastNonZero := 0
	for actionIdx, prob := range probs {
		if prob <= 0 {
			continue
		}
		lastNonZero = actionIdx
		sumProb += prob
		if r < sumProb {
			return actionIdx
		}
	}
	// Due to rounding errors we may get here, in this case return last possible action.
	return lastNonZero
}

// Distribution returns counts^(1/temperature) normalized to sum 1, or nil if all counts are 0.
// Temperature must be > 0.
func Distribution(counts []float32, temperature float32) []float32 {
	maxCount := slices.Max(counts)
	if maxCount <= 0 {
		return nil
	}
	probs := make([]float32, len(counts))
	invTemp := 1 / temperature
	for ii, c := range counts {
		if c <= 0 {
			continue
		}
		// Scale by the max count first, to avoid overflows for low temperatures.
		probs[ii] = math32.Pow(c/maxCount, invTemp)
	}
	generics.Normalize(probs)
	return probs
}

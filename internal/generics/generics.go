// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"golang.org/x/exp/constraints"
	"iter"
	"maps"
	"slices"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Sum returns the sum of all values.
func Sum[T Number](values []T) (sum T) {
	for _, v := range values {
		sum += v
	}
	return
}

// Normalize values in place so they sum to 1, and returns the original sum.
// If the sum is not positive, values are left untouched.
func Normalize[T constraints.Float](values []T) (sum T) {
	sum = Sum(values)
	if sum <= 0 {
		return
	}
	for ii := range values {
		values[ii] /= sum
	}
	return
}

// ArgMax returns the index of the largest value, ties broken by the lowest index.
// It returns -1 for an empty slice.
func ArgMax[T constraints.Ordered](values []T) int {
	best := -1
	for ii, v := range values {
		if best < 0 || v > values[best] {
			best = ii
		}
	}
	return best
}

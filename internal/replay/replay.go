// Package replay implements the experience replay buffer: trajectories of the most recent
// self-play iterations, sampled (uniformly or by priority) to train the model.
package replay

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/google/uuid"
	"github.com/janpfeifer/hexzero/internal/trajectory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
)

// ErrEmpty is returned when sampling from an empty buffer.
var ErrEmpty = errors.New("replay buffer is empty")

// Config of the Buffer.
type Config struct {
	// MaxSize is the maximum number of transitions (steps) held. If <= 0 there is no limit.
	MaxSize int

	// Window is the number of most recent iterations kept. If <= 0 there is no limit.
	Window int

	// Prioritize enables prioritized sampling, with priority (|TD-error|+Epsilon)^Alpha and
	// importance-sampling weights (1/(N*P))^Beta.
	Prioritize      bool
	Alpha, Beta     float32
	PriorityEpsilon float32

	// Seed for the sampling. If 0 a random seed is used.
	Seed uint64
}

// Key identifies one transition in the buffer.
type Key struct {
	TrajectoryID uuid.UUID
	Step         int
}

// Batch of sampled transitions.
type Batch struct {
	// Steps are deep copies of the stored steps.
	Steps []trajectory.Step

	// Weights are the importance-sampling weights, all 1 for uniform sampling.
	Weights []float32

	// Keys and Iterations of each sampled step.
	Keys       []Key
	Iterations []int
}

// entry is one stored trajectory and the priorities of its steps.
type entry struct {
	traj       *trajectory.Trajectory
	priorities []float32
}

// iteration holds the trajectories of one self-play iteration, in insertion order.
type iteration struct {
	id      int
	entries []*entry
}

// Buffer is the replay buffer. All operations are safe for concurrent use: a trajectory
// is either fully visible or fully absent to a sampler.
type Buffer struct {
	config Config

	mu         sync.RWMutex
	iterations []*iteration // Sorted by id.
	byID       map[uuid.UUID]*entry
	size       int

	// latest iteration the window was advanced to, or -1.
	latest int

	muRNG sync.Mutex
	rng   *rand.Rand
}

// New creates an empty Buffer.
func New(config Config) (*Buffer, error) {
	if config.Prioritize {
		if config.Alpha < 0 || config.Beta < 0 {
			return nil, errors.Errorf("replay: prioritize alpha (%g) and beta (%g) must be >= 0", config.Alpha, config.Beta)
		}
		if config.PriorityEpsilon <= 0 {
			config.PriorityEpsilon = 1e-3
		}
	}
	seed1, seed2 := config.Seed, uint64(0)
	if config.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	return &Buffer{
		config: config,
		byID:   make(map[uuid.UUID]*entry),
		latest: -1,
		rng:    rand.New(rand.NewPCG(seed1, seed2)),
	}, nil
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("replay buffer: %d transitions, %d trajectories, %d iterations", b.size, len(b.byID), len(b.iterations))
}

// Len returns the number of transitions in the buffer.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// NumTrajectories in the buffer.
func (b *Buffer) NumTrajectories() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Iterations returns the ids of the iterations in the buffer, in ascending order.
func (b *Buffer) Iterations() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, len(b.iterations))
	for ii, it := range b.iterations {
		ids[ii] = it.id
	}
	return ids
}

// LatestIteration is the last iteration the window was advanced to, or -1.
func (b *Buffer) LatestIteration() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// oldestKept returns the oldest iteration id within the window, assumes lock is held.
func (b *Buffer) oldestKept() int {
	if b.config.Window <= 0 || b.latest < 0 {
		return math.MinInt
	}
	return b.latest - b.config.Window + 1
}

// priority of a step at insertion time, using |return - search value| as the TD-error.
func (b *Buffer) priority(tdError float32) float32 {
	return math32.Pow(math32.Abs(tdError)+b.config.PriorityEpsilon, b.config.Alpha)
}

// Append the trajectory to the buffer, under the given iteration. The buffer keeps its own copy.
//
// Trajectories for iterations already outside the window are dropped. If the buffer exceeds
// its maximum size, the oldest trajectories are evicted.
func (b *Buffer) Append(traj *trajectory.Trajectory, iterationID int) {
	if traj.Len() == 0 {
		return
	}
	e := b.newEntry(traj, iterationID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(e)
}

// newEntry copies the trajectory and computes its insertion priorities.
func (b *Buffer) newEntry(traj *trajectory.Trajectory, iterationID int) *entry {
	e := &entry{traj: traj.Clone()}
	e.traj.Iteration = iterationID
	if b.config.Prioritize {
		e.priorities = make([]float32, traj.Len())
		for ii, step := range e.traj.Steps {
			e.priorities[ii] = b.priority(step.Return - step.SearchValue)
		}
	}
	return e
}

// appendLocked inserts the entry under its iteration, assumes the write lock is held.
func (b *Buffer) appendLocked(e *entry) {
	iterationID := e.traj.Iteration
	if iterationID < b.oldestKept() {
		klog.Warningf("replay: dropping %s, iteration %d is outside the window (latest=%d, window=%d)",
			e.traj, iterationID, b.latest, b.config.Window)
		return
	}
	if old, found := b.byID[e.traj.ID]; found {
		klog.Warningf("replay: trajectory %s appended twice, replacing previous copy", e.traj.ID)
		b.removeLocked(old)
	}
	idx, found := slices.BinarySearchFunc(b.iterations, iterationID, func(it *iteration, id int) int { return it.id - id })
	if !found {
		b.iterations = slices.Insert(b.iterations, idx, &iteration{id: iterationID})
	}
	it := b.iterations[idx]
	it.entries = append(it.entries, e)
	b.byID[e.traj.ID] = e
	b.size += e.traj.Len()
	b.evictToCapacityLocked()
}

// removeLocked removes the entry from the buffer, assumes the write lock is held.
func (b *Buffer) removeLocked(e *entry) {
	for itIdx, it := range b.iterations {
		if it.id != e.traj.Iteration {
			continue
		}
		it.entries = slices.DeleteFunc(it.entries, func(other *entry) bool { return other == e })
		if len(it.entries) == 0 {
			b.iterations = slices.Delete(b.iterations, itIdx, itIdx+1)
		}
		break
	}
	delete(b.byID, e.traj.ID)
	b.size -= e.traj.Len()
}

// evictToCapacityLocked drops the oldest trajectories, oldest iteration first, until the buffer
// fits its maximum size. Assumes the write lock is held.
func (b *Buffer) evictToCapacityLocked() {
	if b.config.MaxSize <= 0 {
		return
	}
	numEvicted := 0
	for b.size > b.config.MaxSize && len(b.iterations) > 0 {
		it := b.iterations[0]
		e := it.entries[0]
		it.entries = it.entries[1:]
		if len(it.entries) == 0 {
			b.iterations = b.iterations[1:]
		}
		delete(b.byID, e.traj.ID)
		b.size -= e.traj.Len()
		numEvicted++
	}
	if numEvicted > 0 {
		klog.V(1).Infof("replay: evicted %d trajectories to fit max size %d", numEvicted, b.config.MaxSize)
	}
}

// AdvanceWindow marks iterationID as the latest iteration, and evicts the iterations that
// fall outside the window: those with id < iterationID - Window + 1.
func (b *Buffer) AdvanceWindow(iterationID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceWindowLocked(iterationID)
}

func (b *Buffer) advanceWindowLocked(iterationID int) {
	b.latest = max(b.latest, iterationID)
	oldest := b.oldestKept()
	numEvicted := 0
	for len(b.iterations) > 0 && b.iterations[0].id < oldest {
		for _, e := range b.iterations[0].entries {
			delete(b.byID, e.traj.ID)
			b.size -= e.traj.Len()
		}
		b.iterations = b.iterations[1:]
		numEvicted++
	}
	if numEvicted > 0 {
		klog.V(1).Infof("replay: window advanced to iteration %d, evicted %d iterations", b.latest, numEvicted)
	}
}

// Sample batchSize transitions, with replacement. Steps are deep copies.
//
// Sampling is uniform over transitions, or proportional to the priorities if configured, in which
// case Weights hold the importance-sampling correction normalized by the batch maximum.
func (b *Buffer) Sample(batchSize int) (*Batch, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("replay: invalid batch size %d", batchSize)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return nil, ErrEmpty
	}

	// Flatten entries, with the cumulative mass (number of transitions, or priorities) up to each one.
	entries := make([]*entry, 0, len(b.byID))
	iterationOf := make([]int, 0, len(b.byID))
	cumulative := make([]float64, 0, len(b.byID))
	var total float64
	for _, it := range b.iterations {
		for _, e := range it.entries {
			if b.config.Prioritize {
				for _, p := range e.priorities {
					total += float64(p)
				}
			} else {
				total += float64(e.traj.Len())
			}
			entries = append(entries, e)
			iterationOf = append(iterationOf, it.id)
			cumulative = append(cumulative, total)
		}
	}

	batch := &Batch{
		Steps:      make([]trajectory.Step, batchSize),
		Weights:    make([]float32, batchSize),
		Keys:       make([]Key, batchSize),
		Iterations: make([]int, batchSize),
	}
	N := float64(b.size)
	var maxWeight float32
	b.muRNG.Lock()
	defer b.muRNG.Unlock()
	for ii := range batchSize {
		var r float64
		if b.config.Prioritize {
			r = b.rng.Float64() * total
		} else {
			r = float64(b.rng.IntN(b.size))
		}
		entryIdx := sort.Search(len(entries), func(i int) bool { return cumulative[i] > r })
		entryIdx = min(entryIdx, len(entries)-1) // Rounding errors.
		e := entries[entryIdx]
		offset := r
		if entryIdx > 0 {
			offset -= cumulative[entryIdx-1]
		}
		var stepIdx int
		if b.config.Prioritize {
			for stepIdx < len(e.priorities)-1 && offset >= float64(e.priorities[stepIdx]) {
				offset -= float64(e.priorities[stepIdx])
				stepIdx++
			}
			probability := float64(e.priorities[stepIdx]) / total
			batch.Weights[ii] = float32(math.Pow(1/(N*probability), float64(b.config.Beta)))
			maxWeight = max(maxWeight, batch.Weights[ii])
		} else {
			stepIdx = min(int(offset), e.traj.Len()-1)
			batch.Weights[ii] = 1
		}
		batch.Steps[ii] = e.traj.Steps[stepIdx].Clone()
		batch.Keys[ii] = Key{TrajectoryID: e.traj.ID, Step: stepIdx}
		batch.Iterations[ii] = iterationOf[entryIdx]
	}
	if maxWeight > 0 {
		for ii := range batch.Weights {
			batch.Weights[ii] /= maxWeight
		}
	}
	return batch, nil
}

// UpdatePriorities of the given transitions with new TD-errors, typically |return - value| after a
// training step. Keys no longer in the buffer are ignored. It's a no-op if prioritization is disabled.
func (b *Buffer) UpdatePriorities(keys []Key, tdErrors []float32) error {
	if len(keys) != len(tdErrors) {
		return errors.Errorf("replay: %d keys but %d TD-errors", len(keys), len(tdErrors))
	}
	if !b.config.Prioritize {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ii, key := range keys {
		e, found := b.byID[key.TrajectoryID]
		if !found || key.Step < 0 || key.Step >= len(e.priorities) {
			continue
		}
		e.priorities[key.Step] = b.priority(tdErrors[ii])
	}
	return nil
}

// Trajectories returns deep copies of the trajectories of the given iteration, in insertion order.
func (b *Buffer) Trajectories(iterationID int) []*trajectory.Trajectory {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, it := range b.iterations {
		if it.id == iterationID {
			result := make([]*trajectory.Trajectory, len(it.entries))
			for ii, e := range it.entries {
				result[ii] = e.traj.Clone()
			}
			return result
		}
	}
	return nil
}

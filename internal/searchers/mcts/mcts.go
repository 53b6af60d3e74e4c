// Package mcts is a Monte Carlo Tree Search implementation for the Alpha-Zero / MuZero family
// of algorithms.
//
// References used, since the original paper doesn't actually provide the formulas:
//
//   - https://suragnair.github.io/posts/alphazero.html by Surag Nair
//   - MuZero: Mastering Atari, Go, Chess and Shogi by Planning with a Learned Model,
//     https://arxiv.org/abs/1911.08265 (appendix B, for the pUCT formula with c1, c2 and
//     the min-max normalization of Q).
//
// The tree is an arena of nodes indexed by integer handles, edges store the index of their child.
// Several workers may run simulations on the same tree concurrently: each traversed edge receives
// a virtual loss while the simulation is in flight, removed during backup.
package mcts

import (
	"context"
	"fmt"
	"github.com/chewxy/math32"
	"github.com/janpfeifer/hexzero/internal/ai"
	"github.com/janpfeifer/hexzero/internal/game"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Config of the search.
type Config struct {
	// NumSimulations per search (num_MCTS_sims).
	NumSimulations int

	// C1, C2 are the exploration constants of the pUCT formula.
	C1, C2 float32

	// DirichletAlpha is the concentration of the Dirichlet noise mixed into the root priors,
	// and ExplorationFraction the weight of the noise. ExplorationFraction = 0 disables noise.
	DirichletAlpha, ExplorationFraction float32

	// Gamma discounts the value of the next state during backup.
	Gamma float32

	// VirtualLoss subtracted from the total value of an edge while a simulation is in flight through it.
	VirtualLoss float32

	// NumWorkers is the number of goroutines running simulations on the same tree.
	NumWorkers int

	// MinimumReward and MaximumReward, if both set, enable min-max normalization of Q to [0, 1].
	MinimumReward, MaximumReward *float32

	// ReuseTree keeps the subtree of the committed action (see Searcher.Advance) for the next search.
	ReuseTree bool
}

// DefaultConfig returns the default search configuration.
func DefaultConfig() Config {
	return Config{
		NumSimulations:      100,
		C1:                  1.25,
		C2:                  19652,
		DirichletAlpha:      0.3,
		ExplorationFraction: 0.25,
		Gamma:               1,
		VirtualLoss:         1,
		NumWorkers:          1,
	}
}

// Validate the configuration.
func (c *Config) Validate() error {
	switch {
	case c.NumSimulations < 1:
		return errors.Errorf("mcts: number of simulations must be >= 1, got %d", c.NumSimulations)
	case c.C1 < 0:
		return errors.Errorf("mcts: negative c1 (%g given) not possible", c.C1)
	case c.C2 <= 0:
		return errors.Errorf("mcts: c2 must be > 0, got %g", c.C2)
	case c.ExplorationFraction < 0 || c.ExplorationFraction > 1:
		return errors.Errorf("mcts: exploration fraction must be in [0, 1], got %g", c.ExplorationFraction)
	case c.ExplorationFraction > 0 && c.DirichletAlpha <= 0:
		return errors.Errorf("mcts: dirichlet alpha must be > 0 when noise is enabled, got %g", c.DirichletAlpha)
	case c.Gamma < 0 || c.Gamma > 1:
		return errors.Errorf("mcts: gamma must be in [0, 1], got %g", c.Gamma)
	case c.VirtualLoss < 0:
		return errors.Errorf("mcts: virtual loss must be >= 0, got %g", c.VirtualLoss)
	case c.NumWorkers < 1:
		return errors.Errorf("mcts: number of workers must be >= 1, got %d", c.NumWorkers)
	case (c.MinimumReward == nil) != (c.MaximumReward == nil):
		return errors.New("mcts: minimum and maximum rewards must be either both set or both unset")
	case c.MinimumReward != nil && *c.MinimumReward > *c.MaximumReward:
		return errors.Errorf("mcts: minimum reward %g > maximum reward %g", *c.MinimumReward, *c.MaximumReward)
	}
	return nil
}

// Searcher runs searches for one player of one episode. It is not safe for concurrent calls to
// Search: create one Searcher per episode (or per arena side). The model is only read.
type Searcher struct {
	game   game.Game
	model  ai.Model
	config Config
	rng    *rand.Rand

	// tree kept for reuse, if config.ReuseTree.
	tree *tree
}

// Result of a search.
type Result struct {
	// Policy is the visit distribution over the full action space: illegal actions are 0.
	Policy []float32

	// Counts are the root visit counts over the full action space. They sum to
	// Config.NumSimulations, except with Config.ReuseTree: then the visits the root received in
	// the previous move's search are kept, and the new simulations are added on top.
	// Policy is normalized from these counts, so it includes the reused visits too.
	Counts []float32

	// Value is the model value estimate of the root, for the player to move.
	Value float32

	// RootQ is the visit-weighted mean Q of the root edges, or Value if there were no simulations.
	RootQ float32

	// NumSimulations run in this search.
	NumSimulations int

	// NumNodes created during this search.
	NumNodes int
}

// New creates a Searcher. The rng is used for the root Dirichlet noise, and it is owned by the Searcher.
func New(g game.Game, model ai.Model, config Config, rng *rand.Rand) (*Searcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Searcher{game: g, model: model, config: config, rng: rng}, nil
}

// Config returns the searcher's configuration.
func (s *Searcher) Config() Config { return s.config }

// Search runs the configured number of simulations from the given state and returns the root
// visit counts as a policy.
//
// If the state has a single legal action, no simulations are run and the policy is one-hot.
// Model errors are fatal to the search; illegal actions returned by the game wrap game.ErrIllegalAction.
func (s *Searcher) Search(ctx context.Context, state game.State) (*Result, error) {
	if _, finished := s.game.Outcome(state); finished {
		return nil, errors.Errorf("mcts: can't search on a finished game state (move #%d)", state.MoveNumber())
	}
	startTime := time.Now()
	t := s.reusedTree(state)
	if t == nil {
		t = newTree(s.config)
		rootIdx := t.add(newNode(state, false, 0))
		t.root = rootIdx
		if _, err := s.expand(t.node(rootIdx)); err != nil {
			return nil, err
		}
	}
	root := t.node(t.root)
	if len(root.actions) == 0 {
		return nil, errors.Errorf("mcts: game has no legal actions for unfinished state (move #%d)", state.MoveNumber())
	}
	s.tree = nil
	if s.config.ReuseTree {
		s.tree = t
	}

	numActions := s.game.ActionSpaceSize()
	result := &Result{Value: root.value, RootQ: root.value}
	if len(root.actions) == 1 {
		result.Policy = ai.OneHotEncoding(numActions, int(root.actions[0]))
		result.Counts = make([]float32, numActions)
		return result, nil
	}
	s.addExplorationNoise(root)

	numNodesBefore := t.numNodes()
	if err := s.runSimulations(ctx, t); err != nil {
		s.tree = nil
		return nil, err
	}
	result.NumSimulations = s.config.NumSimulations
	result.NumNodes = t.numNodes() - numNodesBefore

	// Collect root statistics.
	result.Counts = make([]float32, numActions)
	var sumN int
	var sumW float32
	for edgeIdx, e := range root.edges {
		result.Counts[root.actions[edgeIdx]] = float32(e.visits)
		sumN += e.visits
		sumW += e.valueSum
	}
	result.Policy = make([]float32, numActions)
	for action, count := range result.Counts {
		result.Policy[action] = count / float32(sumN)
	}
	result.RootQ = sumW / float32(sumN)

	// Log performance.
	if klog.V(2).Enabled() {
		elapsed := time.Since(startTime)
		klog.Infof("Search at move #%d: %d simulations, %.2f nodes/s", state.MoveNumber(),
			result.NumSimulations, float64(result.NumNodes)/elapsed.Seconds())
	}
	return result, nil
}

// runSimulations runs the configured number of simulations split among the workers.
func (s *Searcher) runSimulations(ctx context.Context, t *tree) error {
	var remaining atomic.Int64
	remaining.Store(int64(s.config.NumSimulations))
	if s.config.NumWorkers == 1 {
		for remaining.Add(-1) >= 0 {
			if err := s.simulate(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}
	g, gCtx := errgroup.WithContext(ctx)
	for range s.config.NumWorkers {
		g.Go(func() error {
			for remaining.Add(-1) >= 0 {
				if err := s.simulate(gCtx, t); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// pathStep is one traversed edge.
type pathStep struct {
	nodeIdx, edgeIdx int
}

// simulate runs one simulation: selection, expansion, evaluation and backup.
func (s *Searcher) simulate(ctx context.Context, t *tree) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := make([]pathStep, 0, 16)
	nodeIdx := t.root
	var value float32
	for {
		n := t.node(nodeIdx)
		if n.terminal {
			value = n.value
			break
		}

		// Selection, and lazy creation of the child node.
		n.mu.Lock()
		edgeIdx := s.selectEdge(t, n)
		e := &n.edges[edgeIdx]
		e.visits++
		e.valueSum -= s.config.VirtualLoss
		path = append(path, pathStep{nodeIdx, edgeIdx})
		childIdx := e.child
		created := false
		if childIdx < 0 {
			next, reward, terminal, err := s.game.Apply(n.state, n.actions[edgeIdx])
			if err != nil {
				n.mu.Unlock()
				s.revertVirtualLoss(t, path)
				return errors.WithMessagef(err, "mcts: expanding action %d at move #%d", n.actions[edgeIdx], n.state.MoveNumber())
			}
			outcome, finished := s.game.Outcome(next)
			terminal = terminal || finished
			childIdx = t.add(newNode(next, terminal, outcome))
			e.child = childIdx
			e.reward = reward
			created = true
		}
		n.mu.Unlock()

		child := t.node(childIdx)
		if created && !child.terminal {
			var err error
			value, err = s.expand(child)
			if err != nil {
				s.revertVirtualLoss(t, path)
				return err
			}
			break
		}

		// Child being expanded by another worker: wait for it.
		select {
		case <-child.ready:
		case <-ctx.Done():
			s.revertVirtualLoss(t, path)
			return ctx.Err()
		}
		if child.err != nil {
			s.revertVirtualLoss(t, path)
			return child.err
		}
		nodeIdx = childIdx
	}
	s.backup(t, path, value)
	return nil
}

// selectEdge returns the index of the edge with the highest pUCT score, ties broken by the lowest index.
// It must be called with n.mu locked.
func (s *Searcher) selectEdge(t *tree, n *node) int {
	var sumN int
	for _, e := range n.edges {
		sumN += e.visits
	}
	c1, c2 := s.config.C1, s.config.C2
	fN := float32(sumN)
	globalFactor := c1 * math32.Sqrt(fN) * (c1 + math32.Log((fN+c2+1)/c2))
	bestEdge := -1
	bestScore := math32.Inf(-1)
	for edgeIdx, e := range n.edges {
		var Q float32 // 0 if we haven't visited it yet.
		if e.visits > 0 {
			Q = t.normalize(e.valueSum / float32(e.visits))
		}
		score := Q + globalFactor*e.prior/float32(1+e.visits)
		if score > bestScore {
			bestEdge = edgeIdx
			bestScore = score
		}
	}
	return bestEdge
}

// backup propagates the value of the leaf (for its player to move) up the path, removing the
// virtual loss and recording the real value at each edge.
func (s *Searcher) backup(t *tree, path []pathStep, value float32) {
	for ii := len(path) - 1; ii >= 0; ii-- {
		n := t.node(path[ii].nodeIdx)
		n.mu.Lock()
		e := &n.edges[path[ii].edgeIdx]
		child := t.node(e.child)
		if child.player != n.player {
			value = -value
		}
		value = e.reward + s.config.Gamma*value
		e.valueSum += s.config.VirtualLoss + value
		n.mu.Unlock()
		t.update(value)
	}
}

// revertVirtualLoss on an aborted simulation.
func (s *Searcher) revertVirtualLoss(t *tree, path []pathStep) {
	for _, step := range path {
		n := t.node(step.nodeIdx)
		n.mu.Lock()
		e := &n.edges[step.edgeIdx]
		e.visits--
		e.valueSum += s.config.VirtualLoss
		n.mu.Unlock()
	}
}

// expand the node with the model's priors over the legal actions, and returns the model's value.
// It closes the node's ready channel, also on errors.
func (s *Searcher) expand(n *node) (value float32, err error) {
	defer func() {
		n.err = err
		close(n.ready)
	}()
	actions := s.game.LegalActions(n.state)
	if len(actions) == 0 {
		err = errors.Errorf("mcts: no legal actions on unfinished state (move #%d)", n.state.MoveNumber())
		return
	}
	policy, value, err := s.model.Infer(s.game.Observe(n.state))
	if err != nil {
		err = errors.WithMessagef(err, "mcts: model %s inference at move #%d", s.model, n.state.MoveNumber())
		return
	}
	if len(policy) != s.game.ActionSpaceSize() {
		err = errors.Errorf("mcts: model %s returned policy with %d actions, game %s has %d",
			s.model, len(policy), s.game.Name(), s.game.ActionSpaceSize())
		return
	}
	if math32.IsNaN(value) {
		err = errors.Errorf("mcts: model %s returned NaN value at move #%d", s.model, n.state.MoveNumber())
		return
	}

	// Priors renormalized over the legal actions.
	edges := make([]edge, len(actions))
	var sumPriors float32
	for edgeIdx, action := range actions {
		prior := policy[action]
		if prior < 0 || math32.IsNaN(prior) {
			err = errors.Errorf("mcts: model %s returned invalid probability %g for action %d", s.model, prior, action)
			return
		}
		edges[edgeIdx] = edge{prior: prior, child: -1}
		sumPriors += prior
	}
	for edgeIdx := range edges {
		if sumPriors > 0 {
			edges[edgeIdx].prior /= sumPriors
		} else {
			edges[edgeIdx].prior = 1 / float32(len(edges))
		}
	}
	n.actions = actions
	n.edges = edges
	n.value = value
	return
}

// addExplorationNoise mixes Dirichlet noise into the root priors: P' = (1-ε)*P + ε*Dir(α).
// It is called before any worker starts, so no locking is needed.
func (s *Searcher) addExplorationNoise(root *node) {
	frac := s.config.ExplorationFraction
	if frac <= 0 {
		return
	}
	noise := dirichlet(len(root.edges), s.config.DirichletAlpha, s.rng)
	var sumPriors float32
	for edgeIdx := range root.edges {
		e := &root.edges[edgeIdx]
		e.prior = (1-frac)*e.prior + frac*noise[edgeIdx]
		sumPriors += e.prior
	}
	for edgeIdx := range root.edges {
		root.edges[edgeIdx].prior /= sumPriors
	}
}

// dirichlet samples from a symmetric Dirichlet distribution by normalizing Gamma(alpha, 1) samples.
func dirichlet(size int, alpha float32, rng *rand.Rand) []float32 {
	gamma := distuv.Gamma{Alpha: float64(alpha), Beta: 1, Src: rng}
	samples := make([]float32, size)
	var sum float32
	for ii := range samples {
		samples[ii] = float32(gamma.Rand())
		sum += samples[ii]
	}
	if sum <= 0 {
		// All samples underflowed (tiny alpha): fall back to uniform.
		for ii := range samples {
			samples[ii] = 1 / float32(size)
		}
		return samples
	}
	for ii := range samples {
		samples[ii] /= sum
	}
	return samples
}

// String implements fmt.Stringer.
func (s *Searcher) String() string {
	return fmt.Sprintf("mcts(sims=%d, workers=%d, model=%s)", s.config.NumSimulations, s.config.NumWorkers, s.model)
}

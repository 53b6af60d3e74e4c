package mcts

import (
	"github.com/janpfeifer/hexzero/internal/game"
	"k8s.io/klog/v2"
	"sync"
)

// node holds the information about one state reached during the search.
type node struct {
	// mu protects edges.
	mu sync.Mutex

	state    game.State
	player   game.PlayerNum
	terminal bool

	// value is the model value estimate for player, or the exact outcome if terminal.
	value float32

	// actions and edges, one per legal action. Set once by expand, before ready is closed.
	actions []game.Action
	edges   []edge

	// ready is closed once the node is expanded (or failed to expand, in which case err is set).
	ready chan struct{}
	err   error
}

// edge from a node to the node reached by one action.
type edge struct {
	prior float32

	// visits (N) and valueSum (W) include in-flight virtual losses. Q = W/N is always recomputed.
	visits   int
	valueSum float32

	// reward received by the player of the node when taking this action.
	reward float32

	// child index in the tree, or -1 if not created yet.
	child int
}

func newNode(state game.State, terminal bool, value float32) *node {
	n := &node{
		state:    state,
		player:   state.NextPlayer(),
		terminal: terminal,
		value:    value,
		ready:    make(chan struct{}),
	}
	if terminal {
		close(n.ready)
	}
	return n
}

// tree is an arena of nodes for one search, indexed by integer handles.
type tree struct {
	mu    sync.RWMutex
	nodes []*node
	root  int

	// minMax statistics of the backed up values, used to normalize Q, if enabled.
	statsMu            sync.Mutex
	normalizeQ         bool
	minValue, maxValue float32
}

func newTree(config Config) *tree {
	t := &tree{}
	if config.MinimumReward != nil && config.MaximumReward != nil {
		t.normalizeQ = true
		t.minValue, t.maxValue = *config.MinimumReward, *config.MaximumReward
	}
	return t
}

func (t *tree) node(idx int) *node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[idx]
}

func (t *tree) add(n *node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

func (t *tree) numNodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// update the min-max statistics with a backed up value.
func (t *tree) update(value float32) {
	if !t.normalizeQ {
		return
	}
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.minValue = min(t.minValue, value)
	t.maxValue = max(t.maxValue, value)
}

// normalize Q to [0, 1] with the min-max statistics, if enabled.
func (t *tree) normalize(q float32) float32 {
	if !t.normalizeQ {
		return q
	}
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	if t.maxValue > t.minValue {
		return (q - t.minValue) / (t.maxValue - t.minValue)
	}
	return q
}

// compact returns a new tree holding only the subtree rooted at newRoot.
// The nodes are shared with the old tree, which must not be used anymore.
func (t *tree) compact(newRoot int) *tree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	newT := &tree{normalizeQ: t.normalizeQ, minValue: t.minValue, maxValue: t.maxValue}
	remap := map[int]int{newRoot: 0}
	queue := []int{newRoot}
	for len(queue) > 0 {
		oldIdx := queue[0]
		queue = queue[1:]
		n := t.nodes[oldIdx]
		newT.nodes = append(newT.nodes, n)
		for edgeIdx := range n.edges {
			child := n.edges[edgeIdx].child
			if child < 0 {
				continue
			}
			newIdx := len(remap)
			remap[child] = newIdx
			n.edges[edgeIdx].child = newIdx
			queue = append(queue, child)
		}
	}
	return newT
}

// Advance commits the action taken on the last searched state. If the searcher reuses trees,
// the subtree under the action becomes the root of the next search, and everything else is discarded.
func (s *Searcher) Advance(action game.Action) {
	t := s.tree
	s.tree = nil
	if t == nil || !s.config.ReuseTree {
		return
	}
	root := t.node(t.root)
	for edgeIdx, a := range root.actions {
		if a != action {
			continue
		}
		child := root.edges[edgeIdx].child
		if child < 0 || t.node(child).terminal {
			return
		}
		s.tree = t.compact(child)
		klog.V(3).Infof("mcts: reusing subtree of action %d with %d nodes", action, len(s.tree.nodes))
		return
	}
}

// reusedTree returns the tree kept by Advance if its root corresponds to state, or nil.
func (s *Searcher) reusedTree(state game.State) *tree {
	t := s.tree
	if t == nil {
		return nil
	}
	root := t.node(t.root)
	if root.state.MoveNumber() != state.MoveNumber() || s.game.String(root.state) != s.game.String(state) {
		klog.V(2).Infof("mcts: kept tree doesn't match searched state, discarding it")
		s.tree = nil
		return nil
	}
	return t
}

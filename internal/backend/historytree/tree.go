package historytree

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

// tree is the classic history tree. New intervals go into the latest branch,
// the path from the root to the most recent leaf, which stays in memory.
// When a node fills up, the branch is sealed from that level down and a new
// sibling branch starts right after the current tree end. Every sealed node
// covers [start, end] and its siblings partition time, so a query visits
// exactly one node per level.
type tree struct {
	layout    layout
	file      *historyFile
	cache     *nodeCache
	logger    *slog.Logger
	metrics   *metrics.Metrics
	startTime int64

	mu         sync.RWMutex
	latest     []*node // root first; nil once the tree is closed
	nodeCount  int32
	rootSeq    int32
	quarkCount int32

	treeEnd atomic.Int64
}

// newTree starts a tree whose root is a single leaf.
func newTree(l layout, file *historyFile, cache *nodeCache, startTime int64, logger *slog.Logger, m *metrics.Metrics) *tree {
	t := &tree{
		layout:    l,
		file:      file,
		cache:     cache,
		logger:    logger,
		metrics:   m,
		startTime: startTime,
	}
	t.treeEnd.Store(startTime)
	root := t.newNode(leafNode, -1, startTime)
	t.latest = []*node{root}
	t.metrics.SetTreeDepth(1)
	return t
}

// closedTree wraps a finished file.
func closedTree(l layout, file *historyFile, cache *nodeCache, h *fileHeader, logger *slog.Logger, m *metrics.Metrics) *tree {
	t := &tree{
		layout:     l,
		file:       file,
		cache:      cache,
		logger:     logger,
		metrics:    m,
		startTime:  h.StartTime,
		nodeCount:  int32(h.NodeCount),
		rootSeq:    h.RootSeq,
		quarkCount: int32(h.QuarkCount),
	}
	t.treeEnd.Store(h.EndTime)
	return t
}

func (t *tree) newNode(typ nodeType, parent int32, start int64) *node {
	n := &node{
		typ:    typ,
		seq:    t.nodeCount,
		parent: parent,
		start:  start,
		size:   t.layout.headerSize(typ),
	}
	t.nodeCount++
	return n
}

func (t *tree) endTime() int64 {
	return t.treeEnd.Load()
}

// =============================================================================
// Insertion
// =============================================================================

// insert adds iv to the deepest node of the latest branch that starts at or
// before iv.Start.
func (t *tree) insert(iv types.Interval) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latest == nil {
		return fmt.Errorf("history tree closed: %w", errors.ErrAlreadyBuilt)
	}
	if int32(iv.Quark) >= t.quarkCount {
		t.quarkCount = int32(iv.Quark) + 1
	}

	idx := len(t.latest) - 1
	for {
		n := t.latest[idx]
		if iv.Start < n.start {
			idx--
			continue
		}
		if n.fits(iv, t.layout.blockSize) {
			n.add(iv)
			if iv.End > t.treeEnd.Load() {
				t.treeEnd.Store(iv.End)
			}
			return nil
		}
		if err := t.addSiblingNode(idx); err != nil {
			return err
		}
		idx = len(t.latest) - 1
	}
}

// addSiblingNode seals the latest branch from level idx down and opens a new
// branch next to it. If the parent has no free child slot, the split moves
// up one level; splitting the root grows a new root.
func (t *tree) addSiblingNode(idx int) error {
	for {
		if idx == 0 {
			return t.addNewRootNode()
		}
		if len(t.latest[idx-1].children) < t.layout.maxChildren {
			break
		}
		idx--
	}

	splitTime := t.treeEnd.Load()
	if err := t.closeBranch(idx, splitTime); err != nil {
		return err
	}

	for i := idx; i < len(t.latest); i++ {
		prev := t.latest[i-1]
		n := t.newNode(t.latest[i].typ, prev.seq, splitTime+1)
		prev.linkChild(n)
		t.latest[i] = n
	}
	return nil
}

func (t *tree) addNewRootNode() error {
	splitTime := t.treeEnd.Load()
	oldRoot := t.latest[0]
	depth := len(t.latest)

	newRoot := t.newNode(coreNode, -1, t.startTime)
	oldRoot.parent = newRoot.seq

	if err := t.closeBranch(0, splitTime); err != nil {
		return err
	}
	newRoot.linkChild(oldRoot)

	branch := make([]*node, 0, depth+1)
	branch = append(branch, newRoot)
	for i := 1; i < depth; i++ {
		prev := branch[i-1]
		n := t.newNode(coreNode, prev.seq, splitTime+1)
		prev.linkChild(n)
		branch = append(branch, n)
	}
	prev := branch[depth-1]
	leaf := t.newNode(leafNode, prev.seq, splitTime+1)
	prev.linkChild(leaf)
	branch = append(branch, leaf)

	t.latest = branch
	t.metrics.SetTreeDepth(len(branch))
	t.logger.Debug("new root", "seq", newRoot.seq, "depth", len(branch), "split_time", splitTime)
	return nil
}

// closeBranch seals and writes the latest branch from the leaf up to level
// from, ending every node at splitTime.
func (t *tree) closeBranch(from int, splitTime int64) error {
	for i := len(t.latest) - 1; i >= from; i-- {
		n := t.latest[i]
		n.seal(splitTime)
		if err := t.file.writeNode(n); err != nil {
			return err
		}
		t.cache.put(n)
		t.metrics.NodeSealed()
		t.logger.Debug("node sealed", "seq", n.seq, "type", n.typ, "start", n.start, "end", n.end, "intervals", len(n.intervals))
	}
	return nil
}

// close seals the whole latest branch at endTime. The tree is read-only
// afterwards.
func (t *tree) close(endTime int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latest == nil {
		return fmt.Errorf("history tree closed: %w", errors.ErrAlreadyBuilt)
	}
	if end := t.treeEnd.Load(); endTime < end {
		return errors.NewTimeRange(endTime, t.startTime, end, "end time before the last stored interval")
	}

	t.treeEnd.Store(endTime)
	if err := t.closeBranch(0, endTime); err != nil {
		return err
	}
	t.rootSeq = t.latest[0].seq
	t.latest = nil
	return nil
}

// header describes the current state of the tree.
func (t *tree) header() fileHeader {
	t.mu.RLock()
	defer t.mu.RUnlock()

	root := t.rootSeq
	if t.latest != nil {
		root = t.latest[0].seq
	}
	return fileHeader{
		BlockSize:   uint32(t.layout.blockSize),
		MaxChildren: uint32(t.layout.maxChildren),
		NodeCount:   uint32(t.nodeCount),
		RootSeq:     root,
		StartTime:   t.startTime,
		EndTime:     t.treeEnd.Load(),
		QuarkCount:  uint32(t.quarkCount),
	}
}

// =============================================================================
// Queries
// =============================================================================

// readNode returns a sealed node from the cache or the file.
func (t *tree) readNode(seq int32) (*node, error) {
	return t.cache.load(seq, t.file.readNode)
}

// walk calls visit on every node of the root-to-leaf path covering ts. Live
// nodes are visited under the read lock; once the path leaves the latest
// branch the lock is released and sealed nodes come from the cache.
func (t *tree) walk(ts int64, visit func(*node) bool) error {
	t.mu.RLock()
	if t.latest == nil {
		seq := t.rootSeq
		t.mu.RUnlock()
		return t.walkSealed(seq, ts, visit)
	}

	for level := 0; ; level++ {
		n := t.latest[level]
		if !visit(n) || n.typ == leafNode {
			t.mu.RUnlock()
			return nil
		}
		c := n.childAt(ts)
		if c < 0 {
			t.mu.RUnlock()
			return nil
		}
		seq := n.children[c].seq
		if level+1 < len(t.latest) && t.latest[level+1].seq == seq {
			continue
		}
		t.mu.RUnlock()
		return t.walkSealed(seq, ts, visit)
	}
}

func (t *tree) walkSealed(seq int32, ts int64, visit func(*node) bool) error {
	for {
		n, err := t.readNode(seq)
		if err != nil {
			return err
		}
		if !visit(n) || n.typ == leafNode {
			return nil
		}
		c := n.childAt(ts)
		if c < 0 {
			return nil
		}
		seq = n.children[c].seq
	}
}

// find returns the interval of q covering ts.
func (t *tree) find(ts int64, q types.Quark) (types.Interval, bool, error) {
	var (
		found types.Interval
		ok    bool
	)
	err := t.walk(ts, func(n *node) bool {
		found, ok = n.find(ts, q)
		return !ok
	})
	return found, ok, err
}

// collect fills dst with every interval covering ts.
func (t *tree) collect(ts int64, dst []*types.Interval) error {
	return t.walk(ts, func(n *node) bool {
		n.collect(ts, dst)
		return true
	})
}

// quarks returns one more than the highest quark stored.
func (t *tree) quarks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.quarkCount)
}

// depth returns the number of levels.
func (t *tree) depth() (int, error) {
	t.mu.RLock()
	if t.latest != nil {
		d := len(t.latest)
		t.mu.RUnlock()
		return d, nil
	}
	seq := t.rootSeq
	t.mu.RUnlock()

	d := 0
	for {
		n, err := t.readNode(seq)
		if err != nil {
			return 0, err
		}
		d++
		if n.typ == leafNode || len(n.children) == 0 {
			return d, nil
		}
		seq = n.children[0].seq
	}
}

// node returns node seq. Live nodes are returned as a snapshot.
func (t *tree) node(seq int32) (*node, error) {
	t.mu.RLock()
	for _, n := range t.latest {
		if n.seq == seq {
			cp := *n
			cp.children = slices.Clone(n.children)
			cp.intervals = slices.Clone(n.intervals)
			cp.end = t.treeEnd.Load()
			t.mu.RUnlock()
			return &cp, nil
		}
	}
	count := t.nodeCount
	t.mu.RUnlock()

	if seq < 0 || seq >= count {
		return nil, fmt.Errorf("node %d of %d: %w", seq, count, errors.ErrAttributeNotFound)
	}
	return t.readNode(seq)
}

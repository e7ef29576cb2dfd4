package historytree

import (
	"slices"
	"sort"

	"github.com/xtxerr/statehist/internal/types"
)

// child is one entry of a core node's child table.
type child struct {
	seq   int32
	start int64
}

// node is one block of the history tree. A live node belongs to the latest
// branch and is only touched under the tree lock. Once sealed, a node is
// never modified again and may be shared freely.
type node struct {
	typ    nodeType
	seq    int32
	parent int32
	start  int64
	end    int64
	sealed bool

	children []child
	// intervals are kept sorted by end time.
	intervals []types.Interval
	// size is the number of encoded bytes in use.
	size int
}

// fits reports whether iv still fits in the block.
func (n *node) fits(iv types.Interval, blockSize int) bool {
	return n.size+intervalSize(iv) <= blockSize
}

func (n *node) add(iv types.Interval) {
	i := sort.Search(len(n.intervals), func(i int) bool { return n.intervals[i].End > iv.End })
	n.intervals = slices.Insert(n.intervals, i, iv)
	n.size += intervalSize(iv)
}

func (n *node) linkChild(c *node) {
	n.children = append(n.children, child{seq: c.seq, start: c.start})
}

func (n *node) seal(end int64) {
	n.end = end
	n.sealed = true
}

// childAt returns the index of the last child starting at or before t,
// or -1 if there is none.
func (n *node) childAt(t int64) int {
	return sort.Search(len(n.children), func(i int) bool { return n.children[i].start > t }) - 1
}

// firstEndingAt returns the index of the first interval with End >= t.
func (n *node) firstEndingAt(t int64) int {
	return sort.Search(len(n.intervals), func(i int) bool { return n.intervals[i].End >= t })
}

// find returns the interval of q covering t, if this node holds it.
func (n *node) find(t int64, q types.Quark) (types.Interval, bool) {
	for i := n.firstEndingAt(t); i < len(n.intervals); i++ {
		iv := n.intervals[i]
		if iv.Quark == q && iv.Start <= t {
			return iv, true
		}
	}
	return types.Interval{}, false
}

// collect stores every interval covering t into dst, indexed by quark.
func (n *node) collect(t int64, dst []*types.Interval) {
	for i := n.firstEndingAt(t); i < len(n.intervals); i++ {
		iv := n.intervals[i]
		if iv.Start <= t && iv.Quark >= 0 && int(iv.Quark) < len(dst) {
			dst[iv.Quark] = &iv
		}
	}
}

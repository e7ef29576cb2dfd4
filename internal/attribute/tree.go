// Package attribute implements the attribute tree: the index that maps
// hierarchical attribute paths to stable integer quarks.
//
// The tree has a single writer (the producer of a state system) and any
// number of concurrent readers. Readers never take a lock: attributes live
// in an append-only slice published through an atomic pointer, and every
// attribute keeps its children in a sync.Map plus a copy-on-write list.
// Once the tree is frozen, creating an attribute fails with
// ErrAttributeTreeFrozen.
package attribute

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
	"github.com/xtxerr/statehist/internal/validation"
)

type node struct {
	name   string
	parent types.Quark

	// children maps a segment name to the child quark.
	children sync.Map
	// list holds the children in creation order.
	list atomic.Pointer[[]types.Quark]
}

func newNode(name string, parent types.Quark) *node {
	n := &node{name: name, parent: parent}
	n.list.Store(&[]types.Quark{})
	return n
}

func (n *node) child(name string) (types.Quark, bool) {
	v, ok := n.children.Load(name)
	if !ok {
		return types.InvalidQuark, false
	}
	return v.(types.Quark), true
}

func (n *node) childList() []types.Quark {
	return *n.list.Load()
}

// Tree is the attribute tree of one state system.
type Tree struct {
	mu     sync.Mutex // serializes writers
	root   *node
	nodes  atomic.Pointer[[]*node]
	frozen atomic.Bool

	// onCreate is called, under mu, for every new quark.
	onCreate func(types.Quark)
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	t := &Tree{root: newNode("", types.RootQuark)}
	t.nodes.Store(&[]*node{})
	return t
}

// OnCreate registers a callback invoked synchronously for every attribute
// created after the call. The state system uses it to grow its ongoing state
// table in step with the tree.
func (t *Tree) OnCreate(fn func(types.Quark)) {
	t.mu.Lock()
	t.onCreate = fn
	t.mu.Unlock()
}

// Len returns the number of attributes.
func (t *Tree) Len() int {
	return len(*t.nodes.Load())
}

// Freeze forbids further attribute creation.
func (t *Tree) Freeze() {
	t.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (t *Tree) Frozen() bool {
	return t.frozen.Load()
}

func (t *Tree) node(q types.Quark) (*node, error) {
	if q == types.RootQuark {
		return t.root, nil
	}
	nodes := *t.nodes.Load()
	if q < 0 || int(q) >= len(nodes) {
		return nil, errors.NewQuarkNotFound(int32(q))
	}
	return nodes[q], nil
}

// =============================================================================
// Creation
// =============================================================================

// GetOrCreateQuark returns the quark of the child named segment under parent,
// creating it if needed.
func (t *Tree) GetOrCreateQuark(parent types.Quark, segment string) (types.Quark, error) {
	p, err := t.node(parent)
	if err != nil {
		return types.InvalidQuark, err
	}
	if q, ok := p.child(segment); ok {
		return q, nil
	}

	if t.frozen.Load() {
		return types.InvalidQuark, fmt.Errorf("create %q under quark %d: %w", segment, parent, errors.ErrAttributeTreeFrozen)
	}
	if err := validation.ValidateSegment(segment, validation.CreateRules()); err != nil {
		return types.InvalidQuark, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if q, ok := p.child(segment); ok {
		return q, nil
	}
	return t.appendLocked(p, parent, segment), nil
}

// appendLocked publishes the node before linking it into its parent, so a
// reader that finds the quark through the parent can always resolve it. The
// create callback runs before either, so anything sized by Len already knows
// about the new quark.
func (t *Tree) appendLocked(p *node, parent types.Quark, segment string) types.Quark {
	nodes := *t.nodes.Load()
	q := types.Quark(len(nodes))
	if t.onCreate != nil {
		t.onCreate(q)
	}
	nodes = append(nodes, newNode(segment, parent))
	t.nodes.Store(&nodes)

	old := p.childList()
	list := make([]types.Quark, len(old), len(old)+1)
	copy(list, old)
	list = append(list, q)
	p.list.Store(&list)
	p.children.Store(segment, q)
	return q
}

// GetQuarkAndAdd resolves path relative to start, creating missing segments.
func (t *Tree) GetQuarkAndAdd(start types.Quark, path ...string) (types.Quark, error) {
	q := start
	for _, seg := range path {
		next, err := t.GetOrCreateQuark(q, seg)
		if err != nil {
			return types.InvalidQuark, err
		}
		q = next
	}
	return q, nil
}

// =============================================================================
// Lookup
// =============================================================================

// GetQuarkAbsolute resolves a path from the root.
func (t *Tree) GetQuarkAbsolute(path ...string) (types.Quark, error) {
	return t.GetQuarkRelative(types.RootQuark, path...)
}

// GetQuarkRelative resolves path relative to start.
func (t *Tree) GetQuarkRelative(start types.Quark, path ...string) (types.Quark, error) {
	q := t.OptQuark(start, path...)
	if q == types.InvalidQuark {
		prefix := ""
		if start != types.RootQuark {
			prefix = t.FullPathString(start) + "/"
		}
		return types.InvalidQuark, errors.NewAttributeNotFound(prefix + strings.Join(path, "/"))
	}
	return q, nil
}

// OptQuark is GetQuarkRelative returning InvalidQuark instead of an error.
func (t *Tree) OptQuark(start types.Quark, path ...string) types.Quark {
	n, err := t.node(start)
	if err != nil {
		return types.InvalidQuark
	}
	q := start
	for _, seg := range path {
		child, ok := n.child(seg)
		if !ok {
			return types.InvalidQuark
		}
		q = child
		if n, err = t.node(q); err != nil {
			return types.InvalidQuark
		}
	}
	return q
}

// Parent returns the parent quark, RootQuark for top-level attributes.
func (t *Tree) Parent(q types.Quark) (types.Quark, error) {
	n, err := t.node(q)
	if err != nil {
		return types.InvalidQuark, err
	}
	if q == types.RootQuark {
		return types.InvalidQuark, errors.NewQuarkNotFound(int32(q))
	}
	return n.parent, nil
}

// Name returns the last path segment of q.
func (t *Tree) Name(q types.Quark) (string, error) {
	if q == types.RootQuark {
		return "", nil
	}
	n, err := t.node(q)
	if err != nil {
		return "", err
	}
	return n.name, nil
}

// FullPath returns the segments from the root down to q.
func (t *Tree) FullPath(q types.Quark) ([]string, error) {
	var rev []string
	for q != types.RootQuark {
		n, err := t.node(q)
		if err != nil {
			return nil, err
		}
		rev = append(rev, n.name)
		q = n.parent
	}
	path := make([]string, len(rev))
	for i, s := range rev {
		path[len(rev)-1-i] = s
	}
	return path, nil
}

// FullPathString returns the slash-joined path of q, or "" if q is unknown.
func (t *Tree) FullPathString(q types.Quark) string {
	path, err := t.FullPath(q)
	if err != nil {
		return ""
	}
	return validation.JoinPath(path)
}

// SubAttributes returns the children of q in creation order, or every
// descendant in depth-first order when recursive is set.
func (t *Tree) SubAttributes(q types.Quark, recursive bool) ([]types.Quark, error) {
	return t.SubAttributesMatching(q, recursive, nil)
}

// SubAttributesMatching is SubAttributes keeping only attributes whose name
// matches re. A nil re matches everything. Recursion descends into
// non-matching attributes too.
func (t *Tree) SubAttributesMatching(q types.Quark, recursive bool, re *regexp.Regexp) ([]types.Quark, error) {
	n, err := t.node(q)
	if err != nil {
		return nil, err
	}
	var out []types.Quark
	t.collect(n, recursive, re, &out)
	return out, nil
}

func (t *Tree) collect(n *node, recursive bool, re *regexp.Regexp, out *[]types.Quark) {
	for _, c := range n.childList() {
		cn, err := t.node(c)
		if err != nil {
			continue
		}
		if re == nil || re.MatchString(cn.name) {
			*out = append(*out, c)
		}
		if recursive {
			t.collect(cn, recursive, re, out)
		}
	}
}

// Match resolves a pattern relative to start. A "*" segment stands for
// every child and ".." for the parent. The result has no duplicates and
// keeps discovery order; a pattern matching nothing yields an empty slice.
func (t *Tree) Match(start types.Quark, pattern ...string) []types.Quark {
	current := []types.Quark{start}
	for _, seg := range pattern {
		var next []types.Quark
		seen := make(map[types.Quark]struct{})
		add := func(q types.Quark) {
			if _, dup := seen[q]; !dup {
				seen[q] = struct{}{}
				next = append(next, q)
			}
		}

		for _, q := range current {
			n, err := t.node(q)
			if err != nil {
				continue
			}
			switch seg {
			case validation.WildcardSegment:
				for _, c := range n.childList() {
					add(c)
				}
			case validation.ParentSegment:
				if q != types.RootQuark {
					add(n.parent)
				}
			default:
				if c, ok := n.child(seg); ok {
					add(c)
				}
			}
		}
		if len(next) == 0 {
			return []types.Quark{}
		}
		current = next
	}

	out := make([]types.Quark, 0, len(current))
	for _, q := range current {
		if q != types.RootQuark {
			out = append(out, q)
		}
	}
	return out
}

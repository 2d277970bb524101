// Package sequence implements the run-length interval tree that mirrors a
// text CRDT container's visible sequence: an ordered list of StringPool
// ranges, indexed by cumulative length so position lookups, inserts, and
// range deletes are logarithmic in the number of runs rather than linear in
// the number of characters.
//
// Internally this is an implicit treap (a randomized balanced binary search
// tree ordered by in-order position rather than by key), the same shape as
// the original engine's RLE tree with a cumulative-length tree trait: each
// node caches the total length of its subtree so position-to-node lookup,
// splitting, and merging are all O(log n).
package sequence

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/Polqt/crdtcollab/pool"
)

// node is one run in the treap. A run always addresses a single contiguous
// StringPool range.
type node struct {
	run         pool.Range
	left, right *node
	priority    int32
	// subtreeLen is the sum of run lengths in the subtree rooted here,
	// including this node's own run.
	subtreeLen int
	// subtreeCount is the number of runs in the subtree rooted here.
	subtreeCount int
}

func newNode(run pool.Range) *node {
	return &node{run: run, priority: rand.Int31(), subtreeLen: run.Len(), subtreeCount: 1}
}

func length(n *node) int {
	if n == nil {
		return 0
	}
	return n.subtreeLen
}

func count(n *node) int {
	if n == nil {
		return 0
	}
	return n.subtreeCount
}

func (n *node) recompute() {
	n.subtreeLen = n.run.Len() + length(n.left) + length(n.right)
	n.subtreeCount = 1 + count(n.left) + count(n.right)
}

// splitByLen splits the treap rooted at n into (left, right) such that the
// total run-length reachable from left is exactly pos, splitting a run in
// two if pos falls inside it.
func splitByLen(n *node, pos int) (*node, *node) {
	if n == nil {
		return nil, nil
	}
	leftLen := length(n.left)
	switch {
	case pos < leftLen:
		l, r := splitByLen(n.left, pos)
		n.left = r
		n.recompute()
		return l, n
	case pos > leftLen+n.run.Len():
		l, r := splitByLen(n.right, pos-leftLen-n.run.Len())
		n.right = l
		n.recompute()
		return n, r
	case pos == leftLen:
		left := n.left
		n.left = nil
		n.recompute()
		return left, n
	case pos == leftLen+n.run.Len():
		right := n.right
		n.right = nil
		n.recompute()
		return n, right
	default:
		// pos falls strictly inside n.run: split the run itself.
		offset := uint32(pos - leftLen)
		leftRun := n.run.Sub(0, offset)
		rightRun := n.run.Sub(offset, uint32(n.run.Len()))
		left := n.left
		leftNode := newNode(leftRun)
		leftNode.left = left
		leftNode.recompute()
		right := n.right
		rightNode := newNode(rightRun)
		rightNode.right = right
		rightNode.recompute()
		return leftNode, rightNode
	}
}

// merge combines two treaps where every run in a sorts before every run in
// b, maintaining heap order on priority.
func merge(a, b *node) *node {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.priority > b.priority:
		a.right = merge(a.right, b)
		a.recompute()
		return a
	default:
		b.left = merge(a, b.left)
		b.recompute()
		return b
	}
}

// tryCoalesce merges two adjacent single runs into one node if their pool
// ranges are storage-order-adjacent. Used only as a post-insert cleanup; it
// is an optimization, not required for correctness (spec §4.2).
func tryCoalesce(left, right *node) (*node, bool) {
	if left == nil || right == nil {
		return nil, false
	}
	if left.right != nil || right.left != nil {
		// only coalesce when both sides are leaves in the relevant
		// direction, to keep this cheap and side-effect free.
		return nil, false
	}
	if !left.run.Adjacent(right.run) {
		return nil, false
	}
	merged := newNode(left.run.Sub(0, uint32(left.run.Len()+right.run.Len())))
	merged.priority = left.priority
	merged.left = left.left
	merged.right = right.right
	merged.recompute()
	return merged, true
}

// State is the sequence container: an ordered list of StringPool ranges
// whose sum of lengths is the visible text length.
type State struct {
	root *node
}

// New returns an empty sequence state.
func New() *State {
	return &State{}
}

// Len returns the total number of live positions in the sequence.
func (s *State) Len() int {
	return length(s.root)
}

// RunCount returns the number of runs currently stored (for tests and
// debugging; not part of the logical contract).
func (s *State) RunCount() int {
	return count(s.root)
}

// Insert splits the sequence at pos and inserts run. It panics if
// pos > s.Len(), per spec §4.2 ("fails loudly").
func (s *State) Insert(pos int, run pool.Range) {
	if pos < 0 || pos > s.Len() {
		panic("sequence: insert position out of range")
	}
	if run.IsEmpty() {
		return
	}
	left, right := splitByLen(s.root, pos)
	mid := newNode(run)
	if merged, ok := tryCoalesce(left, mid); ok {
		left = merged
	} else {
		left = merge(left, mid)
	}
	s.root = merge(left, right)
}

// DeleteRange removes the [start, end) positions from the sequence, where
// 0 <= start <= end <= s.Len().
func (s *State) DeleteRange(start, end int) {
	if start < 0 || end < start || end > s.Len() {
		panic("sequence: delete range out of bounds")
	}
	if start == end {
		return
	}
	left, rest := splitByLen(s.root, start)
	_, right := splitByLen(rest, end-start)
	s.root = merge(left, right)
}

// Run is a single visible run, yielded by Iter in sequence order.
type Run struct {
	Range pool.Range
}

// Iter calls visit for every run in visible order. It stops early if visit
// returns false.
func (s *State) Iter(visit func(Run) bool) {
	var walk func(*node) bool
	walk = func(n *node) bool {
		if n == nil {
			return true
		}
		if !walk(n.left) {
			return false
		}
		if !visit(Run{Range: n.run}) {
			return false
		}
		return walk(n.right)
	}
	walk(s.root)
}

// DebugString renders the run structure as a list of pool ranges in visible
// order, e.g. "[0,5)[7,9)". Used from tests to inspect run boundaries.
func (s *State) DebugString() string {
	var b strings.Builder
	s.Iter(func(r Run) bool {
		fmt.Fprintf(&b, "[%d,%d)", r.Range.Start, r.Range.End)
		return true
	})
	return b.String()
}

// RangeAt returns the run and the position within that run (as a byte
// offset) that live position pos addresses. ok is false if pos >= Len().
func (s *State) RangeAt(pos int) (run pool.Range, offsetInRun int, ok bool) {
	n := s.root
	for n != nil {
		leftLen := length(n.left)
		switch {
		case pos < leftLen:
			n = n.left
		case pos < leftLen+n.run.Len():
			return n.run, pos - leftLen, true
		default:
			pos -= leftLen + n.run.Len()
			n = n.right
		}
	}
	return pool.Range{}, 0, false
}

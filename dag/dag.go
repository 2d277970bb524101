// Package dag implements the causal-history algorithms a text container
// relies on: turning a frontier into the version vector of its causal
// closure, finding the common ancestor of two frontiers, computing the
// path (the set of IdSpans) between two frontiers, and walking that path as
// a stream of change slices annotated with the retreat/forward movement
// needed to reconstruct history in order (spec §4.5).
//
// These algorithms are written against the small Source interface below so
// they can run over any causal history keeper; Store is this package's own
// in-memory reference implementation, used by the engine's tests and by any
// caller that doesn't need persistence (spec treats the real log store as
// an external collaborator — see SPEC_FULL.md §C.1).
package dag

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/op"
)

// Change is one client's contiguous run of ops, the causal-history unit:
// it has a single set of dependencies (its Deps frontier), established when
// the first atom in the run was created.
type Change struct {
	ID   ids.OpID
	Len  ids.Counter
	Deps ids.Frontier
	Ops  []op.Op
}

// Span returns the IdSpan this change occupies.
func (c Change) Span() ids.IdSpan {
	return ids.NewIdSpan(c.ID.Client, c.ID.Counter, c.ID.Counter+c.Len)
}

// Source is the minimal view of causal history the algorithms in this
// package need: given a client and a counter, find the change that covers
// it. A real log store, or Store below, both satisfy this trivially.
type Source interface {
	ChangeAt(client ids.ClientID, counter ids.Counter) (Change, bool)
}

// Closure returns the version vector of the causal closure of f: for each
// client, one past the highest counter transitively reachable from f.
//
// Because a single client's own history is totally ordered (spec's dense,
// strictly-increasing counter invariant), the closure of any frontier is
// always expressible as a contiguous per-client counter prefix — there's no
// need to track the closure as a general set. The algorithm walks back
// through cross-client dependency edges only when they extend a client's
// prefix past what's already covered.
func Closure(src Source, f ids.Frontier) ids.VersionVector {
	vv := ids.NewVersionVector()
	queue := append(ids.Frontier(nil), f...)
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		covered := vv.Get(id.Client)
		if covered > id.Counter {
			continue
		}

		// Walk every change on id.Client from the already-covered point
		// up through id.Counter, pulling in cross-client deps as we go.
		cursor := covered
		for cursor <= id.Counter {
			ch, ok := src.ChangeAt(id.Client, cursor)
			if !ok {
				break
			}
			for _, dep := range ch.Deps {
				if vv.Get(dep.Client) <= dep.Counter {
					queue = append(queue, dep)
				}
			}
			cursor = ch.ID.Counter + ch.Len
			if vv[id.Client] < cursor {
				vv[id.Client] = cursor
			}
		}
		if vv[id.Client] < id.Counter+1 {
			vv[id.Client] = id.Counter + 1
		}
	}
	return vv
}

// CommonAncestor returns the frontier of the causal intersection of a and
// b's closures.
func CommonAncestor(src Source, a, b ids.Frontier) ids.Frontier {
	ca, cb := Closure(src, a), Closure(src, b)
	min := ids.NewVersionVector()
	for client, ctr := range ca {
		if other, ok := cb[client]; ok {
			if other < ctr {
				ctr = other
			}
			min[client] = ctr
		}
	}
	return min.Head()
}

// PathResult is the set of IdSpans that differentiate two frontiers:
// Left covers ops in from's closure but not to's; Right covers ops in to's
// closure but not from's.
type PathResult struct {
	Left  []ids.IdSpan
	Right []ids.IdSpan
}

func vvDiffSpans(minuend, subtrahend ids.VersionVector) []ids.IdSpan {
	var spans []ids.IdSpan
	for client, ctr := range minuend {
		base := subtrahend.Get(client)
		if ctr > base {
			spans = append(spans, ids.NewIdSpan(client, base, ctr))
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Client < spans[j].Client })
	return spans
}

// FindPath returns the spans that differentiate from and to (spec §4.5).
func FindPath(src Source, from, to ids.Frontier) PathResult {
	cf, ct := Closure(src, from), Closure(src, to)
	return PathResult{
		Left:  vvDiffSpans(cf, ct),
		Right: vvDiffSpans(ct, cf),
	}
}

// ChangeSlice is one step of a IterPartial walk: a sub-range of one
// change's ops, plus the retreat/forward movement needed relative to the
// previous step to bring a tracker's virtual VV to the state this slice's
// Deps require before its own ops are applied (spec §4.5, §4.4 stage 1).
type ChangeSlice struct {
	ChangeID ids.OpID
	Ops      []op.Op
	Retreat  []ids.IdSpan
	Forward  []ids.IdSpan
	Start    ids.Counter // offset into the change, relative to ChangeID.Counter
	End      ids.Counter
}

// changeEntry pairs a change with the sub-range of it that a path spans.
type changeEntry struct {
	change Change
	start  ids.Counter
	end    ids.Counter
}

// collectChanges expands a list of IdSpans into the changes (sub-sliced to
// exactly the requested ranges) that those spans cover.
func collectChanges(src Source, spans []ids.IdSpan) []changeEntry {
	var out []changeEntry
	for _, span := range spans {
		cursor := span.From
		for cursor < span.To {
			ch, ok := src.ChangeAt(span.Client, cursor)
			if !ok {
				break
			}
			chSpan := ch.Span()
			start := cursor
			end := span.To
			if chSpan.To < end {
				end = chSpan.To
			}
			out = append(out, changeEntry{change: ch, start: start - chSpan.From, end: end - chSpan.From})
			cursor = end
		}
	}
	return out
}

// topoOrder sorts changeEntries into an order consistent with their deps:
// a change can only appear after every change its Deps (or an earlier part
// of its own run) require. Ties are broken by ClientID for determinism.
func topoOrder(entries []changeEntry) []changeEntry {
	closureOf := func(c Change) ids.OpID {
		return ids.OpID{Client: c.ID.Client, Counter: c.ID.Counter}
	}

	// A dep frontier entry names the *last* atom of the change it depends
	// on (the frontier convention used throughout this package), not that
	// change's starting counter. Looking a dep up therefore has to find
	// whichever entry's counter range contains it, not match it exactly —
	// a multi-atom change (e.g. one Insert call of several characters)
	// would otherwise never be recognized as anyone's dependency.
	byClient := make(map[ids.ClientID][]changeEntry, len(entries))
	for _, e := range entries {
		byClient[e.change.ID.Client] = append(byClient[e.change.ID.Client], e)
	}
	for client, list := range byClient {
		sort.Slice(list, func(i, j int) bool { return list[i].change.ID.Counter < list[j].change.ID.Counter })
		byClient[client] = list
	}
	lookup := func(id ids.OpID) (changeEntry, bool) {
		list := byClient[id.Client]
		i := sort.Search(len(list), func(i int) bool {
			return list[i].change.ID.Counter+list[i].change.Len > id.Counter
		})
		if i >= len(list) || list[i].change.ID.Counter > id.Counter {
			return changeEntry{}, false
		}
		return list[i], true
	}

	depth := make(map[ids.OpID]int, len(entries))
	var rank func(e changeEntry) int
	visiting := make(map[ids.OpID]bool)
	rank = func(e changeEntry) int {
		key := closureOf(e.change)
		if d, ok := depth[key]; ok {
			return d
		}
		if visiting[key] {
			return 0
		}
		visiting[key] = true
		best := 0
		for _, dep := range e.change.Deps {
			if other, ok := lookup(dep); ok {
				if d := rank(other) + 1; d > best {
					best = d
				}
			}
		}
		depth[key] = best
		visiting[key] = false
		return best
	}
	for _, e := range entries {
		rank(e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := depth[closureOf(entries[i].change)], depth[closureOf(entries[j].change)]
		if di != dj {
			return di < dj
		}
		return entries[i].change.ID.Client < entries[j].change.ID.Client
	})
	return entries
}

// IterPartial walks the path built from rightPath (as produced by FindPath)
// starting at frontier from, yielding one ChangeSlice per change touched,
// each annotated with the retreat/forward spans needed to move a cursor
// sitting at the previous slice's required state to this slice's.
func IterPartial(src Source, from ids.Frontier, rightPath []ids.IdSpan) []ChangeSlice {
	entries := topoOrder(collectChanges(src, rightPath))
	cursor := Closure(src, from)
	out := make([]ChangeSlice, 0, len(entries))
	for _, e := range entries {
		absStart := e.change.ID.Counter + e.start
		absEnd := e.change.ID.Counter + e.end

		needed := Closure(src, e.change.Deps)
		if e.start > 0 {
			// A mid-change slice causally follows the change's own earlier
			// atoms, not just its declared Deps.
			needed.Extend(ids.NewIdSpan(e.change.ID.Client, e.change.ID.Counter, absStart))
		}
		retreat := vvDiffSpans(cursor, needed)
		forward := vvDiffSpans(needed, cursor)
		cursor = needed
		var sliceOps []op.Op
		for _, o := range e.change.Ops {
			os := o.Span()
			s, en := os.From, os.To
			if s < absStart {
				s = absStart
			}
			if en > absEnd {
				en = absEnd
			}
			if en > s {
				sliceOps = append(sliceOps, o.Sub(s, en))
			}
		}

		out = append(out, ChangeSlice{
			ChangeID: e.change.ID,
			Ops:      sliceOps,
			Retreat:  retreat,
			Forward:  forward,
			Start:    e.start,
			End:      e.end,
		})
		cursor.Extend(ids.NewIdSpan(e.change.ID.Client, absStart, absEnd))
	}
	return out
}

// frontierHash gives a cheap, deterministic cache key for a frontier; used
// by callers that want to memoize CommonAncestor/FindPath results keyed on
// (frontier, frontier) pairs, the way the original engine keys its change
// index by a fast non-cryptographic hash (raw_store.rs's FxHashMap).
func frontierHash(f ids.Frontier) uint64 {
	h := xxhash.New()
	for _, id := range f.Sorted() {
		var buf [16]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(id.Client >> (8 * i))
			buf[8+i] = byte(id.Counter >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// AncestorCache memoizes CommonAncestor lookups keyed by a hash of the two
// input frontiers, mirroring the original engine's FxHashMap-keyed change
// index (raw_store.rs) with xxhash standing in for fxhash (the pack has no
// Go port of fxhash; xxhash is its closest fast non-cryptographic analog).
type AncestorCache struct {
	src Source
	m   map[[2]uint64]ids.Frontier
}

// NewAncestorCache returns a cache wrapping src.
func NewAncestorCache(src Source) *AncestorCache {
	return &AncestorCache{src: src, m: make(map[[2]uint64]ids.Frontier)}
}

// CommonAncestor returns CommonAncestor(src, a, b), memoized.
func (c *AncestorCache) CommonAncestor(a, b ids.Frontier) ids.Frontier {
	key := [2]uint64{frontierHash(a), frontierHash(b)}
	if v, ok := c.m[key]; ok {
		return v
	}
	v := CommonAncestor(c.src, a, b)
	c.m[key] = v
	return v
}

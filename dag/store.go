package dag

import (
	"fmt"
	"sort"

	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/op"
)

// Store is an in-memory causal history keeper: one append-only, ordered
// list of Changes per client. It satisfies Source, and additionally offers
// the handful of log-store operations a TextContainer needs to mint ids and
// append local ops (spec §4.5, §9's "cyclic lifetime" note — a real log
// store is an external collaborator; Store is this package's stand-in for
// tests and small standalone programs).
//
// It does not persist, sign, or encode anything: that's explicitly out of
// scope (spec §1).
type Store struct {
	changes map[ids.ClientID][]Change
}

// NewStore returns an empty causal history.
func NewStore() *Store {
	return &Store{changes: make(map[ids.ClientID][]Change)}
}

// NextID returns the next unused OpID for client.
func (s *Store) NextID(client ids.ClientID) ids.OpID {
	var next ids.Counter
	if cs := s.changes[client]; len(cs) > 0 {
		last := cs[len(cs)-1]
		next = last.ID.Counter + last.Len
	}
	return ids.OpID{Client: client, Counter: next}
}

// AppendChange records a new change: a contiguous run of ops from one
// client, depending causally on deps. It panics if ops is empty, if the
// ops don't share a client, or if they don't start exactly at NextID for
// that client (spec invariant: counters are dense and strictly increasing).
func (s *Store) AppendChange(deps ids.Frontier, ops []op.Op) ids.OpID {
	if len(ops) == 0 {
		panic("dag: AppendChange requires at least one op")
	}
	client := ops[0].ID.Client
	total := ids.Counter(0)
	for _, o := range ops {
		if o.ID.Client != client {
			panic("dag: AppendChange requires all ops to share one client")
		}
		total += ids.Counter(o.Content.AtomLen())
	}
	want := s.NextID(client)
	if ops[0].ID.Counter != want.Counter {
		panic(fmt.Sprintf("dag: AppendChange out of order for client %d: got counter %d, want %d", client, ops[0].ID.Counter, want.Counter))
	}
	ch := Change{ID: want, Len: total, Deps: deps.Clone(), Ops: ops}
	s.changes[client] = append(s.changes[client], ch)
	return ids.OpID{Client: client, Counter: want.Counter + total - 1}
}

// AppendLocalOps appends a single-client change to the store with the deps
// the caller passes (a TextContainer passes its own head). This is the
// entry point a TextContainer uses for local edits (container.LogStoreRef).
func (s *Store) AppendLocalOps(deps ids.Frontier, ops []op.Op) ids.OpID {
	return s.AppendChange(deps, ops)
}

// Closure implements container.LogStoreRef.
func (s *Store) Closure(f ids.Frontier) ids.VersionVector {
	return Closure(s, f)
}

// ChangeAt implements Source.
func (s *Store) ChangeAt(client ids.ClientID, counter ids.Counter) (Change, bool) {
	cs := s.changes[client]
	i := sort.Search(len(cs), func(i int) bool { return cs[i].ID.Counter+cs[i].Len > counter })
	if i >= len(cs) || cs[i].ID.Counter > counter {
		return Change{}, false
	}
	return cs[i], true
}

// FindCommonAncestor implements the HistoryDag facade (spec §4.5).
func (s *Store) FindCommonAncestor(a, b ids.Frontier) ids.Frontier {
	return CommonAncestor(s, a, b)
}

// FindPath implements the HistoryDag facade (spec §4.5).
func (s *Store) FindPath(from, to ids.Frontier) PathResult {
	return FindPath(s, from, to)
}

// IterOpsAtIdSpan returns the ops targeting containerIdx within span, in
// counter order, sub-sliced to exactly span's bounds.
func (s *Store) IterOpsAtIdSpan(span ids.IdSpan, containerIdx uint32) []op.Op {
	var out []op.Op
	cursor := span.From
	for cursor < span.To {
		ch, ok := s.ChangeAt(span.Client, cursor)
		if !ok {
			break
		}
		chSpan := ch.Span()
		end := span.To
		if chSpan.To < end {
			end = chSpan.To
		}
		for _, o := range ch.Ops {
			if o.ContainerIdx != containerIdx {
				continue
			}
			os := o.Span()
			lo, hi := os.From, os.To
			if lo < cursor {
				lo = cursor
			}
			if hi > end {
				hi = end
			}
			if hi > lo {
				out = append(out, o.Sub(lo, hi))
			}
		}
		cursor = end
	}
	return out
}

// IterPartial implements the HistoryDag facade (spec §4.5).
func (s *Store) IterPartial(from ids.Frontier, rightPath []ids.IdSpan) []ChangeSlice {
	return IterPartial(s, from, rightPath)
}

// VersionVector returns the current version vector across every client
// this store has ever recorded a change for.
func (s *Store) VersionVector() ids.VersionVector {
	vv := ids.NewVersionVector()
	for client, cs := range s.changes {
		if len(cs) == 0 {
			continue
		}
		last := cs[len(cs)-1]
		vv[client] = last.ID.Counter + last.Len
	}
	return vv
}

// Frontier returns the store's own "head": the antichain of maximal
// observed ops. A client's tip is dropped when another client's tip
// already covers it causally — a frontier never carries dominated entries.
func (s *Store) Frontier() ids.Frontier {
	tips := s.VersionVector().Head()
	var out ids.Frontier
	for i, id := range tips {
		dominated := false
		for j, other := range tips {
			if i != j && Closure(s, ids.Frontier{other}).Includes(id) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, id)
		}
	}
	return out
}

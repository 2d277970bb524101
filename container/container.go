// Package container implements TextContainer, the per-document orchestrator
// that ties the StringPool, the sequence state, and the tracker together
// into the merge procedure described by spec §4.4: local edits go straight
// to the sequence state; remote edits are merged in by picking the
// cheapest of three paths depending on how far the container's own history
// has diverged from the target frontier.
package container

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Polqt/crdtcollab/dag"
	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/op"
	"github.com/Polqt/crdtcollab/pool"
	"github.com/Polqt/crdtcollab/sequence"
	"github.com/Polqt/crdtcollab/tracker"
)

// LogStoreRef is everything a TextContainer needs from the causal history
// keeper that owns it. It mirrors the original engine's LogStoreWeakRef:
// the container never owns its log store outright (many containers share
// one), so it only ever sees this narrow facade (SPEC_FULL.md §C.1).
type LogStoreRef interface {
	NextID(client ids.ClientID) ids.OpID
	AppendLocalOps(deps ids.Frontier, ops []op.Op) ids.OpID
	FindCommonAncestor(a, b ids.Frontier) ids.Frontier
	FindPath(from, to ids.Frontier) dag.PathResult
	IterOpsAtIdSpan(span ids.IdSpan, containerIdx uint32) []op.Op
	IterPartial(from ids.Frontier, rightPath []ids.IdSpan) []dag.ChangeSlice
	Closure(f ids.Frontier) ids.VersionVector
}

// Verifier models the original engine's RawStore-level MAC verification of
// incoming changes (SPEC_FULL.md §C.3). Signing and verification are out of
// scope for this engine (spec §1's non-goals); AlwaysValid is the only
// implementation, standing in for that external concern so the container's
// Apply contract has a place to call it without this package owning any
// cryptography.
type Verifier interface {
	Verify(span ids.IdSpan) bool
}

// AlwaysValid is a Verifier that accepts everything.
type AlwaysValid struct{}

// Verify implements Verifier.
func (AlwaysValid) Verify(ids.IdSpan) bool { return true }

// ErrVerifyFailed is returned by Apply when the configured Verifier rejects
// a span on the merge path. The merge aborts before any state mutation.
var ErrVerifyFailed = errors.New("container: change verification failed")

// DebugLog, when non-nil, receives merge-procedure tracing: which path a
// merge took and how many effects it produced. The engine is silent by
// default; orchestration layers can point this at their logger.
var DebugLog *slog.Logger

func debugf(msg string, args ...any) {
	if DebugLog != nil {
		DebugLog.Debug(msg, args...)
	}
}

// TextContainer is one collaboratively edited text document.
type TextContainer struct {
	idx    uint32
	client ids.ClientID

	pool *pool.StringPool
	seq  *sequence.State

	head ids.Frontier

	verifier    Verifier
	resetOffset ids.Counter
}

// Option configures a TextContainer.
type Option func(*TextContainer)

// WithVerifier installs a change verifier consulted on every merge path
// span before any state is touched.
func WithVerifier(v Verifier) Option {
	return func(c *TextContainer) { c.verifier = v }
}

// WithResetOffset overrides the counter offset handed to trackers built for
// slow-path replays. Any disjoint sub-range of the counter space works; the
// default leaves equal room for forward and retroactive history.
func WithResetOffset(offset ids.Counter) Option {
	return func(c *TextContainer) { c.resetOffset = offset }
}

// New returns an empty text container owned by client, addressed as idx
// within its document's container table.
func New(idx uint32, client ids.ClientID, opts ...Option) *TextContainer {
	c := &TextContainer{
		idx:         idx,
		client:      client,
		pool:        pool.New(),
		seq:         sequence.New(),
		verifier:    AlwaysValid{},
		resetOffset: tracker.ResetCounterOffset,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContainerIdx returns this container's index within its document.
func (c *TextContainer) ContainerIdx() uint32 { return c.idx }

// Head returns the frontier of every op this container has locally
// integrated.
func (c *TextContainer) Head() ids.Frontier { return c.head.Clone() }

// TextLen returns the number of live bytes in the document.
func (c *TextContainer) TextLen() int { return c.seq.Len() }

// GetValue materializes the current visible text.
func (c *TextContainer) GetValue() string {
	var b strings.Builder
	c.seq.Iter(func(r sequence.Run) bool {
		b.Write(c.pool.Get(r.Range))
		return true
	})
	return b.String()
}

// Insert records a local insertion of text at live position pos, mints a
// new op id from log, and applies it to the local sequence state
// immediately (spec §4.1: local edits never go through the tracker).
// Inserting empty text is a silent no-op; ok is false and no id is minted.
func (c *TextContainer) Insert(log LogStoreRef, pos int, text string) (ids.OpID, bool) {
	if pos < 0 || pos > c.seq.Len() {
		panic("container: insert position out of range")
	}
	if text == "" {
		return ids.OpID{}, false
	}
	id := log.NextID(c.client)
	run := c.pool.AllocString(text)
	c.seq.Insert(pos, run)

	wire := op.Op{ID: id, ContainerIdx: c.idx, Content: op.Insert{Pos: uint32(pos), Slice: op.SliceFromRange(run)}}
	c.ToExport(&wire)
	last := log.AppendLocalOps(c.head, []op.Op{wire})
	c.head = ids.Frontier{last}
	return id, true
}

// Delete records a local deletion of length characters starting at live
// position pos. A zero-length delete is a silent no-op; ok is false and no
// id is minted.
func (c *TextContainer) Delete(log LogStoreRef, pos, length int) (ids.OpID, bool) {
	if pos < 0 || length < 0 || pos+length > c.seq.Len() {
		panic("container: delete range out of bounds")
	}
	if length == 0 {
		return ids.OpID{}, false
	}
	id := log.NextID(c.client)
	c.seq.DeleteRange(pos, pos+length)

	o := op.Op{ID: id, ContainerIdx: c.idx, Content: op.Delete{Pos: uint32(pos), Len: uint32(length)}}
	last := log.AppendLocalOps(c.head, []op.Op{o})
	c.head = ids.Frontier{last}
	return id, true
}

// Apply merges remote history up to target into this container (spec
// §4.4). It picks the cheapest of two strategies:
//
//   - if target is already this container's head, it's a no-op;
//   - if this container's head causally precedes target (path.Left is
//     empty — nothing local is missing from target's closure) AND every
//     change slice along the path needs no retreat/forward relative to the
//     slice before it, the new ops are pairwise non-concurrent with
//     anything already visible and apply directly to the sequence state in
//     causal order (fast paths 1 and 2 collapse into one case here: a
//     single client's straight linear run, or several clients' disjoint,
//     non-reordering runs, both show up as an all-empty retreat/forward
//     walk);
//   - otherwise, the histories have genuinely diverged — at least one op
//     on the path is concurrent with something this container already
//     shows the user, so a tracker replay is required to resolve ordering
//     (the slow path).
//
// path.Left == 0 alone is necessary but not sufficient for the fast path:
// it only says this container's own history is fully known to target, not
// that target's new ops are free of concurrency with each other. Two
// concurrent remote ops can both land in path.Right with path.Left empty
// (neither depends on anything this container doesn't already have), yet
// still need the tracker to order them against one another and against
// what's already visible — that's exactly what each slice's Retreat/
// Forward sets reveal.
func (c *TextContainer) Apply(log LogStoreRef, target ids.Frontier) error {
	if target.Equal(c.head) {
		return nil
	}
	path := log.FindPath(c.head, target)
	if len(path.Right) == 0 {
		// Everything in target is already integrated; in particular an op
		// whose id is already covered is a no-op on state, head, and vv.
		return nil
	}
	for _, span := range path.Right {
		if !c.verifier.Verify(span) {
			return fmt.Errorf("%w: span %v", ErrVerifyFailed, span)
		}
	}
	if len(path.Left) == 0 {
		if slices, ok := fastForwardSlices(log, c.head, path.Right); ok {
			debugf("merge fast-forward", "container", c.idx, "slices", len(slices))
			c.applyFastForward(slices)
			c.head = target.Clone()
			return nil
		}
	}
	c.applySlowPath(log, target, path)
	c.head = c.mergedHead(log, target)
	return nil
}

// mergedHead reduces head ∪ target to an antichain: any op causally
// dominated by another member (or duplicated) is dropped. This is the
// "latest_head" of spec §4.4's slow path — on a divergent merge neither
// frontier alone describes the merged state.
func (c *TextContainer) mergedHead(log LogStoreRef, target ids.Frontier) ids.Frontier {
	union := append(c.head.Clone(), target...)
	var out ids.Frontier
	for i, id := range union {
		dominated := false
		for j, other := range union {
			if i == j {
				continue
			}
			if other == id {
				if j < i {
					dominated = true
					break
				}
				continue
			}
			if log.Closure(ids.Frontier{other}).Includes(id) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, id)
		}
	}
	return out.Sorted()
}

// fastForwardSlices walks rightPath and returns its change slices, plus
// whether every one of them needs an empty retreat and forward set — the
// condition under which applying them directly to the sequence state,
// slice by slice, produces the same result as a full tracker replay.
func fastForwardSlices(log LogStoreRef, head ids.Frontier, rightPath []ids.IdSpan) ([]dag.ChangeSlice, bool) {
	slices := log.IterPartial(head, rightPath)
	for _, slice := range slices {
		if len(slice.Retreat) != 0 || len(slice.Forward) != 0 {
			return nil, false
		}
	}
	return slices, true
}

func (c *TextContainer) applyFastForward(slices []dag.ChangeSlice) {
	for _, slice := range slices {
		for _, o := range slice.Ops {
			c.applyOpDirect(o)
		}
	}
}

func (c *TextContainer) applyOpDirect(o op.Op) {
	if o.ContainerIdx != c.idx {
		return
	}
	switch content := o.Content.(type) {
	case op.Insert:
		c.ToImport(&o)
		ins, _ := o.AsInsert()
		c.seq.Insert(int(content.Pos), ins.Slice.Range)
	case op.Delete:
		c.seq.DeleteRange(int(content.Pos), int(content.Pos+content.Len))
	default:
		panic(fmt.Sprintf("container: unknown op content %T", o.Content))
	}
}

// applySlowPath rebuilds a tracker spanning the full causal union of this
// container's head and target, teaches it every op in that union from the
// true root, checks it out to this container's own head as a baseline,
// then walks it forward to target, applying only the net effects that
// produces (spec §4.4 stage 1 / stage 2).
//
// It deliberately does not use FindCommonAncestor(head, target) to scope
// what gets taught. In the ordinary incremental-merge shape this container
// is built for, target is always head plus newly-learned content, so
// head's own closure is always a subset of target's closure — meaning
// CommonAncestor(head, target) is always head itself, regardless of
// whether head's own unique tip op is concurrent with something in
// path.Right. Starting the tracker's baseline there would bake head's tip
// in as an un-taught, opaque prefix, so a remote op concurrent with it
// (spec scenario two clients inserting at the same position from empty)
// would integrate against an empty neighbor view instead of resolving the
// tie-break against it. Teaching from the root every time is the always-
// correct, if less optimal, choice — see DESIGN.md.
func (c *TextContainer) applySlowPath(log LogStoreRef, target ids.Frontier, path dag.PathResult) {
	headVV := log.Closure(c.head)
	merged := headVV.Merge(log.Closure(target))

	var combined []ids.IdSpan
	for client, ctr := range merged {
		if ctr > 0 {
			combined = append(combined, ids.NewIdSpan(client, 0, ctr))
		}
	}

	t := tracker.New(ids.NewVersionVector(), c.resetOffset)
	for _, slice := range log.IterPartial(nil, combined) {
		t.Retreat(slice.Retreat)
		t.Forward(slice.Forward)
		for _, o := range slice.Ops {
			if o.ContainerIdx != c.idx {
				continue
			}
			c.applyOpToTracker(t, o)
		}
	}

	t.Checkout(headVV)
	effects := tracker.IterEffects(t, path.Right)
	debugf("merge replay", "container", c.idx, "effects", len(effects))
	for _, e := range effects {
		if e.IsDelete {
			c.seq.DeleteRange(e.Pos, e.Pos+e.DelLen)
		} else {
			c.seq.Insert(e.Pos, e.Payload)
		}
	}
}

func (c *TextContainer) applyOpToTracker(t *tracker.Tracker, o op.Op) {
	switch content := o.Content.(type) {
	case op.Insert:
		c.ToImport(&o)
		ins, _ := o.AsInsert()
		t.Apply(o.ID, tracker.Insert{Pos: int(content.Pos), Range: ins.Slice.Range})
	case op.Delete:
		t.Apply(o.ID, tracker.Delete{Pos: int(content.Pos), Len: int(content.Len)})
	default:
		panic(fmt.Sprintf("container: unknown op content %T", o.Content))
	}
}

// ErrCheckoutUnsupported is returned by CheckoutVersion: moving the visible
// state to an arbitrary historical frontier is not implemented.
var ErrCheckoutUnsupported = errors.New("container: checkout to arbitrary version is not supported")

// CheckoutVersion would move the visible state to an arbitrary frontier of
// the container's history. The surface exists for API parity and always
// fails.
func (c *TextContainer) CheckoutVersion(ids.Frontier) error {
	return ErrCheckoutUnsupported
}

// ToExport rewrites op for the wire, replacing pool-backed content with raw
// bytes (spec §6).
func (c *TextContainer) ToExport(o *op.Op) {
	op.ToExport(o, c.pool.Get)
}

// ToImport rewrites a wire op for local storage, allocating its raw bytes
// into this container's pool (spec §6).
func (c *TextContainer) ToImport(o *op.Op) {
	op.ToImport(o, c.pool.Alloc)
}

// Package tracker implements the yata-style replay engine at the heart of
// the text CRDT merge procedure (spec §4.3): it keeps every item ever
// inserted, live or tombstoned, in a convergent total order; it can retreat
// or forward a virtual cursor across that history; and it can replay a path
// of changes, emitting only the net effects needed to bring a materialized
// sequence in line with a target frontier.
package tracker

import (
	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/pool"
)

// Tracker is a replay engine over one container's insert/delete history.
// It is not thread-safe; callers (the TextContainer) serialize access.
type Tracker struct {
	// fresh is true until the first op is applied: a fresh tracker sits at
	// its start VV with nothing to retreat or forward (spec §4.3's state
	// machine: fresh → cursored on first apply).
	fresh bool

	startVV ids.VersionVector // earliest history this tracker can represent
	curVV   ids.VersionVector // cursor position: what's currently forwarded
	allVV   ids.VersionVector // every op ever applied to this tracker

	// resetOffset is recorded for parity with the original engine's
	// Tracker::new(start_vv, start_counter) signature and as a reserved
	// disjoint id-space for any future retroactive-insert bookkeeping;
	// this implementation addresses every item by its real (client,
	// counter) pair, so the offset has no effect on today's algorithms
	// beyond being carried on the value (spec §9 open question).
	resetOffset ids.Counter

	head, tail *Item                    // structural order: every insert item, live or not
	timeline   map[ids.ClientID][]*Item // per client, every item (insert or delete), sorted by starting counter
}

// ResetCounterOffset is the reset offset this package uses when the
// container decides a tracker must be rebuilt from a new ancestor VV: half
// of the representable counter space, matching the original engine's
// Counter::MAX / 2 (spec §9 permits any disjoint sub-range; this one is
// chosen to leave equal room for forward and retroactive history).
const ResetCounterOffset = ids.MaxCounter / 2

// New returns a fresh tracker whose domain begins at startVV.
func New(startVV ids.VersionVector, resetOffset ids.Counter) *Tracker {
	return &Tracker{
		fresh:       true,
		startVV:     startVV.Clone(),
		curVV:       startVV.Clone(),
		allVV:       startVV.Clone(),
		resetOffset: resetOffset,
		timeline:    make(map[ids.ClientID][]*Item),
	}
}

// StartVV returns the earliest version vector this tracker can represent.
func (t *Tracker) StartVV() ids.VersionVector { return t.startVV.Clone() }

// CurrentVV returns the tracker's cursor position.
func (t *Tracker) CurrentVV() ids.VersionVector { return t.curVV.Clone() }

// AllVV returns the version vector of every op ever applied to this
// tracker, regardless of current retreat state.
func (t *Tracker) AllVV() ids.VersionVector { return t.allVV.Clone() }

// IsFresh reports whether the tracker has never been taught an op.
func (t *Tracker) IsFresh() bool { return t.fresh }

// Contains reports whether id falls within this tracker's representable
// domain: at or after its start, and at or before everything it has ever
// seen.
func (t *Tracker) Contains(id ids.OpID) bool {
	return t.startVV.Get(id.Client) <= id.Counter && t.allVV.Includes(id)
}

// index records it in the per-client timeline, keeping the slice sorted by
// starting counter.
func (t *Tracker) index(it *Item) {
	list := t.timeline[it.id.Client]
	i := searchItems(list, it.id.Counter) + 1
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = it
	t.timeline[it.id.Client] = list
}

// Content is the subset of op content the tracker acts on: an insert of a
// given length at a live position, or a delete of a given length at a live
// position.
type Content interface{ isTrackerContent() }

// Insert is the tracker's view of an insert: its live position and the
// StringPool range backing its content. The range's length, not a separate
// field, is what determines how many atoms this insert occupies.
type Insert struct {
	Pos   int
	Range pool.Range
}

func (Insert) isTrackerContent() {}

// Delete is the tracker's view of a delete.
type Delete struct {
	Pos int
	Len int
}

func (Delete) isTrackerContent() {}

// Apply integrates a new local or remote op into the tracker at its
// position in the total order, extending every version vector to include
// it (spec §4.3, "Operation application"). The op must be the next unseen
// op for its client.
func (t *Tracker) Apply(id ids.OpID, content Content) {
	t.fresh = false
	switch c := content.(type) {
	case Insert:
		t.applyInsert(id, c.Pos, c.Range)
	case Delete:
		t.applyDelete(id, c.Pos, c.Len)
	default:
		panic("tracker: unknown content type")
	}
	span := ids.NewIdSpan(id.Client, id.Counter, id.Counter+ids.Counter(contentLen(content)))
	t.curVV.Extend(span)
	t.allVV.Extend(span)
}

func contentLen(c Content) int {
	switch v := c.(type) {
	case Insert:
		return v.Range.Len()
	case Delete:
		return v.Len
	default:
		panic("tracker: unknown content type")
	}
}

// liveNeighbors walks the structural list to find the items immediately
// before and after live position pos. Either may be nil, meaning the
// document's start or end.
func (t *Tracker) liveNeighbors(pos int) (left, right *Item) {
	remaining := pos
	cur := t.head
	for cur != nil {
		if cur.visible() {
			if remaining == 0 {
				return left, cur
			}
			if remaining < cur.length {
				// pos falls inside cur: split so the boundary is exact.
				tail := t.splitItem(cur, remaining)
				return cur, tail
			}
			remaining -= cur.length
			left = cur
		}
		cur = cur.next
	}
	if remaining != 0 {
		panic("tracker: insert position out of bounds")
	}
	return left, nil
}

// livePositionOf returns it's offset in the current visible sequence. it
// itself may be visible or not; the position returned is where it sits (or
// would sit) relative to everything before it.
func (t *Tracker) livePositionOf(it *Item) int {
	pos := 0
	for cur := t.head; cur != it; cur = cur.next {
		if cur == nil {
			panic("tracker: item not found in structural list")
		}
		if cur.visible() {
			pos += cur.length
		}
	}
	return pos
}

func lastAtomID(it *Item) (ids.OpID, bool) {
	if it == nil {
		return ids.OpID{}, false
	}
	return ids.OpID{Client: it.id.Client, Counter: it.id.Counter + ids.Counter(it.length) - 1}, true
}

func firstAtomID(it *Item) (ids.OpID, bool) {
	if it == nil {
		return ids.OpID{}, false
	}
	return it.id, true
}

// integrate finds the item x should be spliced after, given the left/right
// neighbors live at x's insertion position, using the yata tie-break rule
// (spec §4.3): concurrent inserts at the same position are ordered by
// origin chain, with client id breaking ties between siblings.
//
// Because x's own origin_left is always exactly the left neighbor found at
// insertion time, the general conflict-resolution scan reduces to a single
// forward pass from just after left to right: track the set of candidates'
// origin_left ids seen so far, and stop as soon as a candidate is found
// whose origin_left and origin_right both equal x's and whose client id is
// greater than x's (x wins the tie-break and goes first), or whose origin_left was already seen in this scan (meaning it lies
// strictly between x's origin_left and itself, so x must have come first).
func (t *Tracker) integrate(x *Item, left, right *Item) *Item {
	anchor := left
	seen := make(map[ids.OpID]bool)
	// Origin pointers name single atoms, which can sit anywhere inside a
	// multi-atom candidate, so every atom of a passed candidate goes into
	// the seen set — not just its first.
	markSeen := func(it *Item) {
		for i := 0; i < it.length; i++ {
			seen[ids.OpID{Client: it.id.Client, Counter: it.id.Counter + ids.Counter(i)}] = true
		}
	}
	cur := structuralNext(left, t)
	for cur != nil && cur != right {
		switch {
		case cur.hasOriginLeft == x.hasOriginLeft && (!cur.hasOriginLeft || cur.originLeft == x.originLeft):
			sameRight := cur.hasOriginRight == x.hasOriginRight && (!cur.hasOriginRight || cur.originRight == x.originRight)
			if sameRight && x.id.Client < cur.id.Client {
				return anchor
			}
			markSeen(cur)
			anchor = cur
		default:
			if cur.hasOriginLeft && seen[cur.originLeft] {
				return anchor
			}
			markSeen(cur)
			anchor = cur
		}
		cur = cur.next
	}
	return anchor
}

// structuralNext returns the item immediately after left in the structural
// list, or the document head if left is nil.
func structuralNext(left *Item, t *Tracker) *Item {
	if left == nil {
		return t.head
	}
	return left.next
}

func (t *Tracker) applyInsert(id ids.OpID, pos int, payload pool.Range) {
	left, right := t.liveNeighbors(pos)
	olID, hasOL := lastAtomID(left)
	orID, hasOR := firstAtomID(right)

	it := &Item{
		id:             id,
		length:         payload.Len(),
		payload:        payload,
		hasOriginLeft:  hasOL,
		originLeft:     olID,
		hasOriginRight: hasOR,
		originRight:    orID,
	}

	anchor := t.integrate(it, left, right)
	t.insertAfter(anchor, it)
	t.index(it)
}

func (t *Tracker) applyDelete(id ids.OpID, pos, length int) {
	items := t.liveItemsInRange(pos, pos+length)
	spans := make([]ids.IdSpan, 0, len(items))
	for _, target := range items {
		target.deleteCount++
		spans = append(spans, target.span())
	}
	t.index(&Item{id: id, length: length, isDelete: true, targets: spans})
}

// liveItemsInRange returns the insert items currently covering live
// positions [start, end) in document order, splitting item boundaries as
// needed so each returned item lies wholly inside the range.
func (t *Tracker) liveItemsInRange(start, end int) []*Item {
	if end <= start {
		return nil
	}
	var out []*Item
	covered := 0
	pos := 0
	cur := t.head
	for cur != nil && pos < end {
		if !cur.visible() {
			cur = cur.next
			continue
		}
		itemStart, itemEnd := pos, pos+cur.length
		if itemEnd <= start {
			pos = itemEnd
			cur = cur.next
			continue
		}
		lo, hi := start, end
		if lo < itemStart {
			lo = itemStart
		}
		if hi > itemEnd {
			hi = itemEnd
		}
		if lo > itemStart {
			cur = t.splitItem(cur, lo-itemStart)
			itemStart = lo
		}
		if hi < itemEnd {
			t.splitItem(cur, hi-itemStart)
		}
		out = append(out, cur)
		covered += cur.length
		pos = itemStart + cur.length
		cur = cur.next
	}
	if covered != end-start {
		panic("tracker: delete range not fully covered by live items")
	}
	return out
}

// Retreat moves ops in spans out of the visible/live state: inserts become
// future, and deletes release their hold on whatever they targeted (spec
// §4.3, "retreat").
func (t *Tracker) Retreat(spans []ids.IdSpan) {
	for _, span := range spans {
		for _, it := range t.itemsInSpan(span) {
			if it.isDelete {
				for _, targetSpan := range it.targets {
					for _, target := range t.itemsInSpan(targetSpan) {
						if target.deleteCount == 0 {
							panic("tracker: retreat would make deleteCount negative")
						}
						target.deleteCount--
					}
				}
			} else {
				it.futureCount++
			}
		}
		t.curVV.Retreat([]ids.IdSpan{span})
	}
}

// Forward moves ops in spans back into the visible/live state (spec §4.3,
// "forward"), the inverse of Retreat.
func (t *Tracker) Forward(spans []ids.IdSpan) {
	for _, span := range spans {
		for _, it := range t.itemsInSpan(span) {
			if it.isDelete {
				for _, targetSpan := range it.targets {
					for _, target := range t.itemsInSpan(targetSpan) {
						target.deleteCount++
					}
				}
			} else {
				if it.futureCount == 0 {
					panic("tracker: forward would make futureCount negative")
				}
				it.futureCount--
			}
		}
		t.curVV.Forward([]ids.IdSpan{span})
	}
}

// Checkout moves the tracker's cursor to vv, retreating or forwarding
// whatever differs between the current cursor and vv.
func (t *Tracker) Checkout(vv ids.VersionVector) {
	retreat := vvDiffSpans(t.curVV, vv)
	forward := vvDiffSpans(vv, t.curVV)
	t.Retreat(retreat)
	t.Forward(forward)
}

// VisibleRuns returns every currently-visible item in document order,
// paired with its live starting position and the StringPool range backing
// its content.
func (t *Tracker) VisibleRuns() []VisibleRun {
	var out []VisibleRun
	pos := 0
	for cur := t.head; cur != nil; cur = cur.next {
		if cur.visible() {
			out = append(out, VisibleRun{ID: cur.id, Pos: pos, Len: cur.length, Payload: cur.payload})
			pos += cur.length
		}
	}
	return out
}

// VisibleRun is one contiguous run of currently-visible content.
type VisibleRun struct {
	ID      ids.OpID
	Pos     int
	Len     int
	Payload pool.Range
}

// vvDiffSpans returns the spans present in minuend but not subtrahend, per
// client.
func vvDiffSpans(minuend, subtrahend ids.VersionVector) []ids.IdSpan {
	var spans []ids.IdSpan
	for client, ctr := range minuend {
		base := subtrahend.Get(client)
		if ctr > base {
			spans = append(spans, ids.NewIdSpan(client, base, ctr))
		}
	}
	return spans
}

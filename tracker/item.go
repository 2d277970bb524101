package tracker

import (
	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/pool"
)

// Item is one insert's worth of content in the tracker's total order: every
// item ever inserted, live or tombstoned, stays in this structure forever
// (spec §3, "Tracker content model"). Items form a doubly linked list in
// the convergent yata order; an Item never moves once placed — deletes and
// retreats only toggle its status fields.
type Item struct {
	id     ids.OpID
	length int

	// payload is the StringPool range backing this item's content. Unset
	// (zero value) for delete pseudo-items.
	payload pool.Range

	hasOriginLeft  bool
	originLeft     ids.OpID
	hasOriginRight bool
	originRight    ids.OpID

	// futureCount > 0 means this item's own insert op has been retreated:
	// it was created after the tracker's current cursor position, so it
	// must not contribute to the visible sequence yet.
	futureCount int
	// deleteCount > 0 means at least one live delete currently targets
	// this item. Multiple concurrent deletes of the same item are
	// possible; the count, not a boolean, is what retreat/forward toggle.
	deleteCount int

	prev, next *Item

	// isDelete marks this as a delete pseudo-item: its id/length address a
	// delete op's own counter range so it can share the per-client
	// timeline's search/split machinery with insert items, but it never
	// joins the prev/next structural list and carries no origin pointers.
	// targets holds the id spans of the insert atoms this delete covers,
	// in document order; their lengths sum to this item's length. Spans,
	// not item pointers, so that a target item split after the delete was
	// recorded still resolves to all of its pieces (splitItem copies
	// deleteCount to both halves, and span resolution finds both).
	isDelete bool
	targets  []ids.IdSpan
}

// span returns the IdSpan this item's own insert occupies.
func (it *Item) span() ids.IdSpan {
	return ids.NewIdSpan(it.id.Client, it.id.Counter, it.id.Counter+ids.Counter(it.length))
}

// visible reports whether the item currently contributes to the
// materialized sequence: its insert has been forwarded, and no live delete
// currently targets it.
func (it *Item) visible() bool {
	return it.futureCount == 0 && it.deleteCount == 0
}

// insertAfter splices it into the list immediately after anchor (anchor may
// be nil, meaning it becomes the new head).
func (t *Tracker) insertAfter(anchor, it *Item) {
	if anchor == nil {
		it.next = t.head
		it.prev = nil
		if t.head != nil {
			t.head.prev = it
		}
		t.head = it
		if t.tail == nil {
			t.tail = it
		}
		return
	}
	it.next = anchor.next
	it.prev = anchor
	if anchor.next != nil {
		anchor.next.prev = it
	} else {
		t.tail = it
	}
	anchor.next = it
}

// splitItem splits it at offset (0 < offset < it.length) into two items:
// it keeps [0, offset) and a new tail item takes [offset, length). Both
// halves start with the same visibility status it had before the split,
// and the tail is spliced in immediately after it.
//
// Splitting never changes anyone's relative order: the two halves occupy
// exactly the structural position the whole item used to. Only the origin
// pointers of the boundary need adjusting, since the tail's immediate left
// neighbor is now the head half rather than whatever the original item's
// origin_left was.
func (t *Tracker) splitItem(it *Item, offset int) *Item {
	if it.isDelete {
		headSpans, tailSpans := splitTargetSpans(it.targets, offset)
		tail := &Item{
			id:       ids.OpID{Client: it.id.Client, Counter: it.id.Counter + ids.Counter(offset)},
			length:   it.length - offset,
			isDelete: true,
			targets:  tailSpans,
		}
		it.length = offset
		it.targets = headSpans
		t.index(tail)
		return tail
	}

	tail := &Item{
		id:             ids.OpID{Client: it.id.Client, Counter: it.id.Counter + ids.Counter(offset)},
		length:         it.length - offset,
		payload:        it.payload.Sub(uint32(offset), uint32(it.length)),
		hasOriginLeft:  true,
		originLeft:     ids.OpID{Client: it.id.Client, Counter: it.id.Counter + ids.Counter(offset) - 1},
		hasOriginRight: it.hasOriginRight,
		originRight:    it.originRight,
		futureCount:    it.futureCount,
		deleteCount:    it.deleteCount,
	}
	it.payload = it.payload.Sub(0, uint32(offset))
	it.length = offset
	it.hasOriginRight = true
	it.originRight = tail.id

	t.insertAfter(it, tail)
	t.index(tail)
	return tail
}

// splitTargetSpans splits a delete's target span list at the given atom
// offset, so each half of a split delete pseudo-item keeps exactly the
// spans its own atoms cover.
func splitTargetSpans(spans []ids.IdSpan, offset int) (head, tail []ids.IdSpan) {
	remaining := offset
	for _, s := range spans {
		n := s.Len()
		switch {
		case remaining >= n:
			head = append(head, s)
			remaining -= n
		case remaining > 0:
			mid := s.From + ids.Counter(remaining)
			head = append(head, s.Sub(s.From, mid))
			tail = append(tail, s.Sub(mid, s.To))
			remaining = 0
		default:
			tail = append(tail, s)
		}
	}
	return head, tail
}

// itemsInSpan returns the items intersecting span, splitting at both
// boundaries as needed so every returned item lies wholly inside span. The
// items are walked via the per-client timeline, not the structural
// prev/next list: span addresses one client's own counter range, which is
// unrelated to document order.
//
// Gaps are skipped, not an error: retreat/forward spans come from DAG
// paths that cover a client's whole counter range, including ops belonging
// to other containers that this tracker has never seen.
func (t *Tracker) itemsInSpan(span ids.IdSpan) []*Item {
	if span.IsEmpty() {
		return nil
	}
	var out []*Item
	i := searchItems(t.timeline[span.Client], span.From)
	if i < 0 {
		i = 0
	}
	for ; i < len(t.timeline[span.Client]); i++ {
		cur := t.timeline[span.Client][i]
		if cur.id.Counter >= span.To {
			break
		}
		end := cur.id.Counter + ids.Counter(cur.length)
		if end <= span.From {
			continue
		}
		if cur.id.Counter < span.From {
			// keep the prefix outside the span as cur; the next iteration
			// picks up the tail, which starts exactly at span.From.
			t.splitItem(cur, int(span.From-cur.id.Counter))
			continue
		}
		if end > span.To {
			t.splitItem(cur, int(span.To-cur.id.Counter))
		}
		out = append(out, cur)
	}
	return out
}

// searchItems returns the index of the last item in a client's list whose
// starting counter is <= target, via binary search (list is kept sorted by
// starting counter, spec's id-index requirement of O(log n) lookups).
func searchItems(list []*Item, target ids.Counter) int {
	lo, hi := 0, len(list)
	for lo < hi {
		mid := (lo + hi) / 2
		if list[mid].id.Counter <= target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// Package op defines the wire and local shapes of the operations a text
// container exchanges: Insert and Delete, and the ListSlice payload union
// that addresses inserted text either by StringPool range (local), raw bytes
// (wire), or length-only placeholder (partially-synced remote content).
package op

import (
	"fmt"

	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/pool"
)

// SliceKind tags which variant a ListSlice holds.
type SliceKind int

const (
	// KindKnownRange is the local form: a StringPool byte range.
	KindKnownRange SliceKind = iota
	// KindRawStr is the wire form: raw bytes, not yet pool-allocated.
	KindRawStr
	// KindUnknown is a length-only placeholder for content this replica
	// has not received the text of.
	KindUnknown
)

// ListSlice is the insert payload union. Invariant (spec §3): local storage
// never holds RawStr or Unknown; wire encoding never holds KnownRange.
type ListSlice struct {
	Kind  SliceKind
	Range pool.Range // valid when Kind == KindKnownRange
	Raw   []byte     // valid when Kind == KindRawStr
	N     int        // valid when Kind == KindUnknown
}

// SliceFromRange builds a local-form slice addressing a pool range.
func SliceFromRange(r pool.Range) ListSlice {
	return ListSlice{Kind: KindKnownRange, Range: r}
}

// SliceFromRaw builds a wire-form slice from raw bytes.
func SliceFromRaw(b []byte) ListSlice {
	return ListSlice{Kind: KindRawStr, Raw: b}
}

// SliceUnknown builds a placeholder slice of length n.
func SliceUnknown(n int) ListSlice {
	return ListSlice{Kind: KindUnknown, N: n}
}

// Len returns the number of atoms (characters/bytes) the slice covers.
func (s ListSlice) Len() int {
	switch s.Kind {
	case KindKnownRange:
		return s.Range.Len()
	case KindRawStr:
		return len(s.Raw)
	case KindUnknown:
		return s.N
	default:
		return 0
	}
}

// Sub returns the sub-slice [from, to) of s, relative to its own start.
func (s ListSlice) Sub(from, to int) ListSlice {
	switch s.Kind {
	case KindKnownRange:
		return ListSlice{Kind: KindKnownRange, Range: s.Range.Sub(uint32(from), uint32(to))}
	case KindRawStr:
		return ListSlice{Kind: KindRawStr, Raw: s.Raw[from:to]}
	case KindUnknown:
		return ListSlice{Kind: KindUnknown, N: to - from}
	default:
		panic("op: Sub on zero-value ListSlice")
	}
}

// Content is the payload of an Op: either Insert or Delete.
type Content interface {
	// AtomLen returns the number of atoms (counters) this content spans.
	AtomLen() int
	// Sub returns the [from, to) sub-range of the content, relative to
	// the owning Op's own counter span.
	Sub(from, to int) Content
}

// Insert is a logical insert of Slice at live position Pos.
type Insert struct {
	Pos   uint32
	Slice ListSlice
}

// AtomLen implements Content.
func (i Insert) AtomLen() int { return i.Slice.Len() }

// Sub implements Content. Splitting an insert run only changes which part
// of the underlying slice is referenced; Pos is adjusted by the caller
// (Op.Sub) since position semantics live at the Op level, not here.
func (i Insert) Sub(from, to int) Content {
	return Insert{Pos: i.Pos, Slice: i.Slice.Sub(from, to)}
}

// Delete is a delete of Len visible items starting at live position Pos.
type Delete struct {
	Pos uint32
	Len uint32
}

// AtomLen implements Content.
func (d Delete) AtomLen() int { return int(d.Len) }

// Sub implements Content. The position does not shift: a delete run's
// atoms each remove the item at Pos, with everything after it sliding
// left, so any later sub-range of the run applied on top of the earlier
// one still targets the same live position.
func (d Delete) Sub(from, to int) Content {
	return Delete{Pos: d.Pos, Len: uint32(to - from)}
}

// Op is one wire/local operation: an id, the container it targets, and its
// content. A run-length op (an Insert or Delete covering more than one
// atom) occupies the counter range [ID.Counter, ID.Counter+Content.AtomLen()).
type Op struct {
	ID           ids.OpID
	ContainerIdx uint32
	Content      Content
}

// Span returns the IdSpan this op occupies.
func (o Op) Span() ids.IdSpan {
	return ids.NewIdSpan(o.ID.Client, o.ID.Counter, o.ID.Counter+ids.Counter(o.Content.AtomLen()))
}

// Sub returns the [from, to) sub-range of o, in absolute counters. It panics
// if the range isn't contained in o.Span().
func (o Op) Sub(from, to ids.Counter) Op {
	span := o.Span()
	if from < span.From || to > span.To || to < from {
		panic(fmt.Sprintf("op: Sub(%d,%d) out of bounds for span %v", from, to, span))
	}
	rel0, rel1 := int(from-span.From), int(to-span.From)
	content := o.Content.Sub(rel0, rel1)
	if ins, ok := content.(Insert); ok {
		// The run's earlier atoms sit before this sub-range.
		ins.Pos += uint32(rel0)
		content = ins
	}
	return Op{
		ID:           ids.OpID{Client: o.ID.Client, Counter: from},
		ContainerIdx: o.ContainerIdx,
		Content:      content,
	}
}

// AsInsert returns the Insert content and true if o wraps one.
func (o Op) AsInsert() (Insert, bool) {
	i, ok := o.Content.(Insert)
	return i, ok
}

// AsDelete returns the Delete content and true if o wraps one.
func (o Op) AsDelete() (Delete, bool) {
	d, ok := o.Content.(Delete)
	return d, ok
}

// ToExport rewrites an in-place Insert's ListSlice from KindKnownRange to
// KindRawStr by reading through get. Other content, and an Insert whose
// slice is not KindKnownRange, is left untouched (spec §6, to_export).
func ToExport(o *Op, get func(pool.Range) []byte) {
	ins, ok := o.Content.(Insert)
	if !ok || ins.Slice.Kind != KindKnownRange {
		return
	}
	raw := append([]byte(nil), get(ins.Slice.Range)...)
	ins.Slice = SliceFromRaw(raw)
	o.Content = ins
}

// ToImport rewrites an in-place Insert's ListSlice from KindRawStr to
// KindKnownRange by allocating into alloc. Receiving KindKnownRange or
// KindUnknown here is a contract violation (spec §6, to_import) and panics.
func ToImport(o *Op, alloc func([]byte) pool.Range) {
	ins, ok := o.Content.(Insert)
	if !ok {
		return
	}
	switch ins.Slice.Kind {
	case KindRawStr:
		ins.Slice = SliceFromRange(alloc(ins.Slice.Raw))
		o.Content = ins
	case KindKnownRange:
		panic("op: ToImport received a local Slice(range); contract violation")
	case KindUnknown:
		panic("op: ToImport received an Unknown slice; contract violation")
	}
}

// Package pool implements the append-only byte buffer that backs every
// insert payload in the text CRDT engine by reference. Items never store
// their text inline; they store a Range returned by Alloc.
package pool

import "fmt"

// Range is a byte range within a StringPool. Ranges are stable for the
// lifetime of the pool: once returned by Alloc, a Range's bytes never move
// or change.
type Range struct {
	Start uint32
	End   uint32
}

// Len returns the number of bytes the range covers.
func (r Range) Len() int {
	return int(r.End - r.Start)
}

// IsEmpty reports whether the range covers zero bytes.
func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

// Sub returns the sub-range [from, to) of r, expressed as offsets relative
// to r.Start.
func (r Range) Sub(from, to uint32) Range {
	return Range{Start: r.Start + from, End: r.Start + to}
}

// Adjacent reports whether other immediately follows r in storage order,
// i.e. other.Start == r.End. Used by sequence.State to decide whether two
// runs can be coalesced.
func (r Range) Adjacent(other Range) bool {
	return r.End == other.Start
}

// StringPool is an append-only buffer of raw insert payloads. Append is the
// only mutator; on a well-formed replica the pool grows monotonically.
type StringPool struct {
	buf []byte
}

// New returns an empty StringPool.
func New() *StringPool {
	return &StringPool{}
}

// Alloc appends bytes to the pool and returns the range that addresses
// them. The returned range is safe to retain indefinitely.
func (p *StringPool) Alloc(text []byte) Range {
	start := uint32(len(p.buf))
	p.buf = append(p.buf, text...)
	return Range{Start: start, End: uint32(len(p.buf))}
}

// AllocString is a convenience wrapper over Alloc for string payloads.
func (p *StringPool) AllocString(text string) Range {
	return p.Alloc([]byte(text))
}

// Get returns the bytes addressed by r. It panics if r falls outside the
// pool's allocated region; every range returned by Alloc on this pool is
// guaranteed to be in range, so a panic here indicates a protocol error
// (a range minted by a different pool, or a corrupted range).
func (p *StringPool) Get(r Range) []byte {
	if r.IsEmpty() {
		return nil
	}
	if r.Start > uint32(len(p.buf)) || r.End > uint32(len(p.buf)) || r.End < r.Start {
		panic(fmt.Sprintf("pool: range %v out of bounds for pool of length %d", r, len(p.buf)))
	}
	return p.buf[r.Start:r.End]
}

// GetString is a convenience wrapper over Get that returns a string copy.
func (p *StringPool) GetString(r Range) string {
	return string(p.Get(r))
}

// Len returns the number of bytes currently stored in the pool.
func (p *StringPool) Len() int {
	return len(p.buf)
}

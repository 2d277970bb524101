package tracker

import (
	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/pool"
)

// Effect is one net change to the materialized sequence: an insertion of
// content at a live position, or a deletion of a run at a live position.
type Effect struct {
	IsDelete bool
	Pos      int
	Payload  pool.Range // valid when !IsDelete
	DelLen   int        // valid when IsDelete
}

// IterEffects forwards the tracker over spans (normally the right side of a
// path from the tracker's current VV to some target frontier, spec §4.4
// stage 2) and returns the net visible-sequence effects each forwarded atom
// produces, in the order they must be applied.
//
// Each effect's position is computed against the tracker's own live state
// at the instant just before that atom's visibility flips, and the atom is
// flipped immediately afterward. Because position is always read fresh off
// current state rather than a snapshot taken before the whole batch, every
// effect in the returned slice is already valid against the sequence state
// that applying the previous effects in order produces — there's no need
// to additionally sort inserts ascending or deletes descending, the way the
// original engine's batching implementation does to reuse stale positions.
func IterEffects(t *Tracker, spans []ids.IdSpan) []Effect {
	var out []Effect
	for _, span := range spans {
		for _, it := range t.itemsInSpan(span) {
			if it.isDelete {
				out = append(out, forwardDelete(t, it)...)
			} else {
				out = append(out, forwardInsert(t, it)...)
			}
		}
		t.curVV.Forward([]ids.IdSpan{span})
	}
	return out
}

func forwardInsert(t *Tracker, it *Item) []Effect {
	was := it.visible()
	it.futureCount--
	if it.futureCount < 0 {
		panic("tracker: IterEffects would make futureCount negative")
	}
	if was || !it.visible() {
		return nil
	}
	pos := t.livePositionOf(it)
	return []Effect{{Pos: pos, Payload: it.payload}}
}

func forwardDelete(t *Tracker, del *Item) []Effect {
	var out []Effect
	// Targets that are contiguous in document order and transition
	// together collapse into a single Del effect, mirroring the original
	// engine's "maximal contiguous run" framing without needing a
	// separate sort pass (see IterEffects's doc comment).
	var runStart, runLen int
	flushing := false
	flush := func() {
		if flushing {
			out = append(out, Effect{IsDelete: true, Pos: runStart, DelLen: runLen})
			flushing = false
		}
	}
	for _, span := range del.targets {
		for _, target := range t.itemsInSpan(span) {
			wasVisible := target.visible()
			pos := -1
			if wasVisible {
				pos = t.livePositionOf(target)
			}
			target.deleteCount++
			if !wasVisible {
				continue
			}
			// Positions are read fresh after each flip, so a target
			// contiguous with the current run reads the run's own start —
			// everything between them already flipped invisible.
			if flushing && pos == runStart {
				runLen += target.length
			} else {
				flush()
				runStart, runLen, flushing = pos, target.length, true
			}
		}
	}
	flush()
	return out
}

package tracker

import (
	"testing"

	"github.com/Polqt/crdtcollab/ids"
	"github.com/Polqt/crdtcollab/pool"
)

func TestApplySequentialInsertsBuildVisibleOrder(t *testing.T) {
	p := pool.New()
	tr := New(ids.NewVersionVector(), 0)

	tr.Apply(ids.OpID{Client: 1, Counter: 0}, Insert{Pos: 0, Range: p.AllocString("hel")})
	tr.Apply(ids.OpID{Client: 1, Counter: 3}, Insert{Pos: 3, Range: p.AllocString("lo")})

	runs := tr.VisibleRuns()
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	got := p.GetString(runs[0].Payload) + p.GetString(runs[1].Payload)
	if got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
	if runs[1].Pos != 3 {
		t.Fatalf("expected second run at pos 3, got %d", runs[1].Pos)
	}
}

// TestIntegrateConcurrentSiblingsTieBreakByClient reproduces genuine
// concurrency at the tracker level: client 5's insert is retreated (made
// invisible) before client 2's insert is applied at the same live position,
// so both see the same (nil, nil) neighbors, exactly as if the two had been
// authored independently from a shared ancestor. The lower client id must
// win the tie-break and sort first once both are forwarded.
func TestIntegrateConcurrentSiblingsTieBreakByClient(t *testing.T) {
	p := pool.New()
	tr := New(ids.NewVersionVector(), 0)

	id1 := ids.OpID{Client: 5, Counter: 0}
	tr.Apply(id1, Insert{Pos: 0, Range: p.AllocString("A")})

	tr.Retreat([]ids.IdSpan{ids.NewIdSpan(5, 0, 1)})
	id2 := ids.OpID{Client: 2, Counter: 0}
	tr.Apply(id2, Insert{Pos: 0, Range: p.AllocString("B")})
	tr.Forward([]ids.IdSpan{ids.NewIdSpan(5, 0, 1)})

	runs := tr.VisibleRuns()
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID.Client != 2 || runs[1].ID.Client != 5 {
		t.Fatalf("expected client 2 before client 5, got order %v, %v", runs[0].ID, runs[1].ID)
	}
	if p.GetString(runs[0].Payload) != "B" || p.GetString(runs[1].Payload) != "A" {
		t.Fatalf("unexpected payload order: %q, %q", p.GetString(runs[0].Payload), p.GetString(runs[1].Payload))
	}
}

func TestApplyDeleteThenRetreatForwardRoundTrip(t *testing.T) {
	p := pool.New()
	tr := New(ids.NewVersionVector(), 0)

	tr.Apply(ids.OpID{Client: 1, Counter: 0}, Insert{Pos: 0, Range: p.AllocString("abcde")})
	delID := ids.OpID{Client: 1, Counter: 5}
	tr.Apply(delID, Delete{Pos: 1, Len: 3}) // delete "bcd"

	runs := tr.VisibleRuns()
	var got string
	for _, r := range runs {
		got += p.GetString(r.Payload)
	}
	if got != "ae" {
		t.Fatalf("expected %q after delete, got %q", "ae", got)
	}

	tr.Retreat([]ids.IdSpan{ids.NewIdSpan(1, 5, 8)})
	runs = tr.VisibleRuns()
	got = ""
	for _, r := range runs {
		got += p.GetString(r.Payload)
	}
	if got != "abcde" {
		t.Fatalf("expected retreat to restore %q, got %q", "abcde", got)
	}

	tr.Forward([]ids.IdSpan{ids.NewIdSpan(1, 5, 8)})
	runs = tr.VisibleRuns()
	got = ""
	for _, r := range runs {
		got += p.GetString(r.Payload)
	}
	if got != "ae" {
		t.Fatalf("expected forward to reapply delete, giving %q, got %q", "ae", got)
	}
}

func TestItemsInSpanSplitsAcrossBoundary(t *testing.T) {
	p := pool.New()
	tr := New(ids.NewVersionVector(), 0)
	tr.Apply(ids.OpID{Client: 1, Counter: 0}, Insert{Pos: 0, Range: p.AllocString("abcdef")})

	items := tr.itemsInSpan(ids.NewIdSpan(1, 2, 4))
	if len(items) != 1 {
		t.Fatalf("expected span to resolve to the single split item, got %d", len(items))
	}
	if items[0].id.Counter != 2 || items[0].length != 2 {
		t.Fatalf("unexpected split item: id.Counter=%d length=%d", items[0].id.Counter, items[0].length)
	}
	if p.GetString(items[0].payload) != "cd" {
		t.Fatalf("expected split payload %q, got %q", "cd", p.GetString(items[0].payload))
	}

	// the original item should now be represented as three structural
	// pieces in the timeline, each addressable by its own counter range.
	list := tr.timeline[1]
	if len(list) != 3 {
		t.Fatalf("expected 3 timeline entries after split, got %d", len(list))
	}
}

func TestContainsRespectsStartAndAllVV(t *testing.T) {
	start := ids.NewVersionVector()
	start.Extend(ids.NewIdSpan(1, 0, 3))
	tr := New(start, 0)

	if tr.Contains(ids.OpID{Client: 1, Counter: 1}) {
		t.Fatalf("did not expect tracker to contain an id before its start")
	}

	p := pool.New()
	tr.Apply(ids.OpID{Client: 1, Counter: 3}, Insert{Pos: 0, Range: p.AllocString("x")})
	if !tr.Contains(ids.OpID{Client: 1, Counter: 3}) {
		t.Fatalf("expected tracker to contain an id it has applied")
	}
	if tr.Contains(ids.OpID{Client: 1, Counter: 4}) {
		t.Fatalf("did not expect tracker to contain an id it has never seen")
	}
}

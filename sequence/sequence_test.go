package sequence

import (
	"testing"

	"github.com/Polqt/crdtcollab/pool"
)

func text(s *State, p *pool.StringPool) string {
	out := ""
	s.Iter(func(r Run) bool {
		out += p.GetString(r.Range)
		return true
	})
	return out
}

func TestInsertAppendAndMiddle(t *testing.T) {
	p := pool.New()
	s := New()

	s.Insert(0, p.AllocString("hello"))
	s.Insert(5, p.AllocString(" world"))
	s.Insert(5, p.AllocString(","))

	if got := text(s, p); got != "hello, world" {
		t.Fatalf("expected %q, got %q", "hello, world", got)
	}
	if s.Len() != len("hello, world") {
		t.Fatalf("unexpected length %d", s.Len())
	}
}

func TestDeleteRangeAcrossRuns(t *testing.T) {
	p := pool.New()
	s := New()
	s.Insert(0, p.AllocString("abc"))
	s.Insert(3, p.AllocString("def"))
	s.Insert(6, p.AllocString("ghi"))

	s.DeleteRange(2, 7) // removes "cdefg"
	if got := text(s, p); got != "abhi" {
		t.Fatalf("expected %q, got %q", "abhi", got)
	}
}

func TestInsertOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on out-of-range insert")
		}
	}()
	s := New()
	s.Insert(1, pool.Range{Start: 0, End: 1})
}

func TestRangeAt(t *testing.T) {
	p := pool.New()
	s := New()
	s.Insert(0, p.AllocString("abc"))
	s.Insert(3, p.AllocString("def"))

	run, offset, ok := s.RangeAt(4)
	if !ok {
		t.Fatalf("expected RangeAt(4) to succeed")
	}
	if got := p.GetString(run)[offset]; got != 'e' {
		t.Fatalf("expected 'e' at offset, got %q", got)
	}

	if _, _, ok := s.RangeAt(100); ok {
		t.Fatalf("expected RangeAt past end to fail")
	}
}

func TestAdjacentAppendCoalesces(t *testing.T) {
	p := pool.New()
	s := New()
	s.Insert(0, p.AllocString("abc"))
	s.Insert(3, p.AllocString("def")) // consecutive pool ranges, one run

	if s.RunCount() != 1 {
		t.Fatalf("expected adjacent appends to coalesce into 1 run, got %d (%s)", s.RunCount(), s.DebugString())
	}
	if got := s.DebugString(); got != "[0,6)" {
		t.Fatalf("unexpected run structure %s", got)
	}
	if got := text(s, p); got != "abcdef" {
		t.Fatalf("expected %q, got %q", "abcdef", got)
	}
}

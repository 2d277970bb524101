package pool

import "testing"

func TestAllocAndGetRoundTrip(t *testing.T) {
	p := New()
	r1 := p.AllocString("hello")
	r2 := p.AllocString(" world")

	if got := p.GetString(r1); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
	if got := p.GetString(r2); got != " world" {
		t.Fatalf("expected %q, got %q", " world", got)
	}
	if p.Len() != 11 {
		t.Fatalf("expected pool length 11, got %d", p.Len())
	}
}

func TestGetOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on out-of-bounds range")
		}
	}()
	p := New()
	p.AllocString("hi")
	p.Get(Range{Start: 0, End: 10})
}

func TestRangeSubAndAdjacent(t *testing.T) {
	p := New()
	r := p.AllocString("abcdef")
	sub := r.Sub(2, 4)
	if p.GetString(sub) != "cd" {
		t.Fatalf("expected %q, got %q", "cd", p.GetString(sub))
	}

	r2 := p.AllocString("ghi")
	if !r.Adjacent(r2) {
		t.Fatalf("expected consecutively allocated ranges to be adjacent")
	}
}

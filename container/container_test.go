package container

import (
	"testing"

	"github.com/Polqt/crdtcollab/dag"
	"github.com/Polqt/crdtcollab/ids"
)

// replicaSync copies every change client has recorded in src, starting at
// counter from, into dst, preserving the original Deps and Ops exactly.
// This is the test-only stand-in for a real log store's replication
// transport: a production deployment would ship changes over the wire
// (SPEC_FULL.md §1 scopes that out), but the merge semantics under test
// here only depend on dst ending up with the same causal history as src.
func replicaSync(dst, src *dag.Store, client ids.ClientID, from ids.Counter) {
	cursor := from
	for {
		ch, ok := src.ChangeAt(client, cursor)
		if !ok {
			return
		}
		dst.AppendChange(ch.Deps, ch.Ops)
		cursor = ch.ID.Counter + ch.Len
	}
}

// mustApply merges the store's full frontier into c, failing the test on
// any merge error.
func mustApply(t *testing.T, c *TextContainer, store *dag.Store) {
	t.Helper()
	if err := c.Apply(store, store.Frontier()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

// TestScenarioS1SingleClientLinear covers spec §8 S1: a single client's own
// sequential edits, applied directly (never through Apply), must produce
// the expected visible text and length.
func TestScenarioS1SingleClientLinear(t *testing.T) {
	store := dag.NewStore()
	c := New(0, 1)

	c.Insert(store, 0, "hello")
	c.Insert(store, 5, " world")
	c.Delete(store, 0, 6) // removes "hello "

	const want = "world"
	if got := c.GetValue(); got != want {
		t.Fatalf("GetValue() = %q, want %q", got, want)
	}
	if got := c.TextLen(); got != len(want) {
		t.Fatalf("TextLen() = %d, want %d", got, len(want))
	}
}

// TestScenarioS2ConcurrentInsertSamePosition covers spec §8 S2: two
// replicas, starting empty, each insert independently at position 0 with
// no shared history. Once synced, both must converge on the same order,
// tie-broken by ascending ClientID (client 1 before client 2).
func TestScenarioS2ConcurrentInsertSamePosition(t *testing.T) {
	storeA, storeB := dag.NewStore(), dag.NewStore()
	cA, cB := New(0, 1), New(0, 2)

	cA.Insert(storeA, 0, "X")
	cB.Insert(storeB, 0, "Y")

	replicaSync(storeA, storeB, 2, 0)
	replicaSync(storeB, storeA, 1, 0)

	mustApply(t, cA, storeA)
	mustApply(t, cB, storeB)

	const want = "XY"
	if got := cA.GetValue(); got != want {
		t.Fatalf("replica A converged to %q, want %q", got, want)
	}
	if got := cB.GetValue(); got != want {
		t.Fatalf("replica B converged to %q, want %q", got, want)
	}
}

// TestScenarioS3InsertThenConcurrentDelete covers spec §8 S3: from a
// shared "abc", one replica deletes "b" while the other concurrently
// inserts "Z" just before "c". Both directions of the merge must converge
// on "aZc" — the delete lands on the surviving run regardless of which
// side of the concurrent insert it's applied on.
func TestScenarioS3InsertThenConcurrentDelete(t *testing.T) {
	seedStore := dag.NewStore()
	seed := New(0, 1)
	seed.Insert(seedStore, 0, "abc")

	storeA, storeB := dag.NewStore(), dag.NewStore()
	replicaSync(storeA, seedStore, 1, 0)
	replicaSync(storeB, seedStore, 1, 0)

	cA, cB := New(0, 10), New(0, 20)
	mustApply(t, cA, storeA)
	mustApply(t, cB, storeB)

	cA.Delete(storeA, 1, 1)   // "abc" -> "ac"
	cB.Insert(storeB, 2, "Z") // "abc" -> "abZc"

	replicaSync(storeA, storeB, 20, 0)
	replicaSync(storeB, storeA, 10, 0)

	mustApply(t, cA, storeA)
	mustApply(t, cB, storeB)

	const want = "aZc"
	if got := cA.GetValue(); got != want {
		t.Fatalf("replica A converged to %q, want %q", got, want)
	}
	if got := cB.GetValue(); got != want {
		t.Fatalf("replica B converged to %q, want %q", got, want)
	}
}

// TestScenarioS4RetreatPathReconstruction covers spec §8 S4: after two
// clients' concurrent inserts have already been merged into a replica (so
// its tracker-relative cursor sits somewhere other than either branch's
// raw tip), a further op from one of those clients, causally dependent
// only on the pre-merge state, must still merge in correctly — forcing
// the merge procedure to retreat past content the previous merge already
// forwarded before it can walk the new op into place.
func TestScenarioS4RetreatPathReconstruction(t *testing.T) {
	storeA, storeB := dag.NewStore(), dag.NewStore()
	cA, cB := New(0, 1), New(0, 2)

	cA.Insert(storeA, 0, "A") // client 1, depends on nothing
	cB.Insert(storeB, 0, "B") // client 2, depends on nothing, concurrent with the above

	// B's replica learns about A's insert and merges ("AB", client 1 < 2).
	replicaSync(storeB, storeA, 1, 0)
	mustApply(t, cB, storeB)
	if got := cB.GetValue(); got != "AB" {
		t.Fatalf("replica B after first merge = %q, want %q", got, "AB")
	}

	// Client 1 now makes a second edit on replica A, whose only dependency
	// is its own first op — not anything from client 2. Replica A never
	// learned about client 2's op directly; it only sees it once it syncs
	// with replica B below.
	cA.Insert(storeA, 1, "C") // "A" -> "AC", client 1's own second op

	replicaSync(storeA, storeB, 2, 0) // A learns client 2's concurrent insert
	mustApply(t, cA, storeA)

	replicaSync(storeB, storeA, 1, 1) // B learns client 1's second op (counter >= 1)
	mustApply(t, cB, storeB)

	const want = "ABC"
	if got := cA.GetValue(); got != want {
		t.Fatalf("replica A converged to %q, want %q", got, want)
	}
	if got := cB.GetValue(); got != want {
		t.Fatalf("replica B converged to %q, want %q", got, want)
	}
}

// TestScenarioS5FastPathLinearExtension covers spec §8 S5: a brand-new,
// empty replica merging in another replica's purely sequential history (no
// concurrency anywhere in it) must reach the same text as the source, via
// the fast path rather than a tracker replay — behaviorally indistinguishable
// from the outside, but exercised here via the same public Apply contract a
// slow-path merge would use, so a regression that wrongly routes it to the
// tracker (or mis-handles the fast path) still fails this test.
func TestScenarioS5FastPathLinearExtension(t *testing.T) {
	store := dag.NewStore()
	author := New(0, 1)
	author.Insert(store, 0, "hello")
	author.Insert(store, 5, " world")

	fresh := New(0, 2)
	mustApply(t, fresh, store)

	const want = "hello world"
	if got := fresh.GetValue(); got != want {
		t.Fatalf("GetValue() = %q, want %q", got, want)
	}
}

// TestScenarioS6TrackerRebuildConvergence covers spec §8 S6: repeated
// merges into the same replica, each pulling in more concurrent history,
// must keep converging correctly. Since this implementation never reuses
// a tracker across merges (DESIGN.md's tracker-lifetime note), every merge
// already behaves as a full rebuild; this test exercises three rounds of
// merges against a replica that keeps generating its own concurrent
// content between each one, so any accidental cross-merge state leak would
// show up as a divergent result.
func TestScenarioS6TrackerRebuildConvergence(t *testing.T) {
	storeA, storeB := dag.NewStore(), dag.NewStore()
	cA, cB := New(0, 1), New(0, 2)

	cA.Insert(storeA, 0, "1")
	cB.Insert(storeB, 0, "2")
	replicaSync(storeA, storeB, 2, 0)
	mustApply(t, cA, storeA)
	if got := cA.GetValue(); got != "12" {
		t.Fatalf("round 1: GetValue() = %q, want %q", got, "12")
	}

	cB.Insert(storeB, 1, "3") // client 2's own second op, "2" -> "23"
	replicaSync(storeA, storeB, 2, 1)
	mustApply(t, cA, storeA)
	if got := cA.GetValue(); got != "123" {
		t.Fatalf("round 2: GetValue() = %q, want %q", got, "123")
	}

	cA.Insert(storeA, 0, "0") // client 1's own second op
	cB.Insert(storeB, 0, "9") // client 2's third op, concurrent with client 1's above

	replicaSync(storeA, storeB, 2, 2)
	replicaSync(storeB, storeA, 1, 0) // B has never seen any of client 1's ops
	mustApply(t, cA, storeA)
	mustApply(t, cB, storeB)

	// Both replicas now share the same five-op causal history (including
	// two genuinely concurrent inserts layered on top of the first
	// concurrent pair), so they must materialize identical text — the
	// exact tie-break order is an implementation detail, convergence is
	// the property under test.
	gotA, gotB := cA.GetValue(), cB.GetValue()
	if gotA != gotB {
		t.Fatalf("round 3: replicas diverged: A=%q B=%q", gotA, gotB)
	}
	if len(gotA) != 5 {
		t.Fatalf("round 3: converged value %q has length %d, want 5", gotA, len(gotA))
	}
}

func TestEmptyInsertAndZeroLengthDeleteAreNoOps(t *testing.T) {
	store := dag.NewStore()
	c := New(0, 1)
	c.Insert(store, 0, "abc")

	if _, ok := c.Insert(store, 1, ""); ok {
		t.Fatalf("expected empty insert to be a no-op")
	}
	if _, ok := c.Delete(store, 1, 0); ok {
		t.Fatalf("expected zero-length delete to be a no-op")
	}
	if got := c.GetValue(); got != "abc" {
		t.Fatalf("GetValue() = %q after no-ops, want %q", got, "abc")
	}
	// No ids were minted: the next real edit continues the dense counter run.
	id, ok := c.Insert(store, 3, "d")
	if !ok || id.Counter != 3 {
		t.Fatalf("expected next op at counter 3, got %v (ok=%v)", id, ok)
	}
}

// TestApplyIdempotent covers spec §8 property 4: re-applying a frontier the
// container has already integrated must not change state, head, or text.
func TestApplyIdempotent(t *testing.T) {
	storeA, storeB := dag.NewStore(), dag.NewStore()
	cA, cB := New(0, 1), New(0, 2)

	cA.Insert(storeA, 0, "X")
	cB.Insert(storeB, 0, "Y")
	replicaSync(storeA, storeB, 2, 0)
	mustApply(t, cA, storeA)

	before, headBefore := cA.GetValue(), cA.Head()
	mustApply(t, cA, storeA)
	if got := cA.GetValue(); got != before {
		t.Fatalf("re-apply changed value from %q to %q", before, got)
	}
	if !cA.Head().Equal(headBefore) {
		t.Fatalf("re-apply changed head from %v to %v", headBefore, cA.Head())
	}
}

type rejectAll struct{}

func (rejectAll) Verify(ids.IdSpan) bool { return false }

func TestVerifierRejectionAbortsWithoutMutation(t *testing.T) {
	storeA, storeB := dag.NewStore(), dag.NewStore()
	cA := New(0, 1, WithVerifier(rejectAll{}))
	cB := New(0, 2)

	cA.Insert(storeA, 0, "X")
	cB.Insert(storeB, 0, "Y")
	replicaSync(storeA, storeB, 2, 0)

	before, headBefore := cA.GetValue(), cA.Head()
	err := cA.Apply(storeA, storeA.Frontier())
	if err == nil {
		t.Fatalf("expected rejected merge to return an error")
	}
	if got := cA.GetValue(); got != before {
		t.Fatalf("rejected merge mutated value: %q -> %q", before, got)
	}
	if !cA.Head().Equal(headBefore) {
		t.Fatalf("rejected merge moved head: %v -> %v", headBefore, cA.Head())
	}
}

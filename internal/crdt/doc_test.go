package crdt

import (
	"errors"
	"reflect"
	"testing"
)

// recorder keeps every update a doc commits locally.
type recorder struct {
	updates [][]byte
}

func record(d *Doc) *recorder {
	r := &recorder{}
	d.OnUpdate(func(update []byte, origin any) {
		if origin == "remote" {
			return
		}
		r.updates = append(r.updates, update)
	})
	return r
}

func mustTransact(t *testing.T, d *Doc, fn func(tx *Txn) error) {
	t.Helper()
	if err := d.Transact(nil, fn); err != nil {
		t.Fatalf("transact: %v", err)
	}
}

func mustApply(t *testing.T, d *Doc, updates ...[]byte) {
	t.Helper()
	for _, u := range updates {
		if err := d.ApplyUpdate(u, "remote"); err != nil {
			t.Fatalf("apply update: %v", err)
		}
	}
}

func TestGetMissingPathReportsAbsent(t *testing.T) {
	d := NewDoc("a")
	if _, ok := d.Get(ParsePath("records.expressions")); ok {
		t.Fatalf("expected absent path")
	}
	if keys := d.Keys(ParsePath("participants")); keys != nil {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestSetCreatesParentsAtomically(t *testing.T) {
	a := NewDoc("a")
	rec := record(a)

	type buf struct {
		Values []float64 `json:"values"`
	}
	mustTransact(t, a, func(tx *Txn) error {
		return tx.Set(ParsePath("records.expressions.u1.q1"), buf{Values: []float64{0.5, 0.25}})
	})
	if len(rec.updates) != 1 {
		t.Fatalf("expected one update for the transaction, got %d", len(rec.updates))
	}

	b := NewDoc("b")
	mustApply(t, b, rec.updates[0])
	v, ok := b.Get(ParsePath("records.expressions.u1.q1"))
	if !ok {
		t.Fatalf("expected value replicated")
	}
	var got buf
	if err := v.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got.Values, []float64{0.5, 0.25}) {
		t.Fatalf("unexpected value %+v", got)
	}
}

func TestConcurrentContainerCreationKeepsBothChildren(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	ra, rb := record(a), record(b)

	mustTransact(t, a, func(tx *Txn) error {
		return tx.Set(ParsePath("records.expressions.u1.q1"), 1)
	})
	mustTransact(t, b, func(tx *Txn) error {
		return tx.Set(ParsePath("records.expressions.u2.q1"), 2)
	})

	mustApply(t, a, rb.updates...)
	mustApply(t, b, ra.updates...)

	for _, d := range []*Doc{a, b} {
		keys := d.Keys(ParsePath("records.expressions"))
		if !reflect.DeepEqual(keys, []string{"u1", "u2"}) {
			t.Fatalf("replica %s lost a child: %v", d.ReplicaID(), keys)
		}
	}
	if !reflect.DeepEqual(a.Snapshot(), b.Snapshot()) {
		t.Fatalf("replicas diverged:\n%v\n%v", a.Snapshot(), b.Snapshot())
	}
}

func TestConvergenceAcrossOrderingsAndDuplicates(t *testing.T) {
	a, b, c := NewDoc("a"), NewDoc("b"), NewDoc("c")
	ra, rb, rc := record(a), record(b), record(c)

	mustTransact(t, a, func(tx *Txn) error {
		if err := tx.Set(ParsePath("quiz.paused"), true); err != nil {
			return err
		}
		return tx.Push(ParsePath("questions"), "q1", "q2")
	})
	mustTransact(t, b, func(tx *Txn) error {
		if err := tx.Set(ParsePath("quiz.paused"), false); err != nil {
			return err
		}
		return tx.Push(ParsePath("questions"), "q3")
	})
	mustTransact(t, c, func(tx *Txn) error {
		return tx.Set(ParsePath("answers.q1.u3"), []int{2})
	})
	mustTransact(t, a, func(tx *Txn) error {
		tx.Delete(ParsePath("quiz.paused"))
		return tx.Set(ParsePath("answers.q1.u1"), []int{0})
	})

	all := append(append(append([][]byte{}, ra.updates...), rb.updates...), rc.updates...)

	forward := NewDoc("x")
	mustApply(t, forward, all...)

	backward := NewDoc("y")
	for i := len(all) - 1; i >= 0; i-- {
		mustApply(t, backward, all[i])
	}
	// duplicates interleaved
	mustApply(t, backward, all...)
	mustApply(t, backward, all[0], all[len(all)-1])

	if !reflect.DeepEqual(forward.Snapshot(), backward.Snapshot()) {
		t.Fatalf("snapshots differ:\n%v\n%v", forward.Snapshot(), backward.Snapshot())
	}
	if n := len(forward.Items(ParsePath("questions"))); n != 3 {
		t.Fatalf("expected 3 questions, got %d", n)
	}
}

func TestApplyingUpdateTwiceIsIdempotent(t *testing.T) {
	a := NewDoc("a")
	rec := record(a)
	mustTransact(t, a, func(tx *Txn) error {
		return tx.Push(ParsePath("questions"), "q1")
	})

	once, twice := NewDoc("b"), NewDoc("c")
	mustApply(t, once, rec.updates[0])
	mustApply(t, twice, rec.updates[0], rec.updates[0])

	if !reflect.DeepEqual(once.Snapshot(), twice.Snapshot()) {
		t.Fatalf("duplicate apply changed state: %v vs %v", once.Snapshot(), twice.Snapshot())
	}
}

func TestConcurrentSetSameKeyConverges(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	ra, rb := record(a), record(b)
	mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("quiz.paused"), true) })
	mustTransact(t, b, func(tx *Txn) error { return tx.Set(ParsePath("quiz.paused"), false) })

	mustApply(t, a, rb.updates...)
	mustApply(t, b, ra.updates...)

	var pa, pb bool
	va, _ := a.Get(ParsePath("quiz.paused"))
	vb, _ := b.Get(ParsePath("quiz.paused"))
	_ = va.Decode(&pa)
	_ = vb.Decode(&pb)
	if pa != pb {
		t.Fatalf("replicas disagree on paused: %v vs %v", pa, pb)
	}
}

func TestConcurrentInsertAtSameIndexKeepsBoth(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	ra, rb := record(a), record(b)

	mustTransact(t, a, func(tx *Txn) error { return tx.Push(ParsePath("list"), "head") })
	mustApply(t, b, ra.updates...)
	ra.updates = nil

	mustTransact(t, a, func(tx *Txn) error { return tx.Insert(ParsePath("list"), 1, "from-a") })
	mustTransact(t, b, func(tx *Txn) error { return tx.Insert(ParsePath("list"), 1, "from-b") })
	mustApply(t, a, rb.updates...)
	mustApply(t, b, ra.updates...)

	got := a.Materialize(ParsePath("list"))
	if !reflect.DeepEqual(got, b.Materialize(ParsePath("list"))) {
		t.Fatalf("sequence order differs: %v vs %v", got, b.Materialize(ParsePath("list")))
	}
	if items := got.([]any); len(items) != 3 || items[0] != "head" {
		t.Fatalf("expected head plus both inserts, got %v", got)
	}
}

func TestSequenceRemoveAndReplace(t *testing.T) {
	d := NewDoc("a")
	mustTransact(t, d, func(tx *Txn) error { return tx.Push(ParsePath("list"), "a", "b", "c") })
	mustTransact(t, d, func(tx *Txn) error { return tx.RemoveAt(ParsePath("list"), 0, 1) })
	mustTransact(t, d, func(tx *Txn) error { return tx.Replace(ParsePath("list"), 1, "z") })

	got := d.Materialize(ParsePath("list"))
	if !reflect.DeepEqual(got, []any{"b", "z"}) {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestFailedTransactionRollsBack(t *testing.T) {
	d := NewDoc("a")
	rec := record(d)
	boom := errors.New("boom")
	err := d.Transact(nil, func(tx *Txn) error {
		if err := tx.Set(ParsePath("room.name"), "x"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := d.Get(ParsePath("room")); ok {
		t.Fatalf("expected rollback of lazily created container")
	}
	if len(rec.updates) != 0 {
		t.Fatalf("rolled back transaction must not publish")
	}
}

func TestDeleteContainerHidesChildren(t *testing.T) {
	d := NewDoc("a")
	mustTransact(t, d, func(tx *Txn) error {
		if err := tx.Set(ParsePath("participants.u1.status"), "active"); err != nil {
			return err
		}
		return tx.Set(ParsePath("participants.u2.status"), "active")
	})
	mustTransact(t, d, func(tx *Txn) error {
		tx.Delete(ParsePath("participants.u1"))
		return nil
	})
	if _, ok := d.Get(ParsePath("participants.u1.status")); ok {
		t.Fatalf("expected u1 removed")
	}
	if keys := d.Keys(ParsePath("participants")); !reflect.DeepEqual(keys, []string{"u2"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestSubscribeShallowDeepAndUnsubscribe(t *testing.T) {
	d := NewDoc("a")
	var shallow, deep int
	unsubShallow := d.Subscribe(ParsePath("records"), false, func(Event) { shallow++ })
	unsubDeep := d.Subscribe(ParsePath("records"), true, func(Event) { deep++ })

	mustTransact(t, d, func(tx *Txn) error { return tx.Set(ParsePath("records.expressions.u1"), 1) })
	if deep != 1 {
		t.Fatalf("expected deep notification, got %d", deep)
	}
	// records.expressions was created, a direct child of records
	if shallow != 1 {
		t.Fatalf("expected shallow notification for child creation, got %d", shallow)
	}

	mustTransact(t, d, func(tx *Txn) error { return tx.Set(ParsePath("records.expressions.u1"), 2) })
	if shallow != 1 || deep != 2 {
		t.Fatalf("unexpected counts shallow=%d deep=%d", shallow, deep)
	}

	unsubShallow()
	unsubShallow()
	unsubDeep()
	mustTransact(t, d, func(tx *Txn) error { return tx.Set(ParsePath("records.expressions.u1"), 3) })
	if shallow != 1 || deep != 2 {
		t.Fatalf("unsubscribed handlers still called")
	}
}

func TestStateVectorDiffSync(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("room.name"), "quiz night") })

	full, err := a.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	mustApply(t, b, full)

	mustTransact(t, a, func(tx *Txn) error { return tx.Push(ParsePath("questions"), "q1") })
	mustTransact(t, b, func(tx *Txn) error { return tx.Set(ParsePath("room.status"), "waiting") })

	svB, err := b.EncodeStateVector()
	if err != nil {
		t.Fatalf("encode sv: %v", err)
	}
	decoded, err := DecodeStateVector(svB)
	if err != nil {
		t.Fatalf("decode sv: %v", err)
	}
	diffForB, err := a.EncodeStateAsUpdate(decoded)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	mustApply(t, b, diffForB)

	svA := a.StateVector()
	diffForA, err := b.EncodeStateAsUpdate(svA)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	mustApply(t, a, diffForA)

	if !reflect.DeepEqual(a.Snapshot(), b.Snapshot()) {
		t.Fatalf("diff sync did not converge:\n%v\n%v", a.Snapshot(), b.Snapshot())
	}
}

func TestStateVectorStopsAtMissingUpdate(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	rec := record(a)
	for _, name := range []string{"q1", "q2", "q3"} {
		name := name
		mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("questions."+name), name) })
	}
	if len(rec.updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(rec.updates))
	}

	// the second update is lost in transit
	mustApply(t, b, rec.updates[0], rec.updates[2])
	if got := b.StateVector()["a"]; got != 1 {
		t.Fatalf("expected vector to stop at 1 before the gap, got %d", got)
	}

	diff, err := a.EncodeStateAsUpdate(b.StateVector())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	mustApply(t, b, diff)
	if !reflect.DeepEqual(a.Snapshot(), b.Snapshot()) {
		t.Fatalf("diff did not fill the gap:\n%v\n%v", a.Snapshot(), b.Snapshot())
	}
	if got := b.StateVector()["a"]; got != 3 {
		t.Fatalf("expected vector 3 after the diff, got %d", got)
	}
}

func TestLateUpdateFillsGap(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	rec := record(a)
	for i := 0; i < 3; i++ {
		mustTransact(t, a, func(tx *Txn) error { return tx.Push(ParsePath("answers"), i) })
	}
	mustApply(t, b, rec.updates[2], rec.updates[0])
	if got := b.StateVector()["a"]; got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	mustApply(t, b, rec.updates[1])
	if got := b.StateVector()["a"]; got != 3 {
		t.Fatalf("expected the parked update to count once the gap closed, got %d", got)
	}
}

func TestRolledBackTransactionConsumesNoSequence(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	rec := record(a)
	mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("x"), 1) })
	_ = a.Transact(nil, func(tx *Txn) error {
		_ = tx.Set(ParsePath("y"), 2)
		return errors.New("abort")
	})
	mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("z"), 3) })

	mustApply(t, b, rec.updates...)
	if got := b.StateVector()["a"]; got != 2 {
		t.Fatalf("expected 2 contiguous transactions, got %d", got)
	}
}

func TestSplitStateIntoFrames(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	pad := make([]byte, 4096)
	for i := 0; i < 40; i++ {
		mustTransact(t, a, func(tx *Txn) error {
			return tx.Push(ParsePath("answers"), map[string]any{"n": i, "pad": string(pad)})
		})
	}
	const max = 16 << 10
	frames, err := a.EncodeStateAsUpdates(b.StateVector(), max)
	if err != nil {
		t.Fatalf("encode frames: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected several frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) > max {
			t.Fatalf("frame %d is %d bytes, limit %d", i, len(f), max)
		}
	}

	mustApply(t, b, frames[:len(frames)-1]...)
	if got := b.StateVector()["a"]; got != 0 {
		t.Fatalf("vector advanced before the last frame: %d", got)
	}
	mustApply(t, b, frames[len(frames)-1])
	if got := b.StateVector()["a"]; got != 40 {
		t.Fatalf("expected vector 40, got %d", got)
	}
	if !reflect.DeepEqual(a.Snapshot(), b.Snapshot()) {
		t.Fatalf("frames did not converge")
	}
}

func TestSplitUpdateKeepsSmallUpdateWhole(t *testing.T) {
	a := NewDoc("a")
	rec := record(a)
	mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("room.name"), "quiz") })
	parts, err := SplitUpdate(rec.updates[0], 1<<10)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts) != 1 || !reflect.DeepEqual(parts[0], rec.updates[0]) {
		t.Fatalf("expected the update untouched, got %d parts", len(parts))
	}
}

func TestSplitTransactionCountsOnlyWhenComplete(t *testing.T) {
	a, b := NewDoc("a"), NewDoc("b")
	rec := record(a)
	pad := make([]byte, 2048)
	mustTransact(t, a, func(tx *Txn) error {
		for i := 0; i < 20; i++ {
			if err := tx.Push(ParsePath("answers"), string(pad)); err != nil {
				return err
			}
		}
		return nil
	})
	parts, err := SplitUpdate(rec.updates[0], 8<<10)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts) < 2 {
		t.Fatalf("expected the transaction to be split, got %d part", len(parts))
	}
	mustApply(t, b, parts[0])
	if got := b.StateVector()["a"]; got != 0 {
		t.Fatalf("partial transaction counted as seen")
	}
	mustApply(t, b, parts[1:]...)
	if got := b.StateVector()["a"]; got != 1 {
		t.Fatalf("expected transaction 1 seen, got %d", got)
	}
	if n := len(b.Items(ParsePath("answers"))); n != 20 {
		t.Fatalf("expected 20 answers, got %d", n)
	}
}

func TestSnapshotSkipsUndecodableLeaf(t *testing.T) {
	d := NewDoc("a")
	mustTransact(t, d, func(tx *Txn) error { return tx.Set(ParsePath("room.name"), "quiz") })
	d.mu.Lock()
	d.mapNode(ParsePath("room")).entries["broken"] = &register{TS: Timestamp{Counter: 99, Replica: "a"}, Kind: KindValue, Data: []byte{0xc1}}
	d.mu.Unlock()

	room, _ := d.Snapshot()["room"].(map[string]any)
	if _, ok := room["broken"]; ok {
		t.Fatalf("undecodable leaf should be left out")
	}
	if room["name"] != "quiz" {
		t.Fatalf("expected name to survive, got %v", room)
	}
	if v := d.Materialize(ParsePath("room.broken")); v != nil {
		t.Fatalf("expected nil for undecodable leaf, got %v", v)
	}
}

func TestMergedDiffIsRepublishedWithoutVector(t *testing.T) {
	a, b, c, x := NewDoc("a"), NewDoc("b"), NewDoc("c"), NewDoc("x")
	recX := record(x)
	mustTransact(t, x, func(tx *Txn) error { return tx.Set(ParsePath("room.status"), "waiting") })
	mustApply(t, a, recX.updates...)
	mustApply(t, b, recX.updates...)
	mustTransact(t, a, func(tx *Txn) error { return tx.Set(ParsePath("room.name"), "quiz") })

	var forwarded []byte
	b.OnUpdate(func(update []byte, origin any) { forwarded = update })
	diff, err := a.EncodeStateAsUpdate(b.StateVector())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	mustApply(t, b, diff)
	if forwarded == nil {
		t.Fatalf("expected the merged diff to be published")
	}

	// the diff left out x's write because b had it; c does not
	mustApply(t, c, forwarded)
	if got := c.StateVector()["x"]; got != 0 {
		t.Fatalf("forwarded update claimed x's write, vector %d", got)
	}
}

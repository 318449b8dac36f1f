package crdt

import (
	"errors"
	"fmt"
)

// ErrEmptyKey rejects paths containing an empty segment.
var ErrEmptyKey = errors.New("crdt: empty path segment")

// Txn is the only way to write to a Doc. Everything written inside one Transact call is
// published as a single update, so a lazily created container and its first child reach
// peers together.
type Txn struct {
	doc     *Doc
	seq     uint64
	u       update
	changes changeSet
	undo    []func()
}

// Transact runs fn under the document lock. If fn returns an error every write is rolled
// back and nothing is published. fn must use the Txn for reads; calling Doc methods from
// inside fn deadlocks.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) error {
	d.mu.Lock()
	self := d.clock.replica
	tx := &Txn{doc: d, seq: d.nextSeq()}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		d.mu.Unlock()
		return err
	}
	if !tx.u.empty() {
		tx.u.Replica, tx.u.Seq = self, tx.seq
		d.markSeen(self, tx.seq)
	}
	d.mu.Unlock()

	if tx.u.empty() {
		return nil
	}
	data, err := encodeUpdate(&tx.u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	d.notify(Event{Changed: tx.changes.paths, Origin: origin, Local: true}, data)
	return nil
}

// Get reads through the transaction, seeing its own writes.
func (tx *Txn) Get(path Path) (Value, bool) { return tx.doc.get(path) }

// Keys lists visible map keys at path.
func (tx *Txn) Keys(path Path) []string { return tx.doc.keys(path) }

// Len returns the visible length of the sequence at path.
func (tx *Txn) Len(path Path) int { return len(tx.doc.items(path)) }

// Items returns the visible sequence elements at path.
func (tx *Txn) Items(path Path) []Value { return tx.doc.items(path) }

// Set writes a leaf value, creating missing parent maps in the same transaction.
func (tx *Txn) Set(path Path, v any) error {
	if len(path) == 0 {
		return errors.New("crdt: cannot set root")
	}
	if err := validate(path); err != nil {
		return err
	}
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	parent, key := path.Parent()
	if err := tx.EnsureMap(parent); err != nil {
		return err
	}
	tx.write(parent, key, &register{Kind: KindValue, Data: data})
	return nil
}

// EnsureMap makes every segment of path a map. Existing maps are left untouched, so calling
// it twice, or on two replicas concurrently, yields one container.
func (tx *Txn) EnsureMap(path Path) error {
	if err := validate(path); err != nil {
		return err
	}
	for i := range path {
		tx.ensure(path[:i], path[i], KindMap)
	}
	return nil
}

// EnsureSeq makes path a sequence, creating parent maps as needed.
func (tx *Txn) EnsureSeq(path Path) error {
	if len(path) == 0 {
		return errors.New("crdt: root is a map")
	}
	parent, key := path.Parent()
	if err := tx.EnsureMap(parent); err != nil {
		return err
	}
	tx.ensure(parent, key, KindSeq)
	return nil
}

// Delete removes the value at path. Containers also tombstone their visible descendants.
// Deleting an absent path is a no-op.
func (tx *Txn) Delete(path Path) {
	if len(path) == 0 {
		return
	}
	v, ok := tx.doc.get(path)
	if !ok {
		return
	}
	if v.kind != KindValue {
		tx.Clear(path)
	}
	parent, key := path.Parent()
	tx.write(parent, key, &register{Kind: v.kind, Deleted: true})
}

// Clear empties the container at path but keeps the container itself.
func (tx *Txn) Clear(path Path) {
	v, ok := tx.doc.get(path)
	if !ok {
		return
	}
	switch v.kind {
	case KindMap:
		for _, k := range tx.doc.keys(path) {
			tx.Delete(path.Child(k))
		}
	case KindSeq:
		n := tx.Len(path)
		if n > 0 {
			_ = tx.RemoveAt(path, 0, n)
		}
	}
}

// Insert places values at index of the sequence at path, clamping index to [0, len].
func (tx *Txn) Insert(path Path, index int, values ...any) error {
	if err := tx.EnsureSeq(path); err != nil {
		return err
	}
	node := tx.doc.seqNode(path)
	visible := node.linearize()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}
	var origin Timestamp
	if index > 0 {
		origin = visible[index-1].ID
	}
	for _, v := range values {
		data, err := Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s[%d]: %w", path, index, err)
		}
		id := tx.doc.clock.Tick()
		e := &element{ID: id, Origin: origin, Data: data, Seq: tx.seq}
		node.elems[id] = e
		tx.undo = append(tx.undo, func() { delete(node.elems, id) })
		tx.u.Inserts = append(tx.u.Inserts, insertOp{Container: node.path, ID: id, Origin: origin, Data: data, Seq: tx.seq})
		origin = id
	}
	tx.changes.add(node.path)
	return nil
}

// Push appends values to the sequence at path.
func (tx *Txn) Push(path Path, values ...any) error {
	return tx.Insert(path, tx.Len(path), values...)
}

// RemoveAt tombstones n visible elements starting at index.
func (tx *Txn) RemoveAt(path Path, index, n int) error {
	v, ok := tx.doc.get(path)
	if !ok || v.kind != KindSeq {
		return fmt.Errorf("crdt: %s is not a sequence", path)
	}
	node := tx.doc.seqNode(path)
	visible := node.linearize()
	if index < 0 || index >= len(visible) {
		return nil
	}
	end := index + n
	if end > len(visible) {
		end = len(visible)
	}
	for _, e := range visible[index:end] {
		id := e.ID
		ts := tx.doc.clock.Tick()
		node.removed[id] = removal{TS: ts, Seq: tx.seq}
		tx.undo = append(tx.undo, func() { delete(node.removed, id) })
		tx.u.Removals = append(tx.u.Removals, removeOp{Container: node.path, ID: id, TS: ts, Seq: tx.seq})
	}
	tx.changes.add(node.path)
	return nil
}

// Replace swaps the element at index for v.
func (tx *Txn) Replace(path Path, index int, v any) error {
	if index < 0 || index >= tx.Len(path) {
		return fmt.Errorf("crdt: index %d out of range for %s", index, path)
	}
	if err := tx.RemoveAt(path, index, 1); err != nil {
		return err
	}
	return tx.Insert(path, index, v)
}

func (tx *Txn) ensure(parent Path, key string, kind Kind) {
	node := tx.doc.maps[parent.key()]
	if node != nil {
		if reg := node.entries[key]; reg.visible() && reg.Kind == kind {
			return
		}
	}
	tx.write(parent, key, &register{Kind: kind})
}

func (tx *Txn) write(parent Path, key string, reg *register) {
	node := tx.doc.mapNode(parent)
	reg.TS = tx.doc.clock.Tick()
	reg.Seq = tx.seq

	prev := node.entries[key]
	node.entries[key] = reg
	tx.undo = append(tx.undo, func() {
		if prev == nil {
			delete(node.entries, key)
			return
		}
		node.entries[key] = prev
	})
	tx.u.Entries = append(tx.u.Entries, entryOp{
		Container: node.path, Key: key, TS: reg.TS, Kind: reg.Kind, Data: reg.Data, Deleted: reg.Deleted, Seq: reg.Seq,
	})
	tx.changes.add(node.path.Child(key))
}

func validate(path Path) error {
	for _, seg := range path {
		if seg == "" {
			return ErrEmptyKey
		}
	}
	return nil
}

package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// StateVector maps replica id to the number of its transactions seen without a gap.
// Every replica numbers its committed transactions 1, 2, 3 and so on.
type StateVector map[string]uint64

type entryOp struct {
	Container Path      `msgpack:"p"`
	Key       string    `msgpack:"k"`
	TS        Timestamp `msgpack:"t"`
	Kind      Kind      `msgpack:"n"`
	Data      []byte    `msgpack:"v,omitempty"`
	Deleted   bool      `msgpack:"x,omitempty"`
	Seq       uint64    `msgpack:"q"`
}

type insertOp struct {
	Container Path      `msgpack:"p"`
	ID        Timestamp `msgpack:"i"`
	Origin    Timestamp `msgpack:"o"`
	Data      []byte    `msgpack:"v"`
	Seq       uint64    `msgpack:"q"`
}

type removeOp struct {
	Container Path      `msgpack:"p"`
	ID        Timestamp `msgpack:"i"`
	TS        Timestamp `msgpack:"t"`
	Seq       uint64    `msgpack:"q"`
}

// update is the unit of replication: everything one transaction wrote, or a state diff.
// A transaction carries its writer and sequence number. A diff carries the sender's vector,
// which the receiver adopts once the diff is merged.
type update struct {
	Replica  string      `msgpack:"r,omitempty"`
	Seq      uint64      `msgpack:"q,omitempty"`
	Vector   StateVector `msgpack:"sv,omitempty"`
	Entries  []entryOp   `msgpack:"e,omitempty"`
	Inserts  []insertOp  `msgpack:"s,omitempty"`
	Removals []removeOp  `msgpack:"d,omitempty"`
}

func (u *update) empty() bool {
	return len(u.Entries) == 0 && len(u.Inserts) == 0 && len(u.Removals) == 0
}

func encodeUpdate(u *update) ([]byte, error) {
	return msgpack.Marshal(u)
}

// ApplyUpdate merges a remote update. Applying the same update twice, or several updates in
// any order, converges on the same state. A diff from EncodeStateAsUpdate must only be
// applied by the replica whose vector it was computed against.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	var u update
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	var changes changeSet
	d.merge(&u, &changes)
	if u.Seq > 0 && u.Replica != "" {
		d.markSeen(u.Replica, u.Seq)
	}
	if u.Vector != nil {
		d.adopt(u.Vector)
	}
	d.mu.Unlock()

	if len(changes.paths) == 0 {
		return nil
	}
	if u.Vector != nil {
		// the vector only holds for this replica; never pass it on
		u.Vector = nil
		var err error
		if data, err = encodeUpdate(&u); err != nil {
			return fmt.Errorf("encode update: %w", err)
		}
	}
	d.notify(Event{Changed: changes.paths, Origin: origin}, data)
	return nil
}

func (d *Doc) merge(u *update, changes *changeSet) {
	for i := range u.Entries {
		op := &u.Entries[i]
		d.clock.Observe(op.TS)
		node := d.mapNode(op.Container)
		cur := node.entries[op.Key]
		if cur != nil && !cur.TS.Less(op.TS) {
			continue
		}
		node.entries[op.Key] = &register{TS: op.TS, Kind: op.Kind, Data: op.Data, Deleted: op.Deleted, Seq: op.Seq}
		changes.add(op.Container.Child(op.Key))
	}
	for i := range u.Inserts {
		op := &u.Inserts[i]
		d.clock.Observe(op.ID)
		node := d.seqNode(op.Container)
		if _, ok := node.elems[op.ID]; ok {
			continue
		}
		node.elems[op.ID] = &element{ID: op.ID, Origin: op.Origin, Data: op.Data, Seq: op.Seq}
		changes.add(op.Container)
	}
	for i := range u.Removals {
		op := &u.Removals[i]
		d.clock.Observe(op.TS)
		node := d.seqNode(op.Container)
		if _, ok := node.removed[op.ID]; ok {
			continue
		}
		node.removed[op.ID] = removal{TS: op.TS, Seq: op.Seq}
		changes.add(op.Container)
	}
}

// StateVector summarises what this replica has seen, for diff-based sync.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.seen))
	for r, c := range d.seen {
		sv[r] = c
	}
	return sv
}

// EncodeStateVector serialises the state vector for the sync handshake.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	return msgpack.Marshal(d.StateVector())
}

// DecodeStateVector parses a state vector sent by a peer.
func DecodeStateVector(data []byte) (StateVector, error) {
	var sv StateVector
	if len(data) == 0 {
		return StateVector{}, nil
	}
	if err := msgpack.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}

// EncodeStateAsUpdate returns every write the holder of sv has not seen. A nil vector
// yields the full state, including tombstones.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	u := d.diff(sv)
	d.mu.Unlock()
	return encodeUpdate(u)
}

// EncodeStateAsUpdates is EncodeStateAsUpdate split into frames of roughly maxBytes each.
// They must be applied in order; only the last one advances the receiver's vector.
func (d *Doc) EncodeStateAsUpdates(sv StateVector, maxBytes int) ([][]byte, error) {
	d.mu.Lock()
	u := d.diff(sv)
	d.mu.Unlock()
	return encodeAll(split(u, maxBytes))
}

// SplitUpdate cuts an encoded update into updates of roughly maxBytes each. An update
// that already fits is returned as is. Apply the parts in order.
func SplitUpdate(data []byte, maxBytes int) ([][]byte, error) {
	if maxBytes <= 0 || len(data) <= maxBytes {
		return [][]byte{data}, nil
	}
	var u update
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return encodeAll(split(&u, maxBytes))
}

func encodeAll(parts []*update) ([][]byte, error) {
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		data, err := encodeUpdate(p)
		if err != nil {
			return nil, fmt.Errorf("encode update: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// opOverhead covers field tags, timestamps and the replica ids inside them.
const opOverhead = 160

func pathSize(p Path) int {
	n := 0
	for _, seg := range p {
		n += len(seg) + 2
	}
	return n
}

// split packs ops into parts whose estimated size stays under maxBytes. The writer,
// sequence number and vector ride on the last part so the receiver only counts the
// update as seen once all of it arrived. An op larger than maxBytes gets a part of its own.
func split(u *update, maxBytes int) []*update {
	budget := maxBytes - opOverhead
	for r := range u.Vector {
		budget -= len(r) + 12
	}
	var parts []*update
	cur := &update{}
	size := 0
	fit := func(n int) {
		if size > 0 && size+n > budget {
			parts = append(parts, cur)
			cur = &update{}
			size = 0
		}
		size += n
	}
	for _, op := range u.Entries {
		fit(opOverhead + pathSize(op.Container) + len(op.Key) + len(op.Data))
		cur.Entries = append(cur.Entries, op)
	}
	for _, op := range u.Inserts {
		fit(opOverhead + pathSize(op.Container) + len(op.Data))
		cur.Inserts = append(cur.Inserts, op)
	}
	for _, op := range u.Removals {
		fit(opOverhead + pathSize(op.Container))
		cur.Removals = append(cur.Removals, op)
	}
	cur.Replica, cur.Seq, cur.Vector = u.Replica, u.Seq, u.Vector
	return append(parts, cur)
}

func (d *Doc) diff(sv StateVector) *update {
	missing := func(replica string, seq uint64) bool {
		return seq > sv[replica]
	}
	u := &update{}
	for _, node := range d.maps {
		for k, reg := range node.entries {
			if missing(reg.TS.Replica, reg.Seq) {
				u.Entries = append(u.Entries, entryOp{
					Container: node.path, Key: k, TS: reg.TS, Kind: reg.Kind, Data: reg.Data, Deleted: reg.Deleted, Seq: reg.Seq,
				})
			}
		}
	}
	for _, node := range d.seqs {
		for _, e := range node.elems {
			if missing(e.ID.Replica, e.Seq) {
				u.Inserts = append(u.Inserts, insertOp{Container: node.path, ID: e.ID, Origin: e.Origin, Data: e.Data, Seq: e.Seq})
			}
		}
		for id, rm := range node.removed {
			if missing(rm.TS.Replica, rm.Seq) {
				u.Removals = append(u.Removals, removeOp{Container: node.path, ID: id, TS: rm.TS, Seq: rm.Seq})
			}
		}
	}
	u.Vector = make(StateVector, len(d.seen))
	for r, seq := range d.seen {
		u.Vector[r] = seq
	}
	return u
}

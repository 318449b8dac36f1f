package crdt

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Kind tells what a map entry holds.
type Kind uint8

const (
	KindValue Kind = iota + 1
	KindMap
	KindSeq
)

// ErrNotValue is returned when decoding a container as a leaf.
var ErrNotValue = errors.New("crdt: path holds a container, not a value")

// register is a last-writer-wins map entry.
type register struct {
	TS      Timestamp
	Kind    Kind
	Data    []byte
	Deleted bool
	// Seq is the writer's transaction sequence number.
	Seq uint64
}

func (r *register) visible() bool {
	return r != nil && !r.Deleted
}

type mapNode struct {
	path    Path
	entries map[string]*register
}

// Value is a snapshot of one document location.
type Value struct {
	kind Kind
	data []byte
}

// Kind reports whether the value is a leaf, a map or a sequence.
func (v Value) Kind() Kind { return v.kind }

// Decode unmarshals a leaf into out.
func (v Value) Decode(out any) error {
	if v.kind != KindValue {
		return ErrNotValue
	}
	return Unmarshal(v.data, out)
}

// Event describes the locations touched by one committed transaction or merged update.
type Event struct {
	Changed []Path
	Origin  any
	Local   bool
}

type subscription struct {
	id   uint64
	path Path
	deep bool
	fn   func(Event)
}

type updateHandler struct {
	id uint64
	fn func(update []byte, origin any)
}

// Doc is one replica of a room document: a tree of LWW maps and RGA sequences.
// Containers are identified by their key path, so two replicas that lazily create
// the same container converge on one logical container and keep both sets of children.
type Doc struct {
	clock *Clock

	mu   sync.Mutex
	maps map[string]*mapNode
	seqs map[string]*seqNode
	// seen holds, per replica, the highest transaction sequence number below which
	// nothing is missing. ahead keeps sequence numbers that arrived past a gap.
	seen  map[string]uint64
	ahead map[string]map[uint64]struct{}

	subMu    sync.Mutex
	nextID   uint64
	subs     []subscription
	handlers []updateHandler
}

// NewDoc creates an empty replica. An empty replica id gets a random one.
func NewDoc(replica string) *Doc {
	if replica == "" {
		replica = uuid.NewString()
	}
	d := &Doc{
		clock: NewClock(replica),
		maps:  make(map[string]*mapNode),
		seqs:  make(map[string]*seqNode),
		seen:  make(map[string]uint64),
		ahead: make(map[string]map[uint64]struct{}),
	}
	d.maps[""] = &mapNode{path: Path{}, entries: make(map[string]*register)}
	return d
}

// ReplicaID identifies this replica in timestamps.
func (d *Doc) ReplicaID() string {
	return d.clock.replica
}

// Get returns the value at path. Missing paths report false rather than failing.
func (d *Doc) Get(path Path) (Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.get(path)
}

// Keys lists the visible keys of the map at path in sorted order.
func (d *Doc) Keys(path Path) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys(path)
}

// Items returns the visible elements of the sequence at path in document order.
func (d *Doc) Items(path Path) []Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items(path)
}

// Snapshot materialises the whole document into plain Go values for comparison and debugging.
// Leaves that fail to decode are left out.
func (d *Doc) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, _ := d.materialize(Path{}, KindMap).(map[string]any)
	return out
}

// Materialize returns the plain value at path, or nil when absent or undecodable.
func (d *Doc) Materialize(path Path) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.get(path)
	if !ok {
		return nil
	}
	if v.kind == KindValue {
		var out any
		if err := Unmarshal(v.data, &out); err != nil {
			return nil
		}
		return out
	}
	return d.materialize(path, v.kind)
}

// Subscribe calls fn after every change at path. Shallow subscriptions see changes to the
// location itself and its direct children; deep ones see any descendant. Replacing or
// deleting an ancestor notifies both. The returned func removes the subscription.
func (d *Doc) Subscribe(path Path, deep bool, fn func(Event)) func() {
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, path: path.Child(), deep: deep, fn: fn})
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnUpdate registers fn to receive every encoded update this replica commits or merges,
// together with the origin passed to Transact or ApplyUpdate.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) func() {
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, updateHandler{id: id, fn: fn})
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			for i, h := range d.handlers {
				if h.id == id {
					d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *Doc) get(path Path) (Value, bool) {
	if len(path) == 0 {
		return Value{kind: KindMap}, true
	}
	container := d.maps[""]
	for i, seg := range path {
		if container == nil {
			return Value{}, false
		}
		reg := container.entries[seg]
		if !reg.visible() {
			return Value{}, false
		}
		if i == len(path)-1 {
			return Value{kind: reg.Kind, data: reg.Data}, true
		}
		if reg.Kind != KindMap {
			return Value{}, false
		}
		container = d.maps[path[:i+1].key()]
	}
	return Value{}, false
}

func (d *Doc) keys(path Path) []string {
	v, ok := d.get(path)
	if !ok || v.kind != KindMap {
		return nil
	}
	node := d.maps[path.key()]
	if node == nil {
		return nil
	}
	keys := make([]string, 0, len(node.entries))
	for k, reg := range node.entries {
		if reg.visible() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (d *Doc) items(path Path) []Value {
	v, ok := d.get(path)
	if !ok || v.kind != KindSeq {
		return nil
	}
	node := d.seqs[path.key()]
	if node == nil {
		return nil
	}
	elems := node.linearize()
	out := make([]Value, len(elems))
	for i, e := range elems {
		out[i] = Value{kind: KindValue, data: e.Data}
	}
	return out
}

func (d *Doc) materialize(path Path, kind Kind) any {
	switch kind {
	case KindMap:
		out := make(map[string]any)
		node := d.maps[path.key()]
		if node == nil {
			return out
		}
		for k, reg := range node.entries {
			if !reg.visible() {
				continue
			}
			if reg.Kind == KindValue {
				var leaf any
				if err := Unmarshal(reg.Data, &leaf); err != nil {
					continue
				}
				out[k] = leaf
				continue
			}
			out[k] = d.materialize(path.Child(k), reg.Kind)
		}
		return out
	case KindSeq:
		out := []any{}
		node := d.seqs[path.key()]
		if node == nil {
			return out
		}
		for _, e := range node.linearize() {
			var leaf any
			if err := Unmarshal(e.Data, &leaf); err != nil {
				continue
			}
			out = append(out, leaf)
		}
		return out
	}
	return nil
}

func (d *Doc) mapNode(path Path) *mapNode {
	k := path.key()
	node := d.maps[k]
	if node == nil {
		node = &mapNode{path: path.Child(), entries: make(map[string]*register)}
		d.maps[k] = node
	}
	return node
}

func (d *Doc) seqNode(path Path) *seqNode {
	k := path.key()
	node := d.seqs[k]
	if node == nil {
		node = newSeqNode(path.Child())
		d.seqs[k] = node
	}
	return node
}

// nextSeq is the sequence number of this replica's next transaction. It also clears any
// of our own numbers parked past a gap, which happens when a replica id is reused.
func (d *Doc) nextSeq() uint64 {
	self := d.clock.replica
	next := d.seen[self] + 1
	for seq := range d.ahead[self] {
		if seq >= next {
			next = seq + 1
		}
	}
	return next
}

// markSeen records transaction seq of replica. A gap parks it in ahead until filled.
func (d *Doc) markSeen(replica string, seq uint64) {
	if seq <= d.seen[replica] {
		return
	}
	if seq > d.seen[replica]+1 {
		pending := d.ahead[replica]
		if pending == nil {
			pending = make(map[uint64]struct{})
			d.ahead[replica] = pending
		}
		pending[seq] = struct{}{}
		return
	}
	d.seen[replica] = seq
	d.drain(replica)
}

// adopt raises seen to a peer's vector. Only valid for a diff computed against our own
// vector, since such a diff holds everything the peer had that we lacked.
func (d *Doc) adopt(sv StateVector) {
	for replica, seq := range sv {
		if seq > d.seen[replica] {
			d.seen[replica] = seq
			d.drain(replica)
		}
	}
}

func (d *Doc) drain(replica string) {
	pending := d.ahead[replica]
	if pending == nil {
		return
	}
	for seq := range pending {
		if seq <= d.seen[replica] {
			delete(pending, seq)
		}
	}
	for {
		next := d.seen[replica] + 1
		if _, ok := pending[next]; !ok {
			break
		}
		delete(pending, next)
		d.seen[replica] = next
	}
	if len(pending) == 0 {
		delete(d.ahead, replica)
	}
}

// notify runs outside d.mu so callbacks may read or write the document.
func (d *Doc) notify(ev Event, update []byte) {
	d.subMu.Lock()
	subs := append([]subscription(nil), d.subs...)
	handlers := append([]updateHandler(nil), d.handlers...)
	d.subMu.Unlock()

	for _, h := range handlers {
		h.fn(update, ev.Origin)
	}
	for _, s := range subs {
		if matches(s, ev.Changed) {
			s.fn(ev)
		}
	}
}

func matches(s subscription, changed []Path) bool {
	for _, c := range changed {
		if s.path.HasPrefix(c) {
			return true
		}
		if !c.HasPrefix(s.path) {
			continue
		}
		if s.deep || len(c) <= len(s.path)+1 {
			return true
		}
	}
	return false
}

// changeSet collects touched paths without duplicates.
type changeSet struct {
	seen  map[string]struct{}
	paths []Path
}

func (c *changeSet) add(p Path) {
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	k := p.key()
	if _, ok := c.seen[k]; ok {
		return
	}
	c.seen[k] = struct{}{}
	c.paths = append(c.paths, p.Child())
}

package crdt

import "sort"

// element is one RGA sequence item. Origin is the element it was inserted after
// (zero for the head). Elements are never dropped, only tombstoned.
type element struct {
	ID     Timestamp
	Origin Timestamp
	Data   []byte
	// Seq is the writer's transaction sequence number.
	Seq uint64
}

// removal tombstones an element; TS.Replica wrote it in transaction Seq.
type removal struct {
	TS  Timestamp
	Seq uint64
}

type seqNode struct {
	path    Path
	elems   map[Timestamp]*element
	removed map[Timestamp]removal // keyed by element id
}

func newSeqNode(path Path) *seqNode {
	return &seqNode{
		path:    path,
		elems:   make(map[Timestamp]*element),
		removed: make(map[Timestamp]removal),
	}
}

// linearize walks the insertion tree: siblings with the same origin are ordered by
// descending id, so concurrent inserts at one index keep both elements in the same order
// on every replica. Elements whose origin has not arrived yet stay hidden.
func (s *seqNode) linearize() []*element {
	children := make(map[Timestamp][]*element, len(s.elems))
	for _, e := range s.elems {
		children[e.Origin] = append(children[e.Origin], e)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[j].ID.Less(list[i].ID) })
	}

	out := make([]*element, 0, len(s.elems))
	stack := []Timestamp{{}}
	// iterative pre-order traversal; push children in reverse so the first sibling pops first
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !id.IsZero() {
			if _, gone := s.removed[id]; !gone {
				out = append(out, s.elems[id])
			}
		}
		list := children[id]
		for i := len(list) - 1; i >= 0; i-- {
			stack = append(stack, list[i].ID)
		}
	}
	return out
}

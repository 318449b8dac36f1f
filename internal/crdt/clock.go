package crdt

import "sync"

// Timestamp orders writes across replicas. Counter is a Lamport clock; Replica breaks ties,
// so no two writes from different replicas ever compare equal.
type Timestamp struct {
	Counter uint64 `msgpack:"c"`
	Replica string `msgpack:"r"`
}

// IsZero reports whether t is the zero timestamp (used as the sequence head).
func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.Replica == ""
}

// Less reports whether t happened before o in the total write order.
func (t Timestamp) Less(o Timestamp) bool {
	if t.Counter != o.Counter {
		return t.Counter < o.Counter
	}
	return t.Replica < o.Replica
}

// Clock is a Lamport clock owned by one replica.
type Clock struct {
	mu      sync.Mutex
	replica string
	counter uint64
}

func NewClock(replica string) *Clock {
	return &Clock{replica: replica}
}

// Tick advances the clock for a local write.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return Timestamp{Counter: c.counter, Replica: c.replica}
}

// Observe merges a remote timestamp so later local writes sort after it.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	if ts.Counter > c.counter {
		c.counter = ts.Counter
	}
	c.mu.Unlock()
}

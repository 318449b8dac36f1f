// Package events is the in-process notification bus. It never crosses the network;
// peers only learn about each other's changes through document replication.
package events

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type handler struct {
	id uint64
	fn func(Event)
}

// Bus dispatches events to handlers registered per kind.
type Bus struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[Kind][]handler
}

// NewBus creates a bus that logs handler panics to log.
func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{log: log, handlers: make(map[Kind][]handler)}
}

// SubscribeKind registers fn for every event of kind. The returned func removes exactly
// this registration and is safe to call more than once.
func (b *Bus) SubscribeKind(kind Kind, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handler{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

// Subscribe registers a handler typed by the event payload it receives.
func Subscribe[E Event](b *Bus, fn func(E)) func() {
	var zero E
	return b.SubscribeKind(zero.Kind(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Emit delivers e to every handler of its kind. A panicking handler is logged and the
// remaining handlers still run.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	list := append([]handler(nil), b.handlers[e.Kind()]...)
	b.mu.RUnlock()

	for _, h := range list {
		b.dispatch(h, e)
	}
}

// Len reports how many handlers are registered for kind.
func (b *Bus) Len(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

func (b *Bus) dispatch(h handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"event": e.Kind(),
				"panic": fmt.Sprint(r),
			}).Error("event handler failed")
		}
	}()
	h.fn(e)
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[kind]
	for i, h := range list {
		if h.id == id {
			b.handlers[kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.handlers[kind]) == 0 {
		delete(b.handlers, kind)
	}
}

// Package relay forwards opaque sync frames between the connections of a room. It never
// decodes payloads, keeps no room state and does no bootstrap; joining clients resync
// from their peers.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Options tunes per-connection behaviour.
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

// DefaultOptions mirrors the keepalive timings used by the websocket handlers.
func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

// RoomRegistry records room liveness and connection counts outside the process.
// A count of zero means the room is gone.
type RoomRegistry interface {
	Track(ctx context.Context, room string, connections int) error
}

// Message is one websocket frame, forwarded with its original type.
type Message struct {
	Type int
	Data []byte
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms       int            `json:"rooms"`
	Connections int            `json:"connections"`
	PerRoom     map[string]int `json:"perRoom"`
}

// Conn is one client connection inside a room.
type Conn struct {
	ID   string
	Room string

	ws        *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(room string, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		Room: room,
		ws:   ws,
		send: make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// close is safe to call from any goroutine and more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hub groups connections by room.
type Hub struct {
	opts     Options
	log      logrus.FieldLogger
	registry RoomRegistry

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	total int
}

// NewHub creates a hub. registry may be nil.
func NewHub(opts Options, registry RoomRegistry, log logrus.FieldLogger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		opts:     opts,
		log:      log,
		registry: registry,
		rooms:    make(map[string]map[*Conn]struct{}),
	}
}

// Serve runs an upgraded connection until it closes. It blocks.
func (h *Hub) Serve(ctx context.Context, room string, ws *websocket.Conn) {
	c := newConn(room, ws, h.opts.SendBuffer)
	h.join(ctx, c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	h.readPump(c)
	h.leave(ctx, c)
	c.close()
	<-writerDone
}

// Stats reports rooms and connection counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	per := make(map[string]int, len(h.rooms))
	for room, conns := range h.rooms {
		per[room] = len(conns)
	}
	return Stats{Rooms: len(h.rooms), Connections: h.total, PerRoom: per}
}

// RoomSize returns the number of open connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*Conn
	for _, conns := range h.rooms {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

func (h *Hub) join(ctx context.Context, c *Conn) {
	h.mu.Lock()
	conns, ok := h.rooms[c.Room]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.rooms[c.Room] = conns
	}
	conns[c] = struct{}{}
	h.total++
	size, total := len(conns), h.total
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"room":        c.Room,
		"conn":        c.ID,
		"room_size":   size,
		"connections": total,
	}).Info("connection joined room")
	h.track(ctx, c.Room, size)
}

func (h *Hub) leave(ctx context.Context, c *Conn) {
	h.mu.Lock()
	conns, ok := h.rooms[c.Room]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	h.total--
	size, total := len(conns), h.total
	if size == 0 {
		delete(h.rooms, c.Room)
	}
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"room":        c.Room,
		"conn":        c.ID,
		"room_size":   size,
		"connections": total,
	}).Info("connection left room")
	h.track(ctx, c.Room, size)
}

// broadcast forwards msg to every other connection in the sender's room. Enqueueing never
// blocks: a connection whose queue is full is closed and will resync after reconnecting.
func (h *Hub) broadcast(from *Conn, msg Message) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[from.Room]))
	for c := range h.rooms[from.Room] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.closed() {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.WithFields(logrus.Fields{"room": c.Room, "conn": c.ID}).Warn("send queue full, dropping slow connection")
			c.close()
		}
	}
}

func (h *Hub) track(ctx context.Context, room string, size int) {
	if h.registry == nil {
		return
	}
	if err := h.registry.Track(context.WithoutCancel(ctx), room, size); err != nil {
		h.log.WithError(err).WithField("room", room).Warn("room registry update failed")
	}
}

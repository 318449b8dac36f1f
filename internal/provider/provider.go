// Package provider connects a local document replica and its presence state to a relay
// room and keeps them converged with every peer in that room.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quizroom/internal/awareness"
	"quizroom/internal/crdt"
)

// Status is the connectivity seen by the local client.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Options configures a Provider.
type Options struct {
	// URL is the relay room endpoint, e.g. ws://host:8080/rooms/r1.
	URL       string
	Doc       *crdt.Doc
	Awareness *awareness.Awareness
	Log       logrus.FieldLogger
	Dialer    *websocket.Dialer
	// OnStatus is called on every connectivity change.
	OnStatus func(Status)
	// SyncTimeout marks the replica synced when no peer answers (empty room).
	SyncTimeout time.Duration
	// NewBackOff builds the reconnect policy; defaults to unbounded exponential backoff.
	NewBackOff func() backoff.BackOff
	// MaxFrameSize caps an encoded frame. Keep it at or below the relay's read limit.
	MaxFrameSize int
	// QueueSize is the outgoing frame buffer of one connection.
	QueueSize int
}

const (
	DefaultMaxFrameSize = 512 << 10
	DefaultQueueSize    = 256

	// envelopeOverhead is reserved for the envelope around a document update.
	envelopeOverhead = 256
)

// link is the send side of one live connection. Cancelling ctx tears the connection down.
type link struct {
	out   chan []byte
	ctx   context.Context
	abort context.CancelFunc
}

// Provider owns the relay connection of one room replica.
type Provider struct {
	opts Options
	id   string
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	synced     chan struct{}
	syncedOnce sync.Once
	link       *link
}

// New prepares a provider; call Start to connect.
func New(opts Options) *Provider {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2 * time.Second
	}
	if opts.MaxFrameSize <= envelopeOverhead {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 250 * time.Millisecond
			bo.MaxInterval = 10 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		}
	}
	id := opts.Doc.ReplicaID()
	return &Provider{
		opts:   opts,
		id:     id,
		log:    opts.Log.WithFields(logrus.Fields{"replica": id, "url": opts.URL}),
		done:   make(chan struct{}),
		synced: make(chan struct{}),
	}
}

// Start connects in the background and keeps reconnecting until Close or ctx ends.
func (p *Provider) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		defer close(p.done)
		if err := p.run(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Warn("provider stopped")
		}
		p.setStatus(StatusDisconnected)
	}()
}

// Synced is closed once the replica has merged a peer's state, or found the room empty.
func (p *Provider) Synced() <-chan struct{} {
	return p.synced
}

// Status returns the current connectivity.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Close announces the local client offline and disconnects. It waits for the connection
// loop to exit.
func (p *Provider) Close() {
	if p.cancel == nil {
		return
	}
	if p.opts.Awareness != nil {
		p.opts.Awareness.SetOffline()
	}
	p.cancel()
	<-p.done
}

func (p *Provider) run(ctx context.Context) error {
	bo := p.opts.NewBackOff()
	p.setStatus(StatusConnecting)
	for {
		connected, err := p.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}
		p.log.WithError(err).Info("relay connection lost")
		p.setStatus(StatusReconnecting)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up reconnecting: %w", err)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectOnce runs one connection until it breaks. It reports whether the dial succeeded.
func (p *Provider) connectOnce(ctx context.Context) (bool, error) {
	conn, _, err := p.opts.Dialer.DialContext(ctx, p.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	l := &link{out: make(chan []byte, p.opts.QueueSize), ctx: connCtx, abort: stop}
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
	defer p.unlink(l)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer stop()
		p.writeLoop(connCtx, conn, l.out)
	}()
	defer func() {
		stop()
		<-writerDone
	}()

	unsubDoc := p.opts.Doc.OnUpdate(func(update []byte, origin any) {
		if origin == p {
			return
		}
		parts, err := crdt.SplitUpdate(update, p.bodyLimit())
		if err != nil {
			p.log.WithError(err).Error("split update")
			return
		}
		for _, part := range parts {
			p.send(Envelope{Type: MsgUpdate, Body: part})
		}
	})
	defer unsubDoc()

	if p.opts.Awareness != nil {
		unsubAwareness := p.opts.Awareness.OnChange(func(ch awareness.Change) {
			if ch.Origin == p {
				return
			}
			data, err := p.opts.Awareness.EncodeUpdate(ch.Clients()...)
			if err != nil {
				return
			}
			p.send(Envelope{Type: MsgAwareness, Body: data})
		})
		defer unsubAwareness()
	}

	p.setStatus(StatusConnected)
	if err := p.handshake(); err != nil {
		return true, err
	}
	timer := time.AfterFunc(p.opts.SyncTimeout, p.markSynced)
	defer timer.Stop()

	go func() {
		<-connCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			p.log.WithError(err).Debug("ignoring undecodable frame")
			continue
		}
		if env.From == p.id || (env.To != "" && env.To != p.id) {
			continue
		}
		if err := p.handle(env); err != nil {
			p.log.WithError(err).WithField("type", env.Type).Warn("failed to handle sync message")
		}
	}
}

func (p *Provider) handshake() error {
	sv, err := p.opts.Doc.EncodeStateVector()
	if err != nil {
		return err
	}
	p.sendWait(Envelope{Type: MsgSyncStep1, Body: sv})
	if p.opts.Awareness != nil {
		if _, ok := p.opts.Awareness.Local(); ok {
			data, err := p.opts.Awareness.EncodeUpdate(p.opts.Awareness.ClientID())
			if err == nil {
				p.sendWait(Envelope{Type: MsgAwareness, Body: data})
			}
		}
		p.sendWait(Envelope{Type: MsgQueryAwareness})
	}
	return nil
}

func (p *Provider) handle(env Envelope) error {
	switch env.Type {
	case MsgSyncStep1:
		sv, err := crdt.DecodeStateVector(env.Body)
		if err != nil {
			return err
		}
		frames, err := p.opts.Doc.EncodeStateAsUpdates(sv, p.bodyLimit())
		if err != nil {
			return err
		}
		for i, frame := range frames {
			typ := MsgUpdate
			if i == len(frames)-1 {
				typ = MsgSyncStep2
			}
			p.sendWait(Envelope{Type: typ, To: env.From, Body: frame})
		}
		if env.To == "" {
			own, err := p.opts.Doc.EncodeStateVector()
			if err != nil {
				return err
			}
			p.sendWait(Envelope{Type: MsgSyncStep1, To: env.From, Body: own})
		}
	case MsgSyncStep2:
		if err := p.opts.Doc.ApplyUpdate(env.Body, p); err != nil {
			return err
		}
		p.markSynced()
	case MsgUpdate:
		return p.opts.Doc.ApplyUpdate(env.Body, p)
	case MsgAwareness:
		if p.opts.Awareness != nil {
			return p.opts.Awareness.ApplyUpdate(env.Body, p)
		}
	case MsgQueryAwareness:
		if p.opts.Awareness != nil {
			data, err := p.opts.Awareness.EncodeUpdate()
			if err != nil {
				return err
			}
			p.sendWait(Envelope{Type: MsgAwareness, To: env.From, Body: data})
		}
	default:
		return fmt.Errorf("unknown message type %d", env.Type)
	}
	return nil
}

// send queues an envelope on the current connection without blocking. While disconnected
// it is dropped and the next handshake carries the state instead. A full queue tears the
// connection down, since peers would otherwise miss the frame until some later resync.
func (p *Provider) send(env Envelope) {
	l, data := p.prepare(env)
	if l == nil {
		return
	}
	select {
	case l.out <- data:
	default:
		p.log.WithField("type", env.Type).Warn("outgoing queue full, reconnecting to resync")
		p.unlink(l)
		l.abort()
	}
}

// sendWait queues an envelope, waiting for room until the connection ends. Only the
// connection's own goroutines use it, so a slow relay never stalls a writer.
func (p *Provider) sendWait(env Envelope) {
	l, data := p.prepare(env)
	if l == nil {
		return
	}
	select {
	case l.out <- data:
	case <-l.ctx.Done():
	}
}

func (p *Provider) prepare(env Envelope) (*link, []byte) {
	env.From = p.id
	data, err := encodeEnvelope(env)
	if err != nil {
		p.log.WithError(err).Error("encode envelope")
		return nil, nil
	}
	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	return l, data
}

func (p *Provider) unlink(l *link) {
	p.mu.Lock()
	if p.link == l {
		p.link = nil
	}
	p.mu.Unlock()
}

func (p *Provider) bodyLimit() int {
	return p.opts.MaxFrameSize - envelopeOverhead
}

func (p *Provider) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}
	for {
		select {
		case data := <-out:
			if err := write(data); err != nil {
				return
			}
		case <-ctx.Done():
			// flush what was queued before shutdown, e.g. the offline presence
			for {
				select {
				case data := <-out:
					if err := write(data); err != nil {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (p *Provider) markSynced() {
	p.syncedOnce.Do(func() { close(p.synced) })
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	changed := p.status != s
	p.status = s
	p.mu.Unlock()
	if changed && p.opts.OnStatus != nil {
		p.opts.OnStatus(s)
	}
}

package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quizroom/internal/awareness"
	"quizroom/internal/crdt"
	"quizroom/internal/relay"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startRelay(t *testing.T, tune ...func(*relay.Options)) (*httptest.Server, *relay.Hub) {
	t.Helper()
	opts := relay.DefaultOptions()
	for _, fn := range tune {
		fn(&opts)
	}
	hub := relay.NewHub(opts, nil, quietLogger())
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), strings.TrimPrefix(r.URL.Path, "/rooms/"), ws)
	}))
	return server, hub
}

type replica struct {
	doc       *crdt.Doc
	awareness *awareness.Awareness
	provider  *Provider
}

func connect(t *testing.T, server *httptest.Server, room, id string, tune ...func(*Options)) *replica {
	t.Helper()
	doc := crdt.NewDoc(id)
	aw := awareness.New(id, time.Minute)
	opts := Options{
		URL:         "ws" + server.URL[len("http"):] + "/rooms/" + room,
		Doc:         doc,
		Awareness:   aw,
		Log:         quietLogger(),
		SyncTimeout: 200 * time.Millisecond,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		},
	}
	for _, fn := range tune {
		fn(&opts)
	}
	p := New(opts)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	select {
	case <-p.Synced():
	case <-time.After(5 * time.Second):
		t.Fatalf("replica %s never synced", id)
	}
	return &replica{doc: doc, awareness: aw, provider: p}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLateJoinerReceivesExistingState(t *testing.T) {
	server, _ := startRelay(t)
	defer server.Close()

	host := connect(t, server, "r1", "host")
	if err := host.doc.Transact(nil, func(tx *crdt.Txn) error {
		if err := tx.Set(crdt.ParsePath("room.name"), "friday quiz"); err != nil {
			return err
		}
		return tx.Push(crdt.ParsePath("questions"), "q1", "q2")
	}); err != nil {
		t.Fatalf("transact: %v", err)
	}

	guest := connect(t, server, "r1", "guest")
	eventually(t, "guest to receive host state", func() bool {
		return reflect.DeepEqual(host.doc.Snapshot(), guest.doc.Snapshot())
	})
}

func TestConcurrentEditsConvergeThroughRelay(t *testing.T) {
	server, _ := startRelay(t)
	defer server.Close()

	a := connect(t, server, "r1", "a")
	b := connect(t, server, "r1", "b")

	for i, r := range []*replica{a, b} {
		uid := []string{"u1", "u2"}[i]
		if err := r.doc.Transact(nil, func(tx *crdt.Txn) error {
			return tx.Set(crdt.ParsePath("answers.q1").Child(uid), []int{i})
		}); err != nil {
			t.Fatalf("transact: %v", err)
		}
	}

	eventually(t, "both answers on both replicas", func() bool {
		return len(a.doc.Keys(crdt.ParsePath("answers.q1"))) == 2 &&
			reflect.DeepEqual(a.doc.Snapshot(), b.doc.Snapshot())
	})
}

func TestAwarenessPropagatesAndGoesOffline(t *testing.T) {
	server, _ := startRelay(t)
	defer server.Close()

	a := connect(t, server, "r1", "a")
	a.awareness.SetLocal(awareness.State{UserID: "u1", Name: "Alice"})
	b := connect(t, server, "r1", "b")

	eventually(t, "b to see a's presence", func() bool {
		_, ok := b.awareness.States()["a"]
		return ok
	})

	a.provider.Close()
	eventually(t, "a to go offline on b", func() bool {
		_, ok := b.awareness.States()["a"]
		return !ok
	})
}

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	l.seen = append(l.seen, s)
	l.mu.Unlock()
}

func (l *statusLog) has(s Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.seen {
		if got == s {
			return true
		}
	}
	return false
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seen) == 0 {
		return ""
	}
	return l.seen[len(l.seen)-1]
}

func TestReconnectAfterRelayDropConverges(t *testing.T) {
	server, hub := startRelay(t)
	defer server.Close()

	statuses := &statusLog{}
	a := connect(t, server, "r1", "a", func(o *Options) { o.OnStatus = statuses.record })
	b := connect(t, server, "r1", "b")

	hub.Shutdown()
	eventually(t, "a to report reconnecting", func() bool { return statuses.has(StatusReconnecting) })

	if err := a.doc.Transact(nil, func(tx *crdt.Txn) error {
		return tx.Set(crdt.ParsePath("room.name"), "written while offline")
	}); err != nil {
		t.Fatalf("transact: %v", err)
	}
	if err := b.doc.Transact(nil, func(tx *crdt.Txn) error {
		return tx.Set(crdt.ParsePath("room.status"), "waiting")
	}); err != nil {
		t.Fatalf("transact: %v", err)
	}

	eventually(t, "a to reconnect", func() bool {
		return statuses.last() == StatusConnected && a.provider.Status() == StatusConnected
	})
	eventually(t, "both writes on both replicas", func() bool {
		_, nameOnB := b.doc.Get(crdt.ParsePath("room.name"))
		_, statusOnA := a.doc.Get(crdt.ParsePath("room.status"))
		return nameOnB && statusOnA && reflect.DeepEqual(a.doc.Snapshot(), b.doc.Snapshot())
	})
}

func TestFullQueueAbortsConnection(t *testing.T) {
	p := New(Options{Doc: crdt.NewDoc("a"), Log: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &link{out: make(chan []byte, 1), ctx: ctx, abort: cancel}
	p.link = l

	p.send(Envelope{Type: MsgUpdate, Body: []byte{1}})
	if ctx.Err() != nil {
		t.Fatalf("connection aborted before the queue filled")
	}
	p.send(Envelope{Type: MsgUpdate, Body: []byte{2}})
	if ctx.Err() == nil {
		t.Fatalf("expected a full queue to abort the connection")
	}
	p.send(Envelope{Type: MsgUpdate, Body: []byte{3}})
	if len(l.out) != 1 {
		t.Fatalf("expected nothing queued after the abort, got %d frames", len(l.out))
	}
	if p.link != nil {
		t.Fatalf("expected the aborted link to be detached")
	}
}

func TestLargeStateReachesLateJoinerUnderRelayLimit(t *testing.T) {
	const limit = 64 << 10
	server, _ := startRelay(t, func(o *relay.Options) { o.MaxMessageSize = limit })
	defer server.Close()
	frames := func(o *Options) { o.MaxFrameSize = limit }

	host := connect(t, server, "r1", "host", frames)
	pad := strings.Repeat("x", 8<<10)
	if err := host.doc.Transact(nil, func(tx *crdt.Txn) error {
		for i := 0; i < 40; i++ {
			if err := tx.Push(crdt.ParsePath("answers"), pad); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("transact: %v", err)
	}

	guest := connect(t, server, "r1", "guest", frames)
	eventually(t, "guest to receive the large state", func() bool {
		return len(guest.doc.Items(crdt.ParsePath("answers"))) == 40 &&
			reflect.DeepEqual(host.doc.Snapshot(), guest.doc.Snapshot())
	})
	if host.provider.Status() != StatusConnected || guest.provider.Status() != StatusConnected {
		t.Fatalf("expected both replicas to stay connected")
	}
}

func TestBurstOverSmallQueueStillConverges(t *testing.T) {
	server, _ := startRelay(t)
	defer server.Close()

	a := connect(t, server, "r1", "a", func(o *Options) { o.QueueSize = 4 })
	b := connect(t, server, "r1", "b")

	pad := strings.Repeat("x", 2<<10)
	for i := 0; i < 200; i++ {
		if err := a.doc.Transact(nil, func(tx *crdt.Txn) error {
			return tx.Push(crdt.ParsePath("answers"), pad)
		}); err != nil {
			t.Fatalf("transact: %v", err)
		}
	}

	eventually(t, "b to hold every answer", func() bool {
		return len(b.doc.Items(crdt.ParsePath("answers"))) == 200 &&
			reflect.DeepEqual(a.doc.Snapshot(), b.doc.Snapshot())
	})
}

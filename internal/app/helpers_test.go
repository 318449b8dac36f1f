package app_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"quizroom/internal/app"
	"quizroom/internal/domain"
	"quizroom/internal/events"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mesh delivers every update synchronously to every other session, like a relay with
// zero latency. A session can be cut off so its outgoing updates queue up.
type mesh struct {
	mu      sync.Mutex
	peers   []*app.Session
	offline map[*app.Session]bool
	held    map[*app.Session][][]byte
}

func newMesh() *mesh {
	return &mesh{offline: make(map[*app.Session]bool), held: make(map[*app.Session][][]byte)}
}

func (m *mesh) join(t *testing.T, s *app.Session) {
	t.Helper()
	m.mu.Lock()
	peers := append([]*app.Session(nil), m.peers...)
	m.peers = append(m.peers, s)
	m.mu.Unlock()

	for _, p := range peers {
		exchange(t, m, p, s)
	}
	s.Doc().OnUpdate(func(update []byte, origin any) {
		if origin == m {
			return
		}
		m.mu.Lock()
		if m.offline[s] {
			m.held[s] = append(m.held[s], update)
			m.mu.Unlock()
			return
		}
		peers := append([]*app.Session(nil), m.peers...)
		m.mu.Unlock()
		m.deliver(s, peers, update)
	})
}

// cut queues s's outgoing updates; it still receives everyone else's.
func (m *mesh) cut(s *app.Session) {
	m.mu.Lock()
	m.offline[s] = true
	m.mu.Unlock()
}

// release delivers everything s queued while cut off.
func (m *mesh) release(s *app.Session) {
	m.mu.Lock()
	m.offline[s] = false
	held := m.held[s]
	delete(m.held, s)
	peers := append([]*app.Session(nil), m.peers...)
	m.mu.Unlock()
	for _, update := range held {
		m.deliver(s, peers, update)
	}
}

func (m *mesh) deliver(from *app.Session, peers []*app.Session, update []byte) {
	for _, p := range peers {
		if p != from {
			_ = p.Doc().ApplyUpdate(update, m)
		}
	}
}

func exchange(t *testing.T, m *mesh, a, b *app.Session) {
	t.Helper()
	toB, err := a.Doc().EncodeStateAsUpdate(b.Doc().StateVector())
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	toA, err := b.Doc().EncodeStateAsUpdate(a.Doc().StateVector())
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	if err := b.Doc().ApplyUpdate(toB, m); err != nil {
		t.Fatalf("apply state: %v", err)
	}
	if err := a.Doc().ApplyUpdate(toA, m); err != nil {
		t.Fatalf("apply state: %v", err)
	}
}

func newSession(t *testing.T, c *clock, uid string, opts ...func(*app.Options)) *app.Session {
	t.Helper()
	o := app.Options{
		RoomID: "r1",
		User:   domain.User{ID: uid, Name: "name-" + uid},
		Now:    c.Now,
		Log:    quietLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := app.NewSession(context.Background(), o)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// room creates a hosted room on a mesh and admits every guest as active.
func room(t *testing.T, c *clock, settings app.RoomSettings, guests ...string) (*mesh, *app.Session, []*app.Session) {
	t.Helper()
	m := newMesh()
	host := newSession(t, c, "host")
	if _, err := host.CreateRoom(settings); err != nil {
		t.Fatalf("create room: %v", err)
	}
	m.join(t, host)

	var out []*app.Session
	for _, uid := range guests {
		g := newSession(t, c, uid)
		m.join(t, g)
		if err := g.Admission().RequestJoin(); err != nil {
			t.Fatalf("join %s: %v", uid, err)
		}
		if err := host.Admission().Approve(uid); err != nil {
			t.Fatalf("approve %s: %v", uid, err)
		}
		out = append(out, g)
	}
	return m, host, out
}

func intPtr(i int) *int { return &i }

func questions(n int) []domain.Question {
	out := make([]domain.Question, n)
	for i := range out {
		out[i] = domain.Question{
			ID:           "q" + string(rune('1'+i)),
			Prompt:       "question",
			Options:      []string{"a", "b", "c", "d"},
			Duration:     30,
			CorrectIndex: intPtr(i % 4),
		}
	}
	return out
}

func startQuiz(t *testing.T, host *app.Session, n int) {
	t.Helper()
	if err := host.Quiz().SetQuestions(questions(n)); err != nil {
		t.Fatalf("set questions: %v", err)
	}
	if err := host.Quiz().Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
}

type recorder[E events.Event] struct {
	mu  sync.Mutex
	got []E
}

func listen[E events.Event](t *testing.T, s *app.Session) *recorder[E] {
	t.Helper()
	r := &recorder[E]{}
	t.Cleanup(events.Subscribe(s.Bus(), func(e E) {
		r.mu.Lock()
		r.got = append(r.got, e)
		r.mu.Unlock()
	}))
	return r
}

func (r *recorder[E]) events() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.got...)
}

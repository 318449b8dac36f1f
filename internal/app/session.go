package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quizroom/internal/awareness"
	"quizroom/internal/crdt"
	"quizroom/internal/domain"
	"quizroom/internal/events"
	"quizroom/internal/provider"
)

// QuizRepository loads question sets from the catalog (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// SnapshotStore keeps an encoded copy of a room document between runs.
// LoadSnapshot returns domain.ErrSnapshotNotFound for unknown rooms.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, roomID string, data []byte) error
}

// Options configures a Session.
type Options struct {
	RoomID string
	User   domain.User
	// Replica overrides the random replica id of the local document.
	Replica string
	// RelayURL connects the session to a relay room when set.
	RelayURL  string
	Snapshots SnapshotStore
	Log       logrus.FieldLogger
	Now       func() time.Time
	// PresenceTimeout is how long a silent peer stays online, for awareness and SweepStale.
	PresenceTimeout time.Duration
	// HeartbeatInterval is how often Run refreshes presence; defaults to a third of PresenceTimeout.
	HeartbeatInterval time.Duration
	// TickInterval is how often Run drives the autoplay timer.
	TickInterval time.Duration
	// FinishOnLastNext makes Next on the last question finish the quiz instead of clamping.
	FinishOnLastNext bool
	// MaxFrameSize caps sync frames sent to the relay; it must not exceed the relay's
	// message limit. Zero uses the provider default.
	MaxFrameSize int
}

// RoomSettings are the host's choices when creating a room.
type RoomSettings struct {
	Name        string
	Type        domain.RoomType
	Capacity    int
	Leaderboard bool
	AutoApprove bool
}

// View is a consistent read of everything a UI needs to render the room.
type View struct {
	Room    domain.Room
	State   QuizState
	Runtime domain.QuizRuntimeState
	Active  []domain.Participant
	Pending []domain.Participant
	Evicted bool
}

// snapshotOrigin tags updates merged from the snapshot store.
type snapshotOrigin struct{}

// Session is the per-room context of one local user: its replica, presence, bus and the
// controllers built on them. It is created when the user joins a room and closed when they
// leave; nothing in it is process-global.
type Session struct {
	id   string
	user domain.User
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time

	doc       *crdt.Doc
	awareness *awareness.Awareness
	bus       *events.Bus
	provider  *provider.Provider
	admission *Admission
	quiz      *Quiz
	stats     *statsCache
	telemetry *telemetry

	mu         sync.Mutex
	joined     bool
	evicted    bool
	closed     bool
	lastCounts Counts
	unsubs     []func()
	watchers   map[chan View]struct{}
}

// NewSession builds the room context, merges any stored snapshot and, when a relay URL is
// configured, starts replicating in the background. Use WaitSynced to block until the
// replica has caught up with its peers.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if opts.User.ID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = awareness.DefaultTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.PresenceTimeout / 3
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}

	log := opts.Log.WithFields(logrus.Fields{"room": opts.RoomID, "user": opts.User.ID})
	s := &Session{
		id:       opts.RoomID,
		user:     opts.User,
		opts:     opts,
		log:      log,
		now:      opts.Now,
		doc:      crdt.NewDoc(opts.Replica),
		bus:      events.NewBus(log),
		stats:    &statsCache{},
		watchers: make(map[chan View]struct{}),
	}
	s.awareness = awareness.NewWithClock(s.doc.ReplicaID(), opts.PresenceTimeout, opts.Now)
	s.admission = &Admission{s: s}
	s.quiz = &Quiz{s: s, finishOnLastNext: opts.FinishOnLastNext, answerKey: make(map[string]int)}
	s.telemetry = &telemetry{s: s}

	if opts.Snapshots != nil {
		data, err := opts.Snapshots.LoadSnapshot(ctx, opts.RoomID)
		switch {
		case errors.Is(err, domain.ErrSnapshotNotFound):
		case err != nil:
			return nil, fmt.Errorf("load snapshot: %w", err)
		default:
			if err := s.doc.ApplyUpdate(data, snapshotOrigin{}); err != nil {
				return nil, fmt.Errorf("merge snapshot: %w", err)
			}
		}
	}
	s.quiz.last = readRuntime(s.doc)
	s.lastCounts = s.admission.Counts()
	s.observe()

	s.awareness.SetLocal(awareness.State{UserID: opts.User.ID, Name: opts.User.Name})

	if opts.RelayURL != "" {
		s.provider = provider.New(provider.Options{
			URL:          opts.RelayURL,
			Doc:          s.doc,
			Awareness:    s.awareness,
			Log:          log,
			MaxFrameSize: opts.MaxFrameSize,
			OnStatus: func(st provider.Status) {
				s.bus.Emit(events.ConnectionStatus{Status: string(st)})
			},
		})
		s.provider.Start(context.WithoutCancel(ctx))
	}
	return s, nil
}

func (s *Session) observe() {
	invalidate := func(crdt.Event) { s.stats.invalidate() }
	s.unsubs = append(s.unsubs,
		s.doc.Subscribe(pathParticipants, true, func(crdt.Event) { s.onRosterChange() }),
		s.doc.Subscribe(pathBlocked, true, func(crdt.Event) { s.onRosterChange() }),
		s.doc.Subscribe(pathQuiz, true, func(crdt.Event) { s.quiz.observe() }),
		s.doc.Subscribe(pathAnswers, true, invalidate),
		s.doc.Subscribe(pathQuestions, true, invalidate),
		s.doc.Subscribe(pathParticipants, true, invalidate),
		s.doc.Subscribe(pathBlocked, true, invalidate),
		s.doc.Subscribe(crdt.Path{}, true, func(crdt.Event) { s.broadcast() }),
	)
	s.unsubs = append(s.unsubs, s.telemetry.subscribe(s.bus)...)
}

// ID is the room id.
func (s *Session) ID() string { return s.id }

// User is the local identity.
func (s *Session) User() domain.User { return s.user }

// Doc exposes the local replica.
func (s *Session) Doc() *crdt.Doc { return s.doc }

// Awareness exposes the presence channel.
func (s *Session) Awareness() *awareness.Awareness { return s.awareness }

// Bus is the local event bus of this room.
func (s *Session) Bus() *events.Bus { return s.bus }

// Admission is the roster controller.
func (s *Session) Admission() *Admission { return s.admission }

// Quiz is the quiz state machine.
func (s *Session) Quiz() *Quiz { return s.quiz }

// WaitSynced blocks until the replica merged a peer's state or found the room empty.
func (s *Session) WaitSynced(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	select {
	case <-s.provider.Synced():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionStatus reports relay connectivity; sessions without a relay are always disconnected.
func (s *Session) ConnectionStatus() provider.Status {
	if s.provider == nil {
		return provider.StatusDisconnected
	}
	return s.provider.Status()
}

// CreateRoom initialises the room on first host connection and admits the host. When the
// room already exists it only joins it.
func (s *Session) CreateRoom(settings RoomSettings) (domain.Room, error) {
	if settings.Type == "" {
		settings.Type = domain.RoomTypeQuiz
	}
	err := s.transact(func(tx *crdt.Txn) error {
		if readField(tx, pathRoom.Child("createdBy"), "") != "" {
			return nil
		}
		fields := map[string]any{
			"id":          s.id,
			"name":        settings.Name,
			"type":        settings.Type,
			"status":      domain.RoomWaiting,
			"createdBy":   s.user.ID,
			"capacity":    settings.Capacity,
			"leaderboard": settings.Leaderboard,
			"autoApprove": settings.AutoApprove,
		}
		for k, v := range fields {
			if err := tx.Set(pathRoom.Child(k), v); err != nil {
				return err
			}
		}
		return tx.Set(pathQuiz.Child("questionIndex"), -1)
	})
	if err != nil {
		return domain.Room{}, err
	}
	if err := s.admission.RequestJoin(); err != nil {
		return domain.Room{}, err
	}
	s.log.WithField("name", settings.Name).Info("room ready")
	return s.Room(), nil
}

// Room returns the room identity with the current player count.
func (s *Session) Room() domain.Room {
	room := readRoom(s.doc)
	room.PlayerCount = s.admission.Counts().Active
	return room
}

// CloseRoom marks the room closed. Host only.
func (s *Session) CloseRoom() error {
	return s.transact(func(tx *crdt.Txn) error {
		if err := s.requireHost(tx); err != nil {
			return err
		}
		return tx.Set(pathRoom.Child("status"), domain.RoomClosed)
	})
}

// IsHost reports whether the local user created the room.
func (s *Session) IsHost() bool {
	return s.requireHost(s.doc) == nil
}

// Evicted reports whether the local user was kicked or rejected.
func (s *Session) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// View reads the current room state.
func (s *Session) View() View {
	rt := readRuntime(s.doc)
	all := readParticipants(s.doc)
	v := View{
		Room:    readRoom(s.doc),
		State:   stateOf(rt),
		Runtime: rt,
		Active:  filterStatus(all, domain.ParticipantActive),
		Pending: filterStatus(all, domain.ParticipantPending),
		Evicted: s.Evicted(),
	}
	v.Room.PlayerCount = len(v.Active)
	return v
}

// Watch returns a channel of room views. The current view is delivered immediately; slow
// readers only ever miss intermediate views, never the latest one. The caller must invoke
// the returned cancel function to avoid leaks.
func (s *Session) Watch() (<-chan View, func()) {
	ch := make(chan View, 8)
	initial := s.View()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	ch <- initial
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) broadcast() {
	v := s.View()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Heartbeat refreshes the local presence and lastSeen, and expires silent peers. The host
// also sweeps participants whose heartbeat stopped.
func (s *Session) Heartbeat(now time.Time) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.awareness.Renew()
	s.awareness.RemoveStale()

	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if joined {
		err := s.transact(func(tx *crdt.Txn) error {
			if _, ok := readParticipant(tx, s.user.ID); !ok {
				return nil
			}
			return tx.Set(pathParticipants.Child(s.user.ID, "lastSeen"), now.UnixMilli())
		})
		if err != nil {
			return err
		}
	}
	if s.IsHost() {
		if _, err := s.admission.SweepStale(s.opts.PresenceTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the heartbeat and, on the host, the autoplay timer until ctx ends or the
// session becomes unusable.
func (s *Session) Run(ctx context.Context) error {
	tick := time.NewTicker(s.opts.TickInterval)
	defer tick.Stop()
	lastBeat := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		now := s.now()
		if now.Sub(lastBeat) >= s.opts.HeartbeatInterval {
			lastBeat = now
			if err := s.Heartbeat(now); err != nil {
				if IsTerminal(err) {
					return err
				}
				s.log.WithError(err).Warn("heartbeat failed")
			}
		}
		if _, err := s.quiz.Tick(now); err != nil && !errors.Is(err, domain.ErrNotHost) {
			s.log.WithError(err).Warn("autoplay tick failed")
		}
	}
}

// Persist saves the full document to the snapshot store.
func (s *Session) Persist(ctx context.Context) error {
	if s.opts.Snapshots == nil {
		return nil
	}
	data, err := s.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.opts.Snapshots.SaveSnapshot(ctx, s.id, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Close persists the document, disconnects from the relay and releases every watcher and
// subscription. The session is unusable afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	err := s.Persist(ctx)
	if s.provider != nil {
		s.provider.Close()
	} else {
		s.awareness.SetOffline()
	}
	return err
}

// transact runs fn as one document transaction on behalf of the local user.
func (s *Session) transact(fn func(tx *crdt.Txn) error) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.doc.Transact(s, fn)
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return domain.ErrSessionClosed
	case s.evicted:
		return domain.ErrEvicted
	}
	return nil
}

// requireHost is the advisory authority check for host-only mutations.
func (s *Session) requireHost(r reader) error {
	if readField(r, pathRoom.Child("createdBy"), "") != s.user.ID {
		return domain.ErrNotHost
	}
	return nil
}

func (s *Session) setJoined(joined bool) {
	s.mu.Lock()
	s.joined = joined
	s.mu.Unlock()
}

func (s *Session) onRosterChange() {
	counts := s.admission.Counts()
	s.mu.Lock()
	changed := counts != s.lastCounts
	s.lastCounts = counts
	s.mu.Unlock()
	if changed {
		s.bus.Emit(events.ParticipantsChanged{Active: counts.Active, Pending: counts.Pending})
	}
	s.checkEviction()
}

// checkEviction moves the session to its terminal evicted state once the local user's record
// is gone or a block marker names them. It only applies after this session joined, so a user
// can open a fresh session and explicitly rejoin.
func (s *Session) checkEviction() {
	s.mu.Lock()
	active := s.joined && !s.evicted && !s.closed
	s.mu.Unlock()
	if !active {
		return
	}

	block, blocked := readBlock(s.doc, s.user.ID)
	_, present := readParticipant(s.doc, s.user.ID)
	if present && !blocked {
		return
	}
	reason := block.Reason
	if !blocked {
		reason = domain.BlockKicked
	}

	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return
	}
	s.evicted = true
	s.mu.Unlock()

	s.log.WithField("reason", reason).Warn("evicted from room")
	s.bus.Emit(events.Evicted{UserID: s.user.ID, Reason: string(reason)})
	if s.provider != nil {
		// the notification may run on the provider's read loop, which Close waits for
		go s.provider.Close()
	}
}

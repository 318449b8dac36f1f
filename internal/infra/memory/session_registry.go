package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"quizroom/internal/app"
)

// OpenFunc builds the session of one room.
type OpenFunc func(ctx context.Context, roomID string) (*app.Session, error)

// SessionRegistry holds the open room sessions of one client process. Each room gets its
// own session on first use and loses it on leave; nothing is shared between rooms.
type SessionRegistry struct {
	open OpenFunc

	mu       sync.Mutex
	sessions map[string]*app.Session
}

func NewSessionRegistry(open OpenFunc) *SessionRegistry {
	return &SessionRegistry{
		open:     open,
		sessions: make(map[string]*app.Session),
	}
}

// GetOrOpen returns the session of roomID, opening it when needed.
func (r *SessionRegistry) GetOrOpen(ctx context.Context, roomID string) (*app.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[roomID]; ok {
		return session, nil
	}
	session, err := r.open(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.sessions[roomID] = session
	return session, nil
}

func (r *SessionRegistry) Get(roomID string) (*app.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[roomID]
	return session, ok
}

// Rooms lists the rooms with an open session.
func (r *SessionRegistry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Leave marks the local user as left and tears the room session down.
func (r *SessionRegistry) Leave(ctx context.Context, roomID string) error {
	r.mu.Lock()
	session, ok := r.sessions[roomID]
	delete(r.sessions, roomID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return leave(ctx, session)
}

// Prune closes sessions whose user was evicted.
func (r *SessionRegistry) Prune(ctx context.Context) []string {
	r.mu.Lock()
	var evicted []*app.Session
	for id, session := range r.sessions {
		if session.Evicted() {
			evicted = append(evicted, session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, session := range evicted {
		_ = session.Close(ctx)
		ids = append(ids, session.ID())
	}
	sort.Strings(ids)
	return ids
}

// CloseAll leaves every room.
func (r *SessionRegistry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*app.Session)
	r.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := leave(ctx, session); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func leave(ctx context.Context, session *app.Session) error {
	if err := session.Admission().Leave(); err != nil && !app.IsTerminal(err) {
		_ = session.Close(ctx)
		return err
	}
	return session.Close(ctx)
}

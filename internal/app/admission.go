package app

import (
	"time"

	"github.com/sirupsen/logrus"

	"quizroom/internal/crdt"
	"quizroom/internal/domain"
)

// Counts summarises the roster.
type Counts struct {
	Active  int
	Pending int
	Left    int
}

// Admission decides who is in the room. The views are recomputed from the participant
// collection on every read instead of being maintained incrementally.
type Admission struct {
	s *Session
}

// RequestJoin admits the local user: active for the host or when auto-approve is on,
// pending otherwise. It clears a previous block marker, which is how an evicted user
// explicitly rejoins. Calling it again refreshes the profile without downgrading status.
func (a *Admission) RequestJoin() error {
	s := a.s
	uid := s.user.ID
	err := s.transact(func(tx *crdt.Txn) error {
		now := s.now().UnixMilli()
		room := readRoom(tx)
		existing, ok := readParticipant(tx, uid)

		status := domain.ParticipantPending
		if room.CreatedBy == uid || room.AutoApprove {
			status = domain.ParticipantActive
		}
		if ok && existing.Status == domain.ParticipantActive && !isBlocked(tx, uid) {
			status = domain.ParticipantActive
		}
		if status == domain.ParticipantActive && room.Capacity > 0 && (!ok || existing.Status != domain.ParticipantActive) {
			if countStatus(readParticipants(tx), domain.ParticipantActive) >= room.Capacity {
				return domain.ErrRoomFull
			}
		}

		tx.Delete(pathBlocked.Child(uid))
		base := pathParticipants.Child(uid)
		fields := map[string]any{
			"id":         uid,
			"name":       s.user.Name,
			"avatarSeed": s.user.AvatarSeed,
			"color":      s.user.Color,
			"status":     status,
			"lastSeen":   now,
		}
		if !ok {
			fields["joinedAt"] = now
		}
		for k, v := range fields {
			if err := tx.Set(base.Child(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.setJoined(true)
	s.log.Info("join requested")
	return nil
}

// Approve moves a pending participant to active. Approving an active, absent or blocked
// user is a no-op.
func (a *Admission) Approve(uid string) error {
	return a.hostTransact(func(tx *crdt.Txn) error {
		p, ok := readParticipant(tx, uid)
		if !ok || isBlocked(tx, uid) || p.Status != domain.ParticipantPending {
			return nil
		}
		room := readRoom(tx)
		if room.Capacity > 0 && countStatus(readParticipants(tx), domain.ParticipantActive) >= room.Capacity {
			return domain.ErrRoomFull
		}
		return tx.Set(pathParticipants.Child(uid, "status"), domain.ParticipantActive)
	})
}

// Reject removes a pending participant and blocks them until they rejoin.
func (a *Admission) Reject(uid string) error {
	return a.hostTransact(func(tx *crdt.Txn) error {
		p, ok := readParticipant(tx, uid)
		if !ok || isBlocked(tx, uid) || p.Status != domain.ParticipantPending {
			return nil
		}
		return a.block(tx, uid, domain.BlockRejected)
	})
}

// Kick removes a participant and blocks them until they rejoin. The host cannot kick itself.
func (a *Admission) Kick(uid string) error {
	return a.hostTransact(func(tx *crdt.Txn) error {
		if uid == a.s.user.ID {
			return nil
		}
		if _, ok := readParticipant(tx, uid); !ok || isBlocked(tx, uid) {
			return nil
		}
		return a.block(tx, uid, domain.BlockKicked)
	})
}

// AutoApproveAll moves every pending participant to active, up to the room capacity.
func (a *Admission) AutoApproveAll() error {
	return a.hostTransact(func(tx *crdt.Txn) error {
		all := readParticipants(tx)
		room := readRoom(tx)
		active := countStatus(all, domain.ParticipantActive)
		for _, p := range all {
			if p.Status != domain.ParticipantPending {
				continue
			}
			if room.Capacity > 0 && active >= room.Capacity {
				return nil
			}
			if err := tx.Set(pathParticipants.Child(p.ID, "status"), domain.ParticipantActive); err != nil {
				return err
			}
			active++
		}
		return nil
	})
}

// SetAutoApprove toggles whether new joiners skip the pending queue.
func (a *Admission) SetAutoApprove(on bool) error {
	return a.hostTransact(func(tx *crdt.Txn) error {
		return tx.Set(pathRoom.Child("autoApprove"), on)
	})
}

// SweepStale marks active participants whose lastSeen is older than timeout as left and
// returns their ids. Users still advertising presence are kept.
func (a *Admission) SweepStale(timeout time.Duration) ([]string, error) {
	online := make(map[string]bool)
	for _, uid := range a.s.awareness.OnlineUsers() {
		online[uid] = true
	}
	cutoff := a.s.now().Add(-timeout).UnixMilli()

	var swept []string
	err := a.hostTransact(func(tx *crdt.Txn) error {
		swept = swept[:0]
		for _, p := range readParticipants(tx) {
			if p.ID == a.s.user.ID || p.Status != domain.ParticipantActive || online[p.ID] || p.LastSeen >= cutoff {
				continue
			}
			if err := tx.Set(pathParticipants.Child(p.ID, "status"), domain.ParticipantLeft); err != nil {
				return err
			}
			swept = append(swept, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(swept) > 0 {
		a.s.log.WithField("users", swept).Info("swept stale participants")
	}
	return swept, nil
}

// Leave marks the local user as left. Their earlier contributions stay in the document.
func (a *Admission) Leave() error {
	uid := a.s.user.ID
	err := a.s.transact(func(tx *crdt.Txn) error {
		if _, ok := readParticipant(tx, uid); !ok {
			return nil
		}
		return tx.Set(pathParticipants.Child(uid, "status"), domain.ParticipantLeft)
	})
	if err != nil {
		return err
	}
	a.s.setJoined(false)
	return nil
}

// Participant returns one non-blocked participant.
func (a *Admission) Participant(uid string) (domain.Participant, bool) {
	if isBlocked(a.s.doc, uid) {
		return domain.Participant{}, false
	}
	return readParticipant(a.s.doc, uid)
}

// Participants lists every non-blocked participant sorted by id.
func (a *Admission) Participants() []domain.Participant {
	return readParticipants(a.s.doc)
}

// Active lists participants allowed to play.
func (a *Admission) Active() []domain.Participant {
	return filterStatus(readParticipants(a.s.doc), domain.ParticipantActive)
}

// Pending lists participants waiting for the host.
func (a *Admission) Pending() []domain.Participant {
	return filterStatus(readParticipants(a.s.doc), domain.ParticipantPending)
}

// Counts summarises the roster.
func (a *Admission) Counts() Counts {
	all := readParticipants(a.s.doc)
	return Counts{
		Active:  countStatus(all, domain.ParticipantActive),
		Pending: countStatus(all, domain.ParticipantPending),
		Left:    countStatus(all, domain.ParticipantLeft),
	}
}

// Blocked returns the block marker of uid, if any.
func (a *Admission) Blocked(uid string) (domain.Block, bool) {
	return readBlock(a.s.doc, uid)
}

func (a *Admission) hostTransact(fn func(tx *crdt.Txn) error) error {
	return a.s.transact(func(tx *crdt.Txn) error {
		if err := a.s.requireHost(tx); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (a *Admission) block(tx *crdt.Txn, uid string, reason domain.BlockReason) error {
	tx.Delete(pathParticipants.Child(uid))
	a.s.log.WithFields(logrus.Fields{"target": uid, "reason": reason}).Info("participant removed")
	return tx.Set(pathBlocked.Child(uid), domain.Block{Reason: reason, At: a.s.now().UnixMilli()})
}

func filterStatus(all []domain.Participant, status domain.ParticipantStatus) []domain.Participant {
	out := make([]domain.Participant, 0, len(all))
	for _, p := range all {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

func countStatus(all []domain.Participant, status domain.ParticipantStatus) int {
	n := 0
	for _, p := range all {
		if p.Status == status {
			n++
		}
	}
	return n
}

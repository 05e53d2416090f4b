package session

import (
	"container/heap"
	"log"
	"sync"
	"time"

	"relay/pkg/types"
)

// snapAdapter satisfies sessionSnapshotLike against a types.Snapshot.
type snapAdapter struct{ s types.Snapshot }

func (a snapAdapter) lastActivityAt() time.Time    { return a.s.LastActivityAt }
func (a snapAdapter) createdAt() time.Time         { return a.s.CreatedAt }
func (a snapAdapter) peakStudents() int            { return a.s.PeakConcurrentStudents }
func (a snapAdapter) lastStudentLeftAt() *time.Time { return a.s.LastStudentLeftAt }

// ExpiredSession is one session the sweeper transitioned to Expired, with
// the reason code to surface on the session.expired envelope.
type ExpiredSession struct {
	Snapshot types.Snapshot
	Reason   string
}

// Manager is the Session Registry & Lifecycle Controller (§4.3): it owns
// the session table, the teacher-identity reconnection index, and the
// per-session expiry timers. Per §5's locking discipline, cross-session
// bookkeeping (this struct's own mu) is a short critical section; mutation
// of an individual session's fields goes through types.Session's own lock,
// so long-running per-session work never holds the registry lock.
type Manager struct {
	mu         sync.RWMutex
	byID       map[string]*types.Session
	byTeacher  map[string]*types.Session
	due        dueHeap
	dueByID    map[string]*dueEntry
	timers     Timers
	maxSessions int
}

// NewManager constructs an empty registry with the given timer thresholds
// and session-count ceiling (§5 resource limits).
func NewManager(timers Timers, maxSessions int) *Manager {
	return &Manager{
		byID:        make(map[string]*types.Session),
		byTeacher:   make(map[string]*types.Session),
		due:         make(dueHeap, 0),
		dueByID:     make(map[string]*dueEntry),
		timers:      timers,
		maxSessions: maxSessions,
	}
}

// CreateOrResume implements the teacher-reconnection rule (§4.3, critical):
// if teacherIdentity already owns a non-expired session whose classroom
// code has not expired, rebind to it ("resumed" = true, same sessionId and
// classroomCode). Otherwise a brand-new session is created with id
// newSessionID, bound to the code returned by allocate(newSessionID).
// newSessionID is generated by the caller (not here) because the classroom
// code allocator binds a code to a sessionId and must know it before the
// code exists; allocate is invoked only on the create path so the allocator
// is never touched on a resume.
//
// codeValid reports whether an existing session's classroom code is still
// live in the allocator; nil means skip the check (every test that doesn't
// care about code TTL). A session whose code has expired out from under it
// (classroomCodeTTL shorter than its own stale/empty-teacher timers, §6.4)
// is not resumable: it is dropped from the registry and the caller falls
// through to the normal create path, minting a fresh session and code.
func (m *Manager) CreateOrResume(teacherIdentity, teacherLanguage, newSessionID string, allocate func(sessionID string) (string, error), codeValid func(code string, now time.Time) bool, now time.Time) (*types.Session, bool, error) {
	m.mu.Lock()
	if existing, ok := m.byTeacher[teacherIdentity]; ok {
		state := existing.GetState()
		if state == types.SessionActive || state == types.SessionDraining {
			if codeValid == nil || codeValid(existing.ClassroomCode, now) {
				m.mu.Unlock()
				existing.MarkTeacherConnected(now)
				if state == types.SessionDraining {
					existing.ClearDraining()
				}
				existing.Touch(now)
				m.requeue(existing, now)
				log.Printf("session resumed: teacher=%s session=%s code=%s", teacherIdentity, existing.ID, existing.ClassroomCode)
				return existing, true, nil
			}
			log.Printf("session not resumed, classroom code expired: teacher=%s session=%s code=%s", teacherIdentity, existing.ID, existing.ClassroomCode)
			m.removeLocked(existing.ID)
		}
	}
	if len(m.byID) >= m.maxSessions {
		m.mu.Unlock()
		return nil, false, ErrCapacitySessions
	}
	m.mu.Unlock()

	code, err := allocate(newSessionID)
	if err != nil {
		return nil, false, err
	}

	sess := types.NewSession(newSessionID, teacherIdentity, code, teacherLanguage, now)

	m.mu.Lock()
	m.byID[sess.ID] = sess
	m.byTeacher[teacherIdentity] = sess
	m.mu.Unlock()
	m.requeue(sess, now)

	log.Printf("session created: teacher=%s session=%s code=%s", teacherIdentity, sess.ID, code)
	return sess, false, nil
}

// Get returns the session by id.
func (m *Manager) Get(sessionID string) (*types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// TeacherDisconnected moves an Active session with students present into
// Draining (§4.3 state table); sessions with no students simply lose their
// teacherConnectedAt stamp and continue to be governed by T_emptyTeacher.
func (m *Manager) TeacherDisconnected(sessionID string, now time.Time) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.MarkTeacherDisconnected(now)
}

// Touch stamps session activity and re-evaluates its place in the due
// heap, since activity pushes T_stale's deadline out.
func (m *Manager) Touch(sessionID string, now time.Time) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.Touch(now)
	m.requeue(s, now)
}

// AddStudent adds a subscription and re-evaluates the due heap (a first
// student joining removes the T_emptyTeacher candidacy).
func (m *Manager) AddStudent(sessionID string, sub *types.StudentSubscription) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.AddStudent(sub)
	s.Touch(sub.JoinedAt)
	m.requeue(s, sub.JoinedAt)
}

// RemoveStudent removes a subscription; if it was the session's last
// student, T_studentsLeft begins counting from now.
func (m *Manager) RemoveStudent(sessionID, connectionID string, now time.Time) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	s.RemoveStudent(connectionID, now)
	m.requeue(s, now)
}

// Remove deletes a session from the registry (called by the sweeper after
// it has persisted the terminal record and released the classroom code).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sessionID)
}

// removeLocked is Remove's body, callable by CreateOrResume while it
// already holds m.mu (dropping a session whose classroom code expired
// out from under it).
func (m *Manager) removeLocked(sessionID string) {
	s, ok := m.byID[sessionID]
	if !ok {
		return
	}
	delete(m.byID, sessionID)
	if cur, ok := m.byTeacher[s.TeacherIdentity]; ok && cur.ID == sessionID {
		delete(m.byTeacher, s.TeacherIdentity)
	}
	if e, ok := m.dueByID[sessionID]; ok {
		delete(m.dueByID, sessionID)
		if e.index >= 0 {
			heap.Remove(&m.due, e.index)
		}
	}
}

// requeue pushes (or repositions) sessionID's due-heap entry to reflect
// its current earliest timer deadline.
func (m *Manager) requeue(s *types.Session, now time.Time) {
	due := nextDue(snapAdapter{s.Snapshot()}, m.timers)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.dueByID[s.ID]; ok {
		e.dueAt = due
		if e.index >= 0 {
			heap.Fix(&m.due, e.index)
		}
		return
	}
	e := &dueEntry{sessionID: s.ID, dueAt: due}
	m.dueByID[s.ID] = e
	heap.Push(&m.due, e)
}

// ExpireDue pops every session whose earliest due-heap entry is at or
// before now, rechecks each against its live state (the recorded deadline
// may be stale if activity moved it out since it was queued), and
// transitions any that are genuinely due into Expired. Sessions that
// recheck as not-yet-due are re-pushed with their refreshed deadline
// rather than dropped, preserving O(log n) amortized scheduling. The
// T_teacherGone grace window is handled separately, via
// ClearElapsedGraces, since a Draining timeout alone never expires a
// session (§4.3: "grace elapsed -> Active (unchanged)").
func (m *Manager) ExpireDue(now time.Time) []ExpiredSession {
	var expired []ExpiredSession

	for {
		m.mu.Lock()
		if m.due.Len() == 0 || m.due[0].dueAt.After(now) {
			m.mu.Unlock()
			break
		}
		e := heap.Pop(&m.due).(*dueEntry)
		delete(m.dueByID, e.sessionID)
		s, ok := m.byID[e.sessionID]
		m.mu.Unlock()

		if !ok {
			continue
		}
		if s.GetState() == types.SessionExpired {
			continue
		}

		reason, due := m.dueReason(s, now)
		if !due {
			m.requeue(s, now)
			continue
		}

		s.SetState(types.SessionExpired)
		expired = append(expired, ExpiredSession{Snapshot: s.Snapshot(), Reason: reason})
	}
	return expired
}

// dueReason re-derives whether s is actually expired right now and, if so,
// which timer fired. Checked in the order stale, empty-teacher,
// students-left, matching the precedence implied by §4.3's table (stale
// is the backstop that always applies).
func (m *Manager) dueReason(s *types.Session, now time.Time) (string, bool) {
	snap := s.Snapshot()

	if now.Sub(snap.LastActivityAt) >= m.timers.Stale {
		return types.ReasonStale, true
	}
	if snap.PeakConcurrentStudents == 0 && now.Sub(snap.CreatedAt) >= m.timers.EmptyTeacher {
		return types.ReasonEmptyTeacher, true
	}
	if snap.LastStudentLeftAt != nil && now.Sub(*snap.LastStudentLeftAt) >= m.timers.StudentsLeft {
		return types.ReasonStudentsLeft, true
	}
	return "", false
}

// ClearElapsedGraces flips any Draining session whose teacherReconnectGrace
// window has closed back to Active (§4.3: grace elapsing does not itself
// expire a session — T_stale/T_studentsLeft continue to govern it as an
// ordinary Active session). Called once per sweep tick.
func (m *Manager) ClearElapsedGraces(now time.Time) {
	m.mu.RLock()
	sessions := make([]*types.Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if s.DrainingElapsed(now, m.timers.TeacherGone) {
			s.ClearDraining()
		}
	}
}

// List returns a snapshot of every live session, for the admin surface.
func (m *Manager) List() []types.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Snapshot, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s.Snapshot())
	}
	return out
}

// Count returns the number of live sessions, for capacity checks/metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

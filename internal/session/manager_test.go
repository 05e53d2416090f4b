package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relay/internal/codes"
	"relay/pkg/types"
)

func testTimers() Timers {
	return Timers{
		Stale:        time.Hour,
		EmptyTeacher: time.Hour,
		StudentsLeft: time.Hour,
		TeacherGone:  5 * time.Minute,
	}
}

func allocateOK(code string) func(string) (string, error) {
	return func(sessionID string) (string, error) { return code, nil }
}

func TestManager_CreateOrResume_CreatesNewSession(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()

	sess, resumed, err := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)
	if err != nil {
		t.Fatalf("CreateOrResume failed: %v", err)
	}
	if resumed {
		t.Error("first call for a teacher should not resume")
	}
	if sess.ID != "session-1" {
		t.Errorf("expected session id session-1, got %s", sess.ID)
	}
	if sess.ClassroomCode != "ABC123" {
		t.Errorf("expected classroom code ABC123, got %s", sess.ClassroomCode)
	}
	if sess.GetState() != types.SessionActive {
		t.Errorf("expected new session to be Active, got %s", sess.GetState())
	}
}

func TestManager_CreateOrResume_ResumesActiveSession(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()

	first, _, err := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)
	if err != nil {
		t.Fatalf("initial create failed: %v", err)
	}

	second, resumed, err := m.CreateOrResume("teacher1", "en", "session-2", allocateOK("ZZZ999"), nil, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !resumed {
		t.Error("second call for the same teacher should resume")
	}
	if second.ID != first.ID {
		t.Errorf("resumed session should keep original id %s, got %s", first.ID, second.ID)
	}
	if second.ClassroomCode != "ABC123" {
		t.Errorf("resumed session should keep original code, got %s", second.ClassroomCode)
	}
}

func TestManager_CreateOrResume_ResumesDrainingAndClearsIt(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()

	sess, _, err := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sess.AddStudent(&types.StudentSubscription{ConnectionID: "c1", SessionID: sess.ID, TargetLanguage: "es", JoinedAt: now})
	m.TeacherDisconnected(sess.ID, now.Add(time.Second))
	if sess.GetState() != types.SessionDraining {
		t.Fatalf("expected Draining after teacher disconnect with students present, got %s", sess.GetState())
	}

	resumedSess, resumed, err := m.CreateOrResume("teacher1", "en", "session-2", allocateOK("ZZZ999"), nil, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !resumed {
		t.Error("reconnecting teacher of a Draining session should resume")
	}
	if resumedSess.GetState() != types.SessionActive {
		t.Errorf("resuming should clear Draining back to Active, got %s", resumedSess.GetState())
	}
}

// TestManager_CreateOrResume_ExpiredCodeIsNotResumed exercises §4.3's resume
// rule against a classroom-code TTL shorter than the session's own timers
// (§6.4): the session is still Active when its code expires, so a naive
// state-only check would wrongly resume it onto a code the allocator no
// longer recognizes.
func TestManager_CreateOrResume_ExpiredCodeIsNotResumed(t *testing.T) {
	m := NewManager(testTimers(), 10)
	allocator := codes.NewAllocator(time.Second)
	now := time.Now()

	allocate := func(sessionID string) (string, error) { return allocator.Allocate(sessionID, now) }
	codeValid := func(code string, at time.Time) bool {
		_, err := allocator.Resolve(code, at)
		return err == nil
	}

	first, _, err := m.CreateOrResume("teacher1", "en", "session-1", allocate, codeValid, now)
	if err != nil {
		t.Fatalf("initial create failed: %v", err)
	}
	if first.GetState() != types.SessionActive {
		t.Fatalf("expected new session to be Active, got %s", first.GetState())
	}

	// The classroom code's TTL elapses, but nothing has swept the session
	// itself yet: it is still Active in the registry.
	later := now.Add(2 * time.Second)

	second, resumed, err := m.CreateOrResume("teacher1", "en", "session-2", allocateOK("ZZZ999"), codeValid, later)
	if err != nil {
		t.Fatalf("create after code expiry failed: %v", err)
	}
	if resumed {
		t.Error("a session whose classroom code has expired must not be resumed")
	}
	if second.ID == first.ID {
		t.Error("expected a brand-new session id once the old code expired")
	}
	if second.ClassroomCode != "ZZZ999" {
		t.Errorf("expected the freshly allocated code, got %s", second.ClassroomCode)
	}
	if _, ok := m.Get(first.ID); ok {
		t.Error("the orphaned session (expired code) should be dropped from the registry")
	}
	if m.Count() != 1 {
		t.Errorf("expected exactly the new session to remain, got count %d", m.Count())
	}
}

func TestManager_CreateOrResume_CapacityLimit(t *testing.T) {
	m := NewManager(testTimers(), 1)
	now := time.Now()

	if _, _, err := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("AAA111"), nil, now); err != nil {
		t.Fatalf("first create should succeed: %v", err)
	}

	_, _, err := m.CreateOrResume("teacher2", "en", "session-2", allocateOK("BBB222"), nil, now)
	if !errors.Is(err, ErrCapacitySessions) {
		t.Errorf("expected ErrCapacitySessions at capacity, got %v", err)
	}
}

func TestManager_CreateOrResume_AllocatorErrorPropagates(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()
	wantErr := errors.New("no codes available")

	_, _, err := m.CreateOrResume("teacher1", "en", "session-1", func(string) (string, error) {
		return "", wantErr
	}, nil, now)
	if !errors.Is(err, wantErr) {
		t.Errorf("expected allocator error to propagate, got %v", err)
	}
}

func TestManager_Get(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()
	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)

	got, ok := m.Get(sess.ID)
	if !ok || got.ID != sess.ID {
		t.Error("Get should return the created session")
	}

	_, ok = m.Get("nonexistent")
	if ok {
		t.Error("Get should report false for an unknown session id")
	}
}

func TestManager_TeacherDisconnected_KeepsActiveWithNoStudents(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()
	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)

	m.TeacherDisconnected(sess.ID, now.Add(time.Second))
	if sess.GetState() != types.SessionActive {
		t.Errorf("empty session should stay Active on teacher disconnect, got %s", sess.GetState())
	}
}

func TestManager_AddAndRemoveStudent(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()
	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)

	m.AddStudent(sess.ID, &types.StudentSubscription{ConnectionID: "c1", SessionID: sess.ID, TargetLanguage: "es", JoinedAt: now})
	if sess.StudentCount() != 1 {
		t.Errorf("expected 1 student, got %d", sess.StudentCount())
	}

	m.RemoveStudent(sess.ID, "c1", now.Add(time.Minute))
	if sess.StudentCount() != 0 {
		t.Errorf("expected 0 students after removal, got %d", sess.StudentCount())
	}
	snap := sess.Snapshot()
	if snap.LastStudentLeftAt == nil {
		t.Error("lastStudentLeftAt should be stamped once the last student leaves")
	}
}

func TestManager_Remove(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()
	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)

	m.Remove(sess.ID)
	if _, ok := m.Get(sess.ID); ok {
		t.Error("session should be gone after Remove")
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 sessions after Remove, got %d", m.Count())
	}

	// A removed teacher identity must be free to start a fresh session.
	newSess, resumed, err := m.CreateOrResume("teacher1", "en", "session-2", allocateOK("ZZZ999"), nil, now)
	if err != nil {
		t.Fatalf("recreate after Remove should succeed: %v", err)
	}
	if resumed {
		t.Error("recreate after Remove should not be treated as a resume")
	}
	if newSess.ID == sess.ID {
		t.Error("recreated session should have a new id")
	}
}

func TestManager_ExpireDue_StaleSession(t *testing.T) {
	timers := testTimers()
	timers.Stale = time.Minute
	m := NewManager(timers, 10)
	now := time.Now()

	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)

	expired := m.ExpireDue(now.Add(30 * time.Second))
	if len(expired) != 0 {
		t.Fatalf("session should not be expired before the stale timeout, got %d", len(expired))
	}

	expired = m.ExpireDue(now.Add(2 * time.Minute))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired session, got %d", len(expired))
	}
	if expired[0].Snapshot.ID != sess.ID {
		t.Errorf("expected expired session %s, got %s", sess.ID, expired[0].Snapshot.ID)
	}
	if expired[0].Reason != types.ReasonStale {
		t.Errorf("expected reason %s, got %s", types.ReasonStale, expired[0].Reason)
	}
	if sess.GetState() != types.SessionExpired {
		t.Errorf("expired session's own state should flip to Expired, got %s", sess.GetState())
	}
}

func TestManager_ExpireDue_RequeuesWhenActivityMovedDeadlineOut(t *testing.T) {
	timers := testTimers()
	timers.Stale = time.Minute
	m := NewManager(timers, 10)
	now := time.Now()

	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)
	m.Touch(sess.ID, now.Add(50*time.Second))

	// The due-heap entry was queued for ~now+1m, but Touch at +50s requeued
	// it to the new deadline of +1m50s, so ExpireDue at +1m10s must not
	// expire it.
	expired := m.ExpireDue(now.Add(70 * time.Second))
	if len(expired) != 0 {
		t.Fatalf("expected no expiry once activity pushed the deadline out, got %d", len(expired))
	}
	if sess.GetState() != types.SessionActive {
		t.Errorf("session should remain Active, got %s", sess.GetState())
	}
}

func TestManager_ExpireDue_EmptyTeacherTimeout(t *testing.T) {
	timers := testTimers()
	timers.Stale = time.Hour
	timers.EmptyTeacher = time.Minute
	m := NewManager(timers, 10)
	now := time.Now()

	m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)

	expired := m.ExpireDue(now.Add(2 * time.Minute))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired session, got %d", len(expired))
	}
	if expired[0].Reason != types.ReasonEmptyTeacher {
		t.Errorf("expected reason %s, got %s", types.ReasonEmptyTeacher, expired[0].Reason)
	}
}

func TestManager_ExpireDue_StudentsLeftTimeout(t *testing.T) {
	timers := testTimers()
	timers.Stale = time.Hour
	timers.EmptyTeacher = time.Hour
	timers.StudentsLeft = time.Minute
	m := NewManager(timers, 10)
	now := time.Now()

	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)
	m.AddStudent(sess.ID, &types.StudentSubscription{ConnectionID: "c1", SessionID: sess.ID, TargetLanguage: "es", JoinedAt: now})
	m.RemoveStudent(sess.ID, "c1", now.Add(time.Second))

	expired := m.ExpireDue(now.Add(2 * time.Minute))
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired session, got %d", len(expired))
	}
	if expired[0].Reason != types.ReasonStudentsLeft {
		t.Errorf("expected reason %s, got %s", types.ReasonStudentsLeft, expired[0].Reason)
	}
}

func TestManager_ClearElapsedGraces(t *testing.T) {
	timers := testTimers()
	timers.TeacherGone = time.Minute
	m := NewManager(timers, 10)
	now := time.Now()

	sess, _, _ := m.CreateOrResume("teacher1", "en", "session-1", allocateOK("ABC123"), nil, now)
	sess.AddStudent(&types.StudentSubscription{ConnectionID: "c1", SessionID: sess.ID, TargetLanguage: "es", JoinedAt: now})
	m.TeacherDisconnected(sess.ID, now.Add(time.Second))
	if sess.GetState() != types.SessionDraining {
		t.Fatalf("expected Draining, got %s", sess.GetState())
	}

	m.ClearElapsedGraces(now.Add(30 * time.Second))
	if sess.GetState() != types.SessionDraining {
		t.Errorf("grace window should not have elapsed yet, got %s", sess.GetState())
	}

	m.ClearElapsedGraces(now.Add(2 * time.Minute))
	if sess.GetState() != types.SessionActive {
		t.Errorf("elapsed grace should flip session back to Active, got %s", sess.GetState())
	}
}

func TestManager_ListAndCount(t *testing.T) {
	m := NewManager(testTimers(), 10)
	now := time.Now()

	if m.Count() != 0 {
		t.Errorf("expected 0 sessions initially, got %d", m.Count())
	}

	m.CreateOrResume("teacher1", "en", "session-1", allocateOK("AAA111"), nil, now)
	m.CreateOrResume("teacher2", "en", "session-2", allocateOK("BBB222"), nil, now)

	if m.Count() != 2 {
		t.Errorf("expected 2 sessions, got %d", m.Count())
	}
	if len(m.List()) != 2 {
		t.Errorf("expected List to return 2 snapshots, got %d", len(m.List()))
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(testTimers(), 1000)
	now := time.Now()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			teacher := fmt.Sprintf("teacher-%d", i)
			sessionID := fmt.Sprintf("session-%d", i)
			sess, _, err := m.CreateOrResume(teacher, "en", sessionID, allocateOK("CODE"), nil, now)
			if err != nil {
				return
			}
			m.Touch(sess.ID, now)
			m.AddStudent(sess.ID, &types.StudentSubscription{ConnectionID: sessionID, SessionID: sess.ID, TargetLanguage: "es", JoinedAt: now})
			m.RemoveStudent(sess.ID, sessionID, now)
		}()
	}
	wg.Wait()

	if m.Count() != n {
		t.Errorf("expected %d sessions after concurrent creates, got %d", n, m.Count())
	}
}

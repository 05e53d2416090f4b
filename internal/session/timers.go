package session

import (
	"time"
)

// Timers holds the four configurable per-session lifecycle deadlines
// (§4.3). All are durations; a session's exact expiry reason is computed
// against its own timestamps at sweep time, not stored as an absolute time
// up front, since activity events can push the deadline out.
type Timers struct {
	Stale        time.Duration
	EmptyTeacher time.Duration
	StudentsLeft time.Duration
	TeacherGone  time.Duration
}

// dueEntry is one session's place in the lifecycle due-heap, indexed by
// the earliest absolute time any of its timers could next fire. Per §9:
// "implement as a timer wheel or min-heap indexed by expiresAt... timer
// storage is O(sessions) and cancellation is O(log n)".
type dueEntry struct {
	sessionID string
	dueAt     time.Time
	index     int
}

type dueHeap []*dueEntry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *dueHeap) Push(x any) {
	e := x.(*dueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// nextDue computes the earliest absolute time, among this session's
// applicable timers, at which it would become a candidate for expiry,
// given its current snapshot and the configured thresholds. It does not
// decide *whether* to expire — that recheck happens when the entry is
// popped, since activity may have pushed the deadline out since it was
// queued.
func nextDue(snap sessionSnapshotLike, t Timers) time.Time {
	candidates := make([]time.Time, 0, 3)
	candidates = append(candidates, snap.lastActivityAt().Add(t.Stale))

	if snap.peakStudents() == 0 {
		candidates = append(candidates, snap.createdAt().Add(t.EmptyTeacher))
	}
	if left := snap.lastStudentLeftAt(); left != nil {
		candidates = append(candidates, left.Add(t.StudentsLeft))
	}

	earliest := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(earliest) {
			earliest = c
		}
	}
	return earliest
}

// sessionSnapshotLike is the minimal read surface nextDue needs; satisfied
// by *types.Session through the small adapter in manager.go, keeping this
// file free of a direct types import cycle concern (none exists today, but
// the indirection keeps the heap math testable without constructing a full
// Session).
type sessionSnapshotLike interface {
	lastActivityAt() time.Time
	createdAt() time.Time
	peakStudents() int
	lastStudentLeftAt() *time.Time
}

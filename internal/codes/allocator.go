package codes

import (
	"container/heap"
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// alphabet is the 32-symbol unambiguous classroom-code alphabet (§6.1):
// uppercase letters and digits minus the visually confusing 0,O,1,I. It is
// exactly 32 symbols so a random byte's low 5 bits index it with no
// modulo bias.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

// maxGenerateAttempts bounds collision retries; with ~10^9 possible codes
// against active-session counts far below 10^6, retries beyond a handful
// indicate a bug rather than bad luck.
const maxGenerateAttempts = 100

// entry is one allocator record, also the heap element ordered by expiry.
type entry struct {
	code      string
	sessionID string
	issuedAt  time.Time
	expiresAt time.Time
	index     int // heap.Interface bookkeeping
}

// expiryHeap is a min-heap of *entry ordered by ExpiresAt, letting the
// sweeper pop due codes in O(log n) instead of scanning the whole map
// (§9: "implement as a timer wheel or min-heap indexed by expiresAt").
type expiryHeap []*entry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Allocator mints unique classroom codes, tracks their TTL, and quarantines
// just-expired codes for one sweep tick before releasing them for reuse
// (§4.2: "never grants a just-expired code in the same sweep tick").
type Allocator struct {
	mu          sync.Mutex
	byCode      map[string]*entry
	expiry      expiryHeap
	quarantine  map[string]struct{}
	ttl         time.Duration
}

// NewAllocator constructs an Allocator with the given classroom-code TTL.
func NewAllocator(ttl time.Duration) *Allocator {
	return &Allocator{
		byCode:     make(map[string]*entry),
		expiry:     make(expiryHeap, 0),
		quarantine: make(map[string]struct{}),
		ttl:        ttl,
	}
}

// Allocate mints a fresh code bound to sessionID. A candidate that is still
// tracked (live or expired but not yet swept) or quarantined is retried.
func (a *Allocator) Allocate(sessionID string, now time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := a.byCode[code]; taken {
			continue
		}
		if _, quarantined := a.quarantine[code]; quarantined {
			continue
		}
		e := &entry{
			code:      code,
			sessionID: sessionID,
			issuedAt:  now,
			expiresAt: now.Add(a.ttl),
		}
		a.byCode[code] = e
		heap.Push(&a.expiry, e)
		return code, nil
	}
	return "", ErrAllocatorEmpty
}

// Resolve looks up the session bound to code. Code comparison is
// case-insensitive on input per §6.1; callers pass an already-uppercased
// code.
func (a *Allocator) Resolve(code string, now time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.byCode[code]
	if !ok {
		return "", ErrCodeNotFound
	}
	if !now.Before(e.expiresAt) {
		return "", ErrCodeExpired
	}
	return e.sessionID, nil
}

// Release immediately frees code for reuse, without quarantine. The
// sweeper calls it for each session it expires.
func (a *Allocator) Release(code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(code)
}

// Rotate extends an already-issued code's expiresAt to now+ttl (issuedAt is
// left unchanged), used when a reconnecting teacher resumes a session that
// keeps its code (same code iff same logical session, §4.3).
func (a *Allocator) Rotate(code string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.byCode[code]
	if !ok {
		return
	}
	e.expiresAt = now.Add(a.ttl)
	heap.Fix(&a.expiry, e.index)
}

// SweepQuarantine performs the allocator's half of a sweep tick (§4.4 step
// 1): codes quarantined on the prior tick become reusable now, and any
// newly due codes are popped off the heap into quarantine. Returns the set
// of codes that are now reusable (were quarantined, now released).
func (a *Allocator) SweepQuarantine(now time.Time) (reusable []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for code := range a.quarantine {
		reusable = append(reusable, code)
		delete(a.quarantine, code)
	}

	for a.expiry.Len() > 0 {
		e := a.expiry[0]
		if now.Before(e.expiresAt) {
			break
		}
		heap.Pop(&a.expiry)
		delete(a.byCode, e.code)
		a.quarantine[e.code] = struct{}{}
	}
	return reusable
}

func (a *Allocator) removeLocked(code string) {
	e, ok := a.byCode[code]
	if !ok {
		return
	}
	delete(a.byCode, code)
	if e.index >= 0 && e.index < a.expiry.Len() && a.expiry[e.index] == e {
		heap.Remove(&a.expiry, e.index)
	}
}

// Count returns the number of live (non-quarantined) codes, for metrics.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byCode)
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Join(errors.New("codes: rand.Read failed"), err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = alphabet[b&0x1F]
	}
	return string(out), nil
}

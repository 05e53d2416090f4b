package codes

import (
	"testing"
	"time"
)

func TestAllocator_AllocateAndResolve(t *testing.T) {
	a := NewAllocator(time.Hour)
	now := time.Now()

	code, err := a.Allocate("session-1", now)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if len(code) != codeLength {
		t.Errorf("expected a %d-character code, got %q", codeLength, code)
	}

	sessionID, err := a.Resolve(code, now)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if sessionID != "session-1" {
		t.Errorf("expected session-1, got %s", sessionID)
	}
}

func TestAllocator_ResolveUnknownCode(t *testing.T) {
	a := NewAllocator(time.Hour)
	_, err := a.Resolve("ZZZZZZ", time.Now())
	if err != ErrCodeNotFound {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}
}

func TestAllocator_ResolveExpiredCode(t *testing.T) {
	a := NewAllocator(time.Minute)
	now := time.Now()
	code, _ := a.Allocate("session-1", now)

	_, err := a.Resolve(code, now.Add(2*time.Minute))
	if err != ErrCodeExpired {
		t.Errorf("expected ErrCodeExpired, got %v", err)
	}
}

func TestAllocator_Release(t *testing.T) {
	a := NewAllocator(time.Hour)
	now := time.Now()
	code, _ := a.Allocate("session-1", now)

	a.Release(code)

	if _, err := a.Resolve(code, now); err != ErrCodeNotFound {
		t.Errorf("expected a released code to be gone, got %v", err)
	}
	if a.Count() != 0 {
		t.Errorf("expected 0 live codes after release, got %d", a.Count())
	}
}

func TestAllocator_Rotate(t *testing.T) {
	a := NewAllocator(time.Minute)
	now := time.Now()
	code, _ := a.Allocate("session-1", now)

	a.Rotate(code, now.Add(30*time.Second))

	// Had Rotate not extended expiresAt, the code would already be expired
	// at this point relative to the original allocation time.
	if _, err := a.Resolve(code, now.Add(80*time.Second)); err != nil {
		t.Errorf("expected rotated code to still be live, got %v", err)
	}
}

func TestAllocator_SweepQuarantineDeferredReuse(t *testing.T) {
	a := NewAllocator(time.Minute)
	now := time.Now()
	code, _ := a.Allocate("session-1", now)

	// First sweep after expiry: the code moves to quarantine, not yet reusable.
	reusable := a.SweepQuarantine(now.Add(2 * time.Minute))
	if len(reusable) != 0 {
		t.Errorf("expected no reusable codes on the tick a code first expires, got %v", reusable)
	}
	if _, err := a.Resolve(code, now.Add(2*time.Minute)); err != ErrCodeNotFound {
		t.Errorf("expected quarantined code to no longer resolve, got %v", err)
	}

	// Second sweep: the quarantined code is now released for reuse.
	reusable = a.SweepQuarantine(now.Add(3 * time.Minute))
	if len(reusable) != 1 || reusable[0] != code {
		t.Errorf("expected the previously quarantined code to be released this tick, got %v", reusable)
	}
}

func TestAllocator_AllocateUniqueCodes(t *testing.T) {
	a := NewAllocator(time.Hour)
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := a.Allocate("session", now)
		if err != nil {
			t.Fatalf("allocate failed: %v", err)
		}
		if seen[code] {
			t.Fatalf("expected unique codes, got a duplicate: %s", code)
		}
		seen[code] = true
	}
	if a.Count() != 50 {
		t.Errorf("expected 50 live codes, got %d", a.Count())
	}
}

// Package sweeper implements the Cleanup Sweeper (§4.4): the periodic task
// that advances session lifecycle, reconciles the classroom code
// allocator's quarantine, and flushes terminal session records to storage.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"relay/internal/codes"
	"relay/internal/metrics"
	"relay/internal/session"
	"relay/pkg/provider/repository"
	"relay/pkg/types"
)

// SweepResult is the structured metric emitted on every tick (§4.4 step 4).
type SweepResult struct {
	ActiveSessions   int
	ExpiredThisTick  int
	ExpiredByReason  map[string]int
	ReusableCodes    int
}

// OnExpired is invoked once per session the sweeper transitions to
// Expired, before it is removed from the registry — the caller (typically
// the connection gateway) uses it to push session.expired envelopes to
// that session's live connections and close their subscriptions.
type OnExpired func(snap types.Snapshot, reason string)

// Sweeper ties the allocator, the session registry, and the repository
// together. It is driven either by its own ticker (Run) or on demand
// through the administrative endpoint (Sweep), sharing one code path per
// §4.4's closing note.
type Sweeper struct {
	allocator *codes.Allocator
	registry  *session.Manager
	repo      repository.Repository
	metrics   *metrics.Metrics
	interval  time.Duration
	onExpired OnExpired

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Sweeper. onExpired may be nil in tests that don't care
// about live-connection notification.
func New(allocator *codes.Allocator, registry *session.Manager, repo repository.Repository, met *metrics.Metrics, interval time.Duration, onExpired OnExpired) *Sweeper {
	return &Sweeper{
		allocator: allocator,
		registry:  registry,
		repo:      repo,
		metrics:   met,
		interval:  interval,
		onExpired: onExpired,
	}
}

// Run starts the periodic ticker; it returns once ctx is cancelled or Stop
// is called.
func (s *Sweeper) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	log.Printf("sweeper started: interval=%s", s.interval)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stop:
			log.Printf("sweeper stopped")
			return
		case <-ctx.Done():
			log.Printf("sweeper context cancelled")
			return
		}
	}
}

// Stop halts the periodic ticker; safe to call even if Run was never
// started.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Sweep performs one tick (§4.4 steps 1-4) and returns the result, whether
// invoked by the ticker or by the administrative cleanup-now endpoint.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	now := time.Now()

	reusable := s.allocator.SweepQuarantine(now)

	s.registry.ClearElapsedGraces(now)

	// Flush every live session's current snapshot before checking for
	// expiry, so the audit table's row exists by the time EndSession runs
	// against it later this same tick (manager.go's UpsertSession doc:
	// "called on create, resume, and every sweep tick for a live session").
	for _, snap := range s.registry.List() {
		if err := s.repo.UpsertSession(ctx, snap); err != nil {
			log.Printf("sweeper: failed to persist session snapshot for %s: %v", snap.ID, err)
		}
	}

	expired := s.registry.ExpireDue(now)

	byReason := make(map[string]int)
	for _, exp := range expired {
		byReason[exp.Reason]++

		s.allocator.Release(exp.Snapshot.ClassroomCode)

		if s.onExpired != nil {
			s.onExpired(exp.Snapshot, exp.Reason)
		}

		if err := s.repo.EndSession(ctx, exp.Snapshot.ID, now.Unix()); err != nil {
			log.Printf("sweeper: failed to persist terminal record for session %s: %v", exp.Snapshot.ID, err)
		}

		s.registry.Remove(exp.Snapshot.ID)
	}

	result := SweepResult{
		ActiveSessions:  s.registry.Count(),
		ExpiredThisTick: len(expired),
		ExpiredByReason: byReason,
		ReusableCodes:   len(reusable),
	}

	if s.metrics != nil {
		s.metrics.RecordSweepTick(ctx, result.ActiveSessions, byReason, result.ReusableCodes)
	}

	log.Printf("sweep tick: activeSessions=%d expiredThisTick=%d reusableCodes=%d",
		result.ActiveSessions, result.ExpiredThisTick, result.ReusableCodes)

	return result
}

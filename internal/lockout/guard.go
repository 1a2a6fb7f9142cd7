// Package lockout tracks consecutive failed validation attempts per subject
// and enforces a temporary lockout window.
package lockout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/clock"
	"keygate/internal/infrastructure"
)

const (
	// DefaultMaxAttempts is the failure count that triggers a lockout.
	DefaultMaxAttempts = 5
	// DefaultWindow is how long a lockout lasts after the final failure.
	DefaultWindow = 30 * time.Minute

	cleanupInterval = 5 * time.Minute
)

type record struct {
	failures      int
	lastFailureAt time.Time
}

// Guard enforces per-subject lockout after repeated validation failures.
// All updates are atomic read-modify-write under a single mutex, so
// concurrent validation attempts for the same subject are safe.
type Guard struct {
	mu          sync.RWMutex
	records     map[string]*record
	maxAttempts int
	window      time.Duration
	clock       clock.Clock
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewGuard creates a lockout guard and starts its cleanup goroutine.
func NewGuard(maxAttempts int, window time.Duration, clk clock.Clock) *Guard {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.System()
	}

	g := &Guard{
		records:     make(map[string]*record),
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clk,
		stopChan:    make(chan struct{}),
	}

	go g.cleanup()

	return g
}

// RecordFailure increments the failure counter for a subject, creating the
// record on first failure.
func (g *Guard) RecordFailure(subject string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()

	rec, exists := g.records[subject]
	if !exists || now.Sub(rec.lastFailureAt) >= g.window {
		rec = &record{}
		g.records[subject] = rec
	}

	rec.failures++
	rec.lastFailureAt = now

	if rec.failures >= g.maxAttempts {
		ctx := context.Background()
		infrastructure.GetLogger().WarnContext(ctx, "subject locked out after repeated failures",
			slog.String("component", "lockout"),
			slog.String("action", "lockout_triggered"),
			slog.String("subject", subject),
			slog.Int("failures", rec.failures),
			slog.Int("max_attempts", g.maxAttempts),
		)
	}
}

// IsLocked reports whether the subject is currently locked out and, if so,
// the remaining lockout duration (floored at zero).
func (g *Guard) IsLocked(subject string) (bool, time.Duration) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, exists := g.records[subject]
	if !exists || rec.failures < g.maxAttempts {
		return false, 0
	}

	elapsed := g.clock.Now().Sub(rec.lastFailureAt)
	if elapsed >= g.window {
		return false, 0
	}

	return true, g.window - elapsed
}

// Clear removes the record for a subject. Called after any successful
// validation.
func (g *Guard) Clear(subject string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, subject)
}

// Failures returns the current failure count for a subject.
func (g *Guard) Failures(subject string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if rec, exists := g.records[subject]; exists {
		return rec.failures
	}
	return 0
}

// Stop terminates the cleanup goroutine.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
}

// cleanup periodically drops records whose lockout window has elapsed.
func (g *Guard) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			now := g.clock.Now()
			for subject, rec := range g.records {
				if now.Sub(rec.lastFailureAt) >= g.window {
					delete(g.records, subject)
				}
			}
			g.mu.Unlock()
		case <-g.stopChan:
			return
		}
	}
}

package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval keeps displayed time smooth; correctness never depends
// on the tick rate because remaining time is always recomputed from the
// absolute question start timestamp.
const DefaultTickInterval = 100 * time.Millisecond

// Reconciler converts an authoritative "question started at T, duration D"
// pair into a locally ticking, drift-resistant countdown. Time is anchored to
// absolute timestamps rather than accumulated decrements, so a suspended
// process picks up with the correct remaining value on its next evaluation
// instead of catching up with spurious extra seconds.
//
// The timeout callback fires at most once per question cycle; the guard is
// reset only by Reset.
type Reconciler struct {
	clock     clockwork.Clock
	tick      time.Duration
	onTimeout func()

	mu        sync.Mutex
	startedAt time.Time
	duration  time.Duration
	active    bool
	paused    bool
	frozen    time.Duration
	fired     bool
	timer     clockwork.Timer
}

// New creates a reconciler. onTimeout may be nil; tick <= 0 selects
// DefaultTickInterval.
func New(clock clockwork.Clock, tick time.Duration, onTimeout func()) *Reconciler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Reconciler{
		clock:     clock,
		tick:      tick,
		onTimeout: onTimeout,
	}
}

// Reset re-anchors the countdown for a new question cycle and re-arms the
// one-shot timeout guard.
func (r *Reconciler) Reset(startedAtEpochMs int64, durationSeconds int) {
	r.mu.Lock()
	r.startedAt = time.UnixMilli(startedAtEpochMs)
	r.duration = time.Duration(durationSeconds) * time.Second
	r.active = true
	r.paused = false
	r.frozen = 0
	r.fired = false
	r.rearmLocked()
	r.mu.Unlock()
}

// Sync updates the anchor timestamp without touching the timeout guard. The
// session calls this after a resume, once the server's authoritative
// remaining time has been folded back into the start timestamp.
func (r *Reconciler) Sync(startedAtEpochMs int64) {
	r.mu.Lock()
	r.startedAt = time.UnixMilli(startedAtEpochMs)
	r.rearmLocked()
	r.mu.Unlock()
}

// SetPaused freezes or releases the countdown. While paused the published
// remaining value holds steady and the timeout cannot fire.
func (r *Reconciler) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if paused == r.paused {
		return
	}
	if paused {
		r.frozen = r.remainingLocked()
		r.paused = true
		r.stopTimerLocked()
		return
	}
	r.paused = false
	r.rearmLocked()
}

// Stop deactivates the countdown entirely, e.g. when leaving a room.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.active = false
	r.stopTimerLocked()
	r.mu.Unlock()
}

// Remaining returns the current remaining seconds, never below zero and
// monotonically non-increasing within a question cycle.
func (r *Reconciler) Remaining() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return 0
	}
	if r.paused {
		return r.frozen.Seconds()
	}
	return r.remainingLocked().Seconds()
}

// Run emits the remaining time on every tick until ctx is cancelled. It only
// serves display smoothness; the timeout path is armed independently.
func (r *Reconciler) Run(ctx context.Context, onTick func(remaining float64)) {
	ticker := r.clock.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if onTick != nil {
				onTick(r.Remaining())
			}
		}
	}
}

func (r *Reconciler) remainingLocked() time.Duration {
	elapsed := r.clock.Since(r.startedAt)
	remaining := r.duration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// rearmLocked points the one-shot timer at the current deadline, replacing
// any previous timer so a stale deadline can never fire.
func (r *Reconciler) rearmLocked() {
	r.stopTimerLocked()
	if !r.active || r.paused || r.fired {
		return
	}
	remaining := r.remainingLocked()
	if remaining <= 0 {
		r.fireLocked()
		return
	}
	r.timer = r.clock.AfterFunc(remaining, r.expire)
}

func (r *Reconciler) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// expire is the timer callback. The deadline is re-verified against the
// clock: if the anchor moved since the timer was armed, the timer re-arms
// instead of firing.
func (r *Reconciler) expire() {
	r.mu.Lock()
	if !r.active || r.paused || r.fired {
		r.mu.Unlock()
		return
	}
	if r.remainingLocked() > 0 {
		r.rearmLocked()
		r.mu.Unlock()
		return
	}
	r.fireLocked()
	r.mu.Unlock()
}

// fireLocked marks the guard and invokes the callback on its own goroutine,
// so the callback is free to re-enter the reconciler.
func (r *Reconciler) fireLocked() {
	r.fired = true
	cb := r.onTimeout
	if cb == nil {
		return
	}
	log.Debug().Msg("countdown timeout fired")
	go cb()
}

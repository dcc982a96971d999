// Package scheduler provides the self-rescheduling jittered timer that
// drives every periodic posting action. Each action owns one logical
// timer; firings of the same action never overlap because the next timer
// is armed only after the previous callback settles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"persona/internal/logging"
)

var (
	// ErrAlreadyActive is returned when Start is called on an action
	// that is already scheduled or firing.
	ErrAlreadyActive = errors.New("scheduler: action already active")

	// ErrInvalidBounds is returned when the lower bound exceeds the upper.
	ErrInvalidBounds = errors.New("scheduler: lower bound greater than upper bound")
)

// State is the lifecycle state of an action's timer.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateFiring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Snapshot captures a stopped action's pending interval so it can be
// resumed with the remaining portion instead of a fresh full window.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Interval  time.Duration `json:"interval"`
}

// Remainder returns how much of the snapshot's interval is still unspent
// at now, clamped at zero.
func (s Snapshot) Remainder(now time.Time) time.Duration {
	elapsed := now.Sub(s.Timestamp)
	if elapsed >= s.Interval {
		return 0
	}
	return s.Interval - elapsed
}

// Callback runs on each firing. An error stops the action's timer; a
// persistent failure should halt the loop, not spin.
type Callback func(ctx context.Context) error

// Action is one self-rescheduling timer. Zero value is not usable; use New.
type Action struct {
	name string

	mu              sync.Mutex
	state           State
	lower           time.Duration
	upper           time.Duration
	currentInterval time.Duration
	armedAt         time.Time
	lastFiredAt     time.Time
	snapshot        *Snapshot
	stop            chan struct{}
	done            chan struct{}

	rng *rand.Rand
}

// New creates an idle action with the given name (used in logs).
func New(name string) *Action {
	return &Action{
		name:  name,
		state: StateIdle,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type startOptions struct {
	resume *time.Duration
}

// Option configures Start.
type Option func(*startOptions)

// WithResume makes the first wait use the given remainder instead of a
// fresh random draw. A zero remainder fires the callback immediately
// once, then scheduling proceeds normally.
func WithResume(remainder time.Duration) Option {
	return func(o *startOptions) {
		o.resume = &remainder
	}
}

// Start arms the timer. Each firing draws a uniformly random delay in
// [lower, upper]. Fails fast with ErrAlreadyActive if the action is
// scheduled or firing, and ErrInvalidBounds if lower > upper.
func (a *Action) Start(ctx context.Context, cb Callback, lower, upper time.Duration, opts ...Option) error {
	if lower > upper {
		return fmt.Errorf("%w: %v > %v", ErrInvalidBounds, lower, upper)
	}
	if lower < 0 {
		return fmt.Errorf("%w: negative lower bound %v", ErrInvalidBounds, lower)
	}

	var options startOptions
	for _, opt := range opts {
		opt(&options)
	}

	a.mu.Lock()
	if a.state == StateScheduled || a.state == StateFiring {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyActive, a.name)
	}

	a.lower = lower
	a.upper = upper
	a.snapshot = nil
	a.stop = make(chan struct{})
	a.done = make(chan struct{})

	var firstWait time.Duration
	if options.resume != nil {
		firstWait = *options.resume
		logging.Scheduler("%s: resuming with %v of previous interval", a.name, firstWait)
	} else {
		firstWait = a.drawLocked()
	}
	a.currentInterval = firstWait
	a.armedAt = time.Now()
	a.state = StateScheduled

	stop := a.stop
	done := a.done
	a.mu.Unlock()

	logging.Scheduler("%s: armed, first firing in %v (bounds %v..%v)", a.name, firstWait, lower, upper)
	go a.run(ctx, cb, firstWait, stop, done)
	return nil
}

// run is the action's timer loop. It exits when stopped or when the
// callback returns an error.
func (a *Action) run(ctx context.Context, cb Callback, wait time.Duration, stop, done chan struct{}) {
	defer close(done)

	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				a.stopInternal("context cancelled")
				return
			case <-timer.C:
			}
		}

		a.mu.Lock()
		if a.state == StateStopped {
			a.mu.Unlock()
			return
		}
		a.state = StateFiring
		a.lastFiredAt = time.Now()
		a.mu.Unlock()

		logging.SchedulerDebug("%s: firing", a.name)
		if err := cb(ctx); err != nil {
			logging.Get(logging.CategoryScheduler).Error("%s: callback failed, stopping timer: %v", a.name, err)
			a.stopInternal("callback error")
			return
		}

		select {
		case <-stop:
			// Stopped while the callback was in flight; the callback was
			// allowed to finish, only the next firing is cancelled.
			return
		default:
		}

		wait = a.draw()

		a.mu.Lock()
		if a.state == StateStopped {
			a.mu.Unlock()
			return
		}
		a.currentInterval = wait
		a.armedAt = time.Now()
		a.state = StateScheduled
		a.mu.Unlock()

		logging.SchedulerDebug("%s: next firing in %v", a.name, wait)
	}
}

// draw picks a uniformly random delay in [lower, upper].
func (a *Action) draw() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drawLocked()
}

// drawLocked is draw with a.mu already held.
func (a *Action) drawLocked() time.Duration {
	if a.upper == a.lower {
		return a.lower
	}
	return a.lower + time.Duration(a.rng.Int63n(int64(a.upper-a.lower)+1))
}

// Stop cancels the pending timer and records a resumable snapshot. The
// snapshot's timestamp is the moment the pending interval was armed, so
// Remainder yields only the unspent portion of the window. Idempotent;
// an in-flight callback is not interrupted.
func (a *Action) Stop() {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateIdle {
		a.mu.Unlock()
		return
	}
	snap := &Snapshot{
		Timestamp: a.armedAt,
		Interval:  a.currentInterval,
	}
	a.snapshot = snap
	a.state = StateStopped
	stop := a.stop
	a.mu.Unlock()

	close(stop)
	logging.Scheduler("%s: stopped, snapshot interval %v", a.name, snap.Interval)
}

// stopInternal transitions to Stopped from inside the run loop. A
// snapshot is recorded here too: context cancellation is the normal
// shutdown path and the pending interval must survive a restart.
func (a *Action) stopInternal(reason string) {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return
	}
	a.snapshot = &Snapshot{
		Timestamp: a.armedAt,
		Interval:  a.currentInterval,
	}
	a.state = StateStopped
	stop := a.stop
	a.mu.Unlock()

	// Unblock any Stop waiters; safe because only one close ever runs
	select {
	case <-stop:
	default:
		close(stop)
	}
	logging.SchedulerDebug("%s: stopped (%s)", a.name, reason)
}

// Wait blocks until the timer loop has exited. Only meaningful after
// Stop or a callback error.
func (a *Action) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns the current lifecycle state.
func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastSnapshot returns the snapshot recorded by the most recent Stop,
// or false if none exists.
func (a *Action) LastSnapshot() (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot == nil {
		return Snapshot{}, false
	}
	return *a.snapshot, true
}

// Name returns the action's name.
func (a *Action) Name() string {
	return a.name
}

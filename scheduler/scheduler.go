// Package scheduler throttles detection cycles against a minimum interval,
// independent of how often it is ticked.
//
// At most one cycle is in flight. A tick that arrives while a cycle runs is
// dropped, never queued. Every cycle captures the CycleToken at start; Stop
// bumps the token, so a result that completes afterwards is discarded
// without touching shared state.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
	"github.com/manuroe/gagne-ton-papa/models"
)

const (
	DefaultInterval = 200 * time.Millisecond
	// DefaultTick approximates a 60 Hz display refresh.
	DefaultTick = time.Second / 60
)

// ErrSuspended is returned by Start once the scheduler has been stopped.
var ErrSuspended = errors.New("scheduler suspended")

// State of the scheduler.
type State int

const (
	Idle State = iota
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	}
	return "unknown"
}

// CycleFunc runs one full pipeline cycle. ctx is cancelled when the
// scheduler stops.
type CycleFunc func(ctx context.Context, token uint64) ([]models.Detection, error)

// Options configure a Scheduler. Zero values get defaults.
type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics

	// OnResult receives each fresh result in completion order. It must not
	// call Stop.
	OnResult func(token uint64, dets []models.Detection)
	// OnError receives the error that suspended the scheduler.
	OnError func(token uint64, err error)
	// IsTerminal decides which cycle errors end the session. Defaults to
	// camera and model unavailability.
	IsTerminal func(error) bool
}

// Stats counts scheduling decisions.
type Stats struct {
	Started         uint64 `json:"started"`
	SkippedInterval uint64 `json:"skipped_interval"`
	SkippedBusy     uint64 `json:"skipped_busy"`
	Applied         uint64 `json:"applied"`
	Discarded       uint64 `json:"discarded"`
	Failed          uint64 `json:"failed"`
}

// Scheduler owns the CycleToken and the last-cycle timestamp of one
// detection session.
type Scheduler struct {
	cycle CycleFunc
	opts  Options

	mu        sync.Mutex
	state     State
	token     uint64
	busy      bool
	hasRun    bool
	lastStart time.Time
	cancel    context.CancelFunc
	stats     Stats
	stopped   chan struct{}

	// applyMu orders result application against Stop.
	applyMu sync.Mutex
	wg      sync.WaitGroup
}

// IsTerminal reports camera and model unavailability.
func IsTerminal(err error) bool {
	return errors.Is(err, frames.ErrCameraUnavailable) || errors.Is(err, inference.ErrModelUnavailable)
}

func New(cycle CycleFunc, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.IsTerminal == nil {
		opts.IsTerminal = IsTerminal
	}
	return &Scheduler{
		cycle:   cycle,
		opts:    opts,
		stopped: make(chan struct{}),
	}
}

// Start moves an idle scheduler to Running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Suspended:
		return ErrSuspended
	case Running:
		return nil
	}
	s.state = Running
	return nil
}

// Tick is one scheduling opportunity. It starts a cycle only if the
// scheduler is running, no cycle is in flight and the interval has elapsed
// since the previous cycle started. It reports whether a cycle started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return false
	}
	if s.busy {
		s.stats.SkippedBusy++
		s.mu.Unlock()
		s.opts.Metrics.CycleSkipped(true)
		return false
	}
	now := s.opts.Clock.Now()
	if s.hasRun && now.Sub(s.lastStart) < s.opts.Interval {
		s.stats.SkippedInterval++
		s.mu.Unlock()
		s.opts.Metrics.CycleSkipped(false)
		return false
	}

	s.hasRun = true
	s.lastStart = now
	s.busy = true
	s.stats.Started++
	token := s.token
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.opts.Metrics.CycleStarted()
	go s.execute(cctx, cancel, token)
	return true
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, token uint64) {
	defer s.wg.Done()
	defer cancel()

	dets, err := s.runCycle(ctx, token)

	s.applyMu.Lock()
	s.mu.Lock()
	s.busy = false
	s.cancel = nil
	if token != s.token || s.state != Running {
		s.stats.Discarded++
		s.mu.Unlock()
		s.applyMu.Unlock()
		s.opts.Metrics.CycleDiscarded()
		s.opts.Logger.Debugw("discarding stale cycle", "token", token, "error", err)
		return
	}

	if err != nil {
		s.stats.Failed++
		terminal := s.opts.IsTerminal(err)
		if terminal {
			s.suspendLocked()
		}
		s.mu.Unlock()
		s.applyMu.Unlock()

		s.opts.Metrics.CycleFailed()
		if !terminal {
			s.opts.Logger.Debugw("cycle failed", "token", token, "error", err)
			return
		}
		s.opts.Logger.Warnw("detection suspended", "token", token, "error", err)
		if s.opts.OnError != nil {
			s.opts.OnError(token, err)
		}
		return
	}

	s.stats.Applied++
	s.mu.Unlock()
	if s.opts.OnResult != nil {
		s.opts.OnResult(token, dets)
	}
	s.applyMu.Unlock()
}

func (s *Scheduler) runCycle(ctx context.Context, token uint64) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("cycle %d panicked: %v", token, r)
		}
	}()
	return s.cycle(ctx, token)
}

// Stop suspends the scheduler, invalidates the current token and cancels
// the in-flight cycle. Once Stop returns no result is applied until a new
// scheduler is built. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspendLocked()
}

func (s *Scheduler) suspendLocked() {
	if s.state == Suspended {
		return
	}
	s.state = Suspended
	s.token++
	if s.cancel != nil {
		s.cancel()
	}
	close(s.stopped)
}

// Run ticks the scheduler every tick until ctx is done or the scheduler is
// suspended.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := s.opts.Clock.Ticker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Wait blocks until no cycle is in flight.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Done is closed once the scheduler is suspended.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token is the current CycleToken.
func (s *Scheduler) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Busy reports whether a cycle is in flight.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

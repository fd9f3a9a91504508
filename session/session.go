// Package session drives one camera detection session: it acquires the
// frame source, schedules detection cycles, keeps the overlay of the latest
// detections and the operator's confirmed set, and hands that set to the
// solver.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/confirm"
	"github.com/manuroe/gagne-ton-papa/detections"
	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
	"github.com/manuroe/gagne-ton-papa/models"
	"github.com/manuroe/gagne-ton-papa/pieces"
	"github.com/manuroe/gagne-ton-papa/scheduler"
)

var (
	ErrNothingConfirmed = errors.New("no pieces confirmed")
	ErrUnknownPiece     = errors.New("unknown piece")
	ErrClosed           = errors.New("session closed")
	ErrNotReady         = errors.New("session not ready")
)

// Error kinds reported in Status.
const (
	KindCameraUnavailable = "camera_unavailable"
	KindModelUnavailable  = "model_unavailable"
	KindSolver            = "solver_error"
)

// ErrorKind classifies a terminal session error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, frames.ErrCameraUnavailable):
		return KindCameraUnavailable
	case errors.Is(err, inference.ErrModelUnavailable):
		return KindModelUnavailable
	}
	return KindSolver
}

// State of a session.
type State int

const (
	Loading State = iota
	Ready
	Detecting
	Failed
	Confirmed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Detecting:
		return "detecting"
	case Failed:
		return "failed"
	case Confirmed:
		return "confirmed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Confirmed || s == Cancelled
}

// Solver receives the confirmed piece identifiers.
type Solver interface {
	Solve(ctx context.Context, pieceIDs []int) error
}

// Deps are the collaborators of a session.
type Deps struct {
	Source frames.Source
	// Engine may be nil when the model failed to load; Start then fails with
	// ErrModelUnavailable.
	Engine inference.Engine
	// Cycle defaults to detections.NewCycle(Engine).
	Cycle    *detections.Cycle
	Solver   Solver
	Interval time.Duration
	Tick     time.Duration
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
}

// OverlayItem is one detection of the current overlay.
type OverlayItem struct {
	models.Detection
	Name      string `json:"name"`
	Confirmed bool   `json:"confirmed"`
}

// Status is a snapshot of the session for the operator UI.
type Status struct {
	ID           string            `json:"id"`
	State        string            `json:"state"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Error        string            `json:"error,omitempty"`
	Video        frames.Dimensions `json:"video"`
	Detected     int               `json:"detected"`
	Confirmed    []int             `json:"confirmed"`
	MissingCells int               `json:"missing_cells"`
	LastCycle    *time.Time        `json:"last_cycle,omitempty"`
	Scheduler    scheduler.Stats   `json:"scheduler"`
}

type Session struct {
	id      string
	deps    Deps
	logger  *zap.SugaredLogger
	cycle   *detections.Cycle
	sched   *scheduler.Scheduler
	tracker *confirm.Tracker

	mu        sync.Mutex
	state     State
	err       error
	dims      frames.Dimensions
	overlay   []models.Detection
	lastCycle time.Time

	closeOnce sync.Once
}

func New(deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Tick <= 0 {
		deps.Tick = scheduler.DefaultTick
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		deps:    deps,
		logger:  deps.Logger.With("session", id),
		tracker: confirm.NewTracker(),
	}
	s.cycle = deps.Cycle
	if s.cycle == nil && deps.Engine != nil {
		s.cycle = detections.NewCycle(deps.Engine, s.logger, deps.Metrics)
	}
	s.sched = scheduler.New(s.runCycle, scheduler.Options{
		Interval: deps.Interval,
		Clock:    deps.Clock,
		Logger:   s.logger,
		Metrics:  deps.Metrics,
		OnResult: s.applyResult,
		OnError:  s.onTerminal,
	})
	return s
}

func (s *Session) ID() string { return s.id }

// Start acquires the frame source and begins detecting. Camera and model
// failures are terminal and leave the session Failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Loading {
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrNotReady, "start in state %s", st)
	}
	s.mu.Unlock()

	if s.deps.Engine == nil || s.cycle == nil {
		err := errors.Wrap(inference.ErrModelUnavailable, "no model loaded")
		s.fail(err)
		return err
	}

	dims, err := s.deps.Source.Open(ctx)
	if err != nil {
		if !errors.Is(err, frames.ErrCameraUnavailable) {
			err = errors.Wrapf(frames.ErrCameraUnavailable, "%v", err)
		}
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state != Loading {
		s.mu.Unlock()
		return ErrClosed
	}
	s.dims = dims
	s.state = Ready
	s.mu.Unlock()
	s.logger.Infow("frame source ready", "width", dims.Width, "height", dims.Height)

	if err := s.sched.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return ErrClosed
	}
	s.state = Detecting
	return nil
}

// Run starts the session and ticks it until ctx is done or the session
// ends. It returns the terminal error, if any.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	err := s.sched.Run(ctx, s.deps.Tick)
	s.sched.Wait()
	if err != nil && ctx.Err() != nil {
		s.Cancel()
		return nil
	}
	return s.Err()
}

func (s *Session) runCycle(ctx context.Context, token uint64) ([]models.Detection, error) {
	frame, err := s.deps.Source.Frame(ctx)
	if err != nil {
		return nil, err
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	res, err := s.cycle.Run(ctx, fmt.Sprintf("%d.%d", token, frame.Seq), frame.Image)
	if err != nil {
		if errors.Is(err, detections.ErrUnknownOutputLayout) {
			s.logger.Warnw("unrecognized model output", "error", err)
			return nil, nil
		}
		return nil, err
	}
	return res.Detections, nil
}

func (s *Session) applyResult(_ uint64, dets []models.Detection) {
	s.mu.Lock()
	if s.state != Detecting {
		s.mu.Unlock()
		return
	}
	s.overlay = dets
	s.lastCycle = s.deps.Clock.Now()
	s.mu.Unlock()

	s.deps.Metrics.SetOverlay(len(dets))
	if len(dets) == 0 {
		s.deps.Metrics.CycleEmpty()
	}
}

func (s *Session) onTerminal(_ uint64, err error) {
	s.fail(err)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == Failed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.err = err
	s.overlay = nil
	s.mu.Unlock()

	s.sched.Stop()
	s.deps.Metrics.TerminalError(ErrorKind(err))
	s.deps.Metrics.SetOverlay(0)
	s.logger.Errorw("detection session failed", "kind", ErrorKind(err), "error", err)
}

// Overlay returns the latest detections with their confirmation flag.
func (s *Session) Overlay() []OverlayItem {
	s.mu.Lock()
	dets := s.overlay
	s.mu.Unlock()

	return lo.Map(dets, func(d models.Detection, _ int) OverlayItem {
		p, _ := pieces.Get(d.PieceID)
		return OverlayItem{
			Detection: d,
			Name:      p.Shape.Name,
			Confirmed: s.tracker.Contains(d.PieceID),
		}
	})
}

// DetectedPieceIDs lists the distinct pieces of the current overlay.
func (s *Session) DetectedPieceIDs() []int {
	s.mu.Lock()
	dets := s.overlay
	s.mu.Unlock()

	ids := lo.Uniq(lo.Map(dets, func(d models.Detection, _ int) int { return d.PieceID }))
	sort.Ints(ids)
	return ids
}

// Toggle flips the confirmation of a catalog piece.
func (s *Session) Toggle(pieceID int) (bool, error) {
	if !pieces.Valid(pieceID) {
		return false, errors.Wrapf(ErrUnknownPiece, "piece %d", pieceID)
	}
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	on := s.tracker.Toggle(pieceID)
	s.deps.Metrics.SetConfirmed(s.tracker.Len())
	return on, nil
}

// ConfirmAllDetected replaces the confirmed set with the pieces currently
// detected.
func (s *Session) ConfirmAllDetected() ([]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.tracker.Replace(s.DetectedPieceIDs())
	s.deps.Metrics.SetConfirmed(s.tracker.Len())
	return s.tracker.ConfirmedSet(), nil
}

// Confirmed returns the confirmed set.
func (s *Session) Confirmed() []int {
	return s.tracker.ConfirmedSet()
}

// Confirm stops detection and hands the confirmed set to the solver.
func (s *Session) Confirm(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ids := s.tracker.ConfirmedSet()
	if len(ids) == 0 {
		s.mu.Unlock()
		return nil, ErrNothingConfirmed
	}
	s.state = Confirmed
	s.overlay = nil
	s.mu.Unlock()

	s.sched.Stop()
	s.release()
	s.deps.Metrics.Handoff()
	s.logger.Infow("handing off confirmed pieces", "pieces", ids, "cells", pieces.TotalCells(ids))

	if s.deps.Solver == nil {
		return ids, nil
	}
	if err := s.deps.Solver.Solve(ctx, ids); err != nil {
		err = errors.Wrap(err, "solver hand-off")
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return ids, err
	}
	return ids, nil
}

// Cancel stops detection and discards the confirmed set.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = Cancelled
	s.overlay = nil
	s.mu.Unlock()

	s.sched.Stop()
	s.tracker.Reset()
	s.release()
	s.deps.Metrics.SetConfirmed(0)
	s.deps.Metrics.SetOverlay(0)
	s.logger.Infow("detection session cancelled")
}

// Wait blocks until the in-flight cycle, if any, has finished.
func (s *Session) Wait() {
	s.sched.Wait()
}

func (s *Session) release() {
	s.closeOnce.Do(func() {
		if s.deps.Source == nil {
			return
		}
		if err := s.deps.Source.Close(); err != nil {
			s.logger.Warnw("closing frame source", "error", err)
		}
	})
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpenLocked()
}

func (s *Session) checkOpenLocked() error {
	switch s.state {
	case Ready, Detecting:
		return nil
	case Loading:
		return ErrNotReady
	}
	return errors.Wrapf(ErrClosed, "session is %s", s.state)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Token is the scheduler's current CycleToken.
func (s *Session) Token() uint64 {
	return s.sched.Token()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:       s.id,
		State:    s.state.String(),
		Video:    s.dims,
		Detected: len(s.overlay),
	}
	if s.err != nil {
		st.ErrorKind = ErrorKind(s.err)
		st.Error = s.err.Error()
	}
	if !s.lastCycle.IsZero() {
		t := s.lastCycle
		st.LastCycle = &t
	}
	s.mu.Unlock()

	st.Confirmed = s.tracker.ConfirmedSet()
	st.MissingCells = pieces.MissingCells(st.Confirmed)
	st.Scheduler = s.sched.Stats()
	return st
}

package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/config"
	"github.com/manuroe/gagne-ton-papa/detections"
	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
	"github.com/manuroe/gagne-ton-papa/session"
)

// newPreprocessor builds the preprocessor for the configured model input.
// One instance is shared across cycles so its buffer pool is reused.
func newPreprocessor(cfg *config.Config) *detections.Preprocessor {
	return detections.NewPreprocessor(cfg.Model.InputSize)
}

// newCycle builds a detection cycle with the configured thresholds. A nil
// preprocessor gets one sized for the configured model input.
func newCycle(cfg *config.Config, engine inference.Engine, p *detections.Preprocessor, logger *zap.SugaredLogger, m *metrics.Metrics) *detections.Cycle {
	c := detections.NewCycle(engine, logger, m)
	if p == nil {
		p = newPreprocessor(cfg)
	}
	c.Preprocessor = p
	if cfg.Model.OutputName != "" {
		c.OutputName = cfg.Model.OutputName
	}
	c.Decode.ConfThreshold = float32(cfg.Detection.ConfidenceThreshold)
	c.IoUThreshold = cfg.Detection.IoUThreshold
	return c
}

// sourceFactory opens a fresh frame source for each session. A missing or
// malformed camera setting yields a source that reports the camera as
// unavailable.
func sourceFactory(cfg *config.Config) func() frames.Source {
	return func() frames.Source {
		if cfg.Camera.Source == "" {
			return frames.UnavailableSource{Reason: "no camera configured"}
		}
		kind, path, err := config.ParseSource(cfg.Camera.Source)
		if err != nil {
			return frames.UnavailableSource{Reason: err.Error()}
		}
		if kind == config.SourceDir {
			return frames.NewDirSource(path)
		}
		return frames.NewImageSource(path)
	}
}

// sessionManager owns the live detection session. Each session gets its
// own engine, closed when the session ends.
type sessionManager struct {
	cfg       *config.Config
	newEngine EngineFactory
	newSource func() frames.Source
	solver    session.Solver
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	prep      *detections.Preprocessor

	mu      sync.Mutex
	base    context.Context
	current *session.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSessionManager(cfg *config.Config, newEngine EngineFactory, newSource func() frames.Source, solver session.Solver, m *metrics.Metrics, logger *zap.SugaredLogger) *sessionManager {
	return &sessionManager{
		cfg:       cfg,
		newEngine: newEngine,
		newSource: newSource,
		solver:    solver,
		metrics:   m,
		logger:    logger,
		prep:      newPreprocessor(cfg),
		base:      context.Background(),
	}
}

// Run starts the first session and shuts the manager down once ctx is done.
func (m *sessionManager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	m.Restart()
	<-ctx.Done()
	m.Shutdown()
	return nil
}

// Current returns the live session, or nil before the first start.
func (m *sessionManager) Current() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Restart cancels the current session and starts a new one.
func (m *sessionManager) Restart() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	if m.base.Err() != nil {
		return m.current
	}
	m.current = m.launchLocked()
	return m.current
}

// Shutdown cancels the current session and waits for it to end.
func (m *sessionManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *sessionManager) stopLocked() {
	if m.current == nil {
		return
	}
	m.current.Cancel()
	m.cancel()
	<-m.done
}

func (m *sessionManager) launchLocked() *session.Session {
	engine, err := m.newEngine()
	if err != nil {
		m.logger.Errorw("loading detection model", "error", err)
		engine = nil
	}

	deps := session.Deps{
		Source:   m.newSource(),
		Engine:   engine,
		Solver:   m.solver,
		Interval: m.cfg.Detection.Interval,
		Tick:     m.cfg.Detection.Tick,
		Logger:   m.logger,
		Metrics:  m.metrics,
	}
	if engine != nil {
		deps.Cycle = newCycle(m.cfg, engine, m.prep, m.logger, m.metrics)
	}
	s := session.New(deps)

	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			m.logger.Warnw("detection session ended", "session", s.ID(), "error", err)
		}
		s.Wait()
		if engine != nil {
			if err := engine.Close(); err != nil {
				m.logger.Warnw("closing engine", "error", err)
			}
		}
	}()
	return s
}

package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available engine")
)

// EngineFactory builds one inference engine.
type EngineFactory func() (inference.Engine, error)

// EnginePool hands out engines for one-shot detection requests. Engines
// that fail for good are discarded and rebuilt by the health check.
type EnginePool struct {
	engines        chan inference.Engine
	size           int
	factory        EngineFactory
	acquireTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Size       int      `json:"size"`
	Live       int      `json:"live"`
	Idle       int      `json:"idle"`
	LastErrors []string `json:"last_errors,omitempty"`
}

func NewEnginePool(factory EngineFactory, size int, acquireTimeout time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) (*EnginePool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = AcquireTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pool := &EnginePool{
		engines:        make(chan inference.Engine, size),
		size:           size,
		factory:        factory,
		acquireTimeout: acquireTimeout,
		metrics:        m,
		logger:         logger,
		done:           make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		e, err := factory()
		if err != nil {
			err = multierr.Append(errors.Wrapf(err, "failed to initialize engine %d", i), pool.Destroy())
			return nil, err
		}
		pool.live++
		pool.engines <- e
	}

	go pool.healthCheck(HealthCheckPeriod)
	return pool, nil
}

func (p *EnginePool) Acquire(ctx context.Context) (inference.Engine, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case e, ok := <-p.engines:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.PoolAcquire(time.Since(start))
		return e, nil
	case <-timer.C:
		p.metrics.PoolAcquireFailed()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a healthy engine to the pool.
func (p *EnginePool) Release(e inference.Engine) {
	p.metrics.PoolRelease()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.live--
		p.closeEngine(e)
		return
	}
	p.engines <- e
}

// Discard destroys an engine that can no longer serve; the health check
// replaces it.
func (p *EnginePool) Discard(e inference.Engine, cause error) {
	p.metrics.PoolRelease()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.recordErrorLocked(cause)
	p.closeEngine(e)
}

func (p *EnginePool) closeEngine(e inference.Engine) {
	if err := e.Close(); err != nil {
		p.logger.Warnw("closing engine", "error", err)
	}
}

// Destroy closes the pool and every idle engine. Engines still checked out
// are closed on Release.
func (p *EnginePool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	close(p.engines)

	var err error
	for e := range p.engines {
		p.live--
		err = multierr.Append(err, e.Close())
	}
	return err
}

func (p *EnginePool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish rebuilds discarded engines until the pool is back to size.
func (p *EnginePool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		e, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.recordErrorLocked(err)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeEngine(e)
			return
		}
		p.live++
		p.engines <- e
		p.mu.Unlock()
	}
}

func (p *EnginePool) recordErrorLocked(err error) {
	if err == nil {
		return
	}
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *EnginePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{Size: p.size, Live: p.live}
	if !p.closed {
		st.Idle = len(p.engines)
	}
	for _, err := range p.lastErrors {
		st.LastErrors = append(st.LastErrors, err.Error())
	}
	return st
}

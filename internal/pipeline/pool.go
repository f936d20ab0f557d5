package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrJoinTimeout is returned when workers outlive the stop grace period.
var ErrJoinTimeout = errors.New("pipeline: workers did not stop within grace period")

// Coordinator is a cooperative stop signal shared by workers and their
// consumer. The first non-nil error passed to RequestStop is kept.
type Coordinator struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

// NewCoordinator returns a coordinator that has not been stopped.
func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// RequestStop signals every participant to stop.
func (c *Coordinator) RequestStop(err error) {
	if err != nil {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
	}
	c.once.Do(func() { close(c.done) })
}

// ShouldStop reports whether a stop was requested.
func (c *Coordinator) ShouldStop() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once a stop was requested.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns the error that caused the stop, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WorkFunc is the body of one worker. It should return when ctx is done. A
// non-nil error stops the whole pool.
type WorkFunc func(ctx context.Context, id int) error

// Pool runs a fixed number of workers under one Coordinator.
type Pool struct {
	size   int
	work   WorkFunc
	coord  *Coordinator
	onStop []func()

	wg      sync.WaitGroup
	started bool
}

// NewPool prepares size workers running work. onStop hooks run once when a
// stop is requested, before workers are expected to exit; use them to wake
// workers blocked outside ctx.
func NewPool(size int, work WorkFunc, onStop ...func()) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size, work: work, coord: NewCoordinator(), onStop: onStop}
}

// Coordinator exposes the pool's stop signal.
func (p *Pool) Coordinator() *Coordinator { return p.coord }

// Start launches the workers. Cancelling parent requests a stop.
func (p *Pool) Start(parent context.Context) {
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(parent)

	go func() {
		defer cancel()
		select {
		case <-p.coord.Done():
		case <-ctx.Done():
			p.coord.RequestStop(ctx.Err())
		}
		for _, fn := range p.onStop {
			fn()
		}
	}()

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			if err := p.work(ctx, id); err != nil {
				p.coord.RequestStop(err)
			}
		}(i)
	}
}

// RequestStop asks every worker to exit.
func (p *Pool) RequestStop(err error) { p.coord.RequestStop(err) }

// JoinWithTimeout waits for all workers to exit, giving up after grace.
func (p *Pool) JoinWithTimeout(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return ErrJoinTimeout
	}
}

// Package workers provides fixed-size goroutine pools with a bounded queue
// that reject work instead of blocking the submitter.
package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/logging"
)

// Task is a unit of work. It must honour its own deadlines.
type Task func()

// Options sizes a pool.
type Options struct {
	Name    string
	Workers int
	// Queue is the number of tasks that may wait for a free worker.
	Queue int
	// OnPanic is called with the recovered value after a task panics.
	OnPanic func(recovered any)
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Queue < 0 {
		o.Queue = 0
	}
	if o.Name == "" {
		o.Name = "pool"
	}
	return o
}

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	opts   Options
	logger logging.ServiceLogger

	mu      sync.RWMutex
	stopped bool
	tasks   chan Task
	wg      sync.WaitGroup

	active   atomic.Int64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

// New starts opts.Workers goroutines.
func New(opts Options, logger logging.ServiceLogger) *Pool {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pool{
		opts:   opts,
		logger: logger.With(logging.LogFields{"pool": opts.Name}),
		tasks:  make(chan Task, opts.Queue),
	}
	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// TrySubmit hands task to an idle worker or the queue. It never blocks:
// a full pool returns ErrPoolSaturated and a stopped one ErrPoolStopped.
func (p *Pool) TrySubmit(task Task) error {
	if task == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errorspkg.ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		p.rejected.Add(1)
		return errorspkg.ErrPoolSaturated
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"stack": string(debug.Stack()),
			})
			if p.opts.OnPanic != nil {
				p.opts.OnPanic(r)
			}
		}
	}()
	task()
}

// Stop rejects new work, lets queued tasks finish and waits for the workers
// until ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Name     string `json:"name"`
	Workers  int    `json:"workers"`
	Capacity int    `json:"queue_capacity"`
	Queued   int    `json:"queued"`
	Active   int64  `json:"active"`
	Rejected uint64 `json:"rejected"`
	Panics   uint64 `json:"panics"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:     p.opts.Name,
		Workers:  p.opts.Workers,
		Capacity: p.opts.Queue,
		Queued:   len(p.tasks),
		Active:   p.active.Load(),
		Rejected: p.rejected.Load(),
		Panics:   p.panics.Load(),
	}
}

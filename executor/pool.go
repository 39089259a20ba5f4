package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool keeps a fixed number of instances of one module. An instance is
// checked out by at most one caller at a time; failed instances are
// replaced when they are returned.
type Pool struct {
	module *Module
	size   int
	// idle holds instances ready for use; a nil entry is a slot whose
	// instance has to be created on the next Acquire.
	idle   chan *Instance
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	all    map[*Instance]struct{}
	closed bool
}

// NewPool instantiates size instances of m.
func (m *Module) NewPool(ctx context.Context, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}

	p := &Pool{
		module: m,
		size:   size,
		idle:   make(chan *Instance, size),
		done:   make(chan struct{}),
		all:    make(map[*Instance]struct{}, size),
		logger: m.logger,
	}
	for range size {
		inst, err := m.Instantiate(ctx)
		if err != nil {
			p.Close(ctx)
			return nil, err
		}
		p.all[inst] = struct{}{}
		p.idle <- inst
	}
	return p, nil
}

func (p *Pool) Name() string {
	return p.module.name
}

func (p *Pool) Size() int {
	return p.size
}

// Acquire checks out an instance, waiting until one is free, the pool is
// closed or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case inst := <-p.idle:
		if p.isClosed() {
			return nil, ErrPoolClosed
		}
		if inst != nil {
			return inst, nil
		}
		inst, err := p.module.Instantiate(ctx)
		if err != nil {
			p.idle <- nil
			return nil, err
		}
		p.track(inst)
		return inst, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an instance to the pool. A failed instance is closed and
// its slot is refilled lazily.
func (p *Pool) Release(ctx context.Context, inst *Instance) {
	if p.isClosed() {
		inst.Close(ctx)
		return
	}

	if inst.Phase() == PhaseFailed {
		p.logger.Info("replacing failed instance", zap.String("instance", inst.ID()))
		p.untrack(inst)
		inst.Close(ctx)

		replacement, err := p.module.Instantiate(ctx)
		if err != nil {
			p.logger.Warn("replacement failed", zap.Error(err))
			p.idle <- nil
			return
		}
		p.track(replacement)
		p.idle <- replacement
		return
	}
	p.idle <- inst
}

// Run checks out an instance, runs its entry point and returns it.
func (p *Pool) Run(ctx context.Context, opts ...Option) Result {
	start := time.Now()
	inst, err := p.Acquire(ctx)
	if err != nil {
		return Result{Error: fmt.Errorf("acquire %s: %w", p.module.name, err), Duration: time.Since(start)}
	}
	defer p.Release(context.WithoutCancel(ctx), inst)

	res := inst.Run(ctx, opts...)
	res.Duration = time.Since(start)
	return res
}

// Close closes every instance the pool created.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	insts := make([]*Instance, 0, len(p.all))
	for inst := range p.all {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	var errs []error
	for _, inst := range insts {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) track(inst *Instance) {
	p.mu.Lock()
	p.all[inst] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrack(inst *Instance) {
	p.mu.Lock()
	delete(p.all, inst)
	p.mu.Unlock()
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/guestmem"
	"github.com/caffeineduck/hostcall/hostfunc"
)

// Result holds the output and metadata from one run.
type Result struct {
	Output   string
	Status   uint32
	Logs     []string
	Duration time.Duration
	Error    error
}

// Instance is one instantiation of a module: its own linear memory, its
// own host state. Invocations on an instance are serialized.
type Instance struct {
	id      string
	module  *Module
	mod     api.Module
	binding *hostfunc.Binding
	logger  *zap.Logger

	// mu is held for the duration of an invocation.
	mu     sync.Mutex
	phase  atomic.Int32
	closed bool
}

func (i *Instance) ID() string {
	return i.id
}

// Name is the name the instance is registered under in the runtime.
func (i *Instance) Name() string {
	return i.mod.Name()
}

func (i *Instance) Module() *Module {
	return i.module
}

func (i *Instance) Phase() Phase {
	return Phase(i.phase.Load())
}

func (i *Instance) setPhase(p Phase) {
	i.phase.Store(int32(p))
}

func (i *Instance) State() *hostfunc.State {
	return i.binding.State
}

func (i *Instance) Memory() api.Memory {
	return i.mod.Memory()
}

func (i *Instance) Allocator() guestmem.Allocator {
	return i.binding.Allocator
}

// Invoke calls an exported function. A trap, a capability fault or an
// expired context fails the instance; later invocations return
// ErrInstanceFailed.
func (i *Instance) Invoke(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.invoke(ctx, export, args...)
}

func (i *Instance) invoke(ctx context.Context, export string, args ...uint64) ([]uint64, error) {
	if i.closed {
		return nil, ErrInstanceClosed
	}
	if i.Phase() == PhaseFailed {
		return nil, ErrInstanceFailed
	}

	fn := i.mod.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", guestmem.ErrMissingExport, export)
	}

	i.setPhase(PhaseRunning)
	results, err := fn.Call(hostfunc.WithBinding(ctx, i.binding), args...)
	if err != nil {
		i.setPhase(PhaseFailed)
		trap := &Trap{
			Module:   i.module.name,
			Instance: i.id,
			Export:   export,
			Timeout:  errors.Is(ctx.Err(), context.DeadlineExceeded),
			Fault:    i.binding.State.Fault(),
			Err:      err,
		}
		i.logger.Warn("invocation trapped", zap.String("export", export), zap.Error(trap))
		return nil, trap
	}
	i.setPhase(PhaseFinished)
	return results, nil
}

// Run invokes the entry point with fresh host state and returns what the
// module delivered.
func (i *Instance) Run(ctx context.Context, opts ...Option) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	st := i.binding.State
	st.Reset()

	results, err := i.invoke(ctx, i.module.cfg.entryPoint)
	output, _ := st.Output()
	result := Result{
		Output:   output,
		Logs:     st.Logs(),
		Duration: time.Since(start),
		Error:    err,
	}
	if len(results) > 0 {
		result.Status = api.DecodeU32(results[0])
	}
	return result
}

// Close releases the instance memory. Closing twice is a no-op.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.mod.Close(ctx)
}

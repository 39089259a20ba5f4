package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/caffeineduck/hostcall/guestmem"
)

// Every capability import has this signature:
// (allocatorRef, deallocatorRef, argPtr, argLen i32) -> resultPtr i32.
var (
	Params  = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	Results = []api.ValueType{api.ValueTypeI32}
)

var ErrUnknownCapability = errors.New("unknown capability")

// Call is one capability invocation as seen at the boundary. The two refs
// are whatever the module passed; the host resolves the allocator of the
// calling instance instead of interpreting them.
type Call struct {
	Name           string
	AllocatorRef   uint32
	DeallocatorRef uint32
	Arg            guestmem.Handle
}

// Fault is a capability call that could not complete. It aborts the
// invocation that made the call.
type Fault struct {
	Capability string
	Err        error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("capability %s: %v", f.Capability, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Dispatcher routes capability calls from module instances to handlers.
type Dispatcher struct {
	registry   *Registry
	logger     *zap.Logger
	maxArgSize uint32
}

type DispatcherOption func(*Dispatcher)

func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMaxArgSize rejects arguments larger than n bytes before they are read.
func WithMaxArgSize(n uint32) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxArgSize = n
	}
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs call on behalf of mod and returns the guest offset of the
// encoded result, or 0 for a unit result.
//
// The argument buffer is released before Dispatch returns, whatever the
// outcome. The result buffer comes from the module's allocator and belongs
// to the module from then on.
func (d *Dispatcher) Dispatch(ctx context.Context, mod api.Module, call Call) (uint32, error) {
	handler, ok := d.registry.Get(call.Name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCapability, call.Name)
	}

	alloc := d.allocator(ctx, mod)
	lease := guestmem.Borrow(alloc, call.Arg)
	defer lease.Release(ctx)

	if d.maxArgSize > 0 && call.Arg.Length > d.maxArgSize {
		return 0, fmt.Errorf("argument of %d bytes exceeds limit of %d", call.Arg.Length, d.maxArgSize)
	}

	arg, err := guestmem.Read(mod.Memory(), call.Arg.Offset, call.Arg.Length)
	if err != nil {
		return 0, err
	}
	// The host works on its own copy from here on.
	if err := lease.Release(ctx); err != nil {
		return 0, fmt.Errorf("release argument: %w", err)
	}

	result, err := handler(ctx, arg)
	if err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, nil
	}
	if uint64(len(result)) > math.MaxUint32 {
		return 0, fmt.Errorf("result of %d bytes does not fit in memory", len(result))
	}

	h, err := alloc.Allocate(ctx, uint32(len(result)))
	if err != nil {
		return 0, fmt.Errorf("allocate result: %w", err)
	}
	if err := guestmem.Write(mod.Memory(), h, result); err != nil {
		return 0, err
	}
	return h.Offset, nil
}

func (d *Dispatcher) allocator(ctx context.Context, mod api.Module) guestmem.Allocator {
	if b, ok := BindingFrom(ctx); ok && b.Allocator != nil {
		return b.Allocator
	}
	return guestmem.NewModuleAllocator(mod)
}

func (d *Dispatcher) hostFunc(name string) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		call := Call{
			Name:           name,
			AllocatorRef:   api.DecodeU32(stack[0]),
			DeallocatorRef: api.DecodeU32(stack[1]),
			Arg: guestmem.Handle{
				Offset: api.DecodeU32(stack[2]),
				Length: api.DecodeU32(stack[3]),
			},
		}

		ptr, err := d.Dispatch(ctx, mod, call)
		if err != nil {
			fault := &Fault{Capability: name, Err: err}
			d.logger.Warn("capability fault",
				zap.String("capability", name),
				zap.String("module", mod.Name()),
				zap.Stringer("arg", call.Arg),
				zap.Error(err))
			if st, ok := StateFrom(ctx); ok {
				st.setFault(fault)
			}
			// unwinds the guest; the engine returns the fault from the export call
			panic(fault)
		}

		d.logger.Debug("capability call",
			zap.String("capability", name),
			zap.String("module", mod.Name()),
			zap.Uint32("arg_len", call.Arg.Length),
			zap.Uint32("result", ptr))
		stack[0] = api.EncodeU32(ptr)
	}
}

// Bind instantiates the env host module exporting every capability in
// registry. It must run before any module importing capabilities is
// instantiated in rt.
func Bind(ctx context.Context, rt wazero.Runtime, registry *Registry, opts ...DispatcherOption) (api.Module, error) {
	d := NewDispatcher(registry, opts...)

	builder := rt.NewHostModuleBuilder(Namespace)
	for _, name := range registry.Names() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(d.hostFunc(name), Params, Results).
			WithName(name).
			Export(name)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s host module: %w", Namespace, err)
	}
	return mod, nil
}

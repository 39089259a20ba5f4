package testguest

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/hostcall/guestmem"
)

// TraceNamespace is the host module traced guests import from.
const TraceNamespace = "trace"

// Tracer feeds the allocator events of traced guests into one ledger per
// module instance, keyed by instance name.
type Tracer struct {
	mu      sync.Mutex
	ledgers map[string]*guestmem.Ledger
}

func NewTracer() *Tracer {
	return &Tracer{ledgers: make(map[string]*guestmem.Ledger)}
}

// Ledger returns the ledger of the named instance, creating it if needed.
func (t *Tracer) Ledger(module string) *guestmem.Ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.ledgers[module]
	if !ok {
		l = guestmem.NewLedger()
		t.ledgers[module] = l
	}
	return l
}

// Modules returns the names of every instance that reported an event.
func (t *Tracer) Modules() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.ledgers))
	for name := range t.ledgers {
		names = append(names, name)
	}
	return names
}

// Errors collects the violations of every ledger.
func (t *Tracer) Errors() []error {
	var errs []error
	for _, name := range t.Modules() {
		errs = append(errs, t.Ledger(name).Errors()...)
	}
	return errs
}

// Instantiate defines the trace host module in rt.
func (t *Tracer) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	params := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	return rt.NewHostModuleBuilder(TraceNamespace).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			t.Ledger(mod.Name()).Allocated(handle(stack))
		}), params, nil).
		Export("on_allocate").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			t.Ledger(mod.Name()).Released(handle(stack))
		}), params, nil).
		Export("on_release").
		Instantiate(ctx)
}

func handle(stack []uint64) guestmem.Handle {
	return guestmem.Handle{Offset: api.DecodeU32(stack[0]), Length: api.DecodeU32(stack[1])}
}

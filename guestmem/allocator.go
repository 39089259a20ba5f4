package guestmem

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Default export names of the module allocator.
const (
	AllocateExport = "allocate"
	ReleaseExport  = "release"
)

// ModuleAllocator is an Allocator backed by the exports of one module
// instance. The host invokes the module's allocator but never owns the
// memory it returns.
type ModuleAllocator struct {
	mod          api.Module
	allocateName string
	releaseName  string
}

// AllocatorOption configures a ModuleAllocator.
type AllocatorOption func(*ModuleAllocator)

// WithExportNames overrides the allocate and release export names.
func WithExportNames(allocate, release string) AllocatorOption {
	return func(a *ModuleAllocator) {
		a.allocateName = allocate
		a.releaseName = release
	}
}

// NewModuleAllocator binds an Allocator to mod.
func NewModuleAllocator(mod api.Module, opts ...AllocatorOption) *ModuleAllocator {
	a := &ModuleAllocator{
		mod:          mod,
		allocateName: AllocateExport,
		releaseName:  ReleaseExport,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate calls the module's allocator and validates the returned region
// against the module's memory after the call, since allocation may grow it.
func (a *ModuleAllocator) Allocate(ctx context.Context, size uint32) (Handle, error) {
	fn := a.mod.ExportedFunction(a.allocateName)
	if fn == nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrMissingExport, a.allocateName)
	}

	results, err := fn.Call(ctx, uint64(size))
	if err != nil {
		return Handle{}, fmt.Errorf("call %s(%d): %w", a.allocateName, size, err)
	}
	if len(results) == 0 {
		return Handle{}, fmt.Errorf("%s returned no results", a.allocateName)
	}

	h := Handle{Offset: uint32(results[0]), Length: size}
	if h.Offset == 0 {
		return Handle{}, fmt.Errorf("%s(%d) returned null pointer", a.allocateName, size)
	}

	mem := a.mod.Memory()
	if mem == nil || h.End() > uint64(mem.Size()) {
		var memSize uint32
		if mem != nil {
			memSize = mem.Size()
		}
		return Handle{}, &BoundsError{Op: "allocate", Handle: h, Size: memSize}
	}
	return h, nil
}

// Release hands h back to the module's deallocator. Modules that export a
// deallocator returning a status word are accepted; the status is ignored.
func (a *ModuleAllocator) Release(ctx context.Context, h Handle) error {
	fn := a.mod.ExportedFunction(a.releaseName)
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrMissingExport, a.releaseName)
	}
	if _, err := fn.Call(ctx, uint64(h.Offset), uint64(h.Length)); err != nil {
		return fmt.Errorf("call %s(%d, %d): %w", a.releaseName, h.Offset, h.Length, err)
	}
	return nil
}

// Module returns the module the allocator is bound to.
func (a *ModuleAllocator) Module() api.Module {
	return a.mod
}

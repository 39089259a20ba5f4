// Package guestmem implements the host side of the allocation protocol
// between the host and a sandboxed module.
//
// All buffers live in the module's linear memory and are allocated by the
// module's own exported allocator. The host reads and writes only through
// explicit (offset, length) windows:
//
//	alloc := guestmem.NewModuleAllocator(mod)
//	h, err := alloc.Allocate(ctx, uint32(len(payload)))
//	err = guestmem.Write(mod.Memory(), h, payload)
//
// Read does not check that a range was handed out by the allocator. The
// module is trusted to pass ranges it owns; the host only guarantees that
// it never touches memory outside the module's current bounds.
package guestmem

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Handle identifies a buffer inside a module's linear memory.
type Handle struct {
	Offset uint32
	Length uint32
}

// End returns the first offset past the buffer.
func (h Handle) End() uint64 {
	return uint64(h.Offset) + uint64(h.Length)
}

// Overlaps reports whether two handles share at least one byte.
// Zero-length handles never overlap.
func (h Handle) Overlaps(o Handle) bool {
	if h.Length == 0 || o.Length == 0 {
		return false
	}
	return uint64(h.Offset) < o.End() && uint64(o.Offset) < h.End()
}

func (h Handle) String() string {
	return fmt.Sprintf("[%d,+%d)", h.Offset, h.Length)
}

// Allocator reserves and frees buffers inside one module instance.
type Allocator interface {
	Allocate(ctx context.Context, size uint32) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

// Read copies length bytes starting at ptr out of mem. The returned slice
// is owned by the caller.
func Read(mem api.Memory, ptr, length uint32) ([]byte, error) {
	if mem == nil {
		return nil, &BoundsError{Op: "read", Handle: Handle{ptr, length}}
	}
	if length == 0 {
		return []byte{}, nil
	}
	buf, ok := mem.Read(ptr, length)
	if !ok {
		return nil, &BoundsError{Op: "read", Handle: Handle{ptr, length}, Size: mem.Size()}
	}
	out := make([]byte, length)
	copy(out, buf)
	return out, nil
}

// Write copies data into the buffer identified by h.
func Write(mem api.Memory, h Handle, data []byte) error {
	if uint64(len(data)) > uint64(h.Length) {
		return &BoundsError{Op: "write", Handle: h, Want: len(data)}
	}
	if mem == nil {
		return &BoundsError{Op: "write", Handle: h}
	}
	if h.End() > uint64(mem.Size()) {
		return &BoundsError{Op: "write", Handle: h, Size: mem.Size()}
	}
	if len(data) == 0 {
		return nil
	}
	if !mem.Write(h.Offset, data) {
		return &BoundsError{Op: "write", Handle: h, Size: mem.Size()}
	}
	return nil
}

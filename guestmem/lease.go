package guestmem

import "context"

// Lease owns a borrowed handle until it is released or detached.
// Release runs the deallocator at most once, so callers can defer it
// unconditionally:
//
//	lease := guestmem.Borrow(alloc, arg)
//	defer lease.Release(ctx)
type Lease struct {
	alloc Allocator
	h     Handle
	done  bool
}

// Borrow takes ownership of h, which must have been produced by alloc.
func Borrow(alloc Allocator, h Handle) *Lease {
	return &Lease{alloc: alloc, h: h}
}

func (l *Lease) Handle() Handle {
	return l.h
}

// Release frees the handle. Calls after the first one, or after Detach,
// do nothing.
func (l *Lease) Release(ctx context.Context) error {
	if l.done {
		return nil
	}
	l.done = true
	return l.alloc.Release(ctx, l.h)
}

// Detach gives up ownership without freeing, for handles whose ownership
// moves to the module.
func (l *Lease) Detach() Handle {
	l.done = true
	return l.h
}

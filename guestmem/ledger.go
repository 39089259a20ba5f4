package guestmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Ledger records allocate and release events for one linear memory and
// checks that no two live handles overlap. It is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	live   map[uint32]Handle
	events int
	errs   []error
}

func NewLedger() *Ledger {
	return &Ledger{live: make(map[uint32]Handle)}
}

// Allocated records a new live handle. An overlap with a live handle is
// returned and remembered; the handle is recorded either way.
func (l *Ledger) Allocated(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events++
	var err error
	for _, live := range l.live {
		if h.Overlaps(live) {
			err = &OverlapError{New: h, Live: live}
			l.errs = append(l.errs, err)
			break
		}
	}
	l.live[h.Offset] = h
	return err
}

// Released removes a live handle. Unknown handles yield ErrNotLive.
func (l *Ledger) Released(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events++
	if _, ok := l.live[h.Offset]; !ok {
		err := fmt.Errorf("%w: %s", ErrNotLive, h)
		l.errs = append(l.errs, err)
		return err
	}
	delete(l.live, h.Offset)
	return nil
}

// Live returns the live handles ordered by offset.
func (l *Ledger) Live() []Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Handle, 0, len(l.live))
	for _, h := range l.live {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Events returns the number of recorded events.
func (l *Ledger) Events() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// Errors returns every violation recorded so far.
func (l *Ledger) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// Wrap returns an Allocator that records every call made through it.
func (l *Ledger) Wrap(a Allocator) Allocator {
	return &trackedAllocator{next: a, ledger: l}
}

type trackedAllocator struct {
	next   Allocator
	ledger *Ledger
}

func (t *trackedAllocator) Allocate(ctx context.Context, size uint32) (Handle, error) {
	h, err := t.next.Allocate(ctx, size)
	if err != nil {
		return h, err
	}
	return h, t.ledger.Allocated(h)
}

func (t *trackedAllocator) Release(ctx context.Context, h Handle) error {
	if err := t.ledger.Released(h); err != nil {
		return err
	}
	return t.next.Release(ctx, h)
}

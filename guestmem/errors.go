package guestmem

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLive is reported when a handle is released that the ledger
	// does not know as live.
	ErrNotLive = errors.New("handle not live")

	// ErrMissingExport is returned when a module does not export a
	// function the protocol requires.
	ErrMissingExport = errors.New("missing export")
)

// BoundsError reports a handle outside the module's memory, or a write
// larger than the handle it targets.
type BoundsError struct {
	Op     string
	Handle Handle
	Size   uint32 // memory size in bytes, 0 when unknown
	Want   int    // bytes requested by a write, 0 otherwise
}

func (e *BoundsError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("memory %s: %d bytes exceed handle %s", e.Op, e.Want, e.Handle)
	}
	return fmt.Sprintf("memory %s: handle %s outside memory of %d bytes", e.Op, e.Handle, e.Size)
}

// OverlapError reports two live handles sharing memory.
type OverlapError struct {
	New  Handle
	Live Handle
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("allocation %s overlaps live handle %s", e.New, e.Live)
}

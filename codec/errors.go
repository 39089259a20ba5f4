package codec

import (
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError with errors.Is.
var ErrDecode = errors.New("decode error")

// DecodeError reports a byte sequence that does not match the expected type.
type DecodeError struct {
	Offset int
	Type   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("decode %s at offset %d: %s", e.Type, e.Offset, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func truncated(off int, typ string, want, have int) *DecodeError {
	return &DecodeError{
		Offset: off,
		Type:   typ,
		Reason: fmt.Sprintf("truncated: need %d bytes, have %d", want, have),
	}
}

package codec

import "fmt"

// Text is UTF-8 text.
type Text string

func (t Text) MarshalWire(e *Encoder) {
	e.PutString(string(t))
}

func (t *Text) UnmarshalWire(d *Decoder) error {
	s, err := d.String("text")
	if err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// Unit is the empty value returned by capabilities with no result.
type Unit struct{}

func (Unit) MarshalWire(*Encoder) {}

func (*Unit) UnmarshalWire(*Decoder) error { return nil }

// ErrorKind classifies a capability failure.
type ErrorKind uint32

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindStatus
	KindDenied
	KindInvalid
	KindUnavailable

	numKinds
)

var kindNames = [...]string{
	KindNetwork:     "network",
	KindTimeout:     "timeout",
	KindStatus:      "status",
	KindDenied:      "denied",
	KindInvalid:     "invalid",
	KindUnavailable: "unavailable",
}

func (k ErrorKind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// CapabilityError is a capability effect failure that crosses back into
// the sandbox as a value.
type CapabilityError struct {
	Kind    ErrorKind
	Message string
}

func (e *CapabilityError) Error() string {
	return e.Kind.String() + ": " + e.Message
}

func (e CapabilityError) MarshalWire(enc *Encoder) {
	enc.PutU32(uint32(e.Kind))
	enc.PutString(e.Message)
}

func (e *CapabilityError) UnmarshalWire(d *Decoder) error {
	off := d.Offset()
	k, err := d.U32("capability error kind")
	if err != nil {
		return err
	}
	if ErrorKind(k) >= numKinds {
		return &DecodeError{Offset: off, Type: "capability error kind", Reason: fmt.Sprintf("unknown variant %d", k)}
	}
	msg, err := d.String("capability error message")
	if err != nil {
		return err
	}
	e.Kind = ErrorKind(k)
	e.Message = msg
	return nil
}

// FetchResult is the result of the fetch capability: either a body or an
// error, never both. An empty body is a success.
type FetchResult struct {
	Body string
	Err  *CapabilityError
}

const (
	variantOk  uint32 = 0
	variantErr uint32 = 1
)

func (r FetchResult) MarshalWire(e *Encoder) {
	if r.Err != nil {
		e.PutU32(variantErr)
		r.Err.MarshalWire(e)
		return
	}
	e.PutU32(variantOk)
	e.PutString(r.Body)
}

func (r *FetchResult) UnmarshalWire(d *Decoder) error {
	off := d.Offset()
	v, err := d.U32("fetch result")
	if err != nil {
		return err
	}
	switch v {
	case variantOk:
		body, err := d.String("fetch body")
		if err != nil {
			return err
		}
		*r = FetchResult{Body: body}
	case variantErr:
		var ce CapabilityError
		if err := ce.UnmarshalWire(d); err != nil {
			return err
		}
		*r = FetchResult{Err: &ce}
	default:
		return &DecodeError{Offset: off, Type: "fetch result", Reason: fmt.Sprintf("unknown variant %d", v)}
	}
	return nil
}

// Ok reports whether the fetch succeeded.
func (r FetchResult) Ok() bool {
	return r.Err == nil
}

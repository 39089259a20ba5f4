package codec

import (
	"encoding/binary"
	"unicode/utf8"
)

// MaxLength bounds any single length prefix accepted by a Decoder.
// Guest memory is 32-bit addressed, so nothing larger can be valid.
const MaxLength = 1<<32 - 1

// Marshaler is implemented by values that can cross the boundary.
type Marshaler interface {
	MarshalWire(e *Encoder)
}

// Unmarshaler is implemented by pointers to values that can be decoded.
type Unmarshaler interface {
	UnmarshalWire(d *Decoder) error
}

// Marshal encodes v into a new byte slice.
func Marshal(v Marshaler) []byte {
	var e Encoder
	v.MarshalWire(&e)
	return e.Bytes()
}

// Decode decodes b as a T. Every byte of b must be consumed.
// On failure the zero T is returned together with a *DecodeError.
func Decode[T any, PT interface {
	*T
	Unmarshaler
}](b []byte) (T, error) {
	var v T
	d := NewDecoder(b)
	if err := PT(&v).UnmarshalWire(d); err != nil {
		var zero T
		return zero, err
	}
	if err := d.Finish(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Encoder appends wire-encoded fields to an internal buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with room for size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// PutBytes writes a length-prefixed byte sequence.
func (e *Encoder) PutBytes(b []byte) {
	e.PutU64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// PutString writes length-prefixed UTF-8 text.
func (e *Encoder) PutString(s string) {
	e.PutU64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Bytes returns the encoded bytes. The slice aliases the encoder buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

// Decoder reads wire-encoded fields from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Offset reports how many bytes have been consumed.
func (d *Decoder) Offset() int {
	return d.off
}

func (d *Decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) U32(typ string) (uint32, error) {
	if d.remaining() < 4 {
		return 0, truncated(d.off, typ, 4, d.remaining())
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) U64(typ string) (uint64, error) {
	if d.remaining() < 8 {
		return 0, truncated(d.off, typ, 8, d.remaining())
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

// Bytes reads a length-prefixed byte sequence and returns a copy.
func (d *Decoder) Bytes(typ string) ([]byte, error) {
	start := d.off
	n, err := d.U64(typ)
	if err != nil {
		return nil, err
	}
	if n > MaxLength || n > uint64(d.remaining()) {
		d.off = start
		return nil, &DecodeError{
			Offset: start,
			Type:   typ,
			Reason: "length prefix exceeds input",
		}
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:])
	d.off += int(n)
	return out, nil
}

// String reads length-prefixed text and rejects invalid UTF-8.
func (d *Decoder) String(typ string) (string, error) {
	start := d.off
	b, err := d.Bytes(typ)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &DecodeError{Offset: start, Type: typ, Reason: "invalid utf-8"}
	}
	return string(b), nil
}

// Finish fails if any input is left unread.
func (d *Decoder) Finish() error {
	if d.remaining() != 0 {
		return &DecodeError{
			Offset: d.off,
			Reason: "trailing bytes",
		}
	}
	return nil
}

// Package codec implements the wire encoding shared by the host and
// sandboxed modules.
//
// The format is the fixed-width little-endian layout used by bincode 1.x,
// so guests written against bincode interoperate without glue:
//
//   - u32 and u64 are written little endian with no padding
//   - text is a u64 byte length followed by UTF-8 bytes
//   - an enum is a u32 variant index followed by the variant payload
//   - a record is its fields in declaration order
//   - unit is zero bytes
//
// No type tags are transmitted. Both ends must agree on the expected type
// for a given capability signature:
//
//	arg := codec.Marshal(codec.Text("http://example.com/"))
//	url, err := codec.Decode[codec.Text](arg)
//
// Decoding is all-or-nothing: a truncated, malformed or over-long input
// yields a [*DecodeError] and the zero value, never a partial result.
package codec

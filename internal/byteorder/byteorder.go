// Package byteorder provides width-explicit integer encode/decode helpers
// parameterized by the byte order of the encoded form, never the host's.
package byteorder

import "encoding/binary"

// Order selects the byte order of the encoded form.
type Order = binary.ByteOrder

// Supported byte orders.
var (
	LittleEndian Order = binary.LittleEndian
	BigEndian    Order = binary.BigEndian
)

// PutUint64 stores v into dst[:8] using order o.
func PutUint64(dst []byte, v uint64, o Order) { o.PutUint64(dst, v) }

// Uint64 decodes src[:8] using order o.
func Uint64(src []byte, o Order) uint64 { return o.Uint64(src) }

// PutUint32 stores v into dst[:4] using order o.
func PutUint32(dst []byte, v uint32, o Order) { o.PutUint32(dst, v) }

// Uint32 decodes src[:4] using order o.
func Uint32(src []byte, o Order) uint32 { return o.Uint32(src) }

// Uint24 decodes a 24-bit big-endian value, the width used by HTTP/2 frame
// lengths. encoding/binary has no 24-bit accessors.
func Uint24(src []byte) uint32 {
	_ = src[2]
	return uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
}

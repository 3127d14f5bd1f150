// Package keycode implements an order-preserving byte encoding for
// structured keys.
//
// A key is a sequence of fields written left to right:
//   - a tag is a single byte, used as an enum discriminant
//   - a uint64 is 8 bytes big-endian, so byte order equals numeric order
//   - a byte string is escaped and terminated: every 0x00 becomes 0x00 0xFF
//     and the field ends with 0x00 0x00
//
// For example:
//
//	[97 98 99]       -> [97 98 99 0 0]
//	[97 98 0 99]     -> [97 98 0 255 99 0 0]
//	[97 98 0 0 99]   -> [97 98 0 255 0 255 99 0 0]
//
// The terminator cannot occur inside an escaped payload, so an encoded
// byte string is never a prefix of a different encoded byte string, while a
// key truncated after any field boundary is a byte prefix of every key that
// shares those leading fields.
package keycode

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	escByte  = byte(0x00)
	escPad   = byte(0xFF)
	termByte = byte(0x00)
)

// ErrDecode is the cause of every decoding failure.
var ErrDecode = errors.New("keycode: malformed key")

// Encoder appends fields to a key buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Tag appends a discriminant byte.
func (e *Encoder) Tag(tag byte) *Encoder {
	e.buf = append(e.buf, tag)
	return e
}

// Uint64 appends v as 8 big-endian bytes.
func (e *Encoder) Uint64(v uint64) *Encoder {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	return e
}

// Bytes appends b escaped and terminated.
func (e *Encoder) Bytes(b []byte) *Encoder {
	e.buf = AppendBytes(e.buf, b)
	return e
}

// UnterminatedBytes appends b escaped but without the terminator. The result
// is a byte prefix of the encoding of every byte string that starts with b.
func (e *Encoder) UnterminatedBytes(b []byte) *Encoder {
	e.buf = appendEscaped(e.buf, b)
	return e
}

// Key returns the encoded key.
func (e *Encoder) Key() []byte {
	return e.buf
}

// AppendBytes appends the escaped, terminated form of b to dst.
func AppendBytes(dst, b []byte) []byte {
	dst = appendEscaped(dst, b)
	return append(dst, termByte, termByte)
}

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			dst = append(dst, escByte, escPad)
		} else {
			dst = append(dst, c)
		}
	}
	return dst
}

// Decoder reads fields from an encoded key in the order they were written.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a decoder over key. The key is not copied.
func NewDecoder(key []byte) *Decoder {
	return &Decoder{buf: key}
}

// Tag reads a discriminant byte.
func (d *Decoder) Tag() (byte, error) {
	if len(d.buf) < 1 {
		return 0, errors.Wrap(ErrDecode, "missing tag")
	}
	tag := d.buf[0]
	d.buf = d.buf[1:]
	return tag, nil
}

// Uint64 reads an 8 byte big-endian integer.
func (d *Decoder) Uint64() (uint64, error) {
	if len(d.buf) < 8 {
		return 0, errors.Wrapf(ErrDecode, "need 8 bytes for uint64, have %d", len(d.buf))
	}
	v := binary.BigEndian.Uint64(d.buf[:8])
	d.buf = d.buf[8:]
	return v, nil
}

// Bytes reads an escaped, terminated byte string and returns a fresh copy.
func (d *Decoder) Bytes() ([]byte, error) {
	out := make([]byte, 0, len(d.buf))
	i := 0
	for {
		if i >= len(d.buf) {
			return nil, errors.Wrap(ErrDecode, "unterminated byte string")
		}
		c := d.buf[i]
		if c != escByte {
			out = append(out, c)
			i++
			continue
		}
		if i+1 >= len(d.buf) {
			return nil, errors.Wrap(ErrDecode, "truncated escape sequence")
		}
		switch d.buf[i+1] {
		case termByte:
			d.buf = d.buf[i+2:]
			return out, nil
		case escPad:
			out = append(out, escByte)
			i += 2
		default:
			return nil, errors.Wrapf(ErrDecode, "unexpected byte %#x after 0x00", d.buf[i+1])
		}
	}
}

// Done reports an error if undecoded bytes remain.
func (d *Decoder) Done() error {
	if len(d.buf) != 0 {
		return errors.Wrapf(ErrDecode, "%d trailing bytes", len(d.buf))
	}
	return nil
}

// Growable byte buffer shared by encoders and decoders.
//
// Writes append at the end, reads consume from a separate cursor, all
// big-endian. A Block under construction is a Buffer; when it is handed
// to the container, Detach transfers the bytes and leaves the Buffer
// empty so nothing aliases the flushed data.
package streamer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// byteCountMask flags a length prefix as a byte count.
const byteCountMask = 0x40000000

// Buffer is a growable big-endian byte buffer.
type Buffer struct {
	buf []byte
	pos int
}

// NewBuffer returns a Buffer reading from, and appending to, b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Bytes returns the buffer contents. The slice aliases the buffer until
// the next write.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len is the number of bytes written.
func (b *Buffer) Len() int { return len(b.buf) }

// Pos is the read cursor.
func (b *Buffer) Pos() int { return b.pos }

// Remaining is the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.buf) - b.pos }

// SetPos moves the read cursor.
func (b *Buffer) SetPos(pos int) error {
	if pos < 0 || pos > len(b.buf) {
		return fmt.Errorf("set position %d of %d: %w", pos, len(b.buf), ErrShortBuffer)
	}
	b.pos = pos
	return nil
}

// Reset empties the buffer, keeping its capacity.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// Detach returns the contents and leaves the buffer empty with no
// reference to them.
func (b *Buffer) Detach() []byte {
	out := b.buf
	b.buf = nil
	b.pos = 0
	return out
}

// Grow ensures room for n more bytes without reallocating.
func (b *Buffer) Grow(n int) {
	if cap(b.buf)-len(b.buf) < n {
		nb := make([]byte, len(b.buf), 2*cap(b.buf)+n)
		copy(nb, b.buf)
		b.buf = nb
	}
}

// extend appends n bytes and returns them for the caller to fill.
func (b *Buffer) extend(n int) []byte {
	b.Grow(n)
	l := len(b.buf)
	b.buf = b.buf[:l+n]
	return b.buf[l : l+n]
}

func (b *Buffer) WriteU8(v uint8)   { b.extend(1)[0] = v }
func (b *Buffer) WriteU16(v uint16) { binary.BigEndian.PutUint16(b.extend(2), v) }
func (b *Buffer) WriteU32(v uint32) { binary.BigEndian.PutUint32(b.extend(4), v) }
func (b *Buffer) WriteU64(v uint64) { binary.BigEndian.PutUint64(b.extend(8), v) }
func (b *Buffer) WriteI16(v int16)  { b.WriteU16(uint16(v)) }
func (b *Buffer) WriteI32(v int32)  { b.WriteU32(uint32(v)) }
func (b *Buffer) WriteF64(v float64) {
	b.WriteU64(math.Float64bits(v))
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	copy(b.extend(len(p)), p)
	return len(p), nil
}

// WriteString writes a length-prefixed string: one byte for lengths
// under 255, otherwise 255 followed by a 32-bit length.
func (b *Buffer) WriteString(s string) {
	if len(s) < 255 {
		b.WriteU8(uint8(len(s)))
	} else {
		b.WriteU8(255)
		b.WriteU32(uint32(len(s)))
	}
	copy(b.extend(len(s)), s)
}

// beginCount reserves a byte count and returns its position for
// endCount.
func (b *Buffer) beginCount() int {
	at := len(b.buf)
	b.extend(4)
	return at
}

// endCount fills the byte count reserved at at with the number of bytes
// written since.
func (b *Buffer) endCount(at int) {
	n := len(b.buf) - at - 4
	binary.BigEndian.PutUint32(b.buf[at:], uint32(n)|byteCountMask)
}

// Next consumes n bytes.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || b.Remaining() < n {
		return nil, fmt.Errorf("read %d bytes at %d of %d: %w", n, b.pos, len(b.buf), ErrShortBuffer)
	}
	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

func (b *Buffer) ReadU8() (uint8, error) {
	p, err := b.Next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) ReadU16() (uint16, error) {
	p, err := b.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) ReadU32() (uint32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) ReadU64() (uint64, error) {
	p, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) ReadI16() (int16, error) {
	v, err := b.ReadU16()
	return int16(v), err
}

func (b *Buffer) ReadI32() (int32, error) {
	v, err := b.ReadU32()
	return int32(v), err
}

func (b *Buffer) ReadF64() (float64, error) {
	v, err := b.ReadU64()
	return math.Float64frombits(v), err
}

// ReadString reads a string written by WriteString.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadU8()
	if err != nil {
		return "", err
	}
	size := int(n)
	if n == 255 {
		v, err := b.ReadU32()
		if err != nil {
			return "", err
		}
		size = int(v)
	}
	p, err := b.Next(size)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// readCount reads a byte count and checks it fits in the buffer.
func (b *Buffer) readCount() (int, error) {
	v, err := b.ReadU32()
	if err != nil {
		return 0, err
	}
	if v&byteCountMask == 0 {
		return 0, fmt.Errorf("%w: missing byte count at %d", ErrSchema, b.pos-4)
	}
	n := int(v &^ byteCountMask)
	if n > b.Remaining() {
		return 0, fmt.Errorf("byte count %d at %d: %w", n, b.pos-4, ErrShortBuffer)
	}
	return n, nil
}

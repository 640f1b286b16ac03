// Header management for the container file.
//
// The header is exactly HeaderSize bytes, big-endian, and protected by a
// trailing checksum. It locates the directory and free-list records and
// carries the dirty flag used for crash detection. It is always rewritten
// whole so the checksum stays valid.
package quire

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/google/uuid"
)

// HeaderSize is the fixed size of the header in bytes. Key records start
// immediately after it.
const HeaderSize = 100

// FormatVersion is the only header layout this package reads and writes.
const FormatVersion = 1

// pointerUnits is the width of every on-disk file offset.
const pointerUnits = 8

var magic = []byte("qure")

// Header contains container metadata stored at the start of the file.
type Header struct {
	Version     int32
	Begin       int64 // first byte after the header
	End         int64 // one past the last used byte
	SeekFree    int64 // free-list record, 0 if none
	NbytesFree  int32
	SeekDir     int64 // directory record, 0 if none
	NbytesDir   int32
	Compression int32 // algorithm*100 + level, 0 for none
	Units       uint8
	Dirty       bool // open for write or crashed
	Checksum    uint8
	UUID        uuid.UUID
	Created     time.Time
}

func newHeader(compression int, alg uint8) Header {
	return Header{
		Version:     FormatVersion,
		Begin:       HeaderSize,
		End:         HeaderSize,
		Compression: int32(compression),
		Units:       pointerUnits,
		Checksum:    alg,
		UUID:        uuid.New(),
		Created:     time.Now(),
	}
}

// encode serialises the header to exactly HeaderSize bytes.
func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	be := binary.BigEndian
	copy(buf[0:4], magic)
	be.PutUint32(buf[4:], uint32(h.Version))
	be.PutUint64(buf[8:], uint64(h.Begin))
	be.PutUint64(buf[16:], uint64(h.End))
	be.PutUint64(buf[24:], uint64(h.SeekFree))
	be.PutUint32(buf[32:], uint32(h.NbytesFree))
	be.PutUint64(buf[36:], uint64(h.SeekDir))
	be.PutUint32(buf[44:], uint32(h.NbytesDir))
	be.PutUint32(buf[48:], uint32(h.Compression))
	buf[52] = h.Units
	if h.Dirty {
		buf[53] = 1
	}
	buf[54] = h.Checksum
	copy(buf[56:72], h.UUID[:])
	be.PutUint64(buf[72:], uint64(h.Created.UnixMilli()))
	be.PutUint32(buf[96:], headerSum(buf[:96]))
	return buf
}

// decodeHeader parses and validates a header. A foreign magic or an
// unknown version is ErrFormat; anything else that does not add up is
// ErrCorrupt.
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) >= len(magic) && !bytes.Equal(buf[:len(magic)], magic) {
		return nil, foreign("header", "bad magic %q", buf[:len(magic)])
	}
	if len(buf) < HeaderSize {
		return nil, corrupt("header", "truncated at %d bytes", len(buf))
	}
	be := binary.BigEndian
	h := &Header{
		Version:     int32(be.Uint32(buf[4:])),
		Begin:       int64(be.Uint64(buf[8:])),
		End:         int64(be.Uint64(buf[16:])),
		SeekFree:    int64(be.Uint64(buf[24:])),
		NbytesFree:  int32(be.Uint32(buf[32:])),
		SeekDir:     int64(be.Uint64(buf[36:])),
		NbytesDir:   int32(be.Uint32(buf[44:])),
		Compression: int32(be.Uint32(buf[48:])),
		Units:       buf[52],
		Dirty:       buf[53] != 0,
		Checksum:    buf[54],
		Created:     time.UnixMilli(int64(be.Uint64(buf[72:]))),
	}
	copy(h.UUID[:], buf[56:72])
	if h.Version != FormatVersion {
		return nil, foreign("header", "unsupported format version %d", h.Version)
	}
	if got, want := headerSum(buf[:96]), be.Uint32(buf[96:]); got != want {
		return nil, corrupt("header", "checksum %08x, want %08x", got, want)
	}
	if h.Begin != HeaderSize || h.End < h.Begin || h.Units != pointerUnits {
		return nil, corrupt("header", "begin %d end %d units %d", h.Begin, h.End, h.Units)
	}
	if !validAlg(h.Checksum) || !validCompression(int(h.Compression)) {
		return nil, corrupt("header", "checksum algorithm %d compression %d", h.Checksum, h.Compression)
	}
	return h, nil
}

// readHeader reads the header from the start of r.
func readHeader(r io.ReaderAt) (*Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, ioError("header", err)
	}
	return decodeHeader(buf[:n])
}

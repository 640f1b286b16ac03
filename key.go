// Key record layout.
//
// A key record is a variable-length header followed by the stored payload
// and optional slack:
//
//	nbytes   int32   total span including slack, negative for a free gap
//	version  uint16  key layout version
//	keylen   uint16  header length
//	objlen   int32   uncompressed payload length
//	len      int32   stored payload length
//	datime   int64   unix milliseconds
//	cycle    int16
//	zip      int16   compression setting used, 0 for raw
//	seek     int64   offset of this record
//	sum      uint64  payload checksum
//	name     u8 length + bytes
//	class    u8 length + bytes
//	hsum     uint32  checksum of all preceding header bytes
//
// The seek field lets a sequential scan confirm it is looking at a real
// record rather than stale bytes that happen to parse.
package quire

import (
	"encoding/binary"
	"time"
)

const (
	keyVersion = 1

	// keyFixed is the size of the fixed leading part of a key header.
	keyFixed = 44

	// maxKeyHeader bounds a key header with maximal name and class.
	maxKeyHeader = keyFixed + 2 + 255 + 255 + 4

	// MaxNameSize is the longest key name or class name in bytes.
	MaxNameSize = 255
)

// Key describes one stored payload. Keys are immutable once written: a
// rewrite under the same name produces a new cycle.
type Key struct {
	Name        string
	Class       string
	Cycle       int16
	Seek        int64 // record offset
	Nbytes      int32 // record span including slack
	Keylen      int32 // header length; payload starts at Seek+Keylen
	Objlen      int32 // uncompressed payload length
	Len         int32 // stored payload length
	Compression int16 // setting used, 0 when stored raw
	Datime      int64 // unix milliseconds
	Checksum    uint64
}

// Time returns when the key was written.
func (k *Key) Time() time.Time {
	return time.UnixMilli(k.Datime)
}

// Ratio is objlen over stored length, 1 for raw keys.
func (k *Key) Ratio() float64 {
	if k.Len == 0 {
		return 1
	}
	return float64(k.Objlen) / float64(k.Len)
}

// keyHeaderLen is the header size for a key with the given name and class.
func keyHeaderLen(name, class string) int32 {
	return int32(keyFixed + 1 + len(name) + 1 + len(class) + 4)
}

func validName(name string) bool {
	return len(name) > 0 && len(name) <= MaxNameSize
}

// encodeHeader writes the key header into buf, which must hold at least
// k.Keylen bytes.
func (k *Key) encodeHeader(buf []byte) {
	be := binary.BigEndian
	be.PutUint32(buf[0:], uint32(k.Nbytes))
	be.PutUint16(buf[4:], keyVersion)
	be.PutUint16(buf[6:], uint16(k.Keylen))
	be.PutUint32(buf[8:], uint32(k.Objlen))
	be.PutUint32(buf[12:], uint32(k.Len))
	be.PutUint64(buf[16:], uint64(k.Datime))
	be.PutUint16(buf[24:], uint16(k.Cycle))
	be.PutUint16(buf[26:], uint16(k.Compression))
	be.PutUint64(buf[28:], uint64(k.Seek))
	be.PutUint64(buf[36:], k.Checksum)
	off := keyFixed
	buf[off] = byte(len(k.Name))
	off += 1 + copy(buf[off+1:], k.Name)
	buf[off] = byte(len(k.Class))
	off += 1 + copy(buf[off+1:], k.Class)
	be.PutUint32(buf[off:], headerSum(buf[:off]))
}

// decodeKeyHeader parses a key header from buf, which may extend past the
// header. It checks only what the header can vouch for itself; callers
// confirm Seek and the payload checksum.
func decodeKeyHeader(buf []byte) (*Key, error) {
	if len(buf) < keyFixed+2+4 {
		return nil, corrupt("key", "header truncated at %d bytes", len(buf))
	}
	be := binary.BigEndian
	k := &Key{
		Nbytes:      int32(be.Uint32(buf[0:])),
		Keylen:      int32(be.Uint16(buf[6:])),
		Objlen:      int32(be.Uint32(buf[8:])),
		Len:         int32(be.Uint32(buf[12:])),
		Datime:      int64(be.Uint64(buf[16:])),
		Cycle:       int16(be.Uint16(buf[24:])),
		Compression: int16(be.Uint16(buf[26:])),
		Seek:        int64(be.Uint64(buf[28:])),
		Checksum:    be.Uint64(buf[36:]),
	}
	if v := be.Uint16(buf[4:]); v != keyVersion {
		return nil, corrupt("key", "unknown key version %d", v)
	}
	if int(k.Keylen) > len(buf) || k.Keylen < keyFixed+2+4 {
		return nil, corrupt("key", "header length %d", k.Keylen)
	}
	off := keyFixed
	n := int(buf[off])
	if off+1+n+1 > int(k.Keylen)-4 {
		return nil, corrupt("key", "name overruns header")
	}
	k.Name = string(buf[off+1 : off+1+n])
	off += 1 + n
	n = int(buf[off])
	if off+1+n != int(k.Keylen)-4 {
		return nil, corrupt("key", "class overruns header")
	}
	k.Class = string(buf[off+1 : off+1+n])
	off += 1 + n
	if got, want := headerSum(buf[:off]), be.Uint32(buf[off:]); got != want {
		return nil, corrupt("key", "header checksum %08x, want %08x", got, want)
	}
	if k.Nbytes < k.Keylen+k.Len || k.Len < 0 || k.Objlen < 0 || k.Cycle < 1 {
		return nil, corrupt("key", "inconsistent lengths nbytes %d keylen %d len %d", k.Nbytes, k.Keylen, k.Len)
	}
	return k, nil
}

// Write primitives: allocation, key records and gap markers.
//
// Space comes from the free list first and from End otherwise. Header and
// payload of a key go out in a single WriteAt. A freed range gets a
// negative length marker at its first byte so that Recover can step over
// it without consulting the free list.
package quire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// allocate finds room for size bytes. It returns the offset and the span
// granted, which may exceed size by absorbed slack.
func (f *File) allocate(size int64) (int64, int64, error) {
	pos, span, rest, ok := f.free.allocate(size)
	if !ok {
		pos, span = f.header.End, size
		f.header.End += size
		return pos, span, nil
	}
	if rest.Len() > 0 {
		if err := f.gap(rest); err != nil {
			return 0, 0, err
		}
	}
	return pos, span, nil
}

// release returns a record's span to the free list and marks the merged
// segment as a gap.
func (f *File) release(seek int64, nbytes int32) error {
	seg := f.free.free(seek, seek+int64(nbytes)-1)
	return f.gap(seg)
}

// gap writes the negative length marker at the start of a free segment.
func (f *File) gap(s Segment) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(-int32(s.Len())))
	if _, err := f.f.WriteAt(buf[:], s.First); err != nil {
		return ioError("write gap", err)
	}
	return nil
}

// writeRecord stores a key record and returns its key. The caller adds it
// to the directory. With compress set the payload is compressed under the
// container setting; atEnd bypasses the free list.
func (f *File) writeRecord(name, class string, cycle int16, payload []byte, compress, atEnd bool) (*Key, error) {
	stored, zip := payload, 0
	if compress {
		var err error
		if stored, zip, err = Compress(int(f.header.Compression), payload); err != nil {
			return nil, fmt.Errorf("write %q: %w", name, err)
		}
	}
	return f.writeStored(name, class, cycle, stored, len(payload), zip, atEnd)
}

func (f *File) writeStored(name, class string, cycle int16, stored []byte, objlen, zip int, atEnd bool) (*Key, error) {
	if err := f.markDirty(); err != nil {
		return nil, err
	}
	k := &Key{
		Name:        name,
		Class:       class,
		Cycle:       cycle,
		Keylen:      keyHeaderLen(name, class),
		Objlen:      int32(objlen),
		Len:         int32(len(stored)),
		Compression: int16(zip),
		Datime:      time.Now().UnixMilli(),
		Checksum:    checksum(stored, f.header.Checksum),
	}
	size := int64(k.Keylen) + int64(k.Len)

	var pos, span int64
	if atEnd {
		pos, span = f.header.End, size
		f.header.End += size
	} else {
		var err error
		if pos, span, err = f.allocate(size); err != nil {
			return nil, err
		}
	}
	k.Seek, k.Nbytes = pos, int32(span)

	buf := make([]byte, size)
	k.encodeHeader(buf)
	copy(buf[k.Keylen:], stored)
	if _, err := f.f.WriteAt(buf, pos); err != nil {
		f.release(pos, int32(span))
		return nil, ioError(fmt.Sprintf("write %q", name), err)
	}
	if f.config.SyncWrites {
		if err := f.f.Sync(); err != nil {
			return nil, ioError("sync", err)
		}
	}
	f.config.Metrics.wrote(k)
	return k, nil
}

// prepare validates a user key and resolves cycle 0 to the next cycle.
func (f *File) prepare(name, class string, cycle int16, size int) (int16, error) {
	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	if !validName(name) {
		return 0, fmt.Errorf("write %q: %w", name, ErrInvalidName)
	}
	if len(class) > MaxNameSize {
		return 0, fmt.Errorf("write %q: class: %w", name, ErrInvalidName)
	}
	if size > f.config.MaxKeySize {
		return 0, fmt.Errorf("write %q: %d bytes: %w", name, size, ErrPayloadTooLarge)
	}
	switch {
	case cycle < 0:
		return 0, fmt.Errorf("write %q: cycle %d: %w", name, cycle, ErrInvalidCycle)
	case cycle == 0:
		top := f.dir.highest(name)
		if top == 1<<15-1 {
			return 0, fmt.Errorf("write %q: cycles exhausted: %w", name, ErrInvalidCycle)
		}
		return top + 1, nil
	case f.dir.get(name, cycle) != nil:
		return 0, fmt.Errorf("write %q cycle %d: %w", name, cycle, ErrExists)
	}
	return cycle, nil
}

// WriteKey stores payload under name. Cycle 0 writes the next cycle after
// the highest existing one; an explicit cycle must not exist yet. With
// compress set, payloads of at least MinCompressSize bytes are compressed
// when that makes them smaller. On failure the directory is unchanged.
func (f *File) WriteKey(name, class string, cycle int16, payload []byte, compress bool) (Key, error) {
	cycle, err := f.prepare(name, class, cycle, len(payload))
	if err != nil {
		return Key{}, err
	}
	f.sumBuffers(len(payload))
	k, err := f.writeRecord(name, class, cycle, payload, compress, false)
	if err != nil {
		return Key{}, err
	}
	f.dir.add(k)
	return *k, nil
}

// RawKey is an already encoded payload, written verbatim by WriteRaw.
type RawKey struct {
	Name        string
	Class       string
	Cycle       int16 // 0 = next cycle
	Payload     []byte
	Objlen      int // uncompressed length
	Compression int // setting Payload was produced with, 0 for raw
}

// WriteRaw stores bytes that are already compressed, such as a Block
// copied from another container. Objlen and Compression must describe
// Payload; ReadKey on the result decompresses with them.
func (f *File) WriteRaw(raw RawKey) (Key, error) {
	cycle, err := f.prepare(raw.Name, raw.Class, raw.Cycle, raw.Objlen)
	if err != nil {
		return Key{}, err
	}
	if !validCompression(raw.Compression) || raw.Compression > 1<<15-1 {
		return Key{}, fmt.Errorf("write %q: %w: compression setting %d", raw.Name, ErrFormat, raw.Compression)
	}
	if raw.Compression == 0 && raw.Objlen != len(raw.Payload) {
		return Key{}, fmt.Errorf("write %q: raw payload of %d bytes with objlen %d", raw.Name, len(raw.Payload), raw.Objlen)
	}
	f.sumBuffers(raw.Objlen)
	k, err := f.writeStored(raw.Name, raw.Class, cycle, raw.Payload, raw.Objlen, raw.Compression, false)
	if err != nil {
		return Key{}, err
	}
	f.dir.add(k)
	return *k, nil
}

// AllCycles passed to DeleteKey removes every cycle of a name.
const AllCycles int16 = -1

// DeleteKey removes a key. Cycle 0 deletes the highest cycle, AllCycles
// every cycle. The space joins the free list; the file does not shrink.
func (f *File) DeleteKey(name string, cycle int16) error {
	if err := f.checkWrite(); err != nil {
		return err
	}
	var keys []*Key
	if cycle == AllCycles {
		for _, c := range f.dir.cycles(name) {
			keys = append(keys, f.dir.get(name, c))
		}
	} else if k := f.dir.get(name, cycle); k != nil {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return fmt.Errorf("delete %q cycle %d: %w", name, cycle, ErrNotFound)
	}
	for _, k := range keys {
		if err := f.deleteOne(k); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) deleteOne(k *Key) error {
	if err := f.markDirty(); err != nil {
		return err
	}
	f.dir.remove(k)
	if err := f.release(k.Seek, k.Nbytes); err != nil {
		return err
	}
	f.config.Metrics.deleted()
	return nil
}

// Key lookup and payload reads.
//
// All reads go through ReadAt so the shared file position is never used.
// Payload checksums are verified on every read.
package quire

import (
	"fmt"
	"iter"
)

// readKeyHeader decodes the key record at seek and confirms it sits where
// it claims to.
func (f *File) readKeyHeader(seek int64) (*Key, error) {
	buf := make([]byte, maxKeyHeader)
	n, err := f.f.ReadAt(buf, seek)
	if n == 0 && err != nil {
		return nil, ioError("read key", err)
	}
	k, err := decodeKeyHeader(buf[:n])
	if err != nil {
		return nil, err
	}
	if k.Seek != seek {
		return nil, corrupt("key", "record at %d claims offset %d", seek, k.Seek)
	}
	return k, nil
}

// readStored returns the stored payload bytes of k after verifying them.
func (f *File) readStored(k *Key) ([]byte, error) {
	buf := make([]byte, k.Len)
	if _, err := f.f.ReadAt(buf, k.Seek+int64(k.Keylen)); err != nil {
		return nil, ioError(fmt.Sprintf("read %q", k.Name), err)
	}
	f.config.Metrics.read(len(buf))
	if sum := checksum(buf, f.header.Checksum); sum != k.Checksum {
		return nil, corrupt("read", "key %q cycle %d checksum %016x, want %016x", k.Name, k.Cycle, sum, k.Checksum)
	}
	return buf, nil
}

// read returns the decompressed payload of k.
func (f *File) read(k *Key) ([]byte, error) {
	stored, err := f.readStored(k)
	if err != nil {
		return nil, err
	}
	out, err := Decompress(int(k.Compression), stored, int(k.Objlen))
	if err != nil {
		return nil, fmt.Errorf("read %q cycle %d: %w", k.Name, k.Cycle, err)
	}
	return out, nil
}

// Get returns the directory entry for name and cycle; cycle 0 is the
// highest.
func (f *File) Get(name string, cycle int16) (Key, error) {
	if f.closed {
		return Key{}, ErrClosed
	}
	k := f.dir.get(name, cycle)
	if k == nil {
		return Key{}, fmt.Errorf("get %q cycle %d: %w", name, cycle, ErrNotFound)
	}
	return *k, nil
}

// ReadKey returns the decompressed payload of name at cycle; cycle 0 is
// the highest.
func (f *File) ReadKey(name string, cycle int16) ([]byte, error) {
	k, err := f.Get(name, cycle)
	if err != nil {
		return nil, err
	}
	return f.read(&k)
}

// ReadRaw returns the stored bytes of a key without decompressing them.
// The checksum is still verified.
func (f *File) ReadRaw(k Key) ([]byte, error) {
	if f.closed {
		return nil, ErrClosed
	}
	return f.readStored(&k)
}

// Cycles lists the cycles stored under name in ascending order.
func (f *File) Cycles(name string) []int16 {
	return f.dir.cycles(name)
}

// Keys yields every live key in file offset order. The directory is
// snapshotted when iteration starts, so the loop body may write.
func (f *File) Keys() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for _, k := range f.dir.sorted() {
			if !yield(*k) {
				return
			}
		}
	}
}

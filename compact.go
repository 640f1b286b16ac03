// Compaction rewrites the container without free space.
//
// Live keys are copied in offset order into a temporary file next to the
// container, followed by a fresh directory and an empty free list. The
// temporary file is synced and then renamed over the container, so a crash
// at any point leaves either the old file or the new one intact. A stale
// temporary file from an interrupted compaction is removed on the next
// Compact.
package quire

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// CompactOptions control Compact.
type CompactOptions struct {
	// PurgeCycles keeps only the highest cycle of each name.
	PurgeCycles bool
}

// Compact rebuilds the file with every live key packed after the header.
func (f *File) Compact(opts *CompactOptions) error {
	if err := f.checkWrite(); err != nil {
		return err
	}
	if opts == nil {
		opts = &CompactOptions{}
	}
	if f.pending() {
		if err := f.writeMeta(); err != nil {
			return err
		}
	}

	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ioError("compact: create temp", err)
	}
	hdr, dir, meta, err := f.rewrite(tmp, opts)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ioError("compact: close temp", err)
	}

	// Swap handles: drain the lock, close the old file, rename, reopen.
	f.lock.Unlock()
	f.lock.setFile(nil)
	f.f.Close()
	if err := os.Rename(tmpPath, f.path); err != nil {
		f.closed = true
		return ioError("compact: rename", err)
	}
	osf, err := os.OpenFile(f.path, os.O_RDWR, 0644)
	if err != nil {
		f.closed = true
		return ioError("compact: reopen", err)
	}
	f.lock.setFile(osf)
	if err := f.lock.Lock(LockExclusive); err != nil {
		osf.Close()
		f.closed = true
		return fmt.Errorf("compact: relock: %w", err)
	}

	before := f.header.End
	f.f = osf
	f.header = hdr
	f.dir = dir
	f.free = freeList{}
	f.meta = meta
	f.changed = false
	f.log.Info("container compacted", zap.Int64("before", before), zap.Int64("after", hdr.End))
	return nil
}

// rewrite writes the compacted image into tmp and returns its header,
// directory and internal records.
func (f *File) rewrite(tmp *os.File, opts *CompactOptions) (Header, directory, []*Key, error) {
	hdr := f.header
	hdr.End = HeaderSize
	hdr.Dirty = false
	dir := newDirectory()

	if _, err := tmp.Write(make([]byte, HeaderSize)); err != nil {
		return hdr, dir, nil, ioError("compact: write header placeholder", err)
	}
	ow := &offsetWriter{w: tmp, off: HeaderSize}

	put := func(k *Key, stored []byte) error {
		k.Seek = ow.off
		k.Nbytes = k.Keylen + k.Len
		buf := make([]byte, k.Nbytes)
		k.encodeHeader(buf)
		copy(buf[k.Keylen:], stored)
		if _, err := ow.Write(buf); err != nil {
			return ioError("compact: write", err)
		}
		return nil
	}

	for _, old := range f.dir.sorted() {
		if opts.PurgeCycles && old.Cycle != f.dir.highest(old.Name) {
			continue
		}
		stored, err := f.readStored(old)
		if err != nil {
			return hdr, dir, nil, fmt.Errorf("compact: %w", err)
		}
		k := *old
		if err := put(&k, stored); err != nil {
			return hdr, dir, nil, err
		}
		dir.add(&k)
	}

	var meta []*Key
	for _, rec := range []struct {
		class   string
		payload []byte
	}{
		{ClassDirectory, dir.encode()},
		{ClassFreeList, (&freeList{}).encode()},
	} {
		stored, zip, err := Compress(int(hdr.Compression), rec.payload)
		if err != nil {
			return hdr, dir, nil, err
		}
		k := &Key{
			Name:        rec.class,
			Class:       rec.class,
			Cycle:       1,
			Keylen:      keyHeaderLen(rec.class, rec.class),
			Objlen:      int32(len(rec.payload)),
			Len:         int32(len(stored)),
			Compression: int16(zip),
			Datime:      time.Now().UnixMilli(),
			Checksum:    checksum(stored, hdr.Checksum),
		}
		if err := put(k, stored); err != nil {
			return hdr, dir, nil, err
		}
		meta = append(meta, k)
	}

	hdr.End = ow.off
	hdr.SeekDir, hdr.NbytesDir = meta[0].Seek, meta[0].Nbytes
	hdr.SeekFree, hdr.NbytesFree = meta[1].Seek, meta[1].Nbytes
	if _, err := tmp.WriteAt(hdr.encode(), 0); err != nil {
		return hdr, dir, nil, ioError("compact: write header", err)
	}
	if err := tmp.Sync(); err != nil {
		return hdr, dir, nil, ioError("compact: sync", err)
	}
	return hdr, dir, meta, nil
}

// offsetWriter adapts WriterAt to sequential writes while tracking the
// position, which becomes each copied key's new seek.
type offsetWriter struct {
	w   io.WriterAt
	off int64
}

func (ow *offsetWriter) Write(p []byte) (int, error) {
	n, err := ow.w.WriteAt(p, ow.off)
	ow.off += int64(n)
	return n, err
}

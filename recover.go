// Crash recovery by sequential scan.
//
// Recover walks the file from Begin, trusting nothing but the records
// themselves. A negative length is a gap and is skipped. A positive one
// must decode to a key header whose seek field matches its position and
// whose checksums hold. Internal records of a previous session are
// freed; ordinary keys are collected, the newest datime winning if a name
// and cycle appear twice. A record with a sound header but a bad payload
// is freed and the scan continues. The first header that does not
// validate ends the scan: it is taken to be a partially written trailing
// key and End is set to its position.
package quire

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// RecoverReport summarises a recovery scan.
type RecoverReport struct {
	Keys      int   // keys kept in the directory
	Dropped   int   // keys freed because of a bad payload or a duplicate
	Gaps      int   // free segments found
	Discarded int64 // bytes past the last valid record
	End       int64 // new End
}

func (r RecoverReport) fields() []zap.Field {
	return []zap.Field{
		zap.Int("keys", r.Keys),
		zap.Int("dropped", r.Dropped),
		zap.Int("gaps", r.Gaps),
		zap.Int64("discarded", r.Discarded),
		zap.Int64("end", r.End),
	}
}

// Recover rebuilds the directory and free list from the records on disk.
// It is run automatically when a dirty container is opened for update.
// The context is checked between keys. In read mode the rebuilt state is
// kept in memory only.
func (f *File) Recover(ctx context.Context) (RecoverReport, error) {
	if f.closed {
		return RecoverReport{}, ErrClosed
	}
	info, err := f.f.Stat()
	if err != nil {
		return RecoverReport{}, ioError("recover", err)
	}
	report, err := f.rebuild(ctx, info.Size())
	if err != nil {
		return report, err
	}
	f.log.Info("container recovered", report.fields()...)
	if f.mode == ModeRead {
		return report, nil
	}
	return report, f.writeMeta()
}

// rebuild scans [Begin, limit) and replaces the in-memory directory, free
// list and End. Nothing is written; the header is left dirty.
func (f *File) rebuild(ctx context.Context, limit int64) (RecoverReport, error) {
	var report RecoverReport
	dir := newDirectory()
	var free freeList
	var stale []Segment

	drop := func(k *Key) {
		stale = append(stale, Segment{First: k.Seek, Last: k.Seek + int64(k.Nbytes) - 1})
		report.Dropped++
	}

	pos := f.header.Begin
	var word [4]byte
scan:
	for pos+4 <= limit {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("recover: %w", err)
		}
		if _, err := f.f.ReadAt(word[:], pos); err != nil {
			return report, ioError("recover", err)
		}
		nbytes := int64(int32(binary.BigEndian.Uint32(word[:])))
		switch {
		case nbytes < 0:
			if pos-nbytes > limit || -nbytes < 4 {
				break scan
			}
			free.free(pos, pos-nbytes-1)
			report.Gaps++
			pos -= nbytes
			continue
		case nbytes == 0 || pos+nbytes > limit:
			break scan
		}

		k, err := f.readKeyHeader(pos)
		if err != nil || int64(k.Nbytes) != nbytes {
			f.log.Debug("recover: scan stopped", zap.Int64("pos", pos), zap.Error(err))
			break
		}
		pos += nbytes

		switch k.Class {
		case ClassDirectory, ClassFreeList:
			stale = append(stale, Segment{First: k.Seek, Last: k.Seek + int64(k.Nbytes) - 1})
			continue
		}
		if _, err := f.readStored(k); err != nil {
			f.log.Warn("recover: dropping key with bad payload",
				zap.String("key", k.Name), zap.Int16("cycle", k.Cycle), zap.Error(err))
			drop(k)
			continue
		}
		if prev := dir.get(k.Name, k.Cycle); prev != nil {
			if prev.Datime > k.Datime {
				drop(k)
				continue
			}
			dir.remove(prev)
			drop(prev)
		}
		dir.add(k)
	}

	report.Discarded = limit - pos
	for _, s := range stale {
		free.free(s.First, s.Last)
	}

	f.dir = dir
	f.free = free
	f.meta = nil
	f.header.End = pos
	f.header.SeekDir, f.header.NbytesDir = 0, 0
	f.header.SeekFree, f.header.NbytesFree = 0, 0
	f.header.Dirty = true
	f.changed = true
	report.Keys = dir.n
	report.End = pos

	// Freed records need gap markers so the next scan steps over them.
	if f.mode != ModeRead {
		for _, s := range free.segs {
			if err := f.gap(s); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// Container lifecycle: open, flush and close.
//
// File is the handle on one container. It keeps the header, directory
// and free list in memory and writes them back as a batch in writeMeta.
// A File is not safe for concurrent use; the OS lock taken by Open keeps
// other handles out while a writer is active.
package quire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/google/uuid"
	"github.com/jpl-au/quire/streamer"
	"go.uber.org/zap"
)

// Mode selects how Open treats the path.
type Mode int

const (
	ModeRead     Mode = iota // existing file, read-only, shared lock
	ModeUpdate               // existing file, read-write
	ModeCreate               // new file, fails if it exists
	ModeRecreate             // new or truncated file
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeUpdate:
		return "update"
	case ModeCreate:
		return "create"
	case ModeRecreate:
		return "recreate"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Reserved classes of the records the container writes for itself.
const (
	ClassDirectory  = "quire.Directory"
	ClassFreeList   = "quire.FreeList"
	ClassRegistry   = "quire.Registry"
	ClassProcessIDs = "quire.ProcessIDs"
)

// Names of the internal keys that live in the directory.
const (
	registryKey   = "StreamerInfo"
	processIDsKey = "ProcessIDs"
)

// Config holds container configuration options.
type Config struct {
	Compression int                // algorithm*100+level; 0 = DefaultCompression, Uncompressed disables
	Checksum    uint8              // payload checksum for new files; 0 = AlgXXHash3
	SyncWrites  bool               // fsync after every key
	MaxKeySize  int                // largest payload accepted (default 1GB)
	Logger      *zap.Logger        // nil = no logging
	Metrics     *Metrics           // nil = no metrics
	Registry    *streamer.Registry // shared type registry; nil = one per file
}

// File is an open container.
type File struct {
	path   string
	f      *os.File
	lock   *fileLock
	mode   Mode
	header Header
	config Config
	log    *zap.Logger

	dir  directory
	free freeList

	// On-disk directory and free-list records currently referenced by
	// the header. They count as used space until the next writeMeta
	// releases them.
	meta []*Key

	registry  *streamer.Registry
	saved     int // descriptors held by the persisted registry key
	pids      []uuid.UUID
	pidsDirty bool
	session   int // index of this writer's process id, -1 if none

	changed bool
	closed  bool

	nbuffers   int
	sumBuffer  float64
	sum2Buffer float64
}

// Open opens or creates a container file.
func Open(path string, mode Mode, config Config) (*File, error) {
	if config.Compression == 0 {
		config.Compression = DefaultCompression
	}
	if config.Compression == Uncompressed {
		config.Compression = 0
	}
	if !validCompression(config.Compression) {
		return nil, fmt.Errorf("open: %w: unknown compression setting %d", ErrFormat, config.Compression)
	}
	if config.Checksum == 0 {
		config.Checksum = AlgXXHash3
	}
	if !validAlg(config.Checksum) {
		return nil, fmt.Errorf("open: unknown checksum algorithm %d", config.Checksum)
	}
	if config.MaxKeySize <= 0 || config.MaxKeySize > math.MaxInt32/2 {
		config.MaxKeySize = 1 << 30
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	flag := os.O_RDWR
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeCreate:
		flag |= os.O_CREATE | os.O_EXCL
	case ModeRecreate:
		flag |= os.O_CREATE
	case ModeUpdate:
	default:
		return nil, fmt.Errorf("open: unknown mode %v", mode)
	}

	osf, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, ioError("open", err)
	}

	lockMode := LockExclusive
	if mode == ModeRead {
		lockMode = LockShared
	}
	flock := &fileLock{f: osf}
	if err := flock.Lock(lockMode); err != nil {
		osf.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return nil, ioError("lock", err)
	}

	f := &File{
		path:     path,
		f:        osf,
		lock:     flock,
		mode:     mode,
		config:   config,
		log:      config.Logger.With(zap.String("file", path)),
		dir:      newDirectory(),
		registry: config.Registry,
		session:  -1,
	}
	if f.registry == nil {
		f.registry = streamer.NewRegistry(streamer.Options{Logger: config.Logger})
	}

	if mode == ModeCreate || mode == ModeRecreate {
		err = f.create()
	} else {
		err = f.load()
	}
	if err != nil {
		flock.Unlock()
		osf.Close()
		return nil, err
	}
	return f, nil
}

// create writes a fresh header over an empty file.
func (f *File) create() error {
	if err := f.f.Truncate(0); err != nil {
		return ioError("create", err)
	}
	f.header = newHeader(f.config.Compression, f.config.Checksum)
	if _, err := f.f.WriteAt(f.header.encode(), 0); err != nil {
		return ioError("create", err)
	}
	if err := f.f.Sync(); err != nil {
		return ioError("create", err)
	}
	f.log.Debug("container created", zap.String("uuid", f.header.UUID.String()))
	return nil
}

// load validates the header and reads directory, free list, registry and
// process ids. A dirty header in update mode triggers Recover.
func (f *File) load() error {
	hdr, err := readHeader(f.f)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	f.header = *hdr
	info, err := f.f.Stat()
	if err != nil {
		return ioError("stat", err)
	}

	if hdr.Dirty {
		f.log.Warn("container was not closed cleanly", zap.Stringer("mode", f.mode))
		if f.mode == ModeUpdate {
			report, err := f.rebuild(context.Background(), info.Size())
			if err != nil {
				return fmt.Errorf("open %s: %w", f.path, err)
			}
			f.log.Info("container recovered", report.fields()...)
			if err := f.loadObjects(); err != nil {
				return err
			}
			return f.writeMeta()
		}
	}
	if info.Size() < hdr.End {
		return fmt.Errorf("open %s: %w", f.path, corrupt("header", "end %d beyond file size %d", hdr.End, info.Size()))
	}
	if err := f.loadMeta(); err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	return f.loadObjects()
}

// loadMeta reads the directory and free-list records named by the header.
func (f *File) loadMeta() error {
	h := &f.header
	if h.SeekDir != 0 {
		k, payload, err := f.readInternal(h.SeekDir, h.NbytesDir, ClassDirectory)
		if err != nil {
			return err
		}
		if f.dir, err = decodeDirectory(payload, h.End); err != nil {
			return err
		}
		f.meta = append(f.meta, k)
	}
	if h.SeekFree != 0 {
		k, payload, err := f.readInternal(h.SeekFree, h.NbytesFree, ClassFreeList)
		if err != nil {
			return err
		}
		if f.free, err = decodeFreeList(payload, h.Begin, h.End); err != nil {
			return err
		}
		f.meta = append(f.meta, k)
	}
	return nil
}

// loadObjects restores the type registry and process ids from their keys.
func (f *File) loadObjects() error {
	if k := f.dir.get(registryKey, 0); k != nil {
		data, err := f.read(k)
		if err != nil {
			return err
		}
		if f.saved, err = f.registry.Load(data); err != nil {
			return fmt.Errorf("open %s: registry: %w", f.path, err)
		}
	}
	if k := f.dir.get(processIDsKey, 0); k != nil {
		data, err := f.read(k)
		if err != nil {
			return err
		}
		if f.pids, err = decodeProcessIDs(data); err != nil {
			return err
		}
	}
	return nil
}

// readInternal loads a header-referenced record and checks that it is
// what the header says it is.
func (f *File) readInternal(seek int64, nbytes int32, class string) (*Key, []byte, error) {
	k, err := f.readKeyHeader(seek)
	if err != nil {
		return nil, nil, err
	}
	if k.Class != class || k.Nbytes != nbytes {
		return nil, nil, corrupt("open", "record at %d is %q (%d bytes), want %q (%d bytes)",
			seek, k.Class, k.Nbytes, class, nbytes)
	}
	payload, err := f.read(k)
	if err != nil {
		return nil, nil, err
	}
	return k, payload, nil
}

// Path returns the file name given to Open.
func (f *File) Path() string { return f.path }

// Header returns a copy of the in-memory header.
func (f *File) Header() Header { return f.header }

// Registry returns the type registry bound to this container.
func (f *File) Registry() *streamer.Registry { return f.registry }

// Logger returns the container's logger, tagged with its path.
func (f *File) Logger() *zap.Logger { return f.log }

// Writable reports whether the container accepts writes.
func (f *File) Writable() bool { return !f.closed && f.mode != ModeRead }

func (f *File) checkWrite() error {
	if f.closed {
		return ErrClosed
	}
	if f.mode == ModeRead {
		return ErrReadOnly
	}
	return nil
}

// markDirty sets the header dirty flag before the first mutation of a
// session so that a crash before Flush or Close is detected on next Open.
func (f *File) markDirty() error {
	f.changed = true
	if f.header.Dirty {
		return nil
	}
	f.header.Dirty = true
	return f.writeHeader()
}

func (f *File) writeHeader() error {
	if _, err := f.f.WriteAt(f.header.encode(), 0); err != nil {
		return ioError("write header", err)
	}
	return nil
}

// Flush persists the registry, process ids, directory, free list and
// header without closing. It is a no-op when nothing changed.
func (f *File) Flush() error {
	if err := f.checkWrite(); err != nil {
		return err
	}
	if !f.pending() {
		return nil
	}
	return f.writeMeta()
}

func (f *File) pending() bool {
	return f.changed || f.header.Dirty || f.pidsDirty || f.registry.Len() != f.saved
}

// writeMeta writes every piece of container bookkeeping and clears the
// dirty flag. The free-list record goes last, appended at End, so the
// list it holds already accounts for every other allocation.
func (f *File) writeMeta() error {
	if err := f.markDirty(); err != nil {
		return err
	}
	for _, k := range f.meta {
		if err := f.release(k.Seek, k.Nbytes); err != nil {
			return err
		}
	}
	f.meta = nil

	if f.registry.Len() != f.saved {
		data, err := f.registry.MarshalJSON()
		if err != nil {
			return fmt.Errorf("flush: registry: %w", err)
		}
		if err := f.replace(registryKey, ClassRegistry, data); err != nil {
			return fmt.Errorf("flush: registry: %w", err)
		}
		f.saved = f.registry.Len()
	}
	if f.pidsDirty {
		if err := f.replace(processIDsKey, ClassProcessIDs, encodeProcessIDs(f.pids)); err != nil {
			return fmt.Errorf("flush: process ids: %w", err)
		}
		f.pidsDirty = false
	}

	// Bytes past a trimmed tail would be found again by a rebuild.
	if end := f.free.trimTail(f.header.End); end < f.header.End {
		if err := f.f.Truncate(end); err != nil {
			return ioError("flush: truncate", err)
		}
		f.header.End = end
	}

	dk, err := f.writeRecord(ClassDirectory, ClassDirectory, 1, f.dir.encode(), true, false)
	if err != nil {
		return fmt.Errorf("flush: directory: %w", err)
	}
	fk, err := f.writeRecord(ClassFreeList, ClassFreeList, 1, f.free.encode(), true, true)
	if err != nil {
		return fmt.Errorf("flush: free list: %w", err)
	}
	f.meta = []*Key{dk, fk}

	f.header.SeekDir, f.header.NbytesDir = dk.Seek, dk.Nbytes
	f.header.SeekFree, f.header.NbytesFree = fk.Seek, fk.Nbytes
	f.header.Dirty = false
	if err := f.writeHeader(); err != nil {
		return err
	}
	if err := f.f.Sync(); err != nil {
		return ioError("flush", err)
	}
	f.changed = false
	return nil
}

// replace writes data as the next cycle of name and deletes every older
// cycle, so exactly one copy of an internal key stays live.
func (f *File) replace(name, class string, data []byte) error {
	next := f.dir.highest(name) + 1
	for _, c := range f.dir.cycles(name) {
		if err := f.deleteOne(f.dir.get(name, c)); err != nil {
			return err
		}
	}
	k, err := f.writeRecord(name, class, next, data, true, false)
	if err != nil {
		return err
	}
	f.dir.add(k)
	return nil
}

// CloseOptions control what Close does beyond flushing.
type CloseOptions struct {
	// Truncate shrinks the file to its used length, dropping any
	// trailing free space.
	Truncate bool
}

// Close flushes and closes the container. Closing twice returns ErrClosed.
func (f *File) Close(opts *CloseOptions) error {
	if f.closed {
		return ErrClosed
	}
	if opts == nil {
		opts = &CloseOptions{}
	}

	var errs []error
	if f.mode != ModeRead {
		if f.pending() {
			if err := f.writeMeta(); err != nil {
				errs = append(errs, err)
			}
		}
		if opts.Truncate && len(errs) == 0 {
			if err := f.f.Truncate(f.header.End); err != nil {
				errs = append(errs, ioError("truncate", err))
			}
		}
	}
	f.closed = true

	if err := f.lock.Unlock(); err != nil {
		errs = append(errs, ioError("unlock", err))
	}
	f.lock.setFile(nil)
	if err := f.f.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
		errs = append(errs, ioError("close", err))
	}
	return errors.Join(errs...)
}

// Stats summarises space usage.
type Stats struct {
	Begin             int64
	End               int64
	FreeBytes         int64
	UsedBytes         int64 // live keys plus the directory and free-list records
	Keys              int
	FreeSegments      int
	CompressionFactor float64 // total objlen over total stored length
}

// Stats reports space usage. FreeBytes + UsedBytes + HeaderSize == End.
func (f *File) Stats() Stats {
	s := Stats{
		Begin:        f.header.Begin,
		End:          f.header.End,
		FreeBytes:    f.free.bytes(),
		UsedBytes:    f.dir.used(),
		Keys:         f.dir.n,
		FreeSegments: len(f.free.segs),
	}
	for _, k := range f.meta {
		s.UsedBytes += int64(k.Nbytes)
	}
	var obj, stored int64
	for _, k := range f.dir.sorted() {
		obj += int64(k.Objlen)
		stored += int64(k.Len)
	}
	s.CompressionFactor = 1
	if stored > 0 {
		s.CompressionFactor = float64(obj) / float64(stored)
	}
	return s
}

// FreeSegments returns a copy of the free list.
func (f *File) FreeSegments() []Segment {
	return append([]Segment(nil), f.free.segs...)
}

// BestBuffer suggests a buffer size for the next write: the mean plus one
// standard deviation of the payload sizes written so far in this session.
func (f *File) BestBuffer() int {
	if f.nbuffers == 0 {
		return 0
	}
	n := float64(f.nbuffers)
	mean := f.sumBuffer / n
	variance := f.sum2Buffer/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return int(mean + math.Sqrt(variance))
}

func (f *File) sumBuffers(size int) {
	f.nbuffers++
	f.sumBuffer += float64(size)
	f.sum2Buffer += float64(size) * float64(size)
}

// Store lifecycle and row access.
package columnar

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/streamer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBlockSize is the target Block payload size used when neither
// Config nor ColumnOptions set one.
const DefaultBlockSize = 32000

// Config configures a Store.
type Config struct {
	BlockSize   int         // default DefaultBlockSize
	Compression int         // 0 = container setting, quire.Uncompressed = none
	CacheBlocks int         // decompressed Blocks kept in memory, default DefaultCacheBlocks
	Concurrency int         // Blocks compressed in parallel by Flush, default GOMAXPROCS
	Logger      *zap.Logger // nil = the container's logger
}

// Store is a named set of Columns in one container.
type Store struct {
	f      *quire.File
	name   string
	cfg    Config
	log    *zap.Logger
	reg    *streamer.Registry
	cache  *blockCache
	cols   []*Column
	byName map[string]*Column
	closed bool
}

func newStore(f *quire.File, name string, cfg Config) (*Store, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("store %q: %w", name, quire.ErrInvalidName)
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = f.Logger()
	}
	cache, err := newBlockCache(cfg.CacheBlocks)
	if err != nil {
		return nil, err
	}
	return &Store{
		f:      f,
		name:   name,
		cfg:    cfg,
		log:    cfg.Logger.Named("columnar").With(zap.String("store", name)),
		reg:    f.Registry(),
		cache:  cache,
		byName: map[string]*Column{},
	}, nil
}

// Create starts a new Store in f and writes its empty metadata.
func Create(f *quire.File, name string, cfg Config) (*Store, error) {
	s, err := newStore(f, name, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := f.Get(name, 0); err == nil {
		return nil, fmt.Errorf("create %s: %w", name, ErrStoreExists)
	}
	if err := s.Write(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads the Store named name from f.
func Open(f *quire.File, name string, cfg Config) (*Store, error) {
	s, err := newStore(f, name, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name is the Store's name in the container; Block keys start with it.
func (s *Store) Name() string { return s.name }

// File is the container the Store lives in.
func (s *Store) File() *quire.File { return s.f }

// Registry is the container's type registry.
func (s *Store) Registry() *streamer.Registry { return s.reg }

// Columns returns the Columns in definition order.
func (s *Store) Columns() []*Column {
	return append([]*Column(nil), s.cols...)
}

// Column returns the Column named name.
func (s *Store) Column(name string) (*Column, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("store %s: %q: %w", s.name, name, ErrNoColumn)
	}
	return c, nil
}

func (s *Store) add(c *Column) {
	s.cols = append(s.cols, c)
	s.byName[c.name] = c
}

// DefineColumn adds a Column whose records have the type of sample. A
// pointer sample stands for its element type.
func (s *Store) DefineColumn(name string, sample any, opts ColumnOptions) (*Column, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("column %q: %w", name, quire.ErrInvalidName)
	}
	if _, ok := s.byName[name]; ok {
		return nil, fmt.Errorf("column %q: %w", name, ErrColumnExists)
	}
	t := reflect.TypeOf(sample)
	if t == nil {
		return nil, fmt.Errorf("column %q: %w: nil sample", name, ErrTypeMismatch)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	td, err := s.reg.Build(t)
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", name, err)
	}
	if !s.reg.Writable(t) {
		return nil, fmt.Errorf("column %q: %w: %s clashes with a stored layout", name, streamer.ErrSchema, td)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = s.cfg.BlockSize
	}
	if opts.Compression == 0 {
		opts.Compression = s.cfg.Compression
	}
	if opts.Compression == 0 {
		opts.Compression = int(s.f.Header().Compression)
	}
	c := s.newColumn(name, td.Name, td.Version, opts.BlockSize, max(opts.Compression, 0))
	c.numeric = numeric(t)
	s.add(c)
	return c, nil
}

// DefineLike adds a Column storing the same type as src, typically a
// Column of another Store. Zero options are taken from src. The type
// descriptor must already be in this Store's registry.
func (s *Store) DefineLike(src *Column, opts ColumnOptions) (*Column, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.byName[src.name]; ok {
		return nil, fmt.Errorf("column %q: %w", src.name, ErrColumnExists)
	}
	if _, ok := s.reg.Lookup(src.typeName, src.version); !ok {
		return nil, fmt.Errorf("column %q: %w: %s;%d", src.name, streamer.ErrUnknownType, src.typeName, src.version)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = src.blockSize
	}
	if opts.Compression == 0 {
		opts.Compression = src.compression
	}
	c := s.newColumn(src.name, src.typeName, src.version, opts.BlockSize, max(opts.Compression, 0))
	c.numeric = src.numeric
	s.add(c)
	return c, nil
}

// Entries is the number of complete rows: the smallest Column.
func (s *Store) Entries() int64 {
	if len(s.cols) == 0 {
		return 0
	}
	n := s.cols[0].Entries()
	for _, c := range s.cols[1:] {
		n = min(n, c.Entries())
	}
	return n
}

// Fill appends one row: one value per Column in definition order. A value
// of the wrong type rejects the whole row.
func (s *Store) Fill(values ...any) error {
	if s.closed {
		return ErrClosed
	}
	if len(values) != len(s.cols) {
		return fmt.Errorf("store %s: fill with %d values for %d columns: %w", s.name, len(values), len(s.cols), ErrTypeMismatch)
	}
	// Every value is checked before any Column changes, so a rejected
	// row leaves all Columns at the same length.
	recs := make([][]byte, len(values))
	for i, v := range values {
		rec, err := s.cols[i].encode(v)
		if err != nil {
			return err
		}
		recs[i] = rec
	}
	for i, c := range s.cols {
		if err := c.reserve(len(recs[i])); err != nil {
			return err
		}
	}
	for i, c := range s.cols {
		c.push(recs[i], values[i])
	}
	return nil
}

// ReadRow decodes row i into dst, one pointer per Column in definition
// order. Corrupt Blocks zero their values; the errors are joined.
func (s *Store) ReadRow(i int64, dst ...any) error {
	if len(dst) != len(s.cols) {
		return fmt.Errorf("store %s: read row into %d values for %d columns: %w", s.name, len(dst), len(s.cols), ErrTypeMismatch)
	}
	var errs []error
	for n, c := range s.cols {
		if err := c.Read(i, dst[n]); err != nil {
			if !errors.Is(err, ErrBlockCorrupt) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type flushJob struct {
	c       *Column
	b       *Block
	objlen  int
	payload []byte
	setting int
}

// Flush writes every non-empty open Block. Blocks are compressed in
// parallel and written in Column definition order.
func (s *Store) Flush() error {
	if s.closed {
		return ErrClosed
	}
	var jobs []*flushJob
	for _, c := range s.cols {
		if c.open.entries() > 0 {
			jobs = append(jobs, &flushJob{c: c, b: c.open.detach()})
		}
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			raw := j.b.Encode()
			zip, setting, err := quire.Compress(j.c.compression, raw)
			if err != nil {
				return fmt.Errorf("column %s: %w", j.c.name, err)
			}
			j.objlen, j.payload, j.setting = len(raw), zip, setting
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, j := range jobs {
			j.c.open.restore(j.b)
		}
		return err
	}
	for n, j := range jobs {
		if _, err := j.c.commit(j.b.Entries, j.payload, j.objlen, j.setting); err != nil {
			for _, rest := range jobs[n:] {
				rest.c.open.restore(rest.b)
			}
			return err
		}
	}
	return nil
}

// Close flushes open Blocks and writes the metadata. The container stays
// open.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.Write(); err != nil {
		return err
	}
	s.closed = true
	return nil
}

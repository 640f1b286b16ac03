// The transplant phases.
//
// Types and references are reconciled first, so nothing is written to
// the destination until the source is known to fit. Blocks are then
// queued per Column, ordered by the SortPolicy and copied as stored
// bytes, rewritten only when references have to be remapped.
package transplant

import (
	"context"
	"fmt"
	"time"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/columnar"
	"github.com/jpl-au/quire/streamer"
	"go.uber.org/zap"
)

// Options configure a Transplanter.
type Options struct {
	Sort SortPolicy
	// SharePIDs lets a source process id that already exists in the
	// destination map onto it instead of failing with
	// ErrReferenceCollision.
	SharePIDs bool
	// CreateColumns defines, in the destination, source Columns it lacks.
	CreateColumns bool
	Logger        *zap.Logger // nil = the destination container's logger
}

// Phase is one step of a transplant.
type Phase int

const (
	PhaseTypes Phase = iota
	PhaseReferences
	PhaseClose
	PhaseCollect
	PhaseSort
	PhaseCopy
	phaseDone
)

var phaseNames = [...]string{"types", "references", "close", "collect", "sort", "copy", "done"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// PhaseTiming is the wall time of one phase.
type PhaseTiming struct {
	Phase    Phase
	Duration time.Duration
}

// Report summarises a transplant.
type Report struct {
	Blocks    int   // Blocks copied
	Bytes     int64 // stored bytes written for them
	Rewritten int   // Blocks decompressed to renumber references
	Records   int64 // records in copied Blocks
	Pending   int64 // records copied from source open Blocks
	Phases    []PhaseTiming
}

// pair is a destination Column and the source Column feeding it.
type pair struct {
	src, dst *columnar.Column
	create   bool // dst is defined in PhaseTypes
	td       *streamer.TypeDescriptor
	refs     bool
}

type tuple struct {
	pair int
	info columnar.BlockInfo
	key  quire.Key
}

// Transplanter moves the Blocks of one Store into another.
type Transplanter struct {
	src, dst *columnar.Store
	opts     Options
	log      *zap.Logger
	pairs    []*pair
	table    *ReferenceTable
	queues   [][]*tuple
	sorted   []*tuple
	phase    Phase
	report   Report
}

// New pairs the Columns of dst with those of src by name and checks that
// each pair has the same shape. Nothing is written.
func New(src, dst *columnar.Store, opts Options) (*Transplanter, error) {
	if opts.Logger == nil {
		opts.Logger = dst.File().Logger()
	}
	t := &Transplanter{
		src:   src,
		dst:   dst,
		opts:  opts,
		log:   opts.Logger.Named("transplant").With(zap.String("src", src.File().Path()), zap.String("store", dst.Name())),
		table: newReferenceTable(),
	}
	for _, dc := range dst.Columns() {
		sc, err := src.Column(dc.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: destination column %s: %w", ErrStructuralMismatch, dc.Name(), err)
		}
		p, err := t.match(sc, dc)
		if err != nil {
			return nil, err
		}
		t.pairs = append(t.pairs, p)
	}
	for _, sc := range src.Columns() {
		if _, err := dst.Column(sc.Name()); err == nil {
			continue
		}
		if !opts.CreateColumns {
			t.log.Info("source column not in destination, skipped", zap.String("column", sc.Name()))
			continue
		}
		td, err := sc.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStructuralMismatch, err)
		}
		t.pairs = append(t.pairs, &pair{src: sc, create: true, td: td, refs: src.Registry().HasRefs(td)})
	}
	if len(t.pairs) == 0 {
		return nil, fmt.Errorf("%w: no columns in common", ErrStructuralMismatch)
	}
	return t, nil
}

func (t *Transplanter) match(sc, dc *columnar.Column) (*pair, error) {
	std, err := sc.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStructuralMismatch, err)
	}
	dtd, err := dc.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStructuralMismatch, err)
	}
	if err := streamer.SameShape(t.src.Registry(), std, t.dst.Registry(), dtd); err != nil {
		return nil, fmt.Errorf("%w: column %s: %w", ErrStructuralMismatch, dc.Name(), err)
	}
	return &pair{src: sc, dst: dc, td: std, refs: t.src.Registry().HasRefs(std)}, nil
}

// Run executes every phase in order. It can be called once; later calls
// fail with ErrPhase. Cancellation is honoured between phases and
// between Blocks; Blocks already copied stay committed.
func (t *Transplanter) Run(ctx context.Context) (Report, error) {
	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseTypes, t.reconcileTypes},
		{PhaseReferences, t.reconcileRefs},
		{PhaseClose, t.closeBlocks},
		{PhaseCollect, t.collect},
		{PhaseSort, t.sort},
		{PhaseCopy, t.copyBlocks},
	}
	for _, s := range steps {
		if t.phase != s.phase {
			return t.report, fmt.Errorf("%s: %w", s.phase, ErrPhase)
		}
		if err := ctx.Err(); err != nil {
			return t.report, fmt.Errorf("%s: %w", s.phase, err)
		}
		t.phase++
		start := time.Now()
		err := s.run(ctx)
		t.report.Phases = append(t.report.Phases, PhaseTiming{Phase: s.phase, Duration: time.Since(start)})
		if err != nil {
			t.phase = phaseDone
			return t.report, fmt.Errorf("%s: %w", s.phase, err)
		}
	}
	t.log.Info("transplant done",
		zap.Stringer("sort", t.opts.Sort),
		zap.Int("blocks", t.report.Blocks),
		zap.Int64("bytes", t.report.Bytes),
		zap.Int("rewritten", t.report.Rewritten),
		zap.Int64("records", t.report.Records),
		zap.Int64("pending", t.report.Pending))
	return t.report, nil
}

// reconcileTypes copies the descriptors the source Columns depend on into
// the destination registry.
func (t *Transplanter) reconcileTypes(context.Context) error {
	sreg, dreg := t.src.Registry(), t.dst.Registry()
	byName := map[string][]*streamer.TypeDescriptor{}
	for _, td := range sreg.Descriptors() {
		byName[td.Name] = append(byName[td.Name], td)
	}
	seen := map[string]bool{}
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		for _, td := range byName[name] {
			if err := dreg.Add(td); err != nil {
				return fmt.Errorf("type %s: %w", td, err)
			}
			for _, nested := range nestedNames(td.Fields) {
				if err := visit(nested); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, p := range t.pairs {
		if err := visit(p.td.Name); err != nil {
			return err
		}
	}
	for _, p := range t.pairs {
		if !p.create {
			continue
		}
		dc, err := t.dst.DefineLike(p.src, columnar.ColumnOptions{})
		if err != nil {
			return err
		}
		p.dst = dc
	}
	return nil
}

func nestedNames(fields []streamer.FieldDescriptor) []string {
	var out []string
	for i := range fields {
		fd := &fields[i]
		if fd.TypeName != "" {
			out = append(out, fd.TypeName)
		}
		for _, sub := range []*streamer.FieldDescriptor{fd.Elem, fd.Key} {
			if sub != nil {
				out = append(out, nestedNames([]streamer.FieldDescriptor{*sub})...)
			}
		}
	}
	return out
}

// reconcileRefs maps source process ids into the destination table. It
// is skipped when no Column can hold a reference.
func (t *Transplanter) reconcileRefs(context.Context) error {
	need := false
	for _, p := range t.pairs {
		need = need || p.refs
	}
	if !need {
		return nil
	}
	sf, df := t.src.File(), t.dst.File()
	for i, id := range sf.ProcessIDs() {
		j, exists := df.ProcessIndex(id)
		if exists && !t.opts.SharePIDs {
			return fmt.Errorf("%w: %s (source %d, destination %d)", ErrReferenceCollision, id, i, j)
		}
		if !exists {
			var err error
			if j, err = df.AddProcessID(id); err != nil {
				return err
			}
		}
		t.table.set(uint16(i), uint16(j))
	}
	return nil
}

// closeBlocks flushes partial destination Blocks so copied Blocks follow
// whole Blocks only.
func (t *Transplanter) closeBlocks(context.Context) error {
	for _, p := range t.pairs {
		if err := p.dst.FlushBlock(); err != nil {
			return err
		}
	}
	return nil
}

// collect queues every source Block with its current key. The index
// seek is refreshed from the key since compaction moves records.
func (t *Transplanter) collect(ctx context.Context) error {
	sf := t.src.File()
	t.queues = make([][]*tuple, len(t.pairs))
	for i, p := range t.pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, bi := range p.src.Blocks() {
			k, err := sf.Get(p.src.BlockKey(bi.N), bi.Cycle)
			if err != nil {
				return fmt.Errorf("column %s: %w", p.src.Name(), err)
			}
			bi.Seek = k.Seek
			t.queues[i] = append(t.queues[i], &tuple{pair: i, info: bi, key: k})
		}
	}
	return nil
}

func (t *Transplanter) sort(context.Context) error {
	t.sorted = t.opts.Sort.order(t.queues)
	return nil
}

func (t *Transplanter) copyBlocks(ctx context.Context) error {
	sf := t.src.File()
	for _, tp := range t.sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := t.pairs[tp.pair]
		k := tp.key
		raw, err := sf.ReadRaw(k)
		if err != nil {
			return fmt.Errorf("column %s: %w", p.src.Name(), err)
		}
		payload, objlen, setting := raw, int(k.Objlen), int(k.Compression)
		if p.refs && !t.table.Identity() {
			if payload, objlen, setting, err = t.rewrite(p, k, raw); err != nil {
				return fmt.Errorf("column %s block %d: %w", p.src.Name(), tp.info.N, err)
			}
			t.report.Rewritten++
		}
		bi, err := p.dst.AppendBlock(payload, objlen, setting, tp.info.Entries)
		if err != nil {
			return err
		}
		t.report.Blocks++
		t.report.Bytes += int64(bi.Bytes)
		t.report.Records += int64(bi.Entries)
		t.log.Debug("block copied", zap.String("column", p.dst.Name()),
			zap.Int("from", tp.info.N), zap.Int("to", bi.N), zap.Int32("entries", bi.Entries))
	}

	for _, p := range t.pairs {
		pending := p.src.Pending()
		for i := range pending.Entries {
			rec := append([]byte(nil), pending.Record(i)...)
			if p.refs && !t.table.Identity() {
				if err := t.src.Registry().RemapRefs(rec, p.td, t.table.Map); err != nil {
					return err
				}
			}
			if err := p.dst.AppendRaw(rec); err != nil {
				return err
			}
			t.report.Pending++
		}
		p.dst.MergeRange(p.src.Stats())
	}
	return nil
}

// rewrite renumbers the references of every record in a Block.
func (t *Transplanter) rewrite(p *pair, k quire.Key, raw []byte) ([]byte, int, int, error) {
	data, err := quire.Decompress(int(k.Compression), raw, int(k.Objlen))
	if err != nil {
		return nil, 0, 0, err
	}
	b, err := columnar.DecodeBlock(data)
	if err != nil {
		return nil, 0, 0, err
	}
	for i := range b.Entries {
		if err := t.src.Registry().RemapRefs(b.Record(i), p.td, t.table.Map); err != nil {
			return nil, 0, 0, err
		}
	}
	out := b.Encode()
	zip, setting, err := quire.Compress(p.dst.Compression(), out)
	return zip, len(out), setting, err
}

// Compiled codecs.
//
// A codec is the pairing of a stored descriptor (what is on the wire)
// with a Go type (where it goes in memory). It is a flat list of ops in
// wire order, each tagged with one kind and executed by a single switch.
// Writing uses the codec whose stored side is the type's own current
// layout; reading pairs the stored version found in the stream with the
// reader's type. Either way there is one reconciliation path.
package streamer

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"unsafe"

	"go.uber.org/zap"
)

type opKind uint8

const (
	opSkip opKind = iota
	opScalar
	opRun // contiguous natural scalars copied as one batch
	opArray
	opCounted
	opString
	opRef
	opObject
	opObjectP
	opCustom
	opSlice
	opMap
)

type op struct {
	kind    opKind
	name    string
	off     uintptr
	typ     reflect.Type // in-memory type of the field
	ws      *wireScalar  // scalar, or array element, wire codec
	mem     *memKind     // scalar, or array element, memory access
	natural bool
	counter bool   // records its value for a later counted array
	count   string // counter feeding a counted array
	n       int    // run length or stored fixed array length
	nested  string // type name of objects and custom values
	custom  Custom
	version int16 // custom type version written to the stream
	elem    *op
	key     *op
	stored  *FieldDescriptor
}

type codec struct {
	r      *Registry
	stored *TypeDescriptor
	ops    []op
}

// frame holds the counters seen so far in one object.
type frame struct {
	names []string
	vals  []int64
}

func (f *frame) set(name string, v int64) {
	if i := slices.Index(f.names, name); i >= 0 {
		f.vals[i] = v
		return
	}
	f.names = append(f.names, name)
	f.vals = append(f.vals, v)
}

func (f *frame) get(name string) int64 {
	if i := slices.Index(f.names, name); i >= 0 {
		return f.vals[i]
	}
	return 0
}

// codecFor returns the cached codec reading stored into b's Go type.
func (r *Registry) codecFor(stored *TypeDescriptor, b *binding, t reflect.Type) *codec {
	key := codecKey{stored: stored, typ: t}
	r.mu.RLock()
	c := r.codecs[key]
	r.mu.RUnlock()
	if c != nil {
		return c
	}
	c = r.compile(stored, b)
	r.mu.Lock()
	if prev := r.codecs[key]; prev != nil {
		c = prev
	} else {
		r.codecs[key] = c
	}
	r.mu.Unlock()
	return c
}

// writeCodec returns the codec encoding values of t.
func (r *Registry) writeCodec(t reflect.Type) (*codec, *binding, error) {
	b, err := r.bind(t)
	if err != nil {
		return nil, nil, err
	}
	if b.refused {
		return nil, nil, fmt.Errorf("%w: %s changed layout without a version bump", ErrSchema, b.built)
	}
	return r.codecFor(b.built, b, t), b, nil
}

// readCodec returns the codec reading name at version into t, or nil if
// that version is unknown.
func (r *Registry) readCodec(name string, version int16, t reflect.Type) (*codec, error) {
	b, err := r.bind(t)
	if err != nil {
		return nil, err
	}
	stored, ok := r.Lookup(name, version)
	if ok && stored == b.td {
		stored = b.built
	}
	if !ok {
		if b.built.Name != name || b.built.Version != version {
			return nil, nil
		}
		stored = b.built
	}
	return r.codecFor(stored, b, t), nil
}

// compile reconciles stored with the binding's current layout. Stored
// fields missing from the current type, or no longer compatible with it,
// become skips; current fields missing from the stream keep their zero
// value.
func (r *Registry) compile(stored *TypeDescriptor, b *binding) *codec {
	c := &codec{r: r, stored: stored}
	for i := range stored.Fields {
		sf := &stored.Fields[i]
		cf, _ := b.built.Field(sf.Name)
		o, ok := op{}, false
		if cf != nil {
			o, ok = r.compileField(sf, cf, b.fields[sf.Name])
			o.off = cf.Offset
			if !ok {
				r.log.Warn("field not convertible, skipped",
					zap.Stringer("stored", stored), zap.Stringer("current", b.built),
					zap.String("field", sf.Name), zap.Stringer("from", sf.Wire), zap.Stringer("to", cf.Wire))
			}
		}
		if !ok {
			o = op{kind: opSkip, name: sf.Name}
		}
		o.stored = sf
		c.ops = append(c.ops, o)
	}
	c.ops = mergeRuns(c.ops)
	return c
}

func (r *Registry) compileField(sf, cf *FieldDescriptor, t reflect.Type) (op, bool) {
	o := op{name: sf.Name, typ: t}
	if t == nil {
		return o, false
	}
	switch {
	case sf.Wire.IsScalar() && cf.Wire.IsScalar():
		o.kind = opScalar
		o.ws, o.mem = wireScalars[sf.Wire], memKinds[t.Kind()]
		o.counter = sf.Wire == WireCounter
	case sf.Wire.IsArray() && cf.Wire.IsArray():
		o.kind = opArray
		o.ws, o.mem = wireScalars[sf.Wire.Scalar()], memKinds[t.Elem().Kind()]
		o.n = sf.ArrayLen
	case sf.Wire.IsCounted() && cf.Wire.IsCounted():
		o.kind = opCounted
		o.ws, o.mem = wireScalars[sf.Wire.Scalar()], memKinds[t.Elem().Kind()]
		o.count = sf.Counter
	case sf.Wire != cf.Wire:
		return o, false
	case sf.Wire == WireString:
		o.kind = opString
	case sf.Wire == WireRef:
		o.kind = opRef
	case sf.Wire == WireObject || sf.Wire == WireObjectP:
		if sf.TypeName != cf.TypeName {
			return o, false
		}
		o.kind = opObject
		if sf.Wire == WireObjectP {
			o.kind = opObjectP
		}
		o.nested = sf.TypeName
	case sf.Wire == WireCustom:
		if sf.TypeName != cf.TypeName {
			return o, false
		}
		o.kind = opCustom
		o.nested = sf.TypeName
		o.custom = r.customFor(t)
		_, o.version = classOf(t)
	case sf.Wire == WireSlice:
		if sf.Elem == nil || cf.Elem == nil {
			return o, false
		}
		elem, ok := r.compileField(sf.Elem, cf.Elem, t.Elem())
		if !ok {
			return o, false
		}
		elem.stored = sf.Elem
		o.kind = opSlice
		o.elem = &elem
	case sf.Wire == WireMap:
		if sf.Key == nil || cf.Key == nil || sf.Elem == nil || cf.Elem == nil {
			return o, false
		}
		key, ok1 := r.compileField(sf.Key, cf.Key, t.Key())
		elem, ok2 := r.compileField(sf.Elem, cf.Elem, t.Elem())
		if !ok1 || !ok2 {
			return o, false
		}
		key.stored, elem.stored = sf.Key, sf.Elem
		o.kind = opMap
		o.key, o.elem = &key, &elem
	default:
		return o, false
	}
	if o.ws != nil {
		if o.mem == nil {
			return o, false
		}
		o.natural = natural(o.mem, sf.Wire.Scalar())
	}
	return o, true
}

// mergeRuns folds adjacent natural scalars of one wire type laid out
// back to back in memory into a single batched op.
func mergeRuns(ops []op) []op {
	out := ops[:0]
	for _, o := range ops {
		if n := len(out); n > 0 && o.kind == opScalar && o.natural && !o.counter {
			last := &out[n-1]
			if (last.kind == opScalar || last.kind == opRun) && last.natural && !last.counter &&
				last.stored.Wire == o.stored.Wire &&
				o.off == last.off+uintptr(max(last.n, 1)*last.ws.size) {
				if last.kind == opScalar {
					last.kind = opRun
					last.n = 1
				}
				last.n++
				last.name += "," + o.name
				continue
			}
		}
		out = append(out, o)
	}
	return out
}

// Encode appends v to b as a top-level record, without a byte count or
// version header. It returns the descriptor a reader needs to decode it.
func (r *Registry) Encode(b *Buffer, v any) (*TypeDescriptor, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, fmt.Errorf("%w: encode nil", ErrSchema)
	}
	var p unsafe.Pointer
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		p = rv.UnsafePointer()
		rv = rv.Elem()
	} else {
		cp := reflect.New(rv.Type())
		cp.Elem().Set(rv)
		p = cp.UnsafePointer()
	}
	c, bind, err := r.writeCodec(rv.Type())
	if err != nil {
		return nil, err
	}
	if err := c.encode(b, p); err != nil {
		return nil, err
	}
	return bind.td, nil
}

// Decode reads a top-level record of type name at version into the
// value ptr points to. Fields absent from the stream are left zero.
func (r *Registry) Decode(b *Buffer, ptr any, name string, version int16) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: decode needs a non-nil pointer, got %T", ErrSchema, ptr)
	}
	t := rv.Type().Elem()
	c, err := r.readCodec(name, version, t)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s;%d", ErrUnknownType, name, version)
	}
	rv.Elem().SetZero()
	return c.decode(b, rv.UnsafePointer())
}

// encode writes the value at base.
func (c *codec) encode(b *Buffer, base unsafe.Pointer) error {
	var fr frame
	for i := range c.ops {
		o := &c.ops[i]
		if err := c.r.encodeOp(b, o, unsafe.Add(base, o.off), &fr); err != nil {
			return fmt.Errorf("%s.%s: %w", c.stored.Name, o.name, err)
		}
	}
	return nil
}

// decode reads into the value at base.
func (c *codec) decode(b *Buffer, base unsafe.Pointer) error {
	var fr frame
	for i := range c.ops {
		o := &c.ops[i]
		if err := c.r.decodeOp(b, o, unsafe.Add(base, o.off), &fr); err != nil {
			return fmt.Errorf("%s.%s: %w", c.stored.Name, o.name, err)
		}
	}
	return nil
}

func (r *Registry) encodeOp(b *Buffer, o *op, p unsafe.Pointer, fr *frame) error {
	switch o.kind {
	case opScalar:
		n := o.mem.load(p)
		if o.counter {
			fr.set(o.name, n.toInt(32))
		}
		o.ws.put(b.extend(o.ws.size), n)
	case opRun:
		putN(b.extend(o.ws.size*o.n), p, o.ws.size, o.n)
	case opArray:
		o.putElems(b, p, o.n)
	case opCounted:
		want := fr.get(o.count)
		v := reflect.NewAt(o.typ, p).Elem()
		if want < 0 || int64(v.Len()) < want {
			return fmt.Errorf("%w: counter %s is %d but slice holds %d", ErrSchema, o.count, want, v.Len())
		}
		if want > 0 {
			o.putElems(b, v.UnsafePointer(), int(want))
		}
	case opString:
		b.WriteString(*(*string)(p))
	case opRef:
		ref := (*Ref)(p)
		b.WriteU16(ref.PID)
		b.WriteU32(ref.UID)
	case opObject:
		return r.encodeObject(b, o.typ, p)
	case opObjectP:
		ptr := *(*unsafe.Pointer)(p)
		if ptr == nil {
			b.WriteU8(0)
			return nil
		}
		b.WriteU8(1)
		return r.encodeObject(b, o.typ.Elem(), ptr)
	case opCustom:
		at := b.beginCount()
		b.WriteI16(o.version)
		if err := o.custom.WriteStream(b, reflect.NewAt(o.typ, p).Elem()); err != nil {
			return err
		}
		b.endCount(at)
	case opSlice:
		at := b.beginCount()
		v := reflect.NewAt(o.typ, p).Elem()
		n := v.Len()
		b.WriteU32(uint32(n))
		data := p
		if o.typ.Kind() == reflect.Slice {
			data = v.UnsafePointer()
		}
		if err := r.encodeElems(b, o.elem, data, o.typ.Elem().Size(), n); err != nil {
			return err
		}
		b.endCount(at)
	case opMap:
		at := b.beginCount()
		v := reflect.NewAt(o.typ, p).Elem()
		keys := v.MapKeys()
		slices.SortFunc(keys, compareKeys)
		b.WriteU32(uint32(len(keys)))
		kv := reflect.New(o.typ.Key()).Elem()
		ev := reflect.New(o.typ.Elem()).Elem()
		var sub frame
		for _, k := range keys {
			kv.Set(k)
			ev.Set(v.MapIndex(k))
			if err := r.encodeOp(b, o.key, kv.Addr().UnsafePointer(), &sub); err != nil {
				return err
			}
			if err := r.encodeOp(b, o.elem, ev.Addr().UnsafePointer(), &sub); err != nil {
				return err
			}
		}
		b.endCount(at)
	}
	return nil
}

func (r *Registry) encodeElems(b *Buffer, elem *op, data unsafe.Pointer, size uintptr, n int) error {
	if elem.kind == opScalar && elem.natural {
		putN(b.extend(elem.ws.size*n), data, elem.ws.size, n)
		return nil
	}
	var fr frame
	for i := 0; i < n; i++ {
		if err := r.encodeOp(b, elem, unsafe.Add(data, uintptr(i)*size), &fr); err != nil {
			return err
		}
	}
	return nil
}

// putElems writes n scalars starting at p.
func (o *op) putElems(b *Buffer, p unsafe.Pointer, n int) {
	dst := b.extend(o.ws.size * n)
	if o.natural {
		putN(dst, p, o.ws.size, n)
		return
	}
	for i := 0; i < n; i++ {
		o.ws.put(dst[i*o.ws.size:], o.mem.load(unsafe.Add(p, uintptr(i)*o.mem.size)))
	}
}

// getElems reads n wire scalars into memory at p.
func (o *op) getElems(src []byte, p unsafe.Pointer, n int) {
	if o.natural {
		getN(p, src, o.ws.size, n)
		return
	}
	for i := 0; i < n; i++ {
		o.mem.store(unsafe.Add(p, uintptr(i)*o.mem.size), o.ws.get(src[i*o.ws.size:]))
	}
}

func (r *Registry) encodeObject(b *Buffer, t reflect.Type, p unsafe.Pointer) error {
	c, bind, err := r.writeCodec(t)
	if err != nil {
		return err
	}
	at := b.beginCount()
	b.WriteI16(bind.td.Version)
	if err := c.encode(b, p); err != nil {
		return err
	}
	b.endCount(at)
	return nil
}

func (r *Registry) decodeOp(b *Buffer, o *op, p unsafe.Pointer, fr *frame) error {
	switch o.kind {
	case opSkip:
		return r.skipField(b, o.stored, fr)
	case opScalar:
		src, err := b.Next(o.ws.size)
		if err != nil {
			return err
		}
		n := o.ws.get(src)
		if o.counter {
			fr.set(o.name, n.toInt(32))
		}
		o.mem.store(p, n)
	case opRun:
		src, err := b.Next(o.ws.size * o.n)
		if err != nil {
			return err
		}
		getN(p, src, o.ws.size, o.n)
	case opArray:
		src, err := b.Next(o.ws.size * o.n)
		if err != nil {
			return err
		}
		o.getElems(src, p, min(o.n, o.typ.Len()))
	case opCounted:
		n := fr.get(o.count)
		if n < 0 || n*int64(o.ws.size) > int64(b.Remaining()) {
			return fmt.Errorf("counter %s = %d: %w", o.count, n, ErrShortBuffer)
		}
		src, _ := b.Next(o.ws.size * int(n))
		if n == 0 {
			return nil
		}
		s := reflect.MakeSlice(o.typ, int(n), int(n))
		o.getElems(src, s.UnsafePointer(), int(n))
		reflect.NewAt(o.typ, p).Elem().Set(s)
	case opString:
		s, err := b.ReadString()
		if err != nil {
			return err
		}
		reflect.NewAt(o.typ, p).Elem().SetString(s)
	case opRef:
		src, err := b.Next(refSize)
		if err != nil {
			return err
		}
		*(*Ref)(p) = Ref{PID: be.Uint16(src), UID: be.Uint32(src[2:])}
	case opObject:
		return r.decodeObject(b, o.nested, o.typ, p)
	case opObjectP:
		flag, err := b.ReadU8()
		if err != nil {
			return err
		}
		v := reflect.NewAt(o.typ, p).Elem()
		if flag == 0 {
			v.SetZero()
			return nil
		}
		nv := reflect.New(o.typ.Elem())
		if err := r.decodeObject(b, o.nested, o.typ.Elem(), nv.UnsafePointer()); err != nil {
			return err
		}
		v.Set(nv)
	case opCustom:
		n, err := b.readCount()
		if err != nil {
			return err
		}
		body, _ := b.Next(n)
		sub := NewBuffer(body)
		version, err := sub.ReadI16()
		if err != nil {
			return err
		}
		return o.custom.ReadStream(NewBuffer(body[2:]), reflect.NewAt(o.typ, p).Elem(), version)
	case opSlice:
		return r.decodeSlice(b, o, p)
	case opMap:
		n, err := b.readCount()
		if err != nil {
			return err
		}
		body, _ := b.Next(n)
		sub := NewBuffer(body)
		count, err := sub.ReadU32()
		if err != nil {
			return err
		}
		if int(count) > sub.Remaining() {
			return fmt.Errorf("map of %d entries: %w", count, ErrShortBuffer)
		}
		if count == 0 {
			return nil
		}
		m := reflect.MakeMapWithSize(o.typ, int(count))
		var fr2 frame
		for i := 0; i < int(count); i++ {
			kv := reflect.New(o.typ.Key())
			ev := reflect.New(o.typ.Elem())
			if err := r.decodeOp(sub, o.key, kv.UnsafePointer(), &fr2); err != nil {
				return err
			}
			if err := r.decodeOp(sub, o.elem, ev.UnsafePointer(), &fr2); err != nil {
				return err
			}
			m.SetMapIndex(kv.Elem(), ev.Elem())
		}
		reflect.NewAt(o.typ, p).Elem().Set(m)
	}
	return nil
}

func (r *Registry) decodeSlice(b *Buffer, o *op, p unsafe.Pointer) error {
	n, err := b.readCount()
	if err != nil {
		return err
	}
	body, _ := b.Next(n)
	sub := NewBuffer(body)
	count, err := sub.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > sub.Remaining() {
		return fmt.Errorf("slice of %d elements: %w", count, ErrShortBuffer)
	}
	size := o.typ.Elem().Size()
	data, keep := p, int(count)
	if keep == 0 {
		return nil
	}
	if o.typ.Kind() == reflect.Slice {
		s := reflect.MakeSlice(o.typ, keep, keep)
		reflect.NewAt(o.typ, p).Elem().Set(s)
		data = s.UnsafePointer()
	} else {
		keep = min(keep, o.typ.Len())
	}
	if keep == 0 {
		return nil
	}
	elem := o.elem
	if elem.kind == opScalar && elem.natural {
		src, err := sub.Next(elem.ws.size * keep)
		if err != nil {
			return err
		}
		getN(data, src, elem.ws.size, keep)
		return nil
	}
	var fr frame
	for i := 0; i < keep; i++ {
		if err := r.decodeOp(sub, elem, unsafe.Add(data, uintptr(i)*size), &fr); err != nil {
			return err
		}
	}
	return nil
}

// decodeObject reads one nested object. An unknown version is skipped
// whole and the field keeps its zero value.
func (r *Registry) decodeObject(b *Buffer, name string, t reflect.Type, p unsafe.Pointer) error {
	n, err := b.readCount()
	if err != nil {
		return err
	}
	body, _ := b.Next(n)
	sub := NewBuffer(body)
	version, err := sub.ReadI16()
	if err != nil {
		return err
	}
	c, err := r.readCodec(name, version, t)
	if err != nil {
		return err
	}
	if c == nil {
		r.warnOnce(fmt.Sprintf("%s;%d", name, version), "unknown nested type version skipped",
			zap.String("type", name), zap.Int16("version", version))
		return nil
	}
	return c.decode(sub, p)
}

func compareKeys(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.Bool:
		return cmp.Compare(boolInt(a.Bool()), boolInt(b.Bool()))
	}
	return 0
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Descriptor-driven walks over encoded records.
//
// These work from the stored descriptor alone, with no Go type, which
// lets a record be stepped over or patched in place by code that never
// decodes it.
package streamer

import (
	"fmt"

	"go.uber.org/zap"
)

// skipField steps over one encoded field described by fd. Counters are
// still recorded so a later counted array can be sized.
func (r *Registry) skipField(b *Buffer, fd *FieldDescriptor, fr *frame) error {
	w := fd.Wire
	switch {
	case w.IsScalar():
		p, err := b.Next(wireScalars[w].size)
		if err != nil {
			return err
		}
		if w == WireCounter {
			fr.set(fd.Name, int64(int32(be.Uint32(p))))
		}
		return nil
	case w.IsArray():
		_, err := b.Next(wireScalars[w.Scalar()].size * fd.ArrayLen)
		return err
	case w.IsCounted():
		n := fr.get(fd.Counter)
		size := int64(wireScalars[w.Scalar()].size)
		if n < 0 || n*size > int64(b.Remaining()) {
			return fmt.Errorf("counter %s = %d: %w", fd.Counter, n, ErrShortBuffer)
		}
		_, err := b.Next(int(n * size))
		return err
	case w.hasCount():
		n, err := b.readCount()
		if err != nil {
			return err
		}
		_, err = b.Next(n)
		return err
	}
	switch w {
	case WireString:
		n, err := b.ReadU8()
		if err != nil {
			return err
		}
		size := int(n)
		if n == 255 {
			v, err := b.ReadU32()
			if err != nil {
				return err
			}
			size = int(v)
		}
		_, err = b.Next(size)
		return err
	case WireRef:
		_, err := b.Next(refSize)
		return err
	case WireObjectP:
		flag, err := b.ReadU8()
		if err != nil || flag == 0 {
			return err
		}
		return r.skipField(b, &FieldDescriptor{Wire: WireObject}, fr)
	}
	return fmt.Errorf("%w: cannot skip field %s of wire type %s", ErrSchema, fd.Name, w)
}

// RemapRefs rewrites, in place, the process id of every Ref in rec, a
// top-level record of type td. Custom values are opaque and left alone;
// nested objects whose version is unknown are skipped with a warning.
func (r *Registry) RemapRefs(rec []byte, td *TypeDescriptor, fn func(pid uint16) uint16) error {
	if !r.HasRefs(td) {
		return nil
	}
	if err := r.walk(NewBuffer(rec), td, fn); err != nil {
		return fmt.Errorf("remap %s: %w", td, err)
	}
	return nil
}

func (r *Registry) walk(b *Buffer, td *TypeDescriptor, fn func(uint16) uint16) error {
	var fr frame
	for i := range td.Fields {
		fd := &td.Fields[i]
		if err := r.walkField(b, fd, &fr, fn); err != nil {
			return fmt.Errorf("%s.%s: %w", td.Name, fd.Name, err)
		}
	}
	return nil
}

func (r *Registry) walkField(b *Buffer, fd *FieldDescriptor, fr *frame, fn func(uint16) uint16) error {
	if !r.fieldRefs(fd, map[string]bool{}) {
		return r.skipField(b, fd, fr)
	}
	switch fd.Wire {
	case WireRef:
		p, err := b.Next(refSize)
		if err != nil {
			return err
		}
		be.PutUint16(p, fn(be.Uint16(p)))
		return nil
	case WireObjectP:
		flag, err := b.ReadU8()
		if err != nil || flag == 0 {
			return err
		}
		return r.walkObject(b, fd.TypeName, fn)
	case WireObject:
		return r.walkObject(b, fd.TypeName, fn)
	case WireSlice, WireMap:
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
		var efr frame
		for range count {
			if fd.Key != nil {
				if err := r.walkField(sub, fd.Key, &efr, fn); err != nil {
					return err
				}
			}
			if err := r.walkField(sub, fd.Elem, &efr, fn); err != nil {
				return err
			}
		}
		return nil
	}
	return r.skipField(b, fd, fr)
}

func (r *Registry) walkObject(b *Buffer, name string, fn func(uint16) uint16) error {
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
	td, ok := r.Lookup(name, version)
	if !ok {
		r.warnOnce(fmt.Sprintf("%s;%d", name, version), "unknown nested type version, references not remapped",
			zap.String("type", name), zap.Int16("version", version))
		return nil
	}
	return r.walk(sub, td, fn)
}

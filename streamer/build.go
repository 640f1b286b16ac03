// Descriptor construction from Go types.
package streamer

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Build returns the registered descriptor for t, building and registering
// it and every nested type on first use.
func (r *Registry) Build(t reflect.Type) (*TypeDescriptor, error) {
	b, err := r.bind(t)
	if err != nil {
		return nil, err
	}
	return b.td, nil
}

// Writable reports whether values of t can be encoded, that is whether
// its descriptor did not clash with an existing one.
func (r *Registry) Writable(t reflect.Type) bool {
	b, err := r.bind(t)
	return err == nil && !b.refused
}

func (r *Registry) bind(t reflect.Type) (*binding, error) {
	r.mu.RLock()
	b := r.bound[t]
	r.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	return r.build(t, map[reflect.Type]bool{})
}

// build describes t. building guards against recursive types: a type
// already under construction is referenced by name only.
func (r *Registry) build(t reflect.Type, building map[reflect.Type]bool) (*binding, error) {
	building[t] = true
	name, version := classOf(t)
	td := &TypeDescriptor{Name: name, Version: version}
	fields := map[string]reflect.Type{}

	if t.Kind() != reflect.Struct || r.customFor(t) != nil {
		fd, ok := r.fieldFor(name, Member{Type: t}, building)
		if !ok {
			return nil, fmt.Errorf("%w: cannot describe %s", ErrSchema, t)
		}
		td.Fields = []FieldDescriptor{fd}
		fields[""] = t
	} else {
		members, err := r.intro.Members(t)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			fd, ok := r.fieldFor(name, m, building)
			if !ok {
				continue
			}
			if fd.Wire.IsCounted() && !r.bindCounter(td, &fd, fields) {
				continue
			}
			td.Fields = append(td.Fields, fd)
			fields[fd.Name] = m.Type
		}
	}
	td.Checksum = td.computeChecksum()
	return r.register(t, td, fields), nil
}

// bindCounter retags the counter of a counted array. The counter must be
// an earlier int32 field; otherwise the array is dropped.
func (r *Registry) bindCounter(td *TypeDescriptor, fd *FieldDescriptor, fields map[string]reflect.Type) bool {
	c, ok := td.Field(fd.Counter)
	if ok && (c.Wire == WireInt || c.Wire == WireCounter) && fields[c.Name].Kind() == reflect.Int32 {
		c.Wire = WireCounter
		return true
	}
	r.log.Warn("counted field dropped: counter must be an earlier int32 field",
		zap.String("type", td.Name), zap.String("field", fd.Name), zap.String("counter", fd.Counter))
	return false
}

func (r *Registry) register(t reflect.Type, td *TypeDescriptor, fields map[string]reflect.Type) *binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.bound[t]; b != nil {
		return b
	}
	b := &binding{td: td, built: td, fields: fields}
	if old, ok := r.lookup(td.Name, td.Version); ok {
		if old.Checksum == td.Checksum {
			b.td = old
		} else {
			b.refused = true
			r.log.Warn("type layout changed without a version bump; writes refused",
				zap.Stringer("type", td), zap.Stringer("go_type", t))
		}
	} else {
		r.add(td)
	}
	r.bound[t] = b
	return b
}

// fieldFor describes one member. It returns false, after logging, for
// types that cannot be streamed.
func (r *Registry) fieldFor(owner string, m Member, building map[reflect.Type]bool) (FieldDescriptor, bool) {
	t := m.Type
	fd := FieldDescriptor{Name: m.Name, Offset: m.Offset}
	skip := func(reason string) (FieldDescriptor, bool) {
		r.log.Warn("field skipped", zap.String("type", owner), zap.String("field", m.Name),
			zap.Stringer("go_type", t), zap.String("reason", reason))
		return FieldDescriptor{}, false
	}

	if t.Kind() != reflect.Pointer && r.customFor(t) != nil {
		fd.Wire = WireCustom
		fd.TypeName, _ = classOf(t)
		return fd, true
	}
	if t == refType {
		fd.Wire = WireRef
		return fd, true
	}
	if w, ok := scalarWire(t.Kind()); ok {
		fd.Wire = w
		return fd, true
	}

	switch t.Kind() {
	case reflect.String:
		fd.Wire = WireString
	case reflect.Array, reflect.Slice:
		w, scalar := scalarWire(t.Elem().Kind())
		switch {
		case scalar && m.Counter != "" && t.Kind() == reflect.Slice:
			fd.Wire = WireOffsetP + w
			fd.Counter = m.Counter
		case m.Counter != "":
			return skip("count= applies to slices of scalars")
		case scalar && t.Kind() == reflect.Array:
			fd.Wire = WireOffsetL + w
			fd.ArrayLen = t.Len()
		default:
			elem, ok := r.fieldFor(owner, Member{Type: t.Elem()}, building)
			if !ok {
				return skip("unsupported element type")
			}
			fd.Wire = WireSlice
			fd.Elem = &elem
			if t.Kind() == reflect.Array {
				fd.ArrayLen = t.Len()
			}
		}
	case reflect.Map:
		key, ok1 := r.fieldFor(owner, Member{Type: t.Key()}, building)
		elem, ok2 := r.fieldFor(owner, Member{Type: t.Elem()}, building)
		if !ok1 || !ok2 {
			return skip("unsupported map key or element type")
		}
		fd.Wire = WireMap
		fd.Key, fd.Elem = &key, &elem
	case reflect.Struct:
		if !r.nested(t, building) {
			return skip("nested type cannot be described")
		}
		fd.Wire = WireObject
		fd.TypeName, _ = classOf(t)
	case reflect.Pointer:
		if t.Elem().Kind() != reflect.Struct {
			return skip("pointers are only supported to structs")
		}
		if !r.nested(t.Elem(), building) {
			return skip("nested type cannot be described")
		}
		fd.Wire = WireObjectP
		fd.TypeName, _ = classOf(t.Elem())
	default:
		return skip("unsupported kind " + t.Kind().String())
	}
	return fd, true
}

// nested makes sure a nested struct type is described.
func (r *Registry) nested(t reflect.Type, building map[reflect.Type]bool) bool {
	if building[t] {
		return true
	}
	r.mu.RLock()
	b := r.bound[t]
	r.mu.RUnlock()
	if b != nil {
		return true
	}
	_, err := r.build(t, building)
	return err == nil
}

// Type and field descriptors, their checksums and shape comparison.
package streamer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// FieldDescriptor is the encoding rule for one field. Elem and Key
// describe the elements of slice and map adaptors.
type FieldDescriptor struct {
	Name     string           `json:"name"`
	Wire     WireType         `json:"wire"`
	TypeName string           `json:"type,omitempty"`    // nested, custom or scalar type name
	ArrayLen int              `json:"len,omitempty"`     // fixed array length
	Counter  string           `json:"counter,omitempty"` // field holding a counted array's length
	Elem     *FieldDescriptor `json:"elem,omitempty"`
	Key      *FieldDescriptor `json:"key,omitempty"`

	// Offset is the in-memory offset of the field in the Go type the
	// descriptor was built from. It is not persisted.
	Offset uintptr `json:"-"`
}

// TypeDescriptor is the wire layout of one version of one type.
type TypeDescriptor struct {
	Name     string            `json:"name"`
	Version  int16             `json:"version"`
	Checksum uint64            `json:"checksum"`
	Fields   []FieldDescriptor `json:"fields"`
}

func (td *TypeDescriptor) String() string {
	return fmt.Sprintf("%s;%d", td.Name, td.Version)
}

// Field returns the field with the given name.
func (td *TypeDescriptor) Field(name string) (*FieldDescriptor, bool) {
	for i := range td.Fields {
		if td.Fields[i].Name == name {
			return &td.Fields[i], true
		}
	}
	return nil, false
}

// canonical appends the checksum input for fd.
func (fd *FieldDescriptor) canonical(sb *strings.Builder) {
	sb.WriteString(fd.Name)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(int(fd.Wire)))
	sb.WriteByte(':')
	sb.WriteString(fd.TypeName)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(fd.ArrayLen))
	sb.WriteByte(':')
	sb.WriteString(fd.Counter)
	if fd.Key != nil {
		sb.WriteString("{")
		fd.Key.canonical(sb)
		sb.WriteString("}")
	}
	if fd.Elem != nil {
		sb.WriteString("[")
		fd.Elem.canonical(sb)
		sb.WriteString("]")
	}
	sb.WriteByte(';')
}

// computeChecksum hashes the name and field list. The version is left
// out so that a renumbered but otherwise identical layout is recognised.
func (td *TypeDescriptor) computeChecksum() uint64 {
	var sb strings.Builder
	sb.WriteString(td.Name)
	sb.WriteByte('|')
	for i := range td.Fields {
		td.Fields[i].canonical(&sb)
	}
	return xxh3.HashString(sb.String())
}

// refs reports whether the descriptor can hold a reference, following
// nested types through r.
func (r *Registry) refs(td *TypeDescriptor, seen map[string]bool) bool {
	if seen[td.Name] {
		return false
	}
	seen[td.Name] = true
	for i := range td.Fields {
		if r.fieldRefs(&td.Fields[i], seen) {
			return true
		}
	}
	return false
}

func (r *Registry) fieldRefs(fd *FieldDescriptor, seen map[string]bool) bool {
	switch fd.Wire {
	case WireRef:
		return true
	case WireObject, WireObjectP:
		for _, nested := range r.versions(fd.TypeName) {
			if r.refs(nested, seen) {
				return true
			}
		}
	case WireSlice, WireMap:
		if fd.Key != nil && r.fieldRefs(fd.Key, seen) {
			return true
		}
		return fd.Elem != nil && r.fieldRefs(fd.Elem, seen)
	}
	return false
}

// SameShape reports whether a, described by ra, and b, described by rb,
// have the same field count, wire types and counter positions, following
// every shared version of nested types. It returns a descriptive ErrSchema error for the first difference.
func SameShape(ra *Registry, a *TypeDescriptor, rb *Registry, b *TypeDescriptor) error {
	return sameShape(ra, a, rb, b, map[[2]string]bool{})
}

func sameShape(ra *Registry, a *TypeDescriptor, rb *Registry, b *TypeDescriptor, seen map[[2]string]bool) error {
	pair := [2]string{a.String(), b.String()}
	if seen[pair] {
		return nil
	}
	seen[pair] = true
	if len(a.Fields) != len(b.Fields) {
		return fmt.Errorf("%w: %s has %d fields, %s has %d", ErrSchema, a, len(a.Fields), b, len(b.Fields))
	}
	for i := range a.Fields {
		fa, fb := &a.Fields[i], &b.Fields[i]
		if ca, cb := fieldIndex(a.Fields, fa.Counter), fieldIndex(b.Fields, fb.Counter); ca != cb {
			return fmt.Errorf("%w: %s.%s counted by field %d, %s.%s by field %d", ErrSchema, a.Name, fa.Name, ca, b.Name, fb.Name, cb)
		}
		if err := sameField(ra, fa, rb, fb, seen); err != nil {
			return fmt.Errorf("%s.%s: %w", a.Name, fa.Name, err)
		}
	}
	return nil
}

// fieldIndex returns the position of the field called name, or -1 when
// name is empty or absent.
func fieldIndex(fields []FieldDescriptor, name string) int {
	if name == "" {
		return -1
	}
	for i := range fields {
		if fields[i].Name == name {
			return i
		}
	}
	return -1
}

// sameNested compares every version of a nested type that both
// registries know, plus the latest of each, since records framed with
// any of them may be copied between the two.
func sameNested(ra *Registry, a string, rb *Registry, b string, seen map[[2]string]bool) error {
	va, vb := ra.versions(a), rb.versions(b)
	if len(va) == 0 || len(vb) == 0 {
		if a != b {
			return fmt.Errorf("%w: nested %s vs %s", ErrSchema, a, b)
		}
		return nil
	}
	for _, x := range va {
		for _, y := range vb {
			if x.Version == y.Version {
				if err := sameShape(ra, x, rb, y, seen); err != nil {
					return err
				}
			}
		}
	}
	na, _ := ra.latest(a)
	nb, _ := rb.latest(b)
	return sameShape(ra, na, rb, nb, seen)
}

func sameField(ra *Registry, a *FieldDescriptor, rb *Registry, b *FieldDescriptor, seen map[[2]string]bool) error {
	if a.Wire != b.Wire || a.ArrayLen != b.ArrayLen {
		return fmt.Errorf("%w: %s[%d] vs %s[%d]", ErrSchema, a.Wire, a.ArrayLen, b.Wire, b.ArrayLen)
	}
	switch a.Wire {
	case WireObject, WireObjectP:
		return sameNested(ra, a.TypeName, rb, b.TypeName, seen)
	case WireCustom:
		if a.TypeName != b.TypeName {
			return fmt.Errorf("%w: custom %s vs %s", ErrSchema, a.TypeName, b.TypeName)
		}
	case WireSlice, WireMap:
		if (a.Key == nil) != (b.Key == nil) || (a.Elem == nil) != (b.Elem == nil) {
			return fmt.Errorf("%w: adaptor element mismatch", ErrSchema)
		}
		if a.Key != nil {
			if err := sameField(ra, a.Key, rb, b.Key, seen); err != nil {
				return err
			}
		}
		if a.Elem != nil {
			return sameField(ra, a.Elem, rb, b.Elem, seen)
		}
	}
	return nil
}

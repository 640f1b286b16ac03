// Reflection front-end.
//
// The registry never inspects Go types directly for field lists: it asks
// an Introspector. The default reads exported struct fields and an
// optional `quire` tag:
//
//	Hits   []float32 `quire:"hits,count=NHits"` // counted by field NHits
//	Cache  []byte    `quire:"-"`                 // not persisted
package streamer

import (
	"fmt"
	"reflect"
	"strings"
)

// Member is one persistable field as reported by an Introspector.
type Member struct {
	Name    string
	Type    reflect.Type
	Offset  uintptr
	Counter string // name of an earlier member holding this slice's length
}

// Introspector enumerates the persistable fields of a struct type in
// declaration order.
type Introspector interface {
	Members(t reflect.Type) ([]Member, error)
}

// Class lets a type choose its persisted name and version. Bump the
// version whenever the field list changes.
type Class interface {
	ClassName() string
	ClassVersion() int16
}

// TagIntrospector is the default Introspector.
type TagIntrospector struct{}

// Members implements Introspector.
func (TagIntrospector) Members(t reflect.Type) ([]Member, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrSchema, t)
	}
	var out []Member
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("quire")
		if tag == "-" {
			continue
		}
		m := Member{Name: sf.Name, Type: sf.Type, Offset: sf.Offset}
		parts := strings.Split(tag, ",")
		if parts[0] != "" {
			m.Name = parts[0]
		}
		for _, opt := range parts[1:] {
			if c, ok := strings.CutPrefix(opt, "count="); ok {
				m.Counter = c
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// classOf returns the persisted name and version of t.
func classOf(t reflect.Type) (string, int16) {
	if t.Implements(classType) {
		c := reflect.Zero(t).Interface().(Class)
		return c.ClassName(), c.ClassVersion()
	}
	if reflect.PointerTo(t).Implements(classType) {
		c := reflect.New(t).Interface().(Class)
		return c.ClassName(), c.ClassVersion()
	}
	return t.String(), 1
}

var classType = reflect.TypeFor[Class]()

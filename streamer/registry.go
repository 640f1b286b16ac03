// Type descriptor registry.
//
// A Registry holds every TypeDescriptor version it has seen, append-only,
// plus the binding from each Go type used in this process to its current
// descriptor. Registries are plain values: a container owns one, or
// several containers share one passed in explicitly. There is no global
// registry.
//
// Registering a Go type whose name and version already exist with a
// different checksum does not fail: the stored descriptor stays
// authoritative for reading and writes of that Go type are refused with
// ErrSchema until its version is bumped.
package streamer

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Options configure a Registry.
type Options struct {
	Logger       *zap.Logger  // nil = no logging
	Introspector Introspector // nil = TagIntrospector
}

// binding ties a Go type to its descriptors. built carries in-memory
// offsets; td is the registered descriptor used on the wire.
type binding struct {
	td      *TypeDescriptor
	built   *TypeDescriptor
	fields  map[string]reflect.Type
	refused bool
}

type codecKey struct {
	stored *TypeDescriptor
	typ    reflect.Type
}

// Registry is a set of type descriptors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	log     *zap.Logger
	intro   Introspector
	types   map[string][]*TypeDescriptor
	order   []*TypeDescriptor
	bound   map[reflect.Type]*binding
	customs map[reflect.Type]Custom
	codecs  map[codecKey]*codec
	warned  map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Introspector == nil {
		opts.Introspector = TagIntrospector{}
	}
	return &Registry{
		log:     opts.Logger.Named("streamer"),
		intro:   opts.Introspector,
		types:   map[string][]*TypeDescriptor{},
		bound:   map[reflect.Type]*binding{},
		customs: map[reflect.Type]Custom{},
		codecs:  map[codecKey]*codec{},
		warned:  map[string]bool{},
	}
}

// Len is the number of registered descriptors. It only grows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Descriptors returns every registered descriptor in registration order.
func (r *Registry) Descriptors() []*TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Lookup returns the descriptor for name at version.
func (r *Registry) Lookup(name string, version int16) (*TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(name, version)
}

func (r *Registry) lookup(name string, version int16) (*TypeDescriptor, bool) {
	for _, td := range r.types[name] {
		if td.Version == version {
			return td, true
		}
	}
	return nil, false
}

// versions returns every registered version of name.
func (r *Registry) versions(name string) []*TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.types[name])
}

// latest returns the highest registered version of name.
func (r *Registry) latest(name string) (*TypeDescriptor, bool) {
	vs := r.versions(name)
	if len(vs) == 0 {
		return nil, false
	}
	return slices.MaxFunc(vs, func(a, b *TypeDescriptor) int { return cmp.Compare(a.Version, b.Version) }), true
}

// Add registers td. A descriptor already present with the same checksum
// is accepted silently; one with the same name and version but another
// checksum is rejected with ErrSchema.
func (r *Registry) Add(td *TypeDescriptor) error {
	if td.Name == "" {
		return fmt.Errorf("%w: descriptor without a name", ErrSchema)
	}
	if sum := td.computeChecksum(); td.Checksum != sum {
		return fmt.Errorf("%w: %s checksum %016x, computed %016x", ErrSchema, td, td.Checksum, sum)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(td)
}

func (r *Registry) add(td *TypeDescriptor) error {
	if old, ok := r.lookup(td.Name, td.Version); ok {
		if old.Checksum == td.Checksum {
			return nil
		}
		return fmt.Errorf("%w: %s already registered with checksum %016x, got %016x",
			ErrSchema, td, old.Checksum, td.Checksum)
	}
	r.types[td.Name] = append(r.types[td.Name], td)
	r.order = append(r.order, td)
	return nil
}

type registryJSON struct {
	Types []*TypeDescriptor `json:"types"`
}

// MarshalJSON encodes every registered descriptor.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(registryJSON{Types: r.Descriptors()})
}

// Load merges descriptors encoded by MarshalJSON and returns how many the
// data held. Descriptors clashing with ones already registered are
// skipped with a warning.
func (r *Registry) Load(data []byte) (int, error) {
	var in registryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("%w: registry: %w", ErrSchema, err)
	}
	for _, td := range in.Types {
		if td == nil {
			continue
		}
		if err := r.Add(td); err != nil {
			r.log.Warn("registry: descriptor not loaded", zap.Stringer("type", td), zap.Error(err))
		}
	}
	return len(in.Types), nil
}

// HasRefs reports whether records of td may contain a Ref, directly or
// inside nested types.
func (r *Registry) HasRefs(td *TypeDescriptor) bool {
	return r.refs(td, map[string]bool{})
}

// warnOnce logs msg the first time key is seen.
func (r *Registry) warnOnce(key, msg string, fields ...zap.Field) {
	r.mu.Lock()
	seen := r.warned[key]
	r.warned[key] = true
	r.mu.Unlock()
	if !seen {
		r.log.Warn(msg, fields...)
	}
}

// Persistent references.
package streamer

import "reflect"

// Ref is a persistent reference to an object written by another session
// or container. PID indexes the container's process table; UID is the
// object's id within that process.
type Ref struct {
	PID uint16
	UID uint32
}

// refSize is the wire size of a Ref.
const refSize = 6

var refType = reflect.TypeFor[Ref]()

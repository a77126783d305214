// Package replica implements the remote object replication core: identity and
// group tables, class metadata, the wire codec, reconstruction and remote
// method dispatch. Transport adapters live in the server and client packages.
//
// A Runtime is not safe for concurrent use. Adapters drive it from a single
// loop goroutine.
package replica

import "fmt"

// ConnectionGroup holds one Connection object per connected process.
const ConnectionGroup = 0

// Identity addresses a replicated object across process boundaries.
type Identity struct {
	Group int
	ID    int
}

func (i Identity) String() string {
	return fmt.Sprintf("%d:%d", i.Group, i.ID)
}

// Object is any value whose lifecycle is mirrored across processes.
// Implement it by embedding Base in a struct and using the struct pointer.
type Object interface {
	Identity() Identity
	Registered() bool
	Owner() Object
	Communal() bool
	ClassName() string
	replicaBase() *Base
}

// Reconstructor is implemented by objects that need live wiring after being
// decoded on the receiving side. It runs instead of the Go constructor, at
// most once per identity. Arguments follow the class's constructor argument
// names.
type Reconstructor interface {
	Reconstruct(args ...any) error
}

// Destroyer is notified when its object is removed from the runtime.
type Destroyer interface {
	Destroyed()
}

type lifecycle uint8

const (
	unseen lifecycle = iota
	decoded
	live
)

// Base carries the replication bookkeeping for an object. Its fields are
// never serialized as properties.
type Base struct {
	id         Identity
	assigned   bool
	registered bool
	class      *Class
	owner      Object
	communal   bool
	state      lifecycle
}

func (b *Base) replicaBase() *Base { return b }

// Identity returns the object's identity. It is zero until first registered.
func (b *Base) Identity() Identity { return b.id }

// Registered reports whether the object currently occupies its identity slot.
func (b *Base) Registered() bool { return b.registered }

// Owner returns the object allowed to invoke owner-gated methods, if any.
func (b *Base) Owner() Object { return b.owner }

// SetOwner designates the controlling identity of the object.
func (b *Base) SetOwner(owner Object) { b.owner = owner }

// Communal reports whether the ownership check is waived.
func (b *Base) Communal() bool { return b.communal }

// SetCommunal waives or restores the ownership check.
func (b *Base) SetCommunal(communal bool) { b.communal = communal }

// ClassName returns the registered class name, or "" before registration.
func (b *Base) ClassName() string {
	if b.class == nil {
		return ""
	}
	return b.class.name
}

// Stub stands in for an identity that was referenced before its data
// arrived. Every holder that received the stub is rewritten to the real
// object when it is registered.
type Stub struct {
	Base
	refs     []func(Object)
	promoted bool
}

// Pending returns how many holders are waiting on this stub.
func (s *Stub) Pending() int { return len(s.refs) }

func (s *Stub) hold(set func(Object)) {
	if set != nil {
		s.refs = append(s.refs, set)
	}
}

// IsStub reports whether obj is an unresolved forward reference.
func IsStub(obj Object) bool {
	_, ok := obj.(*Stub)
	return ok
}

// Connection represents one connected process. It owns itself.
type Connection struct {
	Base
	Session string `json:"session"`
	Addr    string `json:"addr"`
}

// Reconstruct re-establishes self ownership on the receiving side.
func (c *Connection) Reconstruct(args ...any) error {
	c.SetOwner(c)
	return nil
}

func registerBuiltins(r *Registry) {
	r.Register("Connection", func() Object { return &Connection{} }).Exclude("addr")
}

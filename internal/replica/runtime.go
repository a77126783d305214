package replica

import (
	"fmt"
	"log"
)

// Side distinguishes the authoritative process from its replicas.
type Side uint8

const (
	Authority Side = iota + 1
	Replica
)

func (s Side) String() string {
	switch s {
	case Authority:
		return "authority"
	case Replica:
		return "replica"
	default:
		return "unknown"
	}
}

type Options struct {
	Side Side
	// Context is supplied to constructor arguments named ContextArg.
	Context any
	// Registry defaults to a fresh NewRegistry.
	Registry *Registry
	Logger   *log.Logger
}

// Runtime holds every piece of replication state for one process.
type Runtime struct {
	side          Side
	context       any
	classes       *Registry
	table         *table
	logger        *log.Logger
	reconstructed map[Identity]bool
	children      map[Identity][]Object
	onCreate      []func(Object)
	onDestroy     []func(Object)
}

func NewRuntime(opts Options) *Runtime {
	if opts.Side == 0 {
		opts.Side = Authority
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	rt := &Runtime{
		side:          opts.Side,
		context:       opts.Context,
		classes:       opts.Registry,
		table:         newTable(),
		logger:        opts.Logger,
		reconstructed: map[Identity]bool{},
		children:      map[Identity][]Object{},
	}
	rt.table.createGroup(ConnectionGroup, true)
	return rt
}

func (rt *Runtime) Side() Side { return rt.side }
func (rt *Runtime) Registry() *Registry { return rt.classes }
func (rt *Runtime) Logger() *log.Logger { return rt.logger }
func (rt *Runtime) Context() any { return rt.context }
func (rt *Runtime) SetContext(ctx any) { rt.context = ctx }

// OnCreate registers fn to run after every Create on this runtime.
func (rt *Runtime) OnCreate(fn func(Object)) {
	rt.onCreate = append(rt.onCreate, fn)
}

// OnDestroy registers fn to run after every Destroy on this runtime.
func (rt *Runtime) OnDestroy(fn func(Object)) {
	rt.onDestroy = append(rt.onDestroy, fn)
}

// CreateGroup declares a group. Declaring an existing group only updates its
// autoSend flag.
func (rt *Runtime) CreateGroup(id int, autoSend bool) *Group {
	return rt.table.createGroup(id, autoSend)
}

func (rt *Runtime) Group(id int) (*Group, bool) {
	g, ok := rt.table.groups[id]
	return g, ok
}

// NextID returns the group's next unused ID and advances its counter.
func (rt *Runtime) NextID(group int) (int, error) {
	return rt.table.nextID(group)
}

// Create registers a freshly constructed object under the group's next ID.
func (rt *Runtime) Create(obj Object, group int) error {
	if _, ok := rt.table.groups[group]; !ok {
		return fmt.Errorf("create %T: %w: %d", obj, ErrUnknownGroup, group)
	}
	id, err := rt.table.nextID(group)
	if err != nil {
		return err
	}
	return rt.CreateAt(obj, group, id)
}

// CreateAt registers a freshly constructed object under an explicit identity.
// Locally constructed objects count as already reconstructed.
func (rt *Runtime) CreateAt(obj Object, group, id int) error {
	class := rt.classes.MetadataFor(obj)
	if class == nil || class.value {
		return fmt.Errorf("create %T: %w", obj, ErrUnknownClass)
	}
	b := obj.replicaBase()
	b.class = class
	identity := Identity{Group: group, ID: id}
	if err := rt.table.register(obj, identity); err != nil {
		return fmt.Errorf("create %s: %w", class.name, err)
	}
	b.state = live
	rt.reconstructed[identity] = true
	for _, fn := range rt.onCreate {
		fn(obj)
	}
	return nil
}

// Register places obj at an explicit identity without firing creation hooks.
func (rt *Runtime) Register(obj Object, group, id int) error {
	if b := obj.replicaBase(); b.class == nil {
		b.class = rt.classes.MetadataFor(obj)
	}
	return rt.table.register(obj, Identity{Group: group, ID: id})
}

// Lookup returns the live object at (group, id). Stubs are never returned.
func (rt *Runtime) Lookup(group, id int) (Object, bool) {
	return rt.table.lookup(Identity{Group: group, ID: id})
}

// Destroy removes obj from its group and the identity table.
func (rt *Runtime) Destroy(obj Object) {
	b := obj.replicaBase()
	if !b.registered {
		return
	}
	rt.table.unregister(obj)
	delete(rt.children, b.id)
	delete(rt.reconstructed, b.id)
	if d, ok := obj.(Destroyer); ok {
		if err := protect(func() error { d.Destroyed(); return nil }); err != nil {
			rt.logger.Printf("replica: destroying %s %s: %v", b.ClassName(), b.id, err)
		}
	}
	for _, fn := range rt.onDestroy {
		fn(obj)
	}
}

// Objects returns every registered object in creation order.
func (rt *Runtime) Objects() []Object {
	return rt.table.objects()
}

// Len returns the number of registered objects.
func (rt *Runtime) Len() int {
	return len(rt.table.order)
}

// Stubs returns the number of unresolved forward references.
func (rt *Runtime) Stubs() int {
	return rt.table.stubs()
}

// MethodFor resolves a remote method of obj's class by name.
func (rt *Runtime) MethodFor(obj Object, name string) (*Method, error) {
	class := rt.classOf(obj)
	if class == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnknownClass, obj)
	}
	m, ok := class.Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, class.name, name)
	}
	return m, nil
}

func (rt *Runtime) classOf(obj Object) *Class {
	if c := obj.replicaBase().class; c != nil {
		return c
	}
	return rt.classes.MetadataFor(obj)
}

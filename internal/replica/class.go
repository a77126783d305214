package replica

import (
	"reflect"
)

// ContextArg as a constructor argument name supplies the runtime's Context.
const ContextArg = "@context"

// Factory allocates an empty instance of a replicated class. It must not have
// side effects; live wiring belongs in Reconstruct.
type Factory func() Object

// Class is the registered metadata for a replicated or value type.
type Class struct {
	name     string
	typ      reflect.Type
	factory  Factory
	value    bool
	args     []string
	excluded []string
	methods  []*Method
	parent   *Class
	reg      *Registry
}

func (c *Class) Name() string { return c.name }

// ConstructorArgs returns the ordered argument names passed to Reconstruct.
func (c *Class) ConstructorArgs() []string {
	return append([]string(nil), c.args...)
}

// Parent returns the class this one extends, if any.
func (c *Class) Parent() *Class { return c.parent }

// Exclude marks wire field names that are never serialized for this class.
func (c *Class) Exclude(names ...string) *Class {
	for _, name := range names {
		if !c.Excluded(name) {
			c.excluded = append(c.excluded, name)
		}
	}
	return c
}

func (c *Class) Excluded(name string) bool {
	for _, ex := range c.excluded {
		if ex == name {
			return true
		}
	}
	return false
}

// Extends records parent as this class's ancestor. Call InheritEverything (or
// Registry.InheritAll) once all classes are declared.
func (c *Class) Extends(parent *Class) *Class {
	c.parent = parent
	return c
}

// InheritEverything merges every ancestor's excluded properties and remote
// methods into this class. Own declarations come first and names already
// present are kept. Dispatch indices are recomputed afterwards.
func (c *Class) InheritEverything() {
	for p := c.parent; p != nil; p = p.parent {
		c.Exclude(p.excluded...)
		for _, m := range p.methods {
			if _, ok := c.Method(m.name); ok {
				continue
			}
			c.methods = append(c.methods, m.cloneFor(c))
		}
	}
	c.reindex()
}

// ServerMethod declares a method that connecting processes may invoke on the
// authority.
func (c *Class) ServerMethod(name string, fn Handler) *Method {
	return c.addMethod(name, ToServer, fn)
}

// ClientMethod declares a method that the authority may invoke on connecting
// processes.
func (c *Class) ClientMethod(name string, fn Handler) *Method {
	return c.addMethod(name, ToClient, fn)
}

func (c *Class) addMethod(name string, dir Direction, fn Handler) *Method {
	if m, ok := c.Method(name); ok {
		m.dir = dir
		m.fn = fn
		return m
	}
	m := &Method{
		id:     len(c.methods),
		name:   name,
		dir:    dir,
		fn:     fn,
		class:  c,
		caller: map[int]bool{},
	}
	c.methods = append(c.methods, m)
	return m
}

func (c *Class) reindex() {
	for i, m := range c.methods {
		m.id = i
	}
}

// Method looks up a remote method descriptor by name.
func (c *Class) Method(name string) (*Method, bool) {
	for _, m := range c.methods {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}

// MethodByID looks up a remote method descriptor by dispatch index.
func (c *Class) MethodByID(id int) (*Method, bool) {
	if id < 0 || id >= len(c.methods) {
		return nil, false
	}
	return c.methods[id], true
}

func (c *Class) Methods() []*Method {
	return append([]*Method(nil), c.methods...)
}

// Registry maps class names and Go types to class metadata and holds the
// named argument validators.
type Registry struct {
	classes    []*Class
	byName     map[string]*Class
	byType     map[reflect.Type]*Class
	validators map[string]Validator
}

// NewRegistry returns a registry with the built-in validators and the
// Connection class.
func NewRegistry() *Registry {
	r := &Registry{
		byName:     map[string]*Class{},
		byType:     map[reflect.Type]*Class{},
		validators: map[string]Validator{},
	}
	registerValidators(r)
	registerBuiltins(r)
	return r
}

// Register declares a replicated class. Registering the same name again
// updates the constructor argument list.
func (r *Registry) Register(name string, factory Factory, args ...string) *Class {
	if c, ok := r.byName[name]; ok {
		c.args = append([]string(nil), args...)
		return c
	}
	c := &Class{
		name:    name,
		typ:     reflect.TypeOf(factory()),
		factory: factory,
		args:    append([]string(nil), args...),
		reg:     r,
	}
	r.add(c)
	return c
}

// RegisterValue declares a plain value type that is tagged on the wire so it
// decodes back into prototype's type rather than a generic map.
func (r *Registry) RegisterValue(name string, prototype any) *Class {
	if c, ok := r.byName[name]; ok {
		return c
	}
	c := &Class{
		name:  name,
		typ:   reflect.TypeOf(prototype),
		value: true,
		reg:   r,
	}
	r.add(c)
	return c
}

func (r *Registry) add(c *Class) {
	r.classes = append(r.classes, c)
	r.byName[c.name] = c
	r.byType[c.typ] = c
	if c.typ.Kind() == reflect.Ptr && c.value {
		r.byType[c.typ.Elem()] = c
	}
}

// MetadataFor returns the class registered for v's Go type.
func (r *Registry) MetadataFor(v any) *Class {
	if v == nil {
		return nil
	}
	return r.byType[reflect.TypeOf(v)]
}

func (r *Registry) MetadataForName(name string) *Class {
	return r.byName[name]
}

func (r *Registry) metadataForType(t reflect.Type) *Class {
	return r.byType[t]
}

// InheritAll runs InheritEverything for every class in registration order.
func (r *Registry) InheritAll() {
	for _, c := range r.classes {
		if c.parent != nil {
			c.InheritEverything()
		}
	}
}

// Classes returns every registered class in registration order.
func (r *Registry) Classes() []*Class {
	return append([]*Class(nil), r.classes...)
}

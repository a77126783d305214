package replica

import (
	"fmt"
	"reflect"
)

// Reconstructed reports whether obj's identity has completed reconstruction.
func (rt *Runtime) Reconstructed(obj Object) bool {
	return rt.reconstructed[obj.replicaBase().id]
}

// Reconstruct runs obj's initializer with arguments built from its decoded
// data. references, when not nil, becomes the object's ordered child list.
// Calling it again for the same identity is a no-op.
func (rt *Runtime) Reconstruct(obj Object, references []Object) error {
	b := obj.replicaBase()
	if !b.registered {
		return fmt.Errorf("reconstruct %T: %w", obj, ErrUnregistered)
	}
	if references != nil {
		rt.children[b.id] = references
	}
	if rt.reconstructed[b.id] {
		return nil
	}
	// flagged first so ChildAt lookups from inside Reconstruct cannot recurse
	rt.reconstructed[b.id] = true
	b.state = live

	r, ok := obj.(Reconstructor)
	if !ok {
		return nil
	}
	args := rt.constructorArgs(rt.classOf(obj), obj)
	if err := protect(func() error { return r.Reconstruct(args...) }); err != nil {
		return fmt.Errorf("reconstruct %s %s: %w", b.ClassName(), b.id, err)
	}
	return nil
}

func (rt *Runtime) constructorArgs(class *Class, obj Object) []any {
	if class == nil || len(class.args) == 0 {
		return nil
	}
	v := reflect.ValueOf(obj).Elem()
	args := make([]any, len(class.args))
	for i, name := range class.args {
		if name == ContextArg {
			args[i] = rt.context
			continue
		}
		if fv, ok := fieldByName(v, name); ok {
			args[i] = fv.Interface()
		}
	}
	return args
}

// SetReferences resolves ids into owner's ordered child list. Identities
// whose data has not arrived are held as stubs and replaced on promotion.
func (rt *Runtime) SetReferences(owner Object, ids []Identity) ([]Object, error) {
	list := make([]Object, len(ids))
	for i, id := range ids {
		if obj, ok := rt.table.lookup(id); ok {
			list[i] = obj
			continue
		}
		stub, err := rt.table.stubAt(id)
		if err != nil {
			return nil, err
		}
		idx := i
		stub.hold(func(o Object) { list[idx] = o })
		list[i] = stub
	}
	rt.children[owner.replicaBase().id] = list
	return list, nil
}

// References returns the identities of owner's ordered child list.
func (rt *Runtime) References(owner Object) []Identity {
	list := rt.children[owner.replicaBase().id]
	ids := make([]Identity, 0, len(list))
	for _, child := range list {
		if child != nil {
			ids = append(ids, child.replicaBase().id)
		}
	}
	return ids
}

// ChildAt returns owner's child at position. The authority builds the child
// with build, creates it in group and records it. A replica returns the child
// it received at that position, reconstructing it first; when none arrived it
// falls back to an unregistered local build.
func (rt *Runtime) ChildAt(owner Object, position, group int, build func() Object) (Object, error) {
	oid := owner.replicaBase().id
	if rt.side == Replica {
		list := rt.children[oid]
		if position < len(list) && list[position] != nil && !IsStub(list[position]) {
			child := list[position]
			if err := rt.Reconstruct(child, nil); err != nil {
				return nil, err
			}
			return child, nil
		}
		return build(), nil
	}

	child := build()
	if err := rt.Create(child, group); err != nil {
		return nil, err
	}
	list := rt.children[oid]
	for len(list) <= position {
		list = append(list, nil)
	}
	list[position] = child
	rt.children[oid] = list
	return child, nil
}

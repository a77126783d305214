package replica

import "fmt"

// Group partitions the identity space.
type Group struct {
	ID       int
	AutoSend bool
	next     int
	members  int
}

// Len returns the number of objects currently registered in the group.
func (g *Group) Len() int { return g.members }

// table is the identity registry. A slot holds either a real object or a
// *Stub waiting for the object's data.
type table struct {
	groups map[int]*Group
	slots  map[Identity]Object
	order  []Object
}

func newTable() *table {
	return &table{
		groups: map[int]*Group{},
		slots:  map[Identity]Object{},
	}
}

func (t *table) createGroup(id int, autoSend bool) *Group {
	if g, ok := t.groups[id]; ok {
		g.AutoSend = autoSend
		return g
	}
	g := &Group{ID: id, AutoSend: autoSend}
	t.groups[id] = g
	return g
}

func (t *table) nextID(group int) (int, error) {
	g, ok := t.groups[group]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownGroup, group)
	}
	id := g.next
	g.next++
	return id, nil
}

func (t *table) register(obj Object, id Identity) error {
	g, ok := t.groups[id.Group]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, id.Group)
	}
	b := obj.replicaBase()
	if b.assigned && b.id != id {
		return fmt.Errorf("%w: %s cannot move to %s", ErrIdentityChanged, b.id, id)
	}

	var refs []func(Object)
	switch prev := t.slots[id].(type) {
	case nil:
	case *Stub:
		refs = prev.refs
		prev.refs = nil
		prev.promoted = true
	default:
		if prev != obj {
			t.unregister(prev)
		}
	}

	if !b.registered {
		g.members++
		t.order = append(t.order, obj)
	}
	t.slots[id] = obj
	b.id = id
	b.assigned = true
	b.registered = true
	if id.ID >= g.next {
		g.next = id.ID + 1
	}

	for _, set := range refs {
		set(obj)
	}
	return nil
}

func (t *table) lookup(id Identity) (Object, bool) {
	obj, ok := t.slots[id]
	if !ok || IsStub(obj) {
		return nil, false
	}
	return obj, true
}

// stubAt returns the stub occupying id, creating it if the slot is empty.
func (t *table) stubAt(id Identity) (*Stub, error) {
	if _, ok := t.groups[id.Group]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, id.Group)
	}
	if s, ok := t.slots[id].(*Stub); ok {
		return s, nil
	}
	s := &Stub{}
	s.id = id
	s.assigned = true
	t.slots[id] = s
	return s, nil
}

func (t *table) unregister(obj Object) {
	b := obj.replicaBase()
	if !b.registered {
		return
	}
	if t.slots[b.id] == obj {
		delete(t.slots, b.id)
	}
	if g, ok := t.groups[b.id.Group]; ok {
		g.members--
	}
	for i, o := range t.order {
		if o == obj {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	b.registered = false
}

func (t *table) objects() []Object {
	return append([]Object(nil), t.order...)
}

func (t *table) stubs() int {
	n := 0
	for _, obj := range t.slots {
		if IsStub(obj) {
			n++
		}
	}
	return n
}

package replica

import (
	"errors"
	"testing"
)

// TestNextIDMonotonic verifies IDs are handed out in order and never reused
func TestNextIDMonotonic(t *testing.T) {
	rt, _ := newTestRuntime(Authority, testRegistry())

	for want := 0; want < 3; want++ {
		got, err := rt.NextID(1)
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected ID %d, got %d", want, got)
		}
	}

	// Explicit IDs advance the counter past them
	if err := rt.CreateAt(&unit{Name: "far"}, 1, 10); err != nil {
		t.Fatalf("CreateAt failed: %v", err)
	}
	if got, _ := rt.NextID(1); got != 11 {
		t.Errorf("Expected ID 11 after explicit 10, got %d", got)
	}

	// Destroyed IDs stay retired
	u := &unit{Name: "short-lived"}
	if err := rt.Create(u, 1); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	rt.Destroy(u)
	if got, _ := rt.NextID(1); got == u.Identity().ID {
		t.Errorf("ID %d was reused after destroy", got)
	}
}

// TestUnknownGroup verifies objects cannot be placed in undeclared groups
func TestUnknownGroup(t *testing.T) {
	rt, _ := newTestRuntime(Authority, testRegistry())

	if _, err := rt.NextID(42); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("Expected ErrUnknownGroup from NextID, got %v", err)
	}
	if err := rt.Create(&unit{}, 42); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("Expected ErrUnknownGroup from Create, got %v", err)
	}
}

// TestStubPromotion verifies forward references are rewritten when the real
// object registers
func TestStubPromotion(t *testing.T) {
	rt, _ := newTestRuntime(Replica, testRegistry())

	v, err := rt.Decode(`[{"__gid__":1,"__oid__":5},{"__gid__":1,"__oid__":5}]`)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	list := v.([]any)
	stub, ok := list[0].(*Stub)
	if !ok {
		t.Fatalf("Expected a stub, got %T", list[0])
	}
	if list[1] != list[0] {
		t.Error("Both references should share one stub")
	}
	if stub.Pending() != 2 {
		t.Errorf("Expected 2 pending holders, got %d", stub.Pending())
	}
	if _, ok := rt.Lookup(1, 5); ok {
		t.Error("Lookup must not return a stub")
	}

	late := &unit{Name: "late"}
	if err := rt.Register(late, 1, 5); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for i, item := range list {
		if item != late {
			t.Errorf("Holder %d not rewritten, got %T", i, item)
		}
	}
	if rt.Stubs() != 0 {
		t.Errorf("Expected no stubs after promotion, got %d", rt.Stubs())
	}
	if !stub.promoted || stub.Pending() != 0 {
		t.Error("Stub should be promoted exactly once and hold nothing")
	}
}

// TestDoubleRegistration verifies a second registration replaces the first
func TestDoubleRegistration(t *testing.T) {
	rt, _ := newTestRuntime(Replica, testRegistry())

	first := &unit{Name: "first"}
	second := &unit{Name: "second"}
	if err := rt.Register(first, 1, 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := rt.Register(second, 1, 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, ok := rt.Lookup(1, 1)
	if !ok || got != second {
		t.Errorf("Expected second occupant, got %v", got)
	}
	if first.Registered() {
		t.Error("Replaced object should no longer be registered")
	}
	if g, _ := rt.Group(1); g.Len() != 1 {
		t.Errorf("Expected group size 1, got %d", g.Len())
	}
}

// TestIdentityImmutable verifies an object cannot move to another identity
func TestIdentityImmutable(t *testing.T) {
	rt, _ := newTestRuntime(Replica, testRegistry())

	u := &unit{}
	if err := rt.Register(u, 1, 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := rt.Register(u, 1, 2); !errors.Is(err, ErrIdentityChanged) {
		t.Errorf("Expected ErrIdentityChanged, got %v", err)
	}
	if u.Identity() != (Identity{Group: 1, ID: 1}) {
		t.Errorf("Identity changed to %s", u.Identity())
	}
}

// TestCreationOrder verifies objects are listed in creation order across groups
func TestCreationOrder(t *testing.T) {
	rt, _ := newTestRuntime(Authority, testRegistry())

	a, b, c := &unit{Name: "a"}, &unit{Name: "b"}, &unit{Name: "c"}
	for _, step := range []struct {
		obj   *unit
		group int
	}{{a, 2}, {b, 1}, {c, 2}} {
		if err := rt.Create(step.obj, step.group); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	objects := rt.Objects()
	if len(objects) != 3 {
		t.Fatalf("Expected 3 objects, got %d", len(objects))
	}
	for i, want := range []*unit{a, b, c} {
		if objects[i] != want {
			t.Errorf("Position %d: expected %s, got %v", i, want.Name, objects[i])
		}
	}
}

// TestDestroyForgetsIdentity verifies short-lived objects leave no
// bookkeeping behind
func TestDestroyForgetsIdentity(t *testing.T) {
	rt, _ := newTestRuntime(Authority, testRegistry())

	for i := 0; i < 1000; i++ {
		c := &Connection{}
		if err := rt.Create(c, ConnectionGroup); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		rt.Destroy(c)
		if rt.Reconstructed(c) {
			t.Fatalf("Expected connection %d forgotten after Destroy", i)
		}
	}

	if rt.Len() != 0 {
		t.Errorf("Expected no live objects, got %d", rt.Len())
	}
	if len(rt.reconstructed) != 0 {
		t.Errorf("Expected no reconstructed entries, got %d", len(rt.reconstructed))
	}
	if len(rt.children) != 0 {
		t.Errorf("Expected no child lists, got %d", len(rt.children))
	}
}

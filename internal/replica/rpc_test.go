package replica

import (
	"context"
	"errors"
	"testing"
	"time"
)

type moveCall struct {
	obj    Object
	args   []any
	called int
}

func rpcRuntime(t *testing.T) (*Runtime, *unit, *Connection, *moveCall) {
	t.Helper()
	reg := testRegistry()
	rec := &moveCall{}
	units := reg.MetadataForName("Unit")
	units.ServerMethod("move", func(obj Object, args []any) (any, error) {
		rec.obj, rec.args = obj, args
		rec.called++
		return true, nil
	}).Args(Number, Number, "").Caller(2).Returns(Boolean)
	units.ServerMethod("rename", func(obj Object, args []any) (any, error) {
		obj.(*unit).Name = args[0].(string)
		return nil, nil
	}).Args("shouty")
	units.ServerMethod("explode", func(Object, []any) (any, error) {
		panic("kaboom")
	})
	units.ClientMethod("notify", noop).Args(String)

	rt, _ := newTestRuntime(Authority, reg)
	owner := &Connection{}
	owner.SetOwner(owner)
	if err := rt.Create(owner, ConnectionGroup); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	u := &unit{Name: "grunt"}
	u.SetOwner(owner)
	if err := rt.Create(u, 1); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return rt, u, owner, rec
}

func methodID(t *testing.T, rt *Runtime, obj Object, name string) int {
	t.Helper()
	m, err := rt.MethodFor(obj, name)
	if err != nil {
		t.Fatalf("MethodFor failed: %v", err)
	}
	return m.ID()
}

// TestReceiveValidation verifies argument shapes are checked in order
func TestReceiveValidation(t *testing.T) {
	tests := []struct {
		name       string
		args       []any
		wantErr    error
		wantCalled bool
	}{
		{"valid numbers", []any{1.0, 2.0}, nil, true},
		{"missing optional values", []any{}, nil, true},
		{"string for number", []any{"north", 2.0}, ErrValidation, false},
		{"second arg bad", []any{1.0, true}, ErrValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, u, owner, rec := rpcRuntime(t)
			_, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "move"), tt.args)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				if !Disconnects(err) {
					t.Error("Validation failures must disconnect the caller")
				}
			}
			if (rec.called > 0) != tt.wantCalled {
				t.Errorf("Expected called=%v, got %d calls", tt.wantCalled, rec.called)
			}
		})
	}
}

// TestValidationErrorDetail verifies the failing validator and index are reported
func TestValidationErrorDetail(t *testing.T) {
	rt, u, owner, _ := rpcRuntime(t)

	_, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "move"), []any{1.0, "x"})
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("Expected *CallError, got %v", err)
	}
	if callErr.Index != 1 || callErr.Validator != Number || callErr.Method != "Unit.move" {
		t.Errorf("Unexpected detail: %+v", callErr)
	}
}

// TestMissingValidator verifies undefined validators block the call
func TestMissingValidator(t *testing.T) {
	rt, u, owner, _ := rpcRuntime(t)

	_, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "rename"), []any{"bob"})
	if !errors.Is(err, ErrMissingValidator) {
		t.Fatalf("Expected ErrMissingValidator, got %v", err)
	}
	if !Disconnects(err) {
		t.Error("Missing validators must disconnect the caller")
	}
	if u.Name != "grunt" {
		t.Error("Blocked call still ran")
	}

	rt.Registry().Validator("shouty", ValidatorFunc(func(v any) bool {
		s, ok := v.(string)
		return ok && s != ""
	}))
	if _, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "rename"), []any{"bob"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if u.Name != "bob" {
		t.Errorf("Expected name bob, got %s", u.Name)
	}
}

// TestCallerSubstitution verifies caller positions receive the caller
func TestCallerSubstitution(t *testing.T) {
	rt, u, owner, rec := rpcRuntime(t)

	result, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "move"), []any{1.0, 2.0, "forged"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != true {
		t.Errorf("Expected true, got %v", result)
	}
	if len(rec.args) != 3 || rec.args[2] != owner {
		t.Errorf("Expected caller at index 2, got %v", rec.args)
	}
}

// TestAuthorization verifies only owners or communal targets execute
func TestAuthorization(t *testing.T) {
	rt, u, owner, rec := rpcRuntime(t)
	stranger := &Connection{}
	if err := rt.Create(stranger, ConnectionGroup); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	move := methodID(t, rt, u, "move")

	if _, err := rt.ReceiveFromClient(u, stranger, move, []any{1.0, 1.0}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if rec.called != 0 {
		t.Fatal("Unauthorized call executed")
	}

	if _, err := rt.ReceiveFromClient(u, owner, move, []any{1.0, 1.0}); err != nil {
		t.Fatalf("Owner call failed: %v", err)
	}

	u.SetCommunal(true)
	if _, err := rt.ReceiveFromClient(u, stranger, move, []any{1.0, 1.0}); err != nil {
		t.Fatalf("Communal call failed: %v", err)
	}
	if rec.called != 2 {
		t.Errorf("Expected 2 calls, got %d", rec.called)
	}
}

// TestWrongDirection verifies methods only dispatch their own way
func TestWrongDirection(t *testing.T) {
	rt, u, owner, rec := rpcRuntime(t)

	if _, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "notify"), []any{"hi"}); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("Expected ErrWrongDirection for client method, got %v", err)
	}
	if _, err := rt.ReceiveFromServer(u, methodID(t, rt, u, "move"), []any{1.0, 1.0}); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("Expected ErrWrongDirection for server method, got %v", err)
	}
	if _, err := rt.ReceiveFromClient(u, owner, 99, nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("Expected ErrUnknownMethod, got %v", err)
	}
	if rec.called != 0 {
		t.Error("Misdirected call executed")
	}
}

// TestHandlerPanic verifies a panicking handler becomes a failed call
func TestHandlerPanic(t *testing.T) {
	rt, u, owner, _ := rpcRuntime(t)

	_, err := rt.ReceiveFromClient(u, owner, methodID(t, rt, u, "explode"), nil)
	if !errors.Is(err, ErrPanic) {
		t.Errorf("Expected ErrPanic, got %v", err)
	}
	if Disconnects(err) {
		t.Error("Handler failures are not protocol violations")
	}
}

// TestValidateReturn verifies replies are checked against the return validator
func TestValidateReturn(t *testing.T) {
	rt, u, _, _ := rpcRuntime(t)
	m, _ := rt.MethodFor(u, "move")

	if err := rt.ValidateReturn(m, true); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if err := rt.ValidateReturn(m, "yes"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

// TestCollectionAggregate verifies fan-out replies resolve one shared collection
func TestCollectionAggregate(t *testing.T) {
	rt, u, owner, _ := rpcRuntime(t)
	m, _ := rt.MethodFor(u, "notify")
	now := time.Now()

	pending := NewPending(2 * time.Second)
	col := NewCollection(m, 3)
	a := pending.Open(u, m, owner, col, now)
	b := pending.Open(u, m, owner, col, now)
	c := pending.Open(u, m, owner, col, now.Add(time.Second))

	var thenReplies []Reply
	col.Then(func(r []Reply) { thenReplies = r })

	if !pending.Resolve(a.ID, "ack") {
		t.Fatal("Resolve failed")
	}
	if pending.Resolve(a.ID, "again") {
		t.Error("A return must resolve only once")
	}
	if !pending.Reject(b.ID, errors.New("gone")) {
		t.Fatal("Reject failed")
	}
	select {
	case <-col.Done():
		t.Fatal("Collection resolved early")
	default:
	}
	if col.Required() != 2 {
		t.Errorf("Expected 2 required after rejection, got %d", col.Required())
	}

	expired := pending.Expire(now.Add(3 * time.Second))
	if len(expired) != 1 || expired[0] != c {
		t.Fatalf("Expected c to expire, got %v", expired)
	}
	if _, err := c.Result(); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}

	replies, err := col.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(replies) != 1 || replies[0].Value != "ack" || replies[0].Conn != owner {
		t.Errorf("Unexpected replies %v", replies)
	}
	if len(thenReplies) != 1 {
		t.Error("Then callback did not run")
	}
	if pending.Len() != 0 {
		t.Errorf("Expected empty table, got %d", pending.Len())
	}
}

// TestCollectionEmpty verifies a fan-out with no targets resolves immediately
func TestCollectionEmpty(t *testing.T) {
	col := NewCollection(nil, 0)
	select {
	case <-col.Done():
	default:
		t.Fatal("Empty collection should resolve immediately")
	}
	if len(col.Replies()) != 0 {
		t.Error("Expected no replies")
	}
}

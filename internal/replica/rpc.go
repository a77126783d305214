package replica

import (
	"fmt"
)

// ReceiveFromClient runs a server-callable method on behalf of caller.
// Arguments are validated in order and caller positions are overwritten with
// caller. A caller that neither owns obj nor targets a communal object gets
// ErrUnauthorized and the call is dropped.
func (rt *Runtime) ReceiveFromClient(obj Object, caller Object, methodID int, args []any) (any, error) {
	m, err := rt.receive(obj, ToServer, methodID, args)
	if err != nil {
		return nil, err
	}
	args = widen(args, m.arity())
	for i := range m.caller {
		args[i] = caller
	}
	b := obj.replicaBase()
	if !b.communal && b.owner != caller {
		return nil, fmt.Errorf("%s: %w", m.qualified(), ErrUnauthorized)
	}
	return m.invoke(obj, args)
}

// ReceiveFromServer runs a client-callable method dispatched by the authority.
func (rt *Runtime) ReceiveFromServer(obj Object, methodID int, args []any) (any, error) {
	m, err := rt.receive(obj, ToClient, methodID, args)
	if err != nil {
		return nil, err
	}
	return m.invoke(obj, widen(args, m.arity()))
}

func (rt *Runtime) receive(obj Object, dir Direction, methodID int, args []any) (*Method, error) {
	class := rt.classOf(obj)
	if class == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnknownClass, obj)
	}
	m, ok := class.MethodByID(methodID)
	if !ok {
		return nil, fmt.Errorf("%w: %s #%d", ErrUnknownMethod, class.name, methodID)
	}
	if m.dir != dir {
		rt.logger.Printf("replica: %s is not %s-callable", m.qualified(), dir)
		return nil, &CallError{Method: m.qualified(), Index: -1, Err: ErrWrongDirection}
	}
	if err := rt.validateArgs(m, args); err != nil {
		return nil, err
	}
	return m, nil
}

func (rt *Runtime) validateArgs(m *Method, args []any) error {
	for i, name := range m.args {
		if name == "" || m.caller[i] {
			continue
		}
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		if err := rt.check(m, name, i, arg); err != nil {
			return err
		}
	}
	return nil
}

// ValidateReturn checks a reply value against the method's return validator.
func (rt *Runtime) ValidateReturn(m *Method, value any) error {
	if m == nil || m.ret == "" {
		return nil
	}
	return rt.check(m, m.ret, -1, value)
}

func (rt *Runtime) check(m *Method, name string, index int, v any) error {
	validator, ok := rt.classes.lookupValidator(name)
	if !ok {
		rt.logger.Printf("replica: undefined validator %q on %s", name, m.qualified())
		return &CallError{Method: m.qualified(), Index: index, Validator: name, Err: ErrMissingValidator}
	}
	if !validator.Validate(v) {
		if index >= 0 {
			rt.logger.Printf("replica: failed to validate %s at arg index %d for method %s", name, index, m.qualified())
		} else {
			rt.logger.Printf("replica: failed to validate %s return value for method %s", name, m.qualified())
		}
		return &CallError{Method: m.qualified(), Index: index, Validator: name, Err: ErrValidation}
	}
	return nil
}

// InvokeLocal runs m on obj in this process, as instant methods do on the
// calling side. Caller positions receive caller.
func (rt *Runtime) InvokeLocal(obj Object, m *Method, caller Object, args []any) (any, error) {
	args = widen(args, m.arity())
	for i := range m.caller {
		args[i] = caller
	}
	return m.invoke(obj, args)
}

func widen(args []any, n int) []any {
	out := make([]any, max(len(args), n))
	copy(out, args)
	return out
}

package replica

// Direction says which side may receive a remote method call.
type Direction uint8

const (
	// ToServer methods are invoked by connecting processes on the authority.
	ToServer Direction = iota + 1
	// ToClient methods are invoked by the authority on connecting processes.
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "server"
	case ToClient:
		return "client"
	default:
		return "unknown"
	}
}

// Handler runs a remote method on the receiving side.
type Handler func(obj Object, args []any) (any, error)

// Method describes one remotely callable method of a class.
type Method struct {
	id      int
	name    string
	dir     Direction
	instant bool
	args    []string
	ret     string
	caller  map[int]bool
	fn      Handler
	class   *Class
}

// Args sets the ordered validator names for the arguments. An empty name
// leaves that argument unchecked.
func (m *Method) Args(validators ...string) *Method {
	m.args = append([]string(nil), validators...)
	return m
}

// Returns sets the validator applied to the method's return value.
func (m *Method) Returns(validator string) *Method {
	m.ret = validator
	return m
}

// Caller marks argument index i as the calling connection. The receiving
// authority overwrites it and never validates it.
func (m *Method) Caller(i int) *Method {
	m.caller[i] = true
	return m
}

// Instant makes the caller run the method locally right after dispatching it.
func (m *Method) Instant() *Method {
	m.instant = true
	return m
}

func (m *Method) ID() int { return m.id }
func (m *Method) Name() string { return m.name }
func (m *Method) Direction() Direction { return m.dir }
func (m *Method) IsInstant() bool { return m.instant }
func (m *Method) Class() *Class { return m.class }

func (m *Method) qualified() string {
	if m.class == nil {
		return m.name
	}
	return m.class.name + "." + m.name
}

func (m *Method) arity() int {
	n := len(m.args)
	for i := range m.caller {
		if i+1 > n {
			n = i + 1
		}
	}
	return n
}

func (m *Method) cloneFor(c *Class) *Method {
	clone := *m
	clone.class = c
	clone.args = append([]string(nil), m.args...)
	clone.caller = make(map[int]bool, len(m.caller))
	for i := range m.caller {
		clone.caller[i] = true
	}
	return &clone
}

func (m *Method) invoke(obj Object, args []any) (result any, err error) {
	if m.fn == nil {
		return nil, nil
	}
	err = protect(func() error {
		var callErr error
		result, callErr = m.fn(obj, args)
		return callErr
	})
	return result, err
}

package replica

// Built-in validator names.
const (
	Number    = "number"
	String    = "string"
	Boolean   = "boolean"
	Reference = "object"
)

// Validator checks the shape of one received value.
type Validator interface {
	Validate(v any) bool
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(v any) bool

func (f ValidatorFunc) Validate(v any) bool { return f(v) }

// Validator registers a named validator, replacing any existing one.
func (r *Registry) Validator(name string, v Validator) {
	r.validators[name] = v
}

func (r *Registry) lookupValidator(name string) (Validator, bool) {
	v, ok := r.validators[name]
	return v, ok
}

// Missing values pass the built-in checks, so optional trailing arguments
// stay optional.
func registerValidators(r *Registry) {
	r.Validator(Number, ValidatorFunc(func(v any) bool {
		switch v.(type) {
		case nil, float64, float32, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	}))
	r.Validator(String, ValidatorFunc(func(v any) bool {
		switch v.(type) {
		case nil, string:
			return true
		}
		return false
	}))
	r.Validator(Boolean, ValidatorFunc(func(v any) bool {
		switch v.(type) {
		case nil, bool:
			return true
		}
		return false
	}))
	r.Validator(Reference, ValidatorFunc(func(v any) bool {
		if v == nil {
			return true
		}
		obj, ok := v.(Object)
		return ok && obj.replicaBase().registered
	}))
}

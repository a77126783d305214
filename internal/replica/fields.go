package replica

import (
	"reflect"
	"strings"
	"sync"
)

var (
	baseType   = reflect.TypeOf(Base{})
	objectType = reflect.TypeOf((*Object)(nil)).Elem()
	fieldCache sync.Map // reflect.Type -> []field
)

type field struct {
	name      string
	index     []int
	depth     int
	omitEmpty bool
}

// fieldsOf lists the serialized fields of struct type t. Embedded structs are
// flattened and shallower fields shadow deeper ones, as encoding/json does.
// Base is never serialized.
func fieldsOf(t reflect.Type) []field {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]field)
	}
	var all []field
	collectFields(t, nil, 0, &all)

	seen := map[string]int{}
	var out []field
	for _, f := range all {
		if at, ok := seen[f.name]; ok {
			if out[at].depth > f.depth {
				out[at] = f
			}
			continue
		}
		seen[f.name] = len(out)
		out = append(out, f)
	}
	fieldCache.Store(t, out)
	return out
}

func collectFields(t reflect.Type, prefix []int, depth int, out *[]field) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Ptr {
				if !sf.IsExported() {
					continue
				}
				ft = ft.Elem()
			}
			if ft == baseType {
				continue
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, index, depth+1, out)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		*out = append(*out, field{
			name:      name,
			index:     index,
			depth:     depth,
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}
}

// fieldByIndex walks index, returning an invalid value when an embedded
// pointer along the way is nil.
func fieldByIndex(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

// fieldByIndexAlloc walks index, allocating nil embedded pointers.
func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

func fieldByName(v reflect.Value, name string) (reflect.Value, bool) {
	for _, f := range fieldsOf(v.Type()) {
		if f.name == name {
			fv := fieldByIndex(v, f.index)
			return fv, fv.IsValid()
		}
	}
	return reflect.Value{}, false
}

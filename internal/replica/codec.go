package replica

import (
	"fmt"
	"math"
	"reflect"

	"github.com/goccy/go-json"
)

// Reserved record keys.
const (
	KeyClass    = "__class__"
	KeyGroup    = "__gid__"
	KeyObject   = "__oid__"
	KeyOwner    = "__owner__"
	KeyCommunal = "__communal__"
)

// Encode serializes v to JSON text. Replicated objects become reference
// records unless revealFull is set, in which case only the outermost object is
// written out in full. A failure is logged and yields no result.
func (rt *Runtime) Encode(v any, revealFull bool) (string, error) {
	tree, err := rt.encodeValue(reflect.ValueOf(v), revealFull)
	if err == nil {
		var data []byte
		if data, err = json.Marshal(tree); err == nil {
			return string(data), nil
		}
	}
	rt.logger.Printf("replica: failed to encode %s: %v", rt.describe(v), err)
	return "", err
}

func (rt *Runtime) describe(v any) string {
	if c := rt.classes.MetadataFor(v); c != nil {
		return c.name
	}
	if obj, ok := v.(Object); ok && obj.replicaBase().class != nil {
		return obj.replicaBase().class.name
	}
	return fmt.Sprintf("%T", v)
}

func (rt *Runtime) encodeValue(v reflect.Value, reveal bool) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Type().Implements(objectType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return nil, nil
		}
		return rt.encodeObject(v.Interface().(Object), reveal)
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Ptr:
		if v.IsNil() {
			return nil, nil
		}
		return rt.encodeValue(v.Elem(), false)
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		return rt.encodeList(v)
	case reflect.Array:
		return rt.encodeList(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrUnsupported, v.Type().Key())
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, err := rt.encodeValue(iter.Value(), false)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = item
		}
		return out, nil
	case reflect.Struct:
		out := map[string]any{}
		class := rt.classes.metadataForType(v.Type())
		if class != nil && class.value {
			out[KeyClass] = class.name
		}
		if err := rt.encodeFields(v, class, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, v.Type())
	}
}

func (rt *Runtime) encodeList(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := rt.encodeValue(v.Index(i), false)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = item
	}
	return out, nil
}

func (rt *Runtime) encodeObject(obj Object, reveal bool) (any, error) {
	b := obj.replicaBase()
	stub := IsStub(obj)
	if !b.registered && !stub {
		return nil, fmt.Errorf("%w: %T", ErrUnregistered, obj)
	}
	if !reveal || stub {
		return reference(b.id), nil
	}

	class := rt.classes.MetadataFor(obj)
	if class == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnknownClass, obj)
	}
	out := map[string]any{
		KeyClass:  class.name,
		KeyGroup:  b.id.Group,
		KeyObject: b.id.ID,
	}
	if b.communal {
		out[KeyCommunal] = true
	}
	if b.owner != nil && b.owner.replicaBase().assigned {
		out[KeyOwner] = reference(b.owner.replicaBase().id)
	}
	if err := rt.encodeFields(reflect.ValueOf(obj).Elem(), class, out); err != nil {
		return nil, fmt.Errorf("%s: %w", class.name, err)
	}
	return out, nil
}

func (rt *Runtime) encodeFields(v reflect.Value, class *Class, out map[string]any) error {
	for _, f := range fieldsOf(v.Type()) {
		if class != nil && class.Excluded(f.name) {
			continue
		}
		fv := fieldByIndex(v, f.index)
		if !fv.IsValid() || (f.omitEmpty && fv.IsZero()) {
			continue
		}
		item, err := rt.encodeValue(fv, false)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		out[f.name] = item
	}
	return nil
}

func reference(id Identity) map[string]any {
	return map[string]any{KeyGroup: id.Group, KeyObject: id.ID}
}

// Decode parses JSON text produced by Encode. Reference records resolve
// through the identity table, or to stubs when their data has not arrived.
// Full object records are registered as they are decoded.
func (rt *Runtime) Decode(s string) (any, error) {
	var raw any
	d := &decoder{rt: rt}
	err := json.Unmarshal([]byte(s), &raw)
	if err == nil {
		var v any
		if v, err = d.value(raw, nil); err == nil {
			return v, nil
		}
	}
	if d.class != "" {
		rt.logger.Printf("replica: failed to decode %s: %v", d.class, err)
	} else {
		rt.logger.Printf("replica: failed to decode message: %v", err)
	}
	return nil, err
}

type decoder struct {
	rt    *Runtime
	class string
}

func isReference(m map[string]any) bool {
	_, hasClass := m[KeyClass]
	_, hasGroup := m[KeyGroup]
	_, hasObject := m[KeyObject]
	return !hasClass && hasGroup && hasObject
}

func toInt(raw any) (int, bool) {
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int(f), true
}

func identityOf(m map[string]any) (Identity, error) {
	group, ok := toInt(m[KeyGroup])
	if !ok {
		return Identity{}, fmt.Errorf("%w: bad %s", ErrMalformed, KeyGroup)
	}
	id, ok := toInt(m[KeyObject])
	if !ok {
		return Identity{}, fmt.Errorf("%w: bad %s", ErrMalformed, KeyObject)
	}
	return Identity{Group: group, ID: id}, nil
}

// value decodes raw into its generic form. at, when set, receives the real
// object if raw resolves to a stub.
func (d *decoder) value(raw any, at func(Object)) (any, error) {
	switch r := raw.(type) {
	case map[string]any:
		if _, ok := r[KeyClass]; ok {
			return d.record(r)
		}
		if isReference(r) {
			return d.reference(r, at)
		}
		out := make(map[string]any, len(r))
		for k, item := range r {
			key := k
			v, err := d.value(item, func(o Object) { out[key] = o })
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = v
		}
		return out, nil
	case []any:
		out := make([]any, len(r))
		for i, item := range r {
			idx := i
			v, err := d.value(item, func(o Object) { out[idx] = o })
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", idx, err)
			}
			out[idx] = v
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (d *decoder) reference(m map[string]any, at func(Object)) (Object, error) {
	id, err := identityOf(m)
	if err != nil {
		return nil, err
	}
	if obj, ok := d.rt.table.lookup(id); ok {
		return obj, nil
	}
	if d.rt.side == Authority {
		// the authority holds every live object; anything else is gone or forged
		return nil, nil
	}
	stub, err := d.rt.table.stubAt(id)
	if err != nil {
		return nil, err
	}
	stub.hold(at)
	return stub, nil
}

// record rebuilds a class-tagged record. Replicated objects are allocated
// through the class factory, or updated in place when a live instance of the
// same class already holds the identity.
func (d *decoder) record(m map[string]any) (any, error) {
	name, _ := m[KeyClass].(string)
	class := d.rt.classes.MetadataForName(name)
	if class == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
	d.class = name

	if class.value {
		t := class.typ
		ptr := t.Kind() == reflect.Ptr
		if ptr {
			t = t.Elem()
		}
		v := reflect.New(t)
		if err := d.fields(v.Elem(), m, class); err != nil {
			return nil, err
		}
		if ptr {
			return v.Interface(), nil
		}
		return v.Elem().Interface(), nil
	}

	if d.rt.side == Authority {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenRecord, name)
	}
	id, err := identityOf(m)
	if err != nil {
		return nil, err
	}

	var obj Object
	existing, ok := d.rt.table.lookup(id)
	if ok && existing.replicaBase().class == class {
		obj = existing
	} else {
		obj = class.factory()
	}
	if err := d.fields(reflect.ValueOf(obj).Elem(), m, class); err != nil {
		return nil, err
	}

	b := obj.replicaBase()
	b.class = class
	b.communal = m[KeyCommunal] == true
	b.owner = nil
	if ref, ok := m[KeyOwner].(map[string]any); ok && isReference(ref) {
		owner, err := d.reference(ref, func(o Object) { b.owner = o })
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyOwner, err)
		}
		b.owner = owner
	}

	if obj != existing {
		if err := d.rt.table.register(obj, id); err != nil {
			return nil, err
		}
		b.state = decoded
	}
	return obj, nil
}

func (d *decoder) fields(v reflect.Value, m map[string]any, class *Class) error {
	for _, f := range fieldsOf(v.Type()) {
		if class != nil && class.Excluded(f.name) {
			continue
		}
		raw, ok := m[f.name]
		if !ok {
			continue
		}
		if err := d.assign(fieldByIndexAlloc(v, f.index), raw); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

func mismatch(t reflect.Type, raw any) error {
	return fmt.Errorf("%w: cannot assign %T to %s", ErrMalformed, raw, t)
}

// bind returns a setter that stores a promoted object into dst.
func (d *decoder) bind(dst reflect.Value) func(Object) {
	return func(o Object) {
		ov := reflect.ValueOf(o)
		if ov.Type().AssignableTo(dst.Type()) {
			dst.Set(ov)
			return
		}
		d.rt.logger.Printf("replica: promoted %T does not fit %s", o, dst.Type())
	}
}

func (d *decoder) assign(dst reflect.Value, raw any) error {
	t := dst.Type()
	if raw == nil {
		dst.Set(reflect.Zero(t))
		return nil
	}

	if m, ok := raw.(map[string]any); ok && isReference(m) {
		obj, err := d.reference(m, d.bind(dst))
		if err != nil {
			return err
		}
		if obj == nil {
			dst.Set(reflect.Zero(t))
			return nil
		}
		ov := reflect.ValueOf(obj)
		switch {
		case ov.Type().AssignableTo(t):
			dst.Set(ov)
		case IsStub(obj) && t.Implements(objectType):
			// concrete pointer field: filled in on promotion
			dst.Set(reflect.Zero(t))
		default:
			return mismatch(t, obj)
		}
		return nil
	}

	switch dst.Kind() {
	case reflect.Interface:
		v, err := d.value(raw, d.bind(dst))
		if err != nil {
			return err
		}
		if v == nil {
			dst.Set(reflect.Zero(t))
			return nil
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(t) {
			return mismatch(t, v)
		}
		dst.Set(rv)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch(t, raw)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := toInt(raw)
		if !ok || dst.OverflowInt(int64(n)) {
			return mismatch(t, raw)
		}
		dst.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := toInt(raw)
		if !ok || n < 0 || dst.OverflowUint(uint64(n)) {
			return mismatch(t, raw)
		}
		dst.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		f, ok := raw.(float64)
		if !ok {
			return mismatch(t, raw)
		}
		dst.SetFloat(f)
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return mismatch(t, raw)
		}
		dst.SetString(s)
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok {
			return mismatch(t, raw)
		}
		s := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			if err := d.assign(s.Index(i), item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		dst.Set(s)
	case reflect.Array:
		items, ok := raw.([]any)
		if !ok {
			return mismatch(t, raw)
		}
		for i := 0; i < dst.Len() && i < len(items); i++ {
			if err := d.assign(dst.Index(i), items[i]); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case reflect.Map:
		return d.assignMap(dst, raw)
	case reflect.Ptr:
		if t.Implements(objectType) {
			m, ok := raw.(map[string]any)
			if !ok {
				return mismatch(t, raw)
			}
			v, err := d.record(m)
			if err != nil {
				return err
			}
			rv := reflect.ValueOf(v)
			if !rv.Type().AssignableTo(t) {
				return mismatch(t, v)
			}
			dst.Set(rv)
			return nil
		}
		if dst.IsNil() {
			dst.Set(reflect.New(t.Elem()))
		}
		return d.assign(dst.Elem(), raw)
	case reflect.Struct:
		m, ok := raw.(map[string]any)
		if !ok {
			return mismatch(t, raw)
		}
		return d.fields(dst, m, d.rt.classes.metadataForType(t))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
	return nil
}

// assignMap fills a string-keyed map. Map entries are not addressable, so a
// forward reference stored directly as a value is rebound through the map.
func (d *decoder) assignMap(dst reflect.Value, raw any) error {
	t := dst.Type()
	m, ok := raw.(map[string]any)
	if !ok || t.Key().Kind() != reflect.String {
		return mismatch(t, raw)
	}
	mv := reflect.MakeMapWithSize(t, len(m))
	for k, item := range m {
		key := reflect.ValueOf(k).Convert(t.Key())
		if ref, ok := item.(map[string]any); ok && isReference(ref) {
			obj, err := d.reference(ref, func(o Object) {
				ov := reflect.ValueOf(o)
				if ov.Type().AssignableTo(t.Elem()) {
					mv.SetMapIndex(key, ov)
				}
			})
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if obj == nil {
				continue
			}
			if ov := reflect.ValueOf(obj); ov.Type().AssignableTo(t.Elem()) {
				mv.SetMapIndex(key, ov)
			}
			continue
		}
		elem := reflect.New(t.Elem()).Elem()
		if err := d.assign(elem, item); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		mv.SetMapIndex(key, elem)
	}
	dst.Set(mv)
	return nil
}

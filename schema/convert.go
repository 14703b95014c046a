package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// DescriptorSink is where ToJSON places outgoing file-descriptor
// fields. *govarlink.Rights satisfies this structurally; schema does
// not import govarlink to avoid a dependency cycle (govarlink imports
// schema for its server/client bindings).
type DescriptorSink interface {
	Append(f *os.File) int
}

// DescriptorSource is where FromJSON resolves incoming fd-index
// fields back to *os.File. *govarlink.Rights satisfies this too.
type DescriptorSource interface {
	Borrow(i int) (*os.File, bool)
	Take(i int) (*os.File, bool)
}

// Context carries the side channels a conversion needs beyond the pure
// JSON tree: where to park outgoing descriptors, where to look up
// incoming ones, and the named-type table for resolving KindRef.
type Context struct {
	Out   DescriptorSink
	In    DescriptorSource
	Types map[string]Type

	// TakeDescriptors selects Take over Borrow when resolving an
	// incoming fd field, transferring ownership to the converted
	// value instead of lending it for the duration of the call.
	TakeDescriptors bool
}

func (ctx *Context) resolve(name string) (Type, bool) {
	if ctx == nil || ctx.Types == nil {
		return Type{}, false
	}
	t, ok := ctx.Types[name]
	return t, ok
}

// ToJSON converts a native value v, shaped according to t, into a tree
// of the types encoding/json.Marshal accepts directly (map[string]any,
// []any, string, bool, int64, float64, nil).
func ToJSON(t Type, v any, ctx *Context) (any, error) {
	switch t.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("schema: expected bool, got %T", v)
		}
		return b, nil

	case KindInt:
		i, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("schema: expected an integer, got %T", v)
		}
		return i, nil

	case KindFloat:
		f, ok := asFloat64(v)
		if !ok {
			return nil, fmt.Errorf("schema: expected a number, got %T", v)
		}
		return f, nil

	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("schema: expected string, got %T", v)
		}
		return s, nil

	case KindObject:
		return v, nil

	case KindFD:
		f, ok := v.(*os.File)
		if !ok {
			return nil, fmt.Errorf("schema: expected *os.File for an fd field, got %T", v)
		}
		if ctx == nil || ctx.Out == nil {
			return nil, fmt.Errorf("schema: fd field requires a descriptor sink")
		}
		return ctx.Out.Append(f), nil

	case KindArray:
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a list, got %T", v)
		}
		out := make([]any, len(list))
		for i, elem := range list {
			jv, err := ToJSON(*t.Elem, elem, ctx)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = jv
		}
		return out, nil

	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a dict, got %T", v)
		}
		out := make(map[string]any, len(m))
		for k, elem := range m {
			jv, err := ToJSON(*t.Elem, elem, ctx)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = jv
		}
		return out, nil

	case KindStringSet:
		switch set := v.(type) {
		case map[string]struct{}:
			out := make(map[string]any, len(set))
			for k := range set {
				out[k] = map[string]any{}
			}
			return out, nil
		case []string:
			out := make(map[string]any, len(set))
			for _, s := range set {
				out[s] = map[string]any{}
			}
			return out, nil
		default:
			return nil, fmt.Errorf("schema: expected a set of string, got %T", v)
		}

	case KindOptional:
		if v == nil {
			return nil, nil
		}
		return ToJSON(*t.Elem, v, ctx)

	case KindStruct:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a struct value (map[string]any), got %T", v)
		}
		out := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			fv, present := m[f.Name]
			if !present {
				if f.Type.Kind == KindOptional {
					continue
				}
				return nil, fmt.Errorf("schema: missing required field %q", f.Name)
			}
			jv, err := ToJSON(f.Type, fv, ctx)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			if jv == nil && f.Type.Kind == KindOptional {
				continue
			}
			out[f.Name] = jv
		}
		return out, nil

	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("schema: expected an enum symbol string, got %T", v)
		}
		if !containsString(t.Symbols, s) {
			return nil, fmt.Errorf("schema: %q is not a member of enum %v", s, t.Symbols)
		}
		return s, nil

	case KindRef:
		resolved, ok := ctx.resolve(t.Ref)
		if !ok {
			return nil, fmt.Errorf("schema: unresolved type reference %q", t.Ref)
		}
		return ToJSON(resolved, v, ctx)

	default:
		return nil, fmt.Errorf("schema: unknown type kind %d", int(t.Kind))
	}
}

// FromJSON is the inverse of ToJSON: j is whatever encoding/json.Unmarshal
// produced into an any (so integers arrive as float64), and the result
// is the native value shaped according to t.
func FromJSON(t Type, j any, ctx *Context) (any, error) {
	switch t.Kind {
	case KindBool:
		b, ok := j.(bool)
		if !ok {
			return nil, fmt.Errorf("schema: expected JSON bool, got %T", j)
		}
		return b, nil

	case KindInt:
		f, ok := j.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: expected JSON number, got %T", j)
		}
		i := int64(f)
		if float64(i) != f {
			return nil, fmt.Errorf("schema: %v is not representable as a 64-bit integer", f)
		}
		return i, nil

	case KindFloat:
		f, ok := j.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: expected JSON number, got %T", j)
		}
		return f, nil

	case KindString:
		s, ok := j.(string)
		if !ok {
			return nil, fmt.Errorf("schema: expected JSON string, got %T", j)
		}
		return s, nil

	case KindObject:
		return j, nil

	case KindFD:
		f, ok := j.(float64)
		if !ok {
			return nil, fmt.Errorf("schema: expected an fd index, got %T", j)
		}
		idx := int(f)
		if idx < 0 || float64(idx) != f {
			return nil, fmt.Errorf("schema: invalid fd index %v", f)
		}
		if ctx == nil || ctx.In == nil {
			return nil, fmt.Errorf("schema: fd field requires an incoming descriptor source")
		}
		var (
			file *os.File
			ok2  bool
		)
		if ctx.TakeDescriptors {
			file, ok2 = ctx.In.Take(idx)
		} else {
			file, ok2 = ctx.In.Borrow(idx)
		}
		if !ok2 {
			return nil, fmt.Errorf("schema: fd index %d out of range or already taken", idx)
		}
		return file, nil

	case KindArray:
		list, ok := j.([]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a JSON array, got %T", j)
		}
		out := make([]any, len(list))
		for i, elem := range list {
			v, err := FromJSON(*t.Elem, elem, ctx)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil

	case KindMap:
		m, ok := j.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a JSON object, got %T", j)
		}
		out := make(map[string]any, len(m))
		for k, elem := range m {
			v, err := FromJSON(*t.Elem, elem, ctx)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil

	case KindStringSet:
		m, ok := j.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a JSON object for a set of string, got %T", j)
		}
		out := make(map[string]struct{}, len(m))
		for k := range m {
			out[k] = struct{}{}
		}
		return out, nil

	case KindOptional:
		if j == nil {
			return nil, nil
		}
		return FromJSON(*t.Elem, j, ctx)

	case KindStruct:
		m, ok := j.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema: expected a JSON object, got %T", j)
		}
		if !t.Tolerant {
			declared := make(map[string]bool, len(t.Fields))
			for _, f := range t.Fields {
				declared[f.Name] = true
			}
			for k := range m {
				if !declared[k] {
					return nil, fmt.Errorf("schema: unknown field %q", k)
				}
			}
		}
		out := make(map[string]any, len(t.Fields))
		for _, f := range t.Fields {
			jv, present := m[f.Name]
			if !present || jv == nil {
				if f.Type.Kind == KindOptional {
					out[f.Name] = nil
					continue
				}
				if !present {
					return nil, fmt.Errorf("schema: missing required field %q", f.Name)
				}
			}
			v, err := FromJSON(f.Type, jv, ctx)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			out[f.Name] = v
		}
		if t.Tolerant {
			for k, jv := range m {
				if _, declared := out[k]; !declared {
					out[k] = jv
				}
			}
		}
		return out, nil

	case KindEnum:
		s, ok := j.(string)
		if !ok {
			return nil, fmt.Errorf("schema: expected a JSON string for an enum, got %T", j)
		}
		if !containsString(t.Symbols, s) {
			return nil, fmt.Errorf("schema: %q is not a member of enum %v", s, t.Symbols)
		}
		return s, nil

	case KindRef:
		resolved, ok := ctx.resolve(t.Ref)
		if !ok {
			return nil, fmt.Errorf("schema: unresolved type reference %q", t.Ref)
		}
		return FromJSON(resolved, j, ctx)

	default:
		return nil, fmt.Errorf("schema: unknown type kind %d", int(t.Kind))
	}
}

// MarshalValue converts v per t and marshals the result to JSON bytes,
// the shape a callMessage/replyMessage's Parameters field expects.
func MarshalValue(t Type, v any, ctx *Context) (json.RawMessage, error) {
	jv, err := ToJSON(t, v, ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(jv)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// UnmarshalValue parses JSON bytes and converts the result per t.
func UnmarshalValue(t Type, data json.RawMessage, ctx *Context) (any, error) {
	if len(data) == 0 {
		return FromJSON(t, nil, ctx)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return FromJSON(t, raw, ctx)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		i := int64(n)
		if float64(i) != n {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Package schema implements the type-driven description engine for
// varlink interfaces: type descriptors, method declarations, canonical
// text rendering and parsing, and bidirectional JSON conversion.
//
// It deliberately works over a dynamic native representation
// (map[string]any, []any, and friends) rather than generated Go
// structs, so that one Interface value built at runtime (for example
// parsed from an .varlink text file) is enough to drive both a client
// proxy and a server dispatch table without a code generation step.
package schema

import "fmt"

// Kind discriminates the variant held by a Type.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
	KindObject    // foreign-object escape: arbitrary JSON value, opaque to the engine
	KindFD        // file descriptor leaf, carried out of band
	KindArray     // []T
	KindMap       // [string]T
	KindStringSet // [string]() - a set encoded as a dict of empty structs
	KindOptional  // ?T
	KindStruct    // (field: T, ...)
	KindEnum      // (symbol, ...)
	KindRef       // a named reference into the owning interface's type table
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindFD:
		return "fd"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindStringSet:
		return "stringset"
	case KindOptional:
		return "optional"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindRef:
		return "ref"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Type is a tagged-variant type descriptor: exactly the fields that
// matter for Kind are populated, the rest left zero.
type Type struct {
	Kind Kind

	Elem *Type // Array element type, Map value type, Optional wrapped type

	Fields   []Field  // Struct
	Tolerant bool     // Struct: unknown fields on input are kept rather than rejected
	Symbols  []string // Enum

	Ref string // Ref
}

// Field is one named member of a struct type, or of a method's input
// or output field list.
type Field struct {
	Name string
	Type Type
}

func Bool() Type     { return Type{Kind: KindBool} }
func Int() Type       { return Type{Kind: KindInt} }
func Float() Type     { return Type{Kind: KindFloat} }
func String() Type    { return Type{Kind: KindString} }
func Object() Type    { return Type{Kind: KindObject} }
func FD() Type        { return Type{Kind: KindFD} }
func StringSet() Type { return Type{Kind: KindStringSet} }

func ArrayOf(elem Type) Type    { return Type{Kind: KindArray, Elem: &elem} }
func MapOf(elem Type) Type      { return Type{Kind: KindMap, Elem: &elem} }
func OptionalOf(elem Type) Type { return Type{Kind: KindOptional, Elem: &elem} }

func StructOf(fields ...Field) Type {
	return Type{Kind: KindStruct, Fields: fields}
}

// TolerantStructOf is StructOf for a struct opted into tolerant
// decoding: fields it doesn't declare are kept rather than rejected.
// Method inputs use it only when Method.TolerantIn is set.
func TolerantStructOf(fields ...Field) Type {
	return Type{Kind: KindStruct, Fields: fields, Tolerant: true}
}

func EnumOf(symbols ...string) Type { return Type{Kind: KindEnum, Symbols: symbols} }
func RefTo(name string) Type        { return Type{Kind: KindRef, Ref: name} }

// MethodFlags mirror the three wire flags a call may set. The
// combination rules (oneway excludes more; upgrade excludes both) are
// checked by Method.Validate, not by the flag type itself.
type MethodFlags struct {
	MayProduceMore     bool
	IsOneway           bool
	UpgradesConnection bool
}

// Method is one method declaration within an Interface.
type Method struct {
	Name string
	In   []Field
	Out  []Field

	// OutUnwrap marks that, natively, a single-field Out list is a bare
	// value rather than a one-field record. Purely a calling-convention
	// hint; the wire rendering and JSON shape are identical either way.
	OutUnwrap bool

	// TolerantIn opts this method's parameters into "tolerant" decoding:
	// unknown input fields are kept rather than rejected. Unknown fields
	// are rejected by default, per spec.md §4.3.
	TolerantIn bool

	Flags MethodFlags
}

// InputType returns the Type representing this method's parameters.
// Strict (unknown fields rejected) unless the method opts into
// TolerantIn.
func (m Method) InputType() Type {
	if m.TolerantIn {
		return TolerantStructOf(m.In...)
	}
	return StructOf(m.In...)
}

// OutputType returns the Type representing this method's reply
// parameters.
func (m Method) OutputType() Type {
	return StructOf(m.Out...)
}

// Validate checks the flag combination rules from spec.md §4.3: oneway
// and more are mutually exclusive, and upgrade excludes both.
func (m Method) Validate() error {
	if m.Flags.IsOneway && m.Flags.MayProduceMore {
		return fmt.Errorf("schema: method %q cannot be both oneway and more", m.Name)
	}
	if m.Flags.UpgradesConnection && (m.Flags.IsOneway || m.Flags.MayProduceMore) {
		return fmt.Errorf("schema: method %q cannot combine upgrade with oneway or more", m.Name)
	}
	if m.OutUnwrap && len(m.Out) != 1 {
		return fmt.Errorf("schema: method %q sets OutUnwrap but does not have exactly one output field", m.Name)
	}
	return nil
}

// TypeDecl is a named type declaration in an interface's type table,
// referenced elsewhere via RefTo.
type TypeDecl struct {
	Name string
	Type Type
}

// Interface is an immutable declared varlink interface: a dotted name,
// a table of named types, and an ordered list of methods.
type Interface struct {
	Name    string
	Types   []TypeDecl
	Methods []Method
}

// NewInterface validates every method and returns the assembled
// Interface, or the first validation error encountered.
func NewInterface(name string, types []TypeDecl, methods []Method) (*Interface, error) {
	for _, m := range methods {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &Interface{Name: name, Types: types, Methods: methods}, nil
}

// TypeTable builds the name->Type lookup used to resolve KindRef
// during conversion, suitable for Context.Types.
func (iface *Interface) TypeTable() map[string]Type {
	m := make(map[string]Type, len(iface.Types))
	for _, td := range iface.Types {
		m[td.Name] = td.Type
	}
	return m
}

// Method looks up a declared method by its bare (unqualified) name.
func (iface *Interface) Method(name string) (Method, bool) {
	for _, m := range iface.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return Method{}, false
}

package schema

import (
	"fmt"
	"strings"
	"text/scanner"
)

// Render produces the canonical varlink interface-description text for
// iface, in the same grammar GetInterfaceDescription returns over the
// wire: an "interface" header, then each named type, then each method,
// in declaration order.
func Render(iface *Interface) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface %s\n", iface.Name)
	for _, td := range iface.Types {
		b.WriteString("\n")
		fmt.Fprintf(&b, "type %s %s\n", td.Name, renderType(td.Type))
	}
	for _, m := range iface.Methods {
		b.WriteString("\n")
		b.WriteString(renderMethod(m))
		b.WriteString("\n")
	}
	return b.String()
}

func renderType(t Type) string {
	switch t.Kind {
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
		return "[]" + renderType(*t.Elem)
	case KindMap:
		return "[string]" + renderType(*t.Elem)
	case KindStringSet:
		return "[string]()"
	case KindOptional:
		return "?" + renderType(*t.Elem)
	case KindStruct:
		return renderFields(t.Fields)
	case KindEnum:
		return "(" + strings.Join(t.Symbols, ", ") + ")"
	case KindRef:
		return t.Ref
	default:
		return fmt.Sprintf("<invalid type kind %d>", int(t.Kind))
	}
}

func renderFields(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Name + ": " + renderType(f.Type)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func renderMethod(m Method) string {
	return fmt.Sprintf("method %s%s -> %s", m.Name, renderFields(m.In), renderFields(m.Out))
}

// Parse is the inverse of Render: it reads canonical varlink interface
// description text and rebuilds the Interface. A plain text/scanner
// tokenizer is enough for this grammar; there is no corpus library for
// a bespoke IDL like this one, so the lexer falls back to the standard
// library (see DESIGN.md).
//
// Parse always reconstructs method output fields as a Field list; text
// alone cannot distinguish "single bare value" from "one-field record"
// since both render identically, so the OutUnwrap hint does not
// round-trip and must be set by the caller if it matters.
func Parse(text string) (*Interface, error) {
	var sc scanner.Scanner
	sc.Init(strings.NewReader(text))
	sc.Mode = scanner.ScanIdents | scanner.ScanComments | scanner.SkipComments
	sc.Whitespace = 1<<'\t' | 1<<'\n' | 1<<'\r' | 1<<' '
	p := &parser{sc: &sc}
	p.next()
	return p.parseInterface()
}

type parser struct {
	sc  *scanner.Scanner
	tok rune
}

func (p *parser) next() rune {
	p.tok = p.sc.Scan()
	return p.tok
}

func (p *parser) text() string {
	if p.tok == scanner.EOF {
		return "<eof>"
	}
	return p.sc.TokenText()
}

func (p *parser) expect(s string) error {
	if p.text() != s {
		return fmt.Errorf("schema: expected %q, got %q at %s", s, p.text(), p.sc.Position)
	}
	p.next()
	return nil
}

func (p *parser) expectArrow() error {
	if err := p.expect("-"); err != nil {
		return err
	}
	return p.expect(">")
}

func (p *parser) parseInterface() (*Interface, error) {
	if err := p.expect("interface"); err != nil {
		return nil, err
	}
	name := p.text()
	p.next()
	for p.text() == "." {
		p.next()
		name += "." + p.text()
		p.next()
	}

	iface := &Interface{Name: name}
	for p.tok != scanner.EOF {
		switch p.text() {
		case "type":
			p.next()
			tname := p.text()
			p.next()
			t, err := p.parseType()
			if err != nil {
				return nil, err
			}
			iface.Types = append(iface.Types, TypeDecl{Name: tname, Type: t})
		case "method":
			p.next()
			mname := p.text()
			p.next()
			in, err := p.parseFieldList()
			if err != nil {
				return nil, err
			}
			if err := p.expectArrow(); err != nil {
				return nil, err
			}
			out, err := p.parseFieldList()
			if err != nil {
				return nil, err
			}
			iface.Methods = append(iface.Methods, Method{Name: mname, In: in, Out: out})
		default:
			return nil, fmt.Errorf("schema: unexpected token %q at %s", p.text(), p.sc.Position)
		}
	}
	return iface, nil
}

// parseFieldList parses a method's in/out list, "(" [field {"," field}] ")",
// where every field is "name: Type". Bare enum symbols are not accepted
// here; parseParen handles those inside type expressions.
func (p *parser) parseFieldList() ([]Field, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	if p.text() == ")" {
		p.next()
		return nil, nil
	}
	var fields []Field
	for {
		name := p.text()
		p.next()
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		t, err := p.parseType()
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: name, Type: t})
		if p.text() == "," {
			p.next()
			continue
		}
		break
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return fields, nil
}

// parseParen parses a "(" ... ")" body whose content is either a
// struct field list (first entry followed by ":") or a bare symbol
// list (an enum), disambiguated by one token of lookahead.
func (p *parser) parseParen() (fields []Field, symbols []string, err error) {
	if err := p.expect("("); err != nil {
		return nil, nil, err
	}
	if p.text() == ")" {
		p.next()
		return nil, nil, nil
	}
	first := p.text()
	p.next()
	if p.text() == ":" {
		p.next()
		t, err := p.parseType()
		if err != nil {
			return nil, nil, err
		}
		fields = []Field{{Name: first, Type: t}}
		for p.text() == "," {
			p.next()
			name := p.text()
			p.next()
			if err := p.expect(":"); err != nil {
				return nil, nil, err
			}
			ft, err := p.parseType()
			if err != nil {
				return nil, nil, err
			}
			fields = append(fields, Field{Name: name, Type: ft})
		}
		if err := p.expect(")"); err != nil {
			return nil, nil, err
		}
		return fields, nil, nil
	}
	symbols = []string{first}
	for p.text() == "," {
		p.next()
		symbols = append(symbols, p.text())
		p.next()
	}
	if err := p.expect(")"); err != nil {
		return nil, nil, err
	}
	return nil, symbols, nil
}

// ParseType parses a single type expression in the same grammar Parse
// uses for field and type-declaration bodies, e.g. "?[]string" or
// "(code: int, message: string)". Useful for fixture formats (see
// internal/fixtures) that describe fields as name/type-string pairs
// rather than full interface text.
func ParseType(s string) (Type, error) {
	var sc scanner.Scanner
	sc.Init(strings.NewReader(s))
	sc.Mode = scanner.ScanIdents
	p := &parser{sc: &sc}
	p.next()
	t, err := p.parseType()
	if err != nil {
		return Type{}, err
	}
	if p.tok != scanner.EOF {
		return Type{}, fmt.Errorf("schema: trailing input after type expression: %q", p.text())
	}
	return t, nil
}

func (p *parser) parseType() (Type, error) {
	switch p.text() {
	case "bool":
		p.next()
		return Bool(), nil
	case "int":
		p.next()
		return Int(), nil
	case "float":
		p.next()
		return Float(), nil
	case "string":
		p.next()
		return String(), nil
	case "object":
		p.next()
		return Object(), nil
	case "fd":
		p.next()
		return FD(), nil
	case "?":
		p.next()
		inner, err := p.parseType()
		if err != nil {
			return Type{}, err
		}
		return OptionalOf(inner), nil
	case "[":
		p.next()
		if p.text() == "]" {
			p.next()
			inner, err := p.parseType()
			if err != nil {
				return Type{}, err
			}
			return ArrayOf(inner), nil
		}
		if err := p.expect("string"); err != nil {
			return Type{}, err
		}
		if err := p.expect("]"); err != nil {
			return Type{}, err
		}
		inner, err := p.parseType()
		if err != nil {
			return Type{}, err
		}
		if inner.Kind == KindStruct && len(inner.Fields) == 0 {
			return StringSet(), nil
		}
		return MapOf(inner), nil
	case "(":
		fields, symbols, err := p.parseParen()
		if err != nil {
			return Type{}, err
		}
		if symbols != nil {
			return EnumOf(symbols...), nil
		}
		return StructOf(fields...), nil
	default:
		name := p.text()
		if name == "" || name == "<eof>" {
			return Type{}, fmt.Errorf("schema: unexpected end of input while parsing a type")
		}
		p.next()
		return RefTo(name), nil
	}
}

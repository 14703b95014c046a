package govarlink

import (
	"encoding/json"
	"fmt"

	"github.com/ianremillard/govarlink/schema"
)

// HandlerFunc implements one method of a bound interface. in is the
// converted native value of the method's input struct. The handler
// either closes the call itself (CloseWithReply/CloseWithError), or
// returns the value (and outgoing Rights, if any) for the successful
// terminal reply through the return values, or a *DomainError to
// produce an error reply automatically.
//
// For "more" methods the handler should call call.Reply itself for
// each intermediate value and return a final value (or nil, nil) for
// the terminal reply; returning a non-nil error after having already
// closed the call is ignored.
type HandlerFunc func(call *ServerCall, in any) (out any, rights *Rights, err error)

// Binding adapts a schema.Interface plus a table of Go handlers into
// the Interface a Registry can dispatch to. It is the generic
// replacement for hand-written switch-based dispatch: one handler per
// declared method, looked up by name and converted through the
// interface's own type declarations.
type Binding struct {
	iface *schema.Interface
	table map[string]HandlerFunc
	types map[string]schema.Type
}

// NewBinding builds a server-side Interface for iface. handlers must
// have exactly one entry per method declared on iface; NewBinding
// returns an error otherwise, since a declared-but-unimplemented
// method would otherwise only be caught at runtime.
func NewBinding(iface *schema.Interface, handlers map[string]HandlerFunc) (*Binding, error) {
	for _, m := range iface.Methods {
		if _, ok := handlers[m.Name]; !ok {
			return nil, fmt.Errorf("varlink: interface %q declares method %q with no handler", iface.Name, m.Name)
		}
	}
	for name := range handlers {
		if _, ok := iface.Method(name); !ok {
			return nil, fmt.Errorf("varlink: handler registered for undeclared method %q on interface %q", name, iface.Name)
		}
	}
	return &Binding{iface: iface, table: handlers, types: iface.TypeTable()}, nil
}

// Name implements Interface.
func (b *Binding) Name() string { return b.iface.Name }

// Declaration returns the bound interface's schema, for introspection.
func (b *Binding) Declaration() *schema.Interface { return b.iface }

// Dispatch implements Interface: it converts params per the method's
// declared input type, calls the handler, and converts the handler's
// return value into the terminal reply if the handler did not already
// close the call itself.
func (b *Binding) Dispatch(call *ServerCall, method string, params json.RawMessage, rights *Rights) {
	m, ok := b.iface.Method(method)
	if !ok {
		_ = call.CloseWithDomainError(errMethodNotFound(b.iface.Name + "." + method))
		return
	}

	inCtx := &schema.Context{In: rights, Types: b.types}
	in, err := schema.UnmarshalValue(m.InputType(), params, inCtx)
	if err != nil {
		_ = call.CloseWithDomainError(errInvalidParameter(err.Error()))
		return
	}

	handler := b.table[method]
	out, outRights, herr := handler(call, in)

	call.mu.Lock()
	already := call.done
	call.mu.Unlock()
	if already {
		// The handler drove Reply/CloseWith* itself (typical for "more"
		// methods); nothing further to do.
		return
	}

	if herr != nil {
		if derr, ok := herr.(*DomainError); ok {
			_ = call.CloseWithDomainError(derr)
		} else {
			_ = call.CloseWithError("org.varlink.service.InternalError", map[string]string{"message": herr.Error()})
		}
		return
	}

	outCtx := &schema.Context{Out: outRights, Types: b.types}
	outJSON, cerr := schema.ToJSON(m.OutputType(), normalizeOut(m, out), outCtx)
	if cerr != nil {
		_ = call.CloseWithError("org.varlink.service.InternalError", map[string]string{"message": cerr.Error()})
		return
	}
	_ = call.CloseWithReply(outJSON, outRights)
}

// normalizeOut wraps a bare OutUnwrap return value back into the
// single-field record schema.ToJSON expects.
func normalizeOut(m schema.Method, out any) any {
	if m.OutUnwrap && out != nil {
		if _, ok := out.(map[string]any); !ok {
			return map[string]any{m.Out[0].Name: out}
		}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

// Proxy is a typed client-side handle bound to one declared interface
// over one Conn, converting native values through the interface's
// schema instead of requiring callers to hand-build JSON.
type Proxy struct {
	conn  *Conn
	iface *schema.Interface
	types map[string]schema.Type
}

// NewProxy binds iface's methods to calls issued over conn.
func NewProxy(conn *Conn, iface *schema.Interface) *Proxy {
	return &Proxy{conn: conn, iface: iface, types: iface.TypeTable()}
}

// Call issues method with in converted per its declared input type,
// and converts a non-streaming reply back into a native value.
func (p *Proxy) Call(method string, in any) (any, error) {
	m, ok := p.iface.Method(method)
	if !ok {
		return nil, fmt.Errorf("varlink: %s has no method %q", p.iface.Name, method)
	}
	params, rights, err := p.marshalIn(m, in)
	if err != nil {
		return nil, err
	}
	call, err := p.conn.Call(p.iface.Name+"."+method, params, CallFlags{
		Oneway:  m.Flags.IsOneway,
		Upgrade: m.Flags.UpgradesConnection,
	}, rights)
	if err != nil {
		return nil, err
	}
	if m.Flags.IsOneway {
		return nil, nil
	}
	reply, replyRights, werr := call.Wait()
	if werr != nil {
		return nil, werr
	}
	return p.unmarshalOut(m, reply, replyRights)
}

// Stream issues a "more" method call and returns the Call handle so
// the caller can range over intermediate native values.
func (p *Proxy) Stream(method string, in any) (*Call, schema.Method, error) {
	m, ok := p.iface.Method(method)
	if !ok || !m.Flags.MayProduceMore {
		return nil, schema.Method{}, fmt.Errorf("varlink: %s has no streaming method %q", p.iface.Name, method)
	}
	params, rights, err := p.marshalIn(m, in)
	if err != nil {
		return nil, schema.Method{}, err
	}
	call, err := p.conn.Call(p.iface.Name+"."+method, params, CallFlags{More: true}, rights)
	if err != nil {
		return nil, schema.Method{}, err
	}
	return call, m, nil
}

// DecodeResult converts one Result from a Stream call's channel into a
// native value using the method descriptor Stream returned.
func (p *Proxy) DecodeResult(m schema.Method, r Result) (any, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return p.unmarshalOut(m, r.Parameters, r.Rights)
}

func (p *Proxy) marshalIn(m schema.Method, in any) (json.RawMessage, *Rights, error) {
	var rights *Rights
	needsRights := typeNeedsDescriptorSink(m.InputType())
	if needsRights {
		rights = newOutRights()
	}
	ctx := &schema.Context{Types: p.types}
	if rights != nil {
		ctx.Out = rights
	}
	data, err := schema.MarshalValue(m.InputType(), in, ctx)
	if err != nil {
		return nil, nil, conversionError("marshalIn", err)
	}
	return data, rights, nil
}

func (p *Proxy) unmarshalOut(m schema.Method, reply json.RawMessage, rights *Rights) (any, error) {
	ctx := &schema.Context{In: rights, Types: p.types}
	out, err := schema.UnmarshalValue(m.OutputType(), reply, ctx)
	if err != nil {
		return nil, conversionError("unmarshalOut", err)
	}
	if m.OutUnwrap {
		if rec, ok := out.(map[string]any); ok && len(m.Out) == 1 {
			return rec[m.Out[0].Name], nil
		}
	}
	return out, nil
}

// typeNeedsDescriptorSink reports whether t (or anything nested in it)
// could carry a file descriptor, so marshalIn knows whether it's worth
// allocating a Rights array at all. It does not follow named type
// references (KindRef); for such a false negative a later ToJSON call
// returns a descriptive error instead of silently dropping a descriptor.
func typeNeedsDescriptorSink(t schema.Type) bool {
	switch t.Kind {
	case schema.KindFD:
		return true
	case schema.KindArray, schema.KindMap, schema.KindOptional:
		return typeNeedsDescriptorSink(*t.Elem)
	case schema.KindStruct:
		for _, f := range t.Fields {
			if typeNeedsDescriptorSink(f.Type) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

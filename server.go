package govarlink

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Interface is what a Registry dispatches incoming calls to. Name is
// the key it is registered under; Dispatch runs the named method
// against params and incoming rights, delivering replies through call.
type Interface interface {
	Name() string
	Dispatch(call *ServerCall, method string, params json.RawMessage, rights *Rights)
}

// Registry is the server-side binding (L3): an ordered, append-only
// mapping from interface name to instance.
type Registry struct {
	mu     sync.Mutex
	order  []string
	byName map[string]Interface
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Interface)}
}

// Register adds iface to the registry. Registering a duplicate name is
// a fatal configuration error; it must happen before the first message
// is dispatched.
func (r *Registry) Register(iface Interface) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[iface.Name()]; exists {
		return newError(KindConfiguration, "Register", fmt.Errorf("duplicate interface %q", iface.Name()))
	}
	r.byName[iface.Name()] = iface
	r.order = append(r.order, iface.Name())
	return nil
}

func (r *Registry) lookup(name string) (Interface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iface, ok := r.byName[name]
	return iface, ok
}

// Names returns the registered interface names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// serverFrame is one queued outgoing reply for a ServerCall.
type serverFrame struct {
	reply  replyMessage
	rights *Rights
}

// ServerCall represents one in-progress incoming call. Handlers may call
// Reply any number of times if the call was made with "more", then must
// end with exactly one of CloseWithReply or CloseWithError.
type ServerCall struct {
	method  string
	more    bool
	oneway  bool
	upgrade bool

	conn   *ServerConn
	frames chan serverFrame

	// written is closed once every frame this call will ever produce
	// has been handed to Transport.Send (successfully or not). Hijack
	// waits on it so an "upgrade" handler never steals the raw
	// connection out from under its own still-in-flight reply, or
	// ahead of an earlier call's replies still queued for writing.
	written chan struct{}

	mu   sync.Mutex
	done bool
}

// Method returns the bare method name (without interface prefix).
func (call *ServerCall) Method() string { return call.method }

// More reports whether the call was made with the "more" flag.
func (call *ServerCall) More() bool { return call.more }

// Oneway reports whether the call was made with the "oneway" flag; any
// reply sent is silently discarded.
func (call *ServerCall) Oneway() bool { return call.oneway }

// IsUpgrade reports whether the call was made with the "upgrade" flag.
func (call *ServerCall) IsUpgrade() bool { return call.upgrade }

func (call *ServerCall) reply(continues bool, errName string, params any, rights *Rights) error {
	call.mu.Lock()
	if call.done {
		call.mu.Unlock()
		return fmt.Errorf("varlink: reply sent after call already closed")
	}
	if continues && !call.more {
		call.mu.Unlock()
		return fmt.Errorf("varlink: Reply called on a call without \"more\" set")
	}
	if !continues {
		call.done = true
	}
	call.mu.Unlock()

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	if errName == "" && paramsJSON == nil {
		// Varlink replies must carry a parameters object even when empty.
		paramsJSON = json.RawMessage("{}")
	}

	frame := serverFrame{reply: replyMessage{Parameters: paramsJSON, Continues: continues, Error: errName}, rights: rights}
	call.frames <- frame
	if !continues {
		close(call.frames)
	}
	return nil
}

// Reply sends a non-final reply. Valid only if the call carries "more".
func (call *ServerCall) Reply(params any, rights *Rights) error {
	return call.reply(true, "", params, rights)
}

// CloseWithReply sends the final, successful reply.
func (call *ServerCall) CloseWithReply(params any, rights *Rights) error {
	return call.reply(false, "", params, rights)
}

// CloseWithError sends a terminal error reply naming a fully-qualified
// error symbol.
func (call *ServerCall) CloseWithError(name string, params any) error {
	return call.reply(false, name, params, nil)
}

// CloseWithDomainError is a convenience that unpacks a *DomainError.
func (call *ServerCall) CloseWithDomainError(err *DomainError) error {
	return call.CloseWithError(err.Name, err.Parameters)
}

// Hijack completes an "upgrade" call: it must be invoked only after
// CloseWithReply has been sent. It blocks until that reply (and any
// earlier calls on this connection still ahead of it in the write
// queue) has actually been handed to the transport, so the raw
// connection is never stolen out from under a reply still in flight.
// It hands the raw connection endpoint to the caller and permanently
// disables L1/L2 framing on it.
func (call *ServerCall) Hijack() (Endpoint, error) {
	if !call.upgrade {
		return nil, fmt.Errorf("varlink: Hijack called on a non-upgrade call")
	}
	<-call.written
	return call.conn.t.Hijack()
}

// ServerConn is the server role of the protocol layer (L2): it decodes
// incoming calls, dispatches them against a Registry, and writes replies
// back in call-arrival order even when handlers run concurrently.
type ServerConn struct {
	t       *Transport
	reg     *Registry
	log     *logrus.Entry
	metrics *Metrics

	replyQueue chan *ServerCall
	writerDone chan struct{}
}

// replyQueueDepth bounds how many calls may be in flight (dispatched but
// not yet fully replied-to) on one connection at once; further incoming
// calls block the reader until room frees up, which is this connection's
// back-pressure signal per spec.md §5.
const replyQueueDepth = 64

// NewServerConn wraps a Transport as a server connection bound to reg
// and starts driving it.
func NewServerConn(t *Transport, reg *Registry, log *logrus.Entry) *ServerConn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sc := &ServerConn{
		t:          t,
		reg:        reg,
		log:        log,
		replyQueue: make(chan *ServerCall, replyQueueDepth),
		writerDone: make(chan struct{}),
	}
	go sc.writeReplies()
	t.Start(sc)
	return sc
}

func (sc *ServerConn) writeReplies() {
	defer close(sc.writerDone)
	for call := range sc.replyQueue {
		for frame := range call.frames {
			if call.oneway {
				frame.rights.Close()
				continue
			}
			if err := sc.t.Send(frame.reply, frame.rights); err != nil {
				sc.log.WithError(err).Debug("varlink: failed to send reply")
			}
		}
		close(call.written)
	}
}

func (sc *ServerConn) MessageReceived(msg json.RawMessage, rights *Rights) {
	var req callMessage
	if err := decodeStrict(msg, &req); err != nil {
		rights.Close()
		sc.ProtocolViolation(protocolViolation("server", fmt.Errorf("varlink: malformed call: %w", err)))
		return
	}

	dot := strings.LastIndex(req.Method, ".")
	if dot < 0 {
		rights.Close()
		sc.ProtocolViolation(protocolViolation("server", fmt.Errorf("varlink: method %q is not <interface>.<Method>", req.Method)))
		return
	}
	ifaceName, methodName := req.Method[:dot], req.Method[dot+1:]

	call := &ServerCall{
		method:  methodName,
		more:    req.More,
		oneway:  req.Oneway,
		upgrade: req.Upgrade,
		conn:    sc,
		frames:  make(chan serverFrame, 4),
		written: make(chan struct{}),
	}

	if !req.Oneway {
		sc.replyQueue <- call
	}

	iface, ok := sc.reg.lookup(ifaceName)
	if !ok {
		sc.finishWithoutDispatch(call, errInterfaceNotFound(ifaceName), req.Oneway)
		return
	}

	go func() {
		sc.log.WithFields(logrus.Fields{"interface": ifaceName, "method": methodName, "more": req.More, "oneway": req.Oneway}).Debug("varlink: dispatching call")
		sc.metrics.callDispatched(ifaceName, methodName)
		iface.Dispatch(call, methodName, req.Parameters, rights)
		call.mu.Lock()
		finished := call.done
		call.mu.Unlock()
		if !finished {
			sc.finishWithoutDispatch(call, &DomainError{Name: errProtocolNoReply}, req.Oneway)
		}
	}()
}

const errProtocolNoReply = "org.varlink.service.InternalError"

// finishWithoutDispatch synthesizes a terminal error reply for a call
// whose interface/method lookup failed, or whose handler returned
// without producing a terminal reply (a protocol violation on the
// server's own part, reported rather than silently hung).
func (sc *ServerConn) finishWithoutDispatch(call *ServerCall, derr *DomainError, oneway bool) {
	call.mu.Lock()
	already := call.done
	call.mu.Unlock()
	if already {
		return
	}
	_ = call.CloseWithError(derr.Name, derr.Parameters)
	if oneway {
		// Never queued; drain its own frame so nothing leaks.
		for range call.frames {
		}
	}
}

func (sc *ServerConn) ProtocolViolation(err error) {
	sc.metrics.violation()
	sc.log.WithError(err).Warn("varlink: server protocol violation")
	defer sc.Close()
}

func (sc *ServerConn) ConnectionLost() {
	close(sc.replyQueue)
}

// Close closes the underlying transport.
func (sc *ServerConn) Close() { sc.t.Close() }

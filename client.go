package govarlink

import (
	"container/list"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Result is one reply delivered to a Call's Stream channel: either a
// successful parameters payload and its rights, or a terminal error.
type Result struct {
	Parameters json.RawMessage
	Rights     *Rights
	Err        error
}

// Call represents one in-flight client call.
type Call struct {
	method   string
	more     bool
	oneway   bool
	upgrade  bool
	ch       chan Result
	done     chan struct{} // closed by Discard when the caller drops the handle
	discard  bool          // caller dropped the handle before a terminal reply
}

// Stream returns the channel of replies for this call. Plain calls
// deliver exactly one Result then close the channel. "more" calls
// deliver zero or more non-terminal Results followed by one terminal
// Result (success or error). Oneway calls close the channel immediately
// with no Results.
func (c *Call) Stream() <-chan Result { return c.ch }

// Wait blocks for a plain (non-"more") call's single reply.
func (c *Call) Wait() (json.RawMessage, *Rights, error) {
	r, ok := <-c.ch
	if !ok {
		return nil, nil, fmt.Errorf("varlink: call %q produced no reply", c.method)
	}
	return r.Parameters, r.Rights, r.Err
}

// Discard marks the call's pending-FIFO slot so that its eventual
// reply bytes are parsed (to keep the FIFO in sync) but delivered
// nowhere. Use this when dropping a Call handle before its terminal
// reply arrives.
func (c *Call) Discard() {
	close(c.done)
}

// Conn is the client role of the protocol layer (L2): it issues calls
// over a Transport and demultiplexes replies via the pending-call FIFO
// described in spec.md §3/§4.2. Varlink has no wire call id, so replies
// are matched to calls purely by issue order.
type Conn struct {
	t   *Transport
	log *logrus.Entry

	mu      sync.Mutex
	pending *list.List // of *Call
	closed  bool
	closeErr error
}

// NewConn wraps an already-constructed Transport as a client connection
// and starts driving it.
func NewConn(t *Transport, log *logrus.Entry) *Conn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Conn{t: t, log: log, pending: list.New()}
	t.Start(c)
	return c
}

// DialConn connects to a varlink address and returns a client Conn. Only
// the "unix" scheme is supported by this convenience constructor; for
// anything else, build a Transport directly.
func DialConn(addr string, log *logrus.Entry) (*Conn, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if a.Scheme != "unix" {
		return nil, fmt.Errorf("varlink: unsupported address scheme %q", a.Scheme)
	}
	path := a.Path
	netName := "unix"
	if a.abstract() {
		path = "@" + path[1:]
	}
	conn, err := net.DialUnix(netName, nil, &net.UnixAddr{Name: path, Net: netName})
	if err != nil {
		return nil, fmt.Errorf("varlink: dial %s: %w", addr, err)
	}
	return NewConn(NewSocketTransport(conn, log), log), nil
}

// CallFlags are the wire flags of a call; More/Oneway/Upgrade select
// the reply shape.
type CallFlags struct {
	More    bool
	Oneway  bool
	Upgrade bool
}

// Call issues a method call. flags select the reply shape; rights
// accompany the call's parameters.
func (c *Conn) Call(method string, params any, flags CallFlags, rights *Rights) (*Call, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	call := &Call{
		method:  method,
		more:    flags.More,
		oneway:  flags.Oneway,
		upgrade: flags.Upgrade,
		ch:      make(chan Result, 1),
		done:    make(chan struct{}),
	}

	msg := callMessage{
		Method:     method,
		Parameters: paramsJSON,
		More:       flags.More,
		Oneway:     flags.Oneway,
		Upgrade:    flags.Upgrade,
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	var elem *list.Element
	if !flags.Oneway {
		elem = c.pending.PushBack(call)
	}
	c.mu.Unlock()

	if err := c.t.Send(msg, rights); err != nil {
		if elem != nil {
			c.mu.Lock()
			c.pending.Remove(elem)
			c.mu.Unlock()
		}
		return nil, err
	}

	if flags.Oneway {
		close(call.ch)
	}
	return call, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// ─── Protocol implementation (reply demultiplexing) ───────────────────

func (c *Conn) MessageReceived(msg json.RawMessage, rights *Rights) {
	var reply replyMessage
	if err := decodeStrict(msg, &reply); err != nil {
		c.ProtocolViolation(protocolViolation("client", fmt.Errorf("varlink: malformed reply: %w", err)))
		return
	}

	c.mu.Lock()
	front := c.pending.Front()
	if front == nil {
		c.mu.Unlock()
		rights.Close()
		c.ProtocolViolation(protocolViolation("client", fmt.Errorf("varlink: reply received with no pending call")))
		return
	}
	call := front.Value.(*Call)

	terminal := reply.Error != "" || !reply.Continues
	if terminal {
		c.pending.Remove(front)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		// Caller discarded this call; parse was necessary to keep the
		// FIFO aligned, but nothing more to deliver.
		rights.Close()
		return
	default:
	}

	var result Result
	if reply.Error != "" {
		result = Result{Err: &DomainError{Name: reply.Error, Parameters: json.RawMessage(reply.Parameters)}, Rights: rights}
	} else {
		result = Result{Parameters: reply.Parameters, Rights: rights}
	}

	call.ch <- result
	if terminal {
		close(call.ch)
	}
}

func (c *Conn) ProtocolViolation(err error) {
	c.log.WithError(err).Warn("varlink: client protocol violation")
	defer c.Close()
}

func (c *Conn) ConnectionLost() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = ErrConnectionClosed
	pending := c.pending
	c.pending = list.New()
	c.mu.Unlock()

	for e := pending.Front(); e != nil; e = e.Next() {
		call := e.Value.(*Call)
		select {
		case <-call.done:
		default:
			call.ch <- Result{Err: ErrConnectionClosed}
			close(call.ch)
		}
	}
}

// Close closes the underlying transport. Any pending calls resolve with
// ErrConnectionClosed.
func (c *Conn) Close() { c.t.Close() }

// Hijack completes a client-initiated "upgrade" call: it must be
// called only after the upgrade call's single reply has been consumed
// via Wait. It hands the raw connection endpoint to the caller and
// permanently disables L1/L2 framing on it.
func (c *Conn) Hijack() (Endpoint, error) { return c.t.Hijack() }

package govarlink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// maxRightsPerFrame bounds how many descriptors we will ever try to parse
// out of a single ancillary-data read, as a sanity cap against a hostile
// or buggy peer.
const maxRightsPerFrame = 253

// Protocol is the callback interface a Transport drives. Exactly one of
// the three methods is called per event, never concurrently with
// another call on the same Transport.
type Protocol interface {
	// MessageReceived is invoked once per complete frame. rights is nil
	// if the frame carried no descriptors. Ownership of rights passes to
	// the implementation: the Transport does not close it after this
	// call returns.
	MessageReceived(msg json.RawMessage, rights *Rights)
	// ProtocolViolation reports a malformed frame or out-of-order reply.
	// The transport closes itself immediately afterward.
	ProtocolViolation(err error)
	// ConnectionLost is invoked exactly once, after the transport has
	// fully closed (whether due to a clean EOF, a violation, or an
	// explicit Close).
	ConnectionLost()
}

// Endpoint is the minimal capability a Transport needs from a
// connection: a readable stream, a writable stream, and a way to tear
// both down together.
type Endpoint interface {
	io.Reader
	io.Writer
	io.Closer
}

// unixConn is implemented by *net.UnixConn; Transport type-asserts an
// Endpoint against it to discover whether ancillary-data rights passing
// is available.
type unixConn interface {
	Endpoint
	ReadMsgUnix(b, oob []byte) (n, oobn, flags int, addr *net.UnixAddr, err error)
	WriteMsgUnix(b, oob []byte, addr *net.UnixAddr) (n, oobn int, err error)
}

type transportState int32

const (
	stateOpen transportState = iota
	stateClosing
	stateClosed
)

// Transport is the framed message layer (L1): it moves whole JSON
// messages, each optionally carrying a Rights array, between an
// in-memory outgoing queue and a pair of byte streams.
type Transport struct {
	ep   Endpoint
	rep  unixConn // non-nil iff ep supports ancillary-data rights
	log  *logrus.Entry
	proto Protocol

	state    int32 // transportState, accessed atomically
	hijacked int32 // 1 once Hijack has taken over the raw endpoint

	outCh      chan outFrame
	writeDone  chan struct{}
	readDone   chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once

	// sendMu serializes Send against the channel-close that transitions
	// to Closing, so Send never races a close(outCh).
	sendMu sync.RWMutex
}

type outFrame struct {
	data   []byte
	rights *Rights
}

// NewTransport builds a Transport over a generic byte-stream endpoint
// (a pipe pair, stdio, or similar) that cannot carry descriptor rights.
func NewTransport(ep Endpoint, log *logrus.Entry) *Transport {
	return newTransport(ep, nil, log)
}

// NewSocketTransport builds a Transport over a Unix domain socket,
// enabling ancillary-data rights passing.
func NewSocketTransport(conn *net.UnixConn, log *logrus.Entry) *Transport {
	return newTransport(conn, conn, log)
}

func newTransport(ep Endpoint, rep unixConn, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		ep:        ep,
		rep:       rep,
		log:       log,
		outCh:     make(chan outFrame, 64),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// SupportsRights reports whether this transport can carry descriptor
// arrays as ancillary data.
func (t *Transport) SupportsRights() bool { return t.rep != nil }

// Start launches the reader and writer goroutines and begins driving
// proto. It must be called exactly once.
func (t *Transport) Start(proto Protocol) {
	t.proto = proto
	go t.writeLoop()
	go t.readLoop()
}

func (t *Transport) currentState() transportState {
	return transportState(atomic.LoadInt32(&t.state))
}

// IsClosing reports whether shutdown has begun.
func (t *Transport) IsClosing() bool {
	return t.currentState() != stateOpen
}

// Send enqueues a message for write. If rights carries descriptors and
// this transport cannot carry ancillary data, it returns a
// KindDescriptorsUnsupported error and the connection remains open.
func (t *Transport) Send(obj any, rights *Rights) error {
	if rights.Len() > 0 && t.rep == nil {
		return newError(KindDescriptorsUnsupported, "Send", nil)
	}
	data, err := marshalCanonical(obj)
	if err != nil {
		return err
	}
	data = append(data, frameTerminator)

	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.currentState() != stateOpen {
		return newError(KindConnectionClosed, "Send", nil)
	}
	t.outCh <- outFrame{data: data, rights: rights}
	return nil
}

// closeDrainTimeout bounds how long Close waits for already-queued
// outgoing frames to flush before forcing both endpoints shut.
const closeDrainTimeout = 5 * time.Second

// Close begins shutdown: no further Sends are accepted, buffered
// outgoing bytes are drained best-effort (bounded by closeDrainTimeout),
// then both endpoints are closed. Safe to call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		atomic.StoreInt32(&t.state, int32(stateClosing))
		close(t.outCh)
		t.sendMu.Unlock()
	})
	select {
	case <-t.writeDone:
	case <-time.After(closeDrainTimeout):
		t.log.Warn("varlink: timed out draining outgoing buffer on close")
	}
	t.finish()
}

// deadliner is implemented by *net.UnixConn and similar; Hijack uses it
// to force a blocked Read to return without closing the endpoint.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Hijack stops the framed protocol from reading or writing this
// transport's endpoint and returns it for exclusive use by an "upgrade"
// handler. It must only be called after the upgrade reply has been
// handed to Send (the caller is responsible for that ordering). Only
// reliable on endpoints implementing SetReadDeadline (e.g. a
// *net.UnixConn); on an endpoint without it the reader goroutine returns
// only when a read fails (e.g. the peer closes the pipe), and any bytes
// read before then are still consumed by the framing layer.
func (t *Transport) Hijack() (Endpoint, error) {
	if t.IsClosing() || !atomic.CompareAndSwapInt32(&t.hijacked, 0, 1) {
		return nil, fmt.Errorf("varlink: transport already hijacked or closed")
	}

	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		atomic.StoreInt32(&t.state, int32(stateClosing))
		close(t.outCh)
		t.sendMu.Unlock()
	})
	<-t.writeDone

	if d, ok := t.ep.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now())
	}
	<-t.readDone

	return t.ep, nil
}

func (t *Transport) finish() {
	t.finishOnce.Do(func() {
		atomic.StoreInt32(&t.state, int32(stateClosed))
		t.ep.Close()
		if t.proto != nil {
			t.proto.ConnectionLost()
		}
	})
}

// ─── writer ────────────────────────────────────────────────────────────

func (t *Transport) writeLoop() {
	defer close(t.writeDone)
	for frame := range t.outCh {
		if err := t.writeFrame(frame); err != nil {
			t.log.WithError(err).Warn("varlink: write failed, closing connection")
			t.beginClose()
			t.drainOutgoing()
			return
		}
	}
}

// drainOutgoing discards anything still queued after a write failure so
// Close's <-t.writeDone does not deadlock against a full channel.
func (t *Transport) drainOutgoing() {
	for range t.outCh {
	}
}

func (t *Transport) writeFrame(f outFrame) error {
	if f.rights.Len() == 0 {
		_, err := t.ep.Write(f.data)
		return err
	}

	files := f.rights.rawFiles()
	rawFds := make([]int, len(files))
	for i, file := range files {
		rawFds[i] = int(file.Fd())
	}
	oob := unix.UnixRights(rawFds...)

	written := 0
	for written < len(f.data) {
		var curOOB []byte
		if written == 0 {
			curOOB = oob
		}
		n, _, err := t.rep.WriteMsgUnix(f.data[written:], curOOB, nil)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		written += n
	}
	f.rights.Close()
	return nil
}

// beginClose transitions to Closing exactly once without blocking on the
// writer goroutine (called from within the writer or reader goroutine
// itself).
func (t *Transport) beginClose() {
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		atomic.StoreInt32(&t.state, int32(stateClosing))
		close(t.outCh)
		t.sendMu.Unlock()
	})
	go t.awaitWriteThenFinish()
}

func (t *Transport) awaitWriteThenFinish() {
	<-t.writeDone
	t.finish()
}

// ─── reader ────────────────────────────────────────────────────────────

func (t *Transport) readLoop() {
	defer close(t.readDone)

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(maxRightsPerFrame*4))
	var accum []byte
	var pending []*os.File

	for {
		var n, oobn int
		var err error
		if t.rep != nil {
			n, oobn, _, _, err = t.rep.ReadMsgUnix(buf, oob)
		} else {
			n, err = t.ep.Read(buf)
		}

		if n > 0 {
			accum = append(accum, buf[:n]...)
		}
		if oobn > 0 {
			pending = append(pending, parseRights(oob[:oobn], t.log)...)
		}

		for {
			idx := bytes.IndexByte(accum, frameTerminator)
			if idx < 0 {
				break
			}
			frameBytes := append([]byte(nil), accum[:idx]...)
			accum = accum[idx+1:]
			files := pending
			pending = nil
			if !t.dispatch(frameBytes, files) {
				return
			}
		}

		if err != nil {
			for _, f := range pending {
				f.Close()
			}
			if atomic.LoadInt32(&t.hijacked) == 1 {
				// Hijack() forced this Read to return by setting a read
				// deadline; the raw endpoint now belongs to the upgrade
				// handler. Leave it open and say nothing further.
				return
			}
			if err == io.EOF {
				if len(accum) > 0 {
					t.violate(fmt.Errorf("varlink: EOF mid-frame (%d bytes buffered)", len(accum)))
				} else {
					t.beginClose()
				}
			} else {
				t.log.WithError(err).Warn("varlink: read failed, closing connection")
				t.beginClose()
			}
			return
		}
	}
}

// dispatch decodes and delivers one complete frame. It returns false if
// the frame was malformed (in which case the reader loop must stop).
func (t *Transport) dispatch(data []byte, files []*os.File) bool {
	if !utf8.Valid(data) {
		for _, f := range files {
			f.Close()
		}
		t.violate(fmt.Errorf("varlink: invalid UTF-8 in frame"))
		return false
	}
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		for _, f := range files {
			f.Close()
		}
		t.violate(fmt.Errorf("varlink: invalid JSON frame: %w", err))
		return false
	}
	t.proto.MessageReceived(raw, newRights(files))
	return true
}

func (t *Transport) violate(err error) {
	if t.proto != nil {
		t.proto.ProtocolViolation(protocolViolation("transport", err))
	}
	t.beginClose()
}

func parseRights(oob []byte, log *logrus.Entry) []*os.File {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		log.WithError(err).Warn("varlink: failed to parse ancillary data")
		return nil
	}
	var files []*os.File
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "varlink-right"))
		}
	}
	return files
}

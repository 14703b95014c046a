package govarlink

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProtocol captures every event a Transport delivers, for
// assertions that don't need a full Conn/ServerConn.
type recordingProtocol struct {
	mu         sync.Mutex
	messages   []json.RawMessage
	violations []error
	lost       bool
	lostCh     chan struct{}
}

func newRecordingProtocol() *recordingProtocol {
	return &recordingProtocol{lostCh: make(chan struct{})}
}

func (p *recordingProtocol) MessageReceived(msg json.RawMessage, rights *Rights) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	rights.Close()
}

func (p *recordingProtocol) ProtocolViolation(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.violations = append(p.violations, err)
}

func (p *recordingProtocol) ConnectionLost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lost {
		p.lost = true
		close(p.lostCh)
	}
}

func newPipeTransports(t *testing.T) (*Transport, *recordingProtocol, *Transport, *recordingProtocol) {
	t.Helper()
	a, b := net.Pipe()
	log := logrus.NewEntry(logrus.New())

	ta := NewTransport(a, log)
	tb := NewTransport(b, log)
	pa := newRecordingProtocol()
	pb := newRecordingProtocol()
	ta.Start(pa)
	tb.Start(pb)
	return ta, pa, tb, pb
}

func TestTransportSendDeliversFrame(t *testing.T) {
	ta, _, tb, pb := newPipeTransports(t)
	defer ta.Close()
	defer tb.Close()

	require.NoError(t, ta.Send(map[string]string{"hello": "world"}, nil))

	require.Eventually(t, func() bool {
		pb.mu.Lock()
		defer pb.mu.Unlock()
		return len(pb.messages) == 1
	}, time.Second, 10*time.Millisecond)

	pb.mu.Lock()
	assert.JSONEq(t, `{"hello":"world"}`, string(pb.messages[0]))
	pb.mu.Unlock()
}

func TestTransportSendWithoutRightsSupportErrors(t *testing.T) {
	ta, _, tb, _ := newPipeTransports(t)
	defer ta.Close()
	defer tb.Close()

	rights := newOutRights()
	rights.Append(nil)
	err := ta.Send(map[string]string{}, rights)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, KindDescriptorsUnsupported, verr.Kind)
}

func TestTransportCloseIsIdempotentAndReportsConnectionLost(t *testing.T) {
	ta, pa, tb, pb := newPipeTransports(t)
	ta.Close()
	ta.Close() // must not panic or block

	select {
	case <-pa.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not delivered to closing side")
	}
	select {
	case <-pb.lostCh:
	case <-time.After(time.Second):
		t.Fatal("ConnectionLost not delivered to peer")
	}
	tb.Close()
}

func TestTransportInvalidJSONIsProtocolViolation(t *testing.T) {
	a, b := net.Pipe()
	log := logrus.NewEntry(logrus.New())
	ta := NewTransport(a, log)
	pb := newRecordingProtocol()
	tb := NewTransport(b, log)
	tb.Start(pb)
	ta.Start(newRecordingProtocol())
	defer ta.Close()

	go func() {
		a.Write([]byte("not json"))
		a.Write([]byte{frameTerminator})
	}()

	require.Eventually(t, func() bool {
		pb.mu.Lock()
		defer pb.mu.Unlock()
		return len(pb.violations) == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-pb.lostCh:
	case <-time.After(time.Second):
		t.Fatal("connection not torn down after protocol violation")
	}
}

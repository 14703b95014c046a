package govarlink

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoInterface is a minimal hand-written Interface (not going through
// Binding) exercising the raw ServerCall API: Ping is a plain call,
// Count is a "more" call, Notify is oneway, and SendFile demonstrates
// descriptor passing in both directions.
type echoInterface struct{}

func (echoInterface) Name() string { return "test.echo" }

func (echoInterface) Dispatch(call *ServerCall, method string, params json.RawMessage, rights *Rights) {
	switch method {
	case "Ping":
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(params, &p)
		_ = call.CloseWithReply(map[string]string{"reply": p.Message}, nil)

	case "Count":
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(params, &p)
		for i := 0; i < p.N; i++ {
			_ = call.Reply(map[string]int{"value": i}, nil)
		}
		_ = call.CloseWithReply(map[string]int{"value": p.N}, nil)

	case "Notify":
		// Oneway: the call is never queued for writing, so this reply is dropped.
		_ = call.CloseWithReply(map[string]string{}, nil)

	case "SendFile":
		f, ok := rights.Take(0)
		if !ok {
			_ = call.CloseWithError("test.echo.NoFile", nil)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		out := newOutRights()
		tmp, _ := os.CreateTemp("", "govarlink-echo-*")
		tmp.Write(data)
		tmp.Seek(0, 0)
		out.Append(tmp)
		_ = call.CloseWithReply(map[string]string{"size": ""}, out)

	default:
		_ = call.CloseWithError("org.varlink.service.MethodNotFound", map[string]string{"method": method})
	}
}

func TestEndToEndPlainCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoInterface{}))

	log := logrus.NewEntry(logrus.New())
	ln, err := ListenUnix(path, reg, WithLogger(log))
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := DialConn("unix:"+path, log)
	require.NoError(t, err)
	defer conn.Close()

	call, err := conn.Call("test.echo.Ping", map[string]string{"message": "hi"}, CallFlags{}, nil)
	require.NoError(t, err)
	reply, _, err := call.Wait()
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"hi"}`, string(reply))
}

func TestEndToEndStreamingCallPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoInterface{}))

	log := logrus.NewEntry(logrus.New())
	ln, err := ListenUnix(path, reg, WithLogger(log))
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := DialConn("unix:"+path, log)
	require.NoError(t, err)
	defer conn.Close()

	call, err := conn.Call("test.echo.Count", map[string]int{"n": 3}, CallFlags{More: true}, nil)
	require.NoError(t, err)

	var values []int
	for r := range call.Stream() {
		require.NoError(t, r.Err)
		var v struct {
			Value int `json:"value"`
		}
		require.NoError(t, json.Unmarshal(r.Parameters, &v))
		values = append(values, v.Value)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, values)
}

func TestEndToEndOnewayCallGetsNoReply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoInterface{}))

	log := logrus.NewEntry(logrus.New())
	ln, err := ListenUnix(path, reg, WithLogger(log))
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := DialConn("unix:"+path, log)
	require.NoError(t, err)
	defer conn.Close()

	call, err := conn.Call("test.echo.Notify", map[string]string{}, CallFlags{Oneway: true}, nil)
	require.NoError(t, err)

	select {
	case _, ok := <-call.Stream():
		assert.False(t, ok, "oneway call must close its channel with no results")
	case <-time.After(time.Second):
		t.Fatal("oneway call's channel never closed")
	}

	// The connection must still be usable afterward.
	ping, err := conn.Call("test.echo.Ping", map[string]string{"message": "still alive"}, CallFlags{}, nil)
	require.NoError(t, err)
	reply, _, err := ping.Wait()
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"still alive"}`, string(reply))
}

func TestEndToEndDescriptorPassing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoInterface{}))

	log := logrus.NewEntry(logrus.New())
	ln, err := ListenUnix(path, reg, WithLogger(log))
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := DialConn("unix:"+path, log)
	require.NoError(t, err)
	defer conn.Close()

	srcPath := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("descriptor payload"), 0o644))
	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	rights := newOutRights()
	rights.Append(src)

	call, err := conn.Call("test.echo.SendFile", map[string]string{}, CallFlags{}, rights)
	require.NoError(t, err)
	_, replyRights, err := call.Wait()
	require.NoError(t, err)
	require.Equal(t, 1, replyRights.Len())

	f, ok := replyRights.Take(0)
	require.True(t, ok)
	defer f.Close()

	data := make([]byte, len("descriptor payload"))
	n, _ := f.Read(data)
	assert.Equal(t, "descriptor payload", string(data[:n]))
}

func TestMethodWithDotlessNameIsProtocolViolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")

	reg := NewRegistry()
	log := logrus.NewEntry(logrus.New())
	ln, err := ListenUnix(path, reg, WithLogger(log))
	require.NoError(t, err)
	defer ln.Close()
	go ln.Serve()

	conn, err := DialConn("unix:"+path, log)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Call("NotQualified", nil, CallFlags{}, nil)
	require.NoError(t, err)

	select {
	case <-conn.t.readDone:
	case <-time.After(time.Second):
		t.Fatal("server did not close connection on malformed method name")
	}
}

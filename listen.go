package govarlink

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener accepts varlink connections on a Unix domain socket and
// drives each one against a shared Registry, the connection-accepting
// convenience layer the bare Transport/ServerConn types don't provide
// on their own.
type Listener struct {
	ln      *net.UnixListener
	reg     *Registry
	log     *logrus.Entry
	metrics *Metrics

	mu     sync.Mutex
	conns  map[*ServerConn]struct{}
	closed bool
}

// ListenOption configures a Listener at construction time.
type ListenOption func(*Listener)

// WithMetrics attaches a Metrics instance whose counters the Listener
// updates as connections are accepted and closed.
func WithMetrics(m *Metrics) ListenOption {
	return func(l *Listener) { l.metrics = m }
}

// WithLogger overrides the default standard-logger entry.
func WithLogger(log *logrus.Entry) ListenOption {
	return func(l *Listener) { l.log = log }
}

// ListenUnix binds a Unix domain socket at path, removing any stale
// socket file left behind by a previous, uncleanly terminated run, and
// returns a Listener bound to reg.
func ListenUnix(path string, reg *Registry, opts ...ListenOption) (*Listener, error) {
	os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("varlink: listen on %s: %w", path, err)
	}
	l := &Listener{
		ln:    ln,
		reg:   reg,
		log:   logrus.NewEntry(logrus.StandardLogger()),
		conns: make(map[*ServerConn]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Addr returns the bound socket path.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve blocks, accepting connections until Close is called. Each
// accepted connection gets its own ServerConn, driven by its own
// reader and writer goroutines; Serve itself never blocks per
// connection.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("varlink: accept: %w", err)
		}
		l.handle(conn)
	}
}

func (l *Listener) handle(conn *net.UnixConn) {
	l.metrics.connectionOpened()
	t := NewSocketTransport(conn, l.log)
	sc := NewServerConn(t, l.reg, l.log)
	sc.metrics = l.metrics

	l.mu.Lock()
	l.conns[sc] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-sc.t.readDone
		l.metrics.connectionClosed()
		l.mu.Lock()
		delete(l.conns, sc)
		l.mu.Unlock()
	}()
}

// Close stops accepting new connections and closes every connection
// currently being served.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]*ServerConn, 0, len(l.conns))
	for sc := range l.conns {
		conns = append(conns, sc)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, sc := range conns {
		sc.Close()
	}
	return err
}

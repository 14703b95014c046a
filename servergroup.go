package govarlink

import "golang.org/x/sync/errgroup"

// ServerGroup runs a set of Listeners together and reports the first
// failure any of them hits, the same supervision shape
// cmd/varlinkd uses when it one day grows a second listen address
// (e.g. a TCP debug endpoint alongside the Unix socket).
type ServerGroup struct {
	listeners []*Listener
}

// NewServerGroup builds a group over the given listeners.
func NewServerGroup(listeners ...*Listener) *ServerGroup {
	return &ServerGroup{listeners: listeners}
}

// Run serves every listener concurrently and blocks until all have
// returned. If any listener's Serve returns a non-nil error, Run closes
// the rest and returns that first error.
func (g *ServerGroup) Run() error {
	var eg errgroup.Group
	for _, ln := range g.listeners {
		ln := ln
		eg.Go(func() error {
			err := ln.Serve()
			if err != nil {
				// One listener failing tears down the rest so Wait
				// doesn't block forever on their still-running Accept
				// loops.
				g.Close()
			}
			return err
		})
	}
	err := eg.Wait()
	g.Close()
	return err
}

// Close closes every listener in the group.
func (g *ServerGroup) Close() {
	for _, ln := range g.listeners {
		ln.Close()
	}
}

package govarlink

import (
	"os"
	"sync"
)

// Rights is the descriptor array that travels alongside a single varlink
// message. It has single-owner semantics: the array owns every
// descriptor it holds until a specific index is Take-n by a consumer, at
// which point the array no longer closes it. Close closes whatever was
// never taken; nothing closes an array implicitly, so a received array
// stays open until its owner calls Close (directly or through
// RetainUntil).
//
// A Rights value is safe to pass to a goroutine distinct from the one
// that received it, but only one goroutine should ever call Take for a
// given index.
type Rights struct {
	mu    sync.Mutex
	files []*os.File
	taken []bool
	out   bool // true if this array is being built for an outgoing message
}

// newRights wraps descriptors received off the wire.
func newRights(files []*os.File) *Rights {
	if len(files) == 0 {
		return nil
	}
	return &Rights{
		files: files,
		taken: make([]bool, len(files)),
	}
}

// newOutRights creates an empty array for building an outgoing message.
func newOutRights() *Rights {
	return &Rights{out: true}
}

// Len returns the number of descriptors in the array, including any
// already taken.
func (r *Rights) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// Borrow returns the descriptor at index i without transferring
// ownership. The caller must not close it; the array will close it
// (unless later Taken) when the array itself is closed.
func (r *Rights) Borrow(i int) (*os.File, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.files) {
		return nil, false
	}
	return r.files[i], true
}

// Take transfers ownership of the descriptor at index i to the caller.
// The array will never close a taken descriptor. Taking the same index
// twice returns (nil, false) on the second call.
func (r *Rights) Take(i int) (*os.File, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.files) || r.taken[i] {
		return nil, false
	}
	r.taken[i] = true
	return r.files[i], true
}

// Append adds an owned descriptor to an outgoing array and returns its
// index, for use by schema converters writing a file-descriptor field.
func (r *Rights) Append(f *os.File) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taken = append(r.taken, false)
	r.files = append(r.files, f)
	return len(r.files) - 1
}

// rawFiles returns a copy of the descriptor slice for the transport's
// write path.
func (r *Rights) rawFiles() []*os.File {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*os.File(nil), r.files...)
}

// RetainUntil defers closing any not-yet-taken descriptor until done
// fires. Use this when a handler needs borrowed descriptors to outlive
// the call that delivered them, e.g. because it hands them to another
// goroutine.
func (r *Rights) RetainUntil(done <-chan struct{}) {
	if r == nil {
		return
	}
	go func() {
		<-done
		r.Close()
	}()
}

// Close closes every descriptor in the array that was never taken. Safe
// to call more than once; a descriptor is never closed twice.
func (r *Rights) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.files {
		if r.taken[i] {
			continue
		}
		r.taken[i] = true
		f.Close()
	}
}

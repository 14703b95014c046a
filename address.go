package govarlink

import (
	"fmt"
	"strings"
)

// Address is a parsed varlink connection address, e.g. "unix:/run/foo.sock"
// or "unix:@abstract-name" for Linux abstract sockets.
type Address struct {
	Scheme string
	Path   string
}

// ParseAddress parses a varlink address of the form "<scheme>:<path>".
// Anything after the first ";" is a reserved "properties" suffix and is
// discarded; escaped semicolons are not recognised.
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, fmt.Errorf("varlink: address %q is not in the form <scheme>:<path>", s)
	}
	path, _, _ := strings.Cut(rest, ";")
	if path == "" {
		return Address{}, fmt.Errorf("varlink: address %q has an empty path", s)
	}
	return Address{Scheme: scheme, Path: path}, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%s", a.Scheme, a.Path)
}

// abstract reports whether the path names a Linux abstract socket.
func (a Address) abstract() bool {
	return strings.HasPrefix(a.Path, "@")
}

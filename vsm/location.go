package vsm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultWorkdir is where named producers keep their segments.
const DefaultWorkdir = "/var/lib/varnish"

// LocationKind selects how a segment is found.
type LocationKind int

const (
	// LocationDefault uses the segment of the producer named after the host.
	LocationDefault LocationKind = iota
	// LocationActive attaches to a running producer by name.
	LocationActive
	// LocationStale attaches to a segment left behind by a producer, live or not.
	LocationStale
)

// Location describes which segment to attach to.
type Location struct {
	Kind LocationKind
	Arg  string
}

// Active locates the segment of a running producer. A bare name is looked up
// below DefaultWorkdir, anything containing a slash is used as a directory.
func Active(name string) Location {
	return Location{Kind: LocationActive, Arg: name}
}

// Stale locates a frozen segment directory (or its index file).
func Stale(path string) Location {
	return Location{Kind: LocationStale, Arg: path}
}

// Default locates the segment in the well-known system location.
func Default() Location {
	return Location{Kind: LocationDefault}
}

func (l Location) String() string {
	switch l.Kind {
	case LocationActive:
		return fmt.Sprintf("active(%s)", l.Arg)
	case LocationStale:
		return fmt.Sprintf("stale(%s)", l.Arg)
	default:
		return "default"
	}
}

func (l Location) resolve() (string, error) {
	switch l.Kind {
	case LocationActive:
		if l.Arg == "" {
			return "", fmt.Errorf("empty instance name")
		}
		if strings.ContainsRune(l.Arg, filepath.Separator) {
			return filepath.Clean(l.Arg), nil
		}
		return filepath.Join(DefaultWorkdir, l.Arg), nil
	case LocationStale:
		if l.Arg == "" {
			return "", fmt.Errorf("empty segment path")
		}
		p := filepath.Clean(l.Arg)
		if filepath.Base(p) == IndexFile {
			p = filepath.Dir(p)
		}
		return p, nil
	default:
		host, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("cannot determine default instance name: %v", err)
		}
		return filepath.Join(DefaultWorkdir, host), nil
	}
}

// Package vsc enumerates the counters a producer publishes in its segment.
package vsc

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/valyala/fastjson"

	"github.com/jnesss/vsm-recorder/vsm"
)

// Section chunk layout, little endian:
//
//	[8]byte class label, "Stat"
//	uint64  ready, zero while the producer is still filling the section
//	uint64  value area offset
//	uint64  value area size
//	uint64  descriptor document offset
//	uint64  descriptor document size
const (
	StatClass  = "Stat"
	HeaderSize = 48
)

// Sample is a point in time reading of one counter.
type Sample struct {
	Name       string
	Value      uint64
	Semantics  Semantics
	Descriptor *Descriptor
}

type filter struct {
	pattern string
	exclude bool
}

// Option configures a Catalog.
type Option func(*Catalog) error

// WithFilter restricts enumeration to counters whose qualified name matches
// the glob pattern. A leading ^ turns the pattern into an exclusion. Filters
// are tried in order and the first match decides; names matching no filter
// are excluded if any inclusion filter was given.
func WithFilter(pattern string) Option {
	return func(c *Catalog) error {
		f := filter{pattern: pattern}
		if strings.HasPrefix(pattern, "^") {
			f.exclude = true
			f.pattern = pattern[1:]
		}
		if _, err := path.Match(f.pattern, ""); err != nil {
			return fmt.Errorf("bad counter filter %q: %w", pattern, err)
		}
		if !f.exclude {
			c.includes++
		}
		c.filters = append(c.filters, f)
		return nil
	}
}

// Catalog walks the counter sections of a segment.
type Catalog struct {
	seg      *vsm.Segment
	filters  []filter
	includes int
	parser   fastjson.Parser
}

// New builds a catalog over seg.
func New(seg *vsm.Segment, opts ...Option) (*Catalog, error) {
	c := &Catalog{seg: seg}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Enumerate is a shorthand for an unfiltered Catalog.Enumerate.
func Enumerate(seg *vsm.Segment, visit func(Sample) bool) error {
	c, err := New(seg)
	if err != nil {
		return err
	}
	return c.Enumerate(visit)
}

// Enumerate calls visit once per counter currently published, stopping
// early when visit returns false. Every call re-reads the whole table.
// A Catalog must not be used by several goroutines at once.
func (c *Catalog) Enumerate(visit func(Sample) bool) error {
	unpin, err := c.seg.Pin()
	if err != nil {
		return err
	}
	defer unpin()

	chunks, err := c.seg.Chunks(StatClass)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, chunk := range chunks {
		samples, err := c.section(chunk)
		if err != nil {
			return err
		}
		for _, s := range samples {
			if _, dup := seen[s.Name]; dup {
				return vsm.Integrity(chunk.File, "counter %s published twice", s.Name)
			}
			seen[s.Name] = struct{}{}
			if !c.selected(s.Name) {
				continue
			}
			if !visit(s) {
				return nil
			}
		}
	}
	return nil
}

func (c *Catalog) section(chunk vsm.Chunk) ([]Sample, error) {
	mem, err := c.seg.Map(chunk)
	if err != nil {
		return nil, err
	}
	where := chunk.File
	if len(mem) < HeaderSize {
		return nil, vsm.Integrity(where, "section of %d bytes shorter than its header", len(mem))
	}
	if label := strings.TrimRight(string(mem[:8]), "\x00"); label != StatClass {
		return nil, vsm.Integrity(where, "section class %q, want %q", label, StatClass)
	}
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(mem[off:]) }
	if u64(8) == 0 {
		return nil, nil
	}
	valOff, valSize, err := area(mem, u64(16), u64(24))
	if err != nil {
		return nil, vsm.Integrity(where, "value area: %v", err)
	}
	docOff, docSize, err := area(mem, u64(32), u64(40))
	if err != nil {
		return nil, vsm.Integrity(where, "descriptor document: %v", err)
	}

	typ, ident := splitIdent(chunk.Ident)
	descs, err := parseDoc(&c.parser, where, typ, ident, mem[docOff:docOff+docSize], valSize)
	if err != nil {
		return nil, err
	}
	values := mem[valOff : valOff+valSize]
	samples := make([]Sample, 0, len(descs))
	for _, d := range descs {
		samples = append(samples, Sample{
			Name:       d.QualifiedName(),
			Value:      binary.LittleEndian.Uint64(values[d.Offset:]),
			Semantics:  d.Semantics,
			Descriptor: d,
		})
	}
	return samples, nil
}

// area checks that [off, off+size) lies inside mem past the header.
func area(mem []byte, off, size uint64) (int, int, error) {
	n := uint64(len(mem))
	if off < HeaderSize || off > n || size > n-off {
		return 0, 0, fmt.Errorf("[%d,+%d) outside %d byte section", off, size, n)
	}
	return int(off), int(size), nil
}

func (c *Catalog) selected(name string) bool {
	for _, f := range c.filters {
		if ok, _ := path.Match(f.pattern, name); ok {
			return !f.exclude
		}
	}
	return c.includes == 0
}

// Package vsmtest writes segment directories the way a producer does, so
// that readers can be exercised against real mapped files in tests.
package vsmtest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jnesss/vsm-recorder/vsm"
)

// Producer owns a segment directory and its index.
type Producer struct {
	t       testing.TB
	Dir     string
	pid     int
	started int64
	lines   []string
	nchunks int
}

// New creates a segment in dir owned by the calling process.
func New(t testing.TB, dir string) *Producer {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create segment directory: %v", err)
	}
	p := &Producer{t: t, Dir: dir, pid: os.Getpid(), started: time.Now().Unix()}
	p.writeIndex()
	return p
}

// NewStale creates a segment whose producer is gone.
func NewStale(t testing.TB, dir string) *Producer {
	t.Helper()
	p := New(t, dir)
	p.pid = 0
	p.writeIndex()
	return p
}

func (p *Producer) writeIndex() {
	p.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "# %d %d\n", p.pid, p.started)
	for _, l := range p.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	tmp := filepath.Join(p.Dir, vsm.IndexFile+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		p.t.Fatalf("failed to write index: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(p.Dir, vsm.IndexFile)); err != nil {
		p.t.Fatalf("failed to publish index: %v", err)
	}
}

// publish creates a chunk file of size bytes and lists it in the index.
func (p *Producer) publish(prefix, class, ident string, size int) (*os.File, vsm.Chunk) {
	p.t.Helper()
	name := fmt.Sprintf("%s.%d", prefix, p.nchunks)
	p.nchunks++
	f, err := os.OpenFile(filepath.Join(p.Dir, name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		p.t.Fatalf("failed to create chunk: %v", err)
	}
	p.t.Cleanup(func() { f.Close() })
	if err := f.Truncate(int64(size)); err != nil {
		p.t.Fatalf("failed to size chunk: %v", err)
	}
	c := vsm.Chunk{File: name, Offset: 0, Len: int64(size), Class: class, Ident: ident}
	return f, c
}

func (p *Producer) list(c vsm.Chunk) {
	p.lines = append(p.lines, fmt.Sprintf("+ %s %d %d %s %s", c.File, c.Offset, c.Len, c.Class, c.Ident))
	p.writeIndex()
}

// Retire withdraws a chunk from the index.
func (p *Producer) Retire(c vsm.Chunk) {
	p.t.Helper()
	p.lines = append(p.lines, fmt.Sprintf("- %s %d %d %s %s", c.File, c.Offset, c.Len, c.Class, c.Ident))
	p.writeIndex()
}

// Abandon hands the segment over as if the producer had exited.
func (p *Producer) Abandon() {
	p.t.Helper()
	p.pid = 0
	p.started = 0
	p.writeIndex()
}

// AddRawIndexLine appends an arbitrary index line.
func (p *Producer) AddRawIndexLine(line string) {
	p.t.Helper()
	p.lines = append(p.lines, line)
	p.writeIndex()
}

func (p *Producer) writeAt(f *os.File, b []byte, off int64) {
	p.t.Helper()
	if _, err := f.WriteAt(b, off); err != nil {
		p.t.Fatalf("failed to write chunk %s: %v", f.Name(), err)
	}
}

func (p *Producer) putU32(f *os.File, off int64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.writeAt(f, b[:], off)
}

func (p *Producer) putU64(f *os.File, off int64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.writeAt(f, b[:], off)
}

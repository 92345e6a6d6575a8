package vsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// ErrInUse is returned by Close while cursors or catalog passes still hold
// the segment.
var ErrInUse = errors.New("vsm: segment still in use")

type stamp struct {
	mod  time.Time
	size int64
}

// Segment is an attached shared-memory segment. The mapped memory is
// read-only and owned by the producer; a Segment only borrows it.
type Segment struct {
	mu        sync.Mutex
	loc       Location
	dir       string
	open      bool
	abandoned bool
	lastErr   string
	pins      int
	ix        *index
	stamp     stamp
	maps      map[string]*mapping
}

// Open attaches to the segment at loc. On failure the segment's error text is
// carried in the returned *OpenError and then reset, so the caller may retry
// with a different location.
func Open(loc Location) (*Segment, error) {
	s := &Segment{loc: loc, maps: make(map[string]*mapping)}
	if err := s.attach(); err != nil {
		s.setError(err)
		msg := s.Error()
		s.ResetError()
		s.release()
		return nil, &OpenError{Location: loc, Msg: msg}
	}
	runtime.SetFinalizer(s, func(s *Segment) { s.release() })
	return s, nil
}

func (s *Segment) attach() error {
	dir, err := s.loc.resolve()
	if err != nil {
		return err
	}
	ix, st, err := readIndex(dir)
	if err != nil {
		return err
	}
	alive := processAlive(ix.pid)
	if s.loc.Kind != LocationStale && !alive {
		return fmt.Errorf("abandoned segment in %s (producer %d not running)", dir, ix.pid)
	}

	s.dir, s.ix, s.stamp = dir, ix, st
	s.abandoned = !alive
	for _, c := range ix.chunks {
		if _, err := s.mapLocked(c); err != nil {
			return err
		}
	}
	s.open = true
	return nil
}

func readIndex(dir string) (*index, stamp, error) {
	path := filepath.Join(dir, IndexFile)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, stamp{}, fmt.Errorf("cannot open segment: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stamp{}, fmt.Errorf("cannot read segment index: %v", err)
	}
	ix, err := parseIndex(data)
	if err != nil {
		return nil, stamp{}, fmt.Errorf("corrupt segment index: %v", err)
	}
	return ix, stamp{mod: fi.ModTime(), size: fi.Size()}, nil
}

// Name returns the resolved directory of the attached segment.
func (s *Segment) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// IsOpen reports whether the segment is attached.
func (s *Segment) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// IsAbandoned reports whether the producer has released the segment. Once
// abandoned, a segment stays abandoned.
func (s *Segment) IsAbandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.refreshLocked()
	}
	return s.abandoned
}

// Error returns the last recorded error text, or "" when there is none.
func (s *Segment) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ResetError clears the recorded error text.
func (s *Segment) ResetError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
}

func (s *Segment) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
}

// refreshLocked re-reads the index when it changed on disk.
func (s *Segment) refreshLocked() {
	if s.abandoned {
		return
	}
	fi, err := os.Stat(filepath.Join(s.dir, IndexFile))
	if err != nil {
		s.lastErr = err.Error()
		s.abandoned = true
		return
	}
	if st := (stamp{mod: fi.ModTime(), size: fi.Size()}); st != s.stamp {
		ix, st, err := readIndex(s.dir)
		if err != nil {
			s.lastErr = err.Error()
			s.abandoned = true
			return
		}
		if !ix.sameOwner(s.ix) {
			s.abandoned = true
			return
		}
		s.ix, s.stamp = ix, st
	}
	if !processAlive(s.ix.pid) {
		s.abandoned = true
	}
}

// Chunks returns the currently published chunks of the given class.
func (s *Segment) Chunks(class string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrClosed
	}
	s.refreshLocked()
	var out []Chunk
	for _, c := range s.ix.chunks {
		if c.Class == class {
			out = append(out, c)
		}
	}
	return out, nil
}

// ChunkValid reports whether c is still published by a live producer.
func (s *Segment) ChunkValid(c Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	s.refreshLocked()
	return !s.abandoned && s.ix.contains(c)
}

// Map returns the mapped bytes of c. The slice aliases producer memory and
// is only safe to read while the segment is pinned.
func (s *Segment) Map(c Chunk) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrClosed
	}
	return s.mapLocked(c)
}

func (s *Segment) mapLocked(c Chunk) ([]byte, error) {
	m, ok := s.maps[c.File]
	if !ok {
		var err error
		m, err = mapFile(filepath.Join(s.dir, c.File))
		if err != nil {
			return nil, fmt.Errorf("cannot map chunk %s: %v", c.File, err)
		}
		s.maps[c.File] = m
	}
	end := c.Offset + c.Len
	if end > int64(len(m.data)) {
		return nil, Integrity(c.File, "chunk %s/%s [%d,%d) beyond file size %d",
			c.Class, c.Ident, c.Offset, end, len(m.data))
	}
	return m.data[c.Offset:end:end], nil
}

// Pin marks the segment as in use by a derived view. The returned function
// drops the pin and must be called exactly once.
func (s *Segment) Pin() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrClosed
	}
	s.pins++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.pins--
			s.mu.Unlock()
		})
	}, nil
}

// Close detaches from the segment. It fails with ErrInUse while pinned.
// Closing an already closed segment is a no-op.
func (s *Segment) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	if s.pins > 0 {
		s.mu.Unlock()
		return ErrInUse
	}
	s.open = false
	s.mu.Unlock()

	runtime.SetFinalizer(s, nil)
	return s.release()
}

func (s *Segment) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, m := range s.maps {
		if err := m.close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap %s: %v", name, err))
		}
		delete(s.maps, name)
	}
	s.open = false
	return errors.Join(errs...)
}

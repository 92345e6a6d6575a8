package vsl

import (
	"encoding/binary"
	"fmt"

	"github.com/jnesss/vsm-recorder/vsm"
)

// CursorOption configures a Cursor.
type CursorOption func(*cursorConfig)

type cursorConfig struct {
	tail bool
	tags *TagTable
}

// WithTail starts the cursor at the end of the log so that only records
// written afterwards are returned. This is the default.
func WithTail() CursorOption {
	return func(c *cursorConfig) { c.tail = true }
}

// WithHead starts the cursor at the oldest data the producer has not yet
// begun to overwrite.
func WithHead() CursorOption {
	return func(c *cursorConfig) { c.tail = false }
}

// WithTags resolves tag ids through t instead of the default table.
func WithTags(t *TagTable) CursorOption {
	return func(c *cursorConfig) { c.tags = t }
}

// Cursor decodes records from a segment's log chunk. It only moves forward
// and never blocks.
type Cursor struct {
	seg    *vsm.Segment
	unpin  func()
	chunk  vsm.Chunk
	mem    []byte
	words  int
	ptr    int
	wraps  uint64
	tags   *TagTable
	scope  Scope
	buf    []byte
	closed bool
}

// NewCursor binds a cursor to the newest log chunk of seg. The segment stays
// pinned until the cursor is closed.
func NewCursor(seg *vsm.Segment, opts ...CursorOption) (*Cursor, error) {
	cfg := cursorConfig{tail: true, tags: Tags}
	for _, o := range opts {
		o(&cfg)
	}

	chunks, err := seg.Chunks(LogClass)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("vsl: no log chunk in segment %s", seg.Name())
	}
	chunk := chunks[len(chunks)-1]

	unpin, err := seg.Pin()
	if err != nil {
		return nil, err
	}
	mem, err := seg.Map(chunk)
	if err != nil {
		unpin()
		return nil, err
	}

	c := &Cursor{seg: seg, unpin: unpin, chunk: chunk, mem: mem, tags: cfg.tags}
	if err := c.validate(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.reset(cfg.tail); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cursor) validate() error {
	if len(c.mem) < HeaderSize+4*Segments {
		return vsm.Integrity(c.chunk.File, "log chunk of %d bytes too small", len(c.mem))
	}
	var magic [16]byte
	copy(magic[:], Magic)
	if string(c.mem[:16]) != string(magic[:]) {
		return vsm.Integrity(c.chunk.File, "bad log magic %q", c.mem[:16])
	}
	c.words = (len(c.mem) - HeaderSize) / 4
	return nil
}

func (c *Cursor) reset(tail bool) error {
	segN := int64(c.segmentN())
	start := segN
	if !tail {
		start = segN - (Segments - 3)
		if start < 0 {
			start = 0
		}
	}
	off := c.offset(int(start % Segments))
	if off < 0 {
		off = 0
	}
	if off >= int64(c.words) {
		return vsm.Integrity(c.chunk.File, "segment offset %d beyond log of %d words", off, c.words)
	}
	c.ptr = int(off)
	c.wraps = uint64(start / Segments)
	if !tail {
		return nil
	}
	for {
		_, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Next decodes the record at the cursor and moves past it. ok is false when
// no more data is available right now; that is not the end of the log.
// ErrAbandoned and ErrOverrun are terminal. The returned record is only
// valid until the next call.
func (c *Cursor) Next() (Record, bool, error) {
	if c.closed {
		return Record{}, false, ErrCursorClosed
	}
	c.scope.Advance()
	for {
		if err := c.check(); err != nil {
			return Record{}, false, err
		}
		w := c.word(c.ptr)
		switch w {
		case WrapMarker:
			c.ptr = 0
			c.wraps++
			continue
		case EndMarker, 0:
			if !c.seg.ChunkValid(c.chunk) {
				return Record{}, false, ErrAbandoned
			}
			return Record{}, false, nil
		}

		rec, n, err := c.decode(w)
		if err != nil {
			return Record{}, false, err
		}
		// the producer may have lapped us while the payload was copied
		if err := c.check(); err != nil {
			return Record{}, false, err
		}
		c.ptr += n
		return rec, true, nil
	}
}

func (c *Cursor) decode(w uint32) (Record, int, error) {
	tag := Tag(w >> 24)
	n := int(w & MaxPayload)
	total := RecordWords(n)
	if c.ptr+total >= c.words {
		return Record{}, 0, vsm.Integrity(c.chunk.File, "record at word %d of %d words overruns the log", c.ptr, total)
	}
	name, err := c.tags.Name(tag)
	if err != nil {
		return Record{}, 0, err
	}
	if n == 0 {
		return Record{}, 0, vsm.Integrity(c.chunk.File, "%s record at word %d has no terminator", name, c.ptr)
	}
	start := HeaderSize + 4*(c.ptr+RecordOverhead)
	raw := c.mem[start : start+n]
	if raw[n-1] != 0 {
		return Record{}, 0, vsm.Integrity(c.chunk.File, "%s record at word %d is not NUL terminated", name, c.ptr)
	}
	c.buf = append(c.buf[:0], raw[:n-1]...)
	return c.scope.Record(tag, name, c.word(c.ptr+1), c.buf), total, nil
}

// check fails once the producer is close enough behind to overwrite the
// segment the cursor is reading.
func (c *Cursor) check() error {
	if c.ptr < 0 || c.ptr >= c.words {
		return vsm.Integrity(c.chunk.File, "cursor at word %d outside log of %d words", c.ptr, c.words)
	}
	priv := c.wraps*Segments + uint64(SegmentOf(c.ptr, c.words))
	if int64(c.segmentN())-int64(priv) >= Segments-2 {
		return ErrOverrun
	}
	return nil
}

func (c *Cursor) word(i int) uint32 {
	return binary.LittleEndian.Uint32(c.mem[HeaderSize+4*i:])
}

func (c *Cursor) segmentN() uint32 {
	return binary.LittleEndian.Uint32(c.mem[segmentNOffset:])
}

func (c *Cursor) offset(k int) int64 {
	return int64(binary.LittleEndian.Uint64(c.mem[offsetsOffset+8*k:]))
}

// Close invalidates outstanding records and releases the segment.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.scope.Close()
	c.mem = nil
	c.unpin()
}

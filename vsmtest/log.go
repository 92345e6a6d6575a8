package vsmtest

import (
	"os"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vsm"
)

// Log appends records to a log chunk the way the producer does: payload
// first, then a fresh end marker, then the header that publishes the record.
type Log struct {
	p     *Producer
	f     *os.File
	Chunk vsm.Chunk
	words int
	ptr   int
	wraps uint64
	segN  uint64
}

// AddLog publishes a log chunk holding the given number of words.
func (p *Producer) AddLog(words int) *Log {
	p.t.Helper()
	if words < vsl.Segments*4 {
		p.t.Fatalf("log of %d words too small", words)
	}
	f, c := p.publish("vsl", vsl.LogClass, "log", vsl.HeaderSize+4*words)
	l := &Log{p: p, f: f, Chunk: c, words: words}

	var magic [16]byte
	copy(magic[:], vsl.Magic)
	p.writeAt(f, magic[:], 0)
	for k := 0; k < vsl.Segments; k++ {
		off := int64(-1)
		if k == 0 {
			off = 0
		}
		p.putU64(f, int64(16+8*k), uint64(off))
	}
	l.putWord(0, vsl.EndMarker)
	p.list(c)
	return l
}

// Write appends a well formed record.
func (l *Log) Write(tag vsl.Tag, vxid uint32, payload string) {
	l.p.t.Helper()
	l.WriteRaw(uint32(tag)<<24|uint32(len(payload)+1), vxid, append([]byte(payload), 0))
}

// WriteClient appends a record of a client side transaction.
func (l *Log) WriteClient(tag vsl.Tag, vxid uint32, payload string) {
	l.Write(tag, vxid|vsl.ClientMarker, payload)
}

// WriteBackend appends a record of a backend transaction.
func (l *Log) WriteBackend(tag vsl.Tag, vxid uint32, payload string) {
	l.Write(tag, vxid|vsl.BackendMarker, payload)
}

// WriteRaw appends a record with the given header and id words. The length
// in the header is not checked against data.
func (l *Log) WriteRaw(header, id uint32, data []byte) {
	l.p.t.Helper()
	n := vsl.RecordWords(len(data))
	if n+1 > l.words {
		l.p.t.Fatalf("record of %d words does not fit log", n)
	}
	if l.ptr+n+1 > l.words {
		l.putWord(0, vsl.EndMarker)
		l.putWord(l.ptr, vsl.WrapMarker)
		l.ptr = 0
		l.wraps++
		l.enter(0)
	}
	l.enter(l.ptr + n)

	buf := make([]byte, 4*(n-vsl.RecordOverhead))
	copy(buf, data)
	l.p.writeAt(l.f, buf, l.wordOffset(l.ptr+vsl.RecordOverhead))
	l.putWord(l.ptr+1, id)
	l.putWord(l.ptr+n, vsl.EndMarker)
	l.putWord(l.ptr, header)
	l.ptr += n
}

// enter moves the current segment number up to the segment holding word
// next, recording next as the start of every segment entered.
func (l *Log) enter(next int) {
	target := l.wraps*vsl.Segments + uint64(vsl.SegmentOf(next, l.words))
	if target <= l.segN {
		return
	}
	for k := l.segN + 1; k <= target; k++ {
		l.p.putU64(l.f, int64(16+8*(k%vsl.Segments)), uint64(next))
	}
	l.segN = target
	l.p.putU32(l.f, 16+8*vsl.Segments, uint32(l.segN))
}

// SegmentN returns the number of the segment being written.
func (l *Log) SegmentN() uint64 { return l.segN }

func (l *Log) putWord(i int, v uint32) {
	l.p.putU32(l.f, l.wordOffset(i), v)
}

func (l *Log) wordOffset(i int) int64 {
	return int64(vsl.HeaderSize + 4*i)
}

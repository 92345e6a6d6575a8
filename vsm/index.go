package vsm

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// IndexFile is the name of the chunk index inside a segment directory.
const IndexFile = "_.index"

// Chunk is one published region of the segment.
type Chunk struct {
	File   string
	Offset int64
	Len    int64
	Class  string
	Ident  string
}

type index struct {
	pid     int
	started int64
	chunks  []Chunk
}

func (ix *index) sameOwner(o *index) bool {
	return ix.pid == o.pid && ix.started == o.started
}

// parseIndex reads the index format:
//
//	# <pid> <started>
//	+ <file> <offset> <len> <class> <ident>
//	- <file> <offset> <len> <class> <ident>
func parseIndex(data []byte) (*index, error) {
	ix := &index{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "#":
			if line != 1 || len(fields) != 3 {
				return nil, fmt.Errorf("index line %d: malformed header", line)
			}
			pid, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("index line %d: bad pid: %v", line, err)
			}
			started, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("index line %d: bad start time: %v", line, err)
			}
			ix.pid, ix.started = pid, started
		case "+", "-":
			if line == 1 {
				return nil, fmt.Errorf("index line 1: missing header")
			}
			c, err := parseChunk(fields)
			if err != nil {
				return nil, fmt.Errorf("index line %d: %v", line, err)
			}
			if fields[0] == "+" {
				ix.chunks = append(ix.chunks, c)
			} else {
				ix.retire(c)
			}
		default:
			return nil, fmt.Errorf("index line %d: unknown entry %q", line, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if line == 0 {
		return nil, fmt.Errorf("empty index")
	}
	return ix, nil
}

func parseChunk(fields []string) (Chunk, error) {
	if len(fields) != 6 {
		return Chunk{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	off, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || off < 0 {
		return Chunk{}, fmt.Errorf("bad offset %q", fields[2])
	}
	n, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || n <= 0 {
		return Chunk{}, fmt.Errorf("bad length %q", fields[3])
	}
	if strings.ContainsRune(fields[1], '/') {
		return Chunk{}, fmt.Errorf("chunk file %q outside segment", fields[1])
	}
	return Chunk{File: fields[1], Offset: off, Len: n, Class: fields[4], Ident: fields[5]}, nil
}

func (ix *index) retire(c Chunk) {
	for i, have := range ix.chunks {
		if have.File == c.File && have.Offset == c.Offset {
			ix.chunks = append(ix.chunks[:i], ix.chunks[i+1:]...)
			return
		}
	}
}

func (ix *index) contains(c Chunk) bool {
	for _, have := range ix.chunks {
		if have == c {
			return true
		}
	}
	return false
}

// Package vslq groups log records into transactions and dispatches them in
// batches from a polling loop.
package vslq

import (
	"github.com/jnesss/vsm-recorder/vsl"
)

// Type is the kind of a transaction.
type Type int

const (
	TypeUnknown Type = iota
	TypeSession
	TypeRequest
	TypeBackendRequest
	TypeRaw
)

var typeNames = [...]string{"unknown", "sess", "req", "bereq", "raw"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return typeNames[TypeUnknown]
	}
	return typeNames[t]
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func typeOf(word string) Type {
	for i, n := range typeNames[:TypeRaw] {
		if n == word {
			return Type(i)
		}
	}
	return TypeUnknown
}

// Reason tells why a transaction was started.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonHTTP1
	ReasonRxReq
	ReasonESI
	ReasonRestart
	ReasonPass
	ReasonFetch
	ReasonBgFetch
	ReasonPipe
)

var reasonNames = [...]string{"unknown", "HTTP/1", "rxreq", "esi", "restart", "pass", "fetch", "bgfetch", "pipe"}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return reasonNames[ReasonUnknown]
	}
	return reasonNames[r]
}

// MarshalText encodes the reason by name.
func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func reasonOf(word string) Reason {
	for i, n := range reasonNames {
		if n == word {
			return Reason(i)
		}
	}
	return ReasonUnknown
}

type record struct {
	tag        vsl.Tag
	name       string
	id         uint32
	start, end int
}

// Transaction is a group of records sharing a vxid. Its records are read
// once, in order, through Next, and only while the batch callback that
// received the transaction runs.
type Transaction struct {
	Level      int
	VXID       uint32
	Parent     uint32
	Type       Type
	Reason     Reason
	Incomplete bool

	scope *vsl.Scope
	gen   uint64
	buf   []byte
	recs  []record
	pos   int
}

// Root reports whether the transaction has no parent.
func (t *Transaction) Root() bool { return t.Parent == 0 }

// Len returns the number of records in the transaction.
func (t *Transaction) Len() int { return len(t.recs) }

// Next returns the next record. ok is false once all records were returned.
// After the batch callback returns, Next fails with vsl.ErrStale.
func (t *Transaction) Next() (vsl.Record, bool, error) {
	if !t.scope.Live(t.gen) {
		return vsl.Record{}, false, vsl.ErrStale
	}
	if t.pos >= len(t.recs) {
		return vsl.Record{}, false, nil
	}
	r := t.recs[t.pos]
	t.pos++
	return t.scope.Record(r.tag, r.name, r.id, t.buf[r.start:r.end:r.end]), true, nil
}

func (t *Transaction) append(rec vsl.Record) error {
	start := len(t.buf)
	buf, err := rec.AppendPayload(t.buf)
	if err != nil {
		return err
	}
	t.buf = buf
	t.recs = append(t.recs, record{
		tag:   rec.Tag(),
		name:  rec.TagName(),
		id:    rec.ID(),
		start: start,
		end:   len(buf),
	})
	return nil
}

// Snapshot copies the transaction, all of its records included, into a
// value that outlives the batch callback. It does not move the iterator.
func (t *Transaction) Snapshot() (Snapshot, error) {
	if !t.scope.Live(t.gen) {
		return Snapshot{}, vsl.ErrStale
	}
	s := Snapshot{
		Level:      t.Level,
		VXID:       t.VXID,
		Parent:     t.Parent,
		Type:       t.Type,
		Reason:     t.Reason,
		Incomplete: t.Incomplete,
		Records:    make([]vsl.Entry, 0, len(t.recs)),
	}
	for _, r := range t.recs {
		s.Records = append(s.Records, vsl.Entry{
			Tag:     r.tag,
			TagName: r.name,
			VXID:    r.id & vsl.IdentMask,
			Client:  r.id&vsl.ClientMarker != 0,
			Backend: r.id&vsl.BackendMarker != 0,
			Payload: string(t.buf[r.start:r.end]),
		})
	}
	return s, nil
}

// Snapshot is an owned copy of a transaction.
type Snapshot struct {
	Level      int         `json:"level"`
	VXID       uint32      `json:"vxid"`
	Parent     uint32      `json:"parent"`
	Type       Type        `json:"type"`
	Reason     Reason      `json:"reason"`
	Incomplete bool        `json:"incomplete,omitempty"`
	Records    []vsl.Entry `json:"records"`
}

// Root reports whether the transaction has no parent.
func (s *Snapshot) Root() bool { return s.Parent == 0 }

// First returns the payload of the first record with the given tag name.
func (s *Snapshot) First(tagName string) (string, bool) {
	for _, e := range s.Records {
		if e.TagName == tagName {
			return e.Payload, true
		}
	}
	return "", false
}

// All returns the payloads of every record with the given tag name.
func (s *Snapshot) All(tagName string) []string {
	var out []string
	for _, e := range s.Records {
		if e.TagName == tagName {
			out = append(out, e.Payload)
		}
	}
	return out
}

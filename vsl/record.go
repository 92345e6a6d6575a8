package vsl

import "errors"

var (
	// ErrStale is returned when a record is read after its source advanced.
	ErrStale = errors.New("vsl: record no longer valid")
	// ErrAbandoned reports that the producer released the log.
	ErrAbandoned = errors.New("vsl: log abandoned by producer")
	// ErrOverrun reports that the producer overwrote data the reader had not
	// consumed yet.
	ErrOverrun = errors.New("vsl: log overrun")
	// ErrCursorClosed is returned by a closed cursor.
	ErrCursorClosed = errors.New("vsl: cursor closed")
)

// Record is a borrowed view of one log record.
type Record struct {
	scope *Scope
	gen   uint64
	tag   Tag
	name  string
	id    uint32
	data  []byte
}

// Tag returns the record's tag id.
func (r Record) Tag() Tag { return r.tag }

// TagName returns the tag's name from the static tag table.
func (r Record) TagName() string { return r.name }

// VXID returns the transaction id without markers.
func (r Record) VXID() uint32 { return r.id & IdentMask }

// ID returns the raw id word, markers included.
func (r Record) ID() uint32 { return r.id }

// Client reports whether the record belongs to a client side transaction.
func (r Record) Client() bool { return r.id&ClientMarker != 0 }

// Backend reports whether the record belongs to a backend transaction.
func (r Record) Backend() bool { return r.id&BackendMarker != 0 }

// Valid reports whether the record may still be read.
func (r Record) Valid() bool { return r.scope.valid(r.gen) }

// Payload returns a copy of the record's payload.
func (r Record) Payload() (string, error) {
	if !r.Valid() {
		return "", ErrStale
	}
	return string(r.data), nil
}

// AppendPayload appends the payload to dst.
func (r Record) AppendPayload(dst []byte) ([]byte, error) {
	if !r.Valid() {
		return dst, ErrStale
	}
	return append(dst, r.data...), nil
}

// Detach copies the record into an Entry that outlives its source.
func (r Record) Detach() (Entry, error) {
	p, err := r.Payload()
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Tag:     r.tag,
		TagName: r.name,
		VXID:    r.VXID(),
		Client:  r.Client(),
		Backend: r.Backend(),
		Payload: p,
	}, nil
}

// Entry is an owned copy of a record.
type Entry struct {
	Tag     Tag    `json:"tag"`
	TagName string `json:"tag_name"`
	VXID    uint32 `json:"vxid"`
	Client  bool   `json:"client,omitempty"`
	Backend bool   `json:"backend,omitempty"`
	Payload string `json:"payload"`
}

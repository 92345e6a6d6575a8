package vslq

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vsm"
)

// Grouping selects how records are assembled into transactions.
type Grouping int

const (
	// GroupRaw delivers every record as its own transaction.
	GroupRaw Grouping = 0
	// GroupRequest collects records by vxid and delivers a request together
	// with the child transactions that began while it was pending.
	GroupRequest Grouping = 1
)

func (g Grouping) String() string {
	switch g {
	case GroupRaw:
		return "raw"
	case GroupRequest:
		return "request"
	default:
		return fmt.Sprintf("grouping(%d)", int(g))
	}
}

// passLimit bounds the records consumed by one pass so that a busy producer
// cannot keep a pass running forever.
const passLimit = 4096

// BatchFunc receives a batch of transactions, root first. Returning false
// stops dispatching.
type BatchFunc func([]*Transaction) bool

// Source yields log records. *vsl.Cursor is the usual implementation.
type Source interface {
	Next() (vsl.Record, bool, error)
	Close()
}

type building struct {
	tx       *Transaction
	root     *building
	children []*building
	begun    bool
	done     bool
	flushed  bool
	started  time.Time
}

// query is the dispatch context: it owns the transactions under
// construction and the batches ready for delivery.
type query struct {
	grouping Grouping
	scope    *vsl.Scope
	pending  *simplelru.LRU
	evicted  []*building
	ready    [][]*Transaction
	timeout  time.Duration
	now      func() time.Time
	closing  bool
}

func newQuery(grouping Grouping, scope *vsl.Scope, maxPending int, timeout time.Duration, now func() time.Time) (*query, error) {
	if grouping != GroupRaw && grouping != GroupRequest {
		return nil, fmt.Errorf("unsupported grouping level %d", int(grouping))
	}
	q := &query{grouping: grouping, scope: scope, timeout: timeout, now: now}
	pending, err := simplelru.NewLRU(maxPending, q.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending store: %v", err)
	}
	q.pending = pending
	return q, nil
}

func (q *query) onEvict(_, value interface{}) {
	b := value.(*building)
	if q.closing || b.flushed {
		return
	}
	q.evicted = append(q.evicted, b)
}

// dispatch consumes what src has right now and hands completed batches to
// fn in the order they completed.
func (q *query) dispatch(src Source, fn BatchFunc) (Status, error) {
	status := NoData
	for n := 0; n < passLimit; n++ {
		rec, ok, err := src.Next()
		if err != nil {
			return classify(err)
		}
		if !ok {
			break
		}
		status = Progress
		if err := q.add(rec); err != nil {
			return Failed, err
		}
		if !q.deliver(fn) {
			return Stopped, nil
		}
	}
	q.expire()
	if !q.deliver(fn) {
		return Stopped, nil
	}
	return status, nil
}

func (q *query) add(rec vsl.Record) error {
	vxid := rec.VXID()
	if q.grouping == GroupRaw || vxid == 0 {
		tx := &Transaction{VXID: vxid, Type: TypeRaw, scope: q.scope}
		if err := tx.append(rec); err != nil {
			return err
		}
		q.ready = append(q.ready, []*Transaction{tx})
		return nil
	}

	b := q.lookup(vxid)
	q.drainEvicted()

	switch rec.TagName() {
	case "Begin":
		if b.begun {
			break
		}
		payload, err := rec.Payload()
		if err != nil {
			return err
		}
		typ, parent, reason, err := parseBegin(payload)
		if err != nil {
			return vsm.Integrity(fmt.Sprintf("vxid %d", vxid), "%v", err)
		}
		b.begun = true
		b.tx.Type, b.tx.Parent, b.tx.Reason = typ, parent, reason
		q.attach(b)
	}

	if err := b.tx.append(rec); err != nil {
		return err
	}
	if rec.TagName() == "End" {
		b.done = true
		if root := b.root; root.complete() {
			q.finish(root, false)
		}
	}
	return nil
}

func (q *query) lookup(vxid uint32) *building {
	if v, ok := q.pending.Get(vxid); ok {
		return v.(*building)
	}
	b := &building{
		tx:      &Transaction{VXID: vxid, Level: 1, scope: q.scope},
		started: q.now(),
	}
	b.root = b
	q.pending.Add(vxid, b)
	return b
}

// attach files b under its parent's group when the parent is still pending.
// A parent that was already delivered, or never seen, leaves b a group of
// its own.
func (q *query) attach(b *building) {
	if b.tx.Parent == 0 || b.root != b || len(b.children) > 0 {
		return
	}
	v, ok := q.pending.Peek(b.tx.Parent)
	if !ok {
		return
	}
	parent := v.(*building)
	if parent.flushed || parent == b {
		return
	}
	root := parent.root
	b.root = root
	b.tx.Level = parent.tx.Level + 1
	root.children = append(root.children, b)
}

func (b *building) complete() bool {
	if !b.done {
		return false
	}
	for _, c := range b.children {
		if !c.done {
			return false
		}
	}
	return true
}

// finish queues root's group for delivery. Forced groups are marked
// incomplete member by member.
func (q *query) finish(root *building, forced bool) {
	members := append([]*building{root}, root.children...)
	batch := make([]*Transaction, 0, len(members))
	for _, m := range members {
		m.flushed = true
		q.pending.Remove(m.tx.VXID)
		if forced && !m.done {
			m.tx.Incomplete = true
		}
		batch = append(batch, m.tx)
	}
	q.ready = append(q.ready, batch)
}

func (q *query) drainEvicted() {
	for len(q.evicted) > 0 {
		b := q.evicted[0]
		q.evicted = q.evicted[1:]
		if !b.root.flushed {
			q.finish(b.root, true)
		}
	}
}

// expire forces out groups that have been pending longer than the timeout.
func (q *query) expire() {
	if q.timeout <= 0 {
		return
	}
	now := q.now()
	for _, k := range q.pending.Keys() {
		v, ok := q.pending.Peek(k)
		if !ok {
			continue
		}
		b := v.(*building)
		if b.root == b && !b.flushed && now.Sub(b.started) >= q.timeout {
			q.finish(b, true)
		}
	}
}

// flush forces out every pending group, oldest first.
func (q *query) flush() {
	for _, k := range q.pending.Keys() {
		v, ok := q.pending.Peek(k)
		if !ok {
			continue
		}
		if b := v.(*building).root; !b.flushed {
			q.finish(b, true)
		}
	}
}

// deliver hands ready batches to fn. Transactions stop being readable when
// fn returns. It reports false once fn asked to stop; the remaining batches
// are dropped.
func (q *query) deliver(fn BatchFunc) bool {
	for len(q.ready) > 0 {
		batch := q.ready[0]
		q.ready = q.ready[1:]
		gen := q.scope.Generation()
		for _, tx := range batch {
			tx.gen = gen
		}
		cont := fn(batch)
		q.scope.Advance()
		if !cont {
			q.ready = nil
			return false
		}
	}
	return true
}

// release drops everything pending without delivering it.
func (q *query) release() {
	q.closing = true
	q.pending.Purge()
	q.evicted = nil
	q.ready = nil
}

func (q *query) pendingLen() int { return q.pending.Len() }

package vslq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vsm"
)

const (
	DefaultBackoff    = 10 * time.Millisecond
	DefaultMaxPending = 1000
	DefaultTimeout    = 120 * time.Second
)

// ErrDispatcherClosed is returned when a closed dispatcher is run.
var ErrDispatcherClosed = errors.New("vslq: dispatcher closed")

type config struct {
	backoff     time.Duration
	maxPending  int
	timeout     time.Duration
	flushOnExit bool
	now         func() time.Time
	cursorOpts  []vsl.CursorOption
}

// Option configures a Dispatcher.
type Option func(*config)

// WithBackoff sets the fixed pause taken when a pass finds no new data.
func WithBackoff(d time.Duration) Option {
	return func(c *config) { c.backoff = d }
}

// WithMaxPending bounds the transactions under construction. When the bound
// is hit the least recently active group is delivered as incomplete.
func WithMaxPending(n int) Option {
	return func(c *config) { c.maxPending = n }
}

// WithTimeout sets how long a group may stay pending before it is delivered
// as incomplete. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithFlushOnExit delivers pending groups as incomplete when the log ends.
func WithFlushOnExit() Option {
	return func(c *config) { c.flushOnExit = true }
}

// WithClock replaces time.Now for pending timeouts.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithCursorOptions passes options to the log cursor. The cursor tails the
// log unless told otherwise.
func WithCursorOptions(opts ...vsl.CursorOption) Option {
	return func(c *config) { c.cursorOpts = append(c.cursorOpts, opts...) }
}

// Dispatcher polls a record source and delivers grouped transactions.
// It is not safe for concurrent use; run it on a goroutine of its own or
// through a Stream.
type Dispatcher struct {
	src         Source
	q           *query
	backoff     time.Duration
	flushOnExit bool

	mu       sync.Mutex
	closed   bool
	cleanups []func()
}

// NewDispatcher binds a tailing cursor to seg's log.
func NewDispatcher(seg *vsm.Segment, grouping Grouping, opts ...Option) (*Dispatcher, error) {
	cfg := newConfig(opts)
	cur, err := vsl.NewCursor(seg, cfg.cursorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to bind log cursor: %w", err)
	}
	return newDispatcher(cur, grouping, cfg)
}

// NewSourceDispatcher dispatches records from src. The dispatcher owns src
// from here on, also when construction fails.
func NewSourceDispatcher(src Source, grouping Grouping, opts ...Option) (*Dispatcher, error) {
	return newDispatcher(src, grouping, newConfig(opts))
}

func newConfig(opts []Option) config {
	cfg := config{
		backoff:    DefaultBackoff,
		maxPending: DefaultMaxPending,
		timeout:    DefaultTimeout,
		now:        time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func newDispatcher(src Source, grouping Grouping, cfg config) (*Dispatcher, error) {
	d := &Dispatcher{src: src, backoff: cfg.backoff, flushOnExit: cfg.flushOnExit}

	scope := &vsl.Scope{}
	d.cleanups = append(d.cleanups, scope.Close)
	d.cleanups = append(d.cleanups, src.Close)

	if cfg.backoff < 0 {
		d.Close()
		return nil, fmt.Errorf("negative backoff %v", cfg.backoff)
	}
	q, err := newQuery(grouping, scope, cfg.maxPending, cfg.timeout, cfg.now)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.q = q
	d.cleanups = append(d.cleanups, q.release)
	return d, nil
}

// Dispatch runs a single pass: it consumes the records available now and
// delivers every batch they complete. On a terminal status pending groups
// are flushed first if so configured.
func (d *Dispatcher) Dispatch(fn BatchFunc) (Status, error) {
	if d.isClosed() {
		return Closed, ErrDispatcherClosed
	}
	status, err := d.q.dispatch(d.src, fn)
	if status.Terminal() && d.flushOnExit {
		d.q.flush()
		d.q.deliver(fn)
	}
	return status, err
}

// Run polls until fn asks to stop or the log ends. A pass without new data
// is followed by the fixed backoff pause. The returned status tells why the
// loop ended; the error is set for Failed only.
func (d *Dispatcher) Run(fn BatchFunc) (Status, error) {
	for {
		status, err := d.Dispatch(fn)
		switch status {
		case Progress:
		case NoData:
			time.Sleep(d.backoff)
		default:
			return status, err
		}
	}
}

// Pending returns the number of transactions under construction.
func (d *Dispatcher) Pending() int {
	if d.isClosed() {
		return 0
	}
	return d.q.pendingLen()
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close releases the pending transactions, the source and the record scope,
// in that order. Only the first call has an effect.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cleanups := d.cleanups
	d.cleanups = nil
	d.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Run tails seg's log and feeds grouped batches to fn until fn returns false
// or the log ends. Everything acquired is released before it returns.
func Run(seg *vsm.Segment, grouping Grouping, fn BatchFunc, opts ...Option) (Status, error) {
	d, err := NewDispatcher(seg, grouping, opts...)
	if err != nil {
		return Failed, err
	}
	defer d.Close()
	return d.Run(fn)
}

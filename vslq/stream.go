package vslq

import (
	"sync"
	"time"
)

// Stream runs a dispatcher on its own goroutine and hands detached batches
// over a channel.
type Stream struct {
	d       *Dispatcher
	batches chan []Snapshot
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}
	status  Status
	err     error
}

// NewStream starts polling d. The stream owns d and closes it when it ends.
// buffer is the number of batches that may wait in the channel.
func NewStream(d *Dispatcher, buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	s := &Stream{
		d:       d,
		batches: make(chan []Snapshot, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Batches returns the channel of batches. It is closed when the stream ends.
func (s *Stream) Batches() <-chan []Snapshot { return s.batches }

// Stop asks the stream to end. It takes effect between batches.
func (s *Stream) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Wait blocks until the stream ended and returns why.
func (s *Stream) Wait() (Status, error) {
	<-s.done
	return s.status, s.err
}

func (s *Stream) run() {
	defer close(s.done)
	defer close(s.batches)
	defer s.d.Close()

	for {
		select {
		case <-s.stop:
			s.status = Stopped
			return
		default:
		}

		status, err := s.d.Dispatch(s.forward)
		switch status {
		case Progress:
		case NoData:
			select {
			case <-s.stop:
				s.status = Stopped
				return
			case <-time.After(s.d.backoff):
			}
		default:
			if s.err == nil {
				s.err = err
			}
			s.status = status
			return
		}
	}
}

func (s *Stream) forward(txs []*Transaction) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	batch := make([]Snapshot, 0, len(txs))
	for _, tx := range txs {
		snap, err := tx.Snapshot()
		if err != nil {
			s.err = err
			return false
		}
		batch = append(batch, snap)
	}
	select {
	case s.batches <- batch:
		return true
	case <-s.stop:
		return false
	}
}

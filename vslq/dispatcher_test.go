package vslq_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vslq"
	"github.com/jnesss/vsm-recorder/vsm"
)

type step struct {
	tag     vsl.Tag
	id      uint32
	payload string
	empty   bool
	err     error
}

// mockSource replays steps and reports the log abandoned once they run out.
type mockSource struct {
	scope  vsl.Scope
	steps  []step
	closes int
	polls  int
}

func (m *mockSource) Next() (vsl.Record, bool, error) {
	m.scope.Advance()
	m.polls++
	if len(m.steps) == 0 {
		return vsl.Record{}, false, vsl.ErrAbandoned
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	if s.err != nil {
		return vsl.Record{}, false, s.err
	}
	if s.empty {
		return vsl.Record{}, false, nil
	}
	name, err := vsl.Tags.Name(s.tag)
	if err != nil {
		return vsl.Record{}, false, err
	}
	return m.scope.Record(s.tag, name, s.id, []byte(s.payload)), true, nil
}

func (m *mockSource) Close() { m.closes++ }

func empty(n int) []step {
	out := make([]step, n)
	for i := range out {
		out[i].empty = true
	}
	return out
}

func request(vxid, parent uint32, typ, reason, url string) []step {
	return []step{
		{tag: vsl.TagBegin, id: vxid, payload: fmt.Sprintf("%s %d %s", typ, parent, reason)},
		{tag: vsl.TagReqURL, id: vxid, payload: url},
		{tag: vsl.TagEnd, id: vxid},
	}
}

func newDispatcher(t *testing.T, src *mockSource, grouping vslq.Grouping, opts ...vslq.Option) *vslq.Dispatcher {
	t.Helper()
	d, err := vslq.NewSourceDispatcher(src, grouping, opts...)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func snapshots(t *testing.T, batches *[][]vslq.Snapshot) vslq.BatchFunc {
	return func(txs []*vslq.Transaction) bool {
		var batch []vslq.Snapshot
		for _, tx := range txs {
			s, err := tx.Snapshot()
			if err != nil {
				t.Errorf("failed to snapshot: %v", err)
				return false
			}
			batch = append(batch, s)
		}
		*batches = append(*batches, batch)
		return true
	}
}

func TestFixedBackoff(t *testing.T) {
	for _, tc := range []struct {
		n       int
		backoff time.Duration
		opts    []vslq.Option
	}{
		{5, 10 * time.Millisecond, nil},
		{3, 30 * time.Millisecond, []vslq.Option{vslq.WithBackoff(30 * time.Millisecond)}},
	} {
		src := &mockSource{steps: empty(tc.n)}
		d := newDispatcher(t, src, vslq.GroupRequest, tc.opts...)

		start := time.Now()
		status, err := d.Run(func([]*vslq.Transaction) bool { return true })
		elapsed := time.Since(start)
		if status != vslq.Abandoned || err != nil {
			t.Fatalf("expected abandoned, got %v %v", status, err)
		}
		if want := time.Duration(tc.n) * tc.backoff; elapsed < want {
			t.Errorf("%d empty polls took %v, expected at least %v", tc.n, elapsed, want)
		}
		if src.polls != tc.n+1 {
			t.Errorf("expected %d polls, got %d", tc.n+1, src.polls)
		}
	}
}

func TestTerminalReleasesOnce(t *testing.T) {
	src := &mockSource{}
	d, err := vslq.NewSourceDispatcher(src, vslq.GroupRequest)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	start := time.Now()
	status, _ := d.Run(func([]*vslq.Transaction) bool { return true })
	if status != vslq.Abandoned {
		t.Fatalf("expected abandoned, got %v", status)
	}
	if elapsed := time.Since(start); elapsed > vslq.DefaultBackoff {
		t.Errorf("terminal status took %v to end the loop", elapsed)
	}
	d.Close()
	d.Close()
	if src.closes != 1 {
		t.Errorf("expected source to be closed once, got %d", src.closes)
	}
	if status, err := d.Dispatch(func([]*vslq.Transaction) bool { return true }); status != vslq.Closed || !errors.Is(err, vslq.ErrDispatcherClosed) {
		t.Errorf("expected closed dispatcher, got %v %v", status, err)
	}
}

func TestTerminalStatuses(t *testing.T) {
	bad := vsm.Integrity("log", "broken")
	tests := []struct {
		err    error
		status vslq.Status
		fail   bool
	}{
		{vsl.ErrAbandoned, vslq.Abandoned, false},
		{vsl.ErrOverrun, vslq.Overrun, false},
		{vsl.ErrCursorClosed, vslq.Closed, false},
		{bad, vslq.Failed, true},
	}
	for _, tt := range tests {
		src := &mockSource{steps: []step{{err: tt.err}}}
		d := newDispatcher(t, src, vslq.GroupRequest)
		status, err := d.Run(func([]*vslq.Transaction) bool { return true })
		if status != tt.status {
			t.Errorf("%v: expected %v, got %v", tt.err, tt.status, status)
		}
		if (err != nil) != tt.fail {
			t.Errorf("%v: unexpected error %v", tt.err, err)
		}
	}
}

func TestRequestGrouping(t *testing.T) {
	steps := []step{
		{tag: vsl.TagBegin, id: 1000, payload: "sess 0 HTTP/1"},
		{tag: vsl.TagBegin, id: 1001 | vsl.ClientMarker, payload: "req 1000 rxreq"},
		{tag: vsl.TagReqMethod, id: 1001 | vsl.ClientMarker, payload: "GET"},
		{tag: vsl.TagBegin, id: 1002 | vsl.BackendMarker, payload: "bereq 1001 fetch"},
		{tag: vsl.TagReqURL, id: 1001 | vsl.ClientMarker, payload: "/index.html"},
		{tag: vsl.TagEnd, id: 1002 | vsl.BackendMarker},
		{tag: vsl.TagEnd, id: 1001 | vsl.ClientMarker},
		{tag: vsl.TagEnd, id: 1000},
	}
	src := &mockSource{steps: steps}
	d := newDispatcher(t, src, vslq.GroupRequest)

	var batches [][]vslq.Snapshot
	status, err := d.Run(snapshots(t, &batches))
	if status != vslq.Abandoned || err != nil {
		t.Fatalf("unexpected end %v %v", status, err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if len(b) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(b))
	}

	want := []struct {
		vxid, parent uint32
		level        int
		typ          vslq.Type
		reason       vslq.Reason
	}{
		{1000, 0, 1, vslq.TypeSession, vslq.ReasonHTTP1},
		{1001, 1000, 2, vslq.TypeRequest, vslq.ReasonRxReq},
		{1002, 1001, 3, vslq.TypeBackendRequest, vslq.ReasonFetch},
	}
	for i, w := range want {
		s := b[i]
		if s.VXID != w.vxid || s.Parent != w.parent || s.Level != w.level || s.Type != w.typ || s.Reason != w.reason {
			t.Errorf("transaction %d: got %+v", i, s)
		}
		if s.Incomplete {
			t.Errorf("transaction %d unexpectedly incomplete", i)
		}
	}
	if !b[0].Root() || b[1].Root() {
		t.Errorf("only the session should be a root")
	}
	req := b[1]
	if url, _ := req.First("ReqURL"); url != "/index.html" {
		t.Errorf("unexpected url %q", url)
	}
	if len(req.Records) != 4 || req.Records[1].Payload != "GET" || !req.Records[1].Client {
		t.Errorf("unexpected request records %+v", req.Records)
	}
	if d.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", d.Pending())
	}
}

func TestCrossBatchParentAccepted(t *testing.T) {
	src := &mockSource{steps: request(2001, 2000, "req", "rxreq", "/late")}
	d := newDispatcher(t, src, vslq.GroupRequest)

	var batches [][]vslq.Snapshot
	if _, err := d.Run(snapshots(t, &batches)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected a single transaction, got %+v", batches)
	}
	s := batches[0][0]
	if s.Parent != 2000 || s.Root() || s.Level != 1 {
		t.Errorf("unexpected transaction %+v", s)
	}
}

func TestTransactionIterator(t *testing.T) {
	src := &mockSource{steps: request(1, 0, "req", "rxreq", "/a")}
	d := newDispatcher(t, src, vslq.GroupRequest)

	var kept *vslq.Transaction
	var keptRec vsl.Record
	var names []string
	d.Run(func(txs []*vslq.Transaction) bool {
		kept = txs[0]
		if !kept.Root() {
			t.Errorf("expected root transaction")
		}
		for {
			rec, ok, err := kept.Next()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !ok {
				break
			}
			keptRec = rec
			names = append(names, rec.TagName())
		}
		// exhausted iterators stay exhausted
		if _, ok, _ := kept.Next(); ok {
			t.Errorf("iterator rewound")
		}
		return true
	})

	if fmt.Sprint(names) != "[Begin ReqURL End]" {
		t.Errorf("unexpected records %v", names)
	}
	if _, _, err := kept.Next(); !errors.Is(err, vsl.ErrStale) {
		t.Errorf("expected ErrStale after the callback, got %v", err)
	}
	if _, err := kept.Snapshot(); !errors.Is(err, vsl.ErrStale) {
		t.Errorf("expected ErrStale from Snapshot after the callback, got %v", err)
	}
	if keptRec.Valid() {
		t.Errorf("record outlived its callback")
	}
}

func TestRawGrouping(t *testing.T) {
	src := &mockSource{steps: request(7, 0, "req", "rxreq", "/raw")}
	d := newDispatcher(t, src, vslq.GroupRaw)

	var batches [][]vslq.Snapshot
	d.Run(snapshots(t, &batches))
	if len(batches) != 3 {
		t.Fatalf("expected one batch per record, got %d", len(batches))
	}
	for _, b := range batches {
		if len(b) != 1 || b[0].Type != vslq.TypeRaw || b[0].VXID != 7 || b[0].Level != 0 {
			t.Errorf("unexpected raw batch %+v", b)
		}
	}
}

func TestVXIDZeroIsRaw(t *testing.T) {
	steps := append([]step{{tag: 3, id: 0, payload: "Rd ping"}}, request(5, 0, "req", "rxreq", "/")...)
	src := &mockSource{steps: steps}
	d := newDispatcher(t, src, vslq.GroupRequest)

	var batches [][]vslq.Snapshot
	d.Run(snapshots(t, &batches))
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if s := batches[0][0]; s.Type != vslq.TypeRaw || s.Records[0].TagName != "CLI" {
		t.Errorf("unexpected first batch %+v", s)
	}
}

func TestUnsupportedGrouping(t *testing.T) {
	src := &mockSource{}
	if _, err := vslq.NewSourceDispatcher(src, vslq.Grouping(3)); err == nil {
		t.Fatalf("expected grouping 3 to be rejected")
	}
	if src.closes != 1 {
		t.Errorf("expected failed construction to release the source once, got %d", src.closes)
	}
}

func TestStopEndsCallbacks(t *testing.T) {
	var steps []step
	for i := uint32(1); i <= 5; i++ {
		steps = append(steps, request(i, 0, "req", "rxreq", "/")...)
	}
	src := &mockSource{steps: steps}
	d := newDispatcher(t, src, vslq.GroupRequest, vslq.WithFlushOnExit())

	calls := 0
	status, err := d.Run(func([]*vslq.Transaction) bool {
		calls++
		return calls < 2
	})
	if status != vslq.Stopped || err != nil {
		t.Fatalf("expected stopped, got %v %v", status, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 callbacks, got %d", calls)
	}
}

func TestEvictionDeliversIncomplete(t *testing.T) {
	steps := []step{
		{tag: vsl.TagBegin, id: 1, payload: "req 0 rxreq"},
		{tag: vsl.TagBegin, id: 2, payload: "req 0 rxreq"},
		{tag: vsl.TagBegin, id: 3, payload: "req 0 rxreq"},
	}
	src := &mockSource{steps: steps}
	d := newDispatcher(t, src, vslq.GroupRequest, vslq.WithMaxPending(2))

	var batches [][]vslq.Snapshot
	d.Run(snapshots(t, &batches))
	if len(batches) != 1 {
		t.Fatalf("expected the evicted transaction, got %d batches", len(batches))
	}
	if s := batches[0][0]; s.VXID != 1 || !s.Incomplete || s.Type != vslq.TypeRequest {
		t.Errorf("unexpected evicted transaction %+v", s)
	}
	if d.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", d.Pending())
	}
}

func TestTimeoutDeliversIncomplete(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	steps := append([]step{{tag: vsl.TagBegin, id: 9, payload: "req 0 rxreq"}}, empty(2)...)
	src := &mockSource{steps: steps}
	d := newDispatcher(t, src, vslq.GroupRequest, vslq.WithTimeout(time.Second), vslq.WithClock(clock))

	var batches [][]vslq.Snapshot
	fn := snapshots(t, &batches)
	if status, _ := d.Dispatch(fn); status != vslq.Progress {
		t.Fatalf("expected progress, got %v", status)
	}
	if len(batches) != 0 {
		t.Fatalf("transaction delivered before its timeout")
	}
	now = now.Add(2 * time.Second)
	if status, _ := d.Dispatch(fn); status != vslq.NoData {
		t.Fatalf("expected no data, got %v", status)
	}
	if len(batches) != 1 || !batches[0][0].Incomplete || batches[0][0].VXID != 9 {
		t.Fatalf("expected timed out transaction, got %+v", batches)
	}
}

func TestFlushOnExit(t *testing.T) {
	for _, flush := range []bool{false, true} {
		src := &mockSource{steps: []step{{tag: vsl.TagBegin, id: 4, payload: "req 0 rxreq"}}}
		var opts []vslq.Option
		if flush {
			opts = append(opts, vslq.WithFlushOnExit())
		}
		d := newDispatcher(t, src, vslq.GroupRequest, opts...)

		var batches [][]vslq.Snapshot
		status, _ := d.Run(snapshots(t, &batches))
		if status != vslq.Abandoned {
			t.Fatalf("expected abandoned, got %v", status)
		}
		if flush && (len(batches) != 1 || !batches[0][0].Incomplete) {
			t.Errorf("expected pending transaction to be flushed, got %+v", batches)
		}
		if !flush && len(batches) != 0 {
			t.Errorf("expected pending transaction to be dropped, got %+v", batches)
		}
	}
}

func TestMalformedBegin(t *testing.T) {
	src := &mockSource{steps: []step{{tag: vsl.TagBegin, id: 4, payload: "req"}}}
	d := newDispatcher(t, src, vslq.GroupRequest)
	status, err := d.Run(func([]*vslq.Transaction) bool { return true })
	if status != vslq.Failed || !vsm.IsIntegrity(err) {
		t.Fatalf("expected failed with integrity error, got %v %v", status, err)
	}
}

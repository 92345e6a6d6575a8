package vsl_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vsm"
	"github.com/jnesss/vsm-recorder/vsmtest"
)

func setup(t *testing.T, words int) (*vsmtest.Producer, *vsmtest.Log, *vsm.Segment) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "seg")
	p := vsmtest.New(t, dir)
	log := p.AddLog(words)
	seg, err := vsm.Open(vsm.Active(dir))
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return p, log, seg
}

func openCursor(t *testing.T, seg *vsm.Segment, opts ...vsl.CursorOption) *vsl.Cursor {
	t.Helper()
	c, err := vsl.NewCursor(seg, opts...)
	if err != nil {
		t.Fatalf("failed to create cursor: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, c *vsl.Cursor) vsl.Entry {
	t.Helper()
	r, ok, err := c.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a record")
	}
	e, err := r.Detach()
	if err != nil {
		t.Fatalf("failed to detach record: %v", err)
	}
	return e
}

func expectEmpty(t *testing.T, c *vsl.Cursor) {
	t.Helper()
	_, ok, err := c.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no more data")
	}
}

func TestCursorTail(t *testing.T) {
	_, log, seg := setup(t, 4096)
	log.Write(vsl.TagReqURL, 1, "/old")
	log.Write(vsl.TagReqURL, 2, "/older")

	c := openCursor(t, seg)
	expectEmpty(t, c)

	log.WriteClient(vsl.TagReqMethod, 1001, "GET")
	log.WriteBackend(vsl.TagReqURL, 1002, "/index.html")

	e := next(t, c)
	if e.TagName != "ReqMethod" || e.VXID != 1001 || e.Payload != "GET" || !e.Client || e.Backend {
		t.Errorf("unexpected first record %+v", e)
	}
	e = next(t, c)
	if e.Tag != vsl.TagReqURL || e.VXID != 1002 || e.Payload != "/index.html" || !e.Backend {
		t.Errorf("unexpected second record %+v", e)
	}
	expectEmpty(t, c)
}

func TestCursorHead(t *testing.T) {
	_, log, seg := setup(t, 4096)
	for i := 0; i < 3; i++ {
		log.Write(vsl.TagReqURL, uint32(i+1), fmt.Sprintf("/%d", i))
	}

	c := openCursor(t, seg, vsl.WithHead())
	for i := 0; i < 3; i++ {
		if e := next(t, c); e.Payload != fmt.Sprintf("/%d", i) {
			t.Errorf("record %d: unexpected payload %q", i, e.Payload)
		}
	}
	expectEmpty(t, c)
}

func TestCursorFollowsWrap(t *testing.T) {
	_, log, seg := setup(t, 256)
	c := openCursor(t, seg)

	for i := 0; i < 200; i++ {
		payload := fmt.Sprintf("record-%04d-padding", i)
		log.Write(vsl.TagReqURL, uint32(i+1), payload)
		e := next(t, c)
		if e.Payload != payload || e.VXID != uint32(i+1) {
			t.Fatalf("record %d: got %+v", i, e)
		}
		expectEmpty(t, c)
	}
	if log.SegmentN() < 2*vsl.Segments {
		t.Fatalf("expected the log to wrap at least twice, segment %d", log.SegmentN())
	}
}

func TestCursorHeadAfterWrap(t *testing.T) {
	_, log, seg := setup(t, 256)
	const n = 100
	for i := 0; i < n; i++ {
		log.Write(vsl.TagReqURL, uint32(i+1), fmt.Sprintf("record-%04d-padding", i))
	}

	c := openCursor(t, seg, vsl.WithHead())
	var got []vsl.Entry
	for {
		r, ok, err := c.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		e, _ := r.Detach()
		got = append(got, e)
	}
	if len(got) == 0 {
		t.Fatalf("expected the surviving records")
	}
	for i := 1; i < len(got); i++ {
		if got[i].VXID != got[i-1].VXID+1 {
			t.Fatalf("records out of order at %d: %d after %d", i, got[i].VXID, got[i-1].VXID)
		}
	}
	if last := got[len(got)-1].VXID; last != n {
		t.Errorf("expected last record %d, got %d", n, last)
	}
}

func TestCursorOverrun(t *testing.T) {
	_, log, seg := setup(t, 256)
	c := openCursor(t, seg)

	for i := 0; i < 60; i++ {
		log.Write(vsl.TagReqURL, uint32(i+1), fmt.Sprintf("record-%04d-padding", i))
	}
	if _, _, err := c.Next(); !errors.Is(err, vsl.ErrOverrun) {
		t.Fatalf("expected ErrOverrun, got %v", err)
	}
}

func TestRecordGoesStale(t *testing.T) {
	_, log, seg := setup(t, 4096)
	c := openCursor(t, seg)
	log.Write(vsl.TagReqURL, 1, "/a")
	log.Write(vsl.TagReqURL, 2, "/b")

	first, ok, err := c.Next()
	if err != nil || !ok {
		t.Fatalf("expected a record: %v", err)
	}
	if p, err := first.Payload(); err != nil || p != "/a" {
		t.Fatalf("unexpected payload %q: %v", p, err)
	}

	second, _, _ := c.Next()
	if first.Valid() {
		t.Errorf("record still valid after the cursor advanced")
	}
	if _, err := first.Payload(); !errors.Is(err, vsl.ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}
	if _, err := first.Detach(); !errors.Is(err, vsl.ErrStale) {
		t.Errorf("expected ErrStale from Detach, got %v", err)
	}

	c.Close()
	if _, err := second.Payload(); !errors.Is(err, vsl.ErrStale) {
		t.Errorf("expected ErrStale after close, got %v", err)
	}
	if _, _, err := c.Next(); !errors.Is(err, vsl.ErrCursorClosed) {
		t.Errorf("expected ErrCursorClosed, got %v", err)
	}
}

func TestCursorMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		header uint32
		data   []byte
	}{
		{"missing terminator", uint32(vsl.TagReqURL)<<24 | 4, []byte("abcd")},
		{"empty payload", uint32(vsl.TagReqURL) << 24, nil},
		{"unassigned tag", 0<<24 | 2, []byte("x\x00")},
		{"tag beyond table", 200<<24 | 2, []byte("x\x00")},
		{"length beyond log", uint32(vsl.TagReqURL)<<24 | 0xfff0, []byte("x\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, log, seg := setup(t, 1024)
			c := openCursor(t, seg)
			log.WriteRaw(tt.header, 1, tt.data)
			if _, _, err := c.Next(); !vsm.IsIntegrity(err) {
				t.Fatalf("expected integrity error, got %v", err)
			}
		})
	}
}

func TestCursorCustomTagTable(t *testing.T) {
	names := make([]string, 8)
	names[7] = "VCL_call"
	table, err := vsl.NewTagTable(names)
	if err != nil {
		t.Fatalf("failed to build tag table: %v", err)
	}

	_, log, seg := setup(t, 1024)
	c := openCursor(t, seg, vsl.WithTags(table))
	log.Write(7, 5, "RECV")
	if e := next(t, c); e.TagName != "VCL_call" || e.Payload != "RECV" {
		t.Errorf("unexpected record %+v", e)
	}
	log.Write(8, 5, "HASH")
	if _, _, err := c.Next(); !vsm.IsIntegrity(err) {
		t.Errorf("expected integrity error for tag beyond table, got %v", err)
	}
}

func TestCursorAbandoned(t *testing.T) {
	p, _, seg := setup(t, 1024)
	c := openCursor(t, seg)
	expectEmpty(t, c)

	p.Abandon()
	if _, _, err := c.Next(); !errors.Is(err, vsl.ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
}

func TestCursorPinsSegment(t *testing.T) {
	_, _, seg := setup(t, 1024)
	c, err := vsl.NewCursor(seg)
	if err != nil {
		t.Fatalf("failed to create cursor: %v", err)
	}
	if err := seg.Close(); !errors.Is(err, vsm.ErrInUse) {
		t.Fatalf("expected ErrInUse while a cursor is open, got %v", err)
	}
	c.Close()
	c.Close()
	if err := seg.Close(); err != nil {
		t.Fatalf("failed to close segment: %v", err)
	}
}

func TestCursorNoLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "seg")
	vsmtest.New(t, dir)
	seg, err := vsm.Open(vsm.Active(dir))
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	defer seg.Close()

	if _, err := vsl.NewCursor(seg); err == nil {
		t.Fatalf("expected an error without a log chunk")
	}
	if err := seg.Close(); err != nil {
		t.Errorf("failed cursor creation left the segment pinned: %v", err)
	}
}

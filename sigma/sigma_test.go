package sigma

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vslq"
)

const wpAdminRule = `title: WordPress admin probe
id: 0f1c6f64-5d57-4a55-9d54-6a3b8f1f0a01
status: experimental
logsource:
  category: webserver
detection:
  selection:
    ReqURL|contains: '/wp-admin'
  condition: selection
level: high
`

const curlRule = `title: Curl client
id: 0f1c6f64-5d57-4a55-9d54-6a3b8f1f0a02
status: experimental
logsource:
  category: webserver
detection:
  selection:
    c-useragent|startswith: 'curl/'
  condition: selection
`

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write rule: %v", err)
	}
}

func request(url string, headers ...string) vslq.Snapshot {
	s := vslq.Snapshot{
		Level:  1,
		VXID:   1001,
		Parent: 1000,
		Type:   vslq.TypeRequest,
		Reason: vslq.ReasonRxReq,
		Records: []vsl.Entry{
			{Tag: vsl.TagBegin, TagName: "Begin", VXID: 1001, Client: true, Payload: "req 1000 rxreq"},
			{Tag: vsl.TagReqStart, TagName: "ReqStart", VXID: 1001, Client: true, Payload: "192.0.2.7 51234 a0"},
			{Tag: vsl.TagReqMethod, TagName: "ReqMethod", VXID: 1001, Client: true, Payload: "GET"},
			{Tag: vsl.TagReqURL, TagName: "ReqURL", VXID: 1001, Client: true, Payload: url},
		},
	}
	for _, h := range headers {
		s.Records = append(s.Records, vsl.Entry{Tag: vsl.TagReqHeader, TagName: "ReqHeader", VXID: 1001, Client: true, Payload: h})
	}
	s.Records = append(s.Records,
		vsl.Entry{Tag: vsl.TagRespStatus, TagName: "RespStatus", VXID: 1001, Client: true, Payload: "404"},
		vsl.Entry{Tag: vsl.TagEnd, TagName: "End", VXID: 1001, Client: true},
	)
	return s
}

func TestEventFields(t *testing.T) {
	ev := Event(request("/index.html", "Host: example.com", "User-Agent: curl/8.4.0", "Accept: */*"))

	want := map[string]interface{}{
		"VXID":       int64(1001),
		"Parent":     int64(1000),
		"Type":       "req",
		"Reason":     "rxreq",
		"ReqMethod":  "GET",
		"ReqURL":     "/index.html",
		"RespStatus": "404",
		"Host":       "example.com",
		"UserAgent":  "curl/8.4.0",
		"ClientIP":   "192.0.2.7",
		"ReqHeader":  "Host: example.com\nUser-Agent: curl/8.4.0\nAccept: */*",
	}
	for k, v := range want {
		if ev[k] != v {
			t.Errorf("event[%q] = %#v, want %#v", k, ev[k], v)
		}
	}
	if _, ok := ev["Referer"]; ok {
		t.Errorf("unexpected Referer field")
	}
}

func TestCheckMatchesRule(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetector(dir)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	defer d.Close()

	for _, sub := range []string{"enabled_rules", "disabled_rules"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Fatalf("expected %s directory: %v", sub, err)
		}
	}

	writeRule(t, filepath.Join(dir, "enabled_rules"), "wp.yml", wpAdminRule)
	writeRule(t, filepath.Join(dir, "enabled_rules"), "curl.yaml", curlRule)
	writeRule(t, filepath.Join(dir, "enabled_rules"), "notes.txt", "not a rule")
	writeRule(t, filepath.Join(dir, "disabled_rules"), "off.yml", strings.Replace(wpAdminRule, "0a01", "0a03", 1))
	if err := d.LoadRules(); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if n := d.RuleCount(); n != 2 {
		t.Fatalf("RuleCount = %d, want 2", n)
	}

	ctx := context.Background()
	matches := d.Check(ctx, request("/wp-admin/install.php", "User-Agent: Mozilla/5.0"))
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	m := matches[0]
	if m.RuleName != "WordPress admin probe" || m.Severity != "high" || m.VXID != 1001 || m.URL != "/wp-admin/install.php" {
		t.Errorf("unexpected match %+v", m)
	}
	if len(m.MatchDetails) != 1 || !strings.Contains(m.MatchDetails[0], "selection") {
		t.Errorf("unexpected match details %v", m.MatchDetails)
	}

	matches = d.Check(ctx, request("/wp-admin/", "User-Agent: curl/8.4.0"))
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[1].RuleName != "Curl client" || matches[1].Severity != "medium" {
		t.Errorf("unexpected second match %+v", matches[1])
	}

	if matches := d.Check(ctx, request("/", "User-Agent: Mozilla/5.0")); len(matches) != 0 {
		t.Errorf("got %d matches for a clean request", len(matches))
	}
}

func TestBadRuleSkipped(t *testing.T) {
	dir := t.TempDir()
	enabled := filepath.Join(dir, "enabled_rules")
	if err := os.MkdirAll(enabled, 0755); err != nil {
		t.Fatal(err)
	}
	writeRule(t, enabled, "broken.yml", "title: [unterminated\n")
	writeRule(t, enabled, "wp.yml", wpAdminRule)

	d, err := NewDetector(dir)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	defer d.Close()
	if n := d.RuleCount(); n != 1 {
		t.Errorf("RuleCount = %d, want 1", n)
	}
	if err := d.LoadRuleFile(filepath.Join(enabled, "broken.yml")); err == nil {
		t.Errorf("expected error loading broken rule")
	}
}

func TestWatchReloadsRules(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetector(dir)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()

	writeRule(t, filepath.Join(dir, "enabled_rules"), "wp.yml", wpAdminRule)

	deadline := time.Now().Add(5 * time.Second)
	for d.RuleCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("rule was not picked up by the watcher")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Watch returned %v, want context.Canceled", err)
	}
}

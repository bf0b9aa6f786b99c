package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigthinkcode/rest-tester/internal/assert"
)

func results() []assert.Result {
	return []assert.Result{
		{ID: "1/ - /a - statusCode", Group: "1/", Identity: "public", Kind: "statusCode", Passed: true},
		{ID: "1/ - /a - timeout", Group: "1/", Identity: "public", Kind: "timeout",
			Expected: json.RawMessage("5"), Actual: json.RawMessage("5.1"), Message: "too slow"},
		{ID: "2/ - /b - jsonSchema", Group: "2/", Identity: "admin", Kind: "jsonSchema", Skipped: true},
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	var s Summary
	for _, r := range results() {
		c.Record(r)
		s.Add(r)
	}
	s.IdentityErrors = []IdentityError{{Identity: "expired", Error: "token expired"}}
	if err := c.Close(s); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"--- public: 1/ ---",
		"PASS  1/ - /a - statusCode",
		"FAIL  1/ - /a - timeout",
		"too slow",
		"expected 5, got 5.1",
		"--- admin: 2/ ---",
		"SKIP  2/ - /b - jsonSchema",
		"ERROR  expired: token expired",
		"Results: 1 passed, 1 failed, 1 skipped, 3 total",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "--- public: 1/ ---") != 1 {
		t.Errorf("section header should print once:\n%s", out)
	}
}

func TestSummary(t *testing.T) {
	var s Summary
	for _, r := range results() {
		s.Add(r)
	}
	if s.Total() != 3 || s.OK() {
		t.Errorf("unexpected summary %+v", s)
	}
	if !(Summary{Passed: 2, Skipped: 1}).OK() {
		t.Error("summary without failures should be OK")
	}
}

func TestJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.json")
	j := NewJSONFile(path)
	j.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var s Summary
	for _, r := range results() {
		j.Record(r)
		s.Add(r)
	}
	if err := j.Close(s); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	rf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(rf.Results) != 3 || rf.Summary.Failed != 1 {
		t.Errorf("unexpected results file %+v", rf)
	}
	if !rf.GeneratedAt.Equal(j.now()) {
		t.Errorf("GeneratedAt = %v", rf.GeneratedAt)
	}
	if string(rf.Results[1].Expected) != "5" {
		t.Errorf("Expected = %s", rf.Results[1].Expected)
	}
}

type failingSink struct{ records int }

func (f *failingSink) Record(assert.Result) { f.records++ }
func (f *failingSink) Close(Summary) error  { return errors.New("disk full") }

func TestMulti(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	m := Multi{a, b}
	m.Record(assert.Result{})
	if a.records != 1 || b.records != 1 {
		t.Error("every sink should receive the result")
	}
	if err := m.Close(Summary{}); err == nil {
		t.Error("expected close error")
	}
}

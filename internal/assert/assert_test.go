package assert

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bigthinkcode/rest-tester/internal/dispatch"
	"github.com/bigthinkcode/rest-tester/internal/logging"
	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

type models map[string]json.RawMessage

func (m models) Model(name string) (json.RawMessage, bool) {
	s, ok := m[name]
	return s, ok
}

func newEngine() *Engine {
	return New(Defaults{StatusCode: 200, Timeout: 10}, models{
		"User": json.RawMessage(`{"type":"object","required":["id"]}`),
	}, logging.Discard())
}

func input(kind testcase.Kind, value any, resp *dispatch.Response) Input {
	return Input{
		Group:       "users/",
		URI:         "/user/me",
		Identity:    "public",
		Response:    resp,
		Expectation: testcase.Expectation{Kind: kind, Value: value},
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name       string
		expected   any
		status     int
		wantPassed bool
	}{
		{"match", float64(200), 200, true},
		{"mismatch", float64(200), 404, false},
		{"default", true, 200, true},
		{"default mismatch", true, 500, false},
		{"string value", "201", 201, true},
	}

	e := newEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Evaluate(input(testcase.KindStatusCode, tt.expected, &dispatch.Response{StatusCode: tt.status}))
			if r.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (%s)", r.Passed, tt.wantPassed, r.Message)
			}
		})
	}
}

func TestStatusCodeReportsActual(t *testing.T) {
	r := newEngine().Evaluate(input(testcase.KindStatusCode, float64(200), &dispatch.Response{StatusCode: 404}))
	if r.Passed || r.Skipped {
		t.Fatalf("expected failure, got %+v", r)
	}
	if string(r.Actual) != `"404"` {
		t.Errorf("Actual = %s, want \"404\"", r.Actual)
	}
	if string(r.Expected) != "200" {
		t.Errorf("Expected = %s", r.Expected)
	}
	if r.ID != "users/ - /user/me - statusCode" {
		t.Errorf("ID = %q", r.ID)
	}
}

func TestTimeout(t *testing.T) {
	tests := []struct {
		name       string
		bound      any
		elapsed    time.Duration
		wantPassed bool
	}{
		{"under", float64(5), 4900 * time.Millisecond, true},
		{"over", float64(5), 5100 * time.Millisecond, false},
		{"equal", float64(5), 5 * time.Second, true},
		{"default bound", true, 9 * time.Second, true},
		{"default bound exceeded", true, 11 * time.Second, false},
	}

	e := newEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Evaluate(input(testcase.KindTimeout, tt.bound, &dispatch.Response{Elapsed: tt.elapsed}))
			if r.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (%s)", r.Passed, tt.wantPassed, r.Message)
			}
		})
	}
}

func TestTimeoutSkippedWithoutBound(t *testing.T) {
	e := New(Defaults{}, nil, logging.Discard())
	r := e.Evaluate(input(testcase.KindTimeout, true, &dispatch.Response{Elapsed: time.Second}))
	if !r.Skipped {
		t.Errorf("expected skipped result, got %+v", r)
	}
}

func TestJSONSchema(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"id": map[string]any{"type": "integer"}},
		"required":   []any{"id"},
	}
	e := newEngine()

	ok := e.Evaluate(input(testcase.KindJSONSchema, schema, &dispatch.Response{Body: []byte(`{"id": 1}`)}))
	if !ok.Passed {
		t.Fatalf("expected pass, got %+v", ok)
	}

	bad := e.Evaluate(input(testcase.KindJSONSchema, schema, &dispatch.Response{Body: []byte(`{"id": "x", "email": "a@b.io"}`)}))
	if bad.Passed || bad.Skipped {
		t.Fatalf("expected failure, got %+v", bad)
	}
	if !strings.Contains(bad.Message, "schema validation failed") {
		t.Errorf("Message = %q", bad.Message)
	}

	var inferred map[string]any
	if err := json.Unmarshal(bad.InferredSchema, &inferred); err != nil {
		t.Fatalf("inferred schema: %v", err)
	}
	props := inferred["properties"].(map[string]any)
	if props["email"].(map[string]any)["format"] != "email" {
		t.Errorf("expected email format hint, got %v", props["email"])
	}
	if ok.InferredSchema != nil {
		t.Error("passing results should not carry an inferred schema")
	}
}

func TestJSONSchemaModelName(t *testing.T) {
	e := newEngine()

	r := e.Evaluate(input(testcase.KindJSONSchema, "User", &dispatch.Response{Body: []byte(`{"name": "x"}`)}))
	if r.Passed || r.Skipped {
		t.Errorf("expected failure against the User model, got %+v", r)
	}

	r = e.Evaluate(input(testcase.KindJSONSchema, "Unknown", &dispatch.Response{Body: []byte(`{}`)}))
	if !r.Skipped {
		t.Errorf("unregistered model should skip, got %+v", r)
	}
}

func TestJSONSchemaSkipsNonJSONBody(t *testing.T) {
	r := newEngine().Evaluate(input(testcase.KindJSONSchema, map[string]any{"type": "object"}, &dispatch.Response{Body: []byte("<html>")}))
	if !r.Skipped {
		t.Errorf("expected skipped result, got %+v", r)
	}
}

func TestUnknownKindSkipped(t *testing.T) {
	r := newEngine().Evaluate(input("headers", map[string]any{"x": "y"}, &dispatch.Response{}))
	if !r.Skipped || r.Failed() {
		t.Errorf("expected skipped result, got %+v", r)
	}
}

func TestErrored(t *testing.T) {
	r := newEngine().Evaluate(input(testcase.KindStatusCode, float64(200), nil))
	if !r.Failed() || r.Message == "" {
		t.Errorf("expected failed result with message, got %+v", r)
	}
}

func TestCanonicalSortsKeys(t *testing.T) {
	got := canonical(map[string]any{"b": 1, "a": []any{2.50, "x"}})
	if string(got) != `{"a":[2.5,"x"],"b":1}` {
		t.Errorf("canonical() = %s", got)
	}
}

func TestIDSet(t *testing.T) {
	var ids IDSet
	got := []string{ids.Unique("a"), ids.Unique("b"), ids.Unique("a"), ids.Unique("a")}
	want := []string{"a", "b", "a #2", "a #3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Unique #%d = %q, want %q", i, got[i], want[i])
		}
	}
}

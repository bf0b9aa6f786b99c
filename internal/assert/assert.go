// Package assert evaluates test-case expectations against responses.
package assert

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/bigthinkcode/rest-tester/internal/dispatch"
	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

// ModelResolver looks up response-model schemas by name.
type ModelResolver interface {
	Model(name string) (json.RawMessage, bool)
}

// Defaults apply when an expectation names a kind with a non-specific value
// such as true.
type Defaults struct {
	StatusCode int
	Timeout    float64
}

// Input is one expectation to check against one response.
type Input struct {
	Group       string
	URI         string
	Identity    string
	Response    *dispatch.Response
	Expectation testcase.Expectation
}

// Result is the outcome of one assertion.
type Result struct {
	ID             string          `json:"id"`
	Group          string          `json:"group"`
	URI            string          `json:"uri"`
	Identity       string          `json:"identity"`
	Kind           testcase.Kind   `json:"kind"`
	Expected       json.RawMessage `json:"expected,omitempty"`
	Actual         json.RawMessage `json:"actual,omitempty"`
	Passed         bool            `json:"passed"`
	Skipped        bool            `json:"skipped,omitempty"`
	Message        string          `json:"message,omitempty"`
	InferredSchema json.RawMessage `json:"inferred_schema,omitempty"`
}

// Failed reports whether the assertion ran and did not pass.
func (r Result) Failed() bool {
	return !r.Passed && !r.Skipped
}

// FormatID renders the identifier of an assertion result.
func FormatID(group, uri string, kind testcase.Kind) string {
	return fmt.Sprintf("%s - %s - %s", group, uri, kind)
}

// Engine evaluates expectations.
type Engine struct {
	defaults Defaults
	models   ModelResolver
	logger   *slog.Logger
}

// New creates an Engine. models may be nil.
func New(defaults Defaults, models ModelResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{defaults: defaults, models: models, logger: logger}
}

// Evaluate checks a single expectation.
func (e *Engine) Evaluate(in Input) Result {
	if in.Response == nil {
		return Errored(in, errors.New("no response"))
	}
	r := newResult(in)
	switch in.Expectation.Kind {
	case testcase.KindStatusCode:
		e.statusCode(in, &r)
	case testcase.KindTimeout:
		e.timeout(in, &r)
	case testcase.KindJSONSchema:
		e.jsonSchema(in, &r)
	default:
		e.logger.Warn("unknown assertion kind", "kind", string(in.Expectation.Kind), "group", in.Group, "uri", in.URI)
		r.Skipped = true
		r.Message = fmt.Sprintf("unknown assertion kind %q", in.Expectation.Kind)
	}
	return r
}

// Errored records an expectation that could not be checked because the
// request failed.
func Errored(in Input, err error) Result {
	r := newResult(in)
	r.Expected = canonical(in.Expectation.Value)
	r.Message = err.Error()
	return r
}

func newResult(in Input) Result {
	return Result{
		ID:       FormatID(in.Group, in.URI, in.Expectation.Kind),
		Group:    in.Group,
		URI:      in.URI,
		Identity: in.Identity,
		Kind:     in.Expectation.Kind,
	}
}

func (e *Engine) statusCode(in Input, r *Result) {
	expected, ok := intValue(in.Expectation.Value)
	if !ok {
		expected = e.defaults.StatusCode
	}
	actual := in.Response.StatusCode

	r.Expected = canonical(expected)
	r.Actual = canonical(strconv.Itoa(actual))
	r.Passed = actual == expected
	if !r.Passed {
		r.Message = fmt.Sprintf("expected status %d, got %d", expected, actual)
	}
}

func (e *Engine) timeout(in Input, r *Result) {
	bound, ok := floatValue(in.Expectation.Value)
	if !ok {
		bound = e.defaults.Timeout
	}
	if bound <= 0 {
		r.Skipped = true
		r.Message = "no timeout bound"
		return
	}
	elapsed := in.Response.Elapsed.Seconds()

	r.Expected = canonical(bound)
	r.Actual = canonical(math.Round(elapsed*1000) / 1000)
	r.Passed = elapsed <= bound
	if !r.Passed {
		r.Message = fmt.Sprintf("response took %.3fs, limit %gs", elapsed, bound)
	}
}

func (e *Engine) jsonSchema(in Input, r *Result) {
	schema, ok := e.resolveSchema(in.Expectation.Value)
	if !ok {
		r.Skipped = true
		r.Message = "no schema resolved"
		return
	}
	r.Expected = canonical(json.RawMessage(schema))

	body, err := in.Response.JSON()
	if err != nil {
		r.Skipped = true
		r.Message = "response body is not JSON"
		return
	}
	r.Actual = canonical(body)

	compiled, err := jsonschema.NewCompiler().Compile(schema)
	if err != nil {
		r.Message = fmt.Sprintf("compiling schema: %v", err)
		return
	}

	result := compiled.ValidateJSON(in.Response.Body)
	if result.IsValid() {
		r.Passed = true
		return
	}

	var problems []string
	for path, evalErr := range result.Errors {
		problems = append(problems, fmt.Sprintf("%s: %s", path, evalErr.Error()))
	}
	sort.Strings(problems)
	r.Message = "schema validation failed: " + strings.Join(problems, "; ")

	if inferred, err := json.Marshal(InferSchema(body)); err == nil {
		r.InferredSchema = inferred
	}
}

// resolveSchema accepts a literal schema or the name of a registered model.
func (e *Engine) resolveSchema(v any) ([]byte, bool) {
	switch s := v.(type) {
	case string:
		if e.models == nil {
			return nil, false
		}
		schema, ok := e.models.Model(s)
		if !ok {
			e.logger.Warn("response model not registered", "model", s)
		}
		return schema, ok
	case map[string]any:
		data, err := json.Marshal(s)
		if err != nil {
			return nil, false
		}
		return data, true
	case json.RawMessage:
		return s, len(s) > 0
	}
	return nil, false
}

// canonical renders v as RFC 8785 JSON so reports compare byte for byte.
func canonical(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if out, err := jcs.Transform(data); err == nil {
		return out
	}
	return data
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// IDSet hands out result ids that are unique within a run.
type IDSet struct {
	seen map[string]int
}

// Unique returns id, or id with a " #n" suffix when id was already handed out.
func (s *IDSet) Unique(id string) string {
	if s.seen == nil {
		s.seen = make(map[string]int)
	}
	s.seen[id]++
	if n := s.seen[id]; n > 1 {
		return fmt.Sprintf("%s #%d", id, n)
	}
	return id
}

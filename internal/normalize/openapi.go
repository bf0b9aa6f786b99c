package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/erraggy/oastools/parser"

	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

// DefaultTag groups operations that declare no tags.
const DefaultTag = "default"

// Default expectations attached to generated test cases.
const (
	defaultStatusCode = 200
	defaultTimeout    = 10
)

// TaggedCases is an ordered tag → test cases grouping produced by an adapter.
type TaggedCases struct {
	order []string
	cases map[string][]testcase.TestCase
}

func newTaggedCases() *TaggedCases {
	return &TaggedCases{cases: make(map[string][]testcase.TestCase)}
}

func (t *TaggedCases) add(tag string, tc testcase.TestCase) {
	if _, ok := t.cases[tag]; !ok {
		t.order = append(t.order, tag)
		t.cases[tag] = nil
	}
	t.cases[tag] = append(t.cases[tag], tc)
}

// Tags returns the tags in first-seen order.
func (t *TaggedCases) Tags() []string {
	return t.order
}

// Cases returns the test cases for a tag.
func (t *TaggedCases) Cases(tag string) []testcase.TestCase {
	return t.cases[tag]
}

// ConvertOpenAPI turns every path × operation of an OpenAPI document into a
// test case grouped by its first tag. Spaces in tags become underscores so
// the tag is usable as a group directory.
func ConvertOpenAPI(doc map[string]any, sampler *Sampler, logger *slog.Logger) (*TaggedCases, error) {
	typed, err := decodeOpenAPI(doc)
	if err != nil {
		return nil, err
	}
	resolver := NewResolver(doc)
	rawPaths := asMap(doc["paths"])
	out := newTaggedCases()

	names := make([]string, 0, len(typed.Paths))
	for p := range typed.Paths {
		names = append(names, p)
	}
	sort.Strings(names)

	for _, path := range names {
		item := typed.Paths[path]
		if item == nil {
			continue
		}
		rawItem := asMap(rawPaths[path])
		shared := asList(rawItem["parameters"])

		for _, o := range operations(item) {
			// Schemas are taken from the raw document so keywords pass
			// through to the jsonSchema expectation untouched.
			tc, err := convertOperation(path, o.verb, asMap(rawItem[o.verb]), shared, resolver, sampler)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", strings.ToUpper(o.verb), path, err)
			}

			tag := operationTag(o.op)
			out.add(tag, tc)
			logger.Debug("converted operation", "method", o.verb, "path", path, "tag", tag)
		}
	}
	return out, nil
}

// decodeOpenAPI maps the generic document onto the oastools model used to
// enumerate paths, operations and tags.
func decodeOpenAPI(doc map[string]any) (*parser.OAS3Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding openapi document: %w", err)
	}
	var typed parser.OAS3Document
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("decoding openapi document: %w", err)
	}
	return &typed, nil
}

type operation struct {
	verb string
	op   *parser.Operation
}

// operations lists the operations of a path item in a fixed verb order.
func operations(item *parser.PathItem) []operation {
	var out []operation
	for _, o := range []operation{
		{"get", item.Get},
		{"put", item.Put},
		{"post", item.Post},
		{"delete", item.Delete},
		{"options", item.Options},
		{"head", item.Head},
		{"patch", item.Patch},
		{"trace", item.Trace},
	} {
		if o.op != nil {
			out = append(out, o)
		}
	}
	return out
}

func operationTag(op *parser.Operation) string {
	if len(op.Tags) == 0 || op.Tags[0] == "" {
		return DefaultTag
	}
	return strings.ReplaceAll(op.Tags[0], " ", "_")
}

func convertOperation(path, verb string, op map[string]any, shared []any, resolver *Resolver, sampler *Sampler) (testcase.TestCase, error) {
	params, err := resolveParameters(shared, asList(op["parameters"]), resolver)
	if err != nil {
		return testcase.TestCase{}, err
	}

	uri := path
	var query []any
	for _, p := range params {
		if p.in == "path" {
			value := sampler.Sample(p.schema)
			uri = strings.ReplaceAll(uri, "{"+p.name+"}", fmt.Sprint(value))
			continue
		}
		query = append(query, map[string]any{
			"name":     p.name,
			"schema":   p.schema,
			"required": p.required,
		})
	}

	tc := testcase.TestCase{
		API: testcase.API{
			URI:    uri,
			Method: verb,
		},
		Tests: testcase.Tests{
			testcase.KindStatusCode: defaultStatusCode,
			testcase.KindTimeout:    defaultTimeout,
		},
	}
	if len(query) > 0 {
		tc.API.Params = sampler.Sample(ParamsSchema(query))
	}

	if body := requestBodySchema(op); len(body) > 0 {
		resolved, err := resolver.Resolve(body)
		if err != nil {
			return testcase.TestCase{}, fmt.Errorf("request body: %w", err)
		}
		tc.API.Data = sampler.Sample(resolved)
	}

	if resp := responseSchema(op, resolver); len(resp) > 0 {
		resolved, err := resolver.Resolve(resp)
		if err != nil {
			return testcase.TestCase{}, fmt.Errorf("response schema: %w", err)
		}
		tc.Tests[testcase.KindJSONSchema] = resolved
	}
	return tc, nil
}

type parameter struct {
	name     string
	in       string
	required bool
	schema   any
}

// resolveParameters merges path-level and operation-level parameters; an
// operation parameter overrides a shared one with the same name and location.
// Parameters without a schema are ignored.
func resolveParameters(shared, own []any, resolver *Resolver) ([]parameter, error) {
	var out []parameter
	index := make(map[string]int)

	for _, list := range [][]any{shared, own} {
		for _, raw := range list {
			resolved, err := resolver.Resolve(raw)
			if err != nil {
				return nil, fmt.Errorf("parameter: %w", err)
			}
			p := asMap(resolved)
			name, _ := p["name"].(string)
			declared, ok := p["schema"].(map[string]any)
			if name == "" || !ok {
				continue
			}
			schema, err := resolver.Resolve(declared)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			in, _ := p["in"].(string)
			if in == "" {
				in = "query"
			}
			required, _ := p["required"].(bool)
			param := parameter{name: name, in: in, required: required, schema: schema}

			key := in + ":" + name
			if i, dup := index[key]; dup {
				out[i] = param
				continue
			}
			index[key] = len(out)
			out = append(out, param)
		}
	}
	return out, nil
}

// ParamsSchema builds an object schema from operation parameters, collecting
// the names of required parameters.
func ParamsSchema(parameters []any) map[string]any {
	properties := make(map[string]any)
	var required []any
	for _, raw := range parameters {
		p := asMap(raw)
		name, _ := p["name"].(string)
		schema, ok := p["schema"]
		if name == "" || !ok {
			continue
		}
		properties[name] = schema
		if req, _ := p["required"].(bool); req {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func requestBodySchema(op map[string]any) map[string]any {
	content := asMap(asMap(op["requestBody"])["content"])
	return asMap(asMap(content["application/json"])["schema"])
}

func responseSchema(op map[string]any, resolver *Resolver) map[string]any {
	resp := asMap(asMap(op["responses"])["200"])
	if ref, ok := resp["$ref"].(string); ok {
		if target, err := resolver.lookup(ref); err == nil {
			resp = asMap(target)
		}
	}
	content := asMap(resp["content"])
	return asMap(asMap(content["application/json"])["schema"])
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

package assert

import (
	"math"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"time"

	"github.com/invopop/jsonschema"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// InferSchema describes the shape of a decoded JSON value. It is attached to
// failed schema assertions to show what the service actually returned.
func InferSchema(v any) *jsonschema.Schema {
	switch x := v.(type) {
	case nil:
		return &jsonschema.Schema{Type: "null"}
	case bool:
		return &jsonschema.Schema{Type: "boolean"}
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return &jsonschema.Schema{Type: "integer"}
		}
		return &jsonschema.Schema{Type: "number"}
	case string:
		return &jsonschema.Schema{Type: "string", Format: stringFormat(x)}
	case []any:
		s := &jsonschema.Schema{Type: "array"}
		for _, item := range x {
			s.Items = mergeSchemas(s.Items, InferSchema(item))
		}
		return s
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		s := &jsonschema.Schema{
			Type:       "object",
			Properties: jsonschema.NewProperties(),
			Required:   keys,
		}
		for _, k := range keys {
			s.Properties.Set(k, InferSchema(x[k]))
		}
		return s
	}
	return &jsonschema.Schema{}
}

func stringFormat(s string) string {
	switch {
	case uuidPattern.MatchString(s):
		return "uuid"
	case isDateTime(s):
		return "date-time"
	case isEmail(s):
		return "email"
	case isURI(s):
		return "uri"
	}
	return ""
}

func isDateTime(s string) bool {
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func isEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func isURI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// mergeSchemas combines the schemas of two array elements. Objects keep the
// union of their properties and the intersection of their required keys.
// Differing types become an anyOf.
func mergeSchemas(a, b *jsonschema.Schema) *jsonschema.Schema {
	if a == nil {
		return b
	}
	if len(a.AnyOf) > 0 {
		for _, branch := range a.AnyOf {
			if branch.Type == b.Type {
				return a
			}
		}
		a.AnyOf = append(a.AnyOf, b)
		return a
	}

	switch {
	case a.Type == b.Type:
	case a.Type == "integer" && b.Type == "number", a.Type == "number" && b.Type == "integer":
		return &jsonschema.Schema{Type: "number"}
	default:
		return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{a, b}}
	}

	switch a.Type {
	case "object":
		for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
			existing, ok := a.Properties.Get(pair.Key)
			if ok {
				a.Properties.Set(pair.Key, mergeSchemas(existing, pair.Value))
				continue
			}
			a.Properties.Set(pair.Key, pair.Value)
		}
		a.Required = intersect(a.Required, b.Required)
	case "array":
		if b.Items != nil {
			a.Items = mergeSchemas(a.Items, b.Items)
		}
	case "string":
		if a.Format != b.Format {
			a.Format = ""
		}
	}
	return a
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, k := range b {
		in[k] = true
	}
	out := []string{}
	for _, k := range a {
		if in[k] {
			out = append(out, k)
		}
	}
	return out
}

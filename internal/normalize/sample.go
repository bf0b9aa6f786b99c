package normalize

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brianvoe/gofakeit/v7"
)

const maxSampleDepth = 8

// Sampler synthesizes request data that satisfies a resolved JSON schema.
type Sampler struct {
	faker *gofakeit.Faker
}

// NewSampler creates a Sampler. A zero seed picks a random one.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{faker: gofakeit.New(seed)}
}

// Sample returns a value matching schema. Non-object schemas yield nil.
func (s *Sampler) Sample(schema any) any {
	return s.sample(schema, 0)
}

func (s *Sampler) sample(schema any, depth int) any {
	node, ok := schema.(map[string]any)
	if !ok {
		return nil
	}

	if v, ok := node["const"]; ok {
		return v
	}
	if v, ok := node["example"]; ok {
		return v
	}
	if v, ok := node["default"]; ok {
		return v
	}
	if enum, ok := node["enum"].([]any); ok && len(enum) > 0 {
		return enum[s.faker.IntRange(0, len(enum)-1)]
	}

	for _, key := range []string{"oneOf", "anyOf"} {
		if list, ok := node[key].([]any); ok && len(list) > 0 {
			return s.sample(list[0], depth)
		}
	}

	switch schemaType(node) {
	case "object":
		if depth >= maxSampleDepth {
			return map[string]any{}
		}
		out := make(map[string]any)
		props, _ := node["properties"].(map[string]any)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out[name] = s.sample(props[name], depth+1)
		}
		return out
	case "array":
		if depth >= maxSampleDepth {
			return []any{}
		}
		lo := intKeyword(node, "minItems", 1)
		hi := intKeyword(node, "maxItems", lo+2)
		if hi < lo {
			hi = lo
		}
		n := s.faker.IntRange(lo, hi)
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, s.sample(node["items"], depth+1))
		}
		return out
	case "integer":
		lo, hi := numericBounds(node, 0, 1000)
		return s.faker.IntRange(int(math.Ceil(lo)), int(math.Floor(hi)))
	case "number":
		lo, hi := numericBounds(node, 0, 1000)
		v := s.faker.Float64Range(lo, hi)
		// Two decimals read better, unless rounding leaves the bounds.
		if r := math.Round(v*100) / 100; r >= lo && r <= hi {
			return r
		}
		return v
	case "boolean":
		return s.faker.Bool()
	case "null":
		return nil
	default:
		return s.sampleString(node)
	}
}

func (s *Sampler) sampleString(node map[string]any) string {
	format, _ := node["format"].(string)
	switch format {
	case "email":
		return s.faker.Email()
	case "uuid":
		return s.faker.UUID()
	case "date":
		return s.faker.Date().Format(time.DateOnly)
	case "date-time":
		return s.faker.Date().UTC().Format(time.RFC3339)
	case "uri", "url":
		return s.faker.URL()
	case "hostname":
		return s.faker.DomainName()
	case "ipv4":
		return s.faker.IPv4Address()
	case "ipv6":
		return s.faker.IPv6Address()
	}

	var v string
	if pattern, ok := node["pattern"].(string); ok && pattern != "" {
		v = s.faker.Regex(pattern)
	} else {
		v = s.faker.Word()
	}

	// Lengths count characters, not bytes.
	n := utf8.RuneCountInString(v)
	if minLen := intKeyword(node, "minLength", 0); n < minLen {
		v += strings.ToLower(s.faker.LetterN(uint(minLen - n)))
	}
	if maxLen := intKeyword(node, "maxLength", 0); maxLen > 0 && utf8.RuneCountInString(v) > maxLen {
		v = string([]rune(v)[:maxLen])
	}
	return v
}

// schemaType returns the declared type, preferring a non-null entry when the
// type is a list. Without a declaration the type is inferred from keywords.
func schemaType(node map[string]any) string {
	switch t := node["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
		return "null"
	}
	if _, ok := node["properties"]; ok {
		return "object"
	}
	if _, ok := node["items"]; ok {
		return "array"
	}
	return "string"
}

func numericBounds(node map[string]any, lo, hi float64) (float64, float64) {
	if v, ok := toFloat(node["minimum"]); ok {
		lo = v
		if excl, _ := node["exclusiveMinimum"].(bool); excl {
			lo++
		}
	}
	if v, ok := toFloat(node["exclusiveMinimum"]); ok {
		lo = v + 1
	}
	if v, ok := toFloat(node["maximum"]); ok {
		hi = v
		if excl, _ := node["exclusiveMaximum"].(bool); excl {
			hi--
		}
	} else if hi < lo {
		hi = lo + 1000
	}
	if v, ok := toFloat(node["exclusiveMaximum"]); ok {
		hi = v - 1
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func intKeyword(node map[string]any, key string, def int) int {
	if v, ok := toFloat(node[key]); ok {
		return int(v)
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

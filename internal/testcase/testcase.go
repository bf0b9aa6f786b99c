// Package testcase defines the canonical test-case format: one API call plus
// the expectations checked against its response.
package testcase

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Kind names an assertion kind.
type Kind string

const (
	KindStatusCode Kind = "statusCode"
	KindTimeout    Kind = "timeout"
	KindJSONSchema Kind = "jsonSchema"
)

// Kinds returns the assertion kinds understood by the engine, in evaluation order.
func Kinds() []Kind {
	return []Kind{KindStatusCode, KindTimeout, KindJSONSchema}
}

// Known reports whether k is an assertion kind the engine evaluates.
func (k Kind) Known() bool {
	switch k {
	case KindStatusCode, KindTimeout, KindJSONSchema:
		return true
	}
	return false
}

// TestCase is a single API call together with its expectations.
type TestCase struct {
	API   API   `json:"api"`
	Tests Tests `json:"tests"`
}

// API describes the request to replay.
//
// Data holds either a literal payload or a string naming a registered payload
// builder; it is resolved at dispatch time. RawData marks a string Data as a
// literal body that is never looked up. Params is either an object or a list
// of single-key objects.
type API struct {
	URI     string `json:"uri"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Data    any    `json:"data,omitempty"`
	RawData bool   `json:"raw_data,omitempty"`
}

// UnmarshalJSON accepts the legacy "param" key as an alias of "params".
func (a *API) UnmarshalJSON(data []byte) error {
	var raw struct {
		URI     string `json:"uri"`
		Method  string `json:"method"`
		Params  any    `json:"params"`
		Param   any    `json:"param"`
		Data    any    `json:"data"`
		RawData bool   `json:"raw_data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.URI = raw.URI
	a.Method = raw.Method
	a.Params = raw.Params
	if a.Params == nil {
		a.Params = raw.Param
	}
	a.Data = raw.Data
	a.RawData = raw.RawData
	return nil
}

// Tests maps an assertion kind to its expected value.
type Tests map[Kind]any

// Expectation is one (kind, expected value) pair.
type Expectation struct {
	Kind  Kind
	Value any
}

// Active returns the expectations whose expected value is not falsy. Known
// kinds come first in engine order, followed by unknown kinds sorted by name.
func (t Tests) Active() []Expectation {
	var out []Expectation
	for _, k := range Kinds() {
		if v, ok := t[k]; ok && !IsFalsy(v) {
			out = append(out, Expectation{Kind: k, Value: v})
		}
	}

	var unknown []string
	for k, v := range t {
		if !k.Known() && !IsFalsy(v) {
			unknown = append(unknown, string(k))
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		out = append(out, Expectation{Kind: Kind(k), Value: t[Kind(k)]})
	}
	return out
}

// IsFalsy reports whether v is an "empty" expected value: nil, false, zero,
// the empty string, or an empty object or list.
func IsFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case float32:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case json.Number:
		return x == "" || x == "0"
	case string:
		return x == ""
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}

// LoadFile parses a canonical test file: a JSON array of test cases.
func LoadFile(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test file %s: %w", path, err)
	}

	var cases []TestCase
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parsing test file %s: %w", path, err)
	}
	return cases, nil
}

// SaveFile writes test cases as an indented JSON array.
func SaveFile(path string, cases []TestCase) error {
	if cases == nil {
		cases = []TestCase{}
	}
	data, err := json.MarshalIndent(cases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling test cases: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

package testcase

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tests.json")
	content := `[
  {
    "api": {"uri": "/products", "method": "get", "params": {"limit": 10}},
    "tests": {"statusCode": 200, "timeout": 5, "jsonSchema": {"type": "object"}}
  },
  {
    "api": {"uri": "/products/add", "method": "post", "param": [{"q": "x"}], "data": "AddProduct"},
    "tests": {"statusCode": 201}
  }
]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cases, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}
	if cases[0].API.URI != "/products" || cases[0].API.Method != "get" {
		t.Errorf("unexpected api: %+v", cases[0].API)
	}
	if _, ok := cases[1].API.Params.([]any); !ok {
		t.Errorf("expected legacy param list to populate Params, got %T", cases[1].API.Params)
	}
	if cases[1].API.Data != "AddProduct" {
		t.Errorf("expected symbolic data, got %v", cases[1].API.Data)
	}
}

func TestLoadFileInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tests.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func TestActiveSkipsFalsyValues(t *testing.T) {
	tests := Tests{
		KindJSONSchema: map[string]any{},
		KindTimeout:    float64(0),
		KindStatusCode: float64(200),
		"headers":      "x",
		"other":        nil,
	}

	active := tests.Active()
	if len(active) != 2 {
		t.Fatalf("expected 2 active expectations, got %d: %+v", len(active), active)
	}
	if active[0].Kind != KindStatusCode {
		t.Errorf("expected statusCode first, got %s", active[0].Kind)
	}
	if active[1].Kind != "headers" {
		t.Errorf("expected unknown kind last, got %s", active[1].Kind)
	}
}

func TestIsFalsy(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, true},
		{"false", false, true},
		{"true", true, false},
		{"zero", float64(0), true},
		{"int", 200, false},
		{"empty string", "", true},
		{"name", "UserResponse", false},
		{"empty map", map[string]any{}, true},
		{"schema", map[string]any{"type": "object"}, false},
		{"empty list", []any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFalsy(tt.v); got != tt.want {
				t.Errorf("IsFalsy(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tests.json")
	in := []TestCase{{
		API:   API{URI: "/user/me", Method: "get"},
		Tests: Tests{KindStatusCode: 200, KindTimeout: 10},
	}}
	if err := SaveFile(path, in); err != nil {
		t.Fatalf("SaveFile() error: %v", err)
	}

	out, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(out) != 1 || out[0].API.URI != "/user/me" {
		t.Fatalf("unexpected round trip result: %+v", out)
	}
	if out[0].Tests[KindStatusCode] != float64(200) {
		t.Errorf("expected statusCode 200, got %v", out[0].Tests[KindStatusCode])
	}
}

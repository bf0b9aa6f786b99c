// Package normalize converts OpenAPI documents and Postman collections into
// the canonical test directory layout: one directory per group holding a
// tests.json file.
package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bigthinkcode/rest-tester/internal/testcase"
)

const (
	postmanIDKey = "_postman_id"
	openAPIKey   = "openapi"

	defaultOpenAPITitle = "OpenAPI_Spec"

	// TestsFile is the file written into every converted group directory.
	TestsFile = "tests.json"
)

// Format identifies an input document type.
type Format string

const (
	FormatCanonical Format = "canonical"
	FormatOpenAPI   Format = "openapi"
	FormatPostman   Format = "postman"
)

// Options control a conversion.
type Options struct {
	// OutputDir replaces the input file's directory as the parent of the
	// converted tree.
	OutputDir string
	// Seed makes sample data reproducible. Zero means random.
	Seed uint64
}

// Normalize converts the document at path when it is an OpenAPI document or a
// Postman collection and returns the root of the generated test directory.
// Directories and unrecognized files are returned unchanged.
func Normalize(path string, opts Options, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() || !isDocument(path) {
		return path, nil
	}

	doc, err := ReadDocument(path)
	if err != nil {
		return "", err
	}

	format := Detect(doc)
	if format == FormatCanonical {
		return path, nil
	}

	var (
		cases *TaggedCases
		title string
	)
	switch format {
	case FormatPostman:
		title, _ = asMap(doc["info"])["name"].(string)
		cases, err = ConvertPostman(doc, logger)
	case FormatOpenAPI:
		title, _ = asMap(doc["info"])["title"].(string)
		if title == "" {
			title = defaultOpenAPITitle
		}
		cases, err = ConvertOpenAPI(doc, NewSampler(opts.Seed), logger)
	}
	if err != nil {
		return "", fmt.Errorf("converting %s: %w", path, err)
	}

	parent := opts.OutputDir
	if parent == "" {
		parent = filepath.Dir(path)
	}
	root := filepath.Join(parent, strings.ReplaceAll(title, " ", "_"))

	if err := Write(root, cases); err != nil {
		return "", err
	}
	logger.Info("converted api description", "source", path, "format", string(format), "output", root, "groups", len(cases.Tags()))
	return root, nil
}

// Write stores each tag's test cases in <root>/<tag>/tests.json.
func Write(root string, cases *TaggedCases) error {
	for _, tag := range cases.Tags() {
		dir := filepath.Join(root, tag)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating group dir %s: %w", dir, err)
		}
		if err := testcase.SaveFile(filepath.Join(dir, TestsFile), cases.Cases(tag)); err != nil {
			return fmt.Errorf("writing group %s: %w", tag, err)
		}
	}
	return nil
}

// Detect sniffs the format of a parsed document.
func Detect(doc map[string]any) Format {
	if _, ok := asMap(doc["info"])[postmanIDKey]; ok {
		return FormatPostman
	}
	if _, ok := doc[openAPIKey]; ok {
		return FormatOpenAPI
	}
	return FormatCanonical
}

// ReadDocument parses a JSON or YAML file into a generic map. YAML mappings
// are converted so that every key is a string.
func ReadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		raw = stringKeys(raw)
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	doc, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return doc, nil
}

func isDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// stringKeys rewrites YAML-decoded maps with non-string keys, such as the
// integer response code 200, into map[string]any.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case []any:
		for i, val := range x {
			x[i] = stringKeys(val)
		}
		return x
	}
	return v
}

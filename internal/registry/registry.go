// Package registry maps names used in test files to request payload builders
// and response models.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// PayloadFunc builds a request body on demand.
type PayloadFunc func() (any, error)

// Registry holds named payload builders and response-model schemas. It is
// populated at startup and read during a run.
type Registry struct {
	mu       sync.RWMutex
	payloads map[string]PayloadFunc
	models   map[string]json.RawMessage

	reflector *jsonschema.Reflector
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		payloads: make(map[string]PayloadFunc),
		models:   make(map[string]json.RawMessage),
		reflector: &jsonschema.Reflector{
			Anonymous:                 true,
			DoNotReference:            true,
			AllowAdditionalProperties: true,
		},
	}
}

// RegisterPayload binds name to a payload builder, replacing any previous one.
func (r *Registry) RegisterPayload(name string, fn PayloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[name] = fn
}

// Payload builds the payload registered under name. The boolean is false when
// the name is unknown or the builder fails.
func (r *Registry) Payload(name string) (any, bool) {
	r.mu.RLock()
	fn, ok := r.payloads[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	v, err := fn()
	if err != nil {
		return nil, false
	}
	return v, true
}

// RegisterModel derives a JSON schema from the Go type of prototype and binds
// it to name.
func (r *Registry) RegisterModel(name string, prototype any) error {
	schema := r.reflector.Reflect(prototype)
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("reflecting model %s: %w", name, err)
	}
	r.RegisterModelSchema(name, data)
	return nil
}

// RegisterModelSchema binds name to a literal JSON schema.
func (r *Registry) RegisterModelSchema(name string, schema json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = schema
}

// Model returns the schema registered under name.
func (r *Registry) Model(name string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.models[name]
	return schema, ok
}

// Names returns the registered payload and model names, each sorted.
func (r *Registry) Names() (payloads, models []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.payloads {
		payloads = append(payloads, n)
	}
	for n := range r.models {
		models = append(models, n)
	}
	sort.Strings(payloads)
	sort.Strings(models)
	return payloads, models
}

// LoadPayloadDir registers every *.json file in dir as a payload named after
// the file stem. The file is re-read on each build so edits between runs are
// picked up.
func (r *Registry) LoadPayloadDir(dir string) (int, error) {
	files, err := jsonFiles(dir)
	if err != nil {
		return 0, err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("reading payload %s: %w", path, err)
		}
		if !json.Valid(data) {
			return 0, fmt.Errorf("payload %s is not valid JSON", path)
		}
		path := path
		r.RegisterPayload(stem(path), func() (any, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("parsing payload %s: %w", path, err)
			}
			return v, nil
		})
	}
	return len(files), nil
}

// LoadModelDir registers every *.json file in dir as a response-model schema
// named after the file stem.
func (r *Registry) LoadModelDir(dir string) (int, error) {
	files, err := jsonFiles(dir)
	if err != nil {
		return 0, err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("reading model %s: %w", path, err)
		}
		if !json.Valid(data) {
			return 0, fmt.Errorf("model %s is not valid JSON", path)
		}
		r.RegisterModelSchema(stem(path), json.RawMessage(data))
	}
	return len(files), nil
}

func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

package normalize

import (
	"errors"
	"fmt"
	"strings"
)

// ErrReferenceNotFound is returned when a $ref does not point into the document.
var ErrReferenceNotFound = errors.New("reference not found")

// Resolver expands $ref and allOf nodes of an OpenAPI document's schemas.
type Resolver struct {
	doc map[string]any
}

// NewResolver creates a Resolver for refs local to doc.
func NewResolver(doc map[string]any) *Resolver {
	return &Resolver{doc: doc}
}

// NewComponentsResolver creates a Resolver from a bare components object,
// as found under the "components" key of an OpenAPI document.
func NewComponentsResolver(components map[string]any) *Resolver {
	return &Resolver{doc: map[string]any{"components": components}}
}

// Resolve returns schema with every $ref replaced by its target and every
// allOf merged into a single object schema. Nested properties, items, and
// composition branches are resolved too. A reference that recurses into
// itself is replaced by an empty schema.
func (r *Resolver) Resolve(schema any) (any, error) {
	return r.resolve(schema, nil)
}

func (r *Resolver) resolve(schema any, stack []string) (any, error) {
	node, ok := schema.(map[string]any)
	if !ok {
		return schema, nil
	}

	if ref, ok := node["$ref"].(string); ok {
		for _, seen := range stack {
			if seen == ref {
				return map[string]any{}, nil
			}
		}
		target, err := r.lookup(ref)
		if err != nil {
			return nil, err
		}
		return r.resolve(target, append(stack, ref))
	}

	if branches, ok := node["allOf"].([]any); ok {
		return r.mergeAllOf(node, branches, stack)
	}

	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}

	if props, ok := node["properties"].(map[string]any); ok {
		resolved := make(map[string]any, len(props))
		for name, p := range props {
			rp, err := r.resolve(p, stack)
			if err != nil {
				return nil, err
			}
			resolved[name] = rp
		}
		out["properties"] = resolved
	}

	for _, key := range []string{"items", "additionalProperties", "not"} {
		if sub, ok := node[key].(map[string]any); ok {
			rs, err := r.resolve(sub, stack)
			if err != nil {
				return nil, err
			}
			out[key] = rs
		}
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		if list, ok := node[key].([]any); ok {
			resolved := make([]any, 0, len(list))
			for _, sub := range list {
				rs, err := r.resolve(sub, stack)
				if err != nil {
					return nil, err
				}
				resolved = append(resolved, rs)
			}
			out[key] = resolved
		}
	}

	return out, nil
}

// mergeAllOf resolves each branch and shallow-merges their properties and
// required lists. Sibling keys on the node override the merged result.
func (r *Resolver) mergeAllOf(node map[string]any, branches []any, stack []string) (any, error) {
	properties := make(map[string]any)
	var required []any
	seen := make(map[string]bool)

	for _, branch := range branches {
		resolved, err := r.resolve(branch, stack)
		if err != nil {
			return nil, err
		}
		sub, ok := resolved.(map[string]any)
		if !ok || len(sub) == 0 {
			continue
		}
		if props, ok := sub["properties"].(map[string]any); ok {
			for k, v := range props {
				properties[k] = v
			}
		}
		if req, ok := sub["required"].([]any); ok {
			for _, name := range req {
				key := fmt.Sprint(name)
				if seen[key] {
					continue
				}
				seen[key] = true
				required = append(required, name)
			}
		}
	}

	if required == nil {
		required = []any{}
	}
	merged := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	for k, v := range node {
		if k == "allOf" {
			continue
		}
		merged[k] = v
	}
	return merged, nil
}

// lookup follows a local JSON pointer such as "#/components/schemas/Pet".
func (r *Resolver) lookup(ref string) (any, error) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, fmt.Errorf("%w: %s (only local references are supported)", ErrReferenceNotFound, ref)
	}

	var current any = r.doc
	for _, segment := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segment = strings.ReplaceAll(segment, "~0", "~")

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		next, ok := m[segment]
		if !ok || next == nil {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, ref)
		}
		current = next
	}
	return current, nil
}

// Package patch implements the narrow JSON-Patch subset used to mutate
// identity records: add, remove, replace, move, copy and test over
// slash-delimited pointers into the record document. It is a pure function
// over an in-memory snapshot and performs no I/O.
package patch

import (
	"fmt"
	"reflect"
	"strings"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
)

// Op is a single patch operation in the standard pointer-based shape.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Apply runs ops in order against a deep copy of doc and returns the result.
// The input document is never mutated. Malformed operations (unknown op,
// bad pointer syntax) fail with ErrInvalidRequest; structural failures
// (missing paths, failed test ops) fail with ErrPatchFailed. Either way the
// whole patch is discarded.
func Apply(doc map[string]any, ops []Op) (map[string]any, error) {
	out := deepCopy(doc).(map[string]any)

	for i, op := range ops {
		if err := applyOne(out, op); err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return out, nil
}

func applyOne(doc map[string]any, op Op) error {
	path, err := parsePointer(op.Path)
	if err != nil {
		return err
	}

	switch op.Op {
	case "add":
		return add(doc, path, deepCopy(op.Value))

	case "replace":
		parent, key, err := resolveExisting(doc, path)
		if err != nil {
			return err
		}
		parent[key] = deepCopy(op.Value)
		return nil

	case "remove":
		parent, key, err := resolveExisting(doc, path)
		if err != nil {
			return err
		}
		delete(parent, key)
		return nil

	case "move":
		from, err := parsePointer(op.From)
		if err != nil {
			return err
		}
		if isPrefix(from, path) {
			return fmt.Errorf("%w: cannot move a value into itself", domainErrors.ErrInvalidRequest)
		}
		parent, key, err := resolveExisting(doc, from)
		if err != nil {
			return err
		}
		val := parent[key]
		delete(parent, key)
		return add(doc, path, val)

	case "copy":
		from, err := parsePointer(op.From)
		if err != nil {
			return err
		}
		parent, key, err := resolveExisting(doc, from)
		if err != nil {
			return err
		}
		return add(doc, path, deepCopy(parent[key]))

	case "test":
		parent, key, err := resolveExisting(doc, path)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(parent[key], op.Value) {
			return fmt.Errorf("%w: test mismatch at %q", domainErrors.ErrPatchFailed, op.Path)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown op %q", domainErrors.ErrInvalidRequest, op.Op)
	}
}

// add sets the value at path. The parent container must already exist; a
// pre-existing value at the final key is overwritten, per RFC 6902 object
// semantics.
func add(doc map[string]any, path []string, val any) error {
	parent, key, err := resolveParent(doc, path)
	if err != nil {
		return err
	}
	parent[key] = val
	return nil
}

// resolveParent walks to the container holding the final path token.
func resolveParent(doc map[string]any, path []string) (map[string]any, string, error) {
	cur := doc
	for _, tok := range path[:len(path)-1] {
		next, ok := cur[tok]
		if !ok {
			return nil, "", fmt.Errorf("%w: path segment %q does not exist", domainErrors.ErrPatchFailed, tok)
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w: path segment %q is not an object", domainErrors.ErrPatchFailed, tok)
		}
		cur = m
	}
	return cur, path[len(path)-1], nil
}

// resolveExisting is resolveParent plus a requirement that the final key
// itself is present.
func resolveExisting(doc map[string]any, path []string) (map[string]any, string, error) {
	parent, key, err := resolveParent(doc, path)
	if err != nil {
		return nil, "", err
	}
	if _, ok := parent[key]; !ok {
		return nil, "", fmt.Errorf("%w: path %q does not exist", domainErrors.ErrPatchFailed, "/"+strings.Join(path, "/"))
	}
	return parent, key, nil
}

// parsePointer splits an RFC 6901 pointer into unescaped tokens. The empty
// pointer (whole document) is rejected: record-level replacement is not a
// supported operation.
func parsePointer(ptr string) ([]string, error) {
	if ptr == "" || !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("%w: invalid pointer %q", domainErrors.ErrInvalidRequest, ptr)
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tok = strings.ReplaceAll(tok, "~0", "~")
		tokens[i] = tok
	}
	return tokens, nil
}

func isPrefix(from, path []string) bool {
	if len(from) > len(path) {
		return false
	}
	for i := range from {
		if from[i] != path[i] {
			return false
		}
	}
	return true
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

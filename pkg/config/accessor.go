package config

import (
	"strings"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

// MapAccessor provides dotted-path lookup with defaults over a raw
// configuration tree. It implements engine.Accessor.
type MapAccessor struct {
	tree map[string]interface{}
}

var _ engine.Accessor = (*MapAccessor)(nil)

// NewAccessor wraps a raw configuration tree. A nil tree is treated as
// empty: every lookup returns its default.
func NewAccessor(tree map[string]interface{}) *MapAccessor {
	if tree == nil {
		tree = map[string]interface{}{}
	}
	return &MapAccessor{tree: tree}
}

// Get returns the raw value at path, or def when the path is absent or
// crosses a non-map node.
func (a *MapAccessor) Get(path string, def interface{}) interface{} {
	v, ok := a.lookup(path)
	if !ok {
		return def
	}
	return v
}

// GetString returns the string at path, or def when absent or not a string.
func (a *MapAccessor) GetString(path string, def string) string {
	v, ok := a.lookup(path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// GetInt returns the integer at path, or def when absent. Whole floats are
// accepted because YAML round-trips may widen numbers.
func (a *MapAccessor) GetInt(path string, def int) int {
	v, ok := a.lookup(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
		return def
	default:
		return def
	}
}

// GetBool returns the boolean at path, or def when absent or not a bool.
func (a *MapAccessor) GetBool(path string, def bool) bool {
	v, ok := a.lookup(path)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// GetStringSlice returns the string slice at path, or def when absent.
// Mixed-type lists fall back to def.
func (a *MapAccessor) GetStringSlice(path string, def []string) []string {
	v, ok := a.lookup(path)
	if !ok {
		return def
	}

	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	default:
		return def
	}
}

// lookup walks the dotted path through nested maps.
func (a *MapAccessor) lookup(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current interface{} = a.tree

	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Scoped returns an accessor rooted at a subtree, so module code can read
// relative keys. A non-map node at path yields an empty accessor.
func (a *MapAccessor) Scoped(path string) *MapAccessor {
	v, ok := a.lookup(path)
	if !ok {
		return NewAccessor(nil)
	}
	sub, ok := v.(map[string]interface{})
	if !ok {
		return NewAccessor(nil)
	}
	return NewAccessor(sub)
}

package workflow

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
)

// Context is the accumulated result mapping threaded through one run. It is
// immutable: With returns a new Context and never changes the receiver, so a
// value handed to an executor can never be altered behind its back.
type Context struct {
	m map[string]any
}

// NewContext returns a Context holding a shallow copy of seed.
func NewContext(seed map[string]any) Context {
	return Context{m: maps.Clone(seed)}
}

// Get returns the entry stored under key.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.m[key]
	return v, ok
}

// With returns a copy of c with key set to value.
func (c Context) With(key string, value any) Context {
	m := make(map[string]any, len(c.m)+1)
	maps.Copy(m, c.m)
	m[key] = value
	return Context{m: m}
}

// Keys returns the context keys in sorted order.
func (c Context) Keys() []string {
	return slices.Sorted(maps.Keys(c.m))
}

func (c Context) Len() int { return len(c.m) }

// Map returns a copy of the entries.
func (c Context) Map() map[string]any {
	if c.m == nil {
		return map[string]any{}
	}
	return maps.Clone(c.m)
}

// MarshalJSON encodes the entries without escaping HTML characters.
func (c Context) MarshalJSON() ([]byte, error) {
	if c.m == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c.m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.m = m
	return nil
}

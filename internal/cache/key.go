package cache

import (
	"fmt"
	"net/url"
	"strings"
)

// Key identifies a cache entry by resource and scope, e.g.
// {Resource: "prayer-records", Scope: ["u1", "2026-10-17"]}.
//
// Keys are unique per (resource, scope). A Key also serves as a pattern:
// it matches every key with the same resource whose scope starts with the
// pattern's scope. The zero Key matches everything.
type Key struct {
	Resource string
	Scope    []string
}

// NewKey builds a key.
func NewKey(resource string, scope ...string) Key {
	s := make([]string, len(scope))
	copy(s, scope)
	return Key{Resource: resource, Scope: s}
}

// String returns the canonical form "resource/scope0/scope1". Segments are
// path-escaped so a scope value may contain '/'.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(url.PathEscape(k.Resource))
	for _, s := range k.Scope {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// ParseKey parses the canonical form produced by String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty cache key")
	}
	parts := strings.Split(s, "/")
	segs := make([]string, len(parts))
	for i, p := range parts {
		u, err := url.PathUnescape(p)
		if err != nil {
			return Key{}, fmt.Errorf("cache key %q: %w", s, err)
		}
		segs[i] = u
	}
	if segs[0] == "" {
		return Key{}, fmt.Errorf("cache key %q: resource is required", s)
	}
	return NewKey(segs[0], segs[1:]...), nil
}

// Matches reports whether k falls under pattern.
func (k Key) Matches(pattern Key) bool {
	if pattern.Resource == "" {
		return true
	}
	if k.Resource != pattern.Resource || len(pattern.Scope) > len(k.Scope) {
		return false
	}
	for i, s := range pattern.Scope {
		if k.Scope[i] != s {
			return false
		}
	}
	return true
}

// Equal reports whether k and o name the same entry.
func (k Key) Equal(o Key) bool {
	return k.Resource == o.Resource && len(k.Scope) == len(o.Scope) && k.Matches(o)
}

// IsZero reports whether k is the match-everything pattern.
func (k Key) IsZero() bool {
	return k.Resource == "" && len(k.Scope) == 0
}

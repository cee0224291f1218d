// Package fieldpath reads values out of loosely shaped JSON through an explicit, ordered
// list of dotted paths ("data.items", "user.id"). The first path that is present and not
// null wins, so the precedence between payload shapes is part of the caller's contract.
package fieldpath

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when none of the paths is present.
var ErrNotFound = errors.New("fieldpath: no path matched")

// Lookup returns the raw value at path, or false if any step is missing or the value is null.
func Lookup(doc json.RawMessage, path string) (json.RawMessage, bool) {
	cur := doc
	for _, key := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil || obj == nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	if t := bytes.TrimSpace(cur); len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil, false
	}
	return cur, true
}

// First returns the value at the first present path and the path that matched.
func First(doc json.RawMessage, paths ...string) (json.RawMessage, string, bool) {
	for _, p := range paths {
		if v, ok := Lookup(doc, p); ok {
			return v, p, true
		}
	}
	return nil, "", false
}

// Decode unmarshals the first present path into v. A present value of the wrong shape is an
// error rather than a reason to try the next path.
func Decode(doc json.RawMessage, v any, paths ...string) (string, error) {
	raw, p, ok := First(doc, paths...)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, strings.Join(paths, ", "))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return p, fmt.Errorf("fieldpath %s: %w", p, err)
	}
	return p, nil
}

// String returns the first present path holding a non-empty JSON string.
func String(doc json.RawMessage, paths ...string) (string, bool) {
	for _, p := range paths {
		raw, ok := Lookup(doc, p)
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

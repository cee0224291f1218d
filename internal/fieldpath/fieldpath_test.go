package fieldpath

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	doc := []byte(`{"data":{"items":[1,2],"params":{"pagination":{"totalPages":3}}},"nil":null,"id":"x"}`)
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"id", `"x"`, true},
		{"data.items", `[1,2]`, true},
		{"data.params.pagination.totalPages", `3`, true},
		{"nil", "", false},
		{"data.missing", "", false},
		{"id.deeper", "", false},
	}
	for _, tt := range tests {
		got, ok := Lookup(doc, tt.path)
		if ok != tt.ok || string(got) != tt.want {
			t.Errorf("Lookup(%q) = %s, %v want %s, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecode_precedence(t *testing.T) {
	var items []int
	p, err := Decode([]byte(`{"items":[1],"data":{"items":[2,3]}}`), &items, "items", "data.items")
	if err != nil || p != "items" || len(items) != 1 {
		t.Errorf("Decode = %q %v %v", p, items, err)
	}
	items = nil
	p, err = Decode([]byte(`{"items":null,"data":{"items":[2,3]}}`), &items, "items", "data.items")
	if err != nil || p != "data.items" || len(items) != 2 {
		t.Errorf("fallback Decode = %q %v %v", p, items, err)
	}
	_, err = Decode([]byte(`{}`), &items, "items", "data.items")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	_, err = Decode([]byte(`{"items":"oops","data":{"items":[1]}}`), &items, "items", "data.items")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("wrong shape err = %v", err)
	}
}

func TestString(t *testing.T) {
	s, ok := String([]byte(`{"id":"","user":{"id":"u-1"},"sub":"s-1"}`), "id", "user.id", "sub")
	if !ok || s != "u-1" {
		t.Errorf("String = %q %v", s, ok)
	}
}

package ir

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value types allowed in a log entry.
// Only String, Int, Bool, Array and Object implement it.
type Value interface {
	irValue()
}

// String is a string value.
type String string

func (String) irValue() {}

// Int is an integer value. Always int64.
type Int int64

func (Int) irValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) irValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) irValue() {}

// Object maps string keys to values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) irValue() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which orders supplementary-plane
// characters differently.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

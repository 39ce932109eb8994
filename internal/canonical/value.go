package canonical

import (
	"encoding/hex"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value kinds allowed in canonical
// encodings. There is deliberately no float and no null.
type Value interface {
	canonicalValue()
}

// String is a UTF-8 string, NFC-normalized when encoded.
type String string

// Int is a signed 64-bit integer.
type Int int64

// Bool is a boolean.
type Bool bool

// Bytes is raw binary data, encoded as a lowercase hex string.
type Bytes []byte

// Array is an ordered list of values.
type Array []Value

// Object is a string-keyed map of values. Iterate with SortedKeys.
type Object map[string]Value

func (String) canonicalValue() {}
func (Int) canonicalValue()    {}
func (Bool) canonicalValue()   {}
func (Bytes) canonicalValue()  {}
func (Array) canonicalValue()  {}
func (Object) canonicalValue() {}

// Hex returns the lowercase hex form used when Bytes is encoded.
func (b Bytes) Hex() string {
	return hex.EncodeToString(b)
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units, not UTF-8 bytes).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
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

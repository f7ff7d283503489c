package jsonval

import (
	"strconv"
	"strings"
)

// Truthy reports the truthiness of v. Falsy values are false, null,
// zero, the empty string, and the empty array; everything else,
// including the empty object, is truthy.
func Truthy(v Value) bool {
	switch val := v.(type) {
	case Null:
		return false
	case Bool:
		return bool(val)
	case Number:
		return val != 0
	case String:
		return val != ""
	case Array:
		return len(val) > 0
	case Object:
		return true
	default:
		return false
	}
}

// NumberOf attempts numeric coercion: numbers pass through, numeric
// strings are parsed, booleans map to 0 and 1. Everything else does
// not coerce.
func NumberOf(v Value) (float64, bool) {
	switch val := v.(type) {
	case Number:
		return float64(val), true
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case Bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Equal implements loose equality. Values of the same type compare
// deeply; a number and a string compare numerically when the string
// parses; booleans coerce to 0 or 1 before comparing. Null is equal
// only to null.
func Equal(a, b Value) bool {
	if sameType(a, b) {
		return StrictEqual(a, b)
	}

	// Booleans coerce to numbers first, then the comparison reruns.
	if ab, ok := a.(Bool); ok {
		return Equal(boolToNumber(ab), b)
	}
	if bb, ok := b.(Bool); ok {
		return Equal(a, boolToNumber(bb))
	}

	an, aIsNum := a.(Number)
	bn, bIsNum := b.(Number)
	switch {
	case aIsNum:
		if s, ok := b.(String); ok {
			if f, ok := NumberOf(s); ok {
				return float64(an) == f
			}
		}
	case bIsNum:
		if s, ok := a.(String); ok {
			if f, ok := NumberOf(s); ok {
				return f == float64(bn)
			}
		}
	}
	return false
}

// StrictEqual requires the same JSON type and equal contents. Arrays
// and objects compare element by element.
func StrictEqual(a, b Value) bool {
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !StrictEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !StrictEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func sameType(a, b Value) bool {
	switch a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		_, ok := b.(Bool)
		return ok
	case Number:
		_, ok := b.(Number)
		return ok
	case String:
		_, ok := b.(String)
		return ok
	case Array:
		_, ok := b.(Array)
		return ok
	case Object:
		_, ok := b.(Object)
		return ok
	default:
		return false
	}
}

func boolToNumber(b Bool) Number {
	if b {
		return Number(1)
	}
	return Number(0)
}

package jsonval

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path against the object. Each segment
// indexes an object by key or an array by decimal position, so
// "items.0.sku" reaches into nested values. The empty path resolves to
// the object itself. The second return is false when any segment is
// absent or the value at that point cannot be indexed.
func (obj Object) Lookup(path string) (Value, bool) {
	if path == "" {
		return obj, true
	}

	var cur Value = obj
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case Object:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Array:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

package condition

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path against nested maps and slices. Numeric
// segments index into slices. Map keys may themselves contain dots (result
// keys are event types such as "search.completed"); the longest matching key
// wins.
func Lookup(vars map[string]any, p string) (any, bool) {
	segs := strings.Split(p, ".")
	var cur any = vars
	for i := 0; i < len(segs); {
		switch v := cur.(type) {
		case map[string]any:
			found := false
			for j := len(segs); j > i; j-- {
				if next, ok := v[strings.Join(segs[i:j], ".")]; ok {
					cur, i, found = next, j, true
					break
				}
			}
			if !found {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(segs[i])
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
			i++
		default:
			return nil, false
		}
	}
	return cur, true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func compare(op tokenKind, l, r any) bool {
	if lf, ok := toNumber(l); ok {
		if rf, ok := toNumber(r); ok {
			switch op {
			case tokEq:
				return lf == rf
			case tokNe:
				return lf != rf
			case tokLt:
				return lf < rf
			case tokLe:
				return lf <= rf
			case tokGt:
				return lf > rf
			case tokGe:
				return lf >= rf
			}
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch op {
			case tokEq:
				return ls == rs
			case tokNe:
				return ls != rs
			case tokLt:
				return ls < rs
			case tokLe:
				return ls <= rs
			case tokGt:
				return ls > rs
			case tokGe:
				return ls >= rs
			}
		}
	}
	switch op {
	case tokEq:
		return equal(l, r)
	case tokNe:
		return !equal(l, r)
	}
	return false
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	return reflect.DeepEqual(l, r)
}

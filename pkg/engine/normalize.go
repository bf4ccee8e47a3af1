package engine

import (
	"math"
	"math/big"
	"strconv"
)

// NormalizeJSON recursively rewrites values the JSON envelope cannot carry:
// arbitrary-precision integers (*big.Int) and uint64 values beyond the
// int64 range become decimal strings. Everything else, including plain
// int64 row counts and ids, passes through unchanged. The pass is applied
// to every result leaving the engine, not just raw queries.
func NormalizeJSON(v any) any {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return nil
		}
		return t.String()
	case big.Int:
		return t.String()
	case uint64:
		if t > math.MaxInt64 {
			return strconv.FormatUint(t, 10)
		}
		return int64(t)
	case map[string]any:
		for k, val := range t {
			t[k] = NormalizeJSON(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = NormalizeJSON(val)
		}
		return t
	case []map[string]any:
		for _, row := range t {
			NormalizeJSON(row)
		}
		return t
	}
	return v
}

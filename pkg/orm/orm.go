// Package orm defines the boundary to the data-access capability the bridge
// executes queries against.
//
// The bridge core never talks SQL. It resolves a per-model Delegate from a
// Client and invokes the operation named by the parsed query. Two backends
// implement Client in this repo (memstore, badgerstore); a generated
// database-backed client can be swapped in behind the same interfaces.
package orm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Args carries the projected arguments of a single operation
// (where, data, take, orderBy, ...). Values are plain JSON shapes:
// map[string]any, []any, string, bool, int64, float64, nil.
type Args map[string]any

// Delegate exposes the per-model operations of the underlying client.
// Lookup operations return map[string]any rows (nil when no row matched);
// list operations return []map[string]any.
type Delegate interface {
	FindUnique(ctx context.Context, args Args) (map[string]any, error)
	FindFirst(ctx context.Context, args Args) (map[string]any, error)
	FindMany(ctx context.Context, args Args) ([]map[string]any, error)
	Create(ctx context.Context, args Args) (map[string]any, error)
	CreateMany(ctx context.Context, args Args) (int64, error)
	Update(ctx context.Context, args Args) (map[string]any, error)
	UpdateMany(ctx context.Context, args Args) (int64, error)
	Delete(ctx context.Context, args Args) (map[string]any, error)
	DeleteMany(ctx context.Context, args Args) (int64, error)
	Upsert(ctx context.Context, args Args) (map[string]any, error)
	Count(ctx context.Context, args Args) (int64, error)
	Aggregate(ctx context.Context, args Args) (map[string]any, error)
	GroupBy(ctx context.Context, args Args) ([]map[string]any, error)
}

// TxOptions bounds a native transaction: MaxWait caps acquisition,
// Timeout caps total lifetime.
type TxOptions struct {
	MaxWait time.Duration
	Timeout time.Duration
}

// Client is the ORM capability handle. A Client obtained through Transaction
// is scoped to that transaction and must not be used after the body returns.
type Client interface {
	// Model resolves the delegate for a camelCase accessor name ("user").
	Model(name string) (Delegate, bool)
	// ModelNames lists the camelCase accessor names, sorted.
	ModelNames() []string

	QueryRaw(ctx context.Context, query string, params []any) ([]map[string]any, error)
	ExecuteRaw(ctx context.Context, query string, params []any) (int64, error)

	// Transaction runs fn with a transaction-scoped Client. A nil return
	// commits, a non-nil return rolls back and is propagated.
	Transaction(ctx context.Context, opts TxOptions, fn func(tx Client) error) error
}

// Prisma-compatible error codes the Python client maps to exceptions.
const (
	CodeUniqueConstraint = "P2002" // unique constraint violation
	CodeNotFound         = "P2025" // record required but not found
	CodeRawQueryFailed   = "P2010" // raw query failed
	CodeTableNotFound    = "P2021" // table/model does not exist
)

// Error is the typed failure crossing the JSON boundary. Code follows the
// Prisma error-code scheme so the remote client maps it to the right
// exception class; Meta carries structured diagnostics.
type Error struct {
	Code    string
	Message string
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFoundError builds the standard "no record found" failure for a model.
func NotFoundError(model string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("no %s record was found", model),
		Meta:    map[string]any{"model": model},
	}
}

// MatchWhere reports whether a record satisfies a where filter. Supported
// shapes mirror the subset the remote client emits: direct equality,
// operator objects (equals, not, in, notIn, lt, lte, gt, gte, contains,
// startsWith, endsWith) and the AND/OR/NOT combinators.
func MatchWhere(rec map[string]any, where map[string]any) bool {
	for key, cond := range where {
		switch key {
		case "AND":
			for _, sub := range asFilterList(cond) {
				if !MatchWhere(rec, sub) {
					return false
				}
			}
		case "OR":
			subs := asFilterList(cond)
			matched := len(subs) == 0
			for _, sub := range subs {
				if MatchWhere(rec, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "NOT":
			for _, sub := range asFilterList(cond) {
				if MatchWhere(rec, sub) {
					return false
				}
			}
		default:
			if !matchField(rec[key], cond) {
				return false
			}
		}
	}
	return true
}

func asFilterList(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{t}
	}
	return nil
}

func matchField(value any, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		return valueEqual(value, cond)
	}
	for op, want := range ops {
		switch op {
		case "equals":
			if !valueEqual(value, want) {
				return false
			}
		case "not":
			if matchField(value, want) {
				return false
			}
		case "in":
			if !valueIn(value, want) {
				return false
			}
		case "notIn":
			if valueIn(value, want) {
				return false
			}
		case "lt", "lte", "gt", "gte":
			c, comparable := compareValues(value, want)
			if !comparable {
				return false
			}
			switch {
			case op == "lt" && c >= 0,
				op == "lte" && c > 0,
				op == "gt" && c <= 0,
				op == "gte" && c < 0:
				return false
			}
		case "contains":
			s, ok1 := value.(string)
			sub, ok2 := want.(string)
			if !ok1 || !ok2 || !strings.Contains(s, sub) {
				return false
			}
		case "startsWith":
			s, ok1 := value.(string)
			pre, ok2 := want.(string)
			if !ok1 || !ok2 || !strings.HasPrefix(s, pre) {
				return false
			}
		case "endsWith":
			s, ok1 := value.(string)
			suf, ok2 := want.(string)
			if !ok1 || !ok2 || !strings.HasSuffix(s, suf) {
				return false
			}
		default:
			// Unknown operator: treat as nested relation filter on a
			// sub-document when the value is a map.
			sub, ok := value.(map[string]any)
			if !ok || !matchField(sub[op], want) {
				return false
			}
		}
	}
	return true
}

func valueIn(value any, want any) bool {
	list, ok := want.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if valueEqual(value, item) {
			return true
		}
	}
	return false
}

func valueEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareValues orders two scalar values of compatible kinds.
// Numbers compare numerically across int64/float64, strings and bools
// compare natively. ok is false for incompatible or non-scalar kinds.
func compareValues(a, b any) (int, bool) {
	if af, ok1 := toFloat(a); ok1 {
		if bf, ok2 := toFloat(b); ok2 {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(at, bt), true
	case bool:
		bt, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case at == bt:
			return 0, true
		case !at:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// SortRecords applies an orderBy argument in place: either a single
// {field: "asc"|"desc"} map or a list of them (outermost first).
func SortRecords(recs []map[string]any, orderBy any) {
	var keys []sortKey
	switch t := orderBy.(type) {
	case map[string]any:
		keys = sortKeysFromMap(t)
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				keys = append(keys, sortKeysFromMap(m)...)
			}
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, k := range keys {
			c, ok := compareValues(recs[i][k.field], recs[j][k.field])
			if !ok || c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

type sortKey struct {
	field string
	desc  bool
}

func sortKeysFromMap(m map[string]any) []sortKey {
	keys := make([]sortKey, 0, len(m))
	for field, dir := range m {
		d, _ := dir.(string)
		keys = append(keys, sortKey{field: field, desc: strings.EqualFold(d, "desc")})
	}
	// Map iteration order is random; make multi-key maps deterministic.
	sort.Slice(keys, func(i, j int) bool { return keys[i].field < keys[j].field })
	return keys
}

// Paginate applies skip/take to an already-ordered result set.
func Paginate(recs []map[string]any, args Args) []map[string]any {
	if skip, ok := ArgInt(args, "skip"); ok {
		if skip >= len(recs) {
			return nil
		}
		recs = recs[skip:]
	}
	if take, ok := ArgInt(args, "take"); ok && take < len(recs) {
		recs = recs[:take]
	}
	return recs
}

// ApplyUpdate merges an update payload into a row, honoring the atomic
// operation objects the client emits (set, increment, decrement, multiply).
func ApplyUpdate(row map[string]any, data map[string]any) {
	for key, val := range data {
		if ops, ok := val.(map[string]any); ok {
			if set, ok := ops["set"]; ok {
				row[key] = set
				continue
			}
			if n, ok := numericUpdate(row[key], ops); ok {
				row[key] = n
				continue
			}
		}
		row[key] = val
	}
}

func numericUpdate(current any, ops map[string]any) (any, bool) {
	cur, okC := toFloat(current)
	if !okC {
		return nil, false
	}
	for _, op := range []string{"increment", "decrement", "multiply"} {
		operand, ok := ops[op]
		if !ok {
			continue
		}
		val, okV := toFloat(operand)
		if !okV {
			return nil, false
		}
		var out float64
		switch op {
		case "increment":
			out = cur + val
		case "decrement":
			out = cur - val
		case "multiply":
			out = cur * val
		}
		if out == float64(int64(out)) {
			return int64(out), true
		}
		return out, true
	}
	return nil, false
}

// ArgInt extracts an integer argument regardless of the numeric kind the
// parser or JSON decoding produced.
func ArgInt(args Args, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// ArgMap extracts a map-valued argument, returning nil when absent or of
// the wrong shape.
func ArgMap(args Args, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchWhereEquality(t *testing.T) {
	rec := map[string]any{"id": int64(1), "name": "Alice", "active": true}
	assert.True(t, MatchWhere(rec, map[string]any{"name": "Alice"}))
	assert.True(t, MatchWhere(rec, map[string]any{"id": int64(1), "active": true}))
	assert.False(t, MatchWhere(rec, map[string]any{"name": "Bob"}))
	// Numeric kinds compare across int64/float64, matching JSON decoding.
	assert.True(t, MatchWhere(rec, map[string]any{"id": float64(1)}))
}

func TestMatchWhereOperators(t *testing.T) {
	rec := map[string]any{"age": int64(30), "name": "Alice"}
	tests := []struct {
		name  string
		where map[string]any
		want  bool
	}{
		{"equals", map[string]any{"age": map[string]any{"equals": int64(30)}}, true},
		{"not", map[string]any{"age": map[string]any{"not": int64(30)}}, false},
		{"in", map[string]any{"age": map[string]any{"in": []any{int64(10), int64(30)}}}, true},
		{"notIn", map[string]any{"age": map[string]any{"notIn": []any{int64(30)}}}, false},
		{"lt", map[string]any{"age": map[string]any{"lt": int64(31)}}, true},
		{"lte boundary", map[string]any{"age": map[string]any{"lte": int64(30)}}, true},
		{"gt", map[string]any{"age": map[string]any{"gt": int64(30)}}, false},
		{"gte", map[string]any{"age": map[string]any{"gte": int64(30)}}, true},
		{"contains", map[string]any{"name": map[string]any{"contains": "lic"}}, true},
		{"startsWith", map[string]any{"name": map[string]any{"startsWith": "Al"}}, true},
		{"endsWith", map[string]any{"name": map[string]any{"endsWith": "z"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchWhere(rec, tt.where))
		})
	}
}

func TestMatchWhereCombinators(t *testing.T) {
	rec := map[string]any{"age": int64(30), "name": "Alice"}
	assert.True(t, MatchWhere(rec, map[string]any{
		"AND": []any{
			map[string]any{"age": map[string]any{"gte": int64(18)}},
			map[string]any{"name": "Alice"},
		},
	}))
	assert.True(t, MatchWhere(rec, map[string]any{
		"OR": []any{
			map[string]any{"name": "Bob"},
			map[string]any{"name": "Alice"},
		},
	}))
	assert.False(t, MatchWhere(rec, map[string]any{
		"NOT": map[string]any{"name": "Alice"},
	}))
}

func TestSortRecords(t *testing.T) {
	recs := []map[string]any{
		{"name": "Carol", "age": int64(25)},
		{"name": "Alice", "age": int64(30)},
		{"name": "Bob", "age": int64(25)},
	}
	SortRecords(recs, map[string]any{"name": "asc"})
	assert.Equal(t, "Alice", recs[0]["name"])
	assert.Equal(t, "Carol", recs[2]["name"])

	SortRecords(recs, map[string]any{"age": "desc"})
	assert.Equal(t, int64(30), recs[0]["age"])

	// List form: outermost key first, stable for ties.
	SortRecords(recs, []any{
		map[string]any{"age": "asc"},
		map[string]any{"name": "desc"},
	})
	assert.Equal(t, "Carol", recs[0]["name"])
	assert.Equal(t, "Bob", recs[1]["name"])
	assert.Equal(t, "Alice", recs[2]["name"])
}

func TestPaginate(t *testing.T) {
	recs := []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}}
	out := Paginate(recs, Args{"skip": int64(1), "take": int64(2)})
	assert.Len(t, out, 2)
	assert.Equal(t, 2, out[0]["id"])

	assert.Nil(t, Paginate(recs, Args{"skip": int64(10)}))
	assert.Len(t, Paginate(recs, Args{"take": int64(100)}), 4)
}

func TestApplyUpdate(t *testing.T) {
	row := map[string]any{"name": "Alice", "views": int64(10), "score": 1.5}

	ApplyUpdate(row, map[string]any{"name": "Bob"})
	assert.Equal(t, "Bob", row["name"])

	ApplyUpdate(row, map[string]any{"name": map[string]any{"set": "Carol"}})
	assert.Equal(t, "Carol", row["name"])

	ApplyUpdate(row, map[string]any{"views": map[string]any{"increment": int64(5)}})
	assert.Equal(t, int64(15), row["views"])

	ApplyUpdate(row, map[string]any{"views": map[string]any{"decrement": int64(1)}})
	assert.Equal(t, int64(14), row["views"])

	ApplyUpdate(row, map[string]any{"score": map[string]any{"multiply": int64(2)}})
	assert.Equal(t, int64(3), row["score"])

	// Atomic ops on non-numeric fields fall back to literal assignment.
	ApplyUpdate(row, map[string]any{"name": map[string]any{"increment": int64(1)}})
	assert.Equal(t, map[string]any{"increment": int64(1)}, row["name"])
}

func TestErrorFormatting(t *testing.T) {
	err := NotFoundError("User")
	assert.Equal(t, CodeNotFound, err.Code)
	assert.Equal(t, "P2025: no User record was found", err.Error())
	assert.Equal(t, "User", err.Meta["model"])

	bare := &Error{Message: "boom"}
	assert.Equal(t, "boom", bare.Error())
}

func TestArgHelpers(t *testing.T) {
	args := Args{"take": float64(5), "skip": int64(2), "where": map[string]any{"id": 1}, "bad": "x"}

	n, ok := ArgInt(args, "take")
	assert.True(t, ok)
	assert.Equal(t, 5, n)

	n, ok = ArgInt(args, "skip")
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	_, ok = ArgInt(args, "bad")
	assert.False(t, ok)
	_, ok = ArgInt(args, "missing")
	assert.False(t, ok)

	assert.NotNil(t, ArgMap(args, "where"))
	assert.Nil(t, ArgMap(args, "bad"))
}

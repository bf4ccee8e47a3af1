// Package engine translates parsed query descriptors into calls against an
// ORM capability handle and shapes the results for the JSON envelope.
//
// The engine is stateless: every call receives the handle to run against,
// which is either the root client or a transaction-scoped client resolved
// by the transaction manager.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/majdyz/prisma-bridge/pkg/orm"
	"github.com/majdyz/prisma-bridge/pkg/protocol"
)

// Error codes for failures produced by the engine itself (as opposed to
// upstream orm.Error values, which pass through untouched).
const (
	codeQueryValidation = "P2009"
	codeRawQueryFailed  = orm.CodeRawQueryFailed
	codeModelNotFound   = orm.CodeTableNotFound
)

// Execute runs a parsed query against the given ORM handle and returns the
// JSON-serializable result. Results are normalized so that arbitrary
// precision integers survive the trip through encoding/json.
func Execute(ctx context.Context, client orm.Client, pq *protocol.ParsedQuery) (any, error) {
	switch pq.Action {
	case "queryRaw", "executeRaw":
		return executeRaw(ctx, client, pq)
	}

	delegate, ok := client.Model(accessorName(pq.Model))
	if !ok {
		return nil, modelNotFound(pq.Model, client)
	}
	args := projectArgs(pq)

	result, err := dispatch(ctx, delegate, pq, args)
	if err != nil {
		return nil, err
	}
	return NormalizeJSON(result), nil
}

func dispatch(ctx context.Context, d orm.Delegate, pq *protocol.ParsedQuery, args orm.Args) (any, error) {
	switch pq.Action {
	case "findUnique":
		return d.FindUnique(ctx, args)
	case "findUniqueOrThrow":
		row, err := d.FindUnique(ctx, args)
		if err == nil && row == nil {
			return nil, orm.NotFoundError(pq.Model)
		}
		return row, err
	case "findFirst":
		return d.FindFirst(ctx, args)
	case "findFirstOrThrow":
		row, err := d.FindFirst(ctx, args)
		if err == nil && row == nil {
			return nil, orm.NotFoundError(pq.Model)
		}
		return row, err
	case "findMany":
		return d.FindMany(ctx, args)
	case "create":
		return d.Create(ctx, args)
	case "createMany":
		n, err := d.CreateMany(ctx, args)
		return batchPayload(n), err
	case "update":
		return d.Update(ctx, args)
	case "updateMany":
		n, err := d.UpdateMany(ctx, args)
		return batchPayload(n), err
	case "delete":
		return d.Delete(ctx, args)
	case "deleteMany":
		n, err := d.DeleteMany(ctx, args)
		return batchPayload(n), err
	case "upsert":
		return d.Upsert(ctx, args)
	case "count":
		return executeCount(ctx, d, pq, args)
	case "aggregate":
		return d.Aggregate(ctx, aggregateArgs(pq, args))
	case "groupBy":
		return d.GroupBy(ctx, args)
	}
	return nil, &orm.Error{
		Code:    codeQueryValidation,
		Message: fmt.Sprintf("unknown action %q", pq.Action),
	}
}

// executeCount returns a bare number for plain counts. When the selection
// asks for a structured _count, the count is computed through the aggregate
// surface instead so the response keeps the { _count: ... } shape.
func executeCount(ctx context.Context, d orm.Delegate, pq *protocol.ParsedQuery, args orm.Args) (any, error) {
	if strings.Contains(pq.RawSelection, "_count") {
		agg := filterArgs(args)
		agg["_count"] = true
		return d.Aggregate(ctx, agg)
	}
	return d.Count(ctx, args)
}

// aggregateArgs enables the aggregation flags named by the raw selection
// text. Aggregate sub-selections are detected by substring, not structural
// parsing; with no flags present, count-only is the default.
func aggregateArgs(pq *protocol.ParsedQuery, args orm.Args) orm.Args {
	agg := filterArgs(args)
	found := false
	for _, flag := range []string{"_count", "_avg", "_sum", "_min", "_max"} {
		if strings.Contains(pq.RawSelection, flag) {
			agg[flag] = true
			found = true
		}
	}
	if !found {
		agg["_count"] = true
	}
	return agg
}

func filterArgs(args orm.Args) orm.Args {
	out := orm.Args{}
	for _, key := range []string{"where", "take", "skip", "cursor", "orderBy"} {
		if v, ok := args[key]; ok {
			out[key] = v
		}
	}
	return out
}

// projectArgs copies the recognized arguments for the target operation and
// synthesizes an include from the selection set when none was given.
func projectArgs(pq *protocol.ParsedQuery) orm.Args {
	args := orm.Args{}
	for _, key := range []string{"where", "data", "create", "update", "take", "skip", "cursor", "distinct", "include"} {
		if v, ok := pq.Args[key]; ok {
			args[key] = v
		}
	}
	// orderBy wins over its snake_case alias when both are present.
	if v, ok := pq.Args["orderBy"]; ok {
		args["orderBy"] = v
	} else if v, ok := pq.Args["order_by"]; ok {
		args["orderBy"] = v
	}
	if pq.Action == "createMany" {
		if v, ok := pq.Args["skipDuplicates"]; ok {
			args["skipDuplicates"] = v
		}
	}
	if pq.Action == "groupBy" {
		for _, key := range []string{"by", "having"} {
			if v, ok := pq.Args[key]; ok {
				args[key] = v
			}
		}
	}
	if _, ok := args["include"]; !ok {
		if inc := DeriveInclude(pq.Selections); len(inc) > 0 {
			args["include"] = inc
		}
	}
	return args
}

// DeriveInclude maps a selection set onto an eager-loading specification:
// each relation selection becomes true, or a nested include when the
// relation's own selections contain further relations. A flat selection
// set yields an empty map (no include).
func DeriveInclude(sels []protocol.Selection) map[string]any {
	inc := map[string]any{}
	for _, sel := range sels {
		if !sel.IsRelation() {
			continue
		}
		if nested := DeriveInclude(sel.Nested); len(nested) > 0 {
			inc[sel.Field] = map[string]any{"include": nested}
		} else {
			inc[sel.Field] = true
		}
	}
	return inc
}

func executeRaw(ctx context.Context, client orm.Client, pq *protocol.ParsedQuery) (any, error) {
	query, _ := pq.Args["query"].(string)
	if query == "" {
		return nil, &orm.Error{
			Code:    codeRawQueryFailed,
			Message: fmt.Sprintf("%s requires a non-empty query string", pq.Action),
		}
	}
	params := rawParameters(pq.Args["parameters"])

	if pq.Action == "executeRaw" {
		return client.ExecuteRaw(ctx, query, params)
	}
	rows, err := client.QueryRaw(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return NormalizeJSON(rows), nil
}

// rawParameters resolves the positional bind parameters. A literal array is
// used as-is; a string is parsed as JSON first, falling back to treating
// the whole string as a single parameter when it is not valid JSON.
func rawParameters(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			return []any{t}
		}
		if list, ok := decoded.([]any); ok {
			return list
		}
		return []any{decoded}
	}
	return []any{v}
}

// accessorName lowercases only the first character: models are PascalCase,
// client accessors camelCase.
func accessorName(model string) string {
	if model == "" {
		return ""
	}
	return strings.ToLower(model[:1]) + model[1:]
}

// modelNotFound enumerates the available models as a debug aid, skipping
// meta accessors (keys not starting with a letter, e.g. $transaction).
func modelNotFound(model string, client orm.Client) error {
	available := make([]string, 0)
	for _, name := range client.ModelNames() {
		if name == "" {
			continue
		}
		if c := name[0]; (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			available = append(available, name)
		}
	}
	return &orm.Error{
		Code: codeModelNotFound,
		Message: fmt.Sprintf("model %q not found; available models: %s",
			model, strings.Join(available, ", ")),
		Meta: map[string]any{"model": model},
	}
}

func batchPayload(n int64) map[string]any {
	return map[string]any{"count": n}
}

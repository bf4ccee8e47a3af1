// Package memstore is the in-memory reference implementation of the ORM
// capability. It backs the bridge in dev mode and is the test double for
// the engine, the transaction manager and the server.
//
// Semantics are deliberately small: equality/operator where-filters,
// single- and multi-key ordering, skip/take pagination, declared relations
// with include resolution, and snapshot-based transactions (the working
// copy replaces the live data on commit and is discarded on rollback).
// Commit is whole-store last-writer-wins: direct writes made against the
// root store while a transaction is open are discarded when that
// transaction commits. Production deployments that need merge semantics
// use a database-backed client; here transactions are serialized and dev
// traffic either runs inside a transaction or outside one, not both.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/majdyz/prisma-bridge/pkg/orm"
)

// Relation declares a named relation on a model.
//
// Many=true is a has-many: child rows whose ForeignKey equals the parent's
// LocalKey. Many=false is a belongs-to: the target row whose LocalKey
// equals the parent's ForeignKey.
type Relation struct {
	Field      string
	Target     string
	LocalKey   string
	ForeignKey string
	Many       bool
}

// RawHandler serves queryRaw calls; ExecHandler serves executeRaw.
type (
	RawHandler  func(query string, params []any) ([]map[string]any, error)
	ExecHandler func(query string, params []any) (int64, error)
)

type modelData struct {
	rows   []map[string]any
	nextID int64
}

// Store implements orm.Client over process memory.
type Store struct {
	mu        sync.RWMutex
	models    map[string]*modelData
	relations map[string][]Relation

	// txSem serializes transactions; acquisition is what MaxWait bounds.
	txSem chan struct{}
	inTx  bool

	rawFunc  RawHandler
	execFunc ExecHandler
}

// New creates a store with the given camelCase model accessors.
func New(models ...string) *Store {
	s := &Store{
		models:    make(map[string]*modelData),
		relations: make(map[string][]Relation),
		txSem:     make(chan struct{}, 1),
	}
	for _, m := range models {
		s.models[m] = &modelData{nextID: 1}
	}
	return s
}

// RegisterRelation declares a relation used by include resolution.
func (s *Store) RegisterRelation(model string, rel Relation) {
	s.relations[model] = append(s.relations[model], rel)
}

// SetRawHandler installs the queryRaw hook.
func (s *Store) SetRawHandler(fn RawHandler) { s.rawFunc = fn }

// SetExecHandler installs the executeRaw hook.
func (s *Store) SetExecHandler(fn ExecHandler) { s.execFunc = fn }

// Seed inserts rows directly, assigning ids where missing.
func (s *Store) Seed(model string, rows ...map[string]any) error {
	d, ok := s.models[model]
	if !ok {
		return fmt.Errorf("unknown model %q", model)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		d.rows = append(d.rows, d.withID(cloneRow(row)))
	}
	return nil
}

func (d *modelData) withID(row map[string]any) map[string]any {
	if _, ok := row["id"]; !ok {
		row["id"] = d.nextID
		d.nextID++
	} else if n, ok := row["id"].(int64); ok && n >= d.nextID {
		d.nextID = n + 1
	}
	return row
}

func (s *Store) Model(name string) (orm.Delegate, bool) {
	if _, ok := s.models[name]; !ok {
		return nil, false
	}
	return &delegate{store: s, model: name}, true
}

func (s *Store) ModelNames() []string {
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) QueryRaw(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	if s.rawFunc == nil {
		return nil, &orm.Error{Code: orm.CodeRawQueryFailed, Message: "raw SQL is not supported by the memory backend"}
	}
	return s.rawFunc(query, params)
}

func (s *Store) ExecuteRaw(ctx context.Context, query string, params []any) (int64, error) {
	if s.execFunc == nil {
		return 0, &orm.Error{Code: orm.CodeRawQueryFailed, Message: "raw SQL is not supported by the memory backend"}
	}
	return s.execFunc(query, params)
}

// Transaction runs fn against a snapshot of the store. The snapshot
// replaces the live data when fn returns nil and is discarded otherwise.
// Transactions are serialized; MaxWait bounds waiting for the slot.
func (s *Store) Transaction(ctx context.Context, opts orm.TxOptions, fn func(tx orm.Client) error) error {
	if s.inTx {
		return fmt.Errorf("nested transactions are not supported")
	}

	var acquireTimeout <-chan time.Time
	if opts.MaxWait > 0 {
		t := time.NewTimer(opts.MaxWait)
		defer t.Stop()
		acquireTimeout = t.C
	}
	select {
	case s.txSem <- struct{}{}:
	case <-acquireTimeout:
		return fmt.Errorf("could not acquire transaction within %s", opts.MaxWait)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.txSem }()

	s.mu.RLock()
	snapshot := make(map[string]*modelData, len(s.models))
	for name, d := range s.models {
		rows := make([]map[string]any, len(d.rows))
		for i, row := range d.rows {
			rows[i] = cloneRow(row)
		}
		snapshot[name] = &modelData{rows: rows, nextID: d.nextID}
	}
	s.mu.RUnlock()

	tx := &Store{
		models:    snapshot,
		relations: s.relations,
		txSem:     make(chan struct{}, 1),
		inTx:      true,
		rawFunc:   s.rawFunc,
		execFunc:  s.execFunc,
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.models = tx.models
	s.mu.Unlock()
	return nil
}

// delegate implements orm.Delegate for one model.
type delegate struct {
	store *Store
	model string
}

func (d *delegate) data() *modelData { return d.store.models[d.model] }

func (d *delegate) matching(args orm.Args) []map[string]any {
	where := orm.ArgMap(args, "where")
	var out []map[string]any
	for _, row := range d.data().rows {
		if where == nil || orm.MatchWhere(row, where) {
			out = append(out, row)
		}
	}
	return out
}

func (d *delegate) FindUnique(ctx context.Context, args orm.Args) (map[string]any, error) {
	return d.FindFirst(ctx, args)
}

func (d *delegate) FindFirst(ctx context.Context, args orm.Args) (map[string]any, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	rows := d.matching(args)
	if orderBy, ok := args["orderBy"]; ok {
		orm.SortRecords(rows, orderBy)
	}
	rows = orm.Paginate(rows, args)
	if len(rows) == 0 {
		return nil, nil
	}
	return d.present(rows[:1], args)[0], nil
}

func (d *delegate) FindMany(ctx context.Context, args orm.Args) ([]map[string]any, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	rows := d.matching(args)
	if orderBy, ok := args["orderBy"]; ok {
		orm.SortRecords(rows, orderBy)
	}
	rows = applyDistinct(rows, args["distinct"])
	rows = orm.Paginate(rows, args)
	return d.present(rows, args), nil
}

func (d *delegate) Create(ctx context.Context, args orm.Args) (map[string]any, error) {
	data := orm.ArgMap(args, "data")
	if data == nil {
		return nil, &orm.Error{Code: "P2012", Message: "missing required argument: data"}
	}
	d.store.mu.Lock()
	row := d.data().withID(cloneRow(data))
	d.data().rows = append(d.data().rows, row)
	d.store.mu.Unlock()

	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	return d.present([]map[string]any{row}, args)[0], nil
}

func (d *delegate) CreateMany(ctx context.Context, args orm.Args) (int64, error) {
	list, _ := args["data"].([]any)
	skipDup, _ := args["skipDuplicates"].(bool)
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	var n int64
	for _, item := range list {
		data, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if skipDup && d.idExists(data["id"]) {
			continue
		}
		d.data().rows = append(d.data().rows, d.data().withID(cloneRow(data)))
		n++
	}
	return n, nil
}

func (d *delegate) idExists(id any) bool {
	if id == nil {
		return false
	}
	for _, row := range d.data().rows {
		if orm.MatchWhere(row, map[string]any{"id": id}) {
			return true
		}
	}
	return false
}

func (d *delegate) Update(ctx context.Context, args orm.Args) (map[string]any, error) {
	d.store.mu.Lock()
	rows := d.matching(args)
	if len(rows) == 0 {
		d.store.mu.Unlock()
		return nil, orm.NotFoundError(d.model)
	}
	orm.ApplyUpdate(rows[0], orm.ArgMap(args, "data"))
	row := rows[0]
	d.store.mu.Unlock()

	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	return d.present([]map[string]any{row}, args)[0], nil
}

func (d *delegate) UpdateMany(ctx context.Context, args orm.Args) (int64, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	rows := d.matching(args)
	data := orm.ArgMap(args, "data")
	for _, row := range rows {
		orm.ApplyUpdate(row, data)
	}
	return int64(len(rows)), nil
}

func (d *delegate) Delete(ctx context.Context, args orm.Args) (map[string]any, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	where := orm.ArgMap(args, "where")
	data := d.data()
	for i, row := range data.rows {
		if where == nil || orm.MatchWhere(row, where) {
			data.rows = append(data.rows[:i], data.rows[i+1:]...)
			return cloneRow(row), nil
		}
	}
	return nil, orm.NotFoundError(d.model)
}

func (d *delegate) DeleteMany(ctx context.Context, args orm.Args) (int64, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	where := orm.ArgMap(args, "where")
	data := d.data()
	kept := data.rows[:0]
	var n int64
	for _, row := range data.rows {
		if where == nil || orm.MatchWhere(row, where) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	data.rows = kept
	return n, nil
}

func (d *delegate) Upsert(ctx context.Context, args orm.Args) (map[string]any, error) {
	d.store.mu.Lock()
	rows := d.matching(args)
	if len(rows) > 0 {
		orm.ApplyUpdate(rows[0], orm.ArgMap(args, "update"))
		row := rows[0]
		d.store.mu.Unlock()
		d.store.mu.RLock()
		defer d.store.mu.RUnlock()
		return d.present([]map[string]any{row}, args)[0], nil
	}
	d.store.mu.Unlock()
	return d.Create(ctx, orm.Args{"data": args["create"], "include": args["include"]})
}

func (d *delegate) Count(ctx context.Context, args orm.Args) (int64, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	rows := orm.Paginate(d.matching(args), args)
	return int64(len(rows)), nil
}

func (d *delegate) Aggregate(ctx context.Context, args orm.Args) (map[string]any, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()
	rows := orm.Paginate(d.matching(args), args)

	out := map[string]any{}
	if args["_count"] == true {
		out["_count"] = map[string]any{"_all": int64(len(rows))}
	}
	stats := numericStats(rows)
	if args["_avg"] == true {
		out["_avg"] = stats.avg()
	}
	if args["_sum"] == true {
		out["_sum"] = stats.sum
	}
	if args["_min"] == true {
		out["_min"] = stats.min
	}
	if args["_max"] == true {
		out["_max"] = stats.max
	}
	return out, nil
}

func (d *delegate) GroupBy(ctx context.Context, args orm.Args) ([]map[string]any, error) {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	byList, _ := args["by"].([]any)
	fields := make([]string, 0, len(byList))
	for _, f := range byList {
		if s, ok := f.(string); ok {
			fields = append(fields, s)
		}
	}
	if len(fields) == 0 {
		return nil, &orm.Error{Code: "P2012", Message: "groupBy requires a non-empty by argument"}
	}

	groups := map[string]map[string]any{}
	counts := map[string]int64{}
	var order []string
	for _, row := range d.matching(args) {
		key := ""
		entry := map[string]any{}
		for _, f := range fields {
			key += fmt.Sprintf("%v\x00", row[f])
			entry[f] = row[f]
		}
		if _, ok := groups[key]; !ok {
			groups[key] = entry
			order = append(order, key)
		}
		counts[key]++
	}

	having := orm.ArgMap(args, "having")
	out := []map[string]any{}
	for _, key := range order {
		entry := groups[key]
		entry["_count"] = map[string]any{"_all": counts[key]}
		if having != nil && !orm.MatchWhere(entry, having) {
			continue
		}
		out = append(out, entry)
	}
	if orderBy, ok := args["orderBy"]; ok {
		orm.SortRecords(out, orderBy)
	}
	return orm.Paginate(out, args), nil
}

// present clones rows and resolves the include specification.
// Callers must hold at least a read lock.
func (d *delegate) present(rows []map[string]any, args orm.Args) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = cloneRow(row)
	}
	if include := orm.ArgMap(args, "include"); include != nil {
		d.store.attachRelations(d.model, out, include)
	}
	return out
}

func (s *Store) attachRelations(model string, rows []map[string]any, include map[string]any) {
	for field, spec := range include {
		if spec == false || spec == nil {
			continue
		}
		rel, ok := s.relationFor(model, field)
		if !ok {
			continue
		}
		var nested map[string]any
		if m, ok := spec.(map[string]any); ok {
			nested = orm.ArgMap(m, "include")
		}
		target := s.models[rel.Target]
		if target == nil {
			continue
		}
		for _, row := range rows {
			if rel.Many {
				children := []map[string]any{}
				for _, child := range target.rows {
					if orm.MatchWhere(child, map[string]any{rel.ForeignKey: row[rel.LocalKey]}) {
						children = append(children, cloneRow(child))
					}
				}
				if nested != nil {
					s.attachRelations(rel.Target, children, nested)
				}
				row[field] = children
				continue
			}
			var parent map[string]any
			for _, cand := range target.rows {
				if orm.MatchWhere(cand, map[string]any{rel.LocalKey: row[rel.ForeignKey]}) {
					parent = cloneRow(cand)
					break
				}
			}
			if parent != nil && nested != nil {
				s.attachRelations(rel.Target, []map[string]any{parent}, nested)
			}
			row[field] = parent
		}
	}
}

func (s *Store) relationFor(model, field string) (Relation, bool) {
	for _, rel := range s.relations[model] {
		if rel.Field == field {
			return rel, true
		}
	}
	return Relation{}, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func applyDistinct(rows []map[string]any, distinct any) []map[string]any {
	fields := []string{}
	switch t := distinct.(type) {
	case string:
		fields = append(fields, t)
	case []any:
		for _, f := range t {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	if len(fields) == 0 {
		return rows
	}
	seen := map[string]bool{}
	out := rows[:0]
	for _, row := range rows {
		key := ""
		for _, f := range fields {
			key += fmt.Sprintf("%v\x00", row[f])
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}
	return out
}

type fieldStats struct {
	sum   map[string]any
	min   map[string]any
	max   map[string]any
	total map[string]float64
	count map[string]int64
}

func (f fieldStats) avg() map[string]any {
	out := map[string]any{}
	for field, total := range f.total {
		out[field] = total / float64(f.count[field])
	}
	return out
}

// numericStats folds every numeric column into sum/min/max/avg inputs.
func numericStats(rows []map[string]any) fieldStats {
	stats := fieldStats{
		sum:   map[string]any{},
		min:   map[string]any{},
		max:   map[string]any{},
		total: map[string]float64{},
		count: map[string]int64{},
	}
	for _, row := range rows {
		for field, val := range row {
			f, ok := asFloat(val)
			if !ok {
				continue
			}
			stats.total[field] += f
			stats.count[field]++
			cur, seen := stats.min[field]
			if c, _ := asFloat(cur); !seen || f < c {
				stats.min[field] = val
			}
			cur, seen = stats.max[field]
			if c, _ := asFloat(cur); !seen || f > c {
				stats.max[field] = val
			}
		}
	}
	for field, total := range stats.total {
		if total == float64(int64(total)) {
			stats.sum[field] = int64(total)
		} else {
			stats.sum[field] = total
		}
	}
	return stats
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

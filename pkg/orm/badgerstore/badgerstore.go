// Package badgerstore persists the ORM capability in BadgerDB. Records are
// msgpack-encoded maps under "r:<model>:<id>" keys with a per-model id
// sequence under "seq:<model>". The native transaction primitive maps onto
// a single Badger read-write transaction, so interactive transactions get
// real isolation and rollback. Autocommit mutations also each run in one
// read-write transaction, retried on conflict, so concurrent requests never
// allocate the same id or clobber each other's writes.
//
// Query evaluation reuses the memstore semantics: each read materializes a
// snapshot of the affected models and filters in memory. That keeps the
// two backends behaviorally identical and is plenty for the bridge's
// reference deployments; a SQL-backed client replaces this package in
// production.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/majdyz/prisma-bridge/pkg/orm"
	"github.com/majdyz/prisma-bridge/pkg/orm/memstore"
)

// Store implements orm.Client over a Badger database.
type Store struct {
	db        *badger.DB
	kv        kv
	models    []string
	relations map[string][]memstore.Relation
}

// Open opens (or creates) a store at dir with the given model accessors.
func Open(dir string, models ...string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	sorted := append([]string(nil), models...)
	sort.Strings(sorted)
	return &Store{
		db:        db,
		kv:        &dbKV{db: db},
		models:    sorted,
		relations: make(map[string][]memstore.Relation),
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RegisterRelation declares a relation used by include resolution.
func (s *Store) RegisterRelation(model string, rel memstore.Relation) {
	s.relations[model] = append(s.relations[model], rel)
}

func (s *Store) hasModel(name string) bool {
	for _, m := range s.models {
		if m == name {
			return true
		}
	}
	return false
}

func (s *Store) Model(name string) (orm.Delegate, bool) {
	if !s.hasModel(name) {
		return nil, false
	}
	return &delegate{store: s, model: name}, true
}

func (s *Store) ModelNames() []string {
	return append([]string(nil), s.models...)
}

func (s *Store) QueryRaw(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	return nil, &orm.Error{Code: orm.CodeRawQueryFailed, Message: "raw SQL is not supported by the badger backend"}
}

func (s *Store) ExecuteRaw(ctx context.Context, query string, params []any) (int64, error) {
	return 0, &orm.Error{Code: orm.CodeRawQueryFailed, Message: "raw SQL is not supported by the badger backend"}
}

// Transaction maps the capability's transaction primitive onto a Badger
// read-write transaction: fn returning nil commits, anything else discards.
func (s *Store) Transaction(ctx context.Context, opts orm.TxOptions, fn func(tx orm.Client) error) error {
	if s.db == nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		scoped := &Store{
			kv:        &txnKV{txn: txn},
			models:    s.models,
			relations: s.relations,
		}
		return fn(scoped)
	})
}

// write runs fn against a transaction-scoped view of the store. On the
// root store that is one Badger read-write transaction, retried on
// conflict so concurrent autocommit writes serialize instead of failing;
// id allocation and the row write therefore land atomically. Inside an
// already-scoped store fn runs in the enclosing transaction.
func (s *Store) write(fn func(w *Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&Store{
				kv:        &txnKV{txn: txn},
				models:    s.models,
				relations: s.relations,
			})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// snapshot materializes every model into a memstore so reads share the
// reference semantics (filters, ordering, include resolution).
func (s *Store) snapshot() (*memstore.Store, error) {
	mem := memstore.New(s.models...)
	for model, rels := range s.relations {
		for _, rel := range rels {
			mem.RegisterRelation(model, rel)
		}
	}
	for _, model := range s.models {
		rows, err := s.loadRows(model)
		if err != nil {
			return nil, err
		}
		if err := mem.Seed(model, rows...); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

func (s *Store) loadRows(model string) ([]map[string]any, error) {
	var rows []map[string]any
	err := s.kv.scanPrefix(rowPrefix(model), func(_, val []byte) error {
		row, err := decodeRow(val)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func (s *Store) nextID(model string) (int64, error) {
	key := seqKey(model)
	val, ok, err := s.kv.get(key)
	if err != nil {
		return 0, err
	}
	var next int64 = 1
	if ok {
		n, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence for %s: %w", model, err)
		}
		next = n
	}
	if err := s.kv.set(key, []byte(strconv.FormatInt(next+1, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) putRow(model string, row map[string]any) error {
	val, err := msgpack.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", model, err)
	}
	return s.kv.set(rowKey(model, row["id"]), val)
}

// delegate implements orm.Delegate for one model by combining snapshot
// reads with direct key writes.
type delegate struct {
	store *Store
	model string
}

func (d *delegate) reader() (orm.Delegate, error) {
	mem, err := d.store.snapshot()
	if err != nil {
		return nil, err
	}
	md, _ := mem.Model(d.model)
	return md, nil
}

func (d *delegate) FindUnique(ctx context.Context, args orm.Args) (map[string]any, error) {
	r, err := d.reader()
	if err != nil {
		return nil, err
	}
	return r.FindUnique(ctx, args)
}

func (d *delegate) FindFirst(ctx context.Context, args orm.Args) (map[string]any, error) {
	r, err := d.reader()
	if err != nil {
		return nil, err
	}
	return r.FindFirst(ctx, args)
}

func (d *delegate) FindMany(ctx context.Context, args orm.Args) ([]map[string]any, error) {
	r, err := d.reader()
	if err != nil {
		return nil, err
	}
	return r.FindMany(ctx, args)
}

func (d *delegate) Count(ctx context.Context, args orm.Args) (int64, error) {
	r, err := d.reader()
	if err != nil {
		return 0, err
	}
	return r.Count(ctx, args)
}

func (d *delegate) Aggregate(ctx context.Context, args orm.Args) (map[string]any, error) {
	r, err := d.reader()
	if err != nil {
		return nil, err
	}
	return r.Aggregate(ctx, args)
}

func (d *delegate) GroupBy(ctx context.Context, args orm.Args) ([]map[string]any, error) {
	r, err := d.reader()
	if err != nil {
		return nil, err
	}
	return r.GroupBy(ctx, args)
}

func (d *delegate) Create(ctx context.Context, args orm.Args) (map[string]any, error) {
	data := orm.ArgMap(args, "data")
	if data == nil {
		return nil, &orm.Error{Code: "P2012", Message: "missing required argument: data"}
	}
	var out map[string]any
	err := d.store.write(func(w *Store) error {
		row := cloneRow(data)
		if _, ok := row["id"]; !ok {
			id, err := w.nextID(d.model)
			if err != nil {
				return err
			}
			row["id"] = id
		}
		if err := w.putRow(d.model, row); err != nil {
			return err
		}
		res, err := (&delegate{store: w, model: d.model}).withInclude(ctx, row, args)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *delegate) CreateMany(ctx context.Context, args orm.Args) (int64, error) {
	list, _ := args["data"].([]any)
	skipDup, _ := args["skipDuplicates"].(bool)
	var n int64
	err := d.store.write(func(w *Store) error {
		wd := &delegate{store: w, model: d.model}
		n = 0
		for _, item := range list {
			data, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if skipDup {
				if id, present := data["id"]; present {
					if _, exists, err := w.kv.get(rowKey(d.model, id)); err != nil {
						return err
					} else if exists {
						continue
					}
				}
			}
			if _, err := wd.Create(ctx, orm.Args{"data": data}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *delegate) Update(ctx context.Context, args orm.Args) (map[string]any, error) {
	var out map[string]any
	err := d.store.write(func(w *Store) error {
		wd := &delegate{store: w, model: d.model}
		row, err := wd.FindFirst(ctx, orm.Args{"where": args["where"]})
		if err != nil {
			return err
		}
		if row == nil {
			return orm.NotFoundError(d.model)
		}
		orm.ApplyUpdate(row, orm.ArgMap(args, "data"))
		if err := w.putRow(d.model, row); err != nil {
			return err
		}
		out, err = wd.withInclude(ctx, row, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *delegate) UpdateMany(ctx context.Context, args orm.Args) (int64, error) {
	var n int64
	err := d.store.write(func(w *Store) error {
		wd := &delegate{store: w, model: d.model}
		rows, err := wd.FindMany(ctx, orm.Args{"where": args["where"]})
		if err != nil {
			return err
		}
		data := orm.ArgMap(args, "data")
		for _, row := range rows {
			orm.ApplyUpdate(row, data)
			if err := w.putRow(d.model, row); err != nil {
				return err
			}
		}
		n = int64(len(rows))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *delegate) Delete(ctx context.Context, args orm.Args) (map[string]any, error) {
	var out map[string]any
	err := d.store.write(func(w *Store) error {
		wd := &delegate{store: w, model: d.model}
		row, err := wd.FindFirst(ctx, orm.Args{"where": args["where"]})
		if err != nil {
			return err
		}
		if row == nil {
			return orm.NotFoundError(d.model)
		}
		if err := w.kv.delete(rowKey(d.model, row["id"])); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *delegate) DeleteMany(ctx context.Context, args orm.Args) (int64, error) {
	var n int64
	err := d.store.write(func(w *Store) error {
		wd := &delegate{store: w, model: d.model}
		rows, err := wd.FindMany(ctx, orm.Args{"where": args["where"]})
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := w.kv.delete(rowKey(d.model, row["id"])); err != nil {
				return err
			}
		}
		n = int64(len(rows))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *delegate) Upsert(ctx context.Context, args orm.Args) (map[string]any, error) {
	var out map[string]any
	err := d.store.write(func(w *Store) error {
		wd := &delegate{store: w, model: d.model}
		row, err := wd.FindFirst(ctx, orm.Args{"where": args["where"]})
		if err != nil {
			return err
		}
		if row != nil {
			out, err = wd.Update(ctx, orm.Args{"where": args["where"], "data": args["update"], "include": args["include"]})
			return err
		}
		out, err = wd.Create(ctx, orm.Args{"data": args["create"], "include": args["include"]})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withInclude re-reads a freshly written row through the snapshot reader so
// include resolution matches the memstore backend exactly.
func (d *delegate) withInclude(ctx context.Context, row map[string]any, args orm.Args) (map[string]any, error) {
	include := orm.ArgMap(args, "include")
	if include == nil {
		return row, nil
	}
	r, err := d.reader()
	if err != nil {
		return nil, err
	}
	return r.FindFirst(ctx, orm.Args{"where": map[string]any{"id": row["id"]}, "include": include})
}

func rowPrefix(model string) []byte {
	return []byte("r:" + model + ":")
}

func rowKey(model string, id any) []byte {
	return []byte(fmt.Sprintf("r:%s:%v", model, id))
}

func seqKey(model string) []byte {
	return []byte("seq:" + model)
}

func decodeRow(val []byte) (map[string]any, error) {
	var row map[string]any
	if err := msgpack.Unmarshal(val, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return canonicalMap(row), nil
}

// canonicalMap rewrites decoded values into the JSON shapes the rest of
// the bridge works with (int64 for integers, float64 for floats).
func canonicalMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = canonicalValue(v)
	}
	return m
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case map[string]any:
		return canonicalMap(t)
	case []any:
		for i, item := range t {
			t[i] = canonicalValue(item)
		}
		return t
	}
	return v
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

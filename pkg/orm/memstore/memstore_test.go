package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majdyz/prisma-bridge/pkg/orm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New("user", "post")
	s.RegisterRelation("user", Relation{
		Field: "posts", Target: "post", LocalKey: "id", ForeignKey: "authorId", Many: true,
	})
	s.RegisterRelation("post", Relation{
		Field: "author", Target: "user", LocalKey: "id", ForeignKey: "authorId",
	})
	require.NoError(t, s.Seed("user",
		map[string]any{"id": int64(1), "name": "Alice", "age": int64(30)},
		map[string]any{"id": int64(2), "name": "Bob", "age": int64(25)},
	))
	require.NoError(t, s.Seed("post",
		map[string]any{"id": int64(1), "title": "first", "authorId": int64(1), "views": int64(10)},
		map[string]any{"id": int64(2), "title": "second", "authorId": int64(1), "views": int64(3)},
		map[string]any{"id": int64(3), "title": "third", "authorId": int64(2), "views": int64(7)},
	))
	return s
}

func mustModel(t *testing.T, c orm.Client, name string) orm.Delegate {
	t.Helper()
	d, ok := c.Model(name)
	require.True(t, ok, "model %s", name)
	return d
}

func TestModelResolution(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Model("user")
	assert.True(t, ok)
	_, ok = s.Model("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"post", "user"}, s.ModelNames())
}

func TestFindOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := mustModel(t, s, "user")

	row, err := users.FindUnique(ctx, orm.Args{"where": map[string]any{"id": int64(1)}})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Alice", row["name"])

	row, err = users.FindUnique(ctx, orm.Args{"where": map[string]any{"id": int64(99)}})
	require.NoError(t, err)
	assert.Nil(t, row)

	rows, err := users.FindMany(ctx, orm.Args{"where": map[string]any{"age": map[string]any{"gte": int64(26)}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0]["name"])

	rows, err = users.FindMany(ctx, orm.Args{"orderBy": map[string]any{"age": "asc"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Bob", rows[0]["name"])
}

func TestFindManyPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	posts := mustModel(t, s, "post")

	rows, err := posts.FindMany(ctx, orm.Args{
		"orderBy": map[string]any{"id": "asc"},
		"skip":    int64(1),
		"take":    int64(1),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "second", rows[0]["title"])
}

func TestFindManyDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	posts := mustModel(t, s, "post")

	rows, err := posts.FindMany(ctx, orm.Args{"distinct": []any{"authorId"}, "orderBy": map[string]any{"id": "asc"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["authorId"])
	assert.Equal(t, int64(2), rows[1]["authorId"])
}

func TestCreateAssignsIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := mustModel(t, s, "user")

	row, err := users.Create(ctx, orm.Args{"data": map[string]any{"name": "Carol"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), row["id"])

	_, err = users.Create(ctx, orm.Args{})
	require.Error(t, err)
	var ormErr *orm.Error
	require.ErrorAs(t, err, &ormErr)
	assert.Equal(t, "P2012", ormErr.Code)
}

func TestCreateMany(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := mustModel(t, s, "user")

	n, err := users.CreateMany(ctx, orm.Args{"data": []any{
		map[string]any{"name": "Carol"},
		map[string]any{"name": "Dave"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// skipDuplicates drops rows whose explicit id already exists.
	n, err = users.CreateMany(ctx, orm.Args{
		"data": []any{
			map[string]any{"id": int64(1), "name": "Alice again"},
			map[string]any{"id": int64(100), "name": "Eve"},
		},
		"skipDuplicates": true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdateOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := mustModel(t, s, "user")

	row, err := users.Update(ctx, orm.Args{
		"where": map[string]any{"id": int64(1)},
		"data":  map[string]any{"name": "Alicia", "age": map[string]any{"increment": int64(1)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", row["name"])
	assert.Equal(t, int64(31), row["age"])

	_, err = users.Update(ctx, orm.Args{"where": map[string]any{"id": int64(99)}, "data": map[string]any{}})
	var ormErr *orm.Error
	require.ErrorAs(t, err, &ormErr)
	assert.Equal(t, orm.CodeNotFound, ormErr.Code)

	n, err := users.UpdateMany(ctx, orm.Args{"data": map[string]any{"active": true}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	posts := mustModel(t, s, "post")

	row, err := posts.Delete(ctx, orm.Args{"where": map[string]any{"id": int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, "first", row["title"])

	_, err = posts.Delete(ctx, orm.Args{"where": map[string]any{"id": int64(1)}})
	var ormErr *orm.Error
	require.ErrorAs(t, err, &ormErr)
	assert.Equal(t, orm.CodeNotFound, ormErr.Code)

	n, err := posts.DeleteMany(ctx, orm.Args{"where": map[string]any{"authorId": int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := posts.Count(ctx, orm.Args{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := mustModel(t, s, "user")

	// Existing row takes the update branch.
	row, err := users.Upsert(ctx, orm.Args{
		"where":  map[string]any{"id": int64(1)},
		"create": map[string]any{"name": "never"},
		"update": map[string]any{"name": "Updated"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Updated", row["name"])

	// Missing row takes the create branch.
	row, err = users.Upsert(ctx, orm.Args{
		"where":  map[string]any{"id": int64(50)},
		"create": map[string]any{"id": int64(50), "name": "Created"},
		"update": map[string]any{"name": "never"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Created", row["name"])

	count, err := users.Count(ctx, orm.Args{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	posts := mustModel(t, s, "post")

	out, err := posts.Aggregate(ctx, orm.Args{"_count": true, "_sum": true, "_min": true, "_max": true, "_avg": true})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"_all": int64(3)}, out["_count"])
	sum := out["_sum"].(map[string]any)
	assert.Equal(t, int64(20), sum["views"])
	min := out["_min"].(map[string]any)
	assert.Equal(t, int64(3), min["views"])
	max := out["_max"].(map[string]any)
	assert.Equal(t, int64(10), max["views"])
	avg := out["_avg"].(map[string]any)
	assert.InDelta(t, 20.0/3.0, avg["views"].(float64), 1e-9)
}

func TestGroupBy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	posts := mustModel(t, s, "post")

	groups, err := posts.GroupBy(ctx, orm.Args{"by": []any{"authorId"}, "orderBy": map[string]any{"authorId": "asc"}})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(1), groups[0]["authorId"])
	assert.Equal(t, map[string]any{"_all": int64(2)}, groups[0]["_count"])
	assert.Equal(t, int64(2), groups[1]["authorId"])

	// having filters on the grouped entry, including its _count.
	groups, err = posts.GroupBy(ctx, orm.Args{
		"by":     []any{"authorId"},
		"having": map[string]any{"_count": map[string]any{"_all": map[string]any{"gt": int64(1)}}},
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(1), groups[0]["authorId"])

	_, err = posts.GroupBy(ctx, orm.Args{})
	require.Error(t, err)
}

func TestIncludeResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	users := mustModel(t, s, "user")

	row, err := users.FindUnique(ctx, orm.Args{
		"where":   map[string]any{"id": int64(1)},
		"include": map[string]any{"posts": true},
	})
	require.NoError(t, err)
	posts, ok := row["posts"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, posts, 2)

	// Nested include: each post carries its author back.
	row, err = users.FindUnique(ctx, orm.Args{
		"where":   map[string]any{"id": int64(2)},
		"include": map[string]any{"posts": map[string]any{"include": map[string]any{"author": true}}},
	})
	require.NoError(t, err)
	posts, ok = row["posts"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, posts, 1)
	author, ok := posts[0]["author"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Bob", author["name"])
}

func TestIncludeBelongsTo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	posts := mustModel(t, s, "post")

	row, err := posts.FindUnique(ctx, orm.Args{
		"where":   map[string]any{"id": int64(3)},
		"include": map[string]any{"author": true},
	})
	require.NoError(t, err)
	author, ok := row["author"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Bob", author["name"])
}

func TestRawHandlers(t *testing.T) {
	ctx := context.Background()
	s := New("user")

	_, err := s.QueryRaw(ctx, "SELECT 1", nil)
	var ormErr *orm.Error
	require.ErrorAs(t, err, &ormErr)
	assert.Equal(t, orm.CodeRawQueryFailed, ormErr.Code)

	s.SetRawHandler(func(query string, params []any) ([]map[string]any, error) {
		return []map[string]any{{"q": query, "n": len(params)}}, nil
	})
	rows, err := s.QueryRaw(ctx, "SELECT 1", []any{int64(1)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SELECT 1", rows[0]["q"])
	assert.Equal(t, 1, rows[0]["n"])

	s.SetExecHandler(func(query string, params []any) (int64, error) { return 7, nil })
	n, err := s.ExecuteRaw(ctx, "DELETE", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Transaction(ctx, orm.TxOptions{}, func(tx orm.Client) error {
		users := mustModel(t, tx, "user")
		_, err := users.Create(ctx, orm.Args{"data": map[string]any{"name": "Carol"}})
		return err
	})
	require.NoError(t, err)

	users := mustModel(t, s, "user")
	count, err := users.Count(ctx, orm.Args{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := assert.AnError
	err := s.Transaction(ctx, orm.TxOptions{}, func(tx orm.Client) error {
		users := mustModel(t, tx, "user")
		if _, err := users.Create(ctx, orm.Args{"data": map[string]any{"name": "Carol"}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	users := mustModel(t, s, "user")
	count, err := users.Count(ctx, orm.Args{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestTransactionIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Transaction(ctx, orm.TxOptions{}, func(tx orm.Client) error {
		txUsers := mustModel(t, tx, "user")
		if _, err := txUsers.Create(ctx, orm.Args{"data": map[string]any{"name": "Carol"}}); err != nil {
			return err
		}
		// The live store must not see the uncommitted row.
		users := mustModel(t, s, "user")
		count, err := users.Count(ctx, orm.Args{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		return nil
	})
	require.NoError(t, err)
}

// Commit replaces the whole store with the transaction's snapshot: a
// direct root-store write racing an open transaction is discarded when the
// transaction commits. Pinned so nobody mistakes the snapshot swap for a
// merge.
func TestTransactionCommitIsLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Transaction(ctx, orm.TxOptions{}, func(tx orm.Client) error {
		users := mustModel(t, s, "user")
		_, err := users.Create(ctx, orm.Args{"data": map[string]any{"name": "RootWrite"}})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)

	users := mustModel(t, s, "user")
	row, err := users.FindFirst(ctx, orm.Args{"where": map[string]any{"name": "RootWrite"}})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestTransactionMaxWait(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = s.Transaction(ctx, orm.TxOptions{}, func(tx orm.Client) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	err := s.Transaction(ctx, orm.TxOptions{MaxWait: 20 * time.Millisecond}, func(tx orm.Client) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not acquire transaction")
}

func TestNestedTransactionRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Transaction(ctx, orm.TxOptions{}, func(tx orm.Client) error {
		return tx.Transaction(ctx, orm.TxOptions{}, func(orm.Client) error { return nil })
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested")
}

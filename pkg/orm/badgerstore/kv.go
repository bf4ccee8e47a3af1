package badgerstore

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// kv abstracts the two access paths: autocommit operations on the root
// store and operations inside one long-lived transaction. The delegate
// code above is identical for both.
type kv interface {
	get(key []byte) ([]byte, bool, error)
	set(key, val []byte) error
	delete(key []byte) error
	scanPrefix(prefix []byte, fn func(key, val []byte) error) error
}

// dbKV runs every operation in its own Badger transaction.
type dbKV struct {
	db *badger.DB
}

func (d *dbKV) get(key []byte) ([]byte, bool, error) {
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (d *dbKV) set(key, val []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (d *dbKV) delete(key []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (d *dbKV) scanPrefix(prefix []byte, fn func(key, val []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		return scanTxn(txn, prefix, fn)
	})
}

// txnKV runs every operation inside the scoped transaction, so reads see
// the transaction's own writes and nothing commits until the body returns.
type txnKV struct {
	txn *badger.Txn
}

func (t *txnKV) get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *txnKV) set(key, val []byte) error {
	return t.txn.Set(key, val)
}

func (t *txnKV) delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *txnKV) scanPrefix(prefix []byte, fn func(key, val []byte) error) error {
	return scanTxn(t.txn, prefix, fn)
}

func scanTxn(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

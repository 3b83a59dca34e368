// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Assert required interfaces
var (
	_ Database    = (*badgerDB)(nil)
	_ Range       = (*badgerRange)(nil)
	_ Transaction = (*badgerTX)(nil)
)

type badgerDB struct {
	mtx sync.RWMutex
	db  *badger.DB

	// kinda sucks but we must force
	// multiple write txs to block
	txMtx sync.Mutex

	tables tables
	cfg    *Config
}

func newBadgerDB(cfg *Config, t tables) *badgerDB {
	return &badgerDB{cfg: cfg, tables: t}
}

func (b *badgerDB) handle() (*badger.DB, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.db == nil {
		return nil, xerr(badger.ErrDBClosed)
	}
	return b.db, nil
}

func (b *badgerDB) Open(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db != nil {
		return ErrDBOpen
	}
	opt := badger.DefaultOptions(b.cfg.Home).
		WithLoggingLevel(badger.ERROR).
		WithCompression(options.None)
	db, err := badger.Open(opt)
	if err != nil {
		return xerr(err)
	}
	b.db = db
	return nil
}

func (b *badgerDB) Close(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *badgerDB) Del(ctx context.Context, table string, key []byte) error {
	return b.Update(ctx, func(ctx context.Context, tx Transaction) error {
		return tx.Del(ctx, table, key)
	})
}

func (b *badgerDB) Has(ctx context.Context, table string, key []byte) (bool, error) {
	var has bool
	err := b.View(ctx, func(ctx context.Context, tx Transaction) error {
		var err error
		has, err = tx.Has(ctx, table, key)
		return err
	})
	return has, err
}

func (b *badgerDB) Get(ctx context.Context, table string, key []byte) ([]byte, error) {
	var value []byte
	err := b.View(ctx, func(ctx context.Context, tx Transaction) error {
		var err error
		value, err = tx.Get(ctx, table, key)
		return err
	})
	return value, err
}

func (b *badgerDB) Put(ctx context.Context, table string, key, value []byte) error {
	return b.Update(ctx, func(ctx context.Context, tx Transaction) error {
		return tx.Put(ctx, table, key, value)
	})
}

func (b *badgerDB) Begin(ctx context.Context, write bool) (Transaction, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	if !write {
		return &badgerTX{tables: b.tables, tx: db.NewTransaction(false)}, nil
	}
	if err := diskFree(ctx, b.cfg.Home, b.cfg.MinFreeBytes); err != nil {
		return nil, err
	}
	b.txMtx.Lock()
	return &badgerTX{
		tables: b.tables,
		tx:     db.NewTransaction(true),
		write:  true,
		unlock: b.txMtx.Unlock,
	}, nil
}

func (b *badgerDB) View(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error {
	return execute(ctx, b, false, callback)
}

func (b *badgerDB) Update(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error {
	return execute(ctx, b, true, callback)
}

// Transactions

type badgerTX struct {
	tables tables
	tx     *badger.Txn
	write  bool
	unlock func()
	once   sync.Once
}

func (tx *badgerTX) done() {
	tx.once.Do(func() {
		tx.tx.Discard()
		if tx.unlock != nil {
			tx.unlock()
		}
	})
}

func (tx *badgerTX) Del(_ context.Context, table string, key []byte) error {
	if err := tx.tables.check(table); err != nil {
		return err
	}
	if !tx.write {
		return ErrReadOnly
	}
	return xerr(tx.tx.Delete(NewCompositeKey(table, key)))
}

func (tx *badgerTX) Has(ctx context.Context, table string, key []byte) (bool, error) {
	_, err := tx.Get(ctx, table, key)
	if errors.Is(err, ErrTableNotFound) {
		return false, err
	}
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (tx *badgerTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	item, err := tx.tx.Get(NewCompositeKey(table, key))
	if err != nil {
		return nil, xerr(err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, xerr(err)
	}
	return value, nil
}

func (tx *badgerTX) Put(_ context.Context, table string, key []byte, value []byte) error {
	if err := tx.tables.check(table); err != nil {
		return err
	}
	if !tx.write {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return xerr(tx.tx.Set(NewCompositeKey(table, key), value))
}

// NewRange returns a range over the transaction. Badger allows a single
// live iterator per read/write transaction.
func (tx *badgerTX) NewRange(_ context.Context, table string, start, end []byte) (Range, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(table)
	it := tx.tx.NewIterator(opts)
	return &badgerRange{
		table: table,
		it:    it,
		lower: lower,
		upper: upper,
	}, nil
}

func (tx *badgerTX) Commit(_ context.Context) error {
	defer tx.done()
	if !tx.write {
		return nil
	}
	return xerr(tx.tx.Commit())
}

func (tx *badgerTX) Rollback(_ context.Context) error {
	tx.done()
	return nil
}

// Ranges

type badgerRange struct {
	table   string
	it      *badger.Iterator
	lower   []byte
	upper   []byte
	started bool
}

func (br *badgerRange) Next(_ context.Context) bool {
	if !br.started {
		br.started = true
		br.it.Seek(br.lower)
	} else {
		br.it.Next()
	}
	if !br.it.ValidForPrefix([]byte(br.table)) {
		return false
	}
	if br.upper != nil && bytes.Compare(br.it.Item().Key(), br.upper) >= 0 {
		return false
	}
	return true
}

func (br *badgerRange) Key(_ context.Context) []byte {
	return KeyFromComposite(br.table, br.it.Item().KeyCopy(nil))
}

func (br *badgerRange) Value(_ context.Context) []byte {
	value, err := br.it.Item().ValueCopy(nil)
	if err != nil {
		log.Errorf("range value: %v", err)
		return nil
	}
	return value
}

func (br *badgerRange) Close(_ context.Context) {
	br.it.Close()
}

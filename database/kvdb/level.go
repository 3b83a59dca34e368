// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Assert required interfaces
var (
	_ Database    = (*levelDB)(nil)
	_ Range       = (*levelRange)(nil)
	_ Transaction = (*levelTX)(nil)
	_ Transaction = (*levelSnapshotTX)(nil)
)

type levelDB struct {
	mtx sync.RWMutex
	db  *leveldb.DB

	tables tables
	cfg    *Config
}

func newLevelDB(cfg *Config, t tables) *levelDB {
	return &levelDB{cfg: cfg, tables: t}
}

func (b *levelDB) handle() (*leveldb.DB, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.db == nil {
		return nil, xerr(leveldb.ErrClosed)
	}
	return b.db, nil
}

func (b *levelDB) Open(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db != nil {
		return ErrDBOpen
	}
	ldb, err := leveldb.OpenFile(b.cfg.Home, &opt.Options{
		BlockCacheEvictRemoved: true,
		Compression:            opt.NoCompression,
	})
	if err != nil {
		return xerr(err)
	}
	b.db = ldb
	return nil
}

func (b *levelDB) Close(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *levelDB) Del(_ context.Context, table string, key []byte) error {
	if err := b.tables.check(table); err != nil {
		return err
	}
	db, err := b.handle()
	if err != nil {
		return err
	}
	return xerr(db.Delete(NewCompositeKey(table, key), nil))
}

func (b *levelDB) Has(_ context.Context, table string, key []byte) (bool, error) {
	if err := b.tables.check(table); err != nil {
		return false, err
	}
	db, err := b.handle()
	if err != nil {
		return false, err
	}
	has, err := db.Has(NewCompositeKey(table, key), nil)
	return has, xerr(err)
}

func (b *levelDB) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := b.tables.check(table); err != nil {
		return nil, err
	}
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	value, err := db.Get(NewCompositeKey(table, key), nil)
	if err != nil {
		return nil, xerr(err)
	}
	return value, nil
}

func (b *levelDB) Put(ctx context.Context, table string, key, value []byte) error {
	if err := b.tables.check(table); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if err := diskFree(ctx, b.cfg.Home, b.cfg.MinFreeBytes); err != nil {
		return err
	}
	db, err := b.handle()
	if err != nil {
		return err
	}
	return xerr(db.Put(NewCompositeKey(table, key), value, nil))
}

// Begin opens a leveldb transaction for writes and a snapshot for reads.
// Only one leveldb transaction can be open at a time; others block until it
// is committed or discarded.
func (b *levelDB) Begin(ctx context.Context, write bool) (Transaction, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	if !write {
		ss, err := db.GetSnapshot()
		if err != nil {
			return nil, xerr(err)
		}
		return &levelSnapshotTX{tables: b.tables, ss: ss}, nil
	}
	if err := diskFree(ctx, b.cfg.Home, b.cfg.MinFreeBytes); err != nil {
		return nil, err
	}
	tx, err := db.OpenTransaction()
	if err != nil {
		return nil, xerr(err)
	}
	return &levelTX{tables: b.tables, tx: tx}, nil
}

func (b *levelDB) View(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error {
	return execute(ctx, b, false, callback)
}

func (b *levelDB) Update(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error {
	return execute(ctx, b, true, callback)
}

// Transactions

type levelTX struct {
	tables tables
	tx     *leveldb.Transaction
}

func (tx *levelTX) Del(_ context.Context, table string, key []byte) error {
	if err := tx.tables.check(table); err != nil {
		return err
	}
	return xerr(tx.tx.Delete(NewCompositeKey(table, key), nil))
}

func (tx *levelTX) Has(_ context.Context, table string, key []byte) (bool, error) {
	if err := tx.tables.check(table); err != nil {
		return false, err
	}
	has, err := tx.tx.Has(NewCompositeKey(table, key), nil)
	return has, xerr(err)
}

func (tx *levelTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	value, err := tx.tx.Get(NewCompositeKey(table, key), nil)
	if err != nil {
		return nil, xerr(err)
	}
	return value, nil
}

func (tx *levelTX) Put(_ context.Context, table string, key []byte, value []byte) error {
	if err := tx.tables.check(table); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return xerr(tx.tx.Put(NewCompositeKey(table, key), value, nil))
}

func (tx *levelTX) NewRange(_ context.Context, table string, start, end []byte) (Range, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	return &levelRange{
		table: table,
		it:    tx.tx.NewIterator(&util.Range{Start: lower, Limit: upper}, nil),
	}, nil
}

func (tx *levelTX) Commit(_ context.Context) error {
	return xerr(tx.tx.Commit())
}

func (tx *levelTX) Rollback(_ context.Context) error {
	tx.tx.Discard()
	return nil
}

// levelSnapshotTX is a read only transaction over a point in time snapshot.
type levelSnapshotTX struct {
	tables tables
	ss     *leveldb.Snapshot
}

func (tx *levelSnapshotTX) Del(_ context.Context, _ string, _ []byte) error {
	return ErrReadOnly
}

func (tx *levelSnapshotTX) Has(_ context.Context, table string, key []byte) (bool, error) {
	if err := tx.tables.check(table); err != nil {
		return false, err
	}
	has, err := tx.ss.Has(NewCompositeKey(table, key), nil)
	return has, xerr(err)
}

func (tx *levelSnapshotTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	value, err := tx.ss.Get(NewCompositeKey(table, key), nil)
	if err != nil {
		return nil, xerr(err)
	}
	return value, nil
}

func (tx *levelSnapshotTX) Put(_ context.Context, _ string, _ []byte, _ []byte) error {
	return ErrReadOnly
}

func (tx *levelSnapshotTX) NewRange(_ context.Context, table string, start, end []byte) (Range, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	return &levelRange{
		table: table,
		it:    tx.ss.NewIterator(&util.Range{Start: lower, Limit: upper}, nil),
	}, nil
}

func (tx *levelSnapshotTX) Commit(_ context.Context) error {
	tx.ss.Release()
	return nil
}

func (tx *levelSnapshotTX) Rollback(_ context.Context) error {
	tx.ss.Release()
	return nil
}

// Ranges

type levelRange struct {
	table string
	it    iterator.Iterator
}

func (lr *levelRange) Next(_ context.Context) bool {
	return lr.it.Next()
}

func (lr *levelRange) Key(_ context.Context) []byte {
	return KeyFromComposite(lr.table, lr.it.Key())
}

func (lr *levelRange) Value(_ context.Context) []byte {
	v := lr.it.Value()
	value := make([]byte, len(v))
	copy(value, v)
	return value
}

func (lr *levelRange) Close(_ context.Context) {
	lr.it.Release()
	if err := lr.it.Error(); err != nil {
		log.Errorf("range close: %v", err)
	}
}

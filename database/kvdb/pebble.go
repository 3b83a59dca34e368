// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/hemilabs/bdm/database"
)

// Assert required interfaces
var (
	_ Database    = (*pebbleDB)(nil)
	_ Range       = (*pebbleRange)(nil)
	_ Transaction = (*pebbleTX)(nil)
	_ Transaction = (*pebbleSnapshotTX)(nil)
)

type pebbleDB struct {
	mtx sync.RWMutex
	db  *pebble.DB

	// pebble has no transactions, writes are emulated with indexed
	// batches and serialized here.
	txMtx sync.Mutex

	tables tables
	cfg    *Config
}

func newPebbleDB(cfg *Config, t tables) *pebbleDB {
	return &pebbleDB{cfg: cfg, tables: t}
}

func (b *pebbleDB) handle() (*pebble.DB, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.db == nil {
		return nil, xerr(pebble.ErrClosed)
	}
	return b.db, nil
}

func (b *pebbleDB) Open(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db != nil {
		return ErrDBOpen
	}
	pdb, err := pebble.Open(b.cfg.Home, &pebble.Options{
		Levels: []pebble.LevelOptions{
			{Compression: pebble.NoCompression},
		},
	})
	if err != nil {
		return xerr(err)
	}
	b.db = pdb
	return nil
}

func (b *pebbleDB) Close(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *pebbleDB) Del(_ context.Context, table string, key []byte) error {
	if err := b.tables.check(table); err != nil {
		return err
	}
	db, err := b.handle()
	if err != nil {
		return err
	}
	return xerr(db.Delete(NewCompositeKey(table, key), pebble.Sync))
}

func (b *pebbleDB) Has(ctx context.Context, table string, key []byte) (bool, error) {
	_, err := b.Get(ctx, table, key)
	if errors.Is(err, ErrTableNotFound) {
		return false, err
	}
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (b *pebbleDB) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := b.tables.check(table); err != nil {
		return nil, err
	}
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	return pebbleGet(db, NewCompositeKey(table, key))
}

func (b *pebbleDB) Put(ctx context.Context, table string, key, value []byte) error {
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
	return xerr(db.Set(NewCompositeKey(table, key), value, pebble.Sync))
}

func (b *pebbleDB) Begin(ctx context.Context, write bool) (Transaction, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	if !write {
		return &pebbleSnapshotTX{tables: b.tables, ss: db.NewSnapshot()}, nil
	}
	if err := diskFree(ctx, b.cfg.Home, b.cfg.MinFreeBytes); err != nil {
		return nil, err
	}
	b.txMtx.Lock()
	return &pebbleTX{
		tables: b.tables,
		tx:     db.NewIndexedBatch(),
		unlock: b.txMtx.Unlock,
	}, nil
}

func (b *pebbleDB) View(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error {
	return execute(ctx, b, false, callback)
}

func (b *pebbleDB) Update(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error {
	return execute(ctx, b, true, callback)
}

// pebbleReader is implemented by pebble.DB, pebble.Batch and
// pebble.Snapshot.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func pebbleGet(r pebbleReader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if err != nil {
		return nil, xerr(err)
	}
	// pebble invalidates val once closer is closed.
	value := make([]byte, len(val))
	copy(value, val)
	if err := closer.Close(); err != nil {
		log.Errorf("close closer: %v", err)
	}
	return value, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// Transactions

type pebbleTX struct {
	tables tables
	tx     *pebble.Batch
	unlock func()
	once   sync.Once
}

func (tx *pebbleTX) done() {
	tx.once.Do(func() {
		if err := tx.tx.Close(); err != nil {
			log.Errorf("batch close: %v", err)
		}
		tx.unlock()
	})
}

func (tx *pebbleTX) Del(_ context.Context, table string, key []byte) error {
	if err := tx.tables.check(table); err != nil {
		return err
	}
	return xerr(tx.tx.Delete(NewCompositeKey(table, key), nil))
}

func (tx *pebbleTX) Has(ctx context.Context, table string, key []byte) (bool, error) {
	_, err := tx.Get(ctx, table, key)
	if errors.Is(err, ErrTableNotFound) {
		return false, err
	}
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (tx *pebbleTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	return pebbleGet(tx.tx, NewCompositeKey(table, key))
}

func (tx *pebbleTX) Put(_ context.Context, table string, key []byte, value []byte) error {
	if err := tx.tables.check(table); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return xerr(tx.tx.Set(NewCompositeKey(table, key), value, nil))
}

func (tx *pebbleTX) NewRange(_ context.Context, table string, start, end []byte) (Range, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	it, err := tx.tx.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, xerr(err)
	}
	return &pebbleRange{table: table, it: it}, nil
}

func (tx *pebbleTX) Commit(_ context.Context) error {
	defer tx.done()
	return xerr(tx.tx.Commit(pebble.Sync))
}

func (tx *pebbleTX) Rollback(_ context.Context) error {
	tx.done()
	return nil
}

type pebbleSnapshotTX struct {
	tables tables
	ss     *pebble.Snapshot
}

func (tx *pebbleSnapshotTX) Del(_ context.Context, _ string, _ []byte) error {
	return ErrReadOnly
}

func (tx *pebbleSnapshotTX) Has(ctx context.Context, table string, key []byte) (bool, error) {
	_, err := tx.Get(ctx, table, key)
	if errors.Is(err, ErrTableNotFound) {
		return false, err
	}
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (tx *pebbleSnapshotTX) Get(_ context.Context, table string, key []byte) ([]byte, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	return pebbleGet(tx.ss, NewCompositeKey(table, key))
}

func (tx *pebbleSnapshotTX) Put(_ context.Context, _ string, _ []byte, _ []byte) error {
	return ErrReadOnly
}

func (tx *pebbleSnapshotTX) NewRange(_ context.Context, table string, start, end []byte) (Range, error) {
	if err := tx.tables.check(table); err != nil {
		return nil, err
	}
	lower, upper := rangeBounds(table, start, end)
	it, err := tx.ss.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, xerr(err)
	}
	return &pebbleRange{table: table, it: it}, nil
}

func (tx *pebbleSnapshotTX) Commit(_ context.Context) error {
	return xerr(tx.ss.Close())
}

func (tx *pebbleSnapshotTX) Rollback(_ context.Context) error {
	return xerr(tx.ss.Close())
}

// Ranges

type pebbleRange struct {
	table   string
	it      *pebble.Iterator
	started bool
}

func (pr *pebbleRange) Next(_ context.Context) bool {
	if !pr.started {
		pr.started = true
		return pr.it.First()
	}
	return pr.it.Next()
}

func (pr *pebbleRange) Key(_ context.Context) []byte {
	return KeyFromComposite(pr.table, pr.it.Key())
}

func (pr *pebbleRange) Value(_ context.Context) []byte {
	v := pr.it.Value()
	value := make([]byte, len(v))
	copy(value, v)
	return value
}

func (pr *pebbleRange) Close(_ context.Context) {
	if err := pr.it.Close(); err != nil {
		log.Errorf("range close: %v", err)
	}
}

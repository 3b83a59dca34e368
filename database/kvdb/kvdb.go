// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package kvdb is a small transactional key/value abstraction over the
// embedded ordered stores the engine supports. Tables are key prefixes; a
// stored key is always <table><key>.
package kvdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/juju/loggo/v2"
	"github.com/mitchellh/go-homedir"
)

const logLevel = "INFO"

var log = loggo.GetLogger("kvdb")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

const (
	BackendLevel  = "level"
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrTableNotFound = errors.New("table not found")
	ErrReadOnly      = errors.New("read only transaction")
	ErrDBOpen        = errors.New("database already open")
	ErrDBClosed      = errors.New("database closed")
	ErrEmptyKey      = errors.New("empty key")
)

type Database interface {
	Open(context.Context) error
	Close(context.Context) error

	// Basic KV, each call is its own atomic operation.
	Del(ctx context.Context, table string, key []byte) error
	Has(ctx context.Context, table string, key []byte) (bool, error)
	Get(ctx context.Context, table string, key []byte) ([]byte, error)
	Put(ctx context.Context, table string, key []byte, value []byte) error

	// Transactions. Write transactions are serialized; read transactions
	// see a snapshot as of Begin.
	Begin(ctx context.Context, write bool) (Transaction, error)
	View(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error
	Update(ctx context.Context, callback func(ctx context.Context, tx Transaction) error) error
}

type Transaction interface {
	Del(ctx context.Context, table string, key []byte) error
	Has(ctx context.Context, table string, key []byte) (bool, error)
	Get(ctx context.Context, table string, key []byte) ([]byte, error)
	Put(ctx context.Context, table string, key []byte, value []byte) error

	// NewRange returns the records of table with start <= key < end. A
	// nil end ranges to the end of the table.
	NewRange(ctx context.Context, table string, start, end []byte) (Range, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Range walks a key range in ascending order. Next must be called before the
// first Key/Value. Returned slices are copies and remain valid after Close.
type Range interface {
	Next(ctx context.Context) bool
	Key(ctx context.Context) []byte
	Value(ctx context.Context) []byte
	Close(ctx context.Context)
}

type Config struct {
	Backend      string
	Home         string
	Tables       []string
	MinFreeBytes uint64 // Refuse write transactions below this, 0 disables
}

func NewDefaultConfig(home string, tables []string) *Config {
	return &Config{
		Backend: BackendLevel,
		Home:    home,
		Tables:  tables,
	}
}

// New returns an unopened database for the configured backend.
func New(cfg *Config) (Database, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	home, err := homedir.Expand(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("home expand: %w", err)
	}
	if home == "" {
		return nil, fmt.Errorf("%w: home not set", ErrInvalidConfig)
	}
	tables, err := newTables(cfg.Tables)
	if err != nil {
		return nil, err
	}
	c := *cfg
	c.Home = home

	switch c.Backend {
	case BackendLevel, "":
		return newLevelDB(&c, tables), nil
	case BackendPebble:
		return newPebbleDB(&c, tables), nil
	case BackendBadger:
		return newBadgerDB(&c, tables), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig,
		c.Backend)
}

type tables map[string]struct{}

// newTables verifies that no table name is a prefix of another. Otherwise
// ranges of one table would bleed into the other.
func newTables(names []string) (tables, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no tables", ErrInvalidConfig)
	}
	t := make(tables, len(names))
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty table name", ErrInvalidConfig)
		}
		if _, ok := t[name]; ok {
			return nil, fmt.Errorf("%w: duplicate table %q",
				ErrInvalidConfig, name)
		}
		for other := range t {
			if bytes.HasPrefix([]byte(name), []byte(other)) ||
				bytes.HasPrefix([]byte(other), []byte(name)) {
				return nil, fmt.Errorf("%w: table %q overlaps %q",
					ErrInvalidConfig, name, other)
			}
		}
		t[name] = struct{}{}
	}
	return t, nil
}

func (t tables) check(table string) error {
	if _, ok := t[table]; !ok {
		return fmt.Errorf("%w: %q", ErrTableNotFound, table)
	}
	return nil
}

// NewCompositeKey returns <table><key>.
func NewCompositeKey(table string, key []byte) []byte {
	ck := make([]byte, len(table)+len(key))
	copy(ck, table)
	copy(ck[len(table):], key)
	return ck
}

// KeyFromComposite strips the table prefix from a stored key.
func KeyFromComposite(table string, key []byte) []byte {
	k := make([]byte, len(key)-len(table))
	copy(k, key[len(table):])
	return k
}

// rangeBounds returns the composite [lower, upper) bounds for a range. A nil
// end means the end of the table.
func rangeBounds(table string, start, end []byte) ([]byte, []byte) {
	lower := NewCompositeKey(table, start)
	if end != nil {
		return lower, NewCompositeKey(table, end)
	}
	return lower, prefixEnd([]byte(table))
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // all 0xff, no upper bound
}

// execute runs callback in a transaction, committing on success and rolling
// back on any error.
func execute(ctx context.Context, db Database, write bool, callback func(ctx context.Context, tx Transaction) error) error {
	tx, err := db.Begin(ctx, write)
	if err != nil {
		return err
	}
	if err = callback(ctx, tx); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			return fmt.Errorf("rollback %w: %w", rerr, err)
		}
		return err
	}
	return tx.Commit(ctx)
}

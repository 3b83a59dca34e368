// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/cockroachdb/pebble"
	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"

	"github.com/hemilabs/bdm/database"
)

// xerr translates backend errors into the database error taxonomy. Errors
// that are already ours, and context errors, pass through unchanged.
func xerr(err error) error {
	switch {
	case err == nil:
		return nil

	// ours
	case errors.Is(err, ErrTableNotFound),
		errors.Is(err, ErrReadOnly),
		errors.Is(err, ErrEmptyKey),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, database.ErrStorageFull),
		errors.Is(err, database.ErrStorageIO),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err

	// not found
	case errors.Is(err, leveldb.ErrNotFound),
		errors.Is(err, pebble.ErrNotFound),
		errors.Is(err, badger.ErrKeyNotFound):
		return database.ErrNotFound

	// out of space
	case errors.Is(err, syscall.ENOSPC):
		return database.StorageFullError(err.Error())

	// closed
	case errors.Is(err, leveldb.ErrClosed),
		errors.Is(err, pebble.ErrClosed),
		errors.Is(err, badger.ErrDBClosed):
		return database.StorageIOError{Err: fmt.Errorf("%w: %w", ErrDBClosed, err)}

	case lerrors.IsCorrupted(err):
		return database.StorageIOError{Err: err}
	}
	return database.StorageIOError{Err: err}
}

// diskFree returns StorageFullError when the filesystem holding home has
// less than minFree bytes available.
func diskFree(ctx context.Context, home string, minFree uint64) error {
	if minFree == 0 {
		return nil
	}
	du, err := disk.UsageWithContext(ctx, home)
	if err != nil {
		return database.StorageIOError{Err: fmt.Errorf("disk usage: %w", err)}
	}
	if du.Free < minFree {
		return database.StorageFullError(fmt.Sprintf("storage full: %v "+
			"bytes free, need %v", du.Free, minFree))
	}
	return nil
}

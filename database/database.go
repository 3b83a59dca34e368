// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package database

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Database interface {
	Close() error // Close database
}

type NotFoundError string

func (nfe NotFoundError) Error() string {
	return string(nfe)
}

func (nfe NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	return ok
}

type BlockNotFoundError struct {
	chainhash.Hash
}

func (bnfe BlockNotFoundError) Error() string {
	return fmt.Sprintf("block not found: %v", bnfe.Hash)
}

func (bnfe BlockNotFoundError) Is(target error) bool {
	_, ok := target.(BlockNotFoundError)
	return ok
}

type DuplicateError string

func (de DuplicateError) Error() string {
	return string(de)
}

func (de DuplicateError) Is(target error) bool {
	_, ok := target.(DuplicateError)
	return ok
}

// StorageIOError is returned when the underlying store failed in a way the
// process cannot recover from (corruption, closed handle, disk failure).
type StorageIOError struct {
	Err error
}

func (se StorageIOError) Error() string {
	if se.Err == nil {
		return "storage i/o error"
	}
	return fmt.Sprintf("storage i/o error: %v", se.Err)
}

func (se StorageIOError) Is(target error) bool {
	_, ok := target.(StorageIOError)
	return ok
}

func (se StorageIOError) Unwrap() error {
	return se.Err
}

// StorageFullError is returned when the store ran out of space. The caller
// may retry once space has been reclaimed.
type StorageFullError string

func (sfe StorageFullError) Error() string {
	return string(sfe)
}

func (sfe StorageFullError) Is(target error) bool {
	_, ok := target.(StorageFullError)
	return ok
}

// RebuildRequiredError is returned on open when the stored schema version
// does not match the running code. Nothing has been modified.
type RebuildRequiredError struct {
	Have uint64
	Want uint64
}

func (rre RebuildRequiredError) Error() string {
	return fmt.Sprintf("rebuild required: schema version %v, want %v",
		rre.Have, rre.Want)
}

func (rre RebuildRequiredError) Is(target error) bool {
	_, ok := target.(RebuildRequiredError)
	return ok
}

var (
	ErrDuplicate       = DuplicateError("duplicate")
	ErrNotFound        = NotFoundError("not found")
	ErrBlockNotFound   BlockNotFoundError
	ErrStorageIO       StorageIOError
	ErrStorageFull     = StorageFullError("storage full")
	ErrRebuildRequired RebuildRequiredError
)

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package database

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestErrors(t *testing.T) {
	var err error
	hash, err := chainhash.NewHashFromStr("000000000000098faa89ab34c3ec0e6e037698e3e54c8d1bbb9dcfe0054a8e7a")
	if err != nil {
		t.Fatal(err)
	}
	err = BlockNotFoundError{*hash}
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %T", err)
	}
	err = fmt.Errorf("wrap %w", err)
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected wrapped block not found, got %T", err)
	}
	var e BlockNotFoundError
	if !errors.As(err, &e) {
		t.Fatalf("expected wrapped block not found, got %T %v", err, err)
	}
	if !e.Hash.IsEqual(hash) {
		t.Fatalf("got %v, want %v", e.Hash, hash)
	}
	err = errors.New("moo")
	if errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("did not expected block not found, got %T", err)
	}
}

func TestStorageErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "io",
			err:    StorageIOError{Err: io.ErrUnexpectedEOF},
			target: ErrStorageIO,
			want:   true,
		},
		{
			name:   "io wrapped",
			err:    fmt.Errorf("apply: %w", StorageIOError{Err: io.ErrUnexpectedEOF}),
			target: ErrStorageIO,
			want:   true,
		},
		{
			name:   "io unwrap",
			err:    StorageIOError{Err: io.ErrUnexpectedEOF},
			target: io.ErrUnexpectedEOF,
			want:   true,
		},
		{
			name:   "full",
			err:    StorageFullError("no space left on device"),
			target: ErrStorageFull,
			want:   true,
		},
		{
			name:   "full is not io",
			err:    ErrStorageFull,
			target: ErrStorageIO,
			want:   false,
		},
		{
			name:   "rebuild",
			err:    RebuildRequiredError{Have: 1, Want: 2},
			target: ErrRebuildRequired,
			want:   true,
		},
		{
			name:   "not found is not duplicate",
			err:    ErrNotFound,
			target: ErrDuplicate,
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is(%v, %T) = %v, want %v",
					tt.err, tt.target, got, tt.want)
			}
		})
	}
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hemilabs/bdm/testutil"
)

// blockRecord frames raw the way bitcoind stores it in blk*.dat files.
func blockRecord(raw []byte) []byte {
	rec := make([]byte, recordHeaderSize, recordHeaderSize+len(raw))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(chaincfg.RegressionNetParams.Net))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(raw)))
	return append(rec, raw...)
}

// writeBlockFile appends blocks to dir/name.
func writeBlockFile(t testing.TB, dir, name string, blocks ...*btcutil.Block) {
	t.Helper()

	var buf bytes.Buffer
	for _, b := range blocks {
		buf.Write(blockRecord(testutil.BlockBytes(t, b)))
	}
	appendFile(t, filepath.Join(dir, name), buf.Bytes())
}

func appendFile(t testing.TB, filename string, data []byte) {
	t.Helper()

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTestBlockFileSource(t *testing.T, dir string, follow bool) *blockFileSource {
	t.Helper()

	bs, err := newBlockFileSource(dir, chaincfg.RegressionNetParams.Net, follow)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := bs.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return bs
}

func expectBlock(ctx context.Context, t *testing.T, bs *blockFileSource, b *btcutil.Block) {
	t.Helper()

	raw, err := bs.Next(ctx)
	if err != nil {
		t.Fatalf("next %v: %v", b.Hash(), err)
	}
	if !bytes.Equal(raw, testutil.BlockBytes(t, b)) {
		t.Fatalf("unexpected block, want %v", b.Hash())
	}
}

func expectEOF(ctx context.Context, t *testing.T, bs *blockFileSource) {
	t.Helper()

	if _, err := bs.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestBlockFileSource(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	c := testutil.NewChain(t, alice.Script)
	for range 5 {
		c.Extend(alice.Script)
	}

	dir := t.TempDir()
	writeBlockFile(t, dir, "blk00000.dat", c.Blocks[:3]...)
	writeBlockFile(t, dir, "blk00001.dat", c.Blocks[3:]...)
	// Preallocated space after the last record.
	appendFile(t, filepath.Join(dir, "blk00001.dat"), make([]byte, 4096))
	// Not a block file.
	appendFile(t, filepath.Join(dir, "rev00000.dat"), []byte("undo"))

	bs := newTestBlockFileSource(t, dir, false)
	for _, b := range c.Blocks {
		expectBlock(ctx, t, bs, b)
	}
	expectEOF(ctx, t, bs)
	expectEOF(ctx, t, bs)
}

func TestBlockFileSourcePartial(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	c := testutil.NewChain(t, alice.Script)
	b1 := c.Extend(alice.Script)

	dir := t.TempDir()
	filename := filepath.Join(dir, "blk00000.dat")
	writeBlockFile(t, dir, "blk00000.dat", c.Blocks[0])

	rec := blockRecord(testutil.BlockBytes(t, b1))
	appendFile(t, filename, rec[:recordHeaderSize/2])

	bs := newTestBlockFileSource(t, dir, false)
	expectBlock(ctx, t, bs, c.Blocks[0])
	expectEOF(ctx, t, bs)

	// Header complete, block still short.
	appendFile(t, filename, rec[recordHeaderSize/2:recordHeaderSize+10])
	expectEOF(ctx, t, bs)

	appendFile(t, filename, rec[recordHeaderSize+10:])
	expectBlock(ctx, t, bs, b1)
	expectEOF(ctx, t, bs)
}

func TestBlockFileSourceResync(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	c := testutil.NewChain(t, alice.Script)
	c.Extend(alice.Script)

	dir := t.TempDir()
	filename := filepath.Join(dir, "blk00000.dat")
	appendFile(t, filename, []byte("garbage before the first record"))
	writeBlockFile(t, dir, "blk00000.dat", c.Blocks[0])

	// Right magic, absurd size.
	var bogus [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(bogus[0:4], uint32(chaincfg.RegressionNetParams.Net))
	binary.LittleEndian.PutUint32(bogus[4:8], 0xffffffff)
	appendFile(t, filename, bogus[:])
	writeBlockFile(t, dir, "blk00000.dat", c.Blocks[1])

	bs := newTestBlockFileSource(t, dir, false)
	expectBlock(ctx, t, bs, c.Blocks[0])
	expectBlock(ctx, t, bs, c.Blocks[1])
	expectEOF(ctx, t, bs)
}

func TestBlockFileSourceFollow(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	c := testutil.NewChain(t, alice.Script)
	b1 := c.Extend(alice.Script)
	b2 := c.Extend(alice.Script)

	// Directory starts out empty.
	dir := t.TempDir()
	bs := newTestBlockFileSource(t, dir, true)
	bs.poll = 50 * time.Millisecond

	first := blockRecord(testutil.BlockBytes(t, c.Blocks[0]))
	second := append(blockRecord(testutil.BlockBytes(t, b1)),
		blockRecord(testutil.BlockBytes(t, b2))...)
	go func() {
		time.Sleep(100 * time.Millisecond)
		err := os.WriteFile(filepath.Join(dir, "blk00000.dat"), first, 0o600)
		if err != nil {
			t.Errorf("write: %v", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
		err = os.WriteFile(filepath.Join(dir, "blk00001.dat"), second, 0o600)
		if err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	for _, b := range c.Blocks {
		expectBlock(ctx, t, bs, b)
	}

	wctx, wcancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer wcancel()
	if _, err := bs.Next(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	bs.SetFollow(false)
	expectEOF(ctx, t, bs)
}

func TestBlockFileSourceNotDir(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "blk00000.dat")
	appendFile(t, filename, []byte{0})
	if _, err := newBlockFileSource(filename, chaincfg.RegressionNetParams.Net, false); err == nil {
		t.Fatal("expected error for regular file")
	}
	if _, err := newBlockFileSource(filepath.Join(filename, "nope"), chaincfg.RegressionNetParams.Net, false); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

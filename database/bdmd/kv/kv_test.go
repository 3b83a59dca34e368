// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-test/deep"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
	"github.com/hemilabs/bdm/database/kvdb"
	"github.com/hemilabs/bdm/testutil"
)

var backends = []string{kvdb.BackendLevel, kvdb.BackendPebble, kvdb.BackendBadger}

func newTestDB(ctx context.Context, t *testing.T, backend, home string) *kvDB {
	t.Helper()

	cfg := NewConfig(backend, home, "1mb")
	db, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func insertAndApply(ctx context.Context, t *testing.T, db *kvDB, blocks ...*btcutil.Block) {
	t.Helper()

	for _, b := range blocks {
		if _, _, err := db.BlockInsert(ctx, b); err != nil &&
			!errors.Is(err, database.ErrDuplicate) {
			t.Fatalf("insert %v: %v", b.Hash(), err)
		}
		if err := db.BlockApply(ctx, b); err != nil {
			t.Fatalf("apply %v: %v", b.Hash(), err)
		}
	}
}

// conservation asserts that the stored balance equals the sum of history
// deltas.
func conservation(ctx context.Context, t *testing.T, db *kvDB, keys ...*testutil.Key) {
	t.Helper()

	for _, k := range keys {
		h, err := db.HistoryByScriptHash(ctx, bdmd.NewScriptHashFromScript(k.Script))
		if err != nil {
			t.Fatal(err)
		}
		var sum int64
		for _, e := range h.Entries {
			sum += e.Delta
		}
		if sum != h.Balance {
			t.Fatalf("%v: balance %v, sum of deltas %v", k.Name,
				h.Balance, sum)
		}
	}
}

func balance(ctx context.Context, t *testing.T, db *kvDB, script []byte) int64 {
	t.Helper()

	b, err := db.BalanceByScriptHash(ctx, bdmd.NewScriptHashFromScript(script))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(kvdb.BackendLevel, "~/.bdmd", "1kb")
	if cfg.blockheaderCacheSize != 1000 {
		t.Fatalf("got %v, want 1000", cfg.blockheaderCacheSize)
	}
	cfg = NewConfig(kvdb.BackendLevel, "~/.bdmd", "")
	if cfg.blockheaderCacheSize != 0 {
		t.Fatalf("got %v, want 0", cfg.blockheaderCacheSize)
	}
}

func TestVersion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	home := t.TempDir()
	db := newTestDB(ctx, t, kvdb.BackendLevel, home)
	v, err := db.Version(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != bdmd.SchemaVersion {
		t.Fatalf("got version %v, want %v", v, bdmd.SchemaVersion)
	}

	// Stamp an old version and reopen.
	old := make([]byte, 8)
	if err := db.db.Put(ctx, metadataTable, versionKey, old); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db, err = New(ctx, NewConfig(kvdb.BackendLevel, home, ""))
	var rre database.RebuildRequiredError
	if !errors.As(err, &rre) {
		t.Fatalf("expected rebuild required, got %v", err)
	}
	if rre.Have != 0 || rre.Want != bdmd.SchemaVersion {
		t.Fatalf("unexpected versions: %v", rre)
	}
	if db == nil {
		t.Fatal("expected open database")
	}
	if err := db.VersionUpdate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db = newTestDB(ctx, t, kvdb.BackendLevel, home)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBlockHeaderInsert(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	a := testutil.NewChain(t, alice.Script)
	for range 3 {
		a.Extend(alice.Script)
	}
	b := a.Fork(1, "b")
	b.Extend(alice.Script) // 2'
	b.Extend(alice.Script) // 3'
	b.Extend(alice.Script) // 4'

	db := newTestDB(ctx, t, kvdb.BackendLevel, t.TempDir())
	defer db.Close()

	insertAndApply(ctx, t, db, a.Blocks...)

	// Unknown parent.
	orphan := testutil.NewBlock(chainhash.DoubleHashH([]byte("nope")), 9,
		testutil.Coinbase(t, 9, alice.Script, ""))
	_, _, err := db.BlockHeaderInsert(ctx, &orphan.MsgBlock().Header)
	if !errors.Is(err, database.ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}

	// Duplicate.
	_, _, err = db.BlockHeaderInsert(ctx, &a.Blocks[2].MsgBlock().Header)
	if !errors.Is(err, database.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	// Second genesis.
	g := testutil.NewChain(t, testutil.NewKey(t, "bob").Script)
	if _, _, err = db.BlockHeaderInsert(ctx, &g.Tip().MsgBlock().Header); err == nil {
		t.Fatal("expected second genesis to be rejected")
	}

	wants := []struct {
		name   string
		height uint64
		it     bdmd.InsertType
	}{
		{"2'", 2, bdmd.ITForkExtend},
		{"3' equal work", 3, bdmd.ITForkExtend},
		{"4'", 4, bdmd.ITChainFork},
	}
	for i, w := range wants {
		it, bh, err := db.BlockHeaderInsert(ctx, &b.Blocks[2+i].MsgBlock().Header)
		if err != nil {
			t.Fatalf("%v: %v", w.name, err)
		}
		if it != w.it {
			t.Fatalf("%v: got %v, want %v", w.name, it, w.it)
		}
		if bh.Height != w.height {
			t.Fatalf("%v: got height %v, want %v", w.name, bh.Height,
				w.height)
		}
		if bh.Valid {
			t.Fatalf("%v: side chain header marked valid", w.name)
		}
		if i == 1 {
			// Equal work, the first seen header wins.
			best, err := db.BlockHeaderBestWork(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !best.Hash.IsEqual(a.Tip().Hash()) {
				t.Fatalf("best work %v, want first seen %v", best,
					a.Tip().Hash())
			}
		}
	}
	best, err := db.BlockHeaderBestWork(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !best.Hash.IsEqual(b.Tip().Hash()) {
		t.Fatalf("best work %v, want %v", best, b.Tip().Hash())
	}

	bhs, err := db.BlockHeadersByHeight(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(bhs) != 2 {
		t.Fatalf("got %v headers at 3, want 2", len(bhs))
	}
	if _, err := db.BlockHeadersByHeight(ctx, 10); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Cache and store agree.
	for _, blk := range a.Blocks {
		c, err := db.BlockHeaderByHash(ctx, *blk.Hash())
		if err != nil {
			t.Fatal(err)
		}
		var s *bdmd.BlockHeader
		err = db.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
			s, err = headerGet(ctx, tx, *blk.Hash())
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if diff := deep.Equal(c, s); len(diff) > 0 {
			t.Fatalf("cache mismatch: %v", diff)
		}
		if !c.Valid {
			t.Fatalf("%v not canonical", c)
		}
	}
}

func TestApplyUnapply(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			alice := testutil.NewKey(t, "alice")
			bob := testutil.NewKey(t, "bob")
			carol := testutil.NewKey(t, "carol")

			c := testutil.NewChain(t, alice.Script)
			// alice pays bob, bob pays carol in the same block.
			tx1 := testutil.NewTx(t,
				[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(0), Key: alice}},
				[]testutil.Output{
					{Script: bob.Script, Value: 30 * btcutil.SatoshiPerBitcoin},
					{Script: alice.Script, Value: 20 * btcutil.SatoshiPerBitcoin},
					testutil.NullDataOutput(t, []byte("memo")),
				})
			tx2 := testutil.NewTx(t,
				[]testutil.Input{{OutPoint: wire.OutPoint{Hash: tx1.TxHash(), Index: 0}, Key: bob}},
				[]testutil.Output{
					{Script: carol.Script, Value: 10 * btcutil.SatoshiPerBitcoin},
					{Script: bob.Script, Value: 20 * btcutil.SatoshiPerBitcoin},
				})
			c.Extend(carol.Script, tx1, tx2)

			db := newTestDB(ctx, t, backend, t.TempDir())
			defer db.Close()

			insertAndApply(ctx, t, db, c.Blocks[0])
			digest0, err := db.DerivedDigest(ctx)
			if err != nil {
				t.Fatal(err)
			}
			insertAndApply(ctx, t, db, c.Blocks[1])
			digest1, err := db.DerivedDigest(ctx)
			if err != nil {
				t.Fatal(err)
			}

			const btc = btcutil.SatoshiPerBitcoin
			wants := map[*testutil.Key]int64{
				alice: 20 * btc,
				bob:   20 * btc,
				carol: testutil.Subsidy + 10*btc,
			}
			for k, want := range wants {
				if got := balance(ctx, t, db, k.Script); got != want {
					t.Fatalf("%v: got %v, want %v", k.Name, got, want)
				}
			}
			conservation(ctx, t, db, alice, bob, carol)

			h, err := db.HistoryByScriptHash(ctx,
				bdmd.NewScriptHashFromScript(bob.Script))
			if err != nil {
				t.Fatal(err)
			}
			wantHistory := []bdmd.HistoryEntry{
				{
					TxID: tx1.TxHash(), Height: 1, TxIndex: 1,
					Kind: bdmd.HistoryReceive, IOIndex: 0,
					Delta: 30 * btc, Confirmed: true,
				},
				{
					TxID: tx2.TxHash(), Height: 1, TxIndex: 2,
					Kind: bdmd.HistoryReceive, IOIndex: 1,
					Delta: 20 * btc, Confirmed: true,
				},
				{
					TxID: tx2.TxHash(), Height: 1, TxIndex: 2,
					Kind: bdmd.HistorySpend, IOIndex: 0,
					Delta: -30 * btc, Confirmed: true,
				},
			}
			if diff := deep.Equal(h.Entries, wantHistory); len(diff) > 0 {
				t.Fatalf("history: %v", diff)
			}

			op := bdmd.NewOutpoint(tx1.TxHash(), 0)
			if _, err := db.UtxoByOutpoint(ctx, op); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("expected spent output, got %v", err)
			}
			spent, err := db.SpentByOutpoint(ctx, op)
			if err != nil {
				t.Fatal(err)
			}
			if spent.Height != 1 || spent.Value != 30*btc {
				t.Fatalf("unexpected spent output: %+v", spent)
			}
			// OP_RETURN outputs are not indexed.
			if _, err := db.UtxoByOutpoint(ctx, bdmd.NewOutpoint(tx1.TxHash(), 2)); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("expected unindexed null data, got %v", err)
			}
			tr, err := db.TxByID(ctx, tx2.TxHash())
			if err != nil {
				t.Fatal(err)
			}
			if tr.Height != 1 || tr.Index != 2 || tr.BlockHash != *c.Tip().Hash() {
				t.Fatalf("unexpected tx record: %+v", tr)
			}

			// Apply again is a no-op.
			if err := db.BlockApply(ctx, c.Blocks[1]); err != nil {
				t.Fatal(err)
			}
			if d, _ := db.DerivedDigest(ctx); d != digest1 {
				t.Fatal("reapply changed derived state")
			}

			// Only the top may be unwound.
			if err := db.BlockUnapply(ctx, c.Blocks[0]); err == nil {
				t.Fatal("expected unapply of non top to fail")
			}
			if err := db.BlockUnapply(ctx, c.Blocks[1]); err != nil {
				t.Fatal(err)
			}
			if d, _ := db.DerivedDigest(ctx); d != digest0 {
				t.Fatal("unapply did not restore derived state")
			}
			if got := balance(ctx, t, db, bob.Script); got != 0 {
				t.Fatalf("bob: got %v, want 0", got)
			}
			if _, err := db.TxByID(ctx, tx2.TxHash()); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("expected tx gone, got %v", err)
			}
			bh, err := db.BlockHeaderByHash(ctx, *c.Tip().Hash())
			if err != nil {
				t.Fatal(err)
			}
			if bh.Valid {
				t.Fatal("unapplied header still canonical")
			}
			sm, err := db.SyncMetadata(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if sm.Height != 0 || sm.Hash != *c.Blocks[0].Hash() {
				t.Fatalf("unexpected sync metadata: %+v", sm)
			}

			insertAndApply(ctx, t, db, c.Blocks[1])
			if d, _ := db.DerivedDigest(ctx); d != digest1 {
				t.Fatal("rewind is not deterministic")
			}
		})
	}
}

func TestHistoryAppend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := newTestDB(ctx, t, kvdb.BackendPebble, t.TempDir())
	defer db.Close()

	sh := bdmd.NewScriptHashFromScript([]byte{0x51})
	entries := map[bdmd.ScriptHash][]bdmd.HistoryEntry{
		sh: {
			{Height: 5, Kind: bdmd.HistoryReceive, Delta: 100},
			{Height: 5, TxIndex: 1, Kind: bdmd.HistorySpend, Delta: -40},
		},
	}
	hash := chainhash.DoubleHashH([]byte("5"))
	for range 3 {
		if err := db.HistoryAppend(ctx, 5, hash, entries); err != nil {
			t.Fatal(err)
		}
	}
	h, err := db.HistoryByScriptHash(ctx, sh)
	if err != nil {
		t.Fatal(err)
	}
	if h.Balance != 60 || len(h.Entries) != 2 {
		t.Fatalf("unexpected history: %+v", h)
	}
	sm, err := db.SyncMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sm.Height != 5 || sm.Hash != hash || sm.Version != bdmd.SchemaVersion {
		t.Fatalf("unexpected sync metadata: %+v", sm)
	}

	// Lower heights are ignored.
	if err := db.HistoryAppend(ctx, 4, hash, entries); err != nil {
		t.Fatal(err)
	}
	if b, _ := db.BalanceByScriptHash(ctx, sh); b != 60 {
		t.Fatalf("got balance %v, want 60", b)
	}
}

func TestDerivedReset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	bob := testutil.NewKey(t, "bob")
	c := testutil.NewChain(t, alice.Script)
	for i := range 5 {
		tx := testutil.NewTx(t,
			[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(uint64(i)), Key: alice}},
			[]testutil.Output{{Script: bob.Script, Value: testutil.Subsidy}})
		c.Extend(alice.Script, tx)
	}

	home := t.TempDir()
	db := newTestDB(ctx, t, kvdb.BackendBadger, home)
	insertAndApply(ctx, t, db, c.Blocks...)
	want, err := db.DerivedDigest(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 3 {
		if err := db.DerivedReset(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := db.SyncMetadata(ctx); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("expected no sync metadata, got %v", err)
		}
		if b := balance(ctx, t, db, bob.Script); b != 0 {
			t.Fatalf("balance survived reset: %v", b)
		}
		for _, b := range c.Blocks {
			if err := db.BlockApply(ctx, b); err != nil {
				t.Fatal(err)
			}
		}
		got, err := db.DerivedDigest(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("rebuild %v: digest %v, want %v", i, got, want)
		}
	}
	conservation(ctx, t, db, alice, bob)

	// An interrupted reset is detected on open.
	if err := db.db.Put(ctx, metadataTable, resetKey, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db, err = New(ctx, NewConfig(kvdb.BackendBadger, filepath.Clean(home), ""))
	if !errors.Is(err, database.ErrRebuildRequired) {
		t.Fatalf("expected rebuild required, got %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
}

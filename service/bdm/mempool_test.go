// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
	"github.com/hemilabs/bdm/testutil"
)

func TestMempool(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	bob := testutil.NewKey(t, "bob")
	carol := testutil.NewKey(t, "carol")
	dave := testutil.NewKey(t, "dave")
	erin := testutil.NewKey(t, "erin")

	c := testutil.NewChain(t, alice.Script)
	tx1 := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(0), Key: alice}},
		[]testutil.Output{
			{Script: bob.Script, Value: 30 * btcutil.SatoshiPerBitcoin},
			{Script: alice.Script, Value: 20 * btcutil.SatoshiPerBitcoin},
		})
	c.Extend(alice.Script, tx1)
	c.Extend(alice.Script)

	db, p, _ := newTestPipeline(ctx, t, defaultMaxReorgDepth)
	ingestBlocks(ctx, t, p, c.Blocks...)

	m, err := mempoolNew(db)
	if err != nil {
		t.Fatal(err)
	}

	// Spend the block 1 coinbase to carol.
	txA := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(1), Key: alice}},
		[]testutil.Output{{Script: carol.Script, Value: testutil.Subsidy}})
	mtxA, err := m.submit(ctx, testutil.TxBytes(t, txA), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if mtxA.seq != 1 {
		t.Fatalf("sequence %v, want 1", mtxA.seq)
	}
	if mtxA.prevOuts[0] == nil || mtxA.prevOuts[0].Value != testutil.Subsidy {
		t.Fatalf("prevout not resolved: %v", mtxA.prevOuts[0])
	}

	_, err = m.submit(ctx, testutil.TxBytes(t, txA), time.Now())
	if !errors.Is(err, database.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	_, err = m.submit(ctx, testutil.TxBytes(t, tx1), time.Now())
	if !errors.Is(err, database.ErrDuplicate) {
		t.Fatalf("expected duplicate for confirmed tx, got %v", err)
	}

	// Same input as txA.
	txB := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(1), Key: alice}},
		[]testutil.Output{{Script: dave.Script, Value: testutil.Subsidy}})
	_, err = m.submit(ctx, testutil.TxBytes(t, txB), time.Now())
	var ce ConflictError
	if !errors.As(err, &ce) || ce.Confirmed || ce.With != txA.TxHash() {
		t.Fatalf("expected conflict with %v, got %v", txA.TxHash(), err)
	}

	// Input already spent by tx1.
	txC := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(0), Key: alice}},
		[]testutil.Output{{Script: dave.Script, Value: testutil.Subsidy}})
	_, err = m.submit(ctx, testutil.TxBytes(t, txC), time.Now())
	if !errors.As(err, &ce) || !ce.Confirmed {
		t.Fatalf("expected confirmed conflict, got %v", err)
	}

	_, err = m.submit(ctx, testutil.TxBytes(t, testutil.Coinbase(t, 9, alice.Script, "")), time.Now())
	if !errors.Is(err, errRequest) {
		t.Fatalf("expected request error for coinbase, got %v", err)
	}
	_, err = m.submit(ctx, []byte{0x01, 0x02}, time.Now())
	if !errors.Is(err, errRequest) {
		t.Fatalf("expected request error for garbage, got %v", err)
	}

	// Inputs must be confirmed or unconfirmed outputs we know of.
	unknown := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: wire.OutPoint{Hash: chainhash.Hash{0xaa}}, Key: alice}},
		[]testutil.Output{{Script: dave.Script, Value: testutil.Subsidy}})
	_, err = m.submit(ctx, testutil.TxBytes(t, unknown), time.Now())
	if !errors.Is(err, errRequest) {
		t.Fatalf("expected request error for unknown input, got %v", err)
	}

	// A child of txA resolves its input from the mempool.
	txChild := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: testutil.OutPointOf(txA, 0), Key: carol}},
		[]testutil.Output{{Script: erin.Script, Value: testutil.Subsidy}})
	mtxChild, err := m.submit(ctx, testutil.TxBytes(t, txChild), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if mtxChild.seq != 2 {
		t.Fatalf("sequence %v, want 2", mtxChild.seq)
	}

	entries, received, spent := m.unconfirmed(bdmd.NewScriptHashFromScript(carol.Script))
	if received != uint64(testutil.Subsidy) || spent != uint64(testutil.Subsidy) {
		t.Fatalf("carol received %v spent %v", received, spent)
	}
	if len(entries) != 2 {
		t.Fatalf("carol entries: %v", entries)
	}
	if entries[0].TxID != txA.TxHash() || entries[0].Delta != testutil.Subsidy ||
		entries[1].TxID != txChild.TxHash() || entries[1].Delta != -testutil.Subsidy {
		t.Fatalf("unexpected carol entries: %+v", entries)
	}
	for _, e := range entries {
		if e.Confirmed || e.Height != 0 || e.TxIndex != 0 {
			t.Fatalf("unconfirmed entry has a position: %+v", e)
		}
	}
	if _, _, spent := m.unconfirmed(bdmd.NewScriptHashFromScript(alice.Script)); spent != uint64(testutil.Subsidy) {
		t.Fatalf("alice spent %v", spent)
	}

	if key := m.nextKey(); key != 3 {
		t.Fatalf("key %v, want 3", key)
	}
	if n, _ := m.stats(ctx); n != 2 {
		t.Fatalf("mempool count %v", n)
	}

	// txB confirms and evicts txA along with its child.
	b3 := c.Extend(alice.Script, txB)
	ingestBlocks(ctx, t, p, b3)
	// The pipeline already committed the blocks.
	stored := func() error { return nil }
	confirmed, evicted, err := m.blockConnected(ctx, b3, stored)
	if err != nil {
		t.Fatal(err)
	}
	if len(confirmed) != 0 || len(evicted) != 2 {
		t.Fatalf("confirmed %v evicted %v", len(confirmed), len(evicted))
	}
	if n, size := m.stats(ctx); n != 0 || size != 0 {
		t.Fatalf("mempool not empty: %v %v", n, size)
	}
	if entries, _, _ := m.unconfirmed(bdmd.NewScriptHashFromScript(erin.Script)); len(entries) != 0 {
		t.Fatalf("erin entries survived eviction: %v", entries)
	}

	// Confirmation removes without eviction.
	txD := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(2), Key: alice}},
		[]testutil.Output{{Script: erin.Script, Value: testutil.Subsidy}})
	mtxD, err := m.submit(ctx, testutil.TxBytes(t, txD), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if mtxD.seq != 4 {
		t.Fatalf("sequence %v, want 4", mtxD.seq)
	}
	b4 := c.Extend(alice.Script, txD)
	ingestBlocks(ctx, t, p, b4)
	confirmed, evicted, err = m.blockConnected(ctx, b4, stored)
	if err != nil {
		t.Fatal(err)
	}
	if len(confirmed) != 1 || len(evicted) != 0 {
		t.Fatalf("confirmed %v evicted %v", len(confirmed), len(evicted))
	}

	// The confirmed spend of txD still rejects a conflicting submit.
	txE := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(2), Key: alice}},
		[]testutil.Output{{Script: dave.Script, Value: testutil.Subsidy}})
	_, err = m.submit(ctx, testutil.TxBytes(t, txE), time.Now())
	if !errors.As(err, &ce) || !ce.Confirmed {
		t.Fatalf("expected confirmed conflict after confirmation, got %v", err)
	}
	if m.Dump(ctx) == "" {
		t.Fatal("empty dump")
	}
}

func TestMempoolNew(t *testing.T) {
	if _, err := mempoolNew(nil); err == nil {
		t.Fatal("expected error without database")
	}
}

func TestMempoolBlockConnectedAtomic(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	bob := testutil.NewKey(t, "bob")

	c := testutil.NewChain(t, alice.Script)
	c.Extend(alice.Script)

	db, p, _ := newTestPipeline(ctx, t, defaultMaxReorgDepth)
	ingestBlocks(ctx, t, p, c.Blocks...)

	m, err := mempoolNew(db)
	if err != nil {
		t.Fatal(err)
	}
	txA := testutil.NewTx(t,
		[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(1), Key: alice}},
		[]testutil.Output{{Script: bob.Script, Value: testutil.Subsidy}})
	if _, err := m.submit(ctx, testutil.TxBytes(t, txA), time.Now()); err != nil {
		t.Fatal(err)
	}
	bobSH := bdmd.NewScriptHashFromScript(bob.Script)

	// A failed commit leaves the mempool alone.
	b2 := c.Extend(alice.Script, txA)
	failed := errors.New("commit failed")
	_, _, err = m.blockConnected(ctx, b2, func() error { return failed })
	if !errors.Is(err, failed) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if n, _ := m.stats(ctx); n != 1 {
		t.Fatalf("mempool count %v", n)
	}

	// Readers wait for the commit and the mempool update together.
	type result struct {
		confirmed int64
		received  uint64
	}
	readerCh := make(chan result, 1)
	commit := func() error {
		if err := p.ingestBlock(ctx, testutil.BlockBytes(t, b2)); err != nil {
			return err
		}
		go func() {
			var r result
			err := m.view(func() error {
				var err error
				r.confirmed, err = db.BalanceByScriptHash(ctx, bobSH)
				if err != nil {
					return err
				}
				_, r.received, _ = m.unconfirmed(bobSH)
				return nil
			})
			if err != nil {
				t.Errorf("view: %v", err)
			}
			readerCh <- r
		}()
		time.Sleep(50 * time.Millisecond)
		select {
		case r := <-readerCh:
			t.Errorf("reader ran during commit: %+v", r)
		default:
		}
		return nil
	}
	confirmed, _, err := m.blockConnected(ctx, b2, commit)
	if err != nil {
		t.Fatal(err)
	}
	if len(confirmed) != 1 {
		t.Fatalf("confirmed %v", len(confirmed))
	}
	select {
	case r := <-readerCh:
		if r.confirmed != testutil.Subsidy || r.received != 0 {
			t.Fatalf("tx counted twice or missing: %+v", r)
		}
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-test/deep"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
	"github.com/hemilabs/bdm/database/bdmd/kv"
	"github.com/hemilabs/bdm/database/kvdb"
	"github.com/hemilabs/bdm/testutil"
)

type chainRecorder struct {
	mtx          sync.Mutex
	connected    []chainhash.Hash
	disconnected []chainhash.Hash
}

func (r *chainRecorder) blockConnected(_ context.Context, b *btcutil.Block, commit func() error) error {
	if err := commit(); err != nil {
		return err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.connected = append(r.connected, *b.Hash())
	return nil
}

func (r *chainRecorder) blockDisconnected(_ context.Context, b *btcutil.Block) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.disconnected = append(r.disconnected, *b.Hash())
}

type sliceSource struct {
	blocks [][]byte
	i      int
}

func (s *sliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.blocks) {
		return nil, io.EOF
	}
	s.i++
	return s.blocks[s.i-1], nil
}

func newSliceSource(t *testing.T, blocks ...*btcutil.Block) *sliceSource {
	t.Helper()

	s := &sliceSource{}
	for _, b := range blocks {
		s.blocks = append(s.blocks, testutil.BlockBytes(t, b))
	}
	return s
}

func newTestDB(ctx context.Context, t *testing.T, home string) bdmd.Database {
	t.Helper()

	db, err := kv.New(ctx, kv.NewConfig(kvdb.BackendLevel, home, "1mb"))
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestPipeline(ctx context.Context, t *testing.T, maxReorgDepth uint64) (bdmd.Database, *pipeline, *chainRecorder) {
	t.Helper()

	db := newTestDB(ctx, t, t.TempDir())
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	r := &chainRecorder{}
	p, err := newPipeline(db, 3, maxReorgDepth, r)
	if err != nil {
		t.Fatal(err)
	}
	return db, p, r
}

func ingestBlocks(ctx context.Context, t *testing.T, p *pipeline, blocks ...*btcutil.Block) {
	t.Helper()

	for _, b := range blocks {
		if err := p.ingestBlock(ctx, testutil.BlockBytes(t, b)); err != nil {
			t.Fatalf("ingest %v: %v", b.Hash(), err)
		}
	}
}

func balanceOf(ctx context.Context, t *testing.T, db bdmd.Database, script []byte) int64 {
	t.Helper()

	b, err := db.BalanceByScriptHash(ctx, bdmd.NewScriptHashFromScript(script))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// checkConservation asserts that every balance equals the sum of the
// history deltas of its script.
func checkConservation(ctx context.Context, t *testing.T, db bdmd.Database, keys ...*testutil.Key) {
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
			t.Fatalf("%v: balance %v, sum of deltas %v", k.Name, h.Balance, sum)
		}
	}
}

func checkTip(ctx context.Context, t *testing.T, db bdmd.Database, want *btcutil.Block) {
	t.Helper()

	bh, err := db.BlockHeaderBest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bh.Hash.IsEqual(want.Hash()) {
		t.Fatalf("tip %v @ %v, want %v", bh, bh.Height, want.Hash())
	}
}

func corruptMerkle(t *testing.T, b *btcutil.Block) []byte {
	t.Helper()

	mb := *b.MsgBlock()
	mb.Header.MerkleRoot = chainhash.Hash{0x01}
	var buf bytes.Buffer
	if err := mb.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPipelineReorg(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	bob := testutil.NewKey(t, "bob")
	carol := testutil.NewKey(t, "carol")

	a := testutil.NewChain(t, alice.Script)
	a.Extend(alice.Script, testutil.NewTx(t,
		[]testutil.Input{{OutPoint: a.CoinbaseOutPoint(0), Key: alice}},
		[]testutil.Output{{Script: bob.Script, Value: testutil.Subsidy}}))
	a.Extend(alice.Script)
	b := a.Fork(2, "b")

	// Chain A pays carol, chain B pays bob from the same coinbase.
	a.Extend(alice.Script, testutil.NewTx(t,
		[]testutil.Input{{OutPoint: a.CoinbaseOutPoint(1), Key: alice}},
		[]testutil.Output{{Script: carol.Script, Value: testutil.Subsidy}}))
	a.Extend(alice.Script)
	a.Extend(alice.Script)
	b.Extend(alice.Script, testutil.NewTx(t,
		[]testutil.Input{{OutPoint: b.CoinbaseOutPoint(1), Key: alice}},
		[]testutil.Output{{Script: bob.Script, Value: testutil.Subsidy}}))
	for range 3 {
		b.Extend(alice.Script)
	}

	db, p, r := newTestPipeline(ctx, t, defaultMaxReorgDepth)

	n, err := p.ingest(ctx, newSliceSource(t, a.Blocks...))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(a.Blocks) {
		t.Fatalf("committed %v, want %v", n, len(a.Blocks))
	}
	checkTip(ctx, t, db, a.Tip())
	if got := balanceOf(ctx, t, db, carol.Script); got != testutil.Subsidy {
		t.Fatalf("carol balance %v", got)
	}

	// 3' through 5' carry the same work as A, first seen wins.
	ingestBlocks(ctx, t, p, b.Blocks[3:6]...)
	checkTip(ctx, t, db, a.Tip())
	if len(r.disconnected) != 0 {
		t.Fatalf("unexpected unwind: %v", r.disconnected)
	}

	// 6' is heavier.
	ingestBlocks(ctx, t, p, b.Blocks[6])
	checkTip(ctx, t, db, b.Tip())

	wantUnwound := []chainhash.Hash{*a.Blocks[5].Hash(), *a.Blocks[4].Hash(), *a.Blocks[3].Hash()}
	if diff := deep.Equal(r.disconnected, wantUnwound); len(diff) > 0 {
		t.Fatalf("unwound: %v", diff)
	}
	if got := balanceOf(ctx, t, db, carol.Script); got != 0 {
		t.Fatalf("carol balance after reorg %v", got)
	}
	h, err := db.HistoryByScriptHash(ctx, bdmd.NewScriptHashFromScript(carol.Script))
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Entries) != 0 {
		t.Fatalf("chain A history survived: %v", h.Entries)
	}
	if got := balanceOf(ctx, t, db, bob.Script); got != 2*testutil.Subsidy {
		t.Fatalf("bob balance %v", got)
	}
	for _, blk := range a.Blocks[3:] {
		bh, err := db.BlockHeaderByHash(ctx, *blk.Hash())
		if err != nil {
			t.Fatal(err)
		}
		if bh.Valid {
			t.Fatalf("%v still canonical", bh)
		}
	}
	checkConservation(ctx, t, db, alice, bob, carol)

	// And back to A.
	a.Extend(alice.Script)
	a.Extend(alice.Script)
	ingestBlocks(ctx, t, p, a.Blocks[6:]...)
	checkTip(ctx, t, db, a.Tip())
	if got := balanceOf(ctx, t, db, carol.Script); got != testutil.Subsidy {
		t.Fatalf("carol balance after second reorg %v", got)
	}
	if got := balanceOf(ctx, t, db, bob.Script); got != testutil.Subsidy {
		t.Fatalf("bob balance after second reorg %v", got)
	}
	checkConservation(ctx, t, db, alice, bob, carol)

	if s := p.stats(); s.Reorgs != 2 || s.Unapplied != 3+4 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestPipelineMalformed(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	c := testutil.NewChain(t, alice.Script)
	c.Extend(alice.Script)
	c.Extend(alice.Script)

	db, p, _ := newTestPipeline(ctx, t, defaultMaxReorgDepth)

	if err := p.ingestBlock(ctx, corruptMerkle(t, c.Blocks[0])); !errors.Is(err, ErrMalformedBlock) {
		t.Fatalf("expected malformed block, got %v", err)
	}
	if err := p.ingestBlock(ctx, []byte{0xde, 0xad}); !errors.Is(err, ErrMalformedBlock) {
		t.Fatalf("expected malformed block, got %v", err)
	}

	// Malformed blocks in a stream are skipped.
	src := newSliceSource(t, c.Blocks[0])
	src.blocks = append(src.blocks, corruptMerkle(t, c.Blocks[1]), []byte("garbage"))
	src.blocks = append(src.blocks, newSliceSource(t, c.Blocks[1:]...).blocks...)
	n, err := p.ingest(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(c.Blocks) {
		t.Fatalf("committed %v, want %v", n, len(c.Blocks))
	}
	checkTip(ctx, t, db, c.Tip())
	if s := p.stats(); s.Malformed != 4 {
		t.Fatalf("malformed %v, want 4", s.Malformed)
	}
	if p.State() != StateIdle {
		t.Fatalf("state %v", p.State())
	}
}

func TestPipelineOrphans(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	c := testutil.NewChain(t, alice.Script)
	for range 4 {
		c.Extend(alice.Script)
	}

	db, p, r := newTestPipeline(ctx, t, defaultMaxReorgDepth)

	blocks := []*btcutil.Block{c.Blocks[0], c.Blocks[3], c.Blocks[2], c.Blocks[4]}
	if _, err := p.ingest(ctx, newSliceSource(t, blocks...)); err != nil {
		t.Fatal(err)
	}
	if s := p.stats(); s.Orphans != 3 {
		t.Fatalf("orphans %v, want 3", s.Orphans)
	}
	checkTip(ctx, t, db, c.Blocks[0])

	ingestBlocks(ctx, t, p, c.Blocks[1])
	checkTip(ctx, t, db, c.Tip())
	if s := p.stats(); s.Orphans != 0 {
		t.Fatalf("orphans %v, want 0", s.Orphans)
	}
	want := make([]chainhash.Hash, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		want = append(want, *b.Hash())
	}
	if diff := deep.Equal(r.connected, want); len(diff) > 0 {
		t.Fatalf("connected order: %v", diff)
	}

	// Duplicates are harmless.
	ingestBlocks(ctx, t, p, c.Blocks...)
	checkTip(ctx, t, db, c.Tip())
}

func TestPipelineReorgDepth(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	a := testutil.NewChain(t, alice.Script)
	a.Extend(alice.Script)
	b := a.Fork(1, "b")
	for range 4 {
		a.Extend(alice.Script)
	}
	for range 6 {
		b.Extend(alice.Script)
	}

	db, p, _ := newTestPipeline(ctx, t, 2)
	ingestBlocks(ctx, t, p, a.Blocks...)
	ingestBlocks(ctx, t, p, b.Blocks[2:6]...)

	err := p.ingestBlock(ctx, testutil.BlockBytes(t, b.Blocks[6]))
	if !errors.Is(err, ErrReorgDepthExceeded) {
		t.Fatalf("expected reorg depth exceeded, got %v", err)
	}
	checkTip(ctx, t, db, a.Tip())

	if p.State() != StateHalted {
		t.Fatalf("state %v, want %v", p.State(), StateHalted)
	}

	// Nothing is ingested while halted, not even a tip extension.
	a6 := a.Extend(alice.Script)
	err = p.ingestBlock(ctx, testutil.BlockBytes(t, a6))
	if !errors.Is(err, ErrReorgDepthExceeded) {
		t.Fatalf("expected halted ingestion, got %v", err)
	}
	_, err = p.ingest(ctx, newSliceSource(t, b.Blocks[7]))
	if !errors.Is(err, ErrReorgDepthExceeded) {
		t.Fatalf("expected reorg depth exceeded, got %v", err)
	}
	checkTip(ctx, t, db, a.Blocks[5])
	if p.State() != StateHalted {
		t.Fatalf("state %v, want %v", p.State(), StateHalted)
	}

	// A rebuild applies the heaviest stored branch and resumes ingestion.
	if err := p.rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if p.State() != StateIdle {
		t.Fatalf("state %v, want %v", p.State(), StateIdle)
	}
	checkTip(ctx, t, db, b.Blocks[6])
	ingestBlocks(ctx, t, p, b.Blocks[7])
	checkTip(ctx, t, db, b.Tip())
}

func TestPipelineCatchUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	alice := testutil.NewKey(t, "alice")
	bob := testutil.NewKey(t, "bob")
	c := testutil.NewChain(t, alice.Script)
	for i := range 4 {
		c.Extend(alice.Script, testutil.NewTx(t,
			[]testutil.Input{{OutPoint: c.CoinbaseOutPoint(uint64(i)), Key: alice}},
			[]testutil.Output{{Script: bob.Script, Value: testutil.Subsidy}}))
	}

	db, p, _ := newTestPipeline(ctx, t, defaultMaxReorgDepth)
	if err := p.catchUp(ctx); err != nil {
		t.Fatalf("catch up on empty database: %v", err)
	}
	ingestBlocks(ctx, t, p, c.Blocks...)
	want, err := db.DerivedDigest(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash right after the derived state was dropped.
	if err := db.DerivedReset(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.BlockHeaderBest(ctx); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected no tip, got %v", err)
	}
	if err := p.catchUp(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := db.DerivedDigest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("digest %v, want %v", got, want)
	}
	checkTip(ctx, t, db, c.Tip())
	checkConservation(ctx, t, db, alice, bob)
}

func TestNewPipeline(t *testing.T) {
	if _, err := newPipeline(nil, 0, 1, nil); err == nil {
		t.Fatal("expected error for zero workers")
	}
	if _, err := newPipeline(nil, 1, 0, nil); err == nil {
		t.Fatal("expected error for zero reorg depth")
	}
	for ps, want := range pipelineStateStrings {
		if ps.String() != want {
			t.Fatalf("%d: %v", ps, ps.String())
		}
	}
}

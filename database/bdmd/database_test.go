// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdmd

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestBlockHeaderParentHash(t *testing.T) {
	var buf bytes.Buffer
	wbh := chaincfg.TestNet3Params.GenesisBlock.Header
	wbh.PrevBlock = *chaincfg.MainNetParams.GenesisHash
	if err := wbh.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	var bh BlockHeader
	copy(bh.Header[:], buf.Bytes())
	if !bh.ParentHash().IsEqual(chaincfg.MainNetParams.GenesisHash) {
		t.Fatalf("got %v, want %v", bh.ParentHash(),
			chaincfg.MainNetParams.GenesisHash)
	}
	w, err := bh.Wire()
	if err != nil {
		t.Fatal(err)
	}
	if w.BlockHash() != wbh.BlockHash() {
		t.Fatalf("got %v, want %v", w.BlockHash(), wbh.BlockHash())
	}
}

func TestOutpoint(t *testing.T) {
	txid := chainhash.DoubleHashH([]byte("moo"))
	op := NewOutpoint(txid, 0x01020304)
	if op.TxID() != txid {
		t.Fatalf("txid got %v, want %v", op.TxID(), txid)
	}
	if op.Index() != 0x01020304 {
		t.Fatalf("index got %x", op.Index())
	}
	// Outpoints of one tx sort by index.
	op1, op256 := NewOutpoint(txid, 1), NewOutpoint(txid, 256)
	if bytes.Compare(op1[:], op256[:]) >= 0 {
		t.Fatal("outpoints not sorted by index")
	}
}

func TestScriptHash(t *testing.T) {
	sh := NewScriptHashFromScript([]byte{0x51})
	sh2, err := NewScriptHashFromBytes(sh[:])
	if err != nil {
		t.Fatal(err)
	}
	if sh != sh2 {
		t.Fatalf("got %v, want %v", sh2, sh)
	}
	if _, err := NewScriptHashFromBytes(sh[1:]); err == nil {
		t.Fatal("expected length error")
	}
}

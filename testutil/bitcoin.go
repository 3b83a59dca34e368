// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	btcchaincfg "github.com/btcsuite/btcd/chaincfg"
	btcchainhash "github.com/btcsuite/btcd/chaincfg/chainhash"
	btctxscript "github.com/btcsuite/btcd/txscript"
	btcwire "github.com/btcsuite/btcd/wire"
	dcrsecp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const (
	// RegtestBits is the regtest proof of work limit, every header is
	// worth 2 units of work.
	RegtestBits = 0x207fffff

	Subsidy = 50 * btcutil.SatoshiPerBitcoin
)

var baseTime = time.Unix(1700000000, 0)

// Key is a deterministic fixture key and its P2PKH output script.
type Key struct {
	Name   string
	priv   *dcrsecp256k1.PrivateKey
	Pub    []byte // compressed
	Script []byte
}

// NewKey derives a key from name.
func NewKey(t testing.TB, name string) *Key {
	t.Helper()

	priv := dcrsecp256k1.PrivKeyFromBytes(FillOutBytes(name, 32))
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub),
		&btcchaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	script, err := btctxscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(script) != 25 {
		t.Fatalf("incorrect length for pay to public key script (%d != 25)",
			len(script))
	}
	return &Key{Name: name, priv: priv, Pub: pub, Script: script}
}

// sigScript returns a syntactically valid signature script. Signatures are
// not verified by the indexer so the message is fixed.
func (k *Key) sigScript(t testing.TB) []byte {
	t.Helper()

	sig := dcrecdsa.Sign(k.priv, btcchainhash.DoubleHashB([]byte(k.Name)))
	sigBytes := append(sig.Serialize(), byte(btctxscript.SigHashAll))
	script, err := btctxscript.NewScriptBuilder().AddData(sigBytes).
		AddData(k.Pub).Script()
	if err != nil {
		t.Fatal(err)
	}
	return script
}

// MultisigScript returns the P2SH output script of an m of n multisig over
// keys. Used for multi-address lockbox fixtures.
func MultisigScript(t testing.TB, m int, keys ...*Key) []byte {
	t.Helper()

	b := btctxscript.NewScriptBuilder().AddInt64(int64(m))
	for _, k := range keys {
		b.AddData(k.Pub)
	}
	redeem, err := b.AddInt64(int64(len(keys))).
		AddOp(btctxscript.OP_CHECKMULTISIG).Script()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := btcutil.NewAddressScriptHash(redeem,
		&btcchaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	script, err := btctxscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

// Output is a payment in a fixture transaction.
type Output struct {
	Script []byte
	Value  int64
}

// Input spends outpoint, signed by key when not nil.
type Input struct {
	OutPoint btcwire.OutPoint
	Key      *Key
}

// NewTx returns a transaction spending ins to outs.
func NewTx(t testing.TB, ins []Input, outs []Output) *btcwire.MsgTx {
	t.Helper()

	tx := btcwire.NewMsgTx(2)
	for _, in := range ins {
		op := in.OutPoint
		txIn := btcwire.NewTxIn(&op, nil, nil)
		if in.Key != nil {
			txIn.SignatureScript = in.Key.sigScript(t)
		}
		tx.AddTxIn(txIn)
	}
	for _, out := range outs {
		tx.AddTxOut(btcwire.NewTxOut(out.Value, out.Script))
	}
	return tx
}

// NullDataOutput returns a zero value OP_RETURN output.
func NullDataOutput(t testing.TB, data []byte) Output {
	t.Helper()

	script, err := btctxscript.NullDataScript(data)
	if err != nil {
		t.Fatal(err)
	}
	return Output{Script: script}
}

// Coinbase returns a coinbase paying Subsidy to script. Extra makes
// coinbases on competing branches distinct.
func Coinbase(t testing.TB, height uint64, script []byte, extra string) *btcwire.MsgTx {
	t.Helper()

	sig, err := btctxscript.NewScriptBuilder().AddInt64(int64(height)).
		AddData([]byte("bdm" + extra)).Script()
	if err != nil {
		t.Fatal(err)
	}
	tx := btcwire.NewMsgTx(1)
	tx.AddTxIn(btcwire.NewTxIn(btcwire.NewOutPoint(&btcchainhash.Hash{},
		btcwire.MaxPrevOutIndex), sig, nil))
	tx.AddTxOut(btcwire.NewTxOut(Subsidy, script))
	return tx
}

// NewBlock assembles a regtest block on top of prev with a correct merkle
// root. Proof of work is not solved.
func NewBlock(prev btcchainhash.Hash, height uint64, txs ...*btcwire.MsgTx) *btcutil.Block {
	mb := &btcwire.MsgBlock{
		Header: btcwire.BlockHeader{
			Version:   4,
			PrevBlock: prev,
			Timestamp: baseTime.Add(time.Duration(height) * 10 * time.Minute),
			Bits:      RegtestBits,
		},
	}
	utxs := make([]*btcutil.Tx, 0, len(txs))
	for _, tx := range txs {
		mb.AddTransaction(tx)
		utxs = append(utxs, btcutil.NewTx(tx))
	}
	mb.Header.MerkleRoot = blockchain.CalcMerkleRoot(utxs, false)
	return btcutil.NewBlock(mb)
}

// BlockBytes serializes b.
func BlockBytes(t testing.TB, b *btcutil.Block) []byte {
	t.Helper()

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// TxBytes serializes tx.
func TxBytes(t testing.TB, tx *btcwire.MsgTx) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// Chain builds a sequence of fixture blocks.
type Chain struct {
	t      testing.TB
	extra  string
	Blocks []*btcutil.Block
}

// NewChain returns a chain with a genesis block paying to script.
func NewChain(t testing.TB, script []byte) *Chain {
	t.Helper()

	c := &Chain{t: t}
	c.Blocks = append(c.Blocks, NewBlock(btcchainhash.Hash{}, 0,
		Coinbase(t, 0, script, "")))
	return c
}

// Fork returns a new chain sharing the blocks up to and including height.
// Blocks added to the fork are distinct from blocks added to c.
func (c *Chain) Fork(height uint64, extra string) *Chain {
	c.t.Helper()

	if height >= uint64(len(c.Blocks)) {
		c.t.Fatalf("fork height %v beyond tip %v", height, len(c.Blocks)-1)
	}
	f := &Chain{t: c.t, extra: extra}
	f.Blocks = append(f.Blocks, c.Blocks[:height+1]...)
	return f
}

// Tip returns the last block.
func (c *Chain) Tip() *btcutil.Block {
	return c.Blocks[len(c.Blocks)-1]
}

// Height returns the tip height.
func (c *Chain) Height() uint64 {
	return uint64(len(c.Blocks) - 1)
}

// Extend adds a block with a coinbase paying to script plus txs.
func (c *Chain) Extend(script []byte, txs ...*btcwire.MsgTx) *btcutil.Block {
	c.t.Helper()

	height := c.Height() + 1
	all := append([]*btcwire.MsgTx{Coinbase(c.t, height, script, c.extra)},
		txs...)
	b := NewBlock(*c.Tip().Hash(), height, all...)
	b.SetHeight(int32(height))
	c.Blocks = append(c.Blocks, b)
	return b
}

// CoinbaseOutPoint returns the coinbase output of the block at height.
func (c *Chain) CoinbaseOutPoint(height uint64) btcwire.OutPoint {
	return btcwire.OutPoint{
		Hash:  c.Blocks[height].Transactions()[0].MsgTx().TxHash(),
		Index: 0,
	}
}

// OutPointOf returns the outpoint of output index of tx.
func OutPointOf(tx *btcwire.MsgTx, index uint32) btcwire.OutPoint {
	return btcwire.OutPoint{Hash: tx.TxHash(), Index: index}
}

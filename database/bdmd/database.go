// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package bdmd describes the block data manager's on disk records.
package bdmd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/hemilabs/bdm/database"
)

// SchemaVersion is bumped whenever the record encoding changes. A store
// written with another version must be rebuilt.
const SchemaVersion = 1

type InsertType int

const (
	ITInvalid     InsertType = 0 // Invalid insert
	ITChainExtend InsertType = 1 // Normal insert, extends canonical chain
	ITForkExtend  InsertType = 2 // Extend a fork, does not change tip
	ITChainFork   InsertType = 3 // Fork now has more work, reorg required
)

var itStrings = map[InsertType]string{
	ITInvalid:     "invalid",
	ITChainExtend: "chain extended",
	ITForkExtend:  "fork extended",
	ITChainFork:   "chain forked",
}

func (it InsertType) String() string {
	return itStrings[it]
}

type Database interface {
	database.Database

	// Schema version of the open store.
	Version(ctx context.Context) (uint64, error)
	VersionUpdate(ctx context.Context) error

	// Block headers
	BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*BlockHeader, error)
	BlockHeadersByHeight(ctx context.Context, height uint64) ([]BlockHeader, error)
	BlockHeaderBest(ctx context.Context) (*BlockHeader, error)
	BlockHeaderBestWork(ctx context.Context) (*BlockHeader, error)
	BlockHeaderInsert(ctx context.Context, wbh *wire.BlockHeader) (InsertType, *BlockHeader, error)

	// Raw blocks, retained for unwind and rebuild.
	BlockInsert(ctx context.Context, b *btcutil.Block) (InsertType, *BlockHeader, error)
	BlockByHash(ctx context.Context, hash chainhash.Hash) (*btcutil.Block, error)

	// Chain state. Apply and unapply are exact inverses and each runs in a
	// single storage transaction.
	BlockApply(ctx context.Context, b *btcutil.Block) error
	BlockUnapply(ctx context.Context, b *btcutil.Block) error
	DerivedReset(ctx context.Context) error
	DerivedDigest(ctx context.Context) (chainhash.Hash, error)

	// Script histories
	HistoryByScriptHash(ctx context.Context, sh ScriptHash) (*History, error)
	HistoryAppend(ctx context.Context, height uint64, hash chainhash.Hash, entries map[ScriptHash][]HistoryEntry) error
	BalanceByScriptHash(ctx context.Context, sh ScriptHash) (int64, error)

	// Sync metadata
	SyncMetadata(ctx context.Context) (*SyncMetadata, error)
	SyncMetadataUpdate(ctx context.Context, sm SyncMetadata) error

	// Transactions and outputs
	TxByID(ctx context.Context, txid chainhash.Hash) (*TxRecord, error)
	UtxoByOutpoint(ctx context.Context, op Outpoint) (*Output, error)
	SpentByOutpoint(ctx context.Context, op Outpoint) (*Output, error)
}

// BlockHeader is a header record. Difficulty is the cumulative work up to
// and including this header. Seen orders headers by arrival and breaks ties
// between branches of equal work.
type BlockHeader struct {
	Hash       chainhash.Hash
	Height     uint64
	Header     [80]byte
	Difficulty big.Int
	Valid      bool // On the canonical chain
	Seen       uint64
}

func (bh BlockHeader) String() string {
	return bh.Hash.String()
}

// ParentHash returns the previous block hash, bytes 4-36 of the header.
func (bh BlockHeader) ParentHash() *chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], bh.Header[4:36])
	return &h
}

func (bh BlockHeader) Wire() (*wire.BlockHeader, error) {
	var wbh wire.BlockHeader
	if err := wbh.Deserialize(bytes.NewReader(bh.Header[:])); err != nil {
		return nil, fmt.Errorf("deserialize block header: %w", err)
	}
	return &wbh, nil
}

// ScriptHash is the sha256 of an output script. It is the key of a script
// history.
type ScriptHash [sha256.Size]byte

func NewScriptHashFromScript(script []byte) ScriptHash {
	return sha256.Sum256(script)
}

func NewScriptHashFromBytes(b []byte) (sh ScriptHash, err error) {
	if len(b) != len(sh) {
		return sh, fmt.Errorf("invalid script hash length: %v", len(b))
	}
	copy(sh[:], b)
	return sh, nil
}

func (sh ScriptHash) String() string {
	return hex.EncodeToString(sh[:])
}

// Outpoint is txid || big endian output index.
type Outpoint [chainhash.HashSize + 4]byte

func NewOutpoint(txid chainhash.Hash, index uint32) (op Outpoint) {
	copy(op[:32], txid[:])
	binary.BigEndian.PutUint32(op[32:], index)
	return
}

func NewOutpointFromWire(wop wire.OutPoint) Outpoint {
	return NewOutpoint(wop.Hash, wop.Index)
}

func (o Outpoint) TxID() chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], o[:32])
	return h
}

func (o Outpoint) Index() uint32 {
	return binary.BigEndian.Uint32(o[32:])
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%v:%v", o.TxID(), o.Index())
}

type HistoryKind byte

const (
	HistorySpend   HistoryKind = 's'
	HistoryReceive HistoryKind = 'r'
)

func (hk HistoryKind) String() string {
	switch hk {
	case HistorySpend:
		return "spend"
	case HistoryReceive:
		return "receive"
	}
	return fmt.Sprintf("unknown(%v)", byte(hk))
}

// HistoryEntry is one value affecting event for a script. Spends carry a
// negative Delta, receives a positive one.
type HistoryEntry struct {
	TxID      chainhash.Hash
	Height    uint64
	TxIndex   uint32
	Kind      HistoryKind
	IOIndex   uint32
	Delta     int64
	Confirmed bool
}

type History struct {
	ScriptHash ScriptHash
	Balance    int64
	Entries    []HistoryEntry
}

type SyncMetadata struct {
	Height  uint64
	Hash    chainhash.Hash
	Version uint64
}

type TxRecord struct {
	TxID      chainhash.Hash
	BlockHash chainhash.Hash
	Height    uint64
	Index     uint32
	Tx        []byte
}

// Output describes an unspent or spent output. Height is the spending height
// for spent outputs.
type Output struct {
	ScriptHash ScriptHash
	Value      int64
	Height     uint64
}

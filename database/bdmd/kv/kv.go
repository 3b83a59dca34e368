// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package kv implements the block data manager schema on top of kvdb.
package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
	"github.com/hemilabs/bdm/database/kvdb"
)

// Layout, every key is <prefix><typed key>:
//
//	m metadata        name                         -> see metadata keys
//	h block headers   hash                         -> height|header|work|valid|seen
//	n height index    height|hash                  -> nil
//	b raw blocks      hash                         -> block
//	t transactions    txid                         -> height|index|block hash|tx
//	u unspent outputs txid|index                   -> script hash|value
//	s spent outputs   txid|index                   -> script hash|value|height
//	a script history  script hash|height|txindex|kind|ioindex -> delta|txid
//	c balances        script hash                  -> balance|entries
const (
	metadataTable    = "m"
	headersTable     = "h"
	heightHashTable  = "n"
	blocksTable      = "b"
	txsTable         = "t"
	utxosTable       = "u"
	spentTable       = "s"
	historyTable     = "a"
	balancesTable    = "c"
	logLevel         = "INFO"
	heighthashSize   = 8 + chainhash.HashSize
	blockheaderSize  = 8 + 80 + 32 + 1 + 8
	historyKeySize   = 32 + 8 + 4 + 1 + 4
	historyValueSize = 8 + chainhash.HashSize
	outputSize       = 32 + 8
	spentSize        = 32 + 8 + 8
	balanceSize      = 8 + 8
	syncTopSize      = 8 + chainhash.HashSize
	txHeaderSize     = 8 + 4 + chainhash.HashSize

	// Rough cost of a cached header.
	headerCacheCost = 256
)

var (
	log = loggo.GetLogger("kv")

	Welcome = true

	versionKey = []byte("version")
	syncTopKey = []byte("synctop")
	seenKey    = []byte("seen")

	tables = []string{
		metadataTable, headersTable, heightHashTable, blocksTable,
		txsTable, utxosTable, spentTable, historyTable, balancesTable,
	}

	// Tables that are recomputed from raw blocks on rebuild.
	derivedTables = []string{
		txsTable, utxosTable, spentTable, historyTable, balancesTable,
	}
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type Config struct {
	Backend              string // kvdb backend
	Home                 string // home directory
	BlockheaderCacheSize string // size of block header cache
	MinFreeBytes         uint64 // refuse writes below this much free space
	blockheaderCacheSize int    // parsed size of block header cache
}

func NewConfig(backend, home, blockheaderCacheSizeS string) *Config {
	if blockheaderCacheSizeS == "" {
		blockheaderCacheSizeS = "0"
	}
	blockheaderCacheSize, err := humanize.ParseBytes(blockheaderCacheSizeS)
	if err != nil {
		panic(err)
	}
	if blockheaderCacheSize > math.MaxInt32 {
		panic("invalid blockheaderCacheSize")
	}
	return &Config{
		Backend:              backend,
		Home:                 home, // require user to set home.
		BlockheaderCacheSize: blockheaderCacheSizeS,
		blockheaderCacheSize: int(blockheaderCacheSize),
	}
}

type kvDB struct {
	db kvdb.Database

	// Block header cache, primed on reads and kept coherent on writes
	// after commit.
	headerCache *headerCache

	cfg *Config
}

var _ bdmd.Database = (*kvDB)(nil)

// New opens the store at cfg.Home. A fresh store is stamped with the current
// schema version. When the stored version differs the open database is
// returned together with a database.RebuildRequiredError; nothing has been
// modified and it is up to the caller to rebuild and call VersionUpdate.
func New(ctx context.Context, cfg *Config) (*kvDB, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	if cfg == nil {
		return nil, errors.New("no config")
	}
	kcfg := kvdb.NewDefaultConfig(cfg.Home, tables)
	kcfg.Backend = cfg.Backend
	kcfg.MinFreeBytes = cfg.MinFreeBytes
	db, err := kvdb.New(kcfg)
	if err != nil {
		return nil, err
	}
	if err := db.Open(ctx); err != nil {
		return nil, fmt.Errorf("open %v: %w", cfg.Home, err)
	}

	l := &kvDB{
		db:  db,
		cfg: cfg,
	}

	if cfg.blockheaderCacheSize > 0 {
		l.headerCache, err = headerCacheNew(cfg.blockheaderCacheSize / headerCacheCost)
		if err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("couldn't setup block header cache: %w", err)
		}
		if Welcome {
			log.Infof("blockheader cache: %v",
				humanize.Bytes(uint64(cfg.blockheaderCacheSize)))
		}
	} else if Welcome {
		log.Infof("blockheader cache: DISABLED")
	}

	dbVersion, err := l.Version(ctx)
	switch {
	case errors.Is(err, database.ErrNotFound):
		empty, err := l.isEmpty(ctx)
		if err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		if !empty {
			// Records without a version, don't trust them.
			return l, database.RebuildRequiredError{
				Have: 0,
				Want: bdmd.SchemaVersion,
			}
		}
		if err := l.VersionUpdate(ctx); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		dbVersion = bdmd.SchemaVersion
	case err != nil:
		_ = db.Close(ctx)
		return nil, err
	}
	if dbVersion != bdmd.SchemaVersion {
		return l, database.RebuildRequiredError{
			Have: dbVersion,
			Want: bdmd.SchemaVersion,
		}
	}
	pending, err := l.resetPending(ctx)
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	if pending {
		log.Infof("interrupted reset detected")
		return l, database.RebuildRequiredError{
			Have: dbVersion,
			Want: bdmd.SchemaVersion,
		}
	}
	if Welcome {
		log.Infof("bdmd database version: %v (%v)", dbVersion, cfg.Backend)
	}
	return l, nil
}

func (l *kvDB) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	return l.db.Close(context.Background())
}

type (
	discardFunc func()
	commitFunc  func() error
)

// startTransaction opens a write transaction. The discard function must
// always be deferred; it is a no-op after a successful commit.
func (l *kvDB) startTransaction(ctx context.Context) (kvdb.Transaction, commitFunc, discardFunc, error) {
	tx, err := l.db.Begin(ctx, true)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open transaction: %w", err)
	}
	d := true
	discard := &d
	df := func() {
		if *discard {
			log.Debugf("discarding transaction")
			if err := tx.Rollback(ctx); err != nil {
				log.Errorf("rollback: %v", err)
			}
		}
	}
	cf := func() error {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		*discard = false
		return nil
	}
	return tx, cf, df, nil
}

func (l *kvDB) isEmpty(ctx context.Context) (bool, error) {
	empty := true
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		for _, table := range []string{headersTable, historyTable, metadataTable} {
			r, err := tx.NewRange(ctx, table, nil, nil)
			if err != nil {
				return err
			}
			if r.Next(ctx) {
				empty = false
			}
			r.Close(ctx)
			if !empty {
				return nil
			}
		}
		return nil
	})
	return empty, err
}

// Metadata

func (l *kvDB) Version(ctx context.Context) (uint64, error) {
	log.Tracef("Version")
	defer log.Tracef("Version exit")

	value, err := l.db.Get(ctx, metadataTable, versionKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, database.NotFoundError("version not found")
		}
		return 0, fmt.Errorf("version: %w", err)
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("invalid version length: %v", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (l *kvDB) VersionUpdate(ctx context.Context) error {
	log.Tracef("VersionUpdate")
	defer log.Tracef("VersionUpdate exit")

	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, bdmd.SchemaVersion)
	if err := l.db.Put(ctx, metadataTable, versionKey, v); err != nil {
		return fmt.Errorf("version update: %w", err)
	}
	return nil
}

func encodeSyncTop(height uint64, hash chainhash.Hash) []byte {
	v := make([]byte, syncTopSize)
	binary.BigEndian.PutUint64(v[0:8], height)
	copy(v[8:], hash[:])
	return v
}

func decodeSyncTop(v []byte) (uint64, chainhash.Hash, error) {
	var hash chainhash.Hash
	if len(v) != syncTopSize {
		return 0, hash, fmt.Errorf("invalid sync top length: %v", len(v))
	}
	copy(hash[:], v[8:])
	return binary.BigEndian.Uint64(v[0:8]), hash, nil
}

func syncTop(ctx context.Context, tx kvdb.Transaction) (*bdmd.SyncMetadata, error) {
	value, err := tx.Get(ctx, metadataTable, syncTopKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError("sync metadata not found")
		}
		return nil, fmt.Errorf("sync top: %w", err)
	}
	height, hash, err := decodeSyncTop(value)
	if err != nil {
		return nil, err
	}
	return &bdmd.SyncMetadata{Height: height, Hash: hash}, nil
}

func (l *kvDB) SyncMetadata(ctx context.Context) (*bdmd.SyncMetadata, error) {
	log.Tracef("SyncMetadata")
	defer log.Tracef("SyncMetadata exit")

	var sm *bdmd.SyncMetadata
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		var err error
		if sm, err = syncTop(ctx, tx); err != nil {
			return err
		}
		value, err := tx.Get(ctx, metadataTable, versionKey)
		if err != nil {
			return fmt.Errorf("version: %w", err)
		}
		sm.Version = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sm, nil
}

// SyncMetadataUpdate moves the sync top. The version is managed by
// VersionUpdate and ignored here.
func (l *kvDB) SyncMetadataUpdate(ctx context.Context, sm bdmd.SyncMetadata) error {
	log.Tracef("SyncMetadataUpdate")
	defer log.Tracef("SyncMetadataUpdate exit")

	return l.db.Put(ctx, metadataTable, syncTopKey,
		encodeSyncTop(sm.Height, sm.Hash))
}

// Block headers

func h2b(wbh *wire.BlockHeader) [80]byte {
	var b bytes.Buffer
	err := wbh.Serialize(&b)
	if err != nil {
		panic(err)
	}
	var bh [80]byte
	copy(bh[:], b.Bytes())
	return bh
}

// heightHashToKey generates a sortable key from height and hash.
func heightHashToKey(height uint64, hash chainhash.Hash) []byte {
	key := make([]byte, heighthashSize)
	binary.BigEndian.PutUint64(key[0:8], height)
	copy(key[8:], hash[:])
	return key
}

// keyToHeightHash reverses the process of heightHashToKey.
func keyToHeightHash(key []byte) (uint64, chainhash.Hash) {
	var hash chainhash.Hash
	copy(hash[:], key[8:])
	return binary.BigEndian.Uint64(key[0:8]), hash
}

// encodeBlockHeader encodes a header record as
// [height,header,work,valid,seen] or [8+80+32+1+8] bytes. The hash is the
// key.
func encodeBlockHeader(bh *bdmd.BlockHeader) []byte {
	ebh := make([]byte, blockheaderSize)
	binary.BigEndian.PutUint64(ebh[0:8], bh.Height)
	copy(ebh[8:88], bh.Header[:])
	bh.Difficulty.FillBytes(ebh[88:120])
	if bh.Valid {
		ebh[120] = 1
	}
	binary.BigEndian.PutUint64(ebh[121:129], bh.Seen)
	return ebh
}

// decodeBlockHeader reverses the process of encodeBlockHeader.
func decodeBlockHeader(hash chainhash.Hash, ebh []byte) (*bdmd.BlockHeader, error) {
	if len(ebh) != blockheaderSize {
		return nil, fmt.Errorf("invalid block header length: %v", len(ebh))
	}
	bh := &bdmd.BlockHeader{
		Hash:   hash,
		Height: binary.BigEndian.Uint64(ebh[0:8]),
		Valid:  ebh[120] == 1,
		Seen:   binary.BigEndian.Uint64(ebh[121:129]),
	}
	// copy the values to prevent slicing reentrancy problems.
	copy(bh.Header[:], ebh[8:88])
	(&bh.Difficulty).SetBytes(ebh[88:120])
	return bh, nil
}

func headerGet(ctx context.Context, tx kvdb.Transaction, hash chainhash.Hash) (*bdmd.BlockHeader, error) {
	ebh, err := tx.Get(ctx, headersTable, hash[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.BlockNotFoundError{Hash: hash}
		}
		return nil, fmt.Errorf("block header get: %w", err)
	}
	return decodeBlockHeader(hash, ebh)
}

func headerPut(ctx context.Context, tx kvdb.Transaction, bh *bdmd.BlockHeader) error {
	if err := tx.Put(ctx, headersTable, bh.Hash[:], encodeBlockHeader(bh)); err != nil {
		return fmt.Errorf("block header put: %w", err)
	}
	return nil
}

func (l *kvDB) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (*bdmd.BlockHeader, error) {
	log.Tracef("BlockHeaderByHash")
	defer log.Tracef("BlockHeaderByHash exit")

	if l.headerCache != nil {
		if bh, ok := l.headerCache.Get(hash); ok {
			return bh, nil
		}
	}

	var bh *bdmd.BlockHeader
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		var err error
		bh, err = headerGet(ctx, tx, hash)
		return err
	})
	if err != nil {
		return nil, err
	}

	if l.headerCache != nil {
		l.headerCache.Put(bh)
	}

	return bh, nil
}

func headersByHeight(ctx context.Context, tx kvdb.Transaction, height uint64) ([]bdmd.BlockHeader, error) {
	start := make([]byte, 8)
	binary.BigEndian.PutUint64(start, height)
	end := make([]byte, 8)
	binary.BigEndian.PutUint64(end, height+1)

	r, err := tx.NewRange(ctx, heightHashTable, start, end)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)

	bhs := make([]bdmd.BlockHeader, 0, 2)
	for r.Next(ctx) {
		_, hash := keyToHeightHash(r.Key(ctx))
		bh, err := headerGet(ctx, tx, hash)
		if err != nil {
			return nil, fmt.Errorf("headers by height: %w", err)
		}
		bhs = append(bhs, *bh)
	}
	if len(bhs) == 0 {
		return nil, database.NotFoundError(fmt.Sprintf("block headers not "+
			"found at height %v", height))
	}
	return bhs, nil
}

// BlockHeadersByHeight returns all headers at height, canonical or not,
// ordered by hash.
func (l *kvDB) BlockHeadersByHeight(ctx context.Context, height uint64) ([]bdmd.BlockHeader, error) {
	log.Tracef("BlockHeadersByHeight")
	defer log.Tracef("BlockHeadersByHeight exit")

	var bhs []bdmd.BlockHeader
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		var err error
		bhs, err = headersByHeight(ctx, tx, height)
		return err
	})
	return bhs, err
}

// BlockHeaderBest returns the header of the applied tip.
func (l *kvDB) BlockHeaderBest(ctx context.Context) (*bdmd.BlockHeader, error) {
	log.Tracef("BlockHeaderBest")
	defer log.Tracef("BlockHeaderBest exit")

	var bh *bdmd.BlockHeader
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		sm, err := syncTop(ctx, tx)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return database.NotFoundError("best block header not found")
			}
			return err
		}
		bh, err = headerGet(ctx, tx, sm.Hash)
		return err
	})
	return bh, err
}

// BlockHeaderBestWork returns the stored header with the most cumulative
// work. Ties go to the header seen first.
func (l *kvDB) BlockHeaderBestWork(ctx context.Context) (*bdmd.BlockHeader, error) {
	log.Tracef("BlockHeaderBestWork")
	defer log.Tracef("BlockHeaderBestWork exit")

	var best *bdmd.BlockHeader
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		r, err := tx.NewRange(ctx, headersTable, nil, nil)
		if err != nil {
			return err
		}
		defer r.Close(ctx)
		for r.Next(ctx) {
			hash, err := chainhash.NewHash(r.Key(ctx))
			if err != nil {
				return err
			}
			bh, err := decodeBlockHeader(*hash, r.Value(ctx))
			if err != nil {
				return err
			}
			if best == nil {
				best = bh
				continue
			}
			switch bh.Difficulty.Cmp(&best.Difficulty) {
			case 1:
				best = bh
			case 0:
				if bh.Seen < best.Seen {
					best = bh
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, database.NotFoundError("no block headers")
	}
	return best, nil
}

// nextSeen returns the next header arrival counter.
func nextSeen(ctx context.Context, tx kvdb.Transaction) (uint64, error) {
	var seen uint64
	value, err := tx.Get(ctx, metadataTable, seenKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("seen: %w", err)
	default:
		seen = binary.BigEndian.Uint64(value)
	}
	seen++
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, seen)
	if err := tx.Put(ctx, metadataTable, seenKey, v); err != nil {
		return 0, fmt.Errorf("seen put: %w", err)
	}
	return seen, nil
}

// headerInsert stores a new header and classifies it against the applied
// tip. A header whose parent is the zero hash is a genesis header and is
// only accepted on an empty chain.
func headerInsert(ctx context.Context, tx kvdb.Transaction, wbh *wire.BlockHeader) (bdmd.InsertType, *bdmd.BlockHeader, error) {
	hash := wbh.BlockHash()
	if has, err := tx.Has(ctx, headersTable, hash[:]); err != nil {
		return bdmd.ITInvalid, nil, err
	} else if has {
		return bdmd.ITInvalid, nil, database.DuplicateError(fmt.Sprintf(
			"block header exists: %v", hash))
	}

	tip, err := syncTop(ctx, tx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return bdmd.ITInvalid, nil, err
	}

	bh := &bdmd.BlockHeader{
		Hash:   hash,
		Header: h2b(wbh),
	}
	work := blockchain.CalcWork(wbh.Bits)
	it := bdmd.ITChainExtend

	if wbh.PrevBlock == (chainhash.Hash{}) {
		if _, err := headersByHeight(ctx, tx, 0); err == nil {
			return bdmd.ITInvalid, nil, fmt.Errorf("genesis already "+
				"exists, rejecting %v", hash)
		}
		bh.Height = 0
		bh.Difficulty.Set(work)
	} else {
		parent, err := headerGet(ctx, tx, wbh.PrevBlock)
		if err != nil {
			return bdmd.ITInvalid, nil, err
		}
		bh.Height = parent.Height + 1
		bh.Difficulty.Add(&parent.Difficulty, work)

		if tip == nil {
			// No applied chain yet, only genesis may extend.
			it = bdmd.ITForkExtend
		} else if !parent.Hash.IsEqual(&tip.Hash) {
			best, err := headerGet(ctx, tx, tip.Hash)
			if err != nil {
				return bdmd.ITInvalid, nil, err
			}
			// Equal work keeps the tip we saw first.
			if bh.Difficulty.Cmp(&best.Difficulty) > 0 {
				it = bdmd.ITChainFork
			} else {
				it = bdmd.ITForkExtend
			}
		}
	}

	if bh.Seen, err = nextSeen(ctx, tx); err != nil {
		return bdmd.ITInvalid, nil, err
	}
	if err := headerPut(ctx, tx, bh); err != nil {
		return bdmd.ITInvalid, nil, err
	}
	if err := tx.Put(ctx, heightHashTable, heightHashToKey(bh.Height, hash), nil); err != nil {
		return bdmd.ITInvalid, nil, fmt.Errorf("height hash put: %w", err)
	}
	return it, bh, nil
}

func (l *kvDB) BlockHeaderInsert(ctx context.Context, wbh *wire.BlockHeader) (bdmd.InsertType, *bdmd.BlockHeader, error) {
	log.Tracef("BlockHeaderInsert")
	defer log.Tracef("BlockHeaderInsert exit")

	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return bdmd.ITInvalid, nil, err
	}
	defer discard()

	it, bh, err := headerInsert(ctx, tx, wbh)
	if err != nil {
		return bdmd.ITInvalid, nil, err
	}
	if err := commit(); err != nil {
		return bdmd.ITInvalid, nil, err
	}
	return it, bh, nil
}

// Blocks

// BlockInsert stores the header and the raw block in one transaction.
func (l *kvDB) BlockInsert(ctx context.Context, b *btcutil.Block) (bdmd.InsertType, *bdmd.BlockHeader, error) {
	log.Tracef("BlockInsert")
	defer log.Tracef("BlockInsert exit")

	raw, err := b.Bytes()
	if err != nil {
		return bdmd.ITInvalid, nil, fmt.Errorf("block bytes: %w", err)
	}

	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return bdmd.ITInvalid, nil, err
	}
	defer discard()

	it, bh, err := headerInsert(ctx, tx, &b.MsgBlock().Header)
	if err != nil {
		return bdmd.ITInvalid, nil, err
	}
	if err := tx.Put(ctx, blocksTable, bh.Hash[:], raw); err != nil {
		return bdmd.ITInvalid, nil, fmt.Errorf("block put: %w", err)
	}
	if err := commit(); err != nil {
		return bdmd.ITInvalid, nil, err
	}
	return it, bh, nil
}

func (l *kvDB) BlockByHash(ctx context.Context, hash chainhash.Hash) (*btcutil.Block, error) {
	log.Tracef("BlockByHash")
	defer log.Tracef("BlockByHash exit")

	eb, err := l.db.Get(ctx, blocksTable, hash[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.BlockNotFoundError{Hash: hash}
		}
		return nil, fmt.Errorf("block get: %w", err)
	}
	b, err := btcutil.NewBlockFromBytes(eb)
	if err != nil {
		return nil, fmt.Errorf("block decode %v: %w", hash, err)
	}
	return b, nil
}

// Transactions and outputs

func encodeOutput(o bdmd.Output) []byte {
	v := make([]byte, outputSize)
	copy(v[0:32], o.ScriptHash[:])
	binary.BigEndian.PutUint64(v[32:40], uint64(o.Value))
	return v
}

func encodeSpent(o bdmd.Output) []byte {
	v := make([]byte, spentSize)
	copy(v[0:32], o.ScriptHash[:])
	binary.BigEndian.PutUint64(v[32:40], uint64(o.Value))
	binary.BigEndian.PutUint64(v[40:48], o.Height)
	return v
}

func decodeOutput(v []byte) (*bdmd.Output, error) {
	if len(v) != outputSize && len(v) != spentSize {
		return nil, fmt.Errorf("invalid output length: %v", len(v))
	}
	o := &bdmd.Output{Value: int64(binary.BigEndian.Uint64(v[32:40]))}
	copy(o.ScriptHash[:], v[0:32])
	if len(v) == spentSize {
		o.Height = binary.BigEndian.Uint64(v[40:48])
	}
	return o, nil
}

func (l *kvDB) outputGet(ctx context.Context, table string, op bdmd.Outpoint) (*bdmd.Output, error) {
	v, err := l.db.Get(ctx, table, op[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("output not "+
				"found: %v", op))
		}
		return nil, err
	}
	return decodeOutput(v)
}

func (l *kvDB) UtxoByOutpoint(ctx context.Context, op bdmd.Outpoint) (*bdmd.Output, error) {
	log.Tracef("UtxoByOutpoint")
	defer log.Tracef("UtxoByOutpoint exit")

	return l.outputGet(ctx, utxosTable, op)
}

func (l *kvDB) SpentByOutpoint(ctx context.Context, op bdmd.Outpoint) (*bdmd.Output, error) {
	log.Tracef("SpentByOutpoint")
	defer log.Tracef("SpentByOutpoint exit")

	return l.outputGet(ctx, spentTable, op)
}

func encodeTxRecord(height uint64, index uint32, blockHash chainhash.Hash, raw []byte) []byte {
	v := make([]byte, txHeaderSize+len(raw))
	binary.BigEndian.PutUint64(v[0:8], height)
	binary.BigEndian.PutUint32(v[8:12], index)
	copy(v[12:44], blockHash[:])
	copy(v[44:], raw)
	return v
}

func (l *kvDB) TxByID(ctx context.Context, txid chainhash.Hash) (*bdmd.TxRecord, error) {
	log.Tracef("TxByID")
	defer log.Tracef("TxByID exit")

	v, err := l.db.Get(ctx, txsTable, txid[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("tx not "+
				"found: %v", txid))
		}
		return nil, err
	}
	if len(v) < txHeaderSize {
		return nil, fmt.Errorf("invalid tx record length: %v", len(v))
	}
	tr := &bdmd.TxRecord{
		TxID:   txid,
		Height: binary.BigEndian.Uint64(v[0:8]),
		Index:  binary.BigEndian.Uint32(v[8:12]),
		Tx:     v[44:],
	}
	copy(tr.BlockHash[:], v[12:44])
	return tr, nil
}

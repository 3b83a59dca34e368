// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kv

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
	"github.com/hemilabs/bdm/database/kvdb"
)

// Records deleted per transaction while resetting derived state.
const resetBatchSize = 4096

var resetKey = []byte("reset")

// History

func historyKey(sh bdmd.ScriptHash, height uint64, txIndex uint32, kind bdmd.HistoryKind, ioIndex uint32) []byte {
	key := make([]byte, historyKeySize)
	copy(key[0:32], sh[:])
	binary.BigEndian.PutUint64(key[32:40], height)
	binary.BigEndian.PutUint32(key[40:44], txIndex)
	key[44] = byte(kind)
	binary.BigEndian.PutUint32(key[45:49], ioIndex)
	return key
}

func encodeHistoryValue(e bdmd.HistoryEntry) []byte {
	v := make([]byte, historyValueSize)
	binary.BigEndian.PutUint64(v[0:8], uint64(e.Delta))
	copy(v[8:], e.TxID[:])
	return v
}

func decodeHistory(key, value []byte) (bdmd.HistoryEntry, error) {
	if len(key) != historyKeySize || len(value) != historyValueSize {
		return bdmd.HistoryEntry{}, fmt.Errorf("invalid history record "+
			"length: %v/%v", len(key), len(value))
	}
	e := bdmd.HistoryEntry{
		Height:    binary.BigEndian.Uint64(key[32:40]),
		TxIndex:   binary.BigEndian.Uint32(key[40:44]),
		Kind:      bdmd.HistoryKind(key[44]),
		IOIndex:   binary.BigEndian.Uint32(key[45:49]),
		Delta:     int64(binary.BigEndian.Uint64(value[0:8])),
		Confirmed: true,
	}
	copy(e.TxID[:], value[8:])
	return e, nil
}

// scriptHashEnd returns the first key past all history of sh.
func scriptHashEnd(sh bdmd.ScriptHash) []byte {
	end := make([]byte, len(sh))
	copy(end, sh[:])
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

func balanceGet(ctx context.Context, tx kvdb.Transaction, sh bdmd.ScriptHash) (int64, uint64, error) {
	v, err := tx.Get(ctx, balancesTable, sh[:])
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("balance get: %w", err)
	}
	if len(v) != balanceSize {
		return 0, 0, fmt.Errorf("invalid balance length: %v", len(v))
	}
	return int64(binary.BigEndian.Uint64(v[0:8])),
		binary.BigEndian.Uint64(v[8:16]), nil
}

// balanceAdd applies delta to the balance of sh and adjusts the entry count.
// The record is removed once no entries remain.
func balanceAdd(ctx context.Context, tx kvdb.Transaction, sh bdmd.ScriptHash, delta, entries int64) error {
	balance, count, err := balanceGet(ctx, tx, sh)
	if err != nil {
		return err
	}
	balance += delta
	nc := int64(count) + entries
	if nc < 0 {
		return fmt.Errorf("balance %v: negative entry count %v", sh, nc)
	}
	if nc == 0 {
		if balance != 0 {
			return fmt.Errorf("balance %v: %v without entries", sh, balance)
		}
		return tx.Del(ctx, balancesTable, sh[:])
	}
	v := make([]byte, balanceSize)
	binary.BigEndian.PutUint64(v[0:8], uint64(balance))
	binary.BigEndian.PutUint64(v[8:16], uint64(nc))
	return tx.Put(ctx, balancesTable, sh[:], v)
}

// historyAppend writes entries and folds them into balances. Entries that
// already exist are skipped.
func historyAppend(ctx context.Context, tx kvdb.Transaction, entries map[bdmd.ScriptHash][]bdmd.HistoryEntry) error {
	for sh, es := range entries {
		var delta, count int64
		for _, e := range es {
			key := historyKey(sh, e.Height, e.TxIndex, e.Kind, e.IOIndex)
			has, err := tx.Has(ctx, historyTable, key)
			if err != nil {
				return fmt.Errorf("history has: %w", err)
			}
			if has {
				continue
			}
			if err := tx.Put(ctx, historyTable, key, encodeHistoryValue(e)); err != nil {
				return fmt.Errorf("history put: %w", err)
			}
			delta += e.Delta
			count++
		}
		if count == 0 {
			continue
		}
		if err := balanceAdd(ctx, tx, sh, delta, count); err != nil {
			return err
		}
	}
	return nil
}

// historyRemove is the inverse of historyAppend. Missing entries are an
// error since they imply the store diverged from the applied chain.
func historyRemove(ctx context.Context, tx kvdb.Transaction, entries map[bdmd.ScriptHash][]bdmd.HistoryEntry) error {
	for sh, es := range entries {
		var delta, count int64
		for _, e := range es {
			key := historyKey(sh, e.Height, e.TxIndex, e.Kind, e.IOIndex)
			v, err := tx.Get(ctx, historyTable, key)
			if err != nil {
				return fmt.Errorf("history get %v: %w", sh, err)
			}
			stored, err := decodeHistory(key, v)
			if err != nil {
				return err
			}
			if err := tx.Del(ctx, historyTable, key); err != nil {
				return fmt.Errorf("history del: %w", err)
			}
			delta -= stored.Delta
			count--
		}
		if count == 0 {
			continue
		}
		if err := balanceAdd(ctx, tx, sh, delta, count); err != nil {
			return err
		}
	}
	return nil
}

func (l *kvDB) HistoryByScriptHash(ctx context.Context, sh bdmd.ScriptHash) (*bdmd.History, error) {
	log.Tracef("HistoryByScriptHash")
	defer log.Tracef("HistoryByScriptHash exit")

	h := &bdmd.History{ScriptHash: sh}
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		var err error
		if h.Balance, _, err = balanceGet(ctx, tx, sh); err != nil {
			return err
		}
		r, err := tx.NewRange(ctx, historyTable, sh[:], scriptHashEnd(sh))
		if err != nil {
			return err
		}
		defer r.Close(ctx)
		for r.Next(ctx) {
			e, err := decodeHistory(r.Key(ctx), r.Value(ctx))
			if err != nil {
				return err
			}
			h.Entries = append(h.Entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l *kvDB) BalanceByScriptHash(ctx context.Context, sh bdmd.ScriptHash) (int64, error) {
	log.Tracef("BalanceByScriptHash")
	defer log.Tracef("BalanceByScriptHash exit")

	var balance int64
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		var err error
		balance, _, err = balanceGet(ctx, tx, sh)
		return err
	})
	return balance, err
}

// HistoryAppend appends externally derived entries for the block at
// height/hash and moves the sync top there. Appending at or below the
// current sync top is a no-op.
func (l *kvDB) HistoryAppend(ctx context.Context, height uint64, hash chainhash.Hash, entries map[bdmd.ScriptHash][]bdmd.HistoryEntry) error {
	log.Tracef("HistoryAppend")
	defer log.Tracef("HistoryAppend exit")

	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return err
	}
	defer discard()

	tip, err := syncTop(ctx, tx)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return err
	case height <= tip.Height:
		log.Debugf("history at %v already applied (top %v)", height,
			tip.Height)
		return nil
	}

	if err := historyAppend(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Put(ctx, metadataTable, syncTopKey,
		encodeSyncTop(height, hash)); err != nil {
		return fmt.Errorf("sync top put: %w", err)
	}
	return commit()
}

// Blocks

// blockEffects is everything a block does to derived state.
type blockEffects struct {
	spends   map[bdmd.Outpoint]*bdmd.Output // spent prior outputs
	receives []receive
	history  map[bdmd.ScriptHash][]bdmd.HistoryEntry
	txs      map[chainhash.Hash][]byte // txid -> tx record
}

type receive struct {
	op  bdmd.Outpoint
	out bdmd.Output
}

func (be *blockEffects) addHistory(sh bdmd.ScriptHash, e bdmd.HistoryEntry) {
	be.history[sh] = append(be.history[sh], e)
}

// blockApply computes and writes the effects of b at height. Spends resolve
// against the unspent table, which includes outputs created earlier in the
// same block since tx writes are visible to later reads.
func blockApply(ctx context.Context, tx kvdb.Transaction, b *btcutil.Block, height uint64) (*blockEffects, error) {
	hash := b.Hash()
	be := &blockEffects{
		spends:  make(map[bdmd.Outpoint]*bdmd.Output),
		history: make(map[bdmd.ScriptHash][]bdmd.HistoryEntry),
		txs:     make(map[chainhash.Hash][]byte, len(b.Transactions())),
	}
	for txIndex, btx := range b.Transactions() {
		txid := *btx.Hash()
		mtx := btx.MsgTx()
		if !blockchain.IsCoinBaseTx(mtx) {
			for i, txIn := range mtx.TxIn {
				op := bdmd.NewOutpointFromWire(txIn.PreviousOutPoint)
				v, err := tx.Get(ctx, utxosTable, op[:])
				if err != nil {
					if errors.Is(err, database.ErrNotFound) {
						// Prevout predates the store or belongs to
						// an unindexed output.
						log.Debugf("unknown prevout %v in %v", op, txid)
						continue
					}
					return nil, fmt.Errorf("utxo get: %w", err)
				}
				out, err := decodeOutput(v)
				if err != nil {
					return nil, err
				}
				out.Height = height
				if err := tx.Del(ctx, utxosTable, op[:]); err != nil {
					return nil, fmt.Errorf("utxo del: %w", err)
				}
				if err := tx.Put(ctx, spentTable, op[:], encodeSpent(*out)); err != nil {
					return nil, fmt.Errorf("spent put: %w", err)
				}
				be.spends[op] = out
				be.addHistory(out.ScriptHash, bdmd.HistoryEntry{
					TxID:      txid,
					Height:    height,
					TxIndex:   uint32(txIndex),
					Kind:      bdmd.HistorySpend,
					IOIndex:   uint32(i),
					Delta:     -out.Value,
					Confirmed: true,
				})
			}
		}
		for i, txOut := range mtx.TxOut {
			if txscript.GetScriptClass(txOut.PkScript) == txscript.NullDataTy {
				continue
			}
			op := bdmd.NewOutpoint(txid, uint32(i))
			out := bdmd.Output{
				ScriptHash: bdmd.NewScriptHashFromScript(txOut.PkScript),
				Value:      txOut.Value,
			}
			if err := tx.Put(ctx, utxosTable, op[:], encodeOutput(out)); err != nil {
				return nil, fmt.Errorf("utxo put: %w", err)
			}
			be.receives = append(be.receives, receive{op: op, out: out})
			be.addHistory(out.ScriptHash, bdmd.HistoryEntry{
				TxID:      txid,
				Height:    height,
				TxIndex:   uint32(txIndex),
				Kind:      bdmd.HistoryReceive,
				IOIndex:   uint32(i),
				Delta:     out.Value,
				Confirmed: true,
			})
		}

		var raw bytes.Buffer
		if err := mtx.Serialize(&raw); err != nil {
			return nil, fmt.Errorf("tx serialize %v: %w", txid, err)
		}
		rec := encodeTxRecord(height, uint32(txIndex), *hash, raw.Bytes())
		if err := tx.Put(ctx, txsTable, txid[:], rec); err != nil {
			return nil, fmt.Errorf("tx put: %w", err)
		}
		be.txs[txid] = rec
	}
	if err := historyAppend(ctx, tx, be.history); err != nil {
		return nil, err
	}
	return be, nil
}

// BlockApply winds b onto the applied chain. The block header must be
// stored and its parent must be the current sync top. Applying an already
// applied canonical block is a no-op.
func (l *kvDB) BlockApply(ctx context.Context, b *btcutil.Block) error {
	log.Tracef("BlockApply")
	defer log.Tracef("BlockApply exit")

	hash := *b.Hash()
	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return err
	}
	defer discard()

	bh, err := headerGet(ctx, tx, hash)
	if err != nil {
		return err
	}
	tip, err := syncTop(ctx, tx)
	switch {
	case errors.Is(err, database.ErrNotFound):
		if bh.Height != 0 {
			return fmt.Errorf("apply %v: height %v on empty chain",
				hash, bh.Height)
		}
	case err != nil:
		return err
	default:
		if bh.Height <= tip.Height {
			if bh.Valid {
				log.Debugf("block %v already applied", hash)
				return nil
			}
			return fmt.Errorf("apply %v: height %v not above top %v",
				hash, bh.Height, tip.Height)
		}
		if !bh.ParentHash().IsEqual(&tip.Hash) {
			return fmt.Errorf("apply %v: parent %v is not top %v",
				hash, bh.ParentHash(), tip.Hash)
		}
	}

	be, err := blockApply(ctx, tx, b, bh.Height)
	if err != nil {
		return fmt.Errorf("apply %v: %w", hash, err)
	}

	bh.Valid = true
	if err := headerPut(ctx, tx, bh); err != nil {
		return err
	}
	if err := tx.Put(ctx, metadataTable, syncTopKey,
		encodeSyncTop(bh.Height, hash)); err != nil {
		return fmt.Errorf("sync top put: %w", err)
	}
	if err := commit(); err != nil {
		return err
	}

	if l.headerCache != nil {
		l.headerCache.Remove(hash)
	}
	log.Debugf("applied %v %v: txs %v spends %v receives %v", bh.Height,
		hash, len(be.txs), len(be.spends), len(be.receives))
	return nil
}

// BlockUnapply unwinds b, which must be the sync top. Work is done in
// reverse transaction order so that outputs spent within the block are
// restored before they are removed.
func (l *kvDB) BlockUnapply(ctx context.Context, b *btcutil.Block) error {
	log.Tracef("BlockUnapply")
	defer log.Tracef("BlockUnapply exit")

	hash := *b.Hash()
	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return err
	}
	defer discard()

	tip, err := syncTop(ctx, tx)
	if err != nil {
		return fmt.Errorf("unapply %v: %w", hash, err)
	}
	if !tip.Hash.IsEqual(&hash) {
		return fmt.Errorf("unapply %v: not top %v", hash, tip.Hash)
	}
	bh, err := headerGet(ctx, tx, hash)
	if err != nil {
		return err
	}

	history := make(map[bdmd.ScriptHash][]bdmd.HistoryEntry)
	txs := b.Transactions()
	for txIndex := len(txs) - 1; txIndex >= 0; txIndex-- {
		btx := txs[txIndex]
		txid := *btx.Hash()
		mtx := btx.MsgTx()
		for i := len(mtx.TxOut) - 1; i >= 0; i-- {
			pkScript := mtx.TxOut[i].PkScript
			if txscript.GetScriptClass(pkScript) == txscript.NullDataTy {
				continue
			}
			op := bdmd.NewOutpoint(txid, uint32(i))
			if err := tx.Del(ctx, utxosTable, op[:]); err != nil {
				return fmt.Errorf("utxo del: %w", err)
			}
			sh := bdmd.NewScriptHashFromScript(pkScript)
			history[sh] = append(history[sh], bdmd.HistoryEntry{
				Height:  bh.Height,
				TxIndex: uint32(txIndex),
				Kind:    bdmd.HistoryReceive,
				IOIndex: uint32(i),
			})
		}
		if !blockchain.IsCoinBaseTx(mtx) {
			for i := len(mtx.TxIn) - 1; i >= 0; i-- {
				op := bdmd.NewOutpointFromWire(mtx.TxIn[i].PreviousOutPoint)
				v, err := tx.Get(ctx, spentTable, op[:])
				if err != nil {
					if errors.Is(err, database.ErrNotFound) {
						continue // unknown at apply time
					}
					return fmt.Errorf("spent get: %w", err)
				}
				out, err := decodeOutput(v)
				if err != nil {
					return err
				}
				if out.Height != bh.Height {
					return fmt.Errorf("unapply %v: %v spent at %v",
						hash, op, out.Height)
				}
				out.Height = 0
				if err := tx.Del(ctx, spentTable, op[:]); err != nil {
					return fmt.Errorf("spent del: %w", err)
				}
				if err := tx.Put(ctx, utxosTable, op[:], encodeOutput(*out)); err != nil {
					return fmt.Errorf("utxo put: %w", err)
				}
				history[out.ScriptHash] = append(history[out.ScriptHash],
					bdmd.HistoryEntry{
						Height:  bh.Height,
						TxIndex: uint32(txIndex),
						Kind:    bdmd.HistorySpend,
						IOIndex: uint32(i),
					})
			}
		}
		if err := tx.Del(ctx, txsTable, txid[:]); err != nil {
			return fmt.Errorf("tx del: %w", err)
		}
	}
	if err := historyRemove(ctx, tx, history); err != nil {
		return fmt.Errorf("unapply %v: %w", hash, err)
	}

	bh.Valid = false
	if err := headerPut(ctx, tx, bh); err != nil {
		return err
	}
	if bh.Height == 0 {
		err = tx.Del(ctx, metadataTable, syncTopKey)
	} else {
		err = tx.Put(ctx, metadataTable, syncTopKey,
			encodeSyncTop(bh.Height-1, *bh.ParentHash()))
	}
	if err != nil {
		return fmt.Errorf("sync top: %w", err)
	}
	if err := commit(); err != nil {
		return err
	}

	if l.headerCache != nil {
		l.headerCache.Remove(hash)
	}
	log.Debugf("unapplied %v %v", bh.Height, hash)
	return nil
}

// Rebuild support

// deleteBatch removes up to resetBatchSize records of table and reports how
// many were removed.
func (l *kvDB) deleteBatch(ctx context.Context, table string) (int, error) {
	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return 0, err
	}
	defer discard()

	r, err := tx.NewRange(ctx, table, nil, nil)
	if err != nil {
		return 0, err
	}
	keys := make([][]byte, 0, resetBatchSize)
	for len(keys) < resetBatchSize && r.Next(ctx) {
		keys = append(keys, r.Key(ctx))
	}
	r.Close(ctx)

	for _, key := range keys {
		if err := tx.Del(ctx, table, key); err != nil {
			return 0, fmt.Errorf("del %v: %w", table, err)
		}
	}
	return len(keys), commit()
}

// invalidateBatch marks up to resetBatchSize canonical headers as side chain.
func (l *kvDB) invalidateBatch(ctx context.Context) (int, error) {
	tx, commit, discard, err := l.startTransaction(ctx)
	if err != nil {
		return 0, err
	}
	defer discard()

	r, err := tx.NewRange(ctx, headersTable, nil, nil)
	if err != nil {
		return 0, err
	}
	bhs := make([]*bdmd.BlockHeader, 0, resetBatchSize)
	for len(bhs) < resetBatchSize && r.Next(ctx) {
		hash, err := chainhash.NewHash(r.Key(ctx))
		if err != nil {
			r.Close(ctx)
			return 0, err
		}
		bh, err := decodeBlockHeader(*hash, r.Value(ctx))
		if err != nil {
			r.Close(ctx)
			return 0, err
		}
		if bh.Valid {
			bhs = append(bhs, bh)
		}
	}
	r.Close(ctx)

	for _, bh := range bhs {
		bh.Valid = false
		if err := headerPut(ctx, tx, bh); err != nil {
			return 0, err
		}
	}
	return len(bhs), commit()
}

// DerivedReset drops every record that is recomputed from raw blocks and
// marks all headers side chain. Headers and raw blocks are kept. The reset
// marker stays set until the reset completes so an interrupted reset is
// detected on the next open.
func (l *kvDB) DerivedReset(ctx context.Context) error {
	log.Tracef("DerivedReset")
	defer log.Tracef("DerivedReset exit")

	err := l.db.Update(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		if err := tx.Put(ctx, metadataTable, resetKey, []byte{1}); err != nil {
			return err
		}
		return tx.Del(ctx, metadataTable, syncTopKey)
	})
	if err != nil {
		return fmt.Errorf("reset start: %w", err)
	}

	for _, table := range derivedTables {
		var total int
		for {
			n, err := l.deleteBatch(ctx, table)
			if err != nil {
				return fmt.Errorf("reset %v: %w", table, err)
			}
			total += n
			if n < resetBatchSize {
				break
			}
		}
		log.Debugf("reset %v: %v records", table, total)
	}
	for {
		n, err := l.invalidateBatch(ctx)
		if err != nil {
			return fmt.Errorf("reset headers: %w", err)
		}
		if n < resetBatchSize {
			break
		}
	}
	if l.headerCache != nil {
		l.headerCache.Purge()
	}

	if err := l.db.Del(ctx, metadataTable, resetKey); err != nil {
		return fmt.Errorf("reset done: %w", err)
	}
	return nil
}

// resetPending reports whether a DerivedReset was interrupted.
func (l *kvDB) resetPending(ctx context.Context) (bool, error) {
	return l.db.Has(ctx, metadataTable, resetKey)
}

// DerivedDigest returns a sha256 over all derived records, the canonical
// flags and the sync top. Two stores with equal digests hold identical
// derived state.
func (l *kvDB) DerivedDigest(ctx context.Context) (chainhash.Hash, error) {
	log.Tracef("DerivedDigest")
	defer log.Tracef("DerivedDigest exit")

	h := sha256.New()
	err := l.db.View(ctx, func(ctx context.Context, tx kvdb.Transaction) error {
		for _, table := range derivedTables {
			r, err := tx.NewRange(ctx, table, nil, nil)
			if err != nil {
				return err
			}
			for r.Next(ctx) {
				h.Write([]byte(table))
				h.Write(r.Key(ctx))
				h.Write(r.Value(ctx))
			}
			r.Close(ctx)
		}

		r, err := tx.NewRange(ctx, headersTable, nil, nil)
		if err != nil {
			return err
		}
		for r.Next(ctx) {
			if v := r.Value(ctx); len(v) == blockheaderSize && v[120] == 1 {
				h.Write(r.Key(ctx))
			}
		}
		r.Close(ctx)

		st, err := tx.Get(ctx, metadataTable, syncTopKey)
		switch {
		case errors.Is(err, database.ErrNotFound):
		case err != nil:
			return err
		default:
			h.Write(st)
		}
		return nil
	})
	if err != nil {
		return chainhash.Hash{}, err
	}
	var digest chainhash.Hash
	copy(digest[:], h.Sum(nil))
	log.Tracef("derived digest: %v", digest)
	return digest, nil
}

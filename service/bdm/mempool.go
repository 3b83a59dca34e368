// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
)

type mempoolTx struct {
	seq      uint64    // Arrival order
	inserted time.Time // When did we see this tx
	raw      []byte    // Raw transaction
	tx       *btcutil.Tx
	prevOuts []*bdmd.Output // Spent outputs
}

// scripts returns the script hashes tx touches.
func (mtx *mempoolTx) scripts() []bdmd.ScriptHash {
	shs := make([]bdmd.ScriptHash, 0, len(mtx.prevOuts)+len(mtx.tx.MsgTx().TxOut))
	for _, po := range mtx.prevOuts {
		shs = append(shs, po.ScriptHash)
	}
	for _, out := range mtx.tx.MsgTx().TxOut {
		shs = append(shs, bdmd.NewScriptHashFromScript(out.PkScript))
	}
	slices.SortFunc(shs, func(a, b bdmd.ScriptHash) int {
		return slices.Compare(a[:], b[:])
	})
	return slices.Compact(shs)
}

// mempool holds transactions that were submitted by clients and are not yet
// confirmed. It rejects transactions that spend an output that is already
// spent, confirmed or not.
type mempool struct {
	mtx sync.RWMutex

	db       bdmd.Database
	seq      uint64
	txs      map[chainhash.Hash]*mempoolTx
	spends   map[bdmd.Outpoint]chainhash.Hash // outpoint to spending tx
	byScript map[bdmd.ScriptHash]map[chainhash.Hash]struct{}
	size     int // total memory used by mempool
}

func mempoolNew(db bdmd.Database) (*mempool, error) {
	if db == nil {
		return nil, errors.New("no database")
	}
	return &mempool{
		db:       db,
		txs:      make(map[chainhash.Hash]*mempoolTx, 1024),
		spends:   make(map[bdmd.Outpoint]chainhash.Hash, 4096),
		byScript: make(map[bdmd.ScriptHash]map[chainhash.Hash]struct{}, 1024),
	}, nil
}

// submit adds a raw transaction and returns its arrival sequence.
func (m *mempool) submit(ctx context.Context, raw []byte, arrival time.Time) (*mempoolTx, error) {
	log.Tracef("submit")
	defer log.Tracef("submit exit")

	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, requestError(fmt.Sprintf("invalid transaction: %v", err))
	}
	if blockchain.IsCoinBaseTx(tx.MsgTx()) {
		return nil, requestError("coinbase transaction not allowed")
	}
	txid := *tx.Hash()

	// The lock is held across the database lookups so that two
	// conflicting submissions cannot both pass the spend checks.
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.txs[txid]; ok {
		return nil, database.DuplicateError(fmt.Sprintf("tx in mempool: %v", txid))
	}
	if _, err := m.db.TxByID(ctx, txid); err == nil {
		return nil, database.DuplicateError(fmt.Sprintf("tx confirmed: %v", txid))
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	mtx := &mempoolTx{
		inserted: arrival,
		raw:      raw,
		tx:       tx,
		prevOuts: make([]*bdmd.Output, len(tx.MsgTx().TxIn)),
	}
	seen := make(map[bdmd.Outpoint]struct{}, len(tx.MsgTx().TxIn))
	for k, in := range tx.MsgTx().TxIn {
		op := bdmd.NewOutpointFromWire(in.PreviousOutPoint)
		if _, ok := seen[op]; ok {
			return nil, requestError(fmt.Sprintf("duplicate input %v", op))
		}
		seen[op] = struct{}{}

		if with, ok := m.spends[op]; ok {
			return nil, ConflictError{TxID: txid, Outpoint: op, With: with}
		}
		if _, err := m.db.SpentByOutpoint(ctx, op); err == nil {
			return nil, ConflictError{TxID: txid, Outpoint: op, Confirmed: true}
		} else if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}

		// Resolve the value and script being spent. An input that is
		// neither confirmed nor in the mempool cannot be tracked.
		if parent, ok := m.txs[op.TxID()]; ok {
			outs := parent.tx.MsgTx().TxOut
			if int(op.Index()) >= len(outs) {
				return nil, requestError(fmt.Sprintf("invalid input %v", op))
			}
			out := outs[op.Index()]
			mtx.prevOuts[k] = &bdmd.Output{
				ScriptHash: bdmd.NewScriptHashFromScript(out.PkScript),
				Value:      out.Value,
			}
			continue
		}
		utxo, err := m.db.UtxoByOutpoint(ctx, op)
		switch {
		case errors.Is(err, database.ErrNotFound):
			return nil, requestError(fmt.Sprintf("unknown input %v", op))
		case err != nil:
			return nil, err
		default:
			mtx.prevOuts[k] = utxo
		}
	}

	m.seq++
	mtx.seq = m.seq
	m.txs[txid] = mtx
	for op := range seen {
		m.spends[op] = txid
	}
	for _, sh := range mtx.scripts() {
		s, ok := m.byScript[sh]
		if !ok {
			s = make(map[chainhash.Hash]struct{})
			m.byScript[sh] = s
		}
		s[txid] = struct{}{}
	}
	m.size += len(raw)

	log.Debugf("mempool insert %v seq %v", txid, mtx.seq)
	return mtx, nil
}

// remove deletes txid. Must be called with mtx held.
func (m *mempool) remove(txid chainhash.Hash) *mempoolTx {
	mtx, ok := m.txs[txid]
	if !ok {
		return nil
	}
	for _, in := range mtx.tx.MsgTx().TxIn {
		op := bdmd.NewOutpointFromWire(in.PreviousOutPoint)
		if with, ok := m.spends[op]; ok && with == txid {
			delete(m.spends, op)
		}
	}
	for _, sh := range mtx.scripts() {
		if s, ok := m.byScript[sh]; ok {
			delete(s, txid)
			if len(s) == 0 {
				delete(m.byScript, sh)
			}
		}
	}
	m.size -= len(mtx.raw)
	delete(m.txs, txid)
	return mtx
}

// evict removes txid and everything that spends its outputs. Must be called
// with mtx held.
func (m *mempool) evict(txid chainhash.Hash) []*mempoolTx {
	var evicted []*mempoolTx
	queue := []chainhash.Hash{txid}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		mtx := m.remove(h)
		if mtx == nil {
			continue
		}
		evicted = append(evicted, mtx)
		for i := range mtx.tx.MsgTx().TxOut {
			if child, ok := m.spends[bdmd.NewOutpoint(h, uint32(i))]; ok {
				queue = append(queue, child)
			}
		}
	}
	return evicted
}

// blockConnected runs commit, which stores b as confirmed, then removes the
// transactions confirmed by b and evicts every unconfirmed transaction that
// conflicts with them, along with its descendants. Readers that use view do
// not observe a transaction both confirmed and unconfirmed.
func (m *mempool) blockConnected(ctx context.Context, b *btcutil.Block, commit func() error) (confirmed, evicted []*mempoolTx, err error) {
	log.Tracef("blockConnected")
	defer log.Tracef("blockConnected exit")

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := commit(); err != nil {
		return nil, nil, err
	}
	for _, tx := range b.Transactions() {
		txid := *tx.Hash()
		if mtx := m.remove(txid); mtx != nil {
			confirmed = append(confirmed, mtx)
		}
		if blockchain.IsCoinBaseTx(tx.MsgTx()) {
			continue
		}
		for _, in := range tx.MsgTx().TxIn {
			op := bdmd.NewOutpointFromWire(in.PreviousOutPoint)
			with, ok := m.spends[op]
			if !ok || with == txid {
				continue
			}
			log.Infof("evicting %v: %v spent by confirmed %v", with, op, txid)
			evicted = append(evicted, m.evict(with)...)
		}
	}
	return confirmed, evicted, nil
}

// blockDisconnected is called for every block unwound during a reorg.
// Transactions of unwound blocks are not resubmitted; a client that still
// wants them confirmed submits them again.
func (m *mempool) blockDisconnected(ctx context.Context, b *btcutil.Block) {
	log.Debugf("mempool: block %v disconnected, %v txs dropped",
		b.Hash(), len(b.Transactions()))
}

// view calls fn with the mempool read locked. Confirmed state read inside
// fn is consistent with the mempool contents.
func (m *mempool) view(fn func() error) error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return fn()
}

// unconfirmed returns the unconfirmed history entries of sh in arrival order
// together with the unconfirmed received and spent totals. Must be called
// from within view.
func (m *mempool) unconfirmed(sh bdmd.ScriptHash) ([]bdmd.HistoryEntry, uint64, uint64) {
	txs := make([]*mempoolTx, 0, len(m.byScript[sh]))
	for txid := range m.byScript[sh] {
		txs = append(txs, m.txs[txid])
	}
	slices.SortFunc(txs, func(a, b *mempoolTx) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	var (
		entries         []bdmd.HistoryEntry
		received, spent uint64
	)
	for _, mtx := range txs {
		txid := *mtx.tx.Hash()
		for k, po := range mtx.prevOuts {
			if po.ScriptHash != sh {
				continue
			}
			entries = append(entries, bdmd.HistoryEntry{
				TxID:    txid,
				Kind:    bdmd.HistorySpend,
				IOIndex: uint32(k),
				Delta:   -po.Value,
			})
			spent += uint64(po.Value)
		}
		for k, out := range mtx.tx.MsgTx().TxOut {
			if bdmd.NewScriptHashFromScript(out.PkScript) != sh {
				continue
			}
			entries = append(entries, bdmd.HistoryEntry{
				TxID:    txid,
				Kind:    bdmd.HistoryReceive,
				IOIndex: uint32(k),
				Delta:   out.Value,
			})
			received += uint64(out.Value)
		}
	}
	return entries, received, spent
}

// nextKey reserves a sequence number. Sequence numbers are never reused.
func (m *mempool) nextKey() uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.seq++
	return m.seq
}

func (m *mempool) stats(ctx context.Context) (int, int) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	// Approximate size of mempool; map and cap overhead is missing.
	return len(m.txs), m.size + (len(m.txs) * chainhash.HashSize)
}

func (m *mempool) Dump(ctx context.Context) string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return spew.Sdump(m.txs)
}

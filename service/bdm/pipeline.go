// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dustin/go-humanize"

	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
)

type PipelineState int32

const (
	StateIdle       PipelineState = 0
	StateScanning   PipelineState = 1 // Reading and parsing raw blocks
	StateApplying   PipelineState = 2 // Committing a block
	StateRebuilding PipelineState = 3
	StateHalted     PipelineState = 4 // Reorg too deep, needs a rebuild
)

var pipelineStateStrings = map[PipelineState]string{
	StateIdle:       "idle",
	StateScanning:   "scanning",
	StateApplying:   "applying",
	StateRebuilding: "rebuilding",
	StateHalted:     "halted",
}

func (ps PipelineState) String() string {
	return pipelineStateStrings[ps]
}

const defaultMaxOrphans = 1024

// chainListener is told about every block that joins or leaves the applied
// chain. blockConnected must call commit, which stores the block, and
// returns its error. blockDisconnected runs after the unwind committed.
type chainListener interface {
	blockConnected(ctx context.Context, b *btcutil.Block, commit func() error) error
	blockDisconnected(ctx context.Context, b *btcutil.Block)
}

type pipelineStats struct {
	Parsed    uint64
	Applied   uint64
	Unapplied uint64
	Malformed uint64
	Orphans   int
	Reorgs    uint64
}

// pipeline turns raw blocks into chain state. Parsing runs on a pool of
// workers; everything that writes to the database runs on a single commit
// path under mtx, in the order blocks were read.
type pipeline struct {
	mtx sync.Mutex // commit path

	g             geometryParams
	db            bdmd.Database
	workers       int
	maxReorgDepth uint64
	listener      chainListener

	state        atomic.Int32
	rebuilding   atomic.Bool
	isHalted     atomic.Bool
	halted       error // guarded by mtx
	orphans      map[chainhash.Hash][]*btcutil.Block // keyed by parent
	orphanCount  int
	maxOrphans   int
	parsed       atomic.Uint64
	applied      atomic.Uint64
	unapplied    atomic.Uint64
	malformed    atomic.Uint64
	reorgs       atomic.Uint64
	lastProgress time.Time
}

func newPipeline(db bdmd.Database, workers int, maxReorgDepth uint64, listener chainListener) (*pipeline, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("invalid worker count: %v", workers)
	}
	if maxReorgDepth == 0 {
		return nil, errors.New("invalid max reorg depth: 0")
	}
	return &pipeline{
		g:             geometryParams{db: db},
		db:            db,
		workers:       workers,
		maxReorgDepth: maxReorgDepth,
		listener:      listener,
		orphans:       make(map[chainhash.Hash][]*btcutil.Block),
		maxOrphans:    defaultMaxOrphans,
	}, nil
}

func (p *pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

func (p *pipeline) setState(ps PipelineState) {
	if p.rebuilding.Load() && ps != StateRebuilding {
		// Rebuild owns the state until it completes.
		return
	}
	if p.isHalted.Load() && ps != StateRebuilding {
		ps = StateHalted
	}
	p.state.Store(int32(ps))
}

// checkHalt stops ingestion when err is a reorg deeper than allowed. Blocks
// are refused until a rebuild. Must be called with mtx held.
func (p *pipeline) checkHalt(err error) error {
	if err == nil || !errors.Is(err, ErrReorgDepthExceeded) {
		return err
	}
	if p.halted == nil {
		log.Errorf("Ingestion halted pending rebuild: %v", err)
		p.halted = err
		p.isHalted.Store(true)
		p.state.Store(int32(StateHalted))
	}
	return err
}

// haltErr returns the error that halted ingestion, if any.
func (p *pipeline) haltErr() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.halted
}

func (p *pipeline) stats() pipelineStats {
	p.mtx.Lock()
	orphans := p.orphanCount
	p.mtx.Unlock()
	return pipelineStats{
		Parsed:    p.parsed.Load(),
		Applied:   p.applied.Load(),
		Unapplied: p.unapplied.Load(),
		Malformed: p.malformed.Load(),
		Orphans:   orphans,
		Reorgs:    p.reorgs.Load(),
	}
}

// parseBlock decodes a raw block and verifies that its transactions hash to
// the merkle root in the header. Scripts and proof of work are not checked.
func parseBlock(raw []byte) (*btcutil.Block, error) {
	b, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, MalformedBlockError{Reason: err.Error()}
	}
	txs := b.Transactions()
	if len(txs) == 0 {
		return nil, MalformedBlockError{Hash: b.Hash(), Reason: "no transactions"}
	}
	for k, tx := range txs {
		if coinbase := blockchain.IsCoinBaseTx(tx.MsgTx()); coinbase != (k == 0) {
			return nil, MalformedBlockError{
				Hash:   b.Hash(),
				Reason: fmt.Sprintf("tx %v: unexpected coinbase %v", k, coinbase),
			}
		}
	}
	root := blockchain.CalcMerkleRoot(txs, false)
	if !root.IsEqual(&b.MsgBlock().Header.MerkleRoot) {
		return nil, MalformedBlockError{
			Hash: b.Hash(),
			Reason: fmt.Sprintf("merkle root mismatch: got %v want %v",
				root, b.MsgBlock().Header.MerkleRoot),
		}
	}
	return b, nil
}

// ingestBlock parses and connects a single block.
func (p *pipeline) ingestBlock(ctx context.Context, raw []byte) error {
	log.Tracef("ingestBlock")
	defer log.Tracef("ingestBlock exit")

	b, err := parseBlock(raw)
	if err != nil {
		p.malformed.Add(1)
		return err
	}
	p.parsed.Add(1)

	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.setState(StateApplying)
	defer p.setState(StateIdle)

	return p.connect(ctx, b)
}

type parseJob struct {
	seq uint64
	raw []byte
}

type parseResult struct {
	seq   uint64
	block *btcutil.Block
	err   error
}

// ingest reads src until it is exhausted, the context is canceled or a
// storage error occurs. Malformed blocks are logged and skipped. Blocks are
// committed in source order regardless of which worker parsed them.
func (p *pipeline) ingest(ctx context.Context, src BlockSource) (int, error) {
	log.Tracef("ingest")
	defer log.Tracef("ingest exit")

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.setState(StateScanning)
	defer p.setState(StateIdle)

	jobs := make(chan parseJob, p.workers)
	results := make(chan parseResult, p.workers)

	var (
		wg      sync.WaitGroup
		readErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for seq := uint64(0); ; seq++ {
			raw, err := src.Next(ictx)
			if err != nil {
				if !errors.Is(err, io.EOF) && ictx.Err() == nil {
					readErr = err
					cancel()
				}
				return
			}
			select {
			case <-ictx.Done():
				return
			case jobs <- parseJob{seq: seq, raw: raw}:
			}
		}
	}()

	var workers sync.WaitGroup
	for range p.workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				b, err := parseBlock(j.raw)
				select {
				case <-ictx.Done():
					return
				case results <- parseResult{seq: j.seq, block: b, err: err}:
				}
			}
		}()
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	var (
		pending   = make(map[uint64]parseResult, p.workers)
		next      uint64
		committed int
		err       error
	)
	for r := range results {
		pending[r.seq] = r
		for err == nil {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			if r.err != nil {
				p.malformed.Add(1)
				log.Errorf("skipping block %v: %v", r.seq, r.err)
				continue
			}
			p.parsed.Add(1)
			if err = p.commit(ctx, r.block); err != nil {
				cancel()
				break
			}
			committed++
		}
	}
	wg.Wait()

	if err == nil {
		err = readErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return committed, err
}

func (p *pipeline) commit(ctx context.Context, b *btcutil.Block) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.setState(StateApplying)
	defer p.setState(StateScanning)

	return p.connect(ctx, b)
}

// connect stores b and, when it belongs to the heaviest branch, applies it.
// It is never interrupted halfway: storage calls run on a context that does
// not inherit cancellation. Must be called with mtx held.
func (p *pipeline) connect(pctx context.Context, b *btcutil.Block) error {
	if p.halted != nil {
		return fmt.Errorf("ingestion halted: %w", p.halted)
	}
	ctx := context.WithoutCancel(pctx)
	hash := b.Hash()

	it, bh, err := p.db.BlockInsert(ctx, b)
	switch {
	case errors.Is(err, database.ErrDuplicate):
		bh, err = p.db.BlockHeaderByHash(ctx, *hash)
		if err != nil {
			return err
		}
		if bh.Valid {
			log.Debugf("block %v already applied", hash)
			return nil
		}
		// Stored but not applied, reevaluate below.
	case errors.Is(err, database.ErrBlockNotFound):
		p.orphanAdd(b)
		return nil
	case err != nil:
		return fmt.Errorf("block insert %v: %w", hash, err)
	default:
		log.Debugf("block %v @ %v: %v", hash, bh.Height, it)
	}

	if err := p.evaluate(ctx, bh); err != nil {
		return p.checkHalt(err)
	}

	return p.checkHalt(p.connectOrphans(pctx, *hash))
}

// evaluate makes bh the applied tip if its branch carries more work than the
// current tip. Equal work keeps the tip that was applied first.
func (p *pipeline) evaluate(ctx context.Context, bh *bdmd.BlockHeader) error {
	tip, err := p.db.BlockHeaderBest(ctx)
	switch {
	case errors.Is(err, database.ErrNotFound):
		if bh.Height != 0 {
			// Nothing applied yet and this is not genesis. The
			// path from genesis will be applied by catchUp.
			return p.reorg(ctx, nil, bh)
		}
		return p.apply(ctx, bh)
	case err != nil:
		return err
	}

	if bh.ParentHash().IsEqual(&tip.Hash) {
		return p.apply(ctx, bh)
	}
	if bh.Difficulty.Cmp(&tip.Difficulty) <= 0 {
		log.Debugf("side branch block %v @ %v, tip %v @ %v", bh,
			bh.Height, tip, tip.Height)
		return nil
	}
	return p.reorg(ctx, tip, bh)
}

func (p *pipeline) apply(ctx context.Context, bh *bdmd.BlockHeader) error {
	b, err := p.db.BlockByHash(ctx, bh.Hash)
	if err != nil {
		return err
	}
	commit := func() error {
		return p.db.BlockApply(ctx, b)
	}
	if p.listener != nil {
		err = p.listener.blockConnected(ctx, b, commit)
	} else {
		err = commit()
	}
	if err != nil {
		return err
	}
	p.applied.Add(1)
	p.progress(bh)
	return nil
}

func (p *pipeline) progress(bh *bdmd.BlockHeader) {
	if time.Since(p.lastProgress) < 10*time.Second {
		return
	}
	p.lastProgress = time.Now()
	log.Infof("Applied %v blocks, tip %v @ %v, malformed %v",
		humanize.Comma(int64(p.applied.Load())), bh, bh.Height,
		p.malformed.Load())
}

// reorg unwinds the applied chain back to the common ancestor with target
// and applies target's branch. A nil tip means nothing is applied.
func (p *pipeline) reorg(ctx context.Context, tip, target *bdmd.BlockHeader) error {
	log.Tracef("reorg")
	defer log.Tracef("reorg exit")

	var ancestor *chainhash.Hash
	if tip != nil {
		cp, err := findCommonParent(ctx, p.g, tip, target, p.maxReorgDepth)
		if err != nil {
			return err
		}
		ancestor = &cp.Hash

		log.Infof("Reorg tip %v @ %v to %v @ %v, common parent %v @ %v",
			tip, tip.Height, target, target.Height, cp, cp.Height)

		for bh := tip; !bh.Hash.IsEqual(ancestor); {
			b, err := p.db.BlockByHash(ctx, bh.Hash)
			if err != nil {
				return err
			}
			if err := p.db.BlockUnapply(ctx, b); err != nil {
				return fmt.Errorf("unapply %v: %w", bh, err)
			}
			p.unapplied.Add(1)
			if p.listener != nil {
				p.listener.blockDisconnected(ctx, b)
			}
			if bh, err = p.g.parent(ctx, bh); err != nil {
				return err
			}
		}
		p.reorgs.Add(1)
	}

	path, err := findPathFromHash(ctx, p.g, ancestor, target)
	if err != nil {
		return err
	}
	for _, bh := range path {
		if err := p.apply(ctx, bh); err != nil {
			return fmt.Errorf("apply %v: %w", bh, err)
		}
	}
	return nil
}

func (p *pipeline) orphanAdd(b *btcutil.Block) {
	parent := b.MsgBlock().Header.PrevBlock
	for _, o := range p.orphans[parent] {
		if o.Hash().IsEqual(b.Hash()) {
			return
		}
	}
	if p.orphanCount >= p.maxOrphans {
		log.Errorf("orphan pool full, dropping %v", b.Hash())
		return
	}
	log.Debugf("orphan %v, parent %v", b.Hash(), parent)
	p.orphans[parent] = append(p.orphans[parent], b)
	p.orphanCount++
}

// connectOrphans connects blocks that were waiting for parent.
func (p *pipeline) connectOrphans(ctx context.Context, parent chainhash.Hash) error {
	queue := []chainhash.Hash{parent}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		children := p.orphans[h]
		if len(children) == 0 {
			continue
		}
		delete(p.orphans, h)
		p.orphanCount -= len(children)
		for _, c := range children {
			if err := p.connectOne(ctx, c); err != nil {
				return err
			}
			queue = append(queue, *c.Hash())
		}
	}
	return nil
}

// connectOne is connect without orphan processing.
func (p *pipeline) connectOne(pctx context.Context, b *btcutil.Block) error {
	ctx := context.WithoutCancel(pctx)
	_, bh, err := p.db.BlockInsert(ctx, b)
	switch {
	case errors.Is(err, database.ErrDuplicate):
		if bh, err = p.db.BlockHeaderByHash(ctx, *b.Hash()); err != nil {
			return err
		}
		if bh.Valid {
			return nil
		}
	case err != nil:
		return fmt.Errorf("orphan insert %v: %w", b.Hash(), err)
	}
	return p.evaluate(ctx, bh)
}

// catchUp applies the heaviest stored branch if it is not the applied tip.
// This completes a reorg or rebuild that was interrupted.
func (p *pipeline) catchUp(pctx context.Context) error {
	log.Tracef("catchUp")
	defer log.Tracef("catchUp exit")

	p.mtx.Lock()
	defer p.mtx.Unlock()

	ctx := context.WithoutCancel(pctx)
	best, err := p.db.BlockHeaderBestWork(ctx)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}
	if best.Valid {
		return nil
	}
	log.Infof("Catching up to %v @ %v", best, best.Height)
	return p.checkHalt(p.evaluate(ctx, best))
}

// rebuild discards all derived state and reapplies the heaviest stored
// branch from genesis. Raw blocks are replayed through the regular ingest
// path so the result does not depend on prior state.
func (p *pipeline) rebuild(ctx context.Context) error {
	log.Tracef("rebuild")
	defer log.Tracef("rebuild exit")

	p.rebuilding.Store(true)
	p.state.Store(int32(StateRebuilding))
	defer func() {
		p.rebuilding.Store(false)
		p.setState(StateIdle)
	}()

	start := time.Now()
	p.mtx.Lock()
	err := p.db.DerivedReset(context.WithoutCancel(ctx))
	clear(p.orphans)
	p.orphanCount = 0
	p.halted = nil
	p.isHalted.Store(false)
	p.mtx.Unlock()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	best, err := p.db.BlockHeaderBestWork(ctx)
	switch {
	case errors.Is(err, database.ErrNotFound):
		log.Infof("Rebuild: no blocks")
		return nil
	case err != nil:
		return err
	}
	path, err := findPathFromHash(ctx, p.g, nil, best)
	if err != nil {
		return err
	}
	n, err := p.ingest(ctx, &storedBlockSource{db: p.db, path: path})
	if err != nil {
		return err
	}
	if n != len(path) {
		return fmt.Errorf("rebuild applied %v of %v blocks", n, len(path))
	}

	log.Infof("Rebuild complete: %v blocks to %v @ %v in %v",
		humanize.Comma(int64(n)), best, best.Height,
		time.Since(start).Round(time.Millisecond))
	return nil
}

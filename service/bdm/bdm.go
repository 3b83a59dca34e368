// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package bdm is the block data manager. It ingests raw blocks, keeps
// per-script histories and balances across reorgs, tracks unconfirmed
// transactions and serves registered client sessions over a websocket.
package bdm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/database"
	"github.com/hemilabs/bdm/database/bdmd"
	"github.com/hemilabs/bdm/database/bdmd/kv"
	"github.com/hemilabs/bdm/service/deucalion"
	"github.com/hemilabs/bdm/service/pprof"
)

const (
	logLevel = "INFO"

	promSubsystem = "bdm_service" // Prometheus

	defaultWorkers        = 3
	defaultMaxReorgDepth  = 100
	defaultRequestTimeout = 9 * time.Second
	defaultNetwork        = "regtest"
	defaultCacheSize      = "64mb"

	minRequestTimeout = time.Second
)

var (
	log = loggo.GetLogger("bdm")

	networks = map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"signet":   &chaincfg.SigNetParams,
		"regtest":  &chaincfg.RegressionNetParams,
	}
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type Config struct {
	Backend                 string        // kvdb backend
	Home                    string        // database directory
	BlockDir                string        // directory with blk*.dat files
	Follow                  bool          // keep reading growing block files
	Network                 string        // mainnet, testnet3, signet or regtest
	Workers                 int           // block parsing workers
	MaxReorgDepth           uint64        // deepest unwind allowed
	MinFreeBytes            uint64        // refuse writes below this
	BlockheaderCacheSize    string        // e.g. "64mb", "0" disables
	Rebuild                 bool          // rebuild derived state on start
	ListenAddress           string        // websocket listener
	RequestTimeout          time.Duration // per command
	LogLevel                string
	PprofListenAddress      string
	PrometheusListenAddress string
}

func NewDefaultConfig() *Config {
	return &Config{
		Backend:              "level",
		Follow:               true,
		Network:              defaultNetwork,
		Workers:              defaultWorkers,
		MaxReorgDepth:        defaultMaxReorgDepth,
		BlockheaderCacheSize: defaultCacheSize,
		ListenAddress:        bdmapi.DefaultListen,
		RequestTimeout:       defaultRequestTimeout,
		LogLevel:             logLevel,
	}
}

type Server struct {
	mtx sync.RWMutex
	wg  sync.WaitGroup

	cfg    *Config
	params *chaincfg.Params

	db       bdmd.Database
	pipeline *pipeline
	mempool  *mempool
	notifier *Notifier
	sessions *sessions

	synced     chan struct{} // Closed after the initial scan
	syncedOnce sync.Once

	// Websocket connections; hijacked, so not tracked by http.Server.
	conns       sync.WaitGroup
	connsClosed bool // guarded by mtx
	connections atomic.Int64

	// Prometheus
	cmdsProcessed   prometheus.Counter
	blocksApplied   prometheus.Counter
	blocksUnapplied prometheus.Counter
	txsAccepted     prometheus.Counter
	txsEvicted      prometheus.Counter
	isRunning       bool
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	params, ok := networks[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("invalid network: %v", cfg.Network)
	}
	if cfg.Home == "" {
		return nil, errors.New("home directory must be set")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("invalid workers: %v", cfg.Workers)
	}
	if cfg.MaxReorgDepth == 0 {
		return nil, errors.New("max reorg depth must be positive")
	}
	if cfg.RequestTimeout < minRequestTimeout {
		return nil, fmt.Errorf("request timeout must be at least %v, got %v",
			minRequestTimeout, cfg.RequestTimeout)
	}
	if cfg.BlockheaderCacheSize != "" {
		if _, err := humanize.ParseBytes(cfg.BlockheaderCacheSize); err != nil {
			return nil, fmt.Errorf("invalid block header cache size: %w", err)
		}
	}

	s := &Server{
		cfg:      cfg,
		params:   params,
		notifier: NewNotifier(false),
		synced:   make(chan struct{}),
		cmdsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "rpc_calls_total",
			Help:      "The total number of successful RPC commands",
		}),
		blocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_applied_total",
			Help:      "The total number of blocks applied",
		}),
		blocksUnapplied: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_unapplied_total",
			Help:      "The total number of blocks unwound by reorgs",
		}),
		txsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "mempool_accepted_total",
			Help:      "The total number of unconfirmed transactions accepted",
		}),
		txsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "mempool_evicted_total",
			Help:      "The total number of unconfirmed transactions evicted",
		}),
	}
	return s, nil
}

func (s *Server) running() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.isRunning
}

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.isRunning
	s.isRunning = b
	return old != s.isRunning
}

func (s *Server) promRunning() float64 {
	r := s.running()
	if r {
		return 1
	}
	return 0
}

func (s *Server) promPipelineState() float64 {
	if p := s.pipelineGet(); p != nil {
		return float64(p.State())
	}
	return 0
}

func (s *Server) promMalformed() float64 {
	if p := s.pipelineGet(); p != nil {
		return deucalion.Uint64ToFloat(p.malformed.Load())
	}
	return 0
}

func (s *Server) promReorgs() float64 {
	if p := s.pipelineGet(); p != nil {
		return deucalion.Uint64ToFloat(p.reorgs.Load())
	}
	return 0
}

func (s *Server) promMempoolCount() float64 {
	if m := s.mempoolGet(); m != nil {
		n, _ := m.stats(context.Background())
		return deucalion.IntToFloat(n)
	}
	return 0
}

func (s *Server) promSessions() float64 {
	s.mtx.RLock()
	sm := s.sessions
	s.mtx.RUnlock()
	if sm == nil {
		return 0
	}
	return deucalion.IntToFloat(sm.count())
}

func (s *Server) pipelineGet() *pipeline {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.pipeline
}

func (s *Server) mempoolGet() *mempool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.mempool
}

func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.cmdsProcessed,
		s.blocksApplied,
		s.blocksUnapplied,
		s.txsAccepted,
		s.txsEvicted,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "running",
			Help:      "Is bdm service running.",
		}, s.promRunning),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "pipeline_state",
			Help:      "Pipeline state; 0 idle, 1 scanning, 2 applying, 3 rebuilding, 4 halted.",
		}, s.promPipelineState),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_malformed",
			Help:      "Number of malformed blocks skipped.",
		}, s.promMalformed),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "reorgs",
			Help:      "Number of reorgs.",
		}, s.promReorgs),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "mempool_count",
			Help:      "Number of unconfirmed transactions.",
		}, s.promMempoolCount),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "sessions",
			Help:      "Number of registered sessions.",
		}, s.promSessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Subsystem: promSubsystem,
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}, func() float64 { return float64(s.connections.Load()) }),
	}
}

// connAdd registers a websocket connection. It fails once shutdown started.
func (s *Server) connAdd() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.connsClosed {
		return false
	}
	s.conns.Add(1)
	s.connections.Add(1)
	return true
}

func (s *Server) connDone() {
	s.connections.Add(-1)
	s.conns.Done()
}

// connsDrain refuses new connections and waits for open ones to finish
// their in-flight request.
func (s *Server) connsDrain() {
	s.mtx.Lock()
	s.connsClosed = true
	s.mtx.Unlock()
	s.conns.Wait()
}

func (s *Server) health(ctx context.Context) (bool, any, error) {
	p := s.pipelineGet()
	if p == nil {
		return false, nil, nil
	}
	var synced bool
	select {
	case <-s.synced:
		synced = true
	default:
	}
	var halted string
	if err := p.haltErr(); err != nil {
		halted = err.Error()
	}
	return s.running() && halted == "", struct {
		State  string        `json:"state"`
		Synced bool          `json:"synced"`
		Halted string        `json:"halted,omitempty"`
		Stats  pipelineStats `json:"stats"`
	}{
		State:  p.State().String(),
		Synced: synced,
		Halted: halted,
		Stats:  p.stats(),
	}, nil
}

// Synced is closed once the initial scan of the block source completed.
func (s *Server) Synced() <-chan struct{} {
	return s.synced
}

func (s *Server) setSynced() {
	s.syncedOnce.Do(func() {
		log.Infof("Initial sync complete")
		close(s.synced)
	})
}

func (s *Server) notify(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		log.Errorf("notify %v: %v", n, err)
	}
}

// blockConnected is called by the pipeline to apply b. The mempool is
// updated under the same lock as the commit.
func (s *Server) blockConnected(ctx context.Context, b *btcutil.Block, commit func() error) error {
	confirmed, evicted, err := s.mempool.blockConnected(ctx, b, commit)
	if err != nil {
		return err
	}
	s.blocksApplied.Inc()
	if len(evicted) > 0 {
		s.txsEvicted.Add(float64(len(evicted)))
	}
	if len(confirmed) > 0 || len(evicted) > 0 {
		log.Debugf("block %v: confirmed %v evicted %v unconfirmed txs",
			b.Hash(), len(confirmed), len(evicted))
	}

	if s.pipeline.State() == StateRebuilding {
		// One RefreshNeeded is sent when the rebuild completes.
		return nil
	}
	s.notify(ctx, NotificationBlock(*b.Hash()))
	if len(evicted) > 0 {
		s.notify(ctx, NotificationRefresh("evicted"))
	}
	return nil
}

// blockDisconnected is called by the pipeline after b was unwound.
func (s *Server) blockDisconnected(ctx context.Context, b *btcutil.Block) {
	s.blocksUnapplied.Inc()
	s.mempool.blockDisconnected(ctx, b)
}

// consistencyCheck verifies that the applied tip is recorded coherently.
func (s *Server) consistencyCheck(ctx context.Context) error {
	log.Tracef("consistencyCheck")
	defer log.Tracef("consistencyCheck exit")

	bh, err := s.db.BlockHeaderBest(ctx)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Nothing applied yet.
			return nil
		}
		return err
	}
	if !bh.Valid {
		return fmt.Errorf("sync top %v @ %v not canonical", bh, bh.Height)
	}
	sm, err := s.db.SyncMetadata(ctx)
	if err != nil {
		return err
	}
	if sm.Height != bh.Height || !sm.Hash.IsEqual(&bh.Hash) {
		return fmt.Errorf("sync top %v @ %v does not match header %v @ %v",
			sm.Hash, sm.Height, bh, bh.Height)
	}
	return nil
}

// IngestBlock parses and connects a single raw block.
func (s *Server) IngestBlock(ctx context.Context, raw []byte) error {
	p := s.pipelineGet()
	if p == nil {
		return errors.New("not running")
	}
	return p.ingestBlock(ctx, raw)
}

// Ingest reads src until it is exhausted and returns the number of blocks
// committed.
func (s *Server) Ingest(ctx context.Context, src BlockSource) (int, error) {
	p := s.pipelineGet()
	if p == nil {
		return 0, errors.New("not running")
	}
	return p.ingest(ctx, src)
}

func (s *Server) PipelineState() PipelineState {
	p := s.pipelineGet()
	if p == nil {
		return StateIdle
	}
	return p.State()
}

// Rebuild discards and recomputes all derived state from retained blocks.
// Online sessions are told to refresh afterwards.
func (s *Server) Rebuild(ctx context.Context) error {
	log.Tracef("Rebuild")
	defer log.Tracef("Rebuild exit")

	p := s.pipelineGet()
	if p == nil {
		return errors.New("not running")
	}
	if err := p.rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := s.db.VersionUpdate(ctx); err != nil {
		return fmt.Errorf("version update: %w", err)
	}
	s.notify(ctx, NotificationRefresh("rebuild"))
	return nil
}

// SubmitTx adds an unconfirmed transaction and returns its sequence key.
func (s *Server) SubmitTx(ctx context.Context, raw []byte) (uint64, error) {
	log.Tracef("SubmitTx")
	defer log.Tracef("SubmitTx exit")

	mtx, err := s.mempool.submit(ctx, raw, time.Now())
	if err != nil {
		return 0, err
	}
	s.txsAccepted.Inc()
	for k, out := range mtx.tx.MsgTx().TxOut {
		log.Debugf("tx %v output %v: %v %v", mtx.tx.Hash(), k,
			txscript.GetScriptClass(out.PkScript), out.Value)
	}
	s.notify(ctx, NotificationUnconfirmedTx(*mtx.tx.Hash(), mtx.scripts()))
	return mtx.seq, nil
}

// Balance returns the confirmed balance of script and its unconfirmed
// received and spent amounts.
func (s *Server) Balance(ctx context.Context, script []byte) (*bdmapi.GetBalanceResponse, error) {
	sh := bdmd.NewScriptHashFromScript(script)
	var (
		confirmed       int64
		received, spent uint64
	)
	err := s.mempool.view(func() error {
		var err error
		confirmed, err = s.db.BalanceByScriptHash(ctx, sh)
		if err != nil {
			return err
		}
		_, received, spent = s.mempool.unconfirmed(sh)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if confirmed < 0 {
		return nil, fmt.Errorf("negative balance %v: %v", sh, confirmed)
	}
	return &bdmapi.GetBalanceResponse{
		Confirmed:           uint64(confirmed),
		UnconfirmedReceived: received,
		UnconfirmedSpent:    spent,
	}, nil
}

// History returns the confirmed history of script in chain order followed
// by its unconfirmed entries in arrival order. Entries of the same
// transaction are netted.
func (s *Server) History(ctx context.Context, script []byte) ([]bdmapi.HistoryEntry, error) {
	sh := bdmd.NewScriptHashFromScript(script)
	var (
		h           *bdmd.History
		unconfirmed []bdmd.HistoryEntry
	)
	err := s.mempool.view(func() error {
		var err error
		h, err = s.db.HistoryByScriptHash(ctx, sh)
		if err != nil {
			return err
		}
		unconfirmed, _, _ = s.mempool.unconfirmed(sh)
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]bdmapi.HistoryEntry, 0, len(h.Entries)+len(unconfirmed))
	for _, e := range slices.Concat(h.Entries, unconfirmed) {
		if n := len(entries); n > 0 &&
			entries[n-1].TxID == e.TxID &&
			entries[n-1].Confirmed == e.Confirmed {
			entries[n-1].Delta += e.Delta
			continue
		}
		he := bdmapi.HistoryEntry{
			TxID:      e.TxID,
			Delta:     e.Delta,
			Confirmed: e.Confirmed,
		}
		if e.Confirmed {
			he.Height = e.Height
			he.Index = e.TxIndex
		}
		entries = append(entries, he)
	}
	return entries, nil
}

// TopBlock returns the applied tip.
func (s *Server) TopBlock(ctx context.Context) (uint64, *chainhash.Hash, error) {
	bh, err := s.db.BlockHeaderBest(ctx)
	if err != nil {
		return 0, nil, err
	}
	return bh.Height, &bh.Hash, nil
}

// NewUnconfirmedKey reserves an unconfirmed sequence key.
func (s *Server) NewUnconfirmedKey() uint64 {
	return s.mempool.nextKey()
}

func (s *Server) openBlockSource(ctx context.Context) (*blockFileSource, error) {
	var src *blockFileSource
	b := retry.WithMaxRetries(10, retry.NewExponential(100*time.Millisecond))
	b = retry.WithCappedDuration(5*time.Second, b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		src, err = newBlockFileSource(s.cfg.BlockDir, s.params.Net, false)
		if err != nil {
			log.Debugf("block source %v: %v", s.cfg.BlockDir, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	return src, err
}

// ingestLoop brings derived state up to date, performs the initial scan of
// the block directory and then follows it.
func (s *Server) ingestLoop(ctx context.Context, rebuild bool) error {
	log.Tracef("ingestLoop")
	defer log.Tracef("ingestLoop exit")

	// A reorg deeper than MaxReorgDepth stops ingestion only; stored state
	// keeps being served until an operator rebuilds.
	halted := func(err error) bool {
		if !errors.Is(err, ErrReorgDepthExceeded) {
			return false
		}
		log.Errorf("Ingestion halted, rebuild required: %v", err)
		s.setSynced()
		return true
	}

	if rebuild {
		if err := s.Rebuild(ctx); err != nil {
			return err
		}
	} else if err := s.pipeline.catchUp(ctx); err != nil {
		if halted(err) {
			return nil
		}
		return fmt.Errorf("catch up: %w", err)
	}

	if s.cfg.BlockDir == "" {
		log.Infof("No block directory, ingesting on demand only")
		s.setSynced()
		return nil
	}

	src, err := s.openBlockSource(ctx)
	if err != nil {
		return fmt.Errorf("block source: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Errorf("block source close: %v", err)
		}
	}()

	start := time.Now()
	n, err := s.pipeline.ingest(ctx, src)
	if err != nil {
		if halted(err) {
			return nil
		}
		return fmt.Errorf("initial scan: %w", err)
	}
	log.Infof("Initial scan: %v blocks in %v", humanize.Comma(int64(n)),
		time.Since(start).Round(time.Millisecond))
	log.Debugf("pipeline: %v", spew.Sdump(s.pipeline.stats()))
	s.setSynced()

	if !s.cfg.Follow {
		return nil
	}
	src.SetFollow(true)
	_, err = s.pipeline.ingest(ctx, src)
	if errors.Is(err, context.Canceled) || halted(err) {
		return nil
	}
	return err
}

func handle(service string, mux *http.ServeMux, pattern string, handler func(http.ResponseWriter, *http.Request)) {
	mux.HandleFunc(pattern, handler)
	log.Infof("handle (%v): %v", service, pattern)
}

func (s *Server) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !s.testAndSetRunning(true) {
		return errors.New("bdm already running")
	}
	defer s.testAndSetRunning(false)

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	// Open database.
	rebuild := s.cfg.Rebuild
	kcfg := kv.NewConfig(s.cfg.Backend, s.cfg.Home, s.cfg.BlockheaderCacheSize)
	kcfg.MinFreeBytes = s.cfg.MinFreeBytes
	db, err := kv.New(ctx, kcfg)
	if err != nil {
		if !errors.Is(err, database.ErrRebuildRequired) || db == nil {
			return fmt.Errorf("open database: %w", err)
		}
		log.Infof("%v", err)
		rebuild = true
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("database close: %v", err)
		}
	}()

	mp, err := mempoolNew(db)
	if err != nil {
		return err
	}
	p, err := newPipeline(db, s.cfg.Workers, s.cfg.MaxReorgDepth, s)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	s.db = db
	s.mempool = mp
	s.pipeline = p
	s.sessions = newSessions(ctx, s, s.notifier)
	s.connsClosed = false
	s.mtx.Unlock()

	// Prometheus
	if s.cfg.PrometheusListenAddress != "" {
		d, err := deucalion.New(&deucalion.Config{
			ListenAddress: s.cfg.PrometheusListenAddress,
		})
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := d.Run(ctx, s.Collectors(), s.health); !errors.Is(err, context.Canceled) {
				log.Errorf("prometheus terminated with error: %v", err)
				return
			}
			log.Infof("prometheus clean shutdown")
		}()
	}

	// pprof
	if s.cfg.PprofListenAddress != "" {
		pp, err := pprof.NewServer(&pprof.Config{
			ListenAddress: s.cfg.PprofListenAddress,
		})
		if err != nil {
			return fmt.Errorf("create pprof server: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := pp.Run(ctx); !errors.Is(err, context.Canceled) {
				log.Errorf("pprof server terminated with error: %v", err)
				return
			}
			log.Infof("pprof server clean shutdown")
		}()
	}

	// Websocket
	mux := http.NewServeMux()
	handle("bdm", mux, bdmapi.RouteWebsocket, s.handleWebsocket)
	httpServer := &http.Server{
		Addr:        s.cfg.ListenAddress,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	httpErrCh := make(chan error, 1)
	go func() {
		log.Infof("Listening: %v", s.cfg.ListenAddress)
		httpErrCh <- httpServer.ListenAndServe()
	}()
	defer func() {
		if err := httpServer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Errorf("http server exit: %v", err)
			return
		}
		log.Infof("RPC server shutdown cleanly")
	}()

	ingestErrCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ingestLoop(ctx, rebuild); err != nil {
			ingestErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-httpErrCh:
	case err = <-ingestErrCh:
		log.Errorf("ingestion halted: %v", err)
	}
	cancel()

	log.Infof("bdm service shutting down")
	s.connsDrain()
	s.sessions.closeAll()
	s.wg.Wait()
	log.Infof("bdm service clean shutdown")

	return err
}

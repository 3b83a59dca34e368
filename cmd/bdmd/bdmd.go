// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/mitchellh/go-homedir"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/config"
	"github.com/hemilabs/bdm/database/kvdb"
	"github.com/hemilabs/bdm/service/bdm"
	"github.com/hemilabs/bdm/version"
)

const (
	daemonName      = "bdmd"
	defaultLogLevel = daemonName + "=INFO;bdm=INFO;kv=INFO;kvdb=INFO"
	defaultNetwork  = "regtest"
	defaultHome     = "~/." + daemonName
)

var (
	log     = loggo.GetLogger(daemonName)
	welcome string

	cfg = bdm.NewDefaultConfig()
	cm  = config.CfgMap{
		"BDM_DB_BACKEND": config.Config{
			Value:        &cfg.Backend,
			DefaultValue: kvdb.BackendLevel,
			Help:         "database backend; level, pebble or badger",
			Print:        config.PrintAll,
		},
		"BDM_HOME": config.Config{
			Value:        &cfg.Home,
			DefaultValue: defaultHome,
			Help:         "data directory",
			Print:        config.PrintAll,
		},
		"BDM_BLOCK_DIR": config.Config{
			Value:        &cfg.BlockDir,
			DefaultValue: "",
			Help:         "directory containing blk*.dat files",
			Print:        config.PrintAll,
		},
		"BDM_FOLLOW": config.Config{
			Value:        &cfg.Follow,
			DefaultValue: true,
			Help:         "keep reading block files as they grow",
			Print:        config.PrintAll,
		},
		"BDM_NETWORK": config.Config{
			Value:        &cfg.Network,
			DefaultValue: defaultNetwork,
			Help:         "bitcoin network; mainnet, testnet3, signet or regtest",
			Print:        config.PrintAll,
		},
		"BDM_WORKERS": config.Config{
			Value:        &cfg.Workers,
			DefaultValue: cfg.Workers,
			Help:         "number of block parsing workers",
			Print:        config.PrintAll,
		},
		"BDM_MAX_REORG_DEPTH": config.Config{
			Value:        &cfg.MaxReorgDepth,
			DefaultValue: cfg.MaxReorgDepth,
			Help:         "deepest reorg that is unwound, deeper forks halt ingestion",
			Print:        config.PrintAll,
		},
		"BDM_MIN_FREE_BYTES": config.Config{
			Value:        &cfg.MinFreeBytes,
			DefaultValue: uint64(0),
			Help:         "refuse writes when the data directory has less free space",
			Print:        config.PrintAll,
		},
		"BDM_BLOCKHEADER_CACHE": config.Config{
			Value:        &cfg.BlockheaderCacheSize,
			DefaultValue: cfg.BlockheaderCacheSize,
			Help:         "block header cache size, e.g. 64mb; 0 disables",
			Print:        config.PrintAll,
		},
		"BDM_REBUILD": config.Config{
			Value:        &cfg.Rebuild,
			DefaultValue: false,
			Help:         "discard and recompute derived state on start",
			Print:        config.PrintAll,
		},
		"BDM_LISTEN_ADDRESS": config.Config{
			Value:        &cfg.ListenAddress,
			DefaultValue: bdmapi.DefaultListen,
			Help:         "address and port bdmd listens on",
			Print:        config.PrintAll,
		},
		"BDM_REQUEST_TIMEOUT": config.Config{
			Value:        &cfg.RequestTimeout,
			DefaultValue: 9 * time.Second,
			Help:         "maximum time a command may take",
			Print:        config.PrintAll,
		},
		"BDM_LOG_LEVEL": config.Config{
			Value:        &cfg.LogLevel,
			DefaultValue: defaultLogLevel,
			Help:         "loglevel for various packages; INFO, DEBUG and TRACE",
			Print:        config.PrintAll,
		},
		"BDM_PROMETHEUS_ADDRESS": config.Config{
			Value:        &cfg.PrometheusListenAddress,
			DefaultValue: "",
			Help:         "address and port bdmd prometheus listens on",
			Print:        config.PrintAll,
		},
		"BDM_PPROF_ADDRESS": config.Config{
			Value:        &cfg.PprofListenAddress,
			DefaultValue: "",
			Help:         "address and port bdmd pprof listens on (open <address>/debug/pprof to see available profiles)",
			Print:        config.PrintAll,
		},
	}
)

func HandleSignals(ctx context.Context, cancel context.CancelFunc, callback func(os.Signal)) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(signalChan)
		cancel()
	}()

	select {
	case <-ctx.Done():
	case s := <-signalChan: // First signal, cancel context.
		if callback != nil {
			callback(s) // Do whatever caller wants first.
			cancel()
		}
	}
	<-signalChan // Second signal, hard exit.
	os.Exit(2)
}

func _main() error {
	// Parse configuration from environment
	if err := config.Parse(cm); err != nil {
		return err
	}

	if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
		return err
	}
	log.Infof("%v", welcome)

	pc := config.PrintableConfig(cm)
	for k := range pc {
		log.Infof("%v", pc[k])
	}

	var err error
	if cfg.Home, err = homedir.Expand(cfg.Home); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	if cfg.BlockDir != "" {
		if cfg.BlockDir, err = homedir.Expand(cfg.BlockDir); err != nil {
			return fmt.Errorf("block dir: %w", err)
		}
	}

	if err := setUlimits(); err != nil {
		return fmt.Errorf("ulimit: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go HandleSignals(ctx, cancel, func(s os.Signal) {
		log.Infof("bdm service received signal: %s", s)
	})

	server, err := bdm.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create bdm server: %w", err)
	}
	if err := server.Run(ctx); !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bdm server terminated: %w", err)
	}

	return nil
}

func init() {
	version.Component = daemonName
	welcome = "Hemi Block Data Manager " + version.BuildInfo()
}

func main() {
	if len(os.Args) != 1 {
		fmt.Fprintf(os.Stderr, "%v\n", welcome)
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "\thelp (this help)\n")
		fmt.Fprintf(os.Stderr, "Environment:\n")
		config.Help(os.Stderr, cm)
		os.Exit(1)
	}

	if err := _main(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

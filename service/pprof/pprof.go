// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package pprof serves the runtime profiling endpoints on a dedicated
// listener so they are never exposed on the client facing port.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/juju/loggo/v2"
)

var log = loggo.GetLogger("pprof")

type Config struct {
	ListenAddress string
}

type Server struct {
	cfg     *Config
	running atomic.Bool
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Running() bool {
	return s.running.Load()
}

func mux() *http.ServeMux {
	pprofMux := http.NewServeMux()
	pprofMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	pprofMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	pprofMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	pprofMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	pprofMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	return pprofMux
}

func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("already running")
	}
	defer s.running.CompareAndSwap(true, false)

	if s.cfg.ListenAddress == "" {
		return errors.New("listen address is required")
	}

	pprofHttpServer := &http.Server{
		Addr:        s.cfg.ListenAddress,
		Handler:     mux(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	httpErrCh := make(chan error, 1)
	go func() {
		log.Infof("pprof listening: %s", s.cfg.ListenAddress)
		httpErrCh <- pprofHttpServer.ListenAndServe()
	}()
	defer func() {
		if err := pprofHttpServer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Errorf("pprof http server exit: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErrCh:
		return err
	}
}

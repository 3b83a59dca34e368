// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package deucalion serves Prometheus metrics and an optional health route.
//
//	d, _ := deucalion.New(&deucalion.Config{
//	    ListenAddress: PrometheusListenAddress,
//	})
//
//	_ = d.Run(ctx, collectors, healthCB)
package deucalion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	daemonName      = "deucalion"
	defaultLogLevel = daemonName + "=INFO"

	healthTimeout = 5 * time.Second
)

var log = loggo.GetLogger(daemonName)

func init() {
	if err := loggo.ConfigureLoggers(defaultLogLevel); err != nil {
		panic(err)
	}
}

// HealthFunc reports whether the service is healthy. data, when not nil, is
// returned to the caller as JSON.
type HealthFunc func(ctx context.Context) (healthy bool, data any, err error)

type Config struct {
	ListenAddress string
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenAddress: "", // localhost:2112
	}
}

type Deucalion struct {
	mtx       sync.RWMutex
	isRunning bool
	cfg       *Config

	healthCB HealthFunc
}

func New(cfg *Config) (*Deucalion, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Deucalion{cfg: cfg}, nil
}

func Uint64ToFloat(x uint64) float64 {
	return float64(x)
}

func IntToFloat(x int) float64 {
	return float64(x)
}

func handle(service string, mux *http.ServeMux, pattern string, handler func(http.ResponseWriter, *http.Request)) {
	mux.HandleFunc(pattern, handler)
	log.Infof("handle (%v): %v", service, pattern)
}

func (d *Deucalion) health(w http.ResponseWriter, r *http.Request) {
	log.Tracef("health")
	defer log.Tracef("health exit")

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	healthy, data, err := d.healthCB(ctx)
	if err != nil {
		log.Errorf("health callback: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
		return
	}

	if data != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Errorf("health encode: %v", err)
		}
	}
}

func (d *Deucalion) Running() bool {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.isRunning
}

func (d *Deucalion) testAndSetRunning(b bool) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	old := d.isRunning
	d.isRunning = b
	return old != d.isRunning
}

// Run serves /metrics, and /health when healthCB is not nil, until ctx is
// canceled.
func (d *Deucalion) Run(ctx context.Context, cs []prometheus.Collector, healthCB HealthFunc) error {
	if !d.testAndSetRunning(true) {
		return errors.New("already running")
	}
	defer d.testAndSetRunning(false)

	if d.cfg.ListenAddress == "" {
		return errors.New("listen address is required")
	}

	reg := prometheus.NewRegistry()
	allCollectors := []prometheus.Collector{
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	allCollectors = append(allCollectors, cs...)
	for _, c := range allCollectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}

	prometheusMux := http.NewServeMux()
	handle("prometheus", prometheusMux, "/metrics", promhttp.HandlerFor(reg,
		promhttp.HandlerOpts{Registry: reg}).ServeHTTP)
	// Add health route if the callback is set
	if healthCB != nil {
		d.healthCB = healthCB
		handle("prometheus", prometheusMux, "/health", d.health)
	}
	httpPrometheusServer := &http.Server{
		Addr:        d.cfg.ListenAddress,
		Handler:     prometheusMux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	httpPrometheusErrCh := make(chan error, 1)
	go func() {
		log.Infof("Prometheus listening: %v", d.cfg.ListenAddress)
		httpPrometheusErrCh <- httpPrometheusServer.ListenAndServe()
	}()
	defer func() {
		if err := httpPrometheusServer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Errorf("http prometheus server exit: %v", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-httpPrometheusErrCh:
		return err
	}

	log.Infof("deucalion service clean shutdown")

	return err
}

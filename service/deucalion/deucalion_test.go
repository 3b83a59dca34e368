// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package deucalion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/prometheus/client_golang/prometheus"
)

func waitForServer(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			return resp
		}
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			t.Fatal(err)
		}
		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func TestDeucalion(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	port, err := freeport.GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	addr := fmt.Sprintf("localhost:%d", port)

	d, err := New(&Config{ListenAddress: addr})
	if err != nil {
		t.Fatal(err)
	}

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "deucalion_test",
		Name:      "things_total",
		Help:      "Things.",
	})
	counter.Add(3)

	health := func(context.Context) (bool, any, error) {
		return false, map[string]string{"state": "syncing"}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx, []prometheus.Collector{counter}, health)
	}()

	resp := waitForServer(t, ctx, "http://"+addr+"/metrics")
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "deucalion_test_things_total 3") {
		t.Fatalf("counter not exported:\n%s", body)
	}

	resp = waitForServer(t, ctx, "http://"+addr+"/health")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health status %v", resp.StatusCode)
	}
	var data map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatal(err)
	}
	if data["state"] != "syncing" {
		t.Fatalf("unexpected health data %v", data)
	}

	if !d.Running() {
		t.Fatal("expected running")
	}
	if err := d.Run(ctx, nil, nil); err == nil {
		t.Fatal("expected already running error")
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func TestDeucalionNoAddress(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Run(t.Context(), nil, nil); err == nil {
		t.Fatal("expected error without listen address")
	}
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package testutil contains fixtures shared by the bdm tests.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/phayes/freeport"
)

// EnsureCanConnectWS attempts to connect to a WebSocket URL with backoff
// until successful or timeout is reached.
func EnsureCanConnectWS(t testing.TB, url string, timeout time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if testing.Verbose() {
		t.Logf("connecting to %s", url)
	}

	backoff := 50 * time.Millisecond
	for {
		c, _, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			c.CloseNow()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// GetFreePort returns a free TCP port as string.
func GetFreePort() string {
	port, err := freeport.GetFreePort()
	if err != nil {
		panic(err)
	}
	return strconv.Itoa(port)
}

// CreateAddress returns a localhost address with a free port.
func CreateAddress() string {
	return fmt.Sprintf("localhost:%s", GetFreePort())
}

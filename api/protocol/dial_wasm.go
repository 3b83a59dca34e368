// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

//go:build js && wasm

package protocol

import "github.com/coder/websocket"

// HTTP headers cannot be set from the browser WebSocket API.
func newDialOptions(_ ConnOptions) *websocket.DialOptions {
	return nil
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"strings"
)

// FillOutBytes returns prefix padded with underscores to size bytes.
func FillOutBytes(prefix string, size int) []byte {
	var buffer bytes.Buffer
	buffer.WriteString(prefix)
	if size > len(prefix) {
		buffer.WriteString(strings.Repeat("_", size-len(prefix)))
	}
	return buffer.Bytes()[:size]
}

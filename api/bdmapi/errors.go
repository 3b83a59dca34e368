// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdmapi

import "fmt"

// Error codes carried in error responses.
const (
	ErrCodeDecode        = 1 // Malformed request
	ErrCodeUnknownMethod = 2
	ErrCodeRequest       = 3 // Invalid arguments or state
	ErrCodeInternal      = 4
	ErrCodeConflict      = 5 // Unconfirmed transaction conflict
	ErrCodeDuplicate     = 6
	ErrCodeSession       = 7 // Unknown session or wrong session state
)

// ProtocolDecodeError is returned when a frame or an argument list cannot
// be decoded.
type ProtocolDecodeError string

func (e ProtocolDecodeError) Error() string {
	return "protocol decode: " + string(e)
}

func (e ProtocolDecodeError) Is(target error) bool {
	_, ok := target.(ProtocolDecodeError)
	return ok
}

func decodeErrorf(format string, args ...any) error {
	return ProtocolDecodeError(fmt.Sprintf(format, args...))
}

// UnknownMethodError is returned for a well formed request naming a method
// that does not exist.
type UnknownMethodError string

func (e UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown method: %v", string(e))
}

func (e UnknownMethodError) Is(target error) bool {
	_, ok := target.(UnknownMethodError)
	return ok
}

var (
	ErrProtocolDecode = ProtocolDecodeError("")
	ErrUnknownMethod  = UnknownMethodError("")
)

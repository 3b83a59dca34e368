// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/database/bdmd"
)

// MalformedBlockError is returned for a block that does not parse or whose
// transactions do not match its header. Only that block is rejected.
type MalformedBlockError struct {
	Hash   *chainhash.Hash // nil when the block did not parse
	Reason string
}

func (e MalformedBlockError) Error() string {
	if e.Hash == nil {
		return fmt.Sprintf("malformed block: %v", e.Reason)
	}
	return fmt.Sprintf("malformed block %v: %v", e.Hash, e.Reason)
}

func (e MalformedBlockError) Is(target error) bool {
	_, ok := target.(MalformedBlockError)
	return ok
}

// ReorgDepthExceededError is returned when a heavier branch forks off
// further back than the configured maximum. Ingestion halts.
type ReorgDepthExceededError struct {
	Tip    chainhash.Hash
	Branch chainhash.Hash
	Max    uint64
}

func (e ReorgDepthExceededError) Error() string {
	return fmt.Sprintf("reorg from %v to %v exceeds depth %v", e.Tip,
		e.Branch, e.Max)
}

func (e ReorgDepthExceededError) Is(target error) bool {
	_, ok := target.(ReorgDepthExceededError)
	return ok
}

// ConflictError is returned when an unconfirmed transaction spends an
// output that is already spent, either by another unconfirmed transaction
// or by a confirmed one.
type ConflictError struct {
	TxID      chainhash.Hash
	Outpoint  bdmd.Outpoint
	With      chainhash.Hash // unconfirmed spender, zero when confirmed
	Confirmed bool
}

func (e ConflictError) Error() string {
	if e.Confirmed {
		return fmt.Sprintf("tx %v: %v already spent by confirmed tx",
			e.TxID, e.Outpoint)
	}
	return fmt.Sprintf("tx %v: %v already spent by %v", e.TxID,
		e.Outpoint, e.With)
}

func (e ConflictError) Is(target error) bool {
	_, ok := target.(ConflictError)
	return ok
}

// SessionError is returned when a command names an unknown session or is
// not valid in the session's state.
type SessionError struct {
	ID    string
	State bdmapi.SessionState
	Want  bdmapi.SessionState
}

func (e SessionError) Error() string {
	if e.State == bdmapi.StateUnregistered {
		return fmt.Sprintf("session %q not registered", e.ID)
	}
	return fmt.Sprintf("session %v is %v, want %v", e.ID, e.State, e.Want)
}

func (e SessionError) Is(target error) bool {
	_, ok := target.(SessionError)
	return ok
}

// requestError is a client error that is reported back verbatim.
type requestError string

func (e requestError) Error() string {
	return string(e)
}

func (e requestError) Is(target error) bool {
	_, ok := target.(requestError)
	return ok
}

var (
	ErrMalformedBlock     MalformedBlockError
	ErrReorgDepthExceeded ReorgDepthExceededError
	ErrConflict           ConflictError
	ErrSession            SessionError

	errRequest = requestError("")
)

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdmapi

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/bdm/api/protocol"
)

// values reads positional values. Trailing values sent by newer peers are
// ignored.
type values struct {
	v []Value
	i int
}

func (vs *values) next(name string) (Value, error) {
	if vs.i >= len(vs.v) {
		return nil, decodeErrorf("missing %v at position %v", name, vs.i)
	}
	v := vs.v[vs.i]
	vs.i++
	return v, nil
}

func (vs *values) blob(name string) ([]byte, error) {
	v, err := vs.next(name)
	if err != nil {
		return nil, err
	}
	b, ok := v.(Blob)
	if !ok {
		return nil, decodeErrorf("%v: want blob, got %T", name, v)
	}
	return b, nil
}

func (vs *values) uint(name string) (uint64, error) {
	v, err := vs.next(name)
	if err != nil {
		return 0, err
	}
	u, ok := v.(Uint)
	if !ok {
		return 0, decodeErrorf("%v: want uint, got %T", name, v)
	}
	return uint64(u), nil
}

func (vs *values) bool(name string) (bool, error) {
	u, err := vs.uint(name)
	if err != nil {
		return false, err
	}
	if u > 1 {
		return false, decodeErrorf("%v: want 0 or 1, got %v", name, u)
	}
	return u == 1, nil
}

func (vs *values) list(name string) (List, error) {
	v, err := vs.next(name)
	if err != nil {
		return nil, err
	}
	l, ok := v.(List)
	if !ok {
		return nil, decodeErrorf("%v: want list, got %T", name, v)
	}
	return l, nil
}

func (vs *values) hash(name string) (chainhash.Hash, error) {
	b, err := vs.blob(name)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return blobHash(name, b)
}

func blobHash(name string, b []byte) (chainhash.Hash, error) {
	h, err := chainhash.NewHash(b)
	if err != nil {
		return chainhash.Hash{}, decodeErrorf("%v: %v", name, err)
	}
	return *h, nil
}

func boolUint(b bool) Uint {
	if b {
		return 1
	}
	return 0
}

type RegisterSessionRequest struct {
	Magic []byte // network magic, little endian
}

func (*RegisterSessionRequest) Method() protocol.Command { return CmdRegisterSession }

func (r *RegisterSessionRequest) Values() []Value {
	return []Value{Blob(r.Magic)}
}

func (r *RegisterSessionRequest) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.Magic, err = vs.blob("magic")
	return err
}

type RegisterSessionResponse struct {
	SessionID string
}

func (*RegisterSessionResponse) Method() protocol.Command { return CmdRegisterSession }

func (r *RegisterSessionResponse) Values() []Value {
	return []Value{Blob(r.SessionID)}
}

func (r *RegisterSessionResponse) SetValues(v []Value) error {
	vs := &values{v: v}
	id, err := vs.blob("session")
	r.SessionID = string(id)
	return err
}

// empty is embedded by payloads without values.
type empty struct{}

func (empty) Values() []Value          { return []Value{} }
func (empty) SetValues(_ []Value) error { return nil }

type UnregisterSessionRequest struct{ empty }

func (*UnregisterSessionRequest) Method() protocol.Command { return CmdUnregisterSession }

type UnregisterSessionResponse struct{ empty }

func (*UnregisterSessionResponse) Method() protocol.Command { return CmdUnregisterSession }

type GoOnlineRequest struct{ empty }

func (*GoOnlineRequest) Method() protocol.Command { return CmdGoOnline }

type GoOnlineResponse struct{ empty }

func (*GoOnlineResponse) Method() protocol.Command { return CmdGoOnline }

type GroupKind uint64

const (
	GroupWallet  GroupKind = 0
	GroupLockbox GroupKind = 1 // multi address
)

func (k GroupKind) String() string {
	switch k {
	case GroupWallet:
		return "wallet"
	case GroupLockbox:
		return "lockbox"
	}
	return "unknown"
}

type RegisterWatchedAddressesRequest struct {
	GroupID []byte
	Scripts [][]byte // output scripts
	IsNew   bool
	Kind    GroupKind
}

func (*RegisterWatchedAddressesRequest) Method() protocol.Command {
	return CmdRegisterWatchedAddresses
}

func (r *RegisterWatchedAddressesRequest) Values() []Value {
	scripts := make(List, 0, len(r.Scripts))
	for _, s := range r.Scripts {
		scripts = append(scripts, Blob(s))
	}
	return []Value{Blob(r.GroupID), scripts, boolUint(r.IsNew), Uint(r.Kind)}
}

func (r *RegisterWatchedAddressesRequest) SetValues(v []Value) error {
	vs := &values{v: v}
	var err error
	if r.GroupID, err = vs.blob("group"); err != nil {
		return err
	}
	scripts, err := vs.list("scripts")
	if err != nil {
		return err
	}
	r.Scripts = make([][]byte, 0, len(scripts))
	for k, s := range scripts {
		b, ok := s.(Blob)
		if !ok {
			return decodeErrorf("scripts[%v]: want blob, got %T", k, s)
		}
		r.Scripts = append(r.Scripts, b)
	}
	if r.IsNew, err = vs.bool("new"); err != nil {
		return err
	}
	kind, err := vs.uint("kind")
	if err != nil {
		return err
	}
	if GroupKind(kind) != GroupWallet && GroupKind(kind) != GroupLockbox {
		return decodeErrorf("kind: invalid %v", kind)
	}
	r.Kind = GroupKind(kind)
	return nil
}

type RegisterWatchedAddressesResponse struct {
	New bool // Group was not registered before
}

func (*RegisterWatchedAddressesResponse) Method() protocol.Command {
	return CmdRegisterWatchedAddresses
}

func (r *RegisterWatchedAddressesResponse) Values() []Value {
	return []Value{boolUint(r.New)}
}

func (r *RegisterWatchedAddressesResponse) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.New, err = vs.bool("new")
	return err
}

type RegisterCallbackRequest struct{ empty }

func (*RegisterCallbackRequest) Method() protocol.Command { return CmdRegisterCallback }

type RegisterCallbackResponse struct{ empty }

func (*RegisterCallbackResponse) Method() protocol.Command { return CmdRegisterCallback }

type SubmitUnconfirmedTxRequest struct {
	Tx []byte
}

func (*SubmitUnconfirmedTxRequest) Method() protocol.Command { return CmdSubmitUnconfirmedTx }

func (r *SubmitUnconfirmedTxRequest) Values() []Value {
	return []Value{Blob(r.Tx)}
}

func (r *SubmitUnconfirmedTxRequest) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.Tx, err = vs.blob("tx")
	return err
}

type SubmitUnconfirmedTxResponse struct {
	SequenceKey uint64
}

func (*SubmitUnconfirmedTxResponse) Method() protocol.Command { return CmdSubmitUnconfirmedTx }

func (r *SubmitUnconfirmedTxResponse) Values() []Value {
	return []Value{Uint(r.SequenceKey)}
}

func (r *SubmitUnconfirmedTxResponse) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.SequenceKey, err = vs.uint("key")
	return err
}

type GetBalanceRequest struct {
	Script []byte
}

func (*GetBalanceRequest) Method() protocol.Command { return CmdGetBalance }

func (r *GetBalanceRequest) Values() []Value {
	return []Value{Blob(r.Script)}
}

func (r *GetBalanceRequest) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.Script, err = vs.blob("script")
	return err
}

// GetBalanceResponse reports the confirmed balance of a script and the sums
// of its unconfirmed receives and spends.
type GetBalanceResponse struct {
	Confirmed           uint64
	UnconfirmedReceived uint64
	UnconfirmedSpent    uint64
}

func (*GetBalanceResponse) Method() protocol.Command { return CmdGetBalance }

func (r *GetBalanceResponse) Values() []Value {
	return []Value{
		Uint(r.Confirmed),
		Uint(r.UnconfirmedReceived),
		Uint(r.UnconfirmedSpent),
	}
}

func (r *GetBalanceResponse) SetValues(v []Value) error {
	vs := &values{v: v}
	var err error
	if r.Confirmed, err = vs.uint("confirmed"); err != nil {
		return err
	}
	if r.UnconfirmedReceived, err = vs.uint("received"); err != nil {
		return err
	}
	r.UnconfirmedSpent, err = vs.uint("spent")
	return err
}

type GetHistoryRequest struct {
	Script []byte
}

func (*GetHistoryRequest) Method() protocol.Command { return CmdGetHistory }

func (r *GetHistoryRequest) Values() []Value {
	return []Value{Blob(r.Script)}
}

func (r *GetHistoryRequest) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.Script, err = vs.blob("script")
	return err
}

// HistoryEntry is one value change of a script. Unconfirmed entries have a
// zero Height and Index.
type HistoryEntry struct {
	TxID      chainhash.Hash
	Height    uint64
	Index     uint32
	Delta     int64
	Confirmed bool
}

func (e HistoryEntry) record() Record {
	delta, sign := e.Delta, uint64(0)
	if delta < 0 {
		delta, sign = -delta, 1
	}
	return Record{
		{"txid", Blob(e.TxID[:])},
		{"height", Uint(e.Height)},
		{"index", Uint(e.Index)},
		{"delta", Uint(uint64(delta))},
		{"sign", Uint(sign)},
		{"confirmed", boolUint(e.Confirmed)},
	}
}

func historyEntryFromValue(v Value) (e HistoryEntry, err error) {
	r, ok := v.(Record)
	if !ok {
		return e, decodeErrorf("history entry: want record, got %T", v)
	}
	txid, err := r.Blob("txid")
	if err != nil {
		return e, err
	}
	if e.TxID, err = blobHash("txid", txid); err != nil {
		return e, err
	}
	if e.Height, err = r.Uint("height"); err != nil {
		return e, err
	}
	index, err := r.Uint("index")
	if err != nil {
		return e, err
	}
	if index > 0xffffffff {
		return e, decodeErrorf("index: overflow %v", index)
	}
	e.Index = uint32(index)
	delta, err := r.Uint("delta")
	if err != nil {
		return e, err
	}
	if delta > 1<<63-1 {
		return e, decodeErrorf("delta: overflow %v", delta)
	}
	sign, err := r.Uint("sign")
	if err != nil {
		return e, err
	}
	e.Delta = int64(delta)
	if sign == 1 {
		e.Delta = -e.Delta
	}
	confirmed, err := r.Uint("confirmed")
	if err != nil {
		return e, err
	}
	e.Confirmed = confirmed == 1
	return e, nil
}

type GetHistoryResponse struct {
	Entries []HistoryEntry
}

func (*GetHistoryResponse) Method() protocol.Command { return CmdGetHistory }

func (r *GetHistoryResponse) Values() []Value {
	entries := make(List, 0, len(r.Entries))
	for _, e := range r.Entries {
		entries = append(entries, e.record())
	}
	return []Value{entries}
}

func (r *GetHistoryResponse) SetValues(v []Value) error {
	vs := &values{v: v}
	entries, err := vs.list("entries")
	if err != nil {
		return err
	}
	r.Entries = make([]HistoryEntry, 0, len(entries))
	for _, ev := range entries {
		e, err := historyEntryFromValue(ev)
		if err != nil {
			return err
		}
		r.Entries = append(r.Entries, e)
	}
	return nil
}

// GetStatusRequest acknowledges all signals up to and including AckSeq.
type GetStatusRequest struct {
	AckSeq uint64
}

func (*GetStatusRequest) Method() protocol.Command { return CmdGetStatus }

func (r *GetStatusRequest) Values() []Value {
	return []Value{Uint(r.AckSeq)}
}

func (r *GetStatusRequest) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.AckSeq, err = vs.uint("ack")
	return err
}

// Signal is a queued session notification.
type Signal struct {
	Seq  uint64
	Name string
}

func (s Signal) record() Record {
	return Record{{"seq", Uint(s.Seq)}, {"name", Blob(s.Name)}}
}

func signalsValue(signals []Signal) List {
	l := make(List, 0, len(signals))
	for _, s := range signals {
		l = append(l, s.record())
	}
	return l
}

func signalsFromList(l List) ([]Signal, error) {
	signals := make([]Signal, 0, len(l))
	for _, v := range l {
		r, ok := v.(Record)
		if !ok {
			return nil, decodeErrorf("signal: want record, got %T", v)
		}
		seq, err := r.Uint("seq")
		if err != nil {
			return nil, err
		}
		name, err := r.Blob("name")
		if err != nil {
			return nil, err
		}
		signals = append(signals, Signal{Seq: seq, Name: string(name)})
	}
	return signals, nil
}

type GetStatusResponse struct {
	State   SessionState
	Signals []Signal
}

func (*GetStatusResponse) Method() protocol.Command { return CmdGetStatus }

func (r *GetStatusResponse) Values() []Value {
	return []Value{Uint(r.State), signalsValue(r.Signals)}
}

func (r *GetStatusResponse) SetValues(v []Value) error {
	vs := &values{v: v}
	state, err := vs.uint("state")
	if err != nil {
		return err
	}
	r.State = SessionState(state)
	l, err := vs.list("signals")
	if err != nil {
		return err
	}
	r.Signals, err = signalsFromList(l)
	return err
}

// Has returns true if a signal called name is pending.
func (r *GetStatusResponse) Has(name string) bool {
	for _, s := range r.Signals {
		if s.Name == name {
			return true
		}
	}
	return false
}

type GetNewUnconfirmedKeyRequest struct{ empty }

func (*GetNewUnconfirmedKeyRequest) Method() protocol.Command { return CmdGetNewUnconfirmedKey }

type GetNewUnconfirmedKeyResponse struct {
	Key uint64
}

func (*GetNewUnconfirmedKeyResponse) Method() protocol.Command { return CmdGetNewUnconfirmedKey }

func (r *GetNewUnconfirmedKeyResponse) Values() []Value {
	return []Value{Uint(r.Key)}
}

func (r *GetNewUnconfirmedKeyResponse) SetValues(v []Value) (err error) {
	vs := &values{v: v}
	r.Key, err = vs.uint("key")
	return err
}

type GetTopBlockRequest struct{ empty }

func (*GetTopBlockRequest) Method() protocol.Command { return CmdGetTopBlock }

type GetTopBlockResponse struct {
	Height uint64
	Hash   chainhash.Hash
}

func (*GetTopBlockResponse) Method() protocol.Command { return CmdGetTopBlock }

func (r *GetTopBlockResponse) Values() []Value {
	return []Value{Uint(r.Height), Blob(r.Hash[:])}
}

func (r *GetTopBlockResponse) SetValues(v []Value) error {
	vs := &values{v: v}
	var err error
	if r.Height, err = vs.uint("height"); err != nil {
		return err
	}
	r.Hash, err = vs.hash("hash")
	return err
}

type PingRequest struct{ empty }

func (*PingRequest) Method() protocol.Command { return CmdPing }

type PingResponse struct {
	Timestamp int64
}

func (*PingResponse) Method() protocol.Command { return CmdPing }

func (r *PingResponse) Values() []Value {
	return []Value{Uint(uint64(r.Timestamp))}
}

func (r *PingResponse) SetValues(v []Value) error {
	vs := &values{v: v}
	ts, err := vs.uint("timestamp")
	r.Timestamp = int64(ts)
	return err
}

// SignalPush delivers queued signals to a session with a registered
// callback.
type SignalPush struct {
	Signals []Signal
}

func (*SignalPush) Method() protocol.Command { return CmdSignal }

func (r *SignalPush) Values() []Value {
	return []Value{signalsValue(r.Signals)}
}

func (r *SignalPush) SetValues(v []Value) error {
	vs := &values{v: v}
	l, err := vs.list("signals")
	if err != nil {
		return err
	}
	r.Signals, err = signalsFromList(l)
	return err
}

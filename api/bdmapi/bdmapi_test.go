// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdmapi

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"

	"github.com/hemilabs/bdm/api/protocol"
)

func TestValueEncoding(t *testing.T) {
	v := Record{
		{"a", Blob{}},
		{"b", Uint(1<<64 - 1)},
		{"c", List{Uint(0), Blob("x"), List{}, Record{}}},
		{"d", Record{{"nested", List{Record{{"z", Uint(7)}}}}}},
	}
	b := Encode(v)
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(got, Value(v)); len(diff) > 0 {
		t.Fatalf("unexpected diff: %v\n%v", diff, spew.Sdump(got))
	}

	// Known layout: tag, length, payload.
	if got := Encode(Uint(300)); !reflect.DeepEqual(got, []byte{tagUint, 2, 0xac, 0x02}) {
		t.Fatalf("uint encoding %x", got)
	}
	if got := Encode(Blob("ab")); !reflect.DeepEqual(got, []byte{tagBlob, 2, 'a', 'b'}) {
		t.Fatalf("blob encoding %x", got)
	}
}

func TestValueSkipUnknown(t *testing.T) {
	// A record carrying a field with an unknown tag decodes without it.
	var payload []byte
	payload = binary.AppendUvarint(payload, 1)
	payload = append(payload, 'a')
	payload = AppendValue(payload, Uint(1))
	payload = binary.AppendUvarint(payload, 6)
	payload = append(payload, "future"...)
	payload = append(payload, 0x7f, 3, 1, 2, 3)
	payload = binary.AppendUvarint(payload, 1)
	payload = append(payload, 'b')
	payload = AppendValue(payload, Blob("b"))

	frame := append([]byte{tagRecord}, binary.AppendUvarint(nil, uint64(len(payload)))...)
	frame = append(frame, payload...)

	v, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	want := Record{{"a", Uint(1)}, {"b", Blob("b")}}
	if diff := deep.Equal(v, Value(want)); len(diff) > 0 {
		t.Fatalf("unexpected diff: %v", diff)
	}

	// Unknown tags are not allowed in lists.
	list := []byte{tagList, 2, 0x7f, 0}
	if _, err := Decode(list); !errors.Is(err, ErrProtocolDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestValueDecodeErrors(t *testing.T) {
	deepList := Value(List{})
	for range MaxDepth + 1 {
		deepList = List{deepList}
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: []byte{}},
		{name: "short length", frame: []byte{tagBlob, 0x80}},
		{name: "short payload", frame: []byte{tagBlob, 3, 1, 2}},
		{name: "trailing", frame: []byte{tagBlob, 1, 1, 0}},
		{name: "bad uint", frame: []byte{tagUint, 2, 1, 2}},
		{name: "truncated list", frame: []byte{tagList, 2, tagBlob, 5}},
		{name: "bad field name", frame: []byte{tagRecord, 1, 9}},
		{name: "unknown top level", frame: []byte{0x7f, 0}},
		{name: "too deep", frame: Encode(deepList)},
		{name: "huge", frame: append([]byte{tagBlob}, binary.AppendUvarint(nil, MaxLength+1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			if !errors.Is(err, ErrProtocolDecode) {
				t.Fatalf("expected decode error, got %v", err)
			}
		})
	}
}

func TestContracts(t *testing.T) {
	for cmd, c := range contracts {
		for _, typ := range []reflect.Type{c.request, c.response} {
			if typ == nil {
				continue
			}
			p, ok := reflect.New(typ).Interface().(Payload)
			if !ok {
				t.Fatalf("%v: %v is not a payload", cmd, typ)
			}
			if p.Method() != cmd {
				t.Fatalf("%v: %v method %v", cmd, typ, p.Method())
			}
		}
	}
	if len(Commands()) != len(contracts) {
		t.Fatal("commands mismatch")
	}
}

func TestEnvelope(t *testing.T) {
	api := API()
	hash := chainhash.DoubleHashH([]byte("tx"))

	tests := []struct {
		name    string
		id      uint64
		payload any
	}{
		{
			name: "register watched addresses",
			id:   1,
			payload: &Request{
				Session: "0011",
				Args: &RegisterWatchedAddressesRequest{
					GroupID: []byte("wallet"),
					Scripts: [][]byte{{1}, {2, 3}},
					IsNew:   true,
					Kind:    GroupLockbox,
				},
			},
		},
		{
			name: "history",
			id:   2,
			payload: &Response{
				Method: CmdGetHistory,
				Values: &GetHistoryResponse{Entries: []HistoryEntry{
					{TxID: hash, Height: 5, Index: 1, Delta: -50, Confirmed: true},
					{TxID: hash, Delta: 20},
				}},
			},
		},
		{
			name: "status",
			id:   3,
			payload: &Response{
				Method: CmdGetStatus,
				Values: &GetStatusResponse{State: StateReady, Signals: []Signal{
					{Seq: 1, Name: SignalReady},
					{Seq: 2, Name: SignalNewBlock},
				}},
			},
		},
		{
			name: "error",
			id:   4,
			payload: &Response{
				Method: CmdSubmitUnconfirmedTx,
				Error:  protocol.RequestErrorf(ErrCodeConflict, "conflict"),
			},
		},
		{
			name: "push",
			id:   0,
			payload: &Response{
				Method: CmdSignal,
				Values: &SignalPush{Signals: []Signal{{Seq: 9, Name: SignalRefreshNeeded}}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := api.Marshal(tt.id, tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			cmd, id, payload, err := api.Unmarshal(frame)
			if err != nil {
				t.Fatal(err)
			}
			if id != tt.id {
				t.Fatalf("id %v, want %v", id, tt.id)
			}
			var wantCmd protocol.Command
			switch p := tt.payload.(type) {
			case *Request:
				wantCmd = p.Args.Method()
			case *Response:
				wantCmd = p.method()
			}
			if cmd != wantCmd {
				t.Fatalf("command %v, want %v", cmd, wantCmd)
			}
			if diff := deep.Equal(payload, tt.payload); len(diff) > 0 {
				t.Fatalf("unexpected diff: %v\n%v", diff, spew.Sdump(payload))
			}
		})
	}
}

func TestEnvelopeErrors(t *testing.T) {
	api := API()

	// Unknown method, id recovered.
	frame := Encode(Record{
		{"type", Uint(envelopeRequest)},
		{"id", Uint(7)},
		{"method", Blob("getFoo")},
		{"args", List{}},
	})
	cmd, id, _, err := api.Unmarshal(frame)
	if !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected unknown method, got %v", err)
	}
	if cmd != "getFoo" || id != 7 {
		t.Fatalf("got %v %v", cmd, id)
	}

	// Bad argument type, id recovered.
	frame = Encode(Record{
		{"type", Uint(envelopeRequest)},
		{"id", Uint(8)},
		{"method", Blob(CmdGetBalance)},
		{"args", List{Uint(1)}},
	})
	_, id, _, err = api.Unmarshal(frame)
	if !errors.Is(err, ErrProtocolDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if id != 8 {
		t.Fatalf("id %v", id)
	}

	// Missing argument.
	frame = Encode(Record{
		{"type", Uint(envelopeRequest)},
		{"id", Uint(9)},
		{"method", Blob(CmdGetStatus)},
		{"args", List{}},
	})
	if _, _, _, err = api.Unmarshal(frame); !errors.Is(err, ErrProtocolDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}

	// Trailing arguments from a newer client are ignored.
	frame = Encode(Record{
		{"type", Uint(envelopeRequest)},
		{"id", Uint(10)},
		{"method", Blob(CmdGetStatus)},
		{"args", List{Uint(3), Blob("new")}},
		{"future", Uint(1)},
	})
	_, _, payload, err := api.Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if ack := payload.(*Request).Args.(*GetStatusRequest).AckSeq; ack != 3 {
		t.Fatalf("ack %v", ack)
	}

	// Not a record.
	if _, _, _, err = api.Unmarshal(Encode(Uint(1))); !errors.Is(err, ErrProtocolDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}

	// Pushes cannot be requested.
	frame = Encode(Record{
		{"type", Uint(envelopeRequest)},
		{"id", Uint(11)},
		{"method", Blob(CmdSignal)},
		{"args", List{}},
	})
	if _, _, _, err = api.Unmarshal(frame); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected unknown method, got %v", err)
	}

	if _, err := api.Marshal(1, "garbage"); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("expected invalid command, got %v", err)
	}
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package bdmapi describes the block data manager command protocol.
//
// Every frame is a single Record value. Requests carry a method name, an
// optional session id and an ordered argument list; responses carry the
// method name and either an ordered value list or an error record.
// Responses to requests echo the request id; pushes use id 0.
package bdmapi

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hemilabs/bdm/api/protocol"
)

const (
	APIVersion = 1

	CmdRegisterSession          = "registerSession"
	CmdUnregisterSession        = "unregisterSession"
	CmdGoOnline                 = "goOnline"
	CmdRegisterWatchedAddresses = "registerWatchedAddresses"
	CmdRegisterCallback         = "registerCallback"
	CmdSubmitUnconfirmedTx      = "submitUnconfirmedTx"
	CmdGetBalance               = "getBalance"
	CmdGetHistory               = "getHistory"
	CmdGetStatus                = "getStatus"
	CmdGetNewUnconfirmedKey     = "getNewUnconfirmedKey"
	CmdGetTopBlock              = "getTopBlock"
	CmdPing                     = "ping"

	// CmdSignal is pushed by the server to sessions that registered a
	// callback.
	CmdSignal = "signal"

	// CmdError answers a frame whose method could not be determined.
	CmdError = "error"
)

var (
	APIVersionRoute = fmt.Sprintf("v%d", APIVersion)
	RouteWebsocket  = fmt.Sprintf("/%s/ws", APIVersionRoute)

	DefaultListen = "localhost:8089"
	DefaultURL    = fmt.Sprintf("ws://%s%s", DefaultListen, RouteWebsocket)
)

// Signal names.
const (
	SignalReady            = "BDM_Ready"
	SignalNewBlock         = "NewBlock"
	SignalNewUnconfirmedTx = "NewUnconfirmedTx"
	SignalRefreshNeeded    = "RefreshNeeded"
)

type SessionState uint64

const (
	StateUnregistered SessionState = 0
	StateRegistered   SessionState = 1
	StateOnline       SessionState = 2
	StateReady        SessionState = 3
)

var stateStrings = map[SessionState]string{
	StateUnregistered: "unregistered",
	StateRegistered:   "registered",
	StateOnline:       "online",
	StateReady:        "ready",
}

func (s SessionState) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown(%d)", uint64(s))
}

// Payload is the typed argument list of a request or the typed value list
// of a response.
type Payload interface {
	Method() protocol.Command
	Values() []Value
	SetValues(values []Value) error
}

// Request is a method call. Session is empty for calls that are not bound
// to a session.
type Request struct {
	Session string
	Args    Payload
}

// Response answers a request. When Error is set Values may be nil and
// Method names the failed method.
type Response struct {
	Method protocol.Command
	Values Payload
	Error  *protocol.Error
}

func (r *Response) method() protocol.Command {
	if r.Values != nil {
		return r.Values.Method()
	}
	return r.Method
}

type contract struct {
	request  reflect.Type
	response reflect.Type
}

var contracts = map[protocol.Command]contract{
	CmdRegisterSession:          {reflect.TypeOf(RegisterSessionRequest{}), reflect.TypeOf(RegisterSessionResponse{})},
	CmdUnregisterSession:        {reflect.TypeOf(UnregisterSessionRequest{}), reflect.TypeOf(UnregisterSessionResponse{})},
	CmdGoOnline:                 {reflect.TypeOf(GoOnlineRequest{}), reflect.TypeOf(GoOnlineResponse{})},
	CmdRegisterWatchedAddresses: {reflect.TypeOf(RegisterWatchedAddressesRequest{}), reflect.TypeOf(RegisterWatchedAddressesResponse{})},
	CmdRegisterCallback:         {reflect.TypeOf(RegisterCallbackRequest{}), reflect.TypeOf(RegisterCallbackResponse{})},
	CmdSubmitUnconfirmedTx:      {reflect.TypeOf(SubmitUnconfirmedTxRequest{}), reflect.TypeOf(SubmitUnconfirmedTxResponse{})},
	CmdGetBalance:               {reflect.TypeOf(GetBalanceRequest{}), reflect.TypeOf(GetBalanceResponse{})},
	CmdGetHistory:               {reflect.TypeOf(GetHistoryRequest{}), reflect.TypeOf(GetHistoryResponse{})},
	CmdGetStatus:                {reflect.TypeOf(GetStatusRequest{}), reflect.TypeOf(GetStatusResponse{})},
	CmdGetNewUnconfirmedKey:     {reflect.TypeOf(GetNewUnconfirmedKeyRequest{}), reflect.TypeOf(GetNewUnconfirmedKeyResponse{})},
	CmdGetTopBlock:              {reflect.TypeOf(GetTopBlockRequest{}), reflect.TypeOf(GetTopBlockResponse{})},
	CmdPing:                     {reflect.TypeOf(PingRequest{}), reflect.TypeOf(PingResponse{})},
	CmdSignal:                   {nil, reflect.TypeOf(SignalPush{})},
	CmdError:                    {nil, nil},
}

// Commands returns the known methods.
func Commands() []protocol.Command {
	cmds := make([]protocol.Command, 0, len(contracts))
	for k := range contracts {
		cmds = append(cmds, k)
	}
	return cmds
}

const (
	envelopeRequest  = 1
	envelopeResponse = 2
)

type bdmAPI struct{}

var _ protocol.API = (*bdmAPI)(nil)

// API returns the protocol codec for bdm frames.
func API() protocol.API {
	return &bdmAPI{}
}

// Marshal encodes a *Request or *Response as a frame.
func (a *bdmAPI) Marshal(id uint64, payload any) ([]byte, error) {
	var r Record
	switch p := payload.(type) {
	case *Request:
		if p.Args == nil {
			return nil, protocol.ErrInvalidCommand
		}
		r = Record{
			{"type", Uint(envelopeRequest)},
			{"id", Uint(id)},
			{"method", Blob(p.Args.Method())},
		}
		if p.Session != "" {
			r = append(r, Field{"session", Blob(p.Session)})
		}
		r = append(r, Field{"args", List(p.Args.Values())})

	case *Response:
		method := p.method()
		if method == "" {
			return nil, protocol.ErrInvalidCommand
		}
		r = Record{
			{"type", Uint(envelopeResponse)},
			{"id", Uint(id)},
			{"method", Blob(method)},
		}
		if p.Values != nil {
			r = append(r, Field{"values", List(p.Values.Values())})
		}
		if p.Error != nil {
			r = append(r, Field{"error", encodeError(p.Error)})
		}

	default:
		return nil, fmt.Errorf("%w: %T", protocol.ErrInvalidCommand, payload)
	}
	return Encode(r), nil
}

// Unmarshal decodes a frame into a *Request or *Response. Decode failures
// return ProtocolDecodeError and unknown methods UnknownMethodError; the
// method and id are returned whenever they could be recovered so that the
// caller can answer the request.
func (a *bdmAPI) Unmarshal(frame []byte) (protocol.Command, uint64, any, error) {
	v, err := Decode(frame)
	if err != nil {
		return "", 0, nil, err
	}
	r, ok := v.(Record)
	if !ok {
		return "", 0, nil, decodeErrorf("envelope: want record, got %T", v)
	}
	id, err := r.Uint("id")
	if err != nil {
		return "", 0, nil, err
	}
	m, err := r.Blob("method")
	if err != nil {
		return "", id, nil, err
	}
	cmd := protocol.Command(m)
	typ, err := r.Uint("type")
	if err != nil {
		return cmd, id, nil, err
	}
	c, ok := contracts[cmd]
	if !ok {
		return cmd, id, nil, UnknownMethodError(cmd)
	}

	switch typ {
	case envelopeRequest:
		if c.request == nil {
			return cmd, id, nil, UnknownMethodError(cmd)
		}
		req := &Request{}
		if s, ok := r.Get("session"); ok {
			sb, ok := s.(Blob)
			if !ok {
				return cmd, id, nil, decodeErrorf("envelope: session: want blob, got %T", s)
			}
			req.Session = string(sb)
		}
		args, err := listField(r, "args")
		if err != nil {
			return cmd, id, nil, err
		}
		req.Args = reflect.New(c.request).Interface().(Payload)
		if err := req.Args.SetValues(args); err != nil {
			return cmd, id, nil, fmt.Errorf("%v: %w", cmd, err)
		}
		return cmd, id, req, nil

	case envelopeResponse:
		resp := &Response{Method: cmd}
		if ev, ok := r.Get("error"); ok {
			resp.Error, err = decodeError(ev)
			if err != nil {
				return cmd, id, nil, err
			}
		}
		if _, ok := r.Get("values"); ok {
			if c.response == nil {
				return cmd, id, nil, decodeErrorf("envelope: %v has no values", cmd)
			}
			values, err := listField(r, "values")
			if err != nil {
				return cmd, id, nil, err
			}
			resp.Values = reflect.New(c.response).Interface().(Payload)
			if err := resp.Values.SetValues(values); err != nil {
				return cmd, id, nil, fmt.Errorf("%v: %w", cmd, err)
			}
		} else if resp.Error == nil {
			return cmd, id, nil, decodeErrorf("envelope: no values or error")
		}
		return cmd, id, resp, nil
	}

	return cmd, id, nil, decodeErrorf("envelope: invalid type %v", typ)
}

func listField(r Record, name string) ([]Value, error) {
	v, ok := r.Get(name)
	if !ok {
		return nil, decodeErrorf("envelope: missing %v", name)
	}
	l, ok := v.(List)
	if !ok {
		return nil, decodeErrorf("envelope: %v: want list, got %T", name, v)
	}
	return l, nil
}

func encodeError(e *protocol.Error) Record {
	return Record{
		{"code", Uint(e.Code)},
		{"message", Blob(e.Message)},
		{"trace", Blob(e.Trace)},
		{"timestamp", Uint(uint64(e.Timestamp))},
	}
}

func decodeError(v Value) (*protocol.Error, error) {
	r, ok := v.(Record)
	if !ok {
		return nil, decodeErrorf("error: want record, got %T", v)
	}
	code, err := r.Uint("code")
	if err != nil {
		return nil, err
	}
	msg, err := r.Blob("message")
	if err != nil {
		return nil, err
	}
	e := &protocol.Error{Code: code, Message: string(msg)}
	// Optional fields
	if trace, err := r.Blob("trace"); err == nil {
		e.Trace = string(trace)
	}
	if ts, err := r.Uint("timestamp"); err == nil {
		e.Timestamp = int64(ts)
	}
	return e, nil
}

// Write is the low level primitive of a protocol Write. One should generally
// not use this function and use WriteConn and Call instead.
func Write(ctx context.Context, c protocol.APIConn, id uint64, payload any) error {
	return protocol.Write(ctx, c, API(), id, payload)
}

// Read is the low level primitive of a protocol Read. One should generally
// not use this function and use ReadConn instead.
func Read(ctx context.Context, c protocol.APIConn) (protocol.Command, uint64, any, error) {
	return protocol.Read(ctx, c, API())
}

// Call is a blocking call. One should use ReadConn when using Call or else
// the completion will end up in the Read instead of being completed as
// expected.
func Call(ctx context.Context, c *protocol.Conn, payload any) (protocol.Command, uint64, any, error) {
	return c.Call(ctx, API(), payload)
}

// WriteConn writes to Conn. It is equivalent to Write but exists for symmetry
// reasons.
func WriteConn(ctx context.Context, c *protocol.Conn, id uint64, payload any) error {
	return c.Write(ctx, API(), id, payload)
}

// ReadConn reads from Conn and performs callbacks. One should use ReadConn
// over Read when mixing Write, WriteConn and Call.
func ReadConn(ctx context.Context, c *protocol.Conn) (protocol.Command, uint64, any, error) {
	return c.Read(ctx, API())
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package protocol moves binary API frames over websockets.
package protocol

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/juju/loggo/v2"
)

var log = loggo.GetLogger("protocol")

const (
	logLevel           = "protocol=INFO"
	WSConnectTimeout   = 20 * time.Second
	WSHandshakeTimeout = 15 * time.Second
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// random returns a variable number of random bytes.
func random(n int) ([]byte, error) {
	buffer := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, buffer)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidFrame   = errors.New("invalid frame type")
)

// Command names the method a message belongs to.
type Command string

// API translates between payloads and binary frames. Identifier 0 marks an
// unsolicited message.
type API interface {
	Marshal(id uint64, payload any) ([]byte, error)
	Unmarshal(frame []byte) (Command, uint64, any, error)
}

// Read reads the next frame of c and decodes it with api.
func Read(ctx context.Context, c APIConn, api API) (Command, uint64, any, error) {
	frame, err := c.ReadFrame(ctx)
	if err != nil {
		return "", 0, nil, err
	}
	return api.Unmarshal(frame)
}

// Write encodes and sends a payload over the API connection.
func Write(ctx context.Context, c APIConn, api API, id uint64, payload any) error {
	frame, err := api.Marshal(id, payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(ctx, frame)
}

// APIConn provides an API connection.
type APIConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
}

// WSConn is the server side of a websocket API connection. Writes may be
// issued concurrently with reads and with each other.
type WSConn struct {
	conn *websocket.Conn
	wmtx sync.Mutex
}

func (wsc *WSConn) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, frame, err := wsc.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, ErrInvalidFrame
	}
	return frame, nil
}

func (wsc *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	wsc.wmtx.Lock()
	defer wsc.wmtx.Unlock()
	return wsc.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (wsc *WSConn) Close() error {
	return wsc.conn.Close(websocket.StatusNormalClosure, "")
}

func (wsc *WSConn) CloseStatus(code websocket.StatusCode, reason string) error {
	return wsc.conn.Close(code, reason)
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Error is a protocol error type that is used to provide additional error
// information between a server and client.
//
// A unique "trace" string may be embedded, which can be used to trace errors
// between a server and client.
type Error struct {
	Code      uint64
	Timestamp int64
	Trace     string
	Message   string
}

// Errorf returns a protocol Error type with an embedded trace.
func Errorf(msg string, args ...any) *Error {
	trace, _ := random(8)
	return &Error{
		Timestamp: time.Now().Unix(),
		Trace:     hex.EncodeToString(trace),
		Message:   fmt.Sprintf(msg, args...),
	}
}

// String pretty prints a protocol error.
func (e Error) String() string {
	if len(e.Trace) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%v [%v:%v]", e.Message, e.Trace, e.Timestamp)
}

func (e Error) Error() string {
	return e.String()
}

// RequestError wraps an error to create a protocol request error.
//
// Request errors are usually something caused by a client, e.g. validation or
// input errors, and therefore should not be logged server-side and do not
// contain an embedded trace.
func RequestError(code uint64, err error) *Error {
	return &Error{
		Code:      code,
		Timestamp: time.Now().Unix(),
		Message:   err.Error(),
	}
}

// RequestErrorf creates a new protocol request error.
func RequestErrorf(code uint64, msg string, args ...any) *Error {
	return &Error{
		Code:      code,
		Timestamp: time.Now().Unix(),
		Message:   fmt.Sprintf(msg, args...),
	}
}

// InternalError represents an internal application error.
//
// Internal errors are errors that occurred within the application and are not
// caused by a client (e.g. validation or input errors). The actual error
// message should not be sent to clients, as it is internal to the application,
// and may be server-operator specific.
type InternalError struct {
	protocol *Error
	internal error
}

// ProtocolError returns the protocol error representation.
// This error is intended to be sent to clients.
func (ie InternalError) ProtocolError() *Error {
	return ie.protocol
}

// Error satisfies the error interface.
func (ie InternalError) Error() string {
	if ie.internal != nil {
		return fmt.Sprintf("%v [%v:%v]", ie.internal.Error(),
			ie.protocol.Timestamp, ie.protocol.Trace)
	}
	return ie.protocol.String()
}

// Unwrap returns the error wrapped by this internal error.
func (ie InternalError) Unwrap() error {
	return ie.internal
}

// NewInternalError returns an InternalError wrapping the given error.
func NewInternalError(code uint64, err error) *InternalError {
	return NewInternalErrorf(code, "internal error: %w", err)
}

// NewInternalErrorf returns an InternalError constructed from the passed
// message and arguments.
func NewInternalErrorf(code uint64, msg string, args ...any) *InternalError {
	pe := Errorf("internal error")
	pe.Code = code
	return &InternalError{
		protocol: pe,
		internal: fmt.Errorf(msg, args...),
	}
}

// readResult is the result of a client side read.
type readResult struct {
	cmd     Command
	id      uint64
	payload any
	err     error
}

// Conn is a client side connection.
type Conn struct {
	sync.RWMutex

	serverURL string
	opts      ConnOptions
	msgID     uint64

	wsc          *websocket.Conn
	wscReadLock  sync.Mutex
	wscWriteLock sync.Mutex

	calls map[uint64]chan *readResult
}

// ConnOptions are options available for a Conn.
type ConnOptions struct {
	// ReadLimit is the maximum number of bytes to read from the connection.
	// Defaults to defaultConnReadLimit.
	ReadLimit int64

	// Headers are the HTTP headers included in the WebSocket handshake request.
	Headers http.Header
}

// defaultConnReadLimit is the default connection read limit. Raw
// transactions and histories can be large.
const defaultConnReadLimit = 4 * (1 << 20) // 4 MiB

// NewConn returns a client side connection object.
func NewConn(urlStr string, opts *ConnOptions) (*Conn, error) {
	log.Tracef("NewConn: %v", urlStr)
	defer log.Tracef("NewConn exit: %v", urlStr)

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = new(ConnOptions)
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultConnReadLimit
	}

	ac := &Conn{
		serverURL: u.String(),
		opts:      *opts,
		calls:     make(map[uint64]chan *readResult),
		msgID:     1,
	}

	return ac, nil
}

// Connect dials the server and waits for its greeting frame.
func (ac *Conn) Connect(ctx context.Context) error {
	log.Tracef("Connect")
	defer log.Tracef("Connect exit")

	ac.Lock()
	defer ac.Unlock()
	if ac.wsc != nil {
		return nil
	}

	// Connection and handshake must complete in less than WSConnectTimeout.
	connectCtx, cancel := context.WithTimeout(ctx, WSConnectTimeout)
	defer cancel()

	log.Tracef("Connect: dialing %v", ac.serverURL)
	conn, _, err := websocket.Dial(connectCtx, ac.serverURL, newDialOptions(ac.opts))
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	conn.SetReadLimit(ac.opts.ReadLimit)
	defer func() {
		if ac.wsc == nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	handshakeCtx, cancel := context.WithTimeout(ctx, WSHandshakeTimeout)
	defer cancel()

	// The server always greets with a ping, the content is not relevant.
	if _, err := NewWSConn(conn).ReadFrame(handshakeCtx); err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			log.Errorf("unknown close error: %v", err)
			return err
		}
		log.Errorf("Connection to %v failed: %v", ac.serverURL, err)
		return err
	}

	log.Debugf("Connection established with %v", ac.serverURL)
	ac.wsc = conn

	return nil
}

// wsConn returns the underlying websocket connection.
func (ac *Conn) wsConn() *websocket.Conn {
	ac.RLock()
	defer ac.RUnlock()
	return ac.wsc
}

// conn (re)connects an existing websocket connection.
func (ac *Conn) conn(ctx context.Context) (*websocket.Conn, error) {
	wsc := ac.wsConn()
	if wsc != nil {
		return wsc, nil
	}
	if err := ac.Connect(ctx); err != nil {
		return nil, err
	}
	return ac.wsConn(), nil
}

// CloseStatus close the connection with the provided StatusCode.
func (ac *Conn) CloseStatus(code websocket.StatusCode, reason string) error {
	ac.Lock()
	defer ac.Unlock()
	if ac.wsc == nil {
		return nil
	}
	err := ac.wsc.Close(code, reason)
	ac.wsc = nil

	return err
}

func (ac *Conn) IsOnline() bool {
	ac.Lock()
	defer ac.Unlock()
	return ac.wsc != nil
}

// Close closes a websocket connection with normal status.
func (ac *Conn) Close() error {
	return ac.CloseStatus(websocket.StatusNormalClosure, "")
}

// ReadFrame returns the next binary frame.
func (ac *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := ac.conn(ctx)
	if err != nil {
		return nil, err
	}
	ac.wscReadLock.Lock()
	defer ac.wscReadLock.Unlock()
	typ, frame, err := conn.Read(ctx)
	if err != nil {
		ac.Close()
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, ErrInvalidFrame
	}
	return frame, nil
}

// WriteFrame writes a binary frame to the wire.
func (ac *Conn) WriteFrame(ctx context.Context, frame []byte) error {
	conn, err := ac.conn(ctx)
	if err != nil {
		return err
	}

	ac.wscWriteLock.Lock()
	defer ac.wscWriteLock.Unlock()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		ac.Close()
		return err
	}
	return nil
}

// read calls the underlying Read function and returns the command, id and
// decoded payload.
func (ac *Conn) read(ctx context.Context, api API) (Command, uint64, any, error) {
	return Read(ctx, ac, api)
}

// nextMsgID returns the next available message identifier. This identifier
// travels as part of the envelope with the command.
func (ac *Conn) nextMsgID() uint64 {
	ac.Lock()
	defer ac.Unlock()
	msgID := ac.msgID
	ac.msgID++
	if ac.msgID == 0 {
		ac.msgID++
	}
	return msgID
}

// Call is a blocking call that returns the command, id and decoded payload
// of the reply. A concurrent Read loop must be running to complete calls.
func (ac *Conn) Call(ctx context.Context, api API, payload any) (Command, uint64, any, error) {
	log.Tracef("Call: %T", payload)
	defer log.Tracef("Call exit: %T", payload)

	msgID := ac.nextMsgID()
	resultCh := make(chan *readResult, 1)

	ac.Lock()
	ac.calls[msgID] = resultCh
	ac.Unlock()

	defer func() {
		ac.Lock()
		delete(ac.calls, msgID)
		ac.Unlock()
	}()

	if err := ac.Write(ctx, api, msgID, payload); err != nil {
		return "", 0, nil, err
	}
	var result *readResult
	select {
	case <-ctx.Done():
		return "", 0, nil, ctx.Err()
	case result = <-resultCh:
	}

	if result.err == nil && result.payload == nil {
		result.err = errors.New("reply payload is nil")
	}

	return result.cmd, result.id, result.payload, result.err
}

// errorAll fails all outstanding commands in order to shutdown the websocket.
func (ac *Conn) errorAll(err error) {
	ac.RLock()
	defer ac.RUnlock()
	for _, call := range ac.calls {
		rr := &readResult{err: err}
		select {
		case call <- rr:
		default:
		}
	}
}

// Read reads and returns the next unsolicited message from the API
// connection. Replies to outstanding calls are delivered to their callers.
func (ac *Conn) Read(ctx context.Context, api API) (Command, uint64, any, error) {
	for {
		cmd, id, payload, err := ac.read(ctx, api)
		if id == 0 || err != nil {
			if err != nil {
				ac.errorAll(err)
			}
			return cmd, id, payload, err
		}
		ac.RLock()
		call, ok := ac.calls[id]
		ac.RUnlock()
		if !ok {
			return cmd, id, payload, err
		}
		rr := &readResult{cmd, id, payload, err}
		select {
		case call <- rr:
		default:
		}
	}
}

// Write encodes and sends a payload over the API connection.
func (ac *Conn) Write(ctx context.Context, api API, id uint64, payload any) error {
	return Write(ctx, ac, api, id, payload)
}

// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/davecgh/go-spew/spew"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/api/protocol"
	"github.com/hemilabs/bdm/database"
)

const pushQueueSize = 64

type bdmWs struct {
	wg     sync.WaitGroup
	addr   string
	conn   *protocol.WSConn
	pushCh chan bdmapi.Signal

	mtx   sync.Mutex
	bound map[string]*session // sessions pushing to this connection
}

// push queues sig for delivery. A full queue drops the signal; it stays
// pending in the session and is returned by the next status call.
func (ws *bdmWs) push(sig bdmapi.Signal) {
	select {
	case ws.pushCh <- sig:
	default:
		log.Debugf("push queue full %v: dropped %v", ws.addr, sig.Name)
	}
}

func (ws *bdmWs) bind(s *session) []bdmapi.Signal {
	ws.mtx.Lock()
	ws.bound[s.id] = s
	ws.mtx.Unlock()
	return s.bind(ws)
}

func (ws *bdmWs) unbindAll() {
	ws.mtx.Lock()
	defer ws.mtx.Unlock()
	for id, s := range ws.bound {
		s.unbind(ws)
		delete(ws.bound, id)
	}
}

func (s *Server) handleWebsocketPush(ctx context.Context, ws *bdmWs) {
	defer ws.wg.Done()

	log.Tracef("handleWebsocketPush: %v", ws.addr)
	defer log.Tracef("handleWebsocketPush exit: %v", ws.addr)

	for {
		var sig bdmapi.Signal
		select {
		case <-ctx.Done():
			return
		case sig = <-ws.pushCh:
		}

		// Coalesce whatever else is already queued into one frame.
		sigs := []bdmapi.Signal{sig}
	drain:
		for {
			select {
			case sig = <-ws.pushCh:
				sigs = append(sigs, sig)
			default:
				break drain
			}
		}

		push := &bdmapi.Response{Values: &bdmapi.SignalPush{Signals: sigs}}
		if err := bdmapi.Write(ctx, ws.conn, 0, push); err != nil {
			log.Debugf("handleWebsocketPush %v: %v", ws.addr, err)
			return
		}
	}
}

func (s *Server) handleWebsocketRead(ctx context.Context, ws *bdmWs) {
	defer ws.wg.Done()

	log.Tracef("handleWebsocketRead: %v", ws.addr)
	defer log.Tracef("handleWebsocketRead exit: %v", ws.addr)

	for {
		cmd, id, payload, err := bdmapi.Read(ctx, ws.conn)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) || ctx.Err() != nil {
				log.Tracef("handleWebsocketRead: %v", err)
				return
			}
			if !errors.Is(err, bdmapi.ErrProtocolDecode) &&
				!errors.Is(err, bdmapi.ErrUnknownMethod) &&
				!errors.Is(err, protocol.ErrInvalidFrame) {
				log.Errorf("handleWebsocketRead: %v", err)
				return
			}

			// Malformed input is answered and the connection lives on.
			if cmd == "" {
				cmd = bdmapi.CmdError
			}
			s.writeError(ctx, ws, id, cmd, err)
			continue
		}

		req, ok := payload.(*bdmapi.Request)
		if !ok {
			s.writeError(ctx, ws, id, cmd,
				requestError(fmt.Sprintf("unexpected %T", payload)))
			continue
		}
		s.handleRequest(ctx, ws, id, cmd, req)
	}
}

// handleRequest executes req to completion before the next frame is read so
// commands of a connection are applied in order.
func (s *Server) handleRequest(ctx context.Context, ws *bdmWs, id uint64, cmd protocol.Command, req *bdmapi.Request) {
	log.Tracef("handleRequest: %s: %s", ws.addr, cmd)
	defer log.Tracef("handleRequest exit: %s: %s", ws.addr, cmd)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.dispatch(ctx, ws, req)
	if err != nil {
		s.writeError(ctx, ws, id, cmd, err)
		return
	}

	log.Tracef("Responding to %s request with %v", cmd, spew.Sdump(res))

	if err = bdmapi.Write(ctx, ws.conn, id, &bdmapi.Response{Values: res}); err != nil {
		log.Errorf("Failed to handle %s request for %s: protocol write failed: %v",
			cmd, ws.addr, err)
		return
	}

	// Request processed successfully
	s.cmdsProcessed.Inc()
}

func (s *Server) writeError(ctx context.Context, ws *bdmWs, id uint64, cmd protocol.Command, err error) {
	res := &bdmapi.Response{Method: cmd, Error: s.protocolError(ws, cmd, err)}
	if err := bdmapi.Write(ctx, ws.conn, id, res); err != nil {
		log.Errorf("Failed to write %s error for %s: %v", cmd, ws.addr, err)
	}
}

// protocolError maps err to the error record sent to the client. Errors
// that are not the client's fault are logged and hidden behind a trace.
func (s *Server) protocolError(ws *bdmWs, cmd protocol.Command, err error) *protocol.Error {
	var code uint64
	switch {
	case errors.Is(err, ErrConflict):
		code = bdmapi.ErrCodeConflict
	case errors.Is(err, database.ErrDuplicate):
		code = bdmapi.ErrCodeDuplicate
	case errors.Is(err, ErrSession):
		code = bdmapi.ErrCodeSession
	case errors.Is(err, bdmapi.ErrProtocolDecode),
		errors.Is(err, protocol.ErrInvalidFrame):
		code = bdmapi.ErrCodeDecode
	case errors.Is(err, bdmapi.ErrUnknownMethod):
		code = bdmapi.ErrCodeUnknownMethod
	case errors.Is(err, errRequest):
		code = bdmapi.ErrCodeRequest
	default:
		ie := protocol.NewInternalError(bdmapi.ErrCodeInternal, err)
		log.Errorf("Failed to handle %s request for %s: %v", cmd, ws.addr, ie)
		return ie.ProtocolError()
	}
	log.Debugf("%s request for %s: %v", cmd, ws.addr, err)
	return protocol.RequestError(code, err)
}

func (s *Server) dispatch(ctx context.Context, ws *bdmWs, req *bdmapi.Request) (bdmapi.Payload, error) {
	switch args := req.Args.(type) {
	case *bdmapi.PingRequest:
		return &bdmapi.PingResponse{Timestamp: time.Now().Unix()}, nil
	case *bdmapi.RegisterSessionRequest:
		return s.handleRegisterSession(args)
	}

	ss, err := s.sessions.get(req.Session)
	if err != nil {
		return nil, err
	}

	switch args := req.Args.(type) {
	case *bdmapi.UnregisterSessionRequest:
		if err := s.sessions.unregister(ss.id); err != nil {
			return nil, err
		}
		return &bdmapi.UnregisterSessionResponse{}, nil

	case *bdmapi.GoOnlineRequest:
		if err := ss.goOnline(ctx); err != nil {
			return nil, err
		}
		return &bdmapi.GoOnlineResponse{}, nil

	case *bdmapi.RegisterWatchedAddressesRequest:
		if len(args.GroupID) == 0 {
			return nil, requestError("empty group id")
		}
		isNew, err := ss.registerWatched(args.GroupID, args.Scripts,
			args.IsNew, args.Kind)
		if err != nil {
			return nil, err
		}
		return &bdmapi.RegisterWatchedAddressesResponse{New: isNew}, nil

	case *bdmapi.RegisterCallbackRequest:
		for _, sig := range ws.bind(ss) {
			ws.push(sig)
		}
		return &bdmapi.RegisterCallbackResponse{}, nil

	case *bdmapi.SubmitUnconfirmedTxRequest:
		key, err := s.SubmitTx(ctx, args.Tx)
		if err != nil {
			return nil, err
		}
		return &bdmapi.SubmitUnconfirmedTxResponse{SequenceKey: key}, nil

	case *bdmapi.GetBalanceRequest:
		return s.Balance(ctx, args.Script)

	case *bdmapi.GetHistoryRequest:
		entries, err := s.History(ctx, args.Script)
		if err != nil {
			return nil, err
		}
		return &bdmapi.GetHistoryResponse{Entries: entries}, nil

	case *bdmapi.GetStatusRequest:
		state, sigs := ss.status(args.AckSeq)
		return &bdmapi.GetStatusResponse{State: state, Signals: sigs}, nil

	case *bdmapi.GetNewUnconfirmedKeyRequest:
		return &bdmapi.GetNewUnconfirmedKeyResponse{
			Key: s.NewUnconfirmedKey(),
		}, nil

	case *bdmapi.GetTopBlockRequest:
		height, hash, err := s.TopBlock(ctx)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, requestError("no blocks")
			}
			return nil, err
		}
		return &bdmapi.GetTopBlockResponse{Height: height, Hash: *hash}, nil
	}

	return nil, requestError(fmt.Sprintf("unhandled method %v", req.Args.Method()))
}

func (s *Server) handleRegisterSession(req *bdmapi.RegisterSessionRequest) (bdmapi.Payload, error) {
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], uint32(s.params.Net))
	if !bytes.Equal(req.Magic, magic[:]) {
		return nil, requestError(fmt.Sprintf("invalid magic %x, want %x",
			req.Magic, magic))
	}
	ss, err := s.sessions.register()
	if err != nil {
		return nil, err
	}
	return &bdmapi.RegisterSessionResponse{SessionID: ss.id}, nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	log.Tracef("handleWebsocket: %v", r.RemoteAddr)
	defer log.Tracef("handleWebsocket exit: %v", r.RemoteAddr)

	if !s.connAdd() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.connDone()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Errorf("Failed to accept websocket connection for %s: %v",
			r.RemoteAddr, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "") // Force close connection

	ws := &bdmWs{
		addr:   r.RemoteAddr,
		conn:   protocol.NewWSConn(conn),
		pushCh: make(chan bdmapi.Signal, pushQueueSize),
		bound:  make(map[string]*session),
	}
	defer ws.unbindAll()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Always ping, required by protocol.
	ping := &bdmapi.Response{
		Values: &bdmapi.PingResponse{Timestamp: time.Now().Unix()},
	}
	if err = bdmapi.Write(ctx, ws.conn, 0, ping); err != nil {
		log.Errorf("Write ping: %v", err)
		return
	}

	ws.wg.Add(2)
	go func() {
		s.handleWebsocketRead(ctx, ws)
		cancel()
	}()
	go s.handleWebsocketPush(ctx, ws)

	log.Infof("Connection from %v (%v)", r.RemoteAddr, r.UserAgent())

	// Wait for termination
	ws.wg.Wait()

	log.Infof("Connection terminated from %v", r.RemoteAddr)
}

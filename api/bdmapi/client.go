// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdmapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo/v2"
	"github.com/sethvargo/go-retry"

	"github.com/hemilabs/bdm/api/protocol"
	"github.com/hemilabs/bdm/version"
)

const logLevel = "bdmapi=INFO"

var log = loggo.GetLogger("bdmapi")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

var (
	ErrNoSession = errors.New("no session")

	ErrSignalNotPending = errors.New("signal not pending")
)

// Client is a session bound bdm client. Run must be running for calls to
// complete.
type Client struct {
	conn *protocol.Conn

	mtx     sync.Mutex
	session string
	pushed  []Signal // signals received by push, not yet acknowledged
	acked   uint64
}

func NewClient(url string) (*Client, error) {
	conn, err := protocol.NewConn(url, &protocol.ConnOptions{
		Headers: http.Header{"User-Agent": []string{version.UserAgent()}},
	})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Connect dials the server.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run reads from the connection until the context is canceled or the
// connection fails. Pushed signals are retained until acknowledged.
func (c *Client) Run(ctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	for {
		cmd, _, payload, err := ReadConn(ctx, c.conn)
		if err != nil {
			return err
		}
		resp, ok := payload.(*Response)
		if !ok {
			log.Debugf("unexpected message %v: %T", cmd, payload)
			continue
		}
		switch cmd {
		case CmdSignal:
			sp, ok := resp.Values.(*SignalPush)
			if !ok {
				continue
			}
			c.mtx.Lock()
			for _, s := range sp.Signals {
				if s.Seq > c.acked {
					c.pushed = append(c.pushed, s)
				}
			}
			c.mtx.Unlock()
		case CmdPing:
		default:
			if resp.Error != nil {
				log.Errorf("unsolicited error %v: %v", cmd, resp.Error)
			}
		}
	}
}

// Session returns the registered session id.
func (c *Client) Session() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.session
}

func (c *Client) call(ctx context.Context, args Payload) (Payload, error) {
	req := &Request{Args: args}
	if args.Method() != CmdRegisterSession && args.Method() != CmdPing {
		req.Session = c.Session()
		if req.Session == "" {
			return nil, ErrNoSession
		}
	}
	_, _, payload, err := Call(ctx, c.conn, req)
	if err != nil {
		return nil, err
	}
	resp, ok := payload.(*Response)
	if !ok {
		return nil, fmt.Errorf("%v: unexpected reply %T", args.Method(), payload)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if resp.Values == nil || resp.Values.Method() != args.Method() {
		return nil, fmt.Errorf("%v: mismatched reply %v", args.Method(),
			resp.Method)
	}
	return resp.Values, nil
}

func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	p, err := c.call(ctx, &PingRequest{})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(p.(*PingResponse).Timestamp, 0), nil
}

// RegisterSession creates a session for magic and binds the client to it.
func (c *Client) RegisterSession(ctx context.Context, magic []byte) (string, error) {
	p, err := c.call(ctx, &RegisterSessionRequest{Magic: magic})
	if err != nil {
		return "", err
	}
	c.mtx.Lock()
	c.session = p.(*RegisterSessionResponse).SessionID
	c.pushed = nil
	c.acked = 0
	c.mtx.Unlock()
	return c.Session(), nil
}

func (c *Client) UnregisterSession(ctx context.Context) error {
	if _, err := c.call(ctx, &UnregisterSessionRequest{}); err != nil {
		return err
	}
	c.mtx.Lock()
	c.session = ""
	c.mtx.Unlock()
	return nil
}

func (c *Client) GoOnline(ctx context.Context) error {
	_, err := c.call(ctx, &GoOnlineRequest{})
	return err
}

func (c *Client) RegisterWatchedAddresses(ctx context.Context, group []byte, scripts [][]byte, isNew bool, kind GroupKind) (bool, error) {
	p, err := c.call(ctx, &RegisterWatchedAddressesRequest{
		GroupID: group,
		Scripts: scripts,
		IsNew:   isNew,
		Kind:    kind,
	})
	if err != nil {
		return false, err
	}
	return p.(*RegisterWatchedAddressesResponse).New, nil
}

func (c *Client) RegisterCallback(ctx context.Context) error {
	_, err := c.call(ctx, &RegisterCallbackRequest{})
	return err
}

func (c *Client) SubmitUnconfirmedTx(ctx context.Context, tx []byte) (uint64, error) {
	p, err := c.call(ctx, &SubmitUnconfirmedTxRequest{Tx: tx})
	if err != nil {
		return 0, err
	}
	return p.(*SubmitUnconfirmedTxResponse).SequenceKey, nil
}

func (c *Client) Balance(ctx context.Context, script []byte) (*GetBalanceResponse, error) {
	p, err := c.call(ctx, &GetBalanceRequest{Script: script})
	if err != nil {
		return nil, err
	}
	return p.(*GetBalanceResponse), nil
}

func (c *Client) History(ctx context.Context, script []byte) ([]HistoryEntry, error) {
	p, err := c.call(ctx, &GetHistoryRequest{Script: script})
	if err != nil {
		return nil, err
	}
	return p.(*GetHistoryResponse).Entries, nil
}

func (c *Client) NewUnconfirmedKey(ctx context.Context) (uint64, error) {
	p, err := c.call(ctx, &GetNewUnconfirmedKeyRequest{})
	if err != nil {
		return 0, err
	}
	return p.(*GetNewUnconfirmedKeyResponse).Key, nil
}

func (c *Client) TopBlock(ctx context.Context) (uint64, *chainhash.Hash, error) {
	p, err := c.call(ctx, &GetTopBlockRequest{})
	if err != nil {
		return 0, nil, err
	}
	tb := p.(*GetTopBlockResponse)
	return tb.Height, &tb.Hash, nil
}

// Status returns the session state and the pending signals that were not
// acknowledged with Ack.
func (c *Client) Status(ctx context.Context) (*GetStatusResponse, error) {
	c.mtx.Lock()
	ack := c.acked
	c.mtx.Unlock()
	p, err := c.call(ctx, &GetStatusRequest{AckSeq: ack})
	if err != nil {
		return nil, err
	}
	return p.(*GetStatusResponse), nil
}

// Ack acknowledges all signals up to and including seq. The server drops
// them on the next status call.
func (c *Client) Ack(seq uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if seq <= c.acked {
		return
	}
	c.acked = seq
	pushed := c.pushed[:0]
	for _, s := range c.pushed {
		if s.Seq > seq {
			pushed = append(pushed, s)
		}
	}
	c.pushed = pushed
}

func (c *Client) pending(name string) (Signal, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, s := range c.pushed {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

// WaitOnSignal returns once signal name is pending. Pushed signals are
// consulted first; otherwise the server is polled at most polls times.
// Delivery is level triggered: a signal remains pending, and is returned
// again, until acknowledged.
func (c *Client) WaitOnSignal(ctx context.Context, name string, polls uint64) (Signal, error) {
	log.Tracef("WaitOnSignal %v", name)
	defer log.Tracef("WaitOnSignal %v exit", name)

	var found Signal
	backoff := retry.WithCappedDuration(time.Second,
		retry.WithMaxRetries(polls, retry.NewFibonacci(25*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if s, ok := c.pending(name); ok {
			found = s
			return nil
		}
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range status.Signals {
			if s.Name == name {
				found = s
				return nil
			}
		}
		return retry.RetryableError(ErrSignalNotPending)
	})
	if err != nil {
		return Signal{}, fmt.Errorf("wait on %v: %w", name, err)
	}
	return found, nil
}

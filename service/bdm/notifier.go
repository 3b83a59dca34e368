// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/database/bdmd"
)

type NotificationType string

const (
	NotificationTypeBlock         NotificationType = "block applied"
	NotificationTypeUnconfirmedTx NotificationType = "unconfirmed tx"
	NotificationTypeRefresh       NotificationType = "refresh needed"
)

var notificationSignals = map[NotificationType]string{
	NotificationTypeBlock:         bdmapi.SignalNewBlock,
	NotificationTypeUnconfirmedTx: bdmapi.SignalNewUnconfirmedTx,
	NotificationTypeRefresh:       bdmapi.SignalRefreshNeeded,
}

type Notification struct {
	Type      NotificationType
	ID        string
	Timestamp time.Time
	Scripts   []bdmd.ScriptHash // Scripts touched, nil means all
	Error     error
}

func (n Notification) Is(target Notification) bool {
	return n.Type == target.Type
}

func (n Notification) String() string {
	return fmt.Sprintf("[%v] %s %s", n.Timestamp, n.Type, n.ID)
}

// Signal returns the client signal name for n.
func (n Notification) Signal() string {
	return notificationSignals[n.Type]
}

func NotificationBlock(hash chainhash.Hash) Notification {
	return Notification{
		Type:      NotificationTypeBlock,
		ID:        hash.String(),
		Timestamp: time.Now(),
	}
}

func NotificationUnconfirmedTx(txid chainhash.Hash, scripts []bdmd.ScriptHash) Notification {
	return Notification{
		Type:      NotificationTypeUnconfirmedTx,
		ID:        txid.String(),
		Timestamp: time.Now(),
		Scripts:   scripts,
	}
}

func NotificationRefresh(reason string) Notification {
	return Notification{
		Type:      NotificationTypeRefresh,
		ID:        reason,
		Timestamp: time.Now(),
	}
}

type Notifier struct {
	mtx sync.Mutex

	listeners map[string]*Listener

	// If true, the notifier will block on new messages until the queue for
	// each listener's message channel is unblocked (i.e., read from).
	// This should only be TRUE for test purposes.
	blocking bool
}

type Listener struct {
	id string
	ch chan Notification

	listening atomic.Bool
	lagged    atomic.Bool // A notification was dropped

	ctx      context.Context
	callback func()
}

func (l *Listener) Unsubscribe() {
	l.callback()
}

// Lagged reports and clears whether notifications were dropped because the
// listener did not keep up.
func (l *Listener) Lagged() bool {
	return l.lagged.Swap(false)
}

// Listen blocks until either a message is received by the listener, or
// the passed context expires. Calling Listen from multiple goroutines
// is not safe and will result in a panic.
func (l *Listener) Listen(ctx context.Context) (Notification, error) {
	if !l.listening.CompareAndSwap(false, true) {
		panic("multiple goroutines listening simultaneously")
	}
	defer l.listening.Store(false)

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case msg := <-l.ch:
		return msg, nil
	}
}

func NewNotifier(blocking bool) *Notifier {
	n := Notifier{
		listeners: make(map[string]*Listener),
		blocking:  blocking,
	}
	return &n
}

func (n *Notifier) Subscribe(pctx context.Context, capacity uint64) (*Listener, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	var nid [16]byte
	for {
		if _, err := io.ReadFull(rand.Reader, nid[:]); err != nil {
			return nil, err
		}
		if _, ok := n.listeners[string(nid[:])]; !ok {
			lctx, cancel := context.WithCancel(pctx)
			l := Listener{
				ch:  make(chan Notification, capacity),
				id:  string(nid[:]),
				ctx: lctx,
			}
			l.callback = func() {
				// Mark listener for deletion even if we block
				// so we skip sending notifications to them
				cancel()

				n.mtx.Lock()
				defer n.mtx.Unlock()

				delete(n.listeners, string(nid[:]))
			}
			n.listeners[string(nid[:])] = &l
			return &l, nil
		}
	}
}

// Notify sends a notification to every listener. If the Notifier
// is blocking, it blocks until every listener can receive the
// notification. Otherwise listeners that are full are marked lagged.
func (n *Notifier) Notify(ctx context.Context, message Notification) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	for _, l := range n.listeners {
		select {
		case l.ch <- message:
			continue
		default:
		}
		if !n.blocking {
			l.lagged.Store(true)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l.ch <- message:
		case <-l.ctx.Done():
			// Unsubscribed while we waited.
		}
	}
	return nil
}

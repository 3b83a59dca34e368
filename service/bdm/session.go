// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/hemilabs/bdm/api/bdmapi"
	"github.com/hemilabs/bdm/database/bdmd"
)

const sessionListenerCapacity = 64

// sessionEngine is the part of the server a session needs to go online.
type sessionEngine interface {
	// Synced is closed once the initial scan completed.
	Synced() <-chan struct{}
	consistencyCheck(ctx context.Context) error
}

// signalSink receives signals as they are queued. push must not block.
type signalSink interface {
	push(sig bdmapi.Signal)
}

type watchGroup struct {
	kind    bdmapi.GroupKind
	scripts map[bdmd.ScriptHash]struct{}
}

// session is a client registration. It outlives websocket connections;
// signals are queued until the client acknowledges them so a reconnecting
// client misses nothing.
type session struct {
	mtx sync.Mutex

	id     string
	state  bdmapi.SessionState
	groups map[string]*watchGroup
	// Watched scripts over all groups, reference counted.
	scripts map[bdmd.ScriptHash]int

	queue []bdmapi.Signal // Pending, ordered by Seq
	seq   uint64
	wake  chan struct{} // Closed and replaced on enqueue
	sink  signalSink

	eng      sessionEngine
	listener *Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

func (s *session) State() bdmapi.SessionState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// enqueueLocked makes name pending. A signal that is already pending moves
// to the end with a new sequence number so that an acknowledgment of the
// older number does not clear it. Must be called with mtx held.
func (s *session) enqueueLocked(name string) {
	s.seq++
	sig := bdmapi.Signal{Seq: s.seq, Name: name}
	s.queue = slices.DeleteFunc(s.queue, func(q bdmapi.Signal) bool {
		return q.Name == name
	})
	s.queue = append(s.queue, sig)

	close(s.wake)
	s.wake = make(chan struct{})

	if s.sink != nil {
		s.sink.push(sig)
	}
}

func (s *session) enqueue(name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.enqueueLocked(name)
}

// deliver turns a notification into a signal. Nothing is delivered before
// the session is online.
func (s *session) deliver(n Notification) {
	name := n.Signal()
	if name == "" {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state < bdmapi.StateOnline {
		return
	}
	if n.Type == NotificationTypeUnconfirmedTx && n.Scripts != nil {
		var watched bool
		for _, sh := range n.Scripts {
			if _, ok := s.scripts[sh]; ok {
				watched = true
				break
			}
		}
		if !watched {
			return
		}
	}
	s.enqueueLocked(name)
}

func (s *session) pump() {
	log.Tracef("session pump %v", s.id)
	defer log.Tracef("session pump exit %v", s.id)

	for {
		n, err := s.listener.Listen(s.ctx)
		if err != nil {
			return
		}
		if s.listener.Lagged() {
			// Something was dropped, the client must resync.
			s.deliver(NotificationRefresh("lagged"))
		}
		s.deliver(n)
	}
}

// goOnline verifies the store and starts signal delivery. BDM_Ready is
// signaled once the initial scan is done.
func (s *session) goOnline(ctx context.Context) error {
	s.mtx.Lock()
	state := s.state
	s.mtx.Unlock()
	switch {
	case state < bdmapi.StateRegistered:
		return SessionError{ID: s.id, State: state, Want: bdmapi.StateRegistered}
	case state >= bdmapi.StateOnline:
		return nil
	}

	if err := s.eng.consistencyCheck(ctx); err != nil {
		return err
	}

	s.mtx.Lock()
	if s.state != bdmapi.StateRegistered {
		s.mtx.Unlock()
		return nil
	}
	s.state = bdmapi.StateOnline
	s.mtx.Unlock()

	go func() {
		select {
		case <-s.ctx.Done():
		case <-s.eng.Synced():
			s.ready()
		}
	}()
	return nil
}

func (s *session) ready() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != bdmapi.StateOnline {
		return
	}
	s.state = bdmapi.StateReady
	s.enqueueLocked(bdmapi.SignalReady)
	log.Debugf("session %v ready", s.id)
}

// registerWatched adds scripts to a group and reports whether the group is
// new. Adding scripts that may already have history to an online session
// signals RefreshNeeded.
func (s *session) registerWatched(groupID []byte, scripts [][]byte, isNew bool, kind bdmapi.GroupKind) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state < bdmapi.StateRegistered {
		return false, SessionError{ID: s.id, State: s.state, Want: bdmapi.StateRegistered}
	}

	g, ok := s.groups[string(groupID)]
	if !ok {
		g = &watchGroup{
			kind:    kind,
			scripts: make(map[bdmd.ScriptHash]struct{}, len(scripts)),
		}
		s.groups[string(groupID)] = g
	} else if g.kind != kind {
		return false, requestError(fmt.Sprintf("group %x is %v", groupID, g.kind))
	}

	var added int
	for _, script := range scripts {
		sh := bdmd.NewScriptHashFromScript(script)
		if _, ok := g.scripts[sh]; ok {
			continue
		}
		g.scripts[sh] = struct{}{}
		s.scripts[sh]++
		added++
	}
	if added > 0 && !isNew && s.state >= bdmapi.StateOnline {
		s.enqueueLocked(bdmapi.SignalRefreshNeeded)
	}
	return !ok, nil
}

func (s *session) watching(sh bdmd.ScriptHash) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.scripts[sh]
	return ok
}

// status acknowledges every signal up to and including ack and returns what
// is still pending.
func (s *session) status(ack uint64) (bdmapi.SessionState, []bdmapi.Signal) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.queue = slices.DeleteFunc(s.queue, func(q bdmapi.Signal) bool {
		return q.Seq <= ack
	})
	return s.state, slices.Clone(s.queue)
}

// Wait blocks until name is pending.
func (s *session) Wait(ctx context.Context, name string) (bdmapi.Signal, error) {
	for {
		s.mtx.Lock()
		for _, q := range s.queue {
			if q.Name == name {
				s.mtx.Unlock()
				return q, nil
			}
		}
		wake := s.wake
		s.mtx.Unlock()

		select {
		case <-ctx.Done():
			return bdmapi.Signal{}, ctx.Err()
		case <-s.ctx.Done():
			return bdmapi.Signal{}, SessionError{ID: s.id}
		case <-wake:
		}
	}
}

// bind routes signals to sink and returns what is already pending.
func (s *session) bind(sink signalSink) []bdmapi.Signal {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.sink = sink
	return slices.Clone(s.queue)
}

// unbind stops pushing to sink unless another sink has been bound since.
func (s *session) unbind(sink signalSink) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.sink == sink {
		s.sink = nil
	}
}

func (s *session) close() {
	s.mtx.Lock()
	s.state = bdmapi.StateUnregistered
	s.sink = nil
	s.mtx.Unlock()

	s.cancel()
	s.listener.Unsubscribe()
}

// sessions tracks registered sessions.
type sessions struct {
	mtx sync.Mutex
	wg  sync.WaitGroup

	ctx      context.Context
	eng      sessionEngine
	notifier *Notifier
	m        map[string]*session
}

func newSessions(ctx context.Context, eng sessionEngine, n *Notifier) *sessions {
	return &sessions{
		ctx:      ctx,
		eng:      eng,
		notifier: n,
		m:        make(map[string]*session),
	}
}

func (sm *sessions) register() (*session, error) {
	log.Tracef("register")
	defer log.Tracef("register exit")

	sctx, cancel := context.WithCancel(sm.ctx)
	l, err := sm.notifier.Subscribe(sctx, sessionListenerCapacity)
	if err != nil {
		cancel()
		return nil, err
	}

	sm.mtx.Lock()
	defer sm.mtx.Unlock()

	var id [16]byte
	for {
		if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
			cancel()
			l.Unsubscribe()
			return nil, err
		}
		if _, ok := sm.m[hex.EncodeToString(id[:])]; !ok {
			break
		}
	}
	s := &session{
		id:       hex.EncodeToString(id[:]),
		state:    bdmapi.StateRegistered,
		groups:   make(map[string]*watchGroup),
		scripts:  make(map[bdmd.ScriptHash]int),
		wake:     make(chan struct{}),
		eng:      sm.eng,
		listener: l,
		ctx:      sctx,
		cancel:   cancel,
	}
	sm.m[s.id] = s

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		s.pump()
	}()

	log.Debugf("session registered: %v", s.id)
	return s, nil
}

func (sm *sessions) get(id string) (*session, error) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	s, ok := sm.m[id]
	if !ok {
		return nil, SessionError{ID: id}
	}
	return s, nil
}

func (sm *sessions) unregister(id string) error {
	sm.mtx.Lock()
	s, ok := sm.m[id]
	delete(sm.m, id)
	sm.mtx.Unlock()
	if !ok {
		return SessionError{ID: id}
	}
	s.close()
	log.Debugf("session unregistered: %v", id)
	return nil
}

func (sm *sessions) count() int {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	return len(sm.m)
}

// closeAll unregisters every session and waits for their goroutines.
func (sm *sessions) closeAll() {
	sm.mtx.Lock()
	all := make([]*session, 0, len(sm.m))
	for id, s := range sm.m {
		all = append(all, s)
		delete(sm.m, id)
	}
	sm.mtx.Unlock()
	for _, s := range all {
		s.close()
	}
	sm.wg.Wait()
}

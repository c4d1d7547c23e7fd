// Copyright 2023 - 2025 Moxa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hintrouter routes every statement by its attached hint,
// falling back to a configured default target when a statement carries
// none.
package hintrouter

import (
	"sync/atomic"
	"time"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
	"github.com/moxasql/moxa/pkg/router"
)

// Params configures the hint router.
type Params struct {
	// Default is the target used for statements without a hint.
	Default classifier.HintTarget
	// DefaultServer names the backend for HintNamedServer defaults.
	DefaultServer string
	// ConnectTimeout bounds backend dials.
	ConnectTimeout time.Duration
}

func (p *Params) Adjust() {
	if p.Default == classifier.HintUndefined {
		p.Default = classifier.HintMaster
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 3 * time.Second
	}
}

// Router routes by hints.
type Router struct {
	name    string
	cluster *cluster.Cluster
	params  Params
}

var _ router.Router = (*Router)(nil)

// NewRouter creates a hint router over the cluster.
func NewRouter(name string, cl *cluster.Cluster, params Params) *Router {
	params.Adjust()
	return &Router{name: name, cluster: cl, params: params}
}

// Name implements router.Router.
func (r *Router) Name() string { return r.name }

// NewSession implements router.Router.
func (r *Router) NewSession(cs router.ClientSession) (router.Session, error) {
	return &session{rt: r, cs: cs, conns: make(map[string]*backend.Conn)}, nil
}

type session struct {
	rt       *Router
	cs       router.ClientSession
	conns    map[string]*backend.Conn
	lastUsed *backend.Conn
	// inflight is the connection a reply is being read from; the only
	// field Interrupt may observe from another goroutine.
	inflight atomic.Pointer[backend.Conn]
	closed   bool
}

var _ router.Session = (*session)(nil)

func (s *session) CanRouteQueries() bool {
	for _, bc := range s.conns {
		if bc.Waiting() {
			return false
		}
	}
	return true
}

func (s *session) RouteQuery(cmd *client.Command) error {
	if s.closed {
		return merr.NewInternal("session closed")
	}
	if cmd.Continuation {
		if s.lastUsed == nil {
			return merr.NewInternal("continuation frame without a target")
		}
		return s.lastUsed.SendContinuation(cmd.Raw)
	}
	if cmd.Cmd == protocol.ComQuit {
		return nil
	}

	hint := &classifier.Hint{Target: s.rt.params.Default, Server: s.rt.params.DefaultServer}
	if cmd.Classify != nil && cmd.Classify.Hint != nil {
		hint = cmd.Classify.Hint
	}

	switch hint.Target {
	case classifier.HintAll:
		return s.routeAll(cmd.Raw)
	case classifier.HintLastUsed:
		if s.lastUsed != nil {
			return s.execForward(s.lastUsed, cmd.Raw)
		}
		return s.routeTo(s.pickDefault(), cmd.Raw)
	case classifier.HintSlave:
		return s.routeTo(s.pickSlave(), cmd.Raw)
	case classifier.HintNamedServer:
		return s.routeTo(s.rt.cluster.Get(hint.Server), cmd.Raw)
	case classifier.HintMaxRLag:
		return s.routeTo(s.pickByLag(hint.MaxLag), cmd.Raw)
	default:
		return s.routeTo(s.rt.cluster.Master(), cmd.Raw)
	}
}

func (s *session) pickDefault() *cluster.Backend {
	if s.rt.params.Default == classifier.HintSlave {
		return s.pickSlave()
	}
	if s.rt.params.Default == classifier.HintNamedServer {
		return s.rt.cluster.Get(s.rt.params.DefaultServer)
	}
	return s.rt.cluster.Master()
}

func (s *session) pickSlave() *cluster.Backend {
	var best *cluster.Backend
	for _, b := range s.rt.cluster.Backends() {
		if !b.IsSlave() {
			continue
		}
		if best == nil || b.Connections() < best.Connections() {
			best = b
		}
	}
	return best
}

func (s *session) pickByLag(maxLag int) *cluster.Backend {
	var best *cluster.Backend
	for _, b := range s.rt.cluster.Backends() {
		if !b.IsSlave() {
			continue
		}
		lag := b.ReplicationLag()
		if lag < 0 || lag > int64(maxLag) {
			continue
		}
		if best == nil || lag < best.ReplicationLag() {
			best = b
		}
	}
	return best
}

func (s *session) routeTo(b *cluster.Backend, raw []byte) error {
	if b == nil || !b.IsUsable() {
		e := merr.NewNoBackend(s.rt.name)
		_ = s.cs.ForwardToClient(errPacket(e))
		return e
	}
	bc, err := s.connTo(b)
	if err != nil {
		e := merr.AsError(err)
		_ = s.cs.ForwardToClient(errPacket(e))
		return e
	}
	return s.execForward(bc, raw)
}

// routeAll broadcasts the statement to every usable backend; the first
// opened connection's response is the one the client sees.
func (s *session) routeAll(raw []byte) error {
	var first []byte
	for _, b := range s.rt.cluster.Backends() {
		if !b.IsUsable() {
			continue
		}
		bc, err := s.connTo(b)
		if err != nil {
			continue
		}
		if err := bc.SendCommand(raw); err != nil {
			s.drop(bc)
			continue
		}
		if !bc.Waiting() {
			continue
		}
		reply, err := s.readReply(bc)
		if err != nil {
			s.drop(bc)
			continue
		}
		if first == nil {
			first = reply
		}
	}
	if first == nil {
		e := merr.NewNoBackend(s.rt.name)
		_ = s.cs.ForwardToClient(errPacket(e))
		return e
	}
	return s.cs.ForwardToClient(first)
}

func (s *session) connTo(b *cluster.Backend) (*backend.Conn, error) {
	if bc, ok := s.conns[b.Name]; ok && bc.State() == backend.StateLoggedIn {
		return bc, nil
	}
	bc, err := backend.Dial(b, s.rt.params.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if err := bc.Login(s.cs.LoginInfo()); err != nil {
		_ = bc.Close()
		return nil, err
	}
	s.conns[b.Name] = bc
	return bc, nil
}

func (s *session) execForward(bc *backend.Conn, raw []byte) error {
	if err := bc.SendCommand(raw); err != nil {
		return s.fail(bc, err)
	}
	s.lastUsed = bc
	if !bc.Waiting() {
		return nil
	}
	reply, err := s.readReply(bc)
	if err != nil {
		return s.fail(bc, err)
	}
	return s.cs.ForwardToClient(reply)
}

func (s *session) readReply(bc *backend.Conn) ([]byte, error) {
	s.inflight.Store(bc)
	defer s.inflight.Store(nil)
	return bc.ReadReply()
}

// Interrupt implements router.Session; safe from other goroutines.
func (s *session) Interrupt() {
	if bc := s.inflight.Load(); bc != nil {
		bc.Abort()
	}
}

func (s *session) drop(bc *backend.Conn) {
	delete(s.conns, bc.Backend().Name)
	if s.lastUsed == bc {
		s.lastUsed = nil
	}
	_ = bc.Close()
}

func (s *session) fail(bc *backend.Conn, err error) error {
	s.drop(bc)
	e := merr.AsError(err)
	_ = s.cs.ForwardToClient(errPacket(e))
	return e
}

func (s *session) HandleError(bc *backend.Conn, err error) {
	s.drop(bc)
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, bc := range s.conns {
		_ = bc.Close()
	}
	s.conns = nil
	return nil
}

func errPacket(e *merr.Error) []byte {
	out, _ := protocol.WritePackets(protocol.MakeErrPayloadOf(e), 1)
	return out
}

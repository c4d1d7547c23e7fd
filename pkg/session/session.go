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

package session

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/metrics"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
	"github.com/moxasql/moxa/pkg/router"
)

// LifecycleState is the session lifecycle.
type LifecycleState int32

const (
	Created LifecycleState = iota
	Started
	Stopping
	Stopped
)

// Session binds one client connection to its router session. It is
// pinned to one worker for its entire life.
type Session struct {
	uuid   uuid.UUID
	worker *Worker
	srv    *Server

	client *client.Conn
	rs     router.Session

	state atomic.Int32
	// softStopRequested delays the close until the current exchange
	// finished.
	softStopRequested atomic.Bool
}

func newSession(srv *Server, w *Worker, cc *client.Conn) *Session {
	return &Session{
		uuid:   uuid.New(),
		worker: w,
		srv:    srv,
		client: cc,
	}
}

// ID is the client visible connection id, the KILL target.
func (s *Session) ID() uint64 { return uint64(s.client.ConnID()) }

// State returns the lifecycle state.
func (s *Session) State() LifecycleState {
	return LifecycleState(s.state.Load())
}

// ClientConn implements router.ClientSession.
func (s *Session) ClientConn() *client.Conn { return s.client }

// LoginInfo implements router.ClientSession.
func (s *Session) LoginInfo() backend.LoginInfo {
	return backend.LoginInfo{
		User:         s.client.Username(),
		SHA1Password: s.client.SHA1Password(),
		Database:     s.client.Database(),
		Capability:   s.client.Capability(),
		Attrs:        s.client.Attrs(),
	}
}

// ForwardToClient implements router.ClientSession.
func (s *Session) ForwardToClient(raw []byte) error {
	return s.client.WriteRaw(raw)
}

// run drives the session: authentication, router binding, then the
// command loop until the client quits or the session is stopped.
func (s *Session) run(ctx context.Context) {
	defer s.stop()

	if err := s.srv.auth.Authenticate(ctx, s.client); err != nil {
		s.srv.counters.authFailed.Add(1)
		metrics.AuthFailed.Inc()
		logutil.Debug("authentication failed",
			zap.String("session", s.uuid.String()),
			zap.Error(err))
		return
	}

	rs, err := s.srv.router.NewSession(s)
	if err != nil {
		logutil.Error("router session failed",
			zap.String("session", s.uuid.String()),
			zap.Error(err))
		return
	}
	s.rs = rs
	s.state.Store(int32(Started))
	s.srv.counters.sessionsStarted.Add(1)
	metrics.Sessions.Inc()
	s.worker.post(registerMsg{s: s})

	for s.State() == Started {
		cmd, err := s.client.ReadCommand()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if done := s.dispatch(ctx, cmd); done {
			return
		}
		if s.softStopRequested.Load() {
			return
		}
	}
}

// dispatch handles one client command, intercepting the commands the
// router never sees. It returns true when the session should close.
func (s *Session) dispatch(ctx context.Context, cmd *client.Command) bool {
	switch {
	case cmd.Continuation:
		// Continuation frames stream straight through.
	case cmd.Cmd == protocol.ComQuit:
		// COM_QUIT is never forwarded; the session drains and closes.
		return true
	case cmd.Cmd == protocol.ComChangeUser:
		// Withheld from the router until the new credentials validate.
		if err := s.srv.auth.ChangeUser(ctx, s.client, cmd.Raw); err != nil {
			logutil.Debug("change user failed",
				zap.String("session", s.uuid.String()),
				zap.Error(err))
			return true
		}
		return false
	case cmd.Classify != nil && cmd.Classify.Type.Has(classifier.TypeKill):
		return s.dispatchKill(cmd)
	}

	if err := s.rs.RouteQuery(cmd); err != nil {
		logutil.Debug("routing failed",
			zap.String("session", s.uuid.String()),
			zap.Error(err))
		return true
	}
	return false
}

// dispatchKill posts the cross-worker message and acknowledges the
// statement to the issuing client.
func (s *Session) dispatchKill(cmd *client.Command) bool {
	spec := cmd.Classify.Kill
	if spec == nil {
		payload := protocol.MakeErrPayload(1064, "42000", "malformed KILL statement")
		out, _ := protocol.WritePackets(payload, 1)
		_ = s.client.WriteRaw(out)
		return false
	}
	s.srv.DispatchKill(*spec)
	s.srv.counters.killsDispatched.Add(1)
	out, _ := protocol.WritePackets(protocol.MakeOKPayload(0, 0,
		protocol.SERVER_STATUS_AUTOCOMMIT, 0, ""), 1)
	_ = s.client.WriteRaw(out)
	return false
}

func (s *Session) handleReadError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		// Closed under us by a KILL or shutdown.
	case errors.As(err, &netErr) && netErr.Timeout():
		logutil.Debug("session idle timeout",
			zap.String("session", s.uuid.String()))
	default:
		s.srv.counters.clientDisconnect.Add(1)
	}
}

// killQuery aborts the in-flight backend exchange while the client
// connection stays up. It runs on a worker goroutine, so it must not
// touch router state: Interrupt only wakes the blocked read and the
// owning session goroutine drops the dead backend on its error path.
// Soft and hard differ only in urgency the owner already provides, so
// both take the same route here.
func (s *Session) killQuery(soft bool) {
	if s.rs == nil {
		return
	}
	s.rs.Interrupt()
}

// softStop asks the session to close after the in-flight exchange.
func (s *Session) softStop() {
	s.softStopRequested.Store(true)
	s.state.CompareAndSwap(int32(Started), int32(Stopping))
	// Wake a blocked client read so the loop observes the request.
	_ = s.client.RawConn().SetReadDeadline(immediateDeadline())
}

// hardStop tears the session down immediately. It runs on a worker
// goroutine: only the state flag, the interrupt hook and the raw
// network close are touched, all safe for concurrent use. The session
// goroutine observes the closed socket and performs the actual
// teardown, router state included, in stop.
func (s *Session) hardStop() {
	s.state.Store(int32(Stopping))
	if s.rs != nil {
		s.rs.Interrupt()
	}
	_ = s.client.RawConn().Close()
}

// stop finishes the lifecycle and unregisters from the worker.
func (s *Session) stop() {
	if !s.state.CompareAndSwap(int32(Started), int32(Stopped)) {
		if !s.state.CompareAndSwap(int32(Stopping), int32(Stopped)) {
			if !s.state.CompareAndSwap(int32(Created), int32(Stopped)) {
				return
			}
			// Never started: nothing registered.
			_ = s.client.Close()
			return
		}
	}
	if s.rs != nil {
		_ = s.rs.Close()
	}
	_ = s.client.Close()
	s.srv.counters.sessionsStopped.Add(1)
	metrics.Sessions.Dec()
	s.worker.post(unregisterMsg{id: s.ID()})
	logutil.Debug("session stopped", zap.String("session", s.uuid.String()))
}

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

package rwsplit

import (
	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/metrics"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
)

// routeSessionCommand enqueues a session command on every open backend
// connection and records it in the history. The authoritative backend's
// response is forwarded to the client; the others are consumed and
// discarded. onReply observes the authoritative reply.
func (s *Session) routeSessionCommand(raw []byte, onReply func(reply []byte)) error {
	// The master is the authoritative responder, so its connection is
	// opened eagerly; without one, any backend serves.
	if _, err := s.ensureMaster(); err != nil && len(s.conns) == 0 {
		if _, err2 := s.ensureAny(); err2 != nil {
			return s.noTargetError(err)
		}
	}

	s.history.add(raw)
	metrics.SessionCommands.Inc()

	authoritative := s.authoritativeConn()
	reply, err := s.broadcast(raw, authoritative, nil)
	if err != nil {
		return s.handleExecError(&client.Command{Raw: raw}, authoritative, err)
	}
	if onReply != nil && reply != nil {
		onReply(reply)
	}
	if reply != nil {
		if err := s.cs.ForwardToClient(reply); err != nil {
			return err
		}
	}
	return nil
}

// authoritativeConn is the backend whose session command response the
// client sees: the master when connected, else the first responder.
func (s *Session) authoritativeConn() *backend.Conn {
	if s.master != nil {
		return s.master
	}
	for _, bc := range s.conns {
		return bc
	}
	return nil
}

// broadcast sends raw to every open connection and collects replies.
// The authoritative reply is returned; failures on non-authoritative
// backends silently close that backend without affecting the client.
// rewrite, when set, adapts the packet per backend before sending.
func (s *Session) broadcast(
	raw []byte,
	authoritative *backend.Conn,
	rewrite func(bc *backend.Conn) ([]byte, error),
) ([]byte, error) {
	var authReply []byte
	// The authoritative backend goes first; its reply is held and
	// returned only after every other backend has answered.
	ordered := make([]*backend.Conn, 0, len(s.conns))
	if authoritative != nil {
		ordered = append(ordered, authoritative)
	}
	for _, bc := range s.conns {
		if bc != authoritative {
			ordered = append(ordered, bc)
		}
	}

	for _, bc := range ordered {
		out := raw
		if rewrite != nil {
			var err error
			out, err = rewrite(bc)
			if err != nil {
				return nil, err
			}
		}
		reply, err := s.exec(bc, out, false)
		if bc == authoritative {
			if err != nil {
				return nil, err
			}
			authReply = reply
			continue
		}
		if err != nil {
			// A session command failure against a non-authoritative
			// backend closes it silently.
			logutil.Debug("session command failed on secondary backend",
				zap.String("backend", bc.Backend().Name),
				zap.Error(err))
			s.dropConn(bc)
		}
	}
	return authReply, nil
}

// routePrepare replicates a COM_STMT_PREPARE on every backend, binds the
// per-backend statement ids and forwards the authoritative response with
// the external id patched in.
func (s *Session) routePrepare(cmd *client.Command) error {
	if _, err := s.ensureMaster(); err != nil && len(s.conns) == 0 {
		if _, err2 := s.ensureAny(); err2 != nil {
			return s.noTargetError(err)
		}
	}
	pos := s.history.add(cmd.Raw)
	external := s.ps.allocate()
	s.ps.bindHistory(pos, external)

	authoritative := s.authoritativeConn()
	var authReply []byte
	ordered := make([]*backend.Conn, 0, len(s.conns))
	ordered = append(ordered, authoritative)
	for _, bc := range s.conns {
		if bc != authoritative {
			ordered = append(ordered, bc)
		}
	}
	for _, bc := range ordered {
		reply, err := s.exec(bc, cmd.Raw, false)
		if bc == authoritative {
			if err != nil {
				return s.handleExecError(cmd, bc, err)
			}
			authReply = reply
			if protocol.IsErr(reply) {
				// The prepare failed; nothing to bind anywhere.
				s.ps.close(external)
				return s.cs.ForwardToClient(reply)
			}
			s.ps.bind(external, bc.Backend().Name, bc.Tracker().Prepare.StmtID)
			continue
		}
		if err != nil {
			s.dropConn(bc)
			continue
		}
		if !protocol.IsErr(reply) {
			s.ps.bind(external, bc.Backend().Name, bc.Tracker().Prepare.StmtID)
		}
	}
	return s.cs.ForwardToClient(rewritePrepareReplyID(authReply, external))
}

// routeStmtExecute remaps the external statement id to the target
// backend's internal id and executes there. Execution goes to the
// transaction target when one is open, else to the master.
func (s *Session) routeStmtExecute(cmd *client.Command) error {
	var bc *backend.Conn
	var err error
	if s.inTransaction() {
		bc = s.trxTarget
	} else {
		bc, err = s.ensureMaster()
		if err != nil {
			return s.noTargetError(err)
		}
	}
	internal, err := s.ps.internalFor(cmd.StmtID, bc.Backend().Name)
	if err != nil {
		return s.cs.ForwardToClient(errPacketFor(merr.AsError(err), 1))
	}
	raw := rewriteStmtID(cmd.Raw, internal)
	if s.trx.open {
		reply, err := s.exec(bc, raw, true)
		if err != nil {
			return s.handleTrxError(cmd, err)
		}
		s.trx.record(raw)
		s.trx.fold(reply)
		return nil
	}
	_, err = s.exec(bc, raw, true)
	if err != nil {
		return s.handleExecError(cmd, bc, err)
	}
	return nil
}

// routeStmtClose broadcasts a COM_STMT_CLOSE, which has no response, to
// every backend holding the statement and drops the mappings. The close
// is not recorded; instead the matching PREPARE leaves the replay log,
// so new backends never replay statements that no longer exist and
// prepare/close churn cannot grow the history.
func (s *Session) routeStmtClose(cmd *client.Command) {
	for _, name := range s.ps.backendsOf(cmd.StmtID) {
		bc, ok := s.conns[name]
		if !ok {
			continue
		}
		internal, err := s.ps.internalFor(cmd.StmtID, name)
		if err != nil {
			continue
		}
		if err := bc.SendCommand(rewriteStmtID(cmd.Raw, internal)); err != nil {
			s.dropConn(bc)
		}
	}
	if pos := s.ps.historyPosOf(cmd.StmtID); pos != 0 {
		s.history.remove(pos)
	}
	s.ps.close(cmd.StmtID)
}

// routeStmtForward remaps and forwards COM_STMT_RESET and
// COM_STMT_SEND_LONG_DATA to the backend the next execute will use.
func (s *Session) routeStmtForward(cmd *client.Command) error {
	var bc *backend.Conn
	var err error
	if s.inTransaction() {
		bc = s.trxTarget
	} else {
		bc, err = s.ensureMaster()
		if err != nil {
			return s.noTargetError(err)
		}
	}
	internal, err := s.ps.internalFor(cmd.StmtID, bc.Backend().Name)
	if err != nil {
		return s.cs.ForwardToClient(errPacketFor(merr.AsError(err), 1))
	}
	raw := rewriteStmtID(cmd.Raw, internal)
	if _, err := s.exec(bc, raw, true); err != nil {
		return s.handleExecError(cmd, bc, err)
	}
	return nil
}

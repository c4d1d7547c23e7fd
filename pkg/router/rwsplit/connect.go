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

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
)

// ensureMaster returns a live connection to the current master, opening
// one if needed.
func (s *Session) ensureMaster() (*backend.Conn, error) {
	if s.master != nil && s.master.State() == backend.StateLoggedIn {
		return s.master, nil
	}
	m := s.rt.cluster.Master()
	if m == nil {
		return nil, merr.NewNoMaster(s.rt.name)
	}
	bc, err := s.connTo(m)
	if err != nil {
		return nil, err
	}
	s.master = bc
	return bc, nil
}

// ensureSlave returns a connection to a slave picked by policy. Read
// target preference: a running slave, then the master when
// master_accept_reads is set, then any other running node; the caller
// layers the fallbacks. maxLag excludes slaves lagging more seconds when
// positive.
func (s *Session) ensureSlave(maxLag int) (*backend.Conn, error) {
	// Prefer an already open slave connection.
	var open []*cluster.Backend
	for _, bc := range s.conns {
		b := bc.Backend()
		if b.IsSlave() && lagOK(b, maxLag) {
			open = append(open, b)
		}
	}
	if len(open) > 0 {
		chosen := s.rt.sel.pick(rankFilter(open, s.masterRank()))
		if chosen != nil {
			return s.conns[chosen.Name], nil
		}
	}

	// Bounded fan-out: only open a new slave connection under the limit.
	slaveConns := 0
	for _, bc := range s.conns {
		if bc.Backend().IsSlave() {
			slaveConns++
		}
	}
	if slaveConns >= s.rt.params.MaxSlaveConnections {
		return nil, merr.NewNoBackend(s.rt.name)
	}

	var candidates []*cluster.Backend
	for _, b := range s.rt.cluster.Backends() {
		if b.IsSlave() && lagOK(b, maxLag) && s.conns[b.Name] == nil {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, merr.NewNoBackend(s.rt.name)
	}
	chosen := s.rt.sel.pick(rankFilter(candidates, s.masterRank()))
	if chosen == nil {
		return nil, merr.NewNoBackend(s.rt.name)
	}
	return s.connTo(chosen)
}

// ensureAny returns any running node as a last resort read target.
func (s *Session) ensureAny() (*backend.Conn, error) {
	for _, bc := range s.conns {
		if bc.Backend().IsUsable() {
			return bc, nil
		}
	}
	for _, b := range s.rt.cluster.Backends() {
		if b.IsUsable() {
			return s.connTo(b)
		}
	}
	return nil, merr.NewNoBackend(s.rt.name)
}

func (s *Session) masterRank() int64 {
	if m := s.rt.cluster.Master(); m != nil {
		return m.Rank()
	}
	return -1
}

func lagOK(b *cluster.Backend, maxLag int) bool {
	if maxLag <= 0 {
		return true
	}
	lag := b.ReplicationLag()
	return lag >= 0 && lag <= int64(maxLag)
}

// connTo returns the session's connection to b, opening and preparing a
// new one when absent. A new connection replays the session command
// history as a single batch before it is made available.
func (s *Session) connTo(b *cluster.Backend) (*backend.Conn, error) {
	if bc, ok := s.conns[b.Name]; ok && bc.State() == backend.StateLoggedIn {
		return bc, nil
	}
	if s.history.len() > 0 && !s.history.canAttach() {
		return nil, merr.New(merr.ErrMaxSescmdHistory,
			"session command history exceeded, cannot attach new backend")
	}
	bc, err := backend.Dial(b, s.rt.params.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if err := bc.Login(s.cs.LoginInfo()); err != nil {
		_ = bc.Close()
		return nil, err
	}
	if err := s.replayHistory(bc); err != nil {
		_ = bc.Close()
		return nil, err
	}
	s.conns[b.Name] = bc
	s.rt.sel.connected(b.Name)
	logutil.Debug("backend connection opened",
		zap.String("backend", b.Name),
		zap.Uint32("conn", bc.ConnID()))
	return bc, nil
}

// replayHistory replays the stored session commands back to back on a
// fresh connection. The connection is not available for routing until
// every replayed command has been acknowledged.
func (s *Session) replayHistory(bc *backend.Conn) error {
	for _, cmd := range s.history.all() {
		if err := bc.SendCommand(cmd.raw); err != nil {
			return err
		}
		if !bc.Waiting() {
			continue
		}
		reply, err := s.readReply(bc)
		if err != nil {
			return err
		}
		if protocol.IsErr(reply) {
			code, _ := protocol.ErrCode(reply)
			return merr.New(merr.ErrSessionCommandFail,
				"session command replay failed on %s: error %d", bc.Backend().Name, code)
		}
		// Rebind prepared statement ids assigned by this backend.
		if protocol.Cmd(cmd.raw) == protocol.ComStmtPrepare {
			external := s.ps.externalForHistory(cmd.pos)
			if external != 0 {
				s.ps.bind(external, bc.Backend().Name, bc.Tracker().Prepare.StmtID)
			}
		}
	}
	return nil
}

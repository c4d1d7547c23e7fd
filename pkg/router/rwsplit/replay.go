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
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/metrics"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
)

// handleTrxError reacts to a fatal error from the transaction target.
// With transaction replay enabled the statements recorded since the
// transaction began are re-executed on a surviving master-eligible node;
// otherwise the client learns the connection was lost.
func (s *Session) handleTrxError(cmd *client.Command, err error) error {
	failed := s.trxTarget
	s.dropConn(failed)

	if !s.rt.params.TransactionReplay || !s.trx.replayable || !s.trx.open {
		s.trx.end()
		s.trxTarget = nil
		e := merr.AsError(err)
		_ = s.cs.ForwardToClient(errPacketFor(e, 1))
		return e
	}
	return s.replayTransaction(cmd)
}

// replayTransaction re-executes the recorded transaction. Each attempt
// restores from the original snapshot; success requires the reply byte
// checksum to match the pre-failure checksum, after which the
// interrupted statement resumes.
func (s *Session) replayTransaction(interrupted *client.Command) error {
	snap := s.trx.snapshot()
	metrics.TrxReplays.Inc()

	var lastErr error
	for attempt := 1; attempt <= s.rt.params.TransactionReplayAttempts; attempt++ {
		bc, err := s.reconnectMaster()
		if err != nil {
			lastErr = err
			continue
		}
		logutil.Info("replaying transaction",
			zap.Int("attempt", attempt),
			zap.String("backend", bc.Backend().Name),
			zap.Int("statements", len(snap.stmts)))

		checksum, err := s.replayStatements(bc, snap.stmts)
		if err != nil {
			lastErr = err
			s.dropConn(bc)
			continue
		}
		if checksum != snap.checksum {
			// The replayed transaction observed different data; the
			// client cannot be allowed to continue on a divergent state.
			metrics.TrxReplayFailures.Inc()
			s.trx.end()
			s.trxTarget = nil
			e := merr.NewReplayChecksum()
			_ = s.cs.ForwardToClient(errPacketFor(e, 1))
			_ = s.cs.ClientConn().Close()
			return e
		}

		// Checksums match: resume with the interrupted statement.
		s.trxTarget = bc
		s.trx.stmts = snap.stmts
		s.trx.checksum = snap.checksum
		if interrupted == nil {
			return nil
		}
		reply, err := s.exec(bc, interrupted.Raw, true)
		if err != nil {
			lastErr = err
			continue
		}
		s.trx.record(interrupted.Raw)
		s.trx.fold(reply)
		return nil
	}

	metrics.TrxReplayFailures.Inc()
	s.trx.end()
	s.trxTarget = nil
	e := merr.NewReplayLimit(s.rt.params.TransactionReplayAttempts)
	if lastErr != nil {
		logutil.Error("transaction replay exhausted", zap.Error(lastErr))
	}
	_ = s.cs.ForwardToClient(errPacketFor(e, 1))
	return e
}

// reconnectMaster opens a connection to any master-eligible node and
// replays the session command history on it first.
func (s *Session) reconnectMaster() (*backend.Conn, error) {
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

// replayStatements executes stmts in order and returns the checksum of
// the server-sent bytes.
func (s *Session) replayStatements(bc *backend.Conn, stmts [][]byte) (uint32, error) {
	var checksum uint32
	for _, stmt := range stmts {
		reply, err := s.exec(bc, stmt, false)
		if err != nil {
			return 0, err
		}
		if protocol.IsErr(reply) {
			code, _ := protocol.ErrCode(reply)
			return 0, merr.New(merr.ErrInternal, "replayed statement failed: error %d", code)
		}
		checksum = crc32.Update(checksum, crc32.IEEETable, reply)
	}
	return checksum, nil
}

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
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/metrics"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
	"github.com/moxasql/moxa/pkg/router"
)

// Session is the per-client routing state of the read/write splitter.
type Session struct {
	rt *Router
	cs router.ClientSession

	// conns are the open backend connections by backend name. Each has
	// its own independent reply state machine.
	conns map[string]*backend.Conn
	// master is the connection to the current master, also in conns.
	master *backend.Conn
	// lastUsed is the target of the most recent statement.
	lastUsed *backend.Conn

	history *sescmdHistory
	trx     *trxRecord
	// trxTarget is the node the open transaction began on.
	trxTarget *backend.Conn
	// trxOptimistic marks a read-only looking transaction running on a
	// slave; a write rolls it back and replays on the master.
	trxOptimistic bool
	// implicitTrx is an autocommit=0 transaction without explicit BEGIN.
	implicitTrx bool

	ps *psTracker

	// queue holds statements that arrived while a reply was outstanding.
	queue []*client.Command
	// expected counts outstanding replies across backends.
	expected int

	// lastGTID is the last master-issued gtid, for causal reads.
	lastGTID string
	// pinnedToMaster forces all routing to the master for the session's
	// remaining life (strict multi statement mode).
	pinnedToMaster bool

	// inflight is the connection a reply is currently being read from.
	// It is the only field another goroutine may observe, through
	// Interrupt; everything else belongs to the owning goroutine.
	inflight atomic.Pointer[backend.Conn]

	closed bool
}

var _ router.Session = (*Session)(nil)

// CanRouteQueries implements router.Session: a new statement is admitted
// only while no reply is outstanding on any backend of this session.
func (s *Session) CanRouteQueries() bool {
	return s.expected == 0
}

// RouteQuery implements router.Session.
func (s *Session) RouteQuery(cmd *client.Command) error {
	if s.closed {
		return merr.NewInternal("session closed")
	}
	// Large-query continuation frames bypass queueing and stream to the
	// current target.
	if cmd.Continuation {
		if s.lastUsed == nil {
			return merr.NewInternal("continuation frame without a target")
		}
		return s.lastUsed.SendContinuation(cmd.Raw)
	}
	if !s.CanRouteQueries() {
		s.queue = append(s.queue, cmd)
		metrics.QueueDepth.Inc()
		return nil
	}
	if err := s.routeOne(cmd); err != nil {
		return err
	}
	return s.drainQueue()
}

func (s *Session) drainQueue() error {
	for len(s.queue) > 0 && s.CanRouteQueries() {
		next := s.queue[0]
		s.queue = s.queue[1:]
		metrics.QueueDepth.Dec()
		if err := s.routeOne(next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) routeOne(cmd *client.Command) error {
	switch cmd.Cmd {
	case protocol.ComQuery:
		return s.routeQueryCmd(cmd)
	case protocol.ComInitDB:
		return s.routeSessionCommand(cmd.Raw, func(reply []byte) {
			if protocol.IsOK(reply) {
				s.cs.ClientConn().SetDatabase(string(cmd.Raw[5:]))
			}
		})
	case protocol.ComStmtPrepare:
		return s.routePrepare(cmd)
	case protocol.ComStmtExecute, protocol.ComStmtFetch:
		return s.routeStmtExecute(cmd)
	case protocol.ComStmtClose:
		s.routeStmtClose(cmd)
		return nil
	case protocol.ComStmtReset, protocol.ComStmtSendLongData:
		return s.routeStmtForward(cmd)
	case protocol.ComSetOption:
		return s.routeSessionCommand(cmd.Raw, nil)
	case protocol.ComPing, protocol.ComStatistics:
		return s.routeToMasterOrAny(cmd.Raw)
	case protocol.ComQuit:
		// COM_QUIT is never forwarded verbatim; the owning session
		// schedules its own clean close.
		return nil
	default:
		return s.routeToMasterOrAny(cmd.Raw)
	}
}

// routeQueryCmd routes one COM_QUERY by its classification.
func (s *Session) routeQueryCmd(cmd *client.Command) error {
	res := cmd.Classify
	if res == nil {
		c := classifier.Classify(cmd.Raw[5:], s.cs.ClientConn().SQLMode())
		res = &c
	}

	if s.rt.params.StrictMultiStmt && isMultiStatement(cmd.Raw) {
		s.pinnedToMaster = true
	}

	switch {
	case res.Type.Has(classifier.TypeBeginTrx):
		return s.beginTransaction(cmd, res)
	case res.Type.Has(classifier.TypeCommit), res.Type.Has(classifier.TypeRollback):
		return s.endTransaction(cmd)
	case res.Type.Has(classifier.TypeSessionCommand):
		if res.Type.Has(classifier.TypeDisableAutocommit) {
			// Disabling autocommit begins an implicit transaction on
			// the master.
			s.implicitTrx = true
		}
		if res.Type.Has(classifier.TypeEnableAutocommit) {
			s.implicitTrx = false
		}
		return s.routeSessionCommand(cmd.Raw, nil)
	}

	// An active transaction pins writes and unsafe statements to the
	// node it began on.
	if s.inTransaction() {
		return s.routeInTransaction(cmd, res)
	}
	if s.implicitTrx || s.pinnedToMaster {
		return s.routeToMaster(cmd)
	}

	if res.Hint != nil {
		if err := s.routeByHint(cmd, res); err == nil {
			return nil
		}
		// Hints fall back to policy on failure.
	}

	if res.Type.Has(classifier.TypeWrite) || res.Type.Has(classifier.TypeUnsafe) {
		return s.routeToMaster(cmd)
	}
	return s.routeRead(cmd, res)
}

func (s *Session) inTransaction() bool {
	return s.trx.open && s.trxTarget != nil
}

// beginTransaction starts a transaction on the master, or optimistically
// on a slave when it looks read only.
func (s *Session) beginTransaction(cmd *client.Command, res *classifier.Result) error {
	useSlave := s.rt.params.OptimisticTrx &&
		!res.Type.Has(classifier.TypeReadWriteTrx) &&
		!s.pinnedToMaster
	if res.Type.Has(classifier.TypeReadOnlyTrx) {
		useSlave = true
	}

	var bc *backend.Conn
	var err error
	if useSlave {
		bc, err = s.ensureSlave(0)
		if err != nil {
			bc, err = s.ensureMaster()
		} else {
			s.trxOptimistic = true
		}
	} else {
		bc, err = s.ensureMaster()
	}
	if err != nil {
		return s.noTargetError(err)
	}

	s.trx.begin()
	s.trxTarget = bc
	reply, err := s.exec(bc, cmd.Raw, true)
	if err != nil {
		return s.handleTrxError(cmd, err)
	}
	// Recorded only after success: a failed statement is the replay's
	// "interrupted" statement, not part of the record.
	s.trx.record(cmd.Raw)
	s.trx.fold(reply)
	return nil
}

func (s *Session) endTransaction(cmd *client.Command) error {
	if !s.inTransaction() {
		// COMMIT outside a transaction still answers from the master.
		return s.routeToMaster(cmd)
	}
	bc := s.trxTarget
	_, err := s.exec(bc, cmd.Raw, true)
	s.trx.end()
	s.trxTarget = nil
	s.trxOptimistic = false
	if err != nil {
		return s.handleExecError(cmd, bc, err)
	}
	return nil
}

// routeInTransaction keeps a transaction on its node; a write inside an
// optimistic slave transaction migrates it to the master.
func (s *Session) routeInTransaction(cmd *client.Command, res *classifier.Result) error {
	write := res.Type.Has(classifier.TypeWrite) || res.Type.Has(classifier.TypeUnsafe)
	if write && s.trxOptimistic {
		return s.migrateOptimisticTrx(cmd)
	}
	reply, err := s.exec(s.trxTarget, cmd.Raw, true)
	if err != nil {
		return s.handleTrxError(cmd, err)
	}
	s.trx.record(cmd.Raw)
	s.trx.fold(reply)
	return nil
}

// migrateOptimisticTrx rolls the slave transaction back and replays it
// against the master, then executes the write there.
func (s *Session) migrateOptimisticTrx(cmd *client.Command) error {
	slave := s.trxTarget
	if err := slave.SendQuery("ROLLBACK"); err == nil {
		_, _ = s.readReply(slave)
	}
	master, err := s.ensureMaster()
	if err != nil {
		return s.noTargetError(err)
	}
	// The record now reflects the master's replies, so a later replay
	// compares against the right checksum.
	s.trx.checksum = 0
	for _, stmt := range s.trx.stmts {
		reply, err := s.exec(master, stmt, false)
		if err != nil {
			return s.handleExecError(cmd, master, err)
		}
		s.trx.fold(reply)
	}
	s.trxTarget = master
	s.trxOptimistic = false
	reply, err := s.exec(master, cmd.Raw, true)
	if err != nil {
		return s.handleTrxError(cmd, err)
	}
	s.trx.record(cmd.Raw)
	s.trx.fold(reply)
	return nil
}

// routeByHint honors an out of band routing directive.
func (s *Session) routeByHint(cmd *client.Command, res *classifier.Result) error {
	h := res.Hint
	switch h.Target {
	case classifier.HintMaster:
		return s.routeToMaster(cmd)
	case classifier.HintSlave:
		bc, err := s.ensureSlave(0)
		if err != nil {
			return err
		}
		return s.execForward(cmd, bc)
	case classifier.HintNamedServer:
		b := s.rt.cluster.Get(h.Server)
		if b == nil || !b.IsUsable() {
			return merr.NewNoBackend(h.Server)
		}
		bc, err := s.connTo(b)
		if err != nil {
			return err
		}
		return s.execForward(cmd, bc)
	case classifier.HintLastUsed:
		if s.lastUsed == nil {
			return merr.NewNoBackend(s.rt.name)
		}
		return s.execForward(cmd, s.lastUsed)
	case classifier.HintAll:
		return s.routeSessionCommand(cmd.Raw, nil)
	case classifier.HintMaxRLag:
		bc, err := s.ensureSlave(h.MaxLag)
		if err != nil {
			return err
		}
		return s.execForward(cmd, bc)
	}
	return merr.NewInternal("unhandled hint target %d", h.Target)
}

// routeRead chooses a slave by policy, with causal read synchronization
// when enabled. Reads fall back to the master when allowed, then to any
// other running node.
func (s *Session) routeRead(cmd *client.Command, res *classifier.Result) error {
	maxLag := s.rt.params.MaxSlaveReplicationLag
	bc, err := s.ensureSlave(maxLag)
	if err != nil {
		if s.rt.params.MasterAcceptReads {
			if mbc, merr2 := s.ensureMaster(); merr2 == nil {
				return s.execForward(cmd, mbc)
			}
		}
		if bc2, err2 := s.ensureAny(); err2 == nil {
			return s.execForward(cmd, bc2)
		}
		return s.noTargetError(err)
	}

	if s.rt.params.CausalReads && s.lastGTID != "" && !bc.Backend().IsMaster() {
		return s.causalRead(cmd, bc)
	}

	metrics.RoutedReads.Inc()
	if err := s.execForwardErr(cmd, bc); err != nil {
		// Idempotent reads that fail before any bytes reached the
		// client retry once on another eligible backend.
		if s.rt.params.RetryFailedReads && merr.Is(err, merr.ErrConnectionLost) {
			s.dropConn(bc)
			if retry, rerr := s.ensureSlave(maxLag); rerr == nil && retry != bc {
				return s.execForward(cmd, retry)
			}
			if mbc, merr2 := s.ensureMaster(); merr2 == nil {
				return s.execForward(cmd, mbc)
			}
		}
		return err
	}
	return nil
}

// causalRead prepends a MASTER_GTID_WAIT call so the slave read observes
// at least the last master transaction. A wait error re-issues the read
// on the master.
func (s *Session) causalRead(cmd *client.Command, bc *backend.Conn) error {
	wait := fmt.Sprintf("SELECT MASTER_GTID_WAIT('%s', %.3f)",
		s.lastGTID, s.rt.params.CausalReadsTimeout.Seconds())
	if err := bc.SendQuery(wait); err != nil {
		return s.handleExecError(cmd, bc, err)
	}
	reply, err := s.readReply(bc)
	if err != nil {
		return s.handleExecError(cmd, bc, err)
	}
	if protocol.IsErr(reply) || waitTimedOut(reply) {
		// RetryingOnMaster: the slave never caught up inside the
		// timeout; the client must still see master-fresh rows.
		master, merr2 := s.ensureMaster()
		if merr2 != nil {
			return s.noTargetError(merr2)
		}
		return s.execForward(cmd, master)
	}
	// UpdatingPackets: the wait consumed sequence ids on this
	// connection; the read that follows is a fresh exchange so its
	// result packets renumber from 1 on their own.
	return s.execForward(cmd, bc)
}

// waitTimedOut detects the -1 result row MASTER_GTID_WAIT returns on
// timeout. The reply is a one column result set whose single row holds
// the literal -1.
func waitTimedOut(reply []byte) bool {
	return strings.Contains(string(reply), "\x02-1")
}

// routeToMaster sends the statement to the master.
func (s *Session) routeToMaster(cmd *client.Command) error {
	bc, err := s.ensureMaster()
	if err != nil {
		switch s.rt.params.MasterFailureMode {
		case ErrorOnWrite:
			return s.cs.ForwardToClient(errPacketFor(merr.NewReadOnlyService(), s.cs.ClientConn().Sequence()))
		default:
			return s.noTargetError(err)
		}
	}
	metrics.RoutedWrites.Inc()
	if s.implicitTrx && !s.trx.open {
		s.trx.begin()
		s.trxTarget = bc
	}
	if s.trx.open {
		reply, err := s.exec(bc, cmd.Raw, true)
		if err != nil {
			return s.handleTrxError(cmd, err)
		}
		s.trx.record(cmd.Raw)
		s.trx.fold(reply)
		return nil
	}
	return s.execForward(cmd, bc)
}

func (s *Session) routeToMasterOrAny(raw []byte) error {
	bc, err := s.ensureMaster()
	if err != nil {
		if bc, err = s.ensureAny(); err != nil {
			return s.noTargetError(err)
		}
	}
	_, err = s.exec(bc, raw, true)
	if err != nil {
		s.dropConn(bc)
		return err
	}
	return nil
}

// execForward executes on bc and forwards the reply, converting backend
// errors into a closed client connection.
func (s *Session) execForward(cmd *client.Command, bc *backend.Conn) error {
	if err := s.execForwardErr(cmd, bc); err != nil {
		return s.handleExecError(cmd, bc, err)
	}
	return nil
}

func (s *Session) execForwardErr(cmd *client.Command, bc *backend.Conn) error {
	_, err := s.exec(bc, cmd.Raw, true)
	return err
}

// exec sends one framed command on bc and collects its complete reply.
// The reply is forwarded to the client when forward is set. exec is the
// single place expected replies are counted.
func (s *Session) exec(bc *backend.Conn, raw []byte, forward bool) ([]byte, error) {
	if err := bc.SendCommand(raw); err != nil {
		return nil, err
	}
	s.lastUsed = bc
	if !bc.Waiting() {
		return nil, nil
	}
	s.expected++
	defer func() { s.expected-- }()

	reply, err := s.readReply(bc)
	if err != nil {
		return reply, err
	}
	if gtid := bc.Tracker().GTID; gtid != "" && bc == s.master {
		s.lastGTID = gtid
	}
	if forward {
		if err := s.cs.ForwardToClient(reply); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

// readReply blocks on bc for the complete reply, publishing the
// connection so Interrupt can wake the read from another goroutine.
func (s *Session) readReply(bc *backend.Conn) ([]byte, error) {
	s.inflight.Store(bc)
	defer s.inflight.Store(nil)
	return bc.ReadReply()
}

// Interrupt implements router.Session. It runs on a worker goroutine
// during KILL dispatch, so it only wakes the blocked read; the owning
// goroutine's error path drops the connection.
func (s *Session) Interrupt() {
	if bc := s.inflight.Load(); bc != nil {
		bc.Abort()
	}
}

// noTargetError renders a routing failure to the client and returns it.
func (s *Session) noTargetError(err error) error {
	e := merr.AsError(err)
	_ = s.cs.ForwardToClient(errPacketFor(e, 1))
	return e
}

// handleExecError reacts to a failed exchange on bc: the backend is
// dropped; if nothing reached the client, the client sees a connection
// lost error.
func (s *Session) handleExecError(cmd *client.Command, bc *backend.Conn, err error) error {
	logutil.Warn("backend exchange failed",
		zap.String("backend", bc.Backend().Name),
		zap.Error(err))
	s.dropConn(bc)
	e := merr.AsError(err)
	_ = s.cs.ForwardToClient(errPacketFor(e, 1))
	return e
}

// errPacketFor frames an error as a wire ERR packet with the sequence a
// command response starts at.
func errPacketFor(err *merr.Error, seq uint8) []byte {
	payload := protocol.MakeErrPayloadOf(err)
	out, _ := protocol.WritePackets(payload, seq)
	return out
}

// isMultiStatement detects a payload carrying more than one statement.
func isMultiStatement(raw []byte) bool {
	sql := strings.TrimRight(string(raw[5:]), " \t\r\n;")
	return strings.ContainsRune(sql, ';')
}

// HandleError implements router.Session: a failure on an idle backend
// closes that backend only.
func (s *Session) HandleError(bc *backend.Conn, err error) {
	logutil.Debug("idle backend error",
		zap.String("backend", bc.Backend().Name),
		zap.Error(err))
	s.dropConn(bc)
}

func (s *Session) dropConn(bc *backend.Conn) {
	if bc == nil {
		return
	}
	name := bc.Backend().Name
	if s.conns[name] == bc {
		delete(s.conns, name)
		s.rt.sel.disconnected(name)
	}
	if s.master == bc {
		s.master = nil
	}
	if s.lastUsed == bc {
		s.lastUsed = nil
	}
	_ = bc.Close()
}

// Close implements router.Session.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, bc := range s.conns {
		s.rt.sel.disconnected(bc.Backend().Name)
		_ = bc.Close()
	}
	s.conns = nil
	s.master = nil
	s.lastUsed = nil
	return nil
}

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
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
	"github.com/moxasql/moxa/pkg/router"
)

// fakeBackend is a scripted MySQL server good enough for login and
// simple OK replies.
type fakeBackend struct {
	t        *testing.T
	ln       net.Listener
	backend  *cluster.Backend
	respond  func(sql string) []byte
	mu       sync.Mutex
	queries  []string
	stopped  bool
	closeAll chan struct{}
}

func newFakeBackend(t *testing.T, name string, flags cluster.Status) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	b := cluster.NewBackend(name, host, port)
	b.SetFlag(flags)
	f := &fakeBackend{
		t:        t,
		ln:       ln,
		backend:  b,
		closeAll: make(chan struct{}),
	}
	go f.acceptLoop()
	t.Cleanup(f.stop)
	return f
}

func (f *fakeBackend) stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.mu.Unlock()
	close(f.closeAll)
	_ = f.ln.Close()
}

func (f *fakeBackend) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

func (f *fakeBackend) record(q string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
}

func (f *fakeBackend) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	l := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	payload := make([]byte, l)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return append(hdr, payload...), nil
}

func okFrame(seq uint8) []byte {
	out, _ := protocol.WritePackets(
		protocol.MakeOKPayload(0, 0, protocol.SERVER_STATUS_AUTOCOMMIT, 0, ""), seq)
	return out
}

func (f *fakeBackend) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	go func() {
		<-f.closeAll
		_ = conn.Close()
	}()

	// Initial handshake.
	salt := protocol.GenerateScramble(protocol.ScrambleLen)
	hs := make([]byte, 0, 96)
	hs = append(hs, protocol.ProtocolVersion)
	hs = append(hs, "10.6.0-test"...)
	hs = append(hs, 0)
	var tmp [4]byte
	buf.WriteUint32(tmp[:], 0, 7)
	hs = append(hs, tmp[:]...)
	hs = append(hs, salt[:8]...)
	hs = append(hs, 0)
	capability := protocol.DefaultCapability
	var tmp2 [2]byte
	buf.WriteUint16(tmp2[:], 0, uint16(capability&0xffff))
	hs = append(hs, tmp2[:]...)
	hs = append(hs, protocol.Utf8mb4BinCollationID)
	buf.WriteUint16(tmp2[:], 0, protocol.SERVER_STATUS_AUTOCOMMIT)
	hs = append(hs, tmp2[:]...)
	buf.WriteUint16(tmp2[:], 0, uint16(capability>>16))
	hs = append(hs, tmp2[:]...)
	hs = append(hs, byte(protocol.ScrambleLen+1))
	hs = append(hs, make([]byte, 6)...) // reserved
	buf.WriteUint32(tmp[:], 0, 0)      // extended capabilities
	hs = append(hs, tmp[:]...)
	hs = append(hs, salt[8:]...)
	hs = append(hs, 0)
	out, _ := protocol.WritePackets(hs, 0)
	if _, err := conn.Write(out); err != nil {
		return
	}

	// Handshake response; credentials are accepted blindly.
	resp, err := readFrame(conn)
	if err != nil {
		return
	}
	if _, err := conn.Write(okFrame(resp[3] + 1)); err != nil {
		return
	}

	// Command loop.
	for {
		cmd, err := readFrame(conn)
		if err != nil {
			return
		}
		var sql string
		if protocol.Cmd(cmd) == protocol.ComQuery {
			sql = string(cmd[5:])
		} else {
			sql = protocol.Cmd(cmd).String()
		}
		f.record(sql)
		reply := okFrame(1)
		if f.respond != nil {
			if custom := f.respond(sql); custom != nil {
				reply = custom
			}
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// fakeClientSession satisfies router.ClientSession and captures the
// bytes forwarded to the client.
type fakeClientSession struct {
	cc        *client.Conn
	mu        sync.Mutex
	forwarded [][]byte
}

var _ router.ClientSession = (*fakeClientSession)(nil)

func newFakeClientSession(t *testing.T) *fakeClientSession {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })
	return &fakeClientSession{cc: client.NewConn(c1, protocol.DefaultCapability, 0)}
}

func (f *fakeClientSession) ClientConn() *client.Conn { return f.cc }

func (f *fakeClientSession) LoginInfo() backend.LoginInfo {
	return backend.LoginInfo{
		User:         "app",
		SHA1Password: protocol.HashSha1([]byte("secret")),
		Capability:   protocol.DefaultCapability,
	}
}

func (f *fakeClientSession) ForwardToClient(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	f.forwarded = append(f.forwarded, cp)
	return nil
}

func (f *fakeClientSession) replies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.forwarded...)
}

func queryCmd(t *testing.T, cs *fakeClientSession, sql string) *client.Command {
	t.Helper()
	payload := append([]byte{byte(protocol.ComQuery)}, sql...)
	raw, _ := protocol.WritePackets(payload, 0)
	cmd, err := cs.ClientConn().TrackCommand(raw)
	require.NoError(t, err)
	return cmd
}

func newTestSession(t *testing.T, params Params, backends ...*cluster.Backend) (*Session, *fakeClientSession) {
	t.Helper()
	params.Adjust()
	cl := cluster.NewCluster(backends...)
	rt := NewRouter("test-service", cl, params)
	cs := newFakeClientSession(t)
	rs, err := rt.NewSession(cs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs.(*Session), cs
}

func TestReadRoutesToSlave(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT 1")))

	assert.Equal(t, []string{"SELECT 1"}, slave.received())
	assert.Empty(t, master.received())
	replies := cs.replies()
	require.Len(t, replies, 1)
	assert.True(t, protocol.IsOK(replies[0]))
}

func TestWriteRoutesToMaster(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "INSERT INTO t VALUES (1)")))

	assert.Equal(t, []string{"INSERT INTO t VALUES (1)"}, master.received())
	assert.Empty(t, slave.received())
}

func TestTransactionPinsToMaster(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	for _, sql := range []string{
		"BEGIN", "SELECT 1", "UPDATE t SET v=1", "COMMIT",
	} {
		require.NoError(t, s.RouteQuery(queryCmd(t, cs, sql)), sql)
	}

	assert.Equal(t, []string{"BEGIN", "SELECT 1", "UPDATE t SET v=1", "COMMIT"},
		master.received())
	assert.Empty(t, slave.received())

	// The transaction ended; the next read is free to use the slave.
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT 2")))
	assert.Equal(t, []string{"SELECT 2"}, slave.received())
}

func TestSessionCommandReachesAllBackends(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	// Open the slave connection first with a read.
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT 1")))
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SET @x = 1")))

	assert.Contains(t, master.received(), "SET @x = 1")
	assert.Contains(t, slave.received(), "SET @x = 1")
	// One acknowledgement per statement reaches the client, not two.
	assert.Len(t, cs.replies(), 2)
}

func TestSessionCommandHistoryReplayOnNewBackend(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	// The session command executes before any slave connection exists.
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SET @x = 1")))
	assert.Empty(t, slave.received())

	// The read opens the slave, which must replay the history first.
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT @x")))
	assert.Equal(t, []string{"SET @x = 1", "SELECT @x"}, slave.received())
}

func TestCausalReadPrependsGTIDWait(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{CausalReads: true}, master.backend, slave.backend)
	s.lastGTID = "0-1-5"

	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT v FROM t")))

	got := slave.received()
	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "SELECT MASTER_GTID_WAIT('0-1-5'"), got[0])
	assert.Equal(t, "SELECT v FROM t", got[1])
	assert.Empty(t, master.received())
}

func TestCausalReadRetriesOnMasterWhenWaitFails(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	slave.respond = func(sql string) []byte {
		if strings.Contains(sql, "MASTER_GTID_WAIT") {
			out, _ := protocol.WritePackets(
				protocol.MakeErrPayload(1205, "HY000", "wait timeout"), 1)
			return out
		}
		return nil
	}
	s, cs := newTestSession(t, Params{CausalReads: true}, master.backend, slave.backend)
	s.lastGTID = "0-1-5"

	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT v FROM t")))

	assert.Equal(t, []string{"SELECT v FROM t"}, master.received())
	replies := cs.replies()
	require.Len(t, replies, 1)
	assert.True(t, protocol.IsOK(replies[0]))
}

func TestTransactionReplayAfterMasterLoss(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	standby := newFakeBackend(t, "b", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t,
		Params{TransactionReplay: true}, master.backend, standby.backend)

	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "BEGIN")))
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "INSERT INTO t VALUES (1)")))
	assert.Equal(t, []string{"BEGIN", "INSERT INTO t VALUES (1)"}, master.received())

	// The master dies; the monitor promotes the standby.
	master.stop()
	master.backend.SetStatus(cluster.StatusDown)
	standby.backend.SetStatus(cluster.StatusRunning | cluster.StatusMaster)

	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "INSERT INTO t VALUES (2)")))

	assert.Equal(t, []string{"BEGIN", "INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)"},
		standby.received())
	// Every reply the client saw is an OK: the failure was invisible.
	for _, r := range cs.replies() {
		assert.True(t, protocol.IsOK(r))
	}
}

func TestWriteWithoutMasterFails(t *testing.T) {
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, slave.backend)

	err := s.RouteQuery(queryCmd(t, cs, "INSERT INTO t VALUES (1)"))
	require.Error(t, err)
	replies := cs.replies()
	require.Len(t, replies, 1)
	assert.True(t, protocol.IsErr(replies[0]))
}

func TestHintOverridesClassification(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	require.NoError(t, s.RouteQuery(
		queryCmd(t, cs, "/* moxa route to master */ SELECT 1")))
	require.Len(t, master.received(), 1)
	assert.Empty(t, slave.received())
}

func TestStmtCloseDropsPrepareFromHistory(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	slave := newFakeBackend(t, "s", cluster.StatusRunning|cluster.StatusSlave)
	master.respond = func(sql string) []byte {
		if sql != "COM_STMT_PREPARE" {
			return nil
		}
		header := make([]byte, 12)
		header[0] = 0x00
		buf.WriteUint32(header, 1, 42) // internal stmt id
		out, _ := protocol.WritePackets(header, 1)
		return out
	}
	s, cs := newTestSession(t, Params{}, master.backend, slave.backend)

	prepare := append([]byte{byte(protocol.ComStmtPrepare)}, "SELECT ?"...)
	rawPrepare, _ := protocol.WritePackets(prepare, 0)
	cmd, err := cs.ClientConn().TrackCommand(rawPrepare)
	require.NoError(t, err)
	require.NoError(t, s.RouteQuery(cmd))
	assert.Equal(t, 1, s.history.len())

	closePayload := make([]byte, 5)
	closePayload[0] = byte(protocol.ComStmtClose)
	buf.WriteUint32(closePayload, 1, 1) // external id
	rawClose, _ := protocol.WritePackets(closePayload, 0)
	cmd, err = cs.ClientConn().TrackCommand(rawClose)
	require.NoError(t, err)
	require.NoError(t, s.RouteQuery(cmd))
	// The close voided the prepare; nothing is left to replay.
	assert.Equal(t, 0, s.history.len())

	// A fresh slave connection must not see the dead statement.
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT 1")))
	assert.Equal(t, []string{"SELECT 1"}, slave.received())
}

func TestQueueDrainsAfterReply(t *testing.T) {
	master := newFakeBackend(t, "m", cluster.StatusRunning|cluster.StatusMaster)
	s, cs := newTestSession(t, Params{}, master.backend)

	// Simulate an outstanding reply: queued statements wait.
	s.expected = 1
	require.NoError(t, s.RouteQuery(queryCmd(t, cs, "SELECT 1")))
	assert.Len(t, s.queue, 1)
	assert.Empty(t, master.received())

	s.expected = 0
	require.NoError(t, s.drainQueue())
	assert.Equal(t, []string{"SELECT 1"}, master.received())
}

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

// Package client implements the server side of the MySQL wire protocol
// toward connecting clients: handshake, authentication and per command
// tracking of an established session.
package client

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/protocol"
)

// State is the client connection lifecycle.
type State int

const (
	StateInit State = iota
	StateHandshakeSent
	StateResponseRead
	StateAuthSwitchSent
	StateComplete
	StateFailed
	StateClosed
)

// baseConnID seeds the connection ids handed to clients.
var baseConnID atomic.Uint32

func nextConnID() uint32 { return baseConnID.Add(1) }

// Conn is one client connection and its wire state machine.
type Conn struct {
	conn  net.Conn
	state State

	connID uint32
	salt   []byte
	seq    uint8

	// serverCapability is what the proxy advertises; capability is the
	// intersection after the client responded.
	serverCapability uint32
	capability       uint32

	username string
	database string
	attrs    map[string]string
	// clientHost is the peer address without the port.
	clientHost string

	// chain buffers raw bytes read from the socket until they form
	// complete packets.
	chain *buf.Chain

	// sha1Password is SHA1(password), recovered from a valid token so
	// the proxy can answer backend challenges on the client's behalf.
	sha1Password []byte

	// sqlMode and autocommit are updated by SET tracking.
	sqlMode    classifier.SQLMode
	autocommit bool

	// largeQuery is set after a max size frame: the next incoming
	// packet extends the previous command and bypasses classification.
	largeQuery bool

	readTimeout time.Duration
}

// NewConn wraps an accepted network connection.
func NewConn(nc net.Conn, serverCapability uint32, readTimeout time.Duration) *Conn {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	return &Conn{
		conn:             nc,
		connID:           nextConnID(),
		salt:             protocol.GenerateScramble(protocol.ScrambleLen),
		serverCapability: serverCapability,
		clientHost:       host,
		chain:            buf.NewChain(),
		autocommit:       true,
		readTimeout:      readTimeout,
	}
}

func (c *Conn) ConnID() uint32      { return c.connID }
func (c *Conn) State() State        { return c.state }
func (c *Conn) Username() string    { return c.username }
func (c *Conn) Database() string    { return c.database }
func (c *Conn) ClientHost() string  { return c.clientHost }
func (c *Conn) Capability() uint32  { return c.capability }
func (c *Conn) Salt() []byte        { return c.salt }
func (c *Conn) RawConn() net.Conn   { return c.conn }
func (c *Conn) Autocommit() bool    { return c.autocommit }
func (c *Conn) SQLMode() classifier.SQLMode { return c.sqlMode }

// SetDatabase records a successful default database change.
func (c *Conn) SetDatabase(db string) { c.database = db }

// SHA1Password returns the recovered SHA1(password), nil for empty
// passwords.
func (c *Conn) SHA1Password() []byte { return c.sha1Password }

// Attrs returns the client's connection attributes.
func (c *Conn) Attrs() map[string]string { return c.attrs }

// Sequence returns the next sequence id the proxy will stamp.
func (c *Conn) Sequence() uint8 { return c.seq }

// SetSequence overrides the sequence id, used when a reply produced by a
// backend dictates the numbering.
func (c *Conn) SetSequence(seq uint8) { c.seq = seq }

// readPacket reads one complete framed packet from the client, buffering
// partial data across reads. During authentication both sides continue
// the sequence without reset, so the sequence follows the packets read.
func (c *Conn) readPacket() ([]byte, error) {
	for {
		if p := c.popPacket(); p != nil {
			c.seq = p[3] + 1
			return p, nil
		}
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return nil, err
			}
		}
		tmp := make([]byte, 8192)
		n, err := c.conn.Read(tmp)
		if err != nil {
			return nil, err
		}
		c.chain.Append(tmp[:n])
	}
}

// popPacket extracts one complete frame from the buffered chain.
func (c *Conn) popPacket() []byte {
	if c.chain.Len() < buf.HeaderLen {
		return nil
	}
	var hdr [4]byte
	c.chain.CopyTo(0, hdr[:])
	frame := buf.HeaderLen + (int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16)
	if c.chain.Len() < frame {
		return nil
	}
	tail := c.chain.Split(frame)
	p := c.chain.Bytes()
	c.chain.Release()
	c.chain = tail
	return p
}

// writePayload frames and sends a payload with the current sequence.
func (c *Conn) writePayload(payload []byte) error {
	out, next := protocol.WritePackets(payload, c.seq)
	c.seq = next
	return c.writeAll(out)
}

// WriteRaw sends already framed bytes unchanged.
func (c *Conn) WriteRaw(data []byte) error {
	return c.writeAll(data)
}

func (c *Conn) writeAll(data []byte) error {
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// WriteOK sends an OK packet with the current autocommit status bit.
func (c *Conn) WriteOK() error {
	status := uint16(0)
	if c.autocommit {
		status |= protocol.SERVER_STATUS_AUTOCOMMIT
	}
	return c.writePayload(protocol.MakeOKPayload(0, 0, status, 0, ""))
}

// WriteErr renders err as an ERR packet.
func (c *Conn) WriteErr(err error) error {
	return c.writePayload(protocol.MakeErrPayloadOf(err))
}

// Close closes the network connection.
func (c *Conn) Close() error {
	c.state = StateClosed
	return c.conn.Close()
}

// Command is one complete client command with its classification.
type Command struct {
	// Raw is the framed packet (header included). For oversized commands
	// it is the first fragment only; Continuation marks the rest.
	Raw []byte
	Cmd protocol.Command
	// Classify is set for COM_QUERY packets.
	Classify *classifier.Result
	// StmtID is the client visible statement id of COM_STMT_* commands.
	StmtID uint32
	// Continuation marks a frame that extends the previous command; it
	// bypasses classification and queueing and streams to the current
	// target.
	Continuation bool
}

// ReadCommand reads the next command packet after authentication has
// completed and classifies it. Sequence numbering resets to 0 at the
// start of each command exchange.
func (c *Conn) ReadCommand() (*Command, error) {
	if c.state != StateComplete {
		return nil, merr.NewProtocolState("connection not authenticated")
	}
	p, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	return c.TrackCommand(p)
}

// TrackCommand classifies one framed client packet and updates session
// tracking state (SQL mode, autocommit, large query continuation).
func (c *Conn) TrackCommand(p []byte) (*Command, error) {
	if c.largeQuery {
		// This frame continues the previous command; only the first
		// fragment is inspected.
		c.largeQuery = payloadLen(p) == buf.MaxPayloadSize
		return &Command{Raw: p, Continuation: true}, nil
	}

	cmd := &Command{Raw: p, Cmd: protocol.Cmd(p)}
	c.largeQuery = payloadLen(p) == buf.MaxPayloadSize

	switch cmd.Cmd {
	case protocol.ComQuery:
		res := classifier.Classify(p[5:], c.sqlMode)
		cmd.Classify = &res
		c.applyTracking(&res)
	case protocol.ComStmtExecute, protocol.ComStmtClose, protocol.ComStmtReset,
		protocol.ComStmtSendLongData, protocol.ComStmtFetch:
		if len(p) < 9 {
			return nil, merr.NewMalformedPacket("short COM_STMT packet")
		}
		cmd.StmtID, _, _ = buf.ReadUint32(p, 5)
	case protocol.ComInitDB:
		// The database change is confirmed when the backend replies OK.
	}
	return cmd, nil
}

// applyTracking mirrors SET effects onto the session: SQL mode and
// autocommit. Disabling autocommit begins an implicit transaction.
func (c *Conn) applyTracking(res *classifier.Result) {
	if res.Type.Has(classifier.TypeSetSQLMode) {
		c.sqlMode = res.SetSQLMode
	}
	if res.Type.Has(classifier.TypeEnableAutocommit) {
		c.autocommit = true
	}
	if res.Type.Has(classifier.TypeDisableAutocommit) {
		c.autocommit = false
	}
}

func payloadLen(p []byte) int {
	return int(p[0]) | int(p[1])<<8 | int(p[2])<<16
}

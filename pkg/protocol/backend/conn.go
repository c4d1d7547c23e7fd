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

// Package backend implements the client side of the MySQL wire protocol
// toward backend servers: login, command dispatch and reply state
// tracking over streamed result sets.
package backend

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/fagongzi/goetty/v2"

	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/protocol"
)

// State is the backend connection lifecycle. The login half mirrors the
// client side; the data half runs the reply state machine.
type State int

const (
	StateInit State = iota
	StateHandshakeReceived
	StateResponseSent
	StateLoggedIn
	StateFailed
	StateClosed
)

const defaultConnectTimeout = 3 * time.Second

var backendConnID atomic.Uint32

// LoginInfo carries the identity a backend connection logs in with.
type LoginInfo struct {
	User string
	// SHA1Password is SHA1(password) recovered during client auth.
	SHA1Password []byte
	Database     string
	// Capability is the client's negotiated mask; it is intersected with
	// the backend's advertised mask before the response is sent.
	Capability uint32
	Attrs      map[string]string
}

// Conn is one connection from the proxy to a backend server.
type Conn struct {
	backend *cluster.Backend
	session goetty.IOSession
	conn    net.Conn
	state   State

	connID uint32
	// threadID is the backend's connection id, used for KILL on the
	// backend side.
	threadID uint32

	salt       []byte
	capability uint32

	chain   *buf.Chain
	tracker *protocol.ReplyTracker
	// cmdStart times the in-flight command for the response average.
	cmdStart time.Time

	readTimeout time.Duration
}

// Dial opens a TCP connection to the backend without logging in.
func Dial(b *cluster.Backend, timeout time.Duration) (*Conn, error) {
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	session := goetty.NewIOSession()
	if err := session.Connect(b.Addr(), timeout); err != nil {
		return nil, merr.Wrap(err, merr.ErrConnectionLost, "connect to %s", b.Addr())
	}
	c := &Conn{
		backend: b,
		session: session,
		conn:    session.RawConn(),
		connID:  backendConnID.Add(1),
		chain:   buf.NewChain(),
	}
	b.IncConnections()
	return c, nil
}

func (c *Conn) ConnID() uint32            { return c.connID }
func (c *Conn) ThreadID() uint32          { return c.threadID }
func (c *Conn) Backend() *cluster.Backend { return c.backend }
func (c *Conn) State() State              { return c.state }
func (c *Conn) Capability() uint32        { return c.capability }

// SetReadTimeout bounds blocking reads; zero disables the deadline.
func (c *Conn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

// Abort wakes a read blocked on this connection by expiring its read
// deadline. It touches only the net.Conn, whose deadline methods are
// safe for concurrent use, so it may be called from outside the owning
// goroutine; the owner observes the timeout on its error path and
// closes the connection itself.
func (c *Conn) Abort() {
	_ = c.conn.SetReadDeadline(time.Unix(1, 0))
}

// Tracker returns the reply state machine of this connection.
func (c *Conn) Tracker() *protocol.ReplyTracker { return c.tracker }

// Waiting reports whether a reply is outstanding.
func (c *Conn) Waiting() bool { return c.tracker != nil && c.tracker.Waiting() }

// Login performs the full login exchange as the given identity.
func (c *Conn) Login(info LoginInfo) error {
	p, err := c.readPacket()
	if err != nil {
		return merr.Wrap(err, merr.ErrConnectionLost, "read handshake from %s", c.backend.Addr())
	}
	if protocol.IsErr(p) {
		code, _ := protocol.ErrCode(p)
		c.state = StateFailed
		return merr.New(merr.ErrBadHandshake, "backend %s refused connection: error %d", c.backend.Addr(), code)
	}
	serverCap, err := c.parseHandshake(p[4:])
	if err != nil {
		c.state = StateFailed
		return err
	}
	c.state = StateHandshakeReceived

	// The proxy masks off capabilities it does not itself support before
	// forwarding the client's chosen mask.
	c.capability = info.Capability & serverCap & protocol.DefaultCapability

	token := protocol.TokenFromStage1(info.SHA1Password, c.salt)
	resp := c.makeHandshakeResponse(info, token)
	if err := c.writePayload(resp, p[3]+1); err != nil {
		return merr.Wrap(err, merr.ErrConnectionLost, "send handshake response to %s", c.backend.Addr())
	}
	c.state = StateResponseSent

	p, err = c.readPacket()
	if err != nil {
		return merr.Wrap(err, merr.ErrConnectionLost, "read auth result from %s", c.backend.Addr())
	}
	if protocol.IsAuthSwitch(p) {
		p, err = c.answerAuthSwitch(info, p)
		if err != nil {
			return err
		}
	}
	switch {
	case protocol.IsOK(p):
		c.state = StateLoggedIn
		c.tracker = protocol.NewReplyTracker(c.capability)
		return nil
	case protocol.IsErr(p):
		code, _ := protocol.ErrCode(p)
		c.state = StateFailed
		if code == 1045 {
			c.backend.SetFlag(cluster.StatusAuthError)
		}
		return merr.New(merr.ErrAccessDenied, "backend %s rejected login for %s: error %d",
			c.backend.Addr(), info.User, code)
	}
	c.state = StateFailed
	return merr.NewProtocolState("unexpected auth result packet 0x%02x", p[4])
}

// answerAuthSwitch responds to the backend's plugin switch request with a
// token computed against the new scramble.
func (c *Conn) answerAuthSwitch(info LoginInfo, p []byte) ([]byte, error) {
	payload := p[4:]
	plugin, pos, ok := buf.ReadStringNUL(payload, 1)
	if !ok {
		return nil, merr.NewMalformedPacket("bad auth switch request from backend")
	}
	if plugin != protocol.AuthNativePassword {
		return nil, merr.New(merr.ErrBadHandshake, "backend requires unsupported plugin %s", plugin)
	}
	scramble := payload[pos:]
	if n := len(scramble); n > 0 && scramble[n-1] == 0 {
		scramble = scramble[:n-1]
	}
	token := protocol.TokenFromStage1(info.SHA1Password, scramble)
	if err := c.writePayload(token, p[3]+1); err != nil {
		return nil, merr.Wrap(err, merr.ErrConnectionLost, "answer auth switch to %s", c.backend.Addr())
	}
	return c.readPacket()
}

// parseHandshake decodes the backend's initial handshake and captures the
// scramble and capability mask. The MariaDB extended capability bits in
// the filler bytes are read past but not kept.
func (c *Conn) parseHandshake(data []byte) (uint32, error) {
	pos := 0
	version, pos, ok := buf.ReadUint8(data, pos)
	if !ok || version != protocol.ProtocolVersion {
		return 0, merr.NewBadHandshake("unsupported handshake version %d", version)
	}
	if _, pos, ok = buf.ReadStringNUL(data, pos); !ok {
		return 0, merr.NewBadHandshake("bad server version")
	}
	var threadID uint32
	if threadID, pos, ok = buf.ReadUint32(data, pos); !ok {
		return 0, merr.NewBadHandshake("bad thread id")
	}
	c.threadID = threadID

	saltPart1, pos, ok := buf.ReadCountOfBytes(data, pos, 8)
	if !ok {
		return 0, merr.NewBadHandshake("bad scramble")
	}
	pos++ // filler

	capLow, pos, ok := buf.ReadUint16(data, pos)
	if !ok {
		return 0, merr.NewBadHandshake("bad capability flags")
	}
	pos++ // character set
	pos += 2 // status flags
	capHigh, pos, ok := buf.ReadUint16(data, pos)
	if !ok {
		return 0, merr.NewBadHandshake("bad capability flags")
	}
	capability := uint32(capLow) | uint32(capHigh)<<16

	saltLen, pos, ok := buf.ReadUint8(data, pos)
	if !ok {
		return 0, merr.NewBadHandshake("bad scramble length")
	}
	// 6 reserved bytes, then the MariaDB extended capability mask.
	pos += 6
	var extended uint32
	if extended, pos, ok = buf.ReadUint32(data, pos); !ok {
		return 0, merr.NewBadHandshake("bad extended capabilities")
	}
	_ = extended

	salt := append([]byte{}, saltPart1...)
	if capability&protocol.CLIENT_SECURE_CONNECTION != 0 {
		rest := int(saltLen) - 8 - 1
		if rest < 12 {
			rest = 12
		}
		part2, next, ok := buf.ReadCountOfBytes(data, pos, rest)
		if !ok {
			return 0, merr.NewBadHandshake("bad scramble part 2")
		}
		pos = next
		salt = append(salt, part2...)
	}
	c.salt = salt
	return capability, nil
}

// makeHandshakeResponse renders the response41 for the backend.
func (c *Conn) makeHandshakeResponse(info LoginInfo, token []byte) []byte {
	data := make([]byte, 0, 64+len(info.User)+len(info.Database)+len(token))
	var fixed [32]byte
	pos := 0
	pos = buf.WriteUint32(fixed[:], pos, c.capability)
	pos = buf.WriteUint32(fixed[:], pos, 1<<24-1)
	pos = buf.WriteUint8(fixed[:], pos, protocol.Utf8mb4BinCollationID)
	pos = buf.WriteZeros(fixed[:], pos, 23)
	data = append(data, fixed[:pos]...)
	data = append(data, info.User...)
	data = append(data, 0)
	if c.capability&protocol.CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA != 0 {
		data = buf.AppendLenEncInt(data, uint64(len(token)))
		data = append(data, token...)
	} else {
		data = append(data, byte(len(token)))
		data = append(data, token...)
	}
	if c.capability&protocol.CLIENT_CONNECT_WITH_DB != 0 && info.Database != "" {
		data = append(data, info.Database...)
		data = append(data, 0)
	}
	if c.capability&protocol.CLIENT_PLUGIN_AUTH != 0 {
		data = append(data, protocol.AuthNativePassword...)
		data = append(data, 0)
	}
	if c.capability&protocol.CLIENT_CONNECT_ATTRS != 0 && len(info.Attrs) > 0 {
		var attrs []byte
		for k, v := range info.Attrs {
			attrs = buf.AppendLenEncString(attrs, k)
			attrs = buf.AppendLenEncString(attrs, v)
		}
		data = buf.AppendLenEncInt(data, uint64(len(attrs)))
		data = append(data, attrs...)
	}
	return data
}

// SendCommand forwards an already framed command packet and arms the
// reply tracker for its response.
func (c *Conn) SendCommand(raw []byte) error {
	if c.state != StateLoggedIn {
		return merr.NewProtocolState("backend connection not logged in")
	}
	cmd := protocol.Cmd(raw)
	c.tracker.Reset(cmd)
	c.cmdStart = time.Now()
	c.backend.IncActiveOps()
	if err := c.writeAll(raw); err != nil {
		c.backend.DecActiveOps()
		return merr.Wrap(err, merr.ErrConnectionLost, "send command to %s", c.backend.Addr())
	}
	if !c.tracker.Waiting() {
		c.backend.DecActiveOps()
	}
	return nil
}

// SendContinuation forwards a continuation frame of an oversized command
// without touching the tracker.
func (c *Conn) SendContinuation(raw []byte) error {
	return c.writeAll(raw)
}

// SendQuery frames sql as a COM_QUERY and sends it.
func (c *Conn) SendQuery(sql string) error {
	payload := make([]byte, 0, 1+len(sql))
	payload = append(payload, byte(protocol.ComQuery))
	payload = append(payload, sql...)
	out, _ := protocol.WritePackets(payload, 0)
	c.tracker.Reset(protocol.ComQuery)
	c.cmdStart = time.Now()
	c.backend.IncActiveOps()
	if err := c.writeAll(out); err != nil {
		c.backend.DecActiveOps()
		return merr.Wrap(err, merr.ErrConnectionLost, "send query to %s", c.backend.Addr())
	}
	return nil
}

// ProcessPackets consumes the latest bytes received from the backend. It
// walks packet boundaries, advances the reply state machine per packet
// and returns the consumed complete packets plus whether the full reply
// has been received. Any partial packet remains buffered.
func (c *Conn) ProcessPackets(data []byte) (consumed []byte, done bool, err error) {
	c.chain.Append(data)
	for {
		p := c.popPacket()
		if p == nil {
			return consumed, false, nil
		}
		consumed = append(consumed, p...)
		finished, err := c.tracker.Next(p)
		if err != nil {
			// A byte sequence that matches no legal transition is fatal
			// for the connection.
			return consumed, false, err
		}
		if finished {
			c.backend.DecActiveOps()
			c.backend.ObserveResponseTime(time.Since(c.cmdStart))
			return consumed, true, nil
		}
	}
}

// ReadReply blocks until the complete reply to the last command has been
// received and returns its raw framed bytes.
func (c *Conn) ReadReply() ([]byte, error) {
	var reply []byte
	tmp := make([]byte, 16384)
	for {
		// Drain buffered packets first.
		chunk, done, err := c.ProcessPackets(nil)
		reply = append(reply, chunk...)
		if err != nil {
			return reply, err
		}
		if done {
			return reply, nil
		}
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return reply, err
			}
		}
		n, err := c.conn.Read(tmp)
		if err != nil {
			return reply, merr.Wrap(err, merr.ErrConnectionLost, "read from %s", c.backend.Addr())
		}
		data := make([]byte, n)
		copy(data, tmp[:n])
		c.chain.Append(data)
	}
}

// readPacket reads one complete framed packet, used during login.
func (c *Conn) readPacket() ([]byte, error) {
	for {
		if p := c.popPacket(); p != nil {
			return p, nil
		}
		tmp := make([]byte, 8192)
		n, err := c.conn.Read(tmp)
		if err != nil {
			return nil, err
		}
		data := make([]byte, n)
		copy(data, tmp[:n])
		c.chain.Append(data)
	}
}

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

func (c *Conn) writePayload(payload []byte, seq uint8) error {
	out, _ := protocol.WritePackets(payload, seq)
	return c.writeAll(out)
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

// Close closes the backend connection.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.backend.DecConnections()
	return c.session.Close()
}

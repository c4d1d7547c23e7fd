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

package client

import (
	"context"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/usercache"
)

// UserVerifier answers authentication decisions. The user cache
// implements it; tests substitute fakes.
type UserVerifier interface {
	Lookup(user, host, db string) (*usercache.Entry, error)
	RegisterAuthFailure(host string) bool
	IsHostBlocked(host string) bool
	ResetHostFailures(host string)
}

// Reloader allows one out-of-band cache reload before an authentication
// failure for an existing-looking user is reported.
type Reloader interface {
	ReloadForAuth(ctx context.Context) bool
}

// Authenticator drives a client connection through the handshake.
type Authenticator struct {
	verifier UserVerifier
	reloader Reloader

	// Version is the advertised server version; 10.* versions gain the
	// 5.5.5- prefix on the wire.
	Version string
	// MaxConnections refuses clients past the limit; zero disables.
	MaxConnections int64
	// CurrentConnections reports the live count, set by the runtime.
	CurrentConnections func() int64
}

// NewAuthenticator creates an authenticator over the verifier.
func NewAuthenticator(verifier UserVerifier, reloader Reloader, version string) *Authenticator {
	return &Authenticator{
		verifier: verifier,
		reloader: reloader,
		Version:  version,
	}
}

// response41 is the parsed HandshakeResponse41.
type response41 struct {
	capabilities  uint32
	maxPacketSize uint32
	collationID   uint8
	username      string
	authResponse  []byte
	database      string
	pluginName    string
	isSSLRequest  bool
	connectAttrs  map[string]string
}

// Authenticate performs the full handshake on a fresh connection:
// Init -> HandshakeSent -> ResponseRead -> (AuthSwitchSent ->)? Decide.
// On success the connection is in StateComplete; on failure the error
// has already been written to the client.
func (a *Authenticator) Authenticate(ctx context.Context, c *Conn) error {
	if a.verifier.IsHostBlocked(c.clientHost) {
		err := merr.NewHostBlocked(c.clientHost)
		_ = c.WriteErr(err)
		c.state = StateFailed
		return err
	}
	if a.MaxConnections > 0 && a.CurrentConnections != nil &&
		a.CurrentConnections() >= a.MaxConnections {
		err := merr.NewTooManyConnections()
		_ = c.WriteErr(err)
		c.state = StateFailed
		return err
	}

	if err := c.writePayload(a.makeHandshakePayload(c)); err != nil {
		return err
	}
	c.state = StateHandshakeSent

	p, err := c.readPacket()
	if err != nil {
		return err
	}
	resp, err := parseResponse41(p[4:])
	if err != nil {
		c.state = StateFailed
		_ = c.WriteErr(err)
		return err
	}
	if resp.isSSLRequest {
		// TLS termination is not configured on this listener, so refuse
		// rather than accept a partial negotiation.
		err := merr.NewBadHandshake("SSL requested but not enabled")
		_ = c.WriteErr(err)
		c.state = StateFailed
		return err
	}
	c.state = StateResponseRead
	c.capability = c.serverCapability & resp.capabilities
	c.username = resp.username
	c.database = resp.database
	c.attrs = resp.connectAttrs

	token := resp.authResponse
	// Auth switch: the client declared a plugin other than the default.
	if resp.pluginName != "" && resp.pluginName != protocol.AuthNativePassword {
		token, err = a.authSwitch(c)
		if err != nil {
			c.state = StateFailed
			return err
		}
	}

	if err := a.decide(ctx, c, c.username, c.database, token); err != nil {
		_ = c.WriteErr(err)
		c.state = StateFailed
		return err
	}

	a.verifier.ResetHostFailures(c.clientHost)
	if err := c.WriteOK(); err != nil {
		return err
	}
	c.state = StateComplete
	logutil.Debug("client authenticated",
		zap.Uint32("conn", c.connID),
		zap.String("user", c.username),
		zap.String("db", c.database))
	return nil
}

// authSwitch sends 0xFE + plugin name + scramble and reads the
// re-issued token.
func (a *Authenticator) authSwitch(c *Conn) ([]byte, error) {
	payload := make([]byte, 0, 2+len(protocol.AuthNativePassword)+protocol.ScrambleLen+1)
	payload = append(payload, 0xfe)
	payload = append(payload, protocol.AuthNativePassword...)
	payload = append(payload, 0)
	payload = append(payload, c.salt...)
	payload = append(payload, 0)
	if err := c.writePayload(payload); err != nil {
		return nil, err
	}
	c.state = StateAuthSwitchSent

	p, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	return p[4:], nil
}

// decide validates the credentials against the cache, allowing one
// rate limited reload when an existing-looking user fails, to cover a
// grants table change.
func (a *Authenticator) decide(ctx context.Context, c *Conn, user, db string, token []byte) error {
	err := a.verify(user, c.clientHost, db, c.salt, token)
	if err == nil {
		c.sha1Password = a.recoverStage1(user, c.clientHost, db, c.salt, token)
		return nil
	}
	if merr.Is(err, merr.ErrUnknownDatabase) {
		return err
	}
	if a.reloader != nil && a.reloader.ReloadForAuth(ctx) {
		if err2 := a.verify(user, c.clientHost, db, c.salt, token); err2 == nil {
			c.sha1Password = a.recoverStage1(user, c.clientHost, db, c.salt, token)
			return nil
		}
	}
	if blocked := a.verifier.RegisterAuthFailure(c.clientHost); blocked {
		return merr.NewHostBlocked(c.clientHost)
	}
	return err
}

func (a *Authenticator) verify(user, host, db string, salt, token []byte) error {
	entry, err := a.verifier.Lookup(user, host, db)
	if err != nil {
		if merr.Is(err, merr.ErrUserNotFound) {
			// The client sees the same message for a missing user and a
			// wrong password.
			return merr.NewAccessDenied(user, host, len(token) > 0)
		}
		return err
	}
	if entry.SSLRequired {
		return merr.NewSSLRequired()
	}
	if !protocol.CheckNativeToken(entry.Password, salt, token) {
		return merr.NewAccessDenied(user, host, len(token) > 0)
	}
	return nil
}

// recoverStage1 derives SHA1(password) from a token that already passed
// verification.
func (a *Authenticator) recoverStage1(user, host, db string, salt, token []byte) []byte {
	entry, err := a.verifier.Lookup(user, host, db)
	if err != nil {
		return nil
	}
	return protocol.RecoverStage1(entry.Password, salt, token)
}

// makeHandshakePayload builds the initial handshake v10 packet.
func (a *Authenticator) makeHandshakePayload(c *Conn) []byte {
	data := make([]byte, 128)
	pos := 0
	pos = buf.WriteUint8(data, pos, protocol.ProtocolVersion)
	pos = buf.WriteStringNUL(data, pos, protocol.VersionForWire(a.Version))
	pos = buf.WriteUint32(data, pos, c.connID)
	pos += copy(data[pos:], c.salt[:8])
	pos = buf.WriteUint8(data, pos, 0)
	pos = buf.WriteUint16(data, pos, uint16(c.serverCapability&0xffff))
	pos = buf.WriteUint8(data, pos, protocol.Utf8mb4BinCollationID)
	pos = buf.WriteUint16(data, pos, protocol.SERVER_STATUS_AUTOCOMMIT)
	pos = buf.WriteUint16(data, pos, uint16(c.serverCapability>>16))
	pos = buf.WriteUint8(data, pos, uint8(len(c.salt)+1))
	pos = buf.WriteZeros(data, pos, 10)
	pos += copy(data[pos:], c.salt[8:])
	pos = buf.WriteUint8(data, pos, 0)
	pos = buf.WriteStringNUL(data, pos, protocol.AuthNativePassword)
	return data[:pos]
}

// parseResponse41 decodes a HandshakeResponse41 payload.
func parseResponse41(data []byte) (*response41, error) {
	var info response41
	var ok bool
	pos := 0

	info.capabilities, pos, ok = buf.ReadUint32(data, pos)
	if !ok {
		return nil, merr.NewBadHandshake("short handshake response")
	}
	if info.capabilities&protocol.CLIENT_PROTOCOL_41 == 0 {
		return nil, merr.NewBadHandshake("client does not speak protocol 41")
	}
	info.maxPacketSize, pos, ok = buf.ReadUint32(data, pos)
	if !ok {
		return nil, merr.NewBadHandshake("missing max packet size")
	}
	info.collationID, pos, ok = buf.ReadUint8(data, pos)
	if !ok {
		return nil, merr.NewBadHandshake("missing collation")
	}
	if pos+23 > len(data) {
		return nil, merr.NewBadHandshake("short filler")
	}
	pos += 23

	// An SSLRequest stops right after the filler.
	if pos == len(data) && info.capabilities&protocol.CLIENT_SSL != 0 {
		info.isSSLRequest = true
		return &info, nil
	}

	info.username, pos, ok = buf.ReadStringNUL(data, pos)
	if !ok {
		return nil, merr.NewBadHandshake("missing username")
	}

	switch {
	case info.capabilities&protocol.CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA != 0:
		info.authResponse, pos, ok = buf.ReadLenEncBytes(data, pos)
	case info.capabilities&protocol.CLIENT_SECURE_CONNECTION != 0:
		var l uint8
		l, pos, ok = buf.ReadUint8(data, pos)
		if ok {
			info.authResponse, pos, ok = buf.ReadCountOfBytes(data, pos, int(l))
		}
	default:
		var s string
		s, pos, ok = buf.ReadStringNUL(data, pos)
		info.authResponse = []byte(s)
	}
	if !ok {
		return nil, merr.NewBadHandshake("missing auth response")
	}

	if info.capabilities&protocol.CLIENT_CONNECT_WITH_DB != 0 {
		info.database, pos, ok = buf.ReadStringNUL(data, pos)
		if !ok {
			return nil, merr.NewBadHandshake("missing database")
		}
	}
	if info.capabilities&protocol.CLIENT_PLUGIN_AUTH != 0 && pos < len(data) {
		info.pluginName, pos, _ = buf.ReadStringNUL(data, pos)
	}
	if info.capabilities&protocol.CLIENT_CONNECT_ATTRS != 0 && pos < len(data) {
		info.connectAttrs = parseConnectAttrs(data, pos)
	}
	return &info, nil
}

func parseConnectAttrs(data []byte, pos int) map[string]string {
	total, pos, ok := buf.ReadLenEncInt(data, pos)
	if !ok {
		return nil
	}
	end := pos + int(total)
	if end > len(data) {
		return nil
	}
	attrs := make(map[string]string)
	for pos < end {
		key, next, ok := buf.ReadLenEncString(data, pos)
		if !ok {
			break
		}
		value, next2, ok := buf.ReadLenEncString(data, next)
		if !ok {
			break
		}
		pos = next2
		attrs[key] = value
	}
	return attrs
}

// ChangeUser re-authenticates an established session for COM_CHANGE_USER.
// The packet inlines an auth-switch-equivalent exchange; the session's
// cached credentials are replaced only after validation. Failure closes
// the session.
func (a *Authenticator) ChangeUser(ctx context.Context, c *Conn, p []byte) error {
	if c.state != StateComplete {
		return merr.NewProtocolState("COM_CHANGE_USER before authentication")
	}
	payload := p[4:]
	pos := 1
	var ok bool
	var user, db string
	user, pos, ok = buf.ReadStringNUL(payload, pos)
	if !ok {
		return merr.NewMalformedPacket("bad COM_CHANGE_USER")
	}
	var token []byte
	if c.capability&protocol.CLIENT_SECURE_CONNECTION != 0 {
		var l uint8
		l, pos, ok = buf.ReadUint8(payload, pos)
		if !ok {
			return merr.NewMalformedPacket("bad COM_CHANGE_USER auth length")
		}
		token, pos, ok = buf.ReadCountOfBytes(payload, pos, int(l))
		if !ok || pos > len(payload) {
			// An auth payload that parses beyond its declared length is
			// fatal for the connection.
			return merr.NewMalformedPacket("COM_CHANGE_USER auth beyond declared length")
		}
	} else {
		var s string
		s, pos, ok = buf.ReadStringNUL(payload, pos)
		if !ok {
			return merr.NewMalformedPacket("bad COM_CHANGE_USER auth")
		}
		token = []byte(s)
	}
	db, pos, ok = buf.ReadStringNUL(payload, pos)
	if !ok {
		return merr.NewMalformedPacket("bad COM_CHANGE_USER database")
	}
	_ = pos

	// Issue a fresh challenge so the token is bound to a new scramble.
	newSalt := protocol.GenerateScramble(protocol.ScrambleLen)
	oldSalt := c.salt
	c.salt = newSalt
	c.seq = p[3] + 1
	retoken, err := a.authSwitchWithSalt(c, newSalt)
	if err != nil {
		c.salt = oldSalt
		return err
	}
	token = retoken

	if err := a.decide(ctx, c, user, db, token); err != nil {
		_ = c.WriteErr(err)
		return err
	}

	// Swap credentials only after validation succeeded.
	c.username = user
	c.database = db
	c.state = StateComplete
	a.verifier.ResetHostFailures(c.clientHost)
	return c.WriteOK()
}

func (a *Authenticator) authSwitchWithSalt(c *Conn, salt []byte) ([]byte, error) {
	payload := make([]byte, 0, 2+len(protocol.AuthNativePassword)+len(salt)+1)
	payload = append(payload, 0xfe)
	payload = append(payload, protocol.AuthNativePassword...)
	payload = append(payload, 0)
	payload = append(payload, salt...)
	payload = append(payload, 0)
	if err := c.writePayload(payload); err != nil {
		return nil, err
	}
	p, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	return p[4:], nil
}

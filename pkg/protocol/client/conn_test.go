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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/protocol"
)

func testConn(t *testing.T) *Conn {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })
	return NewConn(c1, protocol.DefaultCapability, 0)
}

func framed(t *testing.T, payload []byte) []byte {
	t.Helper()
	out, _ := protocol.WritePackets(payload, 0)
	return out
}

func TestTrackCommandClassifiesQuery(t *testing.T) {
	c := testConn(t)
	cmd, err := c.TrackCommand(framed(t, append([]byte{byte(protocol.ComQuery)}, "SELECT 1"...)))
	require.NoError(t, err)
	assert.Equal(t, protocol.ComQuery, cmd.Cmd)
	require.NotNil(t, cmd.Classify)
	assert.True(t, cmd.Classify.Type.Has(classifier.TypeRead))
}

func TestTrackCommandStmtID(t *testing.T) {
	c := testConn(t)
	payload := make([]byte, 9)
	payload[0] = byte(protocol.ComStmtExecute)
	buf.WriteUint32(payload, 1, 0x0a0b0c0d)
	cmd, err := c.TrackCommand(framed(t, payload))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0a0b0c0d), cmd.StmtID)
}

func TestTrackCommandLargeQueryContinuation(t *testing.T) {
	c := testConn(t)
	// A max-size payload marks the next frame as a continuation that
	// must not be classified.
	payload := make([]byte, buf.MaxPayloadSize)
	payload[0] = byte(protocol.ComQuery)
	copy(payload[1:], "INSERT INTO t VALUES (")
	raw, _ := protocol.WritePackets(payload, 0)
	first := raw[:buf.HeaderLen+buf.MaxPayloadSize]

	cmd, err := c.TrackCommand(first)
	require.NoError(t, err)
	assert.False(t, cmd.Continuation)
	require.NotNil(t, cmd.Classify)
	assert.True(t, cmd.Classify.Type.Has(classifier.TypeWrite))

	cont, err := c.TrackCommand(framed(t, []byte("tail')")))
	require.NoError(t, err)
	assert.True(t, cont.Continuation)
	assert.Nil(t, cont.Classify)

	// The continuation ended; the next packet is a fresh command.
	next, err := c.TrackCommand(framed(t, append([]byte{byte(protocol.ComQuery)}, "SELECT 1"...)))
	require.NoError(t, err)
	assert.False(t, next.Continuation)
}

func TestTrackCommandUpdatesSQLModeAndAutocommit(t *testing.T) {
	c := testConn(t)
	assert.True(t, c.Autocommit())
	_, err := c.TrackCommand(framed(t, append([]byte{byte(protocol.ComQuery)},
		"SET @@session.autocommit=0"...)))
	require.NoError(t, err)
	assert.False(t, c.Autocommit())

	_, err = c.TrackCommand(framed(t, append([]byte{byte(protocol.ComQuery)},
		"SET sql_mode='ORACLE'"...)))
	require.NoError(t, err)
	assert.Equal(t, classifier.SQLModeOracle, c.SQLMode())
}

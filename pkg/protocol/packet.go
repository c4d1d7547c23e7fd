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

package protocol

import (
	"strings"

	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/common/merr"
)

// Packet is one wire frame: 3 byte little endian payload length, 1 byte
// sequence number, payload.
type Packet struct {
	SequenceID uint8
	Payload    []byte
}

// Bytes renders the packet with its header.
func (p *Packet) Bytes() []byte {
	out := make([]byte, buf.HeaderLen, buf.HeaderLen+len(p.Payload))
	buf.WriteUint24(out, 0, uint32(len(p.Payload)))
	out[3] = p.SequenceID
	return append(out, p.Payload...)
}

// ParsePacket splits a framed buffer into a Packet. It does not handle
// continuation frames; use buf.Chain.SplitPackets for streams.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < buf.HeaderLen {
		return nil, merr.NewMalformedPacket("packet shorter than header: %d bytes", len(data))
	}
	l, _, _ := buf.ReadUint24(data, 0)
	if int(l)+buf.HeaderLen > len(data) {
		return nil, merr.NewMalformedPacket("packet declares %d payload bytes, has %d", l, len(data)-buf.HeaderLen)
	}
	return &Packet{
		SequenceID: data[3],
		Payload:    data[buf.HeaderLen : buf.HeaderLen+int(l)],
	}, nil
}

// WritePackets frames a payload into one or more wire packets, splitting
// payloads of MaxPayloadSize and above into consecutive max size frames
// whose sequence numbers advance modulo 256. It returns the rendered bytes
// and the next sequence number.
func WritePackets(payload []byte, seq uint8) ([]byte, uint8) {
	var out []byte
	for {
		n := len(payload)
		if n > buf.MaxPayloadSize {
			n = buf.MaxPayloadSize
		}
		hdr := make([]byte, buf.HeaderLen)
		buf.WriteUint24(hdr, 0, uint32(n))
		hdr[3] = seq
		seq++
		out = append(out, hdr...)
		out = append(out, payload[:n]...)
		payload = payload[n:]
		// A payload of exactly MaxPayloadSize is followed by an empty
		// terminating frame.
		if n < buf.MaxPayloadSize {
			break
		}
	}
	return out, seq
}

// Payload predicates operate on a framed packet (header included), in the
// manner of the proxy helpers.

func IsOK(p []byte) bool {
	return len(p) > 4 && p[4] == 0x00
}

func IsEOF(p []byte) bool {
	// A real EOF packet is at most 9 bytes; 0xfe also leads length encoded
	// integers of 8 byte width, which only occur in longer payloads.
	return len(p) > 4 && p[4] == 0xfe && len(p) < 4+9
}

func IsErr(p []byte) bool {
	return len(p) > 4 && p[4] == 0xff
}

func IsLocalInfile(p []byte) bool {
	return len(p) > 4 && p[4] == 0xfb
}

func IsAuthSwitch(p []byte) bool {
	return len(p) > 4 && p[4] == 0xfe && len(p) >= 4+9
}

// IsResultTerminator reports the DEPRECATE_EOF result set terminator:
// an OK packet led by 0xfe. Length does not disambiguate it from row
// data the way it does for legacy EOF; a 0xfe-led row can only occur
// when the frame carries a max size payload, so anything shorter is
// the terminator.
func IsResultTerminator(p []byte) bool {
	return len(p) > 4 && p[4] == 0xfe && len(p)-buf.HeaderLen < buf.MaxPayloadSize
}

// Cmd returns the command byte of a framed client packet.
func Cmd(p []byte) Command {
	if len(p) < 5 {
		return ComSleep
	}
	return Command(p[4])
}

// MakeOKPayload builds an OK packet payload.
func MakeOKPayload(affectedRows, lastInsertID uint64, status, warnings uint16, message string) []byte {
	data := make([]byte, 0, 16+len(message))
	data = append(data, 0x00)
	data = buf.AppendLenEncInt(data, affectedRows)
	data = buf.AppendLenEncInt(data, lastInsertID)
	var tmp [4]byte
	buf.WriteUint16(tmp[:], 0, status)
	buf.WriteUint16(tmp[:], 2, warnings)
	data = append(data, tmp[:]...)
	if len(message) > 0 {
		data = append(data, message...)
	}
	return data
}

// MakeErrPayload builds an ERR packet payload.
func MakeErrPayload(errno uint16, state, message string) []byte {
	if len(state) != 5 {
		state = DefaultSQLState
	}
	data := make([]byte, 0, 9+len(message))
	data = append(data, 0xff)
	var tmp [2]byte
	buf.WriteUint16(tmp[:], 0, errno)
	data = append(data, tmp[:]...)
	data = append(data, '#')
	data = append(data, state...)
	data = append(data, message...)
	return data
}

// MakeErrPayloadOf renders a proxy error as an ERR payload.
func MakeErrPayloadOf(err error) []byte {
	e := merr.AsError(err)
	return MakeErrPayload(e.MySQLErrno(), e.SQLState(), e.Message())
}

// MakeEOFPayload builds an EOF packet payload.
func MakeEOFPayload(warnings, status uint16) []byte {
	data := make([]byte, 5)
	data[0] = 0xfe
	buf.WriteUint16(data, 1, warnings)
	buf.WriteUint16(data, 3, status)
	return data
}

// OKStatus extracts the status flags of a framed OK packet.
func OKStatus(p []byte) (uint16, bool) {
	payload := p[4:]
	pos := 1
	var ok bool
	if _, pos, ok = buf.ReadLenEncInt(payload, pos); !ok {
		return 0, false
	}
	if _, pos, ok = buf.ReadLenEncInt(payload, pos); !ok {
		return 0, false
	}
	status, _, ok := buf.ReadUint16(payload, pos)
	return status, ok
}

// EOFStatus extracts the status flags of a framed EOF packet.
func EOFStatus(p []byte) (uint16, bool) {
	if len(p) < 9 {
		return 0, false
	}
	status, _, ok := buf.ReadUint16(p, 7)
	return status, ok
}

// ErrCode extracts the error number of a framed ERR packet.
func ErrCode(p []byte) (uint16, bool) {
	if len(p) < 7 {
		return 0, false
	}
	code, _, ok := buf.ReadUint16(p, 5)
	return code, ok
}

// VersionForWire prepends the 5.5.5- prefix MariaDB clients expect when
// the advertised server version starts with 10.
func VersionForWire(version string) string {
	if strings.HasPrefix(version, "10.") {
		return "5.5.5-" + version
	}
	return version
}

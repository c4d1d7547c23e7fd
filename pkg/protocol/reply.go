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
	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/common/merr"
)

// ReplyState tracks where a backend connection is inside one command
// response. Transitions are driven by the first byte of each packet and
// by the column and parameter counters.
type ReplyState int

const (
	ReplyStart ReplyState = iota
	ReplyColumnCount
	ReplyColumns
	ReplyColumnsEOF
	ReplyRows
	ReplyRowsEOF
	ReplyOK
	ReplyError
	ReplyLocalInfile
	ReplyPrepareResponse
	ReplyPrepareParamDefs
	ReplyPrepareColumnDefs
	ReplyDone
)

func (s ReplyState) String() string {
	switch s {
	case ReplyStart:
		return "Start"
	case ReplyColumnCount:
		return "ColumnCount"
	case ReplyColumns:
		return "Columns"
	case ReplyColumnsEOF:
		return "ColumnsEOF"
	case ReplyRows:
		return "Rows"
	case ReplyRowsEOF:
		return "RowsEOF"
	case ReplyOK:
		return "OK"
	case ReplyError:
		return "Error"
	case ReplyLocalInfile:
		return "LocalInfile"
	case ReplyPrepareResponse:
		return "PrepareResponse"
	case ReplyPrepareParamDefs:
		return "PrepareParamDefs"
	case ReplyPrepareColumnDefs:
		return "PrepareColumnDefs"
	case ReplyDone:
		return "Done"
	}
	return "Unknown"
}

// PrepareInfo is the parsed COM_STMT_PREPARE OK response.
type PrepareInfo struct {
	StmtID     uint32
	NumColumns uint16
	NumParams  uint16
	Warnings   uint16
}

// ReplyTracker runs the reply state machine of one backend connection for
// one command exchange. Reset is called when a new command is sent.
type ReplyTracker struct {
	state        ReplyState
	cmd          Command
	deprecateEOF bool
	sessionTrack bool

	columnsLeft uint64
	paramsLeft  uint64

	// Prepare holds the parsed prepare header when cmd is COM_STMT_PREPARE.
	Prepare PrepareInfo

	// Status is the server status of the last OK/EOF packet seen.
	Status uint16
	// ErrCode is set when the reply ended in an ERR packet.
	ErrCode uint16
	// GTID is the last gtid observed in a session track block.
	GTID string
	// SchemaChange carries a SESSION_TRACK_SCHEMA value when present.
	SchemaChange string
	// SysVarChanges carries SESSION_TRACK_SYSTEM_VARIABLES pairs.
	SysVarChanges map[string]string
	// NeedsInfile is set when the server requested a local infile.
	NeedsInfile bool
	// InfileName is the requested file when NeedsInfile is set.
	InfileName string
}

// NewReplyTracker creates a tracker bound to the negotiated capability.
func NewReplyTracker(capability uint32) *ReplyTracker {
	return &ReplyTracker{
		state:        ReplyDone,
		deprecateEOF: capability&CLIENT_DEPRECATE_EOF != 0,
		sessionTrack: capability&CLIENT_SESSION_TRACK != 0,
	}
}

// State returns the current state.
func (t *ReplyTracker) State() ReplyState { return t.state }

// Waiting reports whether a reply is still expected.
func (t *ReplyTracker) Waiting() bool { return t.state != ReplyDone }

// Reset arms the tracker for the response to cmd.
func (t *ReplyTracker) Reset(cmd Command) {
	t.state = ReplyStart
	t.cmd = cmd
	t.columnsLeft = 0
	t.paramsLeft = 0
	t.Status = 0
	t.ErrCode = 0
	t.NeedsInfile = false
	t.InfileName = ""
	t.SchemaChange = ""
	t.SysVarChanges = nil
	switch cmd {
	// Commands with no server response at all.
	case ComQuit, ComStmtClose, ComStmtSendLongData:
		t.state = ReplyDone
	}
}

// Next advances the state machine by one complete framed packet.
// It returns true when the full reply has been consumed.
func (t *ReplyTracker) Next(p []byte) (bool, error) {
	if len(p) < buf.HeaderLen+1 && t.state != ReplyRows {
		// Only row data may legally be empty (empty row packets do not
		// occur; a short frame elsewhere is a protocol violation).
		return false, merr.NewProtocolState("short packet in reply state %s", t.state)
	}
	switch t.state {
	case ReplyStart:
		return t.nextStart(p)
	case ReplyColumns:
		return t.nextColumns(p)
	case ReplyColumnsEOF:
		if !IsEOF(p) {
			return false, merr.NewProtocolState("expected EOF after column definitions, got 0x%02x", p[4])
		}
		t.state = ReplyRows
		return false, nil
	case ReplyRows:
		return t.nextRows(p)
	case ReplyPrepareParamDefs:
		return t.nextPrepareParam(p)
	case ReplyPrepareColumnDefs:
		return t.nextPrepareColumn(p)
	case ReplyLocalInfile:
		// The OK after the client streamed its file.
		return t.finishOK(p)
	case ReplyDone:
		return false, merr.NewProtocolState("unexpected packet after reply completed")
	}
	return false, merr.NewProtocolState("illegal reply state %d", t.state)
}

func (t *ReplyTracker) nextStart(p []byte) (bool, error) {
	switch {
	case IsErr(p):
		return t.finishErr(p)
	case IsOK(p):
		if t.cmd == ComStmtPrepare {
			return t.parsePrepareHeader(p)
		}
		return t.finishOK(p)
	case IsLocalInfile(p):
		t.NeedsInfile = true
		t.InfileName = string(p[5:])
		t.state = ReplyLocalInfile
		return true, nil
	default:
		count, _, ok := buf.ReadLenEncInt(p[4:], 0)
		if !ok || count == 0 {
			return false, merr.NewProtocolState("bad column count packet")
		}
		t.columnsLeft = count
		t.state = ReplyColumns
		return false, nil
	}
}

func (t *ReplyTracker) nextColumns(p []byte) (bool, error) {
	t.columnsLeft--
	if t.columnsLeft == 0 {
		if t.deprecateEOF {
			t.state = ReplyRows
		} else {
			t.state = ReplyColumnsEOF
		}
	}
	return false, nil
}

func (t *ReplyTracker) nextRows(p []byte) (bool, error) {
	switch {
	case IsErr(p):
		return t.finishErr(p)
	case t.deprecateEOF && IsResultTerminator(p):
		// With DEPRECATE_EOF the terminator is an OK packet led by 0xfe.
		return t.finishTerminator(p, true)
	case !t.deprecateEOF && IsEOF(p):
		return t.finishTerminator(p, false)
	default:
		// Row data streams through unexamined.
		return false, nil
	}
}

func (t *ReplyTracker) finishTerminator(p []byte, okShaped bool) (bool, error) {
	var status uint16
	var ok bool
	if okShaped {
		status, ok = OKStatus(p)
	} else {
		status, ok = EOFStatus(p)
	}
	if !ok {
		return false, merr.NewProtocolState("bad result set terminator")
	}
	t.Status = status
	if status&SERVER_MORE_RESULTS_EXISTS != 0 {
		t.state = ReplyStart
		return false, nil
	}
	t.state = ReplyDone
	return true, nil
}

func (t *ReplyTracker) finishOK(p []byte) (bool, error) {
	status, ok := OKStatus(p)
	if !ok {
		return false, merr.NewProtocolState("bad OK packet")
	}
	t.Status = status
	if t.sessionTrack && status&SERVER_SESSION_STATE_CHANGED != 0 {
		t.parseSessionTrack(p)
	}
	if status&SERVER_MORE_RESULTS_EXISTS != 0 {
		t.state = ReplyStart
		return false, nil
	}
	t.state = ReplyDone
	return true, nil
}

func (t *ReplyTracker) finishErr(p []byte) (bool, error) {
	code, ok := ErrCode(p)
	if !ok {
		return false, merr.NewProtocolState("bad ERR packet")
	}
	t.ErrCode = code
	if t.cmd == ComStmtPrepare {
		t.state = ReplyDone
		return true, nil
	}
	t.state = ReplyDone
	return true, nil
}

// parsePrepareHeader decodes the COM_STMT_PREPARE OK header from its
// fixed offsets: status, statement id, column count, parameter count,
// filler, warning count.
func (t *ReplyTracker) parsePrepareHeader(p []byte) (bool, error) {
	payload := p[4:]
	if len(payload) < 12 {
		return false, merr.NewProtocolState("short prepare response")
	}
	pos := 1
	var ok bool
	t.Prepare.StmtID, pos, ok = buf.ReadUint32(payload, pos)
	if !ok {
		return false, merr.NewProtocolState("bad prepare response")
	}
	t.Prepare.NumColumns, pos, _ = buf.ReadUint16(payload, pos)
	t.Prepare.NumParams, pos, _ = buf.ReadUint16(payload, pos)
	pos++ // filler
	t.Prepare.Warnings, _, _ = buf.ReadUint16(payload, pos)

	t.paramsLeft = uint64(t.Prepare.NumParams)
	t.columnsLeft = uint64(t.Prepare.NumColumns)
	switch {
	case t.paramsLeft > 0:
		t.state = ReplyPrepareParamDefs
	case t.columnsLeft > 0:
		t.state = ReplyPrepareColumnDefs
	default:
		t.state = ReplyDone
		return true, nil
	}
	return false, nil
}

func (t *ReplyTracker) nextPrepareParam(p []byte) (bool, error) {
	if t.paramsLeft > 0 {
		t.paramsLeft--
		if t.paramsLeft > 0 {
			return false, nil
		}
		if !t.deprecateEOF {
			// Stay, the EOF after parameter definitions comes next.
			return false, nil
		}
		return t.afterPrepareParams()
	}
	// The trailing EOF.
	if !IsEOF(p) {
		return false, merr.NewProtocolState("expected EOF after parameter definitions")
	}
	return t.afterPrepareParams()
}

func (t *ReplyTracker) afterPrepareParams() (bool, error) {
	if t.columnsLeft > 0 {
		t.state = ReplyPrepareColumnDefs
		return false, nil
	}
	t.state = ReplyDone
	return true, nil
}

func (t *ReplyTracker) nextPrepareColumn(p []byte) (bool, error) {
	if t.columnsLeft > 0 {
		t.columnsLeft--
		if t.columnsLeft > 0 {
			return false, nil
		}
		if !t.deprecateEOF {
			return false, nil
		}
		t.state = ReplyDone
		return true, nil
	}
	if !IsEOF(p) {
		return false, merr.NewProtocolState("expected EOF after column definitions")
	}
	t.state = ReplyDone
	return true, nil
}

// parseSessionTrack decodes the trailing key value blocks of an OK packet.
// The last observed gtid and schema change are exposed on the tracker.
func (t *ReplyTracker) parseSessionTrack(p []byte) {
	payload := p[4:]
	pos := 1
	var ok bool
	if _, pos, ok = buf.ReadLenEncInt(payload, pos); !ok {
		return
	}
	if _, pos, ok = buf.ReadLenEncInt(payload, pos); !ok {
		return
	}
	pos += 4 // status + warnings
	// info string, length encoded when session track is on.
	if _, pos, ok = buf.ReadLenEncBytes(payload, pos); !ok {
		return
	}
	block, _, ok := buf.ReadLenEncBytes(payload, pos)
	if !ok {
		return
	}
	bpos := 0
	for bpos < len(block) {
		typ := block[bpos]
		bpos++
		data, next, ok := buf.ReadLenEncBytes(block, bpos)
		if !ok {
			return
		}
		bpos = next
		switch typ {
		case SESSION_TRACK_GTIDS:
			// Skip the encoding spec byte, then the gtid text.
			if len(data) > 1 {
				if gtid, _, ok := buf.ReadLenEncString(data, 1); ok {
					t.GTID = gtid
				}
			}
		case SESSION_TRACK_SCHEMA:
			if schema, _, ok := buf.ReadLenEncString(data, 0); ok {
				t.SchemaChange = schema
			}
		case SESSION_TRACK_SYSTEM_VARIABLES:
			dpos := 0
			for dpos < len(data) {
				name, next, ok := buf.ReadLenEncString(data, dpos)
				if !ok {
					break
				}
				value, next2, ok := buf.ReadLenEncString(data, next)
				if !ok {
					break
				}
				dpos = next2
				if t.SysVarChanges == nil {
					t.SysVarChanges = map[string]string{}
				}
				t.SysVarChanges[name] = value
			}
		}
	}
}

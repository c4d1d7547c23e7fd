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
	"github.com/moxasql/moxa/pkg/buf"
	"github.com/moxasql/moxa/pkg/common/merr"
)

// psTracker maps the client visible 4 byte statement id to the internal
// id each backend assigned. While a statement is open the external id
// maps to exactly one internal id per backend; COM_STMT_CLOSE removes
// both mappings.
type psTracker struct {
	nextID uint32
	// byExternal: external id -> backend name -> internal id.
	byExternal map[uint32]map[string]uint32
	// byHistoryPos ties a history position of a COM_STMT_PREPARE to the
	// external id it produced, for rebinding during history replay.
	byHistoryPos map[uint64]uint32
	// historyPos is the reverse direction, so a close can locate the
	// prepare entry to drop from the replay log.
	historyPos map[uint32]uint64
}

func newPsTracker() *psTracker {
	return &psTracker{
		byExternal:   make(map[uint32]map[string]uint32),
		byHistoryPos: make(map[uint64]uint32),
		historyPos:   make(map[uint32]uint64),
	}
}

// bindHistory ties a history position to an external id.
func (t *psTracker) bindHistory(pos uint64, external uint32) {
	t.byHistoryPos[pos] = external
	t.historyPos[external] = pos
}

// historyPosOf returns the history position of the statement's prepare,
// zero when unknown.
func (t *psTracker) historyPosOf(external uint32) uint64 {
	return t.historyPos[external]
}

// externalForHistory resolves the external id a replayed prepare maps to;
// zero when the statement has been closed since.
func (t *psTracker) externalForHistory(pos uint64) uint32 {
	external := t.byHistoryPos[pos]
	if _, open := t.byExternal[external]; !open {
		return 0
	}
	return external
}

// allocate reserves a fresh external id.
func (t *psTracker) allocate() uint32 {
	t.nextID++
	return t.nextID
}

// bind records the internal id a backend returned for the statement.
func (t *psTracker) bind(external uint32, backendName string, internal uint32) {
	m, ok := t.byExternal[external]
	if !ok {
		m = make(map[string]uint32)
		t.byExternal[external] = m
	}
	m[backendName] = internal
}

// internalFor resolves the backend local id of an external id.
func (t *psTracker) internalFor(external uint32, backendName string) (uint32, error) {
	m, ok := t.byExternal[external]
	if !ok {
		return 0, merr.NewUnknownPrepared(external)
	}
	internal, ok := m[backendName]
	if !ok {
		return 0, merr.NewUnknownPrepared(external)
	}
	return internal, nil
}

// close drops every mapping of the external id.
func (t *psTracker) close(external uint32) {
	delete(t.byExternal, external)
	if pos, ok := t.historyPos[external]; ok {
		delete(t.byHistoryPos, pos)
		delete(t.historyPos, external)
	}
}

// backendsOf lists the backends holding the statement.
func (t *psTracker) backendsOf(external uint32) []string {
	m := t.byExternal[external]
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

// rewriteStmtID returns a copy of the framed COM_STMT_* packet with the
// 4 byte statement id replaced.
func rewriteStmtID(raw []byte, id uint32) []byte {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	buf.WriteUint32(cp, 5, id)
	return cp
}

// rewritePrepareReplyID returns a copy of a framed prepare response whose
// leading OK packet carries the external id instead of the internal one.
func rewritePrepareReplyID(reply []byte, id uint32) []byte {
	cp := make([]byte, len(reply))
	copy(cp, reply)
	if len(cp) >= 9 && cp[4] == 0x00 {
		buf.WriteUint32(cp, 5, id)
	}
	return cp
}

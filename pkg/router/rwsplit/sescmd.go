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

// sescmd is one identifier-tagged session command: a statement whose
// effect must be reproduced on every backend the session later uses.
type sescmd struct {
	// pos is the increasing 64-bit position ordering the history.
	pos uint64
	// raw is the framed command packet.
	raw []byte
}

// sescmdHistory is the ordered replay log of session commands.
type sescmdHistory struct {
	cmds    []sescmd
	nextPos uint64
	// limit bounds the history length; zero means unbounded.
	limit int
	// prune discards oldest entries at the limit instead of marking
	// the history broken.
	prune bool
	// broken is set when the limit was hit without pruning: new
	// backends can no longer be attached consistently.
	broken bool
	// prunedAny records that at least one entry was discarded, which
	// also rules out consistent replay on new backends.
	prunedAny bool
}

func newSescmdHistory(limit int, prune bool) *sescmdHistory {
	return &sescmdHistory{limit: limit, prune: prune}
}

// add records a session command and returns its position.
func (h *sescmdHistory) add(raw []byte) uint64 {
	h.nextPos++
	cp := make([]byte, len(raw))
	copy(cp, raw)
	h.cmds = append(h.cmds, sescmd{pos: h.nextPos, raw: cp})
	if h.limit > 0 && len(h.cmds) > h.limit {
		if h.prune {
			h.cmds = h.cmds[1:]
			h.prunedAny = true
		} else {
			h.broken = true
			h.cmds = h.cmds[:h.limit]
		}
	}
	return h.nextPos
}

// remove drops the entry at pos, used when a later statement cancels an
// earlier one (COM_STMT_CLOSE voiding its PREPARE). Unlike pruning this
// keeps the history replayable.
func (h *sescmdHistory) remove(pos uint64) {
	for i, cmd := range h.cmds {
		if cmd.pos == pos {
			h.cmds = append(h.cmds[:i], h.cmds[i+1:]...)
			return
		}
	}
}

// canAttach reports whether a new backend can still be brought to a
// consistent state by replaying the history.
func (h *sescmdHistory) canAttach() bool {
	return !h.broken && !h.prunedAny
}

// all returns the history in order.
func (h *sescmdHistory) all() []sescmd {
	return h.cmds
}

func (h *sescmdHistory) len() int { return len(h.cmds) }

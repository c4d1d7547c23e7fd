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

import "hash/crc32"

// trxRecord tracks the statements of the current transaction and a
// running checksum of every server-sent packet belonging to them, for
// replay after a master failure.
type trxRecord struct {
	// stmts are the framed statements since the transaction began.
	stmts [][]byte
	// checksum folds the reply bytes of each statement.
	checksum uint32
	// size is the recorded statement byte total.
	size int
	// maxSize bounds size; once exceeded the transaction is marked
	// non-replayable.
	maxSize int
	// replayable clears when the bound is exceeded.
	replayable bool
	// open marks an active transaction.
	open bool
}

func newTrxRecord(maxSize int) *trxRecord {
	return &trxRecord{maxSize: maxSize, replayable: true}
}

// begin starts recording a transaction.
func (t *trxRecord) begin() {
	t.stmts = nil
	t.checksum = 0
	t.size = 0
	t.replayable = true
	t.open = true
}

// end closes the record after COMMIT or ROLLBACK.
func (t *trxRecord) end() {
	t.stmts = nil
	t.checksum = 0
	t.size = 0
	t.open = false
}

// record stores one executed statement.
func (t *trxRecord) record(raw []byte) {
	if !t.open || !t.replayable {
		return
	}
	t.size += len(raw)
	if t.size > t.maxSize {
		t.replayable = false
		t.stmts = nil
		return
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	t.stmts = append(t.stmts, cp)
}

// fold mixes a reply's bytes into the running checksum.
func (t *trxRecord) fold(reply []byte) {
	if !t.open || !t.replayable {
		return
	}
	t.checksum = crc32.Update(t.checksum, crc32.IEEETable, reply)
}

// snapshot captures the record for a replay attempt; each retry restores
// from the original snapshot.
type trxSnapshot struct {
	stmts    [][]byte
	checksum uint32
}

func (t *trxRecord) snapshot() trxSnapshot {
	return trxSnapshot{stmts: t.stmts, checksum: t.checksum}
}

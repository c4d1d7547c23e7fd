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
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/cluster"
)

func TestSescmdHistoryOrdering(t *testing.T) {
	h := newSescmdHistory(0, false)
	p1 := h.add([]byte{1})
	p2 := h.add([]byte{2})
	assert.Less(t, p1, p2)
	require.Len(t, h.all(), 2)
	assert.Equal(t, []byte{1}, h.all()[0].raw)
	assert.True(t, h.canAttach())
}

func TestSescmdHistoryLimitWithoutPrune(t *testing.T) {
	h := newSescmdHistory(2, false)
	h.add([]byte{1})
	h.add([]byte{2})
	assert.True(t, h.canAttach())
	h.add([]byte{3})
	// The bound was hit; a new backend can no longer be brought to a
	// consistent state.
	assert.False(t, h.canAttach())
	assert.Equal(t, 2, h.len())
}

func TestSescmdHistoryLimitWithPrune(t *testing.T) {
	h := newSescmdHistory(2, true)
	h.add([]byte{1})
	h.add([]byte{2})
	h.add([]byte{3})
	assert.Equal(t, 2, h.len())
	assert.Equal(t, []byte{2}, h.all()[0].raw)
	assert.False(t, h.canAttach())
}

func TestSescmdHistoryRemove(t *testing.T) {
	h := newSescmdHistory(0, false)
	h.add([]byte{1})
	p2 := h.add([]byte{2})
	h.add([]byte{3})
	h.remove(p2)
	require.Len(t, h.all(), 2)
	assert.Equal(t, []byte{1}, h.all()[0].raw)
	assert.Equal(t, []byte{3}, h.all()[1].raw)
	// A cancelled entry is not a prune; replay stays consistent.
	assert.True(t, h.canAttach())
	h.remove(999)
	assert.Len(t, h.all(), 2)
}

func TestInterruptWithoutInflightIsNoop(t *testing.T) {
	s := &Session{}
	s.Interrupt()
}

func TestTrxRecordChecksum(t *testing.T) {
	trx := newTrxRecord(1 << 20)
	trx.begin()
	trx.record([]byte("BEGIN"))
	trx.fold([]byte("ok1"))
	trx.record([]byte("INSERT"))
	trx.fold([]byte("ok2"))

	want := crc32.Update(crc32.Update(0, crc32.IEEETable, []byte("ok1")),
		crc32.IEEETable, []byte("ok2"))
	assert.Equal(t, want, trx.checksum)
	require.Len(t, trx.stmts, 2)

	snap := trx.snapshot()
	assert.Equal(t, want, snap.checksum)

	trx.end()
	assert.False(t, trx.open)
	assert.Empty(t, trx.stmts)
}

func TestTrxRecordSizeBound(t *testing.T) {
	trx := newTrxRecord(8)
	trx.begin()
	trx.record([]byte("0123456789"))
	assert.False(t, trx.replayable)
	assert.Empty(t, trx.stmts)
	// Further records are ignored.
	trx.record([]byte("x"))
	assert.Empty(t, trx.stmts)
}

func TestPsTrackerMapping(t *testing.T) {
	ps := newPsTracker()
	ext := ps.allocate()
	assert.Equal(t, uint32(1), ext)
	ps.bind(ext, "a", 11)
	ps.bind(ext, "b", 22)

	id, err := ps.internalFor(ext, "a")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), id)
	id, err = ps.internalFor(ext, "b")
	require.NoError(t, err)
	assert.Equal(t, uint32(22), id)

	_, err = ps.internalFor(ext, "c")
	assert.Error(t, err)
	_, err = ps.internalFor(99, "a")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, ps.backendsOf(ext))
	ps.close(ext)
	_, err = ps.internalFor(ext, "a")
	assert.Error(t, err)
	assert.Empty(t, ps.backendsOf(ext))
}

func TestPsTrackerHistoryRebind(t *testing.T) {
	ps := newPsTracker()
	ext := ps.allocate()
	ps.bind(ext, "a", 5)
	ps.bindHistory(3, ext)
	assert.Equal(t, ext, ps.externalForHistory(3))
	assert.Equal(t, uint64(3), ps.historyPosOf(ext))
	ps.close(ext)
	// A closed statement is not rebound during replay, and its history
	// position is forgotten with it.
	assert.Equal(t, uint32(0), ps.externalForHistory(3))
	assert.Equal(t, uint64(0), ps.historyPosOf(ext))
}

func TestRewriteStmtID(t *testing.T) {
	raw := []byte{5, 0, 0, 0, 0x17, 9, 0, 0, 0}
	out := rewriteStmtID(raw, 0x01020304)
	assert.Equal(t, []byte{4, 3, 2, 1}, out[5:9])
	// The original is untouched.
	assert.Equal(t, byte(9), raw[5])
}

func runningSlave(name string) *cluster.Backend {
	b := cluster.NewBackend(name, "127.0.0.1", 0)
	b.SetFlag(cluster.StatusRunning | cluster.StatusSlave)
	return b
}

func TestRankFilter(t *testing.T) {
	a := runningSlave("a")
	b := runningSlave("b")
	a.SetRank(1)
	b.SetRank(2)
	out := rankFilter([]*cluster.Backend{a, b}, -1)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Name)

	// A better master rank excludes all worse-ranked slaves.
	c := runningSlave("c")
	c.SetRank(5)
	out = rankFilter([]*cluster.Backend{c}, 1)
	assert.Empty(t, out)
}

func TestSelectorLeastGlobalConnections(t *testing.T) {
	a := runningSlave("a")
	b := runningSlave("b")
	a.IncConnections()
	a.IncConnections()
	b.IncConnections()
	sel := newSelector(LeastGlobalConnections, 1)
	assert.Equal(t, "b", sel.pick([]*cluster.Backend{a, b}).Name)
}

func TestSelectorLeastCurrentOperations(t *testing.T) {
	a := runningSlave("a")
	b := runningSlave("b")
	a.IncActiveOps()
	sel := newSelector(LeastCurrentOperations, 1)
	assert.Equal(t, "b", sel.pick([]*cluster.Backend{a, b}).Name)
}

func TestSelectorLeastReplicationLag(t *testing.T) {
	a := runningSlave("a")
	b := runningSlave("b")
	a.SetReplicationLag(30)
	b.SetReplicationLag(2)
	sel := newSelector(LeastReplicationLag, 1)
	assert.Equal(t, "b", sel.pick([]*cluster.Backend{a, b}).Name)

	// Unknown lag sorts last.
	c := runningSlave("c")
	assert.Equal(t, "b", sel.pick([]*cluster.Backend{b, c}).Name)
}

func TestSelectorRouterConnections(t *testing.T) {
	a := runningSlave("a")
	b := runningSlave("b")
	sel := newSelector(LeastRouterConnections, 1)
	sel.connected("a")
	assert.Equal(t, "b", sel.pick([]*cluster.Backend{a, b}).Name)
	sel.disconnected("a")
	sel.connected("b")
	assert.Equal(t, "a", sel.pick([]*cluster.Backend{a, b}).Name)
}

func TestSelectorAdaptiveKeepsSlowBackendsSampled(t *testing.T) {
	fast := runningSlave("fast")
	slow := runningSlave("slow")
	fast.ObserveResponseTime(100 * time.Microsecond)
	slow.ObserveResponseTime(100 * time.Millisecond)

	sel := newSelector(Adaptive, 42)
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[sel.pick([]*cluster.Backend{fast, slow}).Name]++
	}
	// The fast backend dominates, but the floor keeps the slow one in
	// rotation so its average stays fresh.
	assert.Greater(t, counts["fast"], counts["slow"])
	assert.Greater(t, counts["slow"], 0)
}

func TestSelectorSingleCandidate(t *testing.T) {
	a := runningSlave("a")
	sel := newSelector(Adaptive, 1)
	assert.Equal(t, a, sel.pick([]*cluster.Backend{a}))
	assert.Nil(t, sel.pick(nil))
}

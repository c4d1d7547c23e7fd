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

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/cluster"
)

// node fabricates the probe result of a reachable backend.
func node(name, host string, serverID int64, readOnly bool, masters ...string) *probeResult {
	r := &probeResult{
		backend:  cluster.NewBackend(name, host, 3306),
		serverID: serverID,
		readOnly: readOnly,
	}
	for _, m := range masters {
		r.sources = append(r.sources, replicationSource{
			MasterHost: m, MasterPort: 3306,
			IORunning: true, SQLRunning: true,
		})
	}
	return r
}

func TestBuildTopologyEdges(t *testing.T) {
	master := node("m", "10.0.0.1", 1, false)
	slave := node("s", "10.0.0.2", 2, true, "10.0.0.1")
	topo := buildTopology([]*probeResult{master, slave})
	require.Len(t, topo.edges[0], 1)
	assert.Equal(t, 1, topo.edges[0][0])
	assert.Empty(t, topo.edges[1])
	assert.Equal(t, []int{0}, topo.upstream[1])
}

func TestSCCFindsRing(t *testing.T) {
	// a <-> b replicate from each other; c hangs off a.
	a := node("a", "10.0.0.1", 1, false, "10.0.0.2")
	b := node("b", "10.0.0.2", 2, false, "10.0.0.1")
	c := node("c", "10.0.0.3", 3, true, "10.0.0.1")
	topo := buildTopology([]*probeResult{a, b, c})
	cycles := topo.cycleMembers()
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []int{0, 1}, cycles[0])
}

func TestSCCNoCycleOnChain(t *testing.T) {
	a := node("a", "10.0.0.1", 1, false)
	b := node("b", "10.0.0.2", 2, true, "10.0.0.1")
	c := node("c", "10.0.0.3", 3, true, "10.0.0.2")
	topo := buildTopology([]*probeResult{a, b, c})
	assert.Empty(t, topo.cycleMembers())
	assert.True(t, topo.reaches(0, 2))
	assert.False(t, topo.reaches(2, 0))
	assert.Equal(t, 2, topo.downstreamCount(0))
}

func newTestMonitor(t *testing.T, backends ...*cluster.Backend) *Monitor {
	t.Helper()
	m, err := NewMonitor("test", cluster.NewCluster(backends...), Config{})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestDeriveRolesMasterSlaveRelay(t *testing.T) {
	master := node("m", "10.0.0.1", 1, false)
	relay := node("r", "10.0.0.2", 2, true, "10.0.0.1")
	leaf := node("l", "10.0.0.3", 3, true, "10.0.0.2")
	results := []*probeResult{master, relay, leaf}
	m := newTestMonitor(t, master.backend, relay.backend, leaf.backend)

	topo := buildTopology(results)
	idx := m.deriveRoles(topo, results)
	require.Equal(t, 0, idx)
	assert.True(t, master.backend.Status().Has(cluster.StatusMaster))
	assert.True(t, relay.backend.Status().Has(cluster.StatusSlave))
	assert.True(t, relay.backend.Status().Has(cluster.StatusRelay))
	assert.True(t, leaf.backend.Status().Has(cluster.StatusSlave))
	assert.False(t, leaf.backend.Status().Has(cluster.StatusRelay))
}

func TestDeriveRolesRingElectsLowestServerID(t *testing.T) {
	a := node("a", "10.0.0.1", 5, false, "10.0.0.2")
	b := node("b", "10.0.0.2", 2, false, "10.0.0.1")
	results := []*probeResult{a, b}
	m := newTestMonitor(t, a.backend, b.backend)

	topo := buildTopology(results)
	idx := m.deriveRoles(topo, results)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "b", results[idx].backend.Name)
}

func TestDeriveRolesNoWritableNode(t *testing.T) {
	a := node("a", "10.0.0.1", 1, true)
	b := node("b", "10.0.0.2", 2, true, "10.0.0.1")
	results := []*probeResult{a, b}
	m := newTestMonitor(t, a.backend, b.backend)
	topo := buildTopology(results)
	assert.Equal(t, -1, m.deriveRoles(topo, results))
}

func TestPickCandidatePrefersMostAdvancedGTID(t *testing.T) {
	behind := node("behind", "10.0.0.2", 2, true, "10.0.0.1")
	behind.gtid = ParseGTID("0-1-10")
	ahead := node("ahead", "10.0.0.3", 3, true, "10.0.0.1")
	ahead.gtid = ParseGTID("0-1-20")
	for _, r := range []*probeResult{behind, ahead} {
		r.backend.SetFlag(cluster.StatusRunning | cluster.StatusSlave)
	}
	m := newTestMonitor(t, behind.backend, ahead.backend)
	got := m.pickCandidate([]*probeResult{behind, ahead})
	require.NotNil(t, got)
	assert.Equal(t, "ahead", got.backend.Name)
}

func TestPickCandidateTieBreaksByRankThenName(t *testing.T) {
	a := node("zeta", "10.0.0.2", 2, true)
	b := node("alpha", "10.0.0.3", 3, true)
	a.gtid = ParseGTID("0-1-10")
	b.gtid = ParseGTID("0-1-10")
	a.backend.SetFlag(cluster.StatusRunning)
	b.backend.SetFlag(cluster.StatusRunning)
	b.backend.SetRank(1)
	a.backend.SetRank(2)
	m := newTestMonitor(t, a.backend, b.backend)
	got := m.pickCandidate([]*probeResult{a, b})
	require.NotNil(t, got)
	assert.Equal(t, "alpha", got.backend.Name)

	b.backend.SetRank(2)
	got = m.pickCandidate([]*probeResult{a, b})
	assert.Equal(t, "alpha", got.backend.Name)
}

func TestPickCandidateSkipsExcludedAndLowDisk(t *testing.T) {
	a := node("a", "10.0.0.2", 2, true)
	a.gtid = ParseGTID("0-1-10")
	a.backend.SetFlag(cluster.StatusRunning | cluster.StatusDiskLow)
	m := newTestMonitor(t, a.backend)
	assert.Nil(t, m.pickCandidate([]*probeResult{a}))

	b := node("b", "10.0.0.3", 3, true)
	b.gtid = ParseGTID("0-1-10")
	b.backend.SetFlag(cluster.StatusRunning)
	got := m.pickCandidate([]*probeResult{a, b})
	require.NotNil(t, got)
	assert.Equal(t, "b", got.backend.Name)

	m.cfg.ExcludedServers = []string{"b"}
	assert.Nil(t, m.pickCandidate([]*probeResult{a, b}))
}

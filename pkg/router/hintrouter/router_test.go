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

package hintrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/cluster"
)

func testSession(backends ...*cluster.Backend) *session {
	rt := NewRouter("hints", cluster.NewCluster(backends...), Params{})
	return &session{rt: rt}
}

func slave(name string, lag int64) *cluster.Backend {
	b := cluster.NewBackend(name, "h", 3306)
	b.SetFlag(cluster.StatusRunning | cluster.StatusSlave)
	b.SetReplicationLag(lag)
	return b
}

func TestPickSlavePrefersFewestConnections(t *testing.T) {
	a := slave("a", 0)
	b := slave("b", 0)
	a.IncConnections()
	s := testSession(a, b)
	require.NotNil(t, s.pickSlave())
	assert.Equal(t, "b", s.pickSlave().Name)
}

func TestPickByLagExcludesLaggards(t *testing.T) {
	a := slave("a", 30)
	b := slave("b", 2)
	s := testSession(a, b)
	got := s.pickByLag(10)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name)
	assert.Nil(t, s.pickByLag(1))
}

func TestPickDefaultFollowsParams(t *testing.T) {
	master := cluster.NewBackend("m", "h", 3306)
	master.SetFlag(cluster.StatusRunning | cluster.StatusMaster)
	b := slave("s", 0)

	s := testSession(master, b)
	require.NotNil(t, s.pickDefault())
	assert.Equal(t, "m", s.pickDefault().Name)

	s.rt.params.Default = classifier.HintSlave
	assert.Equal(t, "s", s.pickDefault().Name)

	s.rt.params.Default = classifier.HintNamedServer
	s.rt.params.DefaultServer = "m"
	assert.Equal(t, "m", s.pickDefault().Name)
}

func TestParamsAdjust(t *testing.T) {
	p := Params{}
	p.Adjust()
	assert.Equal(t, classifier.HintMaster, p.Default)
	assert.NotZero(t, p.ConnectTimeout)
}

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

package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/config"
)

func testSurface(t *testing.T) (*Surface, *cluster.Cluster) {
	t.Helper()
	reg := config.NewRegistry("")
	require.NoError(t, reg.Create(&config.Object{
		Name: "db1", Kind: config.KindServer,
		Params: map[string]string{"address": "10.0.0.1"},
	}))
	require.NoError(t, reg.Create(&config.Object{
		Name: "split", Kind: config.KindService, Module: "readwritesplit",
	}))
	require.NoError(t, reg.AlterRelations("split", []string{"db1"}))

	s := NewSurface(reg)
	cl := cluster.NewCluster(cluster.NewBackend("db1", "10.0.0.1", 3306))
	s.BindCluster("split", cl)
	return s, cl
}

func TestShowIncludesRelationships(t *testing.T) {
	s, _ := testSurface(t)
	info, err := s.Show(config.KindService, "split")
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, info.Targets)

	info, err = s.Show(config.KindServer, "db1")
	require.NoError(t, err)
	assert.Equal(t, []string{"split"}, info.ReferencedBy)
	assert.Equal(t, "10.0.0.1", info.Params["address"])
}

func TestServerStates(t *testing.T) {
	s, cl := testSurface(t)
	states := s.ServerStates()
	assert.Equal(t, "Down", states["db1"])
	cl.Get("db1").SetFlag(cluster.StatusRunning | cluster.StatusMaster)
	states = s.ServerStates()
	assert.Equal(t, "Master, Running", states["db1"])
}

func TestMaintenanceAndDraining(t *testing.T) {
	s, cl := testSurface(t)
	require.NoError(t, s.SetMaintenance("db1", true))
	assert.True(t, cl.Get("db1").Status().Has(cluster.StatusMaintenance))
	require.NoError(t, s.SetMaintenance("db1", false))
	assert.False(t, cl.Get("db1").Status().Has(cluster.StatusMaintenance))

	require.NoError(t, s.SetDraining("db1", true))
	assert.True(t, cl.Get("db1").Status().Has(cluster.StatusDraining))

	assert.Error(t, s.SetMaintenance("ghost", true))
}

func TestMonitorCommandsRequireBoundMonitor(t *testing.T) {
	s, _ := testSurface(t)
	err := s.Failover(context.Background(), "mon")
	assert.True(t, merr.Is(err, merr.ErrUnknownObject))
	err = s.Switchover(context.Background(), "mon", "db1")
	assert.True(t, merr.Is(err, merr.ErrUnknownObject))
	err = s.Rejoin(context.Background(), "mon", "db1")
	assert.True(t, merr.Is(err, merr.ErrUnknownObject))
	assert.Error(t, s.ResetReplication("mon"))
}

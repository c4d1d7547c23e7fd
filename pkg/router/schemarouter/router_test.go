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

package schemarouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
)

func shardRouter(t *testing.T, backends ...*cluster.Backend) *Router {
	t.Helper()
	return NewRouter("shards", cluster.NewCluster(backends...), Params{
		RefreshInterval: time.Hour,
	})
}

func runningBackend(name string) *cluster.Backend {
	b := cluster.NewBackend(name, "h", 3306)
	b.SetFlag(cluster.StatusRunning)
	return b
}

func TestLocateUsesShardMap(t *testing.T) {
	s1 := runningBackend("shard1")
	s2 := runningBackend("shard2")
	r := shardRouter(t, s1, s2)
	r.mu.shardMap = map[string]string{"orders": "shard1", "billing": "shard2"}
	r.mu.refreshed = time.Now()

	b, err := r.locate("orders")
	require.NoError(t, err)
	assert.Equal(t, "shard1", b.Name)
	b, err = r.locate("billing")
	require.NoError(t, err)
	assert.Equal(t, "shard2", b.Name)
}

func TestLocateSystemSchemaAnswersAnywhere(t *testing.T) {
	s1 := runningBackend("shard1")
	r := shardRouter(t, s1)
	b, err := r.locate("information_schema")
	require.NoError(t, err)
	assert.Equal(t, "shard1", b.Name)
}

func TestLocateUnknownDatabase(t *testing.T) {
	r := shardRouter(t, runningBackend("shard1"))
	r.mu.refreshed = time.Now()
	_, err := r.locate("missing")
	assert.True(t, merr.Is(err, merr.ErrUnknownDatabase))
}

func TestLocateEmptyDatabase(t *testing.T) {
	r := shardRouter(t, runningBackend("shard1"))
	_, err := r.locate("")
	assert.Error(t, err)
}

func TestLocateDownShard(t *testing.T) {
	s1 := runningBackend("shard1")
	r := shardRouter(t, s1)
	r.mu.shardMap = map[string]string{"orders": "shard1"}
	r.mu.refreshed = time.Now()
	s1.SetStatus(cluster.StatusDown)
	_, err := r.locate("orders")
	assert.True(t, merr.Is(err, merr.ErrNoBackend))
}

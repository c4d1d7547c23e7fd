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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/common/merr"
)

const sampleConfig = `
[db1]
type = "server"
[db1.parameters]
address = "10.0.0.1"
port = "3306"

[split]
type = "service"
module = "readwritesplit"
targets = ["db1"]
[split.parameters]
router = "readwritesplit"
causal_reads = "true"
`

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "moxa.cnf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))
	r := NewRegistry(filepath.Join(dir, "persisted"))
	require.NoError(t, r.Load(path))
	return r
}

func TestLoadObjects(t *testing.T) {
	r := loadedRegistry(t)
	srv, err := r.Get(KindServer, "db1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", srv.Param("address", ""))
	assert.Equal(t, "3306", srv.Param("port", ""))

	svc, err := r.Get(KindService, "split")
	require.NoError(t, err)
	assert.Equal(t, "readwritesplit", svc.Module)
	assert.Equal(t, []string{"db1"}, r.Relations("split"))
	assert.Equal(t, []string{"split"}, r.ReverseRelations("db1"))
}

func TestGetUnknownObject(t *testing.T) {
	r := loadedRegistry(t)
	_, err := r.Get(KindServer, "nope")
	assert.True(t, merr.Is(err, merr.ErrUnknownObject))
}

func TestCreateDuplicateRejected(t *testing.T) {
	r := loadedRegistry(t)
	err := r.Create(&Object{Name: "db1", Kind: KindServer})
	assert.True(t, merr.Is(err, merr.ErrDuplicateObject))
}

func TestAlterRuntimeParameter(t *testing.T) {
	r := loadedRegistry(t)
	require.NoError(t, r.Alter(KindService, "split", "causal_reads", "false"))
	svc, _ := r.Get(KindService, "split")
	assert.Equal(t, "false", svc.Param("causal_reads", ""))
}

func TestAlterImmutableParameterRejected(t *testing.T) {
	r := loadedRegistry(t)
	err := r.Alter(KindServer, "db1", "address", "10.9.9.9")
	assert.True(t, merr.Is(err, merr.ErrImmutableParam))
	err = r.Alter(KindService, "split", "router", "schemarouter")
	assert.True(t, merr.Is(err, merr.ErrImmutableParam))
}

func TestDestroyProtectsReferencedObjects(t *testing.T) {
	r := loadedRegistry(t)
	err := r.Destroy(KindServer, "db1")
	assert.True(t, merr.Is(err, merr.ErrObjectInUse))

	require.NoError(t, r.AlterRelations("split", nil))
	assert.NoError(t, r.Destroy(KindServer, "db1"))
}

func TestRuntimeObjectsPersistAndOverlay(t *testing.T) {
	dir := t.TempDir()
	persistDir := filepath.Join(dir, "persisted")
	path := filepath.Join(dir, "moxa.cnf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	r := NewRegistry(persistDir)
	require.NoError(t, r.Load(path))
	require.NoError(t, r.Create(&Object{
		Name:   "db2",
		Kind:   KindServer,
		Params: map[string]string{"address": "10.0.0.2", "port": "3306"},
	}))

	// A fresh registry sees the persisted stanza overlaid on the file.
	r2 := NewRegistry(persistDir)
	require.NoError(t, r2.Load(path))
	srv, err := r2.Get(KindServer, "db2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", srv.Param("address", ""))
	assert.ElementsMatch(t, []string{"db1", "db2"}, r2.List(KindServer))
}

func TestAlterPersistedObject(t *testing.T) {
	dir := t.TempDir()
	persistDir := filepath.Join(dir, "persisted")
	r := NewRegistry(persistDir)
	require.NoError(t, r.Create(&Object{Name: "db9", Kind: KindServer,
		Params: map[string]string{"rank": "1"}}))
	require.NoError(t, r.Alter(KindServer, "db9", "rank", "2"))

	r2 := NewRegistry(persistDir)
	require.NoError(t, r2.Load(""))
	srv, err := r2.Get(KindServer, "db9")
	require.NoError(t, err)
	assert.Equal(t, "2", srv.Param("rank", ""))
}

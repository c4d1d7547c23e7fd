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

package usercache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/common/merr"
)

func testCache(t *testing.T, entries []*Entry, dbs []string) *Cache {
	t.Helper()
	c := NewCache(Config{})
	c.replace(entries, dbs)
	return c
}

func TestLookupExactHost(t *testing.T) {
	c := testCache(t, []*Entry{
		{User: "app", Host: "10.0.0.5", AnyDB: true},
	}, nil)
	e, err := c.Lookup("app", "10.0.0.5", "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", e.Host)
}

func TestLookupUserNotFound(t *testing.T) {
	c := testCache(t, nil, nil)
	_, err := c.Lookup("ghost", "10.0.0.5", "")
	assert.True(t, merr.Is(err, merr.ErrUserNotFound))
}

func TestLookupWildcardHost(t *testing.T) {
	c := testCache(t, []*Entry{
		{User: "app", Host: "10.0.%", AnyDB: true},
	}, nil)
	_, err := c.Lookup("app", "10.0.3.7", "")
	require.NoError(t, err)
	_, err = c.Lookup("app", "192.168.1.1", "")
	assert.Error(t, err)
}

func TestLookupPrefersMoreSpecificHost(t *testing.T) {
	wild := &Entry{User: "app", Host: "%", AnyDB: true}
	exact := &Entry{User: "app", Host: "10.0.0.1", AnyDB: true, Password: []byte{1}}
	c := testCache(t, []*Entry{wild, exact}, nil)
	c.cfg.WildcardMatchesLocalhost = true
	e, err := c.Lookup("app", "10.0.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", e.Host)
}

func TestLookupLocalhostAlias(t *testing.T) {
	c := testCache(t, []*Entry{
		{User: "root", Host: "localhost", AnyDB: true},
	}, nil)
	for _, host := range []string{"localhost", "127.0.0.1", "::1"} {
		_, err := c.Lookup("root", host, "")
		assert.NoError(t, err, host)
	}
	_, err := c.Lookup("root", "10.1.1.1", "")
	assert.Error(t, err)
}

func TestWildcardLoopbackFlag(t *testing.T) {
	entries := []*Entry{{User: "app", Host: "%", AnyDB: true}}

	strict := NewCache(Config{})
	strict.replace(entries, nil)
	_, err := strict.Lookup("app", "127.0.0.1", "")
	assert.Error(t, err)

	relaxed := NewCache(Config{WildcardMatchesLocalhost: true})
	relaxed.replace(entries, nil)
	_, err = relaxed.Lookup("app", "127.0.0.1", "")
	assert.NoError(t, err)
}

func TestLookupUnknownDatabase(t *testing.T) {
	c := testCache(t, []*Entry{
		{User: "app", Host: "%", DB: "orders"},
	}, []string{"orders"})
	c.cfg.WildcardMatchesLocalhost = true
	_, err := c.Lookup("app", "10.0.0.1", "missing")
	assert.True(t, merr.Is(err, merr.ErrUnknownDatabase))
	_, err = c.Lookup("app", "10.0.0.1", "orders")
	assert.NoError(t, err)
}

func TestLikeMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"%", "anything", true},
		{"10.0.%", "10.0.1.2", true},
		{"10.0.%", "10.1.1.2", false},
		{"app_", "app1", true},
		{"app_", "app12", false},
		{"%.example.com", "db.example.com", true},
		{"HOST%", "hostname", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, likeMatch(tc.pattern, tc.s), "%s ~ %s", tc.pattern, tc.s)
	}
}

func TestHostBlocking(t *testing.T) {
	c := NewCache(Config{BlockThreshold: 3})
	assert.False(t, c.IsHostBlocked("1.2.3.4"))
	c.RegisterAuthFailure("1.2.3.4")
	c.RegisterAuthFailure("1.2.3.4")
	assert.False(t, c.IsHostBlocked("1.2.3.4"))
	blocked := c.RegisterAuthFailure("1.2.3.4")
	assert.True(t, blocked)
	assert.True(t, c.IsHostBlocked("1.2.3.4"))
	c.ResetHostFailures("1.2.3.4")
	assert.False(t, c.IsHostBlocked("1.2.3.4"))
}

func TestReloadRateLimit(t *testing.T) {
	c := NewCache(Config{ReloadInterval: time.Hour})
	assert.True(t, c.canReload(false))
	assert.False(t, c.canReload(false))
	// The forced path shares the limiter but with a tighter window; it
	// is still refused right after a reload.
	assert.False(t, c.canReload(true))
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.cache")
	c := NewCache(Config{PersistPath: path})
	c.replace([]*Entry{
		{User: "app", Host: "%", AnyDB: true, Password: []byte{0xde, 0xad}},
		{User: "root", Host: "localhost", AnyDB: true},
	}, []string{"orders", "billing"})
	require.NoError(t, c.Persist())

	restored := NewCache(Config{PersistPath: path})
	require.NoError(t, restored.Restore())
	assert.True(t, restored.HasDatabase("orders"))
	assert.True(t, restored.HasDatabase("billing"))
	e, err := restored.Lookup("root", "localhost", "")
	require.NoError(t, err)
	assert.Equal(t, "localhost", e.Host)
	e, err = restored.Lookup("app", "10.0.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, e.Password)
}

func TestRestoreMissingFileIsNotAnError(t *testing.T) {
	c := NewCache(Config{PersistPath: filepath.Join(t.TempDir(), "none")})
	assert.NoError(t, c.Restore())
}

func TestDecodePasswordHash(t *testing.T) {
	raw := decodePasswordHash("*2470C0C06DEE42FD1618BB99005ADCA2EC9D1E19")
	require.Len(t, raw, 20)
	assert.Nil(t, decodePasswordHash(""))
	assert.Nil(t, decodePasswordHash("not-hex"))
}

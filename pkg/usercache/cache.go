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

// Package usercache stores the user, host and database grants replicated
// from a backend so the proxy can authenticate clients itself. The cache
// is read mostly; reloads are serialized and rate limited.
package usercache

import (
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/moxasql/moxa/pkg/common/merr"
)

// Entry is one (user, host, db) grant row.
type Entry struct {
	User string
	Host string
	// DB is the granted database; empty with AnyDB set means all.
	DB    string
	AnyDB bool
	// Password is the stored double SHA1 hash, nil for empty passwords.
	Password []byte
	// SSLRequired refuses the user over plain connections.
	SSLRequired bool
}

// entryLess orders entries by user, then host, then database, so all
// candidate rows for one user are adjacent in the tree.
func entryLess(a, b *Entry) bool {
	if a.User != b.User {
		return a.User < b.User
	}
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.DB < b.DB
}

// Config tunes cache behavior.
type Config struct {
	// ReloadInterval rate limits reloads; at most one per interval.
	ReloadInterval time.Duration
	// WildcardMatchesLocalhost lets '%' style hosts match loopback.
	WildcardMatchesLocalhost bool
	// BlockThreshold is the consecutive auth failure count after which
	// a host is answered with error 1129. Zero selects the default of 60.
	BlockThreshold int
	// PersistPath stores the cache across restarts; empty disables.
	PersistPath string
}

// Adjust fills defaults.
func (c *Config) Adjust() {
	if c.ReloadInterval == 0 {
		c.ReloadInterval = 30 * time.Second
	}
	if c.BlockThreshold == 0 {
		c.BlockThreshold = 60
	}
}

// Cache is the in-process grant store.
type Cache struct {
	cfg Config

	mu struct {
		sync.RWMutex
		entries *btree.BTreeG[*Entry]
		// databases known to exist on the backends.
		databases map[string]struct{}
		// version counts successful loads.
		version uint64
	}

	reloadMu struct {
		sync.Mutex
		lastReload time.Time
	}

	hostMu struct {
		sync.Mutex
		failures map[string]int
	}
}

// NewCache creates an empty cache.
func NewCache(cfg Config) *Cache {
	cfg.Adjust()
	c := &Cache{cfg: cfg}
	c.mu.entries = btree.NewG[*Entry](16, entryLess)
	c.mu.databases = make(map[string]struct{})
	c.hostMu.failures = make(map[string]int)
	return c
}

// Version returns the successful load count.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.version
}

// replace swaps in a new data set.
func (c *Cache) replace(entries []*Entry, databases []string) {
	tree := btree.NewG[*Entry](16, entryLess)
	for _, e := range entries {
		tree.ReplaceOrInsert(e)
	}
	dbs := make(map[string]struct{}, len(databases))
	for _, db := range databases {
		dbs[db] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.entries = tree
	c.mu.databases = dbs
	c.mu.version++
}

// snapshot returns the current rows, used by persistence.
func (c *Cache) snapshot() ([]*Entry, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]*Entry, 0, c.mu.entries.Len())
	c.mu.entries.Ascend(func(e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	dbs := make([]string, 0, len(c.mu.databases))
	for db := range c.mu.databases {
		dbs = append(dbs, db)
	}
	return entries, dbs
}

// HasDatabase reports whether a database name is known.
func (c *Cache) HasDatabase(db string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.mu.databases[db]
	return ok
}

// Lookup finds the grant row matching user, client host and requested
// database. Failure kinds are distinguished for the client error message.
func (c *Cache) Lookup(user, host, db string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []*Entry
	c.mu.entries.AscendGreaterOrEqual(&Entry{User: user}, func(e *Entry) bool {
		if e.User != user {
			return false
		}
		candidates = append(candidates, e)
		return true
	})
	if len(candidates) == 0 {
		return nil, merr.New(merr.ErrUserNotFound, "user %s not found", user)
	}

	var hostMatch *Entry
	for _, e := range candidates {
		if !c.matchHost(e.Host, host) {
			continue
		}
		if hostMatch == nil || hostSpecificity(e.Host) > hostSpecificity(hostMatch.Host) {
			if db == "" || e.AnyDB || strings.EqualFold(e.DB, db) {
				hostMatch = e
			}
		}
	}
	if hostMatch == nil {
		// A user exists but no row matches host+db. If the database is
		// simply unknown, say so; otherwise report access denied.
		if db != "" && !c.hasDatabaseLocked(db) {
			return nil, merr.NewUnknownDatabase(db)
		}
		return nil, merr.NewAccessDenied(user, host, true)
	}
	if db != "" && !hostMatch.AnyDB && !strings.EqualFold(hostMatch.DB, db) {
		return nil, merr.NewUnknownDatabase(db)
	}
	return hostMatch, nil
}

func (c *Cache) hasDatabaseLocked(db string) bool {
	_, ok := c.mu.databases[db]
	return ok
}

// hostSpecificity prefers exact hosts over wildcard ones.
func hostSpecificity(pattern string) int {
	if !strings.ContainsAny(pattern, "%_") {
		return 2
	}
	if pattern == "%" {
		return 0
	}
	return 1
}

// matchHost implements exact match, SQL LIKE wildcard match with % and _,
// and the localhost alias: both loopback families count as localhost.
func (c *Cache) matchHost(pattern, host string) bool {
	if strings.EqualFold(pattern, host) {
		return true
	}
	isLoop := isLoopback(host)
	if strings.EqualFold(pattern, "localhost") && isLoop {
		return true
	}
	if strings.ContainsAny(pattern, "%_") {
		if isLoop && !c.cfg.WildcardMatchesLocalhost {
			return false
		}
		return likeMatch(pattern, host)
	}
	return false
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// likeMatch is SQL LIKE over pattern with % (any run) and _ (single rune).
func likeMatch(pattern, s string) bool {
	// Iterative two-pointer matching with backtracking on %.
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '_' || equalFoldByte(pattern[p], s[i])):
			p++
			i++
		case p < len(pattern) && pattern[p] == '%':
			star = p
			mark = i
			p++
		case star != -1:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '%' {
		p++
	}
	return p == len(pattern)
}

func equalFoldByte(a, b byte) bool {
	if a == b {
		return true
	}
	if 'A' <= a && a <= 'Z' {
		a += 'a' - 'A'
	}
	if 'A' <= b && b <= 'Z' {
		b += 'a' - 'A'
	}
	return a == b
}

// RegisterAuthFailure counts a consecutive failure from host and reports
// whether the host is now blocked.
func (c *Cache) RegisterAuthFailure(host string) bool {
	c.hostMu.Lock()
	defer c.hostMu.Unlock()
	c.hostMu.failures[host]++
	return c.hostMu.failures[host] >= c.cfg.BlockThreshold
}

// IsHostBlocked reports whether host crossed the failure threshold.
func (c *Cache) IsHostBlocked(host string) bool {
	c.hostMu.Lock()
	defer c.hostMu.Unlock()
	return c.hostMu.failures[host] >= c.cfg.BlockThreshold
}

// ResetHostFailures clears the failure count after a success.
func (c *Cache) ResetHostFailures(host string) {
	c.hostMu.Lock()
	defer c.hostMu.Unlock()
	delete(c.hostMu.failures, host)
}

// canReload consumes the rate limit token. The force flag covers the one
// extra out-of-band reload allowed on an authentication failure for an
// existing-looking user.
func (c *Cache) canReload(force bool) bool {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	now := time.Now()
	interval := c.cfg.ReloadInterval
	if force {
		interval /= 10
	}
	if now.Sub(c.reloadMu.lastReload) < interval {
		return false
	}
	c.reloadMu.lastReload = now
	return true
}

// decodePasswordHash parses the *ABCDEF... form of mysql.user.password.
func decodePasswordHash(s string) []byte {
	s = strings.TrimPrefix(strings.TrimSpace(s), "*")
	if s == "" {
		return nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}

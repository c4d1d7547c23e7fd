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
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
)

// usersQuery pulls the effective grant rows. The db column comes from
// mysql.db; users without database grants fall out of the left join with
// an empty db, meaning all databases.
const usersQuery = `
SELECT u.user, u.host,
       IFNULL(d.db, '') AS db,
       IF(d.db IS NULL OR d.db = '', 1, 0) AS any_db,
       IFNULL(u.authentication_string, IFNULL(u.password, '')) AS password,
       IF(u.ssl_type != '', 1, 0) AS ssl_required
FROM mysql.user AS u
LEFT JOIN mysql.db AS d ON u.user = d.user AND u.host = d.host
WHERE u.user != ''`

const databasesQuery = `SHOW DATABASES`

// Loader reloads the cache from one reachable backend.
type Loader struct {
	cache *Cache
	// User and Password authenticate the service account used for the
	// grants queries.
	User     string
	Password string
	// Timeout bounds one load attempt.
	Timeout time.Duration
}

// NewLoader creates a loader bound to the cache.
func NewLoader(cache *Cache, user, password string) *Loader {
	return &Loader{
		cache:    cache,
		User:     user,
		Password: password,
		Timeout:  10 * time.Second,
	}
}

// Load connects to addr, queries the grant tables and swaps the cache
// content. On success the cache is persisted to the local file.
func (l *Loader) Load(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/mysql?timeout=5s&readTimeout=5s", l.User, l.Password, addr)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return merr.Wrap(err, merr.ErrInternal, "open grants connection to %s", addr)
	}
	defer func() { _ = db.Close() }()

	entries, err := queryUsers(ctx, db)
	if err != nil {
		return merr.Wrap(err, merr.ErrInternal, "load users from %s", addr)
	}
	databases, err := queryDatabases(ctx, db)
	if err != nil {
		return merr.Wrap(err, merr.ErrInternal, "load databases from %s", addr)
	}

	l.cache.replace(entries, databases)
	logutil.Info("user cache reloaded",
		zap.String("backend", addr),
		zap.Int("users", len(entries)),
		zap.Int("databases", len(databases)))

	if l.cache.cfg.PersistPath != "" {
		if err := l.cache.Persist(); err != nil {
			logutil.Error("persist user cache failed", zap.Error(err))
		}
	}
	return nil
}

// LoadRateLimited loads through the rate limiter. It returns false when
// the limiter refused the attempt.
func (l *Loader) LoadRateLimited(ctx context.Context, addr string, force bool) (bool, error) {
	if !l.cache.canReload(force) {
		return false, nil
	}
	return true, l.Load(ctx, addr)
}

func queryUsers(ctx context.Context, db *sql.DB) ([]*Entry, error) {
	rows, err := db.QueryContext(ctx, usersQuery)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var user, host, dbName, password string
		var anyDB, sslRequired int
		if err := rows.Scan(&user, &host, &dbName, &anyDB, &password, &sslRequired); err != nil {
			return nil, err
		}
		entries = append(entries, &Entry{
			User:        user,
			Host:        host,
			DB:          dbName,
			AnyDB:       anyDB != 0,
			Password:    decodePasswordHash(password),
			SSLRequired: sslRequired != 0,
		})
	}
	return entries, rows.Err()
}

func queryDatabases(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, databasesQuery)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

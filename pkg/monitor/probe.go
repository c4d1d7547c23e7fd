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
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/moxasql/moxa/pkg/cluster"
)

// replicationSource is one row of SHOW ALL SLAVES STATUS.
type replicationSource struct {
	MasterHost     string
	MasterPort     int
	MasterServerID int64
	IORunning      bool
	SQLRunning     bool
	SecondsBehind  int64
	LastIOError    string
}

// probeResult is everything one monitor tick learns about a backend.
type probeResult struct {
	backend *cluster.Backend
	err     error

	serverID int64
	readOnly bool
	version  string
	gtid     GTID
	sources  []replicationSource
	diskLow  bool
}

// prober owns the pooled admin connections to the backends.
type prober struct {
	user     string
	password string
	timeout  time.Duration

	// conns caches one *sql.DB per backend address.
	conns map[string]*sql.DB
}

func newProber(user, password string, timeout time.Duration) *prober {
	return &prober{
		user:     user,
		password: password,
		timeout:  timeout,
		conns:    make(map[string]*sql.DB),
	}
}

func (p *prober) dbFor(b *cluster.Backend) (*sql.DB, error) {
	if db, ok := p.conns[b.Addr()]; ok {
		return db, nil
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=%s&readTimeout=%s",
		p.user, p.password, b.Addr(), p.timeout, p.timeout)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	p.conns[b.Addr()] = db
	return db, nil
}

func (p *prober) close() {
	for _, db := range p.conns {
		_ = db.Close()
	}
	p.conns = nil
}

// probe runs the short query set against one backend.
func (p *prober) probe(ctx context.Context, b *cluster.Backend) *probeResult {
	res := &probeResult{backend: b}
	db, err := p.dbFor(b)
	if err != nil {
		res.err = err
		return res
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := db.QueryRowContext(ctx, "SELECT @@server_id, @@read_only, @@version").
		Scan(&res.serverID, &res.readOnly, &res.version); err != nil {
		res.err = err
		return res
	}
	var gtid string
	if err := db.QueryRowContext(ctx, "SELECT @@gtid_current_pos").Scan(&gtid); err == nil {
		res.gtid = ParseGTID(gtid)
	}
	res.sources = p.slaveStatus(ctx, db)
	return res
}

// slaveStatus reads the replication connections. Column sets differ
// across versions, so rows are scanned by name.
func (p *prober) slaveStatus(ctx context.Context, db *sql.DB) []replicationSource {
	rows, err := db.QueryContext(ctx, "SHOW ALL SLAVES STATUS")
	if err != nil {
		return nil
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil
	}
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c] = i
	}

	var out []replicationSource
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return out
		}
		get := func(name string) string {
			if i, ok := idx[name]; ok {
				return raw[i].String
			}
			return ""
		}
		src := replicationSource{
			MasterHost:  get("Master_Host"),
			IORunning:   get("Slave_IO_Running") == "Yes",
			SQLRunning:  get("Slave_SQL_Running") == "Yes",
			LastIOError: get("Last_IO_Error"),
		}
		fmt.Sscanf(get("Master_Port"), "%d", &src.MasterPort)
		fmt.Sscanf(get("Master_Server_Id"), "%d", &src.MasterServerID)
		if sb := get("Seconds_Behind_Master"); sb != "" {
			fmt.Sscanf(sb, "%d", &src.SecondsBehind)
		} else {
			src.SecondsBehind = -1
		}
		out = append(out, src)
	}
	return out
}

// exec runs an administrative statement on a backend.
func (p *prober) exec(ctx context.Context, b *cluster.Backend, stmt string, args ...any) error {
	db, err := p.dbFor(b)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = db.ExecContext(ctx, stmt, args...)
	return err
}

// queryGTID reads the current gtid position of a backend.
func (p *prober) queryGTID(ctx context.Context, b *cluster.Backend) (GTID, error) {
	db, err := p.dbFor(b)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var gtid string
	if err := db.QueryRowContext(ctx, "SELECT @@gtid_current_pos").Scan(&gtid); err != nil {
		return nil, err
	}
	return ParseGTID(gtid), nil
}

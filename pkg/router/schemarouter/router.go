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

// Package schemarouter shards sessions across backends by database name:
// each backend owns a disjoint set of schemas and statements route to
// the backend holding the session's current database.
package schemarouter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
	"github.com/moxasql/moxa/pkg/router"
)

// systemSchemas exist on every backend and never decide placement.
var systemSchemas = map[string]struct{}{
	"mysql":              {},
	"information_schema": {},
	"performance_schema": {},
	"sys":                {},
}

// Params configures the schema router.
type Params struct {
	// User and Password authenticate the schema discovery probes.
	User     string
	Password string
	// RefreshInterval bounds how often the shard map is rebuilt.
	RefreshInterval time.Duration
	// ConnectTimeout bounds backend dials.
	ConnectTimeout time.Duration
}

func (p *Params) Adjust() {
	if p.RefreshInterval == 0 {
		p.RefreshInterval = 5 * time.Minute
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 3 * time.Second
	}
}

// Router shards by schema.
type Router struct {
	name    string
	cluster *cluster.Cluster
	params  Params

	mu struct {
		sync.Mutex
		// shardMap: database name -> backend name.
		shardMap  map[string]string
		refreshed time.Time
	}
}

var _ router.Router = (*Router)(nil)

// NewRouter creates a schema router over the cluster.
func NewRouter(name string, cl *cluster.Cluster, params Params) *Router {
	params.Adjust()
	r := &Router{name: name, cluster: cl, params: params}
	r.mu.shardMap = make(map[string]string)
	return r
}

// Name implements router.Router.
func (r *Router) Name() string { return r.name }

// NewSession implements router.Router.
func (r *Router) NewSession(cs router.ClientSession) (router.Session, error) {
	return &session{rt: r, cs: cs, conns: make(map[string]*backend.Conn)}, nil
}

// locate resolves the backend holding db, refreshing the shard map when
// stale.
func (r *Router) locate(db string) (*cluster.Backend, error) {
	if db == "" {
		return nil, merr.NewNoBackend(r.name)
	}
	if _, system := systemSchemas[strings.ToLower(db)]; system {
		// System schemas answer from any running node.
		for _, b := range r.cluster.Backends() {
			if b.IsUsable() {
				return b, nil
			}
		}
		return nil, merr.NewNoBackend(r.name)
	}

	r.mu.Lock()
	stale := time.Since(r.mu.refreshed) > r.params.RefreshInterval
	name, ok := r.mu.shardMap[db]
	r.mu.Unlock()

	if !ok || stale {
		r.refreshShardMap()
		r.mu.Lock()
		name, ok = r.mu.shardMap[db]
		r.mu.Unlock()
	}
	if !ok {
		return nil, merr.NewUnknownDatabase(db)
	}
	b := r.cluster.Get(name)
	if b == nil || !b.IsUsable() {
		return nil, merr.NewNoBackend(name)
	}
	return b, nil
}

// refreshShardMap rebuilds the database placement map by asking every
// usable backend which schemas it holds.
func (r *Router) refreshShardMap() {
	shardMap := make(map[string]string)
	for _, b := range r.cluster.Backends() {
		if !b.IsUsable() {
			continue
		}
		dbs, err := r.showDatabases(b)
		if err != nil {
			logutil.Warn("schema discovery failed",
				zap.String("backend", b.Name), zap.Error(err))
			continue
		}
		for _, db := range dbs {
			if _, system := systemSchemas[strings.ToLower(db)]; system {
				continue
			}
			if owner, dup := shardMap[db]; dup {
				logutil.Warn("database present on multiple shards",
					zap.String("database", db),
					zap.String("kept", owner),
					zap.String("ignored", b.Name))
				continue
			}
			shardMap[db] = b.Name
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.shardMap = shardMap
	r.mu.refreshed = time.Now()
}

func (r *Router) showDatabases(b *cluster.Backend) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.params.ConnectTimeout)
	defer cancel()
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/?timeout=3s&readTimeout=3s",
		r.params.User, r.params.Password, b.Addr())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	rows, err := db.QueryContext(ctx, "SHOW DATABASES")
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

// session routes one client across the shards.
type session struct {
	rt    *Router
	cs    router.ClientSession
	conns map[string]*backend.Conn
	// current is the shard of the session's default database.
	current *backend.Conn
	// inflight is the connection a reply is being read from; the only
	// field Interrupt may observe from another goroutine.
	inflight atomic.Pointer[backend.Conn]
	closed   bool
}

var _ router.Session = (*session)(nil)

func (s *session) CanRouteQueries() bool {
	for _, bc := range s.conns {
		if bc.Waiting() {
			return false
		}
	}
	return true
}

func (s *session) RouteQuery(cmd *client.Command) error {
	if s.closed {
		return merr.NewInternal("session closed")
	}
	if cmd.Continuation {
		if s.current == nil {
			return merr.NewInternal("continuation frame without a target")
		}
		return s.current.SendContinuation(cmd.Raw)
	}

	switch cmd.Cmd {
	case protocol.ComQuit:
		return nil
	case protocol.ComInitDB:
		return s.changeDatabase(string(cmd.Raw[5:]), cmd.Raw)
	case protocol.ComQuery:
		res := cmd.Classify
		if res == nil {
			c := classifier.Classify(cmd.Raw[5:], s.cs.ClientConn().SQLMode())
			res = &c
		}
		if res.Type.Has(classifier.TypeUseDB) {
			return s.changeDatabase(res.TargetDB, cmd.Raw)
		}
	}

	bc, err := s.target()
	if err != nil {
		e := merr.AsError(err)
		_ = s.cs.ForwardToClient(errPacket(e))
		return e
	}
	return s.execForward(bc, cmd.Raw)
}

// changeDatabase re-targets the session at the shard holding db.
func (s *session) changeDatabase(db string, raw []byte) error {
	b, err := s.rt.locate(db)
	if err != nil {
		e := merr.AsError(err)
		_ = s.cs.ForwardToClient(errPacket(e))
		return e
	}
	bc, err := s.connTo(b)
	if err != nil {
		e := merr.AsError(err)
		_ = s.cs.ForwardToClient(errPacket(e))
		return e
	}
	s.current = bc
	if err := s.execForward(bc, raw); err != nil {
		return err
	}
	s.cs.ClientConn().SetDatabase(db)
	return nil
}

// target resolves the shard of the session's default database, falling
// back to any usable node for database-less statements.
func (s *session) target() (*backend.Conn, error) {
	if s.current != nil && s.current.State() == backend.StateLoggedIn {
		return s.current, nil
	}
	db := s.cs.ClientConn().Database()
	if db != "" {
		b, err := s.rt.locate(db)
		if err != nil {
			return nil, err
		}
		bc, err := s.connTo(b)
		if err != nil {
			return nil, err
		}
		s.current = bc
		return bc, nil
	}
	for _, b := range s.rt.cluster.Backends() {
		if b.IsUsable() {
			bc, err := s.connTo(b)
			if err != nil {
				continue
			}
			s.current = bc
			return bc, nil
		}
	}
	return nil, merr.NewNoBackend(s.rt.name)
}

func (s *session) connTo(b *cluster.Backend) (*backend.Conn, error) {
	if bc, ok := s.conns[b.Name]; ok && bc.State() == backend.StateLoggedIn {
		return bc, nil
	}
	bc, err := backend.Dial(b, s.rt.params.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if err := bc.Login(s.cs.LoginInfo()); err != nil {
		_ = bc.Close()
		return nil, err
	}
	s.conns[b.Name] = bc
	return bc, nil
}

func (s *session) execForward(bc *backend.Conn, raw []byte) error {
	if err := bc.SendCommand(raw); err != nil {
		return s.fail(bc, err)
	}
	if !bc.Waiting() {
		return nil
	}
	s.inflight.Store(bc)
	reply, err := bc.ReadReply()
	s.inflight.Store(nil)
	if err != nil {
		return s.fail(bc, err)
	}
	return s.cs.ForwardToClient(reply)
}

// Interrupt implements router.Session; safe from other goroutines.
func (s *session) Interrupt() {
	if bc := s.inflight.Load(); bc != nil {
		bc.Abort()
	}
}

func (s *session) fail(bc *backend.Conn, err error) error {
	delete(s.conns, bc.Backend().Name)
	if s.current == bc {
		s.current = nil
	}
	_ = bc.Close()
	e := merr.AsError(err)
	_ = s.cs.ForwardToClient(errPacket(e))
	return e
}

func (s *session) HandleError(bc *backend.Conn, err error) {
	delete(s.conns, bc.Backend().Name)
	if s.current == bc {
		s.current = nil
	}
	_ = bc.Close()
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, bc := range s.conns {
		_ = bc.Close()
	}
	s.conns = nil
	return nil
}

func errPacket(e *merr.Error) []byte {
	out, _ := protocol.WritePackets(protocol.MakeErrPayloadOf(e), 1)
	return out
}

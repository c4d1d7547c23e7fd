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

// Package session runs the listener, the worker pool and the client
// session lifecycle that binds the protocol, router and monitor
// subsystems together.
package session

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/fagongzi/goetty/v2"
	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/stopper"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/metrics"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/client"
	"github.com/moxasql/moxa/pkg/router"
	"github.com/moxasql/moxa/pkg/usercache"
)

// Config tunes the listener and session runtime.
type Config struct {
	// ListenAddress accepts client connections.
	ListenAddress string
	// Workers is the worker count; defaults to the CPU count.
	Workers int
	// Version is the advertised server version.
	Version string
	// MaxConnections refuses clients past the limit; zero disables.
	MaxConnections int64
	// ConnectionTimeout closes idle client sessions; zero disables.
	ConnectionTimeout time.Duration
	// CounterLogInterval spaces the periodic counter export.
	CounterLogInterval time.Duration
}

// Adjust fills defaults.
func (c *Config) Adjust() {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Version == "" {
		c.Version = "10.6.0-moxa"
	}
	if c.CounterLogInterval == 0 {
		c.CounterLogInterval = time.Minute
	}
}

// Server accepts client connections and runs their sessions.
type Server struct {
	cfg      Config
	app      goetty.NetApplication
	workers  []*Worker
	nextWkr  atomic.Uint64
	router   router.Router
	cluster  *cluster.Cluster
	auth     *client.Authenticator
	loader   *usercache.Loader
	counters *counterSet
	stopper  *stopper.Stopper

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the runtime over a router and a user cache.
func NewServer(
	cfg Config,
	rt router.Router,
	cl *cluster.Cluster,
	cache *usercache.Cache,
	loader *usercache.Loader,
) (*Server, error) {
	cfg.Adjust()
	s := &Server{
		cfg:      cfg,
		router:   rt,
		cluster:  cl,
		loader:   loader,
		counters: newCounterSet(),
		stopper:  stopper.NewStopper("session-server", stopper.WithLogger(logutil.GetLogger())),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.auth = client.NewAuthenticator(cache, s, cfg.Version)
	s.auth.MaxConnections = cfg.MaxConnections
	s.auth.CurrentConnections = s.counters.currentSessions

	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, newWorker(i))
	}

	app, err := goetty.NewApplication(cfg.ListenAddress, nil,
		goetty.WithAppLogger(logutil.GetLogger()),
		goetty.WithAppHandleSessionFunc(s.handle),
	)
	if err != nil {
		return nil, err
	}
	s.app = app
	return s, nil
}

// Start launches the workers and the listener.
func (s *Server) Start() error {
	for _, w := range s.workers {
		w := w
		if err := s.stopper.RunNamedTask("worker", func(ctx context.Context) {
			w.run(ctx)
		}); err != nil {
			return err
		}
	}
	if err := s.stopper.RunNamedTask("counter-log", func(ctx context.Context) {
		ticker := time.NewTicker(s.cfg.CounterLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logutil.Info("proxy counters", s.counters.fields()...)
			}
		}
	}); err != nil {
		return err
	}
	logutil.Info("listening", zap.String("address", s.cfg.ListenAddress))
	return s.app.Start()
}

// Close stops the listener, the workers and every session.
func (s *Server) Close() error {
	s.cancel()
	err := s.app.Stop()
	s.stopper.Stop()
	return err
}

// handle runs one accepted connection. The session is pinned to a
// worker at accept time and never moves.
func (s *Server) handle(rs goetty.IOSession) error {
	s.counters.connAccepted.Add(1)
	metrics.ConnAccepted.Inc()

	cc := client.NewConn(rs.RawConn(), protocol.DefaultCapability, s.cfg.ConnectionTimeout)
	w := s.pickWorker()
	sess := newSession(s, w, cc)
	sess.run(s.ctx)
	return nil
}

// pickWorker pins sessions round robin.
func (s *Server) pickWorker() *Worker {
	n := s.nextWkr.Add(1) - 1
	return s.workers[n%uint64(len(s.workers))]
}

// DispatchKill posts the kill to every worker; the owner acts on it at
// its next loop turn.
func (s *Server) DispatchKill(spec classifier.KillSpec) {
	for _, w := range s.workers {
		w.post(killMsg{spec: spec})
	}
}

// ReloadForAuth implements client.Reloader: one out-of-band user cache
// reload from a reachable backend, under the cache's rate limit.
func (s *Server) ReloadForAuth(ctx context.Context) bool {
	if s.loader == nil {
		return false
	}
	for _, b := range s.cluster.Backends() {
		if !b.IsUsable() {
			continue
		}
		ran, err := s.loader.LoadRateLimited(ctx, b.Addr(), true)
		if err != nil {
			logutil.Debug("auth-triggered reload failed",
				zap.String("backend", b.Name), zap.Error(err))
			return false
		}
		return ran
	}
	return false
}

// RefreshUserCache is the periodic cache reload task.
func (s *Server) RefreshUserCache(interval time.Duration) error {
	return s.stopper.RunNamedTask("user-cache-refresh", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range s.cluster.Backends() {
					if !b.IsUsable() {
						continue
					}
					if _, err := s.loader.LoadRateLimited(ctx, b.Addr(), false); err != nil {
						logutil.Debug("user cache refresh failed",
							zap.String("backend", b.Name), zap.Error(err))
						continue
					}
					break
				}
			}
		}
	})
}

// immediateDeadline is a past time used to cut a blocked read short.
func immediateDeadline() time.Time {
	return time.Unix(1, 0)
}

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

// moxa is a MySQL/MariaDB wire protocol proxy: it terminates client
// connections, authenticates them against replicated grants and routes
// statements across a replication cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/admin"
	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/config"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/monitor"
	"github.com/moxasql/moxa/pkg/router"
	"github.com/moxasql/moxa/pkg/router/hintrouter"
	"github.com/moxasql/moxa/pkg/router/rwsplit"
	"github.com/moxasql/moxa/pkg/router/schemarouter"
	"github.com/moxasql/moxa/pkg/session"
	"github.com/moxasql/moxa/pkg/usercache"
)

var (
	configFile = flag.String("config", "moxa.cnf", "configuration file")
	dataDir    = flag.String("data-dir", "/var/lib/moxa", "data directory")
	logLevel   = flag.String("log-level", "", "override the configured log level")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "moxa: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	registry := config.NewRegistry(filepath.Join(*dataDir, "persisted"))
	if err := registry.Load(*configFile); err != nil {
		return err
	}

	logCfg := logutil.LogConfig{Level: *logLevel}
	if err := logutil.Setup(logCfg); err != nil {
		return err
	}

	// Servers become backend descriptors.
	cl := cluster.NewCluster()
	for _, name := range registry.List(config.KindServer) {
		obj, _ := registry.Get(config.KindServer, name)
		port, _ := strconv.Atoi(obj.Param("port", "3306"))
		b := cluster.NewBackend(name, obj.Param("address", "127.0.0.1"), port)
		if rank, err := strconv.ParseInt(obj.Param("rank", "0"), 10, 64); err == nil {
			b.SetRank(rank)
		}
		cl.Add(b)
	}

	// The first user object authenticates probes and grant loading.
	var adminUser, adminPassword string
	for _, name := range registry.List(config.KindUser) {
		obj, _ := registry.Get(config.KindUser, name)
		adminUser = obj.Param("user", name)
		adminPassword = obj.Param("password", "")
		break
	}

	cache := usercache.NewCache(usercache.Config{
		PersistPath:              filepath.Join(*dataDir, "users.cache"),
		WildcardMatchesLocalhost: true,
	})
	if err := cache.Restore(); err != nil {
		logutil.Warn("user cache restore failed", zap.Error(err))
	}
	loader := usercache.NewLoader(cache, adminUser, adminPassword)
	for _, b := range cl.Backends() {
		if err := loader.Load(context.Background(), b.Addr()); err == nil {
			break
		}
	}

	surface := admin.NewSurface(registry)

	// Monitors probe the backends and keep the role flags current.
	var monitors []*monitor.Monitor
	for _, name := range registry.List(config.KindMonitor) {
		obj, _ := registry.Get(config.KindMonitor, name)
		interval, _ := time.ParseDuration(obj.Param("monitor_interval", "2s"))
		failcount, _ := strconv.Atoi(obj.Param("failcount", "5"))
		m, err := monitor.NewMonitor(name, cl, monitor.Config{
			Interval:            interval,
			FailCount:           failcount,
			User:                obj.Param("user", adminUser),
			Password:            obj.Param("password", adminPassword),
			AutoFailover:        obj.Param("auto_failover", "false") == "true",
			AutoRejoin:          obj.Param("auto_rejoin", "false") == "true",
			VerifyMasterFailure: obj.Param("verify_master_failure", "true") == "true",
			JournalPath:         filepath.Join(*dataDir, name+".journal"),
		})
		if err != nil {
			return err
		}
		if err := m.Start(); err != nil {
			return err
		}
		defer m.Stop()
		monitors = append(monitors, m)
		surface.BindMonitor(name, m)
	}

	// One service, one router, one listener.
	services := registry.List(config.KindService)
	if len(services) == 0 {
		return fmt.Errorf("no service configured")
	}
	svcObj, _ := registry.Get(config.KindService, services[0])
	rt, err := buildRouter(svcObj, cl, adminUser, adminPassword)
	if err != nil {
		return err
	}
	surface.BindCluster(svcObj.Name, cl)

	listenAddr := "0.0.0.0:4006"
	for _, name := range registry.List(config.KindListener) {
		obj, _ := registry.Get(config.KindListener, name)
		listenAddr = obj.Param("address", "0.0.0.0") + ":" + obj.Param("port", "4006")
		break
	}

	srv, err := session.NewServer(session.Config{
		ListenAddress: listenAddr,
		Version:       svcObj.Param("version_string", "10.6.0-moxa"),
	}, rt, cl, cache, loader)
	if err != nil {
		return err
	}
	if err := srv.RefreshUserCache(30 * time.Second); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logutil.Info("moxa started",
		zap.String("listen", listenAddr),
		zap.String("service", svcObj.Name),
		zap.Int("servers", len(cl.Backends())),
		zap.Int("monitors", len(monitors)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logutil.Info("shutting down")
	return srv.Close()
}

// buildRouter picks the routing module of the service object.
func buildRouter(svc *config.Object, cl *cluster.Cluster, user, password string) (router.Router, error) {
	switch svc.Param("router", "readwritesplit") {
	case "readwritesplit":
		params := rwsplit.Params{
			MasterAcceptReads: svc.Param("master_accept_reads", "false") == "true",
			CausalReads:       svc.Param("causal_reads", "false") == "true",
			TransactionReplay: svc.Param("transaction_replay", "false") == "true",
			RetryFailedReads:  svc.Param("retry_failed_reads", "true") == "true",
			OptimisticTrx:     svc.Param("optimistic_trx", "false") == "true",
			StrictMultiStmt:   svc.Param("strict_multi_stmt", "false") == "true",
		}
		switch svc.Param("slave_selection_criteria", "least_global_connections") {
		case "least_router_connections":
			params.Policy = rwsplit.LeastRouterConnections
		case "least_current_operations":
			params.Policy = rwsplit.LeastCurrentOperations
		case "least_behind_master":
			params.Policy = rwsplit.LeastReplicationLag
		case "adaptive_routing":
			params.Policy = rwsplit.Adaptive
		}
		if svc.Param("master_failure_mode", "") == "error_on_write" {
			params.MasterFailureMode = rwsplit.ErrorOnWrite
		}
		return rwsplit.NewRouter(svc.Name, cl, params), nil
	case "schemarouter":
		return schemarouter.NewRouter(svc.Name, cl, schemarouter.Params{
			User:     user,
			Password: password,
		}), nil
	case "hintrouter":
		return hintrouter.NewRouter(svc.Name, cl, hintrouter.Params{
			Default: classifier.HintMaster,
		}), nil
	}
	return nil, fmt.Errorf("unknown router module %s", svc.Param("router", ""))
}

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

// Package rwsplit routes statements of one client session across a
// replication cluster: reads to slaves picked by policy, writes and
// transactions to the master, with session command replication,
// transaction replay and causal read synchronization.
package rwsplit

import (
	"time"

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/router"
)

// Router is one configured read/write split service.
type Router struct {
	name    string
	cluster *cluster.Cluster
	params  Params
	sel     *selector
}

var _ router.Router = (*Router)(nil)

// NewRouter creates a read/write split router over the cluster.
func NewRouter(name string, cl *cluster.Cluster, params Params) *Router {
	params.Adjust()
	return &Router{
		name:    name,
		cluster: cl,
		params:  params,
		sel:     newSelector(params.Policy, time.Now().UnixNano()),
	}
}

// Name implements router.Router.
func (r *Router) Name() string { return r.name }

// Params returns the active configuration.
func (r *Router) Params() Params { return r.params }

// Cluster returns the routed cluster.
func (r *Router) Cluster() *cluster.Cluster { return r.cluster }

// NewSession implements router.Router.
func (r *Router) NewSession(cs router.ClientSession) (router.Session, error) {
	s := &Session{
		rt:      r,
		cs:      cs,
		conns:   make(map[string]*backend.Conn),
		history: newSescmdHistory(r.params.MaxSescmdHistory, r.params.PruneSescmdHistory),
		trx:     newTrxRecord(r.params.TransactionReplayMaxSize),
		ps:      newPsTracker(),
	}
	return s, nil
}

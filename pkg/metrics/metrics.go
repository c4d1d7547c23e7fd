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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "proxy",
		Name:      "connections_accepted_total",
		Help:      "Client connections accepted.",
	})
	ConnRefused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "proxy",
		Name:      "connections_refused_total",
		Help:      "Client connections refused before authentication.",
	})
	AuthFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "proxy",
		Name:      "auth_failures_total",
		Help:      "Failed client authentications.",
	})
	RoutedReads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "router",
		Name:      "routed_reads_total",
		Help:      "Statements routed to slaves.",
	})
	RoutedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "router",
		Name:      "routed_writes_total",
		Help:      "Statements routed to the master.",
	})
	SessionCommands = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "router",
		Name:      "session_commands_total",
		Help:      "Session commands replicated across backends.",
	})
	TrxReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "router",
		Name:      "transaction_replays_total",
		Help:      "Transaction replay attempts.",
	})
	TrxReplayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "router",
		Name:      "transaction_replay_failures_total",
		Help:      "Transaction replays that did not restore the session.",
	})
	Failovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "monitor",
		Name:      "failovers_total",
		Help:      "Automatic failovers performed.",
	})
	Switchovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "monitor",
		Name:      "switchovers_total",
		Help:      "Operator initiated switchovers performed.",
	})
	Rejoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moxa",
		Subsystem: "monitor",
		Name:      "rejoins_total",
		Help:      "Returning nodes rejoined to the topology.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "moxa",
		Subsystem: "router",
		Name:      "queued_statements",
		Help:      "Client statements waiting for an outstanding reply.",
	})
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "moxa",
		Subsystem: "proxy",
		Name:      "sessions",
		Help:      "Live client sessions.",
	})
)

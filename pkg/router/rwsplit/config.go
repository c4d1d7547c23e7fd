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

package rwsplit

import "time"

// SelectionPolicy picks among equally ranked read candidates.
type SelectionPolicy int

const (
	// LeastGlobalConnections prefers the fewest connections overall.
	LeastGlobalConnections SelectionPolicy = iota
	// LeastRouterConnections prefers the fewest connections opened by
	// this router.
	LeastRouterConnections
	// LeastCurrentOperations prefers the fewest executing statements.
	LeastCurrentOperations
	// LeastReplicationLag prefers the smallest measured lag.
	LeastReplicationLag
	// Adaptive samples with probability proportional to the inverse
	// cubed average response time.
	Adaptive
)

// MasterFailureMode decides what happens to writes without a master.
type MasterFailureMode int

const (
	// FailInstantly errors the session when a statement needs the master
	// and none is available. Losing the master does not by itself end the
	// session: reads keep being served, exactly as with FailOnWrite.
	FailInstantly MasterFailureMode = iota
	// FailOnWrite keeps the session alive for reads and errors only
	// when a write arrives.
	FailOnWrite
	// ErrorOnWrite answers writes with a read-only error while keeping
	// the session open.
	ErrorOnWrite
)

// Params configures one read/write split router instance.
type Params struct {
	// Policy is the slave selection policy.
	Policy SelectionPolicy
	// MaxSlaveConnections bounds per-session slave fan-out.
	MaxSlaveConnections int
	// MasterAcceptReads lets reads fall back to the master.
	MasterAcceptReads bool
	// MaxSlaveReplicationLag excludes slaves lagging more seconds;
	// zero disables the check.
	MaxSlaveReplicationLag int

	// CausalReads prepends a gtid wait before slave reads that follow
	// a master write.
	CausalReads bool
	// CausalReadsTimeout bounds the gtid wait.
	CausalReadsTimeout time.Duration

	// TransactionReplay re-executes an interrupted transaction on a
	// surviving master-eligible node.
	TransactionReplay bool
	// TransactionReplayMaxSize bounds the recorded statement bytes;
	// past it the transaction is marked non-replayable.
	TransactionReplayMaxSize int
	// TransactionReplayAttempts caps replay retries.
	TransactionReplayAttempts int

	// OptimisticTrx starts read-only looking transactions on a slave.
	OptimisticTrx bool

	// RetryFailedReads transparently retries an idempotent read that
	// failed before any bytes reached the client.
	RetryFailedReads bool

	// MasterFailureMode is the no-master behavior.
	MasterFailureMode MasterFailureMode

	// StrictMultiStmt pins the session to the master after the first
	// multi-statement packet.
	StrictMultiStmt bool

	// MaxSescmdHistory bounds the session command history; zero selects
	// the default of 50.
	MaxSescmdHistory int
	// PruneSescmdHistory discards the oldest history entries when the
	// bound is hit; without it the newest entry is dropped instead. Either
	// way no new backend can be attached to the session afterwards.
	PruneSescmdHistory bool

	// ConnectTimeout bounds the dial of a backend connection.
	ConnectTimeout time.Duration
}

// Adjust fills defaults.
func (p *Params) Adjust() {
	if p.MaxSlaveConnections == 0 {
		p.MaxSlaveConnections = 255
	}
	if p.CausalReadsTimeout == 0 {
		p.CausalReadsTimeout = 10 * time.Second
	}
	if p.TransactionReplayMaxSize == 0 {
		p.TransactionReplayMaxSize = 1 << 20
	}
	if p.TransactionReplayAttempts == 0 {
		p.TransactionReplayAttempts = 5
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 3 * time.Second
	}
	if p.MaxSescmdHistory == 0 {
		p.MaxSescmdHistory = 50
	}
}

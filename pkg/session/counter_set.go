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

package session

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// counterSet tracks proxy wide events with relaxed atomics; no routing
// hot path takes a lock for accounting.
type counterSet struct {
	connAccepted     atomic.Int64
	connRefused      atomic.Int64
	authFailed       atomic.Int64
	sessionsStarted  atomic.Int64
	sessionsStopped  atomic.Int64
	clientDisconnect atomic.Int64
	killsDispatched  atomic.Int64
}

func newCounterSet() *counterSet {
	return &counterSet{}
}

// currentSessions is the live session count.
func (s *counterSet) currentSessions() int64 {
	return s.sessionsStarted.Load() - s.sessionsStopped.Load()
}

// fields renders the counters for the periodic log export.
func (s *counterSet) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("accepted connections", s.connAccepted.Load()),
		zap.Int64("refused connections", s.connRefused.Load()),
		zap.Int64("auth failed", s.authFailed.Load()),
		zap.Int64("sessions started", s.sessionsStarted.Load()),
		zap.Int64("sessions stopped", s.sessionsStopped.Load()),
		zap.Int64("client disconnect", s.clientDisconnect.Load()),
		zap.Int64("kills dispatched", s.killsDispatched.Load()),
	}
}

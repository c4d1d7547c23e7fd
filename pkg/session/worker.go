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
	"context"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/logutil"
)

// message is one unit of cross-worker communication. Workers never touch
// each other's session tables; everything goes through the inbox and is
// processed in loop-turn order.
type message interface{}

// registerMsg adds a session to the worker's table.
type registerMsg struct {
	s *Session
}

// unregisterMsg removes a stopped session.
type unregisterMsg struct {
	id uint64
}

// killMsg asks the worker to terminate a session or its running query.
type killMsg struct {
	spec classifier.KillSpec
}

// Worker owns a shard of the sessions. Every session is pinned to one
// worker for its entire life; lifecycle mutations and KILL delivery run
// on the worker's loop goroutine only.
type Worker struct {
	id    int
	inbox chan message

	// sessions is touched only by the loop goroutine.
	sessions map[uint64]*Session
}

func newWorker(id int) *Worker {
	return &Worker{
		id:       id,
		inbox:    make(chan message, 128),
		sessions: make(map[uint64]*Session),
	}
}

// post delivers a message; it takes effect at the next loop turn.
func (w *Worker) post(m message) {
	w.inbox <- m
}

// run is the worker loop.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, s := range w.sessions {
				s.hardStop()
			}
			return
		case m := <-w.inbox:
			w.handle(m)
		}
	}
}

func (w *Worker) handle(m message) {
	switch msg := m.(type) {
	case registerMsg:
		w.sessions[msg.s.ID()] = msg.s
	case unregisterMsg:
		delete(w.sessions, msg.id)
	case killMsg:
		w.handleKill(msg.spec)
	}
}

// handleKill scans this worker's session table. KILL CONNECTION ends
// the whole session; KILL QUERY aborts the running exchange only. Both
// act by signalling: the worker wakes the target's blocked reads and
// the owning session goroutine performs the teardown. SOFT lets
// in-flight replies drain; HARD is immediate.
func (w *Worker) handleKill(spec classifier.KillSpec) {
	for id, s := range w.sessions {
		if spec.User != "" {
			if s.client.Username() != spec.User {
				continue
			}
		} else if id != spec.TargetID {
			continue
		}
		logutil.Info("kill dispatched",
			zap.Int("worker", w.id),
			zap.Uint64("session", id),
			zap.Bool("soft", spec.Soft),
			zap.Bool("query", spec.Kind == classifier.KillQuery))
		switch spec.Kind {
		case classifier.KillQuery:
			s.killQuery(spec.Soft)
		default:
			if spec.Soft {
				s.softStop()
			} else {
				s.hardStop()
			}
		}
		if spec.User == "" {
			return
		}
	}
}

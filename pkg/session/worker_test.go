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
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moxasql/moxa/pkg/classifier"
	"github.com/moxasql/moxa/pkg/protocol"
	"github.com/moxasql/moxa/pkg/protocol/client"
)

func pipeSession(t *testing.T, w *Worker) (*Session, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })
	s := &Session{
		uuid:   uuid.New(),
		worker: w,
		client: client.NewConn(c1, protocol.DefaultCapability, 0),
	}
	s.state.Store(int32(Started))
	w.sessions[s.ID()] = s
	return s, c2
}

func TestWorkerKillConnectionByID(t *testing.T) {
	w := newWorker(0)
	s, peer := pipeSession(t, w)

	w.handleKill(classifier.KillSpec{Kind: classifier.KillConnection, TargetID: s.ID()})

	// The client connection is closed within the same loop turn.
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := peer.Read(buf)
	require.Error(t, err)
	assert.Equal(t, Stopping, s.State())
}

func TestWorkerKillIgnoresOtherIDs(t *testing.T) {
	w := newWorker(0)
	s, _ := pipeSession(t, w)

	w.handleKill(classifier.KillSpec{Kind: classifier.KillConnection, TargetID: s.ID() + 1})
	assert.Equal(t, Started, s.State())
}

func TestWorkerKillByUnknownUserMatchesNone(t *testing.T) {
	w := newWorker(0)
	s, _ := pipeSession(t, w)
	w.handleKill(classifier.KillSpec{Kind: classifier.KillConnection, User: "ghost"})
	assert.Equal(t, Started, s.State())
}

func TestWorkerKillQueryKeepsClientAlive(t *testing.T) {
	w := newWorker(0)
	s, _ := pipeSession(t, w)
	w.handleKill(classifier.KillSpec{Kind: classifier.KillQuery, TargetID: s.ID(), Soft: true})
	// Without backend connections there is nothing to abort; the client
	// session stays up.
	assert.Equal(t, Started, s.State())
}

func TestWorkerRegisterUnregister(t *testing.T) {
	w := newWorker(0)
	s, _ := pipeSession(t, w)
	delete(w.sessions, s.ID())

	w.handle(registerMsg{s: s})
	require.Contains(t, w.sessions, s.ID())
	w.handle(unregisterMsg{id: s.ID()})
	assert.Empty(t, w.sessions)
}

func TestWorkerStopsSessionsOnShutdown(t *testing.T) {
	w := newWorker(0)
	s, _ := pipeSession(t, w)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		w.run(ctx)
		close(done)
	}()
	<-done
	assert.Equal(t, Stopping, s.State())
}

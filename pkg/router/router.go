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

// Package router defines the capability-set interface every routing
// module implements, replacing a deep inheritance family with three
// small operations: route a query, forward a reply, handle an error.
package router

import (
	"github.com/moxasql/moxa/pkg/protocol/backend"
	"github.com/moxasql/moxa/pkg/protocol/client"
)

// ClientSession is the view a router has of the owning session.
type ClientSession interface {
	// ClientConn returns the authenticated client connection.
	ClientConn() *client.Conn
	// LoginInfo returns the identity backend connections log in with.
	LoginInfo() backend.LoginInfo
	// ForwardToClient sends raw framed bytes to the client.
	ForwardToClient(raw []byte) error
}

// Router builds per-session routing state.
type Router interface {
	// Name returns the module name used in configuration.
	Name() string
	// NewSession binds a router session to an authenticated client.
	NewSession(cs ClientSession) (Session, error)
}

// Session routes the statements of one client session.
type Session interface {
	// RouteQuery dispatches one complete client command. Implementations
	// queue the command when a reply is outstanding.
	RouteQuery(cmd *client.Command) error
	// CanRouteQueries reports whether a new statement may be admitted;
	// false while any expected reply is outstanding.
	CanRouteQueries() bool
	// HandleError reacts to a backend error outside a routed exchange,
	// such as an idle connection dropping.
	HandleError(bc *backend.Conn, err error)
	// Interrupt aborts the in-flight backend exchange, if any. It is
	// the ONLY method safe to call from outside the owning goroutine:
	// it must not touch router state, only wake the blocked read so the
	// owner runs its own error path.
	Interrupt()
	// Close releases every backend connection.
	Close() error
}

// QueryTransform is the filter chain boundary: an ordered transformation
// applied to queries on the way in and replies on the way out.
type QueryTransform interface {
	// TransformQuery may rewrite a framed client command.
	TransformQuery(raw []byte) []byte
	// TransformReply may rewrite a framed reply before the client sees it.
	TransformReply(raw []byte) []byte
}

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

package classifier

import "strconv"

// KillKind selects what a KILL statement terminates.
type KillKind int

const (
	// KillConnection terminates the whole target session.
	KillConnection KillKind = iota
	// KillQuery terminates the running query only.
	KillQuery
)

// KillSpec is the parsed form of
// KILL [HARD|SOFT] [CONNECTION|QUERY] {<id> | USER <name>}.
type KillSpec struct {
	Kind KillKind
	// Soft awaits in-flight replies before cleanup.
	Soft bool
	// TargetID is the session id, when User is empty.
	TargetID uint64
	// User targets every session of the named user.
	User string
}

func parseKill(sql string, pos int) *KillSpec {
	spec := &KillSpec{Kind: KillConnection}
	tok, pos := nextToken(sql, pos)

	if eq(tok, "HARD") {
		tok, pos = nextToken(sql, pos)
	} else if eq(tok, "SOFT") {
		spec.Soft = true
		tok, pos = nextToken(sql, pos)
	}

	if eq(tok, "CONNECTION") {
		tok, pos = nextToken(sql, pos)
	} else if eq(tok, "QUERY") {
		spec.Kind = KillQuery
		tok, pos = nextToken(sql, pos)
	}

	if eq(tok, "USER") {
		tok, _ = nextToken(sql, pos)
		if tok == "" {
			return nil
		}
		spec.User = tok
		return spec
	}

	id, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return nil
	}
	spec.TargetID = id
	return spec
}

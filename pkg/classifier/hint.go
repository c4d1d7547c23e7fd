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

import (
	"strconv"
	"strings"
)

// HintTarget directs the router to a class of backends.
type HintTarget int

const (
	HintUndefined HintTarget = iota
	HintMaster
	HintSlave
	HintNamedServer
	HintAll
	HintMaxRLag
	HintLastUsed
)

// Hint is an out of band routing directive carried in a leading comment:
//
//	/* moxa route to master */
//	/* moxa route to server <name> */
//	/* moxa max_slave_replication_lag=<seconds> */
//
// Hints override classification for target selection only.
type Hint struct {
	Target HintTarget
	// Server is set for HintNamedServer.
	Server string
	// MaxLag is set for HintMaxRLag, in seconds.
	MaxLag int
}

// parseHint extracts a routing hint from a leading comment, if any.
func parseHint(sql string) (*Hint, bool) {
	s := strings.TrimLeft(sql, " \t\r\n")
	if !strings.HasPrefix(s, "/*") {
		return nil, false
	}
	end := strings.Index(s, "*/")
	if end == -1 {
		return nil, false
	}
	body := strings.TrimSpace(s[2:end])
	fields := strings.Fields(body)
	if len(fields) < 2 || !eq(fields[0], "moxa") {
		return nil, false
	}

	rest := fields[1:]
	if len(rest) >= 3 && eq(rest[0], "route") && eq(rest[1], "to") {
		switch {
		case eq(rest[2], "master"):
			return &Hint{Target: HintMaster}, true
		case eq(rest[2], "slave"):
			return &Hint{Target: HintSlave}, true
		case eq(rest[2], "last"):
			return &Hint{Target: HintLastUsed}, true
		case eq(rest[2], "all"):
			return &Hint{Target: HintAll}, true
		case eq(rest[2], "server") && len(rest) >= 4:
			return &Hint{Target: HintNamedServer, Server: rest[3]}, true
		}
		return nil, false
	}

	if kv := strings.SplitN(rest[0], "=", 2); len(kv) == 2 &&
		eq(kv[0], "max_slave_replication_lag") {
		lag, err := strconv.Atoi(kv[1])
		if err != nil {
			return nil, false
		}
		return &Hint{Target: HintMaxRLag, MaxLag: lag}, true
	}
	return nil, false
}

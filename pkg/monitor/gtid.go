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

package monitor

import (
	"sort"
	"strconv"
	"strings"
)

// GTID is a parsed MariaDB gtid position: one sequence per replication
// domain, e.g. "0-1-42,1-2-7".
type GTID map[uint32]gtidTriplet

type gtidTriplet struct {
	Domain   uint32
	ServerID uint32
	Seq      uint64
}

// ParseGTID parses the textual gtid_current_pos form. Malformed
// triplets are skipped.
func ParseGTID(s string) GTID {
	g := make(GTID)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, "-")
		if len(fields) != 3 {
			continue
		}
		domain, err1 := strconv.ParseUint(fields[0], 10, 32)
		server, err2 := strconv.ParseUint(fields[1], 10, 32)
		seq, err3 := strconv.ParseUint(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		g[uint32(domain)] = gtidTriplet{
			Domain:   uint32(domain),
			ServerID: uint32(server),
			Seq:      seq,
		}
	}
	return g
}

// String renders the position in canonical domain order.
func (g GTID) String() string {
	domains := make([]uint32, 0, len(g))
	for d := range g {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	parts := make([]string, 0, len(domains))
	for _, d := range domains {
		t := g[d]
		parts = append(parts, strconv.FormatUint(uint64(t.Domain), 10)+"-"+
			strconv.FormatUint(uint64(t.ServerID), 10)+"-"+
			strconv.FormatUint(t.Seq, 10))
	}
	return strings.Join(parts, ",")
}

// SeqOf returns the sequence on a domain, zero when absent.
func (g GTID) SeqOf(domain uint32) uint64 {
	return g[domain].Seq
}

// AheadOf reports whether g has events on domain beyond other.
func (g GTID) AheadOf(other GTID, domain uint32) bool {
	return g.SeqOf(domain) > other.SeqOf(domain)
}

// Empty reports an empty position.
func (g GTID) Empty() bool { return len(g) == 0 }

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
	"net"
	"strconv"
	"strings"
)

// topology is the replication graph of one monitor tick. Nodes are
// small integer indices into an arena; an edge A->B means B replicates
// from A.
type topology struct {
	nodes []*probeResult
	// index resolves "host:port" to a node index.
	index map[string]int
	// edges[a] lists the downstream nodes replicating from a.
	edges [][]int
	// upstream[b] lists the nodes b replicates from.
	upstream [][]int
}

// buildTopology assembles the graph from this tick's probe results.
// Master addresses reported by slaves resolve through DNS when a string
// compare does not match a known backend.
func buildTopology(results []*probeResult) *topology {
	t := &topology{
		nodes:    results,
		index:    make(map[string]int),
		edges:    make([][]int, len(results)),
		upstream: make([][]int, len(results)),
	}
	for i, r := range results {
		t.index[r.backend.Addr()] = i
		t.index[net.JoinHostPort(r.backend.Host, strconv.Itoa(r.backend.Port))] = i
	}
	for child, r := range results {
		if r.err != nil {
			continue
		}
		for _, src := range r.sources {
			parent, ok := t.resolve(src.MasterHost, src.MasterPort)
			if !ok {
				continue
			}
			t.edges[parent] = append(t.edges[parent], child)
			t.upstream[child] = append(t.upstream[child], parent)
		}
	}
	return t
}

// resolve maps a reported master address to a node index.
func (t *topology) resolve(host string, port int) (int, bool) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if i, ok := t.index[addr]; ok {
		return i, true
	}
	// Fall back to DNS: the reported name and a configured name may be
	// different spellings of the same address.
	ips, err := net.LookupHost(host)
	if err != nil {
		return 0, false
	}
	for _, ip := range ips {
		if i, ok := t.index[net.JoinHostPort(ip, strconv.Itoa(port))]; ok {
			return i, true
		}
	}
	// Try resolving the configured names instead.
	for cfgAddr, i := range t.index {
		h, p, err := net.SplitHostPort(cfgAddr)
		if err != nil || p != strconv.Itoa(port) {
			continue
		}
		cfgIPs, err := net.LookupHost(h)
		if err != nil {
			continue
		}
		for _, cip := range cfgIPs {
			for _, ip := range ips {
				if cip == ip {
					return i, true
				}
			}
		}
	}
	return 0, false
}

// scc runs Tarjan's strongly connected components over the current edge
// set and returns the component id of each node. Components with more
// than one member are cycles (multi-master rings).
func (t *topology) scc() (comp []int, compCount int) {
	n := len(t.nodes)
	comp = make([]int, n)
	for i := range comp {
		comp[i] = -1
	}
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var stack []int
	counter := 0

	// Iterative Tarjan to stay safe on deep chains.
	type frame struct {
		v, child int
	}
	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		callStack := []frame{{v: start}}
		for len(callStack) > 0 {
			f := &callStack[len(callStack)-1]
			v := f.v
			if f.child == 0 {
				index[v] = counter
				low[v] = counter
				counter++
				stack = append(stack, v)
				onStack[v] = true
			}
			advanced := false
			for f.child < len(t.edges[v]) {
				w := t.edges[v][f.child]
				f.child++
				if index[w] == -1 {
					callStack = append(callStack, frame{v: w})
					advanced = true
					break
				}
				if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
			}
			if advanced {
				continue
			}
			if low[v] == index[v] {
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp[w] = compCount
					if w == v {
						break
					}
				}
				compCount++
			}
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := callStack[len(callStack)-1].v
				if low[v] < low[parent] {
					low[parent] = low[v]
				}
			}
		}
	}
	return comp, compCount
}

// cycleMembers returns the node indices of every multi-node component.
func (t *topology) cycleMembers() [][]int {
	comp, count := t.scc()
	groups := make([][]int, count)
	for v, c := range comp {
		groups[c] = append(groups[c], v)
	}
	var cycles [][]int
	for _, g := range groups {
		if len(g) > 1 {
			cycles = append(cycles, g)
		}
	}
	return cycles
}

// reaches reports whether from can reach to over the edge set.
func (t *topology) reaches(from, to int) bool {
	seen := make([]bool, len(t.nodes))
	var walk func(v int) bool
	walk = func(v int) bool {
		if v == to {
			return true
		}
		seen[v] = true
		for _, w := range t.edges[v] {
			if !seen[w] && walk(w) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// downstreamCount counts the slaves below a node.
func (t *topology) downstreamCount(v int) int {
	seen := make([]bool, len(t.nodes))
	count := 0
	var walk func(int)
	walk = func(u int) {
		for _, w := range t.edges[u] {
			if !seen[w] {
				seen[w] = true
				count++
				walk(w)
			}
		}
	}
	walk(v)
	return count
}

// masterAddrOf renders the address slaves should point their
// replication at.
func masterAddrOf(r *probeResult) (string, int) {
	return r.backend.Host, r.backend.Port
}

// nameList renders node names for logs.
func (t *topology) nameList(nodes []int) string {
	names := make([]string, 0, len(nodes))
	for _, v := range nodes {
		names = append(names, t.nodes[v].backend.Name)
	}
	return strings.Join(names, ",")
}

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

import (
	"math"
	"math/rand"

	"github.com/moxasql/moxa/pkg/cluster"
)

// adaptiveFloor is the fraction of total weight reserved for slow
// backends so they keep being sampled and their averages stay fresh.
const adaptiveFloor = 0.05

// rankFilter keeps only candidates of the best available rank. The
// master's rank resolves from the current master node.
func rankFilter(candidates []*cluster.Backend, masterRank int64) []*cluster.Backend {
	best := int64(math.MaxInt64)
	for _, b := range candidates {
		if r := b.Rank(); r < best {
			best = r
		}
	}
	if masterRank >= 0 && masterRank < best {
		best = masterRank
	}
	out := candidates[:0]
	for _, b := range candidates {
		if b.Rank() == best {
			out = append(out, b)
		}
	}
	return out
}

// selector applies a selection policy over ranked candidates.
type selector struct {
	policy SelectionPolicy
	// routerConns counts connections this router opened, per backend
	// name, for LeastRouterConnections.
	routerConns map[string]int
	// rng drives the adaptive policy sampling.
	rng *rand.Rand
}

func newSelector(policy SelectionPolicy, seed int64) *selector {
	return &selector{
		policy:      policy,
		routerConns: make(map[string]int),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *selector) connected(name string)    { s.routerConns[name]++ }
func (s *selector) disconnected(name string) { s.routerConns[name]-- }

// pick chooses one backend among candidates. Candidates must already be
// usable and rank filtered.
func (s *selector) pick(candidates []*cluster.Backend) *cluster.Backend {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	switch s.policy {
	case LeastRouterConnections:
		return s.minBy(candidates, func(b *cluster.Backend) int64 {
			return int64(s.routerConns[b.Name])
		})
	case LeastCurrentOperations:
		return s.minBy(candidates, (*cluster.Backend).ActiveOps)
	case LeastReplicationLag:
		return s.minBy(candidates, func(b *cluster.Backend) int64 {
			lag := b.ReplicationLag()
			if lag < 0 {
				return math.MaxInt64
			}
			return lag
		})
	case Adaptive:
		return s.pickAdaptive(candidates)
	default:
		return s.minBy(candidates, (*cluster.Backend).Connections)
	}
}

func (s *selector) minBy(candidates []*cluster.Backend, score func(*cluster.Backend) int64) *cluster.Backend {
	best := candidates[0]
	bestScore := score(best)
	for _, b := range candidates[1:] {
		if v := score(b); v < bestScore {
			best = b
			bestScore = v
		}
	}
	return best
}

// pickAdaptive samples with probability proportional to the inverse cubed
// average response time, with a floor fraction of total weight spread
// over the slow backends.
func (s *selector) pickAdaptive(candidates []*cluster.Backend) *cluster.Backend {
	weights := make([]float64, len(candidates))
	var total float64
	for i, b := range candidates {
		rt := float64(b.ResponseTime())
		if rt <= 0 {
			// Unmeasured backends sample as fast.
			rt = 1
		}
		w := 1 / (rt * rt * rt)
		weights[i] = w
		total += w
	}
	floor := total * adaptiveFloor / float64(len(candidates))
	total = 0
	for i := range weights {
		if weights[i] < floor {
			weights[i] = floor
		}
		total += weights[i]
	}
	target := s.rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

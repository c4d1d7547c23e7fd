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

// Package monitor probes the backends of a cluster, derives their
// replication roles and drives failover, switchover and rejoin on the
// replication topology. Role flags are written here and read atomically
// by the routers.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/stopper"
	"github.com/moxasql/moxa/pkg/logutil"
)

// Config tunes one monitor instance.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration
	// FailCount is how many consecutive ticks the master must be
	// unreachable before failover triggers.
	FailCount int
	// User and Password authenticate the probe connections.
	User     string
	Password string
	// ProbeTimeout bounds one backend probe.
	ProbeTimeout time.Duration

	// AutoFailover enables automatic master failover.
	AutoFailover bool
	// AutoRejoin redirects returning nodes at the current master.
	AutoRejoin bool
	// VerifyMasterFailure requires the slaves to confirm the master is
	// gone before failover starts.
	VerifyMasterFailure bool
	// SwitchoverTimeout bounds the catch-up wait of a promotion.
	SwitchoverTimeout time.Duration
	// PromotionSQL runs on the new master right after promotion.
	PromotionSQL []string
	// ExcludedServers never become promotion candidates.
	ExcludedServers []string
	// JournalPath persists the last known master identity; loaded at
	// startup as a hint only.
	JournalPath string
}

// Adjust fills defaults.
func (c *Config) Adjust() {
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.FailCount == 0 {
		c.FailCount = 5
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.SwitchoverTimeout == 0 {
		c.SwitchoverTimeout = 90 * time.Second
	}
}

// Monitor is one periodic cluster monitor task.
type Monitor struct {
	name    string
	cfg     Config
	cluster *cluster.Cluster
	prober  *prober
	pool    *ants.Pool
	stopper *stopper.Stopper

	mu struct {
		sync.Mutex
		// masterDownTicks counts consecutive ticks without the master.
		masterDownTicks int
		// masterName is the current master, "" when none.
		masterName string
		// frozen locks the cluster out of automatic operations after a
		// failure past a commit point.
		frozen bool
		// frozenReason explains the lockout.
		frozenReason string
		// lastResults keeps this tick's probe results for operations.
		lastResults []*probeResult
	}
}

// NewMonitor creates a monitor over the cluster.
func NewMonitor(name string, cl *cluster.Cluster, cfg Config) (*Monitor, error) {
	cfg.Adjust()
	pool, err := ants.NewPool(16)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		name:    name,
		cfg:     cfg,
		cluster: cl,
		prober:  newProber(cfg.User, cfg.Password, cfg.ProbeTimeout),
		pool:    pool,
		stopper: stopper.NewStopper("monitor-"+name, stopper.WithLogger(logutil.GetLogger())),
	}
	if hint, err := loadJournal(cfg.JournalPath); err == nil && hint != "" {
		// Journal-hinted master choice is non-authoritative: the first
		// successful tick overrides it.
		m.mu.masterName = hint
		if b := cl.Get(hint); b != nil {
			b.SetFlag(cluster.StatusMaster)
		}
	}
	return m, nil
}

// Start launches the periodic task.
func (m *Monitor) Start() error {
	return m.stopper.RunNamedTask("tick", func(ctx context.Context) {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	})
}

// Stop terminates the monitor and its probe connections.
func (m *Monitor) Stop() {
	m.stopper.Stop()
	m.pool.Release()
	m.prober.close()
}

// Frozen reports whether automatic operations are locked out.
func (m *Monitor) Frozen() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.frozen, m.mu.frozenReason
}

// freeze marks the cluster as requiring manual intervention.
func (m *Monitor) freeze(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.frozen = true
	m.mu.frozenReason = reason
	logutil.Error("cluster requires manual intervention",
		zap.String("monitor", m.name),
		zap.String("reason", reason))
}

// ResetReplicationState clears the frozen flag after operator repair.
func (m *Monitor) ResetReplicationState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.frozen = false
	m.mu.frozenReason = ""
}

// Tick runs one monitor round: probe every backend concurrently,
// collate synchronously, rebuild the topology and derive role flags,
// then run the automatic operations.
func (m *Monitor) Tick(ctx context.Context) {
	backends := m.cluster.Backends()
	results := make([]*probeResult, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		i, b := i, b
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			results[i] = m.prober.probe(ctx, b)
		})
		if err != nil {
			results[i] = &probeResult{backend: b, err: err}
			wg.Done()
		}
	}
	wg.Wait()

	m.applyResults(results)
	topo := buildTopology(results)
	masterIdx := m.deriveRoles(topo, results)

	m.mu.Lock()
	m.mu.lastResults = results
	frozen := m.mu.frozen
	if masterIdx >= 0 {
		m.mu.masterDownTicks = 0
		name := results[masterIdx].backend.Name
		if name != m.mu.masterName {
			logutil.Info("master changed",
				zap.String("monitor", m.name),
				zap.String("master", name))
		}
		m.mu.masterName = name
	} else {
		m.mu.masterDownTicks++
	}
	downTicks := m.mu.masterDownTicks
	m.mu.Unlock()

	if masterIdx >= 0 {
		saveJournal(m.cfg.JournalPath, results[masterIdx].backend.Name)
	}
	if frozen {
		return
	}

	if m.cfg.AutoFailover && masterIdx < 0 && downTicks >= m.cfg.FailCount {
		if !m.cfg.VerifyMasterFailure || m.verifyMasterFailure(results) {
			if err := m.Failover(ctx); err != nil {
				logutil.Error("automatic failover failed",
					zap.String("monitor", m.name), zap.Error(err))
			}
		}
	}
	if m.cfg.AutoRejoin && masterIdx >= 0 {
		m.autoRejoin(ctx, topo, results, masterIdx)
	}
}

// applyResults writes the per-backend scalar fields.
func (m *Monitor) applyResults(results []*probeResult) {
	for _, r := range results {
		b := r.backend
		if r.err != nil {
			b.ClearFlag(cluster.StatusRunning | cluster.StatusMaster |
				cluster.StatusSlave | cluster.StatusRelay)
			b.SetReplicationLag(-1)
			continue
		}
		b.SetFlag(cluster.StatusRunning)
		b.SetServerID(r.serverID)
		b.SetVersion(r.version)
		b.SetGTID(r.gtid.String())
		lag := int64(-1)
		for _, src := range r.sources {
			if src.SQLRunning && src.SecondsBehind >= 0 {
				if lag == -1 || src.SecondsBehind < lag {
					lag = src.SecondsBehind
				}
			}
		}
		b.SetReplicationLag(lag)
		if r.diskLow {
			b.SetFlag(cluster.StatusDiskLow)
		} else {
			b.ClearFlag(cluster.StatusDiskLow)
		}
	}
}

// deriveRoles computes Master, Slave and Relay flags from the topology
// and returns the master node index, -1 when none.
//
// A node is Master iff it is writable and the unique root of a maximal
// component; Slave iff the master reaches it; Relay iff it has both an
// upstream master and downstream slaves. Members of a multi-node cycle
// are all flagged, but only one is elected Master per tick, chosen by
// lowest server id.
func (m *Monitor) deriveRoles(topo *topology, results []*probeResult) int {
	masterIdx := -1
	bestDownstream := -1

	inCycle := make([]bool, len(results))
	for _, cyc := range topo.cycleMembers() {
		elected := -1
		for _, v := range cyc {
			inCycle[v] = true
			if results[v].err != nil || results[v].readOnly {
				continue
			}
			if elected == -1 || results[v].serverID < results[elected].serverID {
				elected = v
			}
		}
		if elected >= 0 {
			logutil.Debug("replication ring detected",
				zap.String("monitor", m.name),
				zap.String("members", topo.nameList(cyc)),
				zap.String("elected", results[elected].backend.Name))
		}
	}

	for v, r := range results {
		if r.err != nil || r.readOnly {
			continue
		}
		// A root has no working upstream outside its own cycle.
		isRoot := true
		for _, up := range topo.upstream[v] {
			if results[up].err == nil && !inCycle[v] {
				isRoot = false
				break
			}
		}
		if !isRoot {
			continue
		}
		if inCycle[v] {
			// Only the elected ring member competes.
			electedInRing := v
			for _, cyc := range topo.cycleMembers() {
				for _, u := range cyc {
					if u == v {
						electedInRing = ringElection(cyc, results)
					}
				}
			}
			if electedInRing != v {
				continue
			}
		}
		down := topo.downstreamCount(v)
		if down > bestDownstream {
			bestDownstream = down
			masterIdx = v
		}
	}

	for v, r := range results {
		b := r.backend
		b.ClearFlag(cluster.StatusMaster | cluster.StatusSlave | cluster.StatusRelay)
		if r.err != nil {
			continue
		}
		switch {
		case v == masterIdx:
			b.SetFlag(cluster.StatusMaster)
		case masterIdx >= 0 && topo.reaches(masterIdx, v) && replicationHealthy(r):
			b.SetFlag(cluster.StatusSlave)
			if len(topo.edges[v]) > 0 {
				b.SetFlag(cluster.StatusRelay)
			}
		}
	}
	return masterIdx
}

func ringElection(cyc []int, results []*probeResult) int {
	elected := -1
	for _, v := range cyc {
		if results[v].err != nil || results[v].readOnly {
			continue
		}
		if elected == -1 || results[v].serverID < results[elected].serverID {
			elected = v
		}
	}
	return elected
}

// replicationHealthy requires both replication threads running.
func replicationHealthy(r *probeResult) bool {
	for _, src := range r.sources {
		if src.IORunning && src.SQLRunning {
			return true
		}
	}
	return false
}

// verifyMasterFailure confirms through the slaves that the master is
// really unreachable, not just cut off from the monitor.
func (m *Monitor) verifyMasterFailure(results []*probeResult) bool {
	confirmed := true
	for _, r := range results {
		if r.err != nil {
			continue
		}
		for _, src := range r.sources {
			if src.IORunning {
				// A slave still connected to the master contradicts
				// the failure.
				confirmed = false
			}
		}
	}
	return confirmed
}

// masterResult returns the last probe of the current master.
func (m *Monitor) masterResult() *probeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.mu.lastResults {
		if r.backend.Name == m.mu.masterName {
			return r
		}
	}
	return nil
}

func (m *Monitor) lastResults() []*probeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.lastResults
}

func (m *Monitor) excluded(name string) bool {
	for _, e := range m.cfg.ExcludedServers {
		if e == name {
			return true
		}
	}
	return false
}

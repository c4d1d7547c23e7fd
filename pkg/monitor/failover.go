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
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/logutil"
	"github.com/moxasql/moxa/pkg/metrics"
)

// relevantDomain picks the replication domain failover decisions compare
// on: the domain of the last known master position, falling back to 0.
func (m *Monitor) relevantDomain() uint32 {
	if mr := m.masterResult(); mr != nil && !mr.gtid.Empty() {
		for d := range mr.gtid {
			return d
		}
	}
	return 0
}

// pickCandidate selects the promotion target: among eligible slaves the
// one with the most advanced gtid on the relevant domain; ties broken by
// rank, then name.
func (m *Monitor) pickCandidate(results []*probeResult) *probeResult {
	domain := m.relevantDomain()
	var best *probeResult
	for _, r := range results {
		if r.err != nil {
			continue
		}
		b := r.backend
		if m.excluded(b.Name) || b.Status().Has(cluster.StatusDiskLow) ||
			b.Status().Has(cluster.StatusMaintenance) {
			continue
		}
		if b.Status().Has(cluster.StatusMaster) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		switch {
		case r.gtid.AheadOf(best.gtid, domain):
			best = r
		case best.gtid.AheadOf(r.gtid, domain):
		case r.backend.Rank() < best.backend.Rank():
			best = r
		case r.backend.Rank() == best.backend.Rank() && r.backend.Name < best.backend.Name:
			best = r
		}
	}
	return best
}

// Failover promotes the best slave after the master was lost. Failure
// past the promotion point freezes the cluster.
func (m *Monitor) Failover(ctx context.Context) error {
	if frozen, reason := m.Frozen(); frozen {
		return merr.NewClusterFrozen(reason)
	}
	results := m.lastResults()
	candidate := m.pickCandidate(results)
	if candidate == nil {
		return merr.New(merr.ErrNotEligible, "no promotion candidate available")
	}
	logutil.Info("failover started",
		zap.String("monitor", m.name),
		zap.String("candidate", candidate.backend.Name))

	if err := m.waitCatchUp(ctx, candidate, results); err != nil {
		// Nothing was changed yet; safe to abort.
		return err
	}
	if err := m.promote(ctx, candidate.backend); err != nil {
		// The candidate may be half promoted: past the safe point.
		m.freeze(fmt.Sprintf("promotion of %s failed: %v", candidate.backend.Name, err))
		return err
	}
	m.redirectSlaves(ctx, candidate, results)

	m.mu.Lock()
	m.mu.masterName = candidate.backend.Name
	m.mu.masterDownTicks = 0
	m.mu.Unlock()
	saveJournal(m.cfg.JournalPath, candidate.backend.Name)
	metrics.Failovers.Inc()
	logutil.Info("failover complete",
		zap.String("monitor", m.name),
		zap.String("new master", candidate.backend.Name))
	return nil
}

// Switchover is the operator initiated variant: the demotion target is a
// living master whose traffic is first drained.
func (m *Monitor) Switchover(ctx context.Context, newMasterName string) error {
	if frozen, reason := m.Frozen(); frozen {
		return merr.NewClusterFrozen(reason)
	}
	results := m.lastResults()

	var oldMaster, candidate *probeResult
	for _, r := range results {
		if r.backend.Status().Has(cluster.StatusMaster) {
			oldMaster = r
		}
		if newMasterName != "" && r.backend.Name == newMasterName {
			candidate = r
		}
	}
	if candidate == nil {
		if candidate = m.pickCandidate(results); candidate == nil {
			return merr.New(merr.ErrNotEligible, "no promotion candidate available")
		}
	}
	if oldMaster == nil {
		return merr.New(merr.ErrNotEligible, "no running master to demote")
	}
	if candidate.backend.Name == oldMaster.backend.Name {
		return merr.New(merr.ErrNotEligible, "candidate is already the master")
	}
	logutil.Info("switchover started",
		zap.String("monitor", m.name),
		zap.String("demoting", oldMaster.backend.Name),
		zap.String("promoting", candidate.backend.Name))

	// Drain the old master: stop accepting writes, let slaves catch up.
	oldMaster.backend.SetFlag(cluster.StatusDraining)
	if err := m.prober.exec(ctx, oldMaster.backend, "SET GLOBAL read_only=1"); err != nil {
		oldMaster.backend.ClearFlag(cluster.StatusDraining)
		return merr.Wrap(err, merr.ErrInternal, "demote %s", oldMaster.backend.Name)
	}
	if err := m.waitCatchUp(ctx, candidate, results); err != nil {
		// Roll the demotion back; nothing else has changed.
		_ = m.prober.exec(ctx, oldMaster.backend, "SET GLOBAL read_only=0")
		oldMaster.backend.ClearFlag(cluster.StatusDraining)
		return err
	}
	if err := m.promote(ctx, candidate.backend); err != nil {
		m.freeze(fmt.Sprintf("promotion of %s failed mid-switchover: %v",
			candidate.backend.Name, err))
		return err
	}
	m.redirectSlaves(ctx, candidate, results)
	// The demoted master becomes a slave of the new one.
	if err := m.pointAt(ctx, oldMaster.backend, candidate.backend); err != nil {
		logutil.Warn("failed to repoint demoted master",
			zap.String("server", oldMaster.backend.Name), zap.Error(err))
	}
	oldMaster.backend.ClearFlag(cluster.StatusDraining)

	m.mu.Lock()
	m.mu.masterName = candidate.backend.Name
	m.mu.Unlock()
	saveJournal(m.cfg.JournalPath, candidate.backend.Name)
	metrics.Switchovers.Inc()
	logutil.Info("switchover complete",
		zap.String("monitor", m.name),
		zap.String("new master", candidate.backend.Name))
	return nil
}

// waitCatchUp blocks until every running slave reached the candidate's
// gtid or the timeout elapsed.
func (m *Monitor) waitCatchUp(ctx context.Context, candidate *probeResult, results []*probeResult) error {
	domain := m.relevantDomain()
	deadline := time.Now().Add(m.cfg.SwitchoverTimeout)
	target := candidate.gtid
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		caughtUp := true
		for _, r := range results {
			if r.err != nil || r == candidate {
				continue
			}
			gtid, err := m.prober.queryGTID(ctx, r.backend)
			if err != nil {
				continue
			}
			if target.AheadOf(gtid, domain) {
				caughtUp = false
			}
		}
		if caughtUp {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return merr.New(merr.ErrInternal, "slaves did not catch up within %s", m.cfg.SwitchoverTimeout)
}

// promote turns the candidate into a writable master: stop slave, reset
// slave, clear read_only, then run the configured promotion statements.
func (m *Monitor) promote(ctx context.Context, b *cluster.Backend) error {
	steps := []string{
		"STOP ALL SLAVES",
		"RESET SLAVE ALL",
		"SET GLOBAL read_only=0",
	}
	steps = append(steps, m.cfg.PromotionSQL...)
	for i, stmt := range steps {
		if err := m.prober.exec(ctx, b, stmt); err != nil {
			return merr.Wrap(err, merr.ErrInternal, "promotion step %d (%s)", i+1, stmt)
		}
	}
	return nil
}

// redirectSlaves points every surviving slave at the new master.
func (m *Monitor) redirectSlaves(ctx context.Context, newMaster *probeResult, results []*probeResult) {
	for _, r := range results {
		if r.err != nil || r == newMaster {
			continue
		}
		if err := m.pointAt(ctx, r.backend, newMaster.backend); err != nil {
			logutil.Warn("failed to redirect slave",
				zap.String("server", r.backend.Name),
				zap.String("new master", newMaster.backend.Name),
				zap.Error(err))
		}
	}
}

// pointAt reconfigures b to replicate from target.
func (m *Monitor) pointAt(ctx context.Context, b, target *cluster.Backend) error {
	stmts := []string{
		"STOP ALL SLAVES",
		fmt.Sprintf(
			"CHANGE MASTER TO MASTER_HOST='%s', MASTER_PORT=%d, MASTER_USER='%s', MASTER_PASSWORD='%s', MASTER_USE_GTID=current_pos",
			target.Host, target.Port, m.cfg.User, m.cfg.Password),
		"START SLAVE",
	}
	for _, stmt := range stmts {
		if err := m.prober.exec(ctx, b, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Rejoin folds a returning node back into the topology. A node already
// replicating from the current master is accepted silently; one attached
// to a different master is reset and repointed; a standalone read-write
// master with data the cluster has not seen is never accepted.
func (m *Monitor) Rejoin(ctx context.Context, name string) error {
	if frozen, reason := m.Frozen(); frozen {
		return merr.NewClusterFrozen(reason)
	}
	b := m.cluster.Get(name)
	if b == nil {
		return merr.NewUnknownObject("server", name)
	}
	master := m.cluster.Master()
	if master == nil {
		return merr.New(merr.ErrNotEligible, "no master to rejoin to")
	}
	r := m.prober.probe(ctx, b)
	if r.err != nil {
		return merr.Wrap(r.err, merr.ErrInternal, "probe %s", name)
	}

	replicatingFromMaster := false
	for _, src := range r.sources {
		if src.MasterHost == master.Host && src.MasterPort == master.Port {
			replicatingFromMaster = true
		}
	}
	if replicatingFromMaster && replicationHealthy(r) {
		return nil
	}

	if !r.readOnly && len(r.sources) == 0 {
		// A standalone read-write node: accepting it could silently
		// discard transactions the cluster has not seen.
		domain := m.relevantDomain()
		masterGTID := ParseGTID(master.GTID())
		if r.gtid.AheadOf(masterGTID, domain) {
			return merr.New(merr.ErrRejoinUnsafe,
				"%s is a standalone master with events the cluster has not seen", name)
		}
	}

	if err := m.pointAt(ctx, b, master); err != nil {
		return merr.Wrap(err, merr.ErrInternal, "rejoin %s", name)
	}
	metrics.Rejoins.Inc()
	logutil.Info("server rejoined",
		zap.String("monitor", m.name),
		zap.String("server", name),
		zap.String("master", master.Name))
	return nil
}

// autoRejoin repoints returning nodes that replicate from nothing or
// from a stale master.
func (m *Monitor) autoRejoin(ctx context.Context, topo *topology, results []*probeResult, masterIdx int) {
	for v, r := range results {
		if r.err != nil || v == masterIdx {
			continue
		}
		if r.backend.Status().Has(cluster.StatusSlave) {
			continue
		}
		if r.backend.Status().Has(cluster.StatusMaintenance) {
			continue
		}
		if err := m.Rejoin(ctx, r.backend.Name); err != nil {
			logutil.Debug("auto rejoin skipped",
				zap.String("server", r.backend.Name),
				zap.Error(err))
		}
	}
}

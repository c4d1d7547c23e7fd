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

// Package admin is the control surface over the configuration objects
// and the monitors: list, show, create, destroy, alter, plus the
// monitor commands switchover, failover, rejoin and reset-replication.
package admin

import (
	"context"
	"sort"

	"github.com/moxasql/moxa/pkg/cluster"
	"github.com/moxasql/moxa/pkg/common/merr"
	"github.com/moxasql/moxa/pkg/config"
	"github.com/moxasql/moxa/pkg/monitor"
)

// Surface exposes the control operations.
type Surface struct {
	registry *config.Registry
	clusters map[string]*cluster.Cluster
	monitors map[string]*monitor.Monitor
}

// NewSurface creates the control surface.
func NewSurface(reg *config.Registry) *Surface {
	return &Surface{
		registry: reg,
		clusters: make(map[string]*cluster.Cluster),
		monitors: make(map[string]*monitor.Monitor),
	}
}

// BindCluster attaches a live cluster to its service object name.
func (s *Surface) BindCluster(service string, cl *cluster.Cluster) {
	s.clusters[service] = cl
}

// BindMonitor attaches a live monitor to its object name.
func (s *Surface) BindMonitor(name string, m *monitor.Monitor) {
	s.monitors[name] = m
}

// List returns the object names of a kind.
func (s *Surface) List(kind config.Kind) []string {
	return s.registry.List(kind)
}

// ObjectInfo is the attribute and relationship view of one object.
type ObjectInfo struct {
	Name   string
	Kind   config.Kind
	Module string
	Params map[string]string
	// Targets are the objects this one references (servers of a
	// service, services of a filter).
	Targets []string
	// ReferencedBy are the objects referencing this one.
	ReferencedBy []string
}

// Show returns the current attributes and relationships of an object.
func (s *Surface) Show(kind config.Kind, name string) (*ObjectInfo, error) {
	obj, err := s.registry.Get(kind, name)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(obj.Params))
	for k, v := range obj.Params {
		params[k] = v
	}
	return &ObjectInfo{
		Name:         obj.Name,
		Kind:         obj.Kind,
		Module:       obj.Module,
		Params:       params,
		Targets:      s.registry.Relations(name),
		ReferencedBy: s.registry.ReverseRelations(name),
	}, nil
}

// Create adds a runtime object.
func (s *Surface) Create(obj *config.Object) error {
	return s.registry.Create(obj)
}

// Destroy removes an object.
func (s *Surface) Destroy(kind config.Kind, name string) error {
	return s.registry.Destroy(kind, name)
}

// Alter changes one runtime-modifiable parameter.
func (s *Surface) Alter(kind config.Kind, name, param, value string) error {
	return s.registry.Alter(kind, name, param, value)
}

// AlterRelations replaces the relationship list of an object.
func (s *Surface) AlterRelations(name string, targets []string) error {
	return s.registry.AlterRelations(name, targets)
}

// ServerStates lists the live status line of every known backend.
func (s *Surface) ServerStates() map[string]string {
	out := make(map[string]string)
	for _, cl := range s.clusters {
		for _, b := range cl.Backends() {
			out[b.Name] = b.Status().String()
		}
	}
	return out
}

// SetMaintenance toggles the maintenance flag of a server.
func (s *Surface) SetMaintenance(server string, on bool) error {
	for _, cl := range s.clusters {
		if b := cl.Get(server); b != nil {
			if on {
				b.SetFlag(cluster.StatusMaintenance)
			} else {
				b.ClearFlag(cluster.StatusMaintenance)
			}
			return nil
		}
	}
	return merr.NewUnknownObject("server", server)
}

// SetDraining toggles the draining flag of a server.
func (s *Surface) SetDraining(server string, on bool) error {
	for _, cl := range s.clusters {
		if b := cl.Get(server); b != nil {
			if on {
				b.SetFlag(cluster.StatusDraining)
			} else {
				b.ClearFlag(cluster.StatusDraining)
			}
			return nil
		}
	}
	return merr.NewUnknownObject("server", server)
}

// Monitors lists the bound monitor names.
func (s *Surface) Monitors() []string {
	names := make([]string, 0, len(s.monitors))
	for name := range s.monitors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Surface) monitorOf(name string) (*monitor.Monitor, error) {
	m, ok := s.monitors[name]
	if !ok {
		return nil, merr.NewUnknownObject("monitor", name)
	}
	return m, nil
}

// Failover triggers a manual failover on a monitor.
func (s *Surface) Failover(ctx context.Context, monitorName string) error {
	m, err := s.monitorOf(monitorName)
	if err != nil {
		return err
	}
	return m.Failover(ctx)
}

// Switchover demotes the current master and promotes newMaster.
func (s *Surface) Switchover(ctx context.Context, monitorName, newMaster string) error {
	m, err := s.monitorOf(monitorName)
	if err != nil {
		return err
	}
	return m.Switchover(ctx, newMaster)
}

// Rejoin folds a returning server back under the current master.
func (s *Surface) Rejoin(ctx context.Context, monitorName, server string) error {
	m, err := s.monitorOf(monitorName)
	if err != nil {
		return err
	}
	return m.Rejoin(ctx, server)
}

// ResetReplication clears a monitor's manual-intervention lockout.
func (s *Surface) ResetReplication(monitorName string) error {
	m, err := s.monitorOf(monitorName)
	if err != nil {
		return err
	}
	m.ResetReplicationState()
	return nil
}

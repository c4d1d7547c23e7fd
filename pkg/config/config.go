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

// Package config holds the object-oriented runtime configuration:
// instances of service, listener, server, monitor, filter and user
// objects, each with a name, a type and a typed parameter map. The
// persisted form is one stanza per object.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/moxasql/moxa/pkg/common/merr"
)

// Kind is the object class.
type Kind string

const (
	KindService  Kind = "service"
	KindListener Kind = "listener"
	KindServer   Kind = "server"
	KindMonitor  Kind = "monitor"
	KindFilter   Kind = "filter"
	KindUser     Kind = "user"
)

// Object is one configuration instance.
type Object struct {
	Name string
	Kind Kind
	// Module is the implementation type, e.g. "readwritesplit".
	Module string
	// Params is the typed parameter map.
	Params map[string]string
	// runtime marks objects created after startup; they persist as
	// individual stanzas.
	runtime bool
}

// Param reads a parameter with a default.
func (o *Object) Param(name, def string) string {
	if v, ok := o.Params[name]; ok {
		return v
	}
	return def
}

// immutableParams cannot be altered at runtime, per kind.
var immutableParams = map[Kind]map[string]struct{}{
	KindListener: {"address": {}, "port": {}, "protocol": {}},
	KindServer:   {"address": {}, "port": {}, "socket": {}},
	KindService:  {"router": {}},
	KindMonitor:  {"module": {}},
}

// Registry is the process-wide object store. Mutations are serialized;
// readers take the read lock only.
type Registry struct {
	mu sync.RWMutex
	// objects by kind then name.
	objects map[Kind]map[string]*Object
	// relations: service -> servers, service -> filters, and the like.
	relations map[string][]string
	// persistDir receives one stanza file per runtime-created object.
	persistDir string
}

// NewRegistry creates an empty registry persisting to dir.
func NewRegistry(persistDir string) *Registry {
	return &Registry{
		objects:    make(map[Kind]map[string]*Object),
		relations:  make(map[string][]string),
		persistDir: persistDir,
	}
}

// stanza is the on-disk form of one object.
type stanza struct {
	Kind     string            `toml:"type"`
	Module   string            `toml:"module,omitempty"`
	Params   map[string]string `toml:"parameters"`
	Relation []string          `toml:"targets,omitempty"`
}

// Load reads the operator written file and then overlays the persisted
// runtime stanzas.
func (r *Registry) Load(path string) error {
	if path != "" {
		if err := r.loadFile(path, false); err != nil {
			return err
		}
	}
	if r.persistDir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.persistDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return merr.Wrap(err, merr.ErrBadConfig, "read persistence directory")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cnf") {
			continue
		}
		if err := r.loadFile(filepath.Join(r.persistDir, e.Name()), true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path string, runtime bool) error {
	var raw map[string]stanza
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return merr.Wrap(err, merr.ErrBadConfig, "parse %s", path)
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := raw[name]
		obj := &Object{
			Name:    name,
			Kind:    Kind(st.Kind),
			Module:  st.Module,
			Params:  st.Params,
			runtime: runtime,
		}
		if obj.Params == nil {
			obj.Params = make(map[string]string)
		}
		// An overlayed stanza replaces the static object of the same name.
		r.mu.Lock()
		if r.objects[obj.Kind] == nil {
			r.objects[obj.Kind] = make(map[string]*Object)
		}
		r.objects[obj.Kind][name] = obj
		if len(st.Relation) > 0 {
			r.relations[name] = st.Relation
		}
		r.mu.Unlock()
	}
	return nil
}

// Get returns an object by kind and name.
func (r *Registry) Get(kind Kind, name string) (*Object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[kind][name]
	if !ok {
		return nil, merr.NewUnknownObject(string(kind), name)
	}
	return obj, nil
}

// List returns the names of a kind, sorted.
func (r *Registry) List(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.objects[kind]))
	for name := range r.objects[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Relations returns the objects name references, e.g. the servers of a
// service.
func (r *Registry) Relations(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.relations[name]))
	copy(out, r.relations[name])
	return out
}

// ReverseRelations returns the objects referencing name, e.g. the
// services of a filter.
func (r *Registry) ReverseRelations(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for owner, targets := range r.relations {
		for _, t := range targets {
			if t == name {
				out = append(out, owner)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Create adds a runtime object and persists its stanza.
func (r *Registry) Create(obj *Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.objects[obj.Kind] == nil {
		r.objects[obj.Kind] = make(map[string]*Object)
	}
	if _, exists := r.objects[obj.Kind][obj.Name]; exists {
		return merr.NewDuplicateObject(string(obj.Kind), obj.Name)
	}
	if obj.Params == nil {
		obj.Params = make(map[string]string)
	}
	obj.runtime = true
	r.objects[obj.Kind][obj.Name] = obj
	return r.persistLocked(obj)
}

// Destroy removes an object; objects still referenced are protected.
func (r *Registry) Destroy(kind Kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[kind][name]; !ok {
		return merr.NewUnknownObject(string(kind), name)
	}
	for owner, targets := range r.relations {
		for _, t := range targets {
			if t == name {
				return merr.New(merr.ErrObjectInUse, "%s is in use by %s", name, owner)
			}
		}
	}
	delete(r.objects[kind], name)
	delete(r.relations, name)
	if r.persistDir != "" {
		_ = os.Remove(r.stanzaPath(name))
	}
	return nil
}

// Alter changes one parameter. Altering a parameter that is not
// runtime-modifiable is rejected.
func (r *Registry) Alter(kind Kind, name, param, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[kind][name]
	if !ok {
		return merr.NewUnknownObject(string(kind), name)
	}
	if frozen, ok := immutableParams[kind]; ok {
		if _, immutable := frozen[param]; immutable {
			return merr.NewImmutableParam(name, param)
		}
	}
	obj.Params[param] = value
	if obj.runtime {
		return r.persistLocked(obj)
	}
	return nil
}

// AlterRelations replaces the relation list of an object.
func (r *Registry) AlterRelations(name string, targets []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, objs := range r.objects {
		if _, ok := objs[name]; ok {
			found = true
			break
		}
	}
	if !found {
		return merr.NewUnknownObject("object", name)
	}
	r.relations[name] = append([]string(nil), targets...)
	return nil
}

func (r *Registry) stanzaPath(name string) string {
	return filepath.Join(r.persistDir, name+".cnf")
}

// persistLocked writes one object as its own stanza file.
func (r *Registry) persistLocked(obj *Object) error {
	if r.persistDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.persistDir, 0o750); err != nil {
		return merr.Wrap(err, merr.ErrInternal, "create persistence directory")
	}
	payload := map[string]stanza{
		obj.Name: {
			Kind:     string(obj.Kind),
			Module:   obj.Module,
			Params:   obj.Params,
			Relation: r.relations[obj.Name],
		},
	}
	f, err := os.OpenFile(r.stanzaPath(obj.Name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return merr.Wrap(err, merr.ErrInternal, "persist %s", obj.Name)
	}
	defer func() { _ = f.Close() }()
	if err := toml.NewEncoder(f).Encode(payload); err != nil {
		return merr.Wrap(err, merr.ErrInternal, "encode %s", obj.Name)
	}
	return nil
}

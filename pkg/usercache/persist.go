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

package usercache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4"

	"github.com/moxasql/moxa/pkg/common/merr"
)

// persistedState is the on-disk form of the cache, so a restart without
// any reachable backend can still authenticate known users.
type persistedState struct {
	Entries   []*Entry `json:"entries"`
	Databases []string `json:"databases"`
}

// Persist writes the current cache content to the configured file,
// lz4 compressed, through a rename for atomicity.
func (c *Cache) Persist() error {
	if c.cfg.PersistPath == "" {
		return nil
	}
	entries, databases := c.snapshot()
	raw, err := json.Marshal(persistedState{Entries: entries, Databases: databases})
	if err != nil {
		return merr.Wrap(err, merr.ErrInternal, "encode user cache")
	}

	if err := os.MkdirAll(filepath.Dir(c.cfg.PersistPath), 0o750); err != nil {
		return merr.Wrap(err, merr.ErrInternal, "create user cache directory")
	}
	tmp := c.cfg.PersistPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return merr.Wrap(err, merr.ErrInternal, "open user cache file")
	}
	w := lz4.NewWriter(f)
	if _, err := w.Write(raw); err != nil {
		_ = f.Close()
		return merr.Wrap(err, merr.ErrInternal, "write user cache file")
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return merr.Wrap(err, merr.ErrInternal, "flush user cache file")
	}
	if err := f.Close(); err != nil {
		return merr.Wrap(err, merr.ErrInternal, "close user cache file")
	}
	return os.Rename(tmp, c.cfg.PersistPath)
}

// Restore loads the persisted cache if the file exists. A missing file
// is not an error; the first successful backend load fills the cache.
func (c *Cache) Restore() error {
	if c.cfg.PersistPath == "" {
		return nil
	}
	f, err := os.Open(c.cfg.PersistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return merr.Wrap(err, merr.ErrInternal, "open user cache file")
	}
	defer func() { _ = f.Close() }()

	var state persistedState
	if err := json.NewDecoder(lz4.NewReader(f)).Decode(&state); err != nil {
		return merr.Wrap(err, merr.ErrInternal, "decode user cache file")
	}
	c.replace(state.Entries, state.Databases)
	return nil
}

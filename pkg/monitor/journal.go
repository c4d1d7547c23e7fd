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
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// journal persists the last known master identity so a restarted proxy
// has a starting hint. The hint is never authoritative; the first
// successful tick overrides it.
type journal struct {
	Master  string    `json:"master"`
	Updated time.Time `json:"updated"`
}

func saveJournal(path, master string) {
	if path == "" {
		return
	}
	raw, err := json.Marshal(journal{Master: master, Updated: time.Now()})
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func loadJournal(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var j journal
	if err := json.Unmarshal(raw, &j); err != nil {
		return "", err
	}
	return j.Master, nil
}

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

package logutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustDefaults(t *testing.T) {
	c := LogConfig{}
	c.Adjust()
	assert.Equal(t, "info", c.Level)
	assert.Equal(t, "console", c.Format)
	assert.NotZero(t, c.MaxSize)
}

func TestSetupRejectsBadLevel(t *testing.T) {
	assert.Error(t, Setup(LogConfig{Level: "loud"}))
}

func TestSetupReplacesGlobalLogger(t *testing.T) {
	before := GetLogger()
	require.NoError(t, Setup(LogConfig{Level: "debug", Format: "json"}))
	assert.NotSame(t, before, GetLogger())
	Info("logger ready")
}

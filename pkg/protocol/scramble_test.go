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

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateScramble(t *testing.T) {
	s := GenerateScramble(ScrambleLen)
	require.Len(t, s, ScrambleLen)
	for _, b := range s {
		assert.NotZero(t, b)
	}
	assert.NotEqual(t, s, GenerateScramble(ScrambleLen))
}

func TestNativePasswordRoundTrip(t *testing.T) {
	scramble := GenerateScramble(ScrambleLen)
	stored := DoubleSha1Password("s3cret")
	token := NativeToken("s3cret", scramble)
	require.Len(t, token, 20)
	assert.True(t, CheckNativeToken(stored, scramble, token))
	assert.False(t, CheckNativeToken(stored, scramble, NativeToken("wrong", scramble)))
	// A token bound to another scramble does not verify.
	assert.False(t, CheckNativeToken(stored, GenerateScramble(ScrambleLen), token))
}

func TestEmptyPassword(t *testing.T) {
	scramble := GenerateScramble(ScrambleLen)
	assert.Nil(t, NativeToken("", scramble))
	assert.True(t, CheckNativeToken(nil, scramble, nil))
	assert.False(t, CheckNativeToken(DoubleSha1Password("x"), scramble, nil))
}

func TestRecoverStage1(t *testing.T) {
	scramble := GenerateScramble(ScrambleLen)
	stored := DoubleSha1Password("s3cret")
	token := NativeToken("s3cret", scramble)

	stage1 := RecoverStage1(stored, scramble, token)
	require.NotNil(t, stage1)
	assert.Equal(t, HashSha1([]byte("s3cret")), stage1)

	// The recovered hash answers a different scramble correctly.
	scramble2 := GenerateScramble(ScrambleLen)
	token2 := TokenFromStage1(stage1, scramble2)
	assert.True(t, CheckNativeToken(stored, scramble2, token2))
}

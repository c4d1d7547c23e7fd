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
	"bytes"
	"crypto/rand"
	"crypto/sha1"
)

// GenerateScramble returns n random bytes usable inside a NUL terminated
// string: every byte is non zero and not 0x24.
func GenerateScramble(n int) []byte {
	out := make([]byte, n)
	_, _ = rand.Read(out)
	for i := range out {
		out[i] = out[i]%94 + 33
		if out[i] == 0x24 {
			out[i]++
		}
	}
	return out
}

// HashSha1 is a single SHA1 round.
func HashSha1(data []byte) []byte {
	h := sha1.New()
	h.Write(data)
	return h.Sum(nil)
}

// DoubleSha1Password computes SHA1(SHA1(password)), the form stored in
// mysql.user's authentication_string column.
func DoubleSha1Password(password string) []byte {
	return HashSha1(HashSha1([]byte(password)))
}

// NativeToken computes the client side token of mysql_native_password:
// SHA1(password) XOR SHA1(scramble || SHA1(SHA1(password))).
func NativeToken(password string, scramble []byte) []byte {
	if password == "" {
		return nil
	}
	stage1 := HashSha1([]byte(password))
	stage2 := HashSha1(stage1)
	h := sha1.New()
	h.Write(scramble)
	h.Write(stage2)
	token := h.Sum(nil)
	for i := range token {
		token[i] ^= stage1[i]
	}
	return token
}

// RecoverStage1 recovers SHA1(password) from a valid client token:
// stage1 = token XOR SHA1(scramble || stored). With stage1 in hand the
// proxy can answer any backend's challenge on the client's behalf.
func RecoverStage1(stored, scramble, token []byte) []byte {
	if len(token) == 0 {
		return nil
	}
	h := sha1.New()
	h.Write(scramble)
	h.Write(stored)
	mask := h.Sum(nil)
	if len(mask) != len(token) {
		return nil
	}
	stage1 := make([]byte, len(token))
	for i := range token {
		stage1[i] = token[i] ^ mask[i]
	}
	return stage1
}

// TokenFromStage1 computes a backend challenge response from a recovered
// stage1 hash: token = stage1 XOR SHA1(scramble || SHA1(stage1)).
func TokenFromStage1(stage1, scramble []byte) []byte {
	if len(stage1) == 0 {
		return nil
	}
	stage2 := HashSha1(stage1)
	h := sha1.New()
	h.Write(scramble)
	h.Write(stage2)
	token := h.Sum(nil)
	for i := range token {
		token[i] ^= stage1[i]
	}
	return token
}

// CheckNativeToken verifies a client token against the stored double hash:
// hash1 = token XOR SHA1(scramble || stored); SHA1(hash1) must equal stored.
func CheckNativeToken(stored, scramble, token []byte) bool {
	if len(stored) == 0 && len(token) == 0 {
		return true
	}
	h := sha1.New()
	h.Write(scramble)
	h.Write(stored)
	hash1 := h.Sum(nil)
	if len(token) != len(hash1) {
		return false
	}
	for i := range hash1 {
		hash1[i] ^= token[i]
	}
	return bytes.Equal(stored, HashSha1(hash1))
}

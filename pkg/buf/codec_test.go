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

package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWidthRoundTrip(t *testing.T) {
	data := make([]byte, 32)

	pos := WriteUint8(data, 0, 0xab)
	assert.Equal(t, 1, pos)
	v8, pos, ok := ReadUint8(data, 0)
	require.True(t, ok)
	assert.Equal(t, uint8(0xab), v8)
	assert.Equal(t, 1, pos)

	WriteUint16(data, 0, 0xbeef)
	v16, _, ok := ReadUint16(data, 0)
	require.True(t, ok)
	assert.Equal(t, uint16(0xbeef), v16)

	WriteUint24(data, 0, 0xabcdef)
	v24, _, ok := ReadUint24(data, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(0xabcdef), v24)

	WriteUint32(data, 0, 0xdeadbeef)
	v32, _, ok := ReadUint32(data, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), v32)

	WriteUint64(data, 0, 0x0123456789abcdef)
	v64, _, ok := ReadUint64(data, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0123456789abcdef), v64)
}

func TestFixedWidthShortBuffer(t *testing.T) {
	_, _, ok := ReadUint32([]byte{1, 2, 3}, 0)
	assert.False(t, ok)
	_, _, ok = ReadUint16([]byte{1}, 0)
	assert.False(t, ok)
	_, _, ok = ReadUint8(nil, 0)
	assert.False(t, ok)
}

func TestLenEncIntRoundTrip(t *testing.T) {
	// Every width class, including the boundaries.
	values := []uint64{
		0, 1, 250,
		251, 0xffff,
		0x10000, 0xffffff,
		0x1000000, 1<<24 - 1, 1 << 24,
		1<<63 - 1,
	}
	for _, v := range values {
		data := make([]byte, 9)
		end := WriteLenEncInt(data, 0, v)
		got, pos, ok := ReadLenEncInt(data, 0)
		require.True(t, ok, "value %d", v)
		assert.Equal(t, v, got, "value %d", v)
		assert.Equal(t, end, pos, "value %d", v)

		appended := AppendLenEncInt(nil, v)
		got, _, ok = ReadLenEncInt(appended, 0)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestLenEncIntNullMarker(t *testing.T) {
	v, pos, ok := ReadLenEncInt([]byte{0xfb}, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), v)
	assert.Equal(t, 1, pos)
}

func TestLenEncStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", string(make([]byte, 300))} {
		data := AppendLenEncString(nil, s)
		got, pos, ok := ReadLenEncString(data, 0)
		require.True(t, ok)
		assert.Equal(t, s, got)
		assert.Equal(t, len(data), pos)
	}
}

func TestStringNUL(t *testing.T) {
	data := make([]byte, 16)
	end := WriteStringNUL(data, 0, "moxa")
	assert.Equal(t, 5, end)
	s, pos, ok := ReadStringNUL(data, 0)
	require.True(t, ok)
	assert.Equal(t, "moxa", s)
	assert.Equal(t, 5, pos)

	_, _, ok = ReadStringNUL([]byte{'a', 'b'}, 0)
	assert.False(t, ok)
}

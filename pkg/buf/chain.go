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

import "sync/atomic"

// HeaderLen is the MySQL packet header length: 3 bytes payload length
// and 1 byte sequence number.
const HeaderLen = 4

// MaxPayloadSize is the legal max payload of one wire frame. Larger
// payloads split into consecutive max size frames.
const MaxPayloadSize = 1<<24 - 1

// segment is a reference counted byte block shared between chains.
type segment struct {
	data []byte
	refs atomic.Int32
}

func newSegment(data []byte) *segment {
	s := &segment{data: data}
	s.refs.Store(1)
	return s
}

func (s *segment) retain()  { s.refs.Add(1) }
func (s *segment) release() { s.refs.Add(-1) }

// slice is a window into a segment.
type slice struct {
	seg   *segment
	begin int
	end   int
}

func (s slice) len() int      { return s.end - s.begin }
func (s slice) bytes() []byte { return s.seg.data[s.begin:s.end] }

// Chain is an append friendly byte chain. Appends add segments without
// copying; Clone shares segments by reference count; Split cuts the
// chain at any byte offset, again without copying.
type Chain struct {
	slices []slice
	length int
}

// NewChain creates a chain owning data. The chain takes the slice as a
// segment; the caller must not modify it afterwards.
func NewChain(data ...[]byte) *Chain {
	c := &Chain{}
	for _, d := range data {
		c.Append(d)
	}
	return c
}

// Len returns the total byte length.
func (c *Chain) Len() int { return c.length }

// Append adds data as a new segment.
func (c *Chain) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	seg := newSegment(data)
	c.slices = append(c.slices, slice{seg: seg, begin: 0, end: len(data)})
	c.length += len(data)
}

// appendSlice shares an existing slice.
func (c *Chain) appendSlice(s slice) {
	if s.len() == 0 {
		return
	}
	s.seg.retain()
	c.slices = append(c.slices, s)
	c.length += s.len()
}

// Clone returns a chain sharing every segment by reference.
func (c *Chain) Clone() *Chain {
	n := &Chain{slices: make([]slice, 0, len(c.slices))}
	for _, s := range c.slices {
		n.appendSlice(s)
	}
	return n
}

// Release drops the chain's references. The chain is empty afterwards.
func (c *Chain) Release() {
	for _, s := range c.slices {
		s.seg.release()
	}
	c.slices = nil
	c.length = 0
}

// Bytes copies the chain into one contiguous slice.
func (c *Chain) Bytes() []byte {
	out := make([]byte, 0, c.length)
	for _, s := range c.slices {
		out = append(out, s.bytes()...)
	}
	return out
}

// ByteAt returns the byte at offset. The caller must check Len first.
func (c *Chain) ByteAt(offset int) byte {
	for _, s := range c.slices {
		if offset < s.len() {
			return s.seg.data[s.begin+offset]
		}
		offset -= s.len()
	}
	panic("buf: offset beyond chain length")
}

// CopyTo copies up to len(dst) bytes starting at offset into dst and
// returns the count copied.
func (c *Chain) CopyTo(offset int, dst []byte) int {
	copied := 0
	for _, s := range c.slices {
		if offset >= s.len() {
			offset -= s.len()
			continue
		}
		n := copy(dst[copied:], s.bytes()[offset:])
		copied += n
		offset = 0
		if copied == len(dst) {
			break
		}
	}
	return copied
}

// Split cuts the chain at offset. The receiver keeps [0, offset); the
// returned chain holds [offset, len). Segments on the boundary are shared,
// not copied.
func (c *Chain) Split(offset int) *Chain {
	if offset >= c.length {
		return &Chain{}
	}
	tail := &Chain{}
	var kept []slice
	keptLen := 0
	for _, s := range c.slices {
		switch {
		case offset >= s.len():
			kept = append(kept, s)
			keptLen += s.len()
			offset -= s.len()
		case offset > 0:
			// Boundary segment: both sides share it.
			front := slice{seg: s.seg, begin: s.begin, end: s.begin + offset}
			back := slice{seg: s.seg, begin: s.begin + offset, end: s.end}
			kept = append(kept, front)
			keptLen += front.len()
			tail.appendSlice(back)
			offset = 0
		default:
			tail.appendSlice(s)
			s.seg.release()
		}
	}
	c.slices = kept
	c.length = keptLen
	return tail
}

// packetLen returns the full frame length (header included) of the packet
// starting at offset, and whether the header is complete.
func (c *Chain) packetLen(offset int) (int, bool) {
	if c.length-offset < HeaderLen {
		return 0, false
	}
	var hdr [3]byte
	c.CopyTo(offset, hdr[:])
	payload := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	return payload + HeaderLen, true
}

// SplitPackets scans length prefixed frames from the head and splits the
// chain at the last complete frame boundary. The receiver keeps the
// complete frames; the returned chain holds the trailing partial bytes.
// A frame-complete chain always ends on a packet boundary.
func (c *Chain) SplitPackets() *Chain {
	offset := 0
	for {
		l, ok := c.packetLen(offset)
		if !ok || offset+l > c.length {
			break
		}
		offset += l
	}
	return c.Split(offset)
}

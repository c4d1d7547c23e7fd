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

	. "github.com/smartystreets/goconvey/convey"

	"github.com/moxasql/moxa/pkg/buf"
)

func framePayload(seq uint8, payload []byte) []byte {
	out, _ := WritePackets(payload, seq)
	return out
}

// columnDef is a minimal but plausible column definition payload.
func columnDef() []byte {
	var p []byte
	p = buf.AppendLenEncString(p, "def")
	p = buf.AppendLenEncString(p, "")
	p = buf.AppendLenEncString(p, "t")
	p = buf.AppendLenEncString(p, "t")
	p = buf.AppendLenEncString(p, "c")
	p = buf.AppendLenEncString(p, "c")
	p = append(p, 0x0c, 0x3f, 0, 0, 0, 0, 0, 0x08, 0, 0, 0, 0, 0)
	return p
}

func TestReplyTracker(t *testing.T) {
	Convey("reply state machine", t, func() {
		Convey("OK reply completes in one packet", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComQuery)
			So(tr.Waiting(), ShouldBeTrue)
			done, err := tr.Next(framePayload(1, MakeOKPayload(0, 0, 0, 0, "")))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
			So(tr.State(), ShouldEqual, ReplyDone)
		})

		Convey("ERR reply records the code", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComQuery)
			done, err := tr.Next(framePayload(1, MakeErrPayload(1064, "42000", "syntax")))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
			So(tr.ErrCode, ShouldEqual, 1064)
		})

		Convey("result set without DEPRECATE_EOF", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComQuery)
			seq := uint8(1)
			next := func(payload []byte) (bool, error) {
				p := framePayload(seq, payload)
				seq++
				return tr.Next(p)
			}
			done, err := next([]byte{2}) // column count
			So(err, ShouldBeNil)
			So(done, ShouldBeFalse)
			So(tr.State(), ShouldEqual, ReplyColumns)
			_, _ = next(columnDef())
			_, _ = next(columnDef())
			So(tr.State(), ShouldEqual, ReplyColumnsEOF)
			_, _ = next(MakeEOFPayload(0, 0))
			So(tr.State(), ShouldEqual, ReplyRows)
			_, _ = next([]byte{0x03, 'a', 'b', 'c'}) // row
			done, err = next(MakeEOFPayload(0, 0))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
		})

		Convey("result set with DEPRECATE_EOF terminates on the OK shaped 0xfe", func() {
			tr := NewReplyTracker(CLIENT_DEPRECATE_EOF)
			tr.Reset(ComQuery)
			_, _ = tr.Next(framePayload(1, []byte{1}))
			So(tr.State(), ShouldEqual, ReplyColumns)
			_, _ = tr.Next(framePayload(2, columnDef()))
			So(tr.State(), ShouldEqual, ReplyRows)
			_, _ = tr.Next(framePayload(3, []byte{0x01, 'x'}))
			// The real terminator is short: 0xfe + affected rows +
			// last insert id + status + warnings.
			terminator := append([]byte{0xfe}, MakeOKPayload(0, 0, 0, 0, "")[1:]...)
			done, err := tr.Next(framePayload(4, terminator))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
		})

		Convey("more-results re-enters Start from OK", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComQuery)
			done, err := tr.Next(framePayload(1,
				MakeOKPayload(0, 0, SERVER_MORE_RESULTS_EXISTS, 0, "")))
			So(err, ShouldBeNil)
			So(done, ShouldBeFalse)
			So(tr.State(), ShouldEqual, ReplyStart)
			done, err = tr.Next(framePayload(2, MakeOKPayload(0, 0, 0, 0, "")))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
		})

		Convey("local infile hands the turn back to the client", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComQuery)
			done, err := tr.Next(framePayload(1, append([]byte{0xfb}, "data.csv"...)))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
			So(tr.NeedsInfile, ShouldBeTrue)
			So(tr.InfileName, ShouldEqual, "data.csv")
		})

		Convey("prepare response streams params and columns", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComStmtPrepare)
			header := make([]byte, 12)
			header[0] = 0x00
			buf.WriteUint32(header, 1, 99) // stmt id
			buf.WriteUint16(header, 5, 1)  // columns
			buf.WriteUint16(header, 7, 2)  // params
			done, err := tr.Next(framePayload(1, header))
			So(err, ShouldBeNil)
			So(done, ShouldBeFalse)
			So(tr.Prepare.StmtID, ShouldEqual, 99)
			So(tr.State(), ShouldEqual, ReplyPrepareParamDefs)
			_, _ = tr.Next(framePayload(2, columnDef()))
			_, _ = tr.Next(framePayload(3, columnDef()))
			// EOF after parameter definitions.
			done, err = tr.Next(framePayload(4, MakeEOFPayload(0, 0)))
			So(err, ShouldBeNil)
			So(done, ShouldBeFalse)
			So(tr.State(), ShouldEqual, ReplyPrepareColumnDefs)
			_, _ = tr.Next(framePayload(5, columnDef()))
			done, err = tr.Next(framePayload(6, MakeEOFPayload(0, 0)))
			So(err, ShouldBeNil)
			So(done, ShouldBeTrue)
		})

		Convey("no-response commands complete immediately", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComStmtClose)
			So(tr.Waiting(), ShouldBeFalse)
		})

		Convey("a packet after Done is a protocol violation", func() {
			tr := NewReplyTracker(0)
			tr.Reset(ComQuery)
			_, _ = tr.Next(framePayload(1, MakeOKPayload(0, 0, 0, 0, "")))
			_, err := tr.Next(framePayload(2, MakeOKPayload(0, 0, 0, 0, "")))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestSessionTrackGTID(t *testing.T) {
	Convey("session track block exposes the gtid", t, func() {
		var payload []byte
		payload = append(payload, 0x00)
		payload = buf.AppendLenEncInt(payload, 0) // affected rows
		payload = buf.AppendLenEncInt(payload, 0) // last insert id
		status := SERVER_SESSION_STATE_CHANGED
		tmp := make([]byte, 4)
		buf.WriteUint16(tmp, 0, status)
		buf.WriteUint16(tmp, 2, 0)
		payload = append(payload, tmp...)
		payload = buf.AppendLenEncString(payload, "") // info

		var gtidData []byte
		gtidData = append(gtidData, 0) // encoding spec
		gtidData = buf.AppendLenEncString(gtidData, "0-1-5")
		var block []byte
		block = append(block, SESSION_TRACK_GTIDS)
		block = buf.AppendLenEncInt(block, uint64(len(gtidData)))
		block = append(block, gtidData...)
		payload = buf.AppendLenEncInt(payload, uint64(len(block)))
		payload = append(payload, block...)

		tr := NewReplyTracker(CLIENT_SESSION_TRACK)
		tr.Reset(ComQuery)
		done, err := tr.Next(framePayload(1, payload))
		So(err, ShouldBeNil)
		So(done, ShouldBeTrue)
		So(tr.GTID, ShouldEqual, "0-1-5")
	})
}

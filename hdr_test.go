package derecho

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test010_header_round_trip(t *testing.T) {

	cv.Convey("a MessageHeader should survive encode/decode unchanged", t, func() {
		h := newHeader(42, 1234567890123, 0, true)
		buf := make([]byte, HeaderSize+8)
		EncodeHeader(buf, &h)

		back, payload, err := DecodeHeader(buf)
		panicOn(err)
		cv.So(back, cv.ShouldResemble, h)
		cv.So(len(payload), cv.ShouldEqual, 8)

		// null message
		hn := newHeader(7, 99, 5, false)
		bn := EncodeHeaderTo(nil, &hn)
		cv.So(len(bn), cv.ShouldEqual, HeaderSize)
		back2, _, err := DecodeHeader(bn)
		panicOn(err)
		cv.So(back2.IsNull(), cv.ShouldBeTrue)
		cv.So(back2.NumNulls, cv.ShouldEqual, 5)
		cv.So(back2.CookedSend, cv.ShouldEqual, 0)
	})

	cv.Convey("short or corrupt headers should error, not panic", t, func() {
		_, _, err := DecodeHeader(make([]byte, HeaderSize-1))
		cv.So(err, cv.ShouldNotBeNil)

		h := newHeader(0, 0, 0, false)
		buf := EncodeHeaderTo(nil, &h)
		buf[0] = 99 // header_size mangled
		_, _, err = DecodeHeader(buf)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test011_round_robin_sequence(t *testing.T) {

	cv.Convey("seqOf and its inverses should agree", t, func() {
		numSenders := 3
		for sender := 0; sender < numSenders; sender++ {
			for index := int64(0); index < 100; index++ {
				s := seqOf(sender, numSenders, index)
				cv.So(senderOfSeq(s, numSenders), cv.ShouldEqual, sender)
				cv.So(indexOfSeq(s, numSenders), cv.ShouldEqual, index)
			}
		}
		// the canonical interleave: sender + 3*index is dense.
		seen := make(map[int64]bool)
		for index := int64(0); index < 10; index++ {
			for sender := 0; sender < numSenders; sender++ {
				seen[seqOf(sender, numSenders, index)] = true
			}
		}
		for s := int64(0); s < 30; s++ {
			cv.So(seen[s], cv.ShouldBeTrue)
		}
	})

	cv.Convey("seqUptoCounts finds the prefix-complete frontier", t, func() {
		// nothing received
		cv.So(seqUptoCounts([]int32{0, 0, 0}), cv.ShouldEqual, -1)
		// one full round
		cv.So(seqUptoCounts([]int32{1, 1, 1}), cv.ShouldEqual, 2)
		// ragged: senders 0,1 have 2; sender 2 has 1.
		// covered: (0,0)(1,0)(2,0)(0,1)(1,1) = seq 0..4
		cv.So(seqUptoCounts([]int32{2, 2, 1}), cv.ShouldEqual, 4)
		// first sender lags
		cv.So(seqUptoCounts([]int32{1, 2, 2}), cv.ShouldEqual, 2)
		// single sender
		cv.So(seqUptoCounts([]int32{5}), cv.ShouldEqual, 4)
		// empty
		cv.So(seqUptoCounts(nil), cv.ShouldEqual, -1)
	})
}

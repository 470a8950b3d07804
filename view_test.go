package derecho

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func testView(cfg *Config) *View {
	v := &View{
		VID:     7,
		Members: []NodeID{1, 2, 3},
		IPs:     []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		Ports: []MemberPorts{
			{Gms: 9001, StateTransfer: 9101, Sst: 9201, Rdmc: 9301, External: 9401},
			{Gms: 9002, StateTransfer: 9102, Sst: 9202, Rdmc: 9302, External: 9402},
			{Gms: 9003, StateTransfer: 9103, Sst: 9203, Rdmc: 9303, External: 9403},
		},
		PubKeys:  [][]byte{nil, nil, nil},
		Joined:   []NodeID{3},
		Departed: []NodeID{9},
		Failed:   []bool{false, false, false},
	}
	v.Subgroups = [][]SubView{
		{
			{
				Mode:     Ordered,
				Members:  []NodeID{1, 2, 3},
				IsSender: []bool{true, false, true},
				Profile:  *cfg.Profile(""),
			},
		},
	}
	return v
}

func Test040_view_encode_decode(t *testing.T) {

	cv.Convey("a View should survive the wire", t, func() {
		cfg := defaultConfig()
		v := testView(cfg)
		by := EncodeView(v)
		back, err := DecodeView(by, cfg, 2)
		panicOn(err)

		cv.So(back.VID, cv.ShouldEqual, 7)
		cv.So(back.Members, cv.ShouldResemble, v.Members)
		cv.So(back.IPs, cv.ShouldResemble, v.IPs)
		cv.So(back.Ports, cv.ShouldResemble, v.Ports)
		cv.So(back.Joined, cv.ShouldResemble, v.Joined)
		cv.So(back.Departed, cv.ShouldResemble, v.Departed)
		cv.So(back.MyRank, cv.ShouldEqual, 1)
		cv.So(len(back.Subgroups), cv.ShouldEqual, 1)
		cv.So(back.Subgroups[0][0].Members, cv.ShouldResemble, []NodeID{1, 2, 3})
		cv.So(back.Subgroups[0][0].IsSender, cv.ShouldResemble, []bool{true, false, true})

		// truncated frames error out, they do not panic.
		_, err = DecodeView(by[:10], cfg, 2)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test041_view_ranks_and_adequacy(t *testing.T) {

	cv.Convey("rank and sender-rank bookkeeping", t, func() {
		cfg := defaultConfig()
		v := testView(cfg)
		sv := &v.Subgroups[0][0]

		cv.So(v.RankOf(1), cv.ShouldEqual, 0)
		cv.So(v.RankOf(3), cv.ShouldEqual, 2)
		cv.So(v.RankOf(99), cv.ShouldEqual, -1)

		cv.So(sv.NumSenders(), cv.ShouldEqual, 2)
		cv.So(sv.SenderRankOf(1), cv.ShouldEqual, 0)
		cv.So(sv.SenderRankOf(2), cv.ShouldEqual, -1) // not a sender
		cv.So(sv.SenderRankOf(3), cv.ShouldEqual, 1)

		cv.So(v.MyShard(0, 2), cv.ShouldEqual, 0)
		cv.So(v.MyShard(0, 42), cv.ShouldEqual, -1)
	})

	cv.Convey("partitioning safety needs a majority of the prior view", t, func() {
		cfg := defaultConfig()
		prev := testView(cfg)

		good := &View{Members: []NodeID{1, 2}}
		cv.So(good.IsAdequate(prev, false), cv.ShouldBeTrue)

		bad := &View{Members: []NodeID{3}}
		cv.So(bad.IsAdequate(prev, false), cv.ShouldBeFalse)
		cv.So(bad.IsAdequate(prev, true), cv.ShouldBeTrue) // safety disabled
		cv.So(bad.IsAdequate(nil, false), cv.ShouldBeTrue) // first view
	})

	cv.Convey("the leader is the lowest-ranked live member", t, func() {
		cfg := defaultConfig()
		v := testView(cfg)
		cv.So(v.LeaderRank(), cv.ShouldEqual, 0)
		v.Failed[0] = true
		cv.So(v.LeaderRank(), cv.ShouldEqual, 1)
		v.Failed[1] = true
		v.Failed[2] = true
		cv.So(v.LeaderRank(), cv.ShouldEqual, -1)
	})
}

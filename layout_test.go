package derecho

import (
	"errors"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test030_layout_parse_and_provision(t *testing.T) {

	cv.Convey("a JSON layout should parse and provision deterministically", t, func() {
		cfg := defaultConfig()
		cfg.LayoutJSON = `[
  {"type_alias": "KV",
   "shards": [
     {"members": [1,2,3], "mode": "ordered"},
     {"min_nodes": 2, "mode": "unordered", "profile": "BIG"}
   ]},
  {"type_alias": "Log",
   "shards": [ {"members": [4], "senders": [true]} ]}
]`
		lay, err := LoadLayout(cfg)
		panicOn(err)
		cv.So(lay.NumSubgroups(), cv.ShouldEqual, 2)

		members := []NodeID{1, 2, 3, 4, 5, 6}
		subs, err := lay.Provision(members, cfg)
		panicOn(err)
		cv.So(len(subs), cv.ShouldEqual, 2)
		cv.So(subs[0][0].Members, cv.ShouldResemble, []NodeID{1, 2, 3})
		cv.So(subs[0][0].Mode, cv.ShouldEqual, Ordered)
		// min_nodes picks lowest-ranked unassigned members.
		cv.So(subs[0][1].Members, cv.ShouldResemble, []NodeID{4, 5})
		cv.So(subs[0][1].Mode, cv.ShouldEqual, Unordered)
		// senders default to everyone.
		cv.So(subs[0][0].IsSender, cv.ShouldResemble, []bool{true, true, true})
		cv.So(subs[1][0].Members, cv.ShouldResemble, []NodeID{4})
	})

	cv.Convey("provisioning fails recoverably when members are missing", t, func() {
		cfg := defaultConfig()
		cfg.LayoutJSON = `[{"type_alias":"KV","shards":[{"members":[1,2,3]}]}]`
		lay, err := LoadLayout(cfg)
		panicOn(err)
		_, err = lay.Provision([]NodeID{1, 2}, cfg)
		cv.So(errors.Is(err, ErrNotProvisioned), cv.ShouldBeTrue)

		cfg2 := defaultConfig()
		cfg2.LayoutJSON = `[{"type_alias":"KV","shards":[{"min_nodes":3}]}]`
		lay2, err := LoadLayout(cfg2)
		panicOn(err)
		_, err = lay2.Provision([]NodeID{7, 9}, cfg2)
		cv.So(errors.Is(err, ErrNotProvisioned), cv.ShouldBeTrue)
	})

	cv.Convey("invalid layout JSON should explain itself", t, func() {
		cfg := defaultConfig()
		cfg.LayoutJSON = `[{"type_alias": "KV", "shards": [` // truncated
		_, err := LoadLayout(cfg)
		cv.So(err, cv.ShouldNotBeNil)

		cfg2 := defaultConfig()
		cfg2.LayoutJSON = `[{"type_alias":"KV","shards":[{"members":[1],"senders":[true,false]}]}]`
		_, err = LoadLayout(cfg2)
		cv.So(err, cv.ShouldNotBeNil)

		cfg3 := defaultConfig()
		cfg3.LayoutJSON = `[]`
		_, err = LoadLayout(cfg3)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

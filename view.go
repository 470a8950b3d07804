package derecho

import (
	"fmt"

	"github.com/tchajed/marshal"
)

// NodeID is the stable, configuration-assigned identity of a node.
// It never changes across views; a node that crashes and restarts
// rejoins under the same NodeID.
type NodeID uint32

// SubgroupID indexes a subgroup within the layout.
type SubgroupID uint32

// Version is a per-subgroup monotonic persistent version number.
// InvalidVersion marks "nothing yet".
type Version int64

const InvalidVersion Version = -1

// MemberPorts is the port set one node listens on.
type MemberPorts struct {
	Gms           uint16
	StateTransfer uint16
	Sst           uint16
	Rdmc          uint16
	External      uint16
}

// SubView is the slice of one subgroup's shard that the view
// assigns: the shard roster, the sender bitmap, the mode, and the
// multicast profile in force.
type SubView struct {
	Mode     Mode
	Members  []NodeID
	IsSender []bool
	Profile  SubgroupProfile

	// Joined and Departed are relative to the same shard in the
	// previous view.
	Joined   []NodeID
	Departed []NodeID
}

// RankOf gives the member's rank within the shard, or -1.
func (sv *SubView) RankOf(id NodeID) int {
	for i, m := range sv.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// SenderRankOf gives the member's rank among the shard's senders
// (counting only senders), or -1 when the member does not send.
func (sv *SubView) SenderRankOf(id NodeID) int {
	rank := 0
	for i, m := range sv.Members {
		if !sv.IsSender[i] {
			continue
		}
		if m == id {
			return rank
		}
		rank++
	}
	return -1
}

// NumSenders counts the set bits of the sender bitmap.
func (sv *SubView) NumSenders() int {
	n := 0
	for _, s := range sv.IsSender {
		if s {
			n++
		}
	}
	return n
}

// View is one installed membership epoch: the ordered roster, the
// deltas against the previous view, and the per-subgroup shard
// assignment. Member order fixes each member's rank, which is also
// its SST row index.
type View struct {
	VID int32

	Members []NodeID
	IPs     []string
	Ports   []MemberPorts

	// ed25519 public keys for the signature frontier; empty when
	// signing is disabled.
	PubKeys [][]byte

	Joined   []NodeID
	Departed []NodeID

	// Failed marks members that have been declared failed since
	// this view was installed; NumFailed counts them.
	Failed    []bool
	NumFailed int

	// Subgroups[s] lists subgroup s's shards.
	Subgroups [][]SubView

	MyRank int
}

// RankOf gives a node's rank in the view, or -1.
func (v *View) RankOf(id NodeID) int {
	for i, m := range v.Members {
		if m == id {
			return i
		}
	}
	return -1
}

func (v *View) NumMembers() int { return len(v.Members) }

// MyShard locates the local node's shard of the given subgroup,
// returning the shard index, or -1 when the node is not a member.
func (v *View) MyShard(sub SubgroupID, me NodeID) int {
	if int(sub) >= len(v.Subgroups) {
		return -1
	}
	for i := range v.Subgroups[sub] {
		if v.Subgroups[sub][i].RankOf(me) >= 0 {
			return i
		}
	}
	return -1
}

// IsAdequate applies partitioning safety: the view must contain a
// majority of the previous view's members, unless disabled.
func (v *View) IsAdequate(prev *View, disablePartitioningSafety bool) bool {
	if disablePartitioningSafety || prev == nil {
		return true
	}
	surviving := 0
	for _, m := range prev.Members {
		if v.RankOf(m) >= 0 {
			surviving++
		}
	}
	return 2*surviving > len(prev.Members)
}

// LeaderRank is the rank of the lowest-ranked member not marked
// failed; -1 when every member has failed.
func (v *View) LeaderRank() int {
	for r := range v.Members {
		if !v.Failed[r] {
			return r
		}
	}
	return -1
}

func (v *View) String() string {
	return fmt.Sprintf("View{VID: %v, Members: %v, Joined: %v, Departed: %v, NumFailed: %v}",
		v.VID, v.Members, v.Joined, v.Departed, v.NumFailed)
}

// Wire encoding. Views travel in VIEW_BROADCAST frames to joiners
// and in the saved view-state file; fixed little-endian layout.

func encodeNodeIDs(bs []byte, ids []NodeID) []byte {
	bs = marshal.WriteInt32(bs, uint32(len(ids)))
	for _, id := range ids {
		bs = marshal.WriteInt32(bs, uint32(id))
	}
	return bs
}

func decodeNodeIDs(bs []byte) (ids []NodeID, rest []byte) {
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	ids = make([]NodeID, n)
	for i := range ids {
		var u uint32
		u, bs = marshal.ReadInt32(bs)
		ids[i] = NodeID(u)
	}
	return ids, bs
}

func encodeString(bs []byte, s string) []byte {
	bs = marshal.WriteInt32(bs, uint32(len(s)))
	return marshal.WriteBytes(bs, []byte(s))
}

func decodeString(bs []byte) (s string, rest []byte) {
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	var by []byte
	by, bs = marshal.ReadBytes(bs, uint64(n))
	return string(by), bs
}

func encodeByteSlice(bs []byte, by []byte) []byte {
	bs = marshal.WriteInt32(bs, uint32(len(by)))
	return marshal.WriteBytes(bs, by)
}

func decodeByteSlice(bs []byte) (by []byte, rest []byte) {
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	by, bs = marshal.ReadBytes(bs, uint64(n))
	return by, bs
}

func encodeBools(bs []byte, flags []bool) []byte {
	bs = marshal.WriteInt32(bs, uint32(len(flags)))
	for _, f := range flags {
		bs = marshal.WriteBool(bs, f)
	}
	return bs
}

func decodeBools(bs []byte) (flags []bool, rest []byte) {
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	flags = make([]bool, n)
	for i := range flags {
		flags[i], bs = marshal.ReadBool(bs)
	}
	return flags, bs
}

func encodePorts(bs []byte, p MemberPorts) []byte {
	bs = marshal.WriteInt32(bs, uint32(p.Gms))
	bs = marshal.WriteInt32(bs, uint32(p.StateTransfer))
	bs = marshal.WriteInt32(bs, uint32(p.Sst))
	bs = marshal.WriteInt32(bs, uint32(p.Rdmc))
	bs = marshal.WriteInt32(bs, uint32(p.External))
	return bs
}

func decodePorts(bs []byte) (p MemberPorts, rest []byte) {
	var u uint32
	u, bs = marshal.ReadInt32(bs)
	p.Gms = uint16(u)
	u, bs = marshal.ReadInt32(bs)
	p.StateTransfer = uint16(u)
	u, bs = marshal.ReadInt32(bs)
	p.Sst = uint16(u)
	u, bs = marshal.ReadInt32(bs)
	p.Rdmc = uint16(u)
	u, bs = marshal.ReadInt32(bs)
	p.External = uint16(u)
	return p, bs
}

func encodeSubView(bs []byte, sv *SubView) []byte {
	bs = marshal.WriteInt32(bs, uint32(sv.Mode))
	bs = encodeNodeIDs(bs, sv.Members)
	bs = encodeBools(bs, sv.IsSender)
	bs = encodeString(bs, sv.Profile.Name)
	bs = encodeNodeIDs(bs, sv.Joined)
	bs = encodeNodeIDs(bs, sv.Departed)
	return bs
}

func decodeSubView(bs []byte, cfg *Config) (sv SubView, rest []byte) {
	var u uint32
	u, bs = marshal.ReadInt32(bs)
	sv.Mode = Mode(u)
	sv.Members, bs = decodeNodeIDs(bs)
	sv.IsSender, bs = decodeBools(bs)
	var profName string
	profName, bs = decodeString(bs)
	sv.Profile = *cfg.Profile(profName)
	sv.Joined, bs = decodeNodeIDs(bs)
	sv.Departed, bs = decodeNodeIDs(bs)
	return sv, bs
}

// EncodeView serializes v (MyRank excluded; receivers recompute).
func EncodeView(v *View) []byte {
	bs := marshal.WriteInt32(nil, uint32(v.VID))
	bs = encodeNodeIDs(bs, v.Members)
	bs = marshal.WriteInt32(bs, uint32(len(v.IPs)))
	for _, ip := range v.IPs {
		bs = encodeString(bs, ip)
	}
	bs = marshal.WriteInt32(bs, uint32(len(v.Ports)))
	for _, p := range v.Ports {
		bs = encodePorts(bs, p)
	}
	bs = marshal.WriteInt32(bs, uint32(len(v.PubKeys)))
	for _, pk := range v.PubKeys {
		bs = encodeByteSlice(bs, pk)
	}
	bs = encodeNodeIDs(bs, v.Joined)
	bs = encodeNodeIDs(bs, v.Departed)
	bs = encodeBools(bs, v.Failed)
	bs = marshal.WriteInt32(bs, uint32(len(v.Subgroups)))
	for _, shards := range v.Subgroups {
		bs = marshal.WriteInt32(bs, uint32(len(shards)))
		for i := range shards {
			bs = encodeSubView(bs, &shards[i])
		}
	}
	return bs
}

// DecodeView reverses EncodeView; me fixes MyRank.
func DecodeView(buf []byte, cfg *Config, me NodeID) (out *View, err error) {
	defer func() {
		// a truncated frame panics inside marshal; surface it as
		// an error instead of killing the gms loop.
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("derecho: bad view frame: %v", r)
		}
	}()
	v := &View{}
	bs := buf
	var u, n uint32
	u, bs = marshal.ReadInt32(bs)
	v.VID = int32(u)
	v.Members, bs = decodeNodeIDs(bs)
	n, bs = marshal.ReadInt32(bs)
	v.IPs = make([]string, n)
	for i := range v.IPs {
		v.IPs[i], bs = decodeString(bs)
	}
	n, bs = marshal.ReadInt32(bs)
	v.Ports = make([]MemberPorts, n)
	for i := range v.Ports {
		v.Ports[i], bs = decodePorts(bs)
	}
	n, bs = marshal.ReadInt32(bs)
	v.PubKeys = make([][]byte, n)
	for i := range v.PubKeys {
		v.PubKeys[i], bs = decodeByteSlice(bs)
	}
	v.Joined, bs = decodeNodeIDs(bs)
	v.Departed, bs = decodeNodeIDs(bs)
	v.Failed, bs = decodeBools(bs)
	for _, f := range v.Failed {
		if f {
			v.NumFailed++
		}
	}
	n, bs = marshal.ReadInt32(bs)
	v.Subgroups = make([][]SubView, n)
	for s := range v.Subgroups {
		var nsh uint32
		nsh, bs = marshal.ReadInt32(bs)
		v.Subgroups[s] = make([]SubView, nsh)
		for i := range v.Subgroups[s] {
			v.Subgroups[s][i], bs = decodeSubView(bs, cfg)
		}
	}
	v.MyRank = v.RankOf(me)
	out = v
	return out, nil
}

package derecho

import (
	"fmt"
	"sync"

	"github.com/tchajed/marshal"
)

// Reliable bulk multicast: each (shard, sender) pair is bound to
// its own rbm group id. The sender streams a message in block_size
// chunks using the shard profile's send algorithm; receivers relay
// per the same schedule and hand each message up as soon as its
// last block lands; the engine restores per-sender index order.

// rdmcGroupNumOffset spaces subgroup group-id ranges apart; the
// group id for sender rank k of subgroup s is
// s*rdmcGroupNumOffset + k.
const rdmcGroupNumOffset = 0x10000

func rbmGroupID(sub SubgroupID, senderShardRank int) uint32 {
	return uint32(sub)*rdmcGroupNumOffset + uint32(senderShardRank)
}

type rbmFrame struct {
	GroupID     uint32
	MsgIndex    int64
	BlockNum    uint32
	TotalBlocks uint32
	TotalSize   uint64
	Payload     []byte
}

func encodeRBMFrame(f *rbmFrame) []byte {
	bs := marshal.WriteInt32(nil, f.GroupID)
	bs = marshal.WriteInt(bs, uint64(f.MsgIndex))
	bs = marshal.WriteInt32(bs, f.BlockNum)
	bs = marshal.WriteInt32(bs, f.TotalBlocks)
	bs = marshal.WriteInt(bs, f.TotalSize)
	bs = marshal.WriteInt32(bs, uint32(len(f.Payload)))
	bs = marshal.WriteBytes(bs, f.Payload)
	return bs
}

func decodeRBMFrame(buf []byte) (f rbmFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derecho: bad rbm frame: %v", r)
		}
	}()
	bs := buf
	f.GroupID, bs = marshal.ReadInt32(bs)
	var u64 uint64
	u64, bs = marshal.ReadInt(bs)
	f.MsgIndex = int64(u64)
	f.BlockNum, bs = marshal.ReadInt32(bs)
	f.TotalBlocks, bs = marshal.ReadInt32(bs)
	f.TotalSize, bs = marshal.ReadInt(bs)
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	f.Payload, bs = marshal.ReadBytes(bs, uint64(n))
	return f, nil
}

// rbmIncoming is one partially received message.
type rbmIncoming struct {
	totalBlocks uint32
	totalSize   uint64
	have        uint32
	gotBlock    []bool
	buf         []byte
}

// rbmReceiveFn is invoked with each completed message; completion
// order may be ragged, ordering is the engine's job. senderID is
// the node id of the group's sender.
type rbmReceiveFn func(sub SubgroupID, senderID NodeID, index int64, size uint64, buf []byte)

// rbmGroup is one (shard, sender) dissemination group.
type rbmGroup struct {
	sub        SubgroupID
	groupID    uint32
	members    []NodeID // shard members, shard-rank order
	senderRank int      // shard rank of this group's sender
	myRank     int      // local shard rank
	blockSize  uint64
	algo       SendAlgorithm
	tr         Transport

	mu        sync.Mutex
	incoming  map[int64]*rbmIncoming
	onReceive rbmReceiveFn
}

func newRBMGroup(sub SubgroupID, senderShardRank int, sv *SubView, myShardRank int,
	tr Transport, onReceive rbmReceiveFn) *rbmGroup {
	return &rbmGroup{
		sub:        sub,
		groupID:    rbmGroupID(sub, senderShardRank),
		members:    append([]NodeID{}, sv.Members...),
		senderRank: senderShardRank,
		myRank:     myShardRank,
		blockSize:  sv.Profile.BlockSize,
		algo:       sv.Profile.SendAlgorithm,
		tr:         tr,
		incoming:   make(map[int64]*rbmIncoming),
		onReceive:  onReceive,
	}
}

// vrank is the member's rank rotated so that the sender is 0; the
// schedules below are all stated on vranks.
func (g *rbmGroup) vrank(shardRank int) int {
	n := len(g.members)
	return ((shardRank-g.senderRank)%n + n) % n
}

func (g *rbmGroup) shardRankOfVrank(v int) int {
	n := len(g.members)
	return (v + g.senderRank) % n
}

// senderTargets lists the vranks the sender transmits each block
// to directly.
func (g *rbmGroup) senderTargets() (vs []int) {
	n := len(g.members)
	switch g.algo {
	case SequentialSend:
		for v := 1; v < n; v++ {
			vs = append(vs, v)
		}
	case ChainSend:
		if n > 1 {
			vs = append(vs, 1)
		}
	case TreeSend:
		if n > 1 {
			vs = append(vs, 1)
		}
		if n > 2 {
			vs = append(vs, 2)
		}
	case BinomialSend:
		for v := 1; v < n; v *= 2 {
			vs = append(vs, v)
		}
	}
	return
}

// relayTargets lists the vranks a receiver at vrank v forwards a
// freshly received block to.
func (g *rbmGroup) relayTargets(v int) (vs []int) {
	n := len(g.members)
	switch g.algo {
	case SequentialSend:
		// sender reaches everyone directly.
	case ChainSend:
		if v+1 < n {
			vs = append(vs, v+1)
		}
	case TreeSend:
		if 2*v+1 < n {
			vs = append(vs, 2*v+1)
		}
		if 2*v+2 < n {
			vs = append(vs, 2*v+2)
		}
	case BinomialSend:
		// the node at vrank v joined the broadcast at round
		// ceil(log2(v+1)); it forwards at every later round to
		// v + 2^r while in range.
		if v == 0 {
			return
		}
		step := 1
		for step <= v {
			step *= 2
		}
		for t := v + step; t < n; {
			vs = append(vs, t)
			step *= 2
			t = v + step
		}
	}
	return
}

func (g *rbmGroup) numBlocks(size uint64) uint32 {
	if size == 0 {
		return 1
	}
	nb := size / g.blockSize
	if size%g.blockSize != 0 {
		nb++
	}
	return uint32(nb)
}

// Send streams payload (header already prepended) to every other
// shard member. Only the group's sender may call it. Local
// delivery is the caller's business (the engine self-counts).
func (g *rbmGroup) Send(index int64, payload []byte) error {
	if g.myRank != g.senderRank {
		return ErrNotSender
	}
	size := uint64(len(payload))
	nb := g.numBlocks(size)
	targets := g.senderTargets()
	for b := uint32(0); b < nb; b++ {
		lo := uint64(b) * g.blockSize
		hi := lo + g.blockSize
		if hi > size {
			hi = size
		}
		frame := encodeRBMFrame(&rbmFrame{
			GroupID:     g.groupID,
			MsgIndex:    index,
			BlockNum:    b,
			TotalBlocks: nb,
			TotalSize:   size,
			Payload:     payload[lo:hi],
		})
		for _, v := range targets {
			dest := g.members[g.shardRankOfVrank(v)]
			if err := g.tr.SendBlock(dest, frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleBlock ingests one block: store, relay per schedule, and
// complete messages in index order.
func (g *rbmGroup) handleBlock(f *rbmFrame, rawFrame []byte) {
	// relay first, to keep the pipeline moving.
	for _, v := range g.relayTargets(g.vrank(g.myRank)) {
		dest := g.members[g.shardRankOfVrank(v)]
		if err := g.tr.SendBlock(dest, rawFrame); err != nil {
			pp("rbm: relay of group %v block %v to %v failed: %v", g.groupID, f.BlockNum, dest, err)
		}
	}

	g.mu.Lock()
	inc, ok := g.incoming[f.MsgIndex]
	if !ok {
		inc = &rbmIncoming{
			totalBlocks: f.TotalBlocks,
			totalSize:   f.TotalSize,
			gotBlock:    make([]bool, f.TotalBlocks),
			buf:         make([]byte, f.TotalSize),
		}
		g.incoming[f.MsgIndex] = inc
	}
	if f.BlockNum < inc.totalBlocks && !inc.gotBlock[f.BlockNum] {
		inc.gotBlock[f.BlockNum] = true
		inc.have++
		copy(inc.buf[uint64(f.BlockNum)*g.blockSize:], f.Payload)
	}
	done := inc.have == inc.totalBlocks
	if done {
		delete(g.incoming, f.MsgIndex)
	}
	cb := g.onReceive
	g.mu.Unlock()

	// messages complete whenever their last block lands; the
	// engine's sequence walk restores the per-sender order, since
	// a sender can interleave SMM and RBM indexes.
	if done {
		cb(g.sub, g.members[g.senderRank], f.MsgIndex, inc.totalSize, inc.buf)
	}
}

// rbmEngine routes inbound block frames to their groups.
type rbmEngine struct {
	mu     sync.Mutex
	groups map[uint32]*rbmGroup
}

func newRBMEngine() *rbmEngine {
	return &rbmEngine{groups: make(map[uint32]*rbmGroup)}
}

func (e *rbmEngine) add(g *rbmGroup) {
	e.mu.Lock()
	e.groups[g.groupID] = g
	e.mu.Unlock()
}

func (e *rbmEngine) group(id uint32) *rbmGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups[id]
}

func (e *rbmEngine) handleFrame(frame []byte) {
	f, err := decodeRBMFrame(frame)
	if err != nil {
		pp("rbm: dropping frame: %v", err)
		return
	}
	g := e.group(f.GroupID)
	if g == nil {
		pp("rbm: dropping block for unknown group %v", f.GroupID)
		return
	}
	g.handleBlock(&f, frame)
}

func (e *rbmEngine) clear() {
	e.mu.Lock()
	e.groups = make(map[uint32]*rbmGroup)
	e.mu.Unlock()
}

package derecho

import (
	"sync"
)

// Small-message multicast: the sender writes header+payload into a
// pre-allocated circular slot inside its own SST row and bumps its
// index column; push_row carries the bytes. A receiver predicate
// notices the advanced index and lifts the slot bytes out.

type smmShard struct {
	sub SubgroupID
	sst *SST
	sv  *SubView

	// shardRowRanks maps shard rank -> SST row rank.
	shardRowRanks []int
	myShardRank   int
	mySenderRank  int

	slotSize uint64
	window   uint32

	mu sync.Mutex
	// lastSeen[k] is the last index received from sender rank k.
	lastSeen []int32

	// onReceive gets a copy of the slot bytes (header included),
	// called on the predicate goroutine in index order.
	onReceive func(sub SubgroupID, senderRank int, index int32, data []byte)
}

func newSMMShard(sub SubgroupID, sst *SST, sv *SubView, v *View, me NodeID,
	onReceive func(SubgroupID, int, int32, []byte)) *smmShard {
	m := &smmShard{
		sub:          sub,
		sst:          sst,
		sv:           sv,
		myShardRank:  sv.RankOf(me),
		mySenderRank: sv.SenderRankOf(me),
		slotSize:     sst.schema.slotSize[sub],
		window:       sst.schema.windowSize[sub],
		lastSeen:     make([]int32, sv.NumSenders()),
		onReceive:    onReceive,
	}
	for _, id := range sv.Members {
		m.shardRowRanks = append(m.shardRowRanks, v.RankOf(id))
	}
	for k := range m.lastSeen {
		m.lastSeen[k] = -1
	}
	return m
}

// canSend reports whether the sender's next slot has been freed by
// every live shard member (window control via num_received_sst).
func (m *smmShard) canSend(nextIndex int32) bool {
	if m.mySenderRank < 0 {
		return false
	}
	off := m.sst.schema.nrOffset[m.sub] + m.mySenderRank
	free := true
	m.sst.Read(func(rows []*SSTRow, frozen []bool) {
		for _, rr := range m.shardRowRanks {
			if frozen[rr] {
				continue
			}
			if nextIndex-rows[rr].NumReceivedSST[off] >= int32(m.window) {
				free = false
				return
			}
		}
	})
	return free
}

// send places data (header already prepended) into the next slot
// and bumps the index column. A 4-byte little-endian length
// prefix inside the slot preserves the exact message size across
// the fixed-size region. The caller pushes the row (with slots)
// afterwards.
func (m *smmShard) send(nextIndex int32, data []byte) {
	if uint64(len(data))+4 > m.slotSize {
		panicf("smm: slot overflow: %v+4 > %v", len(data), m.slotSize)
	}
	w := uint32(nextIndex) % m.window
	lo, hi := m.sst.schema.slotAt(m.sub, m.mySenderRank, w)
	off := m.sst.schema.nrOffset[m.sub] + m.mySenderRank
	m.sst.UpdateMyRow(func(r *SSTRow) {
		slot := r.Slots[lo:hi]
		n := uint32(len(data))
		slot[0] = byte(n)
		slot[1] = byte(n >> 8)
		slot[2] = byte(n >> 16)
		slot[3] = byte(n >> 24)
		copy(slot[4:], data)
		for i := 4 + len(data); i < len(slot); i++ {
			slot[i] = 0
		}
		r.Index[off] = nextIndex
	})
}

// poll is the receiver predicate body: for every shard sender
// whose published index has advanced past what we recorded, copy
// the new slots out in order and acknowledge them in
// num_received_sst.
func (m *smmShard) poll() {
	type hit struct {
		senderRank int
		index      int32
		data       []byte
	}
	var hits []hit
	m.mu.Lock()
	m.sst.Read(func(rows []*SSTRow, frozen []bool) {
		senderRank := -1
		for shardRank, rr := range m.shardRowRanks {
			if !m.sv.IsSender[shardRank] {
				continue
			}
			senderRank++
			if frozen[rr] {
				continue
			}
			published := rows[rr].Index[m.sst.schema.nrOffset[m.sub]+senderRank]
			for idx := m.lastSeen[senderRank] + 1; idx <= published; idx++ {
				w := uint32(idx) % m.window
				lo, hi := m.sst.schema.slotAt(m.sub, senderRank, w)
				slot := rows[rr].Slots[lo:hi]
				n := uint32(slot[0]) | uint32(slot[1])<<8 | uint32(slot[2])<<16 | uint32(slot[3])<<24
				if uint64(n)+4 > uint64(len(slot)) {
					// half-written slot from a racing push; the
					// next push re-fires us.
					break
				}
				data := append([]byte{}, slot[4:4+n]...)
				hits = append(hits, hit{senderRank, idx, data})
				m.lastSeen[senderRank] = idx
			}
		}
	})
	m.mu.Unlock()
	if len(hits) == 0 {
		return
	}
	off := m.sst.schema.nrOffset[m.sub]
	m.sst.UpdateMyRow(func(r *SSTRow) {
		for _, h := range hits {
			if r.NumReceivedSST[off+h.senderRank] < h.index {
				r.NumReceivedSST[off+h.senderRank] = h.index
			}
		}
	})
	for _, h := range hits {
		m.onReceive(m.sub, h.senderRank, h.index, h.data)
	}
}

// hasAdvanced is the receiver predicate condition: some sender's
// published index is past what we have consumed.
func (m *smmShard) hasAdvanced() bool {
	adv := false
	m.mu.Lock()
	m.sst.Read(func(rows []*SSTRow, frozen []bool) {
		senderRank := -1
		for shardRank, rr := range m.shardRowRanks {
			if !m.sv.IsSender[shardRank] {
				continue
			}
			senderRank++
			if frozen[rr] {
				continue
			}
			if rows[rr].Index[m.sst.schema.nrOffset[m.sub]+senderRank] > m.lastSeen[senderRank] {
				adv = true
				return
			}
		}
	})
	m.mu.Unlock()
	return adv
}

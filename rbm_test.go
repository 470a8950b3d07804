package derecho

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

// coverage: simulate the relay cascade and confirm every vrank
// receives each block exactly once, for every algorithm and a
// spread of group sizes.
func Test060_rbm_schedules_cover_everyone(t *testing.T) {
	for _, algo := range []SendAlgorithm{BinomialSend, ChainSend, SequentialSend, TreeSend} {
		for n := 1; n <= 17; n++ {
			sv := &SubView{
				Members:  make([]NodeID, n),
				IsSender: make([]bool, n),
				Profile:  SubgroupProfile{BlockSize: 1024, SendAlgorithm: algo},
			}
			for i := range sv.Members {
				sv.Members[i] = NodeID(i + 1)
				sv.IsSender[i] = true
			}
			g := newRBMGroup(0, 0, sv, 0, nil, nil)

			got := make([]int, n)
			got[0] = 1 // the sender has the block by construction
			var frontier []int
			for _, v := range g.senderTargets() {
				got[v]++
				frontier = append(frontier, v)
			}
			for len(frontier) > 0 {
				var next []int
				for _, v := range frontier {
					for _, tgt := range g.relayTargets(v) {
						got[tgt]++
						next = append(next, tgt)
					}
				}
				frontier = next
			}
			for v := 0; v < n; v++ {
				if got[v] != 1 {
					t.Fatalf("algo %v n=%v: vrank %v received %v copies, want 1",
						algo, n, v, got[v])
				}
			}
		}
	}
}

func Test061_rbm_chunking_and_reassembly(t *testing.T) {
	cfg := defaultConfig()
	net := NewLoopbackNetwork()

	const n = 3
	const blockSize = 64

	type rx struct {
		sender NodeID
		index  int64
		data   []byte
	}
	var mu sync.Mutex
	recvd := make(map[NodeID][]rx)

	mk := func(me NodeID) (*rbmGroup, *rbmEngine) {
		v := buildTestView(n, me, cfg)
		sv := &v.Subgroups[0][0]
		sv.Profile.BlockSize = blockSize
		sv.Profile.SendAlgorithm = BinomialSend
		tr := net.Endpoint(me)
		eng := newRBMEngine()
		onRecv := func(sub SubgroupID, senderID NodeID, index int64, size uint64, buf []byte) {
			mu.Lock()
			recvd[me] = append(recvd[me], rx{senderID, index, append([]byte{}, buf[:size]...)})
			mu.Unlock()
		}
		// group for sender shard-rank 0 (node 1).
		g := newRBMGroup(0, 0, sv, int(me)-1, tr, onRecv)
		eng.add(g)
		tr.SetHandlers(&TransportHandlers{
			OnBlock: func(src NodeID, frame []byte) { eng.handleFrame(frame) },
		})
		return g, eng
	}

	g1, _ := mk(1)
	mk(2)
	mk(3)

	// three messages, the middle one spanning several blocks, the
	// last one sized exactly one block.
	msgs := [][]byte{
		[]byte("hello shard"),
		bytes.Repeat([]byte{0xAB}, blockSize*3+17),
		bytes.Repeat([]byte{0x01}, blockSize),
	}
	for i, m := range msgs {
		if err := g1.Send(int64(i), m); err != nil {
			t.Fatalf("send %v: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		ok := len(recvd[2]) == len(msgs) && len(recvd[3]) == len(msgs)
		mu.Unlock()
		if ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, me := range []NodeID{2, 3} {
		if len(recvd[me]) != len(msgs) {
			t.Fatalf("node %v got %v messages, want %v", me, len(recvd[me]), len(msgs))
		}
		for i, r := range recvd[me] {
			if r.index != int64(i) {
				t.Fatalf("node %v message %v arrived with index %v; order broken", me, i, r.index)
			}
			if r.sender != 1 {
				t.Fatalf("node %v: sender %v, want 1", me, r.sender)
			}
			if !bytes.Equal(r.data, msgs[i]) {
				t.Fatalf("node %v message %v corrupted: %v bytes vs %v",
					me, i, len(r.data), len(msgs[i]))
			}
		}
	}
}

func Test062_rbm_group_ids(t *testing.T) {
	seen := make(map[uint32]string)
	for sub := SubgroupID(0); sub < 4; sub++ {
		for rank := 0; rank < 8; rank++ {
			id := rbmGroupID(sub, rank)
			key := fmt.Sprintf("%v/%v", sub, rank)
			if prev, dup := seen[id]; dup {
				t.Fatalf("group id %v collides: %v and %v", id, prev, key)
			}
			seen[id] = key
		}
	}
}

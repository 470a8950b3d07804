package derecho

import (
	"sync/atomic"
	"testing"
	"time"
)

// buildTestView makes an n-member view with one ordered subgroup
// over all members, everyone a sender.
func buildTestView(n int, me NodeID, cfg *Config) *View {
	v := &View{VID: 0}
	for i := 0; i < n; i++ {
		id := NodeID(i + 1)
		v.Members = append(v.Members, id)
		v.IPs = append(v.IPs, "127.0.0.1")
		v.Ports = append(v.Ports, MemberPorts{Gms: uint16(9000 + i)})
		v.PubKeys = append(v.PubKeys, nil)
	}
	v.Failed = make([]bool, n)
	senders := make([]bool, n)
	for i := range senders {
		senders[i] = true
	}
	v.Subgroups = [][]SubView{
		{
			{
				Mode:     Ordered,
				Members:  append([]NodeID{}, v.Members...),
				IsSender: senders,
				Profile:  *cfg.Profile(""),
			},
		},
	}
	v.MyRank = v.RankOf(me)
	return v
}

func Test050_sst_row_encode_decode(t *testing.T) {
	cfg := defaultConfig()
	v := buildTestView(3, 1, cfg)
	sc := newSSTSchema(v, 0)

	r := sc.newRow()
	r.VID = 5
	r.SeqNum[0] = 42
	r.DeliveredNum[0] = 41
	r.PersistedNum[0] = 40
	r.Suspected[2] = true
	r.Changes[0] = ChangeProposal{LeaderID: 1, ChangeID: 9}
	r.Changes[1] = ChangeProposal{LeaderID: 1, EndOfView: true}
	r.NumChanges = 2
	r.NumAcked = 2
	r.NumReceived[1] = 17
	r.GlobalMin[2] = 13
	r.Wedged = true
	r.Index[0] = 3
	for i := range r.Slots {
		r.Slots[i] = byte(i)
	}

	dst := sc.newRow()
	if err := decodeRowInto(sc, dst, encodeRow(r, false)); err != nil {
		t.Fatalf("decodeRowInto: %v", err)
	}
	if dst.VID != 5 || dst.SeqNum[0] != 42 || dst.DeliveredNum[0] != 41 {
		t.Fatalf("frontiers did not round trip: %+v", dst)
	}
	if !dst.Suspected[2] || dst.Suspected[0] {
		t.Fatalf("suspected did not round trip")
	}
	if dst.Changes[0].ChangeID != 9 || !dst.Changes[1].EndOfView {
		t.Fatalf("changes did not round trip: %v %v", dst.Changes[0], dst.Changes[1])
	}
	if dst.NumReceived[1] != 17 || dst.GlobalMin[2] != 13 || !dst.Wedged {
		t.Fatalf("counters did not round trip")
	}
	if dst.Slots[10] != 10 {
		t.Fatalf("slots did not round trip")
	}

	// except-slots: receiver keeps its old slot bytes.
	dst2 := sc.newRow()
	dst2.Slots[0] = 0xEE
	if err := decodeRowInto(sc, dst2, encodeRow(r, true)); err != nil {
		t.Fatalf("decodeRowInto exceptSlots: %v", err)
	}
	if dst2.Slots[0] != 0xEE {
		t.Fatalf("exceptSlots should preserve receiver slots")
	}
	if dst2.Index[0] != 3 {
		t.Fatalf("index column should still travel without slots")
	}

	// garbage frames error out.
	if err := decodeRowInto(sc, sc.newRow(), []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error for a truncated row frame")
	}
}

func Test051_sst_push_and_predicates(t *testing.T) {
	cfg := defaultConfig()
	cfg.P2PLoopBusyWaitBeforeSleepMs = 1
	net := NewLoopbackNetwork()

	mkSST := func(me NodeID) (*SST, *LoopbackTransport) {
		v := buildTestView(2, me, cfg)
		tr := net.Endpoint(me)
		s := NewSST(v, 0, &rowTransportAdapter{tr: tr, vid: 0}, cfg.P2PLoopBusyWaitBeforeSleepMs)
		tr.SetHandlers(&TransportHandlers{
			OnRow: func(src NodeID, frame []byte) {
				_, srcID, encoded := decodeRowFrame(frame)
				rank := int(srcID) - 1
				s.ApplyRemoteRow(rank, encoded)
			},
		})
		return s, tr
	}

	s1, _ := mkSST(1)
	s2, _ := mkSST(2)
	defer s1.Stop()
	defer s2.Stop()

	var fired atomic.Int64
	var onceFired atomic.Int64
	s2.RegisterPredicate("seq-seen",
		func(s *SST) bool {
			seen := false
			s.Read(func(rows []*SSTRow, frozen []bool) {
				seen = rows[0].SeqNum[0] >= 10
			})
			return seen
		},
		func(s *SST) { fired.Add(1) },
		Recurrent)
	s2.RegisterPredicate("seq-seen-once",
		func(s *SST) bool {
			seen := false
			s.Read(func(rows []*SSTRow, frozen []bool) {
				seen = rows[0].SeqNum[0] >= 10
			})
			return seen
		},
		func(s *SST) { onceFired.Add(1) },
		OneTime)
	s1.Start()
	s2.Start()

	s1.UpdateMyRow(func(r *SSTRow) { r.SeqNum[0] = 10 })
	s1.Push()

	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatalf("recurrent predicate never fired after push_row")
	}

	// further pushes keep re-firing the recurrent predicate but
	// the one-time predicate stays at one firing.
	s1.UpdateMyRow(func(r *SSTRow) { r.SeqNum[0] = 11 })
	s1.Push()
	time.Sleep(100 * time.Millisecond)
	if onceFired.Load() != 1 {
		t.Fatalf("one-time predicate fired %v times, want exactly 1", onceFired.Load())
	}
	if fired.Load() < 2 {
		t.Fatalf("recurrent predicate should keep firing, got %v", fired.Load())
	}
}

func Test052_sst_freeze(t *testing.T) {
	cfg := defaultConfig()
	net := NewLoopbackNetwork()
	v := buildTestView(2, 1, cfg)
	tr := net.Endpoint(1)
	s := NewSST(v, 0, &rowTransportAdapter{tr: tr, vid: 0}, 1)
	defer s.Stop()
	s.Start()

	row := encodeRow(s.schema.newRow(), false)
	s.Freeze(1)
	if !s.IsFrozen(1) {
		t.Fatalf("freeze did not stick")
	}
	// rows for frozen ranks are ignored.
	before := time.Now()
	if err := s.ApplyRemoteRow(1, row); err != nil {
		t.Fatalf("ApplyRemoteRow on frozen rank should be a no-op, got %v", err)
	}
	if s.LastHeard(1).After(before.Add(time.Second)) {
		t.Fatalf("frozen row should not refresh lastHeard")
	}
}

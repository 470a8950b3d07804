package derecho

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/tchajed/marshal"
)

// ChangeProposal is a proposal to add or remove one node from the
// view. LeaderID names the leader who proposed it; EndOfView marks
// the last proposal of a leader's regime, written by a *new*
// leader to delimit its predecessor's proposals. Node ids fit in
// 16 bits here; the two ids share a 32-bit word on the wire.
type ChangeProposal struct {
	LeaderID  uint16
	ChangeID  uint16
	EndOfView bool
}

func (cp ChangeProposal) String() string {
	return fmt.Sprintf("ChangeProposal{leader: %v, change: %v, endOfView: %v}",
		cp.LeaderID, cp.ChangeID, cp.EndOfView)
}

// sstSchema fixes the SST column sizes for one view. Every row of
// every member uses the same layout, so encoded rows can be copied
// between peers byte for byte.
type sstSchema struct {
	numMembers   int
	numSubgroups int
	sigLen       int

	// per subgroup: the widest sender count over its shards, and
	// the prefix-sum offsets into the num_received / global_min /
	// index / num_received_sst arrays.
	sendersCap   []int
	nrOffset     []int
	totalSenders int

	// SMM slot geometry per subgroup.
	slotSize   []uint64
	windowSize []uint32
	slotOffset []uint64
	totalSlots uint64

	// changes and joiner vectors get extra room for joins at
	// startup when the group is very small.
	changesCap int
}

func newSSTSchema(v *View, sigLen int) *sstSchema {
	sc := &sstSchema{
		numMembers:   v.NumMembers(),
		numSubgroups: len(v.Subgroups),
		sigLen:       sigLen,
		changesCap:   100 + v.NumMembers(),
	}
	for s := range v.Subgroups {
		cap := 0
		var slotSz uint64
		var win uint32
		for i := range v.Subgroups[s] {
			sv := &v.Subgroups[s][i]
			if n := sv.NumSenders(); n > cap {
				cap = n
			}
			if sz := sv.Profile.SlotSize(); sz > slotSz {
				slotSz = sz
			}
			if sv.Profile.WindowSize > win {
				win = sv.Profile.WindowSize
			}
		}
		sc.sendersCap = append(sc.sendersCap, cap)
		sc.nrOffset = append(sc.nrOffset, sc.totalSenders)
		sc.totalSenders += cap
		sc.slotSize = append(sc.slotSize, slotSz)
		sc.windowSize = append(sc.windowSize, win)
		sc.slotOffset = append(sc.slotOffset, sc.totalSlots)
		sc.totalSlots += slotSz * uint64(win) * uint64(cap)
	}
	return sc
}

// slotAt gives the byte range of one SMM slot: subgroup s, sender
// rank k, window position w.
func (sc *sstSchema) slotAt(s SubgroupID, k int, w uint32) (lo, hi uint64) {
	base := sc.slotOffset[s]
	sz := sc.slotSize[s]
	lo = base + (uint64(k)*uint64(sc.windowSize[s])+uint64(w))*sz
	return lo, lo + sz
}

// SSTRow is one member's row: the replicated fixed-schema record
// every process writes for itself and reads from all peers.
// Frontiers are per subgroup, receipt counters are per
// (subgroup, sender).
type SSTRow struct {
	// multicast frontiers, one entry per subgroup
	SeqNum                 []int64
	DeliveredNum           []int64
	PersistedNum           []int64
	SignedNum              []int64
	VerifiedNum            []int64
	Signatures             []byte // numSubgroups * sigLen
	GlobalMinReady         []bool
	LocalStabilityFrontier []uint64

	// view management
	VID                      int32
	Suspected                []bool
	Changes                  []ChangeProposal
	JoinerIPs                []uint32
	JoinerGmsPorts           []uint16
	JoinerStateTransferPorts []uint16
	JoinerSstPorts           []uint16
	JoinerRdmcPorts          []uint16
	JoinerExternalPorts      []uint16
	NumChanges               int32
	NumCommitted             int32
	NumAcked                 int32
	NumInstalled             int32
	Wedged                   bool
	Rip                      bool

	// receipt accounting, one entry per (subgroup, sender)
	NumReceived []int32
	GlobalMin   []int32

	// small-message multicast
	Slots          []byte
	NumReceivedSST []int32
	Index          []int32
}

func (sc *sstSchema) newRow() *SSTRow {
	r := &SSTRow{
		SeqNum:                   make([]int64, sc.numSubgroups),
		DeliveredNum:             make([]int64, sc.numSubgroups),
		PersistedNum:             make([]int64, sc.numSubgroups),
		SignedNum:                make([]int64, sc.numSubgroups),
		VerifiedNum:              make([]int64, sc.numSubgroups),
		Signatures:               make([]byte, sc.numSubgroups*sc.sigLen),
		GlobalMinReady:           make([]bool, sc.numSubgroups),
		LocalStabilityFrontier:   make([]uint64, sc.numSubgroups),
		Suspected:                make([]bool, sc.numMembers),
		Changes:                  make([]ChangeProposal, sc.changesCap),
		JoinerIPs:                make([]uint32, sc.changesCap),
		JoinerGmsPorts:           make([]uint16, sc.changesCap),
		JoinerStateTransferPorts: make([]uint16, sc.changesCap),
		JoinerSstPorts:           make([]uint16, sc.changesCap),
		JoinerRdmcPorts:          make([]uint16, sc.changesCap),
		JoinerExternalPorts:      make([]uint16, sc.changesCap),
		NumReceived:              make([]int32, sc.totalSenders),
		GlobalMin:                make([]int32, sc.totalSenders),
		Slots:                    make([]byte, sc.totalSlots),
		NumReceivedSST:           make([]int32, sc.totalSenders),
		Index:                    make([]int32, sc.totalSenders),
	}
	now := uint64(time.Now().UnixNano())
	for s := range r.SeqNum {
		r.SeqNum[s] = -1
		r.DeliveredNum[s] = -1
		r.PersistedNum[s] = int64(InvalidVersion)
		r.SignedNum[s] = int64(InvalidVersion)
		r.VerifiedNum[s] = int64(InvalidVersion)
		// start the frontier at the current wall clock
		r.LocalStabilityFrontier[s] = now
	}
	for k := range r.NumReceived {
		r.NumReceived[k] = 0
	}
	for k := range r.Index {
		r.Index[k] = -1
	}
	return r
}

// row wire form: fixed little-endian layout; slots elided when
// exceptSlots is set (a one-byte flag tells the receiver).

func encodeRow(r *SSTRow, exceptSlots bool) []byte {
	bs := make([]byte, 0, 256+len(r.Slots))
	bs = marshal.WriteBool(bs, exceptSlots)
	for _, v := range r.SeqNum {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	for _, v := range r.DeliveredNum {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	for _, v := range r.PersistedNum {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	for _, v := range r.SignedNum {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	for _, v := range r.VerifiedNum {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	bs = marshal.WriteBytes(bs, r.Signatures)
	for _, b := range r.GlobalMinReady {
		bs = marshal.WriteBool(bs, b)
	}
	for _, v := range r.LocalStabilityFrontier {
		bs = marshal.WriteInt(bs, v)
	}
	bs = marshal.WriteInt32(bs, uint32(r.VID))
	for _, b := range r.Suspected {
		bs = marshal.WriteBool(bs, b)
	}
	for _, cp := range r.Changes {
		word := uint32(cp.LeaderID) | uint32(cp.ChangeID)<<16
		bs = marshal.WriteInt32(bs, word)
		bs = marshal.WriteBool(bs, cp.EndOfView)
	}
	for _, ip := range r.JoinerIPs {
		bs = marshal.WriteInt32(bs, ip)
	}
	writePorts := func(ports []uint16) {
		for _, p := range ports {
			bs = marshal.WriteInt32(bs, uint32(p))
		}
	}
	writePorts(r.JoinerGmsPorts)
	writePorts(r.JoinerStateTransferPorts)
	writePorts(r.JoinerSstPorts)
	writePorts(r.JoinerRdmcPorts)
	writePorts(r.JoinerExternalPorts)
	bs = marshal.WriteInt32(bs, uint32(r.NumChanges))
	bs = marshal.WriteInt32(bs, uint32(r.NumCommitted))
	bs = marshal.WriteInt32(bs, uint32(r.NumAcked))
	bs = marshal.WriteInt32(bs, uint32(r.NumInstalled))
	bs = marshal.WriteBool(bs, r.Wedged)
	bs = marshal.WriteBool(bs, r.Rip)
	for _, v := range r.NumReceived {
		bs = marshal.WriteInt32(bs, uint32(v))
	}
	for _, v := range r.GlobalMin {
		bs = marshal.WriteInt32(bs, uint32(v))
	}
	if !exceptSlots {
		bs = marshal.WriteBytes(bs, r.Slots)
	}
	for _, v := range r.NumReceivedSST {
		bs = marshal.WriteInt32(bs, uint32(v))
	}
	for _, v := range r.Index {
		bs = marshal.WriteInt32(bs, uint32(v))
	}
	return bs
}

// decodeRowInto overwrites dst (which must be schema-shaped) from
// the wire form. When the sender elided slots, dst keeps its
// current slot bytes.
func decodeRowInto(sc *sstSchema, dst *SSTRow, buf []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derecho: bad SST row frame: %v", r)
		}
	}()
	bs := buf
	var exceptSlots bool
	exceptSlots, bs = marshal.ReadBool(bs)
	readI64s := func(dst []int64) {
		for i := range dst {
			var u uint64
			u, bs = marshal.ReadInt(bs)
			dst[i] = int64(u)
		}
	}
	readI64s(dst.SeqNum)
	readI64s(dst.DeliveredNum)
	readI64s(dst.PersistedNum)
	readI64s(dst.SignedNum)
	readI64s(dst.VerifiedNum)
	var sig []byte
	sig, bs = marshal.ReadBytes(bs, uint64(len(dst.Signatures)))
	copy(dst.Signatures, sig)
	for i := range dst.GlobalMinReady {
		dst.GlobalMinReady[i], bs = marshal.ReadBool(bs)
	}
	for i := range dst.LocalStabilityFrontier {
		dst.LocalStabilityFrontier[i], bs = marshal.ReadInt(bs)
	}
	var u32 uint32
	u32, bs = marshal.ReadInt32(bs)
	dst.VID = int32(u32)
	for i := range dst.Suspected {
		dst.Suspected[i], bs = marshal.ReadBool(bs)
	}
	for i := range dst.Changes {
		var word uint32
		word, bs = marshal.ReadInt32(bs)
		dst.Changes[i].LeaderID = uint16(word)
		dst.Changes[i].ChangeID = uint16(word >> 16)
		dst.Changes[i].EndOfView, bs = marshal.ReadBool(bs)
	}
	for i := range dst.JoinerIPs {
		dst.JoinerIPs[i], bs = marshal.ReadInt32(bs)
	}
	readPorts := func(ports []uint16) {
		for i := range ports {
			var u uint32
			u, bs = marshal.ReadInt32(bs)
			ports[i] = uint16(u)
		}
	}
	readPorts(dst.JoinerGmsPorts)
	readPorts(dst.JoinerStateTransferPorts)
	readPorts(dst.JoinerSstPorts)
	readPorts(dst.JoinerRdmcPorts)
	readPorts(dst.JoinerExternalPorts)
	readI32 := func() int32 {
		var u uint32
		u, bs = marshal.ReadInt32(bs)
		return int32(u)
	}
	dst.NumChanges = readI32()
	dst.NumCommitted = readI32()
	dst.NumAcked = readI32()
	dst.NumInstalled = readI32()
	dst.Wedged, bs = marshal.ReadBool(bs)
	dst.Rip, bs = marshal.ReadBool(bs)
	for i := range dst.NumReceived {
		dst.NumReceived[i] = readI32()
	}
	for i := range dst.GlobalMin {
		dst.GlobalMin[i] = readI32()
	}
	if !exceptSlots {
		var slots []byte
		slots, bs = marshal.ReadBytes(bs, uint64(len(dst.Slots)))
		copy(dst.Slots, slots)
	}
	for i := range dst.NumReceivedSST {
		dst.NumReceivedSST[i] = readI32()
	}
	for i := range dst.Index {
		dst.Index[i] = readI32()
	}
	return nil
}

// PredKind selects predicate re-arming behavior.
type PredKind int

const (
	// OneTime predicates fire once and are removed.
	OneTime PredKind = iota
	// Recurrent predicates fire every time the condition is
	// observed true after a row change.
	Recurrent
)

type predicate struct {
	name   string
	cond   func(*SST) bool
	action func(*SST)
	kind   PredKind
	dead   bool
}

// PredHandle identifies a registered predicate for removal.
type PredHandle struct{ p *predicate }

// RowTransport pushes encoded rows to peers. Implementations must
// deliver pushes from one sender to one destination in order.
type RowTransport interface {
	PushRow(destRank int, dest NodeID, srcRank int, encoded []byte) error
	Close()
}

// SST is the shared state table: one row per view member, local
// row owner-writable, remote rows updated by peer pushes. A
// dedicated predicate goroutine re-evaluates registered predicates
// after every observed row change; predicate actions run on that
// goroutine and must not block on application code.
//
// Locking: the table mutex is fine-grained and internal; callers
// never hold it across Push or across engine locks. The engine's
// lock ordering is engine.mu before sst internals, never the
// reverse.
type SST struct {
	mu     sync.Mutex
	schema *sstSchema

	members []NodeID
	myRank  int
	rows    []*SSTRow
	frozen  []bool

	// lastHeard[r] is when row r last arrived from its owner; the
	// failure detector's heartbeat timestamps.
	lastHeard []time.Time

	transport RowTransport

	predMu sync.Mutex
	preds  []*predicate

	kick chan struct{}

	// onRowFail is called (off the table lock) when a push to a
	// peer fails and its row gets frozen.
	onRowFail func(rank int)

	busyWaitMs uint32

	Halt *idem.Halter
}

// NewSST builds the table for the given view. Call Start to run
// the predicate thread, and Stop (or halt the parent) to wind it
// down.
func NewSST(v *View, sigLen int, transport RowTransport, busyWaitMs uint32) *SST {
	sc := newSSTSchema(v, sigLen)
	s := &SST{
		schema:     sc,
		members:    append([]NodeID{}, v.Members...),
		myRank:     v.MyRank,
		rows:       make([]*SSTRow, sc.numMembers),
		frozen:     make([]bool, sc.numMembers),
		transport:  transport,
		kick:       make(chan struct{}, 1),
		busyWaitMs: busyWaitMs,
		Halt:       idem.NewHalter(),
	}
	now := time.Now()
	s.lastHeard = make([]time.Time, sc.numMembers)
	for i := range s.rows {
		s.rows[i] = sc.newRow()
		s.rows[i].VID = v.VID
		s.lastHeard[i] = now
	}
	for r, f := range v.Failed {
		if f {
			s.frozen[r] = true
		}
	}
	return s
}

func (s *SST) Start() {
	go s.predLoop()
}

func (s *SST) Stop() {
	s.Halt.ReqStop.Close()
	<-s.Halt.Done.Chan
}

func (s *SST) MyRank() int       { return s.myRank }
func (s *SST) NumRows() int      { return len(s.rows) }
func (s *SST) Members() []NodeID { return s.members }

// Read runs fn under the table lock with the rows and frozen
// mask. fn must not block and must not take other locks.
func (s *SST) Read(fn func(rows []*SSTRow, frozen []bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rows, s.frozen)
}

// UpdateMyRow mutates the local row under the table lock, without
// pushing. Pair with Push / PushRowExceptSlots.
func (s *SST) UpdateMyRow(fn func(r *SSTRow)) {
	s.mu.Lock()
	fn(s.rows[s.myRank])
	s.mu.Unlock()
}

// Freeze marks a row as no longer observed; predicates continue
// over the remaining rows. Idempotent.
func (s *SST) Freeze(rank int) {
	s.mu.Lock()
	was := s.frozen[rank]
	s.frozen[rank] = true
	s.mu.Unlock()
	if !was {
		pp("sst: froze row %v", rank)
		s.Kick()
	}
}

func (s *SST) IsFrozen(rank int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen[rank]
}

// LastHeard reports when row rank last arrived from its owner.
func (s *SST) LastHeard(rank int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeard[rank]
}

// Push delivers the local row to every live peer, then kicks the
// local predicate loop. A peer we cannot reach gets frozen, and
// onRowFail (the suspicion hook) is invoked for it.
func (s *SST) Push() { s.push(false) }

// PushRowExceptSlots elides the (large) SMM slot region.
func (s *SST) PushRowExceptSlots() { s.push(true) }

func (s *SST) push(exceptSlots bool) {
	s.mu.Lock()
	if s.Halt.ReqStop.IsClosed() {
		s.mu.Unlock()
		return
	}
	encoded := encodeRow(s.rows[s.myRank], exceptSlots)
	type dest struct {
		rank int
		id   NodeID
	}
	var dests []dest
	for r := range s.rows {
		if r == s.myRank || s.frozen[r] {
			continue
		}
		dests = append(dests, dest{r, s.members[r]})
	}
	s.mu.Unlock()

	var failed []int
	for _, d := range dests {
		if err := s.transport.PushRow(d.rank, d.id, s.myRank, encoded); err != nil {
			alwaysPrintf("sst: push_row to rank %v (node %v) failed: %v", d.rank, d.id, err)
			failed = append(failed, d.rank)
		}
	}
	for _, r := range failed {
		s.Freeze(r)
		if s.onRowFail != nil {
			s.onRowFail(r)
		}
	}
	s.Kick()
}

// ApplyRemoteRow installs a peer's pushed row. Frozen rows are
// ignored. Called by the transport's receive path.
func (s *SST) ApplyRemoteRow(srcRank int, encoded []byte) error {
	s.mu.Lock()
	if srcRank < 0 || srcRank >= len(s.rows) {
		s.mu.Unlock()
		return fmt.Errorf("derecho: bad row rank %v", srcRank)
	}
	if s.frozen[srcRank] {
		s.mu.Unlock()
		return nil
	}
	err := decodeRowInto(s.schema, s.rows[srcRank], encoded)
	s.lastHeard[srcRank] = time.Now()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Kick()
	return nil
}

// Kick schedules a predicate evaluation pass.
func (s *SST) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RegisterPredicate adds a predicate/action pair. The predicate
// must be a pure function over the table; the action runs on the
// predicate goroutine when the predicate is observed true.
func (s *SST) RegisterPredicate(name string, cond func(*SST) bool, action func(*SST), kind PredKind) *PredHandle {
	p := &predicate{name: name, cond: cond, action: action, kind: kind}
	s.predMu.Lock()
	s.preds = append(s.preds, p)
	s.predMu.Unlock()
	s.Kick()
	return &PredHandle{p: p}
}

// RemovePredicate retires a predicate; it will not fire again.
func (s *SST) RemovePredicate(h *PredHandle) {
	if h == nil || h.p == nil {
		return
	}
	s.predMu.Lock()
	h.p.dead = true
	s.predMu.Unlock()
}

func (s *SST) livePredicates() []*predicate {
	s.predMu.Lock()
	defer s.predMu.Unlock()
	live := s.preds[:0]
	for _, p := range s.preds {
		if !p.dead {
			live = append(live, p)
		}
	}
	s.preds = live
	out := make([]*predicate, len(live))
	copy(out, live)
	return out
}

// predLoop evaluates all registered predicates sequentially after
// each observed row change. After going idle it spins for the
// configured busy-wait window before blocking on the kick channel.
func (s *SST) predLoop() {
	defer s.Halt.Done.Close()
	busy := time.Duration(s.busyWaitMs) * time.Millisecond
	for {
		s.runPredicates()

		// busy-wait window: cheap to catch the next update while
		// traffic is flowing.
		deadline := time.Now().Add(busy)
		kicked := false
		for time.Now().Before(deadline) {
			select {
			case <-s.kick:
				kicked = true
			case <-s.Halt.ReqStop.Chan:
				return
			default:
				runtime.Gosched()
			}
			if kicked {
				break
			}
		}
		if kicked {
			continue
		}
		select {
		case <-s.kick:
		case <-s.Halt.ReqStop.Chan:
			return
		}
	}
}

func (s *SST) runPredicates() {
	for _, p := range s.livePredicates() {
		if s.Halt.ReqStop.IsClosed() {
			return
		}
		if p.cond(s) {
			pp("sst: predicate %q fired", p.name)
			p.action(s)
			if p.kind == OneTime {
				s.predMu.Lock()
				p.dead = true
				s.predMu.Unlock()
			}
		}
	}
}

// DebugPrint dumps the local row for diagnostics.
func (s *SST) DebugPrint() {
	s.mu.Lock()
	r := s.rows[s.myRank]
	alwaysPrintf("sst row[%v]: vid=%v seq=%v delivered=%v persisted=%v signed=%v verified=%v nr=%v changes=%v/%v/%v/%v wedged=%v",
		s.myRank, r.VID, r.SeqNum, r.DeliveredNum, r.PersistedNum, r.SignedNum, r.VerifiedNum,
		r.NumReceived, r.NumChanges, r.NumAcked, r.NumCommitted, r.NumInstalled, r.Wedged)
	s.mu.Unlock()
}

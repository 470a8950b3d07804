package derecho

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
	"github.com/tchajed/marshal"
)

// The view manager: failure detection, join/leave coordination,
// and the leader-driven two-phase view change over the SST.
//
// Per-process lifecycle:
//
//	Bootstrapping -> Joining -> Active -> Wedging -> Draining ->
//	Installing -> Active' -> ... -> Leaving -> Dead

type nodeState int32

const (
	Bootstrapping nodeState = iota
	Joining
	Active
	Wedging
	Draining
	Installing
	Leaving
	Dead
)

func (s nodeState) String() string {
	switch s {
	case Bootstrapping:
		return "Bootstrapping"
	case Joining:
		return "Joining"
	case Active:
		return "Active"
	case Wedging:
		return "Wedging"
	case Draining:
		return "Draining"
	case Installing:
		return "Installing"
	case Leaving:
		return "Leaving"
	case Dead:
		return "Dead"
	}
	return fmt.Sprintf("nodeState(%v)", int32(s))
}

// control frame tags on the GMS channel.
const (
	ctrlJoinRequest uint32 = 1 + iota
	ctrlViewBroadcast
	ctrlLeaveNotify
	ctrlStateXfer
	ctrlRestartHello
	ctrlRestartView
	ctrlBarrier
	ctrlBarrierRelease
)

type joinInfo struct {
	ID     NodeID
	IP     string
	Ports  MemberPorts
	PubKey []byte
	Addr   string // dialable "ip:gms_port"
}

func encodeJoinRequest(j *joinInfo) []byte {
	bs := marshal.WriteInt32(nil, ctrlJoinRequest)
	bs = marshal.WriteInt32(bs, uint32(j.ID))
	bs = encodeString(bs, j.IP)
	bs = encodePorts(bs, j.Ports)
	bs = encodeByteSlice(bs, j.PubKey)
	return bs
}

func decodeJoinRequest(bs []byte) (j joinInfo) {
	var u uint32
	u, bs = marshal.ReadInt32(bs)
	j.ID = NodeID(u)
	j.IP, bs = decodeString(bs)
	j.Ports, bs = decodePorts(bs)
	j.PubKey, bs = decodeByteSlice(bs)
	j.Addr = fmt.Sprintf("%v:%v", j.IP, j.Ports.Gms)
	return j
}

type viewBroadcast struct {
	View        []byte // EncodeView
	NextVersion []Version
}

func encodeViewBroadcast(vb *viewBroadcast) []byte {
	bs := marshal.WriteInt32(nil, ctrlViewBroadcast)
	bs = encodeByteSlice(bs, vb.View)
	bs = marshal.WriteInt32(bs, uint32(len(vb.NextVersion)))
	for _, v := range vb.NextVersion {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	return bs
}

func decodeViewBroadcast(bs []byte) (vb viewBroadcast) {
	vb.View, bs = decodeByteSlice(bs)
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	for i := uint32(0); i < n; i++ {
		var u uint64
		u, bs = marshal.ReadInt(bs)
		vb.NextVersion = append(vb.NextVersion, Version(u))
	}
	return vb
}

// ctrlEvent moves inbound control frames onto the manager's loop.
type ctrlEvent struct {
	src   NodeID
	frame []byte
}

// ViewManager owns the current view, the SST, and the engine, and
// drives them through view changes.
type ViewManager struct {
	mu sync.Mutex

	cfg    *Config
	layout *Layout
	me     NodeID
	tr     Transport
	signer *Signer
	cb     CallbackSet

	state nodeState

	curView *View
	sst     *SST
	engine  *MulticastEngine
	plogs   map[SubgroupID]*PersistLog

	provisioned bool

	// leader-side join bookkeeping: joiner info by change slot.
	joiners map[uint16]*joinInfo

	// view-change progress guards (reset at each install)
	changeInProgress bool
	trimDone         map[SubgroupID]bool
	installBumped    bool

	// suspicionHandled[j] marks member ranks whose failure we have
	// already adopted, frozen, and (as leader) proposed.
	suspicionHandled []bool

	ctrlCh    chan ctrlEvent
	installCh chan struct{} // predicate thread -> manager loop

	// joiner-side: state transfer arrivals
	xferMu      sync.Mutex
	xferGot     map[SubgroupID]*stateBlob
	xferWaiters []chan struct{}

	// restart rendezvous (leader side)
	restartMu     sync.Mutex
	restartHellos map[NodeID]*restartHello

	// barrier sync
	barrierMu      sync.Mutex
	barrierArrived map[NodeID]bool
	barrierGen     int64
	barrierRelease *loquet.Chan[int64]

	// OnViewInstalled, when set, is called (on the manager loop)
	// with each freshly installed view.
	OnViewInstalled func(v *View)

	// StateProvider serializes a subgroup's replicated state for
	// transfer to joiners; StateReceiver applies it on a joiner.
	StateProvider func(sub SubgroupID) (version Version, blob []byte, err error)
	StateReceiver func(sub SubgroupID, version Version, blob []byte) error

	installedLatch *loquet.Chan[View]

	Halt *idem.Halter
}

// NewViewManager wires the manager to its transport. Call
// Bootstrap, Join, or BootstrapWithView to get a first view.
func NewViewManager(cfg *Config, layout *Layout, tr Transport, signer *Signer, cb CallbackSet) *ViewManager {
	vm := &ViewManager{
		cfg:            cfg,
		layout:         layout,
		me:             cfg.LocalID,
		tr:             tr,
		signer:         signer,
		cb:             cb,
		state:          Bootstrapping,
		plogs:          make(map[SubgroupID]*PersistLog),
		joiners:        make(map[uint16]*joinInfo),
		trimDone:       make(map[SubgroupID]bool),
		ctrlCh:         make(chan ctrlEvent, 256),
		installCh:      make(chan struct{}, 1),
		xferGot:        make(map[SubgroupID]*stateBlob),
		installedLatch: loquet.NewChan[View](nil),
		Halt:           idem.NewHalter(),
	}
	tr.SetHandlers(&TransportHandlers{
		OnRow:     vm.onRow,
		OnBlock:   vm.onBlock,
		OnControl: vm.onControl,
	})
	go vm.loop()
	go vm.failureCheckLoop()
	return vm
}

func (vm *ViewManager) myPorts() MemberPorts {
	return MemberPorts{
		Gms:           vm.cfg.GmsPort,
		StateTransfer: vm.cfg.StateTransferPort,
		Sst:           vm.cfg.SstPort,
		Rdmc:          vm.cfg.RdmcPort,
		External:      vm.cfg.ExternalPort,
	}
}

func (vm *ViewManager) myPubKey() []byte {
	if vm.signer == nil {
		return nil
	}
	return vm.signer.PublicKey()
}

// Bootstrap starts a brand-new group with this node as the sole
// member of view 0.
func (vm *ViewManager) Bootstrap() error {
	v := &View{
		VID:     0,
		Members: []NodeID{vm.me},
		IPs:     []string{vm.cfg.LocalIP},
		Ports:   []MemberPorts{vm.myPorts()},
		PubKeys: [][]byte{vm.myPubKey()},
		Joined:  []NodeID{vm.me},
		Failed:  []bool{false},
		MyRank:  0,
	}
	return vm.installView(v, nil)
}

// BootstrapWithView starts the group from a known full roster; all
// listed members run the same call concurrently (used by tests and
// by single-host bring-up with a fixed fleet).
func (vm *ViewManager) BootstrapWithView(members []NodeID, ips []string, ports []MemberPorts, pubkeys [][]byte) error {
	v := &View{
		VID:     0,
		Members: append([]NodeID{}, members...),
		IPs:     ips,
		Ports:   ports,
		PubKeys: pubkeys,
		Joined:  append([]NodeID{}, members...),
		Failed:  make([]bool, len(members)),
	}
	v.MyRank = v.RankOf(vm.me)
	if v.MyRank < 0 {
		return fmt.Errorf("derecho: local node %v not in bootstrap roster %v", vm.me, members)
	}
	for r, id := range members {
		if id != vm.me {
			vm.tr.Connect(id, fmt.Sprintf("%v:%v", ips[r], ports[r].Gms))
		}
	}
	return vm.installView(v, nil)
}

// Join contacts the group leader and waits for the view that
// includes us to be installed. Waiting for state transfer is left
// to the caller (NewGroup uses WaitForStateTransfers).
func (vm *ViewManager) Join() error {
	vm.setState(Joining)
	leaderAddr := fmt.Sprintf("%v:%v", vm.cfg.ContactIP, vm.cfg.ContactPort)
	// the leader's id is unknown until the view arrives; address
	// it by the reserved id max_node_id (never a real member).
	contactID := NodeID(vm.cfg.MaxNodeID)
	if err := vm.tr.Connect(contactID, leaderAddr); err != nil {
		return fmt.Errorf("derecho: cannot reach contact %v: %w", leaderAddr, err)
	}
	req := encodeJoinRequest(&joinInfo{
		ID:     vm.me,
		IP:     vm.cfg.LocalIP,
		Ports:  vm.myPorts(),
		PubKey: vm.myPubKey(),
	})
	if err := vm.tr.SendControl(contactID, req); err != nil {
		return err
	}
	// the install arrives on the control channel; installedLatch
	// closes when the view including us is in place.
	select {
	case <-vm.installedLatch.WhenClosed():
		return nil
	case <-time.After(time.Duration(vm.cfg.RestartTimeoutMs) * time.Millisecond * 10):
		return fmt.Errorf("derecho: join timed out waiting for a view")
	case <-vm.Halt.ReqStop.Chan:
		return ErrShutDown
	}
}

func (vm *ViewManager) setState(s nodeState) {
	vm.mu.Lock()
	old := vm.state
	vm.state = s
	vm.mu.Unlock()
	if old != s {
		pp("gms %v: %v -> %v", vm.me, old, s)
	}
}

// State reports the process lifecycle state.
func (vm *ViewManager) State() nodeState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// CurrentView returns the installed view (nil before the first
// install).
func (vm *ViewManager) CurrentView() *View {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.curView
}

// Engine returns the current multicast engine (nil while not
// provisioned).
func (vm *ViewManager) Engine() *MulticastEngine {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.engine
}

// ---------------------------------------------------------------
// transport fan-in
// ---------------------------------------------------------------

func (vm *ViewManager) onRow(src NodeID, frame []byte) {
	vid, srcID, encoded := decodeRowFrame(frame)
	vm.mu.Lock()
	sst := vm.sst
	v := vm.curView
	vm.mu.Unlock()
	if sst == nil || v == nil || vid != v.VID {
		return
	}
	rank := v.RankOf(srcID)
	if rank < 0 {
		return
	}
	if err := sst.ApplyRemoteRow(rank, encoded); err != nil {
		pp("gms: dropping row from %v: %v", srcID, err)
	}
}

func (vm *ViewManager) onBlock(src NodeID, frame []byte) {
	vm.mu.Lock()
	eng := vm.engine
	vm.mu.Unlock()
	if eng != nil {
		eng.HandleBlockFrame(frame)
	}
}

func (vm *ViewManager) onControl(src NodeID, frame []byte) {
	select {
	case vm.ctrlCh <- ctrlEvent{src: src, frame: frame}:
	case <-vm.Halt.ReqStop.Chan:
	}
}

// loop is the manager's event loop: control frames and install
// notifications, in the manner of a tube replica's single loop.
func (vm *ViewManager) loop() {
	defer vm.Halt.Done.Close()
	for {
		select {
		case ev := <-vm.ctrlCh:
			vm.handleControl(ev)
		case <-vm.installCh:
			vm.completeViewChange()
		case <-vm.Halt.ReqStop.Chan:
			return
		}
	}
}

func (vm *ViewManager) handleControl(ev ctrlEvent) {
	if len(ev.frame) < 4 {
		return
	}
	tag, body := marshalReadTag(ev.frame)
	switch tag {
	case ctrlJoinRequest:
		j := decodeJoinRequest(body)
		vm.handleJoinRequest(&j)
	case ctrlViewBroadcast:
		vb := decodeViewBroadcast(body)
		vm.handleViewBroadcast(&vb)
	case ctrlLeaveNotify:
		var u uint32
		u, _ = marshal.ReadInt32(body)
		vm.proposeDeparture(NodeID(u))
	case ctrlStateXfer:
		vm.handleStateXfer(body)
	case ctrlRestartHello:
		vm.handleRestartHello(ev.src, body)
	case ctrlRestartView:
		vb := decodeViewBroadcast(body)
		vm.handleViewBroadcast(&vb)
	case ctrlBarrier:
		vm.handleBarrier(ev.src, body)
	case ctrlBarrierRelease:
		vm.handleBarrierRelease(body)
	default:
		pp("gms: unknown control tag %v from %v", tag, ev.src)
	}
}

func marshalReadTag(frame []byte) (uint32, []byte) {
	tag, rest := marshal.ReadInt32(frame)
	return tag, rest
}

// ---------------------------------------------------------------
// install and predicates
// ---------------------------------------------------------------

// installView tears down the previous view's machinery and stands
// up the SST, the engine, and the GMS predicates for v.
func (vm *ViewManager) installView(v *View, carry *engineCarryover) error {
	vm.mu.Lock()
	prev := vm.curView
	vm.mu.Unlock()

	if prev != nil && v.VID <= prev.VID {
		panicf("gms: view ids must strictly increase: %v -> %v", prev.VID, v.VID)
	}
	if !v.IsAdequate(prev, vm.cfg.DisablePartitioningSafety) {
		return ErrInadequateView
	}
	vm.setState(Installing)

	// connect to any members we have not met.
	for r, id := range v.Members {
		if id != vm.me {
			vm.tr.Connect(id, fmt.Sprintf("%v:%v", v.IPs[r], v.Ports[r].Gms))
		}
	}

	// provision subgroups; an inadequately provisioned view still
	// installs, with the engine idle until more members arrive. A
	// view that arrived over the wire (a joiner's broadcast) keeps
	// its shard assignment, deltas included.
	provisioned := true
	if len(v.Subgroups) == 0 {
		subs, err := vm.layout.Provision(v.Members, vm.cfg)
		if err != nil {
			alwaysPrintf("gms %v: view %v not provisioned yet: %v", vm.me, v.VID, err)
			provisioned = false
			subs = make([][]SubView, vm.layout.NumSubgroups())
		}
		v.Subgroups = subs
		if prev != nil && provisioned {
			fillSubViewDeltas(prev, v)
		}
	} else {
		for _, shards := range v.Subgroups {
			if len(shards) == 0 {
				provisioned = false
			}
		}
	}

	sigLen := 0
	if vm.signer != nil {
		sigLen = SignatureSize
	}
	sst := NewSST(v, sigLen, &rowTransportAdapter{tr: vm.tr, vid: v.VID}, vm.cfg.P2PLoopBusyWaitBeforeSleepMs)
	sst.onRowFail = func(rank int) { vm.suspectRank(rank) }

	// open logs for my subgroups.
	for s := range v.Subgroups {
		sub := SubgroupID(s)
		if v.MyShard(sub, vm.me) < 0 {
			continue
		}
		if vm.plogs[sub] == nil {
			pl, err := NewPersistLog(vm.cfg, sub)
			if err != nil {
				sst.Stop()
				return err
			}
			vm.plogs[sub] = pl
		}
	}

	var eng *MulticastEngine
	if provisioned {
		eng = NewMulticastEngine(vm.cfg, v, sst, vm.tr, vm.cb, vm.signer, vm.plogs, carry)
	}

	vm.mu.Lock()
	oldSST := vm.sst
	oldEng := vm.engine
	vm.curView = v
	vm.sst = sst
	vm.engine = eng
	vm.provisioned = provisioned
	vm.changeInProgress = false
	vm.installBumped = false
	vm.trimDone = make(map[SubgroupID]bool)
	vm.suspicionHandled = make([]bool, v.NumMembers())
	vm.mu.Unlock()

	if oldEng != nil {
		oldEng.Stop()
	}
	if oldSST != nil {
		oldSST.Stop()
	}

	vm.registerGMSPredicates(sst, v)
	sst.Start()
	if eng != nil {
		eng.Start()
	}
	vm.setState(Active)

	if err := SaveViewState(vm.cfg, v, vm.verifiedSnapshot()); err != nil {
		alwaysPrintf("gms %v: could not save view state: %v", vm.me, err)
	}
	vv("gms %v: installed %v (provisioned=%v)", vm.me, v, provisioned)

	vm.installedLatch.CloseWith(v)
	if vm.OnViewInstalled != nil {
		vm.OnViewInstalled(v)
	}
	// kick once so predicates see the fresh table.
	sst.Push()
	return nil
}

func (vm *ViewManager) verifiedSnapshot() []Version {
	out := make([]Version, vm.layout.NumSubgroups())
	for i := range out {
		out[i] = InvalidVersion
	}
	vm.mu.Lock()
	eng := vm.engine
	vm.mu.Unlock()
	if eng == nil {
		return out
	}
	for s := range out {
		if v, err := eng.GetGlobalVerifiedFrontier(SubgroupID(s)); err == nil {
			out[s] = v
		}
	}
	return out
}

// fillSubViewDeltas computes each shard's Joined/Departed against
// the previous view's same shard.
func fillSubViewDeltas(prev, next *View) {
	for s := range next.Subgroups {
		if s >= len(prev.Subgroups) {
			continue
		}
		for i := range next.Subgroups[s] {
			if i >= len(prev.Subgroups[s]) {
				continue
			}
			nsv := &next.Subgroups[s][i]
			psv := &prev.Subgroups[s][i]
			for _, m := range nsv.Members {
				if psv.RankOf(m) < 0 {
					nsv.Joined = append(nsv.Joined, m)
				}
			}
			for _, m := range psv.Members {
				if nsv.RankOf(m) < 0 {
					nsv.Departed = append(nsv.Departed, m)
				}
			}
		}
	}
}

// registerGMSPredicates installs the view-management predicates on
// a fresh SST.
func (vm *ViewManager) registerGMSPredicates(sst *SST, v *View) {
	// suspicion: adopt and act on any row's suspicions.
	sst.RegisterPredicate("gms-suspicion",
		func(s *SST) bool { return vm.newSuspicionSeen(s) },
		func(s *SST) { vm.handleSuspicions(s, v) },
		Recurrent)

	// ack: mirror the leader's proposals.
	sst.RegisterPredicate("gms-ack",
		func(s *SST) bool { return vm.leaderHasNewChanges(s, v) },
		func(s *SST) { vm.ackChanges(s, v) },
		Recurrent)

	// commit: leader advances num_committed once every live member acked.
	sst.RegisterPredicate("gms-commit",
		func(s *SST) bool { return vm.ackedMeetsChanges(s, v) },
		func(s *SST) { vm.commitChanges(s, v) },
		Recurrent)

	// wedge: committed-but-not-installed changes wedge the engine.
	sst.RegisterPredicate("gms-wedge",
		func(s *SST) bool { return vm.commitPastInstall(s) },
		func(s *SST) { vm.startViewChange(s, v) },
		Recurrent)

	// drain: shard leaders publish the trim once all are wedged.
	sst.RegisterPredicate("gms-globalmin",
		func(s *SST) bool { return vm.allLiveWedged(s) },
		func(s *SST) { vm.publishGlobalMin(s, v) },
		Recurrent)

	// trim + install gate.
	sst.RegisterPredicate("gms-install",
		func(s *SST) bool { return vm.readyToInstall(s, v) },
		func(s *SST) { vm.trimAndSignalInstall(s, v) },
		Recurrent)
}

// leaderRank is the lowest-ranked row not frozen and not suspected
// by us.
func (vm *ViewManager) leaderRank(s *SST) int {
	lead := -1
	s.Read(func(rows []*SSTRow, frozen []bool) {
		my := rows[s.MyRank()]
		for r := range rows {
			if !frozen[r] && !my.Suspected[r] {
				lead = r
				return
			}
		}
	})
	return lead
}

// IAmLeader reports whether this node currently leads the view.
func (vm *ViewManager) IAmLeader() bool {
	vm.mu.Lock()
	sst := vm.sst
	vm.mu.Unlock()
	if sst == nil {
		return false
	}
	return vm.leaderRank(sst) == sst.MyRank()
}

func (vm *ViewManager) newSuspicionSeen(s *SST) bool {
	vm.mu.Lock()
	handled := vm.suspicionHandled
	vm.mu.Unlock()
	if handled == nil {
		return false
	}
	seen := false
	s.Read(func(rows []*SSTRow, frozen []bool) {
		for r := range rows {
			if frozen[r] {
				continue
			}
			if rows[r].Rip && !handled[r] {
				seen = true
				return
			}
			for j := range rows[r].Suspected {
				if rows[r].Suspected[j] && !handled[j] {
					seen = true
					return
				}
			}
		}
	})
	return seen
}

// handleSuspicions adopts suspicions (and rip graceful-leave
// flags), freezes the suspected rows, and, on the leader,
// proposes the departures.
func (vm *ViewManager) handleSuspicions(s *SST, v *View) {
	vm.mu.Lock()
	handled := vm.suspicionHandled
	vm.mu.Unlock()
	if handled == nil {
		return
	}
	var newly []int
	s.Read(func(rows []*SSTRow, frozen []bool) {
		mark := func(j int) {
			if !handled[j] {
				handled[j] = true
				newly = append(newly, j)
			}
		}
		for r := range rows {
			if frozen[r] {
				continue
			}
			if rows[r].Rip {
				mark(r)
			}
			for j := range rows[r].Suspected {
				if rows[r].Suspected[j] {
					mark(j)
				}
			}
		}
	})
	if len(newly) == 0 {
		return
	}
	s.UpdateMyRow(func(r *SSTRow) {
		for _, j := range newly {
			r.Suspected[j] = true
		}
	})
	for _, j := range newly {
		s.Freeze(j)
		vm.mu.Lock()
		if vm.curView == v && !v.Failed[j] {
			v.Failed[j] = true
			v.NumFailed++
		}
		vm.mu.Unlock()
	}
	// partitioning safety: a minority partition must not install.
	if !vm.cfg.DisablePartitioningSafety && 2*v.NumFailed >= v.NumMembers() {
		alwaysPrintf("gms %v: view %v lost its majority (%v of %v failed); refusing to continue",
			vm.me, v.VID, v.NumFailed, v.NumMembers())
		vm.setState(Dead)
		vm.Halt.ReqStop.Close()
		return
	}
	s.PushRowExceptSlots()

	if vm.leaderRank(s) == s.MyRank() {
		// if a failure just promoted us, delimit the previous
		// leader's regime before proposing our own changes.
		promoted := false
		for _, j := range newly {
			if j < s.MyRank() {
				promoted = true
			}
		}
		if promoted {
			vm.appendEndOfViewMarker(s)
		}
		for _, j := range newly {
			vm.proposeChangeLocked(s, v, uint16(v.Members[j]))
		}
	}
	// wedge early: a failure always leads to a view change.
	vm.wedgeEngine()
}

func (vm *ViewManager) wedgeEngine() {
	vm.mu.Lock()
	eng := vm.engine
	vm.mu.Unlock()
	if eng != nil {
		eng.Wedge()
	}
}

// proposeChangeLocked appends one change to our own row (leader
// only). Duplicate proposals for the same id are skipped.
func (vm *ViewManager) proposeChangeLocked(s *SST, v *View, changeID uint16) {
	appended := false
	s.UpdateMyRow(func(r *SSTRow) {
		n := int(r.NumChanges - r.NumInstalled)
		for i := 0; i < n; i++ {
			if r.Changes[i].ChangeID == changeID && !r.Changes[i].EndOfView {
				return
			}
		}
		if n >= len(r.Changes) {
			return // proposal table full; retried next view
		}
		r.Changes[n] = ChangeProposal{LeaderID: uint16(vm.me), ChangeID: changeID}
		r.NumChanges++
		// our own ack is implicit.
		if r.NumAcked < r.NumChanges {
			r.NumAcked = r.NumChanges
		}
		appended = true
	})
	if appended {
		pp("gms %v: proposed change %v", vm.me, changeID)
		s.PushRowExceptSlots()
	}
}

// appendEndOfViewMarker is written by a new leader to delimit the
// previous regime's proposals.
func (vm *ViewManager) appendEndOfViewMarker(s *SST) {
	s.UpdateMyRow(func(r *SSTRow) {
		n := int(r.NumChanges - r.NumInstalled)
		if n > 0 && r.Changes[n-1].EndOfView {
			return
		}
		if n >= len(r.Changes) {
			return
		}
		r.Changes[n] = ChangeProposal{LeaderID: uint16(vm.me), EndOfView: true}
		r.NumChanges++
		if r.NumAcked < r.NumChanges {
			r.NumAcked = r.NumChanges
		}
	})
	s.PushRowExceptSlots()
}

func (vm *ViewManager) leaderHasNewChanges(s *SST, v *View) bool {
	lead := vm.leaderRank(s)
	if lead < 0 || lead == s.MyRank() {
		return false
	}
	more := false
	s.Read(func(rows []*SSTRow, frozen []bool) {
		more = rows[lead].NumChanges > rows[s.MyRank()].NumAcked
	})
	return more
}

// ackChanges mirrors the leader's proposal vector and counters
// into our row and acknowledges them.
func (vm *ViewManager) ackChanges(s *SST, v *View) {
	lead := vm.leaderRank(s)
	if lead < 0 {
		return
	}
	s.mu.Lock()
	lr := s.rows[lead]
	my := s.rows[s.MyRank()]
	copy(my.Changes, lr.Changes)
	copy(my.JoinerIPs, lr.JoinerIPs)
	copy(my.JoinerGmsPorts, lr.JoinerGmsPorts)
	copy(my.JoinerStateTransferPorts, lr.JoinerStateTransferPorts)
	copy(my.JoinerSstPorts, lr.JoinerSstPorts)
	copy(my.JoinerRdmcPorts, lr.JoinerRdmcPorts)
	copy(my.JoinerExternalPorts, lr.JoinerExternalPorts)
	my.NumChanges = lr.NumChanges
	if lr.NumCommitted > my.NumCommitted {
		my.NumCommitted = lr.NumCommitted
	}
	acked := my.NumChanges
	my.NumAcked = acked
	s.mu.Unlock()
	pp("gms %v: acked %v changes from leader rank %v", vm.me, acked, lead)
	s.PushRowExceptSlots()
}

// ackedMeetsChanges is the leader's commit condition: every live
// member has acknowledged every proposal.
func (vm *ViewManager) ackedMeetsChanges(s *SST, v *View) bool {
	if vm.leaderRank(s) != s.MyRank() {
		return false
	}
	ok := false
	s.Read(func(rows []*SSTRow, frozen []bool) {
		my := rows[s.MyRank()]
		if my.NumChanges == my.NumCommitted {
			return
		}
		for r := range rows {
			if frozen[r] {
				continue
			}
			if rows[r].NumAcked < my.NumChanges {
				return
			}
		}
		ok = true
	})
	return ok
}

func (vm *ViewManager) commitChanges(s *SST, v *View) {
	s.UpdateMyRow(func(r *SSTRow) {
		r.NumCommitted = r.NumChanges
	})
	pp("gms %v: committed changes", vm.me)
	s.PushRowExceptSlots()
}

func (vm *ViewManager) commitPastInstall(s *SST) bool {
	past := false
	s.Read(func(rows []*SSTRow, frozen []bool) {
		my := rows[s.MyRank()]
		past = my.NumCommitted > my.NumInstalled
	})
	if !past {
		return false
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return !vm.changeInProgress
}

// startViewChange wedges the engine; the drain predicates take it
// from there.
func (vm *ViewManager) startViewChange(s *SST, v *View) {
	vm.mu.Lock()
	if vm.changeInProgress {
		vm.mu.Unlock()
		return
	}
	vm.changeInProgress = true
	eng := vm.engine
	vm.mu.Unlock()
	vm.setState(Wedging)
	vv("gms %v: view change begins (vid %v)", vm.me, v.VID)
	if eng != nil {
		eng.NullFillForDrain()
	}
	vm.wedgeEngine()
	vm.mu.Lock()
	noEngine := vm.engine == nil
	vm.mu.Unlock()
	if noEngine {
		// nothing to drain; mark wedged directly.
		s.UpdateMyRow(func(r *SSTRow) { r.Wedged = true })
		s.PushRowExceptSlots()
	}
}

func (vm *ViewManager) allLiveWedged(s *SST) bool {
	vm.mu.Lock()
	inProgress := vm.changeInProgress
	vm.mu.Unlock()
	if !inProgress {
		return false
	}
	all := true
	s.Read(func(rows []*SSTRow, frozen []bool) {
		for r := range rows {
			if frozen[r] {
				continue
			}
			if !rows[r].Wedged {
				all = false
				return
			}
		}
	})
	return all
}

// publishGlobalMin: the shard leader (lowest live shard rank)
// aggregates trim[sender] = min over surviving rows of
// num_received[sender] and marks the subgroup ready.
func (vm *ViewManager) publishGlobalMin(s *SST, v *View) {
	vm.setState(Draining)
	vm.mu.Lock()
	eng := vm.engine
	vm.mu.Unlock()
	if eng == nil {
		return
	}
	for sub, st := range eng.subs {
		set := st.settings
		// am I the shard leader?
		leader := -1
		s.Read(func(rows []*SSTRow, frozen []bool) {
			for _, rr := range set.shardRowRanks {
				if !frozen[rr] {
					leader = rr
					return
				}
			}
		})
		if leader != s.MyRank() {
			continue
		}
		counts := eng.stableCounts(st)
		already := false
		s.Read(func(rows []*SSTRow, frozen []bool) {
			already = rows[s.MyRank()].GlobalMinReady[sub]
		})
		if already {
			continue
		}
		s.UpdateMyRow(func(r *SSTRow) {
			for k, c := range counts {
				r.GlobalMin[set.nrOffset+k] = c
			}
			r.GlobalMinReady[sub] = true
		})
		pp("gms %v: published global_min for subgroup %v: %v", vm.me, sub, counts)
		s.PushRowExceptSlots()
	}
}

// readyToInstall: the shard leader's global_min is ready for every
// subgroup we belong to (or we have no engine at all).
func (vm *ViewManager) readyToInstall(s *SST, v *View) bool {
	vm.mu.Lock()
	inProgress := vm.changeInProgress
	eng := vm.engine
	vm.mu.Unlock()
	if !inProgress {
		return false
	}
	if !vm.allLiveWedged(s) {
		return false
	}
	if eng == nil {
		return true
	}
	ready := true
	for sub, st := range eng.subs {
		set := st.settings
		leader := -1
		s.Read(func(rows []*SSTRow, frozen []bool) {
			for _, rr := range set.shardRowRanks {
				if !frozen[rr] {
					leader = rr
					return
				}
			}
		})
		if leader < 0 {
			continue
		}
		got := false
		s.Read(func(rows []*SSTRow, frozen []bool) {
			got = rows[leader].GlobalMinReady[sub]
		})
		if !got {
			ready = false
		}
	}
	return ready
}

// trimAndSignalInstall performs the ragged trim for every local
// shard, bumps num_installed, and signals the manager loop to
// construct the next view once all survivors have done the same.
func (vm *ViewManager) trimAndSignalInstall(s *SST, v *View) {
	vm.mu.Lock()
	eng := vm.engine
	bumped := vm.installBumped
	vm.mu.Unlock()

	if eng != nil {
		for sub, st := range eng.subs {
			vm.mu.Lock()
			done := vm.trimDone[sub]
			vm.mu.Unlock()
			if done {
				continue
			}
			set := st.settings
			leader := -1
			s.Read(func(rows []*SSTRow, frozen []bool) {
				for _, rr := range set.shardRowRanks {
					if !frozen[rr] {
						leader = rr
						return
					}
				}
			})
			if leader < 0 {
				continue
			}
			trim := make([]int64, set.numSenders)
			s.Read(func(rows []*SSTRow, frozen []bool) {
				for k := 0; k < set.numSenders; k++ {
					trim[k] = int64(rows[leader].GlobalMin[set.nrOffset+k])
				}
			})
			vm.setState(Draining)
			eng.DeliverMessagesUpto(trim, sub)
			vm.mu.Lock()
			vm.trimDone[sub] = true
			vm.mu.Unlock()
			vv("gms %v: ragged trim done for subgroup %v at %v", vm.me, sub, trim)
		}
	}

	if !bumped {
		s.UpdateMyRow(func(r *SSTRow) {
			r.NumInstalled += r.NumCommitted - r.NumInstalled
		})
		vm.mu.Lock()
		vm.installBumped = true
		vm.mu.Unlock()
		s.PushRowExceptSlots()
	}

	// all live members installed?
	all := true
	s.Read(func(rows []*SSTRow, frozen []bool) {
		my := rows[s.MyRank()]
		for r := range rows {
			if frozen[r] {
				continue
			}
			if rows[r].NumInstalled < my.NumCommitted {
				all = false
				return
			}
		}
	})
	if all {
		select {
		case vm.installCh <- struct{}{}:
		default:
		}
	}
}

// completeViewChange runs on the manager loop: build the next view
// from the committed changes and install it.
func (vm *ViewManager) completeViewChange() {
	vm.mu.Lock()
	v := vm.curView
	s := vm.sst
	eng := vm.engine
	inProgress := vm.changeInProgress
	vm.mu.Unlock()
	if v == nil || s == nil || !inProgress {
		return
	}
	vm.setState(Installing)

	var carry *engineCarryover
	if eng != nil {
		carry = eng.Carryover()
	}

	next, joiners := vm.computeNextView(s, v)
	if next == nil {
		return
	}
	if err := vm.installView(next, carry); err != nil {
		alwaysPrintf("gms %v: could not install view %v: %v", vm.me, next.VID, err)
		if err == ErrInadequateView {
			vm.setState(Dead)
			vm.Halt.ReqStop.Close()
		}
		return
	}

	// the leader tells the joiners about their new home, then
	// shard leaders stream state to them.
	if len(joiners) > 0 && next.RankOf(vm.me) == viewLeaderRank(next) {
		vb := &viewBroadcast{View: EncodeView(next)}
		if carry != nil {
			for s := 0; s < vm.layout.NumSubgroups(); s++ {
				vb.NextVersion = append(vb.NextVersion, carry.NextVersion[SubgroupID(s)])
			}
		}
		frame := encodeViewBroadcast(vb)
		for _, j := range joiners {
			vm.tr.Connect(j.ID, j.Addr)
			if err := vm.tr.SendControl(j.ID, frame); err != nil {
				alwaysPrintf("gms %v: view broadcast to joiner %v failed: %v", vm.me, j.ID, err)
			}
		}
	}
	vm.sendStateTransfers(next)

	// a join that raced the view change was consumed with the old
	// SST; re-propose it against the new view.
	vm.mu.Lock()
	var pending []*joinInfo
	for key, j := range vm.joiners {
		if next.RankOf(j.ID) >= 0 {
			delete(vm.joiners, key)
		} else {
			pending = append(pending, j)
		}
	}
	vm.mu.Unlock()
	for _, j := range pending {
		vm.handleJoinRequest(j)
	}
}

func viewLeaderRank(v *View) int {
	for r := range v.Members {
		if !v.Failed[r] {
			return r
		}
	}
	return -1
}

// computeNextView applies the committed changes deterministically:
// departures drop members, joins append them in proposal order.
func (vm *ViewManager) computeNextView(s *SST, v *View) (*View, []*joinInfo) {
	lead := vm.leaderRank(s)
	if lead < 0 {
		return nil, nil
	}
	var departing = make(map[NodeID]bool)
	var joining []joinInfo
	s.Read(func(rows []*SSTRow, frozen []bool) {
		lr := rows[lead]
		n := int(lr.NumCommitted - lr.NumInstalled)
		for i := 0; i < n; i++ {
			cp := lr.Changes[i]
			if cp.EndOfView {
				continue
			}
			id := NodeID(cp.ChangeID)
			if v.RankOf(id) >= 0 {
				departing[id] = true
			} else {
				ji := joinInfo{
					ID: id,
					IP: ipFromU32(lr.JoinerIPs[i]),
					Ports: MemberPorts{
						Gms:           lr.JoinerGmsPorts[i],
						StateTransfer: lr.JoinerStateTransferPorts[i],
						Sst:           lr.JoinerSstPorts[i],
						Rdmc:          lr.JoinerRdmcPorts[i],
						External:      lr.JoinerExternalPorts[i],
					},
				}
				ji.Addr = fmt.Sprintf("%v:%v", ji.IP, ji.Ports.Gms)
				joining = append(joining, ji)
			}
		}
	})
	// failed members depart even without an explicit proposal.
	for r, f := range v.Failed {
		if f {
			departing[v.Members[r]] = true
		}
	}

	next := &View{VID: v.VID + 1}
	for r, id := range v.Members {
		if departing[id] {
			next.Departed = append(next.Departed, id)
			continue
		}
		next.Members = append(next.Members, id)
		next.IPs = append(next.IPs, v.IPs[r])
		next.Ports = append(next.Ports, v.Ports[r])
		next.PubKeys = append(next.PubKeys, v.PubKeys[r])
	}
	var joinInfos []*joinInfo
	for i := range joining {
		ji := joining[i]
		if ji.IP == "" {
			continue
		}
		// leader-side extra detail (pubkey) when we saw the join.
		vm.mu.Lock()
		for _, stored := range vm.joiners {
			if stored.ID == ji.ID {
				ji.PubKey = stored.PubKey
			}
		}
		vm.mu.Unlock()
		next.Members = append(next.Members, ji.ID)
		next.IPs = append(next.IPs, ji.IP)
		next.Ports = append(next.Ports, ji.Ports)
		next.PubKeys = append(next.PubKeys, ji.PubKey)
		next.Joined = append(next.Joined, ji.ID)
		joinInfos = append(joinInfos, &joining[i])
	}
	next.Failed = make([]bool, len(next.Members))
	next.MyRank = next.RankOf(vm.me)
	if next.MyRank < 0 {
		// we departed (graceful leave); terminal.
		vm.setState(Dead)
		vm.Halt.ReqStop.Close()
		return nil, nil
	}
	return next, joinInfos
}

func ipFromU32(u uint32) string {
	if u == 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

func ipToU32(ip string) uint32 {
	var a, b, c, d uint32
	n, err := fmt.Sscanf(ip, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return 0
	}
	return a<<24 | b<<16 | c<<8 | d
}

// ---------------------------------------------------------------
// joins, leaves, failures
// ---------------------------------------------------------------

// handleJoinRequest runs on the manager loop at the leader.
func (vm *ViewManager) handleJoinRequest(j *joinInfo) {
	vm.mu.Lock()
	s := vm.sst
	v := vm.curView
	vm.mu.Unlock()
	if s == nil || v == nil {
		return
	}
	if vm.leaderRank(s) != s.MyRank() {
		pp("gms %v: ignoring join from %v; not the leader", vm.me, j.ID)
		return
	}
	if v.RankOf(j.ID) >= 0 {
		pp("gms %v: join from %v ignored; already a member", vm.me, j.ID)
		return
	}
	vv("gms %v: join request from node %v at %v", vm.me, j.ID, j.Addr)

	appended := false
	s.UpdateMyRow(func(r *SSTRow) {
		n := int(r.NumChanges - r.NumInstalled)
		for i := 0; i < n; i++ {
			if r.Changes[i].ChangeID == uint16(j.ID) && !r.Changes[i].EndOfView {
				return
			}
		}
		if n >= len(r.Changes) {
			return
		}
		r.Changes[n] = ChangeProposal{LeaderID: uint16(vm.me), ChangeID: uint16(j.ID)}
		r.JoinerIPs[n] = ipToU32(j.IP)
		r.JoinerGmsPorts[n] = j.Ports.Gms
		r.JoinerStateTransferPorts[n] = j.Ports.StateTransfer
		r.JoinerSstPorts[n] = j.Ports.Sst
		r.JoinerRdmcPorts[n] = j.Ports.Rdmc
		r.JoinerExternalPorts[n] = j.Ports.External
		r.NumChanges++
		if r.NumAcked < r.NumChanges {
			r.NumAcked = r.NumChanges
		}
		appended = true
	})
	if appended {
		vm.mu.Lock()
		vm.joiners[uint16(j.ID)] = j
		vm.mu.Unlock()
		s.PushRowExceptSlots()
		vm.wedgeEngine()
	}
}

// handleViewBroadcast runs on a joiner (or restarting node): the
// leader handed us our first view.
func (vm *ViewManager) handleViewBroadcast(vb *viewBroadcast) {
	v, err := DecodeView(vb.View, vm.cfg, vm.me)
	if err != nil || v == nil {
		alwaysPrintf("gms %v: bad view broadcast: %v", vm.me, err)
		return
	}
	if v.RankOf(vm.me) < 0 {
		return
	}
	vm.mu.Lock()
	cur := vm.curView
	vm.mu.Unlock()
	if cur != nil && v.VID <= cur.VID {
		return
	}
	var carry *engineCarryover
	if len(vb.NextVersion) > 0 {
		carry = &engineCarryover{
			NextVersion:  make(map[SubgroupID]Version),
			MinPersisted: make(map[SubgroupID]Version),
			MinVerified:  make(map[SubgroupID]Version),
		}
		for s, nv := range vb.NextVersion {
			carry.NextVersion[SubgroupID(s)] = nv
			carry.MinPersisted[SubgroupID(s)] = InvalidVersion
			carry.MinVerified[SubgroupID(s)] = InvalidVersion
		}
	}
	if err := vm.installView(v, carry); err != nil {
		alwaysPrintf("gms %v: could not install broadcast view: %v", vm.me, err)
	}
}

func (vm *ViewManager) proposeDeparture(id NodeID) {
	vm.mu.Lock()
	s := vm.sst
	v := vm.curView
	vm.mu.Unlock()
	if s == nil || v == nil {
		return
	}
	if vm.leaderRank(s) != s.MyRank() {
		return
	}
	vm.proposeChangeLocked(s, v, uint16(id))
	vm.wedgeEngine()
}

// ReportFailure injects a suspicion of the given member, as if the
// failure detector had seen it.
func (vm *ViewManager) ReportFailure(id NodeID) error {
	vm.mu.Lock()
	s := vm.sst
	v := vm.curView
	vm.mu.Unlock()
	if s == nil || v == nil {
		return ErrShutDown
	}
	rank := v.RankOf(id)
	if rank < 0 {
		return fmt.Errorf("derecho: node %v is not a member", id)
	}
	s.UpdateMyRow(func(r *SSTRow) {
		r.Suspected[rank] = true
	})
	s.PushRowExceptSlots()
	s.Kick()
	return nil
}

func (vm *ViewManager) suspectRank(rank int) {
	vm.mu.Lock()
	s := vm.sst
	vm.mu.Unlock()
	if s == nil {
		return
	}
	s.UpdateMyRow(func(r *SSTRow) {
		r.Suspected[rank] = true
	})
	s.PushRowExceptSlots()
	s.Kick()
}

// Leave gracefully exits the group: publish rip, wait for the
// next view to exclude us.
func (vm *ViewManager) Leave() {
	vm.setState(Leaving)
	vm.mu.Lock()
	s := vm.sst
	vm.mu.Unlock()
	if s != nil {
		s.UpdateMyRow(func(r *SSTRow) {
			r.Rip = true
		})
		s.PushRowExceptSlots()
	}
	// give the leader a moment to see it, then halt regardless.
	select {
	case <-vm.Halt.ReqStop.Chan:
	case <-time.After(2 * time.Duration(vm.cfg.HeartbeatMs) * time.Millisecond * 10):
	}
	vm.Shutdown()
}

// Shutdown stops everything without protocol niceties.
func (vm *ViewManager) Shutdown() {
	vm.setState(Dead)
	vm.Halt.ReqStop.Close()
	vm.mu.Lock()
	eng := vm.engine
	s := vm.sst
	vm.engine = nil
	vm.sst = nil
	vm.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	if s != nil {
		s.Stop()
	}
	for _, pl := range vm.plogs {
		pl.Close()
	}
	vm.tr.Close()
}

// failureCheckLoop watches peer heartbeats: a member whose row has
// not arrived within the poll timeout gets suspected.
func (vm *ViewManager) failureCheckLoop() {
	tick := time.NewTicker(time.Duration(vm.cfg.HeartbeatMs) * time.Millisecond)
	defer tick.Stop()
	timeout := time.Duration(vm.cfg.SstPollCqTimeoutMs) * time.Millisecond
	for {
		select {
		case <-tick.C:
		case <-vm.Halt.ReqStop.Chan:
			return
		}
		vm.mu.Lock()
		s := vm.sst
		v := vm.curView
		eng := vm.engine
		vm.mu.Unlock()
		if s == nil || v == nil {
			continue
		}
		if eng == nil {
			// no engine pushing heartbeats; the manager pushes.
			s.PushRowExceptSlots()
		}
		now := time.Now()
		for r := range v.Members {
			if r == s.MyRank() || s.IsFrozen(r) {
				continue
			}
			if now.Sub(s.LastHeard(r)) > timeout {
				vv("gms %v: no heartbeat from rank %v (node %v) in %v; suspecting",
					vm.me, r, v.Members[r], timeout)
				vm.suspectRank(r)
			}
		}
	}
}

// ---------------------------------------------------------------
// barrier sync
// ---------------------------------------------------------------

// BarrierSync blocks until every live member of the current view
// has entered the barrier.
func (vm *ViewManager) BarrierSync() error {
	vm.mu.Lock()
	v := vm.curView
	s := vm.sst
	vm.mu.Unlock()
	if v == nil || s == nil {
		return ErrShutDown
	}
	vm.barrierMu.Lock()
	if vm.barrierRelease == nil {
		vm.barrierRelease = loquet.NewChan[int64](nil)
	}
	rel := vm.barrierRelease
	gen := vm.barrierGen
	vm.barrierMu.Unlock()

	lead := vm.leaderRank(s)
	if lead < 0 {
		return ErrInadequateView
	}
	frame := marshal.WriteInt32(nil, ctrlBarrier)
	frame = marshal.WriteInt(frame, uint64(gen))
	if lead == s.MyRank() {
		vm.handleBarrier(vm.me, frame[4:])
	} else {
		if err := vm.tr.SendControl(v.Members[lead], frame); err != nil {
			return err
		}
	}
	select {
	case <-rel.WhenClosed():
		return nil
	case <-vm.Halt.ReqStop.Chan:
		return ErrShutDown
	}
}

func (vm *ViewManager) handleBarrier(src NodeID, body []byte) {
	vm.mu.Lock()
	v := vm.curView
	vm.mu.Unlock()
	if v == nil {
		return
	}
	vm.barrierMu.Lock()
	if vm.barrierArrived == nil {
		vm.barrierArrived = make(map[NodeID]bool)
	}
	vm.barrierArrived[src] = true
	need := 0
	for r := range v.Members {
		if !v.Failed[r] {
			need++
		}
	}
	done := len(vm.barrierArrived) >= need
	gen := vm.barrierGen
	vm.barrierMu.Unlock()
	if !done {
		return
	}
	frame := marshal.WriteInt32(nil, ctrlBarrierRelease)
	frame = marshal.WriteInt(frame, uint64(gen))
	for r, id := range v.Members {
		if v.Failed[r] || id == vm.me {
			continue
		}
		vm.tr.SendControl(id, frame)
	}
	vm.handleBarrierRelease(frame[4:])
}

func (vm *ViewManager) handleBarrierRelease(body []byte) {
	vm.barrierMu.Lock()
	rel := vm.barrierRelease
	vm.barrierGen++
	vm.barrierArrived = make(map[NodeID]bool)
	vm.barrierRelease = nil
	vm.barrierMu.Unlock()
	if rel != nil {
		gen := vm.barrierGen
		rel.CloseWith(&gen)
	}
}

package derecho

import (
	"fmt"
	"sort"
	"time"

	"github.com/tchajed/marshal"
)

// Restart after total failure: every node comes back up, reads its
// saved view state, and rendezvouses on the configured restart
// leader. The leader waits for a quorum of the last view (bounded
// by restart_timeout_ms), sets each subgroup's next version to one
// past the highest verified frontier any participant reports, and
// broadcasts a restart view. No state is transferred between
// members during restart.

type restartHello struct {
	ID       NodeID
	IP       string
	Ports    MemberPorts
	PubKey   []byte
	LastVID  int32
	Verified []Version
}

func encodeRestartHello(h *restartHello) []byte {
	bs := marshal.WriteInt32(nil, ctrlRestartHello)
	bs = marshal.WriteInt32(bs, uint32(h.ID))
	bs = encodeString(bs, h.IP)
	bs = encodePorts(bs, h.Ports)
	bs = encodeByteSlice(bs, h.PubKey)
	bs = marshal.WriteInt32(bs, uint32(h.LastVID))
	bs = marshal.WriteInt32(bs, uint32(len(h.Verified)))
	for _, v := range h.Verified {
		bs = marshal.WriteInt(bs, uint64(v))
	}
	return bs
}

func decodeRestartHello(bs []byte) (h restartHello, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derecho: bad restart hello: %v", r)
		}
	}()
	var u uint32
	u, bs = marshal.ReadInt32(bs)
	h.ID = NodeID(u)
	h.IP, bs = decodeString(bs)
	h.Ports, bs = decodePorts(bs)
	h.PubKey, bs = decodeByteSlice(bs)
	u, bs = marshal.ReadInt32(bs)
	h.LastVID = int32(u)
	var n uint32
	n, bs = marshal.ReadInt32(bs)
	for i := uint32(0); i < n; i++ {
		var v uint64
		v, bs = marshal.ReadInt(bs)
		h.Verified = append(h.Verified, Version(v))
	}
	return h, nil
}

// restartLeaderAddrs pairs up restart_leaders with their ports
// (default: the group contact port).
func (vm *ViewManager) restartLeaderAddrs() (addrs []string) {
	for i, ip := range vm.cfg.RestartLeaders {
		port := vm.cfg.ContactPort
		if i < len(vm.cfg.RestartLeaderPorts) {
			port = vm.cfg.RestartLeaderPorts[i]
		}
		addrs = append(addrs, fmt.Sprintf("%v:%v", ip, port))
	}
	return
}

func (vm *ViewManager) iAmRestartLeader(nth int) bool {
	addrs := vm.restartLeaderAddrs()
	if nth >= len(addrs) {
		return false
	}
	return addrs[nth] == fmt.Sprintf("%v:%v", vm.cfg.LocalIP, vm.cfg.GmsPort)
}

func (vm *ViewManager) myRestartHello(lastVID int32, verified []Version) *restartHello {
	return &restartHello{
		ID:       vm.me,
		IP:       vm.cfg.LocalIP,
		Ports:    vm.myPorts(),
		PubKey:   vm.myPubKey(),
		LastVID:  lastVID,
		Verified: verified,
	}
}

// Restart drives recovery from a saved view. prev is the last
// committed view from the log; verified is the per-subgroup
// verified frontier recovered with it.
func (vm *ViewManager) Restart(prev *View, verified []Version) error {
	hello := vm.myRestartHello(prev.VID, verified)

	timeout := time.Duration(vm.cfg.RestartTimeoutMs) * time.Millisecond
	addrs := vm.restartLeaderAddrs()
	if len(addrs) == 0 {
		return cfgErrf("DERECHO/restart_leaders", "restart requires restart_leaders")
	}
	rounds := 1
	if vm.cfg.EnableBackupRestartLeaders {
		rounds = len(addrs)
	}
	for nth := 0; nth < rounds; nth++ {
		if vm.iAmRestartLeader(nth) {
			return vm.leadRestart(prev, hello, timeout)
		}
		if err := vm.followRestart(nth, hello, timeout); err == nil {
			return nil
		} else {
			alwaysPrintf("gms %v: restart via leader %v failed: %v", vm.me, addrs[nth], err)
		}
	}
	return fmt.Errorf("derecho: restart failed; no restart leader reachable")
}

// followRestart contributes our log state to the nth restart
// leader and waits for the restart view.
func (vm *ViewManager) followRestart(nth int, hello *restartHello, timeout time.Duration) error {
	addr := vm.restartLeaderAddrs()[nth]
	contactID := NodeID(vm.cfg.MaxNodeID) + NodeID(nth) + 1
	if err := vm.tr.Connect(contactID, addr); err != nil {
		return err
	}
	if err := vm.tr.SendControl(contactID, encodeRestartHello(hello)); err != nil {
		return err
	}
	select {
	case <-vm.installedLatch.WhenClosed():
		return nil
	case <-time.After(2 * timeout):
		return fmt.Errorf("restart view did not arrive within %v", 2*timeout)
	case <-vm.Halt.ReqStop.Chan:
		return ErrShutDown
	}
}

// leadRestart gathers hellos until a quorum of the previous view
// is present (or the timeout forces the issue), then computes and
// broadcasts the restart view.
func (vm *ViewManager) leadRestart(prev *View, hello *restartHello, timeout time.Duration) error {
	vm.restartMu.Lock()
	if vm.restartHellos == nil {
		vm.restartHellos = make(map[NodeID]*restartHello)
	}
	vm.restartHellos[vm.me] = hello
	vm.restartMu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		vm.restartMu.Lock()
		have := 0
		for _, m := range prev.Members {
			if vm.restartHellos[m] != nil {
				have++
			}
		}
		total := len(vm.restartHellos)
		vm.restartMu.Unlock()
		if 2*have > prev.NumMembers() {
			break
		}
		if time.Now().After(deadline) {
			if vm.cfg.DisablePartitioningSafety && total > 0 {
				break
			}
			return fmt.Errorf("derecho: restart quorum not reached: %v of %v members of view %v",
				have, prev.NumMembers(), prev.VID)
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-vm.Halt.ReqStop.Chan:
			return ErrShutDown
		}
	}

	vm.restartMu.Lock()
	hellos := make([]*restartHello, 0, len(vm.restartHellos))
	for _, h := range vm.restartHellos {
		hellos = append(hellos, h)
	}
	vm.restartMu.Unlock()

	// roster: previous-view members first in old rank order, then
	// any newcomers by id.
	byID := make(map[NodeID]*restartHello, len(hellos))
	for _, h := range hellos {
		byID[h.ID] = h
	}
	var roster []*restartHello
	for _, m := range prev.Members {
		if h := byID[m]; h != nil {
			roster = append(roster, h)
			delete(byID, m)
		}
	}
	var rest []*restartHello
	for _, h := range byID {
		rest = append(rest, h)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	roster = append(roster, rest...)

	next := &View{VID: prev.VID + 1}
	for _, h := range roster {
		next.Members = append(next.Members, h.ID)
		next.IPs = append(next.IPs, h.IP)
		next.Ports = append(next.Ports, h.Ports)
		next.PubKeys = append(next.PubKeys, h.PubKey)
		next.Joined = append(next.Joined, h.ID)
	}
	next.Failed = make([]bool, len(next.Members))
	next.MyRank = next.RankOf(vm.me)

	// the highest verified frontier reported per subgroup decides
	// the version floor; no member is picked as a state source.
	nextVersions := vm.restartVersionFloor(hellos)

	vv("gms %v: restart leader broadcasting view %v with %v members", vm.me, next.VID, len(next.Members))
	vb := &viewBroadcast{View: EncodeView(next), NextVersion: nextVersions}
	frame := marshal.WriteInt32(nil, ctrlRestartView)
	frame = append(frame, encodeViewBroadcast(vb)[4:]...)
	for r, id := range next.Members {
		if id == vm.me {
			continue
		}
		vm.tr.Connect(id, fmt.Sprintf("%v:%v", next.IPs[r], next.Ports[r].Gms))
		if err := vm.tr.SendControl(id, frame); err != nil {
			alwaysPrintf("gms %v: restart view to %v failed: %v", vm.me, id, err)
		}
	}
	carry := &engineCarryover{
		NextVersion:  make(map[SubgroupID]Version),
		MinPersisted: make(map[SubgroupID]Version),
		MinVerified:  make(map[SubgroupID]Version),
	}
	for s, nv := range nextVersions {
		carry.NextVersion[SubgroupID(s)] = nv
		carry.MinPersisted[SubgroupID(s)] = InvalidVersion
		carry.MinVerified[SubgroupID(s)] = InvalidVersion
	}
	return vm.installView(next, carry)
}

// restartVersionFloor picks, per subgroup, one past the highest
// verified version any participant recovered.
func (vm *ViewManager) restartVersionFloor(hellos []*restartHello) []Version {
	n := vm.layout.NumSubgroups()
	floor := make([]Version, n)
	for s := 0; s < n; s++ {
		max := InvalidVersion
		for _, h := range hellos {
			if s < len(h.Verified) && h.Verified[s] > max {
				max = h.Verified[s]
			}
		}
		floor[s] = max + 1
	}
	return floor
}

// handleRestartHello runs on the manager loop of a restart leader.
func (vm *ViewManager) handleRestartHello(src NodeID, body []byte) {
	h, err := decodeRestartHello(body)
	if err != nil {
		alwaysPrintf("gms %v: %v", vm.me, err)
		return
	}
	vm.restartMu.Lock()
	if vm.restartHellos == nil {
		vm.restartHellos = make(map[NodeID]*restartHello)
	}
	vm.restartHellos[h.ID] = &h
	vm.restartMu.Unlock()
	vm.tr.Connect(h.ID, fmt.Sprintf("%v:%v", h.IP, h.Ports.Gms))
	pp("gms %v: restart hello from %v (last vid %v)", vm.me, h.ID, h.LastVID)
}

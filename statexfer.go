package derecho

import (
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tchajed/marshal"
)

// State transfer: after a view with joiners installs, each shard
// leader serializes its replicated state and ships it to the
// shard's joined members, zstd-compressed. A joiner holds off
// normal operation in its subgroups until the blobs land.

var zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var zstdDec, _ = zstd.NewReader(nil)

type stateBlob struct {
	Sub     SubgroupID
	Version Version
	Data    []byte
}

func encodeStateXfer(b *stateBlob) []byte {
	comp := zstdEnc.EncodeAll(b.Data, nil)
	bs := marshal.WriteInt32(nil, ctrlStateXfer)
	bs = marshal.WriteInt32(bs, uint32(b.Sub))
	bs = marshal.WriteInt(bs, uint64(b.Version))
	bs = marshal.WriteInt(bs, uint64(len(b.Data)))
	bs = encodeByteSlice(bs, comp)
	return bs
}

func decodeStateXfer(body []byte) (b stateBlob, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derecho: bad state transfer frame: %v", r)
		}
	}()
	bs := body
	var u32 uint32
	u32, bs = marshal.ReadInt32(bs)
	b.Sub = SubgroupID(u32)
	var u64 uint64
	u64, bs = marshal.ReadInt(bs)
	b.Version = Version(u64)
	var rawLen uint64
	rawLen, bs = marshal.ReadInt(bs)
	var comp []byte
	comp, bs = decodeByteSlice(bs)
	b.Data, err = zstdDec.DecodeAll(comp, make([]byte, 0, rawLen))
	if err != nil {
		return b, err
	}
	if uint64(len(b.Data)) != rawLen {
		return b, fmt.Errorf("derecho: state blob decompressed to %v bytes, want %v", len(b.Data), rawLen)
	}
	return b, nil
}

// sendStateTransfers runs after an install: for every shard the
// local node leads that has joined members, serialize and ship.
func (vm *ViewManager) sendStateTransfers(v *View) {
	if vm.StateProvider == nil {
		return
	}
	for s := range v.Subgroups {
		sub := SubgroupID(s)
		shard := v.MyShard(sub, vm.me)
		if shard < 0 {
			continue
		}
		sv := &v.Subgroups[sub][shard]
		if len(sv.Joined) == 0 {
			continue
		}
		// shard leader: the lowest-ranked member that is not a
		// joiner (joiners have no state to give).
		leader := NodeID(0)
		found := false
		for _, m := range sv.Members {
			isJoiner := false
			for _, j := range sv.Joined {
				if j == m {
					isJoiner = true
				}
			}
			if !isJoiner {
				leader = m
				found = true
				break
			}
		}
		if !found || leader != vm.me {
			continue
		}
		version, blob, err := vm.StateProvider(sub)
		if err != nil {
			alwaysPrintf("gms %v: state provider for subgroup %v failed: %v", vm.me, sub, err)
			continue
		}
		frame := encodeStateXfer(&stateBlob{Sub: sub, Version: version, Data: blob})
		for _, j := range sv.Joined {
			if j == vm.me {
				continue
			}
			if err := vm.tr.SendControl(j, frame); err != nil {
				alwaysPrintf("gms %v: state transfer of subgroup %v to %v failed: %v", vm.me, sub, j, err)
			} else {
				vv("gms %v: sent subgroup %v state (version %v, %v bytes) to joiner %v",
					vm.me, sub, version, len(blob), j)
			}
		}
	}
}

func (vm *ViewManager) handleStateXfer(body []byte) {
	b, err := decodeStateXfer(body)
	if err != nil {
		alwaysPrintf("gms %v: %v", vm.me, err)
		return
	}
	if vm.StateReceiver != nil {
		if err := vm.StateReceiver(b.Sub, b.Version, b.Data); err != nil {
			alwaysPrintf("gms %v: state receiver for subgroup %v failed: %v", vm.me, b.Sub, err)
			return
		}
	}
	vm.xferMu.Lock()
	vm.xferGot[b.Sub] = &b
	waiters := vm.xferWaiters
	vm.xferWaiters = nil
	vm.xferMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// expectedStateTransfers lists the subgroups in which the local
// node is a fresh joiner of some shard.
func (vm *ViewManager) expectedStateTransfers(v *View) (subs []SubgroupID) {
	for s := range v.Subgroups {
		sub := SubgroupID(s)
		shard := v.MyShard(sub, vm.me)
		if shard < 0 {
			continue
		}
		sv := &v.Subgroups[sub][shard]
		for _, j := range sv.Joined {
			if j == vm.me && len(sv.Members) > 1 {
				subs = append(subs, sub)
			}
		}
	}
	return
}

// WaitForStateTransfers blocks a joiner until every expected shard
// state blob has arrived, or the timeout passes.
func (vm *ViewManager) WaitForStateTransfers(v *View, timeout time.Duration) error {
	expected := vm.expectedStateTransfers(v)
	deadline := time.Now().Add(timeout)
	for {
		vm.xferMu.Lock()
		missing := 0
		for _, sub := range expected {
			if vm.xferGot[sub] == nil {
				missing++
			}
		}
		var w chan struct{}
		if missing > 0 {
			w = make(chan struct{})
			vm.xferWaiters = append(vm.xferWaiters, w)
		}
		vm.xferMu.Unlock()
		if missing == 0 {
			return nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("derecho: timed out waiting for %v state transfer(s)", missing)
		}
		select {
		case <-w:
		case <-time.After(wait):
		case <-vm.Halt.ReqStop.Chan:
			return ErrShutDown
		}
	}
}

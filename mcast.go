package derecho

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// CallbackSet bundles the user and internal message-delivery
// callbacks. Ordered deliveries and frontier callbacks run on the
// SST predicate goroutine; unordered bulk deliveries run on the
// goroutine that received the message. None may block; in
// particular they must not call back into Send.
type CallbackSet struct {
	// StabilityCallback fires for each delivered raw message, in
	// the shard's global round-robin order.
	StabilityCallback func(sub SubgroupID, sender NodeID, index int64, data []byte, version Version)

	// CookedHandler fires instead of StabilityCallback for
	// messages sent with cooked=true (RPC-style dispatch above us).
	CookedHandler func(sub SubgroupID, sender NodeID, index int64, data []byte, version Version)

	// PostNextVersion announces the version about to be delivered,
	// just before the delivery callback.
	PostNextVersion func(sub SubgroupID, version Version, timestamp uint64)

	// GlobalPersistence fires when the whole shard has persisted
	// through a version.
	GlobalPersistence func(sub SubgroupID, version Version)

	// GlobalVerified fires when every shard peer's signature has
	// been verified through a version.
	GlobalVerified func(sub SubgroupID, version Version)
}

// SubgroupSettings is the engine's per-subgroup configuration for
// a subgroup the local node belongs to: the local shard's roster
// and the node's place in it.
type SubgroupSettings struct {
	ShardNum   int
	ShardRank  int
	SenderRank int // dense rank among senders; -1 for non-senders
	SubView    *SubView

	// shardRowRanks maps shard rank -> SST row rank.
	shardRowRanks []int
	// senderMembers maps dense sender rank -> node id.
	senderMembers []NodeID
	numSenders    int
	nrOffset      int
}

type pendingMsg struct {
	senderRank int // dense sender rank
	index      int64
	hdr        MessageHeader
	data       []byte // header + payload
}

type pendingSend struct {
	sub  SubgroupID
	idx  int64
	data []byte
}

type persistReq struct {
	sub       SubgroupID
	version   Version
	timestamp uint64
	payload   []byte
}

type subgroupState struct {
	sub      SubgroupID
	settings *SubgroupSettings

	// sender side
	futureIndex      int64 // index of my next send
	smcNextIndex     int64 // dense count of my SMC sends (slot stream)
	myDeliveredIndex int64 // last own index delivered (window release)

	// receive side: locally stable but undelivered messages, by
	// global sequence number.
	received *omap[int64, *pendingMsg]

	// inOrder[k] counts the contiguous in-order prefix of sender
	// k's messages we hold; it is what num_received publishes.
	// SMM and RBM arrivals from one sender can interleave out of
	// index order, so the count only advances over a gap-free run.
	inOrder []int64

	// delivery state
	nextVersion      Version
	deliveredVersion Version
	lastDeliveredTs  uint64

	// frontier aggregates maintained by predicates
	minPersisted Version
	minVerified  Version
	persistCond  *sync.Cond

	// per shard-member verified-through tracking
	verifiedUpTo []Version

	smm *smmShard
	// rbmSend is my sender group; the receive-side groups, one per
	// shard sender (mine included), live in the engine's rbm engine.
	rbmSend *rbmGroup

	digest *DeliveryDigest
}

// engineCarryover preserves the per-subgroup counters across a
// view change so versions and frontiers continue, not restart.
type engineCarryover struct {
	NextVersion  map[SubgroupID]Version
	MinPersisted map[SubgroupID]Version
	MinVerified  map[SubgroupID]Version
}

// MulticastEngine implements ordered multicast within one
// installed view. It composes the SMM and RBM transports with the
// SST's predicates; the view manager wedges and rebuilds it at
// each view change.
type MulticastEngine struct {
	mu         sync.Mutex // the msg-state mutex
	senderCond *sync.Cond

	cfg *Config
	v   *View
	me  NodeID

	sst *SST
	tr  Transport
	rbm *rbmEngine

	subs map[SubgroupID]*subgroupState
	cb   CallbackSet

	signer *Signer
	plogs  map[SubgroupID]*PersistLog

	pendingSends []pendingSend
	sendKick     chan struct{}

	persistCh chan persistReq

	wedged bool

	predHandles []*PredHandle

	Halt *idem.Halter
}

// NewMulticastEngine builds the engine for one view. plogs must
// hold one open log per subgroup the node belongs to. carry is
// nil for a fresh group, else the counters preserved across the
// previous view's teardown.
func NewMulticastEngine(cfg *Config, v *View, sst *SST, tr Transport,
	cb CallbackSet, signer *Signer, plogs map[SubgroupID]*PersistLog,
	carry *engineCarryover) *MulticastEngine {

	e := &MulticastEngine{
		cfg:       cfg,
		v:         v,
		me:        cfg.LocalID,
		sst:       sst,
		tr:        tr,
		rbm:       newRBMEngine(),
		subs:      make(map[SubgroupID]*subgroupState),
		cb:        cb,
		signer:    signer,
		plogs:     plogs,
		sendKick:  make(chan struct{}, 1),
		persistCh: make(chan persistReq, 1024),
		Halt:      idem.NewHalter(),
	}
	e.senderCond = sync.NewCond(&e.mu)

	for s := range v.Subgroups {
		sub := SubgroupID(s)
		shard := v.MyShard(sub, e.me)
		if shard < 0 {
			continue
		}
		sv := &v.Subgroups[sub][shard]
		set := &SubgroupSettings{
			ShardNum:   shard,
			ShardRank:  sv.RankOf(e.me),
			SenderRank: sv.SenderRankOf(e.me),
			SubView:    sv,
			numSenders: sv.NumSenders(),
			nrOffset:   sst.schema.nrOffset[sub],
		}
		for i, id := range sv.Members {
			set.shardRowRanks = append(set.shardRowRanks, v.RankOf(id))
			if sv.IsSender[i] {
				set.senderMembers = append(set.senderMembers, id)
			}
		}
		st := &subgroupState{
			sub:              sub,
			settings:         set,
			myDeliveredIndex: -1,
			received:         newOmap[int64, *pendingMsg](),
			deliveredVersion: InvalidVersion,
			minPersisted:     InvalidVersion,
			minVerified:      InvalidVersion,
			verifiedUpTo:     make([]Version, len(sv.Members)),
			inOrder:          make([]int64, set.numSenders),
			digest:           NewDeliveryDigest(),
		}
		for i := range st.verifiedUpTo {
			st.verifiedUpTo[i] = InvalidVersion
		}
		st.persistCond = sync.NewCond(&e.mu)
		if carry != nil {
			st.nextVersion = carry.NextVersion[sub]
			st.minPersisted = carry.MinPersisted[sub]
			st.minVerified = carry.MinVerified[sub]
		} else if pl := plogs[sub]; pl != nil {
			st.nextVersion = pl.LastVersion() + 1
		}

		st.smm = newSMMShard(sub, sst, sv, v, e.me, e.onSMMReceive)

		// one rbm receive group per shard sender; mine doubles as
		// the send group.
		for k, id := range set.senderMembers {
			senderShardRank := sv.RankOf(id)
			g := newRBMGroup(sub, senderShardRank, sv, set.ShardRank, tr, e.onRBMReceive)
			e.rbm.add(g)
			if k == set.SenderRank {
				st.rbmSend = g
			}
		}
		e.subs[sub] = st
	}
	return e
}

// Carryover snapshots the counters the next view's engine
// continues from. Call after drain, before teardown.
func (e *MulticastEngine) Carryover() *engineCarryover {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &engineCarryover{
		NextVersion:  make(map[SubgroupID]Version),
		MinPersisted: make(map[SubgroupID]Version),
		MinVerified:  make(map[SubgroupID]Version),
	}
	for sub, st := range e.subs {
		c.NextVersion[sub] = st.nextVersion
		c.MinPersisted[sub] = st.minPersisted
		c.MinVerified[sub] = st.minVerified
	}
	return c
}

// Start registers the predicates and launches the sender,
// persistence, and timeout goroutines.
func (e *MulticastEngine) Start() {
	e.registerPredicates()
	go e.sendLoop()
	go e.persistLoop()
	go e.timeoutLoop()
}

// Stop is a cooperative shutdown of the engine's goroutines. The
// SST itself belongs to the view manager and stays up.
func (e *MulticastEngine) Stop() {
	e.Halt.ReqStop.Close()
	e.mu.Lock()
	e.senderCond.Broadcast()
	for _, st := range e.subs {
		st.persistCond.Broadcast()
	}
	e.mu.Unlock()
	for _, h := range e.predHandles {
		e.sst.RemovePredicate(h)
	}
	e.rbm.clear()
}

// Member reports whether the local node belongs to the subgroup.
func (e *MulticastEngine) Member(sub SubgroupID) bool {
	_, ok := e.subs[sub]
	return ok
}

// HandleBlockFrame is the transport's inbound RBM path.
func (e *MulticastEngine) HandleBlockFrame(frame []byte) {
	e.rbm.handleFrame(frame)
}

// ---------------------------------------------------------------
// send path
// ---------------------------------------------------------------

// Send reserves the next send slot in the subgroup, calls writer
// with a payload buffer of payloadSize bytes to fill, and
// transmits. Small payloads ride the SMM slots; large ones stream
// through RBM. Blocks while the send window is full, up to the
// sender timeout. cooked marks the message for the cooked handler
// at every receiver.
func (e *MulticastEngine) Send(sub SubgroupID, payloadSize uint64, writer func(buf []byte), cooked bool) error {
	st, ok := e.subs[sub]
	if !ok {
		return ErrInvalidSubgroup
	}
	set := st.settings
	if set.SenderRank < 0 {
		return ErrNotSender
	}
	prof := &set.SubView.Profile
	if payloadSize > prof.MaxPayloadSize {
		return ErrPayloadTooBig
	}

	e.mu.Lock()
	if e.wedged {
		e.mu.Unlock()
		return ErrWedged
	}
	deadline := time.Now().Add(time.Duration(e.cfg.SenderTimeoutMs) * time.Millisecond)
	waker := false
	for st.futureIndex-st.myDeliveredIndex > int64(prof.WindowSize) {
		if e.wedged {
			e.mu.Unlock()
			return ErrWedged
		}
		if e.Halt.ReqStop.IsClosed() {
			e.mu.Unlock()
			return ErrShutDown
		}
		if time.Now().After(deadline) {
			e.mu.Unlock()
			return ErrWindowFull
		}
		if !waker {
			// one background waker per blocked send keeps the
			// deadline honored without spinning.
			waker = true
			go func() {
				tick := time.NewTicker(10 * time.Millisecond)
				defer tick.Stop()
				for {
					select {
					case <-tick.C:
						e.senderCond.Broadcast()
						e.mu.Lock()
						free := e.wedged ||
							st.futureIndex-st.myDeliveredIndex <= int64(prof.WindowSize)
						e.mu.Unlock()
						if free {
							return
						}
					case <-e.Halt.ReqStop.Chan:
						return
					}
				}
			}()
		}
		e.senderCond.Wait()
	}
	idx := st.futureIndex
	st.futureIndex++

	buf := make([]byte, HeaderSize+payloadSize)
	hdr := newHeader(int32(idx), uint64(time.Now().UnixNano()), 0, cooked)
	EncodeHeader(buf, &hdr)
	if writer != nil {
		writer(buf[HeaderSize:])
	}

	// the slot stream is indexed densely by SMC send count; the
	// message's true index rides inside the header.
	useSMM := payloadSize <= prof.MaxSMCPayloadSize && st.smm.canSend(int32(st.smcNextIndex))
	if useSMM {
		// the engine lock stays held so that concurrent senders
		// cannot write slots out of order.
		st.smm.send(int32(st.smcNextIndex), buf)
		st.smcNextIndex++
		e.mu.Unlock()
		// the receiver predicate (which scans our own row too)
		// counts the message and buffers it for delivery.
		e.sst.Push()
		return nil
	}
	e.mu.Unlock()

	// RBM: self-deliver and count now; the sender goroutine
	// streams the blocks out.
	e.ingest(st, set.SenderRank, buf)
	e.mu.Lock()
	e.pendingSends = append(e.pendingSends, pendingSend{sub: sub, idx: idx, data: buf})
	e.mu.Unlock()
	select {
	case e.sendKick <- struct{}{}:
	default:
	}
	return nil
}

// sendNull reserves numNulls sequence slots with no payload; used
// by the drain to release slots the view change is waiting on.
func (e *MulticastEngine) sendNull(sub SubgroupID, numNulls uint32) {
	st, ok := e.subs[sub]
	if !ok || st.settings.SenderRank < 0 || numNulls == 0 {
		return
	}
	e.mu.Lock()
	idx := st.futureIndex
	st.futureIndex += int64(numNulls)
	e.mu.Unlock()

	buf := make([]byte, HeaderSize)
	hdr := newHeader(int32(idx), uint64(time.Now().UnixNano()), numNulls, false)
	EncodeHeader(buf, &hdr)

	e.mu.Lock()
	smcIdx := st.smcNextIndex
	canSMC := st.smm.canSend(int32(smcIdx))
	if canSMC {
		st.smm.send(int32(smcIdx), buf)
		st.smcNextIndex++
	}
	e.mu.Unlock()
	if canSMC {
		e.sst.Push()
		return
	}
	e.ingest(st, st.settings.SenderRank, buf)
	e.mu.Lock()
	e.pendingSends = append(e.pendingSends, pendingSend{sub: sub, idx: idx, data: buf})
	e.mu.Unlock()
	select {
	case e.sendKick <- struct{}{}:
	default:
	}
}

// NullFillForDrain runs just before the wedge of a view change:
// each sender that lags the shard's fastest sender emits a null
// message reserving the missing slots, so the round-robin drain
// frontier can cover every real message already received.
func (e *MulticastEngine) NullFillForDrain() {
	for sub, st := range e.subs {
		set := st.settings
		if set.SenderRank < 0 || set.SubView.Mode != Ordered {
			continue
		}
		var maxCount int64
		e.sst.Read(func(rows []*SSTRow, frozen []bool) {
			r := rows[e.sst.MyRank()]
			for k := 0; k < set.numSenders; k++ {
				if c := int64(r.NumReceived[set.nrOffset+k]); c > maxCount {
					maxCount = c
				}
			}
		})
		e.mu.Lock()
		lag := maxCount - st.futureIndex
		wedged := e.wedged
		e.mu.Unlock()
		if lag > 0 && !wedged {
			pp("mcast: null-filling %v slots in subgroup %v for the drain", lag, sub)
			e.sendNull(sub, uint32(lag))
		}
	}
}

// sendLoop is the sender thread: it consumes the pending-send
// queue and drives RBM.
func (e *MulticastEngine) sendLoop() {
	for {
		e.mu.Lock()
		var batch []pendingSend
		batch, e.pendingSends = e.pendingSends, nil
		e.mu.Unlock()
		for _, ps := range batch {
			st := e.subs[ps.sub]
			if st == nil || st.rbmSend == nil {
				continue
			}
			if err := st.rbmSend.Send(ps.idx, ps.data); err != nil {
				alwaysPrintf("mcast: rbm send of subgroup %v index %v failed: %v", ps.sub, ps.idx, err)
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-e.sendKick:
		case <-e.Halt.ReqStop.Chan:
			return
		}
	}
}

// ---------------------------------------------------------------
// receive path
// ---------------------------------------------------------------

// onSMMReceive takes slot bytes from the SMM receiver predicate.
// smcIndex is the dense slot-stream position; the message's true
// per-sender index is in the header and ingest reads it there.
func (e *MulticastEngine) onSMMReceive(sub SubgroupID, senderRank int, smcIndex int32, data []byte) {
	st, ok := e.subs[sub]
	if !ok {
		return
	}
	e.ingest(st, senderRank, data)
}

// onRBMReceive takes completed bulk messages in completion order;
// ingest restores per-sender index order.
func (e *MulticastEngine) onRBMReceive(sub SubgroupID, senderID NodeID, index int64, size uint64, buf []byte) {
	st, ok := e.subs[sub]
	if !ok {
		return
	}
	senderRank := -1
	for k, id := range st.settings.senderMembers {
		if id == senderID {
			senderRank = k
		}
	}
	if senderRank < 0 {
		return
	}
	e.ingest(st, senderRank, buf[:size])
}

// ingest buffers one message (or null batch), advances the
// contiguous receipt counter, and publishes the row so peers can
// observe stability. data includes the header; the header's index
// is authoritative.
func (e *MulticastEngine) ingest(st *subgroupState, senderRank int, data []byte) {
	hdr, _, err := DecodeHeader(data)
	if err != nil {
		alwaysPrintf("mcast: dropping message with bad header from sender rank %v: %v", senderRank, err)
		return
	}
	index := int64(hdr.Index)
	n := st.settings.numSenders
	count := int64(1)
	if hdr.IsNull() {
		count = int64(hdr.NumNulls)
	}

	if st.settings.SubView.Mode == Unordered {
		// best effort: hand it up immediately, no versioning.
		if !hdr.IsNull() {
			e.deliverUnordered(st, senderRank, index, data)
		}
		return
	}

	e.mu.Lock()
	for i := int64(0); i < count; i++ {
		m := &pendingMsg{senderRank: senderRank, index: index + i, hdr: hdr}
		if i == 0 && !hdr.IsNull() {
			m.data = data
		}
		st.received.set(seqOf(senderRank, n, index+i), m)
	}
	// only a gap-free prefix counts as received; SMM and RBM
	// arrivals from one sender can interleave out of index order.
	for {
		if _, ok := st.received.get2(seqOf(senderRank, n, st.inOrder[senderRank])); !ok {
			break
		}
		st.inOrder[senderRank]++
	}
	contig := st.inOrder[senderRank]
	e.mu.Unlock()

	off := st.settings.nrOffset + senderRank
	e.sst.UpdateMyRow(func(r *SSTRow) {
		if int64(r.NumReceived[off]) < contig {
			r.NumReceived[off] = int32(contig)
		}
	})
	e.sst.PushRowExceptSlots()
}

func (e *MulticastEngine) deliverUnordered(st *subgroupState, senderRank int, index int64, data []byte) {
	hdr, payload, err := DecodeHeader(data)
	if err != nil {
		return
	}
	sender := st.settings.senderMembers[senderRank]
	e.mu.Lock()
	version := st.nextVersion
	st.nextVersion++
	e.mu.Unlock()
	if e.cb.PostNextVersion != nil {
		e.cb.PostNextVersion(st.sub, version, hdr.Timestamp)
	}
	if hdr.CookedSend == 1 {
		if e.cb.CookedHandler != nil {
			e.cb.CookedHandler(st.sub, sender, index, payload, version)
		}
	} else if e.cb.StabilityCallback != nil {
		e.cb.StabilityCallback(st.sub, sender, index, payload, version)
	}
}

// ---------------------------------------------------------------
// predicates: stability, delivery, persistence and verification
// frontiers
// ---------------------------------------------------------------

func (e *MulticastEngine) registerPredicates() {
	for sub := range e.subs {
		sub := sub
		st := e.subs[sub]
		if st.settings.SubView.Mode == Ordered {
			h1 := e.sst.RegisterPredicate("smm-recv",
				func(*SST) bool { return st.smm.hasAdvanced() },
				func(*SST) { st.smm.poll() },
				Recurrent)
			h2 := e.sst.RegisterPredicate("stability",
				func(*SST) bool { return e.stablePastSeqNum(st) },
				func(*SST) { e.advanceSeqNum(st) },
				Recurrent)
			h3 := e.sst.RegisterPredicate("delivery",
				func(*SST) bool { return e.deliveryPending(st) },
				func(*SST) { e.deliver(st) },
				Recurrent)
			e.predHandles = append(e.predHandles, h1, h2, h3)
		} else {
			h := e.sst.RegisterPredicate("smm-recv",
				func(*SST) bool { return st.smm.hasAdvanced() },
				func(*SST) { st.smm.poll() },
				Recurrent)
			e.predHandles = append(e.predHandles, h)
			continue
		}
		h4 := e.sst.RegisterPredicate("min-persisted",
			func(*SST) bool { return e.minPersistedPast(st) },
			func(*SST) { e.advanceMinPersisted(st) },
			Recurrent)
		e.predHandles = append(e.predHandles, h4)
		if e.signer != nil {
			h5 := e.sst.RegisterPredicate("min-verified",
				func(*SST) bool { return e.minVerifiedPast(st) },
				func(*SST) { e.advanceMinVerified(st) },
				Recurrent)
			e.predHandles = append(e.predHandles, h5)
		}
	}
}

// stableCounts is the column-wise minimum of each sender's receipt
// counter over the live rows of the shard.
func (e *MulticastEngine) stableCounts(st *subgroupState) []int32 {
	set := st.settings
	counts := make([]int32, set.numSenders)
	for k := range counts {
		counts[k] = int32(1<<31 - 1)
	}
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		live := 0
		for _, rr := range set.shardRowRanks {
			if frozen[rr] {
				continue
			}
			live++
			for k := 0; k < set.numSenders; k++ {
				if c := rows[rr].NumReceived[set.nrOffset+k]; c < counts[k] {
					counts[k] = c
				}
			}
		}
		if live == 0 {
			for k := range counts {
				counts[k] = 0
			}
		}
	})
	return counts
}

func (e *MulticastEngine) stablePastSeqNum(st *subgroupState) bool {
	stable := seqUptoCounts(e.stableCounts(st))
	cur := int64(-1)
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		cur = rows[e.sst.MyRank()].SeqNum[st.sub]
	})
	return stable > cur
}

// advanceSeqNum publishes the new stability frontier.
func (e *MulticastEngine) advanceSeqNum(st *subgroupState) {
	stable := seqUptoCounts(e.stableCounts(st))
	changed := false
	e.sst.UpdateMyRow(func(r *SSTRow) {
		if stable > r.SeqNum[st.sub] {
			r.SeqNum[st.sub] = stable
			changed = true
		}
	})
	if changed {
		e.sst.PushRowExceptSlots()
	}
}

func (e *MulticastEngine) deliveryPending(st *subgroupState) bool {
	pend := false
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		r := rows[e.sst.MyRank()]
		pend = r.SeqNum[st.sub] > r.DeliveredNum[st.sub]
	})
	return pend
}

type deliveredEvent struct {
	sub       SubgroupID
	sender    NodeID
	index     int64
	payload   []byte
	version   Version
	timestamp uint64
	cooked    bool
	isNull    bool
}

// deliver walks global sequence numbers from delivered+1 through
// the stability frontier, assigning versions and firing callbacks
// in order. Null slots advance the frontier without callbacks or
// versions.
func (e *MulticastEngine) deliver(st *subgroupState) {
	var from, to int64
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		r := rows[e.sst.MyRank()]
		from = r.DeliveredNum[st.sub] + 1
		to = r.SeqNum[st.sub]
	})
	if to < from {
		return
	}
	events := e.deliverRange(st, from, to, nil)
	e.finishDelivery(st, to, events)
}

// deliverRange collects the delivery events for seq in [from,to],
// consuming the buffered messages. trim, when set, limits per
// dense-sender indexes (exclusive); slots at or past their
// sender's trim are skipped.
func (e *MulticastEngine) deliverRange(st *subgroupState, from, to int64, trim []int64) (events []deliveredEvent) {
	set := st.settings
	n := set.numSenders
	e.mu.Lock()
	for seq := from; seq <= to; seq++ {
		k := senderOfSeq(seq, n)
		idx := indexOfSeq(seq, n)
		if trim != nil && idx >= trim[k] {
			st.received.delkey(seq)
			continue
		}
		m, ok := st.received.get2(seq)
		if !ok {
			// a hole at or below the stability frontier can only
			// be a trimmed/failed sender slot; skip it.
			continue
		}
		st.received.delkey(seq)
		if m.hdr.IsNull() || m.data == nil {
			if k == set.SenderRank && idx > st.myDeliveredIndex {
				st.myDeliveredIndex = idx
			}
			continue
		}
		version := st.nextVersion
		st.nextVersion++
		_, payload, err := DecodeHeader(m.data)
		if err != nil {
			continue
		}
		events = append(events, deliveredEvent{
			sub:       st.sub,
			sender:    set.senderMembers[k],
			index:     idx,
			payload:   payload,
			version:   version,
			timestamp: m.hdr.Timestamp,
			cooked:    m.hdr.CookedSend == 1,
		})
		st.lastDeliveredTs = m.hdr.Timestamp
		st.deliveredVersion = version
		if k == set.SenderRank && idx > st.myDeliveredIndex {
			st.myDeliveredIndex = idx
		}
	}
	e.mu.Unlock()
	e.senderCond.Broadcast()
	return events
}

// finishDelivery fires the callbacks (off the engine lock), hands
// payloads to the persistence thread, and publishes delivered_num.
func (e *MulticastEngine) finishDelivery(st *subgroupState, to int64, events []deliveredEvent) {
	now := time.Now()
	for _, ev := range events {
		if e.cb.PostNextVersion != nil {
			e.cb.PostNextVersion(ev.sub, ev.version, ev.timestamp)
		}
		if ev.cooked {
			if e.cb.CookedHandler != nil {
				e.cb.CookedHandler(ev.sub, ev.sender, ev.index, ev.payload, ev.version)
			}
		} else if e.cb.StabilityCallback != nil {
			e.cb.StabilityCallback(ev.sub, ev.sender, ev.index, ev.payload, ev.version)
		}
		st.digest.Observe(now.Sub(time.Unix(0, int64(ev.timestamp))))
		if e.plogs[st.sub] != nil {
			select {
			case e.persistCh <- persistReq{sub: ev.sub, version: ev.version, timestamp: ev.timestamp, payload: ev.payload}:
			case <-e.Halt.ReqStop.Chan:
				return
			}
		}
	}
	e.sst.UpdateMyRow(func(r *SSTRow) {
		if to > r.DeliveredNum[st.sub] {
			r.DeliveredNum[st.sub] = to
		}
	})
	e.sst.PushRowExceptSlots()
}

// DeliverMessagesUpto force-delivers everything through the given
// per-dense-sender indexes (exclusive upper bounds), discarding
// buffered messages past them; the ragged-trim step of a view
// change. delivered_num lands exactly on the trim frontier.
func (e *MulticastEngine) DeliverMessagesUpto(maxIndices []int64, sub SubgroupID) {
	st, ok := e.subs[sub]
	if !ok {
		return
	}
	n := st.settings.numSenders
	if len(maxIndices) != n {
		panicf("DeliverMessagesUpto: %v trim entries for %v senders", len(maxIndices), n)
	}
	// the frontier seq: walk everything below the ragged edge.
	to := int64(-1)
	for k := 0; k < n; k++ {
		if maxIndices[k] > 0 {
			if s := seqOf(k, n, maxIndices[k]-1); s > to {
				to = s
			}
		}
	}
	var from int64
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		from = rows[e.sst.MyRank()].DeliveredNum[sub] + 1
	})
	var events []deliveredEvent
	if to >= from {
		events = e.deliverRange(st, from, to, maxIndices)
	}
	// anything still buffered is from past the trim; discard.
	e.mu.Lock()
	var drop []int64
	for seq := range st.received.all() {
		drop = append(drop, seq)
	}
	for _, seq := range drop {
		st.received.delkey(seq)
	}
	e.mu.Unlock()
	if to >= from {
		e.finishDelivery(st, to, events)
	}
}

// ---------------------------------------------------------------
// persistence and verification frontiers
// ---------------------------------------------------------------

// persistLoop is the persistence thread: it appends each
// delivered version durably, signs it, and publishes the
// persisted/signed columns. Repeated I/O failure on one version is
// fatal for the local node only.
func (e *MulticastEngine) persistLoop() {
	for {
		select {
		case req := <-e.persistCh:
			e.persistOne(req)
		case <-e.Halt.ReqStop.Chan:
			return
		}
	}
}

func (e *MulticastEngine) persistOne(req persistReq) {
	pl := e.plogs[req.sub]
	if pl == nil {
		return
	}
	var sig []byte
	if e.signer != nil {
		sig = e.signer.Sign(req.sub, req.version, req.timestamp, req.payload)
	}
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = pl.Append(req.version, req.timestamp, req.payload, sig)
		if err == nil {
			break
		}
		alwaysPrintf("mcast: persist of subgroup %v version %v failed (attempt %v): %v", req.sub, req.version, attempt, err)
		select {
		case <-time.After(backoff):
		case <-e.Halt.ReqStop.Chan:
			return
		}
		backoff *= 2
	}
	if err != nil {
		alwaysPrintf("mcast: giving up persisting subgroup %v version %v; shutting down local node: %v", req.sub, req.version, err)
		e.Halt.ReqStop.Close()
		return
	}
	sigLen := e.sst.schema.sigLen
	e.sst.UpdateMyRow(func(r *SSTRow) {
		r.PersistedNum[req.sub] = int64(req.version)
		if len(sig) == sigLen && sigLen > 0 {
			copy(r.Signatures[int(req.sub)*sigLen:], sig)
			r.SignedNum[req.sub] = int64(req.version)
		} else if sigLen == 0 {
			// signing disabled; signed frontier tracks persisted
			// so the invariant chain stays intact.
			r.SignedNum[req.sub] = int64(req.version)
		}
	})
	e.sst.PushRowExceptSlots()
}

func (e *MulticastEngine) shardMin(st *subgroupState, col func(r *SSTRow) int64) int64 {
	min := int64(1<<62 - 1)
	any := false
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		for _, rr := range st.settings.shardRowRanks {
			if frozen[rr] {
				continue
			}
			any = true
			if v := col(rows[rr]); v < min {
				min = v
			}
		}
	})
	if !any {
		return int64(InvalidVersion)
	}
	return min
}

func (e *MulticastEngine) minPersistedPast(st *subgroupState) bool {
	min := e.shardMin(st, func(r *SSTRow) int64 { return r.PersistedNum[st.sub] })
	e.mu.Lock()
	defer e.mu.Unlock()
	return Version(min) > st.minPersisted
}

func (e *MulticastEngine) advanceMinPersisted(st *subgroupState) {
	min := Version(e.shardMin(st, func(r *SSTRow) int64 { return r.PersistedNum[st.sub] }))
	e.mu.Lock()
	if min <= st.minPersisted {
		e.mu.Unlock()
		return
	}
	st.minPersisted = min
	st.persistCond.Broadcast()
	e.mu.Unlock()
	if e.cb.GlobalPersistence != nil {
		e.cb.GlobalPersistence(st.sub, min)
	}
}

// minVerifiedPast fires the verification pass only when some
// surviving shard peer has published a signature past what we have
// verified from it; the verify work then tracks real signature
// progress instead of every row change. verifiedUpTo is only ever
// touched on the predicate goroutine.
func (e *MulticastEngine) minVerifiedPast(st *subgroupState) bool {
	past := false
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		for shardRank, rr := range st.settings.shardRowRanks {
			if frozen[rr] {
				continue
			}
			if Version(rows[rr].SignedNum[st.sub]) > st.verifiedUpTo[shardRank] {
				past = true
				return
			}
		}
	})
	return past
}

// advanceMinVerified checks each shard peer's newest signature
// against our own log's digest for that version, then publishes
// the minimum verified-through version. Non-members' signature
// columns are valid-zero and never consulted.
func (e *MulticastEngine) advanceMinVerified(st *subgroupState) {
	pl := e.plogs[st.sub]
	if pl == nil || e.signer == nil {
		return
	}
	set := st.settings
	sigLen := e.sst.schema.sigLen
	type peerSig struct {
		shardRank int
		signed    Version
		sig       []byte
	}
	var sigs []peerSig
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		for shardRank, rr := range set.shardRowRanks {
			if frozen[rr] {
				continue
			}
			sv := Version(rows[rr].SignedNum[st.sub])
			if sv > st.verifiedUpTo[shardRank] {
				sig := append([]byte{}, rows[rr].Signatures[int(st.sub)*sigLen:(int(st.sub)+1)*sigLen]...)
				sigs = append(sigs, peerSig{shardRank, sv, sig})
			}
		}
	})
	for _, ps := range sigs {
		entry, ok := pl.Entry(ps.signed)
		if !ok {
			continue // we have not persisted that far yet
		}
		viewRank := set.shardRowRanks[ps.shardRank]
		pub := e.v.PubKeys[viewRank]
		if err := Verify(pub, entry.Digest, ps.sig); err != nil {
			alwaysPrintf("mcast: signature from shard rank %v on subgroup %v version %v failed: %v", ps.shardRank, st.sub, ps.signed, err)
			continue
		}
		st.verifiedUpTo[ps.shardRank] = ps.signed
	}
	min := Version(1<<62 - 1)
	for _, v := range st.verifiedUpTo {
		if v < min {
			min = v
		}
	}
	e.mu.Lock()
	if min <= st.minVerified || min == Version(1<<62-1) {
		e.mu.Unlock()
		return
	}
	st.minVerified = min
	e.mu.Unlock()
	e.sst.UpdateMyRow(func(r *SSTRow) {
		r.VerifiedNum[st.sub] = int64(min)
	})
	e.sst.PushRowExceptSlots()
	if e.cb.GlobalVerified != nil {
		e.cb.GlobalVerified(st.sub, min)
	}
}

// ---------------------------------------------------------------
// frontier queries
// ---------------------------------------------------------------

// ComputeGlobalStabilityFrontier is the minimum across live shard
// peers of their published local stability frontier, nanoseconds.
func (e *MulticastEngine) ComputeGlobalStabilityFrontier(sub SubgroupID) (uint64, error) {
	st, ok := e.subs[sub]
	if !ok {
		return 0, ErrInvalidSubgroup
	}
	min := uint64(1<<64 - 1)
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		for _, rr := range st.settings.shardRowRanks {
			if frozen[rr] {
				continue
			}
			if f := rows[rr].LocalStabilityFrontier[sub]; f < min {
				min = f
			}
		}
	})
	return min, nil
}

// GetGlobalPersistenceFrontier is the newest version persisted by
// every live shard member.
func (e *MulticastEngine) GetGlobalPersistenceFrontier(sub SubgroupID) (Version, error) {
	st, ok := e.subs[sub]
	if !ok {
		return InvalidVersion, ErrInvalidSubgroup
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.minPersisted, nil
}

// WaitForGlobalPersistenceFrontier blocks until the shard's
// persistence frontier reaches version. Returns false immediately
// when version is beyond the latest delivered version.
func (e *MulticastEngine) WaitForGlobalPersistenceFrontier(sub SubgroupID, version Version) (bool, error) {
	st, ok := e.subs[sub]
	if !ok {
		return false, ErrInvalidSubgroup
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if version > st.deliveredVersion {
		return false, nil
	}
	for st.minPersisted < version {
		if e.Halt.ReqStop.IsClosed() {
			return false, ErrShutDown
		}
		st.persistCond.Wait()
	}
	return true, nil
}

// GetGlobalVerifiedFrontier is the newest version whose signatures
// from every live shard member have been verified locally.
func (e *MulticastEngine) GetGlobalVerifiedFrontier(sub SubgroupID) (Version, error) {
	st, ok := e.subs[sub]
	if !ok {
		return InvalidVersion, ErrInvalidSubgroup
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.minVerified, nil
}

// Digest exposes the subgroup's delivery latency digest.
func (e *MulticastEngine) Digest(sub SubgroupID) *DeliveryDigest {
	if st, ok := e.subs[sub]; ok {
		return st.digest
	}
	return nil
}

// DeliveredNum reports the local delivered frontier (global
// sequence) for the subgroup.
func (e *MulticastEngine) DeliveredNum(sub SubgroupID) int64 {
	var d int64 = -1
	e.sst.Read(func(rows []*SSTRow, frozen []bool) {
		d = rows[e.sst.MyRank()].DeliveredNum[sub]
	})
	return d
}

// ---------------------------------------------------------------
// wedge and the timeout thread
// ---------------------------------------------------------------

// Wedge ceases all further sends and publishes final receipts.
// Idempotent.
func (e *MulticastEngine) Wedge() {
	e.mu.Lock()
	if e.wedged {
		e.mu.Unlock()
		return
	}
	e.wedged = true
	e.senderCond.Broadcast()
	e.mu.Unlock()

	e.sst.UpdateMyRow(func(r *SSTRow) {
		r.Wedged = true
	})
	e.sst.PushRowExceptSlots()
}

// Wedged reports whether Wedge has been called.
func (e *MulticastEngine) Wedged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wedged
}

// timeoutLoop is the timeout thread: every heartbeat it publishes
// the local stability frontier (the earliest pending message's
// timestamp, or the current time when idle).
func (e *MulticastEngine) timeoutLoop() {
	tick := time.NewTicker(time.Duration(e.cfg.HeartbeatMs) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			e.publishFrontiers()
		case <-e.Halt.ReqStop.Chan:
			return
		}
	}
}

func (e *MulticastEngine) publishFrontiers() {
	now := uint64(time.Now().UnixNano())
	fronts := make(map[SubgroupID]uint64, len(e.subs))
	e.mu.Lock()
	for sub, st := range e.subs {
		f := now
		for _, m := range st.received.all() {
			if m.data != nil && m.hdr.Timestamp < f {
				f = m.hdr.Timestamp
			}
		}
		fronts[sub] = f
	}
	e.mu.Unlock()
	e.sst.UpdateMyRow(func(r *SSTRow) {
		for sub, f := range fronts {
			if f > r.LocalStabilityFrontier[sub] {
				r.LocalStabilityFrontier[sub] = f
			}
		}
	})
	e.sst.PushRowExceptSlots()
}

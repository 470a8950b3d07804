package derecho

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	rpc "github.com/glycerine/rpc25519"
	"github.com/tchajed/marshal"
)

// The engine and GMS move three kinds of traffic between nodes:
// SST row pushes, RBM blocks, and GMS control frames (joins, view
// broadcasts, state transfer, restart rendezvous, barrier sync).
// Transport is the byte mover for all three; per-destination
// ordering is required for rows and blocks and both
// implementations provide it (TCP circuits; FIFO loopback
// mailboxes).

const (
	fragOpRowPush = 1100 + iota
	fragOpBlock
	fragOpControl
)

// peerServiceName is what every derecho node registers with the
// rpc25519 peer/circuit layer.
const peerServiceName = "derecho-member"

// TransportHandlers receive inbound traffic. Installed once by
// SetHandlers; a nil handler drops the traffic.
type TransportHandlers struct {
	OnRow     func(src NodeID, frame []byte)
	OnBlock   func(src NodeID, frame []byte)
	OnControl func(src NodeID, frame []byte)
}

// Transport is one node's connection to its peers.
type Transport interface {
	// Self reports the local node id.
	Self() NodeID

	// SetHandlers installs the inbound dispatch functions.
	SetHandlers(h *TransportHandlers)

	SendRow(dest NodeID, frame []byte) error
	SendBlock(dest NodeID, frame []byte) error
	SendControl(dest NodeID, frame []byte) error

	// Connect primes a path to a peer at addr ("ip:port"); later
	// sends to that id use it. Idempotent.
	Connect(dest NodeID, addr string) error

	Close()
}

// ---------------------------------------------------------------
// loopback: in-process network for tests and single-machine demos.
// ---------------------------------------------------------------

// LoopbackNetwork connects LoopbackTransports by NodeID. Delivery
// is FIFO per sender/destination pair (one mailbox per
// destination, fed in send order).
type LoopbackNetwork struct {
	mu      sync.Mutex
	nodes   map[NodeID]*LoopbackTransport
	aliases map[NodeID]NodeID
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		nodes:   make(map[NodeID]*LoopbackTransport),
		aliases: make(map[NodeID]NodeID),
	}
}

// Alias routes sends addressed to alias (e.g. the reserved
// contact-by-address id a joiner uses) to the real endpoint.
func (n *LoopbackNetwork) Alias(alias, real NodeID) {
	n.mu.Lock()
	n.aliases[alias] = real
	n.mu.Unlock()
}

type loopMsg struct {
	src  NodeID
	kind int
	data []byte
}

// LoopbackTransport is one endpoint of a LoopbackNetwork. Its
// mailbox is unbounded so that a handler that itself sends can
// never deadlock the mesh.
type LoopbackTransport struct {
	id  NodeID
	net *LoopbackNetwork

	mu       sync.Mutex
	queue    []loopMsg
	wake     chan struct{}
	handlers *TransportHandlers

	// partitioned simulates a network failure toward given peers.
	partitioned map[NodeID]bool

	halt *idem.Halter
}

// Endpoint creates (or returns) the transport for id.
func (n *LoopbackNetwork) Endpoint(id NodeID) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[id]; ok {
		return t
	}
	t := &LoopbackTransport{
		id:          id,
		net:         n,
		wake:        make(chan struct{}, 1),
		partitioned: make(map[NodeID]bool),
		halt:        idem.NewHalter(),
	}
	n.nodes[id] = t
	go t.pump()
	return t
}

// Partition cuts (or heals) this endpoint's sends toward dest.
func (t *LoopbackTransport) Partition(dest NodeID, cut bool) {
	t.mu.Lock()
	t.partitioned[dest] = cut
	t.mu.Unlock()
}

func (t *LoopbackTransport) Self() NodeID { return t.id }

func (t *LoopbackTransport) SetHandlers(h *TransportHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *LoopbackTransport) Connect(dest NodeID, addr string) error { return nil }

func (t *LoopbackTransport) send(dest NodeID, kind int, frame []byte) error {
	if t.halt.ReqStop.IsClosed() {
		return ErrShutDown
	}
	t.mu.Lock()
	cut := t.partitioned[dest]
	t.mu.Unlock()
	if cut {
		return fmt.Errorf("derecho loopback: partitioned from node %v", dest)
	}
	t.net.mu.Lock()
	if real, ok := t.net.aliases[dest]; ok {
		dest = real
	}
	peer, ok := t.net.nodes[dest]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("derecho loopback: no endpoint for node %v", dest)
	}
	if peer.halt.ReqStop.IsClosed() {
		return fmt.Errorf("derecho loopback: node %v is down", dest)
	}
	cp := append([]byte{}, frame...)
	peer.mu.Lock()
	peer.queue = append(peer.queue, loopMsg{src: t.id, kind: kind, data: cp})
	peer.mu.Unlock()
	select {
	case peer.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *LoopbackTransport) SendRow(dest NodeID, frame []byte) error {
	return t.send(dest, fragOpRowPush, frame)
}
func (t *LoopbackTransport) SendBlock(dest NodeID, frame []byte) error {
	return t.send(dest, fragOpBlock, frame)
}
func (t *LoopbackTransport) SendControl(dest NodeID, frame []byte) error {
	return t.send(dest, fragOpControl, frame)
}

func (t *LoopbackTransport) pump() {
	defer t.halt.Done.Close()
	for {
		t.mu.Lock()
		var batch []loopMsg
		batch, t.queue = t.queue, nil
		h := t.handlers
		t.mu.Unlock()
		for _, m := range batch {
			t.dispatch(h, m)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-t.wake:
		case <-t.halt.ReqStop.Chan:
			return
		}
	}
}

func (t *LoopbackTransport) dispatch(h *TransportHandlers, m loopMsg) {
	if h == nil {
		return
	}
	switch m.kind {
	case fragOpRowPush:
		if h.OnRow != nil {
			h.OnRow(m.src, m.data)
		}
	case fragOpBlock:
		if h.OnBlock != nil {
			h.OnBlock(m.src, m.data)
		}
	case fragOpControl:
		if h.OnControl != nil {
			h.OnControl(m.src, m.data)
		}
	}
}

func (t *LoopbackTransport) Close() {
	t.halt.ReqStop.Close()
}

// ---------------------------------------------------------------
// rpc25519 peer transport
// ---------------------------------------------------------------

// PeerTransport runs one rpc25519 server per node and keeps one
// circuit per remote member; rows, blocks and control frames ride
// as fragments distinguished by FragOp. Circuits are TCP-backed,
// so per-destination FIFO holds.
type PeerTransport struct {
	cfg  *Config
	self NodeID

	srv    *rpc.Server
	myPeer *rpc.LocalPeer

	mu       sync.Mutex
	ckts     map[NodeID]*rpc.Circuit
	addrs    map[NodeID]string
	handlers *TransportHandlers

	started chan struct{}

	Halt *idem.Halter
}

// NewPeerTransport starts the rpc25519 host for this node,
// listening on the node's gms port (the rpc25519 host multiplexes
// every circuit over that listener).
func NewPeerTransport(cfg *Config) (*PeerTransport, error) {
	t := &PeerTransport{
		cfg:     cfg,
		self:    cfg.LocalID,
		ckts:    make(map[NodeID]*rpc.Circuit),
		addrs:   make(map[NodeID]string),
		started: make(chan struct{}),
		Halt:    idem.NewHalter(),
	}
	rpcCfg := cfg.RpcCfg
	if rpcCfg == nil {
		rpcCfg = rpc.NewConfig()
		rpcCfg.TCPonly_no_TLS = true
		cfg.RpcCfg = rpcCfg
	}
	rpcCfg.ServerAddr = fmt.Sprintf("%v:%v", cfg.LocalIP, cfg.GmsPort)

	t.srv = rpc.NewServer(fmt.Sprintf("derecho-node-%v", cfg.LocalID), rpcCfg)
	serverAddr, err := t.srv.Start()
	if err != nil {
		return nil, err
	}
	pp("peer transport: node %v serving on %v", cfg.LocalID, serverAddr)

	err = t.srv.PeerAPI.RegisterPeerServiceFunc(peerServiceName, t.peerLoop)
	if err != nil {
		return nil, err
	}
	_, err = t.srv.PeerAPI.StartLocalPeer(context.Background(),
		peerServiceName, nil, fmt.Sprintf("node-%v", cfg.LocalID))
	if err != nil {
		return nil, err
	}
	select {
	case <-t.started:
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("derecho: peer service did not start")
	}
	return t, nil
}

// peerLoop is the PeerServiceFunc: the single event loop that owns
// all inbound circuits, in the manner of a tube replica's Start.
func (t *PeerTransport) peerLoop(myPeer *rpc.LocalPeer, ctx0 context.Context, newCircuitCh <-chan *rpc.Circuit) (err0 error) {
	t.mu.Lock()
	t.myPeer = myPeer
	t.mu.Unlock()
	close(t.started)

	defer myPeer.Close()

	handleCkt := func(ckt *rpc.Circuit) {
		go func() {
			defer ckt.Close(nil)
			for {
				select {
				case frag := <-ckt.Reads:
					t.dispatchFrag(frag)
				case fragerr := <-ckt.Errors:
					if fragerr != nil {
						pp("peer transport: circuit error from %v: %v", ckt.RemotePeerName, fragerr.Err)
					}
					return
				case <-ckt.Context.Done():
					return
				case <-t.Halt.ReqStop.Chan:
					return
				case <-ctx0.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case ckt := <-newCircuitCh:
			pp("peer transport: new circuit from %v", ckt.RemotePeerName)
			handleCkt(ckt)
		case <-t.Halt.ReqStop.Chan:
			return rpc.ErrHaltRequested
		case <-ctx0.Done():
			return rpc.ErrContextCancelled
		}
	}
}

func (t *PeerTransport) dispatchFrag(frag *rpc.Fragment) {
	t.mu.Lock()
	h := t.handlers
	t.mu.Unlock()
	if h == nil || frag == nil {
		return
	}
	srcStr, ok := frag.GetUserArg("nodeID")
	if !ok {
		return
	}
	var src NodeID
	fmt.Sscanf(srcStr, "%d", (*uint32)(&src))
	switch frag.FragOp {
	case fragOpRowPush:
		if h.OnRow != nil {
			h.OnRow(src, frag.Payload)
		}
	case fragOpBlock:
		if h.OnBlock != nil {
			h.OnBlock(src, frag.Payload)
		}
	case fragOpControl:
		if h.OnControl != nil {
			h.OnControl(src, frag.Payload)
		}
	}
}

func (t *PeerTransport) Self() NodeID { return t.self }

func (t *PeerTransport) SetHandlers(h *TransportHandlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// Connect records the peer address and dials its peer service.
func (t *PeerTransport) Connect(dest NodeID, addr string) error {
	t.mu.Lock()
	t.addrs[dest] = addr
	_, have := t.ckts[dest]
	t.mu.Unlock()
	if have {
		return nil
	}
	_, err := t.getCircuit(dest)
	return err
}

func (t *PeerTransport) getCircuit(dest NodeID) (*rpc.Circuit, error) {
	t.mu.Lock()
	ckt, ok := t.ckts[dest]
	addr := t.addrs[dest]
	myPeer := t.myPeer
	t.mu.Unlock()
	if ok && !ckt.IsClosed() {
		return ckt, nil
	}
	if addr == "" {
		return nil, fmt.Errorf("derecho: no address known for node %v", dest)
	}
	remotePeerURL, _, err := t.srv.PeerAPI.StartRemotePeer(
		context.Background(), peerServiceName, addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("derecho: cannot reach node %v at %v: %w", dest, addr, err)
	}
	ckt, _, err = myPeer.NewCircuitToPeerURL("derecho-ckt", remotePeerURL, nil, 0)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.ckts[dest] = ckt
	t.mu.Unlock()
	return ckt, nil
}

func (t *PeerTransport) sendFrag(dest NodeID, op int, frame []byte) error {
	if t.Halt.ReqStop.IsClosed() {
		return ErrShutDown
	}
	ckt, err := t.getCircuit(dest)
	if err != nil {
		return err
	}
	frag := t.myPeer.NewFragment()
	frag.FragOp = op
	frag.Payload = frame
	frag.SetUserArg("nodeID", fmt.Sprintf("%d", t.self))
	err = ckt.SendOneWay(frag, -1, 0)
	if err != nil {
		// a dead circuit gets dropped; the caller's push failure
		// path freezes the row and escalates.
		t.mu.Lock()
		delete(t.ckts, dest)
		t.mu.Unlock()
	}
	return err
}

func (t *PeerTransport) SendRow(dest NodeID, frame []byte) error {
	return t.sendFrag(dest, fragOpRowPush, frame)
}
func (t *PeerTransport) SendBlock(dest NodeID, frame []byte) error {
	return t.sendFrag(dest, fragOpBlock, frame)
}
func (t *PeerTransport) SendControl(dest NodeID, frame []byte) error {
	return t.sendFrag(dest, fragOpControl, frame)
}

func (t *PeerTransport) Close() {
	t.Halt.ReqStop.Close()
	t.mu.Lock()
	for _, ckt := range t.ckts {
		ckt.Close(nil)
	}
	t.ckts = make(map[NodeID]*rpc.Circuit)
	t.mu.Unlock()
	if t.srv != nil {
		t.srv.Close()
	}
}

// ---------------------------------------------------------------
// row frame: (vid, src NodeID, encoded row); the adapter between
// the SST's rank-oriented pushes and the id-oriented transport.
// ---------------------------------------------------------------

type rowTransportAdapter struct {
	tr  Transport
	vid int32
}

func (a *rowTransportAdapter) PushRow(destRank int, dest NodeID, srcRank int, encoded []byte) error {
	frame := marshal.WriteInt32(nil, uint32(a.vid))
	frame = marshal.WriteInt32(frame, uint32(a.tr.Self()))
	frame = marshal.WriteBytes(frame, encoded)
	return a.tr.SendRow(dest, frame)
}

func (a *rowTransportAdapter) Close() {}

func decodeRowFrame(frame []byte) (vid int32, src NodeID, encoded []byte) {
	var u uint32
	bs := frame
	u, bs = marshal.ReadInt32(bs)
	vid = int32(u)
	u, bs = marshal.ReadInt32(bs)
	src = NodeID(u)
	return vid, src, bs
}

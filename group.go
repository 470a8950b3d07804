package derecho

import (
	"fmt"
	"sync"
	"time"
)

// ReplicatedObject is one subgroup's replicated state machine.
// Implementations receive every cooked (ordered_send) update in
// the shard's total order, and serialize/restore whole state for
// transfer to joiners.
type ReplicatedObject interface {
	// OrderedUpdate applies one delivered cooked message.
	OrderedUpdate(version Version, timestamp uint64, sender NodeID, data []byte)

	// Serialize snapshots the full state for a joiner.
	Serialize() ([]byte, error)

	// ApplyState installs a snapshot received from the shard
	// leader, replacing local state.
	ApplyState(version Version, blob []byte) error
}

// Factory builds a fresh (empty) replicated object.
type Factory func() ReplicatedObject

// TypeRegistry maps the layout's type aliases to factories. Type
// tags are assigned densely at registration; the API surface works
// in (tag, subgroup index) pairs rather than compile-time types.
type TypeRegistry struct {
	mu        sync.Mutex
	byAlias   map[string]Factory
	aliasTags map[string]uint32
	order     []string
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byAlias:   make(map[string]Factory),
		aliasTags: make(map[string]uint32),
	}
}

// Register binds a layout type_alias to a factory and returns its
// type tag.
func (tr *TypeRegistry) Register(alias string, f Factory) uint32 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tag, ok := tr.aliasTags[alias]; ok {
		tr.byAlias[alias] = f
		return tag
	}
	tag := uint32(len(tr.order))
	tr.order = append(tr.order, alias)
	tr.aliasTags[alias] = tag
	tr.byAlias[alias] = f
	return tag
}

func (tr *TypeRegistry) factory(alias string) Factory {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.byAlias[alias]
}

// Group is a member's handle on the whole system: configuration,
// view manager, engine, and the replicated object table.
type Group struct {
	cfg    *Config
	layout *Layout
	tr     Transport
	signer *Signer
	vm     *ViewManager

	registry *TypeRegistry

	userCb CallbackSet

	objMu   sync.Mutex
	objects map[SubgroupID]ReplicatedObject

	Halt chan struct{}
}

// GroupOption tweaks construction.
type GroupOption func(*groupOptions)

type groupOptions struct {
	transport Transport
	signer    *Signer
}

// WithTransport substitutes the network transport (e.g. a
// LoopbackNetwork endpoint for tests).
func WithTransport(t Transport) GroupOption {
	return func(o *groupOptions) { o.transport = t }
}

// WithSigner substitutes the version signer.
func WithSigner(s *Signer) GroupOption {
	return func(o *groupOptions) { o.signer = s }
}

// NewGroup constructs the node and brings it into the group:
// bootstrapping a new group when this node is the configured
// contact, joining otherwise. With a saved view and
// restart_leaders configured, the contact (unless PERS/reset is
// set) goes straight to the restart protocol, and other nodes fall
// back to it when their join fails.
func NewGroup(cfg *Config, cb CallbackSet, registry *TypeRegistry, opts ...GroupOption) (*Group, error) {
	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	layout, err := LoadLayout(cfg)
	if err != nil {
		return nil, err
	}
	signer := o.signer
	if signer == nil {
		signer, err = LoadSigner(cfg.Pers.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
	}
	tr := o.transport
	if tr == nil {
		if cfg.UseLoopback {
			return nil, cfgErrf("", "UseLoopback requires WithTransport(loopbackNet.Endpoint(id))")
		}
		tr, err = NewPeerTransport(cfg)
		if err != nil {
			return nil, err
		}
	}

	g := &Group{
		cfg:      cfg,
		layout:   layout,
		tr:       tr,
		signer:   signer,
		registry: registry,
		userCb:   cb,
		objects:  make(map[SubgroupID]ReplicatedObject),
		Halt:     make(chan struct{}),
	}
	engineCb := CallbackSet{
		StabilityCallback: cb.StabilityCallback,
		CookedHandler:     g.dispatchCooked,
		PostNextVersion:   cb.PostNextVersion,
		GlobalPersistence: cb.GlobalPersistence,
		GlobalVerified:    cb.GlobalVerified,
	}
	vm := NewViewManager(cfg, layout, tr, signer, engineCb)
	vm.OnViewInstalled = g.onViewInstalled
	vm.StateProvider = g.provideState
	vm.StateReceiver = g.receiveState
	g.vm = vm

	amContact := cfg.LocalIP == cfg.ContactIP && cfg.GmsPort == cfg.ContactPort
	saved, _ := LoadViewState(cfg)

	switch {
	case amContact && (saved == nil || cfg.Pers.Reset):
		err = vm.Bootstrap()
	case amContact && saved != nil && !cfg.Pers.Reset:
		prev, derr := DecodeView(saved.View, cfg, cfg.LocalID)
		if derr != nil || prev == nil {
			err = vm.Bootstrap()
		} else if len(cfg.RestartLeaders) > 0 {
			err = vm.Restart(prev, saved.Verified)
		} else {
			err = vm.Bootstrap()
		}
	default:
		err = vm.Join()
		if err != nil && saved != nil && len(cfg.RestartLeaders) > 0 {
			alwaysPrintf("derecho %v: join failed (%v); attempting restart protocol", cfg.LocalID, err)
			var prev *View
			prev, err = DecodeView(saved.View, cfg, cfg.LocalID)
			if err == nil && prev != nil {
				err = vm.Restart(prev, saved.Verified)
			}
		}
	}
	if err != nil {
		vm.Shutdown()
		return nil, err
	}

	// joiners block until shard state lands, so that no new-view
	// delivery precedes the transferred state.
	if v := vm.CurrentView(); v != nil && v.RankOf(cfg.LocalID) >= 0 {
		if werr := vm.WaitForStateTransfers(v, time.Duration(cfg.RestartTimeoutMs)*time.Millisecond); werr != nil {
			alwaysPrintf("derecho %v: %v", cfg.LocalID, werr)
		}
	}
	return g, nil
}

// BootstrapGroup stands up a whole-roster group in one call: every
// listed member calls it concurrently with the same arguments.
// Used by tests and fixed-fleet deployments.
func BootstrapGroup(cfg *Config, cb CallbackSet, registry *TypeRegistry,
	members []NodeID, ips []string, ports []MemberPorts, pubkeys [][]byte,
	opts ...GroupOption) (*Group, error) {

	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	layout, err := LoadLayout(cfg)
	if err != nil {
		return nil, err
	}
	signer := o.signer
	if signer == nil {
		signer, err = LoadSigner(cfg.Pers.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
	}
	tr := o.transport
	if tr == nil {
		tr, err = NewPeerTransport(cfg)
		if err != nil {
			return nil, err
		}
	}
	g := &Group{
		cfg:      cfg,
		layout:   layout,
		tr:       tr,
		signer:   signer,
		registry: registry,
		userCb:   cb,
		objects:  make(map[SubgroupID]ReplicatedObject),
		Halt:     make(chan struct{}),
	}
	engineCb := CallbackSet{
		StabilityCallback: cb.StabilityCallback,
		CookedHandler:     g.dispatchCooked,
		PostNextVersion:   cb.PostNextVersion,
		GlobalPersistence: cb.GlobalPersistence,
		GlobalVerified:    cb.GlobalVerified,
	}
	vm := NewViewManager(cfg, layout, tr, signer, engineCb)
	vm.OnViewInstalled = g.onViewInstalled
	vm.StateProvider = g.provideState
	vm.StateReceiver = g.receiveState
	g.vm = vm
	if err := vm.BootstrapWithView(members, ips, ports, pubkeys); err != nil {
		vm.Shutdown()
		return nil, err
	}
	return g, nil
}

// onViewInstalled (manager loop) instantiates replicated objects
// for subgroups we just became a member of.
func (g *Group) onViewInstalled(v *View) {
	if g.registry == nil {
		return
	}
	g.objMu.Lock()
	defer g.objMu.Unlock()
	for s := range v.Subgroups {
		sub := SubgroupID(s)
		if v.MyShard(sub, g.cfg.LocalID) < 0 {
			continue
		}
		if g.objects[sub] != nil {
			continue
		}
		alias := g.layout.Subgroups[s].TypeAlias
		if f := g.registry.factory(alias); f != nil {
			g.objects[sub] = f()
		}
	}
}

func (g *Group) dispatchCooked(sub SubgroupID, sender NodeID, index int64, data []byte, version Version) {
	g.objMu.Lock()
	obj := g.objects[sub]
	g.objMu.Unlock()
	if obj != nil {
		obj.OrderedUpdate(version, uint64(time.Now().UnixNano()), sender, data)
	}
	if g.userCb.CookedHandler != nil {
		g.userCb.CookedHandler(sub, sender, index, data, version)
	}
}

func (g *Group) provideState(sub SubgroupID) (Version, []byte, error) {
	g.objMu.Lock()
	obj := g.objects[sub]
	g.objMu.Unlock()
	if obj == nil {
		return InvalidVersion, nil, nil
	}
	blob, err := obj.Serialize()
	if err != nil {
		return InvalidVersion, nil, err
	}
	version := InvalidVersion
	if eng := g.vm.Engine(); eng != nil {
		if v, err := eng.GetGlobalPersistenceFrontier(sub); err == nil {
			version = v
		}
	}
	return version, blob, nil
}

func (g *Group) receiveState(sub SubgroupID, version Version, blob []byte) error {
	g.objMu.Lock()
	obj := g.objects[sub]
	if obj == nil && g.registry != nil && int(sub) < len(g.layout.Subgroups) {
		if f := g.registry.factory(g.layout.Subgroups[sub].TypeAlias); f != nil {
			obj = f()
			g.objects[sub] = obj
		}
	}
	g.objMu.Unlock()
	if obj == nil {
		return nil
	}
	return obj.ApplyState(version, blob)
}

// GetObject hands back the live replicated object for a subgroup
// the local node belongs to.
func (g *Group) GetObject(sub SubgroupID) (ReplicatedObject, error) {
	if eng := g.vm.Engine(); eng == nil || !eng.Member(sub) {
		return nil, ErrInvalidSubgroup
	}
	g.objMu.Lock()
	defer g.objMu.Unlock()
	obj := g.objects[sub]
	if obj == nil {
		return nil, ErrInvalidSubgroup
	}
	return obj, nil
}

func (g *Group) engine() (*MulticastEngine, error) {
	eng := g.vm.Engine()
	if eng == nil {
		return nil, ErrNotProvisioned
	}
	return eng, nil
}

// Send multicasts a raw message: writer fills the payload buffer
// in place. Delivery lands at every shard member's
// StabilityCallback in the round-robin total order.
func (g *Group) Send(sub SubgroupID, payloadSize uint64, writer func(buf []byte), cooked bool) error {
	eng, err := g.engine()
	if err != nil {
		return err
	}
	return eng.Send(sub, payloadSize, writer, cooked)
}

// OrderedSend multicasts a cooked update to the subgroup's
// replicated object on every member. Calls from one sender are
// FIFO.
func (g *Group) OrderedSend(sub SubgroupID, data []byte) error {
	return g.Send(sub, uint64(len(data)), func(buf []byte) {
		copy(buf, data)
	}, true)
}

// GetSubgroupMembers lists the members of the local node's shard.
func (g *Group) GetSubgroupMembers(sub SubgroupID) ([]NodeID, error) {
	v := g.vm.CurrentView()
	if v == nil {
		return nil, ErrShutDown
	}
	shard := v.MyShard(sub, g.cfg.LocalID)
	if shard < 0 {
		return nil, ErrInvalidSubgroup
	}
	return append([]NodeID{}, v.Subgroups[sub][shard].Members...), nil
}

// CurrentView exposes the installed view.
func (g *Group) CurrentView() *View { return g.vm.CurrentView() }

// ComputeGlobalStabilityFrontier, persistence and verification
// frontier passthroughs.

func (g *Group) ComputeGlobalStabilityFrontier(sub SubgroupID) (uint64, error) {
	eng, err := g.engine()
	if err != nil {
		return 0, err
	}
	return eng.ComputeGlobalStabilityFrontier(sub)
}

func (g *Group) GetGlobalPersistenceFrontier(sub SubgroupID) (Version, error) {
	eng, err := g.engine()
	if err != nil {
		return InvalidVersion, err
	}
	return eng.GetGlobalPersistenceFrontier(sub)
}

func (g *Group) WaitForGlobalPersistenceFrontier(sub SubgroupID, version Version) (bool, error) {
	eng, err := g.engine()
	if err != nil {
		return false, err
	}
	return eng.WaitForGlobalPersistenceFrontier(sub, version)
}

func (g *Group) GetGlobalVerifiedFrontier(sub SubgroupID) (Version, error) {
	eng, err := g.engine()
	if err != nil {
		return InvalidVersion, err
	}
	return eng.GetGlobalVerifiedFrontier(sub)
}

// DeliveryDigest exposes the subgroup's latency digest.
func (g *Group) DeliveryDigest(sub SubgroupID) *DeliveryDigest {
	eng, err := g.engine()
	if err != nil {
		return nil
	}
	return eng.Digest(sub)
}

// BarrierSync blocks until every live member has entered.
func (g *Group) BarrierSync() error { return g.vm.BarrierSync() }

// ReportFailure injects a failure suspicion for a member.
func (g *Group) ReportFailure(id NodeID) error { return g.vm.ReportFailure(id) }

// Leave departs gracefully. With groupShutdown, the caller intends
// the whole group to wind down and we skip waiting for a view that
// excludes us.
func (g *Group) Leave(groupShutdown bool) {
	defer close(g.Halt)
	if groupShutdown {
		g.vm.Shutdown()
		return
	}
	g.vm.Leave()
}

// DebugPrint dumps the node's SST row.
func (g *Group) DebugPrint() {
	g.vm.mu.Lock()
	s := g.vm.sst
	g.vm.mu.Unlock()
	if s != nil {
		s.DebugPrint()
	}
}

func (g *Group) String() string {
	v := g.vm.CurrentView()
	return fmt.Sprintf("Group{node: %v, state: %v, view: %v}", g.cfg.LocalID, g.vm.State(), v)
}

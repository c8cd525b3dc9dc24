// Package store is the orchestrator's single authoritative, in-memory
// state: nodes, VMs, pending commands, per-VM liveness, and the bounded
// event log. Every other component holds only identifiers and mutates
// state exclusively through these operations — never a pointer to an
// internal entity.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/orchestrator/pkg/clock"
	"github.com/cuemby/orchestrator/pkg/events"
	"github.com/cuemby/orchestrator/pkg/metrics"
	"github.com/cuemby/orchestrator/pkg/types"
)

const defaultEventRingCapacity = 10000

// Store holds one logical mutex per entity-type map. Cross-entity
// operations that must be atomic (capacity reservation + placement) lock
// the node map before the VM map, a fixed global order that is
// deadlock-free by construction — a deliberate simplification of
// per-entity-id locking (see DESIGN.md).
type Store struct {
	clock clock.Clock

	nodesMu sync.RWMutex
	nodes   map[string]*types.Node

	vmsMu sync.RWMutex
	vms   map[string]*types.VM

	commandsMu sync.RWMutex
	commands   map[string]*types.PendingCommand

	livenessMu sync.RWMutex
	liveness   map[string]*types.LivenessState

	eventsMu  sync.Mutex
	eventRing []events.Event
	eventHead int
	eventLen  int
	ringCap   int

	broker *events.Broker
}

// New creates an empty Store. broker may be nil if no live event fanout
// is wanted.
func New(clk clock.Clock, ringCap int, broker *events.Broker) *Store {
	if ringCap <= 0 {
		ringCap = defaultEventRingCapacity
	}
	return &Store{
		clock:     clk,
		nodes:     make(map[string]*types.Node),
		vms:       make(map[string]*types.VM),
		commands:  make(map[string]*types.PendingCommand),
		liveness:  make(map[string]*types.LivenessState),
		eventRing: make([]events.Event, ringCap),
		ringCap:   ringCap,
		broker:    broker,
	}
}

// --- Nodes ---

// GetNode returns a copy of the node, never the internal pointer.
func (s *Store) GetNode(id string) (types.Node, bool) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return types.Node{}, false
	}
	return *n, true
}

// ListNodes returns copies of all nodes matching filter (nil = all).
func (s *Store) ListNodes(filter func(*types.Node) bool) []types.Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if filter == nil || filter(n) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// UpsertNode inserts or replaces a node wholesale.
func (s *Store) UpsertNode(n types.Node) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	cp := n
	s.nodes[n.NodeID] = &cp
}

// MutateNode applies fn to the node under lock and returns whether the
// node existed. Used for small field updates (heartbeat, status) that
// don't warrant a full read-modify-UpsertNode round trip.
func (s *Store) MutateNode(id string, fn func(*types.Node)) bool {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// --- VMs ---

// GetVM returns a copy of the VM.
func (s *Store) GetVM(id string) (types.VM, bool) {
	s.vmsMu.RLock()
	defer s.vmsMu.RUnlock()
	v, ok := s.vms[id]
	if !ok {
		return types.VM{}, false
	}
	return *v, true
}

// ListVMs returns copies of all VMs matching filter (nil = all).
func (s *Store) ListVMs(filter func(*types.VM) bool) []types.VM {
	s.vmsMu.RLock()
	defer s.vmsMu.RUnlock()
	out := make([]types.VM, 0, len(s.vms))
	for _, v := range s.vms {
		if filter == nil || filter(v) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out
}

// GetActiveVMs returns all VMs with status != Deleted.
func (s *Store) GetActiveVMs() []types.VM {
	return s.ListVMs(func(v *types.VM) bool { return v.Status != types.VMDeleted })
}

// UpsertVM inserts or replaces a VM wholesale.
func (s *Store) UpsertVM(v types.VM) {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	cp := v
	s.vms[v.VMID] = &cp
}

// MutateVM applies fn to the VM under lock and returns whether it existed.
func (s *Store) MutateVM(id string, fn func(*types.VM)) bool {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	v, ok := s.vms[id]
	if !ok {
		return false
	}
	fn(v)
	return true
}

// MutateVMCAS applies fn to the VM under lock only if its current status
// still equals from, re-validating the status inside the same locked
// section that performs the mutation instead of trusting a status read
// taken before the lock was acquired. found reports whether the VM
// exists at all; applied reports whether fn ran. A caller that reads a
// VM's status, decides a transition is valid, then calls MutateVMCAS
// with that same status gets the atomic compare-and-mutate lifecycle.
// Manager.Transition needs to reject two transitions racing off the same
// stale read.
func (s *Store) MutateVMCAS(id string, from types.VMStatus, fn func(*types.VM)) (applied, found bool) {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	v, ok := s.vms[id]
	if !ok {
		return false, false
	}
	if v.Status != from {
		return false, true
	}
	fn(v)
	return true, true
}

// RemoveVM deletes a VM record outright (used by CleanupLoop's purge).
func (s *Store) RemoveVM(id string) {
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()
	delete(s.vms, id)
}

// ErrNoCapacity is returned by ScheduleVM when the node can't fit spec.
var ErrNoCapacity = fmt.Errorf("no_capacity")

// ErrNodeNotFound/ErrVMNotFound are returned by ScheduleVM for missing ids.
var (
	ErrNodeNotFound = fmt.Errorf("node_not_found")
	ErrVMNotFound   = fmt.Errorf("vm_not_found")
)

// ScheduleVM atomically checks node capacity, reserves spec, and sets
// vm.NodeID. It locks nodes then VMs, a fixed order applied regardless of
// the two ids' lexicographic order. Callers (Scheduler) drive the
// Scheduling -> Provisioning transition themselves immediately after this
// succeeds; no other scheduler run can interleave between the check and
// the reservation because both happen under the node lock.
func (s *Store) ScheduleVM(nodeID, vmID string, spec types.Capacity) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.vmsMu.Lock()
	defer s.vmsMu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	v, ok := s.vms[vmID]
	if !ok {
		return ErrVMNotFound
	}
	avail := n.Available()
	if avail.CPUCores < spec.CPUCores || avail.MemoryMB < spec.MemoryMB || avail.DiskGB < spec.DiskGB {
		return ErrNoCapacity
	}
	n.Reserve(spec)
	v.NodeID = nodeID
	return nil
}

// ReleaseCapacity returns a VM's reserved resources to its node. Callers
// invoke this once, when a VM leaves an occupying status (see
// types.VM.Occupies).
func (s *Store) ReleaseCapacity(nodeID string, spec types.Capacity) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.Release(spec)
	}
}

// --- Pending commands ---

// PutPendingCommand records a command as awaiting a terminal signal.
func (s *Store) PutPendingCommand(c types.PendingCommand) {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	cp := c
	s.commands[c.CommandID] = &cp
	metrics.PendingCommandsTotal.Set(float64(len(s.commands)))
}

// TakePendingCommand removes and returns a command, the sole way a
// terminal signal is consumed. A second call with the same id (e.g. a
// re-posted ack) returns ok=false, making acks idempotent.
func (s *Store) TakePendingCommand(id string) (types.PendingCommand, bool) {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	c, ok := s.commands[id]
	if !ok {
		return types.PendingCommand{}, false
	}
	delete(s.commands, id)
	metrics.PendingCommandsTotal.Set(float64(len(s.commands)))
	return *c, true
}

// PeekPendingCommand returns a command without consuming it.
func (s *Store) PeekPendingCommand(id string) (types.PendingCommand, bool) {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return types.PendingCommand{}, false
	}
	return *c, true
}

// ListPendingCommands returns copies of all outstanding commands.
func (s *Store) ListPendingCommands() []types.PendingCommand {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	out := make([]types.PendingCommand, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// --- Liveness ---

// GetLiveness returns a copy of a VM's liveness state.
func (s *Store) GetLiveness(vmID string) (types.LivenessState, bool) {
	s.livenessMu.RLock()
	defer s.livenessMu.RUnlock()
	l, ok := s.liveness[vmID]
	if !ok {
		return types.LivenessState{}, false
	}
	return *l, true
}

// SeedLiveness creates a fresh LivenessState, e.g. on Running enter.
func (s *Store) SeedLiveness(vmID string) {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	s.liveness[vmID] = &types.LivenessState{VMID: vmID}
}

// MutateLiveness applies fn under lock; returns whether it existed.
func (s *Store) MutateLiveness(vmID string, fn func(*types.LivenessState)) bool {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	l, ok := s.liveness[vmID]
	if !ok {
		return false
	}
	fn(l)
	return true
}

// RemoveLiveness drops a VM's liveness record (when the VM leaves Running).
func (s *Store) RemoveLiveness(vmID string) {
	s.livenessMu.Lock()
	defer s.livenessMu.Unlock()
	delete(s.liveness, vmID)
}

// --- Events ---

// AppendEvent appends to the bounded ring, overwriting the oldest entry
// once EVENT_RING_CAPACITY is reached, and fans out to the broker if one
// is configured. Appends are totally ordered by the eventsMu critical
// section; ties are broken by insertion order via eventHead.
func (s *Store) AppendEvent(e events.Event) {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	if e.ID == "" {
		e.ID = s.clock.NewID()
	}

	s.eventsMu.Lock()
	idx := (s.eventHead + s.eventLen) % s.ringCap
	if s.eventLen < s.ringCap {
		s.eventLen++
	} else {
		s.eventHead = (s.eventHead + 1) % s.ringCap
	}
	s.eventRing[idx] = e
	metrics.EventLogSize.Set(float64(s.eventLen))
	s.eventsMu.Unlock()

	if s.broker != nil {
		cp := e
		s.broker.Publish(&cp)
	}
}

// ListEvents returns up to limit most-recent events, newest last. limit
// <= 0 returns the full ring.
func (s *Store) ListEvents(limit int) []events.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if limit <= 0 || limit > s.eventLen {
		limit = s.eventLen
	}
	out := make([]events.Event, limit)
	for i := 0; i < limit; i++ {
		idx := (s.eventHead + s.eventLen - limit + i) % s.ringCap
		out[i] = s.eventRing[idx]
	}
	return out
}

// --- Snapshot/Restore ---

// Snapshot is an immutable, point-in-time copy of the Store sufficient to
// restore it after a restart. Durability is delegated to an adapter (see
// pkg/store/boltsnap); the Store itself never writes to disk.
type Snapshot struct {
	Nodes    []types.Node
	VMs      []types.VM
	Commands []types.PendingCommand
	Liveness []types.LivenessState
	Events   []events.Event
}

// Snapshot takes copies of every map, each under its own lock, and the
// full event ring. It is not a single atomic cut across all four maps —
// an acceptable relaxation for a convenience restore path, not for the
// scheduling invariants that ScheduleVM protects.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Nodes:    s.ListNodes(nil),
		VMs:      s.ListVMs(nil),
		Commands: s.ListPendingCommands(),
		Liveness: s.listLiveness(),
		Events:   s.ListEvents(0),
	}
}

func (s *Store) listLiveness() []types.LivenessState {
	s.livenessMu.RLock()
	defer s.livenessMu.RUnlock()
	out := make([]types.LivenessState, 0, len(s.liveness))
	for _, l := range s.liveness {
		out = append(out, *l)
	}
	return out
}

// Restore replaces all in-memory state with the contents of snap. Callers
// must do this before the orchestrator starts accepting traffic; it does
// not merge with existing state.
func (s *Store) Restore(snap Snapshot) error {
	nodes := make(map[string]*types.Node, len(snap.Nodes))
	for i := range snap.Nodes {
		n := snap.Nodes[i]
		nodes[n.NodeID] = &n
	}
	vms := make(map[string]*types.VM, len(snap.VMs))
	for i := range snap.VMs {
		v := snap.VMs[i]
		vms[v.VMID] = &v
	}
	commands := make(map[string]*types.PendingCommand, len(snap.Commands))
	for i := range snap.Commands {
		c := snap.Commands[i]
		commands[c.CommandID] = &c
	}
	liveness := make(map[string]*types.LivenessState, len(snap.Liveness))
	for i := range snap.Liveness {
		l := snap.Liveness[i]
		liveness[l.VMID] = &l
	}

	s.nodesMu.Lock()
	s.nodes = nodes
	s.nodesMu.Unlock()

	s.vmsMu.Lock()
	s.vms = vms
	s.vmsMu.Unlock()

	s.commandsMu.Lock()
	s.commands = commands
	s.commandsMu.Unlock()

	s.livenessMu.Lock()
	s.liveness = liveness
	s.livenessMu.Unlock()

	s.eventsMu.Lock()
	s.eventRing = make([]events.Event, s.ringCap)
	s.eventHead = 0
	s.eventLen = 0
	s.eventsMu.Unlock()
	for _, e := range snap.Events {
		s.AppendEvent(e)
	}

	s.recomputeAllocations()

	return nil
}

// recomputeAllocations derives every node's reserved capacity from its
// occupying VMs. A snapshot that has passed through JSON (pkg/store/boltsnap)
// drops Node's unexported allocation counters, so Restore must rebuild them
// rather than trust whatever value rode along in the snapshot.
func (s *Store) recomputeAllocations() {
	used := make(map[string]types.Capacity)
	s.vmsMu.RLock()
	for _, v := range s.vms {
		if v.NodeID == "" || !v.Occupies() {
			continue
		}
		c := used[v.NodeID]
		spec := v.Spec.Capacity()
		c.CPUCores += spec.CPUCores
		c.MemoryMB += spec.MemoryMB
		c.DiskGB += spec.DiskGB
		used[v.NodeID] = c
	}
	s.vmsMu.RUnlock()

	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	for id, n := range s.nodes {
		n.ResetAllocation()
		n.Reserve(used[id])
	}
}

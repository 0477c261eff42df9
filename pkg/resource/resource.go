// Package resource implements the Resource Multiplexer: it
// maps a resource-id inside a client session to the right state
// machine instance, lazily instantiating state machines from
// resource_id + type_id, and tags every outbound event with its
// originating resource-id.
package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/statemachine"
)

// Factory constructs a fresh StateMachine for a given type_id.
type Factory func() statemachine.StateMachine

// Registry is the process-wide table of type_id -> Factory. It is the
// global resource-type registry, fixed at process start: registration
// must be closed before the first network request is accepted.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	closed    bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for typeID. Panics if called after Close —
// registration must finish before the first request is accepted.
func (r *Registry) Register(typeID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		panic(fmt.Sprintf("resource: registry closed, cannot register type %q", typeID))
	}
	r.factories[typeID] = f
}

// Close freezes the registry; subsequent Register calls panic.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Registry) get(typeID string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typeID]
	return f, ok
}

// Error kinds returned by the multiplexer.
var (
	ErrUnknownResource = fmt.Errorf("resource: %s", protocol.ErrUnknownResource)
	ErrUnknownType     = fmt.Errorf("resource: unknown type_id")
)

type instance struct {
	resourceID uint64
	typeID     string
	driver     *statemachine.Driver

	mu      sync.Mutex
	holders map[uint64]struct{}
}

// Multiplexer owns every live resource instance in the cluster-wide
// (per-replica) resource table.
type Multiplexer struct {
	registry *Registry
	sink     statemachine.EventSink

	mu        sync.RWMutex
	instances map[uint64]*instance
}

// NewMultiplexer creates a Multiplexer backed by registry, delivering
// published events to sink.
func NewMultiplexer(registry *Registry, sink statemachine.EventSink) *Multiplexer {
	return &Multiplexer{
		registry:  registry,
		sink:      sink,
		instances: make(map[uint64]*instance),
	}
}

// Open idempotently ensures a state machine instance exists for
// resourceID, lazily creating it from typeID on first reference, and
// records sessionID as a holder.
func (m *Multiplexer) Open(sessionID, resourceID uint64, typeID string) error {
	m.mu.Lock()
	inst, ok := m.instances[resourceID]
	if !ok {
		factory, ok := m.registry.get(typeID)
		if !ok {
			m.mu.Unlock()
			return ErrUnknownType
		}
		inst = &instance{
			resourceID: resourceID,
			typeID:     typeID,
			driver:     statemachine.NewDriver(resourceID, factory(), m.sink),
			holders:    make(map[uint64]struct{}),
		}
		m.instances[resourceID] = inst
		log.WithDriver(resourceID, typeID).Debug().Msg("resource instance created")
	}
	m.mu.Unlock()

	inst.driver.Open()
	inst.mu.Lock()
	_, already := inst.holders[sessionID]
	inst.holders[sessionID] = struct{}{}
	inst.mu.Unlock()

	if !already {
		inst.driver.OnRegister(sessionID)
	}
	return nil
}

func (m *Multiplexer) lookup(resourceID uint64) (*instance, error) {
	m.mu.RLock()
	inst, ok := m.instances[resourceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownResource
	}
	return inst, nil
}

// DispatchCommand delivers payload to resourceID's driver in FIFO
// order. index is the Raft commit index of the command, recorded as
// the driver's compaction watermark once the command has applied.
func (m *Multiplexer) DispatchCommand(ctx context.Context, sessionID, resourceID, index uint64, payload []byte) ([]byte, error) {
	inst, err := m.lookup(resourceID)
	if err != nil {
		return nil, err
	}
	return inst.driver.ApplyCommand(ctx, sessionID, index, payload)
}

// DispatchQuery delivers payload to resourceID's driver at the
// requested consistency level.
func (m *Multiplexer) DispatchQuery(ctx context.Context, sessionID, resourceID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	inst, err := m.lookup(resourceID)
	if err != nil {
		return nil, err
	}
	return inst.driver.ApplyQuery(ctx, sessionID, payload, consistency)
}

// Close removes sessionID from resourceID's holder set; when the set
// empties and the state machine reports quiescence, the instance is
// destroyed.
func (m *Multiplexer) Close(sessionID, resourceID uint64) error {
	inst, err := m.lookup(resourceID)
	if err != nil {
		return err
	}

	inst.driver.OnClose(sessionID)

	inst.mu.Lock()
	delete(inst.holders, sessionID)
	empty := len(inst.holders) == 0
	inst.mu.Unlock()

	if !empty {
		return nil
	}

	if quiescent := inst.driver.ReleaseHolder(); quiescent {
		m.mu.Lock()
		delete(m.instances, resourceID)
		m.mu.Unlock()
		return inst.driver.Destroy()
	}
	return nil
}

// ExpireSession notifies every resource instance sessionID held that
// the session has expired, and releases its holds without an explicit
// Close.
func (m *Multiplexer) ExpireSession(sessionID uint64, resourceIDs []uint64) {
	for _, rid := range resourceIDs {
		inst, err := m.lookup(rid)
		if err != nil {
			continue
		}
		inst.driver.OnExpire(sessionID)
		inst.mu.Lock()
		delete(inst.holders, sessionID)
		empty := len(inst.holders) == 0
		inst.mu.Unlock()
		if empty {
			if quiescent := inst.driver.ReleaseHolder(); quiescent {
				m.mu.Lock()
				delete(m.instances, rid)
				m.mu.Unlock()
				_ = inst.driver.Destroy()
			}
		}
	}
}

// Driver exposes a resource's driver directly, for use by the Raft
// layer when snapshotting/restoring every live instance.
func (m *Multiplexer) Driver(resourceID uint64) (*statemachine.Driver, bool) {
	inst, err := m.lookup(resourceID)
	if err != nil {
		return nil, false
	}
	return inst.driver, true
}

// ResourceIDs returns every currently live resource id, for snapshot
// enumeration.
func (m *Multiplexer) ResourceIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// TypeID returns the type_id a live resource instance was created
// with, needed to reconstruct it via the registry on restore.
func (m *Multiplexer) TypeID(resourceID uint64) (string, bool) {
	inst, err := m.lookup(resourceID)
	if err != nil {
		return "", false
	}
	return inst.typeID, true
}

// Restore recreates a resource instance directly from a known typeID
// without going through a session Open — used when replaying a
// snapshot at startup.
func (m *Multiplexer) Restore(resourceID uint64, typeID string) (*statemachine.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[resourceID]; ok {
		return inst.driver, nil
	}
	factory, ok := m.registry.get(typeID)
	if !ok {
		return nil, ErrUnknownType
	}
	inst := &instance{
		resourceID: resourceID,
		typeID:     typeID,
		driver:     statemachine.NewDriver(resourceID, factory(), m.sink),
		holders:    make(map[uint64]struct{}),
	}
	inst.driver.Open()
	m.instances[resourceID] = inst
	log.WithDriver(resourceID, typeID).Debug().Msg("resource instance restored")
	return inst.driver, nil
}

// Package statemachine defines the contract an embedded resource
// implementation must satisfy and the Driver that serves
// it: a single-writer task executor that applies committed commands in
// log order, answers queries, publishes events, and cooperates with
// log compaction.
package statemachine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/protocol"
)

// StateMachine is the contract the core requires of a pluggable
// resource implementation (e.g. DistributedValue, an atomic long, a
// DistributedGroup). Concrete state machines are out of this core's
// scope; this interface is all the core depends on.
type StateMachine interface {
	OnRegister(sessionID uint64)
	OnUnregister(sessionID uint64)
	OnExpire(sessionID uint64)
	OnClose(sessionID uint64)

	// ApplyCommand must be deterministic given the applied sequence.
	// It may call Publisher.Publish to emit events.
	ApplyCommand(ctx context.Context, sessionID uint64, payload []byte, pub Publisher) ([]byte, error)

	// ApplyQuery must not mutate state.
	ApplyQuery(ctx context.Context, sessionID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error)

	// IsQuiescent reports whether the instance holds no sessions and
	// has released every log entry it referenced.
	IsQuiescent() bool

	Snapshot(w io.Writer) error
	Restore(r io.Reader) error
}

// Publisher lets a state machine hand the driver (target_session_id,
// payload) tuples to enqueue as events.
type Publisher interface {
	Publish(sessionID uint64, payload []byte)
}

// Phase is an instance's lifecycle phase.
type Phase int

const (
	Created Phase = iota
	Open
	Quiescent
	Destroyed
)

func (p Phase) String() string {
	switch p {
	case Created:
		return "CREATED"
	case Open:
		return "OPEN"
	case Quiescent:
		return "QUIESCENT"
	case Destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// EventSink receives (session_id, resource_id, payload) tuples
// published by a driver's state machine, for onward delivery by the
// session layer.
type EventSink interface {
	PublishEvent(sessionID, resourceID uint64, payload []byte)
}

type task struct {
	run  func()
	done chan struct{}
}

// Driver serializes all access to a single StateMachine instance. Its
// queue is drained by exactly one goroutine; distinct Drivers run in
// parallel.
type Driver struct {
	resourceID uint64
	sm         StateMachine
	sink       EventSink

	mu    sync.Mutex
	phase Phase

	queue  chan task
	stopCh chan struct{}
	once   sync.Once

	// compaction tracks the highest commit index this driver has
	// released; fed to the Raft layer's compaction watermark.
	compactMu   sync.Mutex
	releasedIdx uint64
}

// NewDriver creates a Driver for resourceID wrapping sm, delivering
// published events to sink. The driver starts in phase Created; the
// Resource Multiplexer transitions it to Open on first Open().
func NewDriver(resourceID uint64, sm StateMachine, sink EventSink) *Driver {
	d := &Driver{
		resourceID: resourceID,
		sm:         sm,
		sink:       sink,
		phase:      Created,
		queue:      make(chan task, 256),
		stopCh:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Driver) run() {
	for {
		select {
		case t := <-d.queue:
			t.run()
			close(t.done)
		case <-d.stopCh:
			return
		}
	}
}

// submit enqueues fn and blocks until it has run, preserving FIFO
// order across callers.
func (d *Driver) submit(fn func()) {
	t := task{run: fn, done: make(chan struct{})}
	d.queue <- t
	<-t.done
}

// Open transitions CREATED->OPEN or QUIESCENT->OPEN.
func (d *Driver) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase == Created || d.phase == Quiescent {
		d.phase = Open
	}
}

// Phase returns the instance's current lifecycle phase.
func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// ReleaseHolder is called when a session's hold on this resource
// drops to zero holders; it transitions OPEN->QUIESCENT if the state
// machine reports IsQuiescent.
func (d *Driver) ReleaseHolder() (quiescent bool) {
	d.submit(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.phase == Open && d.sm.IsQuiescent() {
			d.phase = Quiescent
		}
		quiescent = d.phase == Quiescent
	})
	return quiescent
}

// Destroy marks the driver DESTROYED (reaper pass, QUIESCENT only) and
// stops its executor goroutine.
func (d *Driver) Destroy() error {
	d.mu.Lock()
	if d.phase != Quiescent {
		d.mu.Unlock()
		return fmt.Errorf("statemachine: resource %d not quiescent, cannot destroy", d.resourceID)
	}
	d.phase = Destroyed
	d.mu.Unlock()

	d.once.Do(func() { close(d.stopCh) })
	return nil
}

type driverPublisher struct {
	driver     *Driver
	resourceID uint64
}

func (p driverPublisher) Publish(sessionID uint64, payload []byte) {
	if p.driver.sink != nil {
		p.driver.sink.PublishEvent(sessionID, p.resourceID, payload)
	}
}

// ApplyCommand runs the state machine's ApplyCommand on the driver's
// single goroutine, in FIFO order with respect to every other
// operation submitted to this driver. index is the Raft commit index
// this command was applied at; once applied, it is declared released
// (the driver's in-memory state now reflects it, so a future snapshot
// subsumes it — see DeclareReleased).
func (d *Driver) ApplyCommand(ctx context.Context, sessionID, index uint64, payload []byte) ([]byte, error) {
	var result []byte
	var applyErr error
	d.submit(func() {
		result, applyErr = d.sm.ApplyCommand(ctx, sessionID, payload, driverPublisher{driver: d, resourceID: d.resourceID})
	})
	if applyErr == nil {
		d.DeclareReleased(index)
	}
	return result, applyErr
}

// ApplyQuery runs the state machine's ApplyQuery on the driver's
// goroutine (queries never mutate state, but still queue behind
// in-flight commands so they observe a consistent view).
func (d *Driver) ApplyQuery(ctx context.Context, sessionID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	var result []byte
	var queryErr error
	d.submit(func() {
		result, queryErr = d.sm.ApplyQuery(ctx, sessionID, payload, consistency)
	})
	return result, queryErr
}

// OnRegister/OnUnregister/OnExpire/OnClose forward lifecycle callbacks
// onto the driver's single goroutine.
func (d *Driver) OnRegister(sessionID uint64) {
	d.submit(func() { d.sm.OnRegister(sessionID) })
}

func (d *Driver) OnUnregister(sessionID uint64) {
	d.submit(func() { d.sm.OnUnregister(sessionID) })
}

func (d *Driver) OnExpire(sessionID uint64) {
	d.submit(func() { d.sm.OnExpire(sessionID) })
}

func (d *Driver) OnClose(sessionID uint64) {
	d.submit(func() { d.sm.OnClose(sessionID) })
}

// Snapshot captures deterministic state for log compaction/restore.
func (d *Driver) Snapshot(w io.Writer) error {
	var err error
	d.submit(func() { err = d.sm.Snapshot(w) })
	return err
}

// Restore rebuilds state from a prior Snapshot.
func (d *Driver) Restore(r io.Reader) error {
	var err error
	d.submit(func() { err = d.sm.Restore(r) })
	return err
}

// DeclareReleased records that commit index idx no longer contributes
// to this driver's observable state.
func (d *Driver) DeclareReleased(idx uint64) {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()
	if idx > d.releasedIdx {
		d.releasedIdx = idx
		log.WithResource(d.resourceID).Debug().Uint64("released_up_to", idx).Msg("state machine released log entry")
	}
}

// ReleasedWatermark returns the highest commit index this driver has
// declared released.
func (d *Driver) ReleasedWatermark() uint64 {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()
	return d.releasedIdx
}

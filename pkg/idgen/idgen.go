// Package idgen mints the 64-bit identifiers the session layer hands
// out for sessions, resources, and events, plus the string identifiers
// used for join tokens and client-visible correlation.
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Sequencer mints unique, monotonically increasing 64-bit IDs.
//
// session_id and resource_id are required to be unique cluster-wide,
// so a snowflake node ID is derived from the Raft node's local ID
// rather than from wall-clock/machine identity alone.
type Sequencer struct {
	node *snowflake.Node
}

// NewSequencer builds a Sequencer scoped to the given Raft node index
// (0-1023, per snowflake's node-id space). Two managers in the same
// cluster must never share a nodeIndex or their minted IDs can collide.
func NewSequencer(nodeIndex int64) (*Sequencer, error) {
	n, err := snowflake.NewNode(nodeIndex)
	if err != nil {
		return nil, fmt.Errorf("idgen: create snowflake node: %w", err)
	}
	return &Sequencer{node: n}, nil
}

// Next returns the next 64-bit ID minted by this sequencer.
func (s *Sequencer) Next() uint64 {
	return uint64(s.node.Generate().Int64())
}

// NewClientID returns a fresh stable client identifier, used the first
// time a client connects with client_id == 0 (§4.2 Connect/Register).
func NewClientID() uint64 {
	// uuid gives us 128 bits of randomness; fold it into 64 bits. This
	// does not need to be monotonic, only collision-resistant, since
	// client_id is chosen once per logical client and is otherwise
	// opaque to the core.
	u := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(u[i])
	}
	return v
}

// JoinToken generates an opaque, URL-safe token string.
func JoinToken() string {
	return uuid.New().String()
}

// MonotonicCounter is a simple contention-free per-connection or
// per-session counter (e.g. for protocol envelope correlation IDs and
// for event_index assignment), guarded by a mutex rather than atomics
// since increments are always paired with other locked session state.
type MonotonicCounter struct {
	mu  sync.Mutex
	cur uint64
}

// Next increments and returns the counter.
func (c *MonotonicCounter) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur++
	return c.cur
}

// Current returns the counter's current value without advancing it.
func (c *MonotonicCounter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// SetIfHigher advances the counter to v if v is greater than the
// current value; used when restoring from a snapshot.
func (c *MonotonicCounter) SetIfHigher(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.cur {
		c.cur = v
	}
}

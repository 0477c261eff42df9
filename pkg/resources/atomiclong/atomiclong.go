// Package atomiclong implements a distributed atomic counter resource,
// demonstrating the statemachine.StateMachine contract end to end.
package atomiclong

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/statemachine"
)

// TypeID is this resource's registry key.
const TypeID = "atomiclong"

// Op names a command/query operation. The payload format is opaque to
// the core: one leading byte selects the op, the rest is
// operation-specific.
type Op byte

const (
	OpIncrementAndGet Op = iota
	OpGetAndIncrement
	OpAdd
	OpGet
	OpCompareAndSet
	OpSet
)

// Register installs the atomiclong factory into reg.
func Register(reg *resource.Registry) {
	reg.Register(TypeID, func() statemachine.StateMachine { return &Counter{} })
}

// Counter is an atomic int64 with optimistic compare-and-set.
type Counter struct {
	value    int64
	holders  map[uint64]struct{}
}

func (c *Counter) ensureHolders() {
	if c.holders == nil {
		c.holders = make(map[uint64]struct{})
	}
}

func (c *Counter) OnRegister(sessionID uint64) {
	c.ensureHolders()
	c.holders[sessionID] = struct{}{}
}

func (c *Counter) OnUnregister(sessionID uint64) { delete(c.holders, sessionID) }
func (c *Counter) OnExpire(sessionID uint64)      { delete(c.holders, sessionID) }
func (c *Counter) OnClose(sessionID uint64)       { delete(c.holders, sessionID) }

func (c *Counter) ApplyCommand(ctx context.Context, sessionID uint64, payload []byte, pub statemachine.Publisher) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("atomiclong: empty payload")
	}

	switch Op(payload[0]) {
	case OpIncrementAndGet:
		c.value++
		pub.Publish(sessionID, encodeInt64(c.value))
		return encodeInt64(c.value), nil

	case OpGetAndIncrement:
		prev := c.value
		c.value++
		pub.Publish(sessionID, encodeInt64(c.value))
		return encodeInt64(prev), nil

	case OpAdd:
		delta, err := decodeInt64(payload[1:])
		if err != nil {
			return nil, err
		}
		c.value += delta
		pub.Publish(sessionID, encodeInt64(c.value))
		return encodeInt64(c.value), nil

	case OpSet:
		v, err := decodeInt64(payload[1:])
		if err != nil {
			return nil, err
		}
		c.value = v
		pub.Publish(sessionID, encodeInt64(c.value))
		return encodeInt64(c.value), nil

	case OpCompareAndSet:
		if len(payload) < 17 {
			return nil, fmt.Errorf("atomiclong: malformed compare-and-set payload")
		}
		expect, err := decodeInt64(payload[1:9])
		if err != nil {
			return nil, err
		}
		update, err := decodeInt64(payload[9:17])
		if err != nil {
			return nil, err
		}
		if c.value != expect {
			return []byte{0}, nil
		}
		c.value = update
		pub.Publish(sessionID, encodeInt64(c.value))
		return []byte{1}, nil

	case OpGet:
		return encodeInt64(c.value), nil

	default:
		return nil, fmt.Errorf("atomiclong: unknown op %d", payload[0])
	}
}

func (c *Counter) ApplyQuery(ctx context.Context, sessionID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	return encodeInt64(c.value), nil
}

func (c *Counter) IsQuiescent() bool { return len(c.holders) == 0 }

func (c *Counter) Snapshot(w io.Writer) error {
	_, err := w.Write(encodeInt64(c.value))
	return err
}

func (c *Counter) Restore(r io.Reader) error {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	v, err := decodeInt64(buf)
	if err != nil {
		return err
	}
	c.value = v
	return nil
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("atomiclong: expected 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Package value implements a distributed, versioned value resource
// that broadcasts a change event to every session holding it open,
// exercising the Publisher fan-out path the atomiclong resource does
// not.
package value

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
const TypeID = "value"

// Op names a command operation.
type Op byte

const (
	OpSet Op = iota
	OpCompareAndSet
)

// Register installs the value factory into reg.
func Register(reg *resource.Registry) {
	reg.Register(TypeID, func() statemachine.StateMachine { return &Value{} })
}

// Value holds an opaque byte payload plus a monotonically increasing
// version, and tracks every session currently holding it so it can
// broadcast changes.
type Value struct {
	data    []byte
	version uint64
	holders map[uint64]struct{}
}

func (v *Value) ensureHolders() {
	if v.holders == nil {
		v.holders = make(map[uint64]struct{})
	}
}

func (v *Value) OnRegister(sessionID uint64) {
	v.ensureHolders()
	v.holders[sessionID] = struct{}{}
}

func (v *Value) OnUnregister(sessionID uint64) { delete(v.holders, sessionID) }
func (v *Value) OnExpire(sessionID uint64)     { delete(v.holders, sessionID) }
func (v *Value) OnClose(sessionID uint64)      { delete(v.holders, sessionID) }

func (v *Value) broadcast(pub statemachine.Publisher, payload []byte) {
	for sid := range v.holders {
		pub.Publish(sid, payload)
	}
}

func (v *Value) ApplyCommand(ctx context.Context, sessionID uint64, payload []byte, pub statemachine.Publisher) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("value: empty payload")
	}

	switch Op(payload[0]) {
	case OpSet:
		v.data = append([]byte(nil), payload[1:]...)
		v.version++
		v.broadcast(pub, v.encodeEvent())
		return v.encodeEvent(), nil

	case OpCompareAndSet:
		if len(payload) < 9 {
			return nil, fmt.Errorf("value: malformed compare-and-set payload")
		}
		expectVersion := binary.BigEndian.Uint64(payload[1:9])
		if v.version != expectVersion {
			return []byte{0}, nil
		}
		v.data = append([]byte(nil), payload[9:]...)
		v.version++
		v.broadcast(pub, v.encodeEvent())
		return append([]byte{1}, v.encodeEvent()...), nil

	default:
		return nil, fmt.Errorf("value: unknown op %d", payload[0])
	}
}

func (v *Value) ApplyQuery(ctx context.Context, sessionID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	return v.encodeEvent(), nil
}

func (v *Value) IsQuiescent() bool { return len(v.holders) == 0 }

func (v *Value) Snapshot(w io.Writer) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], v.version)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(v.data)
	return err
}

func (v *Value) Restore(r io.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	v.version = binary.BigEndian.Uint64(hdr[:])
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v.data = data
	return nil
}

// encodeEvent serializes (version, data) for either a query result or
// a broadcast change notification.
func (v *Value) encodeEvent() []byte {
	out := make([]byte, 8+len(v.data))
	binary.BigEndian.PutUint64(out[:8], v.version)
	copy(out[8:], v.data)
	return out
}

package value

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	sent map[uint64][][]byte
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sent: make(map[uint64][][]byte)}
}

func (p *recordingPublisher) Publish(sessionID uint64, payload []byte) {
	p.sent[sessionID] = append(p.sent[sessionID], payload)
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func TestValue_SetAndGet(t *testing.T) {
	v := &Value{}
	ctx := context.Background()
	pub := newRecordingPublisher()

	payload := append([]byte{byte(OpSet)}, []byte("hello")...)
	res, err := v.ApplyCommand(ctx, 1, payload, pub)
	require.NoError(t, err)
	require.Equal(t, uint64(1), binary.BigEndian.Uint64(res[:8]))
	require.Equal(t, []byte("hello"), res[8:])

	got, err := v.ApplyQuery(ctx, 1, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got[8:])
}

func TestValue_CompareAndSwap(t *testing.T) {
	v := &Value{}
	ctx := context.Background()
	pub := newRecordingPublisher()

	_, err := v.ApplyCommand(ctx, 1, append([]byte{byte(OpSet)}, []byte("a")...), pub)
	require.NoError(t, err)

	casPayload := append([]byte{byte(OpCompareAndSet)}, append(encodeVersion(1), []byte("b")...)...)
	res, err := v.ApplyCommand(ctx, 1, casPayload, pub)
	require.NoError(t, err)
	require.Equal(t, byte(1), res[0])

	stale := append([]byte{byte(OpCompareAndSet)}, append(encodeVersion(1), []byte("c")...)...)
	res, err = v.ApplyCommand(ctx, 1, stale, pub)
	require.NoError(t, err)
	require.Equal(t, []byte{0}, res)
}

func TestValue_BroadcastsToAllHolders(t *testing.T) {
	v := &Value{}
	ctx := context.Background()
	pub := newRecordingPublisher()

	v.OnRegister(1)
	v.OnRegister(2)

	_, err := v.ApplyCommand(ctx, 1, append([]byte{byte(OpSet)}, []byte("x")...), pub)
	require.NoError(t, err)

	require.Len(t, pub.sent[1], 1)
	require.Len(t, pub.sent[2], 1)
	require.Equal(t, pub.sent[1][0], pub.sent[2][0])
}

func TestValue_QuiescenceFollowsHolders(t *testing.T) {
	v := &Value{}
	require.True(t, v.IsQuiescent())

	v.OnRegister(1)
	require.False(t, v.IsQuiescent())

	v.OnClose(1)
	require.True(t, v.IsQuiescent())
}

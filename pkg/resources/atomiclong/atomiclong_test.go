package atomiclong

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(sessionID uint64, payload []byte) {}

func TestCounter_IncrementAndGet(t *testing.T) {
	c := &Counter{}
	ctx := context.Background()

	res, err := c.ApplyCommand(ctx, 1, []byte{byte(OpIncrementAndGet)}, nopPublisher{})
	require.NoError(t, err)
	v, err := decodeInt64(res)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestCounter_CompareAndSet(t *testing.T) {
	c := &Counter{}
	ctx := context.Background()

	payload := append([]byte{byte(OpSet)}, encodeInt64(5)...)
	_, err := c.ApplyCommand(ctx, 1, payload, nopPublisher{})
	require.NoError(t, err)

	casPayload := append([]byte{byte(OpCompareAndSet)}, append(encodeInt64(5), encodeInt64(10)...)...)
	res, err := c.ApplyCommand(ctx, 1, casPayload, nopPublisher{})
	require.NoError(t, err)
	require.Equal(t, []byte{1}, res)

	v, err := c.ApplyQuery(ctx, 1, nil, 0)
	require.NoError(t, err)
	got, err := decodeInt64(v)
	require.NoError(t, err)
	require.Equal(t, int64(10), got)

	// Stale expectation fails.
	casPayload = append([]byte{byte(OpCompareAndSet)}, append(encodeInt64(5), encodeInt64(99)...)...)
	res, err = c.ApplyCommand(ctx, 1, casPayload, nopPublisher{})
	require.NoError(t, err)
	require.Equal(t, []byte{0}, res)
}

func TestCounter_QuiescenceFollowsHolders(t *testing.T) {
	c := &Counter{}
	require.True(t, c.IsQuiescent())

	c.OnRegister(1)
	require.False(t, c.IsQuiescent())

	c.OnClose(1)
	require.True(t, c.IsQuiescent())
}

package client

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/protocol/codec"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	data, err := codec.EncodeFrame(codec.CBOR, protocol.Header{ID: 7, Type: protocol.TypeCommandResponse}, protocol.CommandResponse{
		Status: protocol.OK,
		Result: []byte("ok"),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeFrame(w, data))

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, data, got)

	h, rawBody, err := codec.DecodeFrame(codec.CBOR, got)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCommandResponse, h.Type)

	var resp protocol.CommandResponse
	require.NoError(t, codec.DecodeBody(codec.CBOR, rawBody, &resp))
	require.Equal(t, []byte("ok"), resp.Result)
}

func TestAckEventIndex_OnlyAdvances(t *testing.T) {
	c := &Client{}
	c.AckEventIndex(5)
	c.AckEventIndex(2)
	require.Equal(t, uint64(5), c.ackedEventIndex)
	c.AckEventIndex(9)
	require.Equal(t, uint64(9), c.ackedEventIndex)
}

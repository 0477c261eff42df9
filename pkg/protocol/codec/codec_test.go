package codec

import (
	"testing"

	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame_RoundTrip(t *testing.T) {
	for name, c := range map[string]Codec{"json": JSON, "cbor": CBOR} {
		t.Run(name, func(t *testing.T) {
			h := protocol.Header{ID: 42, Type: protocol.TypeCommand}
			body := protocol.Command{
				SessionID:  7,
				Sequence:   3,
				ResourceID: 99,
				Bytes:      []byte("inc"),
			}

			data, err := EncodeFrame(c, h, body)
			require.NoError(t, err)

			gotHeader, rawBody, err := DecodeFrame(c, data)
			require.NoError(t, err)
			require.Equal(t, h, gotHeader)

			var gotBody protocol.Command
			require.NoError(t, DecodeBody(c, rawBody, &gotBody))
			require.Equal(t, body, gotBody)
		})
	}
}

func TestEncodeDecodeFrame_EveryMessageType(t *testing.T) {
	c := CBOR
	cases := []struct {
		typ  protocol.MessageType
		body interface{}
	}{
		{protocol.TypeConnect, protocol.Connect{ClientID: 1}},
		{protocol.TypeConnectResponse, protocol.ConnectResponse{Status: protocol.OK, Leader: "a", Members: []string{"a", "b"}}},
		{protocol.TypeRegister, protocol.Register{ClientID: 1, TimeoutMS: 5000}},
		{protocol.TypeRegisterResponse, protocol.RegisterResponse{SessionID: 9, TimeoutMS: 5000}},
		{protocol.TypeKeepAlive, protocol.KeepAlive{SessionID: 9, CommandSequenceAck: 3, EventIndexAck: 7}},
		{protocol.TypeUnregister, protocol.Unregister{SessionID: 9}},
		{protocol.TypeCommand, protocol.Command{SessionID: 9, Sequence: 1, ResourceID: 5, Bytes: []byte("x")}},
		{protocol.TypeQuery, protocol.Query{SessionID: 9, Sequence: 1, ResourceID: 5, Consistency: protocol.Linearizable}},
		{protocol.TypePublish, protocol.Publish{SessionID: 9, EventIndex: 3, PreviousIndex: 2, Events: []protocol.Event{{ResourceID: 5, Payload: []byte("e")}}}},
		{protocol.TypeKeepAliveResponse, protocol.KeepAliveResponse{Status: protocol.OK, Leader: "a", Members: []string{"a"}}},
		{protocol.TypeUnregisterResponse, protocol.UnregisterResponse{Status: protocol.OK}},
		{protocol.TypeCommandResponse, protocol.CommandResponse{Status: protocol.OK, Index: 4, EventIndex: 2, Result: []byte("r")}},
		{protocol.TypeQueryResponse, protocol.QueryResponse{Status: protocol.OK, Index: 4, Result: []byte("q")}},
		{protocol.TypePublishResponse, protocol.PublishResponse{Status: protocol.OK, Index: 3}},
	}

	for _, tc := range cases {
		h := protocol.Header{ID: 1, Type: tc.typ}
		data, err := EncodeFrame(c, h, tc.body)
		require.NoError(t, err)
		gotHeader, raw, err := DecodeFrame(c, data)
		require.NoError(t, err)
		require.Equal(t, tc.typ, gotHeader.Type)
		require.NotEmpty(t, raw)
	}
}

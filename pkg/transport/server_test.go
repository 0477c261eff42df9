package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cuemby/sessiond/pkg/idgen"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/protocol/codec"
	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/session"
	"github.com/cuemby/sessiond/pkg/statemachine"
	"github.com/stretchr/testify/require"
)

// fakeRaft applies proposals directly against a session.Manager,
// standing in for a committed single-node Raft cluster in tests.
type fakeRaft struct {
	sessions *session.Manager
	index    uint64
}

func (f *fakeRaft) next() uint64 { f.index++; return f.index }

func (f *fakeRaft) ProposeRegister(ctx context.Context, clientID uint64, timeout time.Duration) (uint64, error) {
	return f.sessions.Register(clientID, timeout, f.next()), nil
}
func (f *fakeRaft) ProposeKeepAlive(ctx context.Context, sessionID, cmdSeqAck, eventIdxAck uint64) error {
	return f.sessions.KeepAlive(sessionID, cmdSeqAck, eventIdxAck, f.next())
}
func (f *fakeRaft) ProposeUnregister(ctx context.Context, sessionID uint64) error {
	return f.sessions.Unregister(sessionID)
}
func (f *fakeRaft) ProposeCommand(ctx context.Context, sessionID, sequence, resourceID uint64, typeID string, payload []byte) ([]byte, error) {
	return f.sessions.ApplyCommand(ctx, f.next(), sessionID, sequence, resourceID, typeID, payload)
}
func (f *fakeRaft) IsLeader() bool        { return true }
func (f *fakeRaft) LeaderAddr() string    { return "node-1" }
func (f *fakeRaft) Members() []string     { return []string{"node-1"} }

type echoMachine struct{}

func (echoMachine) OnRegister(uint64)   {}
func (echoMachine) OnUnregister(uint64) {}
func (echoMachine) OnExpire(uint64)     {}
func (echoMachine) OnClose(uint64)      {}
func (echoMachine) ApplyCommand(ctx context.Context, sessionID uint64, payload []byte, pub statemachine.Publisher) ([]byte, error) {
	return payload, nil
}
func (echoMachine) ApplyQuery(ctx context.Context, sessionID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	return payload, nil
}
func (echoMachine) IsQuiescent() bool          { return true }
func (echoMachine) Snapshot(w io.Writer) error { return nil }
func (echoMachine) Restore(r io.Reader) error  { return nil }

func newTestConn(t *testing.T) (*Conn, *[][]byte) {
	t.Helper()
	reg := resource.NewRegistry()
	reg.Register("echo", func() statemachine.StateMachine { return echoMachine{} })

	ids, err := idgen.NewSequencer(1)
	require.NoError(t, err)

	sessions := session.NewManager(session.Config{}, ids, nil, nil, nil)
	mux := resource.NewMultiplexer(reg, sessions)
	sessions.Attach(mux, nil, nil)
	fr := &fakeRaft{sessions: sessions}

	var sent [][]byte
	conn := NewConn(Deps{Sessions: sessions, Raft: fr}, codec.CBOR, func(data []byte) error {
		sent = append(sent, data)
		return nil
	})
	return conn, &sent
}

func decodeLast(t *testing.T, sent *[][]byte, out interface{}) protocol.Header {
	t.Helper()
	require.NotEmpty(t, *sent)
	last := (*sent)[len(*sent)-1]
	h, raw, err := codec.DecodeFrame(codec.CBOR, last)
	require.NoError(t, err)
	require.NoError(t, codec.DecodeBody(codec.CBOR, raw, out))
	return h
}

func TestConn_RegisterThenCommand(t *testing.T) {
	conn, sent := newTestConn(t)
	ctx := context.Background()

	regFrame, err := codec.EncodeFrame(codec.CBOR, protocol.Header{ID: 1, Type: protocol.TypeRegister}, protocol.Register{ClientID: 5, TimeoutMS: 1000})
	require.NoError(t, err)
	require.NoError(t, conn.HandleFrame(ctx, regFrame))

	var regResp protocol.RegisterResponse
	decodeLast(t, sent, &regResp)
	require.Equal(t, protocol.OK, regResp.Status)
	require.NotZero(t, regResp.SessionID)

	cmdFrame, err := codec.EncodeFrame(codec.CBOR, protocol.Header{ID: 2, Type: protocol.TypeCommand}, protocol.Command{
		SessionID: regResp.SessionID, Sequence: 1, ResourceID: 42, TypeID: "echo", Bytes: []byte("hello"),
	})
	require.NoError(t, err)
	require.NoError(t, conn.HandleFrame(ctx, cmdFrame))

	var cmdResp protocol.CommandResponse
	decodeLast(t, sent, &cmdResp)
	require.Equal(t, protocol.OK, cmdResp.Status)
	require.Equal(t, []byte("hello"), cmdResp.Result)
}

func TestConn_UnknownSessionCommandFails(t *testing.T) {
	conn, sent := newTestConn(t)
	ctx := context.Background()

	cmdFrame, err := codec.EncodeFrame(codec.CBOR, protocol.Header{ID: 1, Type: protocol.TypeCommand}, protocol.Command{
		SessionID: 999, Sequence: 1, ResourceID: 1, TypeID: "echo", Bytes: []byte("x"),
	})
	require.NoError(t, err)
	require.NoError(t, conn.HandleFrame(ctx, cmdFrame))

	var resp protocol.CommandResponse
	decodeLast(t, sent, &resp)
	require.Equal(t, protocol.Error, resp.Status)
	require.Equal(t, protocol.ErrUnknownSession, resp.Error.Kind)
}

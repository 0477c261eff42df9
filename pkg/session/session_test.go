package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cuemby/sessiond/pkg/idgen"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/statemachine"
	"github.com/stretchr/testify/require"
)

// counterMachine is a trivial StateMachine used only to exercise the
// Session Manager's command/query/event plumbing.
type counterMachine struct {
	n        int64
	quiescent bool
}

func (c *counterMachine) OnRegister(sessionID uint64)   {}
func (c *counterMachine) OnUnregister(sessionID uint64) {}
func (c *counterMachine) OnExpire(sessionID uint64)     {}
func (c *counterMachine) OnClose(sessionID uint64)      { c.quiescent = true }

func (c *counterMachine) ApplyCommand(ctx context.Context, sessionID uint64, payload []byte, pub statemachine.Publisher) ([]byte, error) {
	c.n++
	pub.Publish(sessionID, []byte("incremented"))
	return []byte{byte(c.n)}, nil
}

func (c *counterMachine) ApplyQuery(ctx context.Context, sessionID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	return []byte{byte(c.n)}, nil
}

func (c *counterMachine) IsQuiescent() bool      { return c.quiescent }
func (c *counterMachine) Snapshot(w io.Writer) error { return nil }
func (c *counterMachine) Restore(r io.Reader) error  { return nil }

func newTestManager(t *testing.T) (*Manager, *resource.Multiplexer) {
	t.Helper()
	reg := resource.NewRegistry()
	reg.Register("counter", func() statemachine.StateMachine { return &counterMachine{} })

	ids, err := idgen.NewSequencer(1)
	require.NoError(t, err)

	mgr := NewManager(Config{EventBufferBound: 4, CommandGapThreshold: 3}, ids, nil, nil, nil)
	mux := resource.NewMultiplexer(reg, mgr)
	mgr.Attach(mux, nil, nil)
	return mgr, mux
}

func TestRegisterKeepAliveUnregister(t *testing.T) {
	mgr, _ := newTestManager(t)

	sid := mgr.Register(1, time.Second, 1)
	view, ok := mgr.Get(sid)
	require.True(t, ok)
	require.Equal(t, Open, view.State)

	require.NoError(t, mgr.KeepAlive(sid, 0, 0, 2))
	require.NoError(t, mgr.Unregister(sid))

	_, ok = mgr.Get(sid)
	require.True(t, ok) // entry remains for inspection, but state is CLOSED
	view, _ = mgr.Get(sid)
	require.Equal(t, Closed, view.State)

	_, err := mgr.get(sid)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestApplyCommand_InOrderAndDuplicateSuppression(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sid := mgr.Register(1, time.Second, 1)

	r1, err := mgr.ApplyCommand(ctx, 2, sid, 1, 100, "counter", []byte("inc"))
	require.NoError(t, err)
	require.Equal(t, []byte{1}, r1)

	// Replaying the same sequence must return the cached result, not
	// re-apply.
	r1Again, err := mgr.ApplyCommand(ctx, 3, sid, 1, 100, "counter", []byte("inc"))
	require.NoError(t, err)
	require.Equal(t, r1, r1Again)

	r2, err := mgr.ApplyCommand(ctx, 4, sid, 2, 100, "counter", []byte("inc"))
	require.NoError(t, err)
	require.Equal(t, []byte{2}, r2)

	view, _ := mgr.Get(sid)
	require.Equal(t, uint64(2), view.CommandSequence)
}

func TestApplyCommand_GapQueuesThenDrains(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sid := mgr.Register(1, time.Second, 1)

	// sequence 2 arrives before sequence 1: queued, no error yet.
	res, err := mgr.ApplyCommand(ctx, 2, sid, 2, 100, "counter", []byte("inc"))
	require.NoError(t, err)
	require.Nil(t, res)

	view, _ := mgr.Get(sid)
	require.Equal(t, uint64(0), view.CommandSequence)

	// the fill arrives: both 1 and 2 should now be applied in order.
	_, err = mgr.ApplyCommand(ctx, 3, sid, 1, 100, "counter", []byte("inc"))
	require.NoError(t, err)

	view, _ = mgr.Get(sid)
	require.Equal(t, uint64(2), view.CommandSequence)
}

func TestApplyCommand_GapExceedsThresholdExpiresSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sid := mgr.Register(1, time.Second, 1)

	_, err := mgr.ApplyCommand(ctx, 10, sid, 2, 100, "counter", []byte("inc"))
	require.NoError(t, err)

	// Advance commit index well past CommandGapThreshold without the
	// fill ever arriving.
	_, err = mgr.ApplyCommand(ctx, 20, sid, 3, 100, "counter", []byte("inc"))
	require.ErrorIs(t, err, ErrSequenceGap)

	view, _ := mgr.Get(sid)
	require.Equal(t, Expired, view.State)
}

func TestPublishEvent_BoundedBufferExpiresLaggingSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sid := mgr.Register(1, time.Second, 1)

	for i := uint64(1); i <= 4; i++ {
		_, err := mgr.ApplyCommand(ctx, i+1, sid, i, 100, "counter", []byte("inc"))
		require.NoError(t, err)
	}

	// EventBufferBound is 4; the 5th command's published event should
	// push the session over the bound and expire it.
	_, _ = mgr.ApplyCommand(ctx, 6, sid, 5, 100, "counter", []byte("inc"))

	view, _ := mgr.Get(sid)
	require.Equal(t, Expired, view.State)
}

func TestSubscribeReplaysPendingEvents(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sid := mgr.Register(1, time.Second, 1)

	_, err := mgr.ApplyCommand(ctx, 2, sid, 1, 100, "counter", []byte("inc"))
	require.NoError(t, err)

	_, replay, err := mgr.Subscribe(sid)
	require.NoError(t, err)
	require.Len(t, replay, 1)
	require.Equal(t, uint64(1), replay[0].EventIndex)
}

func TestApplyQuery_CausalWaitsForSessionSequence(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sid := mgr.Register(1, time.Second, 1)

	_, err := mgr.ApplyCommand(context.Background(), 2, sid, 1, 100, "counter", []byte("inc"))
	require.NoError(t, err)

	res, err := mgr.ApplyQuery(ctx, sid, 2, 100, nil, protocol.Causal)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, res)
}

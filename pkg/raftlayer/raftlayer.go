// Package raftlayer adapts hashicorp/raft into the log-layer contract
// the rest of the core depends on: append a command, react
// when it commits, resolve a read index for a consistency level, take
// and restore snapshots, and track a compaction watermark. Raft itself
// is an external collaborator — this package owns
// none of the consensus algorithm, only its wiring.
package raftlayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/metrics"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/session"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Op names the replicated command kinds carried in the Raft log.
type Op string

const (
	OpRegister   Op = "register"
	OpKeepAlive  Op = "keepalive"
	OpUnregister Op = "unregister"
	OpCommand    Op = "command"
	OpExpire     Op = "expire"
)

// logCommand is the envelope written to the Raft log: an (Op, Data)
// pair, with Data left raw until the Op is known.
type logCommand struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// RegisterEntry is OpRegister's payload.
type RegisterEntry struct {
	ClientID  uint64 `json:"client_id"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// KeepAliveEntry is OpKeepAlive's payload.
type KeepAliveEntry struct {
	SessionID          uint64 `json:"session_id"`
	CommandSequenceAck uint64 `json:"command_sequence_ack"`
	EventIndexAck      uint64 `json:"event_index_ack"`
}

// UnregisterEntry is OpUnregister's payload.
type UnregisterEntry struct {
	SessionID uint64 `json:"session_id"`
}

// CommandEntry is OpCommand's payload.
type CommandEntry struct {
	SessionID  uint64 `json:"session_id"`
	Sequence   uint64 `json:"sequence"`
	ResourceID uint64 `json:"resource_id"`
	TypeID     string `json:"type_id"`
	Payload    []byte `json:"payload"`
}

// ExpireEntry is OpExpire's payload, driven by the liveness reaper
// rather than by a client message.
type ExpireEntry struct {
	SessionID uint64 `json:"session_id"`
}

// applyResult is what fsm.Apply returns through raft's response
// channel for OpCommand entries.
type applyResult struct {
	Result []byte
	Err    error
}

// registerResult carries the newly minted session id back to the
// proposer of an OpRegister entry.
type registerResult struct {
	SessionID uint64
}

// Config configures a Layer.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration
	ApplyTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c
}

// LeaderNotifier receives a notification whenever this replica's
// view of cluster leadership changes. Implemented by pkg/events.Broker;
// declared here to avoid a dependency cycle.
type LeaderNotifier interface {
	Notify(kind, subjectID string)
}

// Layer is the replicated log a sessiond replica runs on top of.
type Layer struct {
	cfg Config

	raft *raft.Raft
	fsm  *fsm

	sessions *session.Manager
	mux      *resource.Multiplexer
	notifier LeaderNotifier

	stopLeaderWatch chan struct{}
}

// New builds a Layer wrapping sessions/mux, without starting Raft.
func New(cfg Config, sessions *session.Manager, mux *resource.Multiplexer) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		cfg:             cfg,
		fsm:             newFSM(sessions, mux),
		sessions:        sessions,
		mux:             mux,
		stopLeaderWatch: make(chan struct{}),
	}
}

func (l *Layer) raftConfig() *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(l.cfg.NodeID)
	c.HeartbeatTimeout = l.cfg.HeartbeatTimeout
	c.ElectionTimeout = l.cfg.ElectionTimeout
	c.CommitTimeout = l.cfg.CommitTimeout
	c.LeaderLeaseTimeout = l.cfg.LeaderLeaseTimeout
	return c
}

func (l *Layer) buildRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(l.cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("raftlayer: create data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", l.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("raftlayer: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(l.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("raftlayer: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(l.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("raftlayer: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(l.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("raftlayer: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(l.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("raftlayer: create stable store: %w", err)
	}

	r, err := raft.NewRaft(l.raftConfig(), l.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("raftlayer: create raft: %w", err)
	}

	return r, transport, nil
}

// Bootstrap starts a brand new single-node cluster.
func (l *Layer) Bootstrap() error {
	r, transport, err := l.buildRaft()
	if err != nil {
		return err
	}
	l.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(l.cfg.NodeID), Address: transport.LocalAddr()}},
	}
	future := r.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftlayer: bootstrap cluster: %w", err)
	}

	log.Logger.Info().Str("node_id", l.cfg.NodeID).Str("bind_addr", l.cfg.BindAddr).Msg("raft layer bootstrapped")
	go l.watchLeadership()
	return nil
}

// Join starts Raft without bootstrapping; the caller is expected to be
// added to the cluster's configuration by the existing leader out of
// band.
func (l *Layer) Join() error {
	r, _, err := l.buildRaft()
	if err != nil {
		return err
	}
	l.raft = r
	log.Logger.Info().Str("node_id", l.cfg.NodeID).Msg("raft layer joined")
	go l.watchLeadership()
	return nil
}

// AddVoter adds a new server to the cluster; must be called on the
// leader.
func (l *Layer) AddVoter(nodeID, addr string) error {
	if l.raft == nil {
		return fmt.Errorf("raftlayer: not started")
	}
	future := l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// SetNotifier wires the global leader-change notification sink.
// Optional — a nil notifier (the default) means no notifications go
// out. Must be called before Bootstrap/Join to take effect.
func (l *Layer) SetNotifier(n LeaderNotifier) {
	l.notifier = n
}

// watchLeadership runs for the lifetime of the Raft instance, emitting
// a notification every time hashicorp/raft reports this replica
// gained or lost leadership.
func (l *Layer) watchLeadership() {
	ch := l.raft.LeaderCh()
	for {
		select {
		case isLeader, ok := <-ch:
			if !ok {
				return
			}
			state := "follower"
			if isLeader {
				state = "leader"
			}
			log.Logger.Info().Str("node_id", l.cfg.NodeID).Str("state", state).Msg("raftlayer: leadership changed")
			if l.notifier != nil {
				l.notifier.Notify("raft.leader_changed", l.cfg.NodeID+":"+state)
			}
		case <-l.stopLeaderWatch:
			return
		}
	}
}

// IsLeader reports whether this replica currently holds leadership.
func (l *Layer) IsLeader() bool {
	return l.raft != nil && l.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's address, if known.
func (l *Layer) LeaderAddr() string {
	if l.raft == nil {
		return ""
	}
	addr, _ := l.raft.LeaderWithID()
	return string(addr)
}

// Members returns every voting server's address in the configuration.
func (l *Layer) Members() []string {
	if l.raft == nil {
		return nil
	}
	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}
	out := make([]string, 0)
	for _, s := range future.Configuration().Servers {
		out = append(out, string(s.Address))
	}
	return out
}

func (l *Layer) apply(ctx context.Context, op Op, data interface{}) (interface{}, error) {
	if l.raft == nil {
		return nil, fmt.Errorf("raftlayer: not started")
	}
	if l.raft.State() != raft.Leader {
		return nil, fmt.Errorf("raftlayer: %s", protocol.ErrNoLeader)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("raftlayer: marshal entry: %w", err)
	}
	payload, err := json.Marshal(logCommand{Op: op, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("raftlayer: marshal log command: %w", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	timeout := l.cfg.ApplyTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	future := l.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raftlayer: apply: %w", err)
	}
	return future.Response(), nil
}

// ProposeRegister appends a RegisterEntry and returns the minted
// session id once committed.
func (l *Layer) ProposeRegister(ctx context.Context, clientID uint64, timeout time.Duration) (uint64, error) {
	resp, err := l.apply(ctx, OpRegister, RegisterEntry{ClientID: clientID, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return 0, err
	}
	rr, ok := resp.(registerResult)
	if !ok {
		return 0, fmt.Errorf("raftlayer: unexpected register response %T", resp)
	}
	return rr.SessionID, nil
}

// ProposeKeepAlive appends a KeepAliveEntry.
func (l *Layer) ProposeKeepAlive(ctx context.Context, sessionID, cmdSeqAck, eventIdxAck uint64) error {
	resp, err := l.apply(ctx, OpKeepAlive, KeepAliveEntry{SessionID: sessionID, CommandSequenceAck: cmdSeqAck, EventIndexAck: eventIdxAck})
	if err != nil {
		return err
	}
	if resp != nil {
		if rerr, ok := resp.(error); ok {
			return rerr
		}
	}
	return nil
}

// ProposeUnregister appends an UnregisterEntry.
func (l *Layer) ProposeUnregister(ctx context.Context, sessionID uint64) error {
	resp, err := l.apply(ctx, OpUnregister, UnregisterEntry{SessionID: sessionID})
	if err != nil {
		return err
	}
	if rerr, ok := resp.(error); ok {
		return rerr
	}
	return nil
}

// ProposeCommand appends a CommandEntry and returns its application
// result once committed.
func (l *Layer) ProposeCommand(ctx context.Context, sessionID, sequence, resourceID uint64, typeID string, payload []byte) ([]byte, error) {
	resp, err := l.apply(ctx, OpCommand, CommandEntry{SessionID: sessionID, Sequence: sequence, ResourceID: resourceID, TypeID: typeID, Payload: payload})
	if err != nil {
		return nil, err
	}
	ar, ok := resp.(applyResult)
	if !ok {
		return nil, fmt.Errorf("raftlayer: unexpected command response %T", resp)
	}
	return ar.Result, ar.Err
}

// ProposeExpire appends an ExpireEntry, used by the liveness reaper.
func (l *Layer) ProposeExpire(ctx context.Context, sessionID uint64) error {
	resp, err := l.apply(ctx, OpExpire, ExpireEntry{SessionID: sessionID})
	if err != nil {
		return err
	}
	if rerr, ok := resp.(error); ok {
		return rerr
	}
	return nil
}

// ReadIndex implements session.ReadIndexer. LINEARIZABLE
// reads confirm leadership and the current commit index via a Raft
// barrier (a no-op log entry); BOUNDED_LINEARIZABLE reads accept the
// cheaper leader-lease check (raft.VerifyLeader) instead of a log
// round-trip, trading a small staleness bound for latency.
func (l *Layer) ReadIndex(ctx context.Context, consistency protocol.Consistency) (uint64, error) {
	if l.raft == nil {
		return 0, fmt.Errorf("raftlayer: not started")
	}
	if l.raft.State() != raft.Leader {
		return 0, fmt.Errorf("raftlayer: %s", protocol.ErrNoLeader)
	}

	switch consistency {
	case protocol.BoundedLinearizable:
		future := l.raft.VerifyLeader()
		if err := future.Error(); err != nil {
			return 0, fmt.Errorf("raftlayer: verify leader: %w", err)
		}
		return l.raft.AppliedIndex(), nil
	default:
		future := l.raft.Barrier(l.cfg.ApplyTimeout)
		if err := future.Error(); err != nil {
			return 0, fmt.Errorf("raftlayer: barrier: %w", err)
		}
		return l.raft.LastIndex(), nil
	}
}

// WaitApplied implements session.AppliedWaiter by polling the local
// applied index rather than introducing a blocking notification
// channel hashicorp/raft does not expose.
func (l *Layer) WaitApplied(ctx context.Context, index uint64) error {
	for {
		if l.raft != nil && l.raft.AppliedIndex() >= index {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Elapsed reports how long ago the given commit index was applied,
// used by the liveness reaper to convert a session's last-keepalive
// commit index into a wall-clock duration.
func (l *Layer) Elapsed(index uint64) time.Duration {
	return l.fsm.elapsed(index)
}

// ReapExpired finds sessions that have gone quiet past their timeout
// and proposes an OpExpire entry for each, so every replica applies
// the same expiry rather than diverging by expiring state locally.
// Only the leader does any work; on other nodes it returns at once.
func (l *Layer) ReapExpired(ctx context.Context, sessions *session.Manager) {
	if !l.IsLeader() {
		return
	}
	for _, id := range sessions.StaleSessionIDs(l.Elapsed) {
		if err := l.ProposeExpire(ctx, id); err != nil {
			log.Logger.Warn().Uint64("session_id", id).Err(err).Msg("raftlayer: propose expire failed")
		}
	}
}

// RegisterCompactionWatermark reports resourceID's driver-declared
// released watermark (the highest commit index its state machine no
// longer needs the log for). hashicorp/raft compacts its log
// automatically once a raft.FSMSnapshot is persisted and TrailingLogs
// is exceeded, so this does not drive compaction itself; it records
// the watermark for observability and warns if a driver claims release
// of an index this replica has not actually snapshotted yet, which
// would be an invariant violation.
func (l *Layer) RegisterCompactionWatermark(resourceID uint64) (uint64, error) {
	driver, ok := l.mux.Driver(resourceID)
	if !ok {
		return 0, fmt.Errorf("raftlayer: unknown resource %d", resourceID)
	}
	watermark := driver.ReleasedWatermark()
	snapshotIndex := l.fsm.snapshotIndex()
	if watermark > snapshotIndex {
		log.Logger.Warn().
			Uint64("resource_id", resourceID).
			Uint64("watermark", watermark).
			Uint64("snapshot_index", snapshotIndex).
			Msg("raftlayer: compaction watermark ahead of last snapshot")
	}
	return watermark, nil
}

// Stats reports Raft status for metrics/CLI.
func (l *Layer) Stats() map[string]string {
	if l.raft == nil {
		return nil
	}
	stats := l.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// indexTimeWindow bounds how many (commit index -> wall-clock time)
// pairs the FSM remembers, for translating the session liveness
// reaper's commit-index timestamps back into elapsed wall-clock time.
const indexTimeWindow = 8192

// fsm implements raft.FSM, dispatching committed log entries into the
// Session Manager and Resource Multiplexer.
type fsm struct {
	mu       sync.RWMutex
	sessions *session.Manager
	mux      *resource.Multiplexer

	indexTimes        map[uint64]time.Time
	indexOrder        []uint64
	lastSnapshotIndex uint64
}

func newFSM(sessions *session.Manager, mux *resource.Multiplexer) *fsm {
	return &fsm{
		sessions:   sessions,
		mux:        mux,
		indexTimes: make(map[uint64]time.Time),
	}
}

// recordIndexTime must be called with f.mu held.
func (f *fsm) recordIndexTime(index uint64, at time.Time) {
	f.indexTimes[index] = at
	f.indexOrder = append(f.indexOrder, index)
	if len(f.indexOrder) > indexTimeWindow {
		drop := f.indexOrder[0]
		f.indexOrder = f.indexOrder[1:]
		delete(f.indexTimes, drop)
	}
}

// elapsed returns how long ago index was committed, falling back to a
// conservative "long ago" estimate once it has aged out of the window
// so the liveness reaper still expires genuinely stale sessions.
func (f *fsm) elapsed(index uint64) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if at, ok := f.indexTimes[index]; ok {
		return time.Since(at)
	}
	return time.Hour
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd logCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("raftlayer: unmarshal log command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.recordIndexTime(l.Index, time.Now())
	f.sessions.ExpireGappedSessions(l.Index)

	switch cmd.Op {
	case OpRegister:
		var e RegisterEntry
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		sid := f.sessions.Register(e.ClientID, time.Duration(e.TimeoutMS)*time.Millisecond, l.Index)
		return registerResult{SessionID: sid}

	case OpKeepAlive:
		var e KeepAliveEntry
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.sessions.KeepAlive(e.SessionID, e.CommandSequenceAck, e.EventIndexAck, l.Index)

	case OpUnregister:
		var e UnregisterEntry
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.sessions.Unregister(e.SessionID)

	case OpCommand:
		var e CommandEntry
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		result, err := f.sessions.ApplyCommand(context.Background(), l.Index, e.SessionID, e.Sequence, e.ResourceID, e.TypeID, e.Payload)
		return applyResult{Result: result, Err: err}

	case OpExpire:
		var e ExpireEntry
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.sessions.Expire(e.SessionID)

	default:
		return fmt.Errorf("raftlayer: unknown op %q", cmd.Op)
	}
}

// snapshotRecord is one resource instance's serialized state, for the
// FSM snapshot.
type snapshotRecord struct {
	ResourceID uint64
	TypeID     string
	State      []byte
}

type fsmSnapshot struct {
	Sessions  []session.Export
	Resources []snapshotRecord
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := fsmSnapshot{Sessions: f.sessions.ExportAll()}
	for _, rid := range f.mux.ResourceIDs() {
		typeID, ok := f.mux.TypeID(rid)
		if !ok {
			continue
		}
		driver, ok := f.mux.Driver(rid)
		if !ok {
			continue
		}
		var buf bytes.Buffer
		if err := driver.Snapshot(&buf); err != nil {
			return nil, fmt.Errorf("raftlayer: snapshot resource %d: %w", rid, err)
		}
		snap.Resources = append(snap.Resources, snapshotRecord{ResourceID: rid, TypeID: typeID, State: buf.Bytes()})
	}

	f.lastSnapshotIndex = f.lastAppliedIndexLocked()
	return &snap, nil
}

// lastAppliedIndexLocked returns the highest commit index Apply has
// observed, used as this snapshot's approximate coverage point. Must
// be called with f.mu held.
func (f *fsm) lastAppliedIndexLocked() uint64 {
	if len(f.indexOrder) == 0 {
		return 0
	}
	return f.indexOrder[len(f.indexOrder)-1]
}

// snapshotIndex returns the commit index of the last snapshot this
// replica took.
func (f *fsm) snapshotIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSnapshotIndex
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("raftlayer: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions.ImportAll(snap.Sessions)

	for _, rec := range snap.Resources {
		driver, err := f.mux.Restore(rec.ResourceID, rec.TypeID)
		if err != nil {
			return fmt.Errorf("raftlayer: restore resource %d: %w", rec.ResourceID, err)
		}
		if err := driver.Restore(bytes.NewReader(rec.State)); err != nil {
			return fmt.Errorf("raftlayer: restore resource %d state: %w", rec.ResourceID, err)
		}
	}

	return nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

// Package transport holds the wire-encoding-independent half of the
// client-facing server: decoding an envelope, dispatching it to the
// Session Manager / Raft layer, and encoding the response.
// The two concrete transports, pkg/transport/wsjson and
// pkg/transport/binaryframe, differ only in how they frame bytes on
// the socket; both drive this package's Conn.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/protocol/codec"
	"github.com/cuemby/sessiond/pkg/session"
)

// RaftProposer is the subset of pkg/raftlayer.Layer a connection needs
// to replicate session-affecting requests. Declared here,
// rather than imported, so transport does not depend on raftlayer.
type RaftProposer interface {
	ProposeRegister(ctx context.Context, clientID uint64, timeout time.Duration) (uint64, error)
	ProposeKeepAlive(ctx context.Context, sessionID, cmdSeqAck, eventIdxAck uint64) error
	ProposeUnregister(ctx context.Context, sessionID uint64) error
	ProposeCommand(ctx context.Context, sessionID, sequence, resourceID uint64, typeID string, payload []byte) ([]byte, error)
	IsLeader() bool
	LeaderAddr() string
	Members() []string
}

// Deps are the components a Conn dispatches requests into.
type Deps struct {
	Sessions *session.Manager
	Raft     RaftProposer
}

// Conn is one client connection's protocol state machine, independent
// of how bytes reach it.
type Conn struct {
	deps  Deps
	codec codec.Codec

	writeMu sync.Mutex
	write   func([]byte) error

	mu        sync.Mutex
	sessionID uint64
	hasSession bool

	pumpOnce sync.Once
	stopPump chan struct{}
}

// NewConn creates a Conn that encodes/decodes with c and writes raw
// frames via write (assumed safe to call from one goroutine at a
// time; Conn serializes its own calls to it with writeMu).
func NewConn(deps Deps, c codec.Codec, write func([]byte) error) *Conn {
	return &Conn{deps: deps, codec: c, write: write, stopPump: make(chan struct{})}
}

// Close stops this connection's publish pump, if started.
func (c *Conn) Close() {
	c.pumpOnce.Do(func() { close(c.stopPump) })
}

func (c *Conn) sendFrame(h protocol.Header, body interface{}) error {
	data, err := codec.EncodeFrame(c.codec, h, body)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(data)
}

func errDetail(kind protocol.ErrorKind, err error) *protocol.ErrorDetail {
	return &protocol.ErrorDetail{Kind: kind, Message: err.Error()}
}

// HandleFrame decodes one raw frame and dispatches it, writing the
// response frame (for request types) before returning.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) error {
	h, rawBody, err := codec.DecodeFrame(c.codec, raw)
	if err != nil {
		return fmt.Errorf("transport: decode frame: %w", err)
	}

	switch h.Type {
	case protocol.TypeConnect:
		return c.handleConnect(h, rawBody)
	case protocol.TypeRegister:
		return c.handleRegister(ctx, h, rawBody)
	case protocol.TypeKeepAlive:
		return c.handleKeepAlive(ctx, h, rawBody)
	case protocol.TypeUnregister:
		return c.handleUnregister(ctx, h, rawBody)
	case protocol.TypeCommand:
		return c.handleCommand(ctx, h, rawBody)
	case protocol.TypeQuery:
		return c.handleQuery(ctx, h, rawBody)
	case protocol.TypePublishResponse:
		return c.handlePublishResponse(h, rawBody)
	default:
		return c.sendFrame(h, protocol.ConnectResponse{
			Status: protocol.Error,
			Error:  errDetail(protocol.ErrProtocolError, fmt.Errorf("unexpected message type %s", h.Type)),
		})
	}
}

func (c *Conn) handleConnect(h protocol.Header, raw []byte) error {
	var req protocol.Connect
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}
	resp := protocol.ConnectResponse{Status: protocol.OK, Leader: c.deps.Raft.LeaderAddr(), Members: c.deps.Raft.Members()}
	return c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeConnectResponse}, resp)
}

func (c *Conn) handleRegister(ctx context.Context, h protocol.Header, raw []byte) error {
	var req protocol.Register
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}

	resp := protocol.RegisterResponse{Leader: c.deps.Raft.LeaderAddr(), Members: c.deps.Raft.Members(), TimeoutMS: req.TimeoutMS}
	sid, err := c.deps.Raft.ProposeRegister(ctx, req.ClientID, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		resp.Status = protocol.Error
		resp.Error = errDetail(protocol.ErrIllegalMemberState, err)
		return c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeRegisterResponse}, resp)
	}

	c.mu.Lock()
	c.sessionID = sid
	c.hasSession = true
	c.mu.Unlock()

	resp.Status = protocol.OK
	resp.SessionID = sid
	if err := c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeRegisterResponse}, resp); err != nil {
		return err
	}

	c.startPublishPump(sid)
	return nil
}

func (c *Conn) startPublishPump(sessionID uint64) {
	sub, replay, err := c.deps.Sessions.Subscribe(sessionID)
	if err != nil {
		log.Logger.Warn().Uint64("session_id", sessionID).Err(err).Msg("could not attach publish pump")
		return
	}

	for _, pub := range replay {
		_ = c.sendFrame(protocol.Header{Type: protocol.TypePublish}, pub)
	}

	go func() {
		for {
			select {
			case pub, ok := <-sub:
				if !ok {
					return
				}
				if err := c.sendFrame(protocol.Header{Type: protocol.TypePublish}, pub); err != nil {
					return
				}
			case <-c.stopPump:
				return
			}
		}
	}()
}

func (c *Conn) handleKeepAlive(ctx context.Context, h protocol.Header, raw []byte) error {
	var req protocol.KeepAlive
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}

	resp := protocol.KeepAliveResponse{Leader: c.deps.Raft.LeaderAddr(), Members: c.deps.Raft.Members()}
	if err := c.deps.Raft.ProposeKeepAlive(ctx, req.SessionID, req.CommandSequenceAck, req.EventIndexAck); err != nil {
		resp.Status = protocol.Error
		resp.Error = errDetail(kindFor(err), err)
	} else {
		resp.Status = protocol.OK
	}
	return c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeKeepAliveResponse}, resp)
}

func (c *Conn) handleUnregister(ctx context.Context, h protocol.Header, raw []byte) error {
	var req protocol.Unregister
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}

	resp := protocol.UnregisterResponse{}
	if err := c.deps.Raft.ProposeUnregister(ctx, req.SessionID); err != nil {
		resp.Status = protocol.Error
		resp.Error = errDetail(kindFor(err), err)
	} else {
		resp.Status = protocol.OK
		c.Close()
	}
	return c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeUnregisterResponse}, resp)
}

func (c *Conn) handleCommand(ctx context.Context, h protocol.Header, raw []byte) error {
	var req protocol.Command
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}

	resp := protocol.CommandResponse{}
	result, err := c.deps.Raft.ProposeCommand(ctx, req.SessionID, req.Sequence, req.ResourceID, req.TypeID, req.Bytes)
	if err != nil {
		resp.Status = protocol.Error
		resp.Error = errDetail(kindFor(err), err)
	} else {
		resp.Status = protocol.OK
		resp.Result = result
	}
	return c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeCommandResponse}, resp)
}

func (c *Conn) handleQuery(ctx context.Context, h protocol.Header, raw []byte) error {
	var req protocol.Query
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}

	resp := protocol.QueryResponse{}
	result, err := c.deps.Sessions.ApplyQuery(ctx, req.SessionID, req.Sequence, req.ResourceID, req.Bytes, req.Consistency)
	if err != nil {
		resp.Status = protocol.Error
		resp.Error = errDetail(kindFor(err), err)
	} else {
		resp.Status = protocol.OK
		resp.Result = result
	}
	return c.sendFrame(protocol.Header{ID: h.ID, Type: protocol.TypeQueryResponse}, resp)
}

func (c *Conn) handlePublishResponse(h protocol.Header, raw []byte) error {
	var req protocol.PublishResponse
	if err := codec.DecodeBody(c.codec, raw, &req); err != nil {
		return err
	}
	// Acknowledgement-only message; event release happens via the next
	// KeepAlive's event_index_ack. Nothing to do here beyond having
	// decoded it without protocol error.
	return nil
}

func kindFor(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return protocol.ErrUnknownSession
	case errors.Is(err, session.ErrSequenceGap):
		return protocol.ErrCommandFailure
	default:
		return protocol.ErrApplicationError
	}
}

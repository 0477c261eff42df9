// Package client implements the session protocol client SDK: connect,
// register a session, keep it alive with a background heartbeat,
// submit commands/queries, and receive the session's event stream —
// all over the length-prefixed CBOR transport (pkg/transport/binaryframe),
// the wire encoding meant for programmatic callers rather than browsers.
package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/sessiond/pkg/idgen"
	"github.com/cuemby/sessiond/pkg/protocol"
	"github.com/cuemby/sessiond/pkg/protocol/codec"
)

const maxFrameSize = 16 << 20

// Client is a connected session-protocol client. One Client drives
// exactly one session.
type Client struct {
	conn    net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex

	clientID  uint64
	sessionID uint64
	timeout   time.Duration

	ids    idgen.MonotonicCounter
	cmdSeq idgen.MonotonicCounter

	pendingMu sync.Mutex
	pending   map[uint64]chan []byte

	events chan protocol.Publish

	ackedCommandSeq uint64
	ackedEventIndex uint64
	ackMu           sync.Mutex

	stopHeartbeat chan struct{}
	closeOnce     sync.Once
}

// Dial connects to addr and performs the Connect handshake. clientID
// should be idgen.NewClientID() on first use, or the previously
// returned id when reconnecting an existing logical client.
func Dial(addr string, clientID uint64) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:          conn,
		writer:        bufio.NewWriter(conn),
		clientID:      clientID,
		pending:       make(map[uint64]chan []byte),
		events:        make(chan protocol.Publish, 256),
		stopHeartbeat: make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(conn))

	if _, err := c.call(context.Background(), protocol.TypeConnect, protocol.Connect{ClientID: clientID}, protocol.TypeConnectResponse); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) readLoop(r *bufio.Reader) {
	for {
		data, err := readFrame(r)
		if err != nil {
			c.pendingMu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[uint64]chan []byte)
			c.pendingMu.Unlock()
			close(c.events)
			return
		}

		h, rawBody, err := codec.DecodeFrame(codec.CBOR, data)
		if err != nil {
			continue
		}

		if h.Type == protocol.TypePublish {
			var pub protocol.Publish
			if err := codec.DecodeBody(codec.CBOR, rawBody, &pub); err == nil {
				select {
				case c.events <- pub:
				default:
					// Slow consumer: drop rather than block the read loop.
				}
			}
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[h.ID]
		if ok {
			delete(c.pending, h.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- rawBody
		}
	}
}

func (c *Client) call(ctx context.Context, reqType protocol.MessageType, body interface{}, respType protocol.MessageType) ([]byte, error) {
	id := c.ids.Next()
	ch := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := codec.EncodeFrame(codec.CBOR, protocol.Header{ID: id, Type: reqType}, body)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = writeFrame(c.writer, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("client: write frame: %w", err)
	}

	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("client: connection closed awaiting %s", respType)
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func asError(status protocol.Status, detail *protocol.ErrorDetail) error {
	if status == protocol.OK {
		return nil
	}
	if detail == nil {
		return fmt.Errorf("client: request failed")
	}
	return fmt.Errorf("client: %s: %s", detail.Kind, detail.Message)
}

// Register opens a session with the given liveness timeout and starts
// the background keepalive heartbeat.
func (c *Client) Register(ctx context.Context, timeout time.Duration) (uint64, error) {
	raw, err := c.call(ctx, protocol.TypeRegister, protocol.Register{ClientID: c.clientID, TimeoutMS: timeout.Milliseconds()}, protocol.TypeRegisterResponse)
	if err != nil {
		return 0, err
	}
	var resp protocol.RegisterResponse
	if err := codec.DecodeBody(codec.CBOR, raw, &resp); err != nil {
		return 0, err
	}
	if err := asError(resp.Status, resp.Error); err != nil {
		return 0, err
	}

	c.sessionID = resp.SessionID
	c.timeout = timeout
	go c.heartbeatLoop()
	return resp.SessionID, nil
}

func (c *Client) heartbeatLoop() {
	interval := c.timeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			c.ackMu.Lock()
			cmdAck, evtAck := c.ackedCommandSeq, c.ackedEventIndex
			c.ackMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, _ = c.call(ctx, protocol.TypeKeepAlive, protocol.KeepAlive{
				SessionID:          c.sessionID,
				CommandSequenceAck: cmdAck,
				EventIndexAck:      evtAck,
			}, protocol.TypeKeepAliveResponse)
			cancel()
		}
	}
}

// AckEventIndex records the highest event_index the caller has fully
// processed, so the next heartbeat releases buffered events up to it.
func (c *Client) AckEventIndex(index uint64) {
	c.ackMu.Lock()
	if index > c.ackedEventIndex {
		c.ackedEventIndex = index
	}
	c.ackMu.Unlock()
}

// SubmitCommand applies a mutating operation against resourceID,
// lazily instantiating it as typeID on first reference.
func (c *Client) SubmitCommand(ctx context.Context, resourceID uint64, typeID string, payload []byte) ([]byte, error) {
	seq := c.cmdSeq.Next()
	raw, err := c.call(ctx, protocol.TypeCommand, protocol.Command{
		SessionID:  c.sessionID,
		Sequence:   seq,
		ResourceID: resourceID,
		TypeID:     typeID,
		Bytes:      payload,
	}, protocol.TypeCommandResponse)
	if err != nil {
		return nil, err
	}
	var resp protocol.CommandResponse
	if err := codec.DecodeBody(codec.CBOR, raw, &resp); err != nil {
		return nil, err
	}
	if err := asError(resp.Status, resp.Error); err != nil {
		return nil, err
	}

	c.ackMu.Lock()
	if seq > c.ackedCommandSeq {
		c.ackedCommandSeq = seq
	}
	c.ackMu.Unlock()

	return resp.Result, nil
}

// Query submits a read against resourceID at the requested
// consistency level.
func (c *Client) Query(ctx context.Context, resourceID uint64, payload []byte, consistency protocol.Consistency) ([]byte, error) {
	raw, err := c.call(ctx, protocol.TypeQuery, protocol.Query{
		SessionID:   c.sessionID,
		ResourceID:  resourceID,
		Bytes:       payload,
		Consistency: consistency,
	}, protocol.TypeQueryResponse)
	if err != nil {
		return nil, err
	}
	var resp protocol.QueryResponse
	if err := codec.DecodeBody(codec.CBOR, raw, &resp); err != nil {
		return nil, err
	}
	if err := asError(resp.Status, resp.Error); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Unregister gracefully closes the session.
func (c *Client) Unregister(ctx context.Context) error {
	raw, err := c.call(ctx, protocol.TypeUnregister, protocol.Unregister{SessionID: c.sessionID}, protocol.TypeUnregisterResponse)
	if err != nil {
		return err
	}
	var resp protocol.UnregisterResponse
	if err := codec.DecodeBody(codec.CBOR, raw, &resp); err != nil {
		return err
	}
	return asError(resp.Status, resp.Error)
}

// Events returns the channel of events published to this session's
// resources, delivered gap-free and in event_index order.
// Call AckEventIndex as events are processed so the server can release
// its pending buffer.
func (c *Client) Events() <-chan protocol.Publish { return c.events }

// SessionID returns the registered session id, or 0 before Register.
func (c *Client) SessionID() uint64 { return c.sessionID }

// Close stops the heartbeat and closes the underlying connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.stopHeartbeat) })
	return c.conn.Close()
}

func writeFrame(w *bufio.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("client: frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

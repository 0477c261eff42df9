// Package binaryframe serves the session protocol as CBOR envelopes
// over a length-prefixed stream on a raw net.Conn, using the compact
// binary wire encoding.
package binaryframe

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/sessiond/pkg/buffer"
	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/protocol/codec"
	"github.com/cuemby/sessiond/pkg/transport"
)

// maxFrameSize bounds a single envelope to guard against a corrupt or
// hostile length prefix forcing an unbounded allocation.
const maxFrameSize = 16 << 20

// Server accepts raw TCP connections and serves the session protocol
// as length-prefixed CBOR frames.
type Server struct {
	deps transport.Deps
	bufs *buffer.Pool
}

// NewServer creates a binaryframe Server.
func NewServer(deps transport.Deps) *Server {
	return &Server{
		deps: deps,
		bufs: buffer.NewPool(buffer.Config{BufferSize: 4096}),
	}
}

// Serve accepts connections on ln until it returns an error, with each
// connection's accept loop owned by the caller.
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer nc.Close()

	var writeMu sync.Mutex
	writer := bufio.NewWriter(nc)

	conn := transport.NewConn(s.deps, codec.CBOR, func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(writer, data)
	})
	defer conn.Close()

	reader := bufio.NewReader(nc)
	ctx := context.Background()
	for {
		buf, err := s.readFrameBuf(reader)
		if err != nil {
			if err != io.EOF {
				log.Logger.Debug().Err(err).Msg("binaryframe: connection closed")
			}
			return
		}
		err = conn.HandleFrame(ctx, buf.Bytes())
		buf.Release()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("binaryframe: handle frame")
			return
		}
	}
}

// readFrameBuf reads one length-prefixed frame into a pooled buffer.
// The caller must call Release on the returned buffer exactly once,
// after it is done with Bytes().
func (s *Server) readFrameBuf(r *bufio.Reader) (*buffer.Buffer, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("binaryframe: frame of %d bytes exceeds limit", n)
	}

	b := s.bufs.Acquire(false)
	w := s.bufs.NewWriter(b)
	if _, err := io.CopyN(w, r, int64(n)); err != nil {
		w.Release(s.bufs)
		b.Release()
		return nil, err
	}
	w.Release(s.bufs)
	return b, nil
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


// Package wsjson serves the session protocol as JSON envelopes over a
// WebSocket connection.
package wsjson

import (
	"context"
	"io"
	"net/http"

	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/protocol/codec"
	"github.com/cuemby/sessiond/pkg/transport"
	"golang.org/x/net/websocket"
)

// Server wraps a websocket.Server bound to transport.Deps.
type Server struct {
	deps transport.Deps
}

// NewServer creates a wsjson Server.
func NewServer(deps transport.Deps) *Server {
	return &Server{deps: deps}
}

// Handler returns an http.Handler that upgrades to WebSocket and
// serves the session protocol in JSON over it.
func (s *Server) Handler() http.Handler {
	return websocket.Handler(s.serveConn)
}

func (s *Server) serveConn(ws *websocket.Conn) {
	defer ws.Close()

	conn := transport.NewConn(s.deps, codec.JSON, func(data []byte) error {
		return websocket.Message.Send(ws, data)
	})
	defer conn.Close()

	ctx := context.Background()
	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if err != io.EOF {
				log.Logger.Debug().Err(err).Msg("wsjson: connection closed")
			}
			return
		}
		if err := conn.HandleFrame(ctx, data); err != nil {
			log.Logger.Warn().Err(err).Msg("wsjson: handle frame")
			return
		}
	}
}

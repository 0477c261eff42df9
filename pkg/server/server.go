// Package server wires every layer of a sessiond replica together:
// storage, the Raft-backed replication layer, the session manager, the
// resource multiplexer, metrics, and the two wire transports. It is a
// thin assembly point — almost all behavior lives in the packages it
// wires, not here.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/sessiond/pkg/events"
	"github.com/cuemby/sessiond/pkg/idgen"
	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/metrics"
	"github.com/cuemby/sessiond/pkg/raftlayer"
	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/session"
	"github.com/cuemby/sessiond/pkg/storage"
	"github.com/cuemby/sessiond/pkg/transport"
	"github.com/cuemby/sessiond/pkg/transport/binaryframe"
	"github.com/cuemby/sessiond/pkg/transport/wsjson"
)

// Config holds everything needed to assemble one replica.
type Config struct {
	NodeID      int64  // snowflake node index, also used to derive the Raft node ID
	RaftBindAddr string
	WSAddr      string // websocket listen address ("" disables)
	TCPAddr     string // length-prefixed CBOR listen address ("" disables)
	AdminAddr   string // metrics/health/cluster-admin HTTP listen address
	DataDir     string

	Session session.Config
	Raft    raftlayer.Config

	expireInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.expireInterval <= 0 {
		c.expireInterval = 2 * time.Second
	}
	return c
}

// Server is one running replica: Raft member, session host, and
// transport endpoint.
type Server struct {
	cfg Config

	store     *storage.BoltStore
	ids       *idgen.Sequencer
	sessions  *session.Manager
	mux       *resource.Multiplexer
	raft      *raftlayer.Layer
	broker    *events.Broker
	collector *metrics.Collector

	wsSrv  *wsjson.Server
	tcpSrv *binaryframe.Server
	admin  *http.Server

	stopExpiry chan struct{}
}

// New assembles a Server. registry must already have every resource
// type this deployment supports registered and closed — the global
// resource-type registry is fixed at process start.
func New(cfg Config, registry *resource.Registry) (*Server, error) {
	cfg = cfg.withDefaults()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	ids, err := idgen.NewSequencer(cfg.NodeID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: create id sequencer: %w", err)
	}

	sessions := session.NewManager(cfg.Session, ids, nil, nil, nil)
	mux := resource.NewMultiplexer(registry, sessions)

	raftCfg := cfg.Raft
	raftCfg.NodeID = fmt.Sprintf("node-%d", cfg.NodeID)
	raftCfg.BindAddr = cfg.RaftBindAddr
	raftCfg.DataDir = cfg.DataDir
	layer := raftlayer.New(raftCfg, sessions, mux)

	sessions.Attach(mux, layer, layer)

	broker := events.NewBroker()
	sessions.SetNotifier(broker)
	layer.SetNotifier(broker)
	collector := metrics.NewCollector(sessions, mux, layer)

	deps := transport.Deps{Sessions: sessions, Raft: layer}

	s := &Server{
		cfg:       cfg,
		store:     store,
		ids:       ids,
		sessions:  sessions,
		mux:       mux,
		raft:      layer,
		broker:    broker,
		collector: collector,
		wsSrv:     wsjson.NewServer(deps),
		tcpSrv:    binaryframe.NewServer(deps),
	}
	return s, nil
}

// Bootstrap starts a brand new single-node cluster.
func (s *Server) Bootstrap() error {
	if err := s.raft.Bootstrap(); err != nil {
		return fmt.Errorf("server: bootstrap raft: %w", err)
	}
	return s.startCommon()
}

// Join starts this replica's local Raft participant against an
// existing cluster. The caller is responsible for having the cluster
// leader call AddVoter for this node (e.g. via the admin HTTP
// /cluster/join route), since hashicorp/raft requires the leader, not
// the joiner, to add the new server to its configuration.
func (s *Server) Join() error {
	if err := s.raft.Join(); err != nil {
		return fmt.Errorf("server: join raft: %w", err)
	}
	return s.startCommon()
}

func (s *Server) startCommon() error {
	s.broker.Start()
	s.collector.Start()

	metrics.SetVersion("1.0.0")
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("transport", false, "starting")

	s.stopExpiry = make(chan struct{})
	go s.expiryLoop()

	if s.WSAddr() != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/session", s.wsSrv.Handler())
			if err := http.ListenAndServe(s.cfg.WSAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("server: websocket transport exited")
			}
		}()
	}

	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("server: listen binary transport: %w", err)
		}
		go func() {
			if err := s.tcpSrv.Serve(ln); err != nil {
				log.Logger.Error().Err(err).Msg("server: binary transport exited")
			}
		}()
	}

	s.admin = s.newAdminServer()
	go func() {
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("server: admin http server exited")
		}
	}()

	metrics.RegisterComponent("transport", true, "ready")
	return nil
}

// WSAddr returns the configured websocket listen address.
func (s *Server) WSAddr() string { return s.cfg.WSAddr }

func (s *Server) expiryLoop() {
	ticker := time.NewTicker(s.cfg.expireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopExpiry:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.raft.ReapExpired(ctx, s.sessions)
			cancel()

			for _, rid := range s.mux.ResourceIDs() {
				_, _ = s.raft.RegisterCompactionWatermark(rid)
			}
		}
	}
}

// Raft exposes the underlying Raft layer for admin operations (join
// tokens, AddVoter) driven by cmd/sessiond.
func (s *Server) Raft() *raftlayer.Layer { return s.raft }

// Store exposes the bootstrap metadata store for admin operations.
func (s *Server) Store() *storage.BoltStore { return s.store }

// Shutdown stops every background component.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopExpiry != nil {
		close(s.stopExpiry)
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.broker != nil {
		s.broker.Stop()
	}
	if s.admin != nil {
		_ = s.admin.Shutdown(ctx)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	return nil
}

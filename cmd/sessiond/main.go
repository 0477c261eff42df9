package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sessiond/pkg/log"
	"github.com/cuemby/sessiond/pkg/raftlayer"
	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/resources/atomiclong"
	"github.com/cuemby/sessiond/pkg/resources/value"
	"github.com/cuemby/sessiond/pkg/server"
	"github.com/cuemby/sessiond/pkg/session"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sessiond",
	Short:   "sessiond - replicated client-session and event layer on Raft",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sessiond version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	for _, cmd := range []*cobra.Command{initCmd, joinCmd} {
		cmd.Flags().Int64("node-index", 1, "Snowflake/Raft node index (must be unique per cluster member)")
		cmd.Flags().String("raft-addr", "127.0.0.1:7946", "Address for Raft consensus traffic")
		cmd.Flags().String("ws-addr", "127.0.0.1:8080", "Address for the WebSocket session transport")
		cmd.Flags().String("tcp-addr", "127.0.0.1:8081", "Address for the binary (CBOR) session transport")
		cmd.Flags().String("admin-addr", "127.0.0.1:9090", "Address for metrics/health/cluster-admin HTTP endpoints")
		cmd.Flags().String("data-dir", "./sessiond-data", "Data directory for replicated and bootstrap state")
	}
	joinCmd.Flags().String("leader-admin-addr", "", "Admin HTTP address of an existing cluster member (required)")
	joinCmd.Flags().String("token", "", "Join token issued by the leader (required)")
	_ = joinCmd.MarkFlagRequired("leader-admin-addr")
	_ = joinCmd.MarkFlagRequired("token")

	rootCmd.AddCommand(initCmd, joinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// registry is the process-wide, fixed-at-startup set of resource types
// this build of sessiond supports.
func registry() *resource.Registry {
	reg := resource.NewRegistry()
	atomiclong.Register(reg)
	value.Register(reg)
	reg.Close()
	return reg
}

func buildConfig(cmd *cobra.Command) server.Config {
	nodeIndex, _ := cmd.Flags().GetInt64("node-index")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	wsAddr, _ := cmd.Flags().GetString("ws-addr")
	tcpAddr, _ := cmd.Flags().GetString("tcp-addr")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	return server.Config{
		NodeID:       nodeIndex,
		RaftBindAddr: raftAddr,
		WSAddr:       wsAddr,
		TCPAddr:      tcpAddr,
		AdminAddr:    adminAddr,
		DataDir:      dataDir,
		Session:      session.Config{},
		Raft:         raftlayer.Config{},
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new sessiond cluster with this node as the only member",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig(cmd)
		srv, err := server.New(cfg, registry())
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		if err := srv.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		fmt.Printf("sessiond cluster initialized: raft=%s ws=%s tcp=%s admin=%s\n", cfg.RaftBindAddr, cfg.WSAddr, cfg.TCPAddr, cfg.AdminAddr)
		return waitForShutdown(srv)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing sessiond cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig(cmd)
		leaderAdmin, _ := cmd.Flags().GetString("leader-admin-addr")
		token, _ := cmd.Flags().GetString("token")

		srv, err := server.New(cfg, registry())
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		if err := srv.Join(); err != nil {
			return fmt.Errorf("join raft: %w", err)
		}

		nodeID := fmt.Sprintf("node-%d", cfg.NodeID)
		if err := requestJoin(leaderAdmin, nodeID, cfg.RaftBindAddr, token); err != nil {
			return fmt.Errorf("register with leader: %w", err)
		}

		fmt.Printf("sessiond node %s joined cluster via %s\n", nodeID, leaderAdmin)
		return waitForShutdown(srv)
	},
}

func requestJoin(leaderAdmin, nodeID, addr, token string) error {
	body, err := json.Marshal(map[string]string{"node_id": nodeID, "addr": addr, "token": token})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s/cluster/join", leaderAdmin), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leader returned status %d", resp.StatusCode)
	}
	return nil
}

func waitForShutdown(srv *server.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

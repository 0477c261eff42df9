package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/sessiond/pkg/idgen"
	"github.com/cuemby/sessiond/pkg/metrics"
	"github.com/cuemby/sessiond/pkg/storage"
)

// newAdminServer builds the cluster-admin/metrics/health HTTP mux,
// kept on a dedicated port separate from the session wire transports.
func (s *Server) newAdminServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.HandleFunc("/cluster/members", s.handleMembers)
	mux.HandleFunc("/cluster/token", s.handleIssueToken)
	mux.HandleFunc("/cluster/join", s.handleJoin)
	mux.HandleFunc("/cluster/events", s.handleEvents)

	return &http.Server{Addr: s.cfg.AdminAddr, Handler: mux}
}

// handleEvents streams global session/resource/leadership notifications
// as newline-delimited JSON, for CLI or metrics observers. It closes
// its subscription when the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader":  s.raft.IsLeader(),
		"members": s.raft.Members(),
	})
}

// tokenRequest/tokenResponse shapes the join-token issuance endpoint.
type tokenRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.raft.IsLeader() {
		writeJSON(w, http.StatusMisdirectedRequest, map[string]string{"error": "not leader", "leader": s.raft.LeaderAddr()})
		return
	}

	var req tokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = int64((24 * time.Hour).Seconds())
	}

	token := idgen.JoinToken()
	if err := s.store.IssueJoinToken(token, ttl); err != nil {
		http.Error(w, fmt.Sprintf("issue token: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// joinRequest is what a node asks the leader when it wants to be
// added as a Raft voter.
type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
	Token  string `json:"token"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.raft.IsLeader() {
		writeJSON(w, http.StatusMisdirectedRequest, map[string]string{"error": "not leader", "leader": s.raft.LeaderAddr()})
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	valid, err := s.store.ConsumeJoinToken(req.Token)
	if err != nil && err != storage.ErrNotFound {
		http.Error(w, fmt.Sprintf("validate token: %v", err), http.StatusInternalServerError)
		return
	}
	if !valid {
		http.Error(w, "invalid or expired join token", http.StatusForbidden)
		return
	}

	if err := s.raft.AddVoter(req.NodeID, req.Addr); err != nil {
		http.Error(w, fmt.Sprintf("add voter: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveMember(storage.Member{NodeID: req.NodeID, Addr: req.Addr}); err != nil {
		http.Error(w, fmt.Sprintf("save member: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/sessiond/pkg/resource"
	"github.com/cuemby/sessiond/pkg/session"
)

// RaftSource is the subset of pkg/raftlayer.Layer the collector needs;
// declared here to avoid an import cycle between metrics and raftlayer.
type RaftSource interface {
	IsLeader() bool
	Members() []string
	Stats() map[string]string
}

// Collector periodically samples the Session Manager, Resource
// Multiplexer, and Raft layer into Prometheus metrics on a ticker.
type Collector struct {
	sessions *session.Manager
	mux      *resource.Multiplexer
	raft     RaftSource

	stopCh chan struct{}
}

// NewCollector creates a metrics Collector.
func NewCollector(sessions *session.Manager, mux *resource.Multiplexer, raft RaftSource) *Collector {
	return &Collector{
		sessions: sessions,
		mux:      mux,
		raft:     raft,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection on its own goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSessionMetrics()
	c.collectResourceMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectSessionMetrics() {
	if c.sessions == nil {
		return
	}
	counts := c.sessions.Count()
	for _, st := range []session.State{session.Open, session.Suspended, session.Expired, session.Closed} {
		SessionsTotal.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

func (c *Collector) collectResourceMetrics() {
	if c.mux == nil {
		return
	}
	typeCounts := make(map[string]int)
	for _, rid := range c.mux.ResourceIDs() {
		if typeID, ok := c.mux.TypeID(rid); ok {
			typeCounts[typeID]++
		}
	}
	for typeID, count := range typeCounts {
		ResourceInstancesTotal.WithLabelValues(typeID).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}

	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftPeers.Set(float64(len(c.raft.Members())))

	stats := c.raft.Stats()
	if v, err := strconv.ParseUint(stats["last_log_index"], 10, 64); err == nil {
		RaftLastIndex.Set(float64(v))
	}
	if v, err := strconv.ParseUint(stats["applied_index"], 10, 64); err == nil {
		RaftAppliedIndex.Set(float64(v))
	}
}

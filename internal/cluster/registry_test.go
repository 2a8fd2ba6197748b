package cluster

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/miragelabs/mirage-core/internal/config"
)

func testRegistry() *Registry {
	return &Registry{
		cfg: config.NodeConfig{
			ID:               "node-a",
			HeartbeatTimeout: 100,
		},
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		nodes: make(map[string]*NodeInfo),
	}
}

func TestStaleNodesMarkedUnhealthy(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	r.updateNode("node-a", "orchestrator", 1, 4, now)
	r.updateNode("node-b", "orchestrator", 2, 4, now.Add(-time.Second))

	r.evaluateHealth()

	if !r.Healthy() {
		t.Fatal("fresh local node marked unhealthy")
	}
	for _, node := range r.Peers() {
		if node.ID == "node-b" && node.Healthy {
			t.Fatal("stale peer still marked healthy")
		}
	}
}

func TestClusterHeadroomSkipsUnhealthyNodes(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	r.updateNode("node-a", "orchestrator", 1, 4, now)
	r.updateNode("node-b", "orchestrator", 0, 4, now.Add(-time.Second))
	r.evaluateHealth()

	if got := r.ClusterHeadroom(); got != 3 {
		t.Fatalf("expected headroom 3 from the healthy node only, got %d", got)
	}
}

func TestHeartbeatRefreshesHealth(t *testing.T) {
	r := testRegistry()

	r.updateNode("node-b", "", 0, 4, time.Now().Add(-time.Second))
	r.evaluateHealth()
	r.updateNode("node-b", "", 1, 4, time.Now())

	for _, node := range r.Peers() {
		if node.ID == "node-b" && !node.Healthy {
			t.Fatal("heartbeat did not restore health")
		}
	}
}

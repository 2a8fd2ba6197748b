package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/miragelabs/mirage-core/internal/bus"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

// Capacity is the session headroom this node advertises. The session
// registry satisfies it.
type Capacity interface {
	Count() int
	MaxSessions() int
}

// NodeInfo is the registry's view of one orchestrator node.
type NodeInfo struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	ActiveSessions int       `json:"active_sessions"`
	MaxSessions    int       `json:"max_sessions"`
	LastSeen       time.Time `json:"last_seen"`
	Healthy        bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID      string    `json:"node_id"`
	Role        string    `json:"role"`
	MaxSessions int       `json:"max_sessions"`
	Timestamp   time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	MaxSessions    int       `json:"max_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

// Registry announces this orchestrator on the bus, publishes periodic
// capacity heartbeats, and tracks peer orchestrators. Peers that miss their
// heartbeat window are marked unhealthy, not removed.
type Registry struct {
	cfg      config.NodeConfig
	log      *slog.Logger
	bus      *bus.Client
	capacity Capacity

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, capacity Capacity, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "cluster")),
		bus:      busClient,
		capacity: capacity,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:      r.cfg.ID,
		Role:        r.cfg.Role,
		MaxSessions: r.capacity.MaxSessions(),
		Timestamp:   time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, 0, msg.MaxSessions, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:         r.cfg.ID,
		ActiveSessions: r.capacity.Count(),
		MaxSessions:    r.capacity.MaxSessions(),
		Timestamp:      time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectNodeHeartbeat, r.cfg.ID)
	return r.bus.Conn().Publish(subject, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, 0, announcement.MaxSessions, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", hb.ActiveSessions, hb.MaxSessions, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, active, max int, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	node.ActiveSessions = active
	if max > 0 {
		node.MaxSessions = max
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own record is fresh.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Peers returns every known node, this one included.
func (r *Registry) Peers() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		results = append(results, *node)
	}
	return results
}

// ClusterHeadroom sums the free session slots across healthy nodes.
func (r *Registry) ClusterHeadroom() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var free int
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		if headroom := node.MaxSessions - node.ActiveSessions; headroom > 0 {
			free += headroom
		}
	}
	return free
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("mirage/cluster")
	sessionGauge, err := meter.Int64ObservableGauge("mirage.sessions.active",
		metric.WithDescription("Active sessions on this node"))
	if err != nil {
		return err
	}
	peerGauge, err := meter.Int64ObservableGauge("mirage.cluster.healthy_nodes",
		metric.WithDescription("Known healthy orchestrator nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(sessionGauge, int64(r.capacity.Count()))
		obs.ObserveInt64(peerGauge, r.healthyCount())
		return nil
	}, sessionGauge, peerGauge)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, node := range r.nodes {
		if node.Healthy {
			n++
		}
	}
	return n
}

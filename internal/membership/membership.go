package membership

import (
	"sync"
	"time"
)

// NodeStatus represents the believed liveness of a cluster node.
type NodeStatus string

const (
	NodeStatusAlive   NodeStatus = "alive"
	NodeStatusSuspect NodeStatus = "suspect"
	NodeStatusDead    NodeStatus = "dead"
)

// NodeInfo is what the membership service knows about one worker or
// manager node.
type NodeInfo struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Status   NodeStatus        `json:"status"`
	LastSeen time.Time         `json:"last_seen"`
	Metadata map[string]string `json:"metadata"`
}

// Config configures a Tracker.
type Config struct {
	NodeID        string `yaml:"node_id"`
	ListenAddr    string `yaml:"listen_addr"`
	AdvertiseAddr string `yaml:"advertise_addr"`

	SeedNodes []string `yaml:"seed_nodes"`

	GossipInterval  time.Duration `yaml:"gossip_interval"`
	GossipFanout    int           `yaml:"gossip_fanout"`
	MaxGossipPacket int           `yaml:"max_gossip_packet"`

	SuspicionTimeout time.Duration `yaml:"suspicion_timeout"`
}

// DefaultConfig returns sensible SWIM-style defaults.
func DefaultConfig() Config {
	return Config{
		GossipInterval:   1 * time.Second,
		GossipFanout:     3,
		MaxGossipPacket:  1400,
		SuspicionTimeout: 5 * time.Second,
	}
}

// Tracker is a SWIM-derived gossip membership tracker. It implements
// types.MembershipWatcher: DeadWorkers reports the current snapshot,
// Subscribe delivers node IDs as they transition into NodeStatusDead.
//
// Unlike the cache-coordination cluster manager this was grounded on, a
// Tracker does no leader election and routes no operations: the split-log
// protocol decides task ownership entirely through the coordination store's
// claim race, so there is nothing here to elect or route.
type Tracker struct {
	mu     sync.RWMutex
	config Config
	gossip *gossipProtocol

	nodes map[string]*NodeInfo

	deadSubscribers []chan string
	stopCh          chan struct{}
}

// New creates a Tracker and wires its gossip protocol.
func New(config Config) *Tracker {
	t := &Tracker{
		config: config,
		nodes:  make(map[string]*NodeInfo),
		stopCh: make(chan struct{}),
	}
	t.gossip = newGossipProtocol(t, config)
	return t
}

// Start begins listening for and exchanging gossip.
func (t *Tracker) Start() error {
	return t.gossip.start()
}

// Stop tears down the gossip listener.
func (t *Tracker) Stop() error {
	close(t.stopCh)
	return t.gossip.stop()
}

// Join announces this node to a seed address.
func (t *Tracker) Join(seedAddr string) error {
	return t.gossip.joinNode(seedAddr)
}

// DeadWorkers implements types.MembershipWatcher.
func (t *Tracker) DeadWorkers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var dead []string
	for id, n := range t.nodes {
		if n.Status == NodeStatusDead {
			dead = append(dead, id)
		}
	}
	return dead
}

// Subscribe implements types.MembershipWatcher. The returned channel
// receives a worker's node ID the moment it is declared dead; it is never
// closed.
func (t *Tracker) Subscribe() <-chan string {
	ch := make(chan string, 16)
	t.mu.Lock()
	t.deadSubscribers = append(t.deadSubscribers, ch)
	t.mu.Unlock()
	return ch
}

// updateNode stores info as the node's current record, replacing the
// previous one wholesale, status included.
func (t *Tracker) updateNode(info *NodeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[info.ID] = info
}

// markDead transitions a node to dead and notifies every subscriber. It is
// idempotent: a node already dead is not re-announced.
func (t *Tracker) markDead(nodeID string) {
	t.mu.Lock()
	n, exists := t.nodes[nodeID]
	alreadyDead := exists && n.Status == NodeStatusDead
	if exists {
		n.Status = NodeStatusDead
	}
	subs := make([]chan string, len(t.deadSubscribers))
	copy(subs, t.deadSubscribers)
	t.mu.Unlock()

	if alreadyDead {
		return
	}

	for _, ch := range subs {
		select {
		case ch <- nodeID:
		default:
		}
	}
}

// Snapshot returns a copy of every known node.
func (t *Tracker) Snapshot() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NodeInfo, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	return out
}

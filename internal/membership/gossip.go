package membership

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// gossipProtocol implements a SWIM-style gossip membership protocol:
// periodic alive announcements, suspicion raised by a peer's suspect
// message, and a suspicion timeout that promotes a suspect node to dead.
// Missed contact alone does not make a node suspect.
type gossipProtocol struct {
	mu         sync.RWMutex
	tracker    *Tracker
	config     Config
	localNode  *NodeInfo
	memberlist map[string]*gossipNode
	conn       *net.UDPConn
	stats      *gossipStats
	stopCh     chan struct{}
}

type gossipNode struct {
	Info        *NodeInfo
	Incarnation uint32
	State       gossipState
	StateChange time.Time
	Suspicion   *suspicion
}

type gossipState int

const (
	stateAlive gossipState = iota
	stateSuspect
	stateDead
	stateLeft
)

type suspicion struct {
	Incarnation uint32
	From        []string
	Timeout     time.Time
}

type gossipMessage struct {
	Type      messageType     `json:"type"`
	From      string          `json:"from"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
}

type messageType string

const (
	msgJoin      messageType = "join"
	msgAlive     messageType = "alive"
	msgSuspect   messageType = "suspect"
	msgDead      messageType = "dead"
	msgSync      messageType = "sync"
	msgHeartbeat messageType = "heartbeat"
)

type joinMessage struct {
	Node        *NodeInfo `json:"node"`
	Incarnation uint32    `json:"incarnation"`
}

type aliveMessage struct {
	Node        *NodeInfo `json:"node"`
	Incarnation uint32    `json:"incarnation"`
}

type suspectMessage struct {
	Node        string `json:"node"`
	Incarnation uint32 `json:"incarnation"`
	From        string `json:"from"`
}

type deadMessage struct {
	Node        string `json:"node"`
	Incarnation uint32 `json:"incarnation"`
	From        string `json:"from"`
}

type syncMessage struct {
	Nodes map[string]*gossipNode `json:"nodes"`
}

type heartbeatMessage struct {
	Node        string    `json:"node"`
	Timestamp   time.Time `json:"timestamp"`
	Incarnation uint32    `json:"incarnation"`
}

type gossipStats struct {
	mu               sync.RWMutex
	MessagesSent     int64
	MessagesReceived int64
	SuspicionEvents  int64
	DeathEvents      int64
	NetworkErrors    int64
}

func newGossipProtocol(tracker *Tracker, config Config) *gossipProtocol {
	gp := &gossipProtocol{
		tracker:    tracker,
		config:     config,
		memberlist: make(map[string]*gossipNode),
		stats:      &gossipStats{},
		stopCh:     make(chan struct{}),
	}

	gp.localNode = &NodeInfo{
		ID:       config.NodeID,
		Address:  config.AdvertiseAddr,
		Status:   NodeStatusAlive,
		LastSeen: time.Now(),
		Metadata: make(map[string]string),
	}

	gp.memberlist[gp.localNode.ID] = &gossipNode{
		Info:        gp.localNode,
		Incarnation: 1,
		State:       stateAlive,
		StateChange: time.Now(),
	}

	return gp
}

func (gp *gossipProtocol) start() error {
	addr, err := net.ResolveUDPAddr("udp", gp.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start udp listener: %w", err)
	}
	gp.conn = conn

	go gp.receiveMessages()
	go gp.gossipLoop()
	go gp.suspicionTimer()

	return nil
}

func (gp *gossipProtocol) stop() error {
	close(gp.stopCh)
	if gp.conn != nil {
		return gp.conn.Close()
	}
	return nil
}

func (gp *gossipProtocol) joinNode(nodeAddr string) error {
	msg := &gossipMessage{
		Type:      msgJoin,
		From:      gp.localNode.ID,
		Timestamp: time.Now(),
		MessageID: gp.generateMessageID(),
	}

	data, err := json.Marshal(&joinMessage{Node: gp.localNode, Incarnation: gp.currentIncarnation()})
	if err != nil {
		return fmt.Errorf("failed to marshal join message: %w", err)
	}
	msg.Data = data

	return gp.sendMessage(nodeAddr, msg)
}

func (gp *gossipProtocol) receiveMessages() {
	buffer := make([]byte, gp.config.MaxGossipPacket)

	for {
		select {
		case <-gp.stopCh:
			return
		default:
			if gp.conn == nil {
				continue
			}
			n, _, err := gp.conn.ReadFromUDP(buffer)
			if err != nil {
				gp.stats.mu.Lock()
				gp.stats.NetworkErrors++
				gp.stats.mu.Unlock()
				continue
			}
			gp.handleIncoming(buffer[:n])
		}
	}
}

func (gp *gossipProtocol) handleIncoming(data []byte) {
	var msg gossipMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("membership: failed to unmarshal gossip message: %v", err)
		return
	}

	gp.stats.mu.Lock()
	gp.stats.MessagesReceived++
	gp.stats.mu.Unlock()

	switch msg.Type {
	case msgJoin:
		gp.handleJoin(&msg)
	case msgAlive:
		gp.handleAlive(&msg)
	case msgSuspect:
		gp.handleSuspect(&msg)
	case msgDead:
		gp.handleDead(&msg)
	case msgSync:
		gp.handleSync(&msg)
	case msgHeartbeat:
		gp.handleHeartbeat(&msg)
	}
}

func (gp *gossipProtocol) handleJoin(msg *gossipMessage) {
	var joinMsg joinMessage
	if err := json.Unmarshal(msg.Data, &joinMsg); err != nil {
		return
	}

	gp.mu.Lock()
	gp.memberlist[joinMsg.Node.ID] = &gossipNode{
		Info:        joinMsg.Node,
		Incarnation: joinMsg.Incarnation,
		State:       stateAlive,
		StateChange: time.Now(),
	}
	gp.mu.Unlock()

	gp.tracker.updateNode(joinMsg.Node)
	_ = gp.sendSync(joinMsg.Node.Address)
}

func (gp *gossipProtocol) handleAlive(msg *gossipMessage) {
	var aliveMsg aliveMessage
	if err := json.Unmarshal(msg.Data, &aliveMsg); err != nil {
		return
	}

	gp.mu.Lock()
	nodeID := aliveMsg.Node.ID
	node, exists := gp.memberlist[nodeID]
	if !exists || aliveMsg.Incarnation > node.Incarnation {
		gp.memberlist[nodeID] = &gossipNode{
			Info:        aliveMsg.Node,
			Incarnation: aliveMsg.Incarnation,
			State:       stateAlive,
			StateChange: time.Now(),
		}
	}
	gp.mu.Unlock()

	aliveMsg.Node.Status = NodeStatusAlive
	gp.tracker.updateNode(aliveMsg.Node)
}

func (gp *gossipProtocol) handleSuspect(msg *gossipMessage) {
	var suspectMsg suspectMessage
	if err := json.Unmarshal(msg.Data, &suspectMsg); err != nil {
		return
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	node, exists := gp.memberlist[suspectMsg.Node]
	if !exists || suspectMsg.Incarnation != node.Incarnation || node.State != stateAlive {
		return
	}

	node.State = stateSuspect
	node.StateChange = time.Now()
	node.Suspicion = &suspicion{
		Incarnation: suspectMsg.Incarnation,
		From:        []string{suspectMsg.From},
		Timeout:     time.Now().Add(gp.config.SuspicionTimeout),
	}

	gp.stats.mu.Lock()
	gp.stats.SuspicionEvents++
	gp.stats.mu.Unlock()

	if node.Info != nil {
		node.Info.Status = NodeStatusSuspect
		gp.tracker.updateNode(node.Info)
	}
}

func (gp *gossipProtocol) handleDead(msg *gossipMessage) {
	var deadMsg deadMessage
	if err := json.Unmarshal(msg.Data, &deadMsg); err != nil {
		return
	}

	gp.mu.Lock()
	node, exists := gp.memberlist[deadMsg.Node]
	if exists && deadMsg.Incarnation >= node.Incarnation {
		node.State = stateDead
		node.StateChange = time.Now()
		node.Suspicion = nil
	}
	gp.mu.Unlock()

	if exists {
		gp.stats.mu.Lock()
		gp.stats.DeathEvents++
		gp.stats.mu.Unlock()
		gp.tracker.markDead(deadMsg.Node)
	}
}

func (gp *gossipProtocol) handleSync(msg *gossipMessage) {
	var syncMsg syncMessage
	if err := json.Unmarshal(msg.Data, &syncMsg); err != nil {
		return
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	for nodeID, remote := range syncMsg.Nodes {
		if nodeID == gp.localNode.ID {
			continue
		}
		local, exists := gp.memberlist[nodeID]
		if !exists || remote.Incarnation > local.Incarnation {
			gp.memberlist[nodeID] = remote
			if remote.Info != nil {
				gp.tracker.updateNode(remote.Info)
			}
			if remote.State == stateDead {
				gp.tracker.markDead(nodeID)
			}
		}
	}
}

func (gp *gossipProtocol) handleHeartbeat(msg *gossipMessage) {
	var hbMsg heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hbMsg); err != nil {
		return
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	node, exists := gp.memberlist[hbMsg.Node]
	if !exists {
		return
	}

	if node.Info != nil {
		node.Info.LastSeen = hbMsg.Timestamp
		gp.tracker.updateNode(node.Info)
	}

	if node.State == stateSuspect && hbMsg.Incarnation >= node.Incarnation {
		node.State = stateAlive
		node.Suspicion = nil
		node.StateChange = time.Now()
		if node.Info != nil {
			node.Info.Status = NodeStatusAlive
			gp.tracker.updateNode(node.Info)
		}
	}
}

func (gp *gossipProtocol) gossipLoop() {
	ticker := time.NewTicker(gp.config.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gp.stopCh:
			return
		case <-ticker.C:
			gp.performGossip()
		}
	}
}

func (gp *gossipProtocol) performGossip() {
	gp.mu.RLock()
	nodes := make([]*gossipNode, 0, len(gp.memberlist))
	for _, n := range gp.memberlist {
		if n.Info.ID != gp.localNode.ID && n.State != stateDead && n.State != stateLeft {
			nodes = append(nodes, n)
		}
	}
	gp.mu.RUnlock()

	aliveMsg := &aliveMessage{Node: gp.localNode, Incarnation: gp.currentIncarnation()}
	msg := &gossipMessage{Type: msgAlive, From: gp.localNode.ID, Timestamp: time.Now(), MessageID: gp.generateMessageID()}
	data, _ := json.Marshal(aliveMsg)
	msg.Data = data

	fanout := gp.config.GossipFanout
	if fanout > len(nodes) {
		fanout = len(nodes)
	}
	for i := 0; i < fanout; i++ {
		target := nodes[i%len(nodes)]
		if target.Info != nil {
			_ = gp.sendMessage(target.Info.Address, msg)
		}
	}

	hbMsg := &heartbeatMessage{Node: gp.localNode.ID, Timestamp: time.Now(), Incarnation: gp.currentIncarnation()}
	hbGossipMsg := &gossipMessage{Type: msgHeartbeat, From: gp.localNode.ID, Timestamp: time.Now(), MessageID: gp.generateMessageID()}
	hbData, _ := json.Marshal(hbMsg)
	hbGossipMsg.Data = hbData
	gp.broadcast(hbGossipMsg)
}

func (gp *gossipProtocol) suspicionTimer() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-gp.stopCh:
			return
		case <-ticker.C:
			gp.checkSuspicions()
		}
	}
}

func (gp *gossipProtocol) checkSuspicions() {
	gp.mu.Lock()
	now := time.Now()
	var timedOut []*gossipNode
	for nodeID, n := range gp.memberlist {
		if n.State == stateSuspect && n.Suspicion != nil && now.After(n.Suspicion.Timeout) {
			n.State = stateDead
			n.StateChange = now
			n.Suspicion = nil
			timedOut = append(timedOut, n)
			_ = nodeID
		}
	}
	gp.mu.Unlock()

	for _, n := range timedOut {
		gp.stats.mu.Lock()
		gp.stats.DeathEvents++
		gp.stats.mu.Unlock()

		gp.tracker.markDead(n.Info.ID)

		deadMsg := &deadMessage{Node: n.Info.ID, Incarnation: n.Incarnation, From: gp.localNode.ID}
		msg := &gossipMessage{Type: msgDead, From: gp.localNode.ID, Timestamp: now, MessageID: gp.generateMessageID()}
		data, _ := json.Marshal(deadMsg)
		msg.Data = data
		go gp.broadcast(msg)
	}
}

func (gp *gossipProtocol) sendMessage(addr string, msg *gossipMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write(data); err != nil {
		gp.stats.mu.Lock()
		gp.stats.NetworkErrors++
		gp.stats.mu.Unlock()
		return fmt.Errorf("failed to send message: %w", err)
	}

	gp.stats.mu.Lock()
	gp.stats.MessagesSent++
	gp.stats.mu.Unlock()
	return nil
}

func (gp *gossipProtocol) broadcast(msg *gossipMessage) {
	gp.mu.RLock()
	addrs := make([]string, 0, len(gp.memberlist))
	for _, n := range gp.memberlist {
		if n.Info != nil && n.Info.ID != gp.localNode.ID && n.State != stateDead && n.State != stateLeft {
			addrs = append(addrs, n.Info.Address)
		}
	}
	gp.mu.RUnlock()

	for _, addr := range addrs {
		go func(a string) { _ = gp.sendMessage(a, msg) }(addr)
	}
}

func (gp *gossipProtocol) sendSync(addr string) error {
	gp.mu.RLock()
	nodes := make(map[string]*gossipNode, len(gp.memberlist))
	for id, n := range gp.memberlist {
		nodes[id] = n
	}
	gp.mu.RUnlock()

	msg := &gossipMessage{Type: msgSync, From: gp.localNode.ID, Timestamp: time.Now(), MessageID: gp.generateMessageID()}
	data, _ := json.Marshal(&syncMessage{Nodes: nodes})
	msg.Data = data

	return gp.sendMessage(addr, msg)
}

func (gp *gossipProtocol) currentIncarnation() uint32 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	if n, exists := gp.memberlist[gp.localNode.ID]; exists {
		return n.Incarnation
	}
	return 1
}

func (gp *gossipProtocol) generateMessageID() string {
	b := make([]byte, 4)
	_, _ = cryptorand.Read(b)
	return hex.EncodeToString(b)
}

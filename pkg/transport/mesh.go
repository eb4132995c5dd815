package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/rs/zerolog"
)

// MaxPeers caps simultaneous connections per node.
const MaxPeers = 20

const (
	dialInterval   = 10 * time.Second
	pingInterval   = 15 * time.Second
	dialTimeout    = 5 * time.Second
	maxMissedPongs = 2
)

// Per-target outbound queue depths. A peer whose self-reported role is
// "emperor" gets the smaller queue: it is the single busiest fan-in target
// in the mesh, so a backlog there should shed load sooner rather than let
// memory grow unbounded waiting for a struggling emperor to catch up.
const (
	peerQueueDepth        = 500
	emperorPeerQueueDepth = 200
)

// Handler processes an inbound envelope already attributed to a known,
// HELLO-verified peer.
type Handler func(fromNodeID string, env *Envelope)

// Authenticator runs the post-HELLO challenge-response handshake over a
// freshly connected conn. Challenge is called by the side that accepted
// the connection, to verify the dialer's claimed node-id; Respond is
// called by the dialing side, to answer whatever challenge the acceptor
// issues. A Mesh with no Authenticator configured skips the handshake
// entirely and trusts HELLO's claimed node-id outright.
type Authenticator interface {
	Challenge(conn net.Conn, peerNodeID string) error
	Respond(conn net.Conn) error
}

// Peer is one established mesh connection, keyed by the remote node-id.
// Sends never block the caller: Broadcast/SendTo hand envelopes to a
// bounded per-peer outbox drained by a dedicated writer goroutine, so one
// slow peer can't stall delivery to the rest of the mesh.
type Peer struct {
	NodeID   string
	Addr     string
	Role     string
	Outbound bool

	conn   net.Conn
	outbox chan *Envelope
	stopCh chan struct{}

	lastPong atomic.Int64 // unix nanos
	missed   atomic.Int32
	dropped  atomic.Int64
}

func newPeer(nodeID, addr, role string, outbound bool, conn net.Conn) *Peer {
	depth := peerQueueDepth
	if role == "emperor" {
		depth = emperorPeerQueueDepth
	}
	return &Peer{
		NodeID:   nodeID,
		Addr:     addr,
		Role:     role,
		Outbound: outbound,
		conn:     conn,
		outbox:   make(chan *Envelope, depth),
		stopCh:   make(chan struct{}),
	}
}

// enqueue hands env to the peer's writer goroutine. If the outbox is full
// the send is dropped rather than blocking the caller; the caller should
// account the drop against metrics.GossipMessagesDropped.
func (p *Peer) enqueue(env *Envelope) bool {
	select {
	case p.outbox <- env:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// writeLoop drains the outbox onto the wire until the peer is torn down.
func (p *Peer) writeLoop() {
	for {
		select {
		case env := <-p.outbox:
			if err := WriteFrame(p.conn, env); err != nil {
				return
			}
		case <-p.stopCh:
			return
		}
	}
}

// Mesh owns the TCP listener, outbound dialer, and peer table for one
// node. Edges are keyed by remote node-id post-HELLO; a duplicate edge
// between the same pair collapses per the rule in Start's doc comment.
type Mesh struct {
	selfID   string
	role     string
	p2pPort  int
	httpPort int

	listener      net.Listener
	discoverer    Discoverer
	authenticator Authenticator

	mu    sync.RWMutex
	peers map[string]*Peer

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMesh creates a mesh for the given node identity. discoverer may be
// nil, in which case the mesh only accepts inbound connections.
func NewMesh(selfID, role string, p2pPort, httpPort int, discoverer Discoverer) *Mesh {
	return &Mesh{
		selfID:     selfID,
		role:       role,
		p2pPort:    p2pPort,
		httpPort:   httpPort,
		discoverer: discoverer,
		peers:      make(map[string]*Peer),
		handlers:   make(map[MessageType]Handler),
		logger:     log.WithComponent("transport"),
		stopCh:     make(chan struct{}),
	}
}

// RegisterHandler wires a callback for one message type. Call before
// Start; handlers run on the reading peer's own goroutine, so they must
// not block.
func (m *Mesh) RegisterHandler(t MessageType, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[t] = h
}

// SetAuthenticator wires the post-HELLO identity handshake. Call before
// Start. Leaving it unset trusts HELLO's claimed node-id without further
// proof, which is what the cross-swarm broker mesh does today since it
// sits outside the intra-swarm trust graph.
func (m *Mesh) SetAuthenticator(a Authenticator) {
	m.authenticator = a
}

// Start opens the P2P listener and begins the accept, dial, and keepalive
// loops.
//
// Duplicate-edge tie-break: if both an outbound and inbound connection
// form between the same node pair, the numerically lower node-id's
// outbound edge survives; the other side's outbound (this side's
// inbound) is closed instead.
func (m *Mesh) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.p2pPort))
	if err != nil {
		return fmt.Errorf("transport: listen p2p: %w", err)
	}
	m.listener = ln

	m.wg.Add(1)
	go m.acceptLoop()

	m.wg.Add(1)
	go m.dialLoop(ctx)

	m.wg.Add(1)
	go m.keepaliveLoop()

	return nil
}

// Stop closes the listener, every connection, and waits for all loops to
// exit.
func (m *Mesh) Stop() {
	close(m.stopCh)
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for _, p := range m.peers {
		select {
		case <-p.stopCh:
		default:
			close(p.stopCh)
		}
		p.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mesh) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Error().Err(err).Msg("accept failed, listener loop exiting")
				return
			}
		}
		go m.handleConn(conn, false)
	}
}

func (m *Mesh) dialLoop(ctx context.Context) {
	defer m.wg.Done()
	if m.discoverer == nil {
		return
	}

	candidates := m.discoverer.Discover(ctx)
	var pending []Candidate
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			pending = append(pending, c)
		case <-ticker.C:
			if len(pending) == 0 || m.PeerCount() >= MaxPeers {
				continue
			}
			c := pending[0]
			pending = pending[1:]
			go m.dial(c)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mesh) dial(c Candidate) {
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		m.logger.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		return
	}
	m.handleConn(conn, true)
}

func (m *Mesh) handleConn(conn net.Conn, outbound bool) {
	hello := HelloPayload{NodeID: m.selfID, Role: m.role, P2PPort: m.p2pPort, HTTPPort: m.httpPort}
	if err := WriteFrame(conn, &Envelope{Type: MsgHello, Payload: Encode(hello)}); err != nil {
		conn.Close()
		return
	}

	env, err := ReadFrame(conn)
	if err != nil || env.Type != MsgHello {
		conn.Close()
		return
	}

	var remoteHello HelloPayload
	if err := Decode(env.Payload, &remoteHello); err != nil {
		conn.Close()
		return
	}
	if remoteHello.NodeID == m.selfID {
		m.logger.Warn().Msg("peer HELLO claimed our own node-id, rejecting")
		conn.Close()
		return
	}

	if m.authenticator != nil {
		var authErr error
		if outbound {
			authErr = m.authenticator.Respond(conn)
		} else {
			authErr = m.authenticator.Challenge(conn, remoteHello.NodeID)
		}
		if authErr != nil {
			m.logger.Warn().Err(authErr).Str("peer", remoteHello.NodeID).Bool("outbound", outbound).Msg("identity handshake failed, rejecting connection")
			conn.Close()
			return
		}
	}

	peer := newPeer(remoteHello.NodeID, conn.RemoteAddr().String(), remoteHello.Role, outbound, conn)
	peer.lastPong.Store(time.Now().UnixNano())

	m.mu.Lock()
	if existing, ok := m.peers[remoteHello.NodeID]; ok {
		keepNew := (outbound && m.selfID < remoteHello.NodeID) || (!outbound && remoteHello.NodeID < m.selfID)
		if !keepNew {
			m.mu.Unlock()
			conn.Close()
			return
		}
		close(existing.stopCh)
		existing.conn.Close()
	}
	m.peers[remoteHello.NodeID] = peer
	peerCount := len(m.peers)
	m.mu.Unlock()

	metrics.PeerConnectionsTotal.Set(float64(peerCount))
	m.logger.Info().Str("peer", remoteHello.NodeID).Bool("outbound", outbound).Msg("peer connected")

	go peer.writeLoop()
	m.readLoop(peer)
}

func (m *Mesh) readLoop(p *Peer) {
	defer m.removePeer(p)
	for {
		env, err := ReadFrame(p.conn)
		if err != nil {
			metrics.FramesReadErrorsTotal.Inc()
			return
		}

		switch env.Type {
		case MsgPing:
			var ping PingPayload
			_ = Decode(env.Payload, &ping)
			if !p.enqueue(&Envelope{Type: MsgPong, Payload: Encode(PongPayload{Nonce: ping.Nonce})}) {
				metrics.GossipMessagesDropped.WithLabelValues("queue_full").Inc()
			}
		case MsgPong:
			p.lastPong.Store(time.Now().UnixNano())
			p.missed.Store(0)
		default:
			m.dispatch(p.NodeID, env)
		}
	}
}

func (m *Mesh) dispatch(from string, env *Envelope) {
	m.handlersMu.RLock()
	h := m.handlers[env.Type]
	m.handlersMu.RUnlock()
	if h != nil {
		h(from, env)
	}
}

func (m *Mesh) removePeer(p *Peer) {
	m.mu.Lock()
	if cur, ok := m.peers[p.NodeID]; ok && cur == p {
		delete(m.peers, p.NodeID)
	}
	peerCount := len(m.peers)
	m.mu.Unlock()

	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.conn.Close()
	metrics.PeerConnectionsTotal.Set(float64(peerCount))
	m.logger.Info().Str("peer", p.NodeID).Msg("peer disconnected")
}

func (m *Mesh) keepaliveLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var nonce uint64
	for {
		select {
		case <-ticker.C:
			nonce++
			m.mu.RLock()
			snapshot := make([]*Peer, 0, len(m.peers))
			for _, p := range m.peers {
				snapshot = append(snapshot, p)
			}
			m.mu.RUnlock()

			for _, p := range snapshot {
				if time.Since(time.Unix(0, p.lastPong.Load())) > pingInterval {
					if p.missed.Add(1) > maxMissedPongs {
						m.removePeer(p)
						continue
					}
				}
				if !p.enqueue(&Envelope{Type: MsgPing, Payload: Encode(PingPayload{Nonce: nonce})}) {
					metrics.GossipMessagesDropped.WithLabelValues("queue_full").Inc()
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// Broadcast sends env to every connected peer except excludeNodeID (empty
// string excludes none). Send failures are logged and otherwise ignored:
// gossip's retransmission makes individual sends non-critical.
func (m *Mesh) Broadcast(env *Envelope, excludeNodeID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, p := range m.peers {
		if id == excludeNodeID {
			continue
		}
		if !p.enqueue(env) {
			metrics.GossipMessagesDropped.WithLabelValues("queue_full").Inc()
			m.logger.Debug().Str("peer", id).Msg("broadcast dropped, peer outbox full")
			continue
		}
		metrics.GossipMessagesSent.WithLabelValues(messageFamily(env.Type)).Inc()
	}
}

// SendTo unicasts env to one peer, resolved by node-id.
func (m *Mesh) SendTo(nodeID string, env *Envelope) error {
	m.mu.RLock()
	p, ok := m.peers[nodeID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no connection to node %s", nodeID)
	}
	if !p.enqueue(env) {
		metrics.GossipMessagesDropped.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("transport: outbox full for node %s", nodeID)
	}
	return nil
}

// PeerCount returns the current number of connected peers.
func (m *Mesh) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Peers returns the node-ids of currently connected peers.
func (m *Mesh) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

func messageFamily(t MessageType) string {
	switch {
	case t >= MsgTaskCreate && t <= MsgTaskArchive:
		return "task"
	case t >= MsgAgentRegister && t <= MsgAgentDeregister:
		return "agent"
	case t >= MsgTaskSyncReq && t <= MsgTaskSyncRsp:
		return "task_sync"
	case t >= MsgEmperorHeartbeat && t <= MsgElectionVictory:
		return "election"
	case t >= MsgAuthChallenge && t <= MsgAuthReject:
		return "auth"
	case t >= MsgIdentityAnnounce && t <= MsgIdentitySyncRsp:
		return "identity"
	case t >= MsgOfferingAnnounce && t <= MsgBountyCancel:
		return "marketplace"
	default:
		return "transport"
	}
}

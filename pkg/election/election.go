// Package election runs the Bully leader-election protocol that decides
// which node holds emperor responsibilities (dispatching, planning,
// reviewing, integrating) at any given time. A node that stops hearing
// the emperor's heartbeat starts an election; the highest surviving
// node-id always wins and broadcasts its victory to the mesh. Seneschal
// nodes never participate: they neither campaign nor become emperor.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/rs/zerolog"
)

// HeartbeatInterval is how often the current emperor announces itself.
const HeartbeatInterval = 5 * time.Second

// HeartbeatTimeout is how long a node waits without hearing an emperor
// heartbeat before it starts a new election.
const HeartbeatTimeout = 15 * time.Second

// electionTimeout is how long a node waits after starting or witnessing a
// campaign before it resolves the round: if it still believes itself to
// be the highest candidate, it declares victory.
const electionTimeout = 3 * time.Second

// EmperorHeartbeatPayload is broadcast by the current emperor.
type EmperorHeartbeatPayload struct {
	NodeID string `json:"node_id"`
}

// ElectionStartPayload announces a node's candidacy.
type ElectionStartPayload struct {
	NodeID string `json:"node_id"`
}

// ElectionVictoryPayload announces the round's winner.
type ElectionVictoryPayload struct {
	NodeID string `json:"node_id"`
}

// Election owns one node's participation in leader election.
type Election struct {
	selfID string
	role   types.NodeRole
	mesh   *transport.Mesh
	events *events.Broker
	logger zerolog.Logger

	mu              sync.Mutex
	currentEmperor  string
	electing        bool
	highestSeen     string
	lastHeartbeatAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Election for one node. Seneschal nodes still build an
// Election (so IsEmperor is always callable) but IsEmperor always
// returns false and Run never campaigns.
func New(selfID string, role types.NodeRole, mesh *transport.Mesh, eb *events.Broker) *Election {
	return &Election{
		selfID: selfID,
		role:   role,
		mesh:   mesh,
		events: eb,
		logger: log.WithComponent("election"),
		stopCh: make(chan struct{}),
	}
}

// RegisterHandlers wires the three election message types. Call before
// mesh.Start.
func (e *Election) RegisterHandlers() {
	e.mesh.RegisterHandler(transport.MsgEmperorHeartbeat, e.handleHeartbeat)
	e.mesh.RegisterHandler(transport.MsgElectionStart, e.handleElectionStart)
	e.mesh.RegisterHandler(transport.MsgElectionVictory, e.handleVictory)
}

// IsEmperor reports whether this node currently believes it holds emperor
// responsibilities. Seneschal nodes are excluded unconditionally.
func (e *Election) IsEmperor() bool {
	if e.role == types.RoleSeneschal {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentEmperor == e.selfID
}

// Run drives the heartbeat/timeout loop until ctx is cancelled or Stop is
// called. Seneschal nodes return immediately without starting any loop.
func (e *Election) Run(ctx context.Context) {
	if e.role == types.RoleSeneschal {
		return
	}

	e.mu.Lock()
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	e.wg.Add(1)
	defer e.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends Run.
func (e *Election) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Election) tick() {
	e.mu.Lock()
	amEmperor := e.currentEmperor == e.selfID
	stale := time.Since(e.lastHeartbeatAt) > HeartbeatTimeout
	electing := e.electing
	e.mu.Unlock()

	if amEmperor {
		e.mesh.Broadcast(&transport.Envelope{
			Type:    transport.MsgEmperorHeartbeat,
			Payload: transport.Encode(EmperorHeartbeatPayload{NodeID: e.selfID}),
		}, "")
		return
	}

	if stale && !electing {
		e.startElection()
	}

	if electing {
		e.maybeResolveElection()
	}
}

// startElection announces this node's own candidacy and begins tracking
// the highest candidate seen so far.
func (e *Election) startElection() {
	e.mu.Lock()
	e.electing = true
	e.highestSeen = e.selfID
	e.mu.Unlock()

	metrics.ElectionRoundsTotal.Inc()
	e.logger.Info().Str("node", e.selfID).Msg("starting leader election")

	e.mesh.Broadcast(&transport.Envelope{
		Type:    transport.MsgElectionStart,
		Payload: transport.Encode(ElectionStartPayload{NodeID: e.selfID}),
	}, "")

	go func() {
		time.Sleep(electionTimeout)
		e.maybeResolveElection()
	}()
}

// maybeResolveElection declares victory once electionTimeout has elapsed
// since this node's own candidacy, provided no higher candidate has
// surfaced in the meantime.
func (e *Election) maybeResolveElection() {
	e.mu.Lock()
	if !e.electing {
		e.mu.Unlock()
		return
	}
	if e.highestSeen != e.selfID {
		e.mu.Unlock()
		return
	}
	e.electing = false
	e.currentEmperor = e.selfID
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	metrics.IsEmperor.Set(1)
	e.logger.Info().Str("node", e.selfID).Msg("won leader election")
	e.events.Publish(&events.Event{Type: events.EventElectionVictory, Metadata: map[string]string{"node_id": e.selfID}})

	e.mesh.Broadcast(&transport.Envelope{
		Type:    transport.MsgElectionVictory,
		Payload: transport.Encode(ElectionVictoryPayload{NodeID: e.selfID}),
	}, "")
}

func (e *Election) handleHeartbeat(from string, env *transport.Envelope) {
	var p EmperorHeartbeatPayload
	if err := transport.Decode(env.Payload, &p); err != nil {
		return
	}
	e.mu.Lock()
	e.currentEmperor = p.NodeID
	e.lastHeartbeatAt = time.Now()
	e.electing = false
	e.mu.Unlock()

	if p.NodeID != e.selfID {
		metrics.IsEmperor.Set(0)
	}
}

// handleElectionStart implements the Bully takeover step: a higher-id
// node that hears a lower candidate's campaign starts (or continues) its
// own, so the highest node-id always ends up as the sole surviving
// candidate by the time the round's timeout fires.
func (e *Election) handleElectionStart(from string, env *transport.Envelope) {
	if e.role == types.RoleSeneschal {
		return
	}

	var p ElectionStartPayload
	if err := transport.Decode(env.Payload, &p); err != nil {
		return
	}

	e.mu.Lock()
	if !e.electing || p.NodeID > e.highestSeen {
		e.highestSeen = p.NodeID
	}
	shouldCampaign := e.selfID > e.highestSeenLocked()
	e.electing = true
	e.mu.Unlock()

	if shouldCampaign {
		e.mu.Lock()
		e.highestSeen = e.selfID
		e.mu.Unlock()
		e.mesh.Broadcast(&transport.Envelope{
			Type:    transport.MsgElectionStart,
			Payload: transport.Encode(ElectionStartPayload{NodeID: e.selfID}),
		}, "")
		go func() {
			time.Sleep(electionTimeout)
			e.maybeResolveElection()
		}()
	}
}

// highestSeenLocked must be called with e.mu held.
func (e *Election) highestSeenLocked() string {
	return e.highestSeen
}

func (e *Election) handleVictory(from string, env *transport.Envelope) {
	var p ElectionVictoryPayload
	if err := transport.Decode(env.Payload, &p); err != nil {
		return
	}

	e.mu.Lock()
	e.currentEmperor = p.NodeID
	e.electing = false
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	if p.NodeID == e.selfID {
		metrics.IsEmperor.Set(1)
	} else {
		metrics.IsEmperor.Set(0)
	}
	e.logger.Info().Str("emperor", p.NodeID).Msg("leader election resolved")
}

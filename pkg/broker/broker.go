// Package broker runs the cross-swarm bounty marketplace: a broker owns a
// transport.Mesh on a dedicated port disjoint from the intra-swarm mesh,
// federates offering/bounty/capability-profile records with other brokers
// over RELAY envelopes, tracks remote-node reputation, and serves as the
// dispatcher's overflow valve when local capacity runs out.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	bountyTTL         = 30 * time.Minute
	reputationFloor   = 0.30
	advertiseInterval = 60 * time.Second
	defaultReward     = 1.0
)

// Broker is one swarm boundary's marketplace endpoint.
type Broker struct {
	selfID string
	mesh   *transport.Mesh
	store  storage.Store
	clock  *clock.Clock
	events *events.Broker
	seen   *relaySeen
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Broker. mesh should be bound to a port distinct from the
// intra-swarm mesh's p2p port.
func New(selfID string, mesh *transport.Mesh, store storage.Store, clk *clock.Clock, eb *events.Broker) *Broker {
	return &Broker{
		selfID: selfID,
		mesh:   mesh,
		store:  store,
		clock:  clk,
		events: eb,
		seen:   newRelaySeen(),
		logger: log.WithComponent("broker"),
		stopCh: make(chan struct{}),
	}
}

// RegisterHandlers wires the RELAY handler. Call before Start.
func (b *Broker) RegisterHandlers() {
	b.mesh.RegisterHandler(MsgRelay, b.handleRelay)
}

// Start opens the dedicated mesh and launches the advertise and
// reputation-tracking loops.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.mesh.Start(ctx); err != nil {
		return err
	}
	b.wg.Add(2)
	go b.advertiseLoop()
	go b.watchOutcomes()
	return nil
}

// Stop ends both loops and closes the mesh.
func (b *Broker) Stop() {
	close(b.stopCh)
	b.mesh.Stop()
	b.wg.Wait()
}

func (b *Broker) handleRelay(from string, env *transport.Envelope) {
	var re RelayEnvelope
	if err := transport.Decode(env.Payload, &re); err != nil {
		b.logger.Warn().Err(err).Msg("malformed relay envelope")
		metrics.RelayMessagesTotal.WithLabelValues("malformed").Inc()
		return
	}
	if b.seen.witness(re.RelayID) {
		metrics.RelayMessagesTotal.WithLabelValues("deduped").Inc()
		return
	}
	b.clock.Witness(re.LamportTS)

	switch re.Kind {
	case RelayOffering:
		b.mergeOffering(re.Payload)
	case RelayBounty:
		b.mergeBounty(re.Payload)
	case RelayCapability:
		b.mergeCapabilityProfile(re.Payload)
	default:
		b.logger.Warn().Str("kind", string(re.Kind)).Msg("unknown relay kind")
		metrics.RelayMessagesTotal.WithLabelValues("unknown_kind").Inc()
		return
	}

	metrics.RelayMessagesTotal.WithLabelValues("accepted").Inc()
	b.mesh.Broadcast(&transport.Envelope{Type: MsgRelay, Payload: transport.Encode(re), LamportTS: re.LamportTS}, from)
}

func (b *Broker) mergeOffering(payload transport.RawMessage) {
	var o types.Offering
	if err := transport.Decode(payload, &o); err != nil {
		b.logger.Warn().Err(err).Msg("malformed relayed offering")
		return
	}
	existing, err := b.store.GetOffering(o.ID)
	if err != nil && err != storage.ErrNotFound {
		b.logger.Warn().Err(err).Str("offering", o.ID).Msg("lookup relayed offering failed")
		return
	}
	if existing != nil && !o.Newer(existing.Stamped) {
		return
	}
	if err := b.store.PutOffering(&o); err != nil {
		b.logger.Warn().Err(err).Str("offering", o.ID).Msg("put relayed offering failed")
	}
}

func (b *Broker) mergeBounty(payload transport.RawMessage) {
	var bt types.Bounty
	if err := transport.Decode(payload, &bt); err != nil {
		b.logger.Warn().Err(err).Msg("malformed relayed bounty")
		return
	}
	existing, err := b.store.GetBounty(bt.ID)
	if err != nil && err != storage.ErrNotFound {
		b.logger.Warn().Err(err).Str("bounty", bt.ID).Msg("lookup relayed bounty failed")
		return
	}
	if existing != nil && !bt.Newer(existing.Stamped) {
		return
	}
	if err := b.store.PutBounty(&bt); err != nil {
		b.logger.Warn().Err(err).Str("bounty", bt.ID).Msg("put relayed bounty failed")
		return
	}
	metrics.BountiesByStatus.WithLabelValues(string(bt.Status)).Inc()
	b.events.Publish(&events.Event{Type: events.EventBountyPosted, Metadata: map[string]string{"bounty_id": bt.ID, "task_id": bt.TaskID}})
}

func (b *Broker) mergeCapabilityProfile(payload transport.RawMessage) {
	var p types.CapabilityProfile
	if err := transport.Decode(payload, &p); err != nil {
		b.logger.Warn().Err(err).Msg("malformed relayed capability profile")
		return
	}
	if _, err := b.store.PutCapabilityProfile(&p); err != nil {
		b.logger.Warn().Err(err).Str("node", p.NodeID).Msg("put relayed capability profile failed")
	}
}

func (b *Broker) relay(kind RelayKind, payload interface{}, lamport uint64) {
	re := RelayEnvelope{RelayID: uuid.NewString(), Kind: kind, Payload: transport.Encode(payload), LamportTS: lamport}
	b.seen.witness(re.RelayID)
	b.mesh.Broadcast(&transport.Envelope{Type: MsgRelay, Payload: transport.Encode(re), LamportTS: lamport}, "")
}

// OfferOverflow posts t as a bounty to other brokers after the local
// dispatcher failed to find any idle local agent. It filters known remote
// capability profiles by t.RequiredCapabilities, rejects any candidate
// below the reputation floor, and returns false if nobody qualifies.
func (b *Broker) OfferOverflow(t *types.Task) bool {
	profiles, err := b.store.ListCapabilityProfiles()
	if err != nil {
		b.logger.Warn().Err(err).Msg("overflow: list capability profiles failed")
		return false
	}

	now := time.Now().UTC()
	var candidate *types.CapabilityProfile
	for _, p := range profiles {
		if p.NodeID == b.selfID || p.IdleAgents <= 0 {
			continue
		}
		if !capabilitiesSatisfied(t.RequiredCapabilities, p.Capabilities) {
			continue
		}
		if Score(b.loadReputation(p.NodeID), now) < reputationFloor {
			continue
		}
		candidate = p
		break
	}
	if candidate == nil {
		return false
	}

	bounty := &types.Bounty{
		ID:                   uuid.NewString(),
		TaskID:               t.ID,
		PostedByNode:         b.selfID,
		RequiredCapabilities: t.RequiredCapabilities,
		Reward:               defaultReward,
		Status:               types.BountyOpen,
		ExpiresAt:            now.Add(bountyTTL),
	}
	bounty.LamportTS = b.clock.Tick()
	bounty.UpdatedAt = now
	bounty.OriginNodeID = b.selfID

	if err := b.store.PutBounty(bounty); err != nil {
		b.logger.Warn().Err(err).Str("bounty", bounty.ID).Msg("overflow: put bounty failed")
		return false
	}
	metrics.BountiesByStatus.WithLabelValues(string(types.BountyOpen)).Inc()
	b.events.Publish(&events.Event{Type: events.EventBountyPosted, Metadata: map[string]string{"bounty_id": bounty.ID, "task_id": t.ID}})
	b.relay(RelayBounty, bounty, bounty.LamportTS)
	return true
}

// AdvertiseCapabilityProfile publishes this node's throughput profile to
// its own store and relays it to other brokers.
func (b *Broker) AdvertiseCapabilityProfile(p *types.CapabilityProfile) {
	p.LamportTS = b.clock.Tick()
	p.UpdatedAt = time.Now().UTC()
	p.OriginNodeID = b.selfID
	if _, err := b.store.PutCapabilityProfile(p); err != nil {
		b.logger.Warn().Err(err).Msg("advertise capability profile failed")
		return
	}
	b.relay(RelayCapability, p, p.LamportTS)
}

// AdvertiseOffering publishes spare capacity this node is willing to sell.
func (b *Broker) AdvertiseOffering(o *types.Offering) {
	o.LamportTS = b.clock.Tick()
	o.UpdatedAt = time.Now().UTC()
	o.OriginNodeID = b.selfID
	if err := b.store.PutOffering(o); err != nil {
		b.logger.Warn().Err(err).Msg("advertise offering failed")
		return
	}
	b.relay(RelayOffering, o, o.LamportTS)
}

func (b *Broker) advertiseLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.advertiseSelf()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) advertiseSelf() {
	agents, err := b.store.ListAgentsByNode(b.selfID)
	if err != nil {
		b.logger.Warn().Err(err).Msg("advertise: list local agents failed")
		return
	}

	capSet := make(map[string]bool)
	idle := 0
	for _, a := range agents {
		if a.Tombstone {
			continue
		}
		if a.Status == types.AgentIdle {
			idle++
		}
		for _, c := range a.Capabilities {
			capSet[c] = true
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}

	b.AdvertiseCapabilityProfile(&types.CapabilityProfile{
		NodeID:       b.selfID,
		Capabilities: caps,
		IdleAgents:   idle,
		TotalAgents:  len(agents),
	})
}

// watchOutcomes listens for task completion/failure on the local event bus
// and, when the task was delegated via a claimed bounty, updates the
// claiming node's reputation record.
func (b *Broker) watchOutcomes() {
	defer b.wg.Done()
	sub := b.events.Subscribe()
	defer b.events.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventTaskCompleted, events.EventTaskFailed:
				b.recordTaskOutcome(ev)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) recordTaskOutcome(ev *events.Event) {
	taskID := ev.Metadata["task_id"]
	if taskID == "" {
		return
	}

	bounties, err := b.store.ListBounties()
	if err != nil {
		return
	}
	var delegated *types.Bounty
	for _, cand := range bounties {
		if cand.TaskID == taskID && cand.ClaimedByNode != "" {
			delegated = cand
			break
		}
	}
	if delegated == nil {
		return // not a delegated task, nothing to score
	}

	r := b.loadReputation(delegated.ClaimedByNode)
	if r == nil {
		r = &types.ReputationRecord{NodeID: delegated.ClaimedByNode}
	}

	switch ev.Type {
	case events.EventTaskCompleted:
		r.Completed++
		if task, err := b.store.GetTask(taskID); err == nil && !task.ClaimedAt.IsZero() && !task.CompletedAt.IsZero() {
			r.TotalSeconds += task.CompletedAt.Sub(task.ClaimedAt).Seconds()
		}
		_, _ = b.store.TransitionBounty(delegated.ID, []types.BountyStatus{types.BountyClaimed}, func(bt *types.Bounty) {
			bt.Status = types.BountyCompleted
		})
	case events.EventTaskFailed:
		r.Failed++
		_, _ = b.store.TransitionBounty(delegated.ID, []types.BountyStatus{types.BountyClaimed}, func(bt *types.Bounty) {
			bt.Status = types.BountyCancelled
		})
	}
	r.LastSeen = time.Now().UTC()

	if err := b.saveReputation(r); err != nil {
		b.logger.Warn().Err(err).Str("node", r.NodeID).Msg("save reputation failed")
		return
	}
	metrics.ReputationScore.WithLabelValues(r.NodeID).Set(Score(r, time.Now().UTC()))
}

func reputationStateKey(nodeID string) string { return "reputation:" + nodeID }

func (b *Broker) loadReputation(nodeID string) *types.ReputationRecord {
	data, err := b.store.GetState(reputationStateKey(nodeID))
	if err != nil || data == nil {
		return nil
	}
	var r types.ReputationRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

func (b *Broker) saveReputation(r *types.ReputationRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.store.PutState(reputationStateKey(r.NodeID), data)
}

// capabilitiesSatisfied mirrors pkg/dispatcher's matcher: empty required
// means universal, empty candidate capabilities also means universal.
func capabilitiesSatisfied(required, candidateCaps []string) bool {
	if len(required) == 0 || len(candidateCaps) == 0 {
		return true
	}
	have := make(map[string]bool, len(candidateCaps))
	for _, c := range candidateCaps {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

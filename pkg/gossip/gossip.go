// Package gossip wires the transport mesh's raw envelopes to the local
// store: every handler witnesses the Lamport clock, merges under
// last-writer-wins, and re-broadcasts to the rest of the mesh so a flood
// started at any one node eventually reaches every other node.
package gossip

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/rs/zerolog"
)

// tombstoneTTL is the age past which the sweep logs a withdrawn offering
// as aged out. The sweep removes nothing from the store, and it does not
// look at deregistered agents.
const tombstoneTTL = 120 * time.Second

const antiEntropyInterval = 45 * time.Second

// Gossip binds a transport.Mesh to a local store, replaying every inbound
// entity mutation into storage and flooding it onward.
type Gossip struct {
	selfID string
	mesh   *transport.Mesh
	store  storage.Store
	clock  *clock.Clock
	broker *events.Broker

	seen *seenSet

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a Gossip bound to mesh and store. Call RegisterHandlers
// before mesh.Start so no frame arrives before its handler is wired.
func New(selfID string, mesh *transport.Mesh, store storage.Store, clk *clock.Clock, broker *events.Broker) *Gossip {
	return &Gossip{
		selfID: selfID,
		mesh:   mesh,
		store:  store,
		clock:  clk,
		broker: broker,
		seen:   newSeenSet(),
		logger: log.WithComponent("gossip"),
		stopCh: make(chan struct{}),
	}
}

// RegisterHandlers wires every gossiped message type to its handler.
func (g *Gossip) RegisterHandlers() {
	g.mesh.RegisterHandler(transport.MsgTaskCreate, g.handleTask("create"))
	g.mesh.RegisterHandler(transport.MsgTaskClaim, g.handleTask("claim"))
	g.mesh.RegisterHandler(transport.MsgTaskUpdate, g.handleTask("update"))
	g.mesh.RegisterHandler(transport.MsgTaskComplete, g.handleTask("complete"))
	g.mesh.RegisterHandler(transport.MsgTaskFail, g.handleTask("fail"))
	g.mesh.RegisterHandler(transport.MsgTaskCancel, g.handleTask("cancel"))
	g.mesh.RegisterHandler(transport.MsgTaskAssign, g.handleTask("assign"))
	g.mesh.RegisterHandler(transport.MsgTaskArchive, g.handleTask("archive"))

	g.mesh.RegisterHandler(transport.MsgAgentRegister, g.handleAgent)
	g.mesh.RegisterHandler(transport.MsgAgentHeartbeat, g.handleAgent)
	g.mesh.RegisterHandler(transport.MsgAgentDeregister, g.handleAgentDeregister)

	g.mesh.RegisterHandler(transport.MsgIdentityAnnounce, g.handleIdentity)
	g.mesh.RegisterHandler(transport.MsgIdentityCredentialIssue, g.handleCredential)

	g.mesh.RegisterHandler(transport.MsgOfferingAnnounce, g.handleOffering)
	g.mesh.RegisterHandler(transport.MsgOfferingWithdraw, g.handleOfferingWithdraw)
	g.mesh.RegisterHandler(transport.MsgCapabilityAdvertise, g.handleCapabilityProfile)

	g.mesh.RegisterHandler(transport.MsgBountyPost, g.handleBountyPost)
	g.mesh.RegisterHandler(transport.MsgBountyClaim, g.handleBountyClaim)
	g.mesh.RegisterHandler(transport.MsgBountyCancel, g.handleBountyCancel)

	g.mesh.RegisterHandler(transport.MsgPost, g.handlePost)

	g.mesh.RegisterHandler(transport.MsgSyncReq, g.handleSyncReq)
	g.mesh.RegisterHandler(transport.MsgSyncRsp, g.handleSyncRsp)
	g.mesh.RegisterHandler(transport.MsgTaskSyncReq, g.handleTaskSyncReq)
	g.mesh.RegisterHandler(transport.MsgTaskSyncRsp, g.handleTaskSyncRsp)
}

// Start begins the tombstone sweep and anti-entropy background loops.
func (g *Gossip) Start() {
	go g.sweepLoop()
	go g.antiEntropyLoop()
}

// Stop ends the background loops.
func (g *Gossip) Stop() {
	close(g.stopCh)
}

func (g *Gossip) sweepLoop() {
	ticker := time.NewTicker(tombstoneTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweepTombstones()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gossip) sweepTombstones() {
	offerings, err := g.store.ListOfferings()
	if err != nil {
		g.logger.Warn().Err(err).Msg("sweep: list offerings failed")
		return
	}
	now := time.Now()
	for _, o := range offerings {
		if o.Status == "withdrawn" && now.Sub(o.UpdatedAt) > tombstoneTTL {
			g.logger.Debug().Str("offering", o.ID).Msg("withdrawn offering aged out of active view")
		}
	}
}

func (g *Gossip) antiEntropyLoop() {
	ticker := time.NewTicker(antiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.runAntiEntropy()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gossip) runAntiEntropy() {
	peers := g.mesh.Peers()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]

	watermark := g.localTaskWatermark()
	req := TaskSyncRequest{SinceLamport: watermark}
	if err := g.mesh.SendTo(target, &transport.Envelope{
		Type:      transport.MsgTaskSyncReq,
		Payload:   transport.Encode(req),
		LamportTS: g.clock.Current(),
	}); err != nil {
		g.logger.Debug().Err(err).Str("peer", target).Msg("anti-entropy request failed")
		return
	}
	if err := g.mesh.SendTo(target, &transport.Envelope{
		Type:      transport.MsgSyncReq,
		Payload:   transport.Encode(SyncRequest{}),
		LamportTS: g.clock.Current(),
	}); err != nil {
		g.logger.Debug().Err(err).Str("peer", target).Msg("anti-entropy request failed")
	}
	metrics.AntiEntropyRoundsTotal.Inc()
}

func (g *Gossip) localTaskWatermark() uint64 {
	tasks, err := g.store.ListTasks()
	if err != nil || len(tasks) == 0 {
		return 0
	}
	var max uint64
	for _, t := range tasks {
		if t.LamportTS > max {
			max = t.LamportTS
		}
	}
	return max
}

func dedupKey(parts ...interface{}) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += fmt.Sprintf("%v", p)
	}
	return key
}

func (g *Gossip) rebroadcast(env *transport.Envelope, excludeNodeID string) {
	g.mesh.Broadcast(env, excludeNodeID)
}

package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/rs/zerolog"
)

// HeartbeatTimeout is how long an agent may go without a heartbeat before
// the reconciler locally derives it as offline. Offline is never gossiped
// directly; it is a conclusion each node reaches independently from the
// last LastHeartbeat value it has replicated for that agent.
const HeartbeatTimeout = 45 * time.Second

// interval is how often the reconciler sweeps the local agent table.
const interval = 10 * time.Second

// Reconciler locally derives agent liveness from heartbeat staleness. It
// never mutates a remote node's agents directly; it only marks agents
// whose NodeID matches the local node, so the derivation never races with
// the LWW replication of that same agent's last-known state.
type Reconciler struct {
	store     storage.Store
	broker    *events.Broker
	clock     *clock.Clock
	localNode string
	logger    zerolog.Logger
	mu        sync.Mutex
	stopCh    chan struct{}
}

// New creates a reconciler bound to the given local node ID. Only agents
// whose NodeID equals localNode are considered for offline derivation.
func New(store storage.Store, broker *events.Broker, c *clock.Clock, localNode string) *Reconciler {
	return &Reconciler{
		store:     store,
		broker:    broker,
		clock:     c,
		localNode: localNode,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reconcileAgentLiveness()
}

// reconcileAgentLiveness marks local agents offline once their heartbeat
// is older than HeartbeatTimeout. It never touches an already-offline or
// tombstoned agent, and it leaves remote agents alone entirely.
func (r *Reconciler) reconcileAgentLiveness() error {
	agents, err := r.store.ListAgentsByNode(r.localNode)
	if err != nil {
		return fmt.Errorf("list local agents: %w", err)
	}

	now := time.Now()
	for _, agent := range agents {
		if agent.Tombstone || agent.Status == types.AgentOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= HeartbeatTimeout {
			continue
		}

		r.logger.Warn().
			Str("agent_id", agent.ID).
			Dur("since_heartbeat", now.Sub(agent.LastHeartbeat)).
			Msg("agent missed heartbeat, marking offline")

		agent.Status = types.AgentOffline
		agent.LamportTS = r.clock.Tick()
		agent.UpdatedAt = now
		agent.OriginNodeID = r.localNode

		if err := r.store.UpdateAgent(agent); err != nil {
			r.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("failed to mark agent offline")
			continue
		}

		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:    events.EventAgentOffline,
				Message: fmt.Sprintf("agent %s offline after %s without a heartbeat", agent.ID, now.Sub(agent.LastHeartbeat).Round(time.Second)),
				Metadata: map[string]string{
					"agent_id": agent.ID,
					"node_id":  agent.NodeID,
				},
			})
		}
	}

	return nil
}

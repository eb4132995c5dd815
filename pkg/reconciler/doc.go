/*
Package reconciler locally derives agent liveness from heartbeat
staleness.

Agent offline-ness is deliberately never gossiped as its own fact: every
node derives it independently from the last LastHeartbeat value it has
replicated for that agent, so two partitioned nodes never have to agree
on when a third node's agent "really" went offline. The reconciler is the
component that performs that derivation, once every ten seconds, for the
agents hosted on its own node.

# Architecture

	┌──────────────────────────────────────────────┐
	│            Reconciliation Loop                │
	│               (every 10s)                      │
	└─────────────────────┬──────────────────────────┘
	                      │
	                      ▼
	          ListAgentsByNode(localNode)
	                      │
	                      ▼
	        now - LastHeartbeat > 45s ?
	                      │
	              yes ────┴──── no
	               │              │
	               ▼              ▼
	     mark AgentOffline     skip
	     bump Lamport clock
	     UpdateAgent
	     publish agent.offline

# Design Patterns

Level-triggered, not edge-triggered: the reconciler re-evaluates every
agent's staleness from scratch each cycle rather than tracking which
agents it has already warned about. A missed cycle or a restart loses no
correctness, only some latency.

Scope discipline: the reconciler only ever calls UpdateAgent for agents
whose NodeID is the local node. Marking a remote node's agent offline
from here would race with that node's own gossiped updates for the same
record; liveness for remote agents is each remote node's own
responsibility, which is exactly the point of deriving it locally rather
than gossiping it as state.

# See Also

  - pkg/gossip - replicates the Agent records this package reads
  - pkg/dispatcher - treats AgentOffline agents as unavailable for assignment
  - pkg/events - agent.offline is published here for other subscribers
*/
package reconciler

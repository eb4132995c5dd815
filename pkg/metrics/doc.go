/*
Package metrics provides Prometheus metrics collection and exposition for a
swarm node.

Metrics are registered at package init and exposed over HTTP for scraping;
a Collector periodically samples the local store so gauges stay fresh
without every read path having to update them inline.

# Metrics Catalog

Gossip:

	warrenswarm_gossip_messages_sent_total{family}
	warrenswarm_gossip_messages_dropped_total{reason}
	warrenswarm_gossip_messages_deduped_total
	warrenswarm_anti_entropy_rounds_total

Tasks and agents:

	warrenswarm_tasks_by_status{status}
	warrenswarm_agents_by_status{status}

Dispatcher:

	warrenswarm_dispatcher_cycles_total
	warrenswarm_dispatcher_cycle_duration_seconds
	warrenswarm_tasks_assigned_total{locality}
	warrenswarm_tasks_overflowed_total

Integrator:

	warrenswarm_merge_attempts_total{outcome}
	warrenswarm_merge_duration_seconds

Election:

	warrenswarm_election_rounds_total
	warrenswarm_is_emperor

Broker:

	warrenswarm_reputation_score{node_id}
	warrenswarm_bounties_by_status{status}
	warrenswarm_relay_messages_total{outcome}

Transport:

	warrenswarm_peer_connections_total
	warrenswarm_frames_read_errors_total

# Usage

	timer := metrics.NewTimer()
	err := doMerge()
	timer.ObserveDuration(metrics.MergeDuration)

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/gossip: message send/drop/dedup counters
  - pkg/dispatcher: cycle duration and assignment counters
  - pkg/integrator: merge attempt outcomes and duration
  - pkg/election: round counter and emperor gauge
  - pkg/broker: reputation, bounty, and relay counters
  - pkg/transport: connection and frame-error gauges
  - pkg/storage: sampled by Collector for the status gauges

# Design Patterns

All metrics are registered once in init(); MustRegister panics on a
duplicate name, which is deliberate — a second registration attempt means
a package was imported twice under different names. Labels are kept to
values with small, known cardinalities (status enums, outcome strings);
node IDs appear only on ReputationScore, which is expected to stay bounded
by swarm size.
*/
package metrics

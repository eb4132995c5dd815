/*
Package storage provides the bbolt-backed local persistence layer each
swarm node keeps for its own replicated state.

# Architecture

	┌──────────────────── swarm.db (bbolt) ────────────────────┐
	│                                                            │
	│  primary buckets: tasks, agents, identities, credentials,  │
	│  offerings, tributes, bounties, messages, wallet_ledger,   │
	│  capability_profiles, swarm_state                          │
	│                                                            │
	│  secondary index buckets (composite keys, cursor scans):   │
	│  idx_tasks_by_status, idx_tasks_by_priority,                │
	│  idx_tasks_by_parent, idx_tasks_by_lamport,                 │
	│  idx_agents_by_node_status, idx_credentials_by_subject_type │
	└────────────────────────────────────────────────────────────┘

Every entity is JSON-marshaled under its own bucket; secondary indices
store only the entity ID and are kept in sync with the primary record
inside the same bbolt transaction — index entries for the prior version
of a record are deleted before the new ones are written.

The one write path that matters above all others is the CAS primitive:
TransitionTask and TransitionBounty read the current record, check its
status against an allowed-from set, and only then apply the mutation —
all inside a single bbolt.Update transaction, so two concurrent callers
racing on the same record never both succeed.
*/
package storage

/*
Package types defines the shared, gossip-replicated entities of a Warren
swarm: nodes, tasks, agents, identities, credentials, and the marketplace
entities that carry delegated work across swarm boundaries.

Every replicated entity embeds Stamped, which carries the Lamport
timestamp and origin node-id used to resolve concurrent writes under
last-writer-wins:

	┌─────────────┐
	│   Stamped   │  LamportTS, UpdatedAt, OriginNodeID
	└──────┬──────┘
	       │ embedded by
	   ┌───┴────────────────────────────────────────┐
	   │  Task, Agent, Identity, Credential,          │
	   │  Offering, Tribute, Bounty,                  │
	   │  CapabilityProfile, Post                     │
	   └───────────────────────────────────────────────┘

No struct tags are used; entities round-trip through JSON using their
exported Go field names, matching the convention this package was
patterned on.
*/
package types

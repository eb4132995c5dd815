// Package gossip replicates every entity collection across the mesh using
// two complementary strategies:
//
//   - Push-flood: a local mutation is broadcast immediately to every
//     connected peer via the Broadcast* methods, and each receiving node
//     re-floods to its own peers once (after deduping and merging), so a
//     single change reaches every reachable node in O(diameter) hops.
//   - Pull anti-entropy: a periodic background loop asks one random peer
//     for anything newer than this node's Lamport watermark, closing the
//     gaps the flood misses after a partition heals or a peer was briefly
//     disconnected.
//
// Tasks get a dedicated fast-path sync tag (MsgTaskSyncReq/Rsp) keyed by a
// Lamport watermark, since they dominate message volume in a busy swarm.
// Every other collection rides the general sync tag (MsgSyncReq/Rsp) as a
// full snapshot exchange, which is cheap enough for the much smaller
// agent/identity/offering/bounty/capability/post tables.
//
// Every handler follows the same shape: decode the payload, check the
// dedup set, witness the Lamport clock, merge under last-writer-wins (or
// run the matching CAS transition for tasks and bounties), and only
// re-broadcast if the merge actually changed local state. Re-broadcasting
// only on change is what keeps the flood from looping forever once the
// whole mesh has converged.
package gossip

package gossip

import "github.com/cuemby/warrenswarm/pkg/types"

// TaskSyncRequest asks a peer for every task with a higher Lamport
// timestamp than SinceLamport. This is the fast-path variant: tasks
// dominate message volume in a busy swarm, so they get their own narrow
// tag (MsgTaskSyncReq/Rsp) instead of riding the general sync below.
type TaskSyncRequest struct {
	SinceLamport uint64 `json:"since_lamport"`
}

// TaskSyncResponse carries the tasks a peer's request asked for.
type TaskSyncResponse struct {
	Tasks []*types.Task `json:"tasks"`
}

// SyncRequest asks for a full snapshot of every non-task gossiped
// collection. These are small enough in practice that a Lamport watermark
// per collection isn't worth the bookkeeping the task fast-path needs.
type SyncRequest struct{}

// SyncResponse is the general anti-entropy payload.
type SyncResponse struct {
	Agents             []*types.Agent             `json:"agents"`
	Identities         []*types.Identity          `json:"identities"`
	Offerings          []*types.Offering          `json:"offerings"`
	Bounties           []*types.Bounty            `json:"bounties"`
	CapabilityProfiles []*types.CapabilityProfile `json:"capability_profiles"`
	Posts              []*types.Post              `json:"posts"`
}

package storage

import (
	"time"

	"github.com/cuemby/warrenswarm/pkg/types"
)

// Store is the single local persistence surface for a node. It backs
// every gossiped entity collection plus the node's own swarm_state
// key-value table. The only mutation path for a Task or Bounty is the
// compare-and-swap Transition* methods; every other entity is replicated
// under plain last-writer-wins and has no independent CAS requirement.
type Store interface {
	// Tasks.
	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	ListTasksByParent(parentID string) ([]*types.Task, error)
	ListTasksByPriority() ([]*types.Task, error) // priority desc, created_at asc
	ListTasksSinceLamport(ts uint64) ([]*types.Task, error)
	MergeTask(t *types.Task) (bool, error) // LWW replication entry point
	// TransitionTask performs the single CAS primitive: the stored task's
	// status must be one of allowedFrom, or the call is a silent no-op
	// that returns (false, nil).
	TransitionTask(id string, allowedFrom []types.TaskStatus, mutate func(*types.Task)) (bool, error)
	DeleteTask(id string) error

	// Agents.
	CreateAgent(a *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	ListAgentsByNode(nodeID string) ([]*types.Agent, error)
	ListIdleAgentsByNode(nodeID string) ([]*types.Agent, error)
	MergeAgent(a *types.Agent) (bool, error)
	UpdateAgent(a *types.Agent) error
	DeleteAgent(id string) error

	// Identities & credentials.
	PutIdentity(i *types.Identity) error
	GetIdentity(did string) (*types.Identity, error)
	ListIdentities() ([]*types.Identity, error)
	PutCredential(c *types.Credential) error
	GetCredential(id string) (*types.Credential, error)
	ListCredentialsBySubject(subjectDID, credType string) ([]*types.Credential, error)

	// Marketplace.
	PutOffering(o *types.Offering) error
	GetOffering(id string) (*types.Offering, error)
	ListOfferings() ([]*types.Offering, error)
	PutTribute(t *types.Tribute) error
	GetTributeByTask(taskID string) (*types.Tribute, error)
	PutBounty(b *types.Bounty) error
	GetBounty(id string) (*types.Bounty, error)
	ListBounties() ([]*types.Bounty, error)
	TransitionBounty(id string, allowedFrom []types.BountyStatus, mutate func(*types.Bounty)) (bool, error)
	PutCapabilityProfile(p *types.CapabilityProfile) (bool, error)
	ListCapabilityProfiles() ([]*types.CapabilityProfile, error)

	// Message board.
	PutPost(p *types.Post) (bool, error)
	GetPost(id string) (*types.Post, error)
	ListPosts() ([]*types.Post, error)
	TransitionPost(id string, allowedFrom []types.PostClaimState, mutate func(*types.Post)) (bool, error)

	// Wallet ledger: append-only settlement log backing reputation/tribute
	// accounting.
	AppendLedgerEntry(nodeID string, delta float64, reason string, at time.Time) error
	LedgerBalance(nodeID string) (float64, error)

	// swarm_state kv: node-id, lamport counter, identity secret key.
	PutState(key string, value []byte) error
	GetState(key string) ([]byte, error)

	Close() error
}

// ErrNotFound is returned by Get* methods when the record does not exist.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

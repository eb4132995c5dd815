package types

import "time"

// NodeRole is the soft role a node plays in the swarm.
type NodeRole string

const (
	RoleEmperor   NodeRole = "emperor"
	RoleWorker    NodeRole = "worker"
	RoleSeneschal NodeRole = "seneschal"
)

// Node is a fleet member. Its ID is a 32-hex random string generated on
// first boot and reused across restarts.
type Node struct {
	ID        string
	Role      NodeRole
	Address   string
	HTTPPort  int
	P2PPort   int
	PublicKey string // hex-encoded Ed25519 public key
	CreatedAt time.Time
}

// Stamped is embedded by every entity that gossips and resolves conflicts
// under last-writer-wins.
type Stamped struct {
	LamportTS    uint64
	UpdatedAt    time.Time
	OriginNodeID string
}

// Newer reports whether s should win a last-writer-wins merge against
// other. Ties are broken by the higher origin node-id.
func (s Stamped) Newer(other Stamped) bool {
	if s.LamportTS != other.LamportTS {
		return s.LamportTS > other.LamportTS
	}
	return s.OriginNodeID > other.OriginNodeID
}

// TaskStatus is a node in the task lifecycle state machine.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskPlanning      TaskStatus = "planning"
	TaskBlocked       TaskStatus = "blocked"
	TaskClaimed       TaskStatus = "claimed"
	TaskInProgress    TaskStatus = "in_progress"
	TaskWaitingInput  TaskStatus = "waiting_input"
	TaskPendingReview TaskStatus = "pending_review"
	TaskMerging       TaskStatus = "merging"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// Terminal reports whether a status cannot transition further.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ReviewStatus tracks the acceptance-criteria review cycle.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
)

// MaxRejections is the number of PendingReview rejections a task tolerates
// before it is failed outright.
const MaxRejections = 3

// MaxMergeAttempts bounds the integrator's retry loop for one parent task.
const MaxMergeAttempts = 3

// Task is the unit of work dispatched to agents.
type Task struct {
	Stamped

	ID                   string
	Title                string
	Description          string
	WorkInstructions     string
	AcceptanceCriteria   string
	Priority             int
	RequiredCapabilities []string
	ProjectPath          string
	Context              map[string]string

	CreatedByNode   string
	AssignedAgentID string
	AssignedNodeID  string

	Result   string
	Error    string
	Progress float64

	ParentID  string
	DependsOn []string

	Status         TaskStatus
	ReviewStatus   ReviewStatus
	ReviewFeedback string
	RejectionCount int
	Archived       bool

	GitBranch     string
	MergeAttempts int
	TestCommand   string
	AutoMerge     bool
	PRURL         string

	CreatedAt   time.Time
	ClaimedAt   time.Time
	CompletedAt time.Time
}

// AgentStatus is the local lifecycle of an executor agent.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentWaiting  AgentStatus = "waiting"
	AgentOffline  AgentStatus = "offline"
)

// Agent is an executor process, local or remote, that performs task work.
type Agent struct {
	Stamped

	ID                  string
	Name                string
	NodeID              string
	Tool                string
	Model               string
	Capabilities        []string
	MultiplexerSession  string
	ProjectPath         string
	MaxConcurrentTasks  int
	Status              AgentStatus
	CurrentTaskID       string
	LastHeartbeat       time.Time
	Tombstone           bool
}

// Identity binds a DID to the node-id and Ed25519 public key it vouches for.
type Identity struct {
	Stamped

	DID       string
	NodeID    string
	PublicKey string // hex
	Role      NodeRole
	CreatedAt time.Time
}

// Credential is a signed assertion one DID makes about another.
type Credential struct {
	Stamped

	ID         string
	IssuerDID  string
	SubjectDID string
	Type       string
	Claims     map[string]string
	Signature  string // hex detached Ed25519 signature
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Well-known credential types.
const (
	CredentialSwarmMember  = "swarm_member"
	CredentialEmperorTrust = "emperor_trust"
	CredentialAgentOperator = "agent_operator"
)

// Expired reports whether the credential's absolute expiry has passed.
// A TTL boundary exactly at now is expired.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// OfferingStatus tracks marketplace offering lifetime.
type OfferingStatus string

const (
	OfferingOpen       OfferingStatus = "open"
	OfferingWithdrawn  OfferingStatus = "withdrawn"
	OfferingExpired    OfferingStatus = "expired"
)

// Offering advertises spare capacity a node is willing to sell into the
// marketplace.
type Offering struct {
	Stamped

	ID           string
	NodeID       string
	Capabilities []string
	PricePerTask float64
	Status       OfferingStatus
	ExpiresAt    time.Time
}

// Tribute records a settled payment for delegated work. A tribute is keyed
// by task-id, not by execution attempt, so a requeued task's eventual
// completion still settles the same tribute.
type Tribute struct {
	Stamped

	ID       string
	TaskID   string
	FromNode string
	ToNode   string
	Amount   float64
	Accepted bool
}

// BountyStatus tracks a posted bounty's lifecycle.
type BountyStatus string

const (
	BountyOpen      BountyStatus = "open"
	BountyClaimed   BountyStatus = "claimed"
	BountyCompleted BountyStatus = "completed"
	BountyCancelled BountyStatus = "cancelled"
	BountyExpired   BountyStatus = "expired"
)

// Bounty is a task offered for remote delegation across a swarm boundary.
type Bounty struct {
	Stamped

	ID                   string
	TaskID               string
	PostedByNode         string
	ClaimedByNode        string
	RequiredCapabilities []string
	Reward               float64
	Status               BountyStatus
	ExpiresAt            time.Time
}

// CapabilityProfile summarises one node's throughput for delegation ranking.
type CapabilityProfile struct {
	Stamped

	NodeID               string
	Capabilities         []string
	AcceptanceRate       float64
	AvgCompletionSeconds float64
	IdleAgents           int
	TotalAgents          int
}

// PostKind enumerates message-board post categories.
type PostKind string

const (
	PostTask         PostKind = "task"
	PostIdea         PostKind = "idea"
	PostBounty       PostKind = "bounty"
	PostAnnouncement PostKind = "announcement"
	PostDiscussion   PostKind = "discussion"
)

// PostClaimState tracks a message-board post's claim lifecycle.
type PostClaimState string

const (
	PostActive   PostClaimState = "active"
	PostClaimed  PostClaimState = "claimed"
	PostResolved PostClaimState = "resolved"
	PostArchived PostClaimState = "archived"
)

// Post is a free-form message-board entry, gossiped like a task.
type Post struct {
	Stamped

	ID          string
	Kind        PostKind
	Title       string
	Body        string
	AuthorNode  string
	ClaimState  PostClaimState
	ClaimedBy   string
	CreatedAt   time.Time
}

// ReputationRecord tracks a remote node's delegation track record.
type ReputationRecord struct {
	NodeID          string
	Completed       int
	Failed          int
	Abandoned       int
	TotalSeconds    float64
	LastSeen        time.Time
}

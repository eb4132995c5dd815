// Package collab declares the seam between the swarm's internal state
// machine and everything that, per design, talks to the outside world:
// an LLM-backed reviewer, a task planner, an agent multiplexer, and the
// git tooling the integrator drives. None of these have a production
// implementation in this module; a real adapter process wires into one
// of these interfaces at construction, and tests inject fakes.
package collab

import (
	"context"

	"github.com/cuemby/warrenswarm/pkg/types"
)

// Reviewer judges a completed task against its acceptance criteria.
type Reviewer interface {
	Review(ctx context.Context, t *types.Task) (accept bool, feedback string, err error)
}

// Planner decomposes a Planning task into concrete subtasks.
type Planner interface {
	Decompose(ctx context.Context, t *types.Task) ([]*types.Task, error)
}

// Multiplexer delivers an assigned task to the agent process that will
// execute it.
type Multiplexer interface {
	Deliver(ctx context.Context, agentID string, t *types.Task) error
}

// IntegrationResult reports what Integrate observed.
type IntegrationResult struct {
	// ConflictedBranches lists subtask branches that failed to merge
	// cleanly, when Merged is false because of a conflict rather than a
	// failed test run.
	ConflictedBranches []string
	// ConflictOutput is the first 2KB of the merge tool's conflict report,
	// attached to the requeued subtasks' feedback.
	ConflictOutput string
	// Merged reports whether every branch merged cleanly into the
	// integration branch.
	Merged bool
	// TestsPassed is only meaningful when Merged is true.
	TestsPassed bool
	// TestOutput is the tail of the test command's combined output,
	// recorded regardless of outcome.
	TestOutput string
	// PRURL is set on a fully successful integration that opened a pull
	// request.
	PRURL string
}

// GitWorkspace owns the integration worktree: creating or resetting it,
// merging subtask branches into it in order, running the configured test
// command, and pushing/opening a PR on success.
type GitWorkspace interface {
	Integrate(ctx context.Context, parentID string, branches []string, testCmd string) (*IntegrationResult, error)
}

// RPCSurface is the contract-fixed agent-facing JSON-RPC method set
// (tools/call with task_complete, task_progress, task_failed,
// task_needs_input, task_plan, agent_ready); served by an external
// process that translates wire calls into Queue/Dispatcher methods.
type RPCSurface interface {
	HandleToolCall(method string, args map[string]string) error
}

// Package queue implements the task lifecycle state machine: creation,
// claiming, agent progress reports, parent/subtask aggregation, and the
// review-rejection-retry cycle. Every mutation goes through
// storage.Store.TransitionTask's compare-and-swap primitive; nothing in
// this package issues an unconditional update.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/rs/zerolog"
)

// Queue owns the task lifecycle transitions for one node.
type Queue struct {
	store  storage.Store
	clock  *clock.Clock
	gossip *gossip.Gossip
	broker *events.Broker
	selfID string
	logger zerolog.Logger
}

// New creates a Queue bound to the node's store, clock, and gossip.
func New(store storage.Store, clk *clock.Clock, g *gossip.Gossip, broker *events.Broker, selfID string) *Queue {
	return &Queue{store: store, clock: clk, gossip: g, broker: broker, selfID: selfID, logger: log.WithComponent("queue")}
}

// CreateTaskParams mirrors the fields a caller supplies to create a task;
// status is derived from Planner/DependsOn, never supplied directly.
type CreateTaskParams struct {
	Title                string
	Description          string
	WorkInstructions     string
	AcceptanceCriteria   string
	Priority             int
	RequiredCapabilities []string
	ProjectPath          string
	Context              map[string]string
	ParentID             string
	DependsOn            []string
	HasPlanner           bool
	TestCommand          string
	AutoMerge            bool
}

// CreateTask inserts a new task in the status implied by params and
// broadcasts TASK_CREATE.
func (q *Queue) CreateTask(params CreateTaskParams) (*types.Task, error) {
	if len(params.DependsOn) > 0 && q.dependencyCycleExists(params.DependsOn) {
		return nil, fmt.Errorf("queue: create task: dependency cycle detected in %v", params.DependsOn)
	}

	status := types.TaskPending
	switch {
	case len(params.DependsOn) > 0:
		status = types.TaskBlocked
	case params.HasPlanner:
		status = types.TaskPlanning
	}

	now := time.Now().UTC()
	t := &types.Task{
		Stamped: types.Stamped{
			LamportTS:    q.clock.Tick(),
			UpdatedAt:    now,
			OriginNodeID: q.selfID,
		},
		ID:                   uuid.NewString(),
		Title:                params.Title,
		Description:          params.Description,
		WorkInstructions:     params.WorkInstructions,
		AcceptanceCriteria:   params.AcceptanceCriteria,
		Priority:             params.Priority,
		RequiredCapabilities: params.RequiredCapabilities,
		ProjectPath:          params.ProjectPath,
		Context:              params.Context,
		CreatedByNode:        q.selfID,
		ParentID:             params.ParentID,
		DependsOn:            params.DependsOn,
		Status:               status,
		ReviewStatus:         types.ReviewNone,
		TestCommand:          params.TestCommand,
		AutoMerge:            params.AutoMerge,
		CreatedAt:            now,
	}

	if err := q.store.CreateTask(t); err != nil {
		return nil, fmt.Errorf("queue: create task: %w", err)
	}

	q.gossip.BroadcastTask("create", t)
	q.broker.Publish(&events.Event{Type: events.EventTaskCreated, Message: t.Title, Metadata: map[string]string{"task_id": t.ID}})
	return t, nil
}

// Claim assigns a pending task to agentID on this node, CAS Pending -> Claimed.
func (q *Queue) Claim(taskID, agentID, nodeID string) (bool, error) {
	changed, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskClaimed
		t.AssignedAgentID = agentID
		t.AssignedNodeID = nodeID
		t.ClaimedAt = time.Now().UTC()
		q.stamp(t)
	})
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	if !changed {
		return false, nil
	}

	t, err := q.store.GetTask(taskID)
	if err != nil {
		return true, nil
	}
	q.gossip.BroadcastTask("claim", t)
	q.broker.Publish(&events.Event{Type: events.EventTaskClaimed, Metadata: map[string]string{"task_id": taskID, "agent_id": agentID}})
	return true, nil
}

// reportAllowedFrom is the allowed-from set for every agent report
// (progress, complete, fail, needs_input) per the state machine's §4.2.3
// contract.
var reportAllowedFrom = []types.TaskStatus{types.TaskClaimed, types.TaskInProgress, types.TaskWaitingInput}

// ReportProgress moves Claimed -> InProgress on first report, or updates
// progress/result in place for any already-active status. Reports outside
// the expected set are still applied (accepted with warning) so a stale
// emperor's view never silently loses an agent's update; callers should
// log the warning flag.
func (q *Queue) ReportProgress(taskID string, progress float64, result string) (accepted bool, unexpectedState bool, err error) {
	return q.applyReport(taskID, func(t *types.Task) {
		if t.Status == types.TaskClaimed {
			t.Status = types.TaskInProgress
		}
		t.Progress = progress
		if result != "" {
			t.Result = result
		}
	})
}

// ReportNeedsInput moves Claimed/InProgress -> WaitingInput.
func (q *Queue) ReportNeedsInput(taskID string) (accepted bool, unexpectedState bool, err error) {
	return q.applyReport(taskID, func(t *types.Task) {
		t.Status = types.TaskWaitingInput
	})
}

// ReportFail moves Claimed/InProgress/WaitingInput -> Failed.
func (q *Queue) ReportFail(taskID, reason string) (accepted bool, unexpectedState bool, err error) {
	accepted, unexpectedState, err = q.applyReport(taskID, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.Error = reason
		t.CompletedAt = time.Now().UTC()
	})
	if accepted {
		if t, gerr := q.store.GetTask(taskID); gerr == nil {
			q.broker.Publish(&events.Event{Type: events.EventTaskFailed, Metadata: map[string]string{"task_id": taskID, "error": reason}})
			q.gossip.BroadcastTask("fail", t)
		}
	}
	return accepted, unexpectedState, err
}

// ReportComplete moves Claimed/InProgress/WaitingInput -> PendingReview (if
// acceptance-criteria is set) or Completed (otherwise).
func (q *Queue) ReportComplete(taskID, result string) (accepted bool, unexpectedState bool, err error) {
	accepted, unexpectedState, err = q.applyReport(taskID, func(t *types.Task) {
		t.Result = result
		t.Progress = 1.0
		if strings.TrimSpace(t.AcceptanceCriteria) != "" {
			t.Status = types.TaskPendingReview
			t.ReviewStatus = types.ReviewPending
		} else {
			t.Status = types.TaskCompleted
			t.CompletedAt = time.Now().UTC()
		}
	})
	if !accepted {
		return accepted, unexpectedState, err
	}
	t, gerr := q.store.GetTask(taskID)
	if gerr != nil {
		return accepted, unexpectedState, nil
	}
	if t.Status == types.TaskCompleted {
		q.broker.Publish(&events.Event{Type: events.EventTaskCompleted, Metadata: map[string]string{"task_id": taskID}})
		q.gossip.BroadcastTask("complete", t)
		q.aggregateParent(t.ParentID)
	} else {
		q.gossip.BroadcastTask("update", t)
	}
	return accepted, unexpectedState, nil
}

// applyReport performs the CAS against reportAllowedFrom, falling back to
// an unconditional apply (accepted with warning) when the task is in a
// non-terminal state outside that set. Terminal states never accept a
// report at all: the task has already converged and a late report cannot
// un-terminalise it.
func (q *Queue) applyReport(taskID string, mutate func(*types.Task)) (accepted bool, unexpectedState bool, err error) {
	changed, err := q.store.TransitionTask(taskID, reportAllowedFrom, func(t *types.Task) {
		mutate(t)
		q.stamp(t)
	})
	if err != nil {
		return false, false, fmt.Errorf("queue: apply report: %w", err)
	}
	if changed {
		return true, false, nil
	}

	// CAS missed the expected set; only force the mutation through if the
	// task is still non-terminal. A terminal task's report is simply stale
	// and must not reopen it.
	current, err := q.store.GetTask(taskID)
	if err != nil {
		return false, false, fmt.Errorf("queue: apply report: lookup: %w", err)
	}
	if current.Status.Terminal() {
		return false, false, nil
	}

	changed, err = q.store.TransitionTask(taskID, []types.TaskStatus{current.Status}, func(t *types.Task) {
		mutate(t)
		q.stamp(t)
	})
	if err != nil {
		return false, false, fmt.Errorf("queue: apply report (warned): %w", err)
	}
	q.logger.Warn().Str("task", taskID).Str("status", string(current.Status)).Msg("agent report applied outside expected state, accepted with warning")
	return changed, true, nil
}

func (q *Queue) stamp(t *types.Task) {
	t.LamportTS = q.clock.Tick()
	t.UpdatedAt = time.Now().UTC()
	t.OriginNodeID = q.selfID
}

// Cancel moves any non-terminal task to Cancelled.
func (q *Queue) Cancel(taskID string) (bool, error) {
	changed, err := q.store.TransitionTask(taskID, nonTerminalStatuses, func(t *types.Task) {
		t.Status = types.TaskCancelled
		t.CompletedAt = time.Now().UTC()
		q.stamp(t)
	})
	if err != nil {
		return false, fmt.Errorf("queue: cancel: %w", err)
	}
	if changed {
		if t, gerr := q.store.GetTask(taskID); gerr == nil {
			q.gossip.BroadcastTask("cancel", t)
		}
	}
	return changed, nil
}

var nonTerminalStatuses = []types.TaskStatus{
	types.TaskPending, types.TaskPlanning, types.TaskBlocked, types.TaskClaimed,
	types.TaskInProgress, types.TaskWaitingInput, types.TaskPendingReview, types.TaskMerging,
}

// Review applies a reviewer's accept/reject decision to a PendingReview
// task.
func (q *Queue) Review(taskID string, accept bool, feedback string) (bool, error) {
	if accept {
		changed, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPendingReview}, func(t *types.Task) {
			t.Status = types.TaskCompleted
			t.ReviewStatus = types.ReviewAccepted
			t.ReviewFeedback = appendFeedback(t.ReviewFeedback, feedback)
			t.CompletedAt = time.Now().UTC()
			q.stamp(t)
		})
		if err != nil {
			return false, fmt.Errorf("queue: review accept: %w", err)
		}
		if changed {
			if t, gerr := q.store.GetTask(taskID); gerr == nil {
				q.broker.Publish(&events.Event{Type: events.EventTaskCompleted, Metadata: map[string]string{"task_id": taskID}})
				q.gossip.BroadcastTask("complete", t)
				q.aggregateParent(t.ParentID)
			}
		}
		return changed, nil
	}

	current, err := q.store.GetTask(taskID)
	if err != nil {
		return false, fmt.Errorf("queue: review reject: lookup: %w", err)
	}
	nextCount := current.RejectionCount + 1
	feedback = appendFeedback(current.ReviewFeedback, fmt.Sprintf("[Rejection %d] %s", nextCount, feedback))

	if nextCount >= types.MaxRejections {
		changed, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPendingReview}, func(t *types.Task) {
			t.Status = types.TaskFailed
			t.ReviewStatus = types.ReviewRejected
			t.RejectionCount = nextCount
			t.ReviewFeedback = feedback
			t.Error = "rejected the maximum number of times"
			t.CompletedAt = time.Now().UTC()
			q.stamp(t)
		})
		if err != nil {
			return false, fmt.Errorf("queue: review reject (terminal): %w", err)
		}
		if changed {
			if t, gerr := q.store.GetTask(taskID); gerr == nil {
				q.broker.Publish(&events.Event{Type: events.EventTaskFailed, Metadata: map[string]string{"task_id": taskID}})
				q.gossip.BroadcastTask("fail", t)
			}
		}
		return changed, nil
	}

	changed, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPendingReview}, func(t *types.Task) {
		t.Status = types.TaskPending
		t.ReviewStatus = types.ReviewRejected
		t.RejectionCount = nextCount
		t.ReviewFeedback = feedback
		t.WorkInstructions = t.WorkInstructions + "\n\n" + feedback
		t.AssignedAgentID = ""
		t.AssignedNodeID = ""
		q.stamp(t)
	})
	if err != nil {
		return false, fmt.Errorf("queue: review reject (requeue): %w", err)
	}
	if changed {
		if t, gerr := q.store.GetTask(taskID); gerr == nil {
			q.broker.Publish(&events.Event{Type: events.EventTaskBlocked, Metadata: map[string]string{"task_id": taskID, "reason": "requeued after rejection"}})
			q.gossip.BroadcastTask("update", t)
		}
	}
	return changed, nil
}

func appendFeedback(history, addition string) string {
	if history == "" {
		return addition
	}
	return history + "\n" + addition
}

// aggregateParent re-reads all siblings of parentID and transitions the
// parent according to §4.2.4: abort if any sibling is non-terminal, fail
// the parent if all siblings failed, complete directly if the parent has
// no recorded git branch, else hand off to the integrator via Merging.
func (q *Queue) aggregateParent(parentID string) {
	if parentID == "" {
		return
	}
	siblings, err := q.store.ListTasksByParent(parentID)
	if err != nil {
		q.logger.Warn().Err(err).Str("parent", parentID).Msg("aggregate: list siblings failed")
		return
	}
	for _, s := range siblings {
		if !s.Status.Terminal() {
			return
		}
	}

	allFailed := true
	anyBranch := false
	for _, s := range siblings {
		if s.Status != types.TaskFailed {
			allFailed = false
		}
		if s.GitBranch != "" {
			anyBranch = true
		}
	}

	if allFailed {
		changed, err := q.store.TransitionTask(parentID, nonTerminalStatuses, func(t *types.Task) {
			t.Status = types.TaskFailed
			t.Error = "all subtasks failed"
			t.CompletedAt = time.Now().UTC()
			q.stamp(t)
		})
		if err == nil && changed {
			if t, gerr := q.store.GetTask(parentID); gerr == nil {
				q.gossip.BroadcastTask("fail", t)
			}
		}
		return
	}

	if !anyBranch {
		changed, err := q.store.TransitionTask(parentID, nonTerminalStatuses, func(t *types.Task) {
			t.Status = types.TaskCompleted
			t.CompletedAt = time.Now().UTC()
			q.stamp(t)
		})
		if err == nil && changed {
			if t, gerr := q.store.GetTask(parentID); gerr == nil {
				q.broker.Publish(&events.Event{Type: events.EventTaskCompleted, Metadata: map[string]string{"task_id": parentID}})
				q.gossip.BroadcastTask("complete", t)
			}
		}
		return
	}

	changed, err := q.store.TransitionTask(parentID, nonTerminalStatuses, func(t *types.Task) {
		t.Status = types.TaskMerging
		q.stamp(t)
	})
	if err == nil && changed {
		if t, gerr := q.store.GetTask(parentID); gerr == nil {
			q.gossip.BroadcastTask("update", t)
		}
	}
}

// UnblockDependents is called when a task reaches Completed or a terminal
// failure state, moving any Blocked task whose dependencies are now fully
// satisfied into Pending, or into Failed if a dependency failed/cancelled.
func (q *Queue) UnblockDependents(completedTaskID string, completedSuccessfully bool) error {
	all, err := q.store.ListTasksByStatus(types.TaskBlocked)
	if err != nil {
		return fmt.Errorf("queue: unblock: list blocked: %w", err)
	}

	for _, t := range all {
		dependsOnThis := false
		for _, dep := range t.DependsOn {
			if dep == completedTaskID {
				dependsOnThis = true
				break
			}
		}
		if !dependsOnThis {
			continue
		}

		if !completedSuccessfully {
			changed, err := q.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskBlocked}, func(bt *types.Task) {
				bt.Status = types.TaskFailed
				bt.Error = "dependency failed or was cancelled"
				bt.CompletedAt = time.Now().UTC()
				q.stamp(bt)
			})
			if err == nil && changed {
				if bt, gerr := q.store.GetTask(t.ID); gerr == nil {
					q.gossip.BroadcastTask("fail", bt)
				}
			}
			continue
		}

		if !q.allDependenciesCompleted(t) {
			continue
		}
		changed, err := q.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskBlocked}, func(bt *types.Task) {
			bt.Status = types.TaskPending
			q.stamp(bt)
		})
		if err == nil && changed {
			if bt, gerr := q.store.GetTask(t.ID); gerr == nil {
				q.gossip.BroadcastTask("update", bt)
			}
		}
	}
	return nil
}

func (q *Queue) allDependenciesCompleted(t *types.Task) bool {
	for _, dep := range t.DependsOn {
		d, err := q.store.GetTask(dep)
		if err != nil || d.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// dependencyCycleExists walks the existing DependsOn graph rooted at each
// of depIDs and reports whether it loops back on itself. The new task
// being created has no ID yet to loop back to, so this only catches a
// cycle already latent among existing tasks' recorded dependencies.
func (q *Queue) dependencyCycleExists(depIDs []string) bool {
	const (
		stateVisiting = 1
		stateDone     = 2
	)
	state := make(map[string]int)
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case stateVisiting:
			return true
		case stateDone:
			return false
		}
		state[id] = stateVisiting
		t, err := q.store.GetTask(id)
		if err == nil {
			for _, d := range t.DependsOn {
				if visit(d) {
					return true
				}
			}
		}
		state[id] = stateDone
		return false
	}
	for _, id := range depIDs {
		if visit(id) {
			return true
		}
	}
	return false
}

// CreatePostParams mirrors the fields a caller supplies to post a new
// message-board entry.
type CreatePostParams struct {
	Kind  types.PostKind
	Title string
	Body  string
}

// CreatePost inserts a new message-board entry in PostActive state and
// broadcasts it to the swarm.
func (q *Queue) CreatePost(params CreatePostParams) (*types.Post, error) {
	p := &types.Post{
		Stamped: types.Stamped{
			LamportTS:    q.clock.Tick(),
			UpdatedAt:    time.Now().UTC(),
			OriginNodeID: q.selfID,
		},
		ID:         uuid.NewString(),
		Kind:       params.Kind,
		Title:      params.Title,
		Body:       params.Body,
		AuthorNode: q.selfID,
		ClaimState: types.PostActive,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := q.store.PutPost(p); err != nil {
		return nil, fmt.Errorf("queue: create post: %w", err)
	}
	q.gossip.BroadcastPost(p)
	return p, nil
}

// ClaimPost moves a post Active -> Claimed on behalf of claimantNode. It
// mirrors the bounty claim CAS: only the first claim wins, so two nodes
// racing on the same post converge rather than both believing they hold it.
func (q *Queue) ClaimPost(postID, claimantNode string) (bool, error) {
	changed, err := q.store.TransitionPost(postID, []types.PostClaimState{types.PostActive}, func(p *types.Post) {
		p.ClaimState = types.PostClaimed
		p.ClaimedBy = claimantNode
		q.stampPost(p)
	})
	if err != nil {
		return false, fmt.Errorf("queue: claim post: %w", err)
	}
	if !changed {
		return false, nil
	}
	if p, gerr := q.store.GetPost(postID); gerr == nil {
		q.gossip.BroadcastPost(p)
	}
	return true, nil
}

// ResolvePost moves a claimed post to Resolved. Only the node already
// holding the claim may resolve it.
func (q *Queue) ResolvePost(postID, claimantNode string) (bool, error) {
	current, err := q.store.GetPost(postID)
	if err != nil {
		return false, fmt.Errorf("queue: resolve post: %w", err)
	}
	if current.ClaimedBy != claimantNode {
		return false, nil
	}
	changed, err := q.store.TransitionPost(postID, []types.PostClaimState{types.PostClaimed}, func(p *types.Post) {
		p.ClaimState = types.PostResolved
		q.stampPost(p)
	})
	if err != nil {
		return false, fmt.Errorf("queue: resolve post: %w", err)
	}
	if !changed {
		return false, nil
	}
	if p, gerr := q.store.GetPost(postID); gerr == nil {
		q.gossip.BroadcastPost(p)
	}
	return true, nil
}

// ArchivePost retires a post regardless of its current claim state, e.g.
// once a bounty-kind post's underlying task completes.
func (q *Queue) ArchivePost(postID string) (bool, error) {
	changed, err := q.store.TransitionPost(postID, []types.PostClaimState{types.PostActive, types.PostClaimed, types.PostResolved}, func(p *types.Post) {
		p.ClaimState = types.PostArchived
		q.stampPost(p)
	})
	if err != nil {
		return false, fmt.Errorf("queue: archive post: %w", err)
	}
	if !changed {
		return false, nil
	}
	if p, gerr := q.store.GetPost(postID); gerr == nil {
		q.gossip.BroadcastPost(p)
	}
	return true, nil
}

func (q *Queue) stampPost(p *types.Post) {
	p.LamportTS = q.clock.Tick()
	p.UpdatedAt = time.Now().UTC()
	p.OriginNodeID = q.selfID
}

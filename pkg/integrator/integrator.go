// Package integrator runs the merge-test-retry coroutine: for every
// parent task a dispatcher has moved to Merging, it folds each subtask's
// branch into a dedicated integration worktree, runs the configured test
// command, and on success pushes and opens a pull request. Conflicts or
// failing tests requeue the offending subtasks and send the parent back
// to InProgress for another pass.
package integrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/collab"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/rs/zerolog"
)

const pollInterval = 15 * time.Second

// maxConflictOutput bounds how much of a conflict report is attached to a
// requeued subtask's feedback.
const maxConflictOutput = 2048

// IsEmperor reports whether this node currently holds emperor
// responsibilities. Integration only runs when it returns true.
type IsEmperor func() bool

// Integrator drives merge-test-retry for one node.
type Integrator struct {
	store     storage.Store
	clock     *clock.Clock
	gossip    *gossip.Gossip
	broker    *events.Broker
	workspace collab.GitWorkspace
	isEmperor IsEmperor
	selfID    string
	logger    zerolog.Logger

	trigger chan struct{}
	stopCh  chan struct{}
}

// New creates an Integrator. workspace may be nil in a deployment with no
// git tooling wired in, in which case Merging parents are left untouched.
func New(store storage.Store, clk *clock.Clock, g *gossip.Gossip, eb *events.Broker, ws collab.GitWorkspace, isEmperor IsEmperor, selfID string) *Integrator {
	return &Integrator{
		store:     store,
		clock:     clk,
		gossip:    g,
		broker:    eb,
		workspace: ws,
		isEmperor: isEmperor,
		selfID:    selfID,
		logger:    log.WithComponent("integrator"),
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Trigger requests an integration pass as soon as possible.
func (in *Integrator) Trigger() {
	select {
	case in.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, driving integration cycles until ctx is cancelled or Stop is
// called.
func (in *Integrator) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.trigger:
			in.cycle()
		case <-ticker.C:
			in.cycle()
		case <-in.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends Run.
func (in *Integrator) Stop() {
	close(in.stopCh)
}

func (in *Integrator) stamp(t *types.Task) {
	t.LamportTS = in.clock.Tick()
	t.UpdatedAt = time.Now().UTC()
	t.OriginNodeID = in.selfID
}

func (in *Integrator) cycle() {
	if in.isEmperor != nil && !in.isEmperor() {
		return
	}
	if in.workspace == nil {
		return
	}

	merging, err := in.store.ListTasksByStatus(types.TaskMerging)
	if err != nil {
		in.logger.Warn().Err(err).Msg("integrate: list merging failed")
		return
	}
	for _, parent := range merging {
		in.integrate(parent)
	}
}

// integrate runs one attempt of the five-step merge-test-retry procedure
// for a single parent task. It is idempotent: a restart mid-flight simply
// re-enters here, and every state change goes through a CAS so a peer
// that already finished the job makes every further attempt here a
// silent no-op.
func (in *Integrator) integrate(parent *types.Task) {
	timer := metrics.NewTimer()
	outcome := "error"
	defer func() {
		timer.ObserveDuration(metrics.MergeDuration)
		metrics.MergeAttemptsTotal.WithLabelValues(outcome).Inc()
	}()

	children, err := in.store.ListTasksByParent(parent.ID)
	if err != nil {
		in.logger.Warn().Err(err).Str("task", parent.ID).Msg("integrate: list children failed")
		return
	}

	var branches []string
	for _, c := range children {
		if c.Status == types.TaskCompleted && c.GitBranch != "" {
			branches = append(branches, c.GitBranch)
		}
	}
	if len(branches) == 0 {
		outcome = "no_branches"
		return
	}

	attempts := parent.MergeAttempts + 1
	if attempts > types.MaxMergeAttempts {
		in.failParent(parent, "Max merge attempts exceeded")
		outcome = "attempts_exhausted"
		return
	}

	changed, err := in.store.TransitionTask(parent.ID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.MergeAttempts = attempts
		in.stamp(t)
	})
	if err != nil || !changed {
		// Another node is already working this attempt, or it moved on.
		outcome = "skipped"
		return
	}

	result, err := in.workspace.Integrate(context.Background(), parent.ID, branches, parent.TestCommand)
	if err != nil {
		in.logger.Warn().Err(err).Str("task", parent.ID).Msg("integrate: workspace integration failed")
		in.backToInProgress(parent.ID)
		outcome = "workspace_error"
		return
	}

	if !result.Merged {
		in.requeueConflicted(parent, attempts, result)
		outcome = "conflict"
		return
	}

	if !result.TestsPassed {
		in.requeueAll(parent, attempts, children, result.TestOutput)
		outcome = "test_failure"
		return
	}

	in.completeParent(parent, result)
	outcome = "success"
}

func (in *Integrator) failParent(parent *types.Task, reason string) {
	changed, err := in.store.TransitionTask(parent.ID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.Error = reason
		t.CompletedAt = time.Now().UTC()
		in.stamp(t)
	})
	if err != nil {
		in.logger.Warn().Err(err).Str("task", parent.ID).Msg("integrate: fail parent transition failed")
		return
	}
	if changed {
		if t, gerr := in.store.GetTask(parent.ID); gerr == nil {
			in.broker.Publish(&events.Event{Type: events.EventTaskFailed, Metadata: map[string]string{"task_id": parent.ID}})
			in.gossip.BroadcastTask("fail", t)
		}
	}
}

func (in *Integrator) backToInProgress(parentID string) {
	_, err := in.store.TransitionTask(parentID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.Status = types.TaskInProgress
		in.stamp(t)
	})
	if err != nil {
		in.logger.Warn().Err(err).Str("task", parentID).Msg("integrate: revert to in-progress failed")
	}
}

// requeueConflicted resets only the subtasks whose branches failed to
// merge back to Pending, carrying the conflict report as feedback, and
// sends the parent back to InProgress for another planning/dispatch pass.
func (in *Integrator) requeueConflicted(parent *types.Task, attempts int, result *collab.IntegrationResult) {
	conflicted := make(map[string]bool, len(result.ConflictedBranches))
	for _, b := range result.ConflictedBranches {
		conflicted[b] = true
	}

	output := result.ConflictOutput
	if len(output) > maxConflictOutput {
		output = output[:maxConflictOutput]
	}
	note := fmt.Sprintf("## Merge Conflict (attempt %d)\n%s", attempts, output)

	children, err := in.store.ListTasksByParent(parent.ID)
	if err != nil {
		in.logger.Warn().Err(err).Str("task", parent.ID).Msg("integrate: list children for requeue failed")
		return
	}
	for _, c := range children {
		if c.Status != types.TaskCompleted || !conflicted[c.GitBranch] {
			continue
		}
		changed, err := in.store.TransitionTask(c.ID, []types.TaskStatus{types.TaskCompleted}, func(t *types.Task) {
			t.Status = types.TaskPending
			t.GitBranch = ""
			t.WorkInstructions = t.WorkInstructions + "\n\n" + note
			t.AssignedAgentID = ""
			t.AssignedNodeID = ""
			in.stamp(t)
		})
		if err != nil {
			in.logger.Warn().Err(err).Str("task", c.ID).Msg("integrate: requeue conflicted subtask failed")
			continue
		}
		if changed {
			if rt, gerr := in.store.GetTask(c.ID); gerr == nil {
				in.gossip.BroadcastTask("update", rt)
			}
		}
	}

	in.backToInProgress(parent.ID)
}

// requeueAll resets every completed subtask back to Pending after a
// failing test run, since a test failure can't be attributed to a single
// branch the way a merge conflict can.
func (in *Integrator) requeueAll(parent *types.Task, attempts int, children []*types.Task, testOutput string) {
	note := fmt.Sprintf("## Merge Test Failure (attempt %d)\n%s", attempts, testOutput)

	for _, c := range children {
		if c.Status != types.TaskCompleted {
			continue
		}
		changed, err := in.store.TransitionTask(c.ID, []types.TaskStatus{types.TaskCompleted}, func(t *types.Task) {
			t.Status = types.TaskPending
			t.GitBranch = ""
			t.WorkInstructions = t.WorkInstructions + "\n\n" + note
			t.AssignedAgentID = ""
			t.AssignedNodeID = ""
			in.stamp(t)
		})
		if err != nil {
			in.logger.Warn().Err(err).Str("task", c.ID).Msg("integrate: requeue subtask after test failure failed")
			continue
		}
		if changed {
			if rt, gerr := in.store.GetTask(c.ID); gerr == nil {
				in.gossip.BroadcastTask("update", rt)
			}
		}
	}

	in.backToInProgress(parent.ID)
}

func (in *Integrator) completeParent(parent *types.Task, result *collab.IntegrationResult) {
	changed, err := in.store.TransitionTask(parent.ID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.Status = types.TaskCompleted
		t.PRURL = result.PRURL
		t.CompletedAt = time.Now().UTC()
		in.stamp(t)
	})
	if err != nil {
		in.logger.Warn().Err(err).Str("task", parent.ID).Msg("integrate: complete parent transition failed")
		return
	}
	if changed {
		if t, gerr := in.store.GetTask(parent.ID); gerr == nil {
			in.broker.Publish(&events.Event{Type: events.EventTaskCompleted, Metadata: map[string]string{"task_id": parent.ID}})
			in.gossip.BroadcastTask("complete", t)
		}
	}
}

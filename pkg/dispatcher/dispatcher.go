// Package dispatcher runs the single coroutine that moves pending work
// onto idle agents: cascade-failing blocked tasks whose dependencies died,
// unblocking tasks whose dependencies finished, handing Planning tasks to
// a planner agent, and assigning Pending tasks to the best available
// worker before overflowing anything left to the marketplace broker.
package dispatcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/warrenswarm/pkg/broker"
	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/collab"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/queue"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/rs/zerolog"
)

const heartbeatInterval = 30 * time.Second

// overflowCapPerCycle bounds how many pending tasks one dispatch cycle
// will offer to the broker, so a capacity shortfall doesn't flood the
// marketplace with every pending task at once.
const overflowCapPerCycle = 10

// IsEmperor reports whether this node currently holds emperor
// responsibilities. Dispatching only runs when it returns true.
type IsEmperor func() bool

// Dispatcher is the single coroutine driving task assignment for one node.
type Dispatcher struct {
	store     storage.Store
	clock     *clock.Clock
	queue     *queue.Queue
	gossip    *gossip.Gossip
	broker    *broker.Broker
	isEmperor IsEmperor
	selfID    string
	logger    zerolog.Logger

	multiplexer collab.Multiplexer

	trigger chan struct{}
	stopCh  chan struct{}
	rrIndex int
}

// SetMultiplexer wires the agent delivery seam for locally assigned tasks.
// Leaving it unset (the default) skips the delivery call entirely: the
// task still transitions to Claimed, and the agent's first ReportProgress
// carries it to InProgress, the same as today.
func (d *Dispatcher) SetMultiplexer(m collab.Multiplexer) {
	d.multiplexer = m
}

// New creates a Dispatcher. broker may be nil, in which case overflow
// tasks are simply left pending for a future cycle.
func New(store storage.Store, clk *clock.Clock, q *queue.Queue, g *gossip.Gossip, b *broker.Broker, isEmperor IsEmperor, selfID string) *Dispatcher {
	return &Dispatcher{
		store:     store,
		clock:     clk,
		queue:     q,
		gossip:    g,
		broker:    b,
		isEmperor: isEmperor,
		selfID:    selfID,
		logger:    log.WithComponent("dispatcher"),
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (d *Dispatcher) stamp(t *types.Task) {
	t.LamportTS = d.clock.Tick()
	t.UpdatedAt = time.Now().UTC()
	t.OriginNodeID = d.selfID
}

// Trigger requests a dispatch cycle as soon as possible. Non-blocking:
// multiple triggers before the coroutine wakes coalesce into one cycle.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, driving dispatch cycles until ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.trigger:
			d.cycle()
		case <-ticker.C:
			d.cycle()
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends Run.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) cycle() {
	if d.isEmperor != nil && !d.isEmperor() {
		return
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.DispatcherCycleDuration)
		metrics.DispatcherCyclesTotal.Inc()
	}()

	d.cascadeFail()
	d.unblock()
	d.dispatchPlanning()
	d.dispatchMain()
}

// cascadeFail fails blocked tasks whose dependency set contains a failed
// or cancelled task, then re-runs parent aggregation so the failure
// propagates upward.
func (d *Dispatcher) cascadeFail() {
	blocked, err := d.store.ListTasksByStatus(types.TaskBlocked)
	if err != nil {
		d.logger.Warn().Err(err).Msg("cascade-fail: list blocked failed")
		return
	}

	for _, t := range blocked {
		if !d.hasDeadDependency(t) {
			continue
		}
		changed, err := d.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskBlocked}, func(bt *types.Task) {
			bt.Status = types.TaskFailed
			bt.Error = "Dependency failed or cancelled"
			bt.CompletedAt = time.Now().UTC()
			d.stamp(bt)
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("task", t.ID).Msg("cascade-fail: transition failed")
			continue
		}
		if changed {
			if ft, gerr := d.store.GetTask(t.ID); gerr == nil {
				d.gossip.BroadcastTask("fail", ft)
				if err := d.queue.UnblockDependents(ft.ID, false); err != nil {
					d.logger.Warn().Err(err).Str("task", ft.ID).Msg("cascade-fail: propagate to dependents failed")
				}
			}
		}
	}
}

func (d *Dispatcher) hasDeadDependency(t *types.Task) bool {
	for _, depID := range t.DependsOn {
		dep, err := d.store.GetTask(depID)
		if err != nil {
			continue
		}
		if dep.Status == types.TaskFailed || dep.Status == types.TaskCancelled {
			return true
		}
	}
	return false
}

// unblock transitions blocked tasks whose dependencies are all Completed
// to Pending.
func (d *Dispatcher) unblock() {
	blocked, err := d.store.ListTasksByStatus(types.TaskBlocked)
	if err != nil {
		d.logger.Warn().Err(err).Msg("unblock: list blocked failed")
		return
	}

	for _, t := range blocked {
		if !d.allDepsCompleted(t) {
			continue
		}
		changed, err := d.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskBlocked}, func(bt *types.Task) {
			bt.Status = types.TaskPending
			d.stamp(bt)
		})
		if err != nil {
			d.logger.Warn().Err(err).Str("task", t.ID).Msg("unblock: transition failed")
			continue
		}
		if changed {
			if ut, gerr := d.store.GetTask(t.ID); gerr == nil {
				d.gossip.BroadcastTask("update", ut)
			}
		}
	}
}

func (d *Dispatcher) allDepsCompleted(t *types.Task) bool {
	if len(t.DependsOn) == 0 {
		return false
	}
	for _, depID := range t.DependsOn {
		dep, err := d.store.GetTask(depID)
		if err != nil || dep.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// plannerCapability is the well-known capability tag identifying an agent
// that can decompose a Planning task into subtasks. Planners execute
// sequentially: one at a time, per §4.3.
const plannerCapability = "planner"

func (d *Dispatcher) dispatchPlanning() {
	planning, err := d.store.ListTasksByStatus(types.TaskPlanning)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dispatch-planning: list failed")
		return
	}
	if len(planning) == 0 {
		return
	}

	planners, err := d.store.ListIdleAgentsByNode(d.selfID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dispatch-planning: list agents failed")
		return
	}

	var planner *types.Agent
	for _, a := range planners {
		if hasCapability(a, plannerCapability) {
			planner = a
			break
		}
	}
	if planner == nil {
		return
	}

	t := planning[0]
	changed, err := d.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskPlanning}, func(pt *types.Task) {
		pt.AssignedAgentID = planner.ID
		pt.AssignedNodeID = d.selfID
		pt.Status = types.TaskInProgress
		d.stamp(pt)
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("task", t.ID).Msg("dispatch-planning: transition failed")
		return
	}
	if changed {
		if ut, gerr := d.store.GetTask(t.ID); gerr == nil {
			d.gossip.BroadcastTask("update", ut)
		}
		metrics.TasksAssignedTotal.WithLabelValues("local").Inc()
	}
}

func (d *Dispatcher) dispatchMain() {
	pending, err := d.store.ListTasksByPriority()
	if err != nil {
		d.logger.Warn().Err(err).Msg("dispatch-main: list pending failed")
		return
	}

	overflowed := 0
	for _, t := range pending {
		if t.Status != types.TaskPending {
			continue
		}

		agent := d.selectAgent(t)
		if agent == nil {
			if overflowed < overflowCapPerCycle && d.broker != nil {
				if d.broker.OfferOverflow(t) {
					overflowed++
					metrics.TasksOverflowedTotal.Inc()
				}
			}
			continue
		}

		d.assign(t, agent)
	}
}

// selectAgent implements the three-stage matcher: capability filter,
// project-path/clone affinity, then round-robin fairness over whatever
// remains eligible.
func (d *Dispatcher) selectAgent(t *types.Task) *types.Agent {
	candidates, err := d.store.ListIdleAgentsByNode(d.selfID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("select-agent: list idle agents failed")
		return nil
	}

	eligible := make([]*types.Agent, 0, len(candidates))
	for _, a := range candidates {
		if capabilitiesSatisfied(t.RequiredCapabilities, a.Capabilities) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	if affine := affinityMatch(t, eligible); affine != nil {
		return affine
	}

	d.rrIndex = (d.rrIndex + 1) % len(eligible)
	return eligible[d.rrIndex]
}

func capabilitiesSatisfied(required, agentCaps []string) bool {
	if len(required) == 0 {
		return true
	}
	if len(agentCaps) == 0 {
		return true // empty agent capabilities means universal
	}
	have := make(map[string]bool, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// affinityMatch prefers an agent already set up for the task's project.
// project-path is either a filesystem path, matched by exact equality, or
// a git URL, matched against the agent's local clone directory by repo
// name: an agent's project-path for a cloned repo is the clone directory,
// not the URL it came from, so "equal" has to mean "same repo" rather
// than "same string."
func affinityMatch(t *types.Task, eligible []*types.Agent) *types.Agent {
	if t.ProjectPath == "" {
		return nil
	}
	if repo := gitRepoName(t.ProjectPath); repo != "" {
		for _, a := range eligible {
			if gitCloneDirName(a.ProjectPath) == repo {
				return a
			}
		}
		return nil
	}
	for _, a := range eligible {
		if a.ProjectPath == t.ProjectPath {
			return a
		}
	}
	return nil
}

// gitRepoName returns the bare repo name a git URL clones into (e.g.
// "git@github.com:org/repo.git" or "https://github.com/org/repo" both
// yield "repo"), or "" if projectPath isn't a git URL.
func gitRepoName(projectPath string) string {
	if !isGitURL(projectPath) {
		return ""
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(projectPath, "/"), ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

// gitCloneDirName returns the base directory name of a local clone path,
// for comparison against gitRepoName.
func gitCloneDirName(projectPath string) string {
	return filepath.Base(projectPath)
}

func isGitURL(projectPath string) bool {
	return strings.HasPrefix(projectPath, "git@") ||
		strings.HasPrefix(projectPath, "ssh://") ||
		strings.HasPrefix(projectPath, "git://") ||
		strings.HasPrefix(projectPath, "https://") ||
		strings.HasPrefix(projectPath, "http://") ||
		strings.HasSuffix(projectPath, ".git")
}

func hasCapability(a *types.Agent, cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// assign sends TASK_ASSIGN to the chosen agent's node and optimistically
// (or, for local agents, synchronously) CAS's the task Pending -> Claimed.
func (d *Dispatcher) assign(t *types.Task, agent *types.Agent) {
	locality := "remote"
	if agent.NodeID == d.selfID {
		locality = "local"
	}

	changed, err := d.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskPending}, func(pt *types.Task) {
		pt.Status = types.TaskClaimed
		pt.AssignedAgentID = agent.ID
		pt.AssignedNodeID = agent.NodeID
		pt.ClaimedAt = time.Now().UTC()
		d.stamp(pt)
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("task", t.ID).Msg("assign: transition failed")
		return
	}
	if !changed {
		return
	}

	assigned, err := d.store.GetTask(t.ID)
	if err != nil {
		return
	}

	if locality == "remote" {
		if err := d.gossip.SendAssign(agent.NodeID, assigned); err != nil {
			d.logger.Debug().Err(err).Str("node", agent.NodeID).Msg("assign: remote send failed, leaving task pending for next cycle")
			_, _ = d.store.TransitionTask(t.ID, []types.TaskStatus{types.TaskClaimed}, func(pt *types.Task) {
				pt.Status = types.TaskPending
				pt.AssignedAgentID = ""
				pt.AssignedNodeID = ""
				d.stamp(pt)
			})
			return
		}
	} else if d.multiplexer != nil {
		if err := d.multiplexer.Deliver(context.Background(), agent.ID, assigned); err != nil {
			// The claim stands regardless: the agent's first ReportProgress
			// still carries the task to InProgress, so a delivery hiccup
			// here costs latency, not correctness.
			d.logger.Warn().Err(err).Str("task", t.ID).Str("agent", agent.ID).Msg("assign: local delivery failed")
		}
	}

	d.gossip.BroadcastTask("assign", assigned)
	metrics.TasksAssignedTotal.WithLabelValues(locality).Inc()
}

package dispatcher

import (
	"testing"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/queue"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *queue.Queue, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mesh := transport.NewMesh("node-1", "worker", 0, 0, nil)
	eb := events.NewBroker()
	eb.Start()
	t.Cleanup(eb.Stop)

	clk := clock.New(0, nil)
	g := gossip.New("node-1", mesh, store, clk, eb)
	g.RegisterHandlers()

	q := queue.New(store, clk, g, eb, "node-1")
	d := New(store, clk, q, g, nil, nil, "node-1")
	return d, q, store
}

func newIdleAgent(t *testing.T, store storage.Store, id, nodeID string, caps []string, projectPath string) *types.Agent {
	t.Helper()
	a := &types.Agent{ID: id, NodeID: nodeID, Capabilities: caps, ProjectPath: projectPath, Status: types.AgentIdle}
	require.NoError(t, store.CreateAgent(a))
	return a
}

func TestDispatchMainAssignsCapableIdleAgent(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	newIdleAgent(t, store, "agent-1", "node-1", []string{"coder"}, "")

	task, err := q.CreateTask(queue.CreateTaskParams{Title: "t", RequiredCapabilities: []string{"coder"}})
	require.NoError(t, err)

	d.dispatchMain()

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskClaimed, got.Status)
	require.Equal(t, "agent-1", got.AssignedAgentID)
}

func TestDispatchMainSkipsAgentMissingCapability(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	newIdleAgent(t, store, "agent-1", "node-1", []string{"reviewer"}, "")

	task, err := q.CreateTask(queue.CreateTaskParams{Title: "t", RequiredCapabilities: []string{"coder"}})
	require.NoError(t, err)

	d.dispatchMain()

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status, "no capable agent, task should remain pending")
}

func TestDispatchMainPrefersProjectAffinity(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	newIdleAgent(t, store, "agent-1", "node-1", nil, "/other")
	newIdleAgent(t, store, "agent-2", "node-1", nil, "/repo")

	task, err := q.CreateTask(queue.CreateTaskParams{Title: "t", ProjectPath: "/repo"})
	require.NoError(t, err)

	d.dispatchMain()

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, "agent-2", got.AssignedAgentID)
}

func TestCascadeFailPropagatesToBlockedTask(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	dep, err := q.CreateTask(queue.CreateTaskParams{Title: "dep"})
	require.NoError(t, err)
	blocked, err := q.CreateTask(queue.CreateTaskParams{Title: "blocked", DependsOn: []string{dep.ID}})
	require.NoError(t, err)
	require.Equal(t, types.TaskBlocked, blocked.Status)

	_, err = store.TransitionTask(dep.ID, []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.CompletedAt = time.Now().UTC()
	})
	require.NoError(t, err)

	d.cascadeFail()

	got, err := store.GetTask(blocked.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, got.Status)
}

func TestUnblockTransitionsReadyTask(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	dep, err := q.CreateTask(queue.CreateTaskParams{Title: "dep"})
	require.NoError(t, err)
	blocked, err := q.CreateTask(queue.CreateTaskParams{Title: "blocked", DependsOn: []string{dep.ID}})
	require.NoError(t, err)

	_, err = store.TransitionTask(dep.ID, []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskCompleted
		t.CompletedAt = time.Now().UTC()
	})
	require.NoError(t, err)

	d.unblock()

	got, err := store.GetTask(blocked.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status)
}

func TestDispatchPlanningAssignsPlannerAgent(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	newIdleAgent(t, store, "planner-1", "node-1", []string{"planner"}, "")

	task, err := q.CreateTask(queue.CreateTaskParams{Title: "plan me", HasPlanner: true})
	require.NoError(t, err)
	require.Equal(t, types.TaskPlanning, task.Status)

	d.dispatchPlanning()

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskInProgress, got.Status)
	require.Equal(t, "planner-1", got.AssignedAgentID)
}

func TestDispatchMainNoCapacityNoBrokerLeavesPending(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	task, err := q.CreateTask(queue.CreateTaskParams{Title: "t", RequiredCapabilities: []string{"coder"}})
	require.NoError(t, err)

	// broker is nil in this harness; dispatchMain must not panic and must
	// simply leave the task pending for the next cycle.
	d.dispatchMain()

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status)
}

func TestIsEmperorGateSkipsCycleWhenFalse(t *testing.T) {
	d, q, store := newTestDispatcher(t)
	d.isEmperor = func() bool { return false }
	newIdleAgent(t, store, "agent-1", "node-1", nil, "")
	task, err := q.CreateTask(queue.CreateTaskParams{Title: "t"})
	require.NoError(t, err)

	d.cycle()

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status, "dispatch cycle must no-op when not emperor")
}

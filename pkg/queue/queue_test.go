package queue

import (
	"testing"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mesh := transport.NewMesh("node-1", "worker", 0, 0, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	g := gossip.New("node-1", mesh, store, clock.New(0, nil), broker)
	g.RegisterHandlers()

	return New(store, clock.New(0, nil), g, broker, "node-1"), store
}

func TestCreateTaskDerivesStatus(t *testing.T) {
	q, _ := newTestQueue(t)

	plain, err := q.CreateTask(CreateTaskParams{Title: "plain"})
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, plain.Status)

	blocked, err := q.CreateTask(CreateTaskParams{Title: "blocked", DependsOn: []string{plain.ID}})
	require.NoError(t, err)
	require.Equal(t, types.TaskBlocked, blocked.Status)

	planned, err := q.CreateTask(CreateTaskParams{Title: "planned", HasPlanner: true})
	require.NoError(t, err)
	require.Equal(t, types.TaskPlanning, planned.Status)
}

func TestClaimIsCompareAndSwap(t *testing.T) {
	q, _ := newTestQueue(t)
	task, err := q.CreateTask(CreateTaskParams{Title: "t"})
	require.NoError(t, err)

	ok, err := q.Claim(task.ID, "agent-1", "node-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Claim(task.ID, "agent-2", "node-2")
	require.NoError(t, err)
	require.False(t, ok, "a second claim on an already-claimed task must fail")
}

func TestReportCompleteWithoutCriteriaTerminalizes(t *testing.T) {
	q, store := newTestQueue(t)
	task, err := q.CreateTask(CreateTaskParams{Title: "t"})
	require.NoError(t, err)
	_, err = q.Claim(task.ID, "agent-1", "node-1")
	require.NoError(t, err)

	accepted, unexpected, err := q.ReportComplete(task.ID, "done")
	require.NoError(t, err)
	require.True(t, accepted)
	require.False(t, unexpected)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, got.Status)
}

func TestReportCompleteWithCriteriaGoesToReview(t *testing.T) {
	q, store := newTestQueue(t)
	task, err := q.CreateTask(CreateTaskParams{Title: "t", AcceptanceCriteria: "must pass tests"})
	require.NoError(t, err)
	_, err = q.Claim(task.ID, "agent-1", "node-1")
	require.NoError(t, err)

	accepted, _, err := q.ReportComplete(task.ID, "done")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskPendingReview, got.Status)
}

func TestReportOutsideExpectedStateAcceptedWithWarning(t *testing.T) {
	q, store := newTestQueue(t)
	task, err := q.CreateTask(CreateTaskParams{Title: "t"})
	require.NoError(t, err)
	// Task is still Pending (never claimed); a progress report is outside
	// the allowed-from set but must still be applied per §4.2.3.
	accepted, unexpected, err := q.ReportProgress(task.ID, 0.5, "")
	require.NoError(t, err)
	require.True(t, accepted)
	require.True(t, unexpected)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, 0.5, got.Progress)
}

func TestReportOnTerminalTaskIsRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	task, err := q.CreateTask(CreateTaskParams{Title: "t"})
	require.NoError(t, err)
	_, err = q.Claim(task.ID, "agent-1", "node-1")
	require.NoError(t, err)
	_, _, err = q.ReportComplete(task.ID, "done")
	require.NoError(t, err)

	accepted, _, err := q.ReportProgress(task.ID, 0.9, "")
	require.NoError(t, err)
	require.False(t, accepted, "a terminal task must never accept a late report")
}

func TestReviewRejectionRequeuesThenFails(t *testing.T) {
	q, store := newTestQueue(t)
	task, err := q.CreateTask(CreateTaskParams{Title: "t", AcceptanceCriteria: "x"})
	require.NoError(t, err)
	_, err = q.Claim(task.ID, "agent-1", "node-1")
	require.NoError(t, err)
	_, _, err = q.ReportComplete(task.ID, "done")
	require.NoError(t, err)

	for i := 1; i < types.MaxRejections; i++ {
		changed, err := q.Review(task.ID, false, "needs work")
		require.NoError(t, err)
		require.True(t, changed)

		got, err := store.GetTask(task.ID)
		require.NoError(t, err)
		require.Equal(t, types.TaskPending, got.Status)
		require.Equal(t, i, got.RejectionCount)

		_, err = q.Claim(task.ID, "agent-1", "node-1")
		require.NoError(t, err)
		_, _, err = q.ReportComplete(task.ID, "done again")
		require.NoError(t, err)
	}

	changed, err := q.Review(task.ID, false, "still not good")
	require.NoError(t, err)
	require.True(t, changed)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, got.Status)
	require.Equal(t, types.MaxRejections, got.RejectionCount)
}

func TestAggregateParentCompletesWithoutBranches(t *testing.T) {
	q, store := newTestQueue(t)
	parent, err := q.CreateTask(CreateTaskParams{Title: "parent", HasPlanner: true})
	require.NoError(t, err)

	child1, err := q.CreateTask(CreateTaskParams{Title: "c1", ParentID: parent.ID})
	require.NoError(t, err)
	child2, err := q.CreateTask(CreateTaskParams{Title: "c2", ParentID: parent.ID})
	require.NoError(t, err)

	_, err = q.Claim(child1.ID, "agent-1", "node-1")
	require.NoError(t, err)
	_, _, err = q.ReportComplete(child1.ID, "done")
	require.NoError(t, err)

	_, err = q.Claim(child2.ID, "agent-1", "node-1")
	require.NoError(t, err)
	_, _, err = q.ReportComplete(child2.ID, "done")
	require.NoError(t, err)

	got, err := store.GetTask(parent.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, got.Status)
}

func TestUnblockDependentsOnSuccess(t *testing.T) {
	q, store := newTestQueue(t)
	dep, err := q.CreateTask(CreateTaskParams{Title: "dep"})
	require.NoError(t, err)
	blocked, err := q.CreateTask(CreateTaskParams{Title: "blocked", DependsOn: []string{dep.ID}})
	require.NoError(t, err)
	require.Equal(t, types.TaskBlocked, blocked.Status)

	_, err = q.Claim(dep.ID, "agent-1", "node-1")
	require.NoError(t, err)
	_, _, err = q.ReportComplete(dep.ID, "done")
	require.NoError(t, err)

	require.NoError(t, q.UnblockDependents(dep.ID, true))

	got, err := store.GetTask(blocked.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status)
}

func TestCreateTaskRejectsDependencyCycle(t *testing.T) {
	q, store := newTestQueue(t)
	a, err := q.CreateTask(CreateTaskParams{Title: "a"})
	require.NoError(t, err)

	b, err := q.CreateTask(CreateTaskParams{Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	// Corrupt a's DependsOn directly to simulate a latent cycle: a -> b -> a.
	_, err = store.TransitionTask(a.ID, []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.DependsOn = []string{b.ID}
	})
	require.NoError(t, err)

	_, err = q.CreateTask(CreateTaskParams{Title: "c", DependsOn: []string{a.ID}})
	require.Error(t, err)
}

func TestUnblockDependentsOnFailure(t *testing.T) {
	q, store := newTestQueue(t)
	dep, err := q.CreateTask(CreateTaskParams{Title: "dep"})
	require.NoError(t, err)
	blocked, err := q.CreateTask(CreateTaskParams{Title: "blocked", DependsOn: []string{dep.ID}})
	require.NoError(t, err)

	_, err = q.Claim(dep.ID, "agent-1", "node-1")
	require.NoError(t, err)
	_, _, err = q.ReportFail(dep.ID, "boom")
	require.NoError(t, err)

	require.NoError(t, q.UnblockDependents(dep.ID, false))

	got, err := store.GetTask(blocked.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, got.Status)
}

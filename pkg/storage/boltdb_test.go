package storage

import (
	"testing"
	"time"

	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(id string, status types.TaskStatus, priority int) *types.Task {
	return &types.Task{
		Stamped:   types.Stamped{LamportTS: 1, OriginNodeID: "n1"},
		ID:        id,
		Title:     "t-" + id,
		Status:    status,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	task := newTask("t1", types.TaskPending, 1)
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskPending, got.Status)
}

func TestTransitionTaskCAS(t *testing.T) {
	s := newTestStore(t)
	task := newTask("t1", types.TaskPending, 1)
	require.NoError(t, s.CreateTask(task))

	ok, err := s.TransitionTask("t1", []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskClaimed
		t.AssignedAgentID = "a1"
	})
	require.NoError(t, err)
	require.True(t, ok)

	// second CAS from the now-stale allowed-from set must fail silently.
	ok, err = s.TransitionTask("t1", []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskFailed
	})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskClaimed, got.Status)
}

func TestListTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(newTask("t1", types.TaskPending, 1)))
	require.NoError(t, s.CreateTask(newTask("t2", types.TaskPending, 2)))
	require.NoError(t, s.CreateTask(newTask("t3", types.TaskCompleted, 1)))

	pending, err := s.ListTasksByStatus(types.TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestListTasksByPriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(newTask("low", types.TaskPending, 1)))
	require.NoError(t, s.CreateTask(newTask("high", types.TaskPending, 9)))
	require.NoError(t, s.CreateTask(newTask("mid", types.TaskPending, 5)))

	ordered, err := s.ListTasksByPriority()
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	require.Equal(t, "high", ordered[0].ID)
	require.Equal(t, "mid", ordered[1].ID)
	require.Equal(t, "low", ordered[2].ID)
}

func TestMergeTaskLWW(t *testing.T) {
	s := newTestStore(t)
	task := newTask("t1", types.TaskPending, 1)
	task.LamportTS = 5
	require.NoError(t, s.CreateTask(task))

	stale := newTask("t1", types.TaskFailed, 1)
	stale.LamportTS = 3
	changed, err := s.MergeTask(stale)
	require.NoError(t, err)
	require.False(t, changed, "stale lamport_ts must not overwrite")

	fresh := newTask("t1", types.TaskCompleted, 1)
	fresh.LamportTS = 10
	changed, err = s.MergeTask(fresh)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, got.Status)
}

func TestIndexEntriesClearedOnTransition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTask(newTask("t1", types.TaskPending, 1)))

	_, err := s.TransitionTask("t1", []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskClaimed
	})
	require.NoError(t, err)

	pending, err := s.ListTasksByStatus(types.TaskPending)
	require.NoError(t, err)
	require.Empty(t, pending, "stale status index entry must be removed on transition")

	claimed, err := s.ListTasksByStatus(types.TaskClaimed)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestLedgerBalanceAccumulates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendLedgerEntry("n1", 10, "tribute", time.Now()))
	require.NoError(t, s.AppendLedgerEntry("n1", -3, "penalty", time.Now()))

	bal, err := s.LedgerBalance("n1")
	require.NoError(t, err)
	require.InDelta(t, 7.0, bal, 0.0001)
}

func TestSwarmStateKV(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutState("node_id", []byte("abc123")))
	v, err := s.GetState("node_id")
	require.NoError(t, err)
	require.Equal(t, "abc123", string(v))
}

package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newNode(t *testing.T, selfID string, discoverer transport.Discoverer, port int) (*Gossip, *transport.Mesh, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mesh := transport.NewMesh(selfID, "worker", port, 0, discoverer)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	clk := clock.New(0, nil)
	g := New(selfID, mesh, store, clk, broker)
	g.RegisterHandlers()
	return g, mesh, store
}

func TestGossipFloodsTaskToAllPeers(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	gA, meshA, storeA := newNode(t, "node-a", nil, portA)
	gB, meshB, storeB := newNode(t, "node-b", transport.NewStaticDiscoverer([]transport.Candidate{{Host: "127.0.0.1", Port: portA}}), portB)
	_ = gB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, meshA.Start(ctx))
	defer meshA.Stop()
	require.NoError(t, meshB.Start(ctx))
	defer meshB.Stop()

	require.Eventually(t, func() bool {
		return meshA.PeerCount() == 1 && meshB.PeerCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	task := &types.Task{
		Stamped: types.Stamped{LamportTS: 1, OriginNodeID: "node-a", UpdatedAt: time.Now()},
		ID:      "t-1",
		Title:   "do the thing",
		Status:  types.TaskPending,
	}
	require.NoError(t, storeA.CreateTask(task))
	gA.BroadcastTask("create", task)

	require.Eventually(t, func() bool {
		got, err := storeB.GetTask("t-1")
		return err == nil && got.Title == "do the thing"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGossipDedupPreventsReprocessing(t *testing.T) {
	_, mesh, store := newNode(t, "node-a", nil, freePort(t))
	_ = mesh

	task := &types.Task{
		Stamped: types.Stamped{LamportTS: 5, OriginNodeID: "node-b", UpdatedAt: time.Now()},
		ID:      "t-2",
		Title:   "v1",
		Status:  types.TaskPending,
	}
	env := &transport.Envelope{Type: transport.MsgTaskCreate, Payload: transport.Encode(task), LamportTS: 5}

	s := newSeenSet()
	key := dedupKey("task", task.ID, "create", task.LamportTS)
	require.False(t, s.witness(key))
	require.True(t, s.witness(key))

	require.NoError(t, store.CreateTask(task))
	_ = env
}

func TestCredentialGossipRejectsUnknownIssuer(t *testing.T) {
	g, _, store := newNode(t, "node-a", nil, freePort(t))

	cred := &types.Credential{
		Stamped:    types.Stamped{LamportTS: 1, OriginNodeID: "node-z"},
		ID:         "cred-1",
		IssuerDID:  "did:warrenswarm:unknown",
		SubjectDID: "did:warrenswarm:node-a",
		Type:       types.CredentialSwarmMember,
		Signature:  "deadbeef",
	}
	env := &transport.Envelope{Type: transport.MsgIdentityCredentialIssue, Payload: transport.Encode(cred), LamportTS: 1}
	g.handleCredential("node-z", env)

	_, err := store.GetCredential("cred-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

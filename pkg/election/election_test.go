package election

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warrenswarm/pkg/events"
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

func newNode(t *testing.T, selfID string, role types.NodeRole, discoverer transport.Discoverer, port int) (*Election, *transport.Mesh) {
	t.Helper()
	mesh := transport.NewMesh(selfID, "worker", port, 0, discoverer)
	eb := events.NewBroker()
	eb.Start()
	t.Cleanup(eb.Stop)

	e := New(selfID, role, mesh, eb)
	e.RegisterHandlers()
	return e, mesh
}

func TestSeneschalNeverBecomesEmperor(t *testing.T) {
	e, _ := newNode(t, "node-z", types.RoleSeneschal, nil, freePort(t))
	e.mu.Lock()
	e.currentEmperor = "node-z"
	e.mu.Unlock()
	require.False(t, e.IsEmperor(), "a seneschal node must never report itself as emperor")
}

func TestSeneschalRunIsNoop(t *testing.T) {
	e, _ := newNode(t, "node-z", types.RoleSeneschal, nil, freePort(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly for a seneschal node")
	}
}

func TestHigherNodeWinsElection(t *testing.T) {
	portLow, portHigh := freePort(t), freePort(t)

	low, meshLow := newNode(t, "aaaa-low", types.RoleWorker, nil, portLow)
	high, meshHigh := newNode(t, "zzzz-high", types.RoleWorker, transport.NewStaticDiscoverer([]transport.Candidate{{Host: "127.0.0.1", Port: portLow}}), portHigh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, meshLow.Start(ctx))
	defer meshLow.Stop()
	require.NoError(t, meshHigh.Start(ctx))
	defer meshHigh.Stop()

	require.Eventually(t, func() bool {
		return meshLow.PeerCount() == 1 && meshHigh.PeerCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	low.startElection()

	require.Eventually(t, func() bool {
		return high.IsEmperor() && !low.IsEmperor()
	}, 6*time.Second, 50*time.Millisecond, "the higher node-id must win the election")
}

func TestHeartbeatKeepsFollowerFromCampaigning(t *testing.T) {
	e, _ := newNode(t, "node-a", types.RoleWorker, nil, freePort(t))
	e.mu.Lock()
	e.currentEmperor = "node-b"
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	e.tick()

	e.mu.Lock()
	electing := e.electing
	e.mu.Unlock()
	require.False(t, electing, "a fresh heartbeat must suppress a new campaign")
}

func TestStaleHeartbeatTriggersCampaign(t *testing.T) {
	e, _ := newNode(t, "node-a", types.RoleWorker, nil, freePort(t))
	e.mu.Lock()
	e.currentEmperor = "node-b"
	e.lastHeartbeatAt = time.Now().Add(-HeartbeatTimeout * 2)
	e.mu.Unlock()

	e.tick()

	e.mu.Lock()
	electing := e.electing
	e.mu.Unlock()
	require.True(t, electing, "a stale heartbeat must trigger a new campaign")
}

package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestMeshHandshakeAndBroadcast(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	meshA := NewMesh("node-a", "worker", portA, 0, nil)
	meshB := NewMesh("node-b", "worker", portB, 0, NewStaticDiscoverer([]Candidate{{Host: "127.0.0.1", Port: portA}}))

	received := make(chan string, 1)
	meshA.RegisterHandler(MsgTaskCreate, func(from string, env *Envelope) {
		received <- from
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, meshA.Start(ctx))
	defer meshA.Stop()
	require.NoError(t, meshB.Start(ctx))
	defer meshB.Stop()

	require.Eventually(t, func() bool {
		return meshA.PeerCount() == 1 && meshB.PeerCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, meshB.SendTo("node-a", &Envelope{Type: MsgTaskCreate, Payload: Encode(map[string]string{"task_id": "t1"})}))

	select {
	case from := <-received:
		require.Equal(t, "node-b", from)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMeshRejectsSelfHello(t *testing.T) {
	port := freePort(t)
	mesh := NewMesh("node-x", "worker", port, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mesh.Start(ctx))
	defer mesh.Stop()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, &Envelope{Type: MsgHello, Payload: Encode(HelloPayload{NodeID: "node-x"})}))

	_, err = ReadFrame(conn)
	require.NoError(t, err) // we still receive their HELLO before they close us

	require.Eventually(t, func() bool {
		return mesh.PeerCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

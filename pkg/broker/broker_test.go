package broker

import (
	"context"
	"encoding/json"
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

func newBroker(t *testing.T, selfID string, discoverer transport.Discoverer, port int) (*Broker, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mesh := transport.NewMesh(selfID, "worker", port, 0, discoverer)
	eb := events.NewBroker()
	eb.Start()
	t.Cleanup(eb.Stop)

	b := New(selfID, mesh, store, clock.New(0, nil), eb)
	b.RegisterHandlers()
	return b, store
}

func TestRelayFloodsOfferingToPeer(t *testing.T) {
	portA, portB := freePort(t), freePort(t)

	brokerA, storeA := newBroker(t, "swarm-a", nil, portA)
	brokerB, storeB := newBroker(t, "swarm-b", transport.NewStaticDiscoverer([]transport.Candidate{{Host: "127.0.0.1", Port: portA}}), portB)
	_ = storeA

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, brokerA.Start(ctx))
	defer brokerA.Stop()
	require.NoError(t, brokerB.Start(ctx))
	defer brokerB.Stop()

	require.Eventually(t, func() bool {
		return brokerA.mesh.PeerCount() == 1 && brokerB.mesh.PeerCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	offering := &types.Offering{ID: "off-1", NodeID: "swarm-b", Capabilities: []string{"coder"}, Status: types.OfferingOpen}
	brokerB.AdvertiseOffering(offering)

	require.Eventually(t, func() bool {
		got, err := storeA.GetOffering("off-1")
		return err == nil && got.NodeID == "swarm-b"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandleRelayDedup(t *testing.T) {
	b, _ := newBroker(t, "swarm-a", nil, freePort(t))

	offering := types.Offering{ID: "off-dup", NodeID: "swarm-z", Status: types.OfferingOpen}
	payload, err := json.Marshal(offering)
	require.NoError(t, err)
	re := RelayEnvelope{RelayID: "relay-1", Kind: RelayOffering, Payload: payload, LamportTS: 1}

	require.False(t, b.seen.witness(re.RelayID))
	require.True(t, b.seen.witness(re.RelayID))
}

func TestOfferOverflowNoCandidateReturnsFalse(t *testing.T) {
	b, _ := newBroker(t, "swarm-a", nil, freePort(t))
	task := &types.Task{ID: "t-1", RequiredCapabilities: []string{"coder"}}
	require.False(t, b.OfferOverflow(task))
}

func TestOfferOverflowPostsBountyForQualifyingCandidate(t *testing.T) {
	b, store := newBroker(t, "swarm-a", nil, freePort(t))
	_, err := store.PutCapabilityProfile(&types.CapabilityProfile{
		NodeID:       "swarm-b",
		Capabilities: []string{"coder"},
		IdleAgents:   2,
		TotalAgents:  2,
	})
	require.NoError(t, err)

	task := &types.Task{ID: "t-1", RequiredCapabilities: []string{"coder"}}
	require.True(t, b.OfferOverflow(task))

	bounties, err := store.ListBounties()
	require.NoError(t, err)
	require.Len(t, bounties, 1)
	require.Equal(t, "t-1", bounties[0].TaskID)
	require.Equal(t, types.BountyOpen, bounties[0].Status)
}

func TestOfferOverflowRejectsBelowReputationFloor(t *testing.T) {
	b, store := newBroker(t, "swarm-a", nil, freePort(t))
	_, err := store.PutCapabilityProfile(&types.CapabilityProfile{
		NodeID:       "swarm-b",
		Capabilities: []string{"coder"},
		IdleAgents:   2,
	})
	require.NoError(t, err)

	require.NoError(t, b.saveReputation(&types.ReputationRecord{
		NodeID:       "swarm-b",
		Completed:    1,
		Failed:       20,
		TotalSeconds: 100 * speedBaselineSeconds,
		LastSeen:     time.Now().UTC().Add(-10 * recencyHalfLife),
	}))

	task := &types.Task{ID: "t-1", RequiredCapabilities: []string{"coder"}}
	require.False(t, b.OfferOverflow(task))
}

func TestRecordTaskOutcomeUpdatesReputation(t *testing.T) {
	b, store := newBroker(t, "swarm-a", nil, freePort(t))

	bounty := &types.Bounty{ID: "bounty-1", TaskID: "t-1", ClaimedByNode: "swarm-b", Status: types.BountyClaimed}
	require.NoError(t, store.PutBounty(bounty))

	now := time.Now().UTC()
	task := &types.Task{ID: "t-1", ClaimedAt: now.Add(-time.Minute), CompletedAt: now, Status: types.TaskCompleted}
	require.NoError(t, store.CreateTask(task))

	b.recordTaskOutcome(&events.Event{Type: events.EventTaskCompleted, Metadata: map[string]string{"task_id": "t-1"}})

	r := b.loadReputation("swarm-b")
	require.NotNil(t, r)
	require.Equal(t, 1, r.Completed)
	require.InDelta(t, 60.0, r.TotalSeconds, 1.0)

	got, err := store.GetBounty("bounty-1")
	require.NoError(t, err)
	require.Equal(t, types.BountyCompleted, got.Status)
}

package identity

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/cuemby/warrenswarm/pkg/security"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func init() {
	_ = security.SetSwarmEncryptionKey(make([]byte, 32))
}

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	store := newTestStore(t)

	h1, err := LoadOrCreate(store)
	require.NoError(t, err)
	require.Len(t, h1.PublicKey(), 32)

	h2, err := LoadOrCreate(store)
	require.NoError(t, err)
	require.Equal(t, h1.PublicKeyHex(), h2.PublicKeyHex())
}

func TestSignAndVerify(t *testing.T) {
	store := newTestStore(t)
	h, err := LoadOrCreate(store)
	require.NoError(t, err)

	msg := []byte("hello swarm")
	sig := h.Sign(msg)
	require.True(t, ed25519.Verify(h.PublicKey(), msg, sig))
}

func TestDID(t *testing.T) {
	require.Equal(t, "did:warrenswarm:node-1", DID("warrenswarm", "node-1"))
}

func TestChallengeIssueConsume(t *testing.T) {
	cs := NewChallengeStore()
	c, err := cs.Issue("peer-1")
	require.NoError(t, err)
	require.NotEmpty(t, c.Nonce)

	got, ok := cs.Consume(c.Nonce)
	require.True(t, ok)
	require.Equal(t, c.Nonce, got.Nonce)

	_, ok = cs.Consume(c.Nonce)
	require.False(t, ok, "a nonce must not be consumable twice")
}

func TestChallengeStaleRejected(t *testing.T) {
	cs := NewChallengeStore()
	c, err := cs.Issue("peer-1")
	require.NoError(t, err)

	cs.mu.Lock()
	stale := cs.challenges[c.Nonce]
	stale.IssuedAt = time.Now().Add(-ChallengeFreshness - time.Minute)
	cs.challenges[c.Nonce] = stale
	cs.mu.Unlock()

	_, ok := cs.Consume(c.Nonce)
	require.False(t, ok)
}

func TestRespondAndVerifyResponse(t *testing.T) {
	store := newTestStore(t)
	h, err := LoadOrCreate(store)
	require.NoError(t, err)

	cs := NewChallengeStore()
	c, err := cs.Issue("peer-1")
	require.NoError(t, err)

	sigHex := Respond(h, c)
	require.True(t, VerifyResponse(c, h.PublicKey(), sigHex))

	other, err := LoadOrCreate(newTestStore(t))
	require.NoError(t, err)
	require.False(t, VerifyResponse(c, other.PublicKey(), sigHex))
}

func TestSweepPurgesStale(t *testing.T) {
	cs := NewChallengeStore()
	c, err := cs.Issue("peer-1")
	require.NoError(t, err)

	cs.mu.Lock()
	stale := cs.challenges[c.Nonce]
	stale.IssuedAt = time.Now().Add(-ChallengeFreshness - time.Minute)
	cs.challenges[c.Nonce] = stale
	cs.mu.Unlock()

	cs.Sweep()

	cs.mu.Lock()
	_, exists := cs.challenges[c.Nonce]
	cs.mu.Unlock()
	require.False(t, exists)
}

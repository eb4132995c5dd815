package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ChallengeFreshness is the window within which a challenge must be
// answered; a stale challenge is rejected even with a valid signature.
const ChallengeFreshness = 5 * time.Minute

// Challenge is the nonce one side issues after HELLO, before marking the
// connection identity-verified.
type Challenge struct {
	Nonce     string // hex
	IssuedAt  time.Time
	FromPeer  string // node-id of the peer this challenge was sent to
}

// CanonicalString is the exact byte sequence the responder signs.
func (c Challenge) CanonicalString() string {
	return fmt.Sprintf("swarm-auth-challenge:%s:%d", c.Nonce, c.IssuedAt.UTC().Unix())
}

// ChallengeStore tracks outstanding challenges this node issued, keyed by
// nonce, so a response can be matched and consumed exactly once.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
}

// NewChallengeStore creates an empty challenge store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]Challenge)}
}

// Issue creates and records a fresh challenge for peerID.
func (cs *ChallengeStore) Issue(peerID string) (Challenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("identity: generate nonce: %w", err)
	}
	c := Challenge{Nonce: hex.EncodeToString(nonce), IssuedAt: time.Now().UTC(), FromPeer: peerID}

	cs.mu.Lock()
	cs.challenges[c.Nonce] = c
	cs.mu.Unlock()
	return c, nil
}

// Consume removes and returns the challenge for nonce if it exists and is
// still within ChallengeFreshness. A second call for the same nonce always
// misses, which prevents replaying a response against a once-used
// challenge.
func (cs *ChallengeStore) Consume(nonce string) (Challenge, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.challenges[nonce]
	if !ok {
		return Challenge{}, false
	}
	delete(cs.challenges, nonce)

	if time.Since(c.IssuedAt) > ChallengeFreshness {
		return Challenge{}, false
	}
	return c, true
}

// Sweep purges challenges older than ChallengeFreshness that were never
// consumed, bounding memory for peers that never respond.
func (cs *ChallengeStore) Sweep() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := time.Now()
	for nonce, c := range cs.challenges {
		if now.Sub(c.IssuedAt) > ChallengeFreshness {
			delete(cs.challenges, nonce)
		}
	}
}

// Respond signs the canonical challenge string, producing the hex
// signature the issuer will verify.
func Respond(handle *Handle, c Challenge) string {
	return hex.EncodeToString(handle.Sign([]byte(c.CanonicalString())))
}

// VerifyResponse checks a claimed responder's signature against their
// known public key for the given challenge.
func VerifyResponse(c Challenge, responderPublicKey ed25519.PublicKey, signatureHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(responderPublicKey, []byte(c.CanonicalString()), sig)
}

package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/warrenswarm/pkg/transport"
)

// challengePayload/responsePayload/rejectPayload are the wire bodies for
// the §4.8 post-HELLO handshake. They travel over the raw conn before the
// Peer/outbox machinery exists, so they never go through gossip's normal
// dispatch path.
type challengePayload struct {
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"issued_at"`
}

type responsePayload struct {
	Nonce        string `json:"nonce"`
	SignatureHex string `json:"signature"`
}

type rejectPayload struct {
	Reason string `json:"reason"`
}

// PublicKeyLookup resolves a connected peer's claimed node-id to its
// gossiped Ed25519 public key. false means the swarm hasn't replicated
// that peer's identity yet, which is expected for the first connections
// a brand-new swarm makes.
type PublicKeyLookup func(nodeID string) (ed25519.PublicKey, bool)

// Auth implements transport.Authenticator: the side that accepts a
// connection challenges the dialer to sign a fresh nonce with its private
// key, and verifies the signature against the dialer's known public key.
// A peer whose identity hasn't propagated yet is let through unverified
// rather than rejected outright, so a freshly booted swarm (where nobody's
// identity has gossiped to anybody else) can still form its first edges.
type Auth struct {
	handle     *Handle
	challenges *ChallengeStore
	lookup     PublicKeyLookup
}

// NewAuth builds an Auth bound to this node's own signing handle and a
// lookup for peers' known public keys.
func NewAuth(handle *Handle, lookup PublicKeyLookup) *Auth {
	return &Auth{handle: handle, challenges: NewChallengeStore(), lookup: lookup}
}

// RunSweeper purges unconsumed challenges older than ChallengeFreshness
// every sweep interval, bounding memory for peers that dial in but never
// complete the handshake. It blocks until ctx is cancelled.
func (a *Auth) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.challenges.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Challenge issues a fresh nonce to the peer at the other end of conn,
// waits for a signed response, and verifies it.
func (a *Auth) Challenge(conn net.Conn, peerNodeID string) error {
	c, err := a.challenges.Issue(peerNodeID)
	if err != nil {
		return fmt.Errorf("identity: issue challenge: %w", err)
	}
	if err := transport.WriteFrame(conn, &transport.Envelope{
		Type:    transport.MsgAuthChallenge,
		Payload: transport.Encode(challengePayload{Nonce: c.Nonce, IssuedAt: c.IssuedAt.Unix()}),
	}); err != nil {
		return fmt.Errorf("identity: send challenge: %w", err)
	}

	env, err := transport.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("identity: read challenge response: %w", err)
	}
	if env.Type == transport.MsgAuthReject {
		return fmt.Errorf("identity: peer rejected our challenge")
	}
	if env.Type != transport.MsgAuthResponse {
		return fmt.Errorf("identity: expected auth response, got message type %d", env.Type)
	}

	var resp responsePayload
	if err := transport.Decode(env.Payload, &resp); err != nil {
		return fmt.Errorf("identity: decode challenge response: %w", err)
	}
	issued, ok := a.challenges.Consume(resp.Nonce)
	if !ok {
		return fmt.Errorf("identity: unknown or expired challenge nonce from %s", peerNodeID)
	}

	pub, ok := a.lookup(peerNodeID)
	if !ok {
		// Identity hasn't gossiped to us yet. Let the connection through
		// unverified rather than partition a swarm that hasn't finished
		// its first round of identity announcements.
		return nil
	}
	if !VerifyResponse(issued, pub, resp.SignatureHex) {
		_ = transport.WriteFrame(conn, &transport.Envelope{
			Type:    transport.MsgAuthReject,
			Payload: transport.Encode(rejectPayload{Reason: "signature verification failed"}),
		})
		return fmt.Errorf("identity: signature verification failed for peer %s", peerNodeID)
	}
	return nil
}

// Respond answers a challenge the conn's other end may issue. If the
// acceptor has no Authenticator configured it sends nothing, in which
// case this call blocks until the acceptor moves on to normal traffic —
// callers only invoke Respond when this node's own Mesh is configured
// with an Authenticator, which implies every peer it dials is expected
// to run the same handshake.
func (a *Auth) Respond(conn net.Conn) error {
	env, err := transport.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("identity: read challenge: %w", err)
	}
	if env.Type != transport.MsgAuthChallenge {
		return fmt.Errorf("identity: expected auth challenge, got message type %d", env.Type)
	}

	var c challengePayload
	if err := transport.Decode(env.Payload, &c); err != nil {
		return fmt.Errorf("identity: decode challenge: %w", err)
	}
	challenge := Challenge{Nonce: c.Nonce, IssuedAt: time.Unix(c.IssuedAt, 0).UTC()}
	sig := Respond(a.handle, challenge)

	return transport.WriteFrame(conn, &transport.Envelope{
		Type:    transport.MsgAuthResponse,
		Payload: transport.Encode(responsePayload{Nonce: c.Nonce, SignatureHex: sig}),
	})
}

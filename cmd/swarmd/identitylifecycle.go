package main

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/cuemby/warrenswarm/pkg/clock"
	"github.com/cuemby/warrenswarm/pkg/credential"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/gossip"
	"github.com/cuemby/warrenswarm/pkg/identity"
	"github.com/cuemby/warrenswarm/pkg/log"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/types"
)

// credentialTTL is how long this node's self-issued swarm_member and
// emperor_trust credentials remain valid before a fresh one supersedes
// them. There's no externally imposed lifetime for either credential
// type, so this is chosen generously relative to the mesh's own
// keepaliveLoop/dialInterval cadence (tens of seconds): long enough that
// routine re-announcement isn't needed, short enough that a node that
// leaves the swarm for good eventually stops being trusted on the
// strength of a credential nobody re-issues.
const credentialTTL = 72 * time.Hour

// announceSelf persists and gossips this node's own identity, then
// self-issues and gossips the swarm_member credential every node in good
// standing carries. It must run once per boot, after the mesh exists (so
// BroadcastIdentity/BroadcastCredential have somewhere to send) but before
// Start blocks on the peer loops.
func announceSelf(store storage.Store, clk *clock.Clock, g *gossip.Gossip, idHandle *identity.Handle, swarmID, nodeID string, role types.NodeRole) (*types.Identity, error) {
	did := identity.DID(swarmID, nodeID)
	now := time.Now().UTC()

	self := &types.Identity{
		Stamped: types.Stamped{
			LamportTS:    clk.Tick(),
			UpdatedAt:    now,
			OriginNodeID: nodeID,
		},
		DID:       did,
		NodeID:    nodeID,
		PublicKey: idHandle.PublicKeyHex(),
		Role:      role,
		CreatedAt: now,
	}
	if err := store.PutIdentity(self); err != nil {
		return nil, err
	}
	g.BroadcastIdentity(self)

	if err := issueAndBroadcastCredential(store, clk, g, idHandle, did, did, types.CredentialSwarmMember, nil); err != nil {
		return nil, err
	}
	return self, nil
}

// issueAndBroadcastCredential self-signs a credential of credType for
// subjectDID (usually this node's own DID), persists it, and floods it to
// the mesh. The issuer is always this node's own DID: swarm_member and
// emperor_trust are both self-asserted claims a peer verifies against the
// issuer's known public key, not claims a third party vouches for.
func issueAndBroadcastCredential(store storage.Store, clk *clock.Clock, g *gossip.Gossip, idHandle *identity.Handle, issuerDID, subjectDID, credType string, claims map[string]string) error {
	cred, err := credential.Issue(idHandle, issuerDID, subjectDID, credType, claims, credentialTTL)
	if err != nil {
		return err
	}
	cred.LamportTS = clk.Tick()
	cred.UpdatedAt = time.Now().UTC()
	cred.OriginNodeID = issuerDID

	if err := store.PutCredential(cred); err != nil {
		return err
	}
	g.BroadcastCredential(cred)
	return nil
}

// watchElectionVictories self-issues an emperor_trust credential every
// time this node wins an election, so the rest of the swarm can verify
// emperor status the same way it verifies swarm membership: by checking a
// signed, gossiped credential rather than trusting MsgElectionVictory
// alone.
func watchElectionVictories(ctx context.Context, eb *events.Broker, store storage.Store, clk *clock.Clock, g *gossip.Gossip, idHandle *identity.Handle, selfDID, nodeID string) {
	logger := log.WithComponent("identity-lifecycle")
	sub := eb.Subscribe()
	defer eb.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.EventElectionVictory || ev.Metadata["node_id"] != nodeID {
				continue
			}
			if err := issueAndBroadcastCredential(store, clk, g, idHandle, selfDID, selfDID, types.CredentialEmperorTrust, nil); err != nil {
				logger.Warn().Err(err).Msg("failed to self-issue emperor_trust credential")
			}
		case <-ctx.Done():
			return
		}
	}
}

// publicKeyLookup resolves a connected peer's claimed node-id to its
// gossiped Ed25519 public key for the identity handshake in
// pkg/identity.Auth. It's a linear scan of ListIdentities rather than an
// indexed lookup: identity counts track swarm size, which this project
// expects to stay in the hundreds at most, not the millions.
func publicKeyLookup(store storage.Store) identity.PublicKeyLookup {
	return func(nodeID string) (ed25519.PublicKey, bool) {
		idents, err := store.ListIdentities()
		if err != nil {
			return nil, false
		}
		for _, id := range idents {
			if id.NodeID != nodeID {
				continue
			}
			key, err := credential.DecodePublicKey(id.PublicKey)
			if err != nil {
				return nil, false
			}
			return key, true
		}
		return nil, false
	}
}

package gossip

import (
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
)

// BroadcastTask floods a task mutation to every connected peer. action
// selects the message tag and must match one of the task lifecycle verbs
// (create, claim, update, complete, fail, cancel, assign, archive).
func (g *Gossip) BroadcastTask(action string, t *types.Task) {
	msgType, ok := taskMessageType(action)
	if !ok {
		return
	}
	key := dedupKey("task", t.ID, action, t.LamportTS)
	g.seen.witness(key) // our own broadcast shouldn't loop back through us
	g.mesh.Broadcast(&transport.Envelope{Type: msgType, Payload: transport.Encode(t), LamportTS: t.LamportTS}, "")
}

func taskMessageType(action string) (transport.MessageType, bool) {
	switch action {
	case "create":
		return transport.MsgTaskCreate, true
	case "claim":
		return transport.MsgTaskClaim, true
	case "update":
		return transport.MsgTaskUpdate, true
	case "complete":
		return transport.MsgTaskComplete, true
	case "fail":
		return transport.MsgTaskFail, true
	case "cancel":
		return transport.MsgTaskCancel, true
	case "assign":
		return transport.MsgTaskAssign, true
	case "archive":
		return transport.MsgTaskArchive, true
	default:
		return 0, false
	}
}

// BroadcastAgent floods an agent register/heartbeat update.
func (g *Gossip) BroadcastAgent(a *types.Agent) {
	key := dedupKey("agent", a.ID, a.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgAgentRegister, Payload: transport.Encode(a), LamportTS: a.LamportTS}, "")
}

// BroadcastAgentDeregister floods an agent's tombstone.
func (g *Gossip) BroadcastAgentDeregister(a *types.Agent) {
	key := dedupKey("agent", a.ID, "deregister", a.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgAgentDeregister, Payload: transport.Encode(a), LamportTS: a.LamportTS}, "")
}

// BroadcastIdentity floods a DID announcement.
func (g *Gossip) BroadcastIdentity(i *types.Identity) {
	key := dedupKey("identity", i.DID, i.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgIdentityAnnounce, Payload: transport.Encode(i), LamportTS: i.LamportTS}, "")
}

// BroadcastCredential floods a newly issued credential.
func (g *Gossip) BroadcastCredential(c *types.Credential) {
	key := dedupKey("credential", c.ID, c.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgIdentityCredentialIssue, Payload: transport.Encode(c), LamportTS: c.LamportTS}, "")
}

// BroadcastOffering floods a marketplace offering announcement.
func (g *Gossip) BroadcastOffering(o *types.Offering) {
	key := dedupKey("offering", o.ID, "announce", o.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgOfferingAnnounce, Payload: transport.Encode(o), LamportTS: o.LamportTS}, "")
}

// BroadcastOfferingWithdraw floods a marketplace offering withdrawal.
func (g *Gossip) BroadcastOfferingWithdraw(o *types.Offering) {
	key := dedupKey("offering", o.ID, "withdraw", o.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgOfferingWithdraw, Payload: transport.Encode(o), LamportTS: o.LamportTS}, "")
}

// BroadcastCapabilityProfile floods an updated throughput profile.
func (g *Gossip) BroadcastCapabilityProfile(p *types.CapabilityProfile) {
	key := dedupKey("capability", p.NodeID, p.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgCapabilityAdvertise, Payload: transport.Encode(p), LamportTS: p.LamportTS}, "")
}

// BroadcastBountyPost floods a newly posted cross-swarm bounty.
func (g *Gossip) BroadcastBountyPost(b *types.Bounty) {
	key := dedupKey("bounty", b.ID, "post", b.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgBountyPost, Payload: transport.Encode(b), LamportTS: b.LamportTS}, "")
}

// BroadcastBountyClaim floods a bounty claim.
func (g *Gossip) BroadcastBountyClaim(b *types.Bounty) {
	key := dedupKey("bounty", b.ID, "claim", b.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgBountyClaim, Payload: transport.Encode(b), LamportTS: b.LamportTS}, "")
}

// BroadcastBountyCancel floods a bounty cancellation.
func (g *Gossip) BroadcastBountyCancel(b *types.Bounty) {
	key := dedupKey("bounty", b.ID, "cancel", b.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgBountyCancel, Payload: transport.Encode(b), LamportTS: b.LamportTS}, "")
}

// SendAssign unicasts a TASK_ASSIGN to the task's assigned node.
func (g *Gossip) SendAssign(nodeID string, t *types.Task) error {
	return g.mesh.SendTo(nodeID, &transport.Envelope{Type: transport.MsgTaskAssign, Payload: transport.Encode(t), LamportTS: t.LamportTS})
}

// BroadcastPost floods a new message-board entry.
func (g *Gossip) BroadcastPost(p *types.Post) {
	key := dedupKey("post", p.ID, p.LamportTS)
	g.seen.witness(key)
	g.mesh.Broadcast(&transport.Envelope{Type: transport.MsgPost, Payload: transport.Encode(p), LamportTS: p.LamportTS}, "")
}

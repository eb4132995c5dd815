package gossip

import (
	"time"

	"github.com/cuemby/warrenswarm/pkg/credential"
	"github.com/cuemby/warrenswarm/pkg/events"
	"github.com/cuemby/warrenswarm/pkg/metrics"
	"github.com/cuemby/warrenswarm/pkg/storage"
	"github.com/cuemby/warrenswarm/pkg/transport"
	"github.com/cuemby/warrenswarm/pkg/types"
)

func (g *Gossip) handleTask(action string) transport.Handler {
	return func(from string, env *transport.Envelope) {
		var t types.Task
		if err := transport.Decode(env.Payload, &t); err != nil {
			g.logger.Warn().Err(err).Str("action", action).Msg("malformed task payload")
			return
		}

		key := dedupKey("task", t.ID, action, t.LamportTS)
		if g.seen.witness(key) {
			metrics.GossipMessagesDeduped.Inc()
			return
		}
		g.clock.Witness(t.LamportTS)

		changed, err := g.store.MergeTask(&t)
		if err != nil {
			g.logger.Warn().Err(err).Str("task", t.ID).Msg("merge task failed")
			return
		}
		if !changed {
			return
		}

		g.publishTaskEvent(action, &t)
		g.rebroadcast(env, from)
	}
}

func (g *Gossip) publishTaskEvent(action string, t *types.Task) {
	var evType events.EventType
	switch action {
	case "create":
		evType = events.EventTaskCreated
	case "claim":
		evType = events.EventTaskClaimed
	case "complete":
		evType = events.EventTaskCompleted
	case "fail":
		evType = events.EventTaskFailed
	default:
		return
	}
	g.broker.Publish(&events.Event{
		Type:     evType,
		Message:  t.Title,
		Metadata: map[string]string{"task_id": t.ID, "status": string(t.Status)},
	})
}

func (g *Gossip) handleAgent(from string, env *transport.Envelope) {
	var a types.Agent
	if err := transport.Decode(env.Payload, &a); err != nil {
		g.logger.Warn().Err(err).Msg("malformed agent payload")
		return
	}

	key := dedupKey("agent", a.ID, a.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(a.LamportTS)

	changed, err := g.store.MergeAgent(&a)
	if err != nil {
		g.logger.Warn().Err(err).Str("agent", a.ID).Msg("merge agent failed")
		return
	}
	if !changed {
		return
	}

	if a.Status == types.AgentIdle || a.Status == types.AgentStarting {
		g.broker.Publish(&events.Event{Type: events.EventAgentRegistered, Metadata: map[string]string{"agent_id": a.ID, "node_id": a.NodeID}})
	}
	g.rebroadcast(env, from)
}

func (g *Gossip) handleAgentDeregister(from string, env *transport.Envelope) {
	var a types.Agent
	if err := transport.Decode(env.Payload, &a); err != nil {
		g.logger.Warn().Err(err).Msg("malformed agent deregister payload")
		return
	}
	a.Tombstone = true
	a.Status = types.AgentOffline

	key := dedupKey("agent", a.ID, "deregister", a.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(a.LamportTS)

	changed, err := g.store.MergeAgent(&a)
	if err != nil {
		g.logger.Warn().Err(err).Str("agent", a.ID).Msg("merge agent deregister failed")
		return
	}
	if !changed {
		return
	}
	g.broker.Publish(&events.Event{Type: events.EventAgentOffline, Metadata: map[string]string{"agent_id": a.ID}})
	g.rebroadcast(env, from)
}

func (g *Gossip) handleIdentity(from string, env *transport.Envelope) {
	var ident types.Identity
	if err := transport.Decode(env.Payload, &ident); err != nil {
		g.logger.Warn().Err(err).Msg("malformed identity payload")
		return
	}

	key := dedupKey("identity", ident.DID, ident.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(ident.LamportTS)

	existing, err := g.store.GetIdentity(ident.DID)
	if err != nil && err != storage.ErrNotFound {
		g.logger.Warn().Err(err).Str("did", ident.DID).Msg("lookup identity failed")
		return
	}
	if existing != nil && !ident.Newer(existing.Stamped) {
		return
	}
	if err := g.store.PutIdentity(&ident); err != nil {
		g.logger.Warn().Err(err).Str("did", ident.DID).Msg("put identity failed")
		return
	}

	g.broker.Publish(&events.Event{Type: events.EventIdentityVerified, Metadata: map[string]string{"did": ident.DID, "node_id": ident.NodeID}})
	g.rebroadcast(env, from)
}

func (g *Gossip) handleCredential(from string, env *transport.Envelope) {
	var c types.Credential
	if err := transport.Decode(env.Payload, &c); err != nil {
		g.logger.Warn().Err(err).Msg("malformed credential payload")
		return
	}

	key := dedupKey("credential", c.ID, c.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}

	issuer, err := g.store.GetIdentity(c.IssuerDID)
	if err != nil {
		g.logger.Debug().Err(err).Str("issuer", c.IssuerDID).Msg("credential issuer unknown, dropping")
		metrics.GossipMessagesDropped.WithLabelValues("unknown_issuer").Inc()
		return
	}
	issuerKey, err := credential.DecodePublicKey(issuer.PublicKey)
	if err != nil || !credential.Verify(&c, issuerKey) {
		g.logger.Warn().Str("credential", c.ID).Msg("credential signature verification failed")
		metrics.GossipMessagesDropped.WithLabelValues("bad_signature").Inc()
		return
	}

	g.clock.Witness(c.LamportTS)
	if err := g.store.PutCredential(&c); err != nil {
		g.logger.Warn().Err(err).Str("credential", c.ID).Msg("put credential failed")
		return
	}
	g.rebroadcast(env, from)
}

func (g *Gossip) handleOffering(from string, env *transport.Envelope) {
	g.upsertOffering(from, env, "announce")
}

func (g *Gossip) handleOfferingWithdraw(from string, env *transport.Envelope) {
	g.upsertOffering(from, env, "withdraw")
}

func (g *Gossip) upsertOffering(from string, env *transport.Envelope, action string) {
	var o types.Offering
	if err := transport.Decode(env.Payload, &o); err != nil {
		g.logger.Warn().Err(err).Msg("malformed offering payload")
		return
	}

	key := dedupKey("offering", o.ID, action, o.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(o.LamportTS)

	existing, err := g.store.GetOffering(o.ID)
	if err != nil && err != storage.ErrNotFound {
		g.logger.Warn().Err(err).Str("offering", o.ID).Msg("lookup offering failed")
		return
	}
	if existing != nil && !o.Newer(existing.Stamped) {
		return
	}
	if err := g.store.PutOffering(&o); err != nil {
		g.logger.Warn().Err(err).Str("offering", o.ID).Msg("put offering failed")
		return
	}
	g.rebroadcast(env, from)
}

func (g *Gossip) handleCapabilityProfile(from string, env *transport.Envelope) {
	var p types.CapabilityProfile
	if err := transport.Decode(env.Payload, &p); err != nil {
		g.logger.Warn().Err(err).Msg("malformed capability profile payload")
		return
	}

	key := dedupKey("capability", p.NodeID, p.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(p.LamportTS)

	changed, err := g.store.PutCapabilityProfile(&p)
	if err != nil {
		g.logger.Warn().Err(err).Str("node", p.NodeID).Msg("put capability profile failed")
		return
	}
	if !changed {
		return
	}
	g.rebroadcast(env, from)
}

func (g *Gossip) handleBountyPost(from string, env *transport.Envelope) {
	var b types.Bounty
	if err := transport.Decode(env.Payload, &b); err != nil {
		g.logger.Warn().Err(err).Msg("malformed bounty post payload")
		return
	}

	key := dedupKey("bounty", b.ID, "post", b.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(b.LamportTS)

	existing, err := g.store.GetBounty(b.ID)
	if err != nil && err != storage.ErrNotFound {
		g.logger.Warn().Err(err).Str("bounty", b.ID).Msg("lookup bounty failed")
		return
	}
	if existing != nil && !b.Newer(existing.Stamped) {
		return
	}
	if err := g.store.PutBounty(&b); err != nil {
		g.logger.Warn().Err(err).Str("bounty", b.ID).Msg("put bounty failed")
		return
	}
	g.broker.Publish(&events.Event{Type: events.EventBountyPosted, Metadata: map[string]string{"bounty_id": b.ID, "task_id": b.TaskID}})
	g.rebroadcast(env, from)
}

func (g *Gossip) handleBountyClaim(from string, env *transport.Envelope) {
	var claim types.Bounty
	if err := transport.Decode(env.Payload, &claim); err != nil {
		g.logger.Warn().Err(err).Msg("malformed bounty claim payload")
		return
	}

	key := dedupKey("bounty", claim.ID, "claim", claim.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(claim.LamportTS)

	changed, err := g.store.TransitionBounty(claim.ID, []types.BountyStatus{types.BountyOpen}, func(b *types.Bounty) {
		b.Status = types.BountyClaimed
		b.ClaimedByNode = claim.ClaimedByNode
		b.LamportTS = claim.LamportTS
		b.OriginNodeID = claim.OriginNodeID
		b.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("bounty", claim.ID).Msg("transition bounty claim failed")
		return
	}
	if !changed {
		return
	}
	g.broker.Publish(&events.Event{Type: events.EventBountyClaimed, Metadata: map[string]string{"bounty_id": claim.ID, "node_id": claim.ClaimedByNode}})
	g.rebroadcast(env, from)
}

func (g *Gossip) handleBountyCancel(from string, env *transport.Envelope) {
	var cancel types.Bounty
	if err := transport.Decode(env.Payload, &cancel); err != nil {
		g.logger.Warn().Err(err).Msg("malformed bounty cancel payload")
		return
	}

	key := dedupKey("bounty", cancel.ID, "cancel", cancel.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(cancel.LamportTS)

	changed, err := g.store.TransitionBounty(cancel.ID, []types.BountyStatus{types.BountyOpen, types.BountyClaimed}, func(b *types.Bounty) {
		b.Status = types.BountyCancelled
		b.LamportTS = cancel.LamportTS
		b.OriginNodeID = cancel.OriginNodeID
		b.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("bounty", cancel.ID).Msg("transition bounty cancel failed")
		return
	}
	if !changed {
		return
	}
	g.rebroadcast(env, from)
}

func (g *Gossip) handlePost(from string, env *transport.Envelope) {
	var p types.Post
	if err := transport.Decode(env.Payload, &p); err != nil {
		g.logger.Warn().Err(err).Msg("malformed post payload")
		return
	}

	key := dedupKey("post", p.ID, p.LamportTS)
	if g.seen.witness(key) {
		metrics.GossipMessagesDeduped.Inc()
		return
	}
	g.clock.Witness(p.LamportTS)

	changed, err := g.store.PutPost(&p)
	if err != nil {
		g.logger.Warn().Err(err).Str("post", p.ID).Msg("put post failed")
		return
	}
	if !changed {
		return
	}
	g.rebroadcast(env, from)
}

func (g *Gossip) handleTaskSyncReq(from string, env *transport.Envelope) {
	var req TaskSyncRequest
	if err := transport.Decode(env.Payload, &req); err != nil {
		g.logger.Warn().Err(err).Msg("malformed task sync request")
		return
	}

	tasks, err := g.store.ListTasksSinceLamport(req.SinceLamport)
	if err != nil {
		g.logger.Warn().Err(err).Msg("list tasks since lamport failed")
		return
	}

	rsp := TaskSyncResponse{Tasks: tasks}
	if err := g.mesh.SendTo(from, &transport.Envelope{
		Type:      transport.MsgTaskSyncRsp,
		Payload:   transport.Encode(rsp),
		LamportTS: g.clock.Current(),
	}); err != nil {
		g.logger.Debug().Err(err).Str("peer", from).Msg("send task sync response failed")
	}
}

func (g *Gossip) handleTaskSyncRsp(from string, env *transport.Envelope) {
	var rsp TaskSyncResponse
	if err := transport.Decode(env.Payload, &rsp); err != nil {
		g.logger.Warn().Err(err).Msg("malformed task sync response")
		return
	}
	for _, t := range rsp.Tasks {
		g.clock.Witness(t.LamportTS)
		if _, err := g.store.MergeTask(t); err != nil {
			g.logger.Warn().Err(err).Str("task", t.ID).Msg("merge synced task failed")
		}
	}
}

func (g *Gossip) handleSyncReq(from string, env *transport.Envelope) {
	rsp := SyncResponse{}

	if agents, err := g.store.ListAgents(); err == nil {
		rsp.Agents = agents
	}
	if idents, err := g.store.ListIdentities(); err == nil {
		rsp.Identities = idents
	}
	if offerings, err := g.store.ListOfferings(); err == nil {
		rsp.Offerings = offerings
	}
	if bounties, err := g.store.ListBounties(); err == nil {
		rsp.Bounties = bounties
	}
	if profiles, err := g.store.ListCapabilityProfiles(); err == nil {
		rsp.CapabilityProfiles = profiles
	}
	if posts, err := g.store.ListPosts(); err == nil {
		rsp.Posts = posts
	}

	if err := g.mesh.SendTo(from, &transport.Envelope{
		Type:      transport.MsgSyncRsp,
		Payload:   transport.Encode(rsp),
		LamportTS: g.clock.Current(),
	}); err != nil {
		g.logger.Debug().Err(err).Str("peer", from).Msg("send sync response failed")
	}
}

func (g *Gossip) handleSyncRsp(from string, env *transport.Envelope) {
	var rsp SyncResponse
	if err := transport.Decode(env.Payload, &rsp); err != nil {
		g.logger.Warn().Err(err).Msg("malformed sync response")
		return
	}

	for _, a := range rsp.Agents {
		g.clock.Witness(a.LamportTS)
		_, _ = g.store.MergeAgent(a)
	}
	for _, i := range rsp.Identities {
		g.clock.Witness(i.LamportTS)
		existing, err := g.store.GetIdentity(i.DID)
		if err == storage.ErrNotFound || (existing != nil && i.Newer(existing.Stamped)) {
			_ = g.store.PutIdentity(i)
		}
	}
	for _, o := range rsp.Offerings {
		g.clock.Witness(o.LamportTS)
		existing, err := g.store.GetOffering(o.ID)
		if err == storage.ErrNotFound || (existing != nil && o.Newer(existing.Stamped)) {
			_ = g.store.PutOffering(o)
		}
	}
	for _, b := range rsp.Bounties {
		g.clock.Witness(b.LamportTS)
		existing, err := g.store.GetBounty(b.ID)
		if err == storage.ErrNotFound || (existing != nil && b.Newer(existing.Stamped)) {
			_ = g.store.PutBounty(b)
		}
	}
	for _, p := range rsp.CapabilityProfiles {
		g.clock.Witness(p.LamportTS)
		_, _ = g.store.PutCapabilityProfile(p)
	}
	for _, p := range rsp.Posts {
		g.clock.Witness(p.LamportTS)
		_, _ = g.store.PutPost(p)
	}
}

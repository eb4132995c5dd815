/*
Package events provides an in-memory event broker for a swarm node's
internal pub/sub messaging.

It is a lightweight fan-out bus: any component can publish an Event and
any number of subscribers receive it on their own buffered channel. There
is no topic filtering — every subscriber sees every event and is expected
to switch on Type.

# Core Components

Broker: the central, in-process message bus. Publish puts the event on a
buffered 100-deep channel and waits while that channel is full, or returns
once the broker is stopped; broadcast to subscribers is non-blocking per
subscriber (buffered 50-deep, full buffers skip rather than block).

Event: a typed occurrence with a timestamp and free-form Metadata map for
the fields relevant to that event type (task_id, node_id, and so on).

# Event Catalog

Task lifecycle:

	task.created    - a new task was created (Pending, Blocked or Planning)
	task.claimed    - an agent claimed a task
	task.completed  - a task reached Completed
	task.failed     - a task reached Failed
	task.blocked    - a reviewer rejection requeued a task to Pending; a task
	                  created Blocked on its DependsOn publishes only task.created

Agent lifecycle:

	agent.registered - a new agent announced itself
	agent.offline     - the reconciler marked an agent offline on missed heartbeats

Identity and election:

	identity.verified  - a gossiped identity announcement was merged (the
	                     connection handshake publishes no event)
	election.victory    - this node (or a peer) won a Bully round

Marketplace:

	bounty.posted   - a bounty entered the open marketplace
	bounty.claimed  - a remote node claimed a bounty

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventTaskFailed:
				handleTaskFailed(event)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventTaskFailed,
		Message: "task exceeded max merge attempts",
		Metadata: map[string]string{"task_id": task.ID},
	})

# Design Patterns

Fire-and-forget, best-effort delivery: a slow or absent
subscriber never stalls a publisher and never causes a dropped event to
surface as an error. This makes the broker suitable for metrics and
logging hooks and for driving the reconciler's reactive paths, but not
for anything that must not silently miss an event — those paths should
read state from pkg/storage directly rather than relying on the bus.
*/
package events

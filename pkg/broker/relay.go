package broker

import "github.com/cuemby/warrenswarm/pkg/transport"

// MsgRelay is the sole wire tag the broker's dedicated mesh speaks beyond
// the standard HELLO handshake every transport.Mesh performs. It lives in
// its own numeric space: the broker listens on a different TCP port than
// the intra-swarm mesh, so there is no risk of this tag colliding with one
// interpreted by pkg/gossip.
const MsgRelay transport.MessageType = 0xD0

// RelayKind identifies what a RelayEnvelope carries.
type RelayKind string

const (
	RelayOffering   RelayKind = "offering"
	RelayBounty     RelayKind = "bounty"
	RelayCapability RelayKind = "capability"
)

// RelayEnvelope federates one marketplace record between brokers. RelayID
// is a fresh uuid minted by the originating broker; every broker that
// forwards the envelope keeps the same RelayID so receivers can dedup on
// it rather than reprocessing (and re-flooding) the same record forever.
type RelayEnvelope struct {
	RelayID   string          `json:"relay_id"`
	Kind      RelayKind       `json:"kind"`
	Payload   transport.RawMessage `json:"payload"`
	LamportTS uint64          `json:"lamport_ts"`
}
